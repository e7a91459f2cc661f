package matrix

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vigil-grc/vigil/pkg/contracts"
)

func testMatrix(t *testing.T) *Matrix {
	t.Helper()
	m := &Matrix{
		ID:   "mx-3x3",
		Name: "Standard 3x3",
		Size: 3,
		Cells: [][]contracts.Level{
			{contracts.LevelLow, contracts.LevelLow, contracts.LevelMedium},
			{contracts.LevelLow, contracts.LevelMedium, contracts.LevelHigh},
			{contracts.LevelMedium, contracts.LevelHigh, contracts.LevelCritical},
		},
	}
	require.NoError(t, m.Validate())
	return m
}

func TestMatrixLevel(t *testing.T) {
	m := testMatrix(t)

	t.Run("Lookup", func(t *testing.T) {
		level, err := m.Level(3, 3)
		require.NoError(t, err)
		require.Equal(t, contracts.LevelCritical, level)

		level, err = m.Level(1, 1)
		require.NoError(t, err)
		require.Equal(t, contracts.LevelLow, level)
	})

	t.Run("Deterministic", func(t *testing.T) {
		for impact := 1; impact <= m.Size; impact++ {
			for likelihood := 1; likelihood <= m.Size; likelihood++ {
				first, err := m.Level(impact, likelihood)
				require.NoError(t, err)
				require.True(t, first.Valid())
				second, err := m.Level(impact, likelihood)
				require.NoError(t, err)
				require.Equal(t, first, second)
			}
		}
	})

	t.Run("OutOfRange", func(t *testing.T) {
		for _, pair := range [][2]int{{0, 1}, {1, 0}, {4, 1}, {1, 4}, {-1, 2}} {
			_, err := m.Level(pair[0], pair[1])
			var rangeErr *contracts.InvalidRangeError
			require.True(t, errors.As(err, &rangeErr), "pair %v should be out of range", pair)
			require.Equal(t, 3, rangeErr.Size)
		}
	})
}

func TestMatrixValidate(t *testing.T) {
	t.Run("TooSmall", func(t *testing.T) {
		m := &Matrix{ID: "mx", Name: "2x2", Size: 2, Cells: [][]contracts.Level{
			{contracts.LevelLow, contracts.LevelHigh},
			{contracts.LevelHigh, contracts.LevelCritical},
		}}
		require.Error(t, m.Validate())
	})

	t.Run("RowGap", func(t *testing.T) {
		m := testMatrix(t)
		m.Cells[1] = m.Cells[1][:2]
		require.Error(t, m.Validate())
	})

	t.Run("MissingRow", func(t *testing.T) {
		m := testMatrix(t)
		m.Cells = m.Cells[:2]
		require.Error(t, m.Validate())
	})

	t.Run("UnknownLevel", func(t *testing.T) {
		m := testMatrix(t)
		m.Cells[0][0] = contracts.Level("SEVERE")
		require.Error(t, m.Validate())
	})
}

func TestFallbackLevel(t *testing.T) {
	tests := []struct {
		impact     int
		likelihood int
		want       contracts.Level
	}{
		{1, 2, contracts.LevelLow},      // total 3
		{2, 2, contracts.LevelMedium},   // total 4
		{2, 3, contracts.LevelMedium},   // total 5
		{3, 3, contracts.LevelHigh},     // total 6
		{3, 4, contracts.LevelHigh},     // total 7
		{4, 4, contracts.LevelCritical}, // total 8
		{5, 5, contracts.LevelCritical}, // total 10
	}

	for _, tt := range tests {
		require.Equal(t, tt.want, FallbackLevel(tt.impact, tt.likelihood),
			"fallback for (%d, %d)", tt.impact, tt.likelihood)
	}
}

func TestDecodeJSON(t *testing.T) {
	t.Run("RoundTrip", func(t *testing.T) {
		m := testMatrix(t)
		data, err := EncodeJSON(m)
		require.NoError(t, err)

		decoded, err := DecodeJSON(data)
		require.NoError(t, err)

		for impact := 1; impact <= m.Size; impact++ {
			for likelihood := 1; likelihood <= m.Size; likelihood++ {
				want, err := m.Level(impact, likelihood)
				require.NoError(t, err)
				got, err := decoded.Level(impact, likelihood)
				require.NoError(t, err)
				require.Equal(t, want, got)
			}
		}
	})

	t.Run("LowercaseLevels", func(t *testing.T) {
		doc := `{
			"id": "mx-lc", "name": "lowercase", "size": 3,
			"cells": [
				["low", "low", "medium"],
				["low", "medium", "high"],
				["medium", "high", "critical"]
			]
		}`
		m, err := DecodeJSON([]byte(doc))
		require.NoError(t, err)

		level, err := m.Level(3, 3)
		require.NoError(t, err)
		require.Equal(t, contracts.LevelCritical, level)
	})

	t.Run("RejectsGaps", func(t *testing.T) {
		doc := `{
			"id": "mx-gap", "name": "gap", "size": 3,
			"cells": [
				["LOW", "LOW", "MEDIUM"],
				["LOW", "MEDIUM"],
				["MEDIUM", "HIGH", "CRITICAL"]
			]
		}`
		_, err := DecodeJSON([]byte(doc))
		require.Error(t, err)
	})

	t.Run("RejectsUnknownLevel", func(t *testing.T) {
		doc := `{
			"id": "mx-bad", "name": "bad", "size": 3,
			"cells": [
				["LOW", "LOW", "MEDIUM"],
				["LOW", "SEVERE", "HIGH"],
				["MEDIUM", "HIGH", "CRITICAL"]
			]
		}`
		_, err := DecodeJSON([]byte(doc))
		require.Error(t, err)
	})

	t.Run("RejectsMissingFields", func(t *testing.T) {
		_, err := DecodeJSON([]byte(`{"name": "incomplete"}`))
		require.Error(t, err)
	})
}

func TestDecodeYAML(t *testing.T) {
	doc := `
id: mx-yaml
name: YAML 3x3
size: 3
cells:
  - [low, low, medium]
  - [low, medium, high]
  - [medium, high, critical]
`
	m, err := DecodeYAML([]byte(doc))
	require.NoError(t, err)

	level, err := m.Level(2, 3)
	require.NoError(t, err)
	require.Equal(t, contracts.LevelHigh, level)
}
