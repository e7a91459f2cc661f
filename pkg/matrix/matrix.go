// Package matrix implements the risk matrix engine: a pure lookup from
// (impact, likelihood) to a qualitative risk level, plus the additive
// fallback rule applied when no matrix is assigned.
package matrix

import (
	"fmt"

	"github.com/vigil-grc/vigil/pkg/contracts"
)

// MinSize is the smallest supported matrix dimension.
const MinSize = 3

// Matrix is an NxN grid mapping (impact, likelihood) to a level.
// Cells[impact-1][likelihood-1] holds the level for that pair; every cell in
// [1..N]x[1..N] must be defined.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Matrix struct {
	ID       string              `json:"id" yaml:"id"`
	TenantID string              `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`
	Name     string              `json:"name" yaml:"name"`
	Size     int                 `json:"size" yaml:"size"`
	Default  bool                `json:"default,omitempty" yaml:"default,omitempty"`
	Cells    [][]contracts.Level `json:"cells" yaml:"cells"`
}

// Level resolves the level for an (impact, likelihood) pair. Out-of-range
// inputs fail with *contracts.InvalidRangeError. The lookup is pure and
// deterministic: same inputs always produce the same output.
func (m *Matrix) Level(impact, likelihood int) (contracts.Level, error) {
	if impact < 1 || impact > m.Size || likelihood < 1 || likelihood > m.Size {
		return "", &contracts.InvalidRangeError{Impact: impact, Likelihood: likelihood, Size: m.Size}
	}
	return m.Cells[impact-1][likelihood-1], nil
}

// Validate checks the matrix invariants: dimension at least MinSize, a full
// Size-by-Size grid with no gaps, and every cell a declared level.
func (m *Matrix) Validate() error {
	if m.Size < MinSize {
		return fmt.Errorf("matrix: size %d below minimum %d", m.Size, MinSize)
	}
	if len(m.Cells) != m.Size {
		return fmt.Errorf("matrix: %d rows for declared size %d", len(m.Cells), m.Size)
	}
	for i, row := range m.Cells {
		if len(row) != m.Size {
			return fmt.Errorf("matrix: row %d has %d cells for declared size %d", i+1, len(row), m.Size)
		}
		for j, cell := range row {
			if !cell.Valid() {
				return fmt.Errorf("matrix: cell (%d, %d) holds unknown level %q", i+1, j+1, cell)
			}
		}
	}
	return nil
}

// Standard5x5 builds the conventional 5x5 matrix seeded for new tenants.
// Every cell follows the additive fallback rule, so a tenant that never
// customizes its matrix scores identically to one with no matrix at all.
func Standard5x5(id, tenantID string) *Matrix {
	const size = 5
	cells := make([][]contracts.Level, size)
	for i := range cells {
		cells[i] = make([]contracts.Level, size)
		for j := range cells[i] {
			cells[i][j] = FallbackLevel(i+1, j+1)
		}
	}
	return &Matrix{
		ID:       id,
		TenantID: tenantID,
		Name:     "Standard 5x5",
		Size:     size,
		Cells:    cells,
	}
}

// FallbackLevel applies the additive rule used when no matrix is assigned:
// impact + likelihood <= 3 is LOW, <= 5 MEDIUM, <= 7 HIGH, else CRITICAL.
func FallbackLevel(impact, likelihood int) contracts.Level {
	switch total := impact + likelihood; {
	case total <= 3:
		return contracts.LevelLow
	case total <= 5:
		return contracts.LevelMedium
	case total <= 7:
		return contracts.LevelHigh
	default:
		return contracts.LevelCritical
	}
}
