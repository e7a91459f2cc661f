package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vigil-grc/vigil/pkg/contracts"
	"github.com/vigil-grc/vigil/pkg/matrix"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	s, err := NewSQLiteStore(db)
	require.NoError(t, err)
	return s
}

func TestSQLiteVendorRoundTrip(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	end := time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)
	notice := 45
	v := &contracts.Vendor{
		ID:          "v-1",
		TenantID:    "acme",
		Name:        "CloudCo",
		Status:      contracts.VendorStatusActive,
		ContractEnd: &end,
		NoticeDays:  &notice,
		AnnualSpend: 250000,
		RiskLevel:   contracts.LevelHigh,
	}
	require.NoError(t, s.PutVendor(ctx, v))

	got, err := s.GetVendor(ctx, "acme", "v-1")
	require.NoError(t, err)
	require.Equal(t, "CloudCo", got.Name)
	require.NotNil(t, got.ContractEnd)
	require.True(t, got.ContractEnd.Equal(end))
	require.NotNil(t, got.NoticeDays)
	require.Equal(t, 45, *got.NoticeDays)

	_, err = s.GetVendor(ctx, "other-tenant", "v-1")
	require.ErrorIs(t, err, ErrNotFound)

	vendors, err := s.ListVendors(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, vendors, 1)
}

func TestSQLiteRiskRoundTrip(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	review := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	r := &contracts.Risk{
		ID:             "r-1",
		TenantID:       "acme",
		Title:          "Vendor breach exposure",
		Impact:         4,
		Likelihood:     3,
		Level:          contracts.LevelHigh,
		Score:          12,
		Status:         contracts.RiskStatusAssessed,
		NextReviewDate: &review,
	}
	require.NoError(t, s.PutRisk(ctx, r))

	got, err := s.GetRisk(ctx, "acme", "r-1")
	require.NoError(t, err)
	require.Equal(t, contracts.LevelHigh, got.Level)
	require.Equal(t, 12, got.Score)

	risks, err := s.ListRisks(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, risks, 1)
}

func TestSQLiteMatrixSingleDefault(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	m1 := matrix.Standard5x5("m-1", "acme")
	m1.Default = true
	require.NoError(t, s.PutMatrix(ctx, m1))

	m2 := matrix.Standard5x5("m-2", "acme")
	m2.Default = true
	require.NoError(t, s.PutMatrix(ctx, m2))

	def, err := s.DefaultMatrix(ctx, "acme")
	require.NoError(t, err)
	require.NotNil(t, def)
	require.Equal(t, "m-2", def.ID)

	// The old default was demoted in both the column and the document.
	old, err := s.Matrix(ctx, "m-1")
	require.NoError(t, err)
	require.NotNil(t, old)
	require.False(t, old.Default)

	// Absent matrices resolve to (nil, nil), not an error.
	missing, err := s.Matrix(ctx, "nope")
	require.NoError(t, err)
	require.Nil(t, missing)

	noDefault, err := s.DefaultMatrix(ctx, "other-tenant")
	require.NoError(t, err)
	require.Nil(t, noDefault)
}

func TestSQLiteTaskRoundTrip(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 15, 9, 30, 0, 0, time.UTC)

	task := &contracts.TaskInstance{
		ID:              "t-1",
		TenantID:        "acme",
		EntityID:        "v-1",
		Kind:            contracts.RuleContractExpiry,
		Title:           "Contract renewal decision for CloudCo",
		DueDate:         time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Status:          contracts.TaskStatusPending,
		Priority:        contracts.PriorityHigh,
		ReminderOffsets: []int{30, 14, 7, 1},
		SentOffsets:     []int{30},
		Recurrence:      contracts.RecurrenceNone,
		Source:          "contract_expiry",
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, s.CreateTask(ctx, task))

	got, err := s.GetTask(ctx, "acme", "t-1")
	require.NoError(t, err)
	require.Equal(t, contracts.RuleContractExpiry, got.Kind)
	require.Equal(t, []int{30, 14, 7, 1}, got.ReminderOffsets)
	require.Equal(t, []int{30}, got.SentOffsets)
	require.Nil(t, got.LastEscalatedAt)
	require.True(t, got.DueDate.Equal(task.DueDate))
	require.Equal(t, int64(0), got.Version)
}

func TestSQLiteUpdateTaskCAS(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)

	task := &contracts.TaskInstance{
		ID:        "t-1",
		TenantID:  "acme",
		EntityID:  "v-1",
		Kind:      contracts.RuleRiskTierReview,
		DueDate:   now.AddDate(0, 0, 30),
		Status:    contracts.TaskStatusPending,
		Priority:  contracts.PriorityMedium,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateTask(ctx, task))

	t.Run("matching version succeeds and increments", func(t *testing.T) {
		fresh, err := s.GetTask(ctx, "acme", "t-1")
		require.NoError(t, err)
		fresh.MarkOffsetSent(30)
		require.NoError(t, s.UpdateTaskCAS(ctx, fresh))

		got, err := s.GetTask(ctx, "acme", "t-1")
		require.NoError(t, err)
		require.Equal(t, int64(1), got.Version)
		require.Equal(t, []int{30}, got.SentOffsets)
	})

	t.Run("stale version fails and writes nothing", func(t *testing.T) {
		stale, err := s.GetTask(ctx, "acme", "t-1")
		require.NoError(t, err)
		stale.Version = 0
		stale.MarkOffsetSent(14)

		err = s.UpdateTaskCAS(ctx, stale)
		var staleErr *contracts.StaleWriteError
		require.True(t, errors.As(err, &staleErr))
		require.Equal(t, "t-1", staleErr.TaskID)

		got, err := s.GetTask(ctx, "acme", "t-1")
		require.NoError(t, err)
		require.Equal(t, int64(1), got.Version)
		require.Equal(t, []int{30}, got.SentOffsets)
	})

	t.Run("missing task reports not found", func(t *testing.T) {
		ghost := &contracts.TaskInstance{ID: "nope", TenantID: "acme", Status: contracts.TaskStatusPending}
		require.ErrorIs(t, s.UpdateTaskCAS(ctx, ghost), ErrNotFound)
	})
}

func TestSQLiteListOpenTasks(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)

	mk := func(id string, status contracts.TaskStatus) *contracts.TaskInstance {
		return &contracts.TaskInstance{
			ID: id, TenantID: "acme", EntityID: "v-" + id,
			Kind: contracts.RuleComplianceReview, DueDate: now,
			Status: status, CreatedAt: now, UpdatedAt: now,
		}
	}
	require.NoError(t, s.CreateTask(ctx, mk("t-pending", contracts.TaskStatusPending)))
	require.NoError(t, s.CreateTask(ctx, mk("t-progress", contracts.TaskStatusInProgress)))
	require.NoError(t, s.CreateTask(ctx, mk("t-done", contracts.TaskStatusCompleted)))
	require.NoError(t, s.CreateTask(ctx, mk("t-cancelled", contracts.TaskStatusCancelled)))

	open, err := s.ListOpenTasks(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, open, 2)
	for _, task := range open {
		require.True(t, task.Status.Open())
	}

	all, err := s.ListTasks(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, all, 4)
}

func TestSQLiteOpenTaskUniqueness(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)

	mk := func(id string, status contracts.TaskStatus) *contracts.TaskInstance {
		return &contracts.TaskInstance{
			ID: id, TenantID: "acme", EntityID: "v-1",
			Kind: contracts.RuleContractExpiry, DueDate: now.AddDate(0, 0, 30),
			Status: status, CreatedAt: now, UpdatedAt: now,
		}
	}
	require.NoError(t, s.CreateTask(ctx, mk("t-1", contracts.TaskStatusPending)))

	// A second open instance for the same (entity, kind) is rejected.
	err := s.CreateTask(ctx, mk("t-2", contracts.TaskStatusPending))
	var dup *contracts.DuplicateOpenTaskError
	require.ErrorAs(t, err, &dup)
	require.Equal(t, "v-1", dup.EntityID)
	require.Equal(t, contracts.RuleContractExpiry, dup.Kind)

	// Terminal instances do not hold the slot.
	require.NoError(t, s.CreateTask(ctx, mk("t-old", contracts.TaskStatusCompleted)))

	// Closing the open instance frees the slot for a successor.
	open, err := s.GetTask(ctx, "acme", "t-1")
	require.NoError(t, err)
	open.Status = contracts.TaskStatusCompleted
	require.NoError(t, s.UpdateTaskCAS(ctx, open))
	require.NoError(t, s.CreateTask(ctx, mk("t-next", contracts.TaskStatusPending)))

	byEntity, err := s.ListTasksByEntity(ctx, "acme", "v-1")
	require.NoError(t, err)
	require.Len(t, byEntity, 3)
}
