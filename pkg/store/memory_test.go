package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vigil-grc/vigil/pkg/contracts"
)

func TestMemoryOpenTaskUniqueness(t *testing.T) {
	s := NewMemoryStore()
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
	require.Contains(t, dup.TaskIDs, "t-1")

	// A different kind or a terminal status does not hold the slot.
	other := mk("t-other", contracts.TaskStatusPending)
	other.Kind = contracts.RuleComplianceReview
	require.NoError(t, s.CreateTask(ctx, other))
	require.NoError(t, s.CreateTask(ctx, mk("t-old", contracts.TaskStatusCompleted)))

	// Closing the open instance frees the slot for a successor.
	open, err := s.GetTask(ctx, "acme", "t-1")
	require.NoError(t, err)
	open.Status = contracts.TaskStatusCancelled
	require.NoError(t, s.UpdateTaskCAS(ctx, open))
	require.NoError(t, s.CreateTask(ctx, mk("t-next", contracts.TaskStatusPending)))
}

func TestMemoryListTasksByEntity(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)

	mk := func(id, entity string, kind contracts.RuleKind) *contracts.TaskInstance {
		return &contracts.TaskInstance{
			ID: id, TenantID: "acme", EntityID: entity,
			Kind: kind, DueDate: now.AddDate(0, 0, 30),
			Status: contracts.TaskStatusPending, CreatedAt: now, UpdatedAt: now,
		}
	}
	require.NoError(t, s.CreateTask(ctx, mk("t-1", "v-1", contracts.RuleContractExpiry)))
	require.NoError(t, s.CreateTask(ctx, mk("t-2", "v-1", contracts.RuleComplianceReview)))
	require.NoError(t, s.CreateTask(ctx, mk("t-3", "v-2", contracts.RuleContractExpiry)))

	tasks, err := s.ListTasksByEntity(ctx, "acme", "v-1")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		require.Equal(t, "v-1", task.EntityID)
	}

	none, err := s.ListTasksByEntity(ctx, "other-tenant", "v-1")
	require.NoError(t, err)
	require.Empty(t, none)
}
