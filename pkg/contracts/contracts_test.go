package contracts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDateHelpers(t *testing.T) {
	ny := time.FixedZone("America/New_York", -5*3600)
	lateEvening := time.Date(2026, 3, 10, 23, 30, 0, 0, ny) // 2026-03-11 UTC
	require.Equal(t, time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC), DateOnly(lateEvening))

	morning := time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC)
	require.True(t, SameDate(lateEvening, morning))

	require.Equal(t, 14, DaysBetween(morning, morning.AddDate(0, 0, 14)))
	require.Equal(t, -3, DaysBetween(morning, morning.AddDate(0, 0, -3)))
	// Time of day never shifts the count.
	require.Equal(t, 1, DaysBetween(
		time.Date(2026, 3, 11, 23, 59, 0, 0, time.UTC),
		time.Date(2026, 3, 12, 0, 1, 0, 0, time.UTC),
	))
}

func TestLevelRankOrdering(t *testing.T) {
	prev := 0
	for _, l := range Levels() {
		require.Greater(t, l.Rank(), prev, "levels must rank strictly ascending")
		prev = l.Rank()
	}
	require.Zero(t, Level("UNKNOWN").Rank())

	l, err := ParseLevel("critical")
	require.NoError(t, err)
	require.Equal(t, LevelCritical, l)

	_, err = ParseLevel("SEVERE")
	require.Error(t, err)
}

func TestTaskReminderBookkeeping(t *testing.T) {
	today := time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)
	task := TaskInstance{
		Status:  TaskStatusPending,
		DueDate: today.AddDate(0, 0, 7),
	}

	require.Equal(t, DefaultReminderOffsets, task.Offsets())
	require.Equal(t, 7, task.DaysUntilDue(today))
	require.False(t, task.IsOverdue(today))
	require.False(t, task.ReminderDispatched())

	task.MarkOffsetSent(7)
	task.MarkOffsetSent(7)
	require.Equal(t, []int{7}, task.SentOffsets)
	require.True(t, task.OffsetSent(7))
	require.False(t, task.OffsetSent(14))
	require.True(t, task.ReminderDispatched())

	task.DueDate = today.AddDate(0, 0, -1)
	require.True(t, task.IsOverdue(today))
	task.Status = TaskStatusCompleted
	require.False(t, task.IsOverdue(today), "closed tasks are never overdue")
}

func TestTaskEscalatedOn(t *testing.T) {
	today := time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)
	task := TaskInstance{Status: TaskStatusPending, DueDate: today.AddDate(0, 0, -2)}
	require.False(t, task.EscalatedOn(today))

	earlier := today.Add(-4 * time.Hour)
	task.LastEscalatedAt = &earlier
	require.True(t, task.EscalatedOn(today), "same UTC day counts as escalated")
	require.False(t, task.EscalatedOn(today.AddDate(0, 0, 1)))
}

func TestStatusPredicates(t *testing.T) {
	require.True(t, TaskStatusPending.Open())
	require.True(t, TaskStatusInProgress.Open())
	require.False(t, TaskStatusCompleted.Open())
	require.True(t, TaskStatusCancelled.Terminal())
	require.True(t, RiskStatusClosed.Terminal())
	require.False(t, RiskStatusAssessed.Terminal())
}
