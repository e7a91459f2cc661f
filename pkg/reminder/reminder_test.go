package reminder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vigil-grc/vigil/pkg/contracts"
	"github.com/vigil-grc/vigil/pkg/notify"
)

var today = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

func openTask(due time.Time) *contracts.TaskInstance {
	return &contracts.TaskInstance{
		ID: "task-1", TenantID: "t1", EntityID: "v1",
		Kind:    contracts.RuleContractExpiry,
		Status:  contracts.TaskStatusPending,
		DueDate: due,
	}
}

func TestDueReminders(t *testing.T) {
	t.Run("OffsetMatchesDaysUntilDue", func(t *testing.T) {
		task := openTask(today.AddDate(0, 0, 7))
		require.Equal(t, []int{7}, DueReminders(task, today))
	})

	t.Run("NothingDueBetweenOffsets", func(t *testing.T) {
		task := openTask(today.AddDate(0, 0, 10))
		require.Empty(t, DueReminders(task, today))
	})

	t.Run("SentOffsetDoesNotRefire", func(t *testing.T) {
		task := openTask(today.AddDate(0, 0, 7))
		task.MarkOffsetSent(7)
		require.Empty(t, DueReminders(task, today))

		// The next day nothing is due either: days_until is 6.
		require.Empty(t, DueReminders(task, today.AddDate(0, 0, 1)))
	})

	t.Run("TerminalStatusNeverFires", func(t *testing.T) {
		task := openTask(today.AddDate(0, 0, 7))
		task.Status = contracts.TaskStatusCompleted
		require.Empty(t, DueReminders(task, today))

		task.Status = contracts.TaskStatusCancelled
		require.Empty(t, DueReminders(task, today))
	})

	t.Run("CustomOffsets", func(t *testing.T) {
		task := openTask(today.AddDate(0, 0, 3))
		task.ReminderOffsets = []int{3}
		require.Equal(t, []int{3}, DueReminders(task, today))
	})

	t.Run("DueToday", func(t *testing.T) {
		task := openTask(today)
		task.ReminderOffsets = []int{7, 0}
		require.Equal(t, []int{0}, DueReminders(task, today))
	})
}

func TestEscalationDue(t *testing.T) {
	t.Run("OverdueEscalates", func(t *testing.T) {
		task := openTask(today.AddDate(0, 0, -2))
		require.True(t, EscalationDue(task, today))
	})

	t.Run("OncePerCalendarDay", func(t *testing.T) {
		task := openTask(today.AddDate(0, 0, -2))
		day := today
		task.LastEscalatedAt = &day
		require.False(t, EscalationDue(task, today))

		// Eligible again the next day.
		require.True(t, EscalationDue(task, today.AddDate(0, 0, 1)))
	})

	t.Run("NotOverdueNoEscalation", func(t *testing.T) {
		task := openTask(today)
		require.False(t, EscalationDue(task, today))
	})

	t.Run("TerminalNoEscalation", func(t *testing.T) {
		task := openTask(today.AddDate(0, 0, -2))
		task.Status = contracts.TaskStatusCancelled
		require.False(t, EscalationDue(task, today))
	})
}

// memWriter is an in-memory TaskWriter with CAS semantics.
type memWriter struct {
	mu    sync.Mutex
	tasks map[string]*contracts.TaskInstance
}

func newMemWriter(tasks ...*contracts.TaskInstance) *memWriter {
	w := &memWriter{tasks: make(map[string]*contracts.TaskInstance)}
	for _, task := range tasks {
		copied := *task
		w.tasks[task.ID] = &copied
	}
	return w
}

func (w *memWriter) GetTask(_ context.Context, _, taskID string) (*contracts.TaskInstance, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	copied := *w.tasks[taskID]
	return &copied, nil
}

func (w *memWriter) UpdateTaskCAS(_ context.Context, task *contracts.TaskInstance) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	stored := w.tasks[task.ID]
	if stored.Version != task.Version {
		return &contracts.StaleWriteError{TaskID: task.ID, Version: task.Version}
	}
	copied := *task
	copied.Version++
	w.tasks[task.ID] = &copied
	return nil
}

// faultySink fails every enqueue.
type faultySink struct{ err error }

func (s *faultySink) Enqueue(context.Context, *contracts.NotificationIntent) (bool, error) {
	return false, s.err
}

func TestDeciderDecide(t *testing.T) {
	ctx := context.Background()
	ec := contracts.NewEvaluationContext("t1", today)

	t.Run("QueuesAndMarks", func(t *testing.T) {
		task := openTask(today.AddDate(0, 0, 7))
		store := newMemWriter(task)
		outbox := notify.NewMemoryOutbox()
		decider := NewDecider(store, nil).WithClock(func() time.Time { return today })

		queued, deduped, skipped, err := decider.Decide(ctx, task, ec, outbox)
		require.NoError(t, err)
		require.False(t, skipped)
		require.Zero(t, deduped)
		require.Len(t, queued, 1)
		require.Equal(t, contracts.IntentReminder, queued[0].Kind)
		require.Equal(t, 7, queued[0].Offset)
		require.Equal(t, TemplateReminder, queued[0].TemplateKind)
		require.Equal(t, []string{"entity:v1"}, queued[0].Recipients)

		pending, err := outbox.Pending(ctx, 0)
		require.NoError(t, err)
		require.Len(t, pending, 1)

		stored, err := store.GetTask(ctx, "t1", task.ID)
		require.NoError(t, err)
		require.True(t, stored.OffsetSent(7))
	})

	t.Run("SecondSweepSameDayDecidesNothing", func(t *testing.T) {
		task := openTask(today.AddDate(0, 0, 7))
		store := newMemWriter(task)
		outbox := notify.NewMemoryOutbox()
		decider := NewDecider(store, nil).WithClock(func() time.Time { return today })

		_, _, _, err := decider.Decide(ctx, task, ec, outbox)
		require.NoError(t, err)

		fresh, err := store.GetTask(ctx, "t1", task.ID)
		require.NoError(t, err)
		queued, deduped, skipped, err := decider.Decide(ctx, fresh, ec, outbox)
		require.NoError(t, err)
		require.False(t, skipped)
		require.Zero(t, deduped)
		require.Empty(t, queued)
	})

	t.Run("EscalationOncePerDay", func(t *testing.T) {
		task := openTask(today.AddDate(0, 0, -3))
		store := newMemWriter(task)
		outbox := notify.NewMemoryOutbox()
		decider := NewDecider(store, nil).WithClock(func() time.Time { return today })

		queued, _, _, err := decider.Decide(ctx, task, ec, outbox)
		require.NoError(t, err)
		require.Len(t, queued, 1)
		require.Equal(t, contracts.IntentEscalation, queued[0].Kind)
		require.Equal(t, TemplateOverdue, queued[0].TemplateKind)
		require.Equal(t, today, queued[0].DecidedOn)

		fresh, err := store.GetTask(ctx, "t1", task.ID)
		require.NoError(t, err)
		queued, _, _, err = decider.Decide(ctx, fresh, ec, outbox)
		require.NoError(t, err)
		require.Empty(t, queued, "escalation must fire at most once per calendar day")

		// Next calendar day it fires again.
		nextDay := contracts.NewEvaluationContext("t1", today.AddDate(0, 0, 1))
		fresh, err = store.GetTask(ctx, "t1", task.ID)
		require.NoError(t, err)
		queued, _, _, err = decider.Decide(ctx, fresh, nextDay, outbox)
		require.NoError(t, err)
		require.Len(t, queued, 1)
	})

	t.Run("StaleWriteRetriesWithFreshRead", func(t *testing.T) {
		task := openTask(today.AddDate(0, 0, 7))
		store := newMemWriter(task)
		outbox := notify.NewMemoryOutbox()
		decider := NewDecider(store, nil).WithClock(func() time.Time { return today })

		// Another sweep already queued the slot and bumped the version.
		concurrent, err := store.GetTask(ctx, "t1", task.ID)
		require.NoError(t, err)
		_, _, _, err = decider.Decide(ctx, concurrent, ec, outbox)
		require.NoError(t, err)

		// Deciding from the stale snapshot dedupes on the outbox, loses
		// the CAS, re-reads, and finds nothing left to do.
		queued, _, skipped, err := decider.Decide(ctx, task, ec, outbox)
		require.NoError(t, err)
		require.False(t, skipped)
		require.Empty(t, queued)

		pending, err := outbox.Pending(ctx, 0)
		require.NoError(t, err)
		require.Len(t, pending, 1, "the slot is queued exactly once")
	})

	t.Run("EnqueueFailureLeavesTaskUnmarked", func(t *testing.T) {
		task := openTask(today.AddDate(0, 0, 7))
		store := newMemWriter(task)
		decider := NewDecider(store, nil).WithClock(func() time.Time { return today })

		sinkErr := errors.New("outbox unavailable")
		_, _, _, err := decider.Decide(ctx, task, ec, &faultySink{err: sinkErr})
		require.ErrorIs(t, err, sinkErr)

		// The offset stays unmarked, so the next sweep still owes it.
		stored, err := store.GetTask(ctx, "t1", task.ID)
		require.NoError(t, err)
		require.False(t, stored.OffsetSent(7))

		// A later sweep with a healthy outbox delivers the reminder.
		outbox := notify.NewMemoryOutbox()
		queued, _, skipped, err := decider.Decide(ctx, stored, ec, outbox)
		require.NoError(t, err)
		require.False(t, skipped)
		require.Len(t, queued, 1)

		stored, err = store.GetTask(ctx, "t1", task.ID)
		require.NoError(t, err)
		require.True(t, stored.OffsetSent(7))
	})

	t.Run("ConcurrentDecidersFireExactlyOnce", func(t *testing.T) {
		task := openTask(today.AddDate(0, 0, 7))
		store := newMemWriter(task)
		outbox := notify.NewMemoryOutbox()
		decider := NewDecider(store, nil).WithClock(func() time.Time { return today })

		const sweeps = 8
		var wg sync.WaitGroup
		results := make(chan int, sweeps)
		for i := 0; i < sweeps; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				snapshot, err := store.GetTask(ctx, "t1", task.ID)
				if err != nil {
					results <- 0
					return
				}
				queued, _, _, err := decider.Decide(ctx, snapshot, ec, outbox)
				if err != nil {
					results <- 0
					return
				}
				results <- len(queued)
			}()
		}
		wg.Wait()
		close(results)

		total := 0
		for n := range results {
			total += n
		}
		require.Equal(t, 1, total, "exactly one sweep may queue the offset")

		pending, err := outbox.Pending(ctx, 0)
		require.NoError(t, err)
		require.Len(t, pending, 1)
	})
}
