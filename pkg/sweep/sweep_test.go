package sweep

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vigil-grc/vigil/pkg/automation"
	"github.com/vigil-grc/vigil/pkg/contracts"
	"github.com/vigil-grc/vigil/pkg/notify"
	"github.com/vigil-grc/vigil/pkg/reminder"
	"github.com/vigil-grc/vigil/pkg/store"
)

var testToday = time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)

func testEngine(t *testing.T, st store.EntityStore, outbox notify.Outbox, opts ...Option) *Engine {
	t.Helper()
	ev, err := automation.NewEvaluator(automation.DefaultCatalog())
	require.NoError(t, err)
	dec := reminder.NewDecider(st, nil).WithClock(func() time.Time { return testToday })
	opts = append(opts, WithClock(func() time.Time { return testToday }))
	return NewEngine(st, ev, dec, outbox, opts...)
}

func seedVendor(t *testing.T, st store.EntityStore, id string, end time.Time) {
	t.Helper()
	v := &contracts.Vendor{
		ID:          id,
		TenantID:    "acme",
		Name:        "Vendor " + id,
		Status:      contracts.VendorStatusActive,
		ContractEnd: &end,
		AnnualSpend: 50000,
		RiskLevel:   contracts.LevelMedium,
		OnboardedAt: testToday.AddDate(-1, 0, 0),
	}
	require.NoError(t, st.PutVendor(context.Background(), v))
}

func TestAutomationSweepCreatesTasks(t *testing.T) {
	st := store.NewMemoryStore()
	seedVendor(t, st, "v-1", testToday.AddDate(0, 0, 45))

	engine := testEngine(t, st, notify.NewMemoryOutbox())
	summary, err := engine.RunAutomationSweep(context.Background(), "acme")
	require.NoError(t, err)
	require.Equal(t, 1, summary.Entities)
	require.Zero(t, summary.Failed)
	require.Positive(t, summary.Created)

	tasks, err := st.ListOpenTasks(context.Background(), "acme")
	require.NoError(t, err)

	kinds := map[contracts.RuleKind]int{}
	for _, task := range tasks {
		kinds[task.Kind]++
		require.Equal(t, "v-1", task.EntityID)
		require.Equal(t, contracts.TaskStatusPending, task.Status)
	}
	require.Equal(t, 1, kinds[contracts.RuleContractExpiry])
	// A medium-risk vendor with no review history also gets review tasks.
	require.Equal(t, 1, kinds[contracts.RuleRiskTierReview])
}

func TestAutomationSweepIsIdempotent(t *testing.T) {
	st := store.NewMemoryStore()
	seedVendor(t, st, "v-1", testToday.AddDate(0, 0, 45))

	engine := testEngine(t, st, notify.NewMemoryOutbox())
	first, err := engine.RunAutomationSweep(context.Background(), "acme")
	require.NoError(t, err)
	require.Positive(t, first.Created)

	second, err := engine.RunAutomationSweep(context.Background(), "acme")
	require.NoError(t, err)
	require.Zero(t, second.Created)
	require.Zero(t, second.Failed)
}

func TestConcurrentSweepsCreateNoDuplicates(t *testing.T) {
	st := store.NewMemoryStore()
	for _, id := range []string{"v-1", "v-2", "v-3"} {
		seedVendor(t, st, id, testToday.AddDate(0, 0, 45))
	}

	// Serialize the two runs with a shared in-process lease so only one
	// sweep works at a time, the way the Redis lease does across processes.
	locker := &memLocker{}
	engineA := testEngine(t, st, notify.NewMemoryOutbox(), WithLocker(locker))
	engineB := testEngine(t, st, notify.NewMemoryOutbox(), WithLocker(locker))

	var wg sync.WaitGroup
	run := func(e *Engine) {
		defer wg.Done()
		// A held lease means the other sweep is doing the work.
		_, err := e.RunAutomationSweep(context.Background(), "acme")
		if err != nil && err != ErrLeaseHeld {
			t.Error(err)
		}
	}
	wg.Add(2)
	go run(engineA)
	go run(engineB)
	wg.Wait()

	// Catch-up pass for whichever sweep lost the lease.
	_, err := engineA.RunAutomationSweep(context.Background(), "acme")
	require.NoError(t, err)

	tasks, err := st.ListOpenTasks(context.Background(), "acme")
	require.NoError(t, err)
	seen := map[string]int{}
	for _, task := range tasks {
		seen[task.EntityID+"/"+string(task.Kind)]++
	}
	for key, n := range seen {
		require.Equal(t, 1, n, "duplicate open task for %s", key)
	}
}

func TestOverlappingSweepsWithoutLease(t *testing.T) {
	st := store.NewMemoryStore()
	for _, id := range []string{"v-1", "v-2", "v-3"} {
		seedVendor(t, st, id, testToday.AddDate(0, 0, 45))
	}

	// No lease at all: two engines race over the same store. Each engine
	// re-reads an entity's tasks inside its own critical section and the
	// store rejects a second open task per (entity, kind), so overlap can
	// fail an entity but never duplicate its tasks.
	engineA := testEngine(t, st, notify.NewMemoryOutbox())
	engineB := testEngine(t, st, notify.NewMemoryOutbox())

	var wg sync.WaitGroup
	run := func(e *Engine) {
		defer wg.Done()
		if _, err := e.RunAutomationSweep(context.Background(), "acme"); err != nil {
			t.Error(err)
		}
	}
	wg.Add(2)
	go run(engineA)
	go run(engineB)
	wg.Wait()

	// Catch-up pass for any entity that lost the race.
	_, err := engineA.RunAutomationSweep(context.Background(), "acme")
	require.NoError(t, err)

	tasks, err := st.ListOpenTasks(context.Background(), "acme")
	require.NoError(t, err)
	seen := map[string]int{}
	for _, task := range tasks {
		seen[task.EntityID+"/"+string(task.Kind)]++
	}
	for key, n := range seen {
		require.Equal(t, 1, n, "duplicate open task for %s", key)
	}
}

func TestCompleteTask(t *testing.T) {
	newTask := func(id string, recurrence contracts.Recurrence) *contracts.TaskInstance {
		return &contracts.TaskInstance{
			ID:         id,
			TenantID:   "acme",
			EntityID:   "v-1",
			Kind:       contracts.RuleComplianceReview,
			Title:      "Compliance review",
			DueDate:    contracts.DateOnly(testToday).AddDate(0, 0, 10),
			Status:     contracts.TaskStatusPending,
			Priority:   contracts.PriorityHigh,
			Recurrence: recurrence,
			Source:     "compliance-review",
			CreatedAt:  testToday,
			UpdatedAt:  testToday,
		}
	}

	t.Run("RecurringTaskGetsSuccessor", func(t *testing.T) {
		st := store.NewMemoryStore()
		ctx := context.Background()
		task := newTask("t-rec", contracts.RecurrenceQuarterly)
		require.NoError(t, st.CreateTask(ctx, task))

		engine := testEngine(t, st, notify.NewMemoryOutbox())
		successorID, err := engine.CompleteTask(ctx, "acme", "t-rec", "evidence filed")
		require.NoError(t, err)
		require.NotEmpty(t, successorID)

		done, err := st.GetTask(ctx, "acme", "t-rec")
		require.NoError(t, err)
		require.Equal(t, contracts.TaskStatusCompleted, done.Status)
		require.NotNil(t, done.CompletedAt)
		require.Equal(t, "evidence filed", done.CompletionNotes)

		successor, err := st.GetTask(ctx, "acme", successorID)
		require.NoError(t, err)
		require.Equal(t, contracts.TaskStatusPending, successor.Status)
		require.Equal(t, task.Kind, successor.Kind)
		require.Equal(t, task.EntityID, successor.EntityID)
		require.Equal(t, task.DueDate.AddDate(0, 3, 0), successor.DueDate)
		require.Empty(t, successor.SentOffsets)
	})

	t.Run("NonRecurringTaskJustCloses", func(t *testing.T) {
		st := store.NewMemoryStore()
		ctx := context.Background()
		require.NoError(t, st.CreateTask(ctx, newTask("t-once", contracts.RecurrenceNone)))

		engine := testEngine(t, st, notify.NewMemoryOutbox())
		successorID, err := engine.CompleteTask(ctx, "acme", "t-once", "")
		require.NoError(t, err)
		require.Empty(t, successorID)

		open, err := st.ListOpenTasks(ctx, "acme")
		require.NoError(t, err)
		require.Empty(t, open)
	})

	t.Run("CompletingTwiceFails", func(t *testing.T) {
		st := store.NewMemoryStore()
		ctx := context.Background()
		require.NoError(t, st.CreateTask(ctx, newTask("t-done", contracts.RecurrenceNone)))

		engine := testEngine(t, st, notify.NewMemoryOutbox())
		_, err := engine.CompleteTask(ctx, "acme", "t-done", "")
		require.NoError(t, err)

		_, err = engine.CompleteTask(ctx, "acme", "t-done", "")
		require.Error(t, err)
	})

	t.Run("LateCompletionAnchorsOnCompletionDate", func(t *testing.T) {
		st := store.NewMemoryStore()
		ctx := context.Background()
		task := newTask("t-late", contracts.RecurrenceMonthly)
		task.DueDate = contracts.DateOnly(testToday).AddDate(0, -2, 0)
		require.NoError(t, st.CreateTask(ctx, task))

		engine := testEngine(t, st, notify.NewMemoryOutbox())
		successorID, err := engine.CompleteTask(ctx, "acme", "t-late", "")
		require.NoError(t, err)

		successor, err := st.GetTask(ctx, "acme", successorID)
		require.NoError(t, err)
		require.Equal(t, contracts.DateOnly(testToday).AddDate(0, 1, 0), successor.DueDate)
	})
}

func TestReminderSweepQueuesIntentsOnce(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	task := &contracts.TaskInstance{
		ID:        "t-1",
		TenantID:  "acme",
		EntityID:  "v-1",
		Kind:      contracts.RuleContractExpiry,
		DueDate:   testToday.Truncate(24 * time.Hour).AddDate(0, 0, 7),
		Status:    contracts.TaskStatusPending,
		Priority:  contracts.PriorityMedium,
		CreatedAt: testToday,
		UpdatedAt: testToday,
	}
	require.NoError(t, st.CreateTask(ctx, task))

	outbox := notify.NewMemoryOutbox()
	engine := testEngine(t, st, outbox)

	first, err := engine.RunReminderSweep(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, 1, first.Dispatched)
	require.Zero(t, first.Failed)

	// Same day again: offset already recorded on the task, nothing fires.
	second, err := engine.RunReminderSweep(ctx, "acme")
	require.NoError(t, err)
	require.Zero(t, second.Dispatched)
	require.Zero(t, second.Skipped)

	pending, err := outbox.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, contracts.IntentReminder, pending[0].Intent.Kind)
	require.Equal(t, 7, pending[0].Intent.Offset)
}

func TestReminderSweepEscalatesOverdue(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	task := &contracts.TaskInstance{
		ID:        "t-late",
		TenantID:  "acme",
		EntityID:  "v-1",
		Kind:      contracts.RuleComplianceReview,
		DueDate:   testToday.AddDate(0, 0, -3),
		Status:    contracts.TaskStatusPending,
		Priority:  contracts.PriorityHigh,
		CreatedAt: testToday.AddDate(0, 0, -40),
		UpdatedAt: testToday.AddDate(0, 0, -40),
	}
	require.NoError(t, st.CreateTask(ctx, task))

	outbox := notify.NewMemoryOutbox()
	engine := testEngine(t, st, outbox)

	summary, err := engine.RunReminderSweep(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, 1, summary.Escalations)

	// Second run the same day: the escalation already happened.
	summary, err = engine.RunReminderSweep(ctx, "acme")
	require.NoError(t, err)
	require.Zero(t, summary.Escalations)
}

func TestReminderSweepIsolatesFailures(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"t-1", "t-2"} {
		task := &contracts.TaskInstance{
			ID:        id,
			TenantID:  "acme",
			EntityID:  "v-" + id,
			Kind:      contracts.RuleContractExpiry,
			DueDate:   testToday.AddDate(0, 0, 1),
			Status:    contracts.TaskStatusPending,
			CreatedAt: testToday,
			UpdatedAt: testToday,
		}
		require.NoError(t, st.CreateTask(ctx, task))
	}

	outbox := &failingOutbox{inner: notify.NewMemoryOutbox(), failTask: "t-1"}
	engine := testEngine(t, st, outbox, WithWorkers(1))

	summary, err := engine.RunReminderSweep(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, 1, summary.Failed)
	require.Equal(t, 1, summary.Dispatched)

	// The failed task was never marked, so a later sweep with a healthy
	// outbox still delivers its reminder.
	healthy := testEngine(t, st, outbox.inner, WithWorkers(1))
	second, err := healthy.RunReminderSweep(ctx, "acme")
	require.NoError(t, err)
	require.Zero(t, second.Failed)
	require.Equal(t, 1, second.Dispatched)
}

// memLocker is an in-process Locker with real mutual exclusion.
type memLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *memLocker) Acquire(_ context.Context, name string, _ time.Duration) (func(context.Context) error, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = make(map[string]bool)
	}
	if l.held[name] {
		return nil, false, nil
	}
	l.held[name] = true
	release := func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, name)
		return nil
	}
	return release, true, nil
}

type failingOutbox struct {
	inner    *notify.MemoryOutbox
	failTask string
}

func (o *failingOutbox) Enqueue(ctx context.Context, intent *contracts.NotificationIntent) (bool, error) {
	if intent.TaskID == o.failTask {
		return false, context.DeadlineExceeded
	}
	return o.inner.Enqueue(ctx, intent)
}

func (o *failingOutbox) Pending(ctx context.Context, limit int) ([]*notify.Record, error) {
	return o.inner.Pending(ctx, limit)
}

func (o *failingOutbox) MarkSent(ctx context.Context, id string, at time.Time) error {
	return o.inner.MarkSent(ctx, id, at)
}

func (o *failingOutbox) MarkFailed(ctx context.Context, id string, reason string) error {
	return o.inner.MarkFailed(ctx, id, reason)
}
