// Package sweep runs the daily engine passes: the automation sweep that
// reconciles vendor tasks against the rule catalog, and the reminder sweep
// that decides and queues notifications. Entities are processed by a bounded
// worker pool, serialized per entity, with failures isolated so one bad
// vendor never poisons the run.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vigil-grc/vigil/pkg/automation"
	"github.com/vigil-grc/vigil/pkg/contracts"
	"github.com/vigil-grc/vigil/pkg/notify"
	"github.com/vigil-grc/vigil/pkg/reminder"
	"github.com/vigil-grc/vigil/pkg/store"
)

// ErrLeaseHeld is returned when another process holds the sweep lease.
var ErrLeaseHeld = errors.New("sweep: lease held by another process")

// Metrics receives engine counters. Implemented by the observability
// package; the engine works against the interface so tests need no meter.
type Metrics interface {
	RecordSweep(ctx context.Context, kind string, duration time.Duration, failures int)
	RecordTaskCreated(ctx context.Context)
	RecordTaskUpdated(ctx context.Context)
	RecordIntent(ctx context.Context, kind contracts.IntentKind)
}

// NoopMetrics discards all counters.
type NoopMetrics struct{}

func (NoopMetrics) RecordSweep(context.Context, string, time.Duration, int) {}
func (NoopMetrics) RecordTaskCreated(context.Context)                      {}
func (NoopMetrics) RecordTaskUpdated(context.Context)                      {}
func (NoopMetrics) RecordIntent(context.Context, contracts.IntentKind)     {}

// AutomationSummary reports one automation sweep.
type AutomationSummary struct {
	Entities  int
	Created   int
	Updated   int
	Cancelled int
	Skipped   int
	Failed    int
}

// ReminderSummary reports one reminder sweep.
type ReminderSummary struct {
	Tasks       int
	Dispatched  int
	Escalations int
	Skipped     int
	Failed      int
}

// Option configures an Engine.
type Option func(*Engine)

// WithWorkers bounds the worker pool.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithLocker installs a cross-process lease. Defaults to NoopLocker.
func WithLocker(l Locker) Option {
	return func(e *Engine) {
		if l != nil {
			e.locker = l
		}
	}
}

// WithLeaseTTL bounds how long a crashed sweep blocks the next one.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.leaseTTL = ttl
		}
	}
}

// WithMetrics installs engine counters.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// Engine wires the store, the rule evaluator, the reminder decider, and the
// notification outbox into runnable sweeps.
type Engine struct {
	store     store.EntityStore
	evaluator *automation.Evaluator
	decider   *reminder.Decider
	outbox    notify.Outbox
	locker    Locker
	metrics   Metrics
	workers   int
	leaseTTL  time.Duration
	clock     func() time.Time
	logger    *slog.Logger
	entities  *keyedMutex
}

// NewEngine creates a sweep engine.
func NewEngine(st store.EntityStore, ev *automation.Evaluator, dec *reminder.Decider, outbox notify.Outbox, opts ...Option) *Engine {
	e := &Engine{
		store:     st,
		evaluator: ev,
		decider:   dec,
		outbox:    outbox,
		locker:    NoopLocker{},
		metrics:   NoopMetrics{},
		workers:   8,
		leaseTTL:  10 * time.Minute,
		clock:     time.Now,
		logger:    slog.Default().With("component", "sweep"),
		entities:  newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunAutomationSweep evaluates every vendor of the tenant against the rule
// catalog and applies the outcome: new task instances, due-date moves, and
// duplicate-healing cancellations. The sweep is idempotent; running it twice
// on the same day creates nothing the second time.
func (e *Engine) RunAutomationSweep(ctx context.Context, tenantID string) (AutomationSummary, error) {
	var summary AutomationSummary
	started := e.clock()

	release, acquired, err := e.locker.Acquire(ctx, "automation:"+tenantID, e.leaseTTL)
	if err != nil {
		return summary, err
	}
	if !acquired {
		return summary, ErrLeaseHeld
	}
	defer func() { _ = release(ctx) }()

	ec := contracts.NewEvaluationContext(tenantID, started)

	vendors, err := e.store.ListVendors(ctx, tenantID)
	if err != nil {
		return summary, err
	}

	summary.Entities = len(vendors)

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, e.workers)
	)
	for i := range vendors {
		if ctx.Err() != nil {
			break
		}
		vendor := vendors[i]
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			unlock := e.entities.lock(vendor.ID)
			defer unlock()

			// The entity's tasks are read inside the critical section: a
			// snapshot taken before the lock could miss a task another
			// sweep just created and recreate it.
			var created, updated, cancelled, skipped int
			existing, err := e.store.ListTasksByEntity(ctx, ec.TenantID, vendor.ID)
			if err == nil {
				created, updated, cancelled, skipped, err = e.applyOutcome(ctx, &vendor, existing, ec)
			}

			mu.Lock()
			defer mu.Unlock()
			summary.Created += created
			summary.Updated += updated
			summary.Cancelled += cancelled
			summary.Skipped += skipped
			if err != nil {
				summary.Failed++
				e.logger.Error("automation sweep entity failed",
					"tenant_id", tenantID, "entity_id", vendor.ID, "error", err)
			}
		}()
	}
	wg.Wait()

	e.metrics.RecordSweep(ctx, "automation", e.clock().Sub(started), summary.Failed)
	e.logger.Info("automation sweep complete",
		"tenant_id", tenantID,
		"entities", summary.Entities,
		"created", summary.Created,
		"updated", summary.Updated,
		"cancelled", summary.Cancelled,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
	)
	return summary, ctx.Err()
}

func (e *Engine) applyOutcome(ctx context.Context, vendor *contracts.Vendor, existing []contracts.TaskInstance, ec contracts.EvaluationContext) (created, updated, cancelled, skipped int, err error) {
	outcome := e.evaluator.Evaluate(vendor, existing, ec)
	for _, warn := range outcome.Warnings {
		e.logger.Warn("rule evaluation warning", "entity_id", vendor.ID, "warning", warn)
	}
	skipped = len(outcome.Skips)

	now := e.clock().UTC()
	for i := range outcome.Drafts {
		draft := &outcome.Drafts[i]
		task := &contracts.TaskInstance{
			ID:              uuid.NewString(),
			TenantID:        draft.TenantID,
			EntityID:        draft.EntityID,
			Kind:            draft.Kind,
			Title:           draft.Title,
			DueDate:         draft.DueDate,
			Status:          contracts.TaskStatusPending,
			Priority:        draft.Priority,
			ReminderOffsets: draft.ReminderOffsets,
			Recurrence:      contracts.RecurrenceNone,
			Source:          draft.RuleID,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if createErr := e.store.CreateTask(ctx, task); createErr != nil {
			return created, updated, cancelled, skipped, createErr
		}
		e.metrics.RecordTaskCreated(ctx)
		created++
	}

	for _, upd := range outcome.Updates {
		if applyErr := e.updateTask(ctx, ec.TenantID, upd.TaskID, func(t *contracts.TaskInstance) {
			t.DueDate = upd.DueDate
		}); applyErr != nil {
			return created, updated, cancelled, skipped, applyErr
		}
		e.metrics.RecordTaskUpdated(ctx)
		updated++
	}

	for _, taskID := range outcome.Cancels {
		if applyErr := e.updateTask(ctx, ec.TenantID, taskID, func(t *contracts.TaskInstance) {
			t.Status = contracts.TaskStatusCancelled
		}); applyErr != nil {
			return created, updated, cancelled, skipped, applyErr
		}
		cancelled++
	}

	return created, updated, cancelled, skipped, nil
}

// updateTask applies mutate through the store's CAS, retrying once on a
// stale write with a fresh read.
func (e *Engine) updateTask(ctx context.Context, tenantID, taskID string, mutate func(*contracts.TaskInstance)) error {
	for attempt := 0; attempt < 2; attempt++ {
		task, err := e.store.GetTask(ctx, tenantID, taskID)
		if err != nil {
			return err
		}
		mutate(task)
		task.UpdatedAt = e.clock().UTC()

		err = e.store.UpdateTaskCAS(ctx, task)
		if err == nil {
			return nil
		}
		var stale *contracts.StaleWriteError
		if !errors.As(err, &stale) || attempt == 1 {
			return err
		}
	}
	return nil
}

// CompleteTask closes an open task, recording the completion time and
// notes, and schedules the successor instance when the task recurs: the
// successor's due date advances from the previous due date, or from the
// completion date when the task finished late. It returns the successor's
// ID, empty for non-recurring tasks.
func (e *Engine) CompleteTask(ctx context.Context, tenantID, taskID, notes string) (string, error) {
	task, err := e.store.GetTask(ctx, tenantID, taskID)
	if err != nil {
		return "", err
	}
	if task.Status.Terminal() {
		return "", fmt.Errorf("sweep: task %s is already %s", taskID, task.Status)
	}

	now := e.clock().UTC()
	if err := e.updateTask(ctx, tenantID, taskID, func(t *contracts.TaskInstance) {
		t.Status = contracts.TaskStatusCompleted
		completed := now
		t.CompletedAt = &completed
		t.CompletionNotes = notes
	}); err != nil {
		return "", err
	}
	e.metrics.RecordTaskUpdated(ctx)

	switch task.Recurrence {
	case contracts.RecurrenceMonthly, contracts.RecurrenceQuarterly, contracts.RecurrenceYearly:
	default:
		return "", nil
	}

	nextDue, err := automation.NextDue(task.Recurrence, task.DueDate, now)
	if err != nil {
		return "", err
	}
	successor := &contracts.TaskInstance{
		ID:              uuid.NewString(),
		TenantID:        task.TenantID,
		EntityID:        task.EntityID,
		Kind:            task.Kind,
		Title:           task.Title,
		DueDate:         nextDue,
		Status:          contracts.TaskStatusPending,
		Priority:        task.Priority,
		ReminderOffsets: append([]int(nil), task.ReminderOffsets...),
		Recurrence:      task.Recurrence,
		Source:          task.Source,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.store.CreateTask(ctx, successor); err != nil {
		return "", err
	}
	e.metrics.RecordTaskCreated(ctx)
	e.logger.Info("recurring task completed, successor scheduled",
		"tenant_id", tenantID,
		"task_id", taskID,
		"successor_id", successor.ID,
		"due_date", nextDue.Format("2006-01-02"),
	)
	return successor.ID, nil
}

// RunReminderSweep walks the tenant's open tasks, decides due reminders and
// overdue escalations, and queues the resulting intents. Queueing is
// deduplicated by content hash, so replays after a crash are harmless.
func (e *Engine) RunReminderSweep(ctx context.Context, tenantID string) (ReminderSummary, error) {
	var summary ReminderSummary
	started := e.clock()

	release, acquired, err := e.locker.Acquire(ctx, "reminder:"+tenantID, e.leaseTTL)
	if err != nil {
		return summary, err
	}
	if !acquired {
		return summary, ErrLeaseHeld
	}
	defer func() { _ = release(ctx) }()

	ec := contracts.NewEvaluationContext(tenantID, started)

	tasks, err := e.store.ListOpenTasks(ctx, tenantID)
	if err != nil {
		return summary, err
	}
	summary.Tasks = len(tasks)

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, e.workers)
	)
	for i := range tasks {
		if ctx.Err() != nil {
			break
		}
		task := tasks[i]
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			unlock := e.entities.lock(task.EntityID)
			defer unlock()

			dispatched, escalations, skipped, err := e.remindTask(ctx, &task, ec)

			mu.Lock()
			defer mu.Unlock()
			summary.Dispatched += dispatched
			summary.Escalations += escalations
			summary.Skipped += skipped
			if err != nil {
				summary.Failed++
				e.logger.Error("reminder sweep task failed",
					"tenant_id", tenantID, "task_id", task.ID, "error", err)
			}
		}()
	}
	wg.Wait()

	e.metrics.RecordSweep(ctx, "reminder", e.clock().Sub(started), summary.Failed)
	e.logger.Info("reminder sweep complete",
		"tenant_id", tenantID,
		"tasks", summary.Tasks,
		"dispatched", summary.Dispatched,
		"escalations", summary.Escalations,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
	)
	return summary, ctx.Err()
}

func (e *Engine) remindTask(ctx context.Context, task *contracts.TaskInstance, ec contracts.EvaluationContext) (dispatched, escalations, skipped int, err error) {
	queued, deduped, wasSkipped, err := e.decider.Decide(ctx, task, ec, e.outbox)
	if err != nil {
		return 0, 0, 0, err
	}
	skipped = deduped
	if wasSkipped {
		skipped++
	}

	for i := range queued {
		e.metrics.RecordIntent(ctx, queued[i].Kind)
		if queued[i].Kind == contracts.IntentEscalation {
			escalations++
		} else {
			dispatched++
		}
	}
	return dispatched, escalations, skipped, nil
}

// keyedMutex hands out one mutex per entity ID.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
