package reminder

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vigil-grc/vigil/pkg/contracts"
)

// TaskWriter is the slice of the entity store the decider needs: a fresh
// read and a compare-and-swap update that fails with
// *contracts.StaleWriteError on version conflict.
type TaskWriter interface {
	GetTask(ctx context.Context, tenantID, taskID string) (*contracts.TaskInstance, error)
	UpdateTaskCAS(ctx context.Context, task *contracts.TaskInstance) error
}

// RecipientResolver supplies the recipient set for a task's notifications.
type RecipientResolver interface {
	Recipients(ctx context.Context, task *contracts.TaskInstance) ([]string, error)
}

// IntentSink durably queues one notification intent. Enqueue reports false
// when the slot was already queued under the same idempotency key. The
// notify outbox implementations satisfy this.
type IntentSink interface {
	Enqueue(ctx context.Context, intent *contracts.NotificationIntent) (bool, error)
}

// EntityOwnerRecipients addresses notifications to the owning entity's
// channel; the external dispatcher expands it to concrete addresses.
type EntityOwnerRecipients struct{}

// Recipients implements RecipientResolver.
func (EntityOwnerRecipients) Recipients(_ context.Context, task *contracts.TaskInstance) ([]string, error) {
	return []string{"entity:" + task.EntityID}, nil
}

// Decider performs the decide, queue, and mark steps for one task, in that
// order. Intents are queued durably before the task is marked: a failed
// enqueue leaves the task unmarked so the next sweep retries, and the
// outbox's content-hash idempotency key makes the resulting re-enqueue a
// no-op. Marking goes through the store's CAS update, so two concurrent
// sweeps cannot both record an offset: one loses the CAS, re-reads a task
// that is already marked, and finds nothing left to decide.
type Decider struct {
	store      TaskWriter
	recipients RecipientResolver
	clock      func() time.Time
	logger     *slog.Logger
}

// NewDecider creates a decider. A nil resolver falls back to
// EntityOwnerRecipients.
func NewDecider(store TaskWriter, recipients RecipientResolver) *Decider {
	if recipients == nil {
		recipients = EntityOwnerRecipients{}
	}
	return &Decider{
		store:      store,
		recipients: recipients,
		clock:      time.Now,
		logger:     slog.Default().With("component", "reminder"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (d *Decider) WithClock(clock func() time.Time) *Decider {
	d.clock = clock
	return d
}

// Decide computes the reminders and escalation due for the task today,
// queues the intents on the sink, and then records the dispatch via CAS.
// It returns the intents the sink actually accepted; deduped counts slots
// the sink had already queued. An enqueue error aborts before any marking,
// so the reminder is retried on the next sweep instead of being lost. A
// stale write is retried once with a fresh read; a second conflict surfaces
// as skipped=true and the undecided work is retried on the next sweep
// rather than discarded.
func (d *Decider) Decide(ctx context.Context, task *contracts.TaskInstance, ec contracts.EvaluationContext, sink IntentSink) (queued []contracts.NotificationIntent, deduped int, skipped bool, err error) {
	current := task

	for attempt := 0; attempt < 2; attempt++ {
		offsets := DueReminders(current, ec.Today)
		escalate := EscalationDue(current, ec.Today)
		if len(offsets) == 0 && !escalate {
			return nil, 0, false, nil
		}

		intents, err := d.buildIntents(ctx, current, offsets, escalate, ec.Today)
		if err != nil {
			return nil, 0, false, err
		}

		// Queue first. The content-hash key dedupes any replay of slots a
		// previous attempt or a concurrent sweep already queued.
		queued = queued[:0]
		deduped = 0
		for i := range intents {
			ok, enqErr := sink.Enqueue(ctx, &intents[i])
			if enqErr != nil {
				return nil, 0, false, enqErr
			}
			if ok {
				queued = append(queued, intents[i])
			} else {
				deduped++
			}
		}

		updated := *current
		updated.SentOffsets = append([]int(nil), current.SentOffsets...)
		for _, off := range offsets {
			updated.MarkOffsetSent(off)
		}
		if escalate {
			day := ec.Today
			updated.LastEscalatedAt = &day
		}
		updated.UpdatedAt = d.clock()

		if err := d.store.UpdateTaskCAS(ctx, &updated); err != nil {
			var stale *contracts.StaleWriteError
			if errors.As(err, &stale) && attempt == 0 {
				fresh, readErr := d.store.GetTask(ctx, current.TenantID, current.ID)
				if readErr != nil {
					return nil, 0, true, readErr
				}
				current = fresh
				continue
			}
			return nil, 0, true, err
		}

		return queued, deduped, false, nil
	}

	return nil, 0, true, nil
}

func (d *Decider) buildIntents(ctx context.Context, task *contracts.TaskInstance, offsets []int, escalate bool, decidedOn time.Time) ([]contracts.NotificationIntent, error) {
	recipients, err := d.recipients.Recipients(ctx, task)
	if err != nil {
		return nil, err
	}

	now := d.clock()
	intents := make([]contracts.NotificationIntent, 0, len(offsets)+1)
	for _, off := range offsets {
		intents = append(intents, contracts.NotificationIntent{
			ID:           uuid.New().String(),
			TenantID:     task.TenantID,
			TaskID:       task.ID,
			Kind:         contracts.IntentReminder,
			Offset:       off,
			Recipients:   recipients,
			TemplateKind: TemplateReminder,
			DecidedOn:    decidedOn,
			CreatedAt:    now,
		})
	}
	if escalate {
		intents = append(intents, contracts.NotificationIntent{
			ID:           uuid.New().String(),
			TenantID:     task.TenantID,
			TaskID:       task.ID,
			Kind:         contracts.IntentEscalation,
			Recipients:   recipients,
			TemplateKind: TemplateOverdue,
			DecidedOn:    decidedOn,
			CreatedAt:    now,
		})
	}
	return intents, nil
}
