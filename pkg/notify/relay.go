package notify

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithRate caps deliveries per second. Zero or negative means unlimited.
func WithRate(perSecond float64) RelayOption {
	return func(r *Relay) {
		if perSecond > 0 {
			r.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// WithBatchSize sets how many pending records a single Drain picks up.
func WithBatchSize(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithRelayClock overrides the time source, for tests.
func WithRelayClock(clock func() time.Time) RelayOption {
	return func(r *Relay) { r.clock = clock }
}

// Relay drains a pending outbox through a dispatcher. Failures are recorded
// per record and never stop the batch; a failed record stays visible for
// operators rather than being retried forever.
type Relay struct {
	outbox     Outbox
	dispatcher Dispatcher
	limiter    *rate.Limiter
	batchSize  int
	clock      func() time.Time
	logger     *slog.Logger
}

// NewRelay creates a relay over the given outbox and dispatcher.
func NewRelay(outbox Outbox, dispatcher Dispatcher, opts ...RelayOption) *Relay {
	r := &Relay{
		outbox:     outbox,
		dispatcher: dispatcher,
		batchSize:  100,
		clock:      time.Now,
		logger:     slog.Default().With("component", "notify"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DrainResult summarizes one relay pass.
type DrainResult struct {
	Delivered int
	Failed    int
}

// Drain delivers one batch of pending intents. It returns early on context
// cancellation; everything already delivered stays delivered.
func (r *Relay) Drain(ctx context.Context) (DrainResult, error) {
	var result DrainResult

	pending, err := r.outbox.Pending(ctx, r.batchSize)
	if err != nil {
		return result, err
	}

	for _, rec := range pending {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return result, err
			}
		}

		if err := r.dispatcher.Dispatch(ctx, rec.Intent); err != nil {
			result.Failed++
			r.logger.Warn("intent delivery failed",
				"record_id", rec.ID,
				"task_id", rec.Intent.TaskID,
				"error", err,
			)
			if markErr := r.outbox.MarkFailed(ctx, rec.ID, err.Error()); markErr != nil {
				return result, markErr
			}
			continue
		}

		result.Delivered++
		if err := r.outbox.MarkSent(ctx, rec.ID, r.clock().UTC()); err != nil {
			return result, err
		}
	}
	return result, nil
}
