// Package notify is the delivery boundary. The engine hands finished
// NotificationIntents to an Outbox; a Relay later drains the outbox through a
// Dispatcher. Splitting decide from deliver keeps the sweep fast and makes
// delivery at-least-once with content-hash deduplication on top.
package notify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/vigil-grc/vigil/pkg/contracts"
)

// Dispatcher delivers a single intent to the outside world (email, chat,
// webhook). Implementations must be safe for concurrent use.
type Dispatcher interface {
	Dispatch(ctx context.Context, intent *contracts.NotificationIntent) error
}

// RecordStatus is the outbox lifecycle of an intent.
type RecordStatus string

// Record status constants.
const (
	StatusPending RecordStatus = "PENDING"
	StatusSent    RecordStatus = "SENT"
	StatusFailed  RecordStatus = "FAILED"
)

// Record is an intent queued for delivery.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Record struct {
	ID             string                        `json:"id"`
	IdempotencyKey string                        `json:"idempotency_key"`
	Intent         *contracts.NotificationIntent `json:"intent"`
	Status         RecordStatus                  `json:"status"`
	Attempts       int                           `json:"attempts"`
	LastError      string                        `json:"last_error,omitempty"`
	CreatedAt      time.Time                     `json:"created_at"`
	SentAt         *time.Time                    `json:"sent_at,omitempty"`
}

// Outbox stores intents durably until a Relay delivers them.
type Outbox interface {
	// Enqueue stores the intent. It reports false when an intent with the
	// same idempotency key was already queued, in which case nothing is
	// written.
	Enqueue(ctx context.Context, intent *contracts.NotificationIntent) (bool, error)
	Pending(ctx context.Context, limit int) ([]*Record, error)
	MarkSent(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string, reason string) error
}

// IdempotencyKey derives a content hash identifying a notification slot. Two
// intents for the same slot hash identically regardless of intent ID or
// creation time, so a crashed-and-rerun sweep cannot double-queue.
// Reminder slots are (task, offset); escalation slots are (task, decision
// day), taken from the intent's DecidedOn evaluation date.
func IdempotencyKey(intent *contracts.NotificationIntent) (string, error) {
	slot := map[string]any{
		"tenant_id": intent.TenantID,
		"task_id":   intent.TaskID,
		"kind":      string(intent.Kind),
	}
	switch intent.Kind {
	case contracts.IntentEscalation:
		slot["date"] = intent.DecidedOn.UTC().Format("2006-01-02")
	default:
		slot["offset"] = intent.Offset
	}

	raw, err := json.Marshal(slot)
	if err != nil {
		return "", fmt.Errorf("notify: marshal slot: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("notify: canonicalize slot: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// LogDispatcher writes intents to the structured log. Used for dry runs and
// as the default when no delivery channel is configured.
type LogDispatcher struct {
	logger *slog.Logger
}

// NewLogDispatcher creates a dispatcher logging at INFO.
func NewLogDispatcher() *LogDispatcher {
	return &LogDispatcher{logger: slog.Default().With("component", "notify")}
}

func (d *LogDispatcher) Dispatch(_ context.Context, intent *contracts.NotificationIntent) error {
	d.logger.Info("notification intent",
		"intent_id", intent.ID,
		"tenant_id", intent.TenantID,
		"task_id", intent.TaskID,
		"kind", string(intent.Kind),
		"offset", intent.Offset,
		"template", intent.TemplateKind,
		"recipients", len(intent.Recipients),
	)
	return nil
}
