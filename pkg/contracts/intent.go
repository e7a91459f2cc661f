package contracts

import "time"

// IntentKind distinguishes the two notification classes the engine emits.
type IntentKind string

// Intent kind constants.
const (
	IntentReminder   IntentKind = "REMINDER"
	IntentEscalation IntentKind = "ESCALATION"
)

// NotificationIntent is the engine's hand-off to the external delivery
// collaborator. The engine never blocks on delivery; intents are queued
// at-least-once and delivery/retry policy belongs to the dispatcher.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type NotificationIntent struct {
	ID           string     `json:"id"`
	TenantID     string     `json:"tenant_id"`
	TaskID       string     `json:"task_id"`
	Kind         IntentKind `json:"kind"`
	Offset       int        `json:"offset,omitempty"` // days before due; reminders only
	Recipients   []string   `json:"recipients"`
	TemplateKind string     `json:"template_kind"`
	// DecidedOn is the UTC evaluation date behind the decision. Escalation
	// deduplication keys on this date, never on the wall clock, so a sweep
	// straddling midnight cannot split one decision across two days.
	DecidedOn time.Time `json:"decided_on"`
	CreatedAt time.Time `json:"created_at"`
}
