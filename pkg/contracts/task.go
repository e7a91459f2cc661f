package contracts

import "time"

// RuleKind is the closed set of automation rule kinds. Each kind has exactly
// one evaluation function, selected by an explicit dispatch table.
type RuleKind string

// Rule kind constants.
const (
	RuleContractExpiry   RuleKind = "CONTRACT_EXPIRY"
	RuleRiskTierReview   RuleKind = "RISK_TIER_REVIEW"
	RuleSpendTierReview  RuleKind = "SPEND_TIER_REVIEW"
	RuleComplianceReview RuleKind = "COMPLIANCE_REVIEW"
)

// RuleKinds lists all rule kinds.
func RuleKinds() []RuleKind {
	return []RuleKind{RuleContractExpiry, RuleRiskTierReview, RuleSpendTierReview, RuleComplianceReview}
}

// TaskStatus represents the lifecycle state of a task instance.
// Overdue is derived from the due date, never stored.
type TaskStatus string

// Task status constants.
const (
	TaskStatusPending    TaskStatus = "PENDING"
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"
	TaskStatusCompleted  TaskStatus = "COMPLETED"
	TaskStatusCancelled  TaskStatus = "CANCELLED"
)

// Open reports whether the task still counts toward the
// at-most-one-open-instance invariant.
func (s TaskStatus) Open() bool {
	return s == TaskStatusPending || s == TaskStatusInProgress
}

// Terminal reports whether the task can no longer fire reminders.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusCancelled
}

// TaskPriority represents task urgency.
type TaskPriority string

// Task priority constants.
const (
	PriorityLow      TaskPriority = "LOW"
	PriorityMedium   TaskPriority = "MEDIUM"
	PriorityHigh     TaskPriority = "HIGH"
	PriorityUrgent   TaskPriority = "URGENT"
	PriorityCritical TaskPriority = "CRITICAL"
)

// Recurrence controls successor scheduling for recurring tasks.
type Recurrence string

// Recurrence constants.
const (
	RecurrenceNone      Recurrence = "NONE"
	RecurrenceMonthly   Recurrence = "MONTHLY"
	RecurrenceQuarterly Recurrence = "QUARTERLY"
	RecurrenceYearly    Recurrence = "YEARLY"
)

// SourceManual marks tasks created by hand rather than by a rule.
const SourceManual = "manual"

// DefaultReminderOffsets is the reminder schedule applied when a task
// carries none of its own: days before the due date at which a reminder
// fires.
var DefaultReminderOffsets = []int{30, 14, 7, 1}

// TaskInstance is a unit of scheduled work generated by an automation rule
// or created manually. At most one non-terminal instance may exist per
// (entity, rule kind) pair.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type TaskInstance struct {
	ID              string       `json:"id"`
	TenantID        string       `json:"tenant_id"`
	EntityID        string       `json:"entity_id"`
	Kind            RuleKind     `json:"kind"`
	Title           string       `json:"title"`
	DueDate         time.Time    `json:"due_date"`
	Status          TaskStatus   `json:"status"`
	Priority        TaskPriority `json:"priority"`
	ReminderOffsets []int        `json:"reminder_offsets,omitempty"`
	SentOffsets     []int        `json:"sent_offsets,omitempty"`
	LastEscalatedAt *time.Time   `json:"last_escalated_at,omitempty"`
	Recurrence      Recurrence   `json:"recurrence,omitempty"`
	Source          string       `json:"source"` // rule ID or SourceManual
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`
	CompletionNotes string       `json:"completion_notes,omitempty"`
	Version         int64        `json:"version"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Offsets returns the task's reminder schedule, falling back to the default.
func (t *TaskInstance) Offsets() []int {
	if len(t.ReminderOffsets) == 0 {
		return DefaultReminderOffsets
	}
	return t.ReminderOffsets
}

// DaysUntilDue returns due_date - today in whole days (negative when
// overdue).
func (t *TaskInstance) DaysUntilDue(today time.Time) int {
	return DaysBetween(today, t.DueDate)
}

// IsOverdue reports whether the task is open and past its due date.
func (t *TaskInstance) IsOverdue(today time.Time) bool {
	return t.Status.Open() && t.DaysUntilDue(today) < 0
}

// OffsetSent reports whether a reminder for the given offset was already
// dispatched.
func (t *TaskInstance) OffsetSent(offset int) bool {
	for _, d := range t.SentOffsets {
		if d == offset {
			return true
		}
	}
	return false
}

// MarkOffsetSent records a dispatched offset. Recording is idempotent.
func (t *TaskInstance) MarkOffsetSent(offset int) {
	if !t.OffsetSent(offset) {
		t.SentOffsets = append(t.SentOffsets, offset)
	}
}

// EscalatedOn reports whether an overdue escalation was already dispatched
// on the given calendar day.
func (t *TaskInstance) EscalatedOn(today time.Time) bool {
	return t.LastEscalatedAt != nil && SameDate(*t.LastEscalatedAt, today)
}

// ReminderDispatched reports whether any reminder or escalation has been
// sent for this task. The evaluator must not move due dates once this is
// true, so a sliding contract end-date never erases reminder history.
func (t *TaskInstance) ReminderDispatched() bool {
	return len(t.SentOffsets) > 0 || t.LastEscalatedAt != nil
}
