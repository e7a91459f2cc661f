package contracts

import "time"

// EvaluationContext carries the tenant scope and the evaluation date for a
// single engine call. There is no hidden process-wide clock: every
// date-driven decision goes through the context's Today.
type EvaluationContext struct {
	TenantID string    `json:"tenant_id"`
	Today    time.Time `json:"today"`
}

// NewEvaluationContext builds a context with Today normalized to a UTC
// calendar date (midnight).
func NewEvaluationContext(tenantID string, today time.Time) EvaluationContext {
	return EvaluationContext{
		TenantID: tenantID,
		Today:    DateOnly(today),
	}
}

// DateOnly truncates a timestamp to its UTC calendar date.
func DateOnly(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the whole number of calendar days from a to b
// (negative when b precedes a). Both timestamps are truncated to UTC dates
// before subtraction, so time-of-day never shifts the count.
func DaysBetween(a, b time.Time) int {
	da := DateOnly(a)
	db := DateOnly(b)
	return int(db.Sub(da).Hours() / 24)
}

// SameDate reports whether two timestamps fall on the same UTC calendar day.
func SameDate(a, b time.Time) bool {
	return DateOnly(a).Equal(DateOnly(b))
}
