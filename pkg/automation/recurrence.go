package automation

import (
	"fmt"
	"time"

	"github.com/vigil-grc/vigil/pkg/contracts"
)

// NextDue computes the successor due date for a completed recurring task.
// It is a pure function called only at completion time, never polled.
//
// The successor anchors on the previous due date; a task completed after
// its own interval anchors on the completion date instead, so successors
// are never born overdue.
func NextDue(recurrence contracts.Recurrence, lastDue, completedAt time.Time) (time.Time, error) {
	var next time.Time
	due := contracts.DateOnly(lastDue)
	completed := contracts.DateOnly(completedAt)

	advance := func(t time.Time) time.Time {
		switch recurrence {
		case contracts.RecurrenceMonthly:
			return t.AddDate(0, 1, 0)
		case contracts.RecurrenceQuarterly:
			return t.AddDate(0, 3, 0)
		case contracts.RecurrenceYearly:
			return t.AddDate(1, 0, 0)
		default:
			return t
		}
	}

	switch recurrence {
	case contracts.RecurrenceMonthly, contracts.RecurrenceQuarterly, contracts.RecurrenceYearly:
		next = advance(due)
		if !next.After(completed) {
			next = advance(completed)
		}
		return next, nil
	default:
		return time.Time{}, fmt.Errorf("automation: no successor for recurrence %q", recurrence)
	}
}
