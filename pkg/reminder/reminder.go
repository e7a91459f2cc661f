// Package reminder decides, day by day, which reminder offsets and overdue
// escalations must fire for open tasks, queues the intents durably, and
// then records dispatch through versioned writes so two sweeps on the same
// day never both decide "due".
package reminder

import (
	"time"

	"github.com/vigil-grc/vigil/pkg/contracts"
)

// Template kinds handed to the notification dispatcher.
const (
	TemplateReminder = "task_reminder"
	TemplateOverdue  = "task_overdue"
)

// DueReminders returns the offsets due for a task today: every configured
// offset d with d == days_until_due that has not been dispatched yet.
// Completed and cancelled tasks never fire.
func DueReminders(task *contracts.TaskInstance, today time.Time) []int {
	if task.Status.Terminal() {
		return nil
	}
	days := task.DaysUntilDue(today)
	var due []int
	for _, d := range task.Offsets() {
		if d == days && !task.OffsetSent(d) {
			due = append(due, d)
		}
	}
	return due
}

// EscalationDue reports whether the overdue escalation class fires today.
// Overdue tasks are always eligible, independent of offsets, at most once
// per calendar day.
func EscalationDue(task *contracts.TaskInstance, today time.Time) bool {
	if !task.Status.Open() {
		return false
	}
	return task.DaysUntilDue(today) < 0 && !task.EscalatedOn(today)
}
