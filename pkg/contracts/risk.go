package contracts

import "time"

// RiskStatus represents the lifecycle state of a risk.
type RiskStatus string

// Risk status constants.
const (
	RiskStatusIdentified       RiskStatus = "IDENTIFIED"
	RiskStatusAssessed         RiskStatus = "ASSESSED"
	RiskStatusTreatmentPlanned RiskStatus = "TREATMENT_PLANNED"
	RiskStatusMitigated        RiskStatus = "MITIGATED"
	RiskStatusClosed           RiskStatus = "CLOSED"
)

// Terminal reports whether the status ends the risk lifecycle. Closed risks
// receive no further automation.
func (s RiskStatus) Terminal() bool {
	return s == RiskStatusClosed
}

// Risk is a register entry scored against a risk matrix. Level and Score are
// derived: they are recomputed on every impact/likelihood/matrix change and
// never edited independently.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Risk struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenant_id"`
	Title          string     `json:"title"`
	Category       string     `json:"category,omitempty"`
	Impact         int        `json:"impact"`
	Likelihood     int        `json:"likelihood"`
	MatrixID       string     `json:"matrix_id,omitempty"` // empty = tenant default, then additive fallback
	Level          Level      `json:"level"`
	Score          int        `json:"score"`
	Status         RiskStatus `json:"status"`
	OwnerID        string     `json:"owner_id,omitempty"`
	NextReviewDate *time.Time `json:"next_review_date,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// IsOverdue reports whether the risk's next review date has passed.
// Risks without a review date are never overdue.
func (r *Risk) IsOverdue(today time.Time) bool {
	if r.NextReviewDate == nil {
		return false
	}
	return DateOnly(*r.NextReviewDate).Before(DateOnly(today))
}

// DaysToReview returns the number of days until the next review date
// (negative when overdue). The second return is false when no review date
// is set.
func (r *Risk) DaysToReview(today time.Time) (int, bool) {
	if r.NextReviewDate == nil {
		return 0, false
	}
	return DaysBetween(today, *r.NextReviewDate), true
}
