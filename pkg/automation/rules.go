// Package automation generates, deduplicates, and reschedules vendor work
// items from a catalog of trigger rules. Rule kinds form a closed set; each
// kind has exactly one evaluation function selected by an explicit dispatch
// table.
package automation

import (
	"fmt"

	"github.com/vigil-grc/vigil/pkg/contracts"
)

// Default rule parameters.
const (
	DefaultNoticeDays           = 90
	DefaultSpendThreshold       = 100000.0
	DefaultHighSpendFrequency   = 180
	DefaultLowSpendFrequency    = 365
	DefaultComplianceFrequency  = 365
	HighPriorityNoticeThreshold = 30 // notice_days at or below this makes renewal tasks high priority
)

// DefaultTierFrequencies maps a vendor's risk level to its security review
// cadence in days.
func DefaultTierFrequencies() map[contracts.Level]int {
	return map[contracts.Level]int{
		contracts.LevelCritical: 90,
		contracts.LevelHigh:     180,
		contracts.LevelMedium:   365,
		contracts.LevelLow:      730,
	}
}

// Rule is one configured automation rule. Zero-valued numeric parameters
// fall back to the package defaults at evaluation time.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Rule struct {
	ID   string             `json:"id" yaml:"id"`
	Kind contracts.RuleKind `json:"kind" yaml:"kind"`

	// Predicate is an optional CEL applicability expression over the
	// entity attribute map, e.g. `entity.category == "CLOUD_PROVIDER"`.
	Predicate string `json:"predicate,omitempty" yaml:"predicate,omitempty"`

	// Contract expiry parameters.
	NoticeDays int `json:"notice_days,omitempty" yaml:"notice_days,omitempty"`

	// Risk tier parameters.
	TierFrequencies map[contracts.Level]int `json:"tier_frequencies,omitempty" yaml:"tier_frequencies,omitempty"`

	// Spend tier parameters.
	SpendThreshold     float64 `json:"spend_threshold,omitempty" yaml:"spend_threshold,omitempty"`
	HighSpendFrequency int     `json:"high_spend_frequency_days,omitempty" yaml:"high_spend_frequency_days,omitempty"`
	LowSpendFrequency  int     `json:"low_spend_frequency_days,omitempty" yaml:"low_spend_frequency_days,omitempty"`

	// Compliance review parameters.
	ComplianceFrequency int `json:"compliance_frequency_days,omitempty" yaml:"compliance_frequency_days,omitempty"`

	// ReminderOffsets overrides the default reminder schedule for tasks
	// this rule generates.
	ReminderOffsets []int `json:"reminder_offsets,omitempty" yaml:"reminder_offsets,omitempty"`
}

// Validate checks the rule's kind and parameters.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("automation: rule id is required")
	}
	switch r.Kind {
	case contracts.RuleContractExpiry, contracts.RuleRiskTierReview,
		contracts.RuleSpendTierReview, contracts.RuleComplianceReview:
	default:
		return fmt.Errorf("automation: rule %s has unknown kind %q", r.ID, r.Kind)
	}
	if r.NoticeDays < 0 {
		return fmt.Errorf("automation: rule %s has negative notice_days", r.ID)
	}
	if err := ValidateOffsets(r.ReminderOffsets); err != nil {
		return fmt.Errorf("automation: rule %s: %w", r.ID, err)
	}
	return nil
}

// ValidateOffsets rejects reminder schedules that are not strictly
// decreasing day counts, e.g. {30, 14, 7, 1}. Tenant profiles and rules
// both validate their schedules through it.
func ValidateOffsets(offsets []int) error {
	for i, d := range offsets {
		if d < 0 {
			return fmt.Errorf("reminder offset %d is negative", d)
		}
		if i > 0 && offsets[i-1] <= d {
			return fmt.Errorf("reminder offsets must be strictly decreasing, got %v", offsets)
		}
	}
	return nil
}

// DefaultCatalog returns the built-in rule set: contract renewal with 90-day
// notice, risk-tiered security review, spend-tiered performance review, and
// annual compliance review.
func DefaultCatalog() []Rule {
	return []Rule{
		{ID: "contract-renewal", Kind: contracts.RuleContractExpiry, NoticeDays: DefaultNoticeDays},
		{ID: "security-review", Kind: contracts.RuleRiskTierReview, TierFrequencies: DefaultTierFrequencies()},
		{ID: "performance-review", Kind: contracts.RuleSpendTierReview,
			SpendThreshold:     DefaultSpendThreshold,
			HighSpendFrequency: DefaultHighSpendFrequency,
			LowSpendFrequency:  DefaultLowSpendFrequency,
		},
		{ID: "compliance-review", Kind: contracts.RuleComplianceReview, ComplianceFrequency: DefaultComplianceFrequency},
	}
}

// noticeDays resolves the effective notice period: entity override first,
// then the rule's value, then the package default.
func (r *Rule) noticeDays(v *contracts.Vendor) int {
	if v.NoticeDays != nil && *v.NoticeDays >= 0 {
		return *v.NoticeDays
	}
	if r.NoticeDays > 0 {
		return r.NoticeDays
	}
	return DefaultNoticeDays
}

func (r *Rule) tierFrequency(level contracts.Level) (int, bool) {
	table := r.TierFrequencies
	if len(table) == 0 {
		table = DefaultTierFrequencies()
	}
	freq, ok := table[level.Canonical()]
	return freq, ok
}

func (r *Rule) spendThreshold() float64 {
	if r.SpendThreshold > 0 {
		return r.SpendThreshold
	}
	return DefaultSpendThreshold
}

func (r *Rule) spendFrequency(annualSpend float64) int {
	if annualSpend >= r.spendThreshold() {
		if r.HighSpendFrequency > 0 {
			return r.HighSpendFrequency
		}
		return DefaultHighSpendFrequency
	}
	if r.LowSpendFrequency > 0 {
		return r.LowSpendFrequency
	}
	return DefaultLowSpendFrequency
}

func (r *Rule) complianceFrequency() int {
	if r.ComplianceFrequency > 0 {
		return r.ComplianceFrequency
	}
	return DefaultComplianceFrequency
}
