package automation

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/vigil-grc/vigil/pkg/contracts"
)

// Draft describes a task instance the evaluator wants created. The caller
// (the sweep engine) assigns IDs and persists it.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Draft struct {
	RuleID          string
	EntityID        string
	TenantID        string
	Kind            contracts.RuleKind
	Title           string
	DueDate         time.Time
	Priority        contracts.TaskPriority
	ReminderOffsets []int
}

// DueDateUpdate moves an open task's due date. Only tasks that have not yet
// dispatched any reminder are eligible, so a sliding due date never erases
// reminder history.
type DueDateUpdate struct {
	TaskID  string
	DueDate time.Time
}

// Skip records a rule that produced no work for an entity, with the reason.
type Skip struct {
	RuleID string
	Reason string
}

// Outcome is the result of evaluating one entity against the rule catalog.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Outcome struct {
	Drafts  []Draft
	Updates []DueDateUpdate
	Cancels []string // task IDs cancelled by duplicate-open-task healing
	Skips   []Skip
	// Warnings holds per-rule failures and data-integrity findings that
	// did not stop evaluation (predicate errors, duplicate open tasks).
	Warnings []error
}

// evalFunc computes the draft a rule wants for an entity, or a
// *contracts.MissingAttributeError when the rule's precondition is unmet.
type evalFunc func(r *Rule, v *contracts.Vendor, ec contracts.EvaluationContext) (*Draft, error)

// dispatch is the closed rule-kind dispatch table.
var dispatch = map[contracts.RuleKind]evalFunc{
	contracts.RuleContractExpiry:   evalContractExpiry,
	contracts.RuleRiskTierReview:   evalRiskTierReview,
	contracts.RuleSpendTierReview:  evalSpendTierReview,
	contracts.RuleComplianceReview: evalComplianceReview,
}

// Evaluator applies a rule catalog to vendor entities.
type Evaluator struct {
	rules      []Rule
	predicates *PredicateEvaluator
	logger     *slog.Logger
}

// NewEvaluator validates the catalog and builds an evaluator.
func NewEvaluator(rules []Rule) (*Evaluator, error) {
	for i := range rules {
		if err := rules[i].Validate(); err != nil {
			return nil, err
		}
	}
	predicates, err := NewPredicateEvaluator()
	if err != nil {
		return nil, err
	}
	return &Evaluator{
		rules:      rules,
		predicates: predicates,
		logger:     slog.Default().With("component", "automation"),
	}, nil
}

// Rules returns the catalog.
func (ev *Evaluator) Rules() []Rule {
	return ev.rules
}

// Evaluate decides, for each rule, whether a task instance should exist for
// the vendor and on what due date. Existing open tasks are reconciled
// instead of duplicated: at most one non-terminal instance per (entity,
// rule kind) pair survives. A rule with an unmet precondition is skipped,
// never treated as an error; a failing rule is recorded as a warning and
// the remaining rules still run.
func (ev *Evaluator) Evaluate(vendor *contracts.Vendor, existing []contracts.TaskInstance, ec contracts.EvaluationContext) Outcome {
	var out Outcome

	if !vendor.Active() {
		for i := range ev.rules {
			out.Skips = append(out.Skips, Skip{RuleID: ev.rules[i].ID, Reason: "vendor offboarded"})
		}
		return out
	}

	attrs := vendor.Attributes()
	for i := range ev.rules {
		rule := &ev.rules[i]
		ev.evaluateRule(rule, vendor, attrs, existing, ec, &out)
	}
	return out
}

func (ev *Evaluator) evaluateRule(rule *Rule, vendor *contracts.Vendor, attrs map[string]any,
	existing []contracts.TaskInstance, ec contracts.EvaluationContext, out *Outcome) {

	applicable, err := ev.predicates.Applicable(rule.Predicate, attrs, ec)
	if err != nil {
		out.Warnings = append(out.Warnings, fmt.Errorf("rule %s: %w", rule.ID, err))
		out.Skips = append(out.Skips, Skip{RuleID: rule.ID, Reason: "predicate error"})
		return
	}
	if !applicable {
		out.Skips = append(out.Skips, Skip{RuleID: rule.ID, Reason: "predicate not satisfied"})
		return
	}

	eval, ok := dispatch[rule.Kind]
	if !ok {
		out.Warnings = append(out.Warnings, fmt.Errorf("rule %s: no evaluator for kind %s", rule.ID, rule.Kind))
		return
	}

	draft, err := eval(rule, vendor, ec)
	if err != nil {
		var missing *contracts.MissingAttributeError
		if errors.As(err, &missing) {
			out.Skips = append(out.Skips, Skip{RuleID: rule.ID, Reason: missing.Error()})
			return
		}
		out.Warnings = append(out.Warnings, fmt.Errorf("rule %s: %w", rule.ID, err))
		return
	}

	open := ev.reconcileOpen(vendor, rule.Kind, existing, out)
	if open == nil {
		out.Drafts = append(out.Drafts, *draft)
		return
	}

	// An open instance exists. Move its due date only when the recomputed
	// date differs and no reminder has gone out yet.
	if !contracts.SameDate(open.DueDate, draft.DueDate) && !open.ReminderDispatched() {
		out.Updates = append(out.Updates, DueDateUpdate{TaskID: open.ID, DueDate: draft.DueDate})
		return
	}
	out.Skips = append(out.Skips, Skip{RuleID: rule.ID, Reason: "open instance up to date"})
}

// reconcileOpen returns the surviving open instance for (entity, kind), or
// nil when none exists. Finding more than one open instance is a
// data-integrity violation: the earliest-due instance survives and the rest
// are cancelled.
func (ev *Evaluator) reconcileOpen(vendor *contracts.Vendor, kind contracts.RuleKind,
	existing []contracts.TaskInstance, out *Outcome) *contracts.TaskInstance {

	var open []contracts.TaskInstance
	for _, task := range existing {
		if task.EntityID == vendor.ID && task.Kind == kind && task.Status.Open() {
			open = append(open, task)
		}
	}
	if len(open) == 0 {
		return nil
	}
	if len(open) == 1 {
		return &open[0]
	}

	sort.Slice(open, func(i, j int) bool {
		if !open[i].DueDate.Equal(open[j].DueDate) {
			return open[i].DueDate.Before(open[j].DueDate)
		}
		return open[i].CreatedAt.Before(open[j].CreatedAt)
	})

	ids := make([]string, 0, len(open))
	for _, task := range open {
		ids = append(ids, task.ID)
	}
	dup := &contracts.DuplicateOpenTaskError{EntityID: vendor.ID, Kind: kind, TaskIDs: ids}
	out.Warnings = append(out.Warnings, dup)
	ev.logger.Warn("duplicate open tasks, merging into earliest due",
		"entity_id", vendor.ID, "kind", string(kind), "task_ids", ids)

	for _, task := range open[1:] {
		out.Cancels = append(out.Cancels, task.ID)
	}
	return &open[0]
}

// ===== Per-kind evaluation =====

func evalContractExpiry(r *Rule, v *contracts.Vendor, ec contracts.EvaluationContext) (*Draft, error) {
	if v.ContractEnd == nil {
		return nil, &contracts.MissingAttributeError{Rule: contracts.RuleContractExpiry, Attribute: "contract_end_date"}
	}

	notice := r.noticeDays(v)
	due := contracts.DateOnly(*v.ContractEnd).AddDate(0, 0, -notice)

	priority := contracts.PriorityMedium
	if notice <= HighPriorityNoticeThreshold {
		priority = contracts.PriorityHigh
	}

	return &Draft{
		RuleID:          r.ID,
		EntityID:        v.ID,
		TenantID:        v.TenantID,
		Kind:            contracts.RuleContractExpiry,
		Title:           fmt.Sprintf("Renew contract with %s", v.Name),
		DueDate:         due,
		Priority:        priority,
		ReminderOffsets: r.ReminderOffsets,
	}, nil
}

func evalRiskTierReview(r *Rule, v *contracts.Vendor, ec contracts.EvaluationContext) (*Draft, error) {
	if !v.RiskLevel.Valid() {
		return nil, &contracts.MissingAttributeError{Rule: contracts.RuleRiskTierReview, Attribute: "risk_level"}
	}
	freq, ok := r.tierFrequency(v.RiskLevel)
	if !ok {
		return nil, &contracts.MissingAttributeError{Rule: contracts.RuleRiskTierReview, Attribute: "tier_frequency"}
	}

	anchor := ec.Today
	if v.LastSecurityReview != nil {
		anchor = contracts.DateOnly(*v.LastSecurityReview)
	}

	priority := contracts.PriorityMedium
	switch v.RiskLevel.Canonical() {
	case contracts.LevelCritical:
		priority = contracts.PriorityUrgent
	case contracts.LevelHigh:
		priority = contracts.PriorityHigh
	}

	return &Draft{
		RuleID:          r.ID,
		EntityID:        v.ID,
		TenantID:        v.TenantID,
		Kind:            contracts.RuleRiskTierReview,
		Title:           fmt.Sprintf("Security review for %s", v.Name),
		DueDate:         anchor.AddDate(0, 0, freq),
		Priority:        priority,
		ReminderOffsets: r.ReminderOffsets,
	}, nil
}

func evalSpendTierReview(r *Rule, v *contracts.Vendor, ec contracts.EvaluationContext) (*Draft, error) {
	freq := r.spendFrequency(v.AnnualSpend)

	anchor := ec.Today
	if v.LastPerformanceReview != nil {
		anchor = contracts.DateOnly(*v.LastPerformanceReview)
	}

	priority := contracts.PriorityMedium
	if v.AnnualSpend >= r.spendThreshold() {
		priority = contracts.PriorityHigh
	}

	return &Draft{
		RuleID:          r.ID,
		EntityID:        v.ID,
		TenantID:        v.TenantID,
		Kind:            contracts.RuleSpendTierReview,
		Title:           fmt.Sprintf("Performance review for %s", v.Name),
		DueDate:         anchor.AddDate(0, 0, freq),
		Priority:        priority,
		ReminderOffsets: r.ReminderOffsets,
	}, nil
}

func evalComplianceReview(r *Rule, v *contracts.Vendor, ec contracts.EvaluationContext) (*Draft, error) {
	freq := r.complianceFrequency()

	var due time.Time
	priority := contracts.PriorityMedium
	switch {
	case v.LastComplianceReview != nil:
		due = contracts.DateOnly(*v.LastComplianceReview).AddDate(0, 0, freq)
	case v.RiskLevel.Canonical().Rank() >= contracts.LevelHigh.Rank():
		// Newly onboarded high-risk vendors get an immediate review.
		due = ec.Today
		priority = contracts.PriorityHigh
	default:
		due = ec.Today.AddDate(0, 0, freq)
	}

	return &Draft{
		RuleID:          r.ID,
		EntityID:        v.ID,
		TenantID:        v.TenantID,
		Kind:            contracts.RuleComplianceReview,
		Title:           fmt.Sprintf("Compliance/DPA review for %s", v.Name),
		DueDate:         due,
		Priority:        priority,
		ReminderOffsets: r.ReminderOffsets,
	}, nil
}
