package contracts

import "fmt"

// InvalidRangeError reports an (impact, likelihood) pair outside a matrix's
// declared range. It is fatal to that single computation only and must never
// abort a sweep.
type InvalidRangeError struct {
	Impact     int
	Likelihood int
	Size       int
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("contracts: impact/likelihood (%d, %d) outside matrix range [1..%d]",
		e.Impact, e.Likelihood, e.Size)
}

// MissingAttributeError reports an unmet rule precondition, e.g. a
// contract-expiry rule evaluated against a vendor with no contract end date.
// It causes a rule skip, not an entity failure.
type MissingAttributeError struct {
	Rule      RuleKind
	Attribute string
}

func (e *MissingAttributeError) Error() string {
	return fmt.Sprintf("contracts: rule %s requires attribute %q", e.Rule, e.Attribute)
}

// DuplicateOpenTaskError reports a data-integrity violation: the store holds
// more than one open instance for the same (entity, rule kind) pair. The
// evaluator self-heals by merging into the earliest-due instance and
// cancelling the rest.
type DuplicateOpenTaskError struct {
	EntityID string
	Kind     RuleKind
	TaskIDs  []string
}

func (e *DuplicateOpenTaskError) Error() string {
	return fmt.Sprintf("contracts: %d open %s tasks for entity %s (want at most 1)",
		len(e.TaskIDs), e.Kind, e.EntityID)
}

// StaleWriteError reports a compare-and-swap conflict on a task instance
// during a sweep. The caller retries once with a fresh read, then surfaces
// the task as skipped-this-cycle.
type StaleWriteError struct {
	TaskID  string
	Version int64
}

func (e *StaleWriteError) Error() string {
	return fmt.Sprintf("contracts: stale write on task %s (version %d)", e.TaskID, e.Version)
}
