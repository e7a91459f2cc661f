package observability

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Sweep operations tracked against objectives.
const (
	OpAutomationSweep = "automation_sweep"
	OpReminderSweep   = "reminder_sweep"
	OpRelayDrain      = "relay_drain"
)

// Objective is a service level target for one operation.
type Objective struct {
	Operation   string        `json:"operation"`
	LatencyP99  time.Duration `json:"latency_p99"`
	SuccessRate float64       `json:"success_rate"` // 0..1
	Window      time.Duration `json:"window"`
}

// Observation is one recorded run of an operation.
type Observation struct {
	Operation string        `json:"operation"`
	Latency   time.Duration `json:"latency"`
	Success   bool          `json:"success"`
	At        time.Time     `json:"at"`
}

// Compliance reports how an operation tracks against its objective.
type Compliance struct {
	Operation       string  `json:"operation"`
	P99Millis       float64 `json:"p99_ms"`
	SuccessRate     float64 `json:"success_rate"`
	InCompliance    bool    `json:"in_compliance"`
	BurnRate        float64 `json:"burn_rate"` // >1 burns budget faster than allowed
	ErrorBudgetLeft float64 `json:"error_budget_left"`
	Runs            int     `json:"runs"`
}

// SLOTracker accumulates sweep run observations and evaluates them against
// per-operation objectives. Everything is in memory; the tracker backs the
// serve loop's compliance logging, not long-term storage.
type SLOTracker struct {
	mu         sync.Mutex
	objectives map[string]Objective
	runs       map[string][]Observation
	clock      func() time.Time
}

// NewSLOTracker creates an empty tracker.
func NewSLOTracker() *SLOTracker {
	return &SLOTracker{
		objectives: make(map[string]Objective),
		runs:       make(map[string][]Observation),
		clock:      time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (t *SLOTracker) WithClock(clock func() time.Time) *SLOTracker {
	t.clock = clock
	return t
}

// SetObjective installs or replaces the objective for an operation.
func (t *SLOTracker) SetObjective(o Objective) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.objectives[o.Operation] = o
}

// Record adds one run. Runs older than the operation's window are pruned
// on the next Compliance call.
func (t *SLOTracker) Record(obs Observation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if obs.At.IsZero() {
		obs.At = t.clock()
	}
	t.runs[obs.Operation] = append(t.runs[obs.Operation], obs)
}

// Compliance evaluates the operation's recorded runs inside the window.
func (t *SLOTracker) Compliance(operation string) (*Compliance, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	objective, ok := t.objectives[operation]
	if !ok {
		return nil, fmt.Errorf("observability: no objective for operation %q", operation)
	}

	cutoff := t.clock().Add(-objective.Window)
	kept := t.runs[operation][:0]
	for _, obs := range t.runs[operation] {
		if obs.At.After(cutoff) {
			kept = append(kept, obs)
		}
	}
	t.runs[operation] = kept

	if len(kept) == 0 {
		return &Compliance{
			Operation:       operation,
			InCompliance:    true,
			ErrorBudgetLeft: 100.0,
		}, nil
	}

	var successes int
	latencies := make([]float64, len(kept))
	for i, obs := range kept {
		latencies[i] = float64(obs.Latency.Milliseconds())
		if obs.Success {
			successes++
		}
	}
	sort.Float64s(latencies)

	idx := int(float64(len(latencies)) * 0.99)
	if idx >= len(latencies) {
		idx = len(latencies) - 1
	}
	p99 := latencies[idx]
	successRate := float64(successes) / float64(len(kept))

	budget := 1.0 - objective.SuccessRate
	errorRate := 1.0 - successRate
	var burnRate, budgetLeft float64
	if budget > 0 {
		burnRate = errorRate / budget
		budgetLeft = 100.0 * (1.0 - burnRate)
		if budgetLeft < 0 {
			budgetLeft = 0
		}
	}

	return &Compliance{
		Operation:       operation,
		P99Millis:       p99,
		SuccessRate:     successRate,
		InCompliance:    p99 <= float64(objective.LatencyP99.Milliseconds()) && successRate >= objective.SuccessRate,
		BurnRate:        burnRate,
		ErrorBudgetLeft: budgetLeft,
		Runs:            len(kept),
	}, nil
}
