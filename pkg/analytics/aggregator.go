// Package analytics provides read-side grouping over risk and task working
// sets for dashboards. Aggregation is pure: no mutation, and empty inputs
// produce zeroed aggregates rather than errors.
package analytics

import (
	"sort"
	"time"

	"github.com/vigil-grc/vigil/pkg/contracts"
)

// Defaults for aggregation options.
const (
	DefaultWindowDays = 90
	DefaultTopN       = 5
)

// BucketKind selects the time-bucket granularity.
type BucketKind string

// Bucket kind constants.
const (
	BucketWeekly  BucketKind = "WEEKLY"
	BucketMonthly BucketKind = "MONTHLY"
)

// Options configures an aggregation pass. Zero values fall back to the
// package defaults.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Options struct {
	Today      time.Time
	WindowDays int        // horizon for due-date buckets
	Bucket     BucketKind // default weekly
	TopN       int        // size of the top-risks list
}

func (o *Options) normalize() {
	if o.WindowDays <= 0 {
		o.WindowDays = DefaultWindowDays
	}
	if o.Bucket == "" {
		o.Bucket = BucketWeekly
	}
	if o.TopN <= 0 {
		o.TopN = DefaultTopN
	}
	if o.Today.IsZero() {
		o.Today = time.Now().UTC()
	}
	o.Today = contracts.DateOnly(o.Today)
}

// BucketCount is the number of tasks due within one time bucket.
type BucketCount struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"` // exclusive
	Count int       `json:"count"`
}

// Result holds the aggregates for one tenant working set.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Result struct {
	TotalRisks      int                            `json:"total_risks"`
	RisksByLevel    map[contracts.Level]int        `json:"risks_by_level"`
	RisksByStatus   map[contracts.RiskStatus]int   `json:"risks_by_status"`
	RisksByCategory map[string]int                 `json:"risks_by_category"`
	AverageScore    float64                        `json:"average_score"`
	OverdueRisks    int                            `json:"overdue_risks"`
	TopRisks        []contracts.Risk               `json:"top_risks"`
	TotalTasks      int                            `json:"total_tasks"`
	TasksByStatus   map[contracts.TaskStatus]int   `json:"tasks_by_status"`
	TasksByKind     map[contracts.RuleKind]int     `json:"tasks_by_kind"`
	TasksByPriority map[contracts.TaskPriority]int `json:"tasks_by_priority"`
	OverdueTasks    int                            `json:"overdue_tasks"`
	DueBuckets      []BucketCount                  `json:"due_buckets"`
}

// Aggregate groups the working sets by level, status, category, and time
// bucket. Due-date buckets cover [today, today+window) at the configured
// granularity.
func Aggregate(risks []contracts.Risk, tasks []contracts.TaskInstance, opts Options) Result {
	opts.normalize()

	res := Result{
		RisksByLevel:    make(map[contracts.Level]int),
		RisksByStatus:   make(map[contracts.RiskStatus]int),
		RisksByCategory: make(map[string]int),
		TasksByStatus:   make(map[contracts.TaskStatus]int),
		TasksByKind:     make(map[contracts.RuleKind]int),
		TasksByPriority: make(map[contracts.TaskPriority]int),
	}

	scoreSum := 0
	for i := range risks {
		r := &risks[i]
		res.TotalRisks++
		res.RisksByLevel[r.Level]++
		res.RisksByStatus[r.Status]++
		if r.Category != "" {
			res.RisksByCategory[r.Category]++
		}
		scoreSum += r.Score
		if r.IsOverdue(opts.Today) {
			res.OverdueRisks++
		}
	}
	if res.TotalRisks > 0 {
		res.AverageScore = float64(scoreSum) / float64(res.TotalRisks)
	}
	res.TopRisks = topByScore(risks, opts.TopN)

	for i := range tasks {
		task := &tasks[i]
		res.TotalTasks++
		res.TasksByStatus[task.Status]++
		res.TasksByKind[task.Kind]++
		res.TasksByPriority[task.Priority]++
		if task.IsOverdue(opts.Today) {
			res.OverdueTasks++
		}
	}
	res.DueBuckets = dueBuckets(tasks, opts)

	return res
}

func topByScore(risks []contracts.Risk, n int) []contracts.Risk {
	sorted := append([]contracts.Risk(nil), risks...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

func dueBuckets(tasks []contracts.TaskInstance, opts Options) []BucketCount {
	horizon := opts.Today.AddDate(0, 0, opts.WindowDays)

	var buckets []BucketCount
	for start := opts.Today; start.Before(horizon); {
		var end time.Time
		if opts.Bucket == BucketMonthly {
			end = start.AddDate(0, 1, 0)
		} else {
			end = start.AddDate(0, 0, 7)
		}
		if end.After(horizon) {
			end = horizon
		}
		buckets = append(buckets, BucketCount{Start: start, End: end})
		start = end
	}

	for i := range tasks {
		task := &tasks[i]
		if task.Status.Terminal() {
			continue
		}
		due := contracts.DateOnly(task.DueDate)
		for b := range buckets {
			if !due.Before(buckets[b].Start) && due.Before(buckets[b].End) {
				buckets[b].Count++
				break
			}
		}
	}
	return buckets
}
