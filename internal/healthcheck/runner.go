package healthcheck

import (
	"context"
	"time"
)

// Report is the aggregated result of every registered checker.
type Report struct {
	Status    string        `json:"status"`
	CheckedAt time.Time     `json:"checked_at"`
	Checks    []CheckResult `json:"checks"`
}

// Runner runs a fixed set of checkers.
type Runner struct {
	checkers []Checker
	now      func() time.Time
}

func NewRunner(checkers ...Checker) *Runner {
	items := make([]Checker, 0, len(checkers))
	for _, c := range checkers {
		if c != nil {
			items = append(items, c)
		}
	}
	return &Runner{checkers: items, now: time.Now}
}

// Run evaluates all checkers in order. The report status is the worst item
// status; a runner with no items reports ok.
func (r *Runner) Run(ctx context.Context) Report {
	report := Report{Status: StatusOK, CheckedAt: r.now().UTC(), Checks: []CheckResult{}}
	for _, c := range r.checkers {
		if ctx.Err() != nil {
			report.Status = Worst(report.Status, StatusUnknown)
			break
		}
		for _, item := range c.ListChecks(ctx) {
			report.Status = Worst(report.Status, item.Status)
			report.Checks = append(report.Checks, item)
		}
	}
	return report
}

var severity = map[string]int{
	StatusOK:      0,
	StatusUnknown: 1,
	StatusWarn:    2,
	StatusError:   3,
}

// Worst returns the more severe of two statuses. Unrecognized values rank as unknown.
func Worst(a, b string) string {
	sa, ok := severity[a]
	if !ok {
		a, sa = StatusUnknown, severity[StatusUnknown]
	}
	sb, ok := severity[b]
	if !ok {
		b, sb = StatusUnknown, severity[StatusUnknown]
	}
	if sb > sa {
		return b
	}
	return a
}
