// Package report builds the read models behind the status and history views.
package report

import (
	"context"
	"fmt"
	"time"

	"github.com/livinlefevreloca/testbed/internal/db"
)

// Store is the read side of the store used for reporting
type Store interface {
	Weeks(ctx context.Context) ([]int, error)
	TestsInWeek(ctx context.Context, week int) ([]string, error)
	MachinesWithResults(ctx context.Context) ([]string, error)
	TestsOfMachine(ctx context.Context, machine string) ([]db.MachineTest, error)
	LastResult(ctx context.Context, test, machine string) (*db.TestResult, error)
	ResultsSince(ctx context.Context, test, machine string, since time.Time, limit int) ([]db.TestResult, error)
	NextUnrunSlot(ctx context.Context) (time.Time, error)
	SlotsRunSince(ctx context.Context, since, now time.Time) (bool, error)
}

// Summary counts tests by the outcome of their latest execution
type Summary struct {
	Passed int `json:"passed"`
	Failed int `json:"failed"`
}

// Total is the number of tests that have at least one result
func (s Summary) Total() int {
	return s.Passed + s.Failed
}

// AllPassed reports whether no summarized test failed
func (s Summary) AllPassed() bool {
	return s.Failed == 0
}

func (s Summary) String() string {
	return fmt.Sprintf("%d of %d tests passed", s.Passed, s.Total())
}

// WeekReport is one week with its executed tests
type WeekReport struct {
	Week    int      `json:"week"`
	Tests   []string `json:"tests"`
	Summary Summary  `json:"summary"`
}

// MachineReport is one machine with the tests that ran on it
type MachineReport struct {
	Machine string           `json:"machine"`
	Tests   []db.MachineTest `json:"tests"`
	Summary Summary          `json:"summary"`
}

// Reporter answers reporting queries
type Reporter struct {
	store Store
}

// New creates a reporter over store
func New(store Store) *Reporter {
	return &Reporter{store: store}
}

// Weeks returns the weeks that hold at least one assigned test
func (r *Reporter) Weeks(ctx context.Context) ([]int, error) {
	return r.store.Weeks(ctx)
}

// TestsInWeek returns the executed tests of week, most recent first
func (r *Reporter) TestsInWeek(ctx context.Context, week int) ([]string, error) {
	return r.store.TestsInWeek(ctx, week)
}

// MachinesWithResults returns the machines with at least one result
func (r *Reporter) MachinesWithResults(ctx context.Context) ([]string, error) {
	return r.store.MachinesWithResults(ctx)
}

// TestsOfMachine returns the tests that ran on machine
func (r *Reporter) TestsOfMachine(ctx context.Context, machine string) ([]db.MachineTest, error) {
	return r.store.TestsOfMachine(ctx, machine)
}

// LastResult returns the latest result of test, on machine when given.
// Returns db.ErrNotFound when the test never ran there.
func (r *Reporter) LastResult(ctx context.Context, test, machine string) (*db.TestResult, error) {
	return r.store.LastResult(ctx, test, machine)
}

// History returns up to limit results of test on machine executed at or
// after since, newest first
func (r *Reporter) History(ctx context.Context, test, machine string, since time.Time, limit int) ([]db.TestResult, error) {
	if limit <= 0 {
		return []db.TestResult{}, nil
	}
	return r.store.ResultsSince(ctx, test, machine, since, limit)
}

// Summarize counts tests whose latest result has no failed check as passed
// and the others as failed. Tests without results are not counted. A
// non-empty machine restricts results to that machine.
func (r *Reporter) Summarize(ctx context.Context, tests []string, machine string) (Summary, error) {
	var s Summary
	for _, test := range tests {
		result, err := r.store.LastResult(ctx, test, machine)
		if db.IsNotFound(err) {
			continue
		}
		if err != nil {
			return Summary{}, fmt.Errorf("last result of %s: %w", test, err)
		}

		if result.Failed == 0 {
			s.Passed++
		} else {
			s.Failed++
		}
	}
	return s, nil
}

// WeekReports returns every week with its tests and summary
func (r *Reporter) WeekReports(ctx context.Context) ([]WeekReport, error) {
	weeks, err := r.store.Weeks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list weeks: %w", err)
	}

	reports := make([]WeekReport, 0, len(weeks))
	for _, week := range weeks {
		tests, err := r.store.TestsInWeek(ctx, week)
		if err != nil {
			return nil, fmt.Errorf("tests in week %d: %w", week, err)
		}
		if len(tests) == 0 {
			continue
		}

		summary, err := r.Summarize(ctx, tests, "")
		if err != nil {
			return nil, err
		}
		reports = append(reports, WeekReport{Week: week, Tests: tests, Summary: summary})
	}
	return reports, nil
}

// MachineReports returns every machine with results, its tests and summary
func (r *Reporter) MachineReports(ctx context.Context) ([]MachineReport, error) {
	machines, err := r.store.MachinesWithResults(ctx)
	if err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}

	reports := make([]MachineReport, 0, len(machines))
	for _, machine := range machines {
		tests, err := r.store.TestsOfMachine(ctx, machine)
		if err != nil {
			return nil, fmt.Errorf("tests of %s: %w", machine, err)
		}

		names := make([]string, len(tests))
		for i, mt := range tests {
			names[i] = mt.Test
		}
		summary, err := r.Summarize(ctx, names, machine)
		if err != nil {
			return nil, err
		}
		reports = append(reports, MachineReport{Machine: machine, Tests: tests, Summary: summary})
	}
	return reports, nil
}

// NextScheduled returns the earliest slot not yet run. ok is false when
// nothing is scheduled.
func (r *Reporter) NextScheduled(ctx context.Context) (next time.Time, ok bool, err error) {
	next, err = r.store.NextUnrunSlot(ctx)
	if db.IsNotFound(err) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return next, true, nil
}

// RanSince reports whether a slot targeted between since and now has been
// marked run, i.e. whether a requested round of tests has started
func (r *Reporter) RanSince(ctx context.Context, since, now time.Time) (bool, error) {
	return r.store.SlotsRunSince(ctx, since, now)
}

// FormatNext renders the next scheduled time relative to now: "never",
// "now", "in N days", "in N min." or "in N sec.". Units are truncated.
func FormatNext(next time.Time, ok bool, now time.Time) string {
	if !ok {
		return "never"
	}
	if !next.After(now) {
		return "now"
	}

	diff := next.Sub(now)
	switch {
	case diff >= 24*time.Hour:
		return fmt.Sprintf("in %d days", int(diff/(24*time.Hour)))
	case diff >= time.Minute:
		return fmt.Sprintf("in %d min.", int(diff/time.Minute))
	default:
		return fmt.Sprintf("in %d sec.", int(diff/time.Second))
	}
}

// FormatDate renders an execution time relative to now: "today at 15:04",
// "yesterday at 15:04", the weekday within the last week, or the full date
func FormatDate(t, now time.Time) string {
	t = t.UTC()
	day := func(x time.Time) time.Time {
		y, m, d := x.UTC().Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}

	var prefix string
	switch days := int(day(now).Sub(day(t)) / (24 * time.Hour)); {
	case days == 0:
		prefix = "today"
	case days == 1:
		prefix = "yesterday"
	case days > 1 && days < 7:
		prefix = t.Weekday().String()
	default:
		prefix = "on " + t.Format("02.01.2006")
	}
	return prefix + " at " + t.Format("15:04")
}
