package report

import (
	"context"
	"testing"
	"time"

	"github.com/livinlefevreloca/testbed/internal/db"
	"github.com/livinlefevreloca/testbed/internal/testutil"
)

var base = time.Date(2024, 1, 1, 10, 30, 0, 0, time.UTC)

// seedHistory builds a fleet with two weeks and a few results:
// dns passed on both machines, http failed on vm02, ntp never ran.
func seedHistory(t *testing.T) *db.DB {
	t.Helper()

	database := testutil.NewTestDB(t)
	testutil.SeedFleet(t, database, []string{"vm01", "vm02"}, map[string][]string{
		"dns":  {"vm01", "vm02"},
		"http": {"vm02"},
		"ntp":  {"vm01"},
	})

	ctx := context.Background()
	err := database.WithTransaction(ctx, func(tx *db.Tx) error {
		return tx.PutWeek(ctx, db.Week{Test: "http", Week: 2, WeekNum: 1})
	})
	if err != nil {
		t.Fatalf("failed to move http to week 2: %v", err)
	}

	testutil.SeedResult(t, database, db.TestResult{Test: "dns", Machine: "vm01", Passed: 3, ExecutedAt: base})
	testutil.SeedResult(t, database, db.TestResult{Test: "dns", Machine: "vm02", Passed: 2, Failed: 1, ExecutedAt: base})
	testutil.SeedResult(t, database, db.TestResult{Test: "dns", Machine: "vm02", Passed: 3, ExecutedAt: base.Add(time.Hour)})
	testutil.SeedResult(t, database, db.TestResult{Test: "http", Machine: "vm02", Failed: 1, ExecutedAt: base.Add(30 * time.Minute)})

	return database
}

func TestSummarize(t *testing.T) {
	r := New(seedHistory(t))
	ctx := context.Background()

	tests := []struct {
		name    string
		tests   []string
		machine string
		want    Summary
	}{
		{"all machines", []string{"dns", "http", "ntp"}, "", Summary{Passed: 1, Failed: 1}},
		{"latest dns on vm02 passed", []string{"dns"}, "vm02", Summary{Passed: 1}},
		{"vm01 only", []string{"dns", "http", "ntp"}, "vm01", Summary{Passed: 1}},
		{"never ran", []string{"ntp"}, "", Summary{}},
		{"empty", nil, "", Summary{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Summarize(ctx, tt.tests, tt.machine)
			if err != nil {
				t.Fatalf("Summarize failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Summarize() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestSummaryString(t *testing.T) {
	s := Summary{Passed: 5, Failed: 1}
	if got := s.String(); got != "5 of 6 tests passed" {
		t.Errorf("String() = %q", got)
	}
	if s.AllPassed() {
		t.Error("AllPassed() = true with a failure")
	}
}

func TestWeekReports(t *testing.T) {
	r := New(seedHistory(t))

	reports, err := r.WeekReports(context.Background())
	if err != nil {
		t.Fatalf("WeekReports failed: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("got %d weeks, want 2: %+v", len(reports), reports)
	}

	if reports[0].Week != 1 || len(reports[0].Tests) != 1 || reports[0].Tests[0] != "dns" {
		t.Errorf("week 1 = %+v, want only dns (ntp never ran)", reports[0])
	}
	if reports[0].Summary != (Summary{Passed: 1}) {
		t.Errorf("week 1 summary = %+v, want 1 passed", reports[0].Summary)
	}
	if reports[1].Week != 2 || reports[1].Summary != (Summary{Failed: 1}) {
		t.Errorf("week 2 = %+v, want http failed", reports[1])
	}
}

func TestMachineReports(t *testing.T) {
	r := New(seedHistory(t))

	reports, err := r.MachineReports(context.Background())
	if err != nil {
		t.Fatalf("MachineReports failed: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("got %d machines, want 2", len(reports))
	}

	vm02 := reports[1]
	if vm02.Machine != "vm02" {
		t.Fatalf("second machine = %s, want vm02", vm02.Machine)
	}
	if len(vm02.Tests) != 2 {
		t.Errorf("vm02 ran %d tests, want 2", len(vm02.Tests))
	}
	if vm02.Summary != (Summary{Passed: 1, Failed: 1}) {
		t.Errorf("vm02 summary = %+v, want 1 passed 1 failed", vm02.Summary)
	}
}

func TestLastResult_NotFound(t *testing.T) {
	r := New(seedHistory(t))

	if _, err := r.LastResult(context.Background(), "ntp", ""); !db.IsNotFound(err) {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestHistory(t *testing.T) {
	r := New(seedHistory(t))
	ctx := context.Background()

	results, err := r.History(ctx, "dns", "vm02", base, 10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(results) != 2 || results[0].Failed != 0 || results[1].Failed != 1 {
		t.Errorf("results = %+v, want the passing run first", results)
	}

	results, err = r.History(ctx, "dns", "vm02", base, 0)
	if err != nil || len(results) != 0 {
		t.Errorf("History(limit 0) = %v, %v, want empty", results, err)
	}
}

func TestNextScheduledAndRanSince(t *testing.T) {
	database := testutil.NewTestDB(t)
	r := New(database)
	ctx := context.Background()

	_, ok, err := r.NextScheduled(ctx)
	if err != nil {
		t.Fatalf("NextScheduled failed: %v", err)
	}
	if ok {
		t.Error("expected nothing scheduled")
	}

	testutil.SeedSlot(t, database, db.SchedulerActor, base, true)
	testutil.SeedSlot(t, database, db.SchedulerActor, base.Add(15*time.Minute), false)
	testutil.SeedSlot(t, database, db.SchedulerActor, base.Add(30*time.Minute), false)

	next, ok, err := r.NextScheduled(ctx)
	if err != nil {
		t.Fatalf("NextScheduled failed: %v", err)
	}
	if !ok || !next.Equal(base.Add(15*time.Minute)) {
		t.Errorf("NextScheduled() = %v, %v, want %v", next, ok, base.Add(15*time.Minute))
	}

	ran, err := r.RanSince(ctx, base.Add(-time.Minute), base.Add(time.Hour))
	if err != nil {
		t.Fatalf("RanSince failed: %v", err)
	}
	if !ran {
		t.Error("RanSince() = false, want true")
	}

	ran, err = r.RanSince(ctx, base.Add(time.Minute), base.Add(time.Hour))
	if err != nil {
		t.Fatalf("RanSince failed: %v", err)
	}
	if ran {
		t.Error("RanSince() = true for a window with only unrun slots")
	}
}

func TestFormatNext(t *testing.T) {
	now := base

	tests := []struct {
		name string
		next time.Time
		ok   bool
		want string
	}{
		{"nothing scheduled", time.Time{}, false, "never"},
		{"overdue", now.Add(-time.Minute), true, "now"},
		{"exactly now", now, true, "now"},
		{"seconds", now.Add(42 * time.Second), true, "in 42 sec."},
		{"one minute", now.Add(time.Minute), true, "in 1 min."},
		{"minutes truncated", now.Add(14*time.Minute + 59*time.Second), true, "in 14 min."},
		{"under a day", now.Add(23*time.Hour + 59*time.Minute), true, "in 1439 min."},
		{"days", now.Add(2*24*time.Hour + 5*time.Hour), true, "in 2 days"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatNext(tt.next, tt.ok, now); got != tt.want {
				t.Errorf("FormatNext() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatDate(t *testing.T) {
	now := time.Date(2024, 1, 10, 18, 0, 0, 0, time.UTC) // Wednesday

	tests := []struct {
		t    time.Time
		want string
	}{
		{time.Date(2024, 1, 10, 9, 5, 0, 0, time.UTC), "today at 09:05"},
		{time.Date(2024, 1, 9, 23, 59, 0, 0, time.UTC), "yesterday at 23:59"},
		{time.Date(2024, 1, 6, 12, 0, 0, 0, time.UTC), "Saturday at 12:00"},
		{time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC), "on 03.01.2024 at 12:00"},
	}

	for _, tt := range tests {
		if got := FormatDate(tt.t, now); got != tt.want {
			t.Errorf("FormatDate(%v) = %q, want %q", tt.t, got, tt.want)
		}
	}
}
