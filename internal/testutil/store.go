package testutil

import (
	"context"
	"slices"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/livinlefevreloca/testbed/internal/db"
	"github.com/livinlefevreloca/testbed/internal/db/migrations"
	"github.com/livinlefevreloca/testbed/tools/migrator"
)

// NewTestDB opens an in-memory sqlite store with every migration applied
func NewTestDB(t *testing.T) *db.DB {
	t.Helper()

	database, err := db.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := migrator.RunMigrations(database.DB, database.Driver(), migrations.Files); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	return database
}

// SeedFleet registers machines, tests and the assignments between them.
// assignments maps a test name to the machines it runs on; tests are placed
// in week 1 in name order.
func SeedFleet(t *testing.T, database *db.DB, machines []string, assignments map[string][]string) {
	t.Helper()

	tests := make([]string, 0, len(assignments))
	for test := range assignments {
		tests = append(tests, test)
	}
	slices.Sort(tests)

	ctx := context.Background()
	err := database.WithTransaction(ctx, func(tx *db.Tx) error {
		for _, vm := range machines {
			if err := tx.AddVM(ctx, vm); err != nil {
				return err
			}
		}
		for i, test := range tests {
			if err := tx.PutWeek(ctx, db.Week{Test: test, Week: 1, WeekNum: i + 1}); err != nil {
				return err
			}
			for _, vm := range assignments[test] {
				if err := tx.AddAssignment(ctx, db.WorkAssignment{Test: test, Machine: vm}); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("failed to seed fleet: %v", err)
	}
}

// SeedSlot inserts a slot for actor at the given time
func SeedSlot(t *testing.T, database *db.DB, actor string, at time.Time, run bool) {
	t.Helper()

	slot := &db.ScheduleSlot{
		ScheduledBy:  actor,
		ScheduledOn:  at,
		ScheduledFor: at,
		Run:          run,
	}
	if err := database.InsertSlot(context.Background(), slot); err != nil {
		t.Fatalf("failed to seed slot at %v: %v", at, err)
	}
}

// SeedUser registers a user
func SeedUser(t *testing.T, database *db.DB, username string, admin bool) {
	t.Helper()

	ctx := context.Background()
	err := database.WithTransaction(ctx, func(tx *db.Tx) error {
		return tx.PutUser(ctx, db.User{Username: username, Admin: admin})
	})
	if err != nil {
		t.Fatalf("failed to seed user %s: %v", username, err)
	}
}

// SeedResult inserts a test result
func SeedResult(t *testing.T, database *db.DB, result db.TestResult) {
	t.Helper()

	if err := database.InsertResult(context.Background(), &result); err != nil {
		t.Fatalf("failed to seed result of %s on %s: %v", result.Test, result.Machine, err)
	}
}
