package db

import (
	"context"
	"database/sql"
)

// =============================================================================
// Topology Operations (vms, weeks, run_on)
// =============================================================================

// AddVM registers a machine. Registering a known machine is a no-op.
func (tx *Tx) AddVM(ctx context.Context, vm string) error {
	known, err := tx.exists(ctx, `SELECT COUNT(*) FROM vms WHERE vm = ?`, vm)
	if err != nil || known {
		return err
	}
	_, err = tx.exec(ctx, `INSERT INTO vms (vm) VALUES (?)`, vm)
	return err
}

// PutWeek registers a test in its reporting week, moving a known test to the
// given week
func (tx *Tx) PutWeek(ctx context.Context, w Week) error {
	known, err := tx.exists(ctx, `SELECT COUNT(*) FROM weeks WHERE test = ?`, w.Test)
	if err != nil {
		return err
	}
	if known {
		_, err = tx.exec(ctx, `UPDATE weeks SET week = ?, week_num = ? WHERE test = ?`, w.Week, w.WeekNum, w.Test)
		return err
	}
	_, err = tx.exec(ctx, `INSERT INTO weeks (test, week, week_num) VALUES (?, ?, ?)`, w.Test, w.Week, w.WeekNum)
	return err
}

// AddAssignment records that test runs on machine. Known pairs are ignored.
func (tx *Tx) AddAssignment(ctx context.Context, a WorkAssignment) error {
	known, err := tx.exists(ctx, `SELECT COUNT(*) FROM run_on WHERE test = ? AND vm = ?`, a.Test, a.Machine)
	if err != nil || known {
		return err
	}
	_, err = tx.exec(ctx, `INSERT INTO run_on (test, vm) VALUES (?, ?)`, a.Test, a.Machine)
	return err
}

func (tx *Tx) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var n int
	if err := tx.QueryRowContext(ctx, tx.db.rebind(query), args...).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// Assignments returns every configured work assignment
func (db *DB) Assignments(ctx context.Context) ([]WorkAssignment, error) {
	rows, err := db.query(ctx, `SELECT test, vm FROM run_on ORDER BY test, vm`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	assignments := []WorkAssignment{}
	for rows.Next() {
		var a WorkAssignment
		if err := rows.Scan(&a.Test, &a.Machine); err != nil {
			return nil, err
		}
		assignments = append(assignments, a)
	}

	return assignments, rows.Err()
}

// Weeks returns the weeks that contain at least one assigned test
func (db *DB) Weeks(ctx context.Context) ([]int, error) {
	query := `
		SELECT week FROM weeks
		WHERE EXISTS (SELECT 1 FROM run_on WHERE weeks.test = run_on.test)
		GROUP BY week
		ORDER BY week
	`
	return db.queryInts(ctx, query)
}

// TestsInWeek returns the tests of week that have been executed at least
// once, most recently executed first
func (db *DB) TestsInWeek(ctx context.Context, week int) ([]string, error) {
	query := `
		SELECT weeks.test FROM weeks
		INNER JOIN run_on ON weeks.test = run_on.test
		INNER JOIN test_results ON weeks.test = test_results.test AND run_on.vm = test_results.vm
		WHERE weeks.week = ?
		GROUP BY weeks.test
		ORDER BY MAX(test_results.date) DESC
	`
	return db.queryStrings(ctx, query, week)
}

// MachinesWithResults returns the machines on which at least one assigned test
// has run
func (db *DB) MachinesWithResults(ctx context.Context) ([]string, error) {
	query := `
		SELECT DISTINCT vms.vm FROM vms
		INNER JOIN run_on ON vms.vm = run_on.vm
		INNER JOIN test_results ON run_on.vm = test_results.vm AND run_on.test = test_results.test
		ORDER BY vms.vm ASC
	`
	return db.queryStrings(ctx, query)
}

// TestsOfMachine returns the tests that have run on machine with their week
func (db *DB) TestsOfMachine(ctx context.Context, machine string) ([]MachineTest, error) {
	query := `
		SELECT DISTINCT weeks.week, test_results.test FROM test_results
		INNER JOIN run_on ON test_results.vm = run_on.vm AND test_results.test = run_on.test
		INNER JOIN weeks ON test_results.test = weeks.test
		WHERE test_results.vm = ?
		ORDER BY weeks.week ASC, test_results.test ASC
	`

	rows, err := db.query(ctx, query, machine)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tests := []MachineTest{}
	for rows.Next() {
		var mt MachineTest
		if err := rows.Scan(&mt.Week, &mt.Test); err != nil {
			return nil, err
		}
		tests = append(tests, mt)
	}

	return tests, rows.Err()
}

// =============================================================================
// Users
// =============================================================================

// PutUser registers an actor, updating the admin flag of a known one.
// Passwords are not managed here; new users get a locked hash.
func (tx *Tx) PutUser(ctx context.Context, u User) error {
	known, err := tx.exists(ctx, `SELECT COUNT(*) FROM users WHERE username = ?`, u.Username)
	if err != nil {
		return err
	}
	if known {
		_, err = tx.exec(ctx, `UPDATE users SET admin = ? WHERE username = ?`, u.Admin, u.Username)
		return err
	}
	_, err = tx.exec(ctx, `INSERT INTO users (username, admin, pw_hash) VALUES (?, ?, ?)`, u.Username, u.Admin, LockedPassword)
	return err
}

// GetUser retrieves a user by name
func (db *DB) GetUser(ctx context.Context, username string) (*User, error) {
	u := &User{}
	err := db.queryRow(ctx, `SELECT username, admin FROM users WHERE username = ?`, username).Scan(&u.Username, &u.Admin)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (db *DB) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := db.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}

	return out, rows.Err()
}

func (db *DB) queryInts(ctx context.Context, query string, args ...any) ([]int, error) {
	rows, err := db.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []int{}
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}

	return out, rows.Err()
}
