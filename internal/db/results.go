package db

import (
	"context"
	"database/sql"
	"time"
)

// InsertResult records the outcome of one remote test execution
func (db *DB) InsertResult(ctx context.Context, result *TestResult) error {
	query := `
		INSERT INTO test_results (test, passed, failed, output, date, vm)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := db.exec(ctx, query,
		result.Test,
		result.Passed,
		result.Failed,
		result.Output,
		result.ExecutedAt.UTC(),
		result.Machine,
	)
	return err
}

// LastResult returns the most recent result of test. An empty machine matches
// any machine the test is assigned to.
func (db *DB) LastResult(ctx context.Context, test, machine string) (*TestResult, error) {
	query := `
		SELECT test_results.test, test_results.passed, test_results.failed,
			test_results.output, test_results.date, test_results.vm
		FROM test_results
		INNER JOIN run_on ON test_results.vm = run_on.vm AND test_results.test = run_on.test
		WHERE test_results.test = ?
	`
	args := []any{test}
	if machine != "" {
		query += " AND test_results.vm = ?"
		args = append(args, machine)
	}
	query += " ORDER BY test_results.date DESC LIMIT 1"

	r := &TestResult{}
	err := db.queryRow(ctx, query, args...).Scan(
		&r.Test,
		&r.Passed,
		&r.Failed,
		&r.Output,
		&r.ExecutedAt,
		&r.Machine,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return r, nil
}

// ResultsSince returns results of test on machine executed at or after since,
// newest first
func (db *DB) ResultsSince(ctx context.Context, test, machine string, since time.Time, limit int) ([]TestResult, error) {
	query := `
		SELECT test, passed, failed, output, date, vm
		FROM test_results
		WHERE test = ? AND vm = ? AND date >= ?
		ORDER BY date DESC
		LIMIT ?
	`

	rows, err := db.query(ctx, query, test, machine, since.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []TestResult{}
	for rows.Next() {
		var r TestResult
		if err := rows.Scan(&r.Test, &r.Passed, &r.Failed, &r.Output, &r.ExecutedAt, &r.Machine); err != nil {
			return nil, err
		}
		results = append(results, r)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return results, nil
}
