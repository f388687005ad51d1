package db

import (
	"context"
	"database/sql"
	"time"
)

// =============================================================================
// Schedule Slot Operations
// =============================================================================

// InsertSlot creates a schedule slot. A slot that already exists for the same
// actor and target time fails with an error for which IsDuplicate is true.
func (db *DB) InsertSlot(ctx context.Context, slot *ScheduleSlot) error {
	query := `
		INSERT INTO test_schedule (by_user, scheduled_on, scheduled_for, run)
		VALUES (?, ?, ?, ?)
	`

	_, err := db.exec(ctx, query,
		slot.ScheduledBy,
		slot.ScheduledOn.UTC(),
		slot.ScheduledFor.UTC(),
		slot.Run,
	)
	return err
}

// SlotTimes returns the target times actor has scheduled within [from, to),
// keyed by unix seconds
func (db *DB) SlotTimes(ctx context.Context, actor string, from, to time.Time) (map[int64]struct{}, error) {
	query := `
		SELECT scheduled_for FROM test_schedule
		WHERE by_user = ? AND scheduled_for >= ? AND scheduled_for < ?
	`

	rows, err := db.query(ctx, query, actor, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	times := make(map[int64]struct{})
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		times[t.Unix()] = struct{}{}
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return times, nil
}

// GetSlot retrieves a slot by actor and target time
func (db *DB) GetSlot(ctx context.Context, actor string, at time.Time) (*ScheduleSlot, error) {
	slot := &ScheduleSlot{}

	query := `
		SELECT by_user, scheduled_on, scheduled_for, run
		FROM test_schedule
		WHERE by_user = ? AND scheduled_for = ?
	`

	err := db.queryRow(ctx, query, actor, at.UTC()).Scan(
		&slot.ScheduledBy,
		&slot.ScheduledOn,
		&slot.ScheduledFor,
		&slot.Run,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return slot, nil
}

// CountSlots returns how many slots actor has created
func (db *DB) CountSlots(ctx context.Context, actor string) (int, error) {
	var n int
	err := db.queryRow(ctx, `SELECT COUNT(*) FROM test_schedule WHERE by_user = ?`, actor).Scan(&n)
	return n, err
}

// DueAssignments returns every work assignment when at least one slot, by any
// actor, is due at now and not yet marked run. The result is empty otherwise.
func (db *DB) DueAssignments(ctx context.Context, now time.Time) ([]WorkAssignment, error) {
	query := `
		SELECT run_on.test, run_on.vm FROM run_on
		WHERE EXISTS (
			SELECT 1 FROM test_schedule
			WHERE scheduled_for <= ? AND run = ?
		)
		ORDER BY run_on.test, run_on.vm
	`

	rows, err := db.query(ctx, query, now.UTC(), false)
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

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return assignments, nil
}

// MarkSlotsRun flips every unrun slot due at now to run and returns how many
// rows changed. The run = false guard keeps the flag monotonic when several
// dispatchers race on the same rows.
func (db *DB) MarkSlotsRun(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE test_schedule
		SET run = ?
		WHERE scheduled_for <= ? AND run = ?
	`

	result, err := db.exec(ctx, query, true, now.UTC(), false)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// NextUnrunSlot returns the earliest slot target time not yet marked run.
// Returns ErrNotFound when nothing is scheduled.
func (db *DB) NextUnrunSlot(ctx context.Context) (time.Time, error) {
	query := `
		SELECT scheduled_for FROM test_schedule
		WHERE run = ?
		ORDER BY scheduled_for ASC
		LIMIT 1
	`

	var t time.Time
	err := db.queryRow(ctx, query, false).Scan(&t)
	if err == sql.ErrNoRows {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, err
	}

	return t.UTC(), nil
}

// SlotsRunSince reports whether any slot targeted within [since, now] has
// been marked run
func (db *DB) SlotsRunSince(ctx context.Context, since, now time.Time) (bool, error) {
	query := `
		SELECT COUNT(*) FROM test_schedule
		WHERE scheduled_for >= ? AND scheduled_for <= ? AND run = ?
	`

	var n int
	if err := db.queryRow(ctx, query, since.UTC(), now.UTC(), true).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}
