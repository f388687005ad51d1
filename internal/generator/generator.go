// Package generator materializes the forward-looking grid of schedule slots.
//
// Every pass re-derives the grid from the current time and inserts the slots
// the store does not hold yet, so passes are idempotent and a crashed pass is
// completed by the next one.
package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/livinlefevreloca/testbed/internal/db"
	"github.com/livinlefevreloca/testbed/internal/metrics"
	"github.com/livinlefevreloca/testbed/internal/telemetry"
)

// SlotStore is the part of the store the generator writes to
type SlotStore interface {
	SlotTimes(ctx context.Context, actor string, from, to time.Time) (map[int64]struct{}, error)
	InsertSlot(ctx context.Context, slot *db.ScheduleSlot) error
}

// Generator keeps the schedule populated ahead of time
type Generator struct {
	store  SlotStore
	grid   *Grid
	config Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a generator
func New(store SlotStore, config Config, logger *slog.Logger) (*Generator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	grid, err := ParseGrid(config.Grid, config.Horizon)
	if err != nil {
		return nil, err
	}

	return &Generator{
		store:  store,
		grid:   grid,
		config: config,
		logger: logger.With("component", "generator"),
		now:    time.Now,
	}, nil
}

// WithClock replaces the clock Run reads before each pass
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

// Pass inserts every missing scheduler slot of the window starting at
// StartingTime(now). It returns how many slots were inserted; slots that
// already exist are skipped and duplicate-key races are ignored. Other
// failures are joined into the returned error.
func (g *Generator) Pass(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC()
	start := StartingTime(now)
	times := g.grid.Times(start)

	ctx, span := telemetry.StartPassSpan(ctx, len(times))
	began := time.Now()

	inserted, err := g.fill(ctx, now, start, times)

	telemetry.EndPassSpan(span, inserted, err)
	metrics.RecordGeneratorPass(time.Since(began), err)
	metrics.RecordSlotsCreated(db.SchedulerActor, inserted)

	return inserted, err
}

func (g *Generator) fill(ctx context.Context, now, start time.Time, times []time.Time) (int, error) {
	existing, err := g.store.SlotTimes(ctx, db.SchedulerActor, start, start.Add(g.grid.Horizon()))
	if err != nil {
		metrics.RecordStoreError("slot_times")
		return 0, fmt.Errorf("load existing slots: %w", err)
	}

	var (
		inserted    int
		consecutive int
		errs        []error
	)
	for _, t := range times {
		if _, ok := existing[t.Unix()]; ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		slot := &db.ScheduleSlot{
			ScheduledBy:  db.SchedulerActor,
			ScheduledOn:  now,
			ScheduledFor: t,
		}

		err := g.store.InsertSlot(ctx, slot)
		switch {
		case err == nil:
			inserted++
			consecutive = 0
		case db.IsDuplicate(err):
			consecutive = 0
		default:
			metrics.RecordStoreError("insert_slot")
			g.logger.Debug("failed to insert slot", "scheduled_for", t, "error", err)
			errs = append(errs, fmt.Errorf("insert slot %s: %w", t.Format(time.RFC3339), err))
			consecutive++
		}

		if consecutive >= g.config.MaxInsertFailures {
			errs = append(errs, fmt.Errorf("gave up after %d consecutive insert failures", consecutive))
			break
		}
	}

	return inserted, errors.Join(errs...)
}

// Run executes a pass immediately and then every configured interval until
// ctx is cancelled. Failed passes are logged and retried on the next tick.
func (g *Generator) Run(ctx context.Context) {
	g.logger.Info("schedule generator started",
		"interval", g.config.Interval,
		"horizon", g.config.Horizon,
		"grid", g.config.Grid)

	g.runPass(ctx)

	ticker := time.NewTicker(g.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.logger.Info("schedule generator stopped")
			return
		case <-ticker.C:
			g.runPass(ctx)
		}
	}
}

func (g *Generator) runPass(ctx context.Context) {
	now := g.now()
	inserted, err := g.Pass(ctx, now)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		g.logger.Error("schedule generation pass failed",
			"inserted", inserted,
			"error", err)
		return
	}

	g.logger.Info("schedule generation pass complete",
		"starting_time", StartingTime(now),
		"inserted", inserted)
}
