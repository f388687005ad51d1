// Package dispatch polls the store for due work and fans it out to runners.
//
// A cycle reads every due assignment at a fixed instant, runs one task per
// assignment concurrently, waits for all of them and only then marks the
// due slots as run using the same instant. Work that became due while the
// batch was running is left for the next cycle.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/livinlefevreloca/testbed/internal/db"
	"github.com/livinlefevreloca/testbed/internal/metrics"
	"github.com/livinlefevreloca/testbed/internal/runner"
	"github.com/livinlefevreloca/testbed/internal/telemetry"
)

// Store is the part of the store the dispatcher reads and updates
type Store interface {
	DueAssignments(ctx context.Context, now time.Time) ([]db.WorkAssignment, error)
	MarkSlotsRun(ctx context.Context, now time.Time) (int64, error)
}

// Executor runs one assignment to completion and records its result
type Executor interface {
	Run(ctx context.Context, a db.WorkAssignment) (*runner.Outcome, error)
}

// Config defines the dispatcher's polling and admission settings
type Config struct {
	// Time to sleep between cycles
	PollInterval time.Duration `toml:"poll_interval"`

	// Upper bound on concurrent executions per cycle, 0 for unlimited
	MaxConcurrentRuns int `toml:"max_concurrent_runs"`
}

// DefaultConfig returns a 5 second poll with unlimited fan-out
func DefaultConfig() Config {
	return Config{
		PollInterval:      5 * time.Second,
		MaxConcurrentRuns: 0,
	}
}

// Validate checks the dispatcher configuration
func (c Config) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("dispatcher poll_interval must be positive, got %v", c.PollInterval)
	}
	if c.MaxConcurrentRuns < 0 {
		return fmt.Errorf("dispatcher max_concurrent_runs must not be negative, got %d", c.MaxConcurrentRuns)
	}
	return nil
}

// CycleResult summarizes one dispatch cycle
type CycleResult struct {
	ID string

	// Assignments dispatched
	Pairs int

	// Tasks whose result could not be recorded
	Failures int

	// Recorded results that fell back to the dummy failure
	Fallbacks int

	SlotsMarked int64
}

// Dispatcher runs due work on a fixed poll interval
type Dispatcher struct {
	store    Store
	executor Executor
	config   Config
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a dispatcher
func New(store Store, executor Executor, config Config, logger *slog.Logger) (*Dispatcher, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Dispatcher{
		store:    store,
		executor: executor,
		config:   config,
		logger:   logger.With("component", "dispatcher"),
		now:      time.Now,
	}, nil
}

// WithClock replaces the clock read at the start of each cycle
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Cycle performs one poll, dispatch and mark round at instant now.
//
// A failure to read due work is returned and nothing is dispatched. A failure
// to mark slots is returned after every task has finished; the slots stay
// unrun and are dispatched again by a later cycle.
func (d *Dispatcher) Cycle(ctx context.Context, now time.Time) (CycleResult, error) {
	result := CycleResult{ID: uuid.NewString()}

	ctx, span := telemetry.StartCycleSpan(ctx, result.ID)

	due, err := d.store.DueAssignments(ctx, now)
	if err != nil {
		err = fmt.Errorf("query due assignments: %w", err)
		metrics.RecordStoreError("due_assignments")
		metrics.RecordCycle("error", 0)
		telemetry.EndCycleSpan(span, 0, 0, 0, err)
		return result, err
	}

	if len(due) == 0 {
		metrics.RecordCycle("idle", 0)
		telemetry.EndCycleSpan(span, 0, 0, 0, nil)
		return result, nil
	}

	result.Pairs = len(due)
	d.logger.Info("dispatching due work",
		"cycle_id", result.ID,
		"pairs", len(due),
		"now", now)

	var failures, fallbacks atomic.Int64

	// Tasks never return an error so one failure cannot cancel its siblings
	var g errgroup.Group
	if d.config.MaxConcurrentRuns > 0 {
		g.SetLimit(d.config.MaxConcurrentRuns)
	}

	for _, a := range due {
		a := a
		g.Go(func() error {
			defer func() {
				if p := recover(); p != nil {
					failures.Add(1)
					d.logger.Error("runner panicked",
						"cycle_id", result.ID,
						"test", a.Test,
						"machine", a.Machine,
						"panic", p)
				}
			}()

			res, err := d.executor.Run(ctx, a)
			if err != nil {
				failures.Add(1)
				d.logger.Error("run failed",
					"cycle_id", result.ID,
					"test", a.Test,
					"machine", a.Machine,
					"error", err)
			}
			if res != nil && res.Fallback {
				fallbacks.Add(1)
			}
			return nil
		})
	}

	g.Wait()

	result.Failures = int(failures.Load())
	result.Fallbacks = int(fallbacks.Load())

	// Every task was attempted; marking must not be skipped because of a shutdown
	marked, err := d.store.MarkSlotsRun(context.WithoutCancel(ctx), now)
	if err != nil {
		err = fmt.Errorf("mark slots run: %w", err)
		metrics.RecordStoreError("mark_slots_run")
		metrics.RecordCycle("dispatched", result.Pairs)
		telemetry.EndCycleSpan(span, result.Pairs, result.Failures, 0, err)
		return result, err
	}

	result.SlotsMarked = marked
	metrics.RecordSlotsMarked(marked)
	metrics.RecordCycle("dispatched", result.Pairs)
	telemetry.EndCycleSpan(span, result.Pairs, result.Failures, marked, nil)

	return result, nil
}

// Run cycles until ctx is cancelled, sleeping the poll interval after each
// cycle. A cycle in flight when ctx is cancelled finishes before Run returns.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("dispatcher started",
		"poll_interval", d.config.PollInterval,
		"max_concurrent_runs", d.config.MaxConcurrentRuns)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped")
			return
		case <-timer.C:
		}

		result, err := d.Cycle(ctx, d.now())
		switch {
		case err != nil:
			d.logger.Error("dispatch cycle failed",
				"cycle_id", result.ID,
				"pairs", result.Pairs,
				"error", err)
		case result.Pairs > 0:
			d.logger.Info("dispatch cycle complete",
				"cycle_id", result.ID,
				"pairs", result.Pairs,
				"failures", result.Failures,
				"fallbacks", result.Fallbacks,
				"slots_marked", result.SlotsMarked)
		default:
			d.logger.Debug("no due work", "cycle_id", result.ID)
		}

		timer.Reset(d.config.PollInterval)
	}
}
