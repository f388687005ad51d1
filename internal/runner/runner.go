// Package runner executes one test on one machine and records its result.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/livinlefevreloca/testbed/internal/classify"
	"github.com/livinlefevreloca/testbed/internal/db"
	"github.com/livinlefevreloca/testbed/internal/metrics"
	"github.com/livinlefevreloca/testbed/internal/remote"
	"github.com/livinlefevreloca/testbed/internal/telemetry"
)

// ResultStore persists test results
type ResultStore interface {
	InsertResult(ctx context.Context, result *db.TestResult) error
}

// Config defines how remote test programs are invoked
type Config struct {
	// Command template; {test} and {machine} are substituted
	Command string `toml:"command"`

	// Per-execution timeout, 0 disables it
	Timeout time.Duration `toml:"timeout"`
}

// DefaultConfig returns the invocation used by the fleet's test programs
func DefaultConfig() Config {
	return Config{
		Command: "python3.7 /root/tests/{test}.py",
		Timeout: 30 * time.Minute,
	}
}

// Validate checks the runner configuration
func (c Config) Validate() error {
	if !strings.Contains(c.Command, "{test}") {
		return fmt.Errorf("runner command must contain {test}, got %q", c.Command)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("runner timeout must not be negative, got %v", c.Timeout)
	}
	return nil
}

// Runner executes tests over a remote channel
type Runner struct {
	channel remote.Channel
	store   ResultStore
	config  Config
	logger  *slog.Logger
	now     func() time.Time
}

// Outcome is the recorded result of one run and whether its counts are the
// fallback for an execution that produced no usable output
type Outcome struct {
	*db.TestResult
	Fallback bool
}

// New creates a runner
func New(channel remote.Channel, store ResultStore, config Config, logger *slog.Logger) *Runner {
	return &Runner{
		channel: channel,
		store:   store,
		config:  config,
		logger:  logger.With("component", "runner"),
		now:     time.Now,
	}
}

// WithClock replaces the clock used to stamp results
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// Command returns the remote command line for an assignment
func (r *Runner) Command(a db.WorkAssignment) string {
	return strings.NewReplacer("{test}", a.Test, "{machine}", a.Machine).Replace(r.config.Command)
}

// Run executes the assignment's test and records exactly one result for it.
// Remote failures are folded into the recorded result; the returned error
// only reports a result that could not be persisted.
func (r *Runner) Run(ctx context.Context, a db.WorkAssignment) (*Outcome, error) {
	ctx, span := telemetry.StartRunSpan(ctx, a.Test, a.Machine)
	start := time.Now()

	metrics.ActiveRuns.Inc()

	execCtx, cancel := ctx, context.CancelFunc(func() {})
	if r.config.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, r.config.Timeout)
	}
	res, execErr := r.channel.Exec(execCtx, a.Machine, r.Command(a))
	cancel()
	metrics.ActiveRuns.Dec()

	output := CombineOutput(res.Stdout, res.Stderr)
	exitStatus := res.ExitStatus
	if execErr != nil {
		if exitStatus == 0 {
			exitStatus = -1
		}
		if output != "" && !strings.HasSuffix(output, "\n") {
			output += "\n"
		}
		output += execErr.Error()

		r.logger.Warn("remote execution failed",
			"test", a.Test,
			"machine", a.Machine,
			"error", execErr)
	}

	counts := classify.Classify(output, exitStatus)
	result := &db.TestResult{
		Test:       a.Test,
		Machine:    a.Machine,
		Passed:     counts.Passed,
		Failed:     counts.Failed,
		Output:     output,
		ExecutedAt: r.now().UTC(),
	}
	out := &Outcome{TestResult: result, Fallback: counts.IsFallback()}

	duration := time.Since(start)
	telemetry.EndRunSpan(span, counts.Passed, counts.Failed, exitStatus, execErr)
	metrics.RecordTestRun(a.Test, a.Machine, outcome(counts), duration)

	// A shutdown must not drop a result that was already produced
	if err := r.persist(context.WithoutCancel(ctx), result); err != nil {
		metrics.RecordStoreError("insert_result")
		r.logger.Error("failed to record test result",
			"test", a.Test,
			"machine", a.Machine,
			"error", err)
		return out, fmt.Errorf("record result of %s on %s: %w", a.Test, a.Machine, err)
	}

	r.logger.Info("test executed",
		"test", a.Test,
		"machine", a.Machine,
		"passed", result.Passed,
		"failed", result.Failed,
		"exit_status", exitStatus,
		"duration", duration)

	return out, nil
}

// persist inserts the result, moving it one second later if another result
// of the same test and machine already holds its timestamp
func (r *Runner) persist(ctx context.Context, result *db.TestResult) error {
	err := r.store.InsertResult(ctx, result)
	if !db.IsDuplicate(err) {
		return err
	}

	result.ExecutedAt = result.ExecutedAt.Add(time.Second)
	return r.store.InsertResult(ctx, result)
}

func outcome(c classify.Counts) string {
	switch {
	case c.IsFallback():
		return "fallback"
	case c.Failed > 0:
		return "failed"
	default:
		return "passed"
	}
}
