package generator

import (
	"fmt"
	"time"
)

// Config defines how far ahead and how often the schedule is materialized
type Config struct {
	// Time between generation passes
	Interval time.Duration `toml:"interval"`

	// How far past the starting slot to materialize
	Horizon time.Duration `toml:"horizon"`

	// Slot grid: "@every <duration>" or a standard five-field cron expression
	Grid string `toml:"grid"`

	// Consecutive insert failures after which a pass gives up
	MaxInsertFailures int `toml:"max_insert_failures"`
}

// DefaultConfig returns a 15 minute grid covering 100 days
func DefaultConfig() Config {
	return Config{
		Interval:          15 * time.Minute,
		Horizon:           100 * 24 * time.Hour,
		Grid:              "@every 15m",
		MaxInsertFailures: 10,
	}
}

// Validate checks the generator configuration
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("generator interval must be positive, got %v", c.Interval)
	}
	if c.MaxInsertFailures <= 0 {
		return fmt.Errorf("generator max_insert_failures must be positive, got %d", c.MaxInsertFailures)
	}
	if _, err := ParseGrid(c.Grid, c.Horizon); err != nil {
		return fmt.Errorf("generator: %w", err)
	}
	return nil
}
