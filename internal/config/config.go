package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/livinlefevreloca/testbed/internal/api"
	"github.com/livinlefevreloca/testbed/internal/db"
	"github.com/livinlefevreloca/testbed/internal/dispatch"
	"github.com/livinlefevreloca/testbed/internal/generator"
	"github.com/livinlefevreloca/testbed/internal/logging"
	"github.com/livinlefevreloca/testbed/internal/remote"
	"github.com/livinlefevreloca/testbed/internal/runner"
	"github.com/livinlefevreloca/testbed/internal/telemetry"
)

// Config represents the application configuration
type Config struct {
	Database   db.Config        `toml:"database"`
	Generator  generator.Config `toml:"generator"`
	Dispatcher dispatch.Config  `toml:"dispatcher"`
	Runner     runner.Config    `toml:"runner"`
	Remote     remote.Config    `toml:"remote"`
	HTTP       api.Config       `toml:"http"`
	Metrics    MetricsConfig    `toml:"metrics"`
	Tracing    telemetry.Config `toml:"tracing"`
	Logging    logging.Config   `toml:"logging"`
}

// MetricsConfig controls the prometheus endpoint on the HTTP listener
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Database: db.Config{
			Driver:          "sqlite3",
			DSN:             "testbed.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			SkipMigrations:  false,
		},
		Generator:  generator.DefaultConfig(),
		Dispatcher: dispatch.DefaultConfig(),
		Runner:     runner.DefaultConfig(),
		Remote:     remote.DefaultConfig(),
		HTTP:       api.DefaultConfig(),
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: telemetry.DefaultConfig(),
		Logging: logging.DefaultConfig(),
	}
}

// MetricsPath is the route the registry is served on, empty when disabled
func (c *Config) MetricsPath() string {
	if !c.Metrics.Enabled {
		return ""
	}
	return c.Metrics.Path
}

// LoadFromFile loads configuration from a TOML file
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	md, err := toml.DecodeFile(path, config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	return config, nil
}

// LoadConfig loads configuration with the following precedence:
// 1. Default values
// 2. Config file (if specified)
// 3. Command-line flags (handled by caller)
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		return DefaultConfig(), nil
	}
	return LoadFromFile(configPath)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Database.Driver == "" {
		return fmt.Errorf("database driver must be specified")
	}
	if err := db.ValidateDriver(c.Database.Driver); err != nil {
		return err
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN must be specified")
	}

	if err := c.Generator.Validate(); err != nil {
		return err
	}
	if err := c.Dispatcher.Validate(); err != nil {
		return err
	}
	if err := c.Runner.Validate(); err != nil {
		return err
	}
	if err := c.Remote.Validate(); err != nil {
		return err
	}
	if err := c.HTTP.Validate(); err != nil {
		return err
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics path must start with /, got %q", c.Metrics.Path)
	}

	if err := c.Tracing.Validate(); err != nil {
		return err
	}
	if err := c.Logging.Validate(); err != nil {
		return err
	}

	return nil
}
