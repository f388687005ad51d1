// Package cli implements the testbed command line.
package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/testbed/internal/config"
	"github.com/livinlefevreloca/testbed/internal/db"
	"github.com/livinlefevreloca/testbed/internal/db/migrations"
	"github.com/livinlefevreloca/testbed/internal/logging"
	"github.com/livinlefevreloca/testbed/tools/migrator"
)

// Version is stamped at build time
var Version = "dev"

var (
	flagConfig   string
	flagLogLevel string

	cfg    *config.Config
	logger *slog.Logger
)

// NewRootCmd creates the root cobra command for the testbed CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "testbed",
		Short: "Scheduled remote test execution for a fleet of machines",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setup(cmd.ErrOrStderr())
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to configuration file (TOML)")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Override the configured log level")

	root.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newImportCmd(),
		newScheduleCmd(),
		newStatusCmd(),
	)

	return root
}

func setup(logOut io.Writer) error {
	loaded, err := config.LoadConfig(flagConfig)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if flagLogLevel != "" {
		loaded.Logging.Level = flagLogLevel
	}
	if err := loaded.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	l, err := logging.New(logOut, loaded.Logging)
	if err != nil {
		return err
	}
	slog.SetDefault(l)

	cfg, logger = loaded, l
	return nil
}

// openStore connects to the configured database and applies pending migrations
func openStore() (*db.DB, error) {
	logger.Info("connecting to database", "driver", cfg.Database.Driver)
	database, err := db.OpenWithConfig(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if cfg.Database.SkipMigrations {
		logger.Info("skipping migrations", "reason", "configured to skip")
		return database, nil
	}

	if err := migrate(database); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}

func migrate(database *db.DB) error {
	if err := migrator.RunMigrations(database.DB, database.Driver(), migrations.Files); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	version, err := migrator.GetCurrentVersion(database.DB)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}
	logger.Info("database schema ready", "version", version)
	return nil
}
