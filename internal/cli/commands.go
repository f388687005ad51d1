package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/testbed/internal/authz"
	"github.com/livinlefevreloca/testbed/internal/db"
	"github.com/livinlefevreloca/testbed/internal/generator"
	"github.com/livinlefevreloca/testbed/internal/report"
	"github.com/livinlefevreloca/testbed/internal/topology"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := db.OpenWithConfig(cfg.Database)
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer database.Close()
			return migrate(database)
		},
	}
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <fleet.yaml>",
		Short: "Load machines, tests and users from a fleet file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fleet, err := topology.Load(args[0])
			if err != nil {
				return err
			}

			database, err := openStore()
			if err != nil {
				return err
			}
			defer database.Close()

			return importFleet(cmd.Context(), cmd.OutOrStdout(), database, fleet)
		},
	}
}

func importFleet(ctx context.Context, out io.Writer, database *db.DB, fleet *topology.Fleet) error {
	stats, err := topology.Apply(ctx, database, fleet)
	if err != nil {
		return fmt.Errorf("import fleet: %w", err)
	}

	fmt.Fprintf(out, "Imported %d vms, %d tests, %d assignments, %d users\n",
		stats.VMs, stats.Tests, stats.Assignments, stats.Users)
	return nil
}

func newScheduleCmd() *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Schedule a test round for the current time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := openStore()
			if err != nil {
				return err
			}
			defer database.Close()

			return scheduleNow(cmd.Context(), cmd.OutOrStdout(), database, user, time.Now())
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "User requesting the round (must be an admin)")
	cmd.MarkFlagRequired("user")

	return cmd
}

func scheduleNow(ctx context.Context, out io.Writer, database *db.DB, user string, now time.Time) error {
	actor, err := authz.Lookup(ctx, database, user)
	if err != nil {
		return err
	}

	gen, err := generator.New(database, cfg.Generator, logger)
	if err != nil {
		return err
	}

	slot, err := gen.ScheduleNow(ctx, actor, now)
	switch {
	case errors.Is(err, generator.ErrNotAuthorized):
		return fmt.Errorf("user %q is not known", user)
	case errors.Is(err, generator.ErrNotAdmin):
		return fmt.Errorf("user %q may not schedule test rounds", user)
	case err != nil:
		return err
	}

	fmt.Fprintf(out, "Scheduled a test round at %s by %s\n",
		slot.ScheduledFor.UTC().Format(time.RFC3339), slot.ScheduledBy)
	return nil
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the next scheduled round and the latest results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := openStore()
			if err != nil {
				return err
			}
			defer database.Close()

			return printStatus(cmd.Context(), cmd.OutOrStdout(), report.New(database), time.Now())
		},
	}
}

func printStatus(ctx context.Context, out io.Writer, r *report.Reporter, now time.Time) error {
	next, ok, err := r.NextScheduled(ctx)
	if err != nil {
		return fmt.Errorf("load schedule: %w", err)
	}
	fmt.Fprintf(out, "Next round: %s\n", report.FormatNext(next, ok, now))

	weeks, err := r.WeekReports(ctx)
	if err != nil {
		return fmt.Errorf("load weeks: %w", err)
	}
	if len(weeks) == 0 {
		fmt.Fprintln(out, "No results yet")
		return nil
	}

	fmt.Fprintln(out, "Weeks:")
	for _, w := range weeks {
		fmt.Fprintf(out, "  week %d: %s\n", w.Week, w.Summary)
	}

	machines, err := r.MachineReports(ctx)
	if err != nil {
		return fmt.Errorf("load machines: %w", err)
	}

	fmt.Fprintln(out, "Machines:")
	for _, m := range machines {
		fmt.Fprintf(out, "  %s: %s\n", m.Machine, m.Summary)
	}
	return nil
}
