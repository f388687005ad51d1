package cli

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/livinlefevreloca/testbed/internal/api"
	"github.com/livinlefevreloca/testbed/internal/dispatch"
	"github.com/livinlefevreloca/testbed/internal/generator"
	"github.com/livinlefevreloca/testbed/internal/remote"
	"github.com/livinlefevreloca/testbed/internal/report"
	"github.com/livinlefevreloca/testbed/internal/runner"
	"github.com/livinlefevreloca/testbed/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the schedule generator, the dispatcher and the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	logger.Info("starting testbed", "version", Version)

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.Tracing, Version)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("failed to flush traces", "error", err)
		}
	}()

	database, err := openStore()
	if err != nil {
		return err
	}
	defer database.Close()

	channel, err := remote.New(cfg.Remote)
	if err != nil {
		return err
	}
	if closer, ok := channel.(io.Closer); ok {
		defer closer.Close()
	}
	logger.Info("remote channel ready", "transport", cfg.Remote.Transport)

	gen, err := generator.New(database, cfg.Generator, logger)
	if err != nil {
		return err
	}
	run := runner.New(channel, database, cfg.Runner, logger)
	disp, err := dispatch.New(database, run, cfg.Dispatcher, logger)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		gen.Run(ctx)
		return nil
	})
	g.Go(func() error {
		disp.Run(ctx)
		return nil
	})

	if cfg.HTTP.Enabled {
		srv := api.New(report.New(database), database, logger, api.WithMetricsPath(cfg.MetricsPath()))
		g.Go(func() error {
			return srv.ListenAndServe(ctx, cfg.HTTP)
		})
	}

	logger.Info("testbed is running")
	err = g.Wait()
	logger.Info("shutting down gracefully")
	return err
}
