// Package api serves the read-only HTTP view of the testbed: the latest
// results per week and machine, the next scheduled slot and the metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/livinlefevreloca/testbed/internal/metrics"
	"github.com/livinlefevreloca/testbed/internal/report"
)

// Config holds HTTP listener configuration
type Config struct {
	Enabled         bool          `toml:"enabled"`
	Address         string        `toml:"address"`
	Port            int           `toml:"port"`
	ReadTimeout     time.Duration `toml:"read_timeout"`
	WriteTimeout    time.Duration `toml:"write_timeout"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

// DefaultConfig returns the default listener settings
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		Address:         "0.0.0.0",
		Port:            8080,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Validate checks the listener settings
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("http port must be between 1 and 65535, got %d", c.Port)
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.ShutdownTimeout < 0 {
		return fmt.Errorf("http timeouts must not be negative")
	}
	return nil
}

// Addr is the host:port the server listens on
func (c Config) Addr() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}

// Pinger checks the store connection
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Server is the HTTP API server
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	reporter  *report.Reporter
	store     Pinger
	startTime time.Time
	now       func() time.Time

	metricsPath string
}

// Option configures optional Server dependencies
type Option func(*Server)

// WithClock replaces the clock used for relative times
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// WithMetricsPath serves the prometheus registry at path; empty disables it
func WithMetricsPath(path string) Option {
	return func(s *Server) {
		s.metricsPath = path
	}
}

// New creates a Server with all routes registered
func New(reporter *report.Reporter, store Pinger, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "api"),
		reporter:  reporter,
		store:     store,
		startTime: time.Now(),
		now:       time.Now,

		metricsPath: "/metrics",
	}
	for _, opt := range opts {
		opt(s)
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Get("/healthz", s.handleHealth)
	if s.metricsPath != "" {
		r.Method(http.MethodGet, s.metricsPath, metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)

		r.Get("/weeks", s.handleWeeks)
		r.Get("/weeks/{week}/tests", s.handleWeekTests)

		r.Get("/vms", s.handleMachines)
		r.Get("/vms/{vm}/tests", s.handleMachineTests)
		r.Get("/vms/{vm}/tests/{test}/history", s.handleHistory)

		r.Get("/tests/{test}/last", s.handleLastResult)

		r.Get("/schedule/next", s.handleNextScheduled)
		r.Get("/schedule/ran", s.handleRanSince)
	})
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context, config Config) error {
	srv := &http.Server{
		Addr:         config.Addr(),
		Handler:      s,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("http server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}
