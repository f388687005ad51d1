// Package metrics defines the Prometheus metrics exported by testbed.
//
// Every collector is registered on Registry, which the HTTP API serves on
// /metrics. Names carry the testbed_ prefix, counters end in _total and
// duration histograms in _seconds.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every testbed collector plus the Go runtime and process collectors
var Registry = prometheus.NewRegistry()

var (
	// SlotsCreatedTotal counts schedule slots inserted, by actor kind.
	SlotsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "testbed_slots_created_total",
			Help: "Total schedule slots inserted.",
		},
		[]string{"actor"},
	)

	// GeneratorPassesTotal counts generator passes by outcome.
	GeneratorPassesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "testbed_generator_passes_total",
			Help: "Total schedule generator passes by status.",
		},
		[]string{"status"},
	)

	GeneratorPassDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "testbed_generator_pass_duration_seconds",
			Help:    "Duration of schedule generator passes in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	// DispatchCyclesTotal counts dispatcher cycles: idle (nothing due),
	// dispatched, or error (due-work query failed).
	DispatchCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "testbed_dispatch_cycles_total",
			Help: "Total dispatcher cycles by status.",
		},
		[]string{"status"},
	)

	DueAssignments = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "testbed_due_assignments",
			Help: "Work assignments dispatched by the most recent cycle.",
		},
	)

	SlotsMarkedRunTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "testbed_slots_marked_run_total",
			Help: "Total schedule slots flipped to run.",
		},
	)

	// ActiveRuns is the number of remote executions in flight.
	ActiveRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "testbed_active_runs",
			Help: "Number of remote test executions currently in flight.",
		},
	)

	// TestRunsTotal counts recorded executions by machine and outcome
	// (passed, failed, fallback).
	TestRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "testbed_test_runs_total",
			Help: "Total remote test executions by test, machine and outcome.",
		},
		[]string{"test", "machine", "outcome"},
	)

	TestRunDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "testbed_test_run_duration_seconds",
			Help:    "Duration of remote test executions in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		},
		[]string{"machine"},
	)

	// StoreErrorsTotal counts failed store operations by operation name.
	StoreErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "testbed_store_errors_total",
			Help: "Total failed store operations.",
		},
		[]string{"operation"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		SlotsCreatedTotal,
		GeneratorPassesTotal,
		GeneratorPassDurationSeconds,
		DispatchCyclesTotal,
		DueAssignments,
		SlotsMarkedRunTotal,
		ActiveRuns,
		TestRunsTotal,
		TestRunDurationSeconds,
		StoreErrorsTotal,
	)
}

// Handler serves Registry in the Prometheus exposition format
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// RecordSlotsCreated adds n inserted slots for actor kind ("scheduler" or "manual")
func RecordSlotsCreated(actor string, n int) {
	SlotsCreatedTotal.WithLabelValues(actor).Add(float64(n))
}

// RecordGeneratorPass records one generator pass
func RecordGeneratorPass(duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	GeneratorPassesTotal.WithLabelValues(status).Inc()
	GeneratorPassDurationSeconds.Observe(duration.Seconds())
}

// RecordCycle records one dispatcher cycle and the number of pairs it dispatched
func RecordCycle(status string, dispatched int) {
	DispatchCyclesTotal.WithLabelValues(status).Inc()
	DueAssignments.Set(float64(dispatched))
}

// RecordSlotsMarked adds n slots flipped to run
func RecordSlotsMarked(n int64) {
	SlotsMarkedRunTotal.Add(float64(n))
}

// RecordTestRun records one remote execution
func RecordTestRun(test, machine, outcome string, duration time.Duration) {
	TestRunsTotal.WithLabelValues(test, machine, outcome).Inc()
	TestRunDurationSeconds.WithLabelValues(machine).Observe(duration.Seconds())
}

// RecordStoreError counts a failed store operation
func RecordStoreError(operation string) {
	StoreErrorsTotal.WithLabelValues(operation).Inc()
}
