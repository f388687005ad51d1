// Package telemetry configures OpenTelemetry tracing.
//
// Span attributes use the testbed. prefix. Without an exporter endpoint the
// global noop provider stays in place and spans cost nothing.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/livinlefevreloca/testbed"

// Config holds tracing settings
type Config struct {
	// OTLP gRPC collector address; empty disables tracing
	Endpoint    string  `toml:"endpoint"`
	Insecure    bool    `toml:"insecure"`
	SampleRatio float64 `toml:"sample_ratio"`
}

// DefaultConfig returns tracing disabled
func DefaultConfig() Config {
	return Config{
		Insecure:    true,
		SampleRatio: 1.0,
	}
}

// Validate checks the tracing configuration
func (c Config) Validate() error {
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return fmt.Errorf("tracing sample_ratio must be between 0 and 1, got %v", c.SampleRatio)
	}
	return nil
}

// Tracer returns the package-level tracer
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider installs an OTLP gRPC trace provider.
// Returns a shutdown function that flushes pending spans.
func InitTraceProvider(ctx context.Context, config Config, version string) (func(context.Context) error, error) {
	if config.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.Endpoint)}
	if config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("testbed"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SampleRatio))),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// StartPassSpan creates the span of one schedule generator pass
func StartPassSpan(ctx context.Context, slots int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "generator.pass",
		trace.WithAttributes(attribute.Int("testbed.slots_planned", slots)),
	)
}

// EndPassSpan records what a pass inserted and ends the span
func EndPassSpan(span trace.Span, inserted int, err error) {
	span.SetAttributes(attribute.Int("testbed.slots_inserted", inserted))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "slot insertion failed")
	}
	span.End()
}

// StartCycleSpan creates the parent span of one dispatcher cycle
func StartCycleSpan(ctx context.Context, cycleID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "dispatch.cycle",
		trace.WithAttributes(attribute.String("testbed.cycle_id", cycleID)),
	)
}

// EndCycleSpan records a cycle's outcome and ends the span
func EndCycleSpan(span trace.Span, pairs, failures int, marked int64, err error) {
	span.SetAttributes(
		attribute.Int("testbed.pairs", pairs),
		attribute.Int("testbed.failures", failures),
		attribute.Int64("testbed.slots_marked", marked),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// StartRunSpan creates a child span for one remote test execution
func StartRunSpan(ctx context.Context, test, machine string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "runner.exec",
		trace.WithAttributes(
			attribute.String("testbed.test", test),
			attribute.String("testbed.machine", machine),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndRunSpan enriches the run span with the classified outcome
func EndRunSpan(span trace.Span, passed, failed, exitStatus int, err error) {
	span.SetAttributes(
		attribute.Int("testbed.passed", passed),
		attribute.Int("testbed.failed", failed),
		attribute.Int("testbed.exit_status", exitStatus),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "remote execution failed")
	}
	span.End()
}
