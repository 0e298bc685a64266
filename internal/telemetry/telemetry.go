// Package telemetry wires OpenTelemetry tracing and metrics, adapted from
// the swarmguard libs/go/core/otelinit package for the workflow engine's
// own instrument names.
package telemetry

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
)

// Instruments holds the counters and histograms every scheduler/worker
// component records into. The swarm_workflow_* names match what existing
// collector dashboards already chart.
type Instruments struct {
	TaskDuration metric.Float64Histogram
	TaskRetries  metric.Int64Counter
	TaskFailures metric.Int64Counter
	Parallelism  metric.Int64Gauge
}

func NewInstruments(meter metric.Meter) Instruments {
	taskDuration, _ := meter.Float64Histogram("swarm_workflow_task_duration_ms")
	taskRetries, _ := meter.Int64Counter("swarm_workflow_task_retries_total")
	taskFailures, _ := meter.Int64Counter("swarm_workflow_task_failures_total")
	parallelism, _ := meter.Int64Gauge("swarm_workflow_parallelism")
	return Instruments{
		TaskDuration: taskDuration,
		TaskRetries:  taskRetries,
		TaskFailures: taskFailures,
		Parallelism:  parallelism,
	}
}

// DefaultInstruments builds an Instruments set off whatever meter provider
// is currently registered globally (the OTel no-op provider until
// InitMetrics installs a real one) for callers that need a non-nil
// instrument set without wiring telemetry explicitly.
func DefaultInstruments() Instruments {
	return NewInstruments(otel.GetMeterProvider().Meter("workflows"))
}

// InitTracer configures a global tracer provider with an OTLP gRPC exporter.
// Exporter setup failures are logged and degrade to a no-op shutdown rather
// than blocking startup: tracing is observational, never load-bearing.
func InitTracer(ctx context.Context, service string) func(context.Context) error {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithDialOption(grpc.WithInsecure()))
	if err != nil {
		slog.Warn("otel tracer init failed", "error", err)
		return func(context.Context) error { return nil }
	}
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		"",
		attribute.String("service.name", service),
	))
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}

// InitMetrics configures a global OTLP metrics exporter and returns the
// shutdown hook plus the shared instrument set.
func InitMetrics(ctx context.Context, service string) (shutdown func(context.Context) error, instruments Instruments) {
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		"",
		attribute.String("service.name", service),
	))
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exp, err := otlpmetricgrpc.New(ctxInit, otlpmetricgrpc.WithEndpoint(endpoint), otlpmetricgrpc.WithDialOption(grpc.WithInsecure()))
	if err != nil {
		slog.Warn("otel metrics init failed", "error", err)
		return func(context.Context) error { return nil }, NewInstruments(otel.GetMeterProvider().Meter("workflows"))
	}
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	return mp.Shutdown, NewInstruments(mp.Meter("workflows"))
}

// Flush bounds a shutdown hook so process exit is never blocked on an
// unreachable collector.
func Flush(ctx context.Context, shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_ = shutdown(ctx)
}

// Tracer returns a named tracer for a component.
func Tracer(name string) trace.Tracer { return otel.Tracer(name) }
