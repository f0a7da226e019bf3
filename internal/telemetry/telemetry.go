// Package telemetry installs the OpenTelemetry tracer provider for a benchrun
// session. Spans from the session coordinator and the state machine are
// exported over OTLP HTTP, tagged with the run that produced them.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const (
	// ServiceName is the service.name resource attribute.
	ServiceName = "benchrun"
	// EndpointEnv overrides the configured endpoint but not the CLI flag.
	EndpointEnv = "OTEL_EXPORTER_OTLP_ENDPOINT"
	// BatchTimeout is the batch span processor flush interval and the
	// shutdown flush budget.
	BatchTimeout = 5 * time.Second
	// BatchSize is the batch span processor max export batch size.
	BatchSize = 512
)

// Run describes the benchmark run the exported spans belong to.
type Run struct {
	Endpoint   string
	RunID      string
	Version    string
	ServerPath string
	Clients    int
}

// Shutdown flushes buffered spans and stops the exporter.
type Shutdown func(context.Context) error

var newExporter = func(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error) {
	// TLS and header settings come from the standard OTEL_EXPORTER_OTLP_* variables.
	return otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
}

// ResolveEndpoint picks the OTLP endpoint: the flag value, then EndpointEnv,
// then the configured value.
func ResolveEndpoint(flag, configured string, lookupEnv func(string) (string, bool)) string {
	if endpoint := strings.TrimSpace(flag); endpoint != "" {
		return endpoint
	}
	if lookupEnv != nil {
		if endpoint, ok := lookupEnv(EndpointEnv); ok && strings.TrimSpace(endpoint) != "" {
			return strings.TrimSpace(endpoint)
		}
	}
	return strings.TrimSpace(configured)
}

// Init installs a batching tracer provider that exports to run.Endpoint.
// Without an endpoint the global no-op provider stays in place.
func Init(ctx context.Context, run Run) (Shutdown, error) {
	endpoint := strings.TrimSpace(run.Endpoint)
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter for %s: %w", endpoint, err)
	}

	res, err := resource.New(ctx,
		resource.WithProcessPID(),
		resource.WithHost(),
		resource.WithAttributes(runAttributes(run)...),
	)
	if err != nil && !errors.Is(err, resource.ErrPartialResource) {
		_ = exporter.Shutdown(ctx)
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(
			exporter,
			sdktrace.WithBatchTimeout(BatchTimeout),
			sdktrace.WithMaxExportBatchSize(BatchSize),
		),
	)
	otel.SetTracerProvider(provider)

	var (
		once        sync.Once
		shutdownErr error
	)
	return func(ctx context.Context) error {
		once.Do(func() {
			shutdownErr = provider.Shutdown(ctx)
		})
		return shutdownErr
	}, nil
}

func runAttributes(run Run) []attribute.KeyValue {
	version := strings.TrimSpace(run.Version)
	if version == "" {
		version = "dev"
	}
	attrs := []attribute.KeyValue{
		attribute.String("service.name", ServiceName),
		attribute.String("service.version", version),
		attribute.Int("benchrun.clients", run.Clients),
	}
	if id := strings.TrimSpace(run.RunID); id != "" {
		attrs = append(attrs, attribute.String("benchrun.run_id", id))
	}
	if path := strings.TrimSpace(run.ServerPath); path != "" {
		attrs = append(attrs,
			attribute.String("benchrun.server.path", path),
			attribute.String("benchrun.server.name", filepath.Base(path)),
		)
	}
	return attrs
}
