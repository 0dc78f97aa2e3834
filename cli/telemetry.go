package cli

import (
	"context"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/TwoMental/modbus-mcp/cli"

// telemetry owns the tracer provider of one command run. Without tracing
// the global (no-op) provider is used and Shutdown does nothing.
type telemetry struct {
	provider *sdktrace.TracerProvider
}

// newTelemetry exports spans to w when enabled. w is stderr in practice,
// stdout belongs to the MCP stdio transport.
func newTelemetry(w io.Writer, enabled bool) (*telemetry, error) {
	if !enabled {
		return &telemetry{}, nil
	}

	exporter, err := stdouttrace.New(
		stdouttrace.WithWriter(w),
		stdouttrace.WithPrettyPrint(),
	)
	if err != nil {
		return nil, err
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serverName),
		semconv.ServiceVersion(Version),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	return &telemetry{provider: tp}, nil
}

func (t *telemetry) Tracer() trace.Tracer {
	if t.provider == nil {
		return otel.Tracer(tracerName)
	}
	return t.provider.Tracer(tracerName)
}

// Shutdown flushes buffered spans.
func (t *telemetry) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
