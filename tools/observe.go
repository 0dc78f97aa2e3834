package tools

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	modbusmcp "github.com/TwoMental/modbus-mcp"
	"github.com/TwoMental/modbus-mcp/logging"
	"github.com/TwoMental/modbus-mcp/tool"
)

const outcomeOK = "ok"

type toolMetrics struct {
	calls   metric.Int64Counter
	latency metric.Float64Histogram
}

func newToolMetrics(meter metric.Meter) (*toolMetrics, error) {
	calls, err := meter.Int64Counter("modbus.tool.calls",
		metric.WithDescription("Number of tool calls by outcome"),
	)
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("modbus.tool.latency",
		metric.WithDescription("Tool latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	return &toolMetrics{calls: calls, latency: latency}, nil
}

func (m *toolMetrics) record(ctx context.Context, name, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("tool", name),
		attribute.String("outcome", outcome),
	)
	m.calls.Add(ctx, 1, attrs)
	m.latency.Record(ctx, elapsed.Seconds(), attrs)
}

// observed wraps fn with a span, metrics and a failure log, and guards it.
func (ts *Toolset) observed(name string, fn tool.HandlerFunc) tool.Handler {
	return tool.Guard(func(ctx context.Context, args map[string]any) (tool.Result, error) {
		deviceID, _ := args["device"].(string)
		ctx, span := ts.tracer.Start(ctx, "modbus."+name, trace.WithAttributes(
			attribute.String("modbus.tool", name),
			attribute.String("modbus.device", deviceID),
		))
		defer span.End()

		start := time.Now()
		result, err := fn(ctx, args)
		if err == nil {
			span.SetStatus(codes.Ok, "")
			ts.metrics.record(ctx, name, outcomeOK, time.Since(start))
			return result, nil
		}

		f := modbusmcp.AsFailure(err)
		span.RecordError(f)
		span.SetStatus(codes.Error, f.Kind().String())
		ts.metrics.record(ctx, name, f.Kind().String(), time.Since(start))
		logging.NewEvent(ts.logger.Warn()).
			Add(logging.ToolName(name)).
			Add(logging.Device(deviceID)).
			Add(logging.Kind(f.Kind().String())).
			Add(logging.ErrorField(f)).
			Msg("device operation failed")
		return result, f
	})
}
