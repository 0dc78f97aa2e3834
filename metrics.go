package modbusmcp

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/TwoMental/modbus-mcp"

// Acquire outcomes recorded on modbus.pool.acquires.
const (
	outcomeReused    = "reused"
	outcomeDialed    = "dialed"
	outcomeHandedOff = "handed_off"
	outcomeExhausted = "exhausted"
	outcomeFailed    = "failed"
)

type poolMetrics struct {
	acquires  metric.Int64Counter
	wait      metric.Float64Histogram
	evictions metric.Int64Counter
	failures  metric.Int64Counter
}

func newPoolMetrics(meter metric.Meter) (*poolMetrics, error) {
	acquires, err := meter.Int64Counter("modbus.pool.acquires",
		metric.WithDescription("Number of connection acquisitions by outcome"),
	)
	if err != nil {
		return nil, err
	}

	wait, err := meter.Float64Histogram("modbus.pool.acquire.wait",
		metric.WithDescription("Time spent acquiring a connection in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	evictions, err := meter.Int64Counter("modbus.pool.evictions",
		metric.WithDescription("Number of connections evicted from the pool"),
	)
	if err != nil {
		return nil, err
	}

	failures, err := meter.Int64Counter("modbus.conn.failures",
		metric.WithDescription("Number of classified device failures"),
	)
	if err != nil {
		return nil, err
	}

	return &poolMetrics{
		acquires:  acquires,
		wait:      wait,
		evictions: evictions,
		failures:  failures,
	}, nil
}

func (m *poolMetrics) recordAcquire(deviceID, outcome string, elapsed time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("device", deviceID),
		attribute.String("outcome", outcome),
	)
	m.acquires.Add(ctx, 1, attrs)
	m.wait.Record(ctx, elapsed.Seconds(), attrs)
}

func (m *poolMetrics) recordEviction(deviceID string) {
	m.evictions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("device", deviceID),
	))
}

func (m *poolMetrics) recordFailure(deviceID string, kind ErrorKind) {
	m.failures.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("device", deviceID),
		attribute.String("kind", kind.String()),
	))
}
