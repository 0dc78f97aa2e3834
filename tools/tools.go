// Package tools implements the Modbus tools served to MCP clients. Every
// tool reaches devices through a *modbusmcp.Pool passed in at construction.
package tools

import (
	"fmt"
	"time"

	"github.com/felixgeelhaar/bolt/v3"
	"github.com/felixgeelhaar/fortify/retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	modbusmcp "github.com/TwoMental/modbus-mcp"
	"github.com/TwoMental/modbus-mcp/logging"
	"github.com/TwoMental/modbus-mcp/tool"
)

const instrumentationName = "github.com/TwoMental/modbus-mcp/tools"

// Tool names.
const (
	ReadRegisters      = "read_registers"
	ReadInputRegisters = "read_input_registers"
	WriteRegisters     = "write_registers"
	ListDevices        = "list_devices"
	PoolStatus         = "pool_status"
)

// Toolset builds the tool handlers around one pool.
type Toolset struct {
	pool           *modbusmcp.Pool
	acquireTimeout time.Duration
	retryConfig    retry.Config
	reads          retry.Retry[[]uint16]
	logger         *bolt.Logger
	tracer         trace.Tracer
	meter          metric.Meter
	metrics        *toolMetrics
}

type Option func(*Toolset)

// WithAcquireTimeout Set how long a tool waits for a free connection
func WithAcquireTimeout(timeout time.Duration) Option {
	return func(ts *Toolset) {
		ts.acquireTimeout = timeout
	}
}

// WithRetry Set the retry policy of read tools
/*
	maxAttempts 1 disables retries. Writes are never retried.
*/
func WithRetry(maxAttempts int, initialDelay time.Duration, multiplier float64) Option {
	return func(ts *Toolset) {
		ts.retryConfig.MaxAttempts = maxAttempts
		ts.retryConfig.InitialDelay = initialDelay
		ts.retryConfig.Multiplier = multiplier
	}
}

// WithLogger Set the logger of the tools
func WithLogger(logger *bolt.Logger) Option {
	return func(ts *Toolset) {
		ts.logger = logger
	}
}

// WithTracer Set the tracer for tool spans
func WithTracer(tracer trace.Tracer) Option {
	return func(ts *Toolset) {
		ts.tracer = tracer
	}
}

// WithMeter Set the meter for tool metrics
func WithMeter(meter metric.Meter) Option {
	return func(ts *Toolset) {
		ts.meter = meter
	}
}

// New creates the toolset for pool.
func New(pool *modbusmcp.Pool, opts ...Option) (*Toolset, error) {
	if pool == nil {
		return nil, fmt.Errorf("tools: pool cannot be nil")
	}
	ts := &Toolset{
		pool:           pool,
		acquireTimeout: 5 * time.Second,
		retryConfig: retry.Config{
			MaxAttempts:   3,
			InitialDelay:  100 * time.Millisecond,
			BackoffPolicy: retry.BackoffExponential,
			Multiplier:    2.0,
		},
	}
	for _, opt := range opts {
		opt(ts)
	}
	if ts.retryConfig.MaxAttempts < 1 {
		ts.retryConfig.MaxAttempts = 1
	}
	// Only transient kinds are worth another attempt.
	ts.retryConfig.NonRetryableErrors = []error{
		modbusmcp.ErrInvalidAddress,
		modbusmcp.ErrInvalidRegister,
		modbusmcp.ErrPoolExhausted,
		modbusmcp.ErrProtocol,
		modbusmcp.ErrUnknown,
	}
	ts.reads = retry.New[[]uint16](ts.retryConfig)

	if ts.logger == nil {
		ts.logger = logging.Get()
	}
	if ts.tracer == nil {
		ts.tracer = otel.Tracer(instrumentationName)
	}
	if ts.meter == nil {
		ts.meter = otel.Meter(instrumentationName)
	}
	metrics, err := newToolMetrics(ts.meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool metrics: %w", err)
	}
	ts.metrics = metrics
	return ts, nil
}

// Configs returns the registration records of every tool.
func (ts *Toolset) Configs() []tool.Config {
	return []tool.Config{
		ts.readConfig(ReadRegisters, "Read holding registers (function 0x03) from a Modbus device.", modbusmcp.RegisterTypeHoldingRegister),
		ts.readConfig(ReadInputRegisters, "Read input registers (function 0x04) from a Modbus device.", modbusmcp.RegisterTypeInputRegister),
		ts.writeConfig(),
		ts.listDevicesConfig(),
		ts.poolStatusConfig(),
	}
}

// Register adds every tool to registry.
func (ts *Toolset) Register(registry *tool.Registry) error {
	for _, cfg := range ts.Configs() {
		if err := registry.Register(cfg); err != nil {
			return err
		}
	}
	return nil
}
