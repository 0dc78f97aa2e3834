package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/felixgeelhaar/bolt/v3"

	modbusmcp "github.com/TwoMental/modbus-mcp"
	"github.com/TwoMental/modbus-mcp/config"
	"github.com/TwoMental/modbus-mcp/logging"
	"github.com/TwoMental/modbus-mcp/tool"
	"github.com/TwoMental/modbus-mcp/tools"
)

// runtime is everything a command needs to invoke tools. It is built from a
// config file and torn down with Close.
type runtime struct {
	cfg       *config.Config
	logger    *bolt.Logger
	pool      *modbusmcp.Pool
	registry  *tool.Registry
	telemetry *telemetry
}

type runtimeOptions struct {
	configPath string
	trace      bool
}

func (a *App) newRuntime(opts runtimeOptions) (*runtime, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}

	logCfg := cfg.Log
	logCfg.Output = a.stderr
	logger := logging.New(logCfg)

	tel, err := newTelemetry(a.stderr, opts.trace)
	if err != nil {
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}

	poolOpts := append(cfg.PoolOptions(), modbusmcp.WithLogger(logger))
	pool, err := modbusmcp.NewPool(cfg.DeviceList(), poolOpts...)
	if err != nil {
		tel.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	ts, err := tools.New(pool,
		tools.WithAcquireTimeout(cfg.Pool.AcquireTimeout),
		tools.WithRetry(cfg.Retry.MaxAttempts, cfg.Retry.InitialDelay, cfg.Retry.Multiplier),
		tools.WithLogger(logger),
		tools.WithTracer(tel.Tracer()),
	)
	if err != nil {
		pool.Close()
		tel.Shutdown(context.Background())
		return nil, err
	}
	registry := tool.NewRegistry(logger)
	if err := ts.Register(registry); err != nil {
		pool.Close()
		tel.Shutdown(context.Background())
		return nil, err
	}

	logging.NewEvent(logger.Debug()).
		Add(logging.Component("cli")).
		Add(logging.Int("devices", len(cfg.Devices))).
		Add(logging.Int("tools", registry.Count())).
		Msg("runtime ready")

	return &runtime{
		cfg:       cfg,
		logger:    logger,
		pool:      pool,
		registry:  registry,
		telemetry: tel,
	}, nil
}

// Close closes every pooled connection and flushes pending spans.
func (r *runtime) Close(ctx context.Context) error {
	var errs []error
	if err := r.pool.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := r.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
