package cli

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/TwoMental/modbus-mcp/logging"
	"github.com/TwoMental/modbus-mcp/tool/mcpserver"
)

// shutdownTimeout bounds closing connections and flushing spans on exit.
const shutdownTimeout = 5 * time.Second

type serveOptions struct {
	configPath string
	trace      bool
}

func (a *App) newServeCmd() *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve Modbus tools over MCP stdio",
		Long: `Serve the Modbus tools to an MCP client over stdin and stdout.

Logs and traces go to stderr. The server stops when stdin is closed or on
SIGINT/SIGTERM, after which every device connection is closed.

Examples:
  # Serve the devices in config.yaml
  modbus-mcp serve -c config.yaml

  # Also print spans to stderr
  modbus-mcp serve -c config.yaml --trace`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().BoolVar(&opts.trace, "trace", false, "Print spans to stderr")
	cmd.MarkFlagRequired("config")

	return cmd
}

func (a *App) serve(ctx context.Context, opts *serveOptions) error {
	rt, err := a.newRuntime(runtimeOptions{configPath: opts.configPath, trace: opts.trace})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := rt.Close(closeCtx); err != nil {
			logging.NewEvent(rt.logger.Warn()).
				Add(logging.Component("cli")).
				Add(logging.ErrorField(err)).
				Msg("shutdown incomplete")
		}
	}()

	srv := mcpserver.New(serverName, Version, rt.registry, rt.logger)
	err = srv.ServeStdio(ctx, a.stdin, a.stdout)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
