package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// ErrToolFailed is returned when an invoked tool reports an error result.
var ErrToolFailed = errors.New("tool reported an error")

type toolsOptions struct {
	configPath string
}

func (a *App) newToolsCmd() *cobra.Command {
	opts := &toolsOptions{}

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools served for a configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.listTools(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file")
	cmd.MarkFlagRequired("config")

	return cmd
}

func (a *App) listTools(ctx context.Context, opts *toolsOptions) error {
	rt, err := a.newRuntime(runtimeOptions{configPath: opts.configPath})
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	writer := tabwriter.NewWriter(a.stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(writer, "NAME\tMODE\tREQUIRED\tDESCRIPTION")
	for _, cfg := range rt.registry.List() {
		mode := "read-write"
		if cfg.ReadOnly {
			mode = "read-only"
		}
		required := strings.Join(cfg.InputSchema.Required, ",")
		if required == "" {
			required = "-"
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n", cfg.Name, mode, required, cfg.Description)
	}
	return writer.Flush()
}

type callOptions struct {
	configPath string
	args       string
	trace      bool
}

func (a *App) newCallCmd() *cobra.Command {
	opts := &callOptions{}

	cmd := &cobra.Command{
		Use:   "call <tool>",
		Short: "Invoke one tool and print its result",
		Long: `Invoke one tool against the configured devices and print the text of
its result. Arguments are given as a JSON object.

Examples:
  # Read ten holding registers
  modbus-mcp call -c config.yaml read_registers \
    --args '{"device": "plc-1", "address": 0, "count": 10}'

  # Show pool usage
  modbus-mcp call -c config.yaml pool_status`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.callTool(cmd.Context(), args[0], opts)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVarP(&opts.args, "args", "a", "{}", "Tool arguments as a JSON object")
	cmd.Flags().BoolVar(&opts.trace, "trace", false, "Print spans to stderr")
	cmd.MarkFlagRequired("config")

	return cmd
}

func (a *App) callTool(ctx context.Context, name string, opts *callOptions) error {
	var args map[string]any
	if err := json.Unmarshal([]byte(opts.args), &args); err != nil {
		return fmt.Errorf("invalid --args: %w", err)
	}

	rt, err := a.newRuntime(runtimeOptions{configPath: opts.configPath, trace: opts.trace})
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	result := rt.registry.Invoke(ctx, name, args)
	if result.IsError {
		return fmt.Errorf("%w: %s: %s", ErrToolFailed, name, result.Text())
	}
	fmt.Fprintln(a.stdout, result.Text())
	return nil
}
