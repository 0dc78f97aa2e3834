package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/TwoMental/modbus-mcp/config"
)

type validateOptions struct {
	configPath string
}

func (a *App) newValidateCmd() *cobra.Command {
	opts := &validateOptions{}

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		Long: `Validate a configuration file without opening any device connection.

Examples:
  modbus-mcp validate -c config.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.validateConfig(opts)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file")
	cmd.MarkFlagRequired("config")

	return cmd
}

func (a *App) validateConfig(opts *validateOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	fmt.Fprintf(a.stdout, "Configuration is valid: %d devices\n\n", len(cfg.Devices))
	writer := tabwriter.NewWriter(a.stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tTYPE\tBACKEND\tENDPOINT\tSLAVE\tMAX CONNS")
	for _, d := range cfg.DeviceList() {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%d\t%d\n",
			d.ID(), d.ConnType(), d.Backend(), d.Endpoint(), d.SlaveID(), d.MaxConns())
	}
	return writer.Flush()
}
