// Command modbus-mcp serves Modbus devices as MCP tools.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/TwoMental/modbus-mcp/cli"
)

func main() {
	app := cli.New()
	if err := app.Execute(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
