package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/pario-ai/tokengate/pkg/mcp"
)

func newMCPCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve read-only token account tools over MCP (stdio)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			var usage mcp.UsageReader
			if a.ledger != nil {
				usage = a.ledger
			}
			srv := mcp.New(a.engine, a.store, usage, version, a.logger)
			return srv.Run(cmd.Context(), os.Stdin, os.Stdout)
		},
	}
}
