package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "tokengate",
		Short:         "tokengate - token budget admission control for LLM APIs",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (defaults apply when empty)")

	root.AddCommand(
		newServeCmd(&configPath),
		newUserCmd(&configPath),
		newUsageCmd(&configPath),
		newTokensCmd(&configPath),
		newMCPCmd(&configPath),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
