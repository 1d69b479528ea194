package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newTokensCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Inspect the token policy",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the effective token policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			p := a.engine.Config()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "token control:       %s\n", enabledString(p.Enabled))
			fmt.Fprintf(out, "initial amount:      %d\n", p.InitialAmount)
			fmt.Fprintf(out, "replenish interval:  %s\n", p.ReplenishInterval)
			fmt.Fprintf(out, "replenish amount:    %d\n", p.ReplenishAmount)
			return nil
		},
	})
	return cmd
}

func enabledString(on bool) string {
	if on {
		return "enabled"
	}
	return "disabled"
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02T15:04:05")
}
