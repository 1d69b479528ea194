package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newUsageCmd(configPath *string) *cobra.Command {
	var (
		userID  string
		history bool
		since   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show token consumption recorded in the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.ledger == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "The ledger is disabled.")
				return nil
			}
			ctx := cmd.Context()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)

			// Event history for a single user
			if history {
				if userID == "" {
					return fmt.Errorf("--history requires --user")
				}
				entries, err := a.ledger.QueryByUser(ctx, userID, time.Now().UTC().Add(-since))
				if err != nil {
					return err
				}
				if len(entries) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No token events found.")
					return nil
				}
				fmt.Fprintln(w, "TIME\tKIND\tMODEL\tAMOUNT\tBALANCE AFTER")
				for _, e := range entries {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n",
						e.CreatedAt.Format("2006-01-02T15:04:05"), e.Kind, e.Model, e.Amount, e.BalanceAfter)
				}
				return w.Flush()
			}

			summaries, err := a.ledger.Summary(ctx, userID)
			if err != nil {
				return err
			}
			if len(summaries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No usage recorded yet.")
				return nil
			}
			fmt.Fprintln(w, "USER\tMODEL\tREQUESTS\tPROMPT\tCOMPLETION\tTOTAL")
			for _, s := range summaries {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\n",
					s.UserID, s.Model, s.RequestCount, s.TotalPrompt, s.TotalCompletion, s.TotalTokens)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "filter by user id")
	cmd.Flags().BoolVar(&history, "history", false, "list individual token events for --user")
	cmd.Flags().DurationVar(&since, "since", 7*24*time.Hour, "history window")
	return cmd
}
