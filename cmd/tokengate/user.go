package main

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/pario-ai/tokengate/pkg/models"
	"github.com/pario-ai/tokengate/pkg/store"
)

func newUserCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users and their token balances",
	}
	cmd.AddCommand(
		newUserCreateCmd(configPath),
		newUserListCmd(configPath),
		newUserShowCmd(configPath),
		newUserSetBalanceCmd(configPath),
		newUserInitCmd(configPath),
	)
	return cmd
}

// newAPIKey returns a fresh client API key.
func newAPIKey() string {
	return "tg-" + strings.ReplaceAll(uuid.NewString(), "-", "") + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func newUserCreateCmd(configPath *string) *cobra.Command {
	var (
		id   string
		name string
		role string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user, issue an API key and seed the token balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			r := models.Role(role)
			if !r.Valid() {
				return fmt.Errorf("invalid role %q (expected admin|user|pending)", role)
			}

			ctx := cmd.Context()
			a, err := openApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if id == "" {
				id = uuid.NewString()
			}
			key := newAPIKey()
			u := models.User{
				ID:         id,
				Name:       name,
				Role:       r,
				APIKeyHash: store.HashAPIKey(key),
			}
			if err := a.store.CreateUser(ctx, u); err != nil {
				return fmt.Errorf("create user: %w", err)
			}
			if err := a.engine.InitializeAccount(ctx, id); err != nil {
				return fmt.Errorf("initialize tokens: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "id:      %s\n", id)
			fmt.Fprintf(out, "api key: %s\n", key)
			fmt.Fprintln(out, "The API key is not stored and cannot be shown again.")
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "user id (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&role, "role", string(models.RoleUser), "role: admin, user or pending")
	return cmd
}

func newUserListCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users with their token balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			users, err := a.store.ListUsers(cmd.Context())
			if err != nil {
				return err
			}
			if len(users) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No users.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tROLE\tBALANCE\tUSED\tLAST REPLENISH")
			for _, u := range users {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
					u.ID, u.Name, u.Role, u.TokenBalance, u.TotalTokensUsed, formatTime(u.LastTokenReplenishTime))
			}
			return w.Flush()
		},
	}
}

func newUserShowCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a user's token account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			info, ok := a.engine.TokenInfo(cmd.Context(), args[0])
			if !ok {
				return fmt.Errorf("user %s not found", args[0])
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "balance:         %d\n", info.TokenBalance)
			fmt.Fprintf(out, "total used:      %d\n", info.TotalTokensUsed)
			fmt.Fprintf(out, "last replenish:  %s\n", formatTime(info.LastTokenReplenishTime))
			fmt.Fprintf(out, "token control:   %s\n", enabledString(info.UsageControlEnabled))
			return nil
		},
	}
}

func newUserSetBalanceCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "set-balance <id> <balance>",
		Short: "Overwrite a user's token balance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			balance, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid balance %q: %w", args[1], err)
			}

			a, err := openApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.engine.AdminSetBalance(cmd.Context(), args[0], balance); err != nil {
				return fmt.Errorf("set balance: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s balance set to %d\n", args[0], balance)
			return nil
		},
	}
}

func newUserInitCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "init <id>",
		Short: "Reset a user's balance to the initial amount",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if !a.engine.Enabled() {
				fmt.Fprintln(cmd.OutOrStdout(), "Token control is disabled; nothing to do.")
				return nil
			}
			if err := a.engine.InitializeAccount(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("initialize tokens: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s balance set to %d\n", args[0], a.engine.Config().InitialAmount)
			return nil
		},
	}
}
