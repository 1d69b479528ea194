package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pario-ai/tokengate/pkg/authz"
	"github.com/pario-ai/tokengate/pkg/gate"
)

func newServeCmd(configPath *string) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the token-gated LLM API proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if listen != "" {
				a.cfg.Listen = listen
			}

			az, err := authz.New(a.cfg.Authz)
			if err != nil {
				return fmt.Errorf("init authz: %w", err)
			}

			srv := gate.New(a.cfg, a.engine, a.store, az, gate.WithLogger(a.logger))
			a.logger.Info("starting tokengate", "config", *configPath, "store", a.cfg.Store.Driver,
				"ledger", a.cfg.Ledger.Enabled, "authz", az.Mode())
			return srv.ListenAndServe(ctx)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "override the listen address")
	return cmd
}
