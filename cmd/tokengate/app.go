package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/pario-ai/tokengate/pkg/config"
	"github.com/pario-ai/tokengate/pkg/ledger"
	"github.com/pario-ai/tokengate/pkg/logging"
	"github.com/pario-ai/tokengate/pkg/store"
	"github.com/pario-ai/tokengate/pkg/store/memory"
	"github.com/pario-ai/tokengate/pkg/store/postgres"
	"github.com/pario-ai/tokengate/pkg/store/redis"
	"github.com/pario-ai/tokengate/pkg/store/sqlite"
	"github.com/pario-ai/tokengate/pkg/tokens"
)

// app bundles the components every command needs.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  store.Store
	ledger *ledger.Ledger
	engine *tokens.Engine
}

func openApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(cfg.Log, os.Stderr)

	s, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, store: s}
	opts := []tokens.Option{tokens.WithLogger(logger)}
	if cfg.Ledger.Enabled {
		l, err := ledger.New(cfg.Ledger.DBPath)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("open ledger: %w", err)
		}
		a.ledger = l
		opts = append(opts, tokens.WithLedger(l))
	}
	a.engine = tokens.New(cfg.Tokens, s, opts...)
	return a, nil
}

func (a *app) Close() {
	if a.ledger != nil {
		_ = a.ledger.Close()
	}
	_ = a.store.Close()
}

// openStore opens the user store backend named by cfg.Driver.
func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "sqlite", "":
		return sqlite.New(cfg.DBPath)
	case "postgres":
		return postgres.Open(ctx, cfg.DSN)
	case "redis":
		var opts []redis.Option
		if cfg.KeyPrefix != "" {
			opts = append(opts, redis.WithKeyPrefix(cfg.KeyPrefix))
		}
		return redis.Open(ctx, cfg.RedisAddr, cfg.RedisDB, opts...)
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
