package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pario-ai/tokengate/pkg/models"
	"gopkg.in/yaml.v3"
)

// Config holds all tokengate configuration.
type Config struct {
	Listen    string             `yaml:"listen"`
	Log       LogConfig          `yaml:"log"`
	Store     StoreConfig        `yaml:"store"`
	Tokens    models.TokenPolicy `yaml:"tokens"`
	Ledger    LedgerConfig       `yaml:"ledger"`
	Authz     AuthzConfig        `yaml:"authz"`
	Providers []ProviderConfig   `yaml:"providers"`
	Router    RouterConfig       `yaml:"router"`
}

// LogConfig controls structured logging.
// Format is "text" (default) or "json".
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StoreConfig selects the user record store backend.
// Driver is one of "sqlite" (default), "postgres", "redis" or "memory".
type StoreConfig struct {
	Driver    string `yaml:"driver"`
	DBPath    string `yaml:"db_path"`
	DSN       string `yaml:"dsn"`
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// LedgerConfig controls the token event ledger.
type LedgerConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"db_path"`
}

// AuthzConfig controls authorization of the admin endpoints.
// Mode "disabled" is refused unless UnsafeAllowDisabled is set.
type AuthzConfig struct {
	Mode                string `yaml:"mode"`
	PolicyPath          string `yaml:"policy_path"`
	UnsafeAllowDisabled bool   `yaml:"unsafe_allow_disabled"`
}

// ProviderConfig defines an upstream LLM provider.
// Type is "openai" (default) or "anthropic".
type ProviderConfig struct {
	Name   string `yaml:"name"`
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
	Type   string `yaml:"type"`
}

// Format returns the wire format spoken by the provider.
func (p ProviderConfig) Format() models.Format {
	if p.Type == string(models.FormatAnthropic) {
		return models.FormatAnthropic
	}
	return models.FormatOpenAI
}

// RouterConfig defines model routing and fallback chains.
type RouterConfig struct {
	Routes []RouteConfig `yaml:"routes"`
}

// RouteConfig maps a client-facing model alias to an ordered list of targets.
type RouteConfig struct {
	Model   string        `yaml:"model"`
	Targets []RouteTarget `yaml:"targets"`
}

// RouteTarget identifies a specific provider and model in a fallback chain.
type RouteTarget struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Store: StoreConfig{
			Driver:    "sqlite",
			DBPath:    "tokengate.db",
			KeyPrefix: "tokengate:",
		},
		Tokens: models.TokenPolicy{
			Enabled:           false,
			InitialAmount:     1000,
			ReplenishInterval: 24 * time.Hour,
			ReplenishAmount:   1000,
		},
		Ledger: LedgerConfig{
			Enabled: true,
			DBPath:  "tokengate-ledger.db",
		},
		Authz: AuthzConfig{
			Mode: "enforce",
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads path, or returns the defaults when path is empty.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}

// Validate checks the config for required fields and consistency.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.DBPath == "" {
			return fmt.Errorf("config: store.db_path is required for sqlite")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("config: store.dsn is required for postgres")
		}
	case "redis":
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("config: store.redis_addr is required for redis")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}

	if c.Tokens.InitialAmount < 0 {
		return fmt.Errorf("config: tokens.initial_amount must not be negative")
	}
	if c.Tokens.ReplenishAmount < 0 {
		return fmt.Errorf("config: tokens.replenish_amount must not be negative")
	}
	if c.Tokens.ReplenishInterval < 0 {
		return fmt.Errorf("config: tokens.replenish_interval must not be negative")
	}

	switch c.Authz.Mode {
	case "enforce", "shadow":
	case "disabled":
		if !c.Authz.UnsafeAllowDisabled {
			return fmt.Errorf("config: authz.mode disabled requires authz.unsafe_allow_disabled")
		}
	default:
		return fmt.Errorf("config: invalid authz.mode %q (expected enforce|shadow|disabled)", c.Authz.Mode)
	}

	if c.Ledger.Enabled && c.Ledger.DBPath == "" {
		return fmt.Errorf("config: ledger.db_path is required when the ledger is enabled")
	}

	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("config: providers[%d]: name is required", i)
		}
		if p.URL == "" {
			return fmt.Errorf("config: providers[%d] (%s): url is required", i, p.Name)
		}
		if p.Type != "" && p.Type != string(models.FormatOpenAI) && p.Type != string(models.FormatAnthropic) {
			return fmt.Errorf("config: providers[%d] (%s): invalid type %q", i, p.Name, p.Type)
		}
	}
	return nil
}
