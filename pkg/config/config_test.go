package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Listen != ":8080" {
		t.Errorf("expected :8080, got %s", cfg.Listen)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("expected sqlite driver, got %s", cfg.Store.Driver)
	}
	if cfg.Tokens.Enabled {
		t.Error("expected token control disabled by default")
	}
	if cfg.Tokens.ReplenishInterval != 24*time.Hour {
		t.Errorf("expected 24h replenish interval, got %v", cfg.Tokens.ReplenishInterval)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-test-123")

	path := writeConfig(t, `
listen: ":9090"
log:
  level: debug
  format: json
store:
  driver: sqlite
  db_path: "users.db"
tokens:
  enabled: true
  initial_amount: 500
  replenish_interval: 12h
  replenish_amount: 250
providers:
  - name: openai
    url: https://api.openai.com
    api_key: ${TEST_API_KEY}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Listen != ":9090" {
		t.Errorf("expected :9090, got %s", cfg.Listen)
	}
	if cfg.Providers[0].APIKey != "sk-test-123" {
		t.Errorf("env var not expanded: got %s", cfg.Providers[0].APIKey)
	}
	if !cfg.Tokens.Enabled {
		t.Error("expected token control enabled")
	}
	if cfg.Tokens.InitialAmount != 500 {
		t.Errorf("expected initial amount 500, got %d", cfg.Tokens.InitialAmount)
	}
	if cfg.Tokens.ReplenishInterval != 12*time.Hour {
		t.Errorf("expected 12h interval, got %v", cfg.Tokens.ReplenishInterval)
	}
	if cfg.Tokens.ReplenishAmount != 250 {
		t.Errorf("expected replenish amount 250, got %d", cfg.Tokens.ReplenishAmount)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("expected json log format, got %s", cfg.Log.Format)
	}
	// Unset sections keep their defaults.
	if !cfg.Ledger.Enabled {
		t.Error("expected ledger default to survive")
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadOrDefault(t *testing.T) {
	cfg, err := LoadOrDefault("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":8080" {
		t.Errorf("expected defaults, got listen %s", cfg.Listen)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown driver", "store:\n  driver: mongo\n"},
		{"postgres without dsn", "store:\n  driver: postgres\n"},
		{"redis without addr", "store:\n  driver: redis\n"},
		{"negative initial amount", "tokens:\n  initial_amount: -1\n"},
		{"provider without url", "providers:\n  - name: x\n"},
		{"bad provider type", "providers:\n  - name: x\n    url: http://x\n    type: grpc\n"},
		{"unknown authz mode", "authz:\n  mode: open\n"},
		{"authz disabled without opt-in", "authz:\n  mode: disabled\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestAuthzDisabledWithOptIn(t *testing.T) {
	cfg, err := Load(writeConfig(t, "authz:\n  mode: disabled\n  unsafe_allow_disabled: true\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Authz.Mode != "disabled" {
		t.Errorf("expected disabled, got %s", cfg.Authz.Mode)
	}
}
