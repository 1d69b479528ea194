package models

import "time"

// TokenPolicy controls token admission and replenishment.
type TokenPolicy struct {
	Enabled           bool          `json:"enabled" yaml:"enabled"`
	InitialAmount     int64         `json:"initial_amount" yaml:"initial_amount"`
	ReplenishInterval time.Duration `json:"replenish_interval" yaml:"replenish_interval"`
	ReplenishAmount   int64         `json:"replenish_amount" yaml:"replenish_amount"`
}

// TokenInfo is a read-only view of a user's token account.
type TokenInfo struct {
	TokenBalance           int64     `json:"token_balance"`
	TotalTokensUsed        int64     `json:"total_tokens_used"`
	LastTokenReplenishTime time.Time `json:"last_token_replenish_time"`
	UsageControlEnabled    bool      `json:"usage_control_enabled"`
}
