package models

import (
	"encoding/json"
	"time"
)

// Usage represents token usage from an LLM response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Tokens returns the billable token count. TotalTokens wins when positive,
// otherwise prompt and completion tokens are summed.
func (u Usage) Tokens() int64 {
	if u.TotalTokens > 0 {
		return int64(u.TotalTokens)
	}
	return int64(u.PromptTokens) + int64(u.CompletionTokens)
}

// ParseUsage reads a loosely typed usage object, such as a decoded JSON
// "usage" field. Missing or non-numeric fields count as zero.
func ParseUsage(raw map[string]any) Usage {
	return Usage{
		PromptTokens:     intField(raw, "prompt_tokens"),
		CompletionTokens: intField(raw, "completion_tokens"),
		TotalTokens:      intField(raw, "total_tokens"),
	}
}

func intField(raw map[string]any, key string) int {
	switch v := raw[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0
		}
		return int(n)
	default:
		return 0
	}
}

// LedgerKind classifies a ledger entry.
type LedgerKind string

const (
	LedgerConsume    LedgerKind = "consume"
	LedgerReplenish  LedgerKind = "replenish"
	LedgerAdminSet   LedgerKind = "admin_set"
	LedgerInitialize LedgerKind = "initialize"
)

// LedgerEntry records a single change to a user's token balance.
type LedgerEntry struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"`
	Kind             LedgerKind `json:"kind"`
	Model            string     `json:"model,omitempty"`
	PromptTokens     int        `json:"prompt_tokens"`
	CompletionTokens int        `json:"completion_tokens"`
	Amount           int64      `json:"amount"`
	BalanceAfter     int64      `json:"balance_after"`
	CreatedAt        time.Time  `json:"created_at"`
}

// LedgerSummary aggregates consumption per user and model.
type LedgerSummary struct {
	UserID          string `json:"user_id"`
	Model           string `json:"model"`
	RequestCount    int    `json:"request_count"`
	TotalPrompt     int64  `json:"total_prompt"`
	TotalCompletion int64  `json:"total_completion"`
	TotalTokens     int64  `json:"total_tokens"`
}
