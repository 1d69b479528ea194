package mcp

import (
	"context"
	"encoding/json"
	"time"
)

type userArgs struct {
	UserID string `json:"user_id"`
}

type historyArgs struct {
	UserID string `json:"user_id"`
	Since  string `json:"since"`
}

type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

var toolHandlers = map[string]toolHandler{
	"tokengate_token_info":    handleTokenInfo,
	"tokengate_token_config":  handleTokenConfig,
	"tokengate_users":         handleUsers,
	"tokengate_usage":         handleUsage,
	"tokengate_token_history": handleTokenHistory,
}

func userIDSchema(required bool, description string) map[string]any {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"user_id": map[string]any{"type": "string", "description": description},
		},
	}
	if required {
		schema["required"] = []string{"user_id"}
	}
	return schema
}

var allTools = []ToolDefinition{
	{
		Name:        "tokengate_token_info",
		Description: "Show a user's token balance, total tokens used and last replenishment time.",
		InputSchema: userIDSchema(true, "The user ID to inspect"),
	},
	{
		Name:        "tokengate_token_config",
		Description: "Show the token policy: whether control is enabled, the initial amount and the replenish interval and amount.",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	},
	{
		Name:        "tokengate_users",
		Description: "List all users with role and token balance.",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	},
	{
		Name:        "tokengate_usage",
		Description: "Show token consumption per user and model from the ledger, optionally for one user.",
		InputSchema: userIDSchema(false, "Filter by user ID (optional, omit for all users)"),
	},
	{
		Name:        "tokengate_token_history",
		Description: "List a user's token events (consumption, replenishment, admin overrides).",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"user_id"},
			"properties": map[string]any{
				"user_id": map[string]any{
					"type":        "string",
					"description": "The user ID to inspect",
				},
				"since": map[string]any{
					"type":        "string",
					"description": "Start date in YYYY-MM-DD format (optional, defaults to 7 days ago)",
				},
			},
		},
	},
}

func decodeArgs(raw json.RawMessage, v any) {
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, v)
	}
}

func handleTokenInfo(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args userArgs
	decodeArgs(rawArgs, &args)
	if args.UserID == "" {
		return errorResult("user_id is required")
	}
	info, ok := s.tokens.TokenInfo(ctx, args.UserID)
	if !ok {
		return errorResult("No token account found for " + args.UserID)
	}
	return textResult(formatTokenInfo(args.UserID, info))
}

func handleTokenConfig(_ context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	return textResult(formatPolicy(s.tokens.Config()))
}

func handleUsers(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	users, err := s.users.ListUsers(ctx)
	if err != nil {
		return errorResult("Error listing users: " + err.Error())
	}
	return textResult(formatUsers(users))
}

func handleUsage(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.usage == nil {
		return textResult("The usage ledger is not enabled.")
	}
	var args userArgs
	decodeArgs(rawArgs, &args)
	rows, err := s.usage.Summary(ctx, args.UserID)
	if err != nil {
		return errorResult("Error fetching usage: " + err.Error())
	}
	return textResult(formatSummary(rows))
}

func handleTokenHistory(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.usage == nil {
		return textResult("The usage ledger is not enabled.")
	}
	var args historyArgs
	decodeArgs(rawArgs, &args)
	if args.UserID == "" {
		return errorResult("user_id is required")
	}

	since := time.Now().UTC().AddDate(0, 0, -7)
	if args.Since != "" {
		t, err := time.Parse("2006-01-02", args.Since)
		if err != nil {
			return errorResult("Invalid since date (use YYYY-MM-DD): " + err.Error())
		}
		since = t
	}

	entries, err := s.usage.QueryByUser(ctx, args.UserID, since)
	if err != nil {
		return errorResult("Error fetching token history: " + err.Error())
	}
	return textResult(formatEntries(entries))
}
