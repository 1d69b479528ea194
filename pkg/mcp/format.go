package mcp

import (
	"fmt"
	"strings"
	"time"

	"github.com/pario-ai/tokengate/pkg/models"
)

const timeLayout = "2006-01-02 15:04:05"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(timeLayout)
}

func formatTokenInfo(userID string, info *models.TokenInfo) string {
	control := "disabled"
	if info.UsageControlEnabled {
		control = "enabled"
	}
	return fmt.Sprintf("Token account %s\n"+
		"  Balance:         %d\n"+
		"  Total used:      %d\n"+
		"  Last replenish:  %s\n"+
		"  Token control:   %s\n",
		userID, info.TokenBalance, info.TotalTokensUsed, formatTime(info.LastTokenReplenishTime), control)
}

func formatPolicy(p models.TokenPolicy) string {
	control := "disabled"
	if p.Enabled {
		control = "enabled"
	}
	return fmt.Sprintf("Token Policy\n"+
		"  Control:             %s\n"+
		"  Initial amount:      %d\n"+
		"  Replenish interval:  %s\n"+
		"  Replenish amount:    %d\n",
		control, p.InitialAmount, p.ReplenishInterval, p.ReplenishAmount)
}

func formatUsers(users []models.User) string {
	if len(users) == 0 {
		return "No users found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-38s %-20s %-8s %12s %12s %-20s\n",
		"User ID", "Name", "Role", "Balance", "Used", "Last Replenish")
	b.WriteString(strings.Repeat("-", 115) + "\n")
	for _, u := range users {
		fmt.Fprintf(&b, "%-38s %-20s %-8s %12d %12d %-20s\n",
			u.ID, u.Name, u.Role, u.TokenBalance, u.TotalTokensUsed, formatTime(u.LastTokenReplenishTime))
	}
	return b.String()
}

func formatSummary(rows []models.LedgerSummary) string {
	if len(rows) == 0 {
		return "No usage recorded."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-38s %-25s %8s %10s %10s %10s\n",
		"User ID", "Model", "Requests", "Prompt", "Completion", "Total")
	b.WriteString(strings.Repeat("-", 106) + "\n")
	for _, r := range rows {
		fmt.Fprintf(&b, "%-38s %-25s %8d %10d %10d %10d\n",
			r.UserID, r.Model, r.RequestCount, r.TotalPrompt, r.TotalCompletion, r.TotalTokens)
	}
	return b.String()
}

func formatEntries(entries []models.LedgerEntry) string {
	if len(entries) == 0 {
		return "No token events found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-10s %-25s %10s %14s\n",
		"Time", "Kind", "Model", "Amount", "Balance After")
	b.WriteString(strings.Repeat("-", 83) + "\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "%-20s %-10s %-25s %10d %14d\n",
			formatTime(e.CreatedAt), e.Kind, e.Model, e.Amount, e.BalanceAfter)
	}
	return b.String()
}
