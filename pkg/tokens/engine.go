// Package tokens implements the token admission and consumption policy.
//
// Admission is a sign check on the balance: a positive balance is admitted
// without deduction, a depleted one only when the store can replenish it.
// Consumption debits the usage reported after the fact, so balances may end
// up negative and recover with the next replenishment.
package tokens

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/pario-ai/tokengate/pkg/models"
	"github.com/pario-ai/tokengate/pkg/store"
)

// Recorder receives token events. Failures are logged, never surfaced.
type Recorder interface {
	Record(ctx context.Context, entry models.LedgerEntry) error
}

// Engine applies a TokenPolicy against a store.
type Engine struct {
	policy models.TokenPolicy
	store  store.Store
	ledger Recorder
	logger *slog.Logger
}

// Option configures Engine.
type Option func(*Engine)

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithLedger attaches a recorder for token events.
func WithLedger(r Recorder) Option {
	return func(e *Engine) { e.ledger = r }
}

// New creates an Engine. The policy is copied; build a new Engine to apply
// a changed policy.
func New(policy models.TokenPolicy, s store.Store, opts ...Option) *Engine {
	e := &Engine{policy: policy, store: s}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Enabled reports whether token control is on.
func (e *Engine) Enabled() bool {
	return e.policy.Enabled
}

// Config returns a snapshot of the policy.
func (e *Engine) Config() models.TokenPolicy {
	return e.policy
}

// InitializeAccount seeds a user's balance with the initial amount.
// It is a no-op while token control is disabled.
func (e *Engine) InitializeAccount(ctx context.Context, userID string) error {
	if !e.policy.Enabled {
		return nil
	}

	amount := e.policy.InitialAmount
	if err := e.store.InitializeUserTokens(ctx, userID, amount); err != nil {
		e.logger.Error("failed to initialize tokens", "user", userID, "error", err)
		return err
	}
	e.logger.Info("initialized tokens", "user", userID, "amount", amount)
	e.record(ctx, models.LedgerEntry{
		UserID: userID, Kind: models.LedgerInitialize, Amount: amount, BalanceAfter: amount,
	})
	return nil
}

// Admit decides whether user may start a request. estimatedTokens is
// informational only. A missing account is denied; store errors other than
// store.ErrNotFound are returned.
func (e *Engine) Admit(ctx context.Context, user *models.User, estimatedTokens int64) (Decision, error) {
	if !e.policy.Enabled || user.IsAdmin() {
		return Permit(), nil
	}

	current, err := e.store.GetUserByID(ctx, user.ID)
	if errors.Is(err, store.ErrNotFound) {
		e.logger.Warn("token account not found", "user", user.ID)
		return Deny(ReasonAccountNotFound), nil
	}
	if err != nil {
		return Decision{}, err
	}

	if current.TokenBalance > 0 {
		e.logger.Debug("admitted", "user", user.ID, "balance", current.TokenBalance, "estimated_tokens", estimatedTokens)
		return Permit(), nil
	}

	_, replenished, err := e.store.CanUserConsumeTokens(ctx, user.ID, 1, e.policy.ReplenishInterval, e.policy.ReplenishAmount)
	if err != nil {
		return Decision{}, err
	}
	if !replenished {
		e.logger.Warn("no tokens left and not yet eligible for replenishment", "user", user.ID, "balance", current.TokenBalance)
		return Deny(ReasonInsufficientTokens), nil
	}

	e.logger.Info("replenished tokens", "user", user.ID, "amount", e.policy.ReplenishAmount)
	e.record(ctx, models.LedgerEntry{
		UserID:       user.ID,
		Kind:         models.LedgerReplenish,
		Amount:       e.policy.ReplenishAmount,
		BalanceAfter: current.TokenBalance + e.policy.ReplenishAmount,
	})
	return Permit(), nil
}

// Consume debits the tokens reported in usage.
func (e *Engine) Consume(ctx context.Context, user *models.User, usage models.Usage) error {
	return e.ConsumeModel(ctx, user, "", usage)
}

// ConsumeModel is Consume with the model name kept for the ledger. Usage
// that cannot be determined is not charged.
func (e *Engine) ConsumeModel(ctx context.Context, user *models.User, model string, usage models.Usage) error {
	if !e.policy.Enabled || user.IsAdmin() {
		return nil
	}

	total := usage.Tokens()
	if total <= 0 {
		e.logger.Warn("no token usage data found", "user", user.ID, "model", model)
		return nil
	}

	// Balance read only for the log line; the debit itself is atomic.
	var before int64
	if current, err := e.store.GetUserByID(ctx, user.ID); err == nil {
		before = current.TokenBalance
	}

	if err := e.store.DeductUserTokens(ctx, user.ID, total); err != nil {
		e.logger.Error("failed to consume tokens", "user", user.ID, "tokens", total, "error", err)
		return err
	}

	after := before - total
	e.logger.Info("consumed tokens", "user", user.ID, "tokens", total, "balance_before", before, "balance_after", after)
	e.record(ctx, models.LedgerEntry{
		UserID:           user.ID,
		Kind:             models.LedgerConsume,
		Model:            model,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		Amount:           total,
		BalanceAfter:     after,
	})
	return nil
}

// TokenInfo returns the user's token account, or false when the user is
// unknown or the store fails. Errors are logged, not returned.
func (e *Engine) TokenInfo(ctx context.Context, userID string) (*models.TokenInfo, bool) {
	u, err := e.store.GetUserByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false
	}
	if err != nil {
		e.logger.Error("failed to get token info", "user", userID, "error", err)
		return nil, false
	}
	return &models.TokenInfo{
		TokenBalance:           u.TokenBalance,
		TotalTokensUsed:        u.TotalTokensUsed,
		LastTokenReplenishTime: u.LastTokenReplenishTime,
		UsageControlEnabled:    e.policy.Enabled,
	}, true
}

// AdminSetBalance overwrites a user's balance. It applies whether or not
// token control is enabled; the caller must already be authorized.
func (e *Engine) AdminSetBalance(ctx context.Context, userID string, balance int64) error {
	if err := e.store.UpdateUserTokenBalance(ctx, userID, balance); err != nil {
		e.logger.Error("failed to update token balance", "user", userID, "error", err)
		return err
	}
	e.logger.Info("admin updated token balance", "user", userID, "balance", balance)
	e.record(ctx, models.LedgerEntry{
		UserID: userID, Kind: models.LedgerAdminSet, Amount: balance, BalanceAfter: balance,
	})
	return nil
}

func (e *Engine) record(ctx context.Context, entry models.LedgerEntry) {
	if e.ledger == nil {
		return
	}
	entry.ID = uuid.NewString()
	if err := e.ledger.Record(ctx, entry); err != nil {
		e.logger.Error("failed to record ledger entry", "user", entry.UserID, "kind", entry.Kind, "error", err)
	}
}
