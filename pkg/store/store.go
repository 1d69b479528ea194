// Package store defines the user record store the token policy depends on.
//
// Every mutating operation must be atomic in the backend: the replenish probe
// is a single check-credit-recheck step and the debit is a single
// read-modify-write, so concurrent requests for one user can neither
// replenish twice nor lose an update.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/pario-ai/tokengate/pkg/models"
)

var (
	// ErrNotFound is returned when the referenced user does not exist.
	ErrNotFound = errors.New("store: user not found")
	// ErrExists is returned by CreateUser for a duplicate id or API key.
	ErrExists = errors.New("store: user already exists")
)

// Store holds user records and their token accounts.
type Store interface {
	// GetUserByID returns the user or ErrNotFound.
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	// GetUserByAPIKey looks a user up by plaintext API key.
	GetUserByAPIKey(ctx context.Context, apiKey string) (*models.User, error)
	// CreateUser inserts a new user record.
	CreateUser(ctx context.Context, u models.User) error
	// ListUsers returns all users ordered by id.
	ListUsers(ctx context.Context) ([]models.User, error)
	// InitializeUserTokens sets the balance to amount and stamps the
	// replenish time.
	InitializeUserTokens(ctx context.Context, id string, amount int64) error
	// CanUserConsumeTokens atomically credits replenish tokens when the
	// balance is below amount and interval has elapsed since the last
	// replenishment, then reports whether amount is covered. It never debits.
	CanUserConsumeTokens(ctx context.Context, id string, amount int64, interval time.Duration, replenish int64) (canConsume, replenished bool, err error)
	// DeductUserTokens unconditionally subtracts amount from the balance and
	// adds it to the used counter. The balance may go negative.
	DeductUserTokens(ctx context.Context, id string, amount int64) error
	// UpdateUserTokenBalance unconditionally sets the balance.
	UpdateUserTokenBalance(ctx context.Context, id string, balance int64) error
	// Close releases resources.
	Close() error
}

// HashAPIKey returns the hex SHA-256 of an API key. Keys are only ever
// stored in this form.
func HashAPIKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// ReplenishDue reports whether an account last replenished at last may be
// replenished again at now. A zero last time is always due.
func ReplenishDue(last, now time.Time, interval time.Duration) bool {
	if last.IsZero() {
		return true
	}
	return now.Sub(last) >= interval
}
