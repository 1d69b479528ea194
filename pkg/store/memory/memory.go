// Package memory provides an in-process Store. State is lost on restart,
// so it suits tests and single-instance development setups.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pario-ai/tokengate/pkg/models"
	"github.com/pario-ai/tokengate/pkg/store"
)

// Store is an in-memory store.Store guarded by a single mutex.
type Store struct {
	mu    sync.Mutex
	users map[string]*models.User
	keys  map[string]string // api key hash -> user id
	now   func() time.Time
}

var _ store.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithClock overrides the time source used for replenishment.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		users: make(map[string]*models.User),
		keys:  make(map[string]string),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetUserByID returns a copy of the user record.
func (s *Store) GetUserByID(_ context.Context, id string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// GetUserByAPIKey returns a copy of the user owning apiKey.
func (s *Store) GetUserByAPIKey(ctx context.Context, apiKey string) (*models.User, error) {
	s.mu.Lock()
	id, ok := s.keys[store.HashAPIKey(apiKey)]
	s.mu.Unlock()
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.GetUserByID(ctx, id)
}

// CreateUser inserts u.
func (s *Store) CreateUser(_ context.Context, u models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return store.ErrExists
	}
	if u.APIKeyHash != "" {
		if _, ok := s.keys[u.APIKeyHash]; ok {
			return store.ErrExists
		}
		s.keys[u.APIKeyHash] = u.ID
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now()
	}
	s.users[u.ID] = &u
	return nil
}

// ListUsers returns copies of all users ordered by id.
func (s *Store) ListUsers(_ context.Context) ([]models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	users := make([]models.User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, *u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

// InitializeUserTokens sets the balance and stamps the replenish time.
func (s *Store) InitializeUserTokens(_ context.Context, id string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.TokenBalance = amount
	u.LastTokenReplenishTime = s.now()
	return nil
}

// CanUserConsumeTokens replenishes a due account and reports coverage.
func (s *Store) CanUserConsumeTokens(_ context.Context, id string, amount int64, interval time.Duration, replenish int64) (bool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return false, false, store.ErrNotFound
	}

	replenished := false
	now := s.now()
	if u.TokenBalance < amount && store.ReplenishDue(u.LastTokenReplenishTime, now, interval) {
		u.TokenBalance += replenish
		u.LastTokenReplenishTime = now
		replenished = true
	}
	return u.TokenBalance >= amount, replenished, nil
}

// DeductUserTokens debits amount without a floor.
func (s *Store) DeductUserTokens(_ context.Context, id string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.TokenBalance -= amount
	u.TotalTokensUsed += amount
	return nil
}

// UpdateUserTokenBalance sets the balance.
func (s *Store) UpdateUserTokenBalance(_ context.Context, id string, balance int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.TokenBalance = balance
	return nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
