// Package storetest is a conformance suite run against every store.Store
// backend.
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/tokengate/pkg/models"
	"github.com/pario-ai/tokengate/pkg/store"
)

// Clock is a settable time source shared between a test and its store.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock frozen at t.
func NewClock(t time.Time) *Clock { return &Clock{now: t} }

// Now returns the current frozen time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Factory builds a fresh, empty store using clock for replenishment.
type Factory func(t *testing.T, clock *Clock) store.Store

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Run executes the conformance suite.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newStore) })
	t.Run("InitializeUserTokens", func(t *testing.T) { testInitialize(t, newStore) })
	t.Run("DeductAllowsNegative", func(t *testing.T) { testDeduct(t, newStore) })
	t.Run("UpdateBalance", func(t *testing.T) { testUpdateBalance(t, newStore) })
	t.Run("ReplenishWhenDue", func(t *testing.T) { testReplenishDue(t, newStore) })
	t.Run("NoReplenishBeforeInterval", func(t *testing.T) { testReplenishNotDue(t, newStore) })
	t.Run("NoReplenishWhenCovered", func(t *testing.T) { testReplenishCovered(t, newStore) })
	t.Run("ConcurrentReplenishOnce", func(t *testing.T) { testConcurrentReplenish(t, newStore) })
	t.Run("ConcurrentDeduct", func(t *testing.T) { testConcurrentDeduct(t, newStore) })
}

func seed(t *testing.T, s store.Store, u models.User) {
	t.Helper()
	require.NoError(t, s.CreateUser(context.Background(), u))
}

func testCreateAndGet(t *testing.T, newStore Factory) {
	clock := NewClock(epoch)
	s := newStore(t, clock)
	ctx := context.Background()

	seed(t, s, models.User{
		ID: "u1", Name: "Ada", Role: models.RoleUser,
		APIKeyHash: store.HashAPIKey("sk-ada"), TokenBalance: 42,
	})
	seed(t, s, models.User{ID: "u0", Name: "Root", Role: models.RoleAdmin})

	u, err := s.GetUserByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", u.Name)
	assert.Equal(t, models.RoleUser, u.Role)
	assert.Equal(t, int64(42), u.TokenBalance)
	assert.True(t, u.LastTokenReplenishTime.IsZero())

	byKey, err := s.GetUserByAPIKey(ctx, "sk-ada")
	require.NoError(t, err)
	assert.Equal(t, "u1", byKey.ID)

	err = s.CreateUser(ctx, models.User{ID: "u1", Role: models.RoleUser})
	assert.ErrorIs(t, err, store.ErrExists)

	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "u0", users[0].ID)
	assert.Equal(t, "u1", users[1].ID)
}

func testNotFound(t *testing.T, newStore Factory) {
	s := newStore(t, NewClock(epoch))
	ctx := context.Background()

	_, err := s.GetUserByID(ctx, "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetUserByAPIKey(ctx, "sk-ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.InitializeUserTokens(ctx, "ghost", 10), store.ErrNotFound)
	assert.ErrorIs(t, s.DeductUserTokens(ctx, "ghost", 10), store.ErrNotFound)
	assert.ErrorIs(t, s.UpdateUserTokenBalance(ctx, "ghost", 10), store.ErrNotFound)
	_, _, err = s.CanUserConsumeTokens(ctx, "ghost", 1, time.Hour, 10)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testInitialize(t *testing.T, newStore Factory) {
	clock := NewClock(epoch)
	s := newStore(t, clock)
	ctx := context.Background()
	seed(t, s, models.User{ID: "u1", Role: models.RoleUser})

	require.NoError(t, s.InitializeUserTokens(ctx, "u1", 500))

	u, err := s.GetUserByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), u.TokenBalance)
	assert.True(t, u.LastTokenReplenishTime.Equal(epoch), "got %v", u.LastTokenReplenishTime)
}

func testDeduct(t *testing.T, newStore Factory) {
	s := newStore(t, NewClock(epoch))
	ctx := context.Background()
	seed(t, s, models.User{ID: "u1", Role: models.RoleUser, TokenBalance: 10, TotalTokensUsed: 5})

	require.NoError(t, s.DeductUserTokens(ctx, "u1", 30))

	u, err := s.GetUserByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(-20), u.TokenBalance)
	assert.Equal(t, int64(35), u.TotalTokensUsed)
}

func testUpdateBalance(t *testing.T, newStore Factory) {
	s := newStore(t, NewClock(epoch))
	ctx := context.Background()
	seed(t, s, models.User{ID: "u1", Role: models.RoleUser, TokenBalance: 10, TotalTokensUsed: 7})

	require.NoError(t, s.UpdateUserTokenBalance(ctx, "u1", -100))

	u, err := s.GetUserByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(-100), u.TokenBalance)
	assert.Equal(t, int64(7), u.TotalTokensUsed)
}

func testReplenishDue(t *testing.T, newStore Factory) {
	clock := NewClock(epoch)
	s := newStore(t, clock)
	ctx := context.Background()
	seed(t, s, models.User{
		ID: "u1", Role: models.RoleUser, TokenBalance: -5,
		LastTokenReplenishTime: epoch.Add(-2 * time.Hour),
	})

	ok, replenished, err := s.CanUserConsumeTokens(ctx, "u1", 1, time.Hour, 100)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, replenished)

	u, err := s.GetUserByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(95), u.TokenBalance)
	assert.True(t, u.LastTokenReplenishTime.Equal(epoch), "got %v", u.LastTokenReplenishTime)

	// Never-replenished accounts are due immediately.
	seed(t, s, models.User{ID: "u2", Role: models.RoleUser})
	ok, replenished, err = s.CanUserConsumeTokens(ctx, "u2", 1, time.Hour, 100)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, replenished)
}

func testReplenishNotDue(t *testing.T, newStore Factory) {
	clock := NewClock(epoch)
	s := newStore(t, clock)
	ctx := context.Background()
	seed(t, s, models.User{
		ID: "u1", Role: models.RoleUser, TokenBalance: 0,
		LastTokenReplenishTime: epoch.Add(-30 * time.Minute),
	})

	ok, replenished, err := s.CanUserConsumeTokens(ctx, "u1", 1, time.Hour, 100)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, replenished)

	u, err := s.GetUserByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), u.TokenBalance)

	clock.Advance(30 * time.Minute)
	ok, replenished, err = s.CanUserConsumeTokens(ctx, "u1", 1, time.Hour, 100)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, replenished)
}

func testReplenishCovered(t *testing.T, newStore Factory) {
	s := newStore(t, NewClock(epoch))
	ctx := context.Background()
	seed(t, s, models.User{ID: "u1", Role: models.RoleUser, TokenBalance: 3})

	ok, replenished, err := s.CanUserConsumeTokens(ctx, "u1", 1, time.Hour, 100)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, replenished)

	u, err := s.GetUserByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), u.TokenBalance, "probe must not debit")
}

func testConcurrentReplenish(t *testing.T, newStore Factory) {
	s := newStore(t, NewClock(epoch))
	ctx := context.Background()
	seed(t, s, models.User{
		ID: "u1", Role: models.RoleUser, TokenBalance: 0,
		LastTokenReplenishTime: epoch.Add(-48 * time.Hour),
	})

	const workers = 16
	var replenishments atomic.Int64
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, replenished, err := s.CanUserConsumeTokens(ctx, "u1", 1, time.Hour, 100)
			if err != nil {
				t.Errorf("probe: %v", err)
				return
			}
			if replenished {
				replenishments.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), replenishments.Load())
	u, err := s.GetUserByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), u.TokenBalance)
}

func testConcurrentDeduct(t *testing.T, newStore Factory) {
	s := newStore(t, NewClock(epoch))
	ctx := context.Background()
	seed(t, s, models.User{ID: "u1", Role: models.RoleUser, TokenBalance: 100})

	const workers = 20
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.DeductUserTokens(ctx, "u1", 10); err != nil {
				t.Errorf("deduct: %v", err)
			}
		}()
	}
	wg.Wait()

	u, err := s.GetUserByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(-100), u.TokenBalance)
	assert.Equal(t, int64(200), u.TotalTokensUsed)
}
