package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pario-ai/tokengate/pkg/models"
	"github.com/pario-ai/tokengate/pkg/store"
	"github.com/pario-ai/tokengate/pkg/store/storetest"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "users.db")
	s, err := New(dbPath, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T, clock *storetest.Clock) store.Store {
		return newTestStore(t, WithClock(clock.Now))
	})
}

func TestReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "users.db")
	ctx := context.Background()

	s, err := New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.CreateUser(ctx, models.User{ID: "u1", Role: models.RoleUser, TokenBalance: 7}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeductUserTokens(ctx, "u1", 3); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	u, err := s.GetUserByID(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if u.TokenBalance != 4 || u.TotalTokensUsed != 3 {
		t.Errorf("expected balance 4 used 3, got %d/%d", u.TokenBalance, u.TotalTokensUsed)
	}
}

func TestTimesRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 5, 4, 3, 2, 1, 123456789, time.UTC)

	if err := s.CreateUser(ctx, models.User{ID: "u1", Role: models.RoleUser, LastTokenReplenishTime: ts, CreatedAt: ts}); err != nil {
		t.Fatal(err)
	}
	u, err := s.GetUserByID(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !u.LastTokenReplenishTime.Equal(ts) || !u.CreatedAt.Equal(ts) {
		t.Errorf("times not preserved: %v %v", u.LastTokenReplenishTime, u.CreatedAt)
	}
}

func TestDuplicateAPIKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	hash := store.HashAPIKey("sk-shared")

	if err := s.CreateUser(ctx, models.User{ID: "u1", Role: models.RoleUser, APIKeyHash: hash}); err != nil {
		t.Fatal(err)
	}
	err := s.CreateUser(ctx, models.User{ID: "u2", Role: models.RoleUser, APIKeyHash: hash})
	if err != store.ErrExists {
		t.Errorf("expected ErrExists, got %v", err)
	}
	// Users without keys do not collide.
	if err := s.CreateUser(ctx, models.User{ID: "u3", Role: models.RoleUser}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateUser(ctx, models.User{ID: "u4", Role: models.RoleUser}); err != nil {
		t.Fatal(err)
	}
}
