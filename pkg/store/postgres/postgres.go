// Package postgres provides a PostgreSQL-backed store.Store.
//
// Token mutations are single conditional UPDATE statements; the row lock
// PostgreSQL takes for the update makes the replenish probe and the debit
// safe across gateway instances.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pario-ai/tokengate/pkg/models"
	"github.com/pario-ai/tokengate/pkg/store"
)

// Store is a PostgreSQL-backed store.Store.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
	now         func() time.Time
}

var _ store.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "tokengate_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// WithClock overrides the time source used for replenishment.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store on an existing pool. Call EnsureSchema before use.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "tokengate_",
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to dsn, ensures the schema and returns a Store that owns
// the pool.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("tokengate/postgres: connect: %w", err)
	}
	s := New(pool, opts...)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) usersTable() string { return s.tablePrefix + "users" }

// EnsureSchema creates the users table if it doesn't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL,
			api_key_hash TEXT UNIQUE,
			token_balance BIGINT NOT NULL DEFAULT 0,
			total_tokens_used BIGINT NOT NULL DEFAULT 0,
			last_token_replenish_time TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`, s.usersTable())
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("tokengate/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) selectUser(where string) string {
	return fmt.Sprintf(`SELECT id, name, role, COALESCE(api_key_hash, ''), token_balance, total_tokens_used,
		last_token_replenish_time, created_at FROM %s %s`, s.usersTable(), where)
}

func scanUser(row pgx.Row) (*models.User, error) {
	var (
		u         models.User
		role      string
		replenish *time.Time
	)
	if err := row.Scan(&u.ID, &u.Name, &role, &u.APIKeyHash, &u.TokenBalance, &u.TotalTokensUsed, &replenish, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.Role = models.Role(role)
	if replenish != nil {
		u.LastTokenReplenishTime = replenish.UTC()
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return &u, nil
}

// GetUserByID returns the user or store.ErrNotFound.
func (s *Store) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, s.selectUser(`WHERE id = $1`), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("tokengate/postgres: get user: %w", err)
	}
	return u, nil
}

// GetUserByAPIKey returns the user owning apiKey.
func (s *Store) GetUserByAPIKey(ctx context.Context, apiKey string) (*models.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, s.selectUser(`WHERE api_key_hash = $1`), store.HashAPIKey(apiKey)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("tokengate/postgres: get user by api key: %w", err)
	}
	return u, nil
}

// CreateUser inserts u.
func (s *Store) CreateUser(ctx context.Context, u models.User) error {
	var keyHash *string
	if u.APIKeyHash != "" {
		keyHash = &u.APIKeyHash
	}
	var replenish *time.Time
	if !u.LastTokenReplenishTime.IsZero() {
		replenish = &u.LastTokenReplenishTime
	}
	created := u.CreatedAt
	if created.IsZero() {
		created = s.now()
	}

	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, name, role, api_key_hash, token_balance, total_tokens_used, last_token_replenish_time, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, s.usersTable()),
		u.ID, u.Name, string(u.Role), keyHash, u.TokenBalance, u.TotalTokensUsed, replenish, created,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return store.ErrExists
	}
	if err != nil {
		return fmt.Errorf("tokengate/postgres: create user: %w", err)
	}
	return nil
}

// ListUsers returns all users ordered by id.
func (s *Store) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := s.pool.Query(ctx, s.selectUser(`ORDER BY id`))
	if err != nil {
		return nil, fmt.Errorf("tokengate/postgres: list users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("tokengate/postgres: scan user: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// InitializeUserTokens sets the balance and stamps the replenish time.
func (s *Store) InitializeUserTokens(ctx context.Context, id string, amount int64) error {
	return s.execOne(ctx, "initialize tokens",
		fmt.Sprintf(`UPDATE %s SET token_balance = $1, last_token_replenish_time = $2 WHERE id = $3`, s.usersTable()),
		amount, s.now(), id,
	)
}

// CanUserConsumeTokens replenishes a due account and reports coverage.
func (s *Store) CanUserConsumeTokens(ctx context.Context, id string, amount int64, interval time.Duration, replenish int64) (bool, bool, error) {
	now := s.now()
	cutoff := now.Add(-interval)

	var balance int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s SET token_balance = token_balance + $1, last_token_replenish_time = $2
			WHERE id = $3 AND token_balance < $4
			  AND (last_token_replenish_time IS NULL OR last_token_replenish_time <= $5)
			RETURNING token_balance`, s.usersTable()),
		replenish, now, id, amount, cutoff,
	).Scan(&balance)
	if err == nil {
		return balance >= amount, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, false, fmt.Errorf("tokengate/postgres: replenish tokens: %w", err)
	}

	err = s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT token_balance FROM %s WHERE id = $1`, s.usersTable()), id,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, false, store.ErrNotFound
	}
	if err != nil {
		return false, false, fmt.Errorf("tokengate/postgres: read balance: %w", err)
	}
	return balance >= amount, false, nil
}

// DeductUserTokens debits amount without a floor.
func (s *Store) DeductUserTokens(ctx context.Context, id string, amount int64) error {
	return s.execOne(ctx, "deduct tokens",
		fmt.Sprintf(`UPDATE %s SET token_balance = token_balance - $1, total_tokens_used = total_tokens_used + $1 WHERE id = $2`, s.usersTable()),
		amount, id,
	)
}

// UpdateUserTokenBalance sets the balance.
func (s *Store) UpdateUserTokenBalance(ctx context.Context, id string, balance int64) error {
	return s.execOne(ctx, "update balance",
		fmt.Sprintf(`UPDATE %s SET token_balance = $1 WHERE id = $2`, s.usersTable()),
		balance, id,
	)
}

func (s *Store) execOne(ctx context.Context, op, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("tokengate/postgres: %s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
