// Package sqlite provides a SQLite-backed store.Store.
//
// Each token mutation is a single UPDATE statement, which SQLite executes
// atomically; the replenish probe uses UPDATE ... RETURNING so eligibility,
// credit and the post-credit balance come from one statement.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/tokengate/pkg/models"
	"github.com/pario-ai/tokengate/pkg/store"
)

// Store implements store.Store with a SQLite database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithClock overrides the time source used for replenishment.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Times are stored as unix nanoseconds; 0 means never.
const createUsersTable = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL,
	api_key_hash TEXT UNIQUE,
	token_balance INTEGER NOT NULL DEFAULT 0,
	total_tokens_used INTEGER NOT NULL DEFAULT 0,
	last_token_replenish_ns INTEGER NOT NULL DEFAULT 0,
	created_ns INTEGER NOT NULL
);
`

const userColumns = `id, name, role, COALESCE(api_key_hash, ''), token_balance, total_tokens_used, last_token_replenish_ns, created_ns`

// New opens the database at dbPath and runs auto-migration.
func New(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open user db: %w", err)
	}
	// One connection serialises writers and keeps statement-level atomicity
	// free of SQLITE_BUSY retries.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createUsersTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate user db: %w", err)
	}

	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*models.User, error) {
	var (
		u                      models.User
		role                   string
		replenishNs, createdNs int64
	)
	if err := row.Scan(&u.ID, &u.Name, &role, &u.APIKeyHash, &u.TokenBalance, &u.TotalTokensUsed, &replenishNs, &createdNs); err != nil {
		return nil, err
	}
	u.Role = models.Role(role)
	u.LastTokenReplenishTime = fromNanos(replenishNs)
	u.CreatedAt = fromNanos(createdNs)
	return &u, nil
}

// GetUserByID returns the user or store.ErrNotFound.
func (s *Store) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// GetUserByAPIKey returns the user owning apiKey.
func (s *Store) GetUserByAPIKey(ctx context.Context, apiKey string) (*models.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE api_key_hash = ?`, store.HashAPIKey(apiKey)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user by api key: %w", err)
	}
	return u, nil
}

// CreateUser inserts u.
func (s *Store) CreateUser(ctx context.Context, u models.User) error {
	var keyHash sql.NullString
	if u.APIKeyHash != "" {
		keyHash = sql.NullString{String: u.APIKeyHash, Valid: true}
	}
	created := u.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, role, api_key_hash, token_balance, total_tokens_used, last_token_replenish_ns, created_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Name, string(u.Role), keyHash, u.TokenBalance, u.TotalTokensUsed, toNanos(u.LastTokenReplenishTime), toNanos(created),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return store.ErrExists
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// ListUsers returns all users ordered by id.
func (s *Store) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// InitializeUserTokens sets the balance and stamps the replenish time.
func (s *Store) InitializeUserTokens(ctx context.Context, id string, amount int64) error {
	return s.execOne(ctx, "initialize tokens",
		`UPDATE users SET token_balance = ?, last_token_replenish_ns = ? WHERE id = ?`,
		amount, s.now().UnixNano(), id,
	)
}

// CanUserConsumeTokens replenishes a due account and reports coverage.
func (s *Store) CanUserConsumeTokens(ctx context.Context, id string, amount int64, interval time.Duration, replenish int64) (bool, bool, error) {
	now := s.now().UnixNano()

	var balance int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE users SET token_balance = token_balance + ?, last_token_replenish_ns = ?
		 WHERE id = ? AND token_balance < ?
		   AND (last_token_replenish_ns = 0 OR ? - last_token_replenish_ns >= ?)
		 RETURNING token_balance`,
		replenish, now, id, amount, now, int64(interval),
	).Scan(&balance)
	if err == nil {
		return balance >= amount, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, false, fmt.Errorf("replenish tokens: %w", err)
	}

	// Not eligible: report the current balance.
	err = s.db.QueryRowContext(ctx, `SELECT token_balance FROM users WHERE id = ?`, id).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, store.ErrNotFound
	}
	if err != nil {
		return false, false, fmt.Errorf("read balance: %w", err)
	}
	return balance >= amount, false, nil
}

// DeductUserTokens debits amount without a floor.
func (s *Store) DeductUserTokens(ctx context.Context, id string, amount int64) error {
	return s.execOne(ctx, "deduct tokens",
		`UPDATE users SET token_balance = token_balance - ?, total_tokens_used = total_tokens_used + ? WHERE id = ?`,
		amount, amount, id,
	)
}

// UpdateUserTokenBalance sets the balance.
func (s *Store) UpdateUserTokenBalance(ctx context.Context, id string, balance int64) error {
	return s.execOne(ctx, "update balance",
		`UPDATE users SET token_balance = ? WHERE id = ?`,
		balance, id,
	)
}

// execOne runs an UPDATE that must touch exactly one user row.
func (s *Store) execOne(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
