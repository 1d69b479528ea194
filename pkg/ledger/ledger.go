// Package ledger keeps an append-only SQLite record of token events:
// consumption, replenishment, initialization and admin overrides.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/pario-ai/tokengate/pkg/models"
)

// Ledger records and queries token events.
type Ledger struct {
	db *sql.DB
}

const createTable = `
CREATE TABLE IF NOT EXISTS token_events (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	amount INTEGER NOT NULL,
	balance_after INTEGER NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_token_events_user_time ON token_events(user_id, created_at);
`

// New opens the ledger database and runs auto-migration.
func New(dbPath string) (*Ledger, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}

	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger db: %w", err)
	}

	return &Ledger{db: db}, nil
}

// Record appends an entry. Missing ids and timestamps are filled in.
func (l *Ledger) Record(ctx context.Context, e models.LedgerEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO token_events (id, user_id, kind, model, prompt_tokens, completion_tokens, amount, balance_after, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, string(e.Kind), e.Model, e.PromptTokens, e.CompletionTokens, e.Amount, e.BalanceAfter, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record token event: %w", err)
	}
	return nil
}

// QueryByUser returns a user's events since a given time, newest first.
func (l *Ledger) QueryByUser(ctx context.Context, userID string, since time.Time) ([]models.LedgerEntry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, user_id, kind, model, prompt_tokens, completion_tokens, amount, balance_after, created_at
		 FROM token_events WHERE user_id = ? AND created_at >= ? ORDER BY created_at DESC`,
		userID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("query token events: %w", err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var (
			e    models.LedgerEntry
			kind string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &kind, &e.Model, &e.PromptTokens, &e.CompletionTokens, &e.Amount, &e.BalanceAfter, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan token event: %w", err)
		}
		e.Kind = models.LedgerKind(kind)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Summary aggregates consumption by user and model, optionally filtered
// to one user.
func (l *Ledger) Summary(ctx context.Context, userID string) ([]models.LedgerSummary, error) {
	query := `SELECT user_id, model, COUNT(*), SUM(prompt_tokens), SUM(completion_tokens), SUM(amount)
		 FROM token_events WHERE kind = ?`
	args := []any{string(models.LedgerConsume)}
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	query += ` GROUP BY user_id, model ORDER BY user_id, model`

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	defer rows.Close()

	var summaries []models.LedgerSummary
	for rows.Next() {
		var s models.LedgerSummary
		if err := rows.Scan(&s.UserID, &s.Model, &s.RequestCount, &s.TotalPrompt, &s.TotalCompletion, &s.TotalTokens); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// Close releases the database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}
