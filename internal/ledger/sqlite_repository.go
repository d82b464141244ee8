package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteRepository is the single-binary default usage store.
type SQLiteRepository struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS usage_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id TEXT NOT NULL,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	cost REAL NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT '',
	requested_at TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_usage_account ON usage_records(account_id);
CREATE INDEX IF NOT EXISTS idx_usage_requested_at ON usage_records(requested_at);

CREATE TABLE IF NOT EXISTS account_usage_totals (
	account_id TEXT PRIMARY KEY,
	requests INTEGER NOT NULL DEFAULT 0,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	cost REAL NOT NULL DEFAULT 0
);
`

// NewSQLiteRepository opens (and migrates) the SQLite usage store at path.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("ledger: open sqlite %s: %w", path, err)
	}
	// SQLite allows a single writer; serialize through one connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: migrate sqlite schema: %w", err)
	}
	return &SQLiteRepository{db: db}, nil
}

// Write inserts the record and upserts the totals projection in one
// transaction.
func (r *SQLiteRepository) Write(ctx context.Context, rec UsageRecord) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO usage_records (account_id, prompt_tokens, completion_tokens, cost, status, requested_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.AccountID, rec.PromptTokens, rec.CompletionTokens, rec.Cost, rec.Status, rec.RequestedAt,
	); err != nil {
		return fmt.Errorf("ledger: insert usage record: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO account_usage_totals (account_id, requests, prompt_tokens, completion_tokens, total_tokens, cost)
		VALUES (?, 1, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			requests = requests + 1,
			prompt_tokens = prompt_tokens + excluded.prompt_tokens,
			completion_tokens = completion_tokens + excluded.completion_tokens,
			total_tokens = total_tokens + excluded.total_tokens,
			cost = cost + excluded.cost`,
		rec.AccountID, rec.PromptTokens, rec.CompletionTokens,
		rec.PromptTokens+rec.CompletionTokens, rec.Cost,
	); err != nil {
		return fmt.Errorf("ledger: upsert totals: %w", err)
	}

	return tx.Commit()
}

// Totals reads the totals projection for one account. Missing rows mean zero
// consumed capacity.
func (r *SQLiteRepository) Totals(ctx context.Context, accountID string) (Totals, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT requests, prompt_tokens, completion_tokens, total_tokens, cost
		FROM account_usage_totals WHERE account_id = ?`, accountID)
	var t Totals
	if err := row.Scan(&t.Requests, &t.PromptTokens, &t.CompletionTokens, &t.TotalTokens, &t.Cost); err != nil {
		if err == sql.ErrNoRows {
			return Totals{}, nil
		}
		return Totals{}, fmt.Errorf("ledger: query totals: %w", err)
	}
	return sanitizeTotals(t), nil
}

// AllTotals reads the totals projection for every account.
func (r *SQLiteRepository) AllTotals(ctx context.Context) (map[string]Totals, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT account_id, requests, prompt_tokens, completion_tokens, total_tokens, cost
		FROM account_usage_totals`)
	if err != nil {
		return nil, fmt.Errorf("ledger: query all totals: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Totals)
	for rows.Next() {
		var id string
		var t Totals
		if err := rows.Scan(&id, &t.Requests, &t.PromptTokens, &t.CompletionTokens, &t.TotalTokens, &t.Cost); err != nil {
			return nil, err
		}
		out[id] = sanitizeTotals(t)
	}
	return out, rows.Err()
}

// Daily aggregates the record rows by UTC day and account.
func (r *SQLiteRepository) Daily(ctx context.Context, since time.Time) ([]DailyStat, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT date(requested_at), account_id, COUNT(*),
			COALESCE(SUM(prompt_tokens + completion_tokens), 0), COALESCE(SUM(cost), 0)
		FROM usage_records
		WHERE requested_at >= ?
		GROUP BY 1, 2
		ORDER BY 1 DESC, 2`, since)
	if err != nil {
		return nil, fmt.Errorf("ledger: query daily usage: %w", err)
	}
	defer rows.Close()

	var out []DailyStat
	for rows.Next() {
		var s DailyStat
		if err := rows.Scan(&s.Day, &s.AccountID, &s.Requests, &s.Tokens, &s.Cost); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Cleanup removes records older than before. The totals projection is kept:
// it is a lifetime aggregate, not a windowed one.
func (r *SQLiteRepository) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM usage_records WHERE requested_at < ?`, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *SQLiteRepository) Close() error { return r.db.Close() }
