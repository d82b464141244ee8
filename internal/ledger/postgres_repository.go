package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository is the usage store for multi-instance deployments.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS usage_records (
	id BIGSERIAL PRIMARY KEY,
	account_id TEXT NOT NULL,
	prompt_tokens BIGINT NOT NULL DEFAULT 0,
	completion_tokens BIGINT NOT NULL DEFAULT 0,
	cost DOUBLE PRECISION NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT '',
	requested_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_usage_account ON usage_records(account_id);
CREATE INDEX IF NOT EXISTS idx_usage_requested_at ON usage_records(requested_at);

CREATE TABLE IF NOT EXISTS account_usage_totals (
	account_id TEXT PRIMARY KEY,
	requests BIGINT NOT NULL DEFAULT 0,
	prompt_tokens BIGINT NOT NULL DEFAULT 0,
	completion_tokens BIGINT NOT NULL DEFAULT 0,
	total_tokens BIGINT NOT NULL DEFAULT 0,
	cost DOUBLE PRECISION NOT NULL DEFAULT 0
);
`

// NewPostgresRepository connects, verifies, and migrates the Postgres store.
func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(connectCtx, dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: create pgx pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ledger: ping postgres: %w", err)
	}
	if _, err := pool.Exec(connectCtx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ledger: migrate postgres schema: %w", err)
	}
	return &PostgresRepository{pool: pool}, nil
}

// Write inserts the record and upserts the totals projection in one
// transaction.
func (r *PostgresRepository) Write(ctx context.Context, rec UsageRecord) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO usage_records (account_id, prompt_tokens, completion_tokens, cost, status, requested_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			rec.AccountID, rec.PromptTokens, rec.CompletionTokens, rec.Cost, rec.Status, rec.RequestedAt,
		); err != nil {
			return fmt.Errorf("ledger: insert usage record: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO account_usage_totals (account_id, requests, prompt_tokens, completion_tokens, total_tokens, cost)
			VALUES ($1, 1, $2, $3, $4, $5)
			ON CONFLICT (account_id) DO UPDATE SET
				requests = account_usage_totals.requests + 1,
				prompt_tokens = account_usage_totals.prompt_tokens + EXCLUDED.prompt_tokens,
				completion_tokens = account_usage_totals.completion_tokens + EXCLUDED.completion_tokens,
				total_tokens = account_usage_totals.total_tokens + EXCLUDED.total_tokens,
				cost = account_usage_totals.cost + EXCLUDED.cost`,
			rec.AccountID, rec.PromptTokens, rec.CompletionTokens,
			rec.PromptTokens+rec.CompletionTokens, rec.Cost,
		); err != nil {
			return fmt.Errorf("ledger: upsert totals: %w", err)
		}
		return nil
	})
}

// Totals reads the totals projection for one account. Missing rows mean zero
// consumed capacity.
func (r *PostgresRepository) Totals(ctx context.Context, accountID string) (Totals, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT requests, prompt_tokens, completion_tokens, total_tokens, cost
		FROM account_usage_totals WHERE account_id = $1`, accountID)
	var t Totals
	if err := row.Scan(&t.Requests, &t.PromptTokens, &t.CompletionTokens, &t.TotalTokens, &t.Cost); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Totals{}, nil
		}
		return Totals{}, fmt.Errorf("ledger: query totals: %w", err)
	}
	return sanitizeTotals(t), nil
}

// AllTotals reads the totals projection for every account.
func (r *PostgresRepository) AllTotals(ctx context.Context) (map[string]Totals, error) {
	rows, err := r.pool.Query(ctx, `
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
func (r *PostgresRepository) Daily(ctx context.Context, since time.Time) ([]DailyStat, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT to_char(requested_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day, account_id, COUNT(*),
			COALESCE(SUM(prompt_tokens + completion_tokens), 0), COALESCE(SUM(cost), 0)
		FROM usage_records
		WHERE requested_at >= $1
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

// Cleanup removes records older than before, keeping the lifetime totals.
func (r *PostgresRepository) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM usage_records WHERE requested_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}
