package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// xmax is 0 only for rows created by this statement, which tells a fresh
// insert apart from a conflict update.
const upsertQuery = `
	INSERT INTO openai_usage (
		workflow_id, workflow_name, execution_id, node_id, node_name, model, endpoint,
		prompt_tokens, completion_tokens, total_tokens, estimated_cost, is_estimated,
		timestamp, metadata
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	ON CONFLICT (workflow_id, execution_id, node_id, model) DO UPDATE SET
		workflow_name     = EXCLUDED.workflow_name,
		node_name         = EXCLUDED.node_name,
		endpoint          = EXCLUDED.endpoint,
		prompt_tokens     = EXCLUDED.prompt_tokens,
		completion_tokens = EXCLUDED.completion_tokens,
		total_tokens      = EXCLUDED.total_tokens,
		estimated_cost    = EXCLUDED.estimated_cost,
		is_estimated      = EXCLUDED.is_estimated,
		timestamp         = EXCLUDED.timestamp,
		metadata          = EXCLUDED.metadata,
		updated_at        = NOW()
	RETURNING (xmax = 0) AS inserted
`

func (s *PostgresStore) Upsert(ctx context.Context, records []UsageRecord) UpsertResult {
	var res UpsertResult
	for i := range records {
		rec := &records[i]
		if err := rec.Validate(); err != nil {
			res.fail(rec, err)
			continue
		}

		var metadata []byte
		if rec.Metadata != nil {
			b, err := json.Marshal(rec.Metadata)
			if err != nil {
				res.fail(rec, fmt.Errorf("failed to encode metadata: %w", err))
				continue
			}
			metadata = b
		}

		var inserted bool
		err := s.db.QueryRow(ctx, upsertQuery,
			rec.WorkflowID, rec.WorkflowName, rec.ExecutionID, rec.NodeID, rec.NodeName,
			rec.Model, rec.Endpoint, rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens,
			rec.EstimatedCost, rec.IsEstimated, rec.Timestamp.UTC(), metadata,
		).Scan(&inserted)
		if err != nil {
			res.fail(rec, fmt.Errorf("failed to upsert usage record: %w", err))
			continue
		}

		if inserted {
			res.Inserted++
		} else {
			res.Updated++
		}
	}
	return res
}

const (
	clearDailyQuery = `DELETE FROM openai_usage_daily`

	rebuildDailyQuery = `
		INSERT INTO openai_usage_daily (
			day, workflow_id, workflow_name, model, requests,
			prompt_tokens, completion_tokens, total_tokens, cost, updated_at
		)
		SELECT
			(timestamp AT TIME ZONE 'UTC')::date,
			workflow_id,
			MAX(workflow_name),
			model,
			COUNT(*),
			SUM(prompt_tokens),
			SUM(completion_tokens),
			SUM(total_tokens),
			SUM(estimated_cost),
			NOW()
		FROM openai_usage
		GROUP BY 1, workflow_id, model
	`
)

// Reaggregate replaces the daily table with roll-ups computed from the
// whole ledger, inside one transaction.
func (s *PostgresStore) Reaggregate(ctx context.Context) error {
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, clearDailyQuery); err != nil {
			return fmt.Errorf("failed to clear daily usage: %w", err)
		}
		if _, err := tx.Exec(ctx, rebuildDailyQuery); err != nil {
			return fmt.Errorf("failed to rebuild daily usage: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to reaggregate: %w", err)
	}
	return nil
}

func (s *PostgresStore) DailySummary(ctx context.Context, from, to time.Time) ([]DailyUsage, error) {
	query := `
		SELECT day, workflow_id, COALESCE(workflow_name, ''), model, requests,
		       prompt_tokens, completion_tokens, total_tokens, cost::float8
		FROM openai_usage_daily
		WHERE day BETWEEN $1 AND $2
		ORDER BY day DESC, cost DESC
	`
	rows, err := s.db.Query(ctx, query, dayOf(from), dayOf(to))
	if err != nil {
		return nil, fmt.Errorf("failed to query daily usage: %w", err)
	}
	defer rows.Close()

	var out []DailyUsage
	for rows.Next() {
		var d DailyUsage
		err := rows.Scan(
			&d.Day, &d.WorkflowID, &d.WorkflowName, &d.Model, &d.Requests,
			&d.PromptTokens, &d.CompletionTokens, &d.TotalTokens, &d.Cost,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan daily usage: %w", err)
		}
		out = append(out, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating daily usage: %w", err)
	}

	return out, nil
}

func (s *PostgresStore) TotalCost(ctx context.Context, from, to time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(estimated_cost), 0)::float8
		FROM openai_usage
		WHERE timestamp BETWEEN $1 AND $2
	`
	var total float64
	if err := s.db.QueryRow(ctx, query, from, to).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to get total cost: %w", err)
	}
	return total, nil
}

func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM openai_usage`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count usage records: %w", err)
	}
	return n, nil
}
