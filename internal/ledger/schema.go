package ledger

import (
	"context"
	"fmt"
)

// schema creates the ledger tables if missing. The unique index on the
// natural key is what makes Upsert idempotent and is created even when the
// table already exists without it.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS openai_usage (
		id                BIGSERIAL PRIMARY KEY,
		workflow_id       TEXT NOT NULL,
		workflow_name     TEXT,
		execution_id      TEXT NOT NULL,
		node_id           TEXT NOT NULL,
		node_name         TEXT,
		model             TEXT NOT NULL,
		endpoint          TEXT NOT NULL DEFAULT 'chat',
		prompt_tokens     INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens      INTEGER NOT NULL DEFAULT 0,
		estimated_cost    NUMERIC(12, 6) NOT NULL DEFAULT 0,
		is_estimated      BOOLEAN NOT NULL DEFAULT FALSE,
		timestamp         TIMESTAMPTZ NOT NULL,
		metadata          JSONB,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS openai_usage_natural_key
		ON openai_usage (workflow_id, execution_id, node_id, model)`,
	`CREATE INDEX IF NOT EXISTS openai_usage_timestamp_idx ON openai_usage (timestamp)`,
	`CREATE TABLE IF NOT EXISTS openai_usage_daily (
		day               DATE NOT NULL,
		workflow_id       TEXT NOT NULL,
		workflow_name     TEXT,
		model             TEXT NOT NULL,
		requests          BIGINT NOT NULL DEFAULT 0,
		prompt_tokens     BIGINT NOT NULL DEFAULT 0,
		completion_tokens BIGINT NOT NULL DEFAULT 0,
		total_tokens      BIGINT NOT NULL DEFAULT 0,
		cost              NUMERIC(14, 6) NOT NULL DEFAULT 0,
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (day, workflow_id, model)
	)`,
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure ledger schema: %w", err)
		}
	}
	return nil
}
