// Package postgres appends dead letters to a Postgres table.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/realtime-cpi-pipeline/internal/pipeline"
	storepg "github.com/JakeFAU/realtime-cpi-pipeline/internal/storage/postgres"
)

// Pool adds row queries to the shared pool contract.
type Pool interface {
	storepg.Pool
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Sink writes one row per dead letter. Rows are never updated.
type Sink struct {
	pool  Pool
	table string
}

// New wraps pool. An empty table defaults to "dead_letters".
func New(pool Pool, table string) (*Sink, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "dead_letters"
	}
	if err := storepg.CheckTableName(table); err != nil {
		return nil, err
	}
	return &Sink{pool: pool, table: table}, nil
}

// EnsureSchema creates the dead-letter table when missing.
func (s *Sink) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	job_id TEXT NOT NULL,
	job_type TEXT NOT NULL,
	reason TEXT NOT NULL,
	attempt_count INT NOT NULL,
	job JSONB NOT NULL,
	failures JSONB NOT NULL,
	dead_lettered_at TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s table: %w", s.table, err)
	}
	return nil
}

// Write inserts dl.
func (s *Sink) Write(ctx context.Context, dl pipeline.DeadLetter) error {
	const op = "postgres dead letter"
	job, err := json.Marshal(dl.Job)
	if err != nil {
		return pipeline.Constraint(op, fmt.Errorf("marshal job: %w", err))
	}
	failures, err := json.Marshal(dl.Failures)
	if err != nil {
		return pipeline.Constraint(op, fmt.Errorf("marshal failures: %w", err))
	}
	query := fmt.Sprintf(`
INSERT INTO %s (job_id, job_type, reason, attempt_count, job, failures, dead_lettered_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`, s.table)
	if _, err := s.pool.Exec(ctx, query,
		dl.Job.ID,
		string(dl.Job.Type),
		string(dl.Reason),
		dl.Job.AttemptCount,
		job,
		failures,
		dl.DeadLetteredAt,
	); err != nil {
		return storepg.Classify(op, err)
	}
	return nil
}

// ListDeadLetters returns dead letters newest first, optionally filtered by reason.
func (s *Sink) ListDeadLetters(ctx context.Context, reason pipeline.Kind, limit, offset int) ([]pipeline.DeadLetter, error) {
	query := fmt.Sprintf(`
SELECT job, failures, reason, dead_lettered_at FROM %s
WHERE ($1 = '' OR reason = $1)
ORDER BY id DESC
LIMIT $2 OFFSET $3`, s.table)
	rows, err := s.pool.Query(ctx, query, string(reason), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var out []pipeline.DeadLetter
	for rows.Next() {
		var (
			jobJSON, failuresJSON []byte
			dl                    pipeline.DeadLetter
			kind                  string
		)
		if err := rows.Scan(&jobJSON, &failuresJSON, &kind, &dl.DeadLetteredAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		if err := json.Unmarshal(jobJSON, &dl.Job); err != nil {
			return nil, fmt.Errorf("decode dead letter job: %w", err)
		}
		if err := json.Unmarshal(failuresJSON, &dl.Failures); err != nil {
			return nil, fmt.Errorf("decode dead letter failures: %w", err)
		}
		dl.Reason = pipeline.Kind(kind)
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return out, nil
}
