package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/realtime-cpi-pipeline/internal/pipeline"
)

// RecordStore upserts records keyed by storage key.
type RecordStore struct {
	pool  Pool
	table string
}

// NewRecordStore wraps pool. An empty table defaults to "records".
func NewRecordStore(pool Pool, table string) (*RecordStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "records"
	}
	if err := CheckTableName(table); err != nil {
		return nil, err
	}
	return &RecordStore{pool: pool, table: table}, nil
}

// Name identifies the connector.
func (s *RecordStore) Name() string {
	return "postgres"
}

// EnsureSchema creates the records table when missing.
func (s *RecordStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	key TEXT PRIMARY KEY,
	schema_name TEXT NOT NULL,
	source_job_id TEXT NOT NULL,
	fields JSONB NOT NULL,
	fetched_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s table: %w", s.table, err)
	}
	return nil
}

// Upsert inserts the record or updates it when its content changed. An
// unchanged redelivery affects no rows and reports Written=false.
func (s *RecordStore) Upsert(ctx context.Context, record pipeline.ValidatedRecord) (pipeline.UpsertResult, error) {
	const op = "postgres upsert"
	fields, err := json.Marshal(record.Fields)
	if err != nil {
		return pipeline.UpsertResult{}, pipeline.Constraint(op, fmt.Errorf("marshal fields: %w", err))
	}
	query := fmt.Sprintf(`
INSERT INTO %[1]s (key, schema_name, source_job_id, fields, fetched_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (key) DO UPDATE SET
	schema_name = EXCLUDED.schema_name,
	source_job_id = EXCLUDED.source_job_id,
	fields = EXCLUDED.fields,
	fetched_at = EXCLUDED.fetched_at,
	updated_at = now()
WHERE %[1]s.fields IS DISTINCT FROM EXCLUDED.fields
	OR %[1]s.schema_name IS DISTINCT FROM EXCLUDED.schema_name`, s.table)

	tag, err := s.pool.Exec(ctx, query,
		string(record.Key),
		record.Schema,
		record.SourceJobID,
		fields,
		record.FetchedAt,
	)
	if err != nil {
		return pipeline.UpsertResult{}, Classify(op, err)
	}
	return pipeline.UpsertResult{Key: record.Key, Written: tag.RowsAffected() > 0}, nil
}

// Ping checks connectivity.
func (s *RecordStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *RecordStore) Close() {
	s.pool.Close()
}
