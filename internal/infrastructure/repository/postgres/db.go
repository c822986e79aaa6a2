package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

type SchemaOptions struct {
	// VectorDimensions > 0 adds the pgvector extension and the passages.embedding column.
	VectorDimensions int
}

const baseSchema = `
CREATE TABLE IF NOT EXISTS passages (
	id TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	dataset_id TEXT NOT NULL,
	document_id TEXT NOT NULL,
	document_title TEXT NOT NULL DEFAULT '',
	ordinal INTEGER NOT NULL DEFAULT 0,
	page INTEGER NOT NULL DEFAULT 0,
	section_path TEXT NOT NULL DEFAULT '',
	element_type TEXT NOT NULL DEFAULT '',
	has_verbatim BOOLEAN NOT NULL DEFAULT FALSE,
	content TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_passages_scope ON passages(organization_id, dataset_id);
CREATE INDEX IF NOT EXISTS idx_passages_document ON passages(document_id, ordinal);

CREATE TABLE IF NOT EXISTS conversation_sessions (
	id TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	user_identifier TEXT NOT NULL,
	dataset_id TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	last_activity_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_owner_activity ON conversation_sessions(organization_id, user_identifier, last_activity_at DESC);
CREATE INDEX IF NOT EXISTS idx_sessions_last_activity ON conversation_sessions(last_activity_at);

CREATE TABLE IF NOT EXISTS conversation_messages (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES conversation_sessions(id) ON DELETE CASCADE,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL,
	seq BIGSERIAL
);

ALTER TABLE conversation_messages ADD COLUMN IF NOT EXISTS seq BIGSERIAL;

CREATE INDEX IF NOT EXISTS idx_messages_session_created ON conversation_messages(session_id, created_at DESC, seq DESC);
`

// EnsureSchema creates the query-side tables. Ingestion owns writes to passages.
func EnsureSchema(ctx context.Context, db *sql.DB, opts SchemaOptions) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026030101)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, baseSchema); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}
	if opts.VectorDimensions > 0 {
		vectorDDL := fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;
ALTER TABLE passages ADD COLUMN IF NOT EXISTS embedding vector(%d);
`, opts.VectorDimensions)
		if _, err := tx.ExecContext(ctx, vectorDDL); err != nil {
			return fmt.Errorf("execute vector ddl: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}
