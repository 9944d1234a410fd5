package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the audit_records table. Execute it via
// [PostgresSink.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_records (
    id             BIGSERIAL PRIMARY KEY,
    kind           TEXT NOT NULL,
    session_id     TEXT NOT NULL DEFAULT '',
    user_id        TEXT NOT NULL DEFAULT '',
    correlation_id TEXT NOT NULL DEFAULT '',
    payload        JSONB NOT NULL DEFAULT '{}',
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_audit_records_session ON audit_records(session_id);
CREATE INDEX IF NOT EXISTS idx_audit_records_kind_created ON audit_records(kind, created_at);
`

// DB is the database interface used by [PostgresSink]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresSink persists audit records to PostgreSQL.
type PostgresSink struct {
	db DB
}

// Compile-time interface check.
var _ Sink = (*PostgresSink)(nil)

// NewPostgresSink creates a sink over the given connection or pool. The
// caller is responsible for calling [PostgresSink.Migrate] before writes.
func NewPostgresSink(db DB) *PostgresSink {
	return &PostgresSink{db: db}
}

// Migrate executes the [Schema] DDL, creating the audit_records table if it
// does not already exist.
func (s *PostgresSink) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("audit: migrate: %w", err)
	}
	return nil
}

func (s *PostgresSink) Write(ctx context.Context, rec Record) error {
	const query = `
		INSERT INTO audit_records (kind, session_id, user_id, correlation_id, payload, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`

	_, err := s.db.Exec(ctx, query,
		rec.Kind, rec.Session, rec.UserID, rec.CorrelationID, []byte(rec.Payload), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: write %s: %w", rec.Kind, err)
	}
	return nil
}
