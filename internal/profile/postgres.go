package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the user_profiles table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS user_profiles (
    user_id           TEXT PRIMARY KEY,
    style             TEXT NOT NULL DEFAULT '',
    pacing            TEXT NOT NULL DEFAULT 'normal',
    risk_tolerance    TEXT NOT NULL DEFAULT 'medium',
    confidence        DOUBLE PRECISION NOT NULL DEFAULT 0.3,
    traits            JSONB NOT NULL DEFAULT '[]',
    inferred_intimacy INTEGER NOT NULL DEFAULT 0,
    topics            JSONB NOT NULL DEFAULT '[]',
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database. Traits and
// topics are serialised as JSONB.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store over the given connection or pool. The
// caller is responsible for calling [PostgresStore.Migrate] before issuing
// queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL, creating the user_profiles table if it
// does not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("profile: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, userID string) (*Profile, error) {
	const query = `
		SELECT user_id, style, pacing, risk_tolerance, confidence,
		       traits, inferred_intimacy, topics, created_at, updated_at
		FROM user_profiles
		WHERE user_id = $1`

	var p Profile
	var traitsJSON, topicsJSON []byte

	err := s.db.QueryRow(ctx, query, userID).Scan(
		&p.UserID, &p.Style, &p.Pacing, &p.RiskTolerance, &p.Confidence,
		&traitsJSON, &p.InferredIntimacy, &topicsJSON, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("profile: get %q: %w", userID, err)
	}

	if err := json.Unmarshal(traitsJSON, &p.Traits); err != nil {
		return nil, fmt.Errorf("profile: unmarshal traits: %w", err)
	}
	if err := json.Unmarshal(topicsJSON, &p.Topics); err != nil {
		return nil, fmt.Errorf("profile: unmarshal topics: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) Put(ctx context.Context, p *Profile) error {
	traitsJSON, err := json.Marshal(emptySlice(p.Traits))
	if err != nil {
		return fmt.Errorf("profile: marshal traits: %w", err)
	}
	topicsJSON, err := json.Marshal(emptySlice(p.Topics))
	if err != nil {
		return fmt.Errorf("profile: marshal topics: %w", err)
	}

	const query = `
		INSERT INTO user_profiles (
			user_id, style, pacing, risk_tolerance, confidence,
			traits, inferred_intimacy, topics
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (user_id) DO UPDATE SET
			style = EXCLUDED.style,
			pacing = EXCLUDED.pacing,
			risk_tolerance = EXCLUDED.risk_tolerance,
			confidence = EXCLUDED.confidence,
			traits = EXCLUDED.traits,
			inferred_intimacy = EXCLUDED.inferred_intimacy,
			topics = EXCLUDED.topics,
			updated_at = now()
		RETURNING created_at, updated_at`

	err = s.db.QueryRow(ctx, query,
		p.UserID, p.Style, p.Pacing, p.RiskTolerance, p.Confidence,
		traitsJSON, p.InferredIntimacy, topicsJSON,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("profile: put %q: %w", p.UserID, err)
	}
	return nil
}

// emptySlice keeps nil slices encoding as JSON [] rather than null.
func emptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
