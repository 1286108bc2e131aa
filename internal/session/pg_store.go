package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/nexusbff/model"
)

// Schema is the DDL for the bff_sessions table.
const Schema = `
CREATE TABLE IF NOT EXISTS bff_sessions (
	id           TEXT PRIMARY KEY,
	subject_id   TEXT NOT NULL,
	display_name TEXT NOT NULL,
	email        TEXT NOT NULL DEFAULT '',
	role         TEXT NOT NULL,
	token        TEXT NOT NULL,
	expires_at   TIMESTAMPTZ NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS bff_sessions_expires_at_idx ON bff_sessions (expires_at);
`

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL session store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureSchema creates the sessions table if it does not exist.
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create bff_sessions: %w", err)
	}
	return nil
}

// Get retrieves an unexpired session.
func (s *PgStore) Get(ctx context.Context, id string) (*model.Identity, error) {
	var identity model.Identity
	var role string

	err := s.pool.QueryRow(ctx, `
		SELECT subject_id, display_name, email, role, token, expires_at
		FROM bff_sessions
		WHERE id = $1 AND expires_at > now()`,
		id,
	).Scan(
		&identity.SubjectID, &identity.DisplayName, &identity.Email,
		&role, &identity.Token, &identity.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}

	identity.Role = model.Role(role)
	return &identity, nil
}

// Put inserts or replaces a session.
func (s *PgStore) Put(ctx context.Context, id string, identity model.Identity, ttl time.Duration) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bff_sessions (id, subject_id, display_name, email, role, token, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			subject_id = EXCLUDED.subject_id,
			display_name = EXCLUDED.display_name,
			email = EXCLUDED.email,
			role = EXCLUDED.role,
			token = EXCLUDED.token,
			expires_at = EXCLUDED.expires_at`,
		id, identity.SubjectID, identity.DisplayName, identity.Email,
		string(identity.Role), identity.Token, time.Now().UTC().Add(ttl),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// Delete removes a session.
func (s *PgStore) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM bff_sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteExpired removes sessions whose lifetime has passed and returns how
// many were removed.
func (s *PgStore) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM bff_sessions WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// HealthCheck pings the pool.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
