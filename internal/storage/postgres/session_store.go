// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/draftforge/webintel/internal/intel"
)

// db is the subset of pgxpool.Pool the stores need; pgxmock satisfies it.
type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// NewPool creates a pgx pool from the config.
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// SessionStore implements intel.SessionStore on Postgres with optimistic
// concurrency on the version column.
type SessionStore struct {
	db db
}

// NewSessionStore constructs a SessionStore over an existing pool or mock.
func NewSessionStore(db db) *SessionStore {
	return &SessionStore{db: db}
}

// CreateSession inserts a new session row.
func (s *SessionStore) CreateSession(ctx context.Context, session intel.Session) error {
	merged, err := json.Marshal(session.Merged)
	if err != nil {
		return fmt.Errorf("marshal merged data: %w", err)
	}
	query := `
INSERT INTO sessions (id, domain, user_id, phase, merged_data, version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = s.db.Exec(ctx, query,
		session.ID,
		session.Domain,
		session.UserID,
		string(session.Phase),
		merged,
		session.Version,
		session.CreatedAt,
		session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

const sessionColumns = `id, domain, user_id, phase, merged_data, version, created_at, updated_at`

// GetSession fetches a session by ID.
func (s *SessionStore) GetSession(ctx context.Context, id string) (intel.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	return s.scanSession(s.db.QueryRow(ctx, query, id))
}

// GetSessionByDomain fetches the newest session for a domain and user.
func (s *SessionStore) GetSessionByDomain(ctx context.Context, domain, userID string) (intel.Session, error) {
	query := `SELECT ` + sessionColumns + `
FROM sessions
WHERE domain = $1 AND user_id = $2 AND phase <> 'deleted'
ORDER BY created_at DESC
LIMIT 1`
	return s.scanSession(s.db.QueryRow(ctx, query, domain, userID))
}

// UpdateSession applies the patch only when the stored version still matches
// expectedVersion, returning intel.ErrVersionConflict on a stale write.
func (s *SessionStore) UpdateSession(ctx context.Context, id string, patch intel.SessionPatch, expectedVersion int64) (intel.Session, error) {
	merged, err := json.Marshal(patch.Merged)
	if err != nil {
		return intel.Session{}, fmt.Errorf("marshal merged data: %w", err)
	}
	query := `
UPDATE sessions
SET phase = $1, merged_data = $2, version = version + 1, updated_at = NOW()
WHERE id = $3 AND version = $4
RETURNING ` + sessionColumns
	updated, err := s.scanSession(s.db.QueryRow(ctx, query, string(patch.Phase), merged, id, expectedVersion))
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, intel.ErrNotFound) {
		return intel.Session{}, err
	}
	// Zero rows: distinguish a missing session from a stale version.
	if _, getErr := s.GetSession(ctx, id); getErr != nil {
		return intel.Session{}, getErr
	}
	return intel.Session{}, intel.ErrVersionConflict
}

func (s *SessionStore) scanSession(row pgx.Row) (intel.Session, error) {
	var (
		session intel.Session
		phase   string
		merged  []byte
	)
	err := row.Scan(
		&session.ID,
		&session.Domain,
		&session.UserID,
		&phase,
		&merged,
		&session.Version,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return intel.Session{}, intel.ErrNotFound
		}
		return intel.Session{}, fmt.Errorf("scan session: %w", err)
	}
	session.Phase = intel.Phase(phase)
	if len(merged) > 0 {
		if err := json.Unmarshal(merged, &session.Merged); err != nil {
			return intel.Session{}, fmt.Errorf("unmarshal merged data: %w", err)
		}
	}
	return session, nil
}
