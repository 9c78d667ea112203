package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/PipeOpsHQ/dao-ai-builder/session"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS dao_sessions (
  id TEXT PRIMARY KEY,
  values_json JSONB NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dao_sessions_expires_at ON dao_sessions(expires_at);
`

type Store struct {
	pool *pgxpool.Pool
}

func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initialize session schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Get(ctx context.Context, id string) (session.Session, error) {
	out := session.Session{ID: id}
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT values_json, created_at, expires_at
		FROM dao_sessions
		WHERE id=$1 AND expires_at > now()
	`, id).Scan(&raw, &out.CreatedAt, &out.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return session.Session{}, session.ErrNotFound
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("get session: %w", err)
	}
	if err := json.Unmarshal(raw, &out.Values); err != nil {
		return session.Session{}, fmt.Errorf("decode session values: %w", err)
	}
	return out, nil
}

func (s *Store) Save(ctx context.Context, sess session.Session) error {
	if sess.ID == "" {
		return fmt.Errorf("session id is required")
	}
	raw, err := json.Marshal(sess.Values)
	if err != nil {
		return fmt.Errorf("encode session values: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO dao_sessions (id, values_json, created_at, expires_at)
		VALUES ($1,$2::jsonb,$3,$4)
		ON CONFLICT (id) DO UPDATE SET values_json=EXCLUDED.values_json, expires_at=EXCLUDED.expires_at
	`, sess.ID, string(raw), sess.CreatedAt, sess.ExpiresAt)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM dao_sessions WHERE id=$1`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
