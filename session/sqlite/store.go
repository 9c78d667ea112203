package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/PipeOpsHQ/dao-ai-builder/session"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("session sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable wal: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize session schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Get(ctx context.Context, id string) (session.Session, error) {
	const q = `SELECT values_json, created_at, expires_at FROM sessions WHERE id = ?;`
	var raw, createdAt, expiresAt string
	err := s.db.QueryRowContext(ctx, q, id).Scan(&raw, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, session.ErrNotFound
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("get session: %w", err)
	}
	out := session.Session{ID: id, Values: map[string]string{}}
	if err := json.Unmarshal([]byte(raw), &out.Values); err != nil {
		return session.Session{}, fmt.Errorf("decode session values: %w", err)
	}
	out.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	out.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)
	if out.Expired(time.Now().UTC()) {
		_ = s.Delete(ctx, id)
		return session.Session{}, session.ErrNotFound
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
	const q = `
INSERT INTO sessions (id, values_json, created_at, expires_at) VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET values_json = excluded.values_json, expires_at = excluded.expires_at;`
	if _, err := s.db.ExecContext(ctx, q,
		sess.ID,
		string(raw),
		sess.CreatedAt.UTC().Format(time.RFC3339Nano),
		sess.ExpiresAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Prune removes expired sessions and returns how many were deleted.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < ?;`, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
