// Package session keeps browser session state (OAuth tokens, workspace host,
// login state) server-side, keyed by a signed cookie.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/PipeOpsHQ/dao-ai-builder/credential"
)

var ErrNotFound = errors.New("session not found")

const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeyExpiresIn    = "expires_in"
	KeyHost         = "databricks_host"
	KeyOAuthState   = "oauth_state"
	KeyOAuthHost    = "oauth_host"
	KeyRedirectURI  = "oauth_redirect_uri"
)

type Session struct {
	ID        string            `json:"id"`
	Values    map[string]string `json:"values"`
	CreatedAt time.Time         `json:"createdAt"`
	ExpiresAt time.Time         `json:"expiresAt"`

	dirty bool
}

// Store persists sessions. Get returns ErrNotFound for unknown or expired ids.
type Store interface {
	Get(ctx context.Context, id string) (Session, error)
	Save(ctx context.Context, s Session) error
	Delete(ctx context.Context, id string) error
	Close() error
}

func New(ttl time.Duration) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        uuid.NewString(),
		Values:    map[string]string{},
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

func (s *Session) Get(key string) string {
	if s == nil || s.Values == nil {
		return ""
	}
	return s.Values[key]
}

func (s *Session) Has(key string) bool {
	if s == nil || s.Values == nil {
		return false
	}
	_, ok := s.Values[key]
	return ok
}

func (s *Session) Set(key, value string) {
	if s.Values == nil {
		s.Values = map[string]string{}
	}
	s.Values[key] = value
	s.dirty = true
}

func (s *Session) Delete(key string) {
	if s.Values == nil {
		return
	}
	if _, ok := s.Values[key]; ok {
		delete(s.Values, key)
		s.dirty = true
	}
}

// Clear drops every value.
func (s *Session) Clear() {
	if len(s.Values) > 0 {
		s.dirty = true
	}
	s.Values = map[string]string{}
}

func (s *Session) Dirty() bool { return s != nil && s.dirty }

func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Credentials exposes the values the credential resolver reads.
func (s *Session) Credentials() credential.SessionState {
	return credential.SessionState{
		AccessToken: s.Get(KeyAccessToken),
		Host:        s.Get(KeyHost),
	}
}
