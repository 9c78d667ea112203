package session

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultCookieName = "dao_session"
	DefaultMaxAge     = time.Hour
)

// Manager binds sessions in a Store to an HMAC-signed cookie holding only
// the session id.
type Manager struct {
	store      Store
	secret     []byte
	cookieName string
	maxAge     time.Duration
	secure     bool
}

type ManagerOption func(*Manager)

func WithCookieName(name string) ManagerOption {
	return func(m *Manager) {
		if strings.TrimSpace(name) != "" {
			m.cookieName = strings.TrimSpace(name)
		}
	}
}

func WithMaxAge(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.maxAge = d
		}
	}
}

// WithSecure marks the cookie Secure. Enable it when served over HTTPS.
func WithSecure(secure bool) ManagerOption {
	return func(m *Manager) { m.secure = secure }
}

func NewManager(store Store, secret string, opts ...ManagerOption) *Manager {
	if store == nil {
		store = NewMemoryStore()
	}
	m := &Manager{
		store:      store,
		secret:     []byte(secret),
		cookieName: DefaultCookieName,
		maxAge:     DefaultMaxAge,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Store() Store { return m.store }

// Load returns the request's session, or a fresh unsaved one when the cookie
// is missing, tampered with, or points at an expired session.
func (m *Manager) Load(r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(m.cookieName)
	if err != nil {
		return New(m.maxAge), nil
	}
	id, ok := m.verify(cookie.Value)
	if !ok {
		return New(m.maxAge), nil
	}
	s, err := m.store.Get(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		return New(m.maxAge), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return &s, nil
}

// Save persists s when it changed and (re)issues the cookie.
func (m *Manager) Save(ctx context.Context, w http.ResponseWriter, s *Session) error {
	if s == nil || !s.Dirty() {
		return nil
	}
	s.ExpiresAt = time.Now().UTC().Add(m.maxAge)
	if err := m.store.Save(ctx, *s); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	s.dirty = false
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    m.sign(s.ID),
		Path:     "/",
		MaxAge:   int(m.maxAge.Seconds()),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Destroy removes the session from the store and expires the cookie.
func (m *Manager) Destroy(ctx context.Context, w http.ResponseWriter, s *Session) error {
	if s != nil {
		if err := m.store.Delete(ctx, s.ID); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		s.Clear()
		s.dirty = false
	}
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

func (m *Manager) sign(id string) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(id))
	return id + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (m *Manager) verify(value string) (string, bool) {
	id, sig, ok := strings.Cut(value, ".")
	if !ok || id == "" {
		return "", false
	}
	expected := m.sign(id)
	if !hmac.Equal([]byte(expected), []byte(id+"."+sig)) {
		return "", false
	}
	return id, true
}
