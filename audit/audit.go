// Package audit records security-relevant actions: logins, deployments and
// prompt registrations.
package audit

import (
	"context"
	"encoding/json"
	"time"
)

const (
	ActionLogin          = "auth.login"
	ActionLogout         = "auth.logout"
	ActionDeployStart    = "deploy.start"
	ActionDeployCancel   = "deploy.cancel"
	ActionPromptRegister = "prompt.register"
)

type Entry struct {
	ID        int64     `json:"id,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource"`
	Payload   string    `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists entries. Record ignores entries without an action or
// resource.
type Store interface {
	Record(ctx context.Context, entry Entry) error
	// List returns the newest entries first.
	List(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

// Payload encodes v for Entry.Payload; values that cannot be encoded yield
// an empty payload.
func Payload(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Record(context.Context, Entry) error       { return nil }
func (Nop) List(context.Context, int) ([]Entry, error) { return nil, nil }
func (Nop) Close() error                               { return nil }
