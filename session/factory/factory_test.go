package factory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/PipeOpsHQ/dao-ai-builder/internal/config"
	"github.com/PipeOpsHQ/dao-ai-builder/session"
)

func TestFromConfigMemoryDefault(t *testing.T) {
	store, err := FromConfig(context.Background(), config.Config{})
	if err != nil {
		t.Fatalf("expected memory store, got error: %v", err)
	}
	if _, ok := store.(*session.MemoryStore); !ok {
		t.Fatalf("expected *session.MemoryStore, got %T", store)
	}
}

func TestFromConfigSQLite(t *testing.T) {
	store, err := FromConfig(context.Background(), config.Config{
		SessionBackend: "sqlite",
		SQLitePath:     filepath.Join(t.TempDir(), "sessions.db"),
	})
	if err != nil {
		t.Fatalf("expected sqlite store, got error: %v", err)
	}
	defer store.Close()
}

func TestFromConfigRejectsUnknownBackend(t *testing.T) {
	if _, err := FromConfig(context.Background(), config.Config{SessionBackend: "etcd"}); err == nil {
		t.Fatal("expected error for unsupported backend")
	}
	if _, err := FromConfig(context.Background(), config.Config{SessionBackend: "postgres"}); err == nil {
		t.Fatal("expected error when postgres DSN is missing")
	}
}
