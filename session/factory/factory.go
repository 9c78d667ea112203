package factory

import (
	"context"
	"fmt"
	"strings"

	"github.com/PipeOpsHQ/dao-ai-builder/internal/config"
	"github.com/PipeOpsHQ/dao-ai-builder/session"
	postgresstore "github.com/PipeOpsHQ/dao-ai-builder/session/postgres"
	redisstore "github.com/PipeOpsHQ/dao-ai-builder/session/redis"
	sqlitestore "github.com/PipeOpsHQ/dao-ai-builder/session/sqlite"
)

// FromConfig opens the session store selected by cfg.SessionBackend.
func FromConfig(ctx context.Context, cfg config.Config) (session.Store, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.SessionBackend))
	switch backend {
	case "", "memory":
		return session.NewMemoryStore(), nil

	case "sqlite":
		return sqlitestore.New(cfg.SQLitePath)

	case "redis":
		return redisstore.New(cfg.RedisAddr,
			redisstore.WithPassword(cfg.RedisPassword),
			redisstore.WithDB(cfg.RedisDB),
			redisstore.WithTTL(cfg.SessionMaxAge),
		)

	case "postgres":
		if strings.TrimSpace(cfg.PostgresDSN) == "" {
			return nil, fmt.Errorf("SESSION_POSTGRES_DSN is required for the postgres session backend")
		}
		return postgresstore.Open(ctx, cfg.PostgresDSN)

	default:
		return nil, fmt.Errorf("unsupported SESSION_BACKEND %q (use memory, sqlite, redis, or postgres)", backend)
	}
}
