// Package config loads process configuration from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultAddr          = "0.0.0.0:8000"
	DefaultStaticFolder  = "./static"
	DefaultGitHubRepo    = "natefleming/dao-ai"
	DefaultGitHubBranch  = "main"
	DefaultGitHubPath    = "config"
	DefaultAIEndpoint    = "databricks-claude-sonnet-4"
	DefaultSessionMaxAge = time.Hour
)

type Config struct {
	Addr         string
	Debug        bool
	StaticFolder string
	HTTPS        bool

	SessionSecret  string
	SessionMaxAge  time.Duration
	SessionBackend string
	SQLitePath     string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	PostgresDSN    string

	OAuthClientID     string
	OAuthClientSecret string

	AuditDBPath   string
	DeployWorkers int
	AIEndpoint    string
	PromptDir     string
	OTelEnabled   bool

	LogLevel  string
	LogFormat string

	DaoAIVersion string
	GitHubRepo   string
	GitHubBranch string
	GitHubPath   string
}

// LoadDotEnv loads the first .env found in dir or its parent. Values already
// present in the environment are never overridden. It returns the loaded path.
func LoadDotEnv(dir string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolve working directory: %w", err)
		}
		dir = wd
	}
	for _, candidate := range []string{filepath.Join(dir, ".env"), filepath.Join(filepath.Dir(dir), ".env")} {
		if _, err := os.Stat(candidate); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return "", fmt.Errorf("stat %s: %w", candidate, err)
		}
		if err := godotenv.Load(candidate); err != nil {
			return "", fmt.Errorf("load %s: %w", candidate, err)
		}
		return candidate, nil
	}
	return "", nil
}

// Load reads Config from the environment.
func Load() Config {
	cfg := Config{
		Addr:         resolveAddr(),
		Debug:        BoolEnv("DEBUG", false),
		StaticFolder: Getenv("STATIC_FOLDER", DefaultStaticFolder),
		HTTPS:        BoolEnv("HTTPS", false),

		SessionSecret:  Getenv("FLASK_SECRET_KEY", ""),
		SessionMaxAge:  DurationEnv("SESSION_MAX_AGE", DefaultSessionMaxAge),
		SessionBackend: strings.ToLower(Getenv("SESSION_BACKEND", "memory")),
		SQLitePath:     Getenv("SESSION_SQLITE_PATH", "./.dao-ai-builder/sessions.db"),
		RedisAddr:      Getenv("SESSION_REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:  Getenv("SESSION_REDIS_PASSWORD", ""),
		RedisDB:        IntEnv("SESSION_REDIS_DB", 0),
		PostgresDSN:    FirstEnv("SESSION_POSTGRES_DSN", "DATABASE_URL"),

		OAuthClientID:     FirstEnv("OAUTH_CLIENT_ID", "DATABRICKS_OAUTH_CLIENT_ID", "DATABRICKS_APP_CLIENT_ID"),
		OAuthClientSecret: FirstEnv("OAUTH_CLIENT_SECRET", "DATABRICKS_OAUTH_CLIENT_SECRET"),

		AuditDBPath:   Getenv("AUDIT_DB_PATH", ""),
		DeployWorkers: IntEnv("DEPLOY_WORKERS", 4),
		AIEndpoint:    Getenv("AI_ENDPOINT", DefaultAIEndpoint),
		PromptDir:     Getenv("PROMPT_DIR", ""),
		OTelEnabled:   BoolEnv("OTEL_ENABLED", false),

		LogLevel:  Getenv("LOG_LEVEL", "info"),
		LogFormat: Getenv("LOG_FORMAT", "text"),

		DaoAIVersion: Getenv("DAO_AI_VERSION", "unknown"),
		GitHubRepo:   Getenv("GITHUB_CONFIG_REPO", DefaultGitHubRepo),
		GitHubBranch: Getenv("GITHUB_CONFIG_BRANCH", DefaultGitHubBranch),
		GitHubPath:   Getenv("GITHUB_CONFIG_PATH", DefaultGitHubPath),
	}
	if cfg.SessionSecret == "" {
		cfg.SessionSecret = os.Getenv("DATABRICKS_HOST") + "-session-key"
	}
	if cfg.DeployWorkers <= 0 {
		cfg.DeployWorkers = 1
	}
	return cfg
}

func resolveAddr() string {
	if addr := Getenv("ADDR", ""); addr != "" {
		return addr
	}
	if port := Getenv("PORT", ""); port != "" {
		return "0.0.0.0:" + port
	}
	return DefaultAddr
}
