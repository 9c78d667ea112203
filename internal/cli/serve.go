package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	osExec "os/exec"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/PipeOpsHQ/dao-ai-builder/agentlib"
	"github.com/PipeOpsHQ/dao-ai-builder/api"
	"github.com/PipeOpsHQ/dao-ai-builder/audit"
	"github.com/PipeOpsHQ/dao-ai-builder/auth"
	"github.com/PipeOpsHQ/dao-ai-builder/chat"
	"github.com/PipeOpsHQ/dao-ai-builder/credential"
	"github.com/PipeOpsHQ/dao-ai-builder/deploy"
	"github.com/PipeOpsHQ/dao-ai-builder/internal/config"
	"github.com/PipeOpsHQ/dao-ai-builder/internal/logging"
	"github.com/PipeOpsHQ/dao-ai-builder/observe"
	observeotel "github.com/PipeOpsHQ/dao-ai-builder/observe/otel"
	"github.com/PipeOpsHQ/dao-ai-builder/promptgen"
	"github.com/PipeOpsHQ/dao-ai-builder/session"
	sessionfactory "github.com/PipeOpsHQ/dao-ai-builder/session/factory"
)

func runServe(ctx context.Context, sf serveFlags) error {
	cfg := config.Load()
	if sf.addr != "" {
		cfg.Addr = sf.addr
	}
	if sf.static != "" {
		cfg.StaticFolder = sf.static
	}
	level := cfg.LogLevel
	if cfg.Debug {
		level = "debug"
	}
	logger := logging.New(level, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var tp trace.TracerProvider
	if cfg.OTelEnabled {
		provider := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())))
		otel.SetTracerProvider(provider)
		tp = provider
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := provider.Shutdown(shutdownCtx); err != nil {
				logger.Warn("tracer provider shutdown failed", "error", err)
			}
		}()
		logger.Info("tracing enabled")
	}

	store, err := sessionfactory.FromConfig(ctx, cfg)
	if err != nil {
		logger.Warn("session store unavailable, using memory", "backend", cfg.SessionBackend, "error", err)
		store = session.NewMemoryStore()
	}
	defer closeStore(logger, "session store", store)
	sessions := session.NewManager(store, cfg.SessionSecret,
		session.WithMaxAge(cfg.SessionMaxAge),
		session.WithSecure(cfg.HTTPS),
	)

	auditStore := audit.Store(audit.Nop{})
	if cfg.AuditDBPath != "" {
		if opened, err := audit.NewSQLiteStore(cfg.AuditDBPath); err != nil {
			logger.Warn("audit store unavailable", "path", cfg.AuditDBPath, "error", err)
		} else {
			auditStore = opened
		}
	}
	defer closeStore(logger, "audit store", auditStore)

	registry := promptgen.DefaultRegistry()
	if cfg.PromptDir != "" {
		n, err := promptgen.LoadDir(registry, cfg.PromptDir)
		if err != nil {
			logger.Warn("generator prompts unavailable", "dir", cfg.PromptDir, "error", err)
		} else {
			logger.Info("loaded generator prompts", "dir", cfg.PromptDir, "count", n)
		}
	}

	var transport http.RoundTripper = http.DefaultTransport
	events := api.NewEventStream()
	sinks := []observe.Sink{events, observe.LogSink{Logger: logger}}
	if tp != nil {
		sinks = append(sinks, observeotel.NewSink(tp))
	}
	sink := observe.NewAsyncSink(observe.NewFanout(sinks...), 256)
	defer sink.Close()

	platform := agentlib.NewPlatform(agentlib.WithTransport(transport), agentlib.WithLogger(logger))
	tracker := deploy.NewTracker(platform,
		deploy.WithWorkers(cfg.DeployWorkers),
		deploy.WithLogger(logger),
		deploy.WithSink(sink),
	)
	if err := tracker.Start(ctx); err != nil {
		return err
	}
	defer func() {
		logger.Info("stopping deployment workers")
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := tracker.Stop(stopCtx); err != nil {
			logger.Warn("deployment workers did not stop", "error", err)
		}
	}()

	resolver := credential.NewResolver(credential.WithLogger(logger))
	server := api.NewServer(api.Config{
		Addr:         cfg.Addr,
		StaticFolder: cfg.StaticFolder,
		HTTPS:        cfg.HTTPS,
		Resolver:     resolver,
		Sessions:     sessions,
		OAuth: auth.NewFlow(auth.Config{
			ClientID:     cfg.OAuthClientID,
			ClientSecret: cfg.OAuthClientSecret,
		}),
		Tracker:      tracker,
		Chat:         chat.NewBridge(platform, chat.WithLogger(logger), chat.WithSink(sink)),
		Audit:        auditStore,
		Events:       events,
		AIEndpoint:   cfg.AIEndpoint,
		Prompts:      registry,
		DaoAIVersion: cfg.DaoAIVersion,
		GitHub: api.GitHubConfig{
			Repo:   cfg.GitHubRepo,
			Branch: cfg.GitHubBranch,
			Path:   cfg.GitHubPath,
		},
		Transport:      transport,
		TracerProvider: tp,
		Logger:         logger,
	})

	logger.Info("starting dao-ai-builder",
		"addr", cfg.Addr,
		"static", cfg.StaticFolder,
		"session_backend", cfg.SessionBackend,
		"oauth_configured", cfg.OAuthClientID != "",
		"host", resolver.Ambient().Host,
	)
	if sf.open {
		openBrowser(logger, "http://"+browserAddr(cfg.Addr))
	}
	if err := server.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("cleaning up resources")
	return nil
}

func closeStore(logger *slog.Logger, name string, c interface{ Close() error }) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		logger.Warn(name+" close failed", "error", err)
	}
}

// browserAddr swaps a wildcard bind address for localhost.
func browserAddr(addr string) string {
	if rest, ok := strings.CutPrefix(addr, "0.0.0.0"); ok {
		return "localhost" + rest
	}
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}

func openBrowser(logger *slog.Logger, target string) {
	if strings.TrimSpace(target) == "" {
		return
	}
	opener := "xdg-open"
	if runtime.GOOS == "darwin" {
		opener = "open"
	}
	cmd := osExec.Command(opener, target)
	if err := cmd.Start(); err != nil {
		logger.Warn("failed to open browser", "error", err)
	}
}
