// Package api is the HTTP surface of the builder: auth, metadata listings,
// prompt registry, deployments, chat streaming and the single-page app.
package api

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/PipeOpsHQ/dao-ai-builder/audit"
	"github.com/PipeOpsHQ/dao-ai-builder/auth"
	"github.com/PipeOpsHQ/dao-ai-builder/chat"
	"github.com/PipeOpsHQ/dao-ai-builder/credential"
	"github.com/PipeOpsHQ/dao-ai-builder/deploy"
	"github.com/PipeOpsHQ/dao-ai-builder/internal/httpx"
	"github.com/PipeOpsHQ/dao-ai-builder/internal/logging"
	"github.com/PipeOpsHQ/dao-ai-builder/mcp"
	"github.com/PipeOpsHQ/dao-ai-builder/promptgen"
	"github.com/PipeOpsHQ/dao-ai-builder/proxy"
	"github.com/PipeOpsHQ/dao-ai-builder/session"
	"github.com/PipeOpsHQ/dao-ai-builder/workspace"
)

const (
	DefaultAddr = "0.0.0.0:8000"
	appName     = "dao-ai-builder"
	proxyPrefix = "/api/databricks/"

	defaultAIEndpoint = "databricks-claude-sonnet-4"
)

type GitHubConfig struct {
	Repo   string `json:"repo"`
	Branch string `json:"branch"`
	Path   string `json:"path"`
}

type Config struct {
	Addr         string
	StaticFolder string
	// HTTPS forces https callback URLs when the proxy does not say so.
	HTTPS bool

	Resolver *credential.Resolver
	Sessions *session.Manager
	OAuth    *auth.Flow
	Tracker  *deploy.Tracker
	Chat     *chat.Bridge
	Audit    audit.Store
	// Events receives deployment and chat lifecycle events for /api/events.
	Events *EventStream

	AIEndpoint string
	Prompts    *promptgen.Registry

	DaoAIVersion string
	GitHub       GitHubConfig

	// Transport is the base transport for every platform call.
	Transport http.RoundTripper
	// TracerProvider enables otelhttp instrumentation when set.
	TracerProvider trace.TracerProvider
	Logger         *slog.Logger
}

type Server struct {
	cfg       Config
	logger    *slog.Logger
	transport http.RoundTripper
	stream    *EventStream
	mux       *http.ServeMux
	handler   http.Handler
	http      *http.Server
	once      sync.Once
}

func NewServer(cfg Config) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Resolver == nil {
		cfg.Resolver = credential.NewResolver()
	}
	if cfg.Sessions == nil {
		cfg.Sessions = session.NewManager(session.NewMemoryStore(), "")
	}
	if cfg.OAuth == nil {
		cfg.OAuth = auth.NewFlow(auth.Config{})
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.Nop{}
	}
	if cfg.Prompts == nil {
		cfg.Prompts = promptgen.DefaultRegistry()
	}
	if strings.TrimSpace(cfg.AIEndpoint) == "" {
		cfg.AIEndpoint = defaultAIEndpoint
	}
	if strings.TrimSpace(cfg.DaoAIVersion) == "" {
		cfg.DaoAIVersion = "unknown"
	}
	s := &Server{
		cfg:       cfg,
		logger:    logging.Or(cfg.Logger),
		transport: cfg.Transport,
		stream:    cfg.Events,
		mux:       http.NewServeMux(),
	}
	if s.transport == nil {
		s.transport = http.DefaultTransport
	}
	if s.stream == nil {
		s.stream = NewEventStream()
	}
	if cfg.TracerProvider != nil {
		s.transport = otelhttp.NewTransport(s.transport, otelhttp.WithTracerProvider(cfg.TracerProvider))
	}
	s.registerRoutes()
	s.handler = s.mux
	if cfg.TracerProvider != nil {
		s.handler = otelhttp.NewHandler(s.mux, appName,
			otelhttp.WithTracerProvider(cfg.TracerProvider),
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string { return r.Method + " " + r.URL.Path }),
		)
	}
	s.http = &http.Server{Addr: cfg.Addr, Handler: s.handler, ReadHeaderTimeout: 10 * time.Second}
	return s
}

func (s *Server) Handler() http.Handler {
	if s == nil {
		return http.NotFoundHandler()
	}
	return s.handler
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server is nil")
	}
	errCh := make(chan error, 1)
	go func() {
		err := s.http.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	s.logger.Info("listening", "addr", s.cfg.Addr)

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, stopping")
		return errors.Join(ctx.Err(), s.Close())
	case err := <-errCh:
		return err
	}
}

func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	var outErr error
	s.once.Do(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		outErr = s.http.Shutdown(shutdownCtx)
		if outErr != nil {
			s.logger.Warn("server close error", "error", outErr)
		} else {
			s.logger.Info("server stopped")
		}
	})
	return outErr
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/api/auth/login", s.handleLogin)
	s.mux.HandleFunc("/api/auth/callback", s.handleCallback)
	s.mux.HandleFunc("/api/auth/logout", s.handleLogout)
	s.mux.HandleFunc("/api/auth/status", s.handleAuthStatus)
	s.mux.HandleFunc("/api/auth/context", s.handleAuthContext)
	s.mux.HandleFunc("/api/auth/token", s.handleAuthToken)
	s.mux.HandleFunc("/api/auth/debug", s.handleAuthDebug)
	s.mux.HandleFunc("/api/auth/verify", s.handleVerify)

	s.mux.Handle(proxyPrefix, proxy.New(s.cfg.Resolver, s.sessionState, proxyPrefix,
		proxy.WithTransport(s.transport), proxy.WithLogger(s.logger)))

	s.mux.HandleFunc("/api/uc/catalogs", s.handleCatalogs)
	s.mux.HandleFunc("/api/uc/schemas", s.handleSchemas)
	s.mux.HandleFunc("/api/uc/tables", s.handleTables)
	s.mux.HandleFunc("/api/uc/table-columns", s.handleTableColumns)
	s.mux.HandleFunc("/api/uc/functions", s.handleFunctions)
	s.mux.HandleFunc("/api/uc/volumes", s.handleVolumes)
	s.mux.HandleFunc("/api/uc/registered-models", s.handleRegisteredModels)
	s.mux.HandleFunc("/api/uc/genie-spaces", s.handleGenieSpaces)
	s.mux.HandleFunc("/api/uc/apps", s.handleApps)
	s.mux.HandleFunc("/api/uc/databases", s.handleDatabases)
	s.mux.HandleFunc("/api/uc/connections", s.handleConnections)
	s.mux.HandleFunc("/api/uc/serving-endpoints", s.handleServingEndpoints)
	s.mux.HandleFunc("/api/uc/sql-warehouses", s.handleWarehouses)
	s.mux.HandleFunc("/api/uc/vector-search-endpoints", s.handleVectorSearchEndpoints)
	s.mux.HandleFunc("/api/uc/vector-search-indexes", s.handleVectorSearchIndexes)

	s.mux.HandleFunc("/api/uc/prompts", s.handlePrompts)
	s.mux.HandleFunc("/api/uc/prompt-details", s.handlePromptDetails)
	s.mux.HandleFunc("/api/uc/prompt-template", s.handlePromptTemplate)
	s.mux.HandleFunc("/api/uc/register-prompt", s.handleRegisterPrompt)

	s.mux.HandleFunc("/api/mcp/list-tools", s.handleListMCPTools)

	s.mux.HandleFunc("/api/deploy/validate", s.handleDeployValidate)
	s.mux.HandleFunc("/api/deploy/quick", s.handleDeployQuick)
	s.mux.HandleFunc("/api/deploy/status/", s.handleDeployStatus)
	s.mux.HandleFunc("/api/deploy/list", s.handleDeployList)
	s.mux.HandleFunc("/api/deploy/cancel/", s.handleDeployCancel)
	s.mux.HandleFunc("/api/validate/schema", s.handleValidateSchema)

	s.mux.HandleFunc("/api/chat", s.handleChat)
	s.mux.HandleFunc("/api/events", s.handleEvents)

	s.mux.HandleFunc("/api/ai/generate-prompt", s.handleGeneratePrompt)
	s.mux.HandleFunc("/api/ai/generate-guardrail-prompt", s.handleGenerateGuardrail)
	s.mux.HandleFunc("/api/ai/generate-handoff-prompt", s.handleGenerateHandoff)
	s.mux.HandleFunc("/api/ai/generate-supervisor-prompt", s.handleGenerateSupervisor)
	s.mux.HandleFunc("/api/ai/generators", s.handleGenerators)

	s.mux.HandleFunc("/api/audit/logs", s.handleAuditLogs)
	s.mux.HandleFunc("/api/health", s.handleHealth)
	s.mux.HandleFunc("/api/version", s.handleVersion)
	s.mux.HandleFunc("/api/github-config", s.handleGitHubConfig)
	s.mux.HandleFunc("/api/debug", s.handleDebug)

	s.mux.HandleFunc("/", s.handleStatic)
}

// handleStatic serves the built frontend and falls back to index.html for
// client-side routes.
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/api" || strings.HasPrefix(r.URL.Path, "/api/") {
		httpx.WriteError(w, http.StatusNotFound, errors.New("Not found"))
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		httpx.WriteError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	root := os.DirFS(s.cfg.StaticFolder)
	name := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
	if name != "" {
		if info, err := fs.Stat(root, name); err == nil && !info.IsDir() {
			http.ServeFileFS(w, r, root, name)
			return
		}
	}
	if _, err := fs.Stat(root, "index.html"); err != nil {
		http.NotFound(w, r)
		return
	}
	http.ServeFileFS(w, r, root, "index.html")
}

var errMethodNotAllowed = errors.New("method not allowed")

// allow writes 405 and returns false unless r uses one of methods.
func allow(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	httpx.WriteError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
	return false
}

// session loads the caller's session. A broken store degrades to an empty
// session rather than failing the request.
func (s *Server) session(r *http.Request) *session.Session {
	sess, err := s.cfg.Sessions.Load(r)
	if err != nil {
		s.logger.Warn("session unavailable", "error", err)
		return session.New(session.DefaultMaxAge)
	}
	return sess
}

func (s *Server) sessionState(r *http.Request) credential.SessionState {
	return s.session(r).Credentials()
}

// resolve returns the credentials the request talks to the platform with.
func (s *Server) resolve(r *http.Request) credential.Credentials {
	return s.cfg.Resolver.Resolve(r, s.sessionState(r))
}

func (s *Server) clientOptions() []workspace.Option {
	return []workspace.Option{workspace.WithTransport(s.transport), workspace.WithLogger(s.logger)}
}

// ambientTokens returns the process's own credentials, never the caller's
// forwarded token.
func (s *Server) ambientTokens() (credential.Credentials, oauth2.TokenSource, error) {
	creds := s.cfg.Resolver.Ambient()
	if err := creds.Validate(); err != nil {
		return creds, nil, err
	}
	tokens := creds.OAuth2()
	if creds.TokenSource == credential.TokenSDK {
		if ts := s.cfg.Resolver.SDK().TokenSource(); ts != nil {
			tokens = ts
		}
	}
	return creds, tokens, nil
}

func (s *Server) ambientClient() (*workspace.Client, error) {
	creds, tokens, err := s.ambientTokens()
	if err != nil {
		return nil, err
	}
	return workspace.New(creds.Host, tokens, s.clientOptions()...), nil
}

func (s *Server) userClient(creds credential.Credentials) *workspace.Client {
	return workspace.NewWithToken(creds.Host, creds.Token, s.clientOptions()...)
}

// currentUser prefers the identity forwarded by the app proxy and falls
// back to asking the workspace.
func (s *Server) currentUser(r *http.Request, client *workspace.Client) string {
	if user := credential.ForwardedUser(r); user != "" {
		return user
	}
	if client == nil {
		return ""
	}
	me, err := client.CurrentUser(r.Context())
	if err != nil {
		s.logger.Warn("could not get current user", "error", err)
		return ""
	}
	return me.UserName
}

func (s *Server) record(r *http.Request, action, resource string, payload any) {
	entry := audit.Entry{
		Actor:    credential.ForwardedUser(r),
		Action:   action,
		Resource: resource,
	}
	if payload != nil {
		entry.Payload = audit.Payload(payload)
	}
	if err := s.cfg.Audit.Record(r.Context(), entry); err != nil {
		s.logger.Warn("audit record failed", "action", action, "error", err)
	}
}

// mcpLister talks to MCP servers as the app; app-hosted servers are looked
// up through client.
func (s *Server) mcpLister(client *workspace.Client) mcp.Lister {
	creds, tokens, _ := s.ambientTokens()
	return mcp.Lister{
		Host:   creds.Host,
		Tokens: tokens,
		Apps: func(ctx context.Context, name string) (string, error) {
			app, err := client.GetApp(ctx, name)
			if err != nil {
				return "", err
			}
			return app.URL, nil
		},
		Logger:  s.logger,
		Options: []mcp.Option{mcp.WithTransport(s.transport)},
	}
}

// nonNil keeps empty listings encoding as [] rather than null.
func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
