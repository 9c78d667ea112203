// Package proxy forwards browser calls to the Databricks REST API with the
// caller's resolved credentials attached.
package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/PipeOpsHQ/dao-ai-builder/credential"
	"github.com/PipeOpsHQ/dao-ai-builder/internal/httpx"
	"github.com/PipeOpsHQ/dao-ai-builder/internal/logging"
)

const (
	DefaultTimeout = 30 * time.Second
	// HeaderTokenSource names the credential source that served a request.
	HeaderTokenSource = "X-Token-Source"
)

// SessionFunc returns the session-held credentials for a request.
type SessionFunc func(*http.Request) credential.SessionState

type Handler struct {
	resolver *credential.Resolver
	session  SessionFunc
	client   *http.Client
	prefix   string
	logger   *slog.Logger
}

type Option func(*Handler)

// WithTransport sets the outbound transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(h *Handler) {
		if rt != nil {
			h.client.Transport = rt
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.client.Timeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logging.Or(logger) }
}

// New returns a handler that strips prefix from the inbound path and
// forwards the rest to the resolved workspace host.
func New(resolver *credential.Resolver, session SessionFunc, prefix string, opts ...Option) *Handler {
	h := &Handler{
		resolver: resolver,
		session:  session,
		client:   &http.Client{Timeout: DefaultTimeout},
		prefix:   prefix,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var sess credential.SessionState
	if h.session != nil {
		sess = h.session(r)
	}
	creds := h.resolver.ResolveExplicit(r, sess)
	if !creds.HasToken() {
		httpx.WriteJSON(w, http.StatusUnauthorized, map[string]any{
			"error":          "No authentication token available",
			"message":        "Please authenticate first",
			"oauth_required": true,
		})
		return
	}
	if !creds.HasHost() {
		httpx.WriteJSON(w, http.StatusBadRequest, map[string]any{
			"error": "No Databricks host configured",
			"debug": "No host found in headers or env",
		})
		return
	}

	path := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, h.prefix), "/")
	target := creds.Host + "/" + path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	var body io.Reader
	if r.Method != http.MethodGet && r.Body != nil {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, fmt.Errorf("read request body: %w", err))
			return
		}
		if len(raw) > 0 {
			body = bytes.NewReader(raw)
		}
	}
	out, err := http.NewRequestWithContext(r.Context(), r.Method, target, body)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err)
		return
	}
	out.Header.Set("Authorization", "Bearer "+creds.Token)
	out.Header.Set("Content-Type", "application/json")

	h.logger.Info("proxying request",
		"method", r.Method, "path", path,
		"host_source", creds.HostSource, "token_source", creds.TokenSource)

	resp, err := h.client.Do(out)
	if err != nil {
		h.logger.Error("proxy request failed", "path", path, "err", err)
		httpx.WriteJSON(w, http.StatusBadGateway, map[string]any{
			"error": fmt.Sprintf("Failed to connect to Databricks: %v", err),
		})
		return
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		httpx.WriteJSON(w, http.StatusBadGateway, map[string]any{
			"error": fmt.Sprintf("Failed to read Databricks response: %v", err),
		})
		return
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		if enriched, ok := scopeError(path, raw); ok {
			httpx.WriteJSON(w, resp.StatusCode, enriched)
			return
		}
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set(HeaderTokenSource, string(creds.TokenSource))
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(raw)
}

// scopeError builds the enriched body for an auth failure whose message
// mentions a scope.
func scopeError(path string, body []byte) (map[string]any, bool) {
	var payload struct {
		ErrorCode string `json:"error_code"`
		Message   string `json:"message"`
		Error     string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, false
	}
	msg := payload.Message
	if msg == "" {
		msg = payload.Error
	}
	if !strings.Contains(strings.ToLower(msg), "scope") {
		return nil, false
	}
	required := ScopesForPath(path)
	out := map[string]any{
		"error":             msg,
		"error_code":        nil,
		"required_scopes":   required,
		"configured_scopes": credential.ConfiguredScopes(),
		"help": "The OAuth token does not have the required scopes. " +
			"This API requires one of: " + strings.Join(required, ", ") + ". " +
			"Please update the app's user_api_scopes in databricks.yml and redeploy.",
	}
	if payload.ErrorCode != "" {
		out["error_code"] = payload.ErrorCode
	}
	return out, true
}
