package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/PipeOpsHQ/dao-ai-builder/credential"
	"github.com/PipeOpsHQ/dao-ai-builder/internal/httpx"
	"github.com/PipeOpsHQ/dao-ai-builder/internal/logging"
	"github.com/PipeOpsHQ/dao-ai-builder/session"
)

const defaultAuditLimit = 100

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"dao_ai": s.cfg.DaoAIVersion, "app": appName})
}

func (s *Server) handleGitHubConfig(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, s.cfg.GitHub)
}

func (s *Server) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	limit := defaultAuditLimit
	if raw := query(r, "limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httpx.WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	entries, err := s.cfg.Audit.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("audit list failed", "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"logs": nonNil(entries)})
}

func setOrNot(value string) string {
	if value == "" {
		return "not set"
	}
	return "set"
}

// handleDebug reports how the request would authenticate. Secrets are never
// echoed.
func (s *Server) handleDebug(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	sess := s.session(r)
	creds := s.cfg.Resolver.Resolve(r, sess.Credentials())

	forwarded := map[string]string{}
	for name, values := range r.Header {
		lower := strings.ToLower(name)
		if !strings.HasPrefix(lower, "x-forwarded") && !strings.HasPrefix(lower, "x-real") {
			continue
		}
		value := strings.Join(values, ",")
		if strings.Contains(lower, "token") || strings.Contains(lower, "secret") {
			value = "***"
		} else {
			value = logging.Truncate(value, 50)
		}
		forwarded[name] = value
	}

	envHost := s.cfg.Resolver.Getenv("DATABRICKS_HOST")
	if envHost == "" {
		envHost = "not set"
	}
	_, hasBearer := credential.BearerToken(r)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"auth": map[string]any{
			"token_source": optional(string(creds.TokenSource)),
			"has_token":    creds.HasToken(),
			"token_length": len(creds.Token),
			"host":         optional(creds.Host),
			"host_source":  optional(string(creds.HostSource)),
		},
		"databricks_app_context": map[string]any{
			"has_forwarded_token": credential.ForwardedToken(r) != "",
			"has_forwarded_email": r.Header.Get(credential.HeaderForwardedEmail) != "",
			"forwarded_email":     optional(r.Header.Get(credential.HeaderForwardedEmail)),
			"forwarded_user":      optional(r.Header.Get(headerForwardedUserID)),
		},
		"forwarded_headers": forwarded,
		"manual_auth": map[string]any{
			"has_auth_header":   hasBearer,
			"has_oauth_session": sess.Has(session.KeyAccessToken),
		},
		"environment": map[string]any{
			"DATABRICKS_HOST":      envHost,
			"DATABRICKS_TOKEN":     setOrNot(s.cfg.Resolver.Getenv("DATABRICKS_TOKEN")),
			"DATABRICKS_CLIENT_ID": setOrNot(s.cfg.Resolver.Getenv("DATABRICKS_CLIENT_ID")),
		},
		"configured_scopes": s.cfg.OAuth.Scopes(),
	})
}
