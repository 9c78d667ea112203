package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/PipeOpsHQ/dao-ai-builder/audit"
	"github.com/PipeOpsHQ/dao-ai-builder/auth"
	"github.com/PipeOpsHQ/dao-ai-builder/credential"
	"github.com/PipeOpsHQ/dao-ai-builder/internal/httpx"
	"github.com/PipeOpsHQ/dao-ai-builder/internal/logging"
	"github.com/PipeOpsHQ/dao-ai-builder/session"
	"github.com/PipeOpsHQ/dao-ai-builder/workspace"
)

const (
	headerForwardedUserID = "X-Forwarded-User"
	headerRealIP          = "X-Real-Ip"
)

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	host := credential.NormalizeHost(r.URL.Query().Get("host"))
	if host == "" {
		host, _ = s.cfg.Resolver.ResolveHost(r, s.sessionState(r))
	}
	if host == "" {
		httpx.WriteJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "No Databricks host configured",
			"message": "Please provide a host parameter or configure DATABRICKS_HOST",
		})
		return
	}
	if !s.cfg.OAuth.Configured() {
		httpx.WriteJSON(w, http.StatusBadRequest, map[string]any{
			"error":          "OAuth not configured",
			"message":        "No OAuth client ID available. Configure OAUTH_CLIENT_ID or use Databricks App deployment.",
			"oauth_required": true,
			"host":           host,
		})
		return
	}

	sess := s.session(r)
	state := auth.NewState()
	redirectURL := s.callbackURL(r)
	authURL, err := s.cfg.OAuth.AuthCodeURL(host, redirectURL, state)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	sess.Set(session.KeyOAuthState, state)
	sess.Set(session.KeyOAuthHost, host)
	sess.Set(session.KeyRedirectURI, redirectURL)
	if err := s.cfg.Sessions.Save(r.Context(), w, sess); err != nil {
		s.logger.Error("could not save oauth state", "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.Info("oauth login initiated", "host", host)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"auth_url": authURL, "redirect": true})
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	sess := s.session(r)
	q := r.URL.Query()

	stored := sess.Get(session.KeyOAuthState)
	if stored == "" {
		s.logger.Warn("oauth callback without stored state")
		auth.SessionExpiredPage.Write(w, http.StatusBadRequest)
		return
	}
	if q.Get("state") != stored {
		s.logger.Warn("oauth state mismatch")
		auth.StateMismatchPage.Write(w, http.StatusBadRequest)
		return
	}
	if code := q.Get("error"); code != "" {
		s.logger.Warn("oauth provider error", "error", code)
		auth.ProviderErrorPage(code, q.Get("error_description")).Write(w, http.StatusBadRequest)
		return
	}
	code := q.Get("code")
	if code == "" {
		httpx.WriteError(w, http.StatusBadRequest, errors.New("No authorization code received"))
		return
	}
	host := sess.Get(session.KeyOAuthHost)
	if host == "" {
		auth.HostExpiredPage.Write(w, http.StatusBadRequest)
		return
	}
	redirectURL := sess.Get(session.KeyRedirectURI)
	if redirectURL == "" {
		redirectURL = s.callbackURL(r)
	}

	tok, err := s.cfg.OAuth.Exchange(r.Context(), host, redirectURL, code)
	if err != nil {
		status := http.StatusInternalServerError
		message := err.Error()
		var exErr *auth.ExchangeError
		if errors.As(err, &exErr) {
			message = exErr.Message
			if exErr.Rejected {
				status = http.StatusBadRequest
			}
		}
		s.logger.Error("oauth token exchange failed", "host", host, "error", err)
		httpx.WriteJSON(w, status, map[string]any{"error": "Token exchange failed", "message": message})
		return
	}

	sess.Set(session.KeyAccessToken, tok.AccessToken)
	sess.Set(session.KeyRefreshToken, tok.RefreshToken)
	if expiresIn, ok := tok.Extra("expires_in").(float64); ok {
		sess.Set(session.KeyExpiresIn, strconv.FormatInt(int64(expiresIn), 10))
	}
	sess.Set(session.KeyHost, host)
	sess.Delete(session.KeyOAuthState)
	sess.Delete(session.KeyOAuthHost)
	sess.Delete(session.KeyRedirectURI)
	if err := s.cfg.Sessions.Save(r.Context(), w, sess); err != nil {
		s.logger.Error("could not save oauth tokens", "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.Info("oauth token exchange successful", "host", host)
	s.record(r, audit.ActionLogin, host, map[string]any{"method": string(credential.TokenSession)})
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	sess := s.session(r)
	host := sess.Get(session.KeyHost)
	if err := s.cfg.Sessions.Destroy(r.Context(), w, sess); err != nil {
		s.logger.Warn("could not destroy session", "error", err)
	}
	if host != "" {
		s.record(r, audit.ActionLogout, host, nil)
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Logged out"})
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	sess := s.session(r)
	httpx.WriteJSON(w, http.StatusOK, s.cfg.OAuth.StatusFor(sess.Get(session.KeyAccessToken), sess.Get(session.KeyHost)))
}

type appUser struct {
	Email    *string `json:"email"`
	Username *string `json:"username"`
	UserID   *string `json:"user_id"`
	IP       *string `json:"ip"`
}

func (s *Server) handleAuthContext(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	email := r.Header.Get(credential.HeaderForwardedEmail)
	username := r.Header.Get(credential.HeaderForwardedUser)
	userID := r.Header.Get(headerForwardedUserID)
	hasOBO := credential.ForwardedToken(r) != ""
	isApp := email != "" || username != "" || userID != "" || hasOBO

	sess := s.session(r)
	creds := s.cfg.Resolver.Resolve(r, sess.Credentials())
	authMethod := string(creds.TokenSource)
	if authMethod == "" {
		authMethod = string(credential.TokenHeader)
	}
	var user *appUser
	if isApp {
		user = &appUser{
			Email:    optional(email),
			Username: optional(username),
			UserID:   optional(userID),
			IP:       optional(r.Header.Get(headerRealIP)),
		}
	}
	s.logger.Info("auth context", "host", creds.Host, "host_source", creds.HostSource,
		"token_source", creds.TokenSource, "is_app", isApp)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"is_databricks_app":     isApp,
		"has_token":             creds.HasToken(),
		"has_obo_token":         hasOBO,
		"has_service_principal": s.hasAppServicePrincipal(),
		"user":                  user,
		"host":                  optional(creds.Host),
		"host_source":           optional(string(creds.HostSource)),
		"auth_method":           authMethod,
		"token_source":          optional(string(creds.TokenSource)),
		"oauth": map[string]any{
			"configured":    s.cfg.OAuth.Configured(),
			"authenticated": sess.Has(session.KeyAccessToken),
			"scopes":        s.cfg.OAuth.Scopes(),
		},
	})
}

func (s *Server) hasAppServicePrincipal() bool {
	return s.cfg.Resolver.Getenv("DATABRICKS_CLIENT_ID") != "" && s.cfg.Resolver.Getenv("DATABRICKS_CLIENT_SECRET") != ""
}

// handleAuthToken is the legacy token probe: forwarded token, then
// DATABRICKS_TOKEN.
func (s *Server) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	token := credential.ForwardedToken(r)
	source := credential.TokenForwarded
	if token == "" {
		token = s.cfg.Resolver.Getenv("DATABRICKS_TOKEN")
		source = credential.TokenEnv
	}
	if token == "" {
		source = credential.TokenNone
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"token":  optional(token),
		"host":   optional(s.cfg.Resolver.Getenv("DATABRICKS_HOST")),
		"email":  optional(r.Header.Get(credential.HeaderForwardedEmail)),
		"user":   optional(r.Header.Get(headerForwardedUserID)),
		"source": optional(string(source)),
	})
}

var (
	debugEnvKeys = []string{
		"DATABRICKS_HOST", "DATABRICKS_WORKSPACE_URL", "DATABRICKS_WORKSPACE_ID",
		"DATABRICKS_TOKEN", "DATABRICKS_CLIENT_ID", "DATABRICKS_CLIENT_SECRET",
		"DATABRICKS_OAUTH_CLIENT_ID", "DATABRICKS_APP_CLIENT_ID",
	}
	debugHeaderKeys = []string{
		"X-Forwarded-Host", "X-Forwarded-Access-Token", "X-Forwarded-Email",
		"X-Forwarded-User", "X-Forwarded-Preferred-Username", "X-Real-Ip",
		"X-Databricks-Host", "Host", "Origin", "Referer",
	}
)

// maskEnv hides secrets and shortens client ids.
func maskEnv(key, value string) string {
	switch {
	case strings.Contains(key, "TOKEN"), strings.Contains(key, "SECRET"):
		return logging.MaskToken(value)
	case strings.Contains(key, "CLIENT_ID"):
		return logging.MaskPrefix(value, 8)
	default:
		return value
	}
}

func (s *Server) handleAuthDebug(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	env := make(map[string]*string, len(debugEnvKeys))
	for _, key := range debugEnvKeys {
		env[key] = optional(maskEnv(key, s.cfg.Resolver.Getenv(key)))
	}
	headers := make(map[string]*string, len(debugHeaderKeys))
	for _, key := range debugHeaderKeys {
		value := r.Header.Get(key)
		if key == "Host" {
			value = r.Host
		}
		if strings.Contains(key, "Token") {
			value = logging.MaskToken(value)
		}
		headers[key] = optional(value)
	}
	host, hostSource := s.cfg.Resolver.ResolveHost(r, s.sessionState(r))
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"environment_variables": env,
		"request_headers":       headers,
		"resolved": map[string]any{
			"host":        optional(host),
			"host_source": optional(string(hostSource)),
			"is_app_url":  credential.IsAppURL(host),
		},
		"help": map[string]any{
			"message": "If DATABRICKS_HOST contains an app URL (databricksapps.com), " +
				"set DATABRICKS_WORKSPACE_URL to your workspace URL instead.",
			"azure_note": "On Azure, workspace URL is derived from app URL automatically.",
			"aws_note": "On AWS, set DATABRICKS_WORKSPACE_URL to your workspace URL " +
				"(e.g., https://dbc-xxxxx.cloud.databricks.com)",
		},
	})
}

type verifiedUser struct {
	UserName    string            `json:"userName"`
	DisplayName string            `json:"displayName"`
	Emails      []workspace.Email `json:"emails"`
}

const scopeHelp = "The OAuth token does not have the required scopes. " +
	"If using Databricks App with user authorization, the user may need to " +
	"re-authorize the app. Try: (1) Sign out and sign back in, or " +
	"(2) Use a Personal Access Token instead."

// handleVerify checks credentials with a warehouse listing, then reads the
// caller's identity. A pasted bearer token is tested on its own.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	if token, ok := credential.BearerToken(r); ok {
		s.verifyManual(w, r, token)
		return
	}

	sess := s.sessionState(r)
	creds := s.cfg.Resolver.Resolve(r, sess)
	email := r.Header.Get(credential.HeaderForwardedEmail)
	username := r.Header.Get(credential.HeaderForwardedUser)
	if creds.TokenSource == credential.TokenForwarded && (email != "" || username != "") {
		user := verifiedUser{UserName: firstNonEmpty(email, username), DisplayName: firstNonEmpty(username, email), Emails: []workspace.Email{}}
		if email != "" {
			user.Emails = []workspace.Email{{Value: email}}
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"token_source":  creds.TokenSource,
			"host_source":   optional(string(creds.HostSource)),
			"host":          optional(creds.Host),
			"user":          user,
			"auth_method":   "obo_headers",
		})
		return
	}
	if !creds.HasToken() {
		httpx.WriteJSON(w, http.StatusUnauthorized, map[string]any{
			"authenticated": false,
			"error":         "No authentication token available",
			"token_source":  nil,
			"help": "The app needs either: (1) X-Forwarded-Access-Token from Databricks App, " +
				"(2) Manual PAT configuration, or (3) DATABRICKS_TOKEN environment variable.",
		})
		return
	}
	if !creds.HasHost() {
		httpx.WriteJSON(w, http.StatusBadRequest, map[string]any{
			"authenticated": false,
			"error":         "No Databricks host configured",
			"host_source":   nil,
		})
		return
	}

	client := s.userClient(creds)
	if _, err := client.ListWarehouses(r.Context()); err != nil {
		var apiErr *workspace.APIError
		if !errors.As(err, &apiErr) {
			httpx.WriteJSON(w, http.StatusInternalServerError, map[string]any{
				"authenticated": false,
				"error":         err.Error(),
				"token_source":  creds.TokenSource,
				"host_source":   creds.HostSource,
			})
			return
		}
		message := apiMessage(apiErr, 0)
		if strings.Contains(strings.ToLower(message), "scope") {
			httpx.WriteJSON(w, http.StatusForbidden, map[string]any{
				"authenticated":     false,
				"error":             message,
				"token_source":      creds.TokenSource,
				"host_source":       creds.HostSource,
				"scope_error":       true,
				"required_scopes":   []string{"sql"},
				"configured_scopes": s.cfg.OAuth.Scopes(),
				"help":              scopeHelp,
			})
			return
		}
		httpx.WriteJSON(w, apiErr.StatusCode, map[string]any{
			"authenticated": false,
			"error":         message,
			"status_code":   apiErr.StatusCode,
			"token_source":  creds.TokenSource,
			"host_source":   creds.HostSource,
		})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"token_source":  creds.TokenSource,
		"host_source":   creds.HostSource,
		"host":          creds.Host,
		"user":          s.verifiedUser(r, client),
	})
}

func (s *Server) verifyManual(w http.ResponseWriter, r *http.Request, token string) {
	source := credential.TokenHeader
	host := credential.NormalizeHost(r.Header.Get(credential.HeaderDatabricksHost))
	hostSource := credential.HostHeader
	if host == "" {
		host, hostSource = s.cfg.Resolver.ResolveHost(r, s.sessionState(r))
	}
	if host == "" {
		httpx.WriteJSON(w, http.StatusBadRequest, map[string]any{
			"authenticated": false,
			"error":         "No Databricks host provided",
			"help":          "Include X-Databricks-Host header with the request",
		})
		return
	}
	s.logger.Info("verifying manual token", "token", logging.MaskToken(token), "host", host)

	creds := credential.Credentials{Token: token, TokenSource: source, Host: host, HostSource: hostSource}
	client := s.userClient(creds)
	if _, err := client.ListWarehouses(r.Context()); err != nil {
		var apiErr *workspace.APIError
		if !errors.As(err, &apiErr) {
			s.logger.Error("manual token verification error", "error", err)
			httpx.WriteJSON(w, http.StatusInternalServerError, map[string]any{
				"authenticated": false,
				"error":         err.Error(),
				"token_source":  source,
			})
			return
		}
		message := apiMessage(apiErr, 200)
		s.logger.Warn("manual token verification failed", "status", apiErr.StatusCode, "error", message)
		httpx.WriteJSON(w, apiErr.StatusCode, map[string]any{
			"authenticated": false,
			"error":         "Token validation failed: " + message,
			"status_code":   apiErr.StatusCode,
			"token_source":  source,
		})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"token_source":  source,
		"host_source":   hostSource,
		"host":          host,
		"user":          s.verifiedUser(r, client),
	})
}

// verifiedUser reads SCIM "me"; any failure yields a placeholder identity.
func (s *Server) verifiedUser(r *http.Request, client *workspace.Client) verifiedUser {
	me, err := client.CurrentUser(r.Context())
	if err != nil {
		s.logger.Warn("scim me failed", "error", err)
		return verifiedUser{UserName: "authenticated_user", DisplayName: "Authenticated User", Emails: []workspace.Email{}}
	}
	user := verifiedUser{UserName: me.UserName, DisplayName: me.DisplayName, Emails: nonNil(me.Emails)}
	if user.DisplayName == "" {
		user.DisplayName = "Authenticated User"
	}
	return user
}

// apiMessage is the platform's message, else the raw body clipped to limit
// (0 keeps it whole).
func apiMessage(err *workspace.APIError, limit int) string {
	if err.Message != "" {
		return err.Message
	}
	body := strings.TrimSpace(string(err.Body))
	if limit > 0 {
		body = logging.Truncate(body, limit)
	}
	return body
}

// callbackURL is the absolute URL of the OAuth callback as the browser sees
// this server.
func (s *Server) callbackURL(r *http.Request) string {
	scheme := "http"
	if s.cfg.HTTPS || r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	return scheme + "://" + host + "/api/auth/callback"
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
