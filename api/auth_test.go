package api

import (
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/PipeOpsHQ/dao-ai-builder/auth"
	"github.com/PipeOpsHQ/dao-ai-builder/credential"
)

func cookieHeader(rec interface{ Result() *http.Response }) string {
	var parts []string
	for _, c := range rec.Result().Cookies() {
		if c.MaxAge >= 0 && c.Value != "" {
			parts = append(parts, c.Name+"="+c.Value)
		}
	}
	return strings.Join(parts, "; ")
}

func TestOAuthLoginCallbackLogout(t *testing.T) {
	ws := fakeWorkspace(t, map[string]any{
		"POST /oidc/v1/token": http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := r.ParseForm(); err != nil || r.Form.Get("code") != "auth-code" || r.Form.Get("client_id") != "builder" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"bad code"}`))
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"user-token","refresh_token":"refresh","token_type":"Bearer","expires_in":3600}`))
		}),
	})
	s := newTestServer(t, nil, func(c *Config) {
		c.OAuth = auth.NewFlow(auth.Config{ClientID: "builder", Scopes: []string{"sql", "offline_access"}})
	})

	rec := serve(t, s, http.MethodGet, "/api/auth/login?host="+url.QueryEscape(ws.URL), "", map[string]string{"X-Forwarded-Proto": "https"})
	if rec.Code != http.StatusOK {
		t.Fatalf("login: %d %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	authURL, err := url.Parse(body["auth_url"].(string))
	if err != nil || body["redirect"] != true {
		t.Fatalf("login body %v", body)
	}
	if authURL.Path != "/oidc/v1/authorize" || authURL.Query().Get("client_id") != "builder" {
		t.Fatalf("auth url = %s", authURL)
	}
	if got := authURL.Query().Get("redirect_uri"); got != "https://example.com/api/auth/callback" {
		t.Fatalf("redirect uri = %q", got)
	}
	state := authURL.Query().Get("state")
	cookie := cookieHeader(rec)
	if state == "" || cookie == "" {
		t.Fatalf("missing state %q or cookie %q", state, cookie)
	}

	rec = serve(t, s, http.MethodGet, "/api/auth/callback?code=auth-code&state=forged", "", map[string]string{"Cookie": cookie})
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "Security Verification Failed") {
		t.Fatalf("forged state: %d %s", rec.Code, rec.Body.String())
	}

	rec = serve(t, s, http.MethodGet, "/api/auth/callback?code=auth-code&state="+url.QueryEscape(state), "", map[string]string{"Cookie": cookie})
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/" {
		t.Fatalf("callback: %d %s", rec.Code, rec.Body.String())
	}

	rec = serve(t, s, http.MethodGet, "/api/auth/status", "", map[string]string{"Cookie": cookie})
	want := map[string]any{"authenticated": true, "method": "oauth", "host": ws.URL, "scopes": []any{"sql", "offline_access"}}
	if diff := cmp.Diff(want, decodeBody(t, rec)); diff != "" {
		t.Fatalf("status mismatch (-want +got):\n%s", diff)
	}

	rec = serve(t, s, http.MethodPost, "/api/auth/logout", "", map[string]string{"Cookie": cookie})
	if diff := cmp.Diff(map[string]any{"success": true, "message": "Logged out"}, decodeBody(t, rec)); diff != "" {
		t.Fatalf("logout mismatch (-want +got):\n%s", diff)
	}
	rec = serve(t, s, http.MethodGet, "/api/auth/status", "", map[string]string{"Cookie": cookie})
	if got := decodeBody(t, rec); got["authenticated"] != false || got["method"] != nil {
		t.Fatalf("status after logout = %v", got)
	}
}

func TestCallbackWithoutSessionState(t *testing.T) {
	s := newTestServer(t, nil)
	rec := serve(t, s, http.MethodGet, "/api/auth/callback?code=x&state=y", "", nil)
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "Session Expired") {
		t.Fatalf("expected session expired page, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestLoginRequiresHostAndClient(t *testing.T) {
	s := newTestServer(t, nil)
	rec := serve(t, s, http.MethodGet, "/api/auth/login", "", nil)
	want := map[string]any{
		"error":   "No Databricks host configured",
		"message": "Please provide a host parameter or configure DATABRICKS_HOST",
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("no host: %d", rec.Code)
	}
	if diff := cmp.Diff(want, decodeBody(t, rec)); diff != "" {
		t.Fatalf("no host body (-want +got):\n%s", diff)
	}

	s = newTestServer(t, map[string]string{"DATABRICKS_HOST": "ws.cloud.databricks.com"})
	rec = serve(t, s, http.MethodGet, "/api/auth/login", "", nil)
	got := decodeBody(t, rec)
	if rec.Code != http.StatusBadRequest || got["oauth_required"] != true || got["host"] != "https://ws.cloud.databricks.com" {
		t.Fatalf("unconfigured oauth: %d %v", rec.Code, got)
	}
}

func TestAuthContextFromAppHeaders(t *testing.T) {
	s := newTestServer(t, map[string]string{
		"DATABRICKS_HOST":          "https://ws.cloud.databricks.com",
		"DATABRICKS_CLIENT_ID":     "app-id",
		"DATABRICKS_CLIENT_SECRET": "app-secret",
	})
	rec := serve(t, s, http.MethodGet, "/api/auth/context", "", map[string]string{
		credential.HeaderForwardedToken: "obo",
		credential.HeaderForwardedEmail: "ada@example.com",
		"X-Real-Ip":                     "10.0.0.1",
	})
	got := decodeBody(t, rec)
	if got["is_databricks_app"] != true || got["has_obo_token"] != true || got["has_service_principal"] != true {
		t.Fatalf("context flags = %v", got)
	}
	if got["auth_method"] != "obo" || got["host_source"] != "env" {
		t.Fatalf("context sources = %v", got)
	}
	user := got["user"].(map[string]any)
	if user["email"] != "ada@example.com" || user["ip"] != "10.0.0.1" || user["username"] != nil {
		t.Fatalf("user = %v", user)
	}
}

func TestAuthContextOutsideApp(t *testing.T) {
	rec := serve(t, newTestServer(t, nil), http.MethodGet, "/api/auth/context", "", nil)
	got := decodeBody(t, rec)
	if got["is_databricks_app"] != false || got["user"] != nil || got["auth_method"] != "manual" || got["token_source"] != nil {
		t.Fatalf("context = %v", got)
	}
}

func TestLegacyTokenEndpoint(t *testing.T) {
	s := newTestServer(t, map[string]string{"DATABRICKS_TOKEN": "env-token", "DATABRICKS_HOST": "https://ws"})
	rec := serve(t, s, http.MethodGet, "/api/auth/token", "", nil)
	got := decodeBody(t, rec)
	if got["token"] != "env-token" || got["source"] != "env" || got["host"] != "https://ws" {
		t.Fatalf("token = %v", got)
	}
	rec = serve(t, s, http.MethodGet, "/api/auth/token", "", map[string]string{credential.HeaderForwardedToken: "obo"})
	if got := decodeBody(t, rec); got["token"] != "obo" || got["source"] != "obo" {
		t.Fatalf("forwarded token = %v", got)
	}
}

func TestAuthDebugMasksEnvironment(t *testing.T) {
	s := newTestServer(t, map[string]string{
		"DATABRICKS_HOST":      "https://builder-123.aws.databricksapps.com",
		"DATABRICKS_TOKEN":     "dapi0123456789",
		"DATABRICKS_CLIENT_ID": "0123456789abcdef",
	})
	rec := serve(t, s, http.MethodGet, "/api/auth/debug", "", map[string]string{credential.HeaderForwardedToken: "forwarded-abcd"})
	got := decodeBody(t, rec)
	env := got["environment_variables"].(map[string]any)
	if env["DATABRICKS_TOKEN"] != "***6789" || env["DATABRICKS_CLIENT_ID"] != "01234567..." || env["DATABRICKS_CLIENT_SECRET"] != nil {
		t.Fatalf("env = %v", env)
	}
	headers := got["request_headers"].(map[string]any)
	if headers["X-Forwarded-Access-Token"] != "***abcd" {
		t.Fatalf("headers = %v", headers)
	}
	resolved := got["resolved"].(map[string]any)
	if resolved["is_app_url"] != true || resolved["host_source"] != "env" {
		t.Fatalf("resolved = %v", resolved)
	}
}

func TestVerifyManualToken(t *testing.T) {
	ws := fakeWorkspace(t, map[string]any{
		"GET /api/2.0/sql/warehouses": http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer good-pat" {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error_code":"UNAUTHENTICATED","message":"Invalid access token"}`))
				return
			}
			_, _ = w.Write([]byte(`{"warehouses":[]}`))
		}),
		"GET /api/2.0/preview/scim/v2/Me": map[string]any{
			"userName":    "ada@example.com",
			"displayName": "Ada",
			"emails":      []any{map[string]any{"value": "ada@example.com", "primary": true}},
		},
	})
	s := newTestServer(t, nil)

	rec := serve(t, s, http.MethodGet, "/api/auth/verify", "", map[string]string{
		"Authorization":                 "Bearer good-pat",
		credential.HeaderDatabricksHost: ws.URL,
	})
	got := decodeBody(t, rec)
	if rec.Code != http.StatusOK || got["authenticated"] != true || got["token_source"] != "manual" || got["host_source"] != "header" {
		t.Fatalf("verify: %d %v", rec.Code, got)
	}
	if user := got["user"].(map[string]any); user["userName"] != "ada@example.com" || user["displayName"] != "Ada" {
		t.Fatalf("user = %v", user)
	}

	rec = serve(t, s, http.MethodGet, "/api/auth/verify", "", map[string]string{
		"Authorization":                 "Bearer stale-pat",
		credential.HeaderDatabricksHost: ws.URL,
	})
	got = decodeBody(t, rec)
	if rec.Code != http.StatusUnauthorized || got["error"] != "Token validation failed: Invalid access token" || got["status_code"] != float64(401) {
		t.Fatalf("rejected verify: %d %v", rec.Code, got)
	}

	rec = serve(t, s, http.MethodGet, "/api/auth/verify", "", map[string]string{"Authorization": "Bearer good-pat"})
	if rec.Code != http.StatusBadRequest || decodeBody(t, rec)["error"] != "No Databricks host provided" {
		t.Fatalf("missing host: %d %s", rec.Code, rec.Body.String())
	}
}

func TestVerifyAmbient(t *testing.T) {
	ws := fakeWorkspace(t, map[string]any{
		"GET /api/2.0/sql/warehouses": http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error_code":"PERMISSION_DENIED","message":"Provided OAuth token does not have required scopes: sql"}`))
		}),
	})

	rec := serve(t, newTestServer(t, nil), http.MethodGet, "/api/auth/verify", "", nil)
	if rec.Code != http.StatusUnauthorized || decodeBody(t, rec)["error"] != "No authentication token available" {
		t.Fatalf("no token: %d %s", rec.Code, rec.Body.String())
	}

	s := newTestServer(t, map[string]string{"DATABRICKS_HOST": ws.URL})
	rec = serve(t, s, http.MethodGet, "/api/auth/verify", "", map[string]string{
		credential.HeaderForwardedToken: "obo",
		credential.HeaderForwardedEmail: "ada@example.com",
	})
	got := decodeBody(t, rec)
	if got["authenticated"] != true || got["auth_method"] != "obo_headers" {
		t.Fatalf("obo headers: %v", got)
	}

	s = newTestServer(t, map[string]string{"DATABRICKS_HOST": ws.URL, "DATABRICKS_TOKEN": "env-token"})
	rec = serve(t, s, http.MethodGet, "/api/auth/verify", "", nil)
	got = decodeBody(t, rec)
	if rec.Code != http.StatusForbidden || got["scope_error"] != true {
		t.Fatalf("scope error: %d %v", rec.Code, got)
	}
	if diff := cmp.Diff([]any{"sql"}, got["required_scopes"]); diff != "" {
		t.Fatalf("required scopes (-want +got):\n%s", diff)
	}
}
