package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/PipeOpsHQ/dao-ai-builder/audit"
	"github.com/PipeOpsHQ/dao-ai-builder/credential"
	"github.com/PipeOpsHQ/dao-ai-builder/internal/logging"
	"github.com/PipeOpsHQ/dao-ai-builder/observe"
)

func testResolver(env map[string]string) *credential.Resolver {
	return credential.NewResolver(
		credential.WithGetenv(func(k string) string { return env[k] }),
		credential.WithSDKConfig(nil),
	)
}

func newTestServer(t *testing.T, env map[string]string, mutate ...func(*Config)) *Server {
	t.Helper()
	cfg := Config{
		Resolver:     testResolver(env),
		StaticFolder: t.TempDir(),
		Logger:       logging.Nop(),
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	return NewServer(cfg)
}

// fakeWorkspace answers "METHOD /path" routes with JSON. A route value that
// is an http.HandlerFunc is called as is.
func fakeWorkspace(t *testing.T, routes map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, ok := routes[r.Method+" "+r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error_code":"RESOURCE_DOES_NOT_EXIST","message":"no route"}`)
			return
		}
		if h, ok := route.(http.HandlerFunc); ok {
			h(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(route)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func serve(t *testing.T, s *Server, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthVersionAndGitHubConfig(t *testing.T) {
	s := newTestServer(t, nil, func(c *Config) {
		c.DaoAIVersion = "0.1.9"
		c.GitHub = GitHubConfig{Repo: "natefleming/dao-ai", Branch: "main", Path: "config/examples"}
	})

	rec := serve(t, s, http.MethodGet, "/api/health", "", nil)
	if diff := cmp.Diff(map[string]any{"status": "healthy"}, decodeBody(t, rec)); diff != "" {
		t.Fatalf("health mismatch (-want +got):\n%s", diff)
	}
	rec = serve(t, s, http.MethodGet, "/api/version", "", nil)
	if diff := cmp.Diff(map[string]any{"dao_ai": "0.1.9", "app": "dao-ai-builder"}, decodeBody(t, rec)); diff != "" {
		t.Fatalf("version mismatch (-want +got):\n%s", diff)
	}
	rec = serve(t, s, http.MethodGet, "/api/github-config", "", nil)
	want := map[string]any{"repo": "natefleming/dao-ai", "branch": "main", "path": "config/examples"}
	if diff := cmp.Diff(want, decodeBody(t, rec)); diff != "" {
		t.Fatalf("github config mismatch (-want +got):\n%s", diff)
	}
}

func TestVersionDefaultsToUnknown(t *testing.T) {
	rec := serve(t, newTestServer(t, nil), http.MethodGet, "/api/version", "", nil)
	if got := decodeBody(t, rec)["dao_ai"]; got != "unknown" {
		t.Fatalf("dao_ai = %v", got)
	}
}

func TestStaticServesFilesAndFallsBackToIndex(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>app</html>"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "assets"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "assets", "app.js"), []byte("console.log(1)"), 0o600); err != nil {
		t.Fatal(err)
	}
	s := newTestServer(t, nil, func(c *Config) { c.StaticFolder = dir })

	rec := serve(t, s, http.MethodGet, "/assets/app.js", "", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "console.log(1)" {
		t.Fatalf("asset: %d %q", rec.Code, rec.Body.String())
	}
	rec = serve(t, s, http.MethodGet, "/agents/editor", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "app") {
		t.Fatalf("client route: %d %q", rec.Code, rec.Body.String())
	}
	rec = serve(t, s, http.MethodGet, "/api/nope", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown api route: %d", rec.Code)
	}
	if diff := cmp.Diff(map[string]any{"error": "Not found"}, decodeBody(t, rec)); diff != "" {
		t.Fatalf("unknown api body (-want +got):\n%s", diff)
	}
}

func TestStaticWithoutIndexIsNotFound(t *testing.T) {
	rec := serve(t, newTestServer(t, nil), http.MethodGet, "/", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	rec := serve(t, newTestServer(t, nil), http.MethodPost, "/api/version", "", nil)
	if rec.Code != http.StatusMethodNotAllowed || rec.Header().Get("Allow") != "GET" {
		t.Fatalf("expected 405 with Allow, got %d %q", rec.Code, rec.Header().Get("Allow"))
	}
}

type memoryAudit struct {
	audit.Nop
	entries []audit.Entry
}

func (m *memoryAudit) Record(_ context.Context, e audit.Entry) error {
	m.entries = append(m.entries, e)
	return nil
}

func (m *memoryAudit) List(_ context.Context, limit int) ([]audit.Entry, error) {
	if limit < len(m.entries) {
		return m.entries[:limit], nil
	}
	return m.entries, nil
}

func TestAuditLogs(t *testing.T) {
	store := &memoryAudit{entries: []audit.Entry{
		{Action: audit.ActionLogin, Resource: "https://a"},
		{Action: audit.ActionLogout, Resource: "https://a"},
	}}
	s := newTestServer(t, nil, func(c *Config) { c.Audit = store })

	rec := serve(t, s, http.MethodGet, "/api/audit/logs?limit=1", "", nil)
	logs, _ := decodeBody(t, rec)["logs"].([]any)
	if rec.Code != http.StatusOK || len(logs) != 1 {
		t.Fatalf("logs = %d %v", rec.Code, logs)
	}
	rec = serve(t, s, http.MethodGet, "/api/audit/logs?limit=zero", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: %d", rec.Code)
	}
}

func TestDebugMasksSecrets(t *testing.T) {
	s := newTestServer(t, map[string]string{"DATABRICKS_HOST": "https://ws.cloud.databricks.com", "DATABRICKS_TOKEN": "dapi-secret"})
	rec := serve(t, s, http.MethodGet, "/api/debug", "", map[string]string{
		credential.HeaderForwardedToken: "obo-secret-token",
		credential.HeaderForwardedEmail: "ada@example.com",
		"X-Forwarded-Host":              strings.Repeat("h", 80),
	})
	body := rec.Body.String()
	if strings.Contains(body, "obo-secret-token") || strings.Contains(body, "dapi-secret") {
		t.Fatalf("secret leaked: %s", body)
	}
	got := decodeBody(t, rec)
	headers := got["forwarded_headers"].(map[string]any)
	if headers["X-Forwarded-Access-Token"] != "***" {
		t.Fatalf("token header = %v", headers["X-Forwarded-Access-Token"])
	}
	if h := headers["X-Forwarded-Host"].(string); h != strings.Repeat("h", 50)+"..." {
		t.Fatalf("host header not truncated: %q", h)
	}
	auth := got["auth"].(map[string]any)
	if auth["token_source"] != "obo" || auth["host_source"] != "env" {
		t.Fatalf("auth = %v", auth)
	}
	env := got["environment"].(map[string]any)
	if env["DATABRICKS_TOKEN"] != "set" || env["DATABRICKS_CLIENT_ID"] != "not set" {
		t.Fatalf("environment = %v", env)
	}
}

func TestEventsStreamFiltersByJob(t *testing.T) {
	s := newTestServer(t, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events?job_id=abc12345", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("events request: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	_ = s.stream.Emit(ctx, observe.Event{Kind: observe.KindDeployment, JobID: "other", Status: observe.StatusStarted})
	_ = s.stream.Emit(ctx, observe.Event{Kind: observe.KindDeployment, JobID: "abc12345", Status: observe.StatusCompleted})

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		data, ok := strings.CutPrefix(strings.TrimSpace(line), "data: ")
		if !ok {
			continue
		}
		var ev observe.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if ev.JobID != "abc12345" || ev.Status != observe.StatusCompleted {
			t.Fatalf("unexpected event %+v", ev)
		}
		return
	}
}

func TestEventStreamDropsWhenSubscriberIsFull(t *testing.T) {
	stream := NewEventStream()
	id, ch := stream.subscribe(1)
	defer stream.unsubscribe(id)
	for i := 0; i < 3; i++ {
		if err := stream.Emit(context.Background(), observe.Event{Kind: observe.KindChat}); err != nil {
			t.Fatal(err)
		}
	}
	if len(ch) != 1 {
		t.Fatalf("expected 1 buffered event, got %d", len(ch))
	}
}
