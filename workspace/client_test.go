package workspace

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewWithToken(srv.URL, "tok-123")
}

func TestClientSendsBearerToken(t *testing.T) {
	var gotAuth string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = io.WriteString(w, `{"userName":"ada@example.com","displayName":"Ada"}`)
	})
	user, err := c.CurrentUser(context.Background())
	if err != nil {
		t.Fatalf("current user: %v", err)
	}
	if gotAuth != "Bearer tok-123" {
		t.Fatalf("expected bearer token, got %q", gotAuth)
	}
	if user.UserName != "ada@example.com" || user.DisplayName != "Ada" {
		t.Fatalf("unexpected user: %+v", user)
	}
}

func TestListCatalogsFollowsPageTokens(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/2.1/unity-catalog/catalogs" {
			http.NotFound(w, r)
			return
		}
		switch r.URL.Query().Get("page_token") {
		case "":
			_, _ = io.WriteString(w, `{"catalogs":[{"name":"main"}],"next_page_token":"p2"}`)
		case "p2":
			_, _ = io.WriteString(w, `{"catalogs":[{"name":"dev"}]}`)
		default:
			t.Errorf("unexpected page token %q", r.URL.Query().Get("page_token"))
		}
	})
	got, err := c.ListCatalogs(context.Background())
	if err != nil {
		t.Fatalf("list catalogs: %v", err)
	}
	want := []Catalog{{Name: "main"}, {Name: "dev"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("catalogs mismatch (-want +got):\n%s", diff)
	}
}

func TestCollectPagesStopsAtMaxPages(t *testing.T) {
	calls := 0
	items, err := collectPages(context.Background(), func(ctx context.Context, token string) ([]int, string, error) {
		calls++
		return []int{calls}, "again", nil
	})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if calls != MaxPages || len(items) != MaxPages {
		t.Fatalf("expected %d pages, got %d calls and %d items", MaxPages, calls, len(items))
	}
}

func TestAPIErrorParsing(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"error_code":"PERMISSION_DENIED","message":"Provided OAuth token does not have required scopes"}`)
	})
	_, err := c.ListWarehouses(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if StatusCode(err) != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", StatusCode(err))
	}
	apiErr := err.(*APIError)
	if !apiErr.IsScopeError() {
		t.Fatalf("expected scope error: %v", apiErr)
	}
	if !strings.Contains(err.Error(), "PERMISSION_DENIED") {
		t.Fatalf("error should carry the code: %v", err)
	}
}

func TestParseAPIErrorFallsBackToErrorField(t *testing.T) {
	apiErr := ParseAPIError(http.StatusNotFound, []byte(`{"error":"no such endpoint"}`))
	if apiErr.Message != "no such endpoint" {
		t.Fatalf("unexpected message %q", apiErr.Message)
	}
	if !IsNotFound(apiErr) {
		t.Fatal("expected not found")
	}
}

func TestListGenieSpacesNormalizesFields(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("page_size"); got != "100" {
			t.Errorf("expected page_size=100, got %q", got)
		}
		_, _ = io.WriteString(w, `{"spaces":[{"id":"s1","name":"Sales"},{"space_id":"s2","title":"Ops","description":"ops room","warehouse_id":"w1"}]}`)
	})
	got, err := c.ListGenieSpaces(context.Background())
	if err != nil {
		t.Fatalf("list spaces: %v", err)
	}
	want := []GenieSpace{
		{SpaceID: "s1", Title: "Sales"},
		{SpaceID: "s2", Title: "Ops", Description: "ops room", WarehouseID: "w1"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("spaces mismatch (-want +got):\n%s", diff)
	}
}

func TestGetSecretDecodesValue(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("scope") != "app" || q.Get("key") != "pw" {
			t.Errorf("unexpected query %v", q)
		}
		fmt.Fprintf(w, `{"key":"pw","value":%q}`, base64.StdEncoding.EncodeToString([]byte("hunter2")))
	})
	got, err := c.GetSecret(context.Background(), "app", "pw")
	if err != nil {
		t.Fatalf("get secret: %v", err)
	}
	if got != "hunter2" {
		t.Fatalf("expected decoded secret, got %q", got)
	}
}

func TestCreateRegisteredModelTreatsConflictAsExisting(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"error_code":"RESOURCE_ALREADY_EXISTS","message":"exists"}`)
	})
	model, err := c.CreateRegisteredModel(context.Background(), "main", "agents", "bot", "")
	if err != nil {
		t.Fatalf("expected conflict to be tolerated: %v", err)
	}
	if model.FullName != "main.agents.bot" {
		t.Fatalf("unexpected full name %q", model.FullName)
	}
}

func TestSearchPromptVersionsSortsDescending(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/versions/search") {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_, _ = io.WriteString(w, `{"prompt_versions":[{"version":"1"},{"version":"3"},{"version":"2"}]}`)
	})
	got, err := c.SearchPromptVersions(context.Background(), "main.agents.greeting")
	if err != nil {
		t.Fatalf("search versions: %v", err)
	}
	var versions []string
	for _, v := range got {
		versions = append(versions, v.Version)
	}
	if diff := cmp.Diff([]string{"3", "2", "1"}, versions); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestPromptHelpers(t *testing.T) {
	p := Prompt{
		Aliases: []PromptAlias{{Alias: "champion", Version: "2"}, {Alias: "bad", Version: "x"}},
		Tags:    []Tag{{Key: PromptVersionCountTag, Value: "4"}},
	}
	if diff := cmp.Diff(map[string]int{"champion": 2}, p.AliasMap()); diff != "" {
		t.Fatalf("alias map mismatch (-want +got):\n%s", diff)
	}
	if p.VersionCount() != 4 {
		t.Fatalf("expected version count 4, got %d", p.VersionCount())
	}
}

func TestCreatePromptVersionBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			PromptVersion struct {
				Template string `json:"template"`
				Tags     []Tag  `json:"tags"`
			} `json:"prompt_version"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.PromptVersion.Template != "Hello {{name}}" {
			t.Errorf("unexpected template %q", body.PromptVersion.Template)
		}
		if len(body.PromptVersion.Tags) != 1 || body.PromptVersion.Tags[0].Key != "dao_ai_builder" {
			t.Errorf("unexpected tags %+v", body.PromptVersion.Tags)
		}
		_, _ = io.WriteString(w, `{"prompt_version":{"version":"5"}}`)
	})
	v, err := c.CreatePromptVersion(context.Background(), "main.agents.greeting", "Hello {{name}}", "", map[string]string{"dao_ai_builder": "true"})
	if err != nil {
		t.Fatalf("create version: %v", err)
	}
	if v.Number() != 5 {
		t.Fatalf("expected version 5, got %q", v.Version)
	}
}

func TestInvokeStreamDecodesSSE(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream {
			t.Errorf("expected stream=true")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		_, _ = io.WriteString(w, "data: {\"custom_outputs\":{\"thread_id\":\"t1\"}}\n\n")
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	})
	var text strings.Builder
	var outputs map[string]any
	err := c.InvokeStream(context.Background(), "agent", ChatRequest{Messages: []ChatMessage{{Role: "user", Content: "hi"}}}, func(ch StreamChunk) error {
		text.WriteString(ch.Delta)
		if ch.CustomOutputs != nil {
			outputs = ch.CustomOutputs
		}
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if text.String() != "Hello" {
		t.Fatalf("expected Hello, got %q", text.String())
	}
	if outputs["thread_id"] != "t1" {
		t.Fatalf("expected custom outputs, got %v", outputs)
	}
}

func TestInvokeStreamFallsBackToJSON(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"whole answer"}}]}`)
	})
	var got []string
	err := c.InvokeStream(context.Background(), "agent", ChatRequest{}, func(ch StreamChunk) error {
		got = append(got, ch.Delta)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if diff := cmp.Diff([]string{"whole answer"}, got); diff != "" {
		t.Fatalf("chunks mismatch (-want +got):\n%s", diff)
	}
}

func TestSortByOwner(t *testing.T) {
	items := []Catalog{
		{Name: "zeta", Owner: "ADA@example.com"},
		{Name: "Beta", Owner: "bob@example.com"},
		{Name: "alpha", Owner: "bob@example.com"},
		{Name: "gamma", Owner: "ada@example.com"},
	}
	got := SortByOwner(items, "ada@example.com")
	var names []string
	for _, c := range got {
		names = append(names, c.Name)
	}
	if diff := cmp.Diff([]string{"gamma", "zeta", "alpha", "Beta"}, names); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
	if items[0].Name != "zeta" {
		t.Fatal("input slice must not be reordered")
	}

	names = names[:0]
	for _, c := range SortByOwner(items, "") {
		names = append(names, c.Name)
	}
	if diff := cmp.Diff([]string{"alpha", "Beta", "gamma", "zeta"}, names); diff != "" {
		t.Fatalf("name-only order mismatch (-want +got):\n%s", diff)
	}
}

func TestDatabaseInstanceOwnerFallsBackToCreator(t *testing.T) {
	d := DatabaseInstance{Name: "db", Creator: "ada@example.com"}
	if d.OwnerName() != "ada@example.com" {
		t.Fatalf("expected creator as owner, got %q", d.OwnerName())
	}
}

func TestSortWarehouses(t *testing.T) {
	got := SortWarehouses([]Warehouse{
		{Name: "b", State: "STOPPED"},
		{Name: "c", State: "UNKNOWN"},
		{Name: "z", State: "RUNNING"},
		{Name: "a", State: "STOPPED"},
	})
	var names []string
	for _, w := range got {
		names = append(names, w.Name)
	}
	if diff := cmp.Diff([]string{"z", "a", "b", "c"}, names); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestListAllVectorSearchIndexes(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/2.0/vector-search/endpoints":
			_, _ = io.WriteString(w, `{"endpoints":[{"name":"vs-b"},{"name":"vs-a"},{"name":"broken"}]}`)
		case "/api/2.0/vector-search/indexes":
			switch ep := r.URL.Query().Get("endpoint_name"); ep {
			case "broken":
				w.WriteHeader(http.StatusInternalServerError)
			case "vs-a":
				_, _ = io.WriteString(w, `{"vector_indexes":[{"name":"main.x.idx2","status":{"ready":false}},{"name":"main.x.idx1","status":{"ready":true},"delta_sync_index_spec":{"source_table":"main.x.docs"}}]}`)
			default:
				fmt.Fprintf(w, `{"vector_indexes":[{"name":"main.y.idx","endpoint_name":%q,"status":{"message":"provisioning"}}]}`, ep)
			}
		default:
			http.NotFound(w, r)
		}
	})
	got, err := c.ListAllVectorSearchIndexes(context.Background())
	if err != nil {
		t.Fatalf("list indexes: %v", err)
	}
	want := []VectorSearchIndex{
		{Name: "main.x.idx1", EndpointName: "vs-a", Status: "READY", DeltaSyncIndexSpec: &DeltaSyncIndexSpec{SourceTable: "main.x.docs"}},
		{Name: "main.x.idx2", EndpointName: "vs-a", Status: "NOT_READY"},
		{Name: "main.y.idx", EndpointName: "vs-b", Status: "provisioning"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("indexes mismatch (-want +got):\n%s", diff)
	}
}
