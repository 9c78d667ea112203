package agentlib

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/oauth2"

	"github.com/PipeOpsHQ/dao-ai-builder/appconfig"
	"github.com/PipeOpsHQ/dao-ai-builder/internal/logging"
)

type fakeWorkspace struct {
	mu             sync.Mutex
	calls          []string
	endpointExists bool
	bodies         map[string]map[string]any
}

func (f *fakeWorkspace) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.calls = append(f.calls, r.Method+" "+r.URL.Path)
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	if f.bodies == nil {
		f.bodies = map[string]map[string]any{}
	}
	f.bodies[r.Method+" "+r.URL.Path] = body
	exists := f.endpointExists
	f.mu.Unlock()

	switch {
	case r.URL.Path == "/api/2.1/unity-catalog/models":
		_, _ = io.WriteString(w, `{"name":"bot","full_name":"main.agents.bot"}`)
	case r.URL.Path == "/api/2.0/mlflow/unity-catalog/model-versions/create":
		_, _ = io.WriteString(w, `{"model_version":{"name":"main.agents.bot","version":"3"}}`)
	case r.URL.Path == "/api/2.0/mlflow/unity-catalog/model-versions/finalize":
		_, _ = io.WriteString(w, `{"model_version":{"name":"main.agents.bot","version":"3","status":"READY"}}`)
	case r.URL.Path == "/api/2.0/serving-endpoints/bot-endpoint" && r.Method == http.MethodGet:
		if !exists {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error_code":"RESOURCE_DOES_NOT_EXIST","message":"not found"}`)
			return
		}
		_, _ = io.WriteString(w, `{"name":"bot-endpoint"}`)
	case strings.HasPrefix(r.URL.Path, "/serving-endpoints/"):
		_, _ = io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"hi there"}}]}`)
	default:
		_, _ = io.WriteString(w, `{}`)
	}
}

func testConfig() *appconfig.AppConfig {
	return &appconfig.AppConfig{
		Resources: &appconfig.Resources{LLMs: map[string]appconfig.LLM{"llm": {Name: "databricks-llm"}}},
		Agents:    map[string]appconfig.Agent{"a": {Name: "a", Model: "llm"}},
		App: &appconfig.App{
			Name:            "bot",
			EndpointName:    "bot-endpoint",
			RegisteredModel: &appconfig.RegisteredModel{Name: "bot", Schema: &appconfig.SchemaModel{CatalogName: "main", SchemaName: "agents"}},
			EnvironmentVars: map[string]any{"PG_PASSWORD": "{{secrets/app/pg}}"},
			Orchestration:   &appconfig.Orchestration{Supervisor: &appconfig.Supervisor{Model: "llm", Prompt: "be brief"}},
		},
	}
}

func testCreds(host string) Credentials {
	return Credentials{Host: host, Tokens: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "t"})}
}

func TestPlatformCreateAndDeploy(t *testing.T) {
	fake := &fakeWorkspace{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	p := NewPlatform(WithLogger(logging.Nop()))
	cfg := testConfig()
	model, err := p.CreateAgent(context.Background(), cfg, testCreds(srv.URL))
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	want := AgentModel{FullName: "main.agents.bot", Version: "3", ConfigPath: "/Shared/dao-ai-builder/bot/model_config.yaml"}
	if diff := cmp.Diff(want, model); diff != "" {
		t.Fatalf("model mismatch (-want +got):\n%s", diff)
	}

	dep, err := p.DeployAgent(context.Background(), cfg, testCreds(srv.URL), model)
	if err != nil {
		t.Fatalf("deploy agent: %v", err)
	}
	if !dep.Created || dep.EndpointName != "bot-endpoint" {
		t.Fatalf("expected endpoint to be created: %+v", dep)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	wantCalls := []string{
		"POST /api/2.1/unity-catalog/models",
		"POST /api/2.0/workspace/mkdirs",
		"POST /api/2.0/workspace/import",
		"POST /api/2.0/mlflow/unity-catalog/model-versions/create",
		"POST /api/2.0/mlflow/unity-catalog/model-versions/finalize",
		"GET /api/2.0/serving-endpoints/bot-endpoint",
		"POST /api/2.0/serving-endpoints",
	}
	if diff := cmp.Diff(wantCalls, fake.calls); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
	created := fake.bodies["POST /api/2.0/serving-endpoints"]
	entities := created["config"].(map[string]any)["served_entities"].([]any)
	entity := entities[0].(map[string]any)
	if entity["entity_version"] != "3" || entity["workload_size"] != DefaultWorkloadSize {
		t.Fatalf("unexpected served entity %v", entity)
	}
	if env := entity["environment_vars"].(map[string]any); env["PG_PASSWORD"] != "{{secrets/app/pg}}" {
		t.Fatalf("serving env should keep secret refs: %v", env)
	}
}

func TestPlatformDeployUpdatesExistingEndpoint(t *testing.T) {
	fake := &fakeWorkspace{endpointExists: true}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	p := NewPlatform(WithLogger(logging.Nop()))
	dep, err := p.DeployAgent(context.Background(), testConfig(), testCreds(srv.URL), AgentModel{FullName: "main.agents.bot", Version: "4"})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if dep.Created {
		t.Fatal("existing endpoint must be updated, not created")
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if last := fake.calls[len(fake.calls)-1]; last != "PUT /api/2.0/serving-endpoints/bot-endpoint/config" {
		t.Fatalf("expected config update, got %s", last)
	}
}

func TestPlatformCreateRequiresSchema(t *testing.T) {
	cfg := testConfig()
	cfg.App.RegisteredModel.Schema = nil
	if _, err := NewPlatform().CreateAgent(context.Background(), cfg, testCreds("https://x")); err == nil {
		t.Fatal("expected schema error")
	}
}

func TestResponsesAgentPrependsSystemPrompt(t *testing.T) {
	fake := &fakeWorkspace{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	agent, err := NewPlatform().NewResponsesAgent(context.Background(), testConfig(), testCreds(srv.URL))
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	resp, err := agent.Predict(context.Background(), Request{Input: []InputItem{UserMessage("hello")}})
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if resp.Text != "hi there" {
		t.Fatalf("unexpected text %q", resp.Text)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	body := fake.bodies["POST /serving-endpoints/databricks-llm/invocations"]
	msgs := body["messages"].([]any)
	if first := msgs[0].(map[string]any); first["role"] != "system" || first["content"] != "be brief" {
		t.Fatalf("expected system prompt first, got %v", msgs)
	}
	if _, ok := agent.(StreamingAgent); !ok {
		t.Fatal("platform agents stream")
	}
}

func TestNewResponsesAgentWithoutModel(t *testing.T) {
	_, err := NewPlatform().NewResponsesAgent(context.Background(), &appconfig.AppConfig{}, testCreds("https://x"))
	if err != ErrNoOrchestrator {
		t.Fatalf("expected ErrNoOrchestrator, got %v", err)
	}
}
