package agentlib

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/PipeOpsHQ/dao-ai-builder/appconfig"
	"github.com/PipeOpsHQ/dao-ai-builder/internal/logging"
	"github.com/PipeOpsHQ/dao-ai-builder/workspace"
)

const (
	DefaultWorkspaceRoot = "/Shared/dao-ai-builder"
	DefaultWorkloadSize  = "Small"
	configFileName       = "model_config.yaml"
)

// Platform implements Library on the Databricks REST APIs. Each call opens
// a workspace client bound to the credentials it was given.
type Platform struct {
	root      string
	transport http.RoundTripper
	logger    *slog.Logger
}

type PlatformOption func(*Platform)

// WithWorkspaceRoot sets the workspace folder agent configs are written to.
func WithWorkspaceRoot(root string) PlatformOption {
	return func(p *Platform) {
		if root = strings.TrimRight(strings.TrimSpace(root), "/"); root != "" {
			p.root = root
		}
	}
}

func WithTransport(rt http.RoundTripper) PlatformOption {
	return func(p *Platform) { p.transport = rt }
}

func WithLogger(logger *slog.Logger) PlatformOption {
	return func(p *Platform) { p.logger = logging.Or(logger) }
}

func NewPlatform(opts ...PlatformOption) *Platform {
	p := &Platform{root: DefaultWorkspaceRoot, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Platform) client(creds Credentials) (*workspace.Client, error) {
	if creds.Host == "" {
		return nil, errors.New("workspace host is required")
	}
	if creds.Tokens == nil {
		return nil, errors.New("workspace credentials are required")
	}
	return workspace.New(creds.Host, creds.Tokens,
		workspace.WithTransport(p.transport),
		workspace.WithLogger(p.logger)), nil
}

// CreateAgent registers the config as a new version of the app's Unity
// Catalog model. The config YAML is uploaded to the workspace and used as
// the version source.
func (p *Platform) CreateAgent(ctx context.Context, cfg *appconfig.AppConfig, creds Credentials) (AgentModel, error) {
	if cfg == nil || cfg.App == nil || cfg.App.RegisteredModel == nil {
		return AgentModel{}, errors.New("app.registered_model is required")
	}
	rm := cfg.App.RegisteredModel
	if rm.Schema == nil || rm.Schema.CatalogName == "" || rm.Schema.SchemaName == "" {
		return AgentModel{}, errors.New("app.registered_model.schema is required")
	}
	c, err := p.client(creds)
	if err != nil {
		return AgentModel{}, err
	}

	model, err := c.CreateRegisteredModel(ctx, rm.Schema.CatalogName, rm.Schema.SchemaName, rm.Name, cfg.App.Description)
	if err != nil {
		return AgentModel{}, fmt.Errorf("create registered model %s: %w", rm.FullName(), err)
	}
	fullName := model.FullName
	if fullName == "" {
		fullName = rm.FullName()
	}

	raw, err := cfg.YAML()
	if err != nil {
		return AgentModel{}, err
	}
	dir := path.Join(p.root, cfg.App.Name)
	if err := c.MkdirsWorkspace(ctx, dir); err != nil {
		return AgentModel{}, fmt.Errorf("create workspace dir %s: %w", dir, err)
	}
	configPath := path.Join(dir, configFileName)
	if err := c.ImportWorkspaceFile(ctx, configPath, raw); err != nil {
		return AgentModel{}, fmt.Errorf("upload agent config: %w", err)
	}
	p.logger.Info("uploaded agent config", "path", configPath, "model", fullName)

	version, err := c.CreateModelVersion(ctx, fullName, dir, cfg.App.Description)
	if err != nil {
		return AgentModel{}, fmt.Errorf("create model version for %s: %w", fullName, err)
	}
	if _, err := c.FinalizeModelVersion(ctx, fullName, version.Version); err != nil {
		return AgentModel{}, fmt.Errorf("finalize model version %s/%s: %w", fullName, version.Version, err)
	}
	return AgentModel{FullName: fullName, Version: version.Version, ConfigPath: configPath}, nil
}

// DeployAgent points the app's serving endpoint at model, creating the
// endpoint when it does not exist.
func (p *Platform) DeployAgent(ctx context.Context, cfg *appconfig.AppConfig, creds Credentials, model AgentModel) (Deployment, error) {
	if cfg == nil || cfg.App == nil {
		return Deployment{}, errors.New("app is required")
	}
	if model.FullName == "" || model.Version == "" {
		return Deployment{}, errors.New("a registered model version is required")
	}
	c, err := p.client(creds)
	if err != nil {
		return Deployment{}, err
	}

	env := cfg.ServingEnvironment()
	for k, v := range creds.Environment {
		if _, ok := env[k]; !ok {
			env[k] = v
		}
	}
	scaleToZero := true
	if cfg.App.ScaleToZero != nil {
		scaleToZero = *cfg.App.ScaleToZero
	}
	workload := cfg.App.WorkloadSize
	if workload == "" {
		workload = DefaultWorkloadSize
	}
	endpoint := cfg.App.EndpointOrName()
	config := workspace.EndpointConfig{ServedEntities: []workspace.ServedEntity{{
		EntityName:         model.FullName,
		EntityVersion:      model.Version,
		WorkloadSize:       workload,
		ScaleToZeroEnabled: scaleToZero,
		EnvironmentVars:    env,
	}}}

	_, err = c.GetServingEndpoint(ctx, endpoint)
	switch {
	case workspace.IsNotFound(err):
		if _, err := c.CreateServingEndpoint(ctx, endpoint, config); err != nil {
			return Deployment{}, fmt.Errorf("create serving endpoint %s: %w", endpoint, err)
		}
		p.logger.Info("created serving endpoint", "endpoint", endpoint, "model", model.FullName, "version", model.Version)
		return Deployment{EndpointName: endpoint, Created: true}, nil
	case err != nil:
		return Deployment{}, fmt.Errorf("get serving endpoint %s: %w", endpoint, err)
	}
	if _, err := c.UpdateServingEndpointConfig(ctx, endpoint, config); err != nil {
		return Deployment{}, fmt.Errorf("update serving endpoint %s: %w", endpoint, err)
	}
	p.logger.Info("updated serving endpoint", "endpoint", endpoint, "model", model.FullName, "version", model.Version)
	return Deployment{EndpointName: endpoint}, nil
}

// NewResponsesAgent returns an agent that answers through the config's
// orchestrator LLM.
func (p *Platform) NewResponsesAgent(_ context.Context, cfg *appconfig.AppConfig, creds Credentials) (ResponsesAgent, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	endpoint := cfg.OrchestratorEndpoint()
	if endpoint == "" {
		return nil, ErrNoOrchestrator
	}
	c, err := p.client(creds)
	if err != nil {
		return nil, err
	}
	return &servingAgent{client: c, endpoint: endpoint, system: cfg.SystemPrompt()}, nil
}

type servingAgent struct {
	client   *workspace.Client
	endpoint string
	system   string
}

func (a *servingAgent) chatRequest(req Request) workspace.ChatRequest {
	msgs := make([]workspace.ChatMessage, 0, len(req.Input)+1)
	hasSystem := false
	for _, m := range req.Input {
		if m.Role == "system" {
			hasSystem = true
		}
	}
	if a.system != "" && !hasSystem {
		msgs = append(msgs, workspace.ChatMessage{Role: "system", Content: a.system})
	}
	for _, m := range req.Input {
		msgs = append(msgs, workspace.ChatMessage{Role: m.Role, Content: m.Text()})
	}
	return workspace.ChatRequest{Messages: msgs, CustomInputs: req.CustomInputs}
}

func (a *servingAgent) Predict(ctx context.Context, req Request) (Response, error) {
	resp, err := a.client.Invoke(ctx, a.endpoint, a.chatRequest(req))
	if err != nil {
		return Response{}, err
	}
	return Response{Text: resp.Text(), CustomOutputs: resp.CustomOutputs}, nil
}

func (a *servingAgent) PredictStream(ctx context.Context, req Request, fn func(Chunk) error) error {
	return a.client.InvokeStream(ctx, a.endpoint, a.chatRequest(req), func(c workspace.StreamChunk) error {
		return fn(Chunk{Delta: c.Delta, CustomOutputs: c.CustomOutputs})
	})
}
