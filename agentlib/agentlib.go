// Package agentlib is the seam between the builder and the agent platform:
// registering an agent as a model, serving it, and talking to it.
package agentlib

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/oauth2"

	"github.com/PipeOpsHQ/dao-ai-builder/appconfig"
)

// ErrNoOrchestrator is returned when a config names no model to chat with.
var ErrNoOrchestrator = errors.New("no orchestrator model configured")

// Credentials are passed to every library call. Nothing is read from the
// process environment.
type Credentials struct {
	Host   string
	Tokens oauth2.TokenSource
	// Environment holds app.environment_vars the agent should see.
	Environment map[string]string
}

type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// InputItem is one message of a responses-style request. User text is
// carried as input_text parts, assistant text as output_text parts.
type InputItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

func UserMessage(text string) InputItem {
	return InputItem{Type: "message", Role: "user", Content: []ContentPart{{Type: "input_text", Text: text}}}
}

func AssistantMessage(text string) InputItem {
	return InputItem{Type: "message", Role: "assistant", Content: []ContentPart{{Type: "output_text", Text: text}}}
}

// Text joins the item's text parts.
func (i InputItem) Text() string {
	var b strings.Builder
	for _, p := range i.Content {
		b.WriteString(p.Text)
	}
	return b.String()
}

type Request struct {
	Input        []InputItem    `json:"input"`
	CustomInputs map[string]any `json:"custom_inputs,omitempty"`
}

type Response struct {
	Text          string         `json:"text"`
	CustomOutputs map[string]any `json:"custom_outputs,omitempty"`
}

// Chunk is one increment of a streamed response.
type Chunk struct {
	Delta         string
	CustomOutputs map[string]any
}

type ResponsesAgent interface {
	Predict(ctx context.Context, req Request) (Response, error)
}

// StreamingAgent is a ResponsesAgent that can emit output incrementally.
type StreamingAgent interface {
	ResponsesAgent
	PredictStream(ctx context.Context, req Request, fn func(Chunk) error) error
}

// AgentModel identifies the registered model version CreateAgent produced.
type AgentModel struct {
	FullName   string `json:"full_name"`
	Version    string `json:"version"`
	ConfigPath string `json:"config_path"`
}

type Deployment struct {
	EndpointName string `json:"endpoint_name"`
	Created      bool   `json:"created"`
}

// Library builds, deploys and instantiates agents from an AppConfig.
type Library interface {
	CreateAgent(ctx context.Context, cfg *appconfig.AppConfig, creds Credentials) (AgentModel, error)
	DeployAgent(ctx context.Context, cfg *appconfig.AppConfig, creds Credentials, model AgentModel) (Deployment, error)
	NewResponsesAgent(ctx context.Context, cfg *appconfig.AppConfig, creds Credentials) (ResponsesAgent, error)
}
