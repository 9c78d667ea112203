// Package promptgen drafts agent, guardrail, handoff and supervisor prompts
// by asking a chat serving endpoint.
package promptgen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/PipeOpsHQ/dao-ai-builder/internal/logging"
	"github.com/PipeOpsHQ/dao-ai-builder/workspace"
)

// handoffPromptLimit caps how much of an agent's system prompt is quoted
// when drafting its handoff.
const handoffPromptLimit = 2000

// ErrNoResponse is returned when the endpoint answers without content.
var ErrNoResponse = errors.New("no response generated")

// InputError reports a request that lacks the fields a generator needs.
type InputError struct{ Message string }

func (e *InputError) Error() string { return e.Message }

// GenerationError wraps a failed endpoint call.
type GenerationError struct {
	Kind string
	Err  error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("Failed to generate %s: %v", e.Kind, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// StringList accepts a JSON array of strings or a single string.
type StringList []string

func (l *StringList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*l = list
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err != nil {
		return fmt.Errorf("expected a string or a list of strings")
	}
	if one != "" {
		*l = StringList{one}
	} else {
		*l = nil
	}
	return nil
}

type PromptRequest struct {
	Context            string     `json:"context"`
	AgentName          string     `json:"agent_name"`
	AgentDescription   string     `json:"agent_description"`
	Tools              StringList `json:"tools"`
	ExistingPrompt     string     `json:"existing_prompt"`
	TemplateParameters []string   `json:"template_parameters"`
}

type GuardrailRequest struct {
	Context            string   `json:"context"`
	GuardrailName      string   `json:"guardrail_name"`
	EvaluationCriteria []string `json:"evaluation_criteria"`
	ExistingPrompt     string   `json:"existing_prompt"`
}

type HandoffRequest struct {
	AgentName        string   `json:"agent_name"`
	AgentDescription string   `json:"agent_description"`
	SystemPrompt     string   `json:"system_prompt"`
	ExistingHandoff  string   `json:"existing_handoff"`
	OtherAgents      []string `json:"other_agents"`
}

type SupervisedAgent struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	HandoffPrompt string `json:"handoff_prompt"`
}

type SupervisorRequest struct {
	Context        string            `json:"context"`
	Agents         []SupervisedAgent `json:"agents"`
	ExistingPrompt string            `json:"existing_prompt"`
}

// Invoker calls a chat serving endpoint. *workspace.Client satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, endpoint string, req workspace.ChatRequest) (workspace.ChatResponse, error)
}

type Generator struct {
	client   Invoker
	endpoint string
	registry *Registry
	logger   *slog.Logger
}

type Option func(*Generator)

func WithRegistry(r *Registry) Option {
	return func(g *Generator) {
		if r != nil {
			g.registry = r
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Generator) { g.logger = logging.Or(logger) }
}

// New returns a generator that queries endpoint through client.
func New(client Invoker, endpoint string, opts ...Option) *Generator {
	g := &Generator{client: client, endpoint: endpoint, registry: DefaultRegistry(), logger: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Generator) Prompt(ctx context.Context, req PromptRequest) (string, error) {
	if req.Context == "" && req.ExistingPrompt == "" {
		return "", &InputError{"Either context or existing_prompt is required"}
	}
	instruction := "Use template variables like {user_id}, {store_num}, {context} for dynamic information"
	if len(req.TemplateParameters) > 0 {
		instruction = "IMPORTANT: Include these template variables in a User Information section at the start of the prompt: " + braced(req.TemplateParameters)
	}
	return g.generate(ctx, KindPrompt, map[string]string{"template_instruction": instruction}, PromptMessage(req))
}

func (g *Generator) Guardrail(ctx context.Context, req GuardrailRequest) (string, error) {
	if req.Context == "" && req.ExistingPrompt == "" && len(req.EvaluationCriteria) == 0 {
		return "", &InputError{"Either context, evaluation_criteria, or existing_prompt is required"}
	}
	return g.generate(ctx, KindGuardrail, nil, GuardrailMessage(req))
}

func (g *Generator) Handoff(ctx context.Context, req HandoffRequest) (string, error) {
	if req.SystemPrompt == "" && req.ExistingHandoff == "" && req.AgentDescription == "" {
		return "", &InputError{"Either system_prompt, agent_description, or existing_handoff is required"}
	}
	return g.generate(ctx, KindHandoff, nil, HandoffMessage(req))
}

func (g *Generator) Supervisor(ctx context.Context, req SupervisorRequest) (string, error) {
	if len(req.Agents) == 0 && req.ExistingPrompt == "" && req.Context == "" {
		return "", &InputError{"At least one of agents, context, or existing_prompt is required"}
	}
	return g.generate(ctx, KindSupervisor, nil, SupervisorMessage(req))
}

func (g *Generator) generate(ctx context.Context, kind string, vars map[string]string, user string) (string, error) {
	spec, ok := g.registry.Resolve(kind)
	if !ok {
		return "", fmt.Errorf("no generator registered for %q", kind)
	}
	system, err := Render(spec.System, vars)
	if err != nil {
		return "", fmt.Errorf("render %s generator: %w", kind, err)
	}
	g.logger.Info("generating prompt", "kind", kind, "endpoint", g.endpoint, "version", spec.Version)
	resp, err := g.client.Invoke(ctx, g.endpoint, workspace.ChatRequest{
		Messages: []workspace.ChatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		MaxTokens:   spec.MaxTokens,
		Temperature: spec.Temperature,
	})
	if err != nil {
		g.logger.Error("serving endpoint query failed", "kind", kind, "error", err)
		return "", &GenerationError{Kind: kind, Err: err}
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		g.logger.Error("no content in response", "kind", kind)
		return "", ErrNoResponse
	}
	g.logger.Info("generated prompt", "kind", kind, "chars", len(text))
	return text, nil
}

// PromptMessage builds the user turn for an agent system prompt.
func PromptMessage(req PromptRequest) string {
	var parts []string
	if req.ExistingPrompt != "" {
		parts = append(parts, "Please improve and optimize this existing prompt:\n\n"+req.ExistingPrompt)
	} else {
		parts = append(parts, "Please create an optimized system prompt for the following agent:")
	}
	if req.AgentName != "" {
		parts = append(parts, "\nAgent Name: "+req.AgentName)
	}
	if req.AgentDescription != "" {
		parts = append(parts, "\nAgent Description: "+req.AgentDescription)
	}
	if req.Context != "" {
		parts = append(parts, "\nContext/Requirements: "+req.Context)
	}
	if len(req.Tools) > 0 {
		parts = append(parts,
			"\nAvailable Tools: "+strings.Join(req.Tools, ", "),
			"\nInclude clear instructions for when and how to use these tools.")
	}
	if len(req.TemplateParameters) > 0 {
		parts = append(parts,
			"\nTemplate Parameters to include: "+braced(req.TemplateParameters),
			"Include a '### User Information' section at the beginning that displays these parameters.")
	}
	return strings.Join(parts, "\n")
}

// GuardrailMessage builds the user turn for a guardrail judge prompt.
func GuardrailMessage(req GuardrailRequest) string {
	var parts []string
	if req.ExistingPrompt != "" {
		parts = append(parts, "Please improve and optimize this existing guardrail evaluation prompt:\n\n"+req.ExistingPrompt)
	} else {
		parts = append(parts, "Please create an optimized guardrail evaluation prompt.")
	}
	if req.GuardrailName != "" {
		parts = append(parts, "\nGuardrail Name: "+req.GuardrailName)
	}
	if req.Context != "" {
		parts = append(parts, "\nContext/Requirements: "+req.Context)
	}
	if len(req.EvaluationCriteria) > 0 {
		titled := make([]string, len(req.EvaluationCriteria))
		for i, c := range req.EvaluationCriteria {
			titled[i] = CriterionTitle(c)
		}
		parts = append(parts,
			"\nEvaluation Criteria to include: "+strings.Join(titled, ", "),
			"\nMake sure each of these criteria has clear pass/fail conditions.")
	}
	parts = append(parts, "\nThe prompt should use {inputs} for the conversation context and {outputs} for the AI response being evaluated.")
	return strings.Join(parts, "\n")
}

// HandoffMessage builds the user turn for a handoff description.
func HandoffMessage(req HandoffRequest) string {
	var parts []string
	if req.ExistingHandoff != "" {
		parts = append(parts, "Please improve this existing handoff prompt:\n\n"+req.ExistingHandoff)
	} else {
		parts = append(parts, "Please create a handoff prompt for this agent.")
	}
	if req.AgentName != "" {
		parts = append(parts, "\nAgent Name: "+req.AgentName)
	}
	if req.AgentDescription != "" {
		parts = append(parts, "\nAgent Description: "+req.AgentDescription)
	}
	if req.SystemPrompt != "" {
		parts = append(parts, "\nAgent's System Prompt:\n"+clip(req.SystemPrompt, handoffPromptLimit))
	}
	if len(req.OtherAgents) > 0 {
		parts = append(parts,
			"\nOther agents in the system: "+strings.Join(req.OtherAgents, ", "),
			"\nMake sure the handoff prompt differentiates this agent from the others.")
	}
	return strings.Join(parts, "\n")
}

// SupervisorMessage builds the user turn for a supervisor prompt.
func SupervisorMessage(req SupervisorRequest) string {
	var parts []string
	if req.ExistingPrompt != "" {
		parts = append(parts, "Please improve and optimize this existing supervisor prompt:\n\n"+req.ExistingPrompt)
	} else {
		parts = append(parts, "Please create an optimized supervisor prompt for orchestrating the following agents:")
	}
	if len(req.Agents) > 0 {
		parts = append(parts, "\n\n## Agents to Orchestrate:")
		for _, a := range req.Agents {
			name := a.Name
			if name == "" {
				name = "Unknown"
			}
			parts = append(parts, "\n### "+name)
			if a.Description != "" {
				parts = append(parts, "Description: "+a.Description)
			}
			if a.HandoffPrompt != "" {
				parts = append(parts, "When to route here: "+a.HandoffPrompt)
			}
		}
	}
	if req.Context != "" {
		parts = append(parts, "\n\n## Additional Requirements:\n"+req.Context)
	}
	return strings.Join(parts, "\n")
}

// CriterionTitle turns an identifier such as factual_accuracy into
// "Factual Accuracy".
func CriterionTitle(c string) string {
	return cases.Title(language.English).String(strings.ReplaceAll(c, "_", " "))
}

func braced(names []string) string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = "{" + n + "}"
	}
	return strings.Join(out, ", ")
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
