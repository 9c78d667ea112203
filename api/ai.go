package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/PipeOpsHQ/dao-ai-builder/internal/httpx"
	"github.com/PipeOpsHQ/dao-ai-builder/mcp"
	"github.com/PipeOpsHQ/dao-ai-builder/promptgen"
)

// generate decodes a request of type T and runs one generator call against
// the configured serving endpoint with the app's own identity.
func generate[T any](s *Server, w http.ResponseWriter, r *http.Request, run func(*promptgen.Generator, context.Context, T) (string, error)) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req T
	if err := httpx.DecodeJSON(r, &req); err != nil && !errors.Is(err, httpx.ErrEmptyBody) {
		httpx.WriteError(w, http.StatusBadRequest, err)
		return
	}
	client, err := s.ambientClient()
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	gen := promptgen.New(client, s.cfg.AIEndpoint, promptgen.WithRegistry(s.cfg.Prompts), promptgen.WithLogger(s.logger))
	text, err := run(gen, r.Context(), req)
	if err != nil {
		var inErr *promptgen.InputError
		switch {
		case errors.As(err, &inErr):
			httpx.WriteError(w, http.StatusBadRequest, err)
		case errors.Is(err, promptgen.ErrNoResponse):
			httpx.WriteError(w, http.StatusInternalServerError, errors.New("No response generated"))
		default:
			httpx.WriteError(w, http.StatusInternalServerError, err)
		}
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"prompt": text})
}

func (s *Server) handleGeneratePrompt(w http.ResponseWriter, r *http.Request) {
	generate(s, w, r, (*promptgen.Generator).Prompt)
}

func (s *Server) handleGenerateGuardrail(w http.ResponseWriter, r *http.Request) {
	generate(s, w, r, (*promptgen.Generator).Guardrail)
}

func (s *Server) handleGenerateHandoff(w http.ResponseWriter, r *http.Request) {
	generate(s, w, r, (*promptgen.Generator).Handoff)
}

func (s *Server) handleGenerateSupervisor(w http.ResponseWriter, r *http.Request) {
	generate(s, w, r, (*promptgen.Generator).Supervisor)
}

type generatorRecord struct {
	Kind        string `json:"kind"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	MaxTokens   int    `json:"max_tokens,omitempty"`
}

// handleGenerators lists the registered prompt generators, builtin and
// loaded from PROMPT_DIR.
func (s *Server) handleGenerators(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	specs := s.cfg.Prompts.List()
	out := make([]generatorRecord, 0, len(specs))
	for _, spec := range specs {
		out = append(out, generatorRecord{Kind: spec.Name, Version: spec.Version, Description: spec.Description, MaxTokens: spec.MaxTokens})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"generators": out})
}

type toolRecord struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// handleListMCPTools connects to the described MCP server and lists every
// tool it offers. Include and exclude filters are not applied so the editor
// can offer the full list.
func (s *Server) handleListMCPTools(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var cfg mcp.ServerConfig
	if err := httpx.DecodeJSON(r, &cfg); err != nil {
		httpx.WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "No configuration provided", "tools": []toolRecord{}})
		return
	}
	fail := func(err error) {
		s.logger.Error("mcp tool listing failed", "error", err)
		httpx.WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "tools": []toolRecord{}})
	}
	client, err := s.ambientClient()
	if err != nil {
		fail(err)
		return
	}
	tools, err := s.mcpLister(client).ListTools(r.Context(), cfg, false)
	if err != nil {
		fail(err)
		return
	}
	out := make([]toolRecord, 0, len(tools))
	for _, t := range tools {
		out = append(out, toolRecord{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	s.logger.Info("listed mcp tools", "count", len(out))
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"tools": out})
}
