// Package appconfig models the agent application configuration the builder
// edits, validates and deploys.
package appconfig

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"
)

// AppConfig is the root document. Fields the agent library accepts in
// several shapes (a reference name or an inline object) are typed any.
type AppConfig struct {
	Schemas    map[string]SchemaModel `json:"schemas,omitempty" yaml:"schemas,omitempty"`
	Resources  *Resources             `json:"resources,omitempty" yaml:"resources,omitempty"`
	Retrievers map[string]Retriever   `json:"retrievers,omitempty" yaml:"retrievers,omitempty"`
	Tools      map[string]Tool        `json:"tools,omitempty" yaml:"tools,omitempty"`
	Guardrails map[string]Guardrail   `json:"guardrails,omitempty" yaml:"guardrails,omitempty"`
	Prompts    map[string]Prompt      `json:"prompts,omitempty" yaml:"prompts,omitempty"`
	Memory     any                    `json:"memory,omitempty" yaml:"memory,omitempty"`
	Agents     map[string]Agent       `json:"agents,omitempty" yaml:"agents,omitempty"`
	App        *App                   `json:"app,omitempty" yaml:"app,omitempty"`
}

type SchemaModel struct {
	CatalogName string `json:"catalog_name" yaml:"catalog_name" jsonschema:"required"`
	SchemaName  string `json:"schema_name" yaml:"schema_name" jsonschema:"required"`
	Permissions []any  `json:"permissions,omitempty" yaml:"permissions,omitempty"`
}

// FullName is catalog.schema.
func (s SchemaModel) FullName() string {
	return s.CatalogName + "." + s.SchemaName
}

type Resources struct {
	LLMs         map[string]LLM         `json:"llms,omitempty" yaml:"llms,omitempty"`
	VectorStores map[string]VectorStore `json:"vector_stores,omitempty" yaml:"vector_stores,omitempty"`
	GenieRooms   map[string]GenieRoom   `json:"genie_rooms,omitempty" yaml:"genie_rooms,omitempty"`
	Tables       map[string]TableRef    `json:"tables,omitempty" yaml:"tables,omitempty"`
	Volumes      map[string]VolumeRef   `json:"volumes,omitempty" yaml:"volumes,omitempty"`
	Functions    map[string]FunctionRef `json:"functions,omitempty" yaml:"functions,omitempty"`
	Warehouses   map[string]Warehouse   `json:"warehouses,omitempty" yaml:"warehouses,omitempty"`
	Databases    map[string]Database    `json:"databases,omitempty" yaml:"databases,omitempty"`
	Connections  map[string]NamedRef    `json:"connections,omitempty" yaml:"connections,omitempty"`
	Apps         map[string]NamedRef    `json:"apps,omitempty" yaml:"apps,omitempty"`
}

type LLM struct {
	Name           string   `json:"name" yaml:"name" jsonschema:"required"`
	Temperature    *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens      *int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Fallbacks      []any    `json:"fallbacks,omitempty" yaml:"fallbacks,omitempty"`
	OnBehalfOfUser bool     `json:"on_behalf_of_user,omitempty" yaml:"on_behalf_of_user,omitempty"`
}

type VectorStore struct {
	Endpoint              any      `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Index                 any      `json:"index,omitempty" yaml:"index,omitempty"`
	SourceTable           any      `json:"source_table,omitempty" yaml:"source_table,omitempty"`
	EmbeddingModel        any      `json:"embedding_model,omitempty" yaml:"embedding_model,omitempty"`
	EmbeddingSourceColumn string   `json:"embedding_source_column,omitempty" yaml:"embedding_source_column,omitempty"`
	PrimaryKey            string   `json:"primary_key,omitempty" yaml:"primary_key,omitempty"`
	DocURI                string   `json:"doc_uri,omitempty" yaml:"doc_uri,omitempty"`
	Columns               []string `json:"columns,omitempty" yaml:"columns,omitempty"`
}

type GenieRoom struct {
	Name        string `json:"name" yaml:"name" jsonschema:"required"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	SpaceID     any    `json:"space_id" yaml:"space_id" jsonschema:"required"`
}

type TableRef struct {
	Schema any    `json:"schema,omitempty" yaml:"schema,omitempty"`
	Name   string `json:"name,omitempty" yaml:"name,omitempty"`
}

type VolumeRef struct {
	Schema any    `json:"schema,omitempty" yaml:"schema,omitempty"`
	Name   string `json:"name" yaml:"name" jsonschema:"required"`
}

type FunctionRef struct {
	Schema any    `json:"schema,omitempty" yaml:"schema,omitempty"`
	Name   string `json:"name,omitempty" yaml:"name,omitempty"`
}

type Warehouse struct {
	Name        string `json:"name" yaml:"name" jsonschema:"required"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	WarehouseID any    `json:"warehouse_id" yaml:"warehouse_id" jsonschema:"required"`
}

type Database struct {
	Name          string `json:"name" yaml:"name" jsonschema:"required"`
	InstanceName  string `json:"instance_name,omitempty" yaml:"instance_name,omitempty"`
	Description   string `json:"description,omitempty" yaml:"description,omitempty"`
	Host          any    `json:"host,omitempty" yaml:"host,omitempty"`
	Database      any    `json:"database,omitempty" yaml:"database,omitempty"`
	Port          any    `json:"port,omitempty" yaml:"port,omitempty"`
	User          any    `json:"user,omitempty" yaml:"user,omitempty"`
	Password      any    `json:"password,omitempty" yaml:"password,omitempty"`
	ClientID      any    `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	ClientSecret  any    `json:"client_secret,omitempty" yaml:"client_secret,omitempty"`
	WorkspaceHost any    `json:"workspace_host,omitempty" yaml:"workspace_host,omitempty"`
}

type NamedRef struct {
	Name string `json:"name" yaml:"name" jsonschema:"required"`
}

type Retriever struct {
	VectorStore any      `json:"vector_store" yaml:"vector_store" jsonschema:"required"`
	Columns     []string `json:"columns,omitempty" yaml:"columns,omitempty"`
	SearchParam any      `json:"search_parameters,omitempty" yaml:"search_parameters,omitempty"`
}

type Tool struct {
	Name     string `json:"name" yaml:"name" jsonschema:"required"`
	Function any    `json:"function" yaml:"function" jsonschema:"required"`
}

type Guardrail struct {
	Name       string `json:"name" yaml:"name" jsonschema:"required"`
	Model      any    `json:"model,omitempty" yaml:"model,omitempty"`
	Prompt     any    `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	NumRetries *int   `json:"num_retries,omitempty" yaml:"num_retries,omitempty"`
}

type Prompt struct {
	Schema          *SchemaModel   `json:"schema,omitempty" yaml:"schema,omitempty"`
	Name            string         `json:"name" yaml:"name" jsonschema:"required"`
	Description     string         `json:"description,omitempty" yaml:"description,omitempty"`
	DefaultTemplate string         `json:"default_template,omitempty" yaml:"default_template,omitempty"`
	Alias           string         `json:"alias,omitempty" yaml:"alias,omitempty"`
	Version         *int           `json:"version,omitempty" yaml:"version,omitempty"`
	Tags            map[string]any `json:"tags,omitempty" yaml:"tags,omitempty"`
}

type Agent struct {
	Name          string `json:"name" yaml:"name" jsonschema:"required"`
	Description   string `json:"description,omitempty" yaml:"description,omitempty"`
	Model         any    `json:"model" yaml:"model" jsonschema:"required"`
	Tools         []any  `json:"tools,omitempty" yaml:"tools,omitempty"`
	Guardrails    []any  `json:"guardrails,omitempty" yaml:"guardrails,omitempty"`
	Prompt        any    `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	HandoffPrompt string `json:"handoff_prompt,omitempty" yaml:"handoff_prompt,omitempty"`
	Middleware    []any  `json:"middleware,omitempty" yaml:"middleware,omitempty"`
}

type RegisteredModel struct {
	Schema *SchemaModel `json:"schema,omitempty" yaml:"schema,omitempty"`
	Name   string       `json:"name" yaml:"name" jsonschema:"required"`
}

// FullName is catalog.schema.name, or just the name without a schema.
func (m RegisteredModel) FullName() string {
	if m.Schema == nil || m.Schema.CatalogName == "" {
		return m.Name
	}
	return m.Schema.FullName() + "." + m.Name
}

type Supervisor struct {
	Model  any    `json:"model,omitempty" yaml:"model,omitempty"`
	Prompt string `json:"prompt,omitempty" yaml:"prompt,omitempty"`
}

type Swarm struct {
	Model        any            `json:"model,omitempty" yaml:"model,omitempty"`
	DefaultAgent any            `json:"default_agent,omitempty" yaml:"default_agent,omitempty"`
	Handoffs     map[string]any `json:"handoffs,omitempty" yaml:"handoffs,omitempty"`
}

type Orchestration struct {
	Supervisor *Supervisor `json:"supervisor,omitempty" yaml:"supervisor,omitempty"`
	Swarm      *Swarm      `json:"swarm,omitempty" yaml:"swarm,omitempty"`
	Memory     any         `json:"memory,omitempty" yaml:"memory,omitempty"`
}

type App struct {
	Name            string           `json:"name" yaml:"name" jsonschema:"required"`
	Description     string           `json:"description,omitempty" yaml:"description,omitempty"`
	LogLevel        string           `json:"log_level,omitempty" yaml:"log_level,omitempty"`
	RegisteredModel *RegisteredModel `json:"registered_model,omitempty" yaml:"registered_model,omitempty"`
	EndpointName    string           `json:"endpoint_name,omitempty" yaml:"endpoint_name,omitempty"`
	WorkloadSize    string           `json:"workload_size,omitempty" yaml:"workload_size,omitempty"`
	ScaleToZero     *bool            `json:"scale_to_zero,omitempty" yaml:"scale_to_zero,omitempty"`
	Tags            map[string]any   `json:"tags,omitempty" yaml:"tags,omitempty"`
	EnvironmentVars map[string]any   `json:"environment_vars,omitempty" yaml:"environment_vars,omitempty"`
	Permissions     []any            `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	Agents          []any            `json:"agents,omitempty" yaml:"agents,omitempty"`
	Orchestration   *Orchestration   `json:"orchestration,omitempty" yaml:"orchestration,omitempty"`
}

// EndpointOrName returns the serving endpoint name, defaulting to the app
// name.
func (a App) EndpointOrName() string {
	if a.EndpointName != "" {
		return a.EndpointName
	}
	return a.Name
}

// FromMap converts a decoded JSON or YAML document into an AppConfig.
func FromMap(doc map[string]any) (*AppConfig, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	var cfg AppConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Parse decodes a YAML document.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	return &cfg, nil
}

// YAML encodes the config.
func (c *AppConfig) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode config yaml: %w", err)
	}
	return out, nil
}

// ModelEndpoint returns the serving endpoint behind a model reference,
// which is either an endpoint name or an object with a "name" field.
func ModelEndpoint(model any) string {
	switch m := model.(type) {
	case string:
		return strings.TrimSpace(m)
	case map[string]any:
		if name, ok := m["name"].(string); ok {
			return strings.TrimSpace(name)
		}
	case LLM:
		return m.Name
	case *LLM:
		if m != nil {
			return m.Name
		}
	}
	return ""
}

// OrchestratorEndpoint picks the LLM that answers chat turns: the supervisor
// or swarm model, else the first agent's model in name order.
func (c *AppConfig) OrchestratorEndpoint() string {
	if c.App != nil && c.App.Orchestration != nil {
		if s := c.App.Orchestration.Supervisor; s != nil {
			if name := c.resolveLLM(s.Model); name != "" {
				return name
			}
		}
		if s := c.App.Orchestration.Swarm; s != nil {
			if name := c.resolveLLM(s.Model); name != "" {
				return name
			}
		}
	}
	keys := make([]string, 0, len(c.Agents))
	for k := range c.Agents {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if name := c.resolveLLM(c.Agents[k].Model); name != "" {
			return name
		}
	}
	return ""
}

// resolveLLM accepts either an LLM key under resources.llms or an endpoint.
func (c *AppConfig) resolveLLM(model any) string {
	name := ModelEndpoint(model)
	if name == "" {
		return ""
	}
	if c.Resources != nil {
		if llm, ok := c.Resources.LLMs[name]; ok && llm.Name != "" {
			return llm.Name
		}
	}
	return name
}

// SystemPrompt returns the supervisor prompt when one is set inline.
func (c *AppConfig) SystemPrompt() string {
	if c.App == nil || c.App.Orchestration == nil || c.App.Orchestration.Supervisor == nil {
		return ""
	}
	return c.App.Orchestration.Supervisor.Prompt
}

// ServingEnvironment returns app.environment_vars as strings for the served
// entity. Secret references ({{secrets/scope/key}}) are kept since Model
// Serving resolves them.
func (c *AppConfig) ServingEnvironment() map[string]string {
	return c.environment(true)
}

// LocalEnvironment is ServingEnvironment without secret references, which
// cannot be resolved outside Model Serving.
func (c *AppConfig) LocalEnvironment() map[string]string {
	return c.environment(false)
}

func (c *AppConfig) environment(keepSecrets bool) map[string]string {
	out := map[string]string{}
	if c.App == nil {
		return out
	}
	for k, v := range c.App.EnvironmentVars {
		if v == nil {
			continue
		}
		s := fmt.Sprint(v)
		if !keepSecrets && strings.Contains(s, "{{secrets/") {
			continue
		}
		out[k] = s
	}
	return out
}
