package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"

	"golang.org/x/oauth2"

	"github.com/PipeOpsHQ/dao-ai-builder/internal/logging"
)

var ErrNoServer = errors.New("one of url, sql, genie_room, vector_search, functions, connection or app is required")

type SchemaRef struct {
	CatalogName string `json:"catalog_name"`
	SchemaName  string `json:"schema_name"`
}

func (s *SchemaRef) complete() bool {
	return s != nil && s.CatalogName != "" && s.SchemaName != ""
}

type GenieRoomRef struct {
	SpaceID string `json:"space_id"`
	Name    string `json:"name,omitempty"`
}

type IndexRef struct {
	Name   string     `json:"name"`
	Schema *SchemaRef `json:"schema,omitempty"`
}

type VectorSearchRef struct {
	Schema *SchemaRef `json:"schema,omitempty"`
	Index  *IndexRef  `json:"index,omitempty"`
}

// schema returns the Unity Catalog schema holding the index: explicit,
// from the index, or parsed from a three-part index name.
func (v *VectorSearchRef) schema() (*SchemaRef, bool) {
	if v.Schema.complete() {
		return v.Schema, true
	}
	if v.Index == nil {
		return nil, false
	}
	if v.Index.Schema.complete() {
		return v.Index.Schema, true
	}
	if parts := strings.Split(v.Index.Name, "."); len(parts) == 3 {
		return &SchemaRef{CatalogName: parts[0], SchemaName: parts[1]}, true
	}
	return nil, false
}

type NamedRef struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

// ServerConfig addresses an MCP server. Exactly one addressing field is
// honoured, checked in declaration order.
type ServerConfig struct {
	URL          string           `json:"url,omitempty"`
	SQL          bool             `json:"sql,omitempty"`
	GenieRoom    *GenieRoomRef    `json:"genie_room,omitempty"`
	VectorSearch *VectorSearchRef `json:"vector_search,omitempty"`
	Functions    *SchemaRef       `json:"functions,omitempty"`
	Connection   *NamedRef        `json:"connection,omitempty"`
	App          *NamedRef        `json:"app,omitempty"`
	IncludeTools []string         `json:"include_tools,omitempty"`
	ExcludeTools []string         `json:"exclude_tools,omitempty"`
}

// AppResolver looks up the public URL of a Databricks App.
type AppResolver func(ctx context.Context, name string) (string, error)

// ResolveURL returns the MCP endpoint for cfg on the workspace at host.
func ResolveURL(ctx context.Context, cfg ServerConfig, host string, apps AppResolver) (string, error) {
	host = strings.TrimRight(host, "/")
	managed := func(parts ...string) (string, error) {
		if host == "" {
			return "", errors.New("databricks host is required for managed mcp servers")
		}
		escaped := make([]string, len(parts))
		for i, p := range parts {
			escaped[i] = url.PathEscape(p)
		}
		return host + "/api/2.0/mcp/" + strings.Join(escaped, "/"), nil
	}
	switch {
	case cfg.URL != "":
		return cfg.URL, nil
	case cfg.SQL:
		return managed("sql")
	case cfg.GenieRoom != nil:
		if cfg.GenieRoom.SpaceID == "" {
			return "", errors.New("genie_room.space_id is required")
		}
		return managed("genie", cfg.GenieRoom.SpaceID)
	case cfg.VectorSearch != nil:
		s, ok := cfg.VectorSearch.schema()
		if !ok {
			return "", errors.New("vector_search needs a schema or a fully qualified index name")
		}
		return managed("vector-search", s.CatalogName, s.SchemaName)
	case cfg.Functions != nil:
		if !cfg.Functions.complete() {
			return "", errors.New("functions.catalog_name and functions.schema_name are required")
		}
		return managed("functions", cfg.Functions.CatalogName, cfg.Functions.SchemaName)
	case cfg.Connection != nil:
		if cfg.Connection.Name == "" {
			return "", errors.New("connection.name is required")
		}
		return managed("external", cfg.Connection.Name)
	case cfg.App != nil:
		base := cfg.App.URL
		if base == "" {
			if cfg.App.Name == "" || apps == nil {
				return "", errors.New("app.name or app.url is required")
			}
			var err error
			if base, err = apps(ctx, cfg.App.Name); err != nil {
				return "", fmt.Errorf("resolve app %q: %w", cfg.App.Name, err)
			}
			if base == "" {
				return "", fmt.Errorf("app %q has no url; is it running?", cfg.App.Name)
			}
		}
		return strings.TrimRight(base, "/") + "/mcp", nil
	}
	return "", ErrNoServer
}

// Filter keeps tools matching include (all when empty) and drops those
// matching exclude. Patterns use path.Match syntax.
func Filter(tools []Tool, include, exclude []string) []Tool {
	if len(include) == 0 && len(exclude) == 0 {
		return tools
	}
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		if len(include) > 0 && !matchAny(include, t.Name) {
			continue
		}
		if matchAny(exclude, t.Name) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if p == name {
			return true
		}
		if ok, err := path.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}

// Lister resolves a server and lists its tools.
type Lister struct {
	Host   string
	Tokens oauth2.TokenSource
	Apps   AppResolver
	Logger *slog.Logger
	// Options are passed to every client.
	Options []Option
}

// ListTools connects to the server described by cfg. When applyFilters is
// set the include and exclude lists are honoured.
func (l Lister) ListTools(ctx context.Context, cfg ServerConfig, applyFilters bool) ([]Tool, error) {
	logger := logging.Or(l.Logger)
	endpoint, err := ResolveURL(ctx, cfg, l.Host, l.Apps)
	if err != nil {
		return nil, err
	}
	logger.Debug("listing mcp tools", "url", endpoint)
	client := NewClient(endpoint, l.Tokens, append([]Option{WithLogger(logger)}, l.Options...)...)
	if _, err := client.Initialize(ctx); err != nil {
		return nil, err
	}
	tools, err := client.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	if applyFilters {
		tools = Filter(tools, cfg.IncludeTools, cfg.ExcludeTools)
	}
	return tools, nil
}
