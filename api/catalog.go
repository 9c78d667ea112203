package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/PipeOpsHQ/dao-ai-builder/internal/httpx"
	"github.com/PipeOpsHQ/dao-ai-builder/workspace"
)

// listFunc fetches one listing. user is the resolved current user when the
// listing asked for it.
type listFunc func(ctx context.Context, client *workspace.Client, user string) (any, error)

// list runs the shared listing template: ambient client, optional current
// user, one fetch, 500 on any failure.
func (s *Server) list(w http.ResponseWriter, r *http.Request, key string, withUser bool, fetch listFunc) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	client, err := s.ambientClient()
	if err != nil {
		s.logger.Error("listing without credentials", "listing", key, "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	user := ""
	if withUser {
		user = s.currentUser(r, client)
	}
	items, err := fetch(r.Context(), client, user)
	if err != nil {
		s.logger.Error("listing failed", "listing", key, "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	out := map[string]any{key: items}
	if withUser {
		out["current_user"] = optional(user)
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func query(r *http.Request, key string) string {
	return strings.TrimSpace(r.URL.Query().Get(key))
}

func (s *Server) handleCatalogs(w http.ResponseWriter, r *http.Request) {
	s.list(w, r, "catalogs", true, func(ctx context.Context, c *workspace.Client, user string) (any, error) {
		items, err := c.ListCatalogs(ctx)
		return nonNil(workspace.SortByOwner(items, user)), err
	})
}

func (s *Server) handleSchemas(w http.ResponseWriter, r *http.Request) {
	catalog := query(r, "catalog")
	if catalog == "" {
		httpx.WriteError(w, http.StatusBadRequest, errors.New("catalog parameter required"))
		return
	}
	s.list(w, r, "schemas", true, func(ctx context.Context, c *workspace.Client, user string) (any, error) {
		items, err := c.ListSchemas(ctx, catalog)
		return nonNil(workspace.SortByOwner(items, user)), err
	})
}

var errCatalogSchemaRequired = errors.New("catalog and schema parameters required")

func (s *Server) handleTables(w http.ResponseWriter, r *http.Request) {
	catalog, schema := query(r, "catalog"), query(r, "schema")
	if catalog == "" || schema == "" {
		httpx.WriteError(w, http.StatusBadRequest, errCatalogSchemaRequired)
		return
	}
	s.list(w, r, "tables", true, func(ctx context.Context, c *workspace.Client, user string) (any, error) {
		items, err := c.ListTables(ctx, catalog, schema)
		return nonNil(workspace.SortByOwner(items, user)), err
	})
}

type columnRecord struct {
	Name     string `json:"name"`
	TypeName string `json:"type_name"`
	TypeText string `json:"type_text"`
	Comment  string `json:"comment"`
	Nullable bool   `json:"nullable"`
}

func (s *Server) handleTableColumns(w http.ResponseWriter, r *http.Request) {
	catalog, schema, table := query(r, "catalog"), query(r, "schema"), query(r, "table")
	if catalog == "" || schema == "" || table == "" {
		httpx.WriteError(w, http.StatusBadRequest, errors.New("catalog, schema, and table parameters required"))
		return
	}
	s.list(w, r, "columns", false, func(ctx context.Context, c *workspace.Client, _ string) (any, error) {
		t, err := c.GetTable(ctx, catalog+"."+schema+"."+table)
		if err != nil {
			return nil, err
		}
		out := make([]columnRecord, 0, len(t.Columns))
		for _, col := range t.Columns {
			out = append(out, columnRecord{
				Name:     col.Name,
				TypeName: col.TypeName,
				TypeText: col.TypeText,
				Comment:  col.Comment,
				Nullable: col.IsNullable(),
			})
		}
		return out, nil
	})
}

type paramRecord struct {
	Name     string `json:"name"`
	TypeText string `json:"type_text"`
}

type returnRecord struct {
	TypeText string `json:"type_text"`
}

type functionRecord struct {
	Name         string        `json:"name"`
	FullName     string        `json:"full_name"`
	Comment      string        `json:"comment"`
	Owner        string        `json:"owner"`
	InputParams  []paramRecord `json:"input_params"`
	ReturnParams *returnRecord `json:"return_params"`
}

func (s *Server) handleFunctions(w http.ResponseWriter, r *http.Request) {
	catalog, schema := query(r, "catalog"), query(r, "schema")
	if catalog == "" || schema == "" {
		httpx.WriteError(w, http.StatusBadRequest, errCatalogSchemaRequired)
		return
	}
	s.list(w, r, "functions", true, func(ctx context.Context, c *workspace.Client, user string) (any, error) {
		items, err := c.ListFunctions(ctx, catalog, schema)
		if err != nil {
			return nil, err
		}
		out := make([]functionRecord, 0, len(items))
		for _, fn := range workspace.SortByOwner(items, user) {
			rec := functionRecord{
				Name:        fn.Name,
				FullName:    fn.FullName,
				Comment:     fn.Comment,
				Owner:       fn.Owner,
				InputParams: []paramRecord{},
			}
			if fn.InputParams != nil {
				for _, p := range fn.InputParams.Parameters {
					rec.InputParams = append(rec.InputParams, paramRecord(p))
				}
			}
			if fn.ReturnParams != nil && len(fn.ReturnParams.Parameters) > 0 {
				rec.ReturnParams = &returnRecord{TypeText: fn.ReturnParams.Parameters[0].TypeText}
			}
			out = append(out, rec)
		}
		return out, nil
	})
}

func (s *Server) handleVolumes(w http.ResponseWriter, r *http.Request) {
	catalog, schema := query(r, "catalog"), query(r, "schema")
	if catalog == "" || schema == "" {
		httpx.WriteError(w, http.StatusBadRequest, errCatalogSchemaRequired)
		return
	}
	s.list(w, r, "volumes", true, func(ctx context.Context, c *workspace.Client, user string) (any, error) {
		items, err := c.ListVolumes(ctx, catalog, schema)
		return nonNil(workspace.SortByOwner(items, user)), err
	})
}

func (s *Server) handleRegisteredModels(w http.ResponseWriter, r *http.Request) {
	s.list(w, r, "models", true, func(ctx context.Context, c *workspace.Client, user string) (any, error) {
		items, err := c.ListRegisteredModels(ctx)
		return nonNil(workspace.SortByOwner(items, user)), err
	})
}

func (s *Server) handleApps(w http.ResponseWriter, r *http.Request) {
	s.list(w, r, "apps", false, func(ctx context.Context, c *workspace.Client, _ string) (any, error) {
		items, err := c.ListApps(ctx)
		sort.SliceStable(items, func(i, j int) bool {
			return strings.ToLower(items[i].Name) < strings.ToLower(items[j].Name)
		})
		return nonNil(items), err
	})
}

func (s *Server) handleDatabases(w http.ResponseWriter, r *http.Request) {
	s.list(w, r, "databases", true, func(ctx context.Context, c *workspace.Client, user string) (any, error) {
		items, err := c.ListDatabaseInstances(ctx)
		return nonNil(workspace.SortByOwner(items, user)), err
	})
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	s.list(w, r, "connections", true, func(ctx context.Context, c *workspace.Client, user string) (any, error) {
		items, err := c.ListConnections(ctx)
		return nonNil(workspace.SortByOwner(items, user)), err
	})
}

func (s *Server) handleServingEndpoints(w http.ResponseWriter, r *http.Request) {
	s.list(w, r, "endpoints", false, func(ctx context.Context, c *workspace.Client, _ string) (any, error) {
		items, err := c.ListServingEndpoints(ctx)
		return nonNil(items), err
	})
}

func (s *Server) handleWarehouses(w http.ResponseWriter, r *http.Request) {
	s.list(w, r, "warehouses", false, func(ctx context.Context, c *workspace.Client, _ string) (any, error) {
		items, err := c.ListWarehouses(ctx)
		return nonNil(workspace.SortWarehouses(items)), err
	})
}

func (s *Server) handleVectorSearchEndpoints(w http.ResponseWriter, r *http.Request) {
	s.list(w, r, "endpoints", false, func(ctx context.Context, c *workspace.Client, _ string) (any, error) {
		items, err := c.ListVectorSearchEndpoints(ctx)
		return nonNil(items), err
	})
}

func (s *Server) handleVectorSearchIndexes(w http.ResponseWriter, r *http.Request) {
	var endpoints []string
	if endpoint := query(r, "endpoint"); endpoint != "" {
		endpoints = []string{endpoint}
	}
	s.list(w, r, "vector_indexes", false, func(ctx context.Context, c *workspace.Client, _ string) (any, error) {
		items, err := c.ListAllVectorSearchIndexes(ctx, endpoints...)
		return nonNil(items), err
	})
}

// handleGenieSpaces lists spaces with the caller's own token, since space
// visibility is per user, and falls back to the app identity when that
// yields nothing.
func (s *Server) handleGenieSpaces(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	creds := s.resolve(r)
	if !creds.HasToken() || !creds.HasHost() {
		httpx.WriteError(w, http.StatusUnauthorized, errors.New("Authentication required"))
		return
	}
	spaces, err := s.userClient(creds).ListGenieSpaces(r.Context())
	if err != nil {
		s.logger.Warn("genie listing with user token failed", "error", err)
	}
	var ambient *workspace.Client
	if err != nil || len(spaces) == 0 {
		client, aerr := s.ambientClient()
		if aerr != nil {
			if err != nil {
				httpx.WriteError(w, http.StatusInternalServerError, err)
				return
			}
		} else {
			ambient = client
			fallback, ferr := client.ListGenieSpaces(r.Context())
			switch {
			case ferr == nil:
				spaces = fallback
			case err != nil:
				s.logger.Error("genie listing failed", "error", ferr)
				httpx.WriteError(w, http.StatusInternalServerError, ferr)
				return
			}
		}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"spaces":       nonNil(workspace.SortSpaces(spaces)),
		"current_user": optional(s.currentUser(r, ambient)),
	})
}
