package api

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/PipeOpsHQ/dao-ai-builder/audit"
	"github.com/PipeOpsHQ/dao-ai-builder/credential"
	"github.com/PipeOpsHQ/dao-ai-builder/internal/httpx"
	"github.com/PipeOpsHQ/dao-ai-builder/internal/logging"
	"github.com/PipeOpsHQ/dao-ai-builder/workspace"
)

// promptQuery carries prompt lookups. GET reads the query string; POST reads
// a JSON body that may also name a service principal.
type promptQuery struct {
	Catalog          string         `json:"catalog"`
	Schema           string         `json:"schema"`
	Name             string         `json:"name"`
	Alias            string         `json:"alias"`
	Version          any            `json:"version"`
	ServicePrincipal map[string]any `json:"service_principal"`
}

func (q promptQuery) version() string {
	switch v := q.Version.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatInt(int64(v), 10)
	default:
		return fmt.Sprint(v)
	}
}

func (s *Server) decodePromptQuery(w http.ResponseWriter, r *http.Request) (promptQuery, bool) {
	if !allow(w, r, http.MethodGet, http.MethodPost) {
		return promptQuery{}, false
	}
	var q promptQuery
	if r.Method == http.MethodPost {
		if err := httpx.DecodeJSON(r, &q); err != nil && !errors.Is(err, httpx.ErrEmptyBody) {
			httpx.WriteError(w, http.StatusBadRequest, err)
			return promptQuery{}, false
		}
		return q, true
	}
	q.Catalog, q.Schema, q.Name, q.Alias = query(r, "catalog"), query(r, "schema"), query(r, "name"), query(r, "alias")
	if v := query(r, "version"); v != "" {
		q.Version = v
	}
	return q, true
}

// promptClient picks the registry identity: a caller-supplied service
// principal when it resolves, else the caller's own token. It writes the
// error response itself when neither is usable.
func (s *Server) promptClient(w http.ResponseWriter, r *http.Request, sp map[string]any) (*workspace.Client, bool) {
	creds := s.resolve(r)
	if !creds.HasHost() {
		httpx.WriteJSON(w, http.StatusUnauthorized, map[string]any{
			"error": "No Databricks host configured",
			"help":  "Set DATABRICKS_HOST environment variable or use OAuth login.",
		})
		return nil, false
	}
	if len(sp) > 0 {
		resolver := credential.VariableResolver{Getenv: s.cfg.Resolver.Getenv, Logger: s.logger}
		if creds.HasToken() {
			resolver.Secrets = s.userClient(creds)
		}
		principal := resolver.ServicePrincipal(r.Context(), sp)
		if principal.Complete() {
			s.logger.Info("prompt registry via service principal", "client_id", logging.MaskPrefix(principal.ClientID, 8))
			tokens := credential.ServicePrincipalTokenSource(r.Context(), creds.Host, principal.ClientID, principal.ClientSecret)
			return workspace.New(creds.Host, tokens, s.clientOptions()...), true
		}
		s.logger.Warn("service principal did not resolve, using caller token")
	}
	if !creds.HasToken() {
		httpx.WriteError(w, http.StatusUnauthorized, errors.New("No authentication token available"))
		return nil, false
	}
	return s.userClient(creds), true
}

type versionRecord struct {
	Version     string   `json:"version"`
	Aliases     []string `json:"aliases"`
	Description *string  `json:"description,omitempty"`
	Template    *string  `json:"template,omitempty"`
}

type promptRecord struct {
	Name          string            `json:"name"`
	FullName      string            `json:"full_name"`
	Description   string            `json:"description"`
	Tags          map[string]string `json:"tags"`
	Aliases       []string          `json:"aliases"`
	LatestVersion string            `json:"latest_version"`
	Versions      []versionRecord   `json:"versions"`
}

func shortName(fullName string) string {
	if i := strings.LastIndex(fullName, "."); i >= 0 {
		return fullName[i+1:]
	}
	return fullName
}

func (s *Server) handlePrompts(w http.ResponseWriter, r *http.Request) {
	q, ok := s.decodePromptQuery(w, r)
	if !ok {
		return
	}
	if q.Catalog == "" || q.Schema == "" {
		httpx.WriteError(w, http.StatusBadRequest, errCatalogSchemaRequired)
		return
	}
	client, ok := s.promptClient(w, r, q.ServicePrincipal)
	if !ok {
		return
	}
	prompts, err := client.SearchPrompts(r.Context(), q.Catalog, q.Schema)
	if err != nil {
		s.logger.Error("prompt search failed", "catalog", q.Catalog, "schema", q.Schema, "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]promptRecord, 0, len(prompts))
	for _, p := range prompts {
		count := p.VersionCount()
		if count <= 0 {
			count = 1
		}
		rec := promptRecord{
			Name:          shortName(p.Name),
			FullName:      p.Name,
			Description:   p.Description,
			Tags:          p.TagMap(),
			Aliases:       []string{},
			LatestVersion: strconv.Itoa(count),
			Versions:      make([]versionRecord, 0, count),
		}
		for v := count; v > 0; v-- {
			rec.Versions = append(rec.Versions, versionRecord{Version: strconv.Itoa(v), Aliases: []string{}})
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name) })
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"prompts": out})
}

type promptDetails struct {
	Name          string            `json:"name"`
	FullName      string            `json:"full_name"`
	Description   string            `json:"description"`
	Versions      []versionRecord   `json:"versions"`
	Aliases       []string          `json:"aliases"`
	AliasVersions map[string]string `json:"alias_versions"`
	Tags          map[string]string `json:"tags"`
	LatestVersion *string           `json:"latest_version"`
	Template      *string           `json:"template"`
}

// handlePromptDetails merges prompt metadata with its version list. Either
// half failing leaves that half empty.
func (s *Server) handlePromptDetails(w http.ResponseWriter, r *http.Request) {
	q, ok := s.decodePromptQuery(w, r)
	if !ok {
		return
	}
	if q.Name == "" {
		httpx.WriteError(w, http.StatusBadRequest, errors.New("name parameter required"))
		return
	}
	client, ok := s.promptClient(w, r, q.ServicePrincipal)
	if !ok {
		return
	}
	out := promptDetails{
		Name:          shortName(q.Name),
		FullName:      q.Name,
		Versions:      []versionRecord{},
		Aliases:       []string{},
		AliasVersions: map[string]string{},
		Tags:          map[string]string{},
	}
	if p, err := client.GetPrompt(r.Context(), q.Name); err != nil {
		s.logger.Warn("prompt metadata unavailable", "prompt", q.Name, "error", err)
	} else {
		out.Description = p.Description
		for _, a := range p.Aliases {
			if a.Alias == "" {
				continue
			}
			out.Aliases = append(out.Aliases, a.Alias)
			out.AliasVersions[a.Alias] = a.Version
		}
		sort.Strings(out.Aliases)
		out.Tags = p.TagMap()
		latest := "1"
		if n := p.VersionCount(); n > 0 {
			latest = strconv.Itoa(n)
		}
		out.LatestVersion = &latest
	}

	versions, err := client.SearchPromptVersions(r.Context(), q.Name)
	if err != nil {
		s.logger.Error("prompt versions unavailable", "prompt", q.Name, "error", err)
	}
	for _, v := range versions {
		n := strconv.Itoa(v.Number())
		rec := versionRecord{Version: n, Aliases: []string{}, Description: &v.Description, Template: &v.Template}
		for _, alias := range out.Aliases {
			if out.AliasVersions[alias] == n {
				rec.Aliases = append(rec.Aliases, alias)
			}
		}
		out.Versions = append(out.Versions, rec)
	}
	if len(out.Versions) > 0 {
		if out.LatestVersion == nil {
			out.LatestVersion = &out.Versions[0].Version
		}
		out.Template = out.Versions[0].Template
	}
	s.logger.Info("prompt details", "prompt", q.Name, "versions", len(out.Versions), "aliases", len(out.Aliases))
	httpx.WriteJSON(w, http.StatusOK, out)
}

// handlePromptTemplate loads one template by explicit version, by alias, or
// the latest version.
func (s *Server) handlePromptTemplate(w http.ResponseWriter, r *http.Request) {
	q, ok := s.decodePromptQuery(w, r)
	if !ok {
		return
	}
	if q.Name == "" {
		httpx.WriteError(w, http.StatusBadRequest, errors.New("name parameter required"))
		return
	}
	client, ok := s.promptClient(w, r, q.ServicePrincipal)
	if !ok {
		return
	}
	meta, err := client.GetPrompt(r.Context(), q.Name)
	if err != nil {
		status := workspace.StatusCode(err)
		if status == 0 {
			status = http.StatusInternalServerError
		}
		s.logger.Error("prompt metadata error", "prompt", q.Name, "error", err)
		httpx.WriteError(w, status, fmt.Errorf("Failed to get prompt metadata: %d", status))
		return
	}
	count := meta.VersionCount()
	if count <= 0 {
		count = 1
	}
	aliases := meta.AliasMap()

	var target int
	switch {
	case q.version() != "":
		n, err := strconv.Atoi(q.version())
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, fmt.Errorf("invalid version %q", q.version()))
			return
		}
		target = n
	case q.Alias != "" && aliases[q.Alias] > 0:
		target = aliases[q.Alias]
	case q.Alias == "" || q.Alias == "latest":
		target = count
	case q.Alias == "champion" || q.Alias == "default":
		httpx.WriteJSON(w, http.StatusNotFound, map[string]any{
			"error":           fmt.Sprintf("Alias '%s' not found for prompt %s", q.Alias, q.Name),
			"alias_not_found": true,
		})
		return
	}
	if target <= 0 {
		target = count
	}

	pv, err := client.GetPromptVersion(r.Context(), q.Name, target)
	if err != nil {
		s.logger.Error("prompt version load failed", "prompt", q.Name, "version", target, "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	loaded := pv.Version
	if loaded == "" {
		loaded = strconv.Itoa(target)
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"template": pv.Template,
		"version":  loaded,
		"name":     q.Name,
		"alias":    optional(q.Alias),
	})
}

type registerPromptRequest struct {
	Name             string            `json:"name"`
	CatalogName      string            `json:"catalog_name"`
	SchemaName       string            `json:"schema_name"`
	Template         string            `json:"template"`
	Description      string            `json:"description"`
	Alias            string            `json:"alias"`
	Tags             map[string]string `json:"tags"`
	ServicePrincipal map[string]any    `json:"service_principal"`
}

func (req registerPromptRequest) validate() error {
	switch {
	case strings.TrimSpace(req.Name) == "":
		return errors.New("name parameter required")
	case strings.TrimSpace(req.CatalogName) == "":
		return errors.New("catalog_name parameter required")
	case strings.TrimSpace(req.SchemaName) == "":
		return errors.New("schema_name parameter required")
	case req.Template == "":
		return errors.New("template parameter required")
	}
	return nil
}

// handleRegisterPrompt appends a version, then points the requested alias
// and "latest" at it. Alias failures are logged, not returned.
func (s *Server) handleRegisterPrompt(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req registerPromptRequest
	if err := httpx.DecodeJSON(r, &req); err != nil && !errors.Is(err, httpx.ErrEmptyBody) {
		httpx.WriteError(w, http.StatusBadRequest, err)
		return
	}
	if err := req.validate(); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err)
		return
	}
	client, ok := s.promptClient(w, r, req.ServicePrincipal)
	if !ok {
		return
	}
	fullName := req.CatalogName + "." + req.SchemaName + "." + req.Name
	tags := make(map[string]string, len(req.Tags)+1)
	for k, v := range req.Tags {
		tags[k] = v
	}
	tags["dao_ai_builder"] = "true"
	message := req.Description
	if message == "" {
		message = "Registered via DAO AI Builder"
	}

	ctx := r.Context()
	if err := client.CreatePrompt(ctx, fullName, "", tags); err != nil {
		s.logger.Error("prompt create failed", "prompt", fullName, "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	pv, err := client.CreatePromptVersion(ctx, fullName, req.Template, message, tags)
	if err != nil {
		s.logger.Error("prompt version create failed", "prompt", fullName, "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	version := pv.Number()
	aliases := []string{}
	for _, alias := range []string{req.Alias, "latest"} {
		if alias == "" || (alias == "latest" && len(aliases) > 0 && aliases[0] == "latest") {
			continue
		}
		if err := client.SetPromptAlias(ctx, fullName, alias, version); err != nil {
			s.logger.Warn("prompt alias failed", "prompt", fullName, "alias", alias, "error", err)
			continue
		}
		aliases = append(aliases, alias)
	}
	s.logger.Info("prompt registered", "prompt", fullName, "version", version)
	s.record(r, audit.ActionPromptRegister, fullName, map[string]any{"version": version, "aliases": aliases})
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"name":      req.Name,
		"full_name": fullName,
		"version":   version,
		"aliases":   aliases,
		"message":   fmt.Sprintf("Successfully registered prompt '%s' version %d", fullName, version),
	})
}
