package workspace

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
)

const promptsPath = "/api/2.0/mlflow/unity-catalog/prompts"

// PromptVersionCountTag is the tag the registry keeps with the number of
// versions of a prompt.
const PromptVersionCountTag = "PromptVersionCount"

type Tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type PromptAlias struct {
	Alias   string `json:"alias"`
	Version string `json:"version"`
}

type Prompt struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Aliases     []PromptAlias `json:"aliases,omitempty"`
	Tags        []Tag         `json:"tags,omitempty"`
}

// AliasMap returns alias name to version number. Unparsable versions are
// skipped.
func (p Prompt) AliasMap() map[string]int {
	out := make(map[string]int, len(p.Aliases))
	for _, a := range p.Aliases {
		if v, err := strconv.Atoi(a.Version); err == nil {
			out[a.Alias] = v
		}
	}
	return out
}

// TagMap returns the prompt tags as a map.
func (p Prompt) TagMap() map[string]string {
	out := make(map[string]string, len(p.Tags))
	for _, t := range p.Tags {
		out[t.Key] = t.Value
	}
	return out
}

// VersionCount reads PromptVersionCountTag. Zero when missing.
func (p Prompt) VersionCount() int {
	n, _ := strconv.Atoi(p.TagMap()[PromptVersionCountTag])
	return n
}

type PromptVersion struct {
	Name        string        `json:"name,omitempty"`
	Version     string        `json:"version"`
	Template    string        `json:"template,omitempty"`
	Description string        `json:"description,omitempty"`
	Aliases     []PromptAlias `json:"aliases,omitempty"`
	Tags        []Tag         `json:"tags,omitempty"`
}

// Number returns the version as an int, or 0.
func (v PromptVersion) Number() int {
	n, _ := strconv.Atoi(v.Version)
	return n
}

// SearchPrompts lists prompts in catalog.schema.
func (c *Client) SearchPrompts(ctx context.Context, catalog, schema string) ([]Prompt, error) {
	in := map[string]any{
		"filter":      fmt.Sprintf("catalog = '%s' AND schema = '%s'", catalog, schema),
		"max_results": 100,
	}
	var resp struct {
		Prompts []Prompt `json:"prompts"`
	}
	if err := c.call(ctx, http.MethodPost, promptsPath+"/search", nil, in, &resp); err != nil {
		return nil, err
	}
	return resp.Prompts, nil
}

// GetPrompt fetches a prompt by its full three-part name.
func (c *Client) GetPrompt(ctx context.Context, fullName string) (Prompt, error) {
	var out Prompt
	err := c.call(ctx, http.MethodGet, promptsPath+"/"+url.PathEscape(fullName), nil, nil, &out)
	return out, err
}

// SearchPromptVersions returns every version of a prompt, highest first.
func (c *Client) SearchPromptVersions(ctx context.Context, fullName string) ([]PromptVersion, error) {
	var resp struct {
		PromptVersions []PromptVersion `json:"prompt_versions"`
	}
	path := promptsPath + "/" + url.PathEscape(fullName) + "/versions/search"
	if err := c.call(ctx, http.MethodPost, path, nil, map[string]any{}, &resp); err != nil {
		return nil, err
	}
	sort.SliceStable(resp.PromptVersions, func(i, j int) bool {
		return resp.PromptVersions[i].Number() > resp.PromptVersions[j].Number()
	})
	return resp.PromptVersions, nil
}

// GetPromptVersion fetches one version including its template.
func (c *Client) GetPromptVersion(ctx context.Context, fullName string, version int) (PromptVersion, error) {
	var resp struct {
		PromptVersion PromptVersion `json:"prompt_version"`
	}
	path := fmt.Sprintf("%s/%s/versions/%d", promptsPath, url.PathEscape(fullName), version)
	if err := c.call(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return PromptVersion{}, err
	}
	return resp.PromptVersion, nil
}

// CreatePrompt creates the prompt container. An existing prompt is not an
// error.
func (c *Client) CreatePrompt(ctx context.Context, fullName, description string, tags map[string]string) error {
	in := map[string]any{"name": fullName}
	if description != "" {
		in["description"] = description
	}
	if len(tags) > 0 {
		in["tags"] = tagList(tags)
	}
	err := c.call(ctx, http.MethodPost, promptsPath, nil, map[string]any{"prompt": in}, nil)
	if IsAlreadyExists(err) {
		return nil
	}
	return err
}

// CreatePromptVersion appends a template version and returns it.
func (c *Client) CreatePromptVersion(ctx context.Context, fullName, template, description string, tags map[string]string) (PromptVersion, error) {
	in := map[string]any{"template": template}
	if description != "" {
		in["description"] = description
	}
	if len(tags) > 0 {
		in["tags"] = tagList(tags)
	}
	var resp struct {
		PromptVersion PromptVersion `json:"prompt_version"`
	}
	path := promptsPath + "/" + url.PathEscape(fullName) + "/versions"
	if err := c.call(ctx, http.MethodPost, path, nil, map[string]any{"prompt_version": in}, &resp); err != nil {
		return PromptVersion{}, err
	}
	return resp.PromptVersion, nil
}

// SetPromptAlias points alias at version.
func (c *Client) SetPromptAlias(ctx context.Context, fullName, alias string, version int) error {
	in := map[string]any{"name": fullName, "alias": alias, "version": strconv.Itoa(version)}
	path := promptsPath + "/" + url.PathEscape(fullName) + "/aliases"
	return c.call(ctx, http.MethodPost, path, nil, in, nil)
}

func tagList(tags map[string]string) []Tag {
	out := make([]Tag, 0, len(tags))
	for k, v := range tags {
		out = append(out, Tag{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
