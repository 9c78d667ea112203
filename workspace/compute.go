package workspace

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
)

type EndpointState struct {
	Ready        string `json:"ready,omitempty"`
	ConfigUpdate string `json:"config_update,omitempty"`
}

type ServingEndpoint struct {
	Name    string         `json:"name"`
	State   *EndpointState `json:"state,omitempty"`
	Creator string         `json:"creator,omitempty"`
}

type Warehouse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	State       string `json:"state,omitempty"`
	ClusterSize string `json:"cluster_size,omitempty"`
	NumClusters int    `json:"num_clusters,omitempty"`
}

type GenieSpace struct {
	SpaceID     string `json:"space_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	WarehouseID string `json:"warehouse_id,omitempty"`
}

type AppStatus struct {
	State   string `json:"state,omitempty"`
	Message string `json:"message,omitempty"`
}

type App struct {
	Name          string     `json:"name"`
	URL           string     `json:"url,omitempty"`
	Description   string     `json:"description,omitempty"`
	Creator       string     `json:"creator,omitempty"`
	CreateTime    string     `json:"create_time,omitempty"`
	AppStatus     *AppStatus `json:"app_status,omitempty"`
	ComputeStatus *AppStatus `json:"compute_status,omitempty"`
}

type Email struct {
	Value   string `json:"value"`
	Primary bool   `json:"primary,omitempty"`
}

type User struct {
	ID          string  `json:"id,omitempty"`
	UserName    string  `json:"userName"`
	DisplayName string  `json:"displayName,omitempty"`
	Emails      []Email `json:"emails,omitempty"`
}

func (c *Client) ListServingEndpoints(ctx context.Context) ([]ServingEndpoint, error) {
	var resp struct {
		Endpoints []ServingEndpoint `json:"endpoints"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/2.0/serving-endpoints", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Endpoints, nil
}

func (c *Client) ListWarehouses(ctx context.Context) ([]Warehouse, error) {
	var resp struct {
		Warehouses []Warehouse `json:"warehouses"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/2.0/sql/warehouses", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Warehouses, nil
}

// ListGenieSpaces pages through the spaces visible to the client's token.
func (c *Client) ListGenieSpaces(ctx context.Context) ([]GenieSpace, error) {
	base := url.Values{"page_size": {"100"}}
	return collectPages(ctx, func(ctx context.Context, token string) ([]GenieSpace, string, error) {
		var resp struct {
			Spaces []struct {
				SpaceID     string `json:"space_id"`
				ID          string `json:"id"`
				Title       string `json:"title"`
				Name        string `json:"name"`
				Description string `json:"description"`
				WarehouseID string `json:"warehouse_id"`
			} `json:"spaces"`
			NextPageToken string `json:"next_page_token"`
		}
		if err := c.call(ctx, http.MethodGet, "/api/2.0/genie/spaces", pageQuery(base, token), nil, &resp); err != nil {
			return nil, "", err
		}
		out := make([]GenieSpace, 0, len(resp.Spaces))
		for _, s := range resp.Spaces {
			space := GenieSpace{SpaceID: s.SpaceID, Title: s.Title, Description: s.Description, WarehouseID: s.WarehouseID}
			if space.SpaceID == "" {
				space.SpaceID = s.ID
			}
			if space.Title == "" {
				space.Title = s.Name
			}
			out = append(out, space)
		}
		return out, resp.NextPageToken, nil
	})
}

func (c *Client) ListApps(ctx context.Context) ([]App, error) {
	return collectPages(ctx, func(ctx context.Context, token string) ([]App, string, error) {
		var resp struct {
			Apps          []App  `json:"apps"`
			NextPageToken string `json:"next_page_token"`
		}
		err := c.call(ctx, http.MethodGet, "/api/2.0/apps", pageQuery(nil, token), nil, &resp)
		return resp.Apps, resp.NextPageToken, err
	})
}

func (c *Client) GetApp(ctx context.Context, name string) (App, error) {
	var out App
	err := c.call(ctx, http.MethodGet, "/api/2.0/apps/"+url.PathEscape(name), nil, nil, &out)
	return out, err
}

// CurrentUser calls SCIM Me.
func (c *Client) CurrentUser(ctx context.Context) (User, error) {
	var out User
	err := c.call(ctx, http.MethodGet, "/api/2.0/preview/scim/v2/Me", nil, nil, &out)
	return out, err
}

// GetSecret returns the decoded value of scope/key.
func (c *Client) GetSecret(ctx context.Context, scope, key string) (string, error) {
	var resp struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	q := url.Values{"scope": {scope}, "key": {key}}
	if err := c.call(ctx, http.MethodGet, "/api/2.0/secrets/get", q, nil, &resp); err != nil {
		return "", err
	}
	decoded, err := base64.StdEncoding.DecodeString(resp.Value)
	if err != nil {
		return "", fmt.Errorf("decode secret %s/%s: %w", scope, key, err)
	}
	return string(decoded), nil
}

// MkdirsWorkspace creates a workspace directory and its parents.
func (c *Client) MkdirsWorkspace(ctx context.Context, path string) error {
	return c.call(ctx, http.MethodPost, "/api/2.0/workspace/mkdirs", nil, map[string]any{"path": path}, nil)
}

// ImportWorkspaceFile uploads content to a workspace file, overwriting it.
func (c *Client) ImportWorkspaceFile(ctx context.Context, path string, content []byte) error {
	in := map[string]any{
		"path":      path,
		"format":    "AUTO",
		"content":   base64.StdEncoding.EncodeToString(content),
		"overwrite": true,
	}
	return c.call(ctx, http.MethodPost, "/api/2.0/workspace/import", nil, in, nil)
}
