package workspace

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

type Catalog struct {
	Name    string `json:"name"`
	Comment string `json:"comment,omitempty"`
	Owner   string `json:"owner,omitempty"`
}

func (c Catalog) OwnerName() string   { return c.Owner }
func (c Catalog) DisplayName() string { return c.Name }

type Schema struct {
	Name     string `json:"name"`
	FullName string `json:"full_name,omitempty"`
	Comment  string `json:"comment,omitempty"`
	Owner    string `json:"owner,omitempty"`
}

func (s Schema) OwnerName() string   { return s.Owner }
func (s Schema) DisplayName() string { return s.Name }

type Table struct {
	Name      string   `json:"name"`
	FullName  string   `json:"full_name,omitempty"`
	TableType string   `json:"table_type,omitempty"`
	Comment   string   `json:"comment,omitempty"`
	Owner     string   `json:"owner,omitempty"`
	Columns   []Column `json:"columns,omitempty"`
}

func (t Table) OwnerName() string   { return t.Owner }
func (t Table) DisplayName() string { return t.Name }

type Column struct {
	Name     string `json:"name"`
	TypeName string `json:"type_name,omitempty"`
	TypeText string `json:"type_text,omitempty"`
	Comment  string `json:"comment,omitempty"`
	Nullable *bool  `json:"nullable,omitempty"`
}

// IsNullable treats a missing flag as nullable.
func (c Column) IsNullable() bool { return c.Nullable == nil || *c.Nullable }

type FunctionParameter struct {
	Name     string `json:"name,omitempty"`
	TypeText string `json:"type_text,omitempty"`
}

type FunctionParameters struct {
	Parameters []FunctionParameter `json:"parameters,omitempty"`
}

type Function struct {
	Name         string              `json:"name"`
	FullName     string              `json:"full_name,omitempty"`
	Comment      string              `json:"comment,omitempty"`
	Owner        string              `json:"owner,omitempty"`
	InputParams  *FunctionParameters `json:"input_params,omitempty"`
	ReturnParams *FunctionParameters `json:"return_params,omitempty"`
}

func (f Function) OwnerName() string   { return f.Owner }
func (f Function) DisplayName() string { return f.Name }

type Volume struct {
	Name       string `json:"name"`
	FullName   string `json:"full_name,omitempty"`
	VolumeType string `json:"volume_type,omitempty"`
	Comment    string `json:"comment,omitempty"`
	Owner      string `json:"owner,omitempty"`
}

func (v Volume) OwnerName() string   { return v.Owner }
func (v Volume) DisplayName() string { return v.Name }

type RegisteredModel struct {
	Name        string `json:"name"`
	FullName    string `json:"full_name,omitempty"`
	CatalogName string `json:"catalog_name,omitempty"`
	SchemaName  string `json:"schema_name,omitempty"`
	Comment     string `json:"comment,omitempty"`
	Owner       string `json:"owner,omitempty"`
}

func (m RegisteredModel) OwnerName() string   { return m.Owner }
func (m RegisteredModel) DisplayName() string { return m.Name }

type Connection struct {
	Name           string `json:"name"`
	ConnectionType string `json:"connection_type,omitempty"`
	Owner          string `json:"owner,omitempty"`
	Comment        string `json:"comment,omitempty"`
	FullName       string `json:"full_name,omitempty"`
}

func (c Connection) OwnerName() string   { return c.Owner }
func (c Connection) DisplayName() string { return c.Name }

type DatabaseInstance struct {
	Name         string `json:"name"`
	State        string `json:"state,omitempty"`
	Creator      string `json:"creator,omitempty"`
	Owner        string `json:"owner,omitempty"`
	ReadWriteDNS string `json:"read_write_dns,omitempty"`
}

func (d DatabaseInstance) OwnerName() string {
	if d.Owner != "" {
		return d.Owner
	}
	return d.Creator
}
func (d DatabaseInstance) DisplayName() string { return d.Name }

func (c *Client) ListCatalogs(ctx context.Context) ([]Catalog, error) {
	return collectPages(ctx, func(ctx context.Context, token string) ([]Catalog, string, error) {
		var resp struct {
			Catalogs      []Catalog `json:"catalogs"`
			NextPageToken string    `json:"next_page_token"`
		}
		err := c.call(ctx, http.MethodGet, "/api/2.1/unity-catalog/catalogs", pageQuery(nil, token), nil, &resp)
		return resp.Catalogs, resp.NextPageToken, err
	})
}

func (c *Client) ListSchemas(ctx context.Context, catalog string) ([]Schema, error) {
	base := url.Values{"catalog_name": {catalog}}
	return collectPages(ctx, func(ctx context.Context, token string) ([]Schema, string, error) {
		var resp struct {
			Schemas       []Schema `json:"schemas"`
			NextPageToken string   `json:"next_page_token"`
		}
		err := c.call(ctx, http.MethodGet, "/api/2.1/unity-catalog/schemas", pageQuery(base, token), nil, &resp)
		return resp.Schemas, resp.NextPageToken, err
	})
}

func (c *Client) ListTables(ctx context.Context, catalog, schema string) ([]Table, error) {
	base := url.Values{"catalog_name": {catalog}, "schema_name": {schema}}
	return collectPages(ctx, func(ctx context.Context, token string) ([]Table, string, error) {
		var resp struct {
			Tables        []Table `json:"tables"`
			NextPageToken string  `json:"next_page_token"`
		}
		err := c.call(ctx, http.MethodGet, "/api/2.1/unity-catalog/tables", pageQuery(base, token), nil, &resp)
		return resp.Tables, resp.NextPageToken, err
	})
}

// GetTable fetches one table including its columns.
func (c *Client) GetTable(ctx context.Context, fullName string) (Table, error) {
	var out Table
	err := c.call(ctx, http.MethodGet, "/api/2.1/unity-catalog/tables/"+url.PathEscape(fullName), nil, nil, &out)
	return out, err
}

func (c *Client) ListFunctions(ctx context.Context, catalog, schema string) ([]Function, error) {
	base := url.Values{"catalog_name": {catalog}, "schema_name": {schema}}
	return collectPages(ctx, func(ctx context.Context, token string) ([]Function, string, error) {
		var resp struct {
			Functions     []Function `json:"functions"`
			NextPageToken string     `json:"next_page_token"`
		}
		err := c.call(ctx, http.MethodGet, "/api/2.1/unity-catalog/functions", pageQuery(base, token), nil, &resp)
		return resp.Functions, resp.NextPageToken, err
	})
}

func (c *Client) ListVolumes(ctx context.Context, catalog, schema string) ([]Volume, error) {
	base := url.Values{"catalog_name": {catalog}, "schema_name": {schema}}
	return collectPages(ctx, func(ctx context.Context, token string) ([]Volume, string, error) {
		var resp struct {
			Volumes       []Volume `json:"volumes"`
			NextPageToken string   `json:"next_page_token"`
		}
		err := c.call(ctx, http.MethodGet, "/api/2.1/unity-catalog/volumes", pageQuery(base, token), nil, &resp)
		return resp.Volumes, resp.NextPageToken, err
	})
}

func (c *Client) ListRegisteredModels(ctx context.Context) ([]RegisteredModel, error) {
	return collectPages(ctx, func(ctx context.Context, token string) ([]RegisteredModel, string, error) {
		var resp struct {
			RegisteredModels []RegisteredModel `json:"registered_models"`
			NextPageToken    string            `json:"next_page_token"`
		}
		err := c.call(ctx, http.MethodGet, "/api/2.1/unity-catalog/models", pageQuery(nil, token), nil, &resp)
		return resp.RegisteredModels, resp.NextPageToken, err
	})
}

func (c *Client) ListConnections(ctx context.Context) ([]Connection, error) {
	return collectPages(ctx, func(ctx context.Context, token string) ([]Connection, string, error) {
		var resp struct {
			Connections   []Connection `json:"connections"`
			NextPageToken string       `json:"next_page_token"`
		}
		err := c.call(ctx, http.MethodGet, "/api/2.1/unity-catalog/connections", pageQuery(nil, token), nil, &resp)
		return resp.Connections, resp.NextPageToken, err
	})
}

func (c *Client) ListDatabaseInstances(ctx context.Context) ([]DatabaseInstance, error) {
	return collectPages(ctx, func(ctx context.Context, token string) ([]DatabaseInstance, string, error) {
		var resp struct {
			DatabaseInstances []DatabaseInstance `json:"database_instances"`
			NextPageToken     string             `json:"next_page_token"`
		}
		err := c.call(ctx, http.MethodGet, "/api/2.0/database/instances", pageQuery(nil, token), nil, &resp)
		return resp.DatabaseInstances, resp.NextPageToken, err
	})
}

// CreateRegisteredModel creates a Unity Catalog model. An existing model is
// not an error.
func (c *Client) CreateRegisteredModel(ctx context.Context, catalog, schema, name, comment string) (RegisteredModel, error) {
	in := map[string]any{"catalog_name": catalog, "schema_name": schema, "name": name}
	if comment != "" {
		in["comment"] = comment
	}
	var out RegisteredModel
	err := c.call(ctx, http.MethodPost, "/api/2.1/unity-catalog/models", nil, in, &out)
	if IsAlreadyExists(err) {
		return RegisteredModel{Name: name, CatalogName: catalog, SchemaName: schema, FullName: fmt.Sprintf("%s.%s.%s", catalog, schema, name)}, nil
	}
	return out, err
}
