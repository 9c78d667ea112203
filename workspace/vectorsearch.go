package workspace

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

type VectorSearchEndpointStatus struct {
	State string `json:"state,omitempty"`
}

type VectorSearchEndpoint struct {
	Name           string                      `json:"name"`
	EndpointType   string                      `json:"endpoint_type,omitempty"`
	EndpointStatus *VectorSearchEndpointStatus `json:"endpoint_status,omitempty"`
	Creator        string                      `json:"creator,omitempty"`
}

type DeltaSyncIndexSpec struct {
	SourceTable  string `json:"source_table,omitempty"`
	PipelineType string `json:"pipeline_type,omitempty"`
}

type VectorSearchIndex struct {
	Name               string              `json:"name"`
	EndpointName       string              `json:"endpoint_name"`
	IndexType          string              `json:"index_type,omitempty"`
	PrimaryKey         string              `json:"primary_key,omitempty"`
	Status             string              `json:"status,omitempty"`
	DeltaSyncIndexSpec *DeltaSyncIndexSpec `json:"delta_sync_index_spec,omitempty"`
}

// indexFanout caps concurrent per-endpoint index listings.
const indexFanout = 4

func (c *Client) ListVectorSearchEndpoints(ctx context.Context) ([]VectorSearchEndpoint, error) {
	return collectPages(ctx, func(ctx context.Context, token string) ([]VectorSearchEndpoint, string, error) {
		var resp struct {
			Endpoints     []VectorSearchEndpoint `json:"endpoints"`
			NextPageToken string                 `json:"next_page_token"`
		}
		err := c.call(ctx, http.MethodGet, "/api/2.0/vector-search/endpoints", pageQuery(nil, token), nil, &resp)
		return resp.Endpoints, resp.NextPageToken, err
	})
}

// ListVectorSearchIndexes lists the indexes of one endpoint.
func (c *Client) ListVectorSearchIndexes(ctx context.Context, endpoint string) ([]VectorSearchIndex, error) {
	base := url.Values{"endpoint_name": {endpoint}}
	return collectPages(ctx, func(ctx context.Context, token string) ([]VectorSearchIndex, string, error) {
		var resp struct {
			Indexes []struct {
				Name         string `json:"name"`
				EndpointName string `json:"endpoint_name"`
				IndexType    string `json:"index_type"`
				PrimaryKey   string `json:"primary_key"`
				Status       *struct {
					Ready   *bool  `json:"ready"`
					Message string `json:"message"`
				} `json:"status"`
				DeltaSyncIndexSpec *DeltaSyncIndexSpec `json:"delta_sync_index_spec"`
			} `json:"vector_indexes"`
			NextPageToken string `json:"next_page_token"`
		}
		if err := c.call(ctx, http.MethodGet, "/api/2.0/vector-search/indexes", pageQuery(base, token), nil, &resp); err != nil {
			return nil, "", err
		}
		out := make([]VectorSearchIndex, 0, len(resp.Indexes))
		for _, idx := range resp.Indexes {
			item := VectorSearchIndex{
				Name:               idx.Name,
				EndpointName:       idx.EndpointName,
				IndexType:          idx.IndexType,
				PrimaryKey:         idx.PrimaryKey,
				DeltaSyncIndexSpec: idx.DeltaSyncIndexSpec,
			}
			if item.EndpointName == "" {
				item.EndpointName = endpoint
			}
			if idx.Status != nil {
				switch {
				case idx.Status.Ready != nil && *idx.Status.Ready:
					item.Status = "READY"
				case idx.Status.Ready != nil:
					item.Status = "NOT_READY"
				default:
					item.Status = idx.Status.Message
				}
			}
			out = append(out, item)
		}
		return out, resp.NextPageToken, nil
	})
}

// ListAllVectorSearchIndexes lists indexes across endpoints. With no
// endpoints given, every endpoint is listed first. Endpoints that fail are
// skipped and logged; the result is sorted by endpoint then index name.
func (c *Client) ListAllVectorSearchIndexes(ctx context.Context, endpoints ...string) ([]VectorSearchIndex, error) {
	if len(endpoints) == 0 {
		eps, err := c.ListVectorSearchEndpoints(ctx)
		if err != nil {
			c.logger.Warn("could not list vector search endpoints", "error", err)
			return nil, nil
		}
		for _, ep := range eps {
			if ep.Name != "" {
				endpoints = append(endpoints, ep.Name)
			}
		}
	}

	var (
		mu  sync.Mutex
		out []VectorSearchIndex
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(indexFanout)
	for _, ep := range endpoints {
		g.Go(func() error {
			items, err := c.ListVectorSearchIndexes(gctx, ep)
			if err != nil {
				c.logger.Warn("could not list vector search indexes", "endpoint", ep, "error", err)
				return nil
			}
			mu.Lock()
			out = append(out, items...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].EndpointName != out[j].EndpointName {
			return out[i].EndpointName < out[j].EndpointName
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}
