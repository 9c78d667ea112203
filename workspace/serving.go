package workspace

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// ServedEntity is one model version behind a serving endpoint.
type ServedEntity struct {
	Name               string            `json:"name,omitempty"`
	EntityName         string            `json:"entity_name"`
	EntityVersion      string            `json:"entity_version"`
	WorkloadSize       string            `json:"workload_size,omitempty"`
	ScaleToZeroEnabled bool              `json:"scale_to_zero_enabled"`
	EnvironmentVars    map[string]string `json:"environment_vars,omitempty"`
}

type EndpointConfig struct {
	ServedEntities []ServedEntity `json:"served_entities"`
}

type EndpointDetail struct {
	Name    string          `json:"name"`
	State   *EndpointState  `json:"state,omitempty"`
	Creator string          `json:"creator,omitempty"`
	Config  *EndpointConfig `json:"config,omitempty"`
}

func (c *Client) GetServingEndpoint(ctx context.Context, name string) (EndpointDetail, error) {
	var out EndpointDetail
	err := c.call(ctx, http.MethodGet, "/api/2.0/serving-endpoints/"+url.PathEscape(name), nil, nil, &out)
	return out, err
}

func (c *Client) CreateServingEndpoint(ctx context.Context, name string, cfg EndpointConfig) (EndpointDetail, error) {
	in := map[string]any{"name": name, "config": cfg}
	var out EndpointDetail
	err := c.call(ctx, http.MethodPost, "/api/2.0/serving-endpoints", nil, in, &out)
	return out, err
}

func (c *Client) UpdateServingEndpointConfig(ctx context.Context, name string, cfg EndpointConfig) (EndpointDetail, error) {
	var out EndpointDetail
	err := c.call(ctx, http.MethodPut, "/api/2.0/serving-endpoints/"+url.PathEscape(name)+"/config", nil, cfg, &out)
	return out, err
}

// ModelVersion is a Unity Catalog model version created through MLflow.
type ModelVersion struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Source  string `json:"source,omitempty"`
	Status  string `json:"status,omitempty"`
}

// CreateModelVersion registers source as a new version of the UC model name.
func (c *Client) CreateModelVersion(ctx context.Context, name, source, description string) (ModelVersion, error) {
	in := map[string]any{"name": name, "source": source}
	if description != "" {
		in["description"] = description
	}
	var resp struct {
		ModelVersion ModelVersion `json:"model_version"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/2.0/mlflow/unity-catalog/model-versions/create", nil, in, &resp); err != nil {
		return ModelVersion{}, err
	}
	return resp.ModelVersion, nil
}

// FinalizeModelVersion marks the upload of a model version as complete.
func (c *Client) FinalizeModelVersion(ctx context.Context, name, version string) (ModelVersion, error) {
	in := map[string]any{"name": name, "version": version}
	var resp struct {
		ModelVersion ModelVersion `json:"model_version"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/2.0/mlflow/unity-catalog/model-versions/finalize", nil, in, &resp); err != nil {
		return ModelVersion{}, err
	}
	return resp.ModelVersion, nil
}

// ChatMessage is an OpenAI-style chat message.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body sent to a chat serving endpoint.
type ChatRequest struct {
	Messages     []ChatMessage  `json:"messages"`
	MaxTokens    int            `json:"max_tokens,omitempty"`
	Temperature  *float64       `json:"temperature,omitempty"`
	Stream       bool           `json:"stream,omitempty"`
	CustomInputs map[string]any `json:"custom_inputs,omitempty"`
}

// ChatResponse is the non-streaming completion result.
type ChatResponse struct {
	Choices []struct {
		Message ChatMessage `json:"message"`
	} `json:"choices"`
	CustomOutputs map[string]any `json:"custom_outputs,omitempty"`
}

// Text returns the first choice's content.
func (r ChatResponse) Text() string {
	if len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// Invoke calls a serving endpoint's invocations route.
func (c *Client) Invoke(ctx context.Context, endpoint string, req ChatRequest) (ChatResponse, error) {
	req.Stream = false
	var out ChatResponse
	err := c.call(ctx, http.MethodPost, "/serving-endpoints/"+url.PathEscape(endpoint)+"/invocations", nil, req, &out)
	return out, err
}

// StreamChunk is one decoded frame of a streaming completion.
type StreamChunk struct {
	Delta         string
	CustomOutputs map[string]any
}

// InvokeStream calls the endpoint with stream=true and hands every decoded
// chunk to fn. Returning an error from fn stops the stream.
func (c *Client) InvokeStream(ctx context.Context, endpoint string, req ChatRequest, fn func(StreamChunk) error) error {
	req.Stream = true
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode chat request: %w", err)
	}
	resp, err := c.Do(ctx, http.MethodPost, "/serving-endpoints/"+url.PathEscape(endpoint)+"/invocations", nil, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("invoke %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		return ParseAPIError(resp.StatusCode, body)
	}

	// Endpoints that ignore stream=true answer with a single JSON document.
	if !strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		var out ChatResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("decode %s response: %w", endpoint, err)
		}
		if text := out.Text(); text != "" {
			if err := fn(StreamChunk{Delta: text}); err != nil {
				return err
			}
		}
		if len(out.CustomOutputs) > 0 {
			return fn(StreamChunk{CustomOutputs: out.CustomOutputs})
		}
		return nil
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			return nil
		}
		var frame struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
			CustomOutputs map[string]any `json:"custom_outputs"`
		}
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			c.logger.Debug("skipping undecodable stream frame", "endpoint", endpoint, "error", err)
			continue
		}
		chunk := StreamChunk{CustomOutputs: frame.CustomOutputs}
		if len(frame.Choices) > 0 {
			chunk.Delta = frame.Choices[0].Delta.Content
		}
		if chunk.Delta == "" && len(chunk.CustomOutputs) == 0 {
			continue
		}
		if err := fn(chunk); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read %s stream: %w", endpoint, err)
	}
	return nil
}
