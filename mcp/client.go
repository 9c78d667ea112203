package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/PipeOpsHQ/dao-ai-builder/internal/logging"
)

const (
	DefaultTimeout = 30 * time.Second
	// maxToolPages bounds cursor pagination of tools/list.
	maxToolPages = 50
)

// Client speaks the streamable HTTP transport: JSON-RPC over POST, with
// responses as either a JSON body or an SSE stream.
type Client struct {
	url    string
	http   *http.Client
	base   http.RoundTripper
	logger *slog.Logger

	mu        sync.Mutex
	nextID    int64
	sessionID string
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTransport sets the transport under the bearer-token transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		if rt != nil {
			c.base = rt
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logging.Or(logger) }
}

// NewClient returns a client for the server at url. When tokens is set,
// every request carries its bearer token.
func NewClient(url string, tokens oauth2.TokenSource, opts ...Option) *Client {
	c := &Client{url: url, logger: slog.Default(), base: http.DefaultTransport}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		rt := c.base
		if tokens != nil {
			rt = &oauth2.Transport{Source: oauth2.ReuseTokenSource(nil, tokens), Base: c.base}
		}
		c.http = &http.Client{Timeout: DefaultTimeout, Transport: rt}
	}
	return c
}

// Initialize performs the initialize handshake and sends the initialized
// notification.
func (c *Client) Initialize(ctx context.Context) (InitializeResult, error) {
	var out InitializeResult
	err := c.call(ctx, "initialize", initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      Implementation{Name: clientName},
	}, &out)
	if err != nil {
		return InitializeResult{}, fmt.Errorf("mcp initialize: %w", err)
	}
	if err := c.notify(ctx, "notifications/initialized"); err != nil {
		return InitializeResult{}, fmt.Errorf("mcp initialized notification: %w", err)
	}
	c.logger.Debug("mcp session initialized", "server", out.ServerInfo.Name, "protocol", out.ProtocolVersion)
	return out, nil
}

// ListTools follows nextCursor until the server stops returning one.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var (
		out    []Tool
		cursor string
	)
	for page := 0; page < maxToolPages; page++ {
		var res listToolsResult
		if err := c.call(ctx, "tools/list", listToolsParams{Cursor: cursor}, &res); err != nil {
			return out, fmt.Errorf("mcp tools/list: %w", err)
		}
		out = append(out, res.Tools...)
		if res.NextCursor == "" {
			return out, nil
		}
		cursor = res.NextCursor
	}
	return out, nil
}

func (c *Client) call(ctx context.Context, method string, params, out any) error {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.mu.Unlock()

	resp, err := c.post(ctx, rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if sid := resp.Header.Get(headerSessionID); sid != "" {
		c.mu.Lock()
		c.sessionID = sid
		c.mu.Unlock()
	}

	var msg rpcResponse
	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		msg, err = readEventStream(resp.Body, id)
	} else {
		err = json.NewDecoder(resp.Body).Decode(&msg)
	}
	if err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if msg.Error != nil {
		return msg.Error
	}
	if out == nil || len(msg.Result) == 0 {
		return nil
	}
	return json.Unmarshal(msg.Result, out)
}

func (c *Client) notify(ctx context.Context, method string) error {
	resp, err := c.post(ctx, rpcRequest{JSONRPC: "2.0", Method: method})
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

func (c *Client) post(ctx context.Context, msg rpcRequest) (*http.Response, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	c.mu.Lock()
	if c.sessionID != "" {
		req.Header.Set(headerSessionID, c.sessionID)
	}
	c.mu.Unlock()

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	return resp, nil
}

// HTTPError is a non-2xx answer from the MCP endpoint.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("mcp server returned http %d", e.StatusCode)
	}
	return fmt.Sprintf("mcp server returned http %d: %s", e.StatusCode, logging.Truncate(e.Body, 300))
}

// readEventStream returns the first JSON-RPC response with the given id.
func readEventStream(r io.Reader, id int64) (rpcResponse, error) {
	want := fmt.Sprint(id)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	var data strings.Builder
	flush := func() (rpcResponse, bool) {
		defer data.Reset()
		if data.Len() == 0 {
			return rpcResponse{}, false
		}
		var msg rpcResponse
		if err := json.Unmarshal([]byte(data.String()), &msg); err != nil {
			return rpcResponse{}, false
		}
		if strings.TrimSpace(string(msg.ID)) != want {
			return rpcResponse{}, false
		}
		return msg, true
	}
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if msg, ok := flush(); ok {
				return msg, nil
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if msg, ok := flush(); ok {
		return msg, nil
	}
	if err := scanner.Err(); err != nil {
		return rpcResponse{}, err
	}
	return rpcResponse{}, errors.New("event stream ended without a response")
}
