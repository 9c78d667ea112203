// Package workspace is a small REST client for the Databricks workspace APIs
// the builder needs. Every Client is bound to one host and one token source;
// nothing is read from process environment.
package workspace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	DefaultTimeout = 30 * time.Second
	// MaxPages bounds every paginated listing.
	MaxPages = 100
)

type Client struct {
	host      string
	http      *http.Client
	transport http.RoundTripper
	timeout   time.Duration
	logger    *slog.Logger
}

type Option func(*Client)

// WithTransport sets the base transport under the bearer-token transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		if rt != nil {
			c.transport = rt
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New returns a client for host that authenticates every request with a
// bearer token from tokens.
func New(host string, tokens oauth2.TokenSource, opts ...Option) *Client {
	c := &Client{
		host:      strings.TrimRight(strings.TrimSpace(host), "/"),
		transport: http.DefaultTransport,
		timeout:   DefaultTimeout,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	var rt http.RoundTripper = c.transport
	if tokens != nil {
		rt = &oauth2.Transport{Source: oauth2.ReuseTokenSource(nil, tokens), Base: c.transport}
	}
	c.http = &http.Client{Timeout: c.timeout, Transport: rt}
	return c
}

// NewWithToken is New with a static bearer token.
func NewWithToken(host, token string, opts ...Option) *Client {
	return New(host, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}), opts...)
}

func (c *Client) Host() string { return c.host }

// APIError is a non-2xx response from the workspace.
type APIError struct {
	StatusCode int
	ErrorCode  string
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = strings.TrimSpace(string(e.Body))
		if len(msg) > 200 {
			msg = msg[:200]
		}
	}
	if e.ErrorCode != "" {
		return fmt.Sprintf("databricks api %d %s: %s", e.StatusCode, e.ErrorCode, msg)
	}
	return fmt.Sprintf("databricks api %d: %s", e.StatusCode, msg)
}

// IsScopeError reports whether the platform rejected the token for missing
// OAuth scopes.
func (e *APIError) IsScopeError() bool {
	if e.StatusCode != http.StatusUnauthorized && e.StatusCode != http.StatusForbidden {
		return false
	}
	return strings.Contains(strings.ToLower(e.Message), "scope")
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// IsNotFound reports whether err is a 404 or a RESOURCE_DOES_NOT_EXIST error.
func IsNotFound(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusNotFound || apiErr.ErrorCode == "RESOURCE_DOES_NOT_EXIST"
}

// IsAlreadyExists reports whether err is a conflict on create.
func IsAlreadyExists(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusConflict || apiErr.ErrorCode == "RESOURCE_ALREADY_EXISTS"
}

// ParseAPIError builds an APIError from a response body. The message is taken
// from "message", falling back to "error".
func ParseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: body}
	var payload struct {
		ErrorCode string `json:"error_code"`
		Message   string `json:"message"`
		Error     any    `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		apiErr.ErrorCode = payload.ErrorCode
		apiErr.Message = payload.Message
		if apiErr.Message == "" {
			if s, ok := payload.Error.(string); ok {
				apiErr.Message = s
			}
		}
	}
	return apiErr
}

// Do sends a request and returns the raw response. The caller closes the
// body. Content-Type is always application/json.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Response, error) {
	target := c.host + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return c.http.Do(req)
}

// DoRaw is Do for a pre-encoded path and query string.
func (c *Client) DoRaw(ctx context.Context, method, pathAndQuery string, body io.Reader) (*http.Response, error) {
	target := c.host + "/" + strings.TrimLeft(pathAndQuery, "/")
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.http.Do(req)
}

// call encodes in as JSON (when non-nil), sends the request and decodes the
// response into out (when non-nil).
func (c *Client) call(ctx context.Context, method, path string, query url.Values, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(raw)
	}
	resp, err := c.Do(ctx, method, path, query, body)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s %s: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ParseAPIError(resp.StatusCode, raw)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// collectPages follows next_page_token until it is empty or MaxPages pages
// have been read.
func collectPages[T any](ctx context.Context, fetch func(ctx context.Context, pageToken string) ([]T, string, error)) ([]T, error) {
	var out []T
	token := ""
	for page := 0; page < MaxPages; page++ {
		items, next, err := fetch(ctx, token)
		if err != nil {
			return out, err
		}
		out = append(out, items...)
		if next == "" {
			break
		}
		token = next
	}
	return out, nil
}

func pageQuery(base url.Values, pageToken string) url.Values {
	q := url.Values{}
	for k, v := range base {
		q[k] = v
	}
	if pageToken != "" {
		q.Set("page_token", pageToken)
	}
	return q
}
