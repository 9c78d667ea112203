package credential

import (
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
)

const (
	HeaderAuthorization  = "Authorization"
	HeaderForwardedToken = "X-Forwarded-Access-Token"
	HeaderDatabricksHost = "X-Databricks-Host"
	HeaderForwardedEmail = "X-Forwarded-Email"
	HeaderForwardedUser  = "X-Forwarded-Preferred-Username"
)

// SessionState is the part of the browser session the resolver reads.
type SessionState struct {
	AccessToken string
	Host        string
}

// Resolver computes Credentials for a request. Header and session values are
// read fresh on every call; only the SDK config is memoized.
type Resolver struct {
	getenv func(string) string
	sdk    func() *SDKConfig
	logger *slog.Logger
}

type Option func(*Resolver)

func WithGetenv(getenv func(string) string) Option {
	return func(r *Resolver) {
		if getenv != nil {
			r.getenv = getenv
		}
	}
}

// WithSDKConfig pins the ambient config instead of loading it lazily.
func WithSDKConfig(cfg *SDKConfig) Option {
	return func(r *Resolver) {
		r.sdk = func() *SDKConfig { return cfg }
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{getenv: os.Getenv, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	if r.sdk == nil {
		getenv := r.getenv
		r.sdk = sync.OnceValue(func() *SDKConfig { return LoadSDKConfig(getenv, "") })
	}
	return r
}

func (r *Resolver) SDK() *SDKConfig { return r.sdk() }

func (r *Resolver) Getenv(key string) string { return strings.TrimSpace(r.getenv(key)) }

// Resolve returns the token and host for req using the standard precedence.
func (r *Resolver) Resolve(req *http.Request, sess SessionState) Credentials {
	token, tokenSource := r.ResolveToken(req, sess)
	host, hostSource := r.ResolveHost(req, sess)
	return Credentials{Token: token, TokenSource: tokenSource, Host: host, HostSource: hostSource}
}

// ResolveExplicit is Resolve except that an Authorization header beats the
// session token. Proxy calls use it so a pasted PAT always wins.
func (r *Resolver) ResolveExplicit(req *http.Request, sess SessionState) Credentials {
	creds := r.Resolve(req, sess)
	if token, ok := BearerToken(req); ok {
		creds.Token = token
		creds.TokenSource = TokenHeader
	}
	return creds
}

// ResolveToken walks session, Authorization header, forwarded OBO header,
// SDK config, then DATABRICKS_TOKEN.
func (r *Resolver) ResolveToken(req *http.Request, sess SessionState) (string, TokenSource) {
	if token := strings.TrimSpace(sess.AccessToken); token != "" {
		return token, TokenSession
	}
	if token, ok := BearerToken(req); ok {
		return token, TokenHeader
	}
	if token := ForwardedToken(req); token != "" {
		return token, TokenForwarded
	}
	if token := r.sdkToken(); token != "" {
		return token, TokenSDK
	}
	if token := r.Getenv("DATABRICKS_TOKEN"); token != "" {
		return token, TokenEnv
	}
	return "", TokenNone
}

// ResolveHost walks session, X-Databricks-Host, SDK config, then
// DATABRICKS_HOST. X-Forwarded-Host is never consulted: it carries the app
// URL, not the workspace URL.
func (r *Resolver) ResolveHost(req *http.Request, sess SessionState) (string, HostSource) {
	if host := NormalizeHost(sess.Host); host != "" {
		return host, HostSession
	}
	if req != nil {
		if host := NormalizeHost(req.Header.Get(HeaderDatabricksHost)); host != "" {
			return host, HostHeader
		}
	}
	if cfg := r.sdk(); cfg != nil && cfg.Host != "" {
		return cfg.Host, HostSDK
	}
	if host := NormalizeHost(r.getenv("DATABRICKS_HOST")); host != "" {
		return host, HostEnv
	}
	return "", HostNone
}

// Ambient returns the credentials of the process itself, ignoring anything
// request-scoped.
func (r *Resolver) Ambient() Credentials {
	return r.Resolve(nil, SessionState{})
}

func (r *Resolver) sdkToken() string {
	cfg := r.sdk()
	if cfg == nil {
		return ""
	}
	token, err := cfg.AccessToken()
	if err != nil {
		r.logger.Warn("sdk config token unavailable", "err", err)
		return ""
	}
	return token
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(req *http.Request) (string, bool) {
	if req == nil {
		return "", false
	}
	token, ok := strings.CutPrefix(req.Header.Get(HeaderAuthorization), "Bearer ")
	token = strings.TrimSpace(token)
	return token, ok && token != ""
}

// ForwardedToken returns the on-behalf-of-user token injected by the app
// proxy. Header lookup is case-insensitive.
func ForwardedToken(req *http.Request) string {
	if req == nil {
		return ""
	}
	return strings.TrimSpace(req.Header.Get(HeaderForwardedToken))
}

// ForwardedUser returns the caller identity injected by the app proxy.
func ForwardedUser(req *http.Request) string {
	if req == nil {
		return ""
	}
	if email := strings.TrimSpace(req.Header.Get(HeaderForwardedEmail)); email != "" {
		return email
	}
	return strings.TrimSpace(req.Header.Get(HeaderForwardedUser))
}
