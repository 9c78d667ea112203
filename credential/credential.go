// Package credential decides which bearer token and workspace host a request
// talks to the platform with.
package credential

import (
	"errors"
	"strings"

	"golang.org/x/oauth2"
)

var (
	ErrNoToken = errors.New("no authentication token available")
	ErrNoHost  = errors.New("no Databricks host configured")
)

type TokenSource string

const (
	TokenNone      TokenSource = ""
	TokenSession   TokenSource = "oauth"
	TokenHeader    TokenSource = "manual"
	TokenForwarded TokenSource = "obo"
	TokenSDK       TokenSource = "sdk"
	TokenEnv       TokenSource = "env"
)

type HostSource string

const (
	HostNone    HostSource = ""
	HostSession HostSource = "oauth"
	HostHeader  HostSource = "header"
	HostSDK     HostSource = "sdk"
	HostEnv     HostSource = "env"
)

// Credentials is the token/host pair a single request resolved to. Token and
// host are resolved independently.
type Credentials struct {
	Token       string
	TokenSource TokenSource
	Host        string
	HostSource  HostSource
}

func (c Credentials) HasToken() bool { return c.Token != "" }

func (c Credentials) HasHost() bool { return c.Host != "" }

// Validate reports ErrNoToken or ErrNoHost, in that order.
func (c Credentials) Validate() error {
	if !c.HasToken() {
		return ErrNoToken
	}
	if !c.HasHost() {
		return ErrNoHost
	}
	return nil
}

// OAuth2 exposes the token as a static oauth2 token source.
func (c Credentials) OAuth2() oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: c.Token, TokenType: "Bearer"})
}

// NormalizeHost trims whitespace and trailing slashes and adds an https
// scheme when none is present. It is idempotent.
func NormalizeHost(host string) string {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if host == "" {
		return ""
	}
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "https://" + host
	}
	return host
}

// IsAppURL reports whether host points at a Databricks Apps deployment
// rather than a workspace.
func IsAppURL(host string) bool {
	return host != "" && strings.Contains(strings.ToLower(host), "databricksapps.com")
}
