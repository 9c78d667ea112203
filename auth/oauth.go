// Package auth runs the OAuth authorization-code login against a Databricks
// workspace's OIDC endpoints.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/PipeOpsHQ/dao-ai-builder/credential"
)

var ErrNotConfigured = errors.New("no OAuth client ID available")

type Config struct {
	ClientID     string
	ClientSecret string
	// Scopes defaults to credential.OAuthScopes.
	Scopes []string
	// HTTPClient is used for the token exchange.
	HTTPClient *http.Client
}

// Flow builds authorization URLs and exchanges codes. The workspace host
// is chosen per login, so endpoints are derived on every call.
type Flow struct {
	cfg Config
}

func NewFlow(cfg Config) *Flow {
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = credential.ConfiguredScopes()
	}
	return &Flow{cfg: cfg}
}

func (f *Flow) Configured() bool { return strings.TrimSpace(f.cfg.ClientID) != "" }

func (f *Flow) Scopes() []string {
	out := make([]string, len(f.cfg.Scopes))
	copy(out, f.cfg.Scopes)
	return out
}

// Endpoint returns the OIDC endpoints of the workspace at host.
func Endpoint(host string) oauth2.Endpoint {
	host = credential.NormalizeHost(host)
	return oauth2.Endpoint{
		AuthURL:   host + "/oidc/v1/authorize",
		TokenURL:  host + "/oidc/v1/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}
}

func (f *Flow) config(host, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     f.cfg.ClientID,
		ClientSecret: f.cfg.ClientSecret,
		Endpoint:     Endpoint(host),
		RedirectURL:  redirectURL,
		Scopes:       f.cfg.Scopes,
	}
}

// NewState returns a random URL-safe value for CSRF protection.
func NewState() string { return oauth2.GenerateVerifier() }

// AuthCodeURL returns the consent page URL for host.
func (f *Flow) AuthCodeURL(host, redirectURL, state string) (string, error) {
	if !f.Configured() {
		return "", ErrNotConfigured
	}
	return f.config(host, redirectURL).AuthCodeURL(state), nil
}

// ExchangeError is a failed code exchange. Rejected is set when the
// workspace answered with an OAuth error rather than failing to respond.
type ExchangeError struct {
	Message  string
	Rejected bool
	Err      error
}

func (e *ExchangeError) Error() string { return "token exchange failed: " + e.Message }

func (e *ExchangeError) Unwrap() error { return e.Err }

// Exchange trades an authorization code for tokens.
func (f *Flow) Exchange(ctx context.Context, host, redirectURL, code string) (*oauth2.Token, error) {
	if f.cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, f.cfg.HTTPClient)
	}
	tok, err := f.config(host, redirectURL).Exchange(ctx, code)
	if err == nil {
		return tok, nil
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		msg := re.ErrorDescription
		if msg == "" {
			msg = strings.TrimSpace(string(re.Body))
		}
		if msg == "" {
			msg = fmt.Sprintf("http %d", re.Response.StatusCode)
		}
		return nil, &ExchangeError{Message: msg, Rejected: true, Err: err}
	}
	return nil, &ExchangeError{Message: err.Error(), Err: err}
}

// Status is the login state reported to the browser.
type Status struct {
	Authenticated bool     `json:"authenticated"`
	Method        *string  `json:"method"`
	Host          *string  `json:"host"`
	Scopes        []string `json:"scopes"`
}

// StatusFor builds the status of a session holding token and host.
func (f *Flow) StatusFor(token, host string) Status {
	st := Status{Authenticated: token != ""}
	if host != "" {
		st.Host = &host
	}
	if st.Authenticated {
		method := string(credential.TokenSession)
		st.Method = &method
		st.Scopes = f.Scopes()
	}
	return st
}
