package credential

import (
	"context"
	"strings"

	"golang.org/x/oauth2"
)

type DeployCredentialType string

const (
	DeployManualPAT DeployCredentialType = "manual_pat"
	DeployManualSP  DeployCredentialType = "manual_sp"
	DeployApp       DeployCredentialType = "app"
	DeployOBO       DeployCredentialType = "obo"
)

// DeployRequest is the credentials block of a deployment request.
type DeployRequest struct {
	Type         string `json:"type,omitempty"`
	PAT          string `json:"pat,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// DeployAuth is what a deployment authenticates with: either a token or a
// service principal, always against Host.
type DeployAuth struct {
	Host             string
	Token            string
	ServicePrincipal ServicePrincipal
	Method           string
}

func (a DeployAuth) UsesServicePrincipal() bool { return a.Token == "" && a.ServicePrincipal.Complete() }

// TokenSource yields the bearer token for the deployment's platform calls.
func (a DeployAuth) TokenSource(ctx context.Context) oauth2.TokenSource {
	if a.Token != "" {
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: a.Token, TokenType: "Bearer"})
	}
	return ServicePrincipalTokenSource(ctx, a.Host, a.ServicePrincipal.ClientID, a.ServicePrincipal.ClientSecret)
}

// RequestError is a caller mistake detected before any job exists.
type RequestError struct {
	Message string
	Detail  string
}

func (e *RequestError) Error() string { return e.Message }

// ForDeployment selects deployment credentials. resolved is the request's
// normal credential resolution; getenv reads the app service principal.
func ForDeployment(req DeployRequest, resolved Credentials, getenv func(string) string) (DeployAuth, error) {
	appSP := ServicePrincipal{
		ClientID:     strings.TrimSpace(getenv("DATABRICKS_CLIENT_ID")),
		ClientSecret: strings.TrimSpace(getenv("DATABRICKS_CLIENT_SECRET")),
	}
	auth := DeployAuth{Host: resolved.Host}

	switch DeployCredentialType(strings.TrimSpace(req.Type)) {
	case DeployManualPAT:
		if strings.TrimSpace(req.PAT) == "" {
			return DeployAuth{}, &RequestError{Message: "PAT is required for manual_pat credential type"}
		}
		auth.Token = strings.TrimSpace(req.PAT)
		auth.Method = "manual_pat"
	case DeployManualSP:
		sp := ServicePrincipal{ClientID: strings.TrimSpace(req.ClientID), ClientSecret: strings.TrimSpace(req.ClientSecret)}
		if !sp.Complete() {
			return DeployAuth{}, &RequestError{Message: "client_id and client_secret are required for manual_sp credential type"}
		}
		auth.ServicePrincipal = sp
		auth.Method = "manual_sp"
	case DeployApp:
		if !appSP.Complete() {
			return DeployAuth{}, &RequestError{Message: "Application service principal not configured"}
		}
		auth.ServicePrincipal = appSP
		auth.Method = "app"
	default:
		if resolved.HasToken() {
			auth.Token = resolved.Token
			auth.Method = "obo:" + string(resolved.TokenSource)
			break
		}
		if !appSP.Complete() {
			return DeployAuth{}, &RequestError{
				Message: "No credentials available",
				Detail:  "No OBO token available and no service principal configured",
			}
		}
		auth.ServicePrincipal = appSP
		auth.Method = "app"
	}

	if auth.Host == "" {
		return DeployAuth{}, &RequestError{
			Message: "No Databricks workspace URL configured",
			Detail:  "Please configure DATABRICKS_HOST with your workspace URL (e.g., https://your-workspace.cloud.databricks.com).",
		}
	}
	return auth, nil
}

// ForChat picks credentials for an interactive chat turn: a complete manual
// PAT or service principal from the request, otherwise the resolved token.
// It never fails; with nothing available HasAuth reports false.
func ForChat(req DeployRequest, resolved Credentials) DeployAuth {
	auth := DeployAuth{Host: resolved.Host}
	switch DeployCredentialType(strings.TrimSpace(req.Type)) {
	case DeployManualPAT:
		if pat := strings.TrimSpace(req.PAT); pat != "" {
			auth.Token = pat
			auth.Method = "manual_pat"
			return auth
		}
	case DeployManualSP:
		sp := ServicePrincipal{ClientID: strings.TrimSpace(req.ClientID), ClientSecret: strings.TrimSpace(req.ClientSecret)}
		if sp.Complete() {
			auth.ServicePrincipal = sp
			auth.Method = "manual_sp"
			return auth
		}
	}
	auth.Token = resolved.Token
	auth.Method = string(resolved.TokenSource)
	return auth
}

// HasAuth reports whether a token or a complete service principal is set.
func (a DeployAuth) HasAuth() bool { return a.Token != "" || a.ServicePrincipal.Complete() }
