package credential

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	DefaultProfile        = "DEFAULT"
	servicePrincipalScope = "all-apis"
)

// SDKConfig is the process-wide ambient configuration: environment variables
// first, then the named profile in ~/.databrickscfg. It is immutable once
// loaded.
type SDKConfig struct {
	Host         string
	Token        string
	ClientID     string
	ClientSecret string
	Profile      string
	AuthType     string

	once   sync.Once
	source oauth2.TokenSource
}

// LoadSDKConfig builds an SDKConfig. getenv defaults to os.Getenv and
// configFile defaults to ~/.databrickscfg (or DATABRICKS_CONFIG_FILE).
func LoadSDKConfig(getenv func(string) string, configFile string) *SDKConfig {
	if getenv == nil {
		getenv = os.Getenv
	}
	env := func(key string) string { return strings.TrimSpace(getenv(key)) }

	cfg := &SDKConfig{
		Host:         env("DATABRICKS_HOST"),
		Token:        env("DATABRICKS_TOKEN"),
		ClientID:     env("DATABRICKS_CLIENT_ID"),
		ClientSecret: env("DATABRICKS_CLIENT_SECRET"),
		Profile:      env("DATABRICKS_CONFIG_PROFILE"),
	}
	if cfg.Profile == "" {
		cfg.Profile = DefaultProfile
	}
	if configFile == "" {
		configFile = env("DATABRICKS_CONFIG_FILE")
	}
	if configFile == "" {
		if home, err := os.UserHomeDir(); err == nil {
			configFile = filepath.Join(home, ".databrickscfg")
		}
	}
	if configFile != "" {
		if profile, err := readProfile(configFile, cfg.Profile); err == nil {
			cfg.fillFrom(profile)
		}
	}
	cfg.Host = NormalizeHost(cfg.Host)
	switch {
	case cfg.Token != "":
		cfg.AuthType = "pat"
	case cfg.ClientID != "" && cfg.ClientSecret != "":
		cfg.AuthType = "oauth-m2m"
	}
	return cfg
}

func (c *SDKConfig) fillFrom(profile map[string]string) {
	if c.Host == "" {
		c.Host = profile["host"]
	}
	if c.Token == "" {
		c.Token = profile["token"]
	}
	if c.ClientID == "" {
		c.ClientID = profile["client_id"]
	}
	if c.ClientSecret == "" {
		c.ClientSecret = profile["client_secret"]
	}
}

// TokenSource returns a source for the ambient token: the static token when
// one is configured, otherwise a cached service-principal client-credentials
// flow. It returns nil when neither is configured or the host is unknown.
func (c *SDKConfig) TokenSource() oauth2.TokenSource {
	if c == nil {
		return nil
	}
	c.once.Do(func() {
		switch {
		case c.Token != "":
			c.source = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: c.Token, TokenType: "Bearer"})
		case c.ClientID != "" && c.ClientSecret != "" && c.Host != "":
			c.source = ServicePrincipalTokenSource(context.Background(), c.Host, c.ClientID, c.ClientSecret)
		}
	})
	return c.source
}

// AccessToken resolves the ambient token, or "" when none is configured.
func (c *SDKConfig) AccessToken() (string, error) {
	ts := c.TokenSource()
	if ts == nil {
		return "", nil
	}
	tok, err := ts.Token()
	if err != nil {
		return "", fmt.Errorf("sdk token: %w", err)
	}
	return tok.AccessToken, nil
}

// ServicePrincipalTokenSource exchanges client credentials for a workspace
// token at {host}/oidc/v1/token. Tokens are cached until expiry.
func ServicePrincipalTokenSource(ctx context.Context, host, clientID, clientSecret string) oauth2.TokenSource {
	cfg := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     NormalizeHost(host) + "/oidc/v1/token",
		Scopes:       []string{servicePrincipalScope},
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	return cfg.TokenSource(ctx)
}

// readProfile parses one section of an INI-style databricks config file.
func readProfile(path, name string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := map[string]string{}
	found := false
	current := ""
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			current = strings.TrimSpace(line[1 : len(line)-1])
			if current == name {
				found = true
			}
			continue
		}
		if current != name {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if !found {
		return nil, fmt.Errorf("profile %q not found in %s", name, path)
	}
	return out, nil
}
