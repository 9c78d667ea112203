package credential

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// SecretGetter reads a decoded secret value from a secret scope.
type SecretGetter interface {
	GetSecret(ctx context.Context, scope, key string) (string, error)
}

// VariableResolver turns configuration values into strings. A value is one
// of: a plain string, {"env": NAME}, {"scope": S, "secret": K}, or
// {"options": [...]} where the first resolvable option wins.
type VariableResolver struct {
	Getenv  func(string) string
	Secrets SecretGetter
	Logger  *slog.Logger
}

func (v VariableResolver) Resolve(ctx context.Context, value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	case map[string]any:
		if name, ok := typed["env"]; ok {
			return strings.TrimSpace(v.getenv(fmt.Sprint(name)))
		}
		_, hasScope := typed["scope"]
		_, hasSecret := typed["secret"]
		if hasScope && hasSecret {
			return v.resolveSecret(ctx, typed)
		}
		if options, ok := typed["options"].([]any); ok {
			for _, opt := range options {
				if resolved := v.Resolve(ctx, opt); resolved != "" {
					return resolved
				}
			}
			return ""
		}
		return ""
	case bool:
		if !typed {
			return ""
		}
		return "true"
	case float64:
		if typed == 0 {
			return ""
		}
		return fmt.Sprint(typed)
	default:
		return fmt.Sprint(typed)
	}
}

func (v VariableResolver) resolveSecret(ctx context.Context, ref map[string]any) string {
	scope, _ := ref["scope"].(string)
	key, _ := ref["secret"].(string)
	if scope == "" || key == "" {
		return ""
	}
	if v.Secrets == nil {
		v.logger().Warn("cannot resolve secret without a workspace client", "scope", scope, "key", key)
		return ""
	}
	value, err := v.Secrets.GetSecret(ctx, scope, key)
	if err != nil {
		v.logger().Warn("failed to resolve secret", "scope", scope, "key", key, "err", err)
		return ""
	}
	return value
}

func (v VariableResolver) getenv(key string) string {
	if v.Getenv != nil {
		return v.Getenv(key)
	}
	return os.Getenv(key)
}

func (v VariableResolver) logger() *slog.Logger {
	if v.Logger != nil {
		return v.Logger
	}
	return slog.Default()
}

// ServicePrincipal is a resolved OAuth client id/secret pair.
type ServicePrincipal struct {
	ClientID     string
	ClientSecret string
}

func (sp ServicePrincipal) Complete() bool {
	return sp.ClientID != "" && sp.ClientSecret != ""
}

// ServicePrincipal resolves the client_id and client_secret entries of a
// caller-supplied service principal config.
func (v VariableResolver) ServicePrincipal(ctx context.Context, cfg map[string]any) ServicePrincipal {
	if len(cfg) == 0 {
		return ServicePrincipal{}
	}
	return ServicePrincipal{
		ClientID:     v.Resolve(ctx, cfg["client_id"]),
		ClientSecret: v.Resolve(ctx, cfg["client_secret"]),
	}
}
