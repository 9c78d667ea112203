package promptgen

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// Spec is the system prompt and sampling settings of one generator.
type Spec struct {
	Name        string   `json:"name" yaml:"name"`
	Version     string   `json:"version,omitempty" yaml:"version,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	System      string   `json:"system" yaml:"system"`
	MaxTokens   int      `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
}

// Registry maps generator kinds to their versions. A bare kind resolves to
// the newest version, where "v10" sorts after "v9".
type Registry struct {
	mu         sync.RWMutex
	generators map[string][]Spec
}

func NewRegistry() *Registry {
	return &Registry{generators: make(map[string][]Spec)}
}

// DefaultRegistry returns a registry holding the builtin generators.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, spec := range builtins() {
		if err := r.Register(spec); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds spec, replacing an existing entry with the same kind and
// version.
func (r *Registry) Register(spec Spec) error {
	spec, err := NormalizeSpec(spec)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	versions := slices.DeleteFunc(r.generators[spec.Name], func(s Spec) bool {
		return s.Version == spec.Version
	})
	versions = append(versions, spec)
	slices.SortFunc(versions, func(a, b Spec) int { return compareVersions(a.Version, b.Version) })
	r.generators[spec.Name] = versions
	return nil
}

// Resolve accepts "kind" or "kind@version".
func (r *Registry) Resolve(ref string) (Spec, bool) {
	kind, version, pinned := strings.Cut(strings.ToLower(strings.TrimSpace(ref)), "@")
	kind = strings.TrimSpace(kind)
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions := r.generators[kind]
	if len(versions) == 0 {
		return Spec{}, false
	}
	if !pinned {
		return versions[len(versions)-1], true
	}
	version = strings.TrimSpace(version)
	i := slices.IndexFunc(versions, func(s Spec) bool { return s.Version == version })
	if i < 0 {
		return Spec{}, false
	}
	return versions[i], true
}

// List returns every registered generator ordered by kind then version.
func (r *Registry) List() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.generators))
	for kind := range r.generators {
		kinds = append(kinds, kind)
	}
	slices.Sort(kinds)
	out := []Spec{}
	for _, kind := range kinds {
		out = append(out, r.generators[kind]...)
	}
	return out
}

var generatorIdent = regexp.MustCompile(`^[a-z0-9._-]+$`)

// NormalizeSpec lowercases and trims spec, defaulting the version to "v1".
func NormalizeSpec(spec Spec) (Spec, error) {
	spec.Name = strings.ToLower(strings.TrimSpace(spec.Name))
	spec.Version = strings.ToLower(strings.TrimSpace(spec.Version))
	spec.Description = strings.TrimSpace(spec.Description)
	spec.System = strings.TrimSpace(spec.System)
	if spec.Version == "" {
		spec.Version = "v1"
	}
	switch {
	case spec.Name == "":
		return Spec{}, errors.New("generator name is required")
	case spec.System == "":
		return Spec{}, fmt.Errorf("generator %q has empty system text", spec.Name)
	case !generatorIdent.MatchString(spec.Name):
		return Spec{}, fmt.Errorf("generator name %q must match [a-z0-9._-]", spec.Name)
	case !generatorIdent.MatchString(spec.Version):
		return Spec{}, fmt.Errorf("generator %q version %q must match [a-z0-9._-]", spec.Name, spec.Version)
	case spec.MaxTokens < 0:
		return Spec{}, fmt.Errorf("generator %q has negative max_tokens", spec.Name)
	}
	return spec, nil
}

// compareVersions orders "vN" versions numerically and anything else
// lexically after them.
func compareVersions(a, b string) int {
	na, okA := versionNumber(a)
	nb, okB := versionNumber(b)
	switch {
	case okA && okB:
		return na - nb
	case okA:
		return -1
	case okB:
		return 1
	}
	return strings.Compare(a, b)
}

func versionNumber(v string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimPrefix(v, "v"))
	return n, err == nil
}
