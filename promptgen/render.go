package promptgen

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// placeholder matches {{ name }}. Single-brace placeholders such as
// {inputs} are prompt content and pass through untouched.
var placeholder = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.-]+)\s*\}\}`)

// Render substitutes vars into template. Every referenced variable must be
// present.
func Render(template string, vars map[string]string) (string, error) {
	template = strings.TrimSpace(template)
	if template == "" {
		return "", errors.New("template is required")
	}
	var (
		b       strings.Builder
		missing []string
		last    int
	)
	for _, loc := range placeholder.FindAllStringSubmatchIndex(template, -1) {
		b.WriteString(template[last:loc[0]])
		last = loc[1]
		key := template[loc[2]:loc[3]]
		if value, ok := vars[key]; ok {
			b.WriteString(value)
		} else if !slices.Contains(missing, key) {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("missing template variables: %s", strings.Join(missing, ", "))
	}
	b.WriteString(template[last:])
	return b.String(), nil
}
