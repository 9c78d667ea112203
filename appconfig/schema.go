package appconfig

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/goccy/go-yaml"
	"github.com/invopop/jsonschema"
	"github.com/xeipuuv/gojsonschema"
)

// SchemaError is one field-level problem found while validating a document.
type SchemaError struct {
	Path       string `json:"path"`
	Message    string `json:"message"`
	Type       string `json:"type"`
	SchemaPath string `json:"schema_path,omitempty"`
}

// SchemaReport is the result of ValidateSchema. Status is "incomplete" for
// documents that do not yet declare agents, app or tools.
type SchemaReport struct {
	Valid  bool          `json:"valid"`
	Errors []SchemaError `json:"errors"`
	Status string        `json:"status,omitempty"`
}

var schemaJSON = sync.OnceValues(func() ([]byte, error) {
	r := &jsonschema.Reflector{
		AllowAdditionalProperties:  true,
		RequiredFromJSONSchemaTags: true,
		DoNotReference:             true,
	}
	s := r.Reflect(&AppConfig{})
	// gojsonschema understands drafts 4 to 7 only.
	s.Version = ""
	return json.Marshal(s)
})

var compiledSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	raw, err := schemaJSON()
	if err != nil {
		return nil, fmt.Errorf("generate schema: %w", err)
	}
	return gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
})

// JSONSchema returns the generated JSON schema for AppConfig.
func JSONSchema() ([]byte, error) {
	return schemaJSON()
}

// StripComments drops every line whose first non-blank character is '#'.
func StripComments(content string) string {
	lines := strings.Split(content, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

// ValidateSchema parses a YAML document and checks it against the generated
// schema. It never returns an error; every failure is reported in the
// SchemaReport so callers can render it inline.
func ValidateSchema(content string) SchemaReport {
	var doc any
	if err := yaml.Unmarshal([]byte(StripComments(content)), &doc); err != nil {
		return SchemaReport{Errors: []SchemaError{{
			Path:    "/",
			Message: "YAML parse error: " + err.Error(),
			Type:    "yaml_parse",
		}}}
	}
	root, _ := doc.(map[string]any)
	if doc == nil || (root != nil && len(root) == 0) {
		return SchemaReport{Valid: true, Errors: []SchemaError{}}
	}
	if root != nil && isMinimal(root) {
		return SchemaReport{Valid: true, Errors: []SchemaError{}, Status: "incomplete"}
	}

	schema, err := compiledSchema()
	if err != nil {
		return SchemaReport{Errors: []SchemaError{{
			Path:    "/",
			Message: "Validation error: " + err.Error(),
			Type:    "internal_error",
		}}}
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return SchemaReport{Errors: []SchemaError{{
			Path:    "/",
			Message: "Validation error: " + err.Error(),
			Type:    "validation_error",
		}}}
	}
	if result.Valid() {
		return SchemaReport{Valid: true, Errors: []SchemaError{}}
	}
	errs := make([]SchemaError, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		errs = append(errs, SchemaError{
			Path:       fieldPath(re.Field()),
			Message:    re.Description(),
			Type:       re.Type(),
			SchemaPath: contextPath(re.Context()),
		})
	}
	return SchemaReport{Errors: errs}
}

func isMinimal(doc map[string]any) bool {
	return empty(doc["agents"]) && empty(doc["app"]) && empty(doc["tools"])
}

func empty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case map[string]any:
		return len(t) == 0
	case []any:
		return len(t) == 0
	case string:
		return t == ""
	case bool:
		return !t
	}
	return false
}

const rootField = "(root)"

// fieldPath converts gojsonschema's dotted field into a JSON pointer.
func fieldPath(field string) string {
	if field == "" || field == rootField {
		return "/"
	}
	field = strings.TrimPrefix(field, rootField+".")
	return "/" + strings.ReplaceAll(field, ".", "/")
}

func contextPath(ctx *gojsonschema.JsonContext) string {
	if ctx == nil {
		return ""
	}
	return fieldPath(ctx.String())
}
