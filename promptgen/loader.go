package promptgen

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
)

// LoadDir registers every .json, .yaml or .yml spec in path into r. Loaded
// specs override builtins of the same name and version. A missing
// directory loads nothing.
func LoadDir(r *Registry, path string) (int, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".json" && ext != ".yaml" && ext != ".yml" {
			continue
		}
		spec, err := loadFile(filepath.Join(path, entry.Name()))
		if err != nil {
			return loaded, err
		}
		if err := r.Register(spec); err != nil {
			return loaded, err
		}
		loaded++
	}
	return loaded, nil
}

func loadFile(path string) (Spec, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Spec{}, fmt.Errorf("read generator file %q: %w", path, err)
	}
	var spec Spec
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(content, &spec)
	} else {
		err = yaml.Unmarshal(content, &spec)
	}
	if err != nil {
		return Spec{}, fmt.Errorf("decode generator file %q: %w", path, err)
	}
	if strings.TrimSpace(spec.Name) == "" {
		base := filepath.Base(path)
		spec.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return spec, nil
}
