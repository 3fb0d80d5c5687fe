package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/extractflow/types"
)

// schemaFile is the declarative on-disk form of a Schema. Custom rules
// cannot be declared in a file; attach them after loading.
type schemaFile struct {
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description" json:"description"`
	Schema      map[string]any `yaml:"schema" json:"schema"`
}

// Load parses a declarative schema document. Format is chosen by content:
// a document starting with '{' is treated as JSON, anything else as YAML.
func Load(data []byte) (*Schema, error) {
	var file schemaFile

	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, types.NewError(types.ErrSchema, "parse schema file: "+err.Error()).WithCause(err)
		}
	} else {
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, types.NewError(types.ErrSchema, "parse schema file: "+err.Error()).WithCause(err)
		}
	}

	if file.Name == "" {
		return nil, types.NewError(types.ErrSchema, "schema file has no name")
	}
	if len(file.Schema) == 0 {
		return nil, types.NewError(types.ErrSchema, "schema file has no schema definition")
	}

	// Normalize through JSON so the JSONSchema json tags apply regardless
	// of the source format.
	normalized, err := json.Marshal(file.Schema)
	if err != nil {
		return nil, types.NewError(types.ErrSchema, "normalize schema: "+err.Error()).WithCause(err)
	}
	root, err := FromJSON(normalized)
	if err != nil {
		return nil, types.NewError(types.ErrSchema, err.Error()).WithCause(err)
	}

	return New(file.Name, root).WithDescription(file.Description), nil
}

// LoadFile reads and parses a declarative schema file (.yaml, .yml or
// .json).
func LoadFile(path string) (*Schema, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml", ".json":
	default:
		return nil, types.NewError(types.ErrSchema,
			fmt.Sprintf("unsupported schema file extension %q", ext))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, types.NewError(types.ErrSchema, "read schema file: "+err.Error()).WithCause(err)
	}
	return Load(data)
}
