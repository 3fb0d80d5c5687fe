package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/BaSui01/extractflow/llm"
	"github.com/BaSui01/extractflow/types"
)

// DefaultMaxNestingDepth bounds schema depth so adapted specs stay within
// provider limits.
const DefaultMaxNestingDepth = 16

// AdaptOptions configure the schema adapter.
type AdaptOptions struct {
	// MaxNestingDepth rejects schemas nested deeper than this.
	// Zero means DefaultMaxNestingDepth.
	MaxNestingDepth int

	// Strict requests strict schema-constrained decoding from backends
	// that support it (json_schema response format).
	Strict bool
}

// InvocationSpec is the model-callable encoding of a Schema: a
// tool/function declaration plus the serialized parameter tree.
// Immutable once built; cacheable by schema fingerprint.
type InvocationSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
	Strict      bool            `json:"strict,omitempty"`
}

// Adapt converts a Schema into an InvocationSpec. It fails with a
// SCHEMA_ERROR before any provider call when the schema cannot be
// represented: nil or non-object root, untyped enum-less nodes inside
// the tree, or nesting beyond the depth limit.
func Adapt(s *Schema, opts AdaptOptions) (*InvocationSpec, error) {
	if s == nil || s.Root == nil {
		return nil, types.NewError(types.ErrSchema, "schema has no root definition")
	}
	if s.Name == "" {
		return nil, types.NewError(types.ErrSchema, "schema has no name")
	}
	if s.Root.Type != TypeObject {
		return nil, types.NewError(types.ErrSchema,
			fmt.Sprintf("schema root must be an object, got %q", s.Root.Type))
	}

	maxDepth := opts.MaxNestingDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxNestingDepth
	}
	if err := checkRepresentable(s.Root, "", 1, maxDepth); err != nil {
		return nil, err
	}

	params, err := s.Root.ToJSON()
	if err != nil {
		return nil, types.NewError(types.ErrSchema, "serialize parameters: "+err.Error()).WithCause(err)
	}

	return &InvocationSpec{
		Name:        s.Name,
		Description: s.Description,
		Parameters:  params,
		Strict:      opts.Strict,
	}, nil
}

func checkRepresentable(s *JSONSchema, path string, depth, maxDepth int) error {
	if s == nil {
		return nil
	}
	if depth > maxDepth {
		return types.NewError(types.ErrSchema,
			fmt.Sprintf("schema nesting at %q exceeds maximum depth %d", orRoot(path), maxDepth))
	}
	if s.Type == "" && len(s.Enum) == 0 && s.Const == nil {
		return types.NewError(types.ErrSchema,
			fmt.Sprintf("schema node at %q has no type, enum or const; untagged unions are not representable", orRoot(path)))
	}

	for name, prop := range s.Properties {
		if err := checkRepresentable(prop, joinPath(path, name), depth+1, maxDepth); err != nil {
			return err
		}
	}
	if s.Items != nil {
		if err := checkRepresentable(s.Items, path+"[]", depth+1, maxDepth); err != nil {
			return err
		}
	}
	if s.AdditionalProperties != nil && s.AdditionalProperties.Schema != nil {
		if err := checkRepresentable(s.AdditionalProperties.Schema, joinPath(path, "*"), depth+1, maxDepth); err != nil {
			return err
		}
	}
	return nil
}

func orRoot(path string) string {
	if path == "" {
		return "(root)"
	}
	return path
}

// ToolSchema encodes the spec as a provider tool declaration.
func (spec *InvocationSpec) ToolSchema() llm.ToolSchema {
	return llm.ToolSchema{
		Name:        spec.Name,
		Description: spec.Description,
		Parameters:  spec.Parameters,
	}
}

// ResponseFormat encodes the spec as a schema-constrained response format.
func (spec *InvocationSpec) ResponseFormat() *llm.ResponseFormat {
	return &llm.ResponseFormat{
		Type:   "json_schema",
		Name:   spec.Name,
		Schema: spec.Parameters,
		Strict: spec.Strict,
	}
}

// ParsePayload is the inverse mapping: it decodes a raw invocation
// payload (tool call arguments or an isolated JSON document) into the
// untyped candidate tree the validator consumes. Numbers decode as
// json.Number so integer precision survives.
func ParsePayload(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var payload any
	if err := dec.Decode(&payload); err != nil {
		return nil, types.NewError(types.ErrParse, "decode payload: "+err.Error()).WithCause(err)
	}
	return payload, nil
}
