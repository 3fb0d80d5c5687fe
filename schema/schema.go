package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// SchemaType represents JSON Schema types.
type SchemaType string

const (
	TypeString  SchemaType = "string"
	TypeNumber  SchemaType = "number"
	TypeInteger SchemaType = "integer"
	TypeBoolean SchemaType = "boolean"
	TypeNull    SchemaType = "null"
	TypeObject  SchemaType = "object"
	TypeArray   SchemaType = "array"
)

// StringFormat represents common string format constraints.
type StringFormat string

const (
	FormatDateTime StringFormat = "date-time"
	FormatDate     StringFormat = "date"
	FormatTime     StringFormat = "time"
	FormatEmail    StringFormat = "email"
	FormatURI      StringFormat = "uri"
	FormatUUID     StringFormat = "uuid"
	FormatHostname StringFormat = "hostname"
	FormatIPv4     StringFormat = "ipv4"
	FormatIPv6     StringFormat = "ipv6"
)

// JSONSchema is the structural description of one value. It covers the
// subset of JSON Schema that tool-calling backends accept: objects,
// arrays, primitives, enums, and per-field constraints. Composition
// keywords (allOf/oneOf/conditionals) are deliberately absent; shapes
// that need them cannot be encoded as an invocation spec.
type JSONSchema struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`

	Type SchemaType `json:"type,omitempty"`

	// Object properties
	Properties           map[string]*JSONSchema `json:"properties,omitempty"`
	Required             []string               `json:"required,omitempty"`
	AdditionalProperties *AdditionalProperties  `json:"additionalProperties,omitempty"`
	MinProperties        *int                   `json:"minProperties,omitempty"`
	MaxProperties        *int                   `json:"maxProperties,omitempty"`

	// Array items
	Items       *JSONSchema `json:"items,omitempty"`
	MinItems    *int        `json:"minItems,omitempty"`
	MaxItems    *int        `json:"maxItems,omitempty"`
	UniqueItems *bool       `json:"uniqueItems,omitempty"`

	// Enum and const
	Enum  []any `json:"enum,omitempty"`
	Const any   `json:"const,omitempty"`

	// String constraints
	MinLength *int         `json:"minLength,omitempty"`
	MaxLength *int         `json:"maxLength,omitempty"`
	Pattern   string       `json:"pattern,omitempty"`
	Format    StringFormat `json:"format,omitempty"`

	// Numeric constraints
	Minimum          *float64 `json:"minimum,omitempty"`
	Maximum          *float64 `json:"maximum,omitempty"`
	ExclusiveMinimum *float64 `json:"exclusiveMinimum,omitempty"`
	ExclusiveMaximum *float64 `json:"exclusiveMaximum,omitempty"`
	MultipleOf       *float64 `json:"multipleOf,omitempty"`

	Default  any   `json:"default,omitempty"`
	Examples []any `json:"examples,omitempty"`

	// Nullable marks a field that may carry JSON null in addition to its
	// declared type. Encoded as "type": [t, "null"] on the wire.
	Nullable bool `json:"-"`
}

// AdditionalProperties represents the additionalProperties field which can
// be either a boolean or a schema.
type AdditionalProperties struct {
	Allowed bool
	Schema  *JSONSchema
}

// MarshalJSON implements json.Marshaler for AdditionalProperties.
func (ap *AdditionalProperties) MarshalJSON() ([]byte, error) {
	if ap == nil {
		return json.Marshal(nil)
	}
	if ap.Schema != nil {
		return json.Marshal(ap.Schema)
	}
	return json.Marshal(ap.Allowed)
}

// UnmarshalJSON implements json.Unmarshaler for AdditionalProperties.
func (ap *AdditionalProperties) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		ap.Allowed = b
		ap.Schema = nil
		return nil
	}

	var schema JSONSchema
	if err := json.Unmarshal(data, &schema); err == nil {
		ap.Allowed = true
		ap.Schema = &schema
		return nil
	}

	return fmt.Errorf("additionalProperties must be boolean or schema")
}

// MarshalJSON emits the nullable type as a two-element type array.
func (s *JSONSchema) MarshalJSON() ([]byte, error) {
	type alias JSONSchema
	if !s.Nullable || s.Type == "" {
		return json.Marshal((*alias)(s))
	}

	raw, err := json.Marshal((*alias)(s))
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	typeArr, err := json.Marshal([]SchemaType{s.Type, TypeNull})
	if err != nil {
		return nil, err
	}
	m["type"] = typeArr
	return json.Marshal(m)
}

// NewSchema creates a new JSONSchema with the specified type.
func NewSchema(t SchemaType) *JSONSchema {
	return &JSONSchema{Type: t}
}

// NewObjectSchema creates a new object schema.
func NewObjectSchema() *JSONSchema {
	return &JSONSchema{
		Type:       TypeObject,
		Properties: make(map[string]*JSONSchema),
	}
}

// NewArraySchema creates a new array schema with the specified items schema.
func NewArraySchema(items *JSONSchema) *JSONSchema {
	return &JSONSchema{
		Type:  TypeArray,
		Items: items,
	}
}

// NewStringSchema creates a new string schema.
func NewStringSchema() *JSONSchema {
	return &JSONSchema{Type: TypeString}
}

// NewNumberSchema creates a new number schema.
func NewNumberSchema() *JSONSchema {
	return &JSONSchema{Type: TypeNumber}
}

// NewIntegerSchema creates a new integer schema.
func NewIntegerSchema() *JSONSchema {
	return &JSONSchema{Type: TypeInteger}
}

// NewBooleanSchema creates a new boolean schema.
func NewBooleanSchema() *JSONSchema {
	return &JSONSchema{Type: TypeBoolean}
}

// NewEnumSchema creates a new enum schema with the specified values.
func NewEnumSchema(values ...any) *JSONSchema {
	return &JSONSchema{Enum: values}
}

// WithTitle sets the title and returns the schema for chaining.
func (s *JSONSchema) WithTitle(title string) *JSONSchema {
	s.Title = title
	return s
}

// WithDescription sets the description and returns the schema for chaining.
func (s *JSONSchema) WithDescription(desc string) *JSONSchema {
	s.Description = desc
	return s
}

// WithDefault sets the default value and returns the schema for chaining.
func (s *JSONSchema) WithDefault(def any) *JSONSchema {
	s.Default = def
	return s
}

// WithExamples sets the examples and returns the schema for chaining.
func (s *JSONSchema) WithExamples(examples ...any) *JSONSchema {
	s.Examples = examples
	return s
}

// WithNullable marks the schema as accepting null.
func (s *JSONSchema) WithNullable() *JSONSchema {
	s.Nullable = true
	return s
}

// AddProperty adds a property to an object schema.
func (s *JSONSchema) AddProperty(name string, prop *JSONSchema) *JSONSchema {
	if s.Properties == nil {
		s.Properties = make(map[string]*JSONSchema)
	}
	s.Properties[name] = prop
	return s
}

// AddRequired adds required field names to an object schema.
func (s *JSONSchema) AddRequired(names ...string) *JSONSchema {
	s.Required = append(s.Required, names...)
	return s
}

// WithMinLength sets the minimum length for string schema.
func (s *JSONSchema) WithMinLength(min int) *JSONSchema {
	s.MinLength = &min
	return s
}

// WithMaxLength sets the maximum length for string schema.
func (s *JSONSchema) WithMaxLength(max int) *JSONSchema {
	s.MaxLength = &max
	return s
}

// WithPattern sets the pattern for string schema.
func (s *JSONSchema) WithPattern(pattern string) *JSONSchema {
	s.Pattern = pattern
	return s
}

// WithFormat sets the format for string schema.
func (s *JSONSchema) WithFormat(format StringFormat) *JSONSchema {
	s.Format = format
	return s
}

// WithMinimum sets the minimum value for numeric schema.
func (s *JSONSchema) WithMinimum(min float64) *JSONSchema {
	s.Minimum = &min
	return s
}

// WithMaximum sets the maximum value for numeric schema.
func (s *JSONSchema) WithMaximum(max float64) *JSONSchema {
	s.Maximum = &max
	return s
}

// WithExclusiveMinimum sets the exclusive minimum value for numeric schema.
func (s *JSONSchema) WithExclusiveMinimum(min float64) *JSONSchema {
	s.ExclusiveMinimum = &min
	return s
}

// WithExclusiveMaximum sets the exclusive maximum value for numeric schema.
func (s *JSONSchema) WithExclusiveMaximum(max float64) *JSONSchema {
	s.ExclusiveMaximum = &max
	return s
}

// WithMultipleOf sets the multipleOf constraint for numeric schema.
func (s *JSONSchema) WithMultipleOf(val float64) *JSONSchema {
	s.MultipleOf = &val
	return s
}

// WithMinItems sets the minimum items for array schema.
func (s *JSONSchema) WithMinItems(min int) *JSONSchema {
	s.MinItems = &min
	return s
}

// WithMaxItems sets the maximum items for array schema.
func (s *JSONSchema) WithMaxItems(max int) *JSONSchema {
	s.MaxItems = &max
	return s
}

// WithUniqueItems sets the uniqueItems constraint for array schema.
func (s *JSONSchema) WithUniqueItems(unique bool) *JSONSchema {
	s.UniqueItems = &unique
	return s
}

// WithMinProperties sets the minimum properties for object schema.
func (s *JSONSchema) WithMinProperties(min int) *JSONSchema {
	s.MinProperties = &min
	return s
}

// WithMaxProperties sets the maximum properties for object schema.
func (s *JSONSchema) WithMaxProperties(max int) *JSONSchema {
	s.MaxProperties = &max
	return s
}

// WithAdditionalProperties sets the additionalProperties constraint.
func (s *JSONSchema) WithAdditionalProperties(allowed bool) *JSONSchema {
	s.AdditionalProperties = &AdditionalProperties{Allowed: allowed}
	return s
}

// WithAdditionalPropertiesSchema sets the additionalProperties to a schema.
func (s *JSONSchema) WithAdditionalPropertiesSchema(schema *JSONSchema) *JSONSchema {
	s.AdditionalProperties = &AdditionalProperties{Allowed: true, Schema: schema}
	return s
}

// WithEnum sets the enum values.
func (s *JSONSchema) WithEnum(values ...any) *JSONSchema {
	s.Enum = values
	return s
}

// WithConst sets the const value.
func (s *JSONSchema) WithConst(value any) *JSONSchema {
	s.Const = value
	return s
}

// Clone creates a deep copy of the schema.
func (s *JSONSchema) Clone() *JSONSchema {
	if s == nil {
		return nil
	}

	clone := &JSONSchema{
		Title:       s.Title,
		Description: s.Description,
		Type:        s.Type,
		Pattern:     s.Pattern,
		Format:      s.Format,
		Default:     s.Default,
		Const:       s.Const,
		Nullable:    s.Nullable,
	}

	if s.Properties != nil {
		clone.Properties = make(map[string]*JSONSchema, len(s.Properties))
		for k, v := range s.Properties {
			clone.Properties[k] = v.Clone()
		}
	}
	if s.Required != nil {
		clone.Required = make([]string, len(s.Required))
		copy(clone.Required, s.Required)
	}
	clone.Items = s.Items.Clone()
	if s.Enum != nil {
		clone.Enum = make([]any, len(s.Enum))
		copy(clone.Enum, s.Enum)
	}
	if s.Examples != nil {
		clone.Examples = make([]any, len(s.Examples))
		copy(clone.Examples, s.Examples)
	}

	if s.MinLength != nil {
		v := *s.MinLength
		clone.MinLength = &v
	}
	if s.MaxLength != nil {
		v := *s.MaxLength
		clone.MaxLength = &v
	}
	if s.Minimum != nil {
		v := *s.Minimum
		clone.Minimum = &v
	}
	if s.Maximum != nil {
		v := *s.Maximum
		clone.Maximum = &v
	}
	if s.ExclusiveMinimum != nil {
		v := *s.ExclusiveMinimum
		clone.ExclusiveMinimum = &v
	}
	if s.ExclusiveMaximum != nil {
		v := *s.ExclusiveMaximum
		clone.ExclusiveMaximum = &v
	}
	if s.MultipleOf != nil {
		v := *s.MultipleOf
		clone.MultipleOf = &v
	}
	if s.MinItems != nil {
		v := *s.MinItems
		clone.MinItems = &v
	}
	if s.MaxItems != nil {
		v := *s.MaxItems
		clone.MaxItems = &v
	}
	if s.UniqueItems != nil {
		v := *s.UniqueItems
		clone.UniqueItems = &v
	}
	if s.MinProperties != nil {
		v := *s.MinProperties
		clone.MinProperties = &v
	}
	if s.MaxProperties != nil {
		v := *s.MaxProperties
		clone.MaxProperties = &v
	}

	if s.AdditionalProperties != nil {
		clone.AdditionalProperties = &AdditionalProperties{
			Allowed: s.AdditionalProperties.Allowed,
			Schema:  s.AdditionalProperties.Schema.Clone(),
		}
	}

	return clone
}

// ToJSON serializes the schema to JSON.
func (s *JSONSchema) ToJSON() ([]byte, error) {
	return json.Marshal(s)
}

// ToJSONIndent serializes the schema to indented JSON.
func (s *JSONSchema) ToJSONIndent() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// FromJSON deserializes a schema from JSON.
func FromJSON(data []byte) (*JSONSchema, error) {
	var schema JSONSchema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON schema: %w", err)
	}
	return &schema, nil
}

// IsRequired checks if a property is required.
func (s *JSONSchema) IsRequired(name string) bool {
	for _, req := range s.Required {
		if req == name {
			return true
		}
	}
	return false
}

// GetProperty returns a property schema by name.
func (s *JSONSchema) GetProperty(name string) *JSONSchema {
	if s.Properties == nil {
		return nil
	}
	return s.Properties[name]
}

// HasProperty checks if a property exists.
func (s *JSONSchema) HasProperty(name string) bool {
	if s.Properties == nil {
		return false
	}
	_, ok := s.Properties[name]
	return ok
}

// Schema is a complete extraction target: a named root JSONSchema plus
// the custom rules that cannot be expressed structurally. Immutable once
// built; all pipeline stages share one instance.
type Schema struct {
	Name        string
	Description string
	Root        *JSONSchema

	fieldRules  []FieldRule
	objectRules []ObjectRule
}

// New builds a Schema around an existing root JSONSchema.
func New(name string, root *JSONSchema) *Schema {
	return &Schema{Name: name, Root: root}
}

// WithDescription sets the schema description and returns it for chaining.
func (s *Schema) WithDescription(desc string) *Schema {
	s.Description = desc
	return s
}

// WithFieldRule attaches a custom per-field rule.
func (s *Schema) WithFieldRule(rule FieldRule) *Schema {
	s.fieldRules = append(s.fieldRules, rule)
	return s
}

// WithObjectRule attaches a cross-field rule evaluated on the whole payload.
func (s *Schema) WithObjectRule(rule ObjectRule) *Schema {
	s.objectRules = append(s.objectRules, rule)
	return s
}

// FieldRules returns the attached per-field rules.
func (s *Schema) FieldRules() []FieldRule { return s.fieldRules }

// ObjectRules returns the attached object-level rules.
func (s *Schema) ObjectRules() []ObjectRule { return s.objectRules }

// Fingerprint returns a stable identity for the schema's structural part,
// used as the invocation spec cache key. Custom rules do not contribute:
// they never change the invocation spec.
func (s *Schema) Fingerprint() string {
	payload := struct {
		Name        string      `json:"name"`
		Description string      `json:"description,omitempty"`
		Root        *JSONSchema `json:"root"`
	}{s.Name, s.Description, s.Root}

	data, err := json.Marshal(payload)
	if err != nil {
		// Marshal of a JSONSchema cannot fail with representable content;
		// fall back to the name so cache keys stay usable.
		data = []byte(s.Name)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
