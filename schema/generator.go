package schema

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Generator derives a JSONSchema from a Go type using reflection.
type Generator struct {
	// visited guards against recursive types
	visited map[reflect.Type]bool
}

// NewGenerator creates a new Generator instance.
func NewGenerator() *Generator {
	return &Generator{
		visited: make(map[reflect.Type]bool),
	}
}

// Generate produces a JSONSchema for a Go type. Structs, slices, maps,
// pointers and primitives are supported. Struct fields use the "json"
// tag for naming and the "jsonschema" tag for constraints.
//
// Supported jsonschema tag options:
//   - required: mark the field required
//   - enum=a,b,c: enum values
//   - minimum=0 / maximum=100: numeric bounds
//   - minLength=1 / maxLength=100: string length bounds
//   - pattern=^[a-z]+$: string regex
//   - format=email: string format (email, uri, uuid, date-time, ...)
//   - minItems=1 / maxItems=10: array size bounds
//   - description=...: field description
//   - default=...: default value
func (g *Generator) Generate(t reflect.Type) (*JSONSchema, error) {
	// reset per top-level call
	g.visited = make(map[reflect.Type]bool)
	return g.generate(t)
}

// GenerateFromValue derives the schema from a value's dynamic type.
func (g *Generator) GenerateFromValue(v any) (*JSONSchema, error) {
	if v == nil {
		return nil, fmt.Errorf("cannot generate schema from nil value")
	}
	return g.Generate(reflect.TypeOf(v))
}

func (g *Generator) generate(t reflect.Type) (*JSONSchema, error) {
	if t == nil {
		return nil, fmt.Errorf("cannot generate schema for nil type")
	}

	if t.Kind() == reflect.Ptr {
		inner, err := g.generate(t.Elem())
		if err != nil {
			return nil, err
		}
		inner.Nullable = true
		return inner, nil
	}

	if g.visited[t] {
		// placeholder for recursive types; the adapter rejects these
		// beyond its depth limit anyway
		return &JSONSchema{Type: TypeObject}, nil
	}

	switch t.Kind() {
	case reflect.String:
		return NewStringSchema(), nil

	case reflect.Bool:
		return NewBooleanSchema(), nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return NewIntegerSchema(), nil

	case reflect.Float32, reflect.Float64:
		return NewNumberSchema(), nil

	case reflect.Slice, reflect.Array:
		elemSchema, err := g.generate(t.Elem())
		if err != nil {
			return nil, fmt.Errorf("failed to generate schema for array element: %w", err)
		}
		return NewArraySchema(elemSchema), nil

	case reflect.Map:
		valueSchema, err := g.generate(t.Elem())
		if err != nil {
			return nil, fmt.Errorf("failed to generate schema for map value: %w", err)
		}
		s := NewObjectSchema()
		s.AdditionalProperties = &AdditionalProperties{Allowed: true, Schema: valueSchema}
		return s, nil

	case reflect.Struct:
		return g.generateStruct(t)

	case reflect.Interface:
		// any value
		return &JSONSchema{}, nil

	default:
		return nil, fmt.Errorf("unsupported type: %s", t.Kind())
	}
}

func (g *Generator) generateStruct(t reflect.Type) (*JSONSchema, error) {
	g.visited[t] = true
	defer func() { g.visited[t] = false }()

	s := NewObjectSchema()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		fieldName := jsonFieldName(field)
		if fieldName == "-" {
			continue
		}

		fieldSchema, err := g.generate(field.Type)
		if err != nil {
			return nil, fmt.Errorf("failed to generate schema for field %s: %w", field.Name, err)
		}
		if err := applyTag(fieldSchema, field); err != nil {
			return nil, fmt.Errorf("failed to apply jsonschema tag for field %s: %w", field.Name, err)
		}

		if fieldRequired(field) {
			s.Required = append(s.Required, fieldName)
		}
		s.Properties[fieldName] = fieldSchema
	}

	return s, nil
}

func jsonFieldName(field reflect.StructField) string {
	jsonTag := field.Tag.Get("json")
	if jsonTag == "" {
		return field.Name
	}
	parts := strings.Split(jsonTag, ",")
	if parts[0] == "" {
		return field.Name
	}
	return parts[0]
}

func fieldRequired(field reflect.StructField) bool {
	options := parseTagOptions(field.Tag.Get("jsonschema"))
	_, required := options["required"]
	return required
}

func applyTag(s *JSONSchema, field reflect.StructField) error {
	tag := field.Tag.Get("jsonschema")
	if tag == "" {
		return nil
	}

	options := parseTagOptions(tag)

	if desc, ok := options["description"]; ok {
		s.Description = desc
	}
	if def, ok := options["default"]; ok {
		s.Default = parseDefaultValue(def, field.Type)
	}
	if enumStr, ok := options["enum"]; ok {
		values := strings.Split(enumStr, ",")
		s.Enum = make([]any, len(values))
		for i, v := range values {
			s.Enum[i] = strings.TrimSpace(v)
		}
	}

	if minLen, ok := options["minLength"]; ok {
		if v, err := strconv.Atoi(minLen); err == nil {
			s.MinLength = &v
		}
	}
	if maxLen, ok := options["maxLength"]; ok {
		if v, err := strconv.Atoi(maxLen); err == nil {
			s.MaxLength = &v
		}
	}
	if pattern, ok := options["pattern"]; ok {
		s.Pattern = pattern
	}
	if format, ok := options["format"]; ok {
		s.Format = StringFormat(format)
	}

	if min, ok := options["minimum"]; ok {
		if v, err := strconv.ParseFloat(min, 64); err == nil {
			s.Minimum = &v
		}
	}
	if max, ok := options["maximum"]; ok {
		if v, err := strconv.ParseFloat(max, 64); err == nil {
			s.Maximum = &v
		}
	}
	if min, ok := options["exclusiveMinimum"]; ok {
		if v, err := strconv.ParseFloat(min, 64); err == nil {
			s.ExclusiveMinimum = &v
		}
	}
	if max, ok := options["exclusiveMaximum"]; ok {
		if v, err := strconv.ParseFloat(max, 64); err == nil {
			s.ExclusiveMaximum = &v
		}
	}

	if minItems, ok := options["minItems"]; ok {
		if v, err := strconv.Atoi(minItems); err == nil {
			s.MinItems = &v
		}
	}
	if maxItems, ok := options["maxItems"]; ok {
		if v, err := strconv.Atoi(maxItems); err == nil {
			s.MaxItems = &v
		}
	}

	return nil
}

// parseTagOptions parses a jsonschema tag into an option map.
// Format: "option1,option2=value2,option3=value3".
func parseTagOptions(tag string) map[string]string {
	options := make(map[string]string)
	if tag == "" {
		return options
	}

	for _, part := range splitTagParts(tag) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if idx := strings.Index(part, "="); idx > 0 {
			options[part[:idx]] = part[idx+1:]
		} else {
			options[part] = ""
		}
	}

	return options
}

// splitTagParts splits on commas but keeps commas inside option values
// together ("enum=a,b,c" stays one part). After an "=" we are in a value;
// a comma only terminates it when the next segment looks like a new key
// or a known boolean option.
func splitTagParts(tag string) []string {
	var parts []string
	var current strings.Builder
	inValue := false

	knownBoolOptions := map[string]bool{
		"required": true,
	}

	for i := 0; i < len(tag); i++ {
		ch := tag[i]

		switch {
		case ch == '=':
			inValue = true
			current.WriteByte(ch)
		case ch == ',' && !inValue:
			parts = append(parts, current.String())
			current.Reset()
		case ch == ',' && inValue:
			remaining := tag[i+1:]
			nextSegment := remaining
			if nextComma := strings.Index(remaining, ","); nextComma >= 0 {
				nextSegment = remaining[:nextComma]
			}
			nextSegment = strings.TrimSpace(nextSegment)

			if knownBoolOptions[nextSegment] || looksLikeOption(nextSegment) {
				parts = append(parts, current.String())
				current.Reset()
				inValue = false
				continue
			}
			// comma belongs to the current value
			current.WriteByte(ch)
		default:
			current.WriteByte(ch)
		}
	}

	if current.Len() > 0 {
		parts = append(parts, current.String())
	}

	return parts
}

func looksLikeOption(segment string) bool {
	eqIdx := strings.Index(segment, "=")
	if eqIdx <= 0 {
		return false
	}
	for _, c := range segment[:eqIdx] {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')) {
			return false
		}
	}
	return true
}

func parseDefaultValue(value string, t reflect.Type) any {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	switch t.Kind() {
	case reflect.String:
		return value
	case reflect.Bool:
		return value == "true"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if v, err := strconv.ParseInt(value, 10, 64); err == nil {
			return v
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if v, err := strconv.ParseUint(value, 10, 64); err == nil {
			return v
		}
	case reflect.Float32, reflect.Float64:
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			return v
		}
	}
	return value
}

// FromType derives a complete Schema from a Go struct type. The schema
// name defaults to the type name lowercased; override with the returned
// schema's Name field before adapting if needed.
func FromType[T any]() (*Schema, error) {
	var zero T
	t := reflect.TypeOf(zero)
	if t == nil {
		return nil, fmt.Errorf("cannot derive schema from interface type")
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	root, err := NewGenerator().Generate(t)
	if err != nil {
		return nil, err
	}

	name := strings.ToLower(t.Name())
	if name == "" {
		name = "extraction"
	}
	return New(name, root), nil
}

// MustFromType is FromType that panics on error, for package-level
// schema declarations.
func MustFromType[T any]() *Schema {
	s, err := FromType[T]()
	if err != nil {
		panic(err)
	}
	return s
}
