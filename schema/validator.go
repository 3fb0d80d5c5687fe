package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Failure is one validation failure: where it happened, which rule fired,
// what the message is, and the offending value. Path uses dot segments
// and [i] array indexes; the root is the empty path.
type Failure struct {
	Path    string `json:"path"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
	Value   any    `json:"value,omitempty"`
}

// Error implements the error interface.
func (f *Failure) Error() string {
	if f.Path == "" {
		return f.Message
	}
	return fmt.Sprintf("%s: %s", f.Path, f.Message)
}

// Failures is the ordered failure list produced by one validation pass.
type Failures []Failure

// Error implements the error interface.
func (fs Failures) Error() string {
	switch len(fs) {
	case 0:
		return "validation failed"
	case 1:
		return fs[0].Error()
	}
	msgs := make([]string, len(fs))
	for i := range fs {
		msgs[i] = fs[i].Error()
	}
	return fmt.Sprintf("validation failed with %d errors: %s", len(fs), strings.Join(msgs, "; "))
}

// Validator checks candidate payloads against a Schema. Validation is a
// total function: it returns either a normalized payload with no
// failures, or a non-empty failure list, never both and never neither.
// All failures are accumulated in one pass so a single reask can address
// every problem at once.
type Validator struct {
	formatValidators map[StringFormat]func(string) bool
}

// NewValidator creates a Validator with the built-in format checks.
func NewValidator() *Validator {
	v := &Validator{
		formatValidators: make(map[StringFormat]func(string) bool),
	}
	v.registerBuiltinFormats()
	return v
}

// RegisterFormat registers a custom format validator.
func (v *Validator) RegisterFormat(format StringFormat, check func(string) bool) {
	v.formatValidators[format] = check
}

func (v *Validator) registerBuiltinFormats() {
	v.formatValidators[FormatEmail] = regexpFormat(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	v.formatValidators[FormatURI] = regexpFormat(`^[a-zA-Z][a-zA-Z0-9+.-]*://`)
	v.formatValidators[FormatUUID] = regexpFormat(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	v.formatValidators[FormatDateTime] = regexpFormat(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(.\d+)?(Z|[+-]\d{2}:\d{2})?$`)
	v.formatValidators[FormatDate] = regexpFormat(`^\d{4}-\d{2}-\d{2}$`)
	v.formatValidators[FormatTime] = regexpFormat(`^\d{2}:\d{2}:\d{2}(.\d+)?(Z|[+-]\d{2}:\d{2})?$`)
	v.formatValidators[FormatIPv6] = regexpFormat(`^([0-9a-fA-F]{1,4}:){7}[0-9a-fA-F]{1,4}$|^::$|^([0-9a-fA-F]{1,4}:)*:([0-9a-fA-F]{1,4}:)*[0-9a-fA-F]{1,4}$`)
	v.formatValidators[FormatHostname] = func(s string) bool {
		pattern := `^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`
		matched, _ := regexp.MatchString(pattern, s)
		return matched && len(s) <= 253
	}
	v.formatValidators[FormatIPv4] = func(s string) bool {
		matched, _ := regexp.MatchString(`^(\d{1,3}\.){3}\d{1,3}$`, s)
		if !matched {
			return false
		}
		for _, part := range strings.Split(s, ".") {
			num, err := strconv.Atoi(part)
			if err != nil || num < 0 || num > 255 {
				return false
			}
		}
		return true
	}
}

func regexpFormat(pattern string) func(string) bool {
	re := regexp.MustCompile(pattern)
	return re.MatchString
}

// Validate checks a candidate payload against a schema. The returned
// payload is the normalized tree with unambiguous coercions applied
// (exact numeric strings to numbers); when the failure list is non-empty
// the normalized payload is nil.
//
// Order: structural/type checks, then custom field rules on fields that
// passed structurally, then object-level rules on a structurally clean
// payload.
func (v *Validator) Validate(payload any, s *Schema) (any, Failures) {
	var failures Failures
	structuralClean := true

	normalized := v.validateValue(payload, s.Root, "", &failures)
	if len(failures) > 0 {
		structuralClean = false
	}

	for _, rule := range s.FieldRules() {
		value, found := ResolvePath(normalized, rule.Path)
		if !found || pathFailed(failures, rule.Path) {
			continue
		}
		if err := rule.Check(value); err != nil {
			failures = append(failures, Failure{
				Path:    rule.Path,
				Rule:    ruleName(rule.Name, "field_rule"),
				Message: err.Error(),
				Value:   value,
			})
		}
	}

	if structuralClean {
		if obj, ok := normalized.(map[string]any); ok {
			for _, rule := range s.ObjectRules() {
				if err := rule.Check(obj); err != nil {
					failures = append(failures, Failure{
						Path:    "",
						Rule:    ruleName(rule.Name, "object_rule"),
						Message: err.Error(),
					})
				}
			}
		}
	}

	if len(failures) > 0 {
		return nil, failures
	}
	return normalized, nil
}

func ruleName(name, fallback string) string {
	if name != "" {
		return name
	}
	return fallback
}

func pathFailed(failures Failures, path string) bool {
	for i := range failures {
		if failures[i].Path == path {
			return true
		}
	}
	return false
}

// ResolvePath walks a dot/[i] path into a payload tree, returning the
// value at that path and whether it exists.
func ResolvePath(value any, path string) (any, bool) {
	if path == "" {
		return value, true
	}
	current := value
	for _, seg := range splitPath(path) {
		if seg.index >= 0 {
			arr, ok := current.([]any)
			if !ok || seg.index >= len(arr) {
				return nil, false
			}
			current = arr[seg.index]
			continue
		}
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[seg.key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

type pathSegment struct {
	key   string
	index int // -1 for key segments
}

func splitPath(path string) []pathSegment {
	var segs []pathSegment
	for _, part := range strings.Split(path, ".") {
		for {
			open := strings.Index(part, "[")
			if open < 0 {
				if part != "" {
					segs = append(segs, pathSegment{key: part, index: -1})
				}
				break
			}
			if open > 0 {
				segs = append(segs, pathSegment{key: part[:open], index: -1})
			}
			closeIdx := strings.Index(part, "]")
			if closeIdx < open {
				break
			}
			idx, err := strconv.Atoi(part[open+1 : closeIdx])
			if err != nil {
				break
			}
			segs = append(segs, pathSegment{index: idx})
			part = part[closeIdx+1:]
		}
	}
	return segs
}

// validateValue validates one value and returns its normalized form.
func (v *Validator) validateValue(value any, s *JSONSchema, path string, failures *Failures) any {
	if s == nil {
		return value
	}

	if value == nil {
		if s.Nullable || s.Type == TypeNull || s.Type == "" {
			return nil
		}
		*failures = append(*failures, Failure{
			Path:    path,
			Rule:    "type",
			Message: fmt.Sprintf("expected %s, got null", s.Type),
		})
		return nil
	}

	if s.Const != nil {
		if !equalValues(value, s.Const) {
			*failures = append(*failures, Failure{
				Path:    path,
				Rule:    "const",
				Message: fmt.Sprintf("value must be %v", s.Const),
				Value:   value,
			})
		}
		return value
	}

	if len(s.Enum) > 0 {
		found := false
		for _, enumVal := range s.Enum {
			if equalValues(value, enumVal) {
				found = true
				break
			}
		}
		if !found {
			*failures = append(*failures, Failure{
				Path:    path,
				Rule:    "enum",
				Message: fmt.Sprintf("value must be one of: %v", s.Enum),
				Value:   value,
			})
			return value
		}
	}

	switch s.Type {
	case TypeString:
		return v.validateString(value, s, path, failures)
	case TypeNumber:
		return v.validateNumber(value, s, path, failures)
	case TypeInteger:
		return v.validateInteger(value, s, path, failures)
	case TypeBoolean:
		if _, ok := value.(bool); !ok {
			*failures = append(*failures, Failure{
				Path:    path,
				Rule:    "type",
				Message: fmt.Sprintf("expected boolean, got %s", typeName(value)),
				Value:   value,
			})
		}
		return value
	case TypeNull:
		*failures = append(*failures, Failure{
			Path:    path,
			Rule:    "type",
			Message: fmt.Sprintf("expected null, got %s", typeName(value)),
			Value:   value,
		})
		return value
	case TypeObject:
		return v.validateObject(value, s, path, failures)
	case TypeArray:
		return v.validateArray(value, s, path, failures)
	default:
		return value
	}
}

func (v *Validator) validateString(value any, s *JSONSchema, path string, failures *Failures) any {
	str, ok := value.(string)
	if !ok {
		*failures = append(*failures, Failure{
			Path:    path,
			Rule:    "type",
			Message: fmt.Sprintf("expected string, got %s", typeName(value)),
			Value:   value,
		})
		return value
	}

	if s.MinLength != nil && len(str) < *s.MinLength {
		*failures = append(*failures, Failure{
			Path:    path,
			Rule:    "minLength",
			Message: fmt.Sprintf("string length %d is less than minimum %d", len(str), *s.MinLength),
			Value:   str,
		})
	}
	if s.MaxLength != nil && len(str) > *s.MaxLength {
		*failures = append(*failures, Failure{
			Path:    path,
			Rule:    "maxLength",
			Message: fmt.Sprintf("string length %d exceeds maximum %d", len(str), *s.MaxLength),
			Value:   str,
		})
	}
	if s.Pattern != "" {
		matched, err := regexp.MatchString(s.Pattern, str)
		if err != nil {
			*failures = append(*failures, Failure{
				Path:    path,
				Rule:    "pattern",
				Message: fmt.Sprintf("invalid pattern %q: %v", s.Pattern, err),
			})
		} else if !matched {
			*failures = append(*failures, Failure{
				Path:    path,
				Rule:    "pattern",
				Message: fmt.Sprintf("string does not match pattern %q", s.Pattern),
				Value:   str,
			})
		}
	}
	if s.Format != "" {
		if check, ok := v.formatValidators[s.Format]; ok && !check(str) {
			*failures = append(*failures, Failure{
				Path:    path,
				Rule:    "format",
				Message: fmt.Sprintf("string does not match format %q", s.Format),
				Value:   str,
			})
		}
	}
	return str
}

func (v *Validator) validateNumber(value any, s *JSONSchema, path string, failures *Failures) any {
	num, ok := coerceFloat(value)
	if !ok {
		*failures = append(*failures, Failure{
			Path:    path,
			Rule:    "type",
			Message: fmt.Sprintf("expected number, got %s", typeName(value)),
			Value:   value,
		})
		return value
	}
	v.checkNumericConstraints(num, s, path, failures)
	return num
}

func (v *Validator) validateInteger(value any, s *JSONSchema, path string, failures *Failures) any {
	num, ok := coerceFloat(value)
	if !ok || num != math.Trunc(num) {
		*failures = append(*failures, Failure{
			Path:    path,
			Rule:    "type",
			Message: fmt.Sprintf("expected integer, got %s", describeNonInteger(value, num, ok)),
			Value:   value,
		})
		return value
	}
	v.checkNumericConstraints(num, s, path, failures)
	return num
}

func describeNonInteger(value any, num float64, isNum bool) string {
	if isNum {
		return strconv.FormatFloat(num, 'g', -1, 64)
	}
	return typeName(value)
}

func (v *Validator) checkNumericConstraints(num float64, s *JSONSchema, path string, failures *Failures) {
	if s.Minimum != nil && num < *s.Minimum {
		*failures = append(*failures, Failure{
			Path:    path,
			Rule:    "minimum",
			Message: fmt.Sprintf("value %v is less than minimum %v", num, *s.Minimum),
			Value:   num,
		})
	}
	if s.Maximum != nil && num > *s.Maximum {
		*failures = append(*failures, Failure{
			Path:    path,
			Rule:    "maximum",
			Message: fmt.Sprintf("value %v exceeds maximum %v", num, *s.Maximum),
			Value:   num,
		})
	}
	if s.ExclusiveMinimum != nil && num <= *s.ExclusiveMinimum {
		*failures = append(*failures, Failure{
			Path:    path,
			Rule:    "exclusiveMinimum",
			Message: fmt.Sprintf("value %v must be greater than %v", num, *s.ExclusiveMinimum),
			Value:   num,
		})
	}
	if s.ExclusiveMaximum != nil && num >= *s.ExclusiveMaximum {
		*failures = append(*failures, Failure{
			Path:    path,
			Rule:    "exclusiveMaximum",
			Message: fmt.Sprintf("value %v must be less than %v", num, *s.ExclusiveMaximum),
			Value:   num,
		})
	}
	if s.MultipleOf != nil && *s.MultipleOf != 0 {
		quotient := num / *s.MultipleOf
		if quotient != math.Trunc(quotient) {
			*failures = append(*failures, Failure{
				Path:    path,
				Rule:    "multipleOf",
				Message: fmt.Sprintf("value %v is not a multiple of %v", num, *s.MultipleOf),
				Value:   num,
			})
		}
	}
}

func (v *Validator) validateObject(value any, s *JSONSchema, path string, failures *Failures) any {
	obj, ok := value.(map[string]any)
	if !ok {
		*failures = append(*failures, Failure{
			Path:    path,
			Rule:    "type",
			Message: fmt.Sprintf("expected object, got %s", typeName(value)),
			Value:   value,
		})
		return value
	}

	for _, req := range s.Required {
		val, exists := obj[req]
		if !exists {
			*failures = append(*failures, Failure{
				Path:    joinPath(path, req),
				Rule:    "required",
				Message: "required field is missing",
			})
		} else if val == nil && !nullableProperty(s, req) {
			*failures = append(*failures, Failure{
				Path:    joinPath(path, req),
				Rule:    "required",
				Message: "required field must not be null",
			})
		}
	}

	if s.MinProperties != nil && len(obj) < *s.MinProperties {
		*failures = append(*failures, Failure{
			Path:    path,
			Rule:    "minProperties",
			Message: fmt.Sprintf("object has %d properties, minimum is %d", len(obj), *s.MinProperties),
		})
	}
	if s.MaxProperties != nil && len(obj) > *s.MaxProperties {
		*failures = append(*failures, Failure{
			Path:    path,
			Rule:    "maxProperties",
			Message: fmt.Sprintf("object has %d properties, maximum is %d", len(obj), *s.MaxProperties),
		})
	}

	normalized := make(map[string]any, len(obj))
	for propName, propValue := range obj {
		propPath := joinPath(path, propName)

		if propSchema, ok := s.Properties[propName]; ok {
			normalized[propName] = v.validateValue(propValue, propSchema, propPath, failures)
			continue
		}
		if s.AdditionalProperties != nil {
			if !s.AdditionalProperties.Allowed && s.AdditionalProperties.Schema == nil {
				*failures = append(*failures, Failure{
					Path:    propPath,
					Rule:    "additionalProperties",
					Message: "additional property not allowed",
					Value:   propValue,
				})
				continue
			}
			if s.AdditionalProperties.Schema != nil {
				normalized[propName] = v.validateValue(propValue, s.AdditionalProperties.Schema, propPath, failures)
				continue
			}
		}
		normalized[propName] = propValue
	}
	return normalized
}

func nullableProperty(s *JSONSchema, name string) bool {
	prop := s.GetProperty(name)
	return prop != nil && prop.Nullable
}

func (v *Validator) validateArray(value any, s *JSONSchema, path string, failures *Failures) any {
	arr, ok := value.([]any)
	if !ok {
		*failures = append(*failures, Failure{
			Path:    path,
			Rule:    "type",
			Message: fmt.Sprintf("expected array, got %s", typeName(value)),
			Value:   value,
		})
		return value
	}

	if s.MinItems != nil && len(arr) < *s.MinItems {
		*failures = append(*failures, Failure{
			Path:    path,
			Rule:    "minItems",
			Message: fmt.Sprintf("array has %d items, minimum is %d", len(arr), *s.MinItems),
		})
	}
	if s.MaxItems != nil && len(arr) > *s.MaxItems {
		*failures = append(*failures, Failure{
			Path:    path,
			Rule:    "maxItems",
			Message: fmt.Sprintf("array has %d items, maximum is %d", len(arr), *s.MaxItems),
		})
	}
	if s.UniqueItems != nil && *s.UniqueItems {
		seen := make(map[string]bool)
		for i, item := range arr {
			key := valueKey(item)
			if seen[key] {
				*failures = append(*failures, Failure{
					Path:    fmt.Sprintf("%s[%d]", path, i),
					Rule:    "uniqueItems",
					Message: "duplicate item in array with uniqueItems constraint",
					Value:   item,
				})
			}
			seen[key] = true
		}
	}

	normalized := make([]any, len(arr))
	for i, item := range arr {
		itemPath := fmt.Sprintf("%s[%d]", path, i)
		if s.Items != nil {
			normalized[i] = v.validateValue(item, s.Items, itemPath, failures)
		} else {
			normalized[i] = item
		}
	}
	return normalized
}

// coerceFloat converts numeric representations to float64. Strings are
// accepted only when they parse exactly as a number; this is the single
// unambiguous coercion the pipeline permits.
func coerceFloat(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		trimmed := strings.TrimSpace(n)
		if trimmed == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(trimmed, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func equalValues(a, b any) bool {
	aNum, aIsNum := strictFloat(a)
	bNum, bIsNum := strictFloat(b)
	if aIsNum && bIsNum {
		return aNum == bNum
	}

	aStr, aIsStr := a.(string)
	bStr, bIsStr := b.(string)
	if aIsStr && bIsStr {
		return aStr == bStr
	}

	aBool, aIsBool := a.(bool)
	bBool, bIsBool := b.(bool)
	if aIsBool && bIsBool {
		return aBool == bBool
	}

	if a == nil && b == nil {
		return true
	}

	aJSON, _ := json.Marshal(a)
	bJSON, _ := json.Marshal(b)
	return string(aJSON) == string(bJSON)
}

// strictFloat is coerceFloat without the string coercion, so enum/const
// comparison does not treat "1" and 1 as equal.
func strictFloat(value any) (float64, bool) {
	if _, isStr := value.(string); isStr {
		return 0, false
	}
	return coerceFloat(value)
}

func typeName(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int32, int64, json.Number:
		return "number"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		return fmt.Sprintf("%T", value)
	}
}

func joinPath(base, segment string) string {
	if base == "" {
		return segment
	}
	return base + "." + segment
}

func valueKey(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}
