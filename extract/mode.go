package extract

import (
	"fmt"
)

// Mode selects how the invocation spec is communicated to the backend.
type Mode string

const (
	// ModeToolCall declares the spec as a forced tool and reads the
	// structured payload from the tool call arguments.
	ModeToolCall Mode = "tool_call"

	// ModeJSON requests the backend's native JSON output mode and
	// injects the schema as prompt instructions.
	ModeJSON Mode = "json_mode"

	// ModeJSONSchema requests schema-constrained decoding with the
	// spec attached as a response format.
	ModeJSONSchema Mode = "json_schema"

	// ModeFreeform relies on prompt instructions alone and isolates the
	// JSON document from the response text.
	ModeFreeform Mode = "freeform"
)

// ParseMode converts a configuration string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeToolCall, ModeJSON, ModeJSONSchema, ModeFreeform:
		return Mode(s), nil
	case "":
		return ModeToolCall, nil
	default:
		return "", fmt.Errorf("unknown extraction mode %q", s)
	}
}
