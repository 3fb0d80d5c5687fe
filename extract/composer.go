package extract

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BaSui01/extractflow/llm"
	"github.com/BaSui01/extractflow/schema"
	"github.com/BaSui01/extractflow/tokenizer"
	"github.com/BaSui01/extractflow/types"
)

// carry is the failure context one attempt hands to the next attempt's
// composition. Exactly one of failures/note is meaningful: a validation
// failure list drives a field-level reask, anything else a generic
// reformulation note.
type carry struct {
	candidate []byte
	failures  schema.Failures
	note      string
}

// Composer builds one ChatRequest per attempt. Requests are always
// built fresh; prior attempts' requests are never mutated.
type Composer struct {
	schema *schema.Schema
	spec   *schema.InvocationSpec
	opts   *options
}

// NewComposer creates a composer for one schema and its adapted spec.
func NewComposer(s *schema.Schema, spec *schema.InvocationSpec, opts *options) *Composer {
	return &Composer{schema: s, spec: spec, opts: opts}
}

// Compose builds the request for one attempt. prior is nil on the first
// attempt and carries the previous attempt's failure on reasks.
func (c *Composer) Compose(base []llm.Message, prior *carry, nativeTools bool) (*llm.ChatRequest, error) {
	req := &llm.ChatRequest{
		Model:       c.opts.model,
		MaxTokens:   c.opts.maxTokens,
		Temperature: c.opts.temperature,
	}

	mode := c.opts.mode
	if mode == ModeToolCall && !nativeTools {
		// backend cannot accept tools; fall back to instructions
		mode = ModeFreeform
	}

	switch mode {
	case ModeToolCall:
		req.Tools = []llm.ToolSchema{c.spec.ToolSchema()}
		req.ToolChoice = c.spec.Name
	case ModeJSON:
		req.ResponseFormat = &llm.ResponseFormat{Type: "json_object"}
		req.Messages = append(req.Messages, llm.Message{
			Role:    llm.RoleSystem,
			Content: c.schemaInstructions(),
		})
	case ModeJSONSchema:
		req.ResponseFormat = c.spec.ResponseFormat()
	case ModeFreeform:
		req.Messages = append(req.Messages, llm.Message{
			Role:    llm.RoleSystem,
			Content: c.schemaInstructions(),
		})
	default:
		return nil, types.NewError(types.ErrInvalidRequest, fmt.Sprintf("unknown mode %q", mode))
	}

	req.Messages = append(req.Messages, base...)

	if prior != nil {
		req.Messages = append(req.Messages, c.reaskMessages(prior)...)
	}

	if c.opts.maxPromptTokens > 0 {
		if err := c.checkBudget(req); err != nil {
			return nil, err
		}
	}

	return req, nil
}

// schemaInstructions renders the natural-language formatting instructions
// injected in JSON and freeform modes.
func (c *Composer) schemaInstructions() string {
	var b strings.Builder
	b.WriteString("Extract the requested information and respond with a single JSON object, nothing else.\n")
	if c.spec.Description != "" {
		b.WriteString(c.spec.Description)
		b.WriteString("\n")
	}
	b.WriteString("The JSON object must conform to this JSON Schema:\n")
	b.Write(c.spec.Parameters)
	return b.String()
}

// reaskMessages folds the prior failure into corrective context. Every
// failure's path and message is included verbatim so no information is
// lost across the retry boundary.
func (c *Composer) reaskMessages(prior *carry) []llm.Message {
	if len(prior.failures) == 0 {
		note := prior.note
		if note == "" {
			note = "could not extract structured data from the previous response"
		}
		return []llm.Message{{
			Role: llm.RoleUser,
			Content: fmt.Sprintf(
				"The previous response was not usable: %s. Respond again following the requested format exactly.",
				note),
		}}
	}

	var b strings.Builder
	b.WriteString("The previous response failed validation.\n")

	if c.opts.reaskVerbatim && len(prior.candidate) > 0 {
		b.WriteString("Previous response:\n")
		b.Write(prior.candidate)
		b.WriteString("\n")
	} else if len(prior.candidate) > 0 {
		b.WriteString("Failing fields from the previous response:\n")
		for _, line := range summarizeFailingFields(prior.candidate, prior.failures) {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	b.WriteString("Validation errors:\n")
	for _, f := range prior.failures {
		if f.Path == "" {
			b.WriteString(fmt.Sprintf("- %s\n", f.Message))
		} else {
			b.WriteString(fmt.Sprintf("- %s: %s\n", f.Path, f.Message))
		}
	}
	b.WriteString("Correct only the failing fields and respond again in the requested format.")

	return []llm.Message{{Role: llm.RoleUser, Content: b.String()}}
}

// summarizeFailingFields extracts just the failing leaves from the prior
// candidate, for the summarized reask policy.
func summarizeFailingFields(candidate []byte, failures schema.Failures) []string {
	payload, err := schema.ParsePayload(candidate)
	if err != nil {
		return nil
	}

	lines := make([]string, 0, len(failures))
	seen := make(map[string]bool)
	for _, f := range failures {
		if f.Path == "" || seen[f.Path] {
			continue
		}
		seen[f.Path] = true

		rendered := "(missing)"
		if value, ok := schema.ResolvePath(payload, f.Path); ok {
			if data, err := json.Marshal(value); err == nil {
				rendered = string(data)
			}
		}
		lines = append(lines, fmt.Sprintf("- %s = %s", f.Path, rendered))
	}
	return lines
}

func (c *Composer) checkBudget(req *llm.ChatRequest) error {
	tok := tokenizer.GetOrEstimator(req.Model)

	msgs := make([]tokenizer.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = tokenizer.Message{Role: string(m.Role), Content: m.Content}
	}
	count, err := tok.CountMessages(msgs)
	if err != nil {
		return nil // estimation failure never blocks a request
	}
	if count > c.opts.maxPromptTokens {
		return types.NewError(types.ErrContextTooLong,
			fmt.Sprintf("prompt is an estimated %d tokens, budget is %d", count, c.opts.maxPromptTokens))
	}
	return nil
}
