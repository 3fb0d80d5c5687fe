package extract

import (
	"strings"

	"github.com/BaSui01/extractflow/llm"
	"github.com/BaSui01/extractflow/types"
)

// ParseResponse locates the candidate structured payload in a completed
// response, regardless of which mode produced it. Tool call arguments
// win over message content; content is scanned for a JSON document,
// tolerating markdown fences and surrounding prose. Returns a
// PARSE_ERROR when nothing structured can be located, which signals the
// backend did not honor the requested mode.
func ParseResponse(resp *llm.ChatResponse, toolName string) ([]byte, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return nil, types.NewError(types.ErrParse, "response has no choices")
	}
	msg := resp.Choices[0].Message

	if len(msg.ToolCalls) > 0 {
		for _, tc := range msg.ToolCalls {
			if tc.Name == toolName && len(tc.Arguments) > 0 {
				return tc.Arguments, nil
			}
		}
		// a single differently-named call still carries the payload
		if len(msg.ToolCalls) == 1 && len(msg.ToolCalls[0].Arguments) > 0 {
			return msg.ToolCalls[0].Arguments, nil
		}
		return nil, types.NewError(types.ErrParse,
			"response tool calls carry no arguments for tool "+toolName)
	}

	if raw, ok := LocateJSON(msg.Content); ok {
		return raw, nil
	}
	return nil, types.NewError(types.ErrParse, "no structured payload found in response")
}

// LocateJSON isolates the first complete JSON object or array embedded
// in free text. Markdown code fences are preferred when present; the
// fallback is a string-aware balanced-delimiter scan.
func LocateJSON(text string) ([]byte, bool) {
	if text == "" {
		return nil, false
	}

	if fenced, ok := fencedBlock(text); ok {
		if doc, ok := balancedDocument(fenced); ok {
			return doc, true
		}
	}
	return balancedDocument(text)
}

// fencedBlock returns the body of the first ``` fenced block.
func fencedBlock(text string) (string, bool) {
	start := strings.Index(text, "```")
	if start < 0 {
		return "", false
	}
	rest := text[start+3:]
	// skip the language tag line
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		firstLine := strings.TrimSpace(rest[:nl])
		if firstLine == "" || isFenceTag(firstLine) {
			rest = rest[nl+1:]
		}
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return rest, true
	}
	return rest[:end], true
}

func isFenceTag(s string) bool {
	for _, r := range s {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

// balancedDocument scans for the first balanced {...} or [...] in text,
// tracking string literals and escapes so delimiters inside strings do
// not count.
func balancedDocument(text string) ([]byte, bool) {
	start := -1
	var opener, closer byte
	for i := 0; i < len(text); i++ {
		if text[i] == '{' {
			start, opener, closer = i, '{', '}'
			break
		}
		if text[i] == '[' {
			start, opener, closer = i, '[', ']'
			break
		}
	}
	if start < 0 {
		return nil, false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case opener:
			depth++
		case closer:
			depth--
			if depth == 0 {
				return []byte(text[start : i+1]), true
			}
		}
	}
	return nil, false
}
