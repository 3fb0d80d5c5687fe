package stream

import (
	"strconv"
)

// parsePartial parses a possibly-truncated JSON document into the best
// current value tree. Members whose values are not yet resolvable (an
// unterminated string, a number that may still grow, a half-written
// keyword) are omitted rather than guessed; truncated objects and arrays
// come back with the members that have resolved so far. The second
// return reports whether the document is structurally complete.
//
// Leading prose or a markdown fence before the first '{' or '[' is
// skipped, so the parser works on raw content streams too.
func parsePartial(data []byte) (any, bool) {
	start := -1
	for i, ch := range data {
		if ch == '{' || ch == '[' {
			start = i
			break
		}
	}
	if start < 0 {
		return nil, false
	}

	p := &partialParser{data: data, pos: start}
	value, complete, ok := p.parseValue()
	if !ok {
		return nil, false
	}
	return value, complete
}

type partialParser struct {
	data []byte
	pos  int
}

func (p *partialParser) eof() bool { return p.pos >= len(p.data) }

func (p *partialParser) skipWS() {
	for !p.eof() {
		switch p.data[p.pos] {
		case ' ', '\t', '\n', '\r':
			p.pos++
		default:
			return
		}
	}
}

// parseValue returns (value, complete, resolvable). resolvable=false
// means the value cannot be used yet at all; complete=false with
// resolvable=true is a usable partial container.
func (p *partialParser) parseValue() (any, bool, bool) {
	p.skipWS()
	if p.eof() {
		return nil, false, false
	}

	switch ch := p.data[p.pos]; {
	case ch == '{':
		return p.parseObject()
	case ch == '[':
		return p.parseArray()
	case ch == '"':
		s, complete := p.parseString()
		return s, complete, complete
	case ch == 't':
		return p.parseKeyword("true", true)
	case ch == 'f':
		return p.parseKeyword("false", false)
	case ch == 'n':
		return p.parseKeyword("null", nil)
	case ch == '-' || (ch >= '0' && ch <= '9'):
		return p.parseNumber()
	default:
		return nil, false, false
	}
}

func (p *partialParser) parseObject() (any, bool, bool) {
	obj := make(map[string]any)
	p.pos++ // consume '{'

	for {
		p.skipWS()
		if p.eof() {
			return obj, false, true
		}
		if p.data[p.pos] == '}' {
			p.pos++
			return obj, true, true
		}
		if p.data[p.pos] == ',' {
			p.pos++
			continue
		}
		if p.data[p.pos] != '"' {
			// malformed member; stop here and keep what resolved
			return obj, false, true
		}

		key, keyComplete := p.parseString()
		if !keyComplete {
			return obj, false, true
		}

		p.skipWS()
		if p.eof() || p.data[p.pos] != ':' {
			// dangling key
			return obj, false, true
		}
		p.pos++ // consume ':'

		value, valueComplete, resolvable := p.parseValue()
		if !resolvable {
			return obj, false, true
		}
		obj[key] = value
		if !valueComplete {
			// nested partial container; nothing further can follow yet
			return obj, false, true
		}
	}
}

func (p *partialParser) parseArray() (any, bool, bool) {
	arr := make([]any, 0)
	p.pos++ // consume '['

	for {
		p.skipWS()
		if p.eof() {
			return arr, false, true
		}
		if p.data[p.pos] == ']' {
			p.pos++
			return arr, true, true
		}
		if p.data[p.pos] == ',' {
			p.pos++
			continue
		}

		value, valueComplete, resolvable := p.parseValue()
		if !resolvable {
			return arr, false, true
		}
		arr = append(arr, value)
		if !valueComplete {
			return arr, false, true
		}
	}
}

// parseString consumes a string literal, returning it and whether the
// closing quote was seen.
func (p *partialParser) parseString() (string, bool) {
	p.pos++ // consume opening '"'
	var b []byte
	escaped := false

	for !p.eof() {
		ch := p.data[p.pos]
		if escaped {
			switch ch {
			case 'n':
				b = append(b, '\n')
			case 't':
				b = append(b, '\t')
			case 'r':
				b = append(b, '\r')
			case 'u':
				if p.pos+4 < len(p.data) {
					if r, err := strconv.ParseUint(string(p.data[p.pos+1:p.pos+5]), 16, 32); err == nil {
						b = append(b, []byte(string(rune(r)))...)
						p.pos += 4
					}
				} else {
					// truncated escape
					p.pos = len(p.data)
					return string(b), false
				}
			default:
				b = append(b, ch)
			}
			escaped = false
			p.pos++
			continue
		}
		switch ch {
		case '\\':
			escaped = true
			p.pos++
		case '"':
			p.pos++
			return string(b), true
		default:
			b = append(b, ch)
			p.pos++
		}
	}
	return string(b), false
}

// parseNumber consumes a numeric literal. A number that runs to the end
// of the buffer is unresolvable: more digits may still arrive.
func (p *partialParser) parseNumber() (any, bool, bool) {
	start := p.pos
	for !p.eof() {
		switch ch := p.data[p.pos]; {
		case (ch >= '0' && ch <= '9') || ch == '-' || ch == '+' || ch == '.' || ch == 'e' || ch == 'E':
			p.pos++
		default:
			num, err := strconv.ParseFloat(string(p.data[start:p.pos]), 64)
			if err != nil {
				return nil, false, false
			}
			return num, true, true
		}
	}
	return nil, false, false
}

func (p *partialParser) parseKeyword(word string, value any) (any, bool, bool) {
	if p.pos+len(word) > len(p.data) {
		// prefix of the keyword at the end of the buffer
		if string(p.data[p.pos:]) == word[:len(p.data)-p.pos] {
			p.pos = len(p.data)
			return nil, false, false
		}
		return nil, false, false
	}
	if string(p.data[p.pos:p.pos+len(word)]) != word {
		return nil, false, false
	}
	p.pos += len(word)
	return value, true, true
}

// resolvedPaths walks a partial tree and lists the paths of every
// resolved leaf, in no particular order.
func resolvedPaths(value any, prefix string, out []string) []string {
	switch v := value.(type) {
	case map[string]any:
		for key, child := range v {
			out = resolvedPaths(child, joinPath(prefix, key), out)
		}
	case []any:
		for i, child := range v {
			out = resolvedPaths(child, prefix+"["+strconv.Itoa(i)+"]", out)
		}
	default:
		if prefix != "" {
			out = append(out, prefix)
		}
	}
	return out
}

func joinPath(base, segment string) string {
	if base == "" {
		return segment
	}
	return base + "." + segment
}

// mergeTrees overlays next onto prev so fields once resolved never
// revert to unset even if a later parse momentarily lacks them; a
// changed value silently wins.
func mergeTrees(prev, next any) any {
	prevMap, prevOK := prev.(map[string]any)
	nextMap, nextOK := next.(map[string]any)
	if prevOK && nextOK {
		merged := make(map[string]any, len(prevMap)+len(nextMap))
		for k, v := range prevMap {
			merged[k] = v
		}
		for k, v := range nextMap {
			if existing, ok := merged[k]; ok {
				merged[k] = mergeTrees(existing, v)
			} else {
				merged[k] = v
			}
		}
		return merged
	}

	prevArr, prevOK := prev.([]any)
	nextArr, nextOK := next.([]any)
	if prevOK && nextOK && len(prevArr) > len(nextArr) {
		merged := make([]any, len(prevArr))
		copy(merged, prevArr)
		for i := range nextArr {
			merged[i] = mergeTrees(prevArr[i], nextArr[i])
		}
		return merged
	}

	return next
}
