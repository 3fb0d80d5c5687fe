package stream

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/extractflow/llm"
	"github.com/BaSui01/extractflow/schema"
	"github.com/BaSui01/extractflow/types"
)

// Element is one decoded entry of a streamed list. Elements carry their
// zero-based position in the incoming array; a failed element has
// Failures or Err set and a nil Value.
type Element[T any] struct {
	Index    int
	Value    *T
	Failures schema.Failures
	Err      *types.Error
}

// ListOption configures a ListDecoder.
type ListOption func(*listOptions)

type listOptions struct {
	abortOnFirstFailure bool
	logger              *zap.Logger
}

// WithAbortOnFirstFailure stops decoding after the first element that
// fails to parse or validate. Elements already emitted stay emitted.
func WithAbortOnFirstFailure() ListOption {
	return func(o *listOptions) { o.abortOnFirstFailure = true }
}

// WithListLogger sets the decoder logger.
func WithListLogger(logger *zap.Logger) ListOption {
	return func(o *listOptions) { o.logger = logger }
}

// ListDecoder decodes a streamed JSON array of objects element by
// element. Each element is parsed and validated as soon as its closing
// brace arrives, so early entries are usable long before the array
// terminator shows up. The element schema is validated independently
// for every entry; emission order matches array order.
type ListDecoder[T any] struct {
	schema    *schema.Schema
	validator *schema.Validator
	opts      listOptions
}

// NewListDecoder builds a decoder whose schema describes one element of
// the array, not the array itself.
func NewListDecoder[T any](elem *schema.Schema, opts ...ListOption) *ListDecoder[T] {
	o := listOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return &ListDecoder[T]{
		schema:    elem,
		validator: schema.NewValidator(),
		opts:      o,
	}
}

// Decode consumes chunks and returns the element channel, closed when
// the stream ends, the context is cancelled, or the decoder aborts.
func (d *ListDecoder[T]) Decode(ctx context.Context, chunks <-chan llm.StreamChunk) <-chan Element[T] {
	out := make(chan Element[T], 8)

	go func() {
		defer close(out)

		scan := &listScanner{}
		index := 0

		for {
			select {
			case <-ctx.Done():
				return

			case chunk, ok := <-chunks:
				if !ok {
					return
				}
				if chunk.Err != nil {
					d.emit(ctx, out, Element[T]{Index: index, Err: chunk.Err})
					return
				}

				for _, raw := range scan.feed(appendDelta(nil, chunk)) {
					elem, failed := d.decodeElement(index, raw)
					if !d.emit(ctx, out, elem) {
						return
					}
					index++
					if failed && d.opts.abortOnFirstFailure {
						return
					}
				}
			}
		}
	}()

	return out
}

// decodeElement parses and validates a single raw element. The second
// return reports whether the element failed.
func (d *ListDecoder[T]) decodeElement(index int, raw []byte) (Element[T], bool) {
	payload, err := schema.ParsePayload(raw)
	if err != nil {
		d.opts.logger.Debug("list element unparsable",
			zap.Int("index", index), zap.Error(err))
		return Element[T]{Index: index, Err: types.AsError(err)}, true
	}

	normalized, failures := d.validator.Validate(payload, d.schema)
	if len(failures) > 0 {
		return Element[T]{Index: index, Failures: failures}, true
	}

	value, err := schema.DecodeInto[T](normalized)
	if err != nil {
		return Element[T]{Index: index, Err: types.AsError(err)}, true
	}
	return Element[T]{Index: index, Value: value}, false
}

func (d *ListDecoder[T]) emit(ctx context.Context, out chan<- Element[T], e Element[T]) bool {
	select {
	case out <- e:
		return true
	case <-ctx.Done():
		return false
	}
}

// listScanner finds element boundaries inside a streamed JSON array
// without reparsing earlier input. State survives across feeds, so an
// object split between chunks is completed by the next feed.
type listScanner struct {
	buf       []byte
	offset    int // next byte to scan
	elemStart int // start of the in-flight element, -1 when between elements
	depth     int
	inString  bool
	escaped   bool
	started   bool // leading '[' consumed
	init      bool
}

// feed appends data and returns the raw bytes of every element whose
// boundary completed within the buffer so far.
func (s *listScanner) feed(data []byte) [][]byte {
	if !s.init {
		s.elemStart = -1
		s.init = true
	}
	s.buf = append(s.buf, data...)

	var elements [][]byte
	for ; s.offset < len(s.buf); s.offset++ {
		ch := s.buf[s.offset]

		if s.inString {
			switch {
			case s.escaped:
				s.escaped = false
			case ch == '\\':
				s.escaped = true
			case ch == '"':
				s.inString = false
			}
			continue
		}

		switch ch {
		case '"':
			s.inString = true
		case '[':
			if !s.started {
				s.started = true
				continue
			}
			if s.elemStart < 0 {
				s.elemStart = s.offset
			}
			s.depth++
		case '{':
			if s.elemStart < 0 {
				s.elemStart = s.offset
			}
			s.depth++
		case '}', ']':
			if s.elemStart < 0 {
				// array terminator or stray closer
				continue
			}
			s.depth--
			if s.depth == 0 {
				elements = append(elements, s.buf[s.elemStart:s.offset+1])
				s.elemStart = -1
			}
		}
	}
	return elements
}
