package stream

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/BaSui01/extractflow/llm"
	"github.com/BaSui01/extractflow/schema"
	"github.com/BaSui01/extractflow/types"
)

// Partial is one snapshot of an in-flight extraction. Value holds the
// fields resolved so far with zero values elsewhere; Resolved lists
// their paths in sorted order. The last snapshot has Terminal set and
// carries the end-of-stream validation result.
type Partial[T any] struct {
	Value    *T
	Resolved []string
	Terminal bool
	Failures schema.Failures
	Err      *types.Error
}

// PartialOption configures a PartialDecoder.
type PartialOption func(*partialOptions)

type partialOptions struct {
	emitUnchanged bool
	logger        *zap.Logger
}

// WithEmitEveryDelta emits a snapshot for every incoming delta instead
// of only when the set of resolved paths changes. Note the default
// coalesces on paths alone: a delta that overwrites an already-resolved
// value without resolving a new path emits nothing until stream end.
func WithEmitEveryDelta() PartialOption {
	return func(o *partialOptions) { o.emitUnchanged = true }
}

// WithPartialLogger sets the decoder logger.
func WithPartialLogger(logger *zap.Logger) PartialOption {
	return func(o *partialOptions) { o.logger = logger }
}

// PartialDecoder incrementally decodes a single object of type T from a
// response stream. Field resolution is monotonic: a path that appears in
// Resolved stays resolved in every later snapshot, though its value may
// still be overwritten by later input. Validation runs once, against the
// full payload, when the stream ends.
type PartialDecoder[T any] struct {
	schema    *schema.Schema
	validator *schema.Validator
	opts      partialOptions
}

// NewPartialDecoder builds a decoder for the given schema.
func NewPartialDecoder[T any](s *schema.Schema, opts ...PartialOption) *PartialDecoder[T] {
	o := partialOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return &PartialDecoder[T]{
		schema:    s,
		validator: schema.NewValidator(),
		opts:      o,
	}
}

// Decode consumes chunks until the stream closes, the context is
// cancelled, or a transport error arrives, and returns the snapshot
// channel. The channel is closed after the terminal snapshot.
func (d *PartialDecoder[T]) Decode(ctx context.Context, chunks <-chan llm.StreamChunk) <-chan Partial[T] {
	out := make(chan Partial[T], 8)

	go func() {
		defer close(out)

		var (
			buf          []byte
			merged       any
			lastResolved []string
		)

		for {
			select {
			case <-ctx.Done():
				d.emit(ctx, out, Partial[T]{
					Terminal: true,
					Err: types.NewError(types.ErrInternalError, "stream cancelled").
						WithCause(ctx.Err()),
				})
				return

			case chunk, ok := <-chunks:
				if !ok {
					d.finish(ctx, out, buf, merged)
					return
				}
				if chunk.Err != nil {
					d.emit(ctx, out, Partial[T]{Terminal: true, Err: chunk.Err})
					return
				}

				buf = appendDelta(buf, chunk)
				tree, _ := parsePartial(buf)
				if tree == nil {
					continue
				}
				merged = mergeTrees(merged, tree)

				resolved := resolvedPaths(merged, "", nil)
				sort.Strings(resolved)
				if !d.opts.emitUnchanged && pathsEqual(resolved, lastResolved) {
					continue
				}
				lastResolved = resolved

				value, err := schema.DecodeInto[T](merged)
				if err != nil {
					d.opts.logger.Debug("partial snapshot not decodable", zap.Error(err))
					continue
				}
				if !d.emit(ctx, out, Partial[T]{Value: value, Resolved: resolved}) {
					return
				}
			}
		}
	}()

	return out
}

// finish validates the completed payload and emits the terminal snapshot.
func (d *PartialDecoder[T]) finish(ctx context.Context, out chan<- Partial[T], buf []byte, merged any) {
	tree, complete := parsePartial(buf)
	if tree == nil || !complete {
		d.emit(ctx, out, Partial[T]{
			Terminal: true,
			Err:      types.NewError(types.ErrParse, "stream ended before a complete document"),
		})
		return
	}
	merged = mergeTrees(merged, tree)

	normalized, failures := d.validator.Validate(merged, d.schema)
	resolved := resolvedPaths(merged, "", nil)
	sort.Strings(resolved)

	final := Partial[T]{Resolved: resolved, Terminal: true, Failures: failures}
	if len(failures) == 0 {
		value, err := schema.DecodeInto[T](normalized)
		if err != nil {
			final.Err = types.AsError(err)
		} else {
			final.Value = value
		}
	} else {
		// still surface the best-effort value alongside the failures
		if value, err := schema.DecodeInto[T](merged); err == nil {
			final.Value = value
		}
	}
	d.emit(ctx, out, final)
}

func (d *PartialDecoder[T]) emit(ctx context.Context, out chan<- Partial[T], p Partial[T]) bool {
	select {
	case out <- p:
		return true
	case <-ctx.Done():
		return false
	}
}

// appendDelta collects the textual payload of a chunk, whether it rides
// in assistant content or in streamed tool-call arguments.
func appendDelta(buf []byte, chunk llm.StreamChunk) []byte {
	if chunk.Delta.Content != "" {
		buf = append(buf, chunk.Delta.Content...)
	}
	for _, tc := range chunk.Delta.ToolCalls {
		buf = append(buf, tc.Arguments...)
	}
	return buf
}

func pathsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
