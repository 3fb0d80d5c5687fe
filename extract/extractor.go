package extract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/extractflow/llm"
	"github.com/BaSui01/extractflow/schema"
	"github.com/BaSui01/extractflow/stream"
	"github.com/BaSui01/extractflow/types"
)

// Outcome classifies how a single attempt ended.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeParseError       Outcome = "parse_error"
	OutcomeValidationFailed Outcome = "validation_failed"
	OutcomeProviderError    Outcome = "provider_error"
)

// AttemptRecord is the audit trail of one attempt: what came back and
// why it did or did not produce a validated instance.
type AttemptRecord struct {
	Index       int
	Outcome     Outcome
	RawResponse []byte
	Failures    schema.Failures
	Err         *types.Error
}

// Result is a finished extraction: the validated value plus everything
// that happened on the way there. Attempts always holds one record per
// provider call, successful calls included.
type Result[T any] struct {
	ID         string
	Value      *T
	SchemaName string
	Mode       Mode
	Attempts   []AttemptRecord
	Usage      llm.ChatUsage
	Duration   time.Duration
}

// RetryExhaustedError reports that the attempt budget ran out without a
// validated instance. Failures holds the last attempt's validation
// failures, LastErr its error when it failed some other way.
type RetryExhaustedError struct {
	Attempts int
	Failures schema.Failures
	LastErr  error
}

func (e *RetryExhaustedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "no valid instance after %d attempt(s)", e.Attempts)
	if len(e.Failures) > 0 {
		b.WriteString(": ")
		b.WriteString(e.Failures.Error())
	} else if e.LastErr != nil {
		b.WriteString(": ")
		b.WriteString(e.LastErr.Error())
	}
	return b.String()
}

func (e *RetryExhaustedError) Unwrap() error { return e.LastErr }

// Extractor turns chat completions into validated instances of T. One
// extractor is built per schema and is safe for concurrent use; each
// Extract call runs its own attempt loop.
type Extractor[T any] struct {
	provider  llm.Provider
	schema    *schema.Schema
	spec      *schema.InvocationSpec
	composer  *Composer
	validator *schema.Validator
	tracer    trace.Tracer
	opts      options
}

// New builds an extractor for T against the given provider. The schema
// is derived from T's fields and tags unless WithSchema supplies one.
// Schema adaptation happens here, so an unrepresentable schema fails
// fast instead of failing on the first call.
func New[T any](provider llm.Provider, opts ...Option) (*Extractor[T], error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	s := o.schema
	if s == nil {
		derived, err := schema.FromType[T]()
		if err != nil {
			return nil, err
		}
		s = derived
	}

	adaptOpts := schema.AdaptOptions{
		MaxNestingDepth: o.maxNestingDepth,
		Strict:          o.strict,
	}

	var (
		spec *schema.InvocationSpec
		err  error
	)
	if o.specCache != nil {
		spec, err = o.specCache.GetOrAdapt(context.Background(), s, adaptOpts)
	} else {
		spec, err = schema.Adapt(s, adaptOpts)
	}
	if err != nil {
		return nil, err
	}

	e := &Extractor[T]{
		provider:  provider,
		schema:    s,
		spec:      spec,
		validator: schema.NewValidator(),
		tracer:    otel.Tracer("extractflow/extract"),
		opts:      o,
	}
	e.composer = NewComposer(s, spec, &e.opts)
	return e, nil
}

// Schema returns the schema this extractor validates against.
func (e *Extractor[T]) Schema() *schema.Schema { return e.schema }

// Extract runs the attempt loop until a validated instance of T is
// produced, the attempt budget is exhausted, or a fatal error occurs.
// The returned Result is non-nil even on error and carries the full
// attempt trail.
func (e *Extractor[T]) Extract(ctx context.Context, messages ...llm.Message) (*Result[T], error) {
	start := time.Now()
	result := &Result[T]{
		ID:         uuid.NewString(),
		SchemaName: e.spec.Name,
		Mode:       e.opts.mode,
	}

	ctx, span := e.tracer.Start(ctx, "extract",
		trace.WithAttributes(
			attribute.String("extract.schema", e.spec.Name),
			attribute.String("extract.mode", string(e.opts.mode)),
		))
	defer span.End()

	logger := e.opts.logger.With(
		zap.String("extraction_id", result.ID),
		zap.String("schema", e.spec.Name),
	)

	native := e.provider.SupportsNativeToolCalling()
	var prior *carry

	for attempt := 1; attempt <= e.opts.maxAttempts; attempt++ {
		if attempt > 1 {
			if err := e.opts.retryPolicy.Wait(ctx, attempt-1); err != nil {
				return e.fail(result, span, start, types.NewError(types.ErrInternalError,
					"extraction cancelled between attempts").WithCause(err))
			}
		}
		if err := ctx.Err(); err != nil {
			return e.fail(result, span, start, types.NewError(types.ErrInternalError,
				"extraction cancelled").WithCause(err))
		}

		req, err := e.composer.Compose(messages, prior, native)
		if err != nil {
			// composition errors are fatal: nothing a retry could change
			return e.fail(result, span, start, types.AsError(err))
		}
		req.TraceID = result.ID

		callStart := time.Now()
		resp, err := e.provider.Completion(ctx, req)
		if err != nil {
			terr := types.AsError(err)
			e.recordAttempt(result, AttemptRecord{
				Index: attempt, Outcome: OutcomeProviderError, Err: terr,
			})
			e.recordProviderCall(req, "error", callStart, nil)
			if !terr.Retryable {
				return e.fail(result, span, start, terr)
			}
			logger.Warn("provider call failed, retrying",
				zap.Int("attempt", attempt), zap.Error(terr))
			prior = &carry{note: terr.Message}
			continue
		}
		e.recordProviderCall(req, "ok", callStart, resp)
		result.Usage.PromptTokens += resp.Usage.PromptTokens
		result.Usage.CompletionTokens += resp.Usage.CompletionTokens
		result.Usage.TotalTokens += resp.Usage.TotalTokens

		raw, perr := ParseResponse(resp, e.spec.Name)
		if perr != nil {
			terr := types.AsError(perr)
			e.recordAttempt(result, AttemptRecord{
				Index: attempt, Outcome: OutcomeParseError, Err: terr,
			})
			e.recordReask("parse")
			logger.Debug("no structured payload in response", zap.Int("attempt", attempt))
			prior = &carry{note: terr.Message}
			continue
		}

		payload, perr := schema.ParsePayload(raw)
		if perr != nil {
			terr := types.AsError(perr)
			e.recordAttempt(result, AttemptRecord{
				Index: attempt, Outcome: OutcomeParseError, RawResponse: raw, Err: terr,
			})
			e.recordReask("parse")
			prior = &carry{candidate: raw, note: terr.Message}
			continue
		}

		normalized, failures := e.validator.Validate(payload, e.schema)
		if len(failures) > 0 {
			e.recordAttempt(result, AttemptRecord{
				Index: attempt, Outcome: OutcomeValidationFailed,
				RawResponse: raw, Failures: failures,
			})
			e.recordReask("validation")
			logger.Debug("candidate failed validation",
				zap.Int("attempt", attempt), zap.Int("failures", len(failures)))
			prior = &carry{candidate: raw, failures: failures}
			continue
		}

		value, derr := schema.DecodeInto[T](normalized)
		if derr != nil {
			terr := types.AsError(derr)
			e.recordAttempt(result, AttemptRecord{
				Index: attempt, Outcome: OutcomeParseError, RawResponse: raw, Err: terr,
			})
			e.recordReask("parse")
			prior = &carry{candidate: raw, note: terr.Message}
			continue
		}

		e.recordAttempt(result, AttemptRecord{
			Index: attempt, Outcome: OutcomeSuccess, RawResponse: raw,
		})
		result.Value = value
		result.Duration = time.Since(start)
		if e.opts.collector != nil {
			e.opts.collector.RecordExtraction(e.spec.Name, string(e.opts.mode),
				"success", len(result.Attempts), result.Duration)
		}
		span.SetAttributes(attribute.Int("extract.attempts", len(result.Attempts)))
		logger.Info("extraction succeeded",
			zap.Int("attempts", len(result.Attempts)),
			zap.Duration("duration", result.Duration))
		return result, nil
	}

	last := result.Attempts[len(result.Attempts)-1]
	exhausted := &RetryExhaustedError{
		Attempts: len(result.Attempts),
		Failures: last.Failures,
	}
	if last.Err != nil {
		exhausted.LastErr = last.Err
	}
	return e.fail(result, span, start,
		types.NewError(types.ErrRetryExhausted, exhausted.Error()).WithCause(exhausted))
}

// ExtractPartial streams one instance of T, emitting a snapshot as each
// field resolves. The final snapshot carries the end-of-stream
// validation verdict.
func (e *Extractor[T]) ExtractPartial(ctx context.Context, messages ...llm.Message) (<-chan stream.Partial[T], error) {
	req, err := e.composer.Compose(messages, nil, e.provider.SupportsNativeToolCalling())
	if err != nil {
		return nil, err
	}
	req.TraceID = uuid.NewString()

	chunks, err := e.provider.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	dec := stream.NewPartialDecoder[T](e.schema, stream.WithPartialLogger(e.opts.logger))
	return dec.Decode(ctx, chunks), nil
}

// ExtractList streams a JSON array of T, emitting each element as soon
// as its boundary arrives. The extractor's schema describes one element
// of the array.
func (e *Extractor[T]) ExtractList(ctx context.Context, messages ...llm.Message) (<-chan stream.Element[T], error) {
	req := &llm.ChatRequest{
		TraceID:     uuid.NewString(),
		Model:       e.opts.model,
		MaxTokens:   e.opts.maxTokens,
		Temperature: e.opts.temperature,
	}
	req.Messages = append(req.Messages, llm.Message{
		Role:    llm.RoleSystem,
		Content: e.listInstructions(),
	})
	req.Messages = append(req.Messages, messages...)

	chunks, err := e.provider.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	var listOpts []stream.ListOption
	listOpts = append(listOpts, stream.WithListLogger(e.opts.logger))
	if e.opts.abortOnFirstFailure {
		listOpts = append(listOpts, stream.WithAbortOnFirstFailure())
	}
	dec := stream.NewListDecoder[T](e.schema, listOpts...)

	elements := dec.Decode(ctx, chunks)
	if e.opts.collector == nil {
		return elements, nil
	}

	out := make(chan stream.Element[T], 8)
	go func() {
		defer close(out)
		for elem := range elements {
			status := "ok"
			if elem.Err != nil || len(elem.Failures) > 0 {
				status = "failed"
			}
			e.opts.collector.RecordStreamElement(e.spec.Name, status)
			select {
			case out <- elem:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (e *Extractor[T]) listInstructions() string {
	var b strings.Builder
	b.WriteString("Extract the requested information and respond with a single JSON array, nothing else.\n")
	if e.spec.Description != "" {
		b.WriteString(e.spec.Description)
		b.WriteString("\n")
	}
	b.WriteString("Every element of the array must conform to this JSON Schema:\n")
	b.Write(e.spec.Parameters)
	return b.String()
}

func (e *Extractor[T]) recordAttempt(result *Result[T], record AttemptRecord) {
	result.Attempts = append(result.Attempts, record)
	if e.opts.collector != nil {
		e.opts.collector.RecordAttempt(e.spec.Name, string(record.Outcome))
	}
}

func (e *Extractor[T]) recordReask(kind string) {
	if e.opts.collector != nil {
		e.opts.collector.RecordReask(e.spec.Name, kind)
	}
}

func (e *Extractor[T]) recordProviderCall(req *llm.ChatRequest, status string, start time.Time, resp *llm.ChatResponse) {
	if e.opts.collector == nil {
		return
	}
	prompt, completion := 0, 0
	if resp != nil {
		prompt = resp.Usage.PromptTokens
		completion = resp.Usage.CompletionTokens
	}
	e.opts.collector.RecordProviderRequest(e.provider.Name(), req.Model, status,
		time.Since(start), prompt, completion)
}

func (e *Extractor[T]) fail(result *Result[T], span trace.Span, start time.Time, err *types.Error) (*Result[T], error) {
	result.Duration = time.Since(start)
	span.SetStatus(codes.Error, err.Message)
	span.SetAttributes(attribute.Int("extract.attempts", len(result.Attempts)))
	if e.opts.collector != nil {
		e.opts.collector.RecordExtraction(e.spec.Name, string(e.opts.mode),
			string(err.Code), len(result.Attempts), result.Duration)
	}
	e.opts.logger.Warn("extraction failed",
		zap.String("extraction_id", result.ID),
		zap.String("schema", e.spec.Name),
		zap.Int("attempts", len(result.Attempts)),
		zap.Error(err))
	return result, err
}
