package extract

import (
	"go.uber.org/zap"

	"github.com/BaSui01/extractflow/cache"
	"github.com/BaSui01/extractflow/internal/metrics"
	"github.com/BaSui01/extractflow/retry"
	"github.com/BaSui01/extractflow/schema"
)

// DefaultMaxAttempts bounds the retry budget when none is configured.
const DefaultMaxAttempts = 3

type options struct {
	mode        Mode
	maxAttempts int
	retryPolicy retry.Policy

	schema          *schema.Schema
	maxNestingDepth int
	strict          bool
	specCache       *cache.SpecCache

	// reaskVerbatim quotes the prior candidate payload in reask prompts;
	// when false only the failing fields are echoed back.
	reaskVerbatim bool

	// maxPromptTokens rejects requests whose estimated prompt exceeds
	// the budget. Zero disables the check.
	maxPromptTokens int

	// abortOnFirstFailure stops list streaming at the first failed element.
	abortOnFirstFailure bool

	model       string
	maxTokens   int
	temperature float32

	logger    *zap.Logger
	collector *metrics.Collector
}

func defaultOptions() options {
	return options{
		mode:          ModeToolCall,
		maxAttempts:   DefaultMaxAttempts,
		retryPolicy:   retry.None(),
		reaskVerbatim: true,
		logger:        zap.NewNop(),
	}
}

// Option configures an Extractor.
type Option func(*options)

// WithMode selects the extraction mode.
func WithMode(mode Mode) Option {
	return func(o *options) { o.mode = mode }
}

// WithMaxAttempts sets the attempt budget. Values below 1 are clamped
// to 1 (no retry).
func WithMaxAttempts(n int) Option {
	return func(o *options) {
		if n < 1 {
			n = 1
		}
		o.maxAttempts = n
	}
}

// WithRetryDelay sets the inter-attempt delay policy.
func WithRetryDelay(policy retry.Policy) Option {
	return func(o *options) { o.retryPolicy = policy }
}

// WithSchema overrides the schema derived from the type parameter, for
// schemas loaded from files or built with custom rules.
func WithSchema(s *schema.Schema) Option {
	return func(o *options) { o.schema = s }
}

// WithMaxNestingDepth bounds schema nesting during adaptation.
func WithMaxNestingDepth(depth int) Option {
	return func(o *options) { o.maxNestingDepth = depth }
}

// WithStrict requests strict schema-constrained decoding where the
// backend supports it.
func WithStrict() Option {
	return func(o *options) { o.strict = true }
}

// WithSpecCache shares adapted invocation specs across extractors.
func WithSpecCache(c *cache.SpecCache) Option {
	return func(o *options) { o.specCache = c }
}

// WithReaskSummarized makes reask prompts echo only the failing fields
// instead of quoting the whole prior candidate payload.
func WithReaskSummarized() Option {
	return func(o *options) { o.reaskVerbatim = false }
}

// WithMaxPromptTokens enables the composer's prompt budget check.
func WithMaxPromptTokens(n int) Option {
	return func(o *options) { o.maxPromptTokens = n }
}

// WithAbortOnFirstFailure stops list streaming at the first element
// that fails validation.
func WithAbortOnFirstFailure() Option {
	return func(o *options) { o.abortOnFirstFailure = true }
}

// WithModel overrides the provider's default model.
func WithModel(model string) Option {
	return func(o *options) { o.model = model }
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int) Option {
	return func(o *options) { o.maxTokens = n }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float32) Option {
	return func(o *options) { o.temperature = t }
}

// WithLogger attaches a zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithCollector attaches the Prometheus collector.
func WithCollector(c *metrics.Collector) Option {
	return func(o *options) { o.collector = c }
}
