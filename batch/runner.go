// Package batch runs one extraction per input item with bounded
// concurrency. Items are isolated: a failed item records its error in
// its own outcome and never stops the rest of the batch.
package batch

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/BaSui01/extractflow/extract"
	"github.com/BaSui01/extractflow/llm"
)

// Item is one input of a batch: its conversation plus a caller-chosen
// identifier echoed back in the outcome.
type Item struct {
	ID       string
	Messages []llm.Message
}

// Outcome pairs an item with its extraction result. Err is non-nil
// when the item failed. Result carries the attempt trail whenever the
// extraction ran, including failures; it is nil only when the item
// never reached the provider.
type Outcome[T any] struct {
	ID     string
	Index  int
	Result *extract.Result[T]
	Err    error
}

// Config bounds a runner.
type Config struct {
	// Concurrency is the number of extractions in flight at once.
	Concurrency int
	// RequestsPerSecond throttles extraction starts across all workers.
	// Zero disables throttling.
	RequestsPerSecond float64
	Burst             int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Concurrency: 4}
}

// Runner fans a batch of items out over one extractor.
type Runner[T any] struct {
	extractor *extract.Extractor[T]
	limiter   *rate.Limiter
	config    Config
	logger    *zap.Logger

	completed atomic.Int64
	failed    atomic.Int64
}

// NewRunner builds a runner around an existing extractor.
func NewRunner[T any](extractor *extract.Extractor[T], config Config, logger *zap.Logger) *Runner[T] {
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Runner[T]{
		extractor: extractor,
		config:    config,
		logger:    logger,
	}
	if config.RequestsPerSecond > 0 {
		burst := config.Burst
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), burst)
	}
	return r
}

// Run processes every item and returns one outcome per item, in input
// order. Cancelling the context stops new extractions; items already
// in flight observe the cancellation through their own calls.
func (r *Runner[T]) Run(ctx context.Context, items []Item) []Outcome[T] {
	outcomes := make([]Outcome[T], len(items))

	var g errgroup.Group
	g.SetLimit(r.config.Concurrency)

	for i, item := range items {
		g.Go(func() error {
			outcomes[i] = r.runOne(ctx, i, item)
			return nil
		})
	}
	g.Wait()

	return outcomes
}

func (r *Runner[T]) runOne(ctx context.Context, index int, item Item) Outcome[T] {
	outcome := Outcome[T]{ID: item.ID, Index: index}

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			outcome.Err = err
			r.failed.Add(1)
			return outcome
		}
	}

	result, err := r.extractor.Extract(ctx, item.Messages...)
	outcome.Result = result
	if err != nil {
		outcome.Err = err
		r.failed.Add(1)
		r.logger.Warn("batch item failed",
			zap.String("item_id", item.ID), zap.Int("index", index), zap.Error(err))
		return outcome
	}
	r.completed.Add(1)
	return outcome
}

// Stats reports how many items completed and failed so far.
type Stats struct {
	Completed int64
	Failed    int64
}

// Stats returns the runner's running totals.
func (r *Runner[T]) Stats() Stats {
	return Stats{Completed: r.completed.Load(), Failed: r.failed.Load()}
}
