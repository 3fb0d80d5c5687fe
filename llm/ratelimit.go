package llm

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimited wraps a Provider with a token-bucket rate limiter. Both
// Completion and Stream wait for a token before dispatching, so a fleet
// of extraction calls sharing one wrapper cannot exceed the configured
// request rate. Wrapping composes: RateLimited(inner) leaves inner
// untouched.
type RateLimited struct {
	inner   Provider
	limiter *rate.Limiter
}

// NewRateLimited creates a rate-limited view of provider allowing rps
// requests per second with the given burst.
func NewRateLimited(provider Provider, rps float64, burst int) *RateLimited {
	return &RateLimited{
		inner:   provider,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Completion waits for limiter admission, then delegates.
func (p *RateLimited) Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return p.inner.Completion(ctx, req)
}

// Stream waits for limiter admission, then delegates.
func (p *RateLimited) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return p.inner.Stream(ctx, req)
}

// Name returns the wrapped provider's name.
func (p *RateLimited) Name() string { return p.inner.Name() }

// SupportsNativeToolCalling delegates to the wrapped provider.
func (p *RateLimited) SupportsNativeToolCalling() bool { return p.inner.SupportsNativeToolCalling() }
