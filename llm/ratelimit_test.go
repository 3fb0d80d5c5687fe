package llm

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingProvider struct {
	completions atomic.Int64
	streams     atomic.Int64
}

func (p *countingProvider) Name() string { return "counting" }

func (p *countingProvider) SupportsNativeToolCalling() bool { return true }

func (p *countingProvider) Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	p.completions.Add(1)
	return &ChatResponse{Model: req.Model}, nil
}

func (p *countingProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	p.streams.Add(1)
	ch := make(chan StreamChunk)
	close(ch)
	return ch, nil
}

func TestRateLimited_Delegates(t *testing.T) {
	inner := &countingProvider{}
	wrapped := NewRateLimited(inner, 100, 10)

	assert.Equal(t, "counting", wrapped.Name())
	assert.True(t, wrapped.SupportsNativeToolCalling())

	resp, err := wrapped.Completion(context.Background(), &ChatRequest{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "m", resp.Model)
	assert.Equal(t, int64(1), inner.completions.Load())

	ch, err := wrapped.Stream(context.Background(), &ChatRequest{})
	require.NoError(t, err)
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, int64(1), inner.streams.Load())
}

func TestRateLimited_ThrottlesBeyondBurst(t *testing.T) {
	inner := &countingProvider{}
	// burst of 1, 20 rps: the second call must wait ~50ms for a token.
	wrapped := NewRateLimited(inner, 20, 1)

	ctx := context.Background()
	_, err := wrapped.Completion(ctx, &ChatRequest{})
	require.NoError(t, err)

	start := time.Now()
	_, err = wrapped.Completion(ctx, &ChatRequest{})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
	assert.Equal(t, int64(2), inner.completions.Load())
}

func TestRateLimited_CancelledContext(t *testing.T) {
	inner := &countingProvider{}
	wrapped := NewRateLimited(inner, 0.001, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := wrapped.Completion(ctx, &ChatRequest{})
	assert.Error(t, err)
	assert.Equal(t, int64(0), inner.completions.Load())

	_, err = wrapped.Stream(ctx, &ChatRequest{})
	assert.Error(t, err)
	assert.Equal(t, int64(0), inner.streams.Load())
}
