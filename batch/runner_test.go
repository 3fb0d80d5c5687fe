package batch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/extractflow/extract"
	"github.com/BaSui01/extractflow/llm"
	"github.com/BaSui01/extractflow/testutil"
	"github.com/BaSui01/extractflow/testutil/mocks"
	"github.com/BaSui01/extractflow/types"
)

type invoice struct {
	Total float64 `json:"total" jsonschema:"required"`
}

func newExtractor(t *testing.T, provider llm.Provider) *extract.Extractor[invoice] {
	t.Helper()
	ex, err := extract.New[invoice](provider, extract.WithMaxAttempts(1))
	require.NoError(t, err)
	return ex
}

func items(n int) []Item {
	out := make([]Item, n)
	for i := range out {
		out[i] = Item{
			ID:       fmt.Sprintf("item-%d", i),
			Messages: []llm.Message{testutil.UserMessage(fmt.Sprintf("invoice %d", i))},
		}
	}
	return out
}

func TestRunner_AllItemsSucceed(t *testing.T) {
	provider := mocks.NewMockProvider().
		WithToolCall("invoice", `{"total":99.5}`)

	r := NewRunner(newExtractor(t, provider), DefaultConfig(), zaptest.NewLogger(t))
	outcomes := r.Run(testutil.TestContext(t), items(5))

	require.Len(t, outcomes, 5)
	for i, outcome := range outcomes {
		assert.Equal(t, fmt.Sprintf("item-%d", i), outcome.ID)
		assert.Equal(t, i, outcome.Index)
		require.NoError(t, outcome.Err)
		assert.Equal(t, 99.5, outcome.Result.Value.Total)
	}

	stats := r.Stats()
	assert.Equal(t, int64(5), stats.Completed)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestRunner_FailedItemDoesNotStopOthers(t *testing.T) {
	var calls atomic.Int64
	provider := mocks.NewMockProvider().WithCompletionFunc(
		func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
			n := calls.Add(1)
			if n == 2 {
				return nil, types.NewError(types.ErrUpstreamError, "boom")
			}
			return mocks.ToolCallResponse("invoice", `{"total":1}`), nil
		})

	r := NewRunner(newExtractor(t, provider),
		Config{Concurrency: 1}, zaptest.NewLogger(t))
	outcomes := r.Run(testutil.TestContext(t), items(3))

	require.Len(t, outcomes, 3)
	failed := 0
	for _, outcome := range outcomes {
		require.NotNil(t, outcome.Result, "outcome %s missing attempt trail", outcome.ID)
		if outcome.Err != nil {
			failed++
			assert.NotEmpty(t, outcome.Result.Attempts)
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, int64(2), r.Stats().Completed)
	assert.Equal(t, int64(1), r.Stats().Failed)
}

func TestRunner_ConcurrencyBound(t *testing.T) {
	var inFlight, peak atomic.Int64
	var mu sync.Mutex

	provider := mocks.NewMockProvider().WithCompletionFunc(
		func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
			current := inFlight.Add(1)
			mu.Lock()
			if current > peak.Load() {
				peak.Store(current)
			}
			mu.Unlock()
			defer inFlight.Add(-1)
			return mocks.ToolCallResponse("invoice", `{"total":1}`), nil
		})

	r := NewRunner(newExtractor(t, provider),
		Config{Concurrency: 2}, zaptest.NewLogger(t))
	r.Run(testutil.TestContext(t), items(12))

	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestRunner_Cancellation(t *testing.T) {
	provider := mocks.NewMockProvider().
		WithToolCall("invoice", `{"total":1}`)

	r := NewRunner(newExtractor(t, provider), DefaultConfig(), zaptest.NewLogger(t))
	outcomes := r.Run(testutil.CancelledContext(), items(4))

	require.Len(t, outcomes, 4)
	for _, outcome := range outcomes {
		assert.Error(t, outcome.Err)
	}
}

func TestRunner_RateLimit(t *testing.T) {
	provider := mocks.NewMockProvider().
		WithToolCall("invoice", `{"total":1}`)

	r := NewRunner(newExtractor(t, provider),
		Config{Concurrency: 4, RequestsPerSecond: 1000, Burst: 4}, zaptest.NewLogger(t))
	outcomes := r.Run(testutil.TestContext(t), items(8))

	require.Len(t, outcomes, 8)
	for _, outcome := range outcomes {
		assert.NoError(t, outcome.Err)
	}
}
