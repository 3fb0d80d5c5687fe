package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/extractflow/extract"
	"github.com/BaSui01/extractflow/llm"
	"github.com/BaSui01/extractflow/llm/providers"
	"github.com/BaSui01/extractflow/schema"
	"github.com/BaSui01/extractflow/types"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{APIKey: "test-key", BaseURL: srv.URL}, zaptest.NewLogger(t))
}

func TestCompletion(t *testing.T) {
	var got providers.OpenAIRequest
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		json.NewEncoder(w).Encode(providers.OpenAIResponse{
			ID:    "cmpl-1",
			Model: "gpt-4o-mini",
			Choices: []providers.OpenAIChoice{{
				Message: &providers.OpenAIMessage{Role: "assistant", Content: `{"name":"Ada"}`},
			}},
			Usage: &providers.OpenAIUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		})
	})

	resp, err := p.Completion(context.Background(), &llm.ChatRequest{
		Model:    "gpt-4o-mini",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "extract"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o-mini", got.Model)
	assert.False(t, got.Stream)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, `{"name":"Ada"}`, resp.Choices[0].Message.Content)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
	assert.Equal(t, "openai", resp.Provider)
}

func TestCompletion_ForcedToolChoice(t *testing.T) {
	var got map[string]any
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(providers.OpenAIResponse{Model: "gpt-4o-mini"})
	})

	_, err := p.Completion(context.Background(), &llm.ChatRequest{
		Messages:   []llm.Message{{Role: llm.RoleUser, Content: "x"}},
		Tools:      []llm.ToolSchema{{Name: "person", Parameters: []byte(`{"type":"object"}`)}},
		ToolChoice: "person",
	})
	require.NoError(t, err)

	// a bare tool name becomes the structured forcing form
	choice, ok := got["tool_choice"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "function", choice["type"])
	fn, ok := choice["function"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "person", fn["name"])
}

func TestCompletion_ToolCallArgumentsValidate(t *testing.T) {
	// verbatim chat-completions body: function.arguments is a
	// JSON-encoded string, as the live API sends it
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"id": "cmpl-9",
			"model": "gpt-4o-mini",
			"choices": [{
				"index": 0,
				"finish_reason": "tool_calls",
				"message": {
					"role": "assistant",
					"tool_calls": [{
						"id": "call-1",
						"type": "function",
						"function": {"name": "person", "arguments": "{\"name\":\"Jason\",\"age\":25}"}
					}]
				}
			}]
		}`))
	})

	resp, err := p.Completion(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "extract"}},
	})
	require.NoError(t, err)

	raw, err := extract.ParseResponse(resp, "person")
	require.NoError(t, err)
	payload, err := schema.ParsePayload(raw)
	require.NoError(t, err)
	_, isObject := payload.(map[string]any)
	assert.True(t, isObject, "tool call payload must decode to an object, not a string")

	s := schema.New("person", schema.NewObjectSchema().
		AddProperty("name", schema.NewStringSchema()).
		AddProperty("age", schema.NewIntegerSchema()).
		AddRequired("name", "age"))
	_, failures := schema.NewValidator().Validate(payload, s)
	assert.Empty(t, failures)
}

func TestStream_ToolCallArgumentFragments(t *testing.T) {
	// arguments stream as fragments of the JSON-encoded string
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"id":"s1","choices":[{"index":0,"delta":{"tool_calls":[{"id":"call-1","function":{"name":"person","arguments":"{\"name\":"}}]}}]}` + "\n"))
		w.Write([]byte(`data: {"id":"s1","choices":[{"index":0,"delta":{"tool_calls":[{"function":{"arguments":"\"Jason\"}"}}]}}]}` + "\n"))
		w.Write([]byte("data: [DONE]\n"))
	})

	ch, err := p.Stream(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}},
	})
	require.NoError(t, err)

	var args string
	for chunk := range ch {
		require.Nil(t, chunk.Err)
		for _, tc := range chunk.Delta.ToolCalls {
			args += string(tc.Arguments)
		}
	}
	assert.Equal(t, `{"name":"Jason"}`, args)
}

func TestCompletion_DefaultModel(t *testing.T) {
	var got providers.OpenAIRequest
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(providers.OpenAIResponse{})
	})

	_, err := p.Completion(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", got.Model)
}

func TestCompletion_ErrorMapping(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantCode      types.ErrorCode
		wantRetryable bool
	}{
		{
			name:     "unauthorized",
			status:   http.StatusUnauthorized,
			body:     `{"error":{"message":"bad key"}}`,
			wantCode: types.ErrUnauthorized,
		},
		{
			name:          "rate limited",
			status:        http.StatusTooManyRequests,
			body:          `{"error":{"message":"slow down"}}`,
			wantCode:      types.ErrRateLimited,
			wantRetryable: true,
		},
		{
			name:          "service unavailable",
			status:        http.StatusServiceUnavailable,
			body:          "down",
			wantCode:      types.ErrUpstreamError,
			wantRetryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			_, err := p.Completion(context.Background(), &llm.ChatRequest{
				Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}},
			})
			require.Error(t, err)
			terr := types.AsError(err)
			assert.Equal(t, tt.wantCode, terr.Code)
			assert.Equal(t, tt.wantRetryable, terr.Retryable)
			assert.Equal(t, "openai", terr.Provider)
		})
	}
}

func TestStream(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var got providers.OpenAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.True(t, got.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"id":"s1","choices":[{"index":0,"delta":{"content":"{\"a\":"}}]}` + "\n"))
		w.Write([]byte(`data: {"id":"s1","choices":[{"index":0,"delta":{"content":"1}"},"finish_reason":"stop"}]}` + "\n"))
		w.Write([]byte("data: [DONE]\n"))
	})

	ch, err := p.Stream(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}},
	})
	require.NoError(t, err)

	var content string
	for chunk := range ch {
		require.Nil(t, chunk.Err)
		content += chunk.Delta.Content
	}
	assert.Equal(t, `{"a":1}`, content)
}

func TestStream_HTTPError(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"slow down"}}`))
	})

	_, err := p.Stream(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}},
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrRateLimited, types.AsError(err).Code)
}

func TestCompletion_ContextCancelled(t *testing.T) {
	p := New(Config{APIKey: "k", BaseURL: "http://127.0.0.1:1"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Completion(ctx, &llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
