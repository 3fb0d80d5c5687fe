package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/extractflow/llm"
	"github.com/BaSui01/extractflow/types"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{APIKey: "test-key", BaseURL: srv.URL}, zaptest.NewLogger(t))
}

func TestCompletion_TextResponse(t *testing.T) {
	var got wireRequest
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, apiVersion, r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		json.NewEncoder(w).Encode(wireResponse{
			ID:         "msg-1",
			Model:      "claude-sonnet-4-20250514",
			Content:    []wireContent{{Type: "text", Text: `{"name":"Ada"}`}},
			StopReason: "end_turn",
			Usage:      wireUsage{InputTokens: 12, OutputTokens: 8},
		})
	})

	resp, err := p.Completion(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "respond with JSON"},
			{Role: llm.RoleUser, Content: "extract"},
		},
	})
	require.NoError(t, err)

	// system messages lift into the top-level field
	assert.Equal(t, "respond with JSON", got.System)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "user", got.Messages[0].Role)
	assert.Equal(t, defaultMaxTokens, got.MaxTokens)

	require.Len(t, resp.Choices, 1)
	assert.Equal(t, `{"name":"Ada"}`, resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.Equal(t, 20, resp.Usage.TotalTokens)
}

func TestCompletion_ToolUse(t *testing.T) {
	var got wireRequest
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(wireResponse{
			ID:    "msg-2",
			Model: "claude-sonnet-4-20250514",
			Content: []wireContent{{
				Type:  "tool_use",
				ID:    "toolu-1",
				Name:  "person",
				Input: json.RawMessage(`{"name":"Ada","age":36}`),
			}},
			StopReason: "tool_use",
		})
	})

	resp, err := p.Completion(context.Background(), &llm.ChatRequest{
		Messages:   []llm.Message{{Role: llm.RoleUser, Content: "extract"}},
		Tools:      []llm.ToolSchema{{Name: "person", Parameters: []byte(`{"type":"object"}`)}},
		ToolChoice: "person",
	})
	require.NoError(t, err)

	require.Len(t, got.Tools, 1)
	assert.Equal(t, "person", got.Tools[0].Name)
	choice, ok := got.ToolChoice.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "tool", choice["type"])
	assert.Equal(t, "person", choice["name"])

	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "tool_calls", resp.Choices[0].FinishReason)
	require.Len(t, resp.Choices[0].Message.ToolCalls, 1)
	assert.JSONEq(t, `{"name":"Ada","age":36}`, string(resp.Choices[0].Message.ToolCalls[0].Arguments))
}

func TestCompletion_ErrorMapping(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(529)
		w.Write([]byte(`{"error":{"message":"overloaded"}}`))
	})

	_, err := p.Completion(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}},
	})
	require.Error(t, err)
	terr := types.AsError(err)
	assert.Equal(t, types.ErrModelOverloaded, terr.Code)
	assert.True(t, terr.Retryable)
	assert.Equal(t, "anthropic", terr.Provider)
}

func TestStream_TextDeltas(t *testing.T) {
	events := []string{
		`data: {"type":"message_start","message":{"id":"msg-3","model":"claude-sonnet-4-20250514","usage":{"input_tokens":9}}}`,
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"{\"a\":"}}`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"1}"}}`,
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":5}}`,
		`data: {"type":"message_stop"}`,
	}
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range events {
			w.Write([]byte(ev + "\n"))
		}
	})

	ch, err := p.Stream(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}},
	})
	require.NoError(t, err)

	var (
		content string
		last    llm.StreamChunk
	)
	for chunk := range ch {
		require.Nil(t, chunk.Err)
		content += chunk.Delta.Content
		last = chunk
	}

	assert.Equal(t, `{"a":1}`, content)
	assert.Equal(t, "stop", last.FinishReason)
	require.NotNil(t, last.Usage)
	assert.Equal(t, 14, last.Usage.TotalTokens)
	assert.Equal(t, "msg-3", last.ID)
}

func TestStream_ToolArgumentDeltas(t *testing.T) {
	events := []string{
		`data: {"type":"message_start","message":{"id":"msg-4","model":"m","usage":{"input_tokens":1}}}`,
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu-9","name":"person"}}`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"name\":"}}`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"\"Ada\"}"}}`,
		`data: {"type":"message_stop"}`,
	}
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		for _, ev := range events {
			w.Write([]byte(ev + "\n"))
		}
	})

	ch, err := p.Stream(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}},
	})
	require.NoError(t, err)

	var args string
	for chunk := range ch {
		require.Nil(t, chunk.Err)
		for _, tc := range chunk.Delta.ToolCalls {
			assert.Equal(t, "toolu-9", tc.ID)
			assert.Equal(t, "person", tc.Name)
			args += string(tc.Arguments)
		}
	}
	assert.Equal(t, `{"name":"Ada"}`, args)
}

func TestStream_ErrorEvent(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`data: {"type":"error","error":{"type":"overloaded_error","message":"busy"}}` + "\n"))
	})

	ch, err := p.Stream(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}},
	})
	require.NoError(t, err)

	chunk, ok := <-ch
	require.True(t, ok)
	require.NotNil(t, chunk.Err)
	assert.Equal(t, "busy", chunk.Err.Message)
	assert.True(t, chunk.Err.Retryable)

	_, ok = <-ch
	assert.False(t, ok)
}

func TestBuildRequest_ToolResultRole(t *testing.T) {
	p := New(Config{APIKey: "k"}, nil)

	body := p.buildRequest(&llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "extract"},
			{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "toolu-1", Name: "person", Arguments: []byte(`{}`)}}},
			{Role: llm.RoleTool, ToolCallID: "toolu-1", Content: "not valid"},
		},
	}, false)

	require.Len(t, body.Messages, 3)
	assert.Equal(t, "assistant", body.Messages[1].Role)
	assert.Equal(t, "tool_use", body.Messages[1].Content[0].Type)
	assert.Equal(t, "user", body.Messages[2].Role)
	assert.Equal(t, "tool_result", body.Messages[2].Content[0].Type)
	assert.Equal(t, "toolu-1", body.Messages[2].Content[0].ToolUseID)
}
