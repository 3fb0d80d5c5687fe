package llm

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BaSui01/extractflow/types"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a single tool/function invocation emitted by the model.
// Arguments is the raw JSON argument blob as produced by the backend.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message is one entry in a conversation.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolSchema describes a callable tool to the model. Parameters is a
// JSON Schema document.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ResponseFormat requests a constrained decoding mode from backends that
// support one. Type is "json_object" for plain JSON mode or "json_schema"
// for schema-constrained decoding, in which case Schema carries the
// JSON Schema document and Name labels it.
type ResponseFormat struct {
	Type   string          `json:"type"`
	Name   string          `json:"name,omitempty"`
	Schema json.RawMessage `json:"schema,omitempty"`
	Strict bool            `json:"strict,omitempty"`
}

// ChatRequest is one complete request to a completion backend. Requests
// are built fresh per attempt and never mutated after being sent.
type ChatRequest struct {
	TraceID        string            `json:"trace_id,omitempty"`
	Model          string            `json:"model"`
	Messages       []Message         `json:"messages"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	Temperature    float32           `json:"temperature,omitempty"`
	TopP           float32           `json:"top_p,omitempty"`
	Stop           []string          `json:"stop,omitempty"`
	Tools          []ToolSchema      `json:"tools,omitempty"`
	ToolChoice     string            `json:"tool_choice,omitempty"` // auto/none/<tool name>
	ResponseFormat *ResponseFormat   `json:"response_format,omitempty"`
	Timeout        time.Duration     `json:"timeout,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Clone returns a shallow copy of the request with its message slice
// copied, so reask attempts can append without touching prior attempts.
func (r *ChatRequest) Clone() *ChatRequest {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Messages = make([]Message, len(r.Messages))
	copy(cp.Messages, r.Messages)
	return &cp
}

// ChatUsage reports token accounting for a completed request.
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// ChatChoice is one completion alternative.
type ChatChoice struct {
	Index        int     `json:"index"`
	FinishReason string  `json:"finish_reason,omitempty"`
	Message      Message `json:"message"`
}

// ChatResponse is the complete, non-streaming response shape.
type ChatResponse struct {
	ID        string       `json:"id,omitempty"`
	Provider  string       `json:"provider,omitempty"`
	Model     string       `json:"model"`
	Choices   []ChatChoice `json:"choices"`
	Usage     ChatUsage    `json:"usage,omitempty"`
	CreatedAt time.Time    `json:"created_at,omitempty"`
}

// StreamChunk is one incremental delta of a streaming response. The final
// chunk may carry Usage; a transport failure mid-stream is delivered as a
// chunk with Err set, after which the channel closes.
type StreamChunk struct {
	ID           string       `json:"id,omitempty"`
	Provider     string       `json:"provider,omitempty"`
	Model        string       `json:"model,omitempty"`
	Index        int          `json:"index,omitempty"`
	Delta        Message      `json:"delta"`
	FinishReason string       `json:"finish_reason,omitempty"`
	Usage        *ChatUsage   `json:"usage,omitempty"`
	Err          *types.Error `json:"error,omitempty"`
}

// Provider is the narrow contract the extraction pipeline consumes.
//
// Completion blocks until the backend returns a full response; Stream
// returns a single-pass, ordered channel of deltas that is closed when
// the stream terminates. Both honor context cancellation. Implementations
// must not retry internally: transport faults surface as errors (or an
// Err chunk) and the retry controller owns the attempt budget.
type Provider interface {
	// Completion performs a blocking chat completion.
	Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Stream performs a streaming chat completion. The returned channel
	// is closed when the stream ends, normally or not.
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)

	// Name returns the provider's unique identifier.
	Name() string

	// SupportsNativeToolCalling reports whether the backend accepts the
	// Tools field. Tool-call extraction mode requires true; the pipeline
	// falls back to freeform instructions otherwise.
	SupportsNativeToolCalling() bool
}
