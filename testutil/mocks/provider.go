// MockProvider is a scriptable Provider implementation for tests.
//
// It supports fixed responses, per-call response sequences, scripted
// stream chunks, and error injection.
package mocks

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/BaSui01/extractflow/llm"
)

// Call records a single provider invocation.
type Call struct {
	Request  *llm.ChatRequest
	Response *llm.ChatResponse
	Error    error
}

// MockProvider is a mock implementation of llm.Provider.
type MockProvider struct {
	mu sync.RWMutex

	// response configuration
	responses    []*llm.ChatResponse // consumed one per call, last one repeats
	errs         []error             // aligned with responses; nil slots succeed
	streamChunks []llm.StreamChunk
	nativeTools  bool

	promptTokens     int
	completionTokens int

	calls          []Call
	callCount      int
	completionFunc func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)
	streamFunc     func(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error)
}

// NewMockProvider creates a MockProvider that answers every call with
// an empty assistant message until scripted otherwise.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		nativeTools:      true,
		promptTokens:     10,
		completionTokens: 20,
	}
}

// WithContent appends a plain-content response to the script.
func (m *MockProvider) WithContent(content string) *MockProvider {
	return m.WithResponse(ContentResponse(content))
}

// WithToolCall appends a response answering with one tool call carrying
// the given arguments.
func (m *MockProvider) WithToolCall(name string, arguments string) *MockProvider {
	return m.WithResponse(ToolCallResponse(name, arguments))
}

// WithResponse appends a full response to the script. Calls consume
// scripted responses in order; the last entry repeats once the script
// runs out.
func (m *MockProvider) WithResponse(resp *llm.ChatResponse) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, resp)
	m.errs = append(m.errs, nil)
	return m
}

// WithError appends a failing call to the script.
func (m *MockProvider) WithError(err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, nil)
	m.errs = append(m.errs, err)
	return m
}

// WithStreamChunks scripts the deltas Stream will emit, in order.
func (m *MockProvider) WithStreamChunks(deltas ...string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, delta := range deltas {
		chunk := llm.StreamChunk{
			ID:       "mock-chunk",
			Provider: "mock",
			Index:    i,
			Delta:    llm.Message{Role: llm.RoleAssistant, Content: delta},
		}
		if i == len(deltas)-1 {
			chunk.FinishReason = "stop"
		}
		m.streamChunks = append(m.streamChunks, chunk)
	}
	return m
}

// WithStreamError appends a transport-failure chunk to the stream script.
func (m *MockProvider) WithStreamError(chunk llm.StreamChunk) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamChunks = append(m.streamChunks, chunk)
	return m
}

// WithTokenUsage sets the usage stamped on every response.
func (m *MockProvider) WithTokenUsage(prompt, completion int) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.promptTokens = prompt
	m.completionTokens = completion
	return m
}

// WithoutNativeToolCalling makes the provider report no tool support.
func (m *MockProvider) WithoutNativeToolCalling() *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nativeTools = false
	return m
}

// WithCompletionFunc installs a custom Completion implementation.
func (m *MockProvider) WithCompletionFunc(fn func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completionFunc = fn
	return m
}

// WithStreamFunc installs a custom Stream implementation.
func (m *MockProvider) WithStreamFunc(fn func(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error)) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamFunc = fn
	return m
}

// --- Provider interface ---

func (m *MockProvider) Name() string { return "mock" }

func (m *MockProvider) SupportsNativeToolCalling() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nativeTools
}

// Completion answers with the next scripted response.
func (m *MockProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.callCount++

	if m.completionFunc != nil {
		resp, err := m.completionFunc(ctx, req)
		m.calls = append(m.calls, Call{Request: req, Response: resp, Error: err})
		return resp, err
	}

	resp, err := m.nextScripted()
	if err != nil {
		m.calls = append(m.calls, Call{Request: req, Error: err})
		return nil, err
	}
	resp.Model = req.Model
	resp.Usage = llm.ChatUsage{
		PromptTokens:     m.promptTokens,
		CompletionTokens: m.completionTokens,
		TotalTokens:      m.promptTokens + m.completionTokens,
	}
	m.calls = append(m.calls, Call{Request: req, Response: resp})
	return resp, nil
}

// Stream replays the scripted chunks.
func (m *MockProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.callCount++

	if m.streamFunc != nil {
		return m.streamFunc(ctx, req)
	}
	m.calls = append(m.calls, Call{Request: req})

	chunks := make([]llm.StreamChunk, len(m.streamChunks))
	copy(chunks, m.streamChunks)

	ch := make(chan llm.StreamChunk, len(chunks))
	go func() {
		defer close(ch)
		for _, chunk := range chunks {
			chunk.Model = req.Model
			select {
			case <-ctx.Done():
				return
			case ch <- chunk:
			}
		}
	}()
	return ch, nil
}

// nextScripted pops the next scripted answer; the last one repeats.
// Callers hold the lock.
func (m *MockProvider) nextScripted() (*llm.ChatResponse, error) {
	if len(m.responses) == 0 {
		return ContentResponse(""), nil
	}
	idx := m.callCount - 1
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	if m.errs[idx] != nil {
		return nil, m.errs[idx]
	}
	return cloneResponse(m.responses[idx]), nil
}

// --- inspection ---

// Calls returns a copy of the recorded invocations.
func (m *MockProvider) Calls() []Call {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Call{}, m.calls...)
}

// CallCount returns how many times the provider was invoked.
func (m *MockProvider) CallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.callCount
}

// LastCall returns the most recent invocation, or nil.
func (m *MockProvider) LastCall() *Call {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.calls) == 0 {
		return nil
	}
	call := m.calls[len(m.calls)-1]
	return &call
}

// Reset clears the call log. The response script is kept.
func (m *MockProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.callCount = 0
}

// --- response factories ---

// ContentResponse builds a plain assistant-content response.
func ContentResponse(content string) *llm.ChatResponse {
	return &llm.ChatResponse{
		ID:       "mock-response",
		Provider: "mock",
		Choices: []llm.ChatChoice{{
			FinishReason: "stop",
			Message:      llm.Message{Role: llm.RoleAssistant, Content: content},
		}},
		CreatedAt: time.Now(),
	}
}

// ToolCallResponse builds a response answering with a single tool call.
func ToolCallResponse(name, arguments string) *llm.ChatResponse {
	return &llm.ChatResponse{
		ID:       "mock-response",
		Provider: "mock",
		Choices: []llm.ChatChoice{{
			FinishReason: "tool_calls",
			Message: llm.Message{
				Role: llm.RoleAssistant,
				ToolCalls: []llm.ToolCall{{
					ID:        "call_0",
					Name:      name,
					Arguments: json.RawMessage(arguments),
				}},
			},
		}},
		CreatedAt: time.Now(),
	}
}

func cloneResponse(resp *llm.ChatResponse) *llm.ChatResponse {
	clone := *resp
	clone.Choices = append([]llm.ChatChoice{}, resp.Choices...)
	return &clone
}
