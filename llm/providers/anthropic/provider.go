// Package anthropic implements the completion provider for the Anthropic
// messages API, including tool use and SSE streaming.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/extractflow/llm"
	"github.com/BaSui01/extractflow/llm/providers"
	"github.com/BaSui01/extractflow/types"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	defaultModel     = "claude-sonnet-4-20250514"
	defaultTimeout   = 60 * time.Second
	defaultMaxTokens = 4096
	apiVersion       = "2023-06-01"
)

// Config holds the provider's connection settings.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Provider talks to the Anthropic messages endpoint.
type Provider struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

var _ llm.Provider = (*Provider)(nil)

// New builds a Provider. A nil logger is replaced with a no-op one.
func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.Named("anthropic"),
	}
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return "anthropic" }

// SupportsNativeToolCalling implements llm.Provider.
func (p *Provider) SupportsNativeToolCalling() bool { return true }

// --- wire types ---

type wireContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	// tool_use blocks
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
	// tool_result blocks
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type wireMessage struct {
	Role    string        `json:"role"`
	Content []wireContent `json:"content"`
}

type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	System      string        `json:"system,omitempty"`
	Messages    []wireMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float32       `json:"temperature,omitempty"`
	TopP        float32       `json:"top_p,omitempty"`
	Stop        []string      `json:"stop_sequences,omitempty"`
	Tools       []wireTool    `json:"tools,omitempty"`
	ToolChoice  any           `json:"tool_choice,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type wireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type wireResponse struct {
	ID         string        `json:"id"`
	Model      string        `json:"model"`
	Content    []wireContent `json:"content"`
	StopReason string        `json:"stop_reason"`
	Usage      wireUsage     `json:"usage"`
}

// Completion implements llm.Provider.
func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	body := p.buildRequest(req, false)

	resp, err := p.post(ctx, body, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := providers.ReadErrorMessage(resp.Body)
		perr := providers.MapHTTPError(resp.StatusCode, msg, p.Name())
		p.logger.Warn("completion failed",
			zap.Int("status", resp.StatusCode),
			zap.String("code", string(perr.Code)))
		return nil, perr
	}

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "decode response: "+err.Error()).
			WithRetryable(true).WithProvider(p.Name())
	}
	return p.toChatResponse(wire), nil
}

func (p *Provider) toChatResponse(wire wireResponse) *llm.ChatResponse {
	msg := llm.Message{Role: llm.RoleAssistant}
	var text strings.Builder
	for _, block := range wire.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: block.Input,
			})
		}
	}
	msg.Content = text.String()

	return &llm.ChatResponse{
		ID:       wire.ID,
		Provider: p.Name(),
		Model:    wire.Model,
		Choices: []llm.ChatChoice{{
			Index:        0,
			FinishReason: mapStopReason(wire.StopReason),
			Message:      msg,
		}},
		Usage: llm.ChatUsage{
			PromptTokens:     wire.Usage.InputTokens,
			CompletionTokens: wire.Usage.OutputTokens,
			TotalTokens:      wire.Usage.InputTokens + wire.Usage.OutputTokens,
		},
		CreatedAt: time.Now(),
	}
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}

// Stream implements llm.Provider. Anthropic streams typed SSE events;
// text and tool argument deltas are forwarded as chunks.
func (p *Provider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	body := p.buildRequest(req, true)

	resp, err := p.post(ctx, body, true)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		msg := providers.ReadErrorMessage(resp.Body)
		resp.Body.Close()
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.Name())
	}

	ch := make(chan llm.StreamChunk)
	go p.streamEvents(ctx, resp.Body, ch)
	return ch, nil
}

type wireStreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	// content_block_start
	ContentBlock *wireContent `json:"content_block,omitempty"`
	// content_block_delta
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
		StopReason  string `json:"stop_reason,omitempty"`
	} `json:"delta"`
	Message *struct {
		ID    string    `json:"id"`
		Model string    `json:"model"`
		Usage wireUsage `json:"usage"`
	} `json:"message,omitempty"`
	Usage *wireUsage `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (p *Provider) streamEvents(ctx context.Context, body io.ReadCloser, ch chan<- llm.StreamChunk) {
	defer body.Close()
	defer close(ch)

	var (
		msgID       string
		model       string
		inputTokens int
		// tool_use block currently open, by stream index
		toolID   = map[int]string{}
		toolName = map[int]string{}
	)

	emit := func(chunk llm.StreamChunk) bool {
		chunk.ID = msgID
		chunk.Provider = p.Name()
		chunk.Model = model
		select {
		case <-ctx.Done():
			return false
		case ch <- chunk:
			return true
		}
	}

	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				emit(llm.StreamChunk{Err: &types.Error{
					Code: types.ErrUpstreamError, Message: err.Error(),
					HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name(),
				}})
			}
			return
		}
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		var event wireStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			emit(llm.StreamChunk{Err: &types.Error{
				Code: types.ErrUpstreamError, Message: err.Error(),
				HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name(),
			}})
			return
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				msgID = event.Message.ID
				model = event.Message.Model
				inputTokens = event.Message.Usage.InputTokens
			}
		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				toolID[event.Index] = event.ContentBlock.ID
				toolName[event.Index] = event.ContentBlock.Name
			}
		case "content_block_delta":
			chunk := llm.StreamChunk{Delta: llm.Message{Role: llm.RoleAssistant}}
			switch event.Delta.Type {
			case "text_delta":
				chunk.Delta.Content = event.Delta.Text
			case "input_json_delta":
				chunk.Delta.ToolCalls = []llm.ToolCall{{
					ID:        toolID[event.Index],
					Name:      toolName[event.Index],
					Arguments: json.RawMessage(event.Delta.PartialJSON),
				}}
			default:
				continue
			}
			if !emit(chunk) {
				return
			}
		case "message_delta":
			chunk := llm.StreamChunk{
				Delta:        llm.Message{Role: llm.RoleAssistant},
				FinishReason: mapStopReason(event.Delta.StopReason),
			}
			if event.Usage != nil {
				chunk.Usage = &llm.ChatUsage{
					PromptTokens:     inputTokens,
					CompletionTokens: event.Usage.OutputTokens,
					TotalTokens:      inputTokens + event.Usage.OutputTokens,
				}
			}
			if !emit(chunk) {
				return
			}
		case "message_stop":
			return
		case "error":
			msg := "stream error"
			if event.Error != nil {
				msg = event.Error.Message
			}
			emit(llm.StreamChunk{Err: &types.Error{
				Code: types.ErrUpstreamError, Message: msg,
				HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name(),
			}})
			return
		}
	}
}

func (p *Provider) buildRequest(req *llm.ChatRequest, stream bool) wireRequest {
	body := wireRequest{
		Model:       providers.ChooseModel(req, p.cfg.Model, defaultModel),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Stream:      stream,
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = defaultMaxTokens
	}

	// System messages become the top-level system field; everything else
	// becomes content blocks in strict user/assistant alternation.
	var system strings.Builder
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(m.Content)
		case llm.RoleTool:
			body.Messages = append(body.Messages, wireMessage{
				Role: "user",
				Content: []wireContent{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})
		case llm.RoleAssistant:
			wm := wireMessage{Role: "assistant"}
			if m.Content != "" {
				wm.Content = append(wm.Content, wireContent{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				wm.Content = append(wm.Content, wireContent{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: tc.Arguments,
				})
			}
			body.Messages = append(body.Messages, wm)
		default:
			body.Messages = append(body.Messages, wireMessage{
				Role:    "user",
				Content: []wireContent{{Type: "text", Text: m.Content}},
			})
		}
	}
	body.System = system.String()

	for _, t := range req.Tools {
		body.Tools = append(body.Tools, wireTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}
	switch req.ToolChoice {
	case "", "none":
	case "auto":
		body.ToolChoice = map[string]string{"type": "auto"}
	case "required":
		body.ToolChoice = map[string]string{"type": "any"}
	default:
		body.ToolChoice = map[string]string{"type": "tool", "name": req.ToolChoice}
	}
	return body
}

func (p *Provider) post(ctx context.Context, body wireRequest, stream bool) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "marshal request: "+err.Error()).
			WithProvider(p.Name())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.BaseURL+"/messages", bytes.NewReader(data))
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "build request: "+err.Error()).
			WithProvider(p.Name())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("anthropic: %w", ctx.Err())
		}
		return nil, types.NewError(types.ErrProviderUnavailable, err.Error()).
			WithRetryable(true).WithProvider(p.Name()).WithCause(err)
	}
	return resp, nil
}
