// Package openai implements the completion provider for the OpenAI chat
// completions API and any backend that speaks the same wire format.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/extractflow/llm"
	"github.com/BaSui01/extractflow/llm/providers"
	"github.com/BaSui01/extractflow/types"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 60 * time.Second
)

// Config holds the provider's connection settings.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
	// Organization is sent as the OpenAI-Organization header when set.
	Organization string
}

// Provider talks to an OpenAI-compatible chat completions endpoint.
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
		logger: logger.Named("openai"),
	}
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return "openai" }

// SupportsNativeToolCalling implements llm.Provider.
func (p *Provider) SupportsNativeToolCalling() bool { return true }

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

	var wire providers.OpenAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "decode response: "+err.Error()).
			WithRetryable(true).WithProvider(p.Name())
	}

	out := providers.ToChatResponse(wire, p.Name())
	out.CreatedAt = time.Unix(wire.Created, 0)
	return out, nil
}

// Stream implements llm.Provider.
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
	return providers.StreamSSE(ctx, resp.Body, p.Name()), nil
}

func (p *Provider) buildRequest(req *llm.ChatRequest, stream bool) providers.OpenAIRequest {
	body := providers.OpenAIRequest{
		Model:          providers.ChooseModel(req, p.cfg.Model, defaultModel),
		Messages:       providers.ConvertMessagesToOpenAI(req.Messages),
		MaxTokens:      req.MaxTokens,
		Temperature:    req.Temperature,
		TopP:           req.TopP,
		Stop:           req.Stop,
		Tools:          providers.ConvertToolsToOpenAI(req.Tools),
		ResponseFormat: providers.ConvertResponseFormatToOpenAI(req.ResponseFormat),
		Stream:         stream,
	}
	switch req.ToolChoice {
	case "", "auto", "none", "required":
		if req.ToolChoice != "" {
			body.ToolChoice = req.ToolChoice
		}
	default:
		// A bare name forces that specific tool.
		body.ToolChoice = map[string]any{
			"type":     "function",
			"function": map[string]string{"name": req.ToolChoice},
		}
	}
	return body
}

func (p *Provider) post(ctx context.Context, body providers.OpenAIRequest, stream bool) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "marshal request: "+err.Error()).
			WithProvider(p.Name())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.BaseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "build request: "+err.Error()).
			WithProvider(p.Name())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	if p.cfg.Organization != "" {
		httpReq.Header.Set("OpenAI-Organization", p.cfg.Organization)
	}
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("openai: %w", ctx.Err())
		}
		return nil, types.NewError(types.ErrProviderUnavailable, err.Error()).
			WithRetryable(true).WithProvider(p.Name()).WithCause(err)
	}
	return resp, nil
}
