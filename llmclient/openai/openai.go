// Package openai is the engine's one concrete llmclient.Provider
// implementation, built on the sashabaranov/go-openai SDK so the request
// body and response parsing are handled by a maintained client rather than
// hand-rolled JSON, targeting OpenAI's chat-completions endpoint and any
// OpenAI-compatible endpoint (OpenRouter, a local gateway) reachable at the
// same URL shape.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openaisdk "github.com/sashabaranov/go-openai"

	"github.com/codesynth/codesynth/llmclient"
)

// Provider implements llmclient.Provider over the OpenAI chat-completions
// API.
type Provider struct {
	client             *openaisdk.Client
	defaultModel       string
	defaultMaxTokens   int
	defaultTemperature *float64
}

// Config configures a Provider.
type Config struct {
	APIKey       string
	BaseURL      string // empty uses the SDK default (https://api.openai.com/v1)
	DefaultModel string
	// MaxTokens and Temperature fill in a Request that leaves its own
	// field at the zero value; a Request setting it explicitly wins.
	MaxTokens   int
	Temperature *float64
}

// New constructs a Provider from Config.
func New(cfg Config) *Provider {
	sdkCfg := openaisdk.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		sdkCfg.BaseURL = cfg.BaseURL
	}
	return &Provider{
		client:             openaisdk.NewClientWithConfig(sdkCfg),
		defaultModel:       cfg.DefaultModel,
		defaultMaxTokens:   cfg.MaxTokens,
		defaultTemperature: cfg.Temperature,
	}
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return "openai" }

// Complete sends req to the chat-completions endpoint and classifies any
// error as a TransientError, RateLimitError, or FatalError.
func (p *Provider) Complete(ctx context.Context, req llmclient.Request) (*llmclient.Response, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.defaultMaxTokens
	}

	sdkReq := openaisdk.ChatCompletionRequest{
		Model:     model,
		Messages:  toSDKMessages(req.Messages),
		MaxTokens: maxTokens,
	}
	temperature := req.Temperature
	if temperature == nil {
		temperature = p.defaultTemperature
	}
	if temperature != nil {
		sdkReq.Temperature = float32(*temperature)
	}

	resp, err := p.client.CreateChatCompletion(ctx, sdkReq)
	if err != nil {
		return nil, classifyError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, llmclient.NewFatalError(fmt.Errorf("openai: response contained no choices"))
	}

	choice := resp.Choices[0]
	return &llmclient.Response{
		Content:      choice.Message.Content,
		Model:        resp.Model,
		FinishReason: string(choice.FinishReason),
		Usage: llmclient.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func toSDKMessages(messages []llmclient.Message) []openaisdk.ChatCompletionMessage {
	out := make([]openaisdk.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		out[i] = openaisdk.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

// classifyError maps an SDK error to Transient/RateLimit/Fatal following
// the status-code convention: 429 is rate-limited, 5xx is transient,
// everything else (4xx, malformed request, unknown) is fatal.
func classifyError(err error) error {
	var apiErr *openaisdk.APIError
	if !errors.As(err, &apiErr) {
		// Network-level failures (no HTTP response at all) are transient.
		return llmclient.NewTransientError(fmt.Errorf("openai request failed: %w", err))
	}

	wrapped := fmt.Errorf("openai API error (status %d): %s", apiErr.HTTPStatusCode, apiErr.Message)

	switch {
	case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
		return llmclient.NewRateLimitError(wrapped, "")
	case apiErr.HTTPStatusCode == http.StatusServiceUnavailable,
		apiErr.HTTPStatusCode == http.StatusBadGateway,
		apiErr.HTTPStatusCode == http.StatusGatewayTimeout:
		return llmclient.NewTransientError(wrapped)
	case apiErr.HTTPStatusCode >= 500:
		return llmclient.NewTransientError(wrapped)
	default:
		return llmclient.NewFatalError(wrapped)
	}
}
