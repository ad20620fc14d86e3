// Package llmclient is the engine's LLM transport boundary: a small,
// provider-agnostic client with retry and error classification, and a
// single concrete provider (llmclient/openai) behind it. Everything above
// this package — planning, sub-planning, worker dispatch — talks only to
// the Client/Provider interfaces; which model or vendor answers a given
// Complete call is deliberately out of scope for the orchestration logic
// itself.
package llmclient

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
)

// Message represents a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request defines an LLM completion request. Model, Temperature, and
// MaxTokens are all optional; a zero value means "use the provider's
// configured default."
type Request struct {
	Messages    []Message
	Model       string
	Temperature *float64
	MaxTokens   int
}

// TokenUsage reports token consumption for one call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the result of a completion call.
type Response struct {
	RequestID    string
	Content      string
	Model        string
	Usage        TokenUsage
	FinishReason string
}

// Client validates requests, retries transient failures with exponential
// backoff, and gives up immediately on fatal ones.
type Client struct {
	provider    Provider
	retryConfig RetryConfig
	logger      *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithRetryConfig overrides the default retry configuration.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(c *Client) { c.retryConfig = cfg }
}

// WithLogger overrides the default slog.Logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient constructs a Client over the given Provider.
func NewClient(provider Provider, opts ...Option) *Client {
	c := &Client{
		provider:    provider,
		retryConfig: DefaultRetryConfig(),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete sends req to the configured provider, retrying transient
// failures (including rate limits) with exponential backoff and giving up
// immediately on a FatalError.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("at least one message is required")
	}

	requestID := uuid.New().String()

	var lastErr error
	for attempt := 1; attempt <= c.retryConfig.MaxAttempts; attempt++ {
		resp, err := c.provider.Complete(ctx, req)
		if err == nil {
			resp.RequestID = requestID
			return resp, nil
		}

		lastErr = err

		if IsFatal(err) {
			c.logger.Warn("llm: fatal error, not retrying",
				"provider", c.provider.Name(), "error", err)
			return nil, err
		}

		if attempt < c.retryConfig.MaxAttempts {
			backoff := c.calculateBackoff(attempt)
			c.logger.Debug("llm: request failed, retrying",
				"provider", c.provider.Name(),
				"attempt", attempt,
				"max_attempts", c.retryConfig.MaxAttempts,
				"backoff", backoff,
				"rate_limited", IsRateLimited(err),
				"error", err)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return nil, fmt.Errorf("llm request failed after %d attempts: %w", c.retryConfig.MaxAttempts, lastErr)
}

// calculateBackoff computes exponential backoff duration with jitter.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= c.retryConfig.BackoffMultiplier
	}

	backoff := time.Duration(float64(c.retryConfig.BackoffBase) * multiplier)
	if backoff > c.retryConfig.MaxBackoff {
		backoff = c.retryConfig.MaxBackoff
	}

	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}
