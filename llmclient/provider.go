package llmclient

import "context"

// Provider performs the actual network call for one concrete LLM backend.
// Client wraps a Provider with request validation, retry, and error
// classification; tests substitute llmtest's scripted provider.
type Provider interface {
	// Name identifies the provider (e.g. "openai").
	Name() string

	// Complete sends req to the backend and returns its raw response. Errors
	// must already be classified as TransientError, FatalError, or
	// RateLimitError so Client's retry loop can make a correct decision.
	Complete(ctx context.Context, req Request) (*Response, error)
}
