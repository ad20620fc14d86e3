package llmclient

import "errors"

// TransientError represents a temporary error that may succeed on retry.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string {
	return e.err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.err
}

// NewTransientError wraps an error as transient (retryable).
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// FatalError represents a permanent error that should not be retried.
type FatalError struct {
	err error
}

func (e *FatalError) Error() string {
	return e.err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.err
}

// NewFatalError wraps an error as fatal (non-retryable).
func NewFatalError(err error) error {
	return &FatalError{err: err}
}

// RateLimitError is a TransientError with a distinguishable signal: callers
// that want to back off harder on rate limiting rather than treat it like
// any other transient failure can test for it with IsRateLimited.
type RateLimitError struct {
	TransientError
	RetryAfter string
}

// NewRateLimitError wraps err as a rate-limited transient error. retryAfter
// is the provider's Retry-After header value, if any, passed through
// unparsed.
func NewRateLimitError(err error, retryAfter string) error {
	return &RateLimitError{TransientError: TransientError{err: err}, RetryAfter: retryAfter}
}

// IsTransient returns true if the error is transient and should be retried.
func IsTransient(err error) bool {
	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	var rateLimit *RateLimitError
	return errors.As(err, &rateLimit)
}

// IsFatal returns true if the error is fatal and should not be retried.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// IsRateLimited returns true if the error specifically signals that the
// provider rate-limited the request, distinct from other transient
// failures (network errors, 5xx).
func IsRateLimited(err error) bool {
	var rateLimit *RateLimitError
	return errors.As(err, &rateLimit)
}
