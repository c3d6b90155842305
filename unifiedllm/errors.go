package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SDKError carries a message and an optional cause. Every error type in
// this package embeds it.
type SDKError struct {
	Message string
	Cause   error
}

func (e *SDKError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *SDKError) Unwrap() error { return e.Cause }

// ProviderError is a failure reported by a provider's API. StatusCode is
// zero when the provider did not expose one.
type ProviderError struct {
	SDKError
	Provider   string
	StatusCode int
	Retryable  bool

	// RetryAfter is the server's requested wait, zero when absent.
	RetryAfter time.Duration
}

func (e *ProviderError) Error() string {
	if e.StatusCode == 0 {
		return e.Provider + ": " + e.Message
	}
	return fmt.Sprintf("%s: %s (HTTP %d)", e.Provider, e.Message, e.StatusCode)
}

func (e *ProviderError) retryable() bool { return e.Retryable }

type (
	AuthenticationError struct{ ProviderError }
	AccessDeniedError   struct{ ProviderError }
	NotFoundError       struct{ ProviderError }
	InvalidRequestError struct{ ProviderError }
	ContextLengthError  struct{ ProviderError }
	ContentFilterError  struct{ ProviderError }
	RateLimitError      struct{ ProviderError }
	ServerError         struct{ ProviderError }
)

func (*AuthenticationError) retryable() bool { return false }
func (*AccessDeniedError) retryable() bool { return false }
func (*NotFoundError) retryable() bool { return false }
func (*InvalidRequestError) retryable() bool { return false }
func (*ContextLengthError) retryable() bool { return false }
func (*ContentFilterError) retryable() bool { return false }
func (*RateLimitError) retryable() bool { return true }
func (*ServerError) retryable() bool { return true }

// Failures that did not come from a provider response.
type (
	RequestTimeoutError struct{ SDKError }
	NetworkError        struct{ SDKError }
	StreamErrorType     struct{ SDKError }
	AbortError          struct{ SDKError }
	ConfigurationError  struct{ SDKError }
)

func (*RequestTimeoutError) retryable() bool { return true }
func (*NetworkError) retryable() bool { return true }
func (*StreamErrorType) retryable() bool { return true }
func (*AbortError) retryable() bool { return false }
func (*ConfigurationError) retryable() bool { return false }

// NewStatusError classifies an HTTP failure from provider. Unknown 4xx
// codes are permanent; anything else unknown is retryable.
func NewStatusError(provider string, status int, message string, retryAfter time.Duration) error {
	pe := ProviderError{
		SDKError:   SDKError{Message: message},
		Provider:   provider,
		StatusCode: status,
		RetryAfter: retryAfter,
	}
	switch status {
	case 400, 422:
		return &InvalidRequestError{pe}
	case 401:
		return &AuthenticationError{pe}
	case 403:
		return &AccessDeniedError{pe}
	case 404:
		return &NotFoundError{pe}
	case 408:
		return &RequestTimeoutError{SDKError{Message: fmt.Sprintf("%s: %s", provider, message)}}
	case 413:
		return &ContextLengthError{pe}
	case 429:
		pe.Retryable = true
		return &RateLimitError{pe}
	}
	pe.Retryable = status >= 500 || status < 400
	if status >= 500 {
		return &ServerError{pe}
	}
	return &pe
}

// IsRetryable reports whether a request that failed with err may be sent
// again. Cancellation never is; errors from outside this package are
// assumed transient.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var r interface{ retryable() bool }
	if errors.As(err, &r) {
		return r.retryable()
	}
	return true
}

// retryAfter returns the server-requested delay carried by err, if any.
func retryAfter(err error) time.Duration {
	var pe interface{ retryAfter() time.Duration }
	if errors.As(err, &pe) {
		return pe.retryAfter()
	}
	return 0
}

func (e *ProviderError) retryAfter() time.Duration { return e.RetryAfter }
