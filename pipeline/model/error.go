package model

import (
	"errors"
	"fmt"
)

// ProviderError is the common upstream-error currency produced by adapters.
//
// Adapters translate SDK-specific error types into ProviderError so the
// resilient client can classify outcomes (rate limited, transient, fatal)
// without per-provider branching.
type ProviderError struct {
	// Provider names the upstream ("anthropic", "openai", "google").
	Provider string

	// StatusCode is the HTTP status of the failed call, or 0 when the
	// failure never reached the HTTP layer (network error, stall).
	StatusCode int

	// Type is the provider's error type string when available
	// (e.g. "rate_limit_error", "overloaded_error").
	Type string

	// Message is the human-readable error description.
	Message string

	// Cause is the underlying SDK or transport error.
	Cause error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %d %s: %s", e.Provider, e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Type, e.Message)
}

// Unwrap returns the underlying cause for errors.Is / errors.As support.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// RateLimited reports whether the error is a rate-limit outcome.
// Rate limits are handled by credential rotation, not backoff.
func (e *ProviderError) RateLimited() bool {
	return e.StatusCode == 429 || e.Type == "rate_limit_error"
}

// Transient reports whether the error is a retriable server-side failure.
func (e *ProviderError) Transient() bool {
	if e.StatusCode >= 500 {
		return true
	}
	// 408 and provider overload markers behave like 5xx for retry purposes.
	return e.StatusCode == 408 || e.Type == "overloaded_error"
}

// Fatal reports whether the error is a non-retriable client error
// (4xx other than rate limit or request timeout).
func (e *ProviderError) Fatal() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && !e.RateLimited() && e.StatusCode != 408
}

// AsProviderError extracts a *ProviderError from an error chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
