package gemini

import (
	"errors"
	"fmt"
)

// ErrEmptyResult is returned when the provider answers successfully but the
// payload carries no usable text. Not retried.
var ErrEmptyResult = errors.New("provider returned an empty result")

// TransportError wraps a network-level failure or an attempt timeout.
// Eligible for retry.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProviderError is a non-200 status or a malformed response body from the
// provider. Server-class (5xx) statuses are retried; everything else fails
// immediately.
type ProviderError struct {
	Status  int
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error (HTTP %d): %s", e.Status, e.Message)
}

// Retryable reports whether the error is worth another attempt: transport
// failures and 5xx provider responses only.
func Retryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Status >= 500
	}
	return false
}
