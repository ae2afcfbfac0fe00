package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies a failed provider attempt. These kinds are consumed by
// the orchestrator and never surfaced directly to callers.
type ErrorKind string

const (
	ErrorKindTimeout          ErrorKind = "timeout"
	ErrorKindRateLimit        ErrorKind = "rate_limit"
	ErrorKindQuotaExceeded    ErrorKind = "quota_exceeded"
	ErrorKindAuth             ErrorKind = "auth"
	ErrorKindNetwork          ErrorKind = "network"
	ErrorKindModelUnavailable ErrorKind = "model_unavailable"
	ErrorKindLowConfidence    ErrorKind = "low_confidence"
	ErrorKindInvalidResponse  ErrorKind = "invalid_response"
	ErrorKindUnknown          ErrorKind = "unknown"
)

// ProviderError wraps a failed attempt with its classification.
type ProviderError struct {
	Kind    ErrorKind
	Model   string
	Message string
	Err     error
}

func (e *ProviderError) Error() string {
	if e.Model != "" {
		return fmt.Sprintf("provider error (%s) on model %s: %s", e.Kind, e.Model, e.Message)
	}
	return fmt.Sprintf("provider error (%s): %s", e.Kind, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError builds a classified provider error.
func NewProviderError(kind ErrorKind, model, message string, err error) *ProviderError {
	return &ProviderError{Kind: kind, Model: model, Message: message, Err: err}
}

// Retryable reports whether the next model in the chain is worth trying after
// this kind of failure. Auth and quota failures are terminal for the provider
// but the chain may still hold models from other providers, so only nil errors
// stop the walk; Retryable informs backoff, not chain termination.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorKindAuth, ErrorKindQuotaExceeded:
		return false
	default:
		return true
	}
}

// Classify maps an arbitrary error from a provider call to an ErrorKind.
// Already-classified errors pass through unchanged.
func Classify(err error) ErrorKind {
	if err == nil {
		return ErrorKindUnknown
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorKindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ErrorKindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorKindTimeout
		}
		return ErrorKindNetwork
	}

	return ErrorKindUnknown
}
