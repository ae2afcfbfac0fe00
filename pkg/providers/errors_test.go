package providers

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeNetError struct{ timeout bool }

func (e *fakeNetError) Error() string   { return "net down" }
func (e *fakeNetError) Timeout() bool   { return e.timeout }
func (e *fakeNetError) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ErrorKindUnknown},
		{"deadline", context.DeadlineExceeded, ErrorKindTimeout},
		{"canceled", context.Canceled, ErrorKindTimeout},
		{"wrapped deadline", fmt.Errorf("call failed: %w", context.DeadlineExceeded), ErrorKindTimeout},
		{"net timeout", &fakeNetError{timeout: true}, ErrorKindTimeout},
		{"net other", &fakeNetError{}, ErrorKindNetwork},
		{"classified", NewProviderError(ErrorKindRateLimit, "m", "429", nil), ErrorKindRateLimit},
		{"wrapped classified", fmt.Errorf("outer: %w", NewProviderError(ErrorKindAuth, "m", "401", nil)), ErrorKindAuth},
		{"opaque", errors.New("boom"), ErrorKindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestErrorKind_Retryable(t *testing.T) {
	assert.False(t, ErrorKindAuth.Retryable())
	assert.False(t, ErrorKindQuotaExceeded.Retryable())
	assert.True(t, ErrorKindTimeout.Retryable())
	assert.True(t, ErrorKindRateLimit.Retryable())
	assert.True(t, ErrorKindUnknown.Retryable())
}

func TestProviderError_Unwrap(t *testing.T) {
	inner := errors.New("inner")
	err := NewProviderError(ErrorKindNetwork, "m", "conn reset", inner)
	assert.True(t, errors.Is(err, inner))
	assert.Contains(t, err.Error(), "model m")
}
