package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("Registry.Resolve", ErrProviderNotFound, "cohere")
	want := "Registry.Resolve: cohere: provider not supported"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("ChatRequest.Validate", ErrMessageRequired, "")
	want := "ChatRequest.Validate: message required"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("Registry.Resolve", ErrProviderNotFound, "x")
	if !errors.Is(err, ErrProviderNotFound) {
		t.Error("errors.Is should match ErrProviderNotFound")
	}
	var de *DomainError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "Registry.Resolve", de.Op)
	assert.Equal(t, CodeProviderNotFound, de.Code())
}

func TestWrapOp(t *testing.T) {
	assert.NoError(t, WrapOp("op", nil))
	err := WrapOp("Streamer.Connect", ErrTransport)
	assert.EqualError(t, err, "Streamer.Connect: API request failed")
	assert.True(t, errors.Is(err, ErrTransport))
}

func TestProviderError(t *testing.T) {
	err := &ProviderError{StatusCode: 429, Body: "slow down", Err: ErrRateLimit}
	assert.Equal(t, "API returned error: 429: slow down", err.Error())
	assert.True(t, errors.Is(err, ErrRateLimit))
	assert.Equal(t, CodeRateLimit, ErrorCodeOf(err))

	plain := &ProviderError{StatusCode: 500}
	assert.Equal(t, "API returned error: 500", plain.Error())
	assert.True(t, errors.Is(plain, ErrProviderError))
	assert.Equal(t, CodeProviderError, ErrorCodeOf(plain))
}

func TestErrorCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, CodeUnknown},
		{"direct", ErrPollTimeout, CodePollTimeout},
		{"wrapped", fmt.Errorf("x: %w", ErrAPIKeyRequired), CodeAPIKeyRequired},
		{"domain error", NewDomainError("op", ErrMessageRequired, ""), CodeMessageRequired},
		{"circuit open beats transport", fmt.Errorf("%w: %w", ErrTransport, ErrCircuitOpen), CodeCircuitOpen},
		{"unknown", errors.New("boom"), CodeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorCodeOf(tt.err))
		})
	}
}

func TestErrorCodeMapComplete(t *testing.T) {
	for _, sentinel := range specificity {
		_, ok := errorCodeMap[sentinel]
		assert.True(t, ok, "sentinel %q has no code", sentinel)
	}
}

func TestIsRetryableError(t *testing.T) {
	assert.True(t, IsRetryableError(fmt.Errorf("x: %w", ErrTransport)))
	assert.True(t, IsRetryableError(&ProviderError{StatusCode: 429, Err: ErrRateLimit}))
	assert.False(t, IsRetryableError(ErrAPIKeyRequired))
	assert.False(t, IsRetryableError(fmt.Errorf("%w: relay returned status 400", ErrInvalidInput)))
	assert.False(t, IsRetryableError(&ProviderError{StatusCode: 200, Body: "Overloaded"}))
}
