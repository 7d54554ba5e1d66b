package errors

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name   string
		err    *AppError
		is     func(error) bool
		status int
		code   string
	}{
		{"generation failure", NewGenerationFailure("upstream down", io.EOF), IsGenerationFailure, http.StatusBadGateway, "GENERATION_FAILED"},
		{"malformed reply", NewMalformedReply("one choice", nil), IsMalformedReply, http.StatusBadGateway, "MALFORMED_GENERATION_REPLY"},
		{"invalid selection", NewInvalidSelection("index 9", nil), IsInvalidSelection, http.StatusBadRequest, "INVALID_SELECTION"},
		{"invalid configuration", NewInvalidConfiguration("max turns 2", nil), IsInvalidConfiguration, http.StatusBadRequest, "INVALID_CONFIGURATION"},
		{"session not found", NewSessionNotFound("abc", nil), IsSessionNotFound, http.StatusNotFound, "SESSION_NOT_FOUND"},
		{"session concluded", NewSessionConcluded("abc"), IsSessionConcluded, http.StatusBadRequest, "SESSION_ALREADY_CONCLUDED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.True(t, tt.is(wrapped))
			assert.Equal(t, tt.status, tt.err.HTTPStatus())
			assert.Equal(t, tt.code, tt.err.Code)
		})
	}
}

func TestGenerationFailureDeadlineIsTimeout(t *testing.T) {
	err := NewGenerationFailure("slow", context.DeadlineExceeded)

	assert.True(t, IsTimeoutError(err))
	assert.False(t, IsGenerationFailure(err))
	assert.Equal(t, http.StatusGatewayTimeout, err.HTTPStatus())
}

func TestWrapErrorKeepsType(t *testing.T) {
	err := WrapError(NewSessionConcluded("s1"), "advance", ErrorTypeError)

	assert.True(t, IsSessionConcluded(err))
	assert.Contains(t, err.Error(), "advance")
	assert.Nil(t, WrapError(nil, "x", ErrorTypeError))
	assert.Equal(t, ErrorTypeError, TypeOf(WrapError(io.EOF, "read", ErrorTypeError)))
}
