package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAPIError_Error(t *testing.T) {
	err := NewAPIError("backend", 403, "forbidden")
	assert.Contains(t, err.Error(), "backend")
	assert.Contains(t, err.Error(), "403")
	assert.Contains(t, err.Error(), "forbidden")
}

func TestAPIError_WithWrapped(t *testing.T) {
	inner := errors.New("connection refused")
	err := &APIError{Service: "backend", StatusCode: 500, Message: "fail", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewAPIError("backend", 429, "rate limit")))
	assert.True(t, IsRetryable(NewAPIError("backend", 502, "bad gateway")))
	assert.True(t, IsRetryable(NewAPIError("backend", 503, "unavailable")))
	assert.True(t, IsRetryable(ErrTimeout))
	assert.True(t, IsRetryable(fmt.Errorf("wrapped: %w", ErrUnavailable)))

	assert.False(t, IsRetryable(NewAPIError("backend", 401, "unauth")))
	assert.False(t, IsRetryable(NewAPIError("backend", 404, "not found")))
	assert.False(t, IsRetryable(ErrAuthFailure))
	assert.False(t, IsRetryable(ErrEmptyInput))
}

func TestIsAuth(t *testing.T) {
	assert.True(t, IsAuth(ErrAuthFailure))
	assert.True(t, IsAuth(NewAPIError("backend", 401, "unauthorized")))
	assert.True(t, IsAuth(fmt.Errorf("subscribe: %w", NewAPIError("backend", 403, "forbidden"))))
	assert.False(t, IsAuth(NewAPIError("backend", 500, "boom")))
	assert.False(t, IsAuth(ErrTimeout))
}
