package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindHelpersSeeThroughWrapping(t *testing.T) {
	base := NewNotFoundError("SESSION_NOT_FOUND", "session not found")
	wrapped := fmt.Errorf("load session: %w", base)

	assert.True(t, IsNotFound(wrapped))
	assert.False(t, IsTransient(wrapped))
	assert.Equal(t, http.StatusNotFound, GetStatusCode(wrapped))
	assert.Equal(t, "SESSION_NOT_FOUND", GetErrorCode(wrapped))
	assert.True(t, Is(wrapped, NewNotFoundError("SESSION_NOT_FOUND", "")))
}

func TestTransientErrorUnwrapsCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := NewTransientError("STORE_UNAVAILABLE", "store unavailable", cause)

	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestFromErrorWrapsPlainErrors(t *testing.T) {
	appErr := FromError(fmt.Errorf("boom"))

	assert.Equal(t, KindInternal, appErr.Kind)
	assert.Equal(t, http.StatusInternalServerError, appErr.StatusCode)
	assert.Nil(t, FromError(nil))
	assert.False(t, IsValidation(nil))
}
