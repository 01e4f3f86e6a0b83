package shared

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDomainError_IsMatchesKind(t *testing.T) {
	assert.ErrorIs(t, ErrQueueFull, ErrCapacity)
	assert.True(t, IsCapacity(fmt.Errorf("submit: %w", ErrQueueFull)))
	assert.True(t, IsValidation(ErrMissingSession))
	assert.True(t, IsValidation(ErrInvalidEvent))
	assert.False(t, IsValidation(ErrPipelineStopped))
	assert.False(t, IsCapacity(ErrInvalidEvent))
}

func TestWrapError(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := WrapError("checkpoint", "Save", ErrServiceUnavailable, "redis unreachable", cause)

	assert.Equal(t, "checkpoint.Save: redis unreachable: dial tcp: refused", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsRetryable(err))
	assert.False(t, IsValidation(err))
}
