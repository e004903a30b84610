package persistence

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExecutionError_WrapsSentinel(t *testing.T) {
	err := NewExecutionError("GetByID", "t1", ErrExecutionNotFound)

	assert.True(t, errors.Is(err, ErrExecutionNotFound))
	assert.True(t, IsExecutionNotFound(err))
	assert.Contains(t, err.Error(), "GetByID")
	assert.Contains(t, err.Error(), "t1")
}

func TestExecutionError_UnwrapsUnderlying(t *testing.T) {
	underlying := errors.New("disk full")
	err := NewExecutionError("Save", "t1", fmt.Errorf("write failed: %w", underlying))

	assert.True(t, errors.Is(err, underlying))
	assert.False(t, IsExecutionNotFound(err))
}
