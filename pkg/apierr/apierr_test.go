package apierr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Error_IncludesCauseWhenPresent(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(Internal, "failed to write task", cause)

	assert.Contains(t, err.Error(), "Internal")
	assert.Contains(t, err.Error(), "failed to write task")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(NotFound, "task missing", cause)

	assert.ErrorIs(t, err, cause)
}

func TestCodeOf_UnwrapsThroughFmtErrorf(t *testing.T) {
	base := New(StateConflict, "illegal transition")
	wrapped := fmt.Errorf("transition rejected: %w", base)

	assert.Equal(t, StateConflict, CodeOf(wrapped))
}

func TestCodeOf_DefaultsToInternalForUnclassifiedError(t *testing.T) {
	assert.Equal(t, Internal, CodeOf(errors.New("plain error")))
}

func TestNewf_FormatsMessage(t *testing.T) {
	err := Newf(InvalidArgument, "field %q is required", "repo_url")

	assert.Equal(t, "field \"repo_url\" is required", err.Message)
}
