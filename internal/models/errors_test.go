package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStageErrorClassification(t *testing.T) {
	base := errors.New("boom")

	transient := &StageError{Stage: "analyze", Kind: Transient, Err: base}
	wrapped := fmt.Errorf("run job: %w", transient)
	assert.False(t, IsTerminal(wrapped))
	assert.Equal(t, "analyze", FailedStage(wrapped))
	assert.ErrorIs(t, wrapped, base)

	terminal := &StageError{Stage: "transcode", Kind: Terminal, Err: base}
	assert.True(t, IsTerminal(terminal))
	assert.Equal(t, "transcode: boom", terminal.Error())

	assert.False(t, IsTerminal(base))
	assert.Empty(t, FailedStage(base))
}

func TestStatusForState(t *testing.T) {
	assert.Equal(t, StatusPending, StatusForState(StateQueued))
	assert.Equal(t, StatusPending, StatusForState(StateDelayed))
	assert.Equal(t, StatusProcessing, StatusForState(StateActive))
	assert.Equal(t, StatusDone, StatusForState(StateCompleted))
	assert.Equal(t, StatusError, StatusForState(StateFailed))
}

func TestValidationError(t *testing.T) {
	err := Validationf("filePath", "object %q does not exist", "u1/123_clip.webm")
	var ve *ValidationError
	assert.True(t, errors.As(err, &ve))
	assert.Equal(t, "filePath", ve.Field)
}
