package analysis

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/genai"

	"recording-pipeline/internal/models"
)

func TestParseResponse(t *testing.T) {
	a := ParseResponse("```json\n{\"transcript\":\"hello there\",\"summary\":\"a greeting\",\"language\":\"en\"}\n```")
	assert.Equal(t, "hello there", a.Transcript)
	assert.Equal(t, "a greeting", a.Summary)
	assert.Equal(t, "en", a.Language)

	a = ParseResponse("just words")
	assert.Equal(t, "just words", a.Transcript)
	assert.Empty(t, a.Summary)
}

func TestClassify(t *testing.T) {
	bad := classify(fmt.Errorf("generate: %w", genai.APIError{Code: 400, Message: "unsupported audio"}))
	assert.True(t, models.IsTerminal(bad))

	throttled := classify(fmt.Errorf("generate: %w", genai.APIError{Code: 429, Message: "quota"}))
	assert.False(t, models.IsTerminal(throttled))

	server := classify(genai.APIError{Code: 503})
	assert.False(t, models.IsTerminal(server))

	timeout := classify(context.DeadlineExceeded)
	assert.False(t, models.IsTerminal(timeout))
	assert.True(t, errors.Is(timeout, context.DeadlineExceeded))
}

func TestNewGeminiRequiresKey(t *testing.T) {
	_, err := NewGemini(context.Background(), "", "gemini-2.5-flash")
	assert.Error(t, err)
}
