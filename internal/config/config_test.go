package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "audio-processing-queue", cfg.QueueName)
	assert.Equal(t, []string{"high", "default", "low"}, cfg.PriorityQueues)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 2*time.Minute, cfg.VisibilityTimeout)
	assert.Equal(t, "default", cfg.DefaultPriority())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PRIORITY_QUEUES", "urgent,bulk")
	t.Setenv("MAX_ATTEMPTS", "7")
	t.Setenv("VISIBILITY_TIMEOUT", "45s")
	t.Setenv("STORAGE_BACKEND", "local")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"urgent", "bulk"}, cfg.PriorityQueues)
	assert.Equal(t, 7, cfg.MaxAttempts)
	assert.Equal(t, 45*time.Second, cfg.VisibilityTimeout)
	assert.Equal(t, "bulk", cfg.DefaultPriority())
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("MAX_ATTEMPTS", "0")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "ftp")
	_, err := Load()
	require.ErrorContains(t, err, "STORAGE_BACKEND")
}
