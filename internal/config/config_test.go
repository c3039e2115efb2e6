package config_test

import (
	"testing"

	"github.com/inferlab/slabrun/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, config.DefaultSubmissionQueueCapacity, cfg.SubmissionQueueCapacity)
	assert.Equal(t, int64(config.DefaultBackendAdmissionCapacity), cfg.DefaultBackendCapacity)
	assert.Empty(t, cfg.Backends)
}

func TestValidate_RejectsBadTunables(t *testing.T) {
	cfg := config.DefaultConfig().WithSubmissionQueueCapacity(0)
	assert.Error(t, cfg.Validate())

	cfg = config.DefaultConfig().WithDefaultBackendCapacity(-1)
	assert.Error(t, cfg.Validate())

	cfg = config.DefaultConfig().WithBackend("", 4)
	assert.Error(t, cfg.Validate())

	cfg = config.DefaultConfig().WithBackend("llm", -1)
	assert.Error(t, cfg.Validate())
}

func TestWithBackend_ReplacesExistingEntry(t *testing.T) {
	cfg := config.DefaultConfig().WithBackend("llm", 4).WithBackend("llm", 8)
	require.Len(t, cfg.Backends, 1)
	assert.Equal(t, int64(8), cfg.Backends[0].Capacity)
}

func TestCapacityFor(t *testing.T) {
	cfg := config.DefaultConfig().WithDefaultBackendCapacity(2).WithBackend("llm", 9)

	assert.Equal(t, int64(9), cfg.CapacityFor("llm"))
	assert.Equal(t, int64(2), cfg.CapacityFor("whisper"))
}

func TestEqual(t *testing.T) {
	a := config.DefaultConfig().WithBackend("llm", 4)
	b := config.DefaultConfig().WithBackend("llm", 4)
	c := config.DefaultConfig().WithBackend("llm", 5)

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestChainedFluentSetters(t *testing.T) {
	cfg := config.DefaultConfig().
		WithSubmissionQueueCapacity(128).
		WithDefaultBackendCapacity(16).
		WithBackend("llm", 2).
		WithBackend("whisper", 1).
		WithOptionSchema("inference", `{"type":"object"}`)

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 128, cfg.SubmissionQueueCapacity)
	assert.Len(t, cfg.Backends, 2)
	assert.Contains(t, cfg.OptionSchemas, "inference")
}
