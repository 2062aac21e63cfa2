package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	t.Parallel()
	cfg := NewDefaults()
	require.NotNil(t, cfg)

	assert.Equal(t, 5, cfg.Execution.DefaultConcurrency)
	assert.Equal(t, 2, cfg.Execution.MaxAttempts)
	assert.Equal(t, 0, cfg.Execution.MaxConsecutiveFailures)
	assert.Equal(t, ".prodigy/worktrees", cfg.Worktree.BaseDir)
	assert.Equal(t, 7, cfg.DLQ.RetentionDays)
	assert.Equal(t, 1000, cfg.DLQ.MaxItems)
}

func TestNewDefaults_EmptyAgents(t *testing.T) {
	t.Parallel()
	cfg := NewDefaults()
	require.NotNil(t, cfg.Agents, "agents map should not be nil")
	assert.Empty(t, cfg.Agents, "agents map should be empty by default")
}
