package config

// Config is the top-level process configuration, mapping to prodigy.toml.
// It holds no workflow definitions -- workflow documents are YAML files
// loaded independently by internal/workflow.Load. This file only
// configures the process: which agent binaries to shell out to, default
// execution concurrency, where to root worktrees, and dead-letter
// retention.
type Config struct {
	Agents    map[string]AgentConfig `toml:"agents"`
	Execution ExecutionConfig        `toml:"execution"`
	Worktree  WorktreeConfig         `toml:"worktree"`
	DLQ       DLQConfig              `toml:"dlq"`
}

// AgentConfig maps to an [agents.<name>] section in prodigy.toml, naming
// the CLI binary a claude: step should shell out to and its default
// model/effort. Prompt templates and allowed-tools lists are
// workflow-document concerns, not process configuration.
type AgentConfig struct {
	Command string `toml:"command"`
	Model   string `toml:"model"`
	Effort  string `toml:"effort"`
}

// ExecutionConfig controls the MapReduce executor's default concurrency
// and failure tolerances when a workflow document leaves them unset.
type ExecutionConfig struct {
	DefaultConcurrency     int `toml:"default_concurrency"`
	MaxAttempts            int `toml:"max_attempts"`
	MaxConsecutiveFailures int `toml:"max_consecutive_failures"`

	// CheckpointIntervalSecs gates per-step checkpoint writes; 0 means
	// checkpoint after every step.
	CheckpointIntervalSecs int `toml:"checkpoint_interval_secs"`
}

// WorktreeConfig roots every worktree.Manager session under BaseDir.
type WorktreeConfig struct {
	BaseDir string `toml:"base_dir"`
}

// DLQConfig bounds dead-letter queue retention.
type DLQConfig struct {
	RetentionDays int `toml:"retention_days"`
	MaxItems      int `toml:"max_items"`
}
