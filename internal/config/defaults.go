package config

// NewDefaults returns a Config populated with built-in default values.
func NewDefaults() *Config {
	return &Config{
		Agents: map[string]AgentConfig{},
		Execution: ExecutionConfig{
			DefaultConcurrency:     5,
			MaxAttempts:            2,
			MaxConsecutiveFailures: 0,
		},
		Worktree: WorktreeConfig{
			BaseDir: ".prodigy/worktrees",
		},
		DLQ: DLQConfig{
			RetentionDays: 7,
			MaxItems:      1000,
		},
	}
}
