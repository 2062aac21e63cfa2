// Package agent is the LLM runner capability behind claude: steps: a small
// interface over a CLI coding agent, a concrete adapter for the Claude CLI,
// and a rate-limit coordinator shared across every step that talks to the
// same provider.
package agent

import (
	"context"
	"time"
)

// Agent runs one prompt through an AI coding agent and reports the outcome.
type Agent interface {
	// Name identifies the agent, e.g. "claude".
	Name() string

	// Run executes opts.Prompt. An error means the agent never ran; an
	// agent that ran and failed reports through RunResult.ExitCode.
	Run(ctx context.Context, opts RunOpts) (*RunResult, error)

	// ParseRateLimit inspects agent output for a rate-limit signal.
	ParseRateLimit(output string) (*RateLimitInfo, bool)
}

// AgentConfig maps to an [agents.<name>] section in prodigy.toml.
type AgentConfig struct {
	// Command is the CLI executable, e.g. "claude".
	Command string `toml:"command"`

	// Model and Effort are defaults a step may override.
	Model  string `toml:"model"`
	Effort string `toml:"effort"`
}

// RunOpts is one agent invocation.
type RunOpts struct {
	Prompt  string
	Model   string
	Effort  string
	WorkDir string
	Env     []string

	// LogDir, when set, receives a per-invocation file with the agent's
	// raw stdout, whose path comes back as RunResult.LogPath.
	LogDir string
}

// RunResult is the captured outcome of one invocation.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration

	// LogPath is the stdout log written under RunOpts.LogDir, if any.
	LogPath string
}

// Success reports whether the agent exited cleanly.
func (r *RunResult) Success() bool { return r.ExitCode == 0 }

// RateLimitInfo describes a detected rate-limit condition.
type RateLimitInfo struct {
	IsLimited  bool
	ResetAfter time.Duration
	Message    string
}
