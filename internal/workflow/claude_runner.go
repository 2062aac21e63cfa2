package workflow

import (
	"context"
	"fmt"

	"github.com/prodigy-cli/prodigy/internal/agent"
	"github.com/prodigy-cli/prodigy/internal/variables"
)

// ClaudeRunner adapts an agent.Agent (the LLM runner capability) into a
// Runner, interpolating the prompt against the request's variables before
// dispatch.
//
// RateLimiter, when set, is consulted before every call (WaitForReset) and
// updated after every call (RecordRateLimit/ClearRateLimit) so every
// claude: step in a workflow shares one provider-wide backoff window.
type ClaudeRunner struct {
	Agent       agent.Agent
	Model       string
	Effort      string
	RateLimiter *agent.RateLimitCoordinator

	// LogDir, when set, receives one raw-output log per invocation; its
	// path lands in the "json_log_location" variable for later steps.
	LogDir string
}

func (r *ClaudeRunner) Kind() string { return KindClaude }

func (r *ClaudeRunner) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	interpolator := variables.NewInterpolator(req.Vars, variables.NonStrict)
	resolved, err := interpolator.Interpolate(req.Step.Claude)
	if err != nil {
		return RunResult{ExitCode: -1}, fmt.Errorf("claude: interpolating prompt: %w", err)
	}

	if r.RateLimiter != nil {
		if err := r.RateLimiter.WaitForReset(ctx, r.Agent.Name()); err != nil {
			return RunResult{ExitCode: -1}, fmt.Errorf("claude: waiting for rate limit reset: %w", err)
		}
	}

	result, err := r.Agent.Run(ctx, agent.RunOpts{
		Prompt:  resolved,
		Model:   r.Model,
		Effort:  r.Effort,
		WorkDir: req.WorkDir,
		Env:     req.Env,
		LogDir:  r.LogDir,
	})
	if err != nil {
		return RunResult{ExitCode: -1}, fmt.Errorf("claude: running agent %q: %w", r.Agent.Name(), err)
	}
	if result.LogPath != "" {
		req.Vars.Set(variables.ScopeLocal, "json_log_location", result.LogPath)
	}

	if r.RateLimiter != nil {
		if info, limited := r.Agent.ParseRateLimit(result.Stdout + result.Stderr); limited {
			r.RateLimiter.RecordRateLimit(r.Agent.Name(), info)
		} else {
			r.RateLimiter.ClearRateLimit(r.Agent.Name())
		}
	}

	return RunResult{
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
		ExitCode: result.ExitCode,
	}, nil
}

func (r *ClaudeRunner) DryRun(step Step) string {
	return fmt.Sprintf("would invoke agent %q with prompt: %s", r.Agent.Name(), step.Claude)
}
