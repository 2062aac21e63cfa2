package workflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/prodigy-cli/prodigy/internal/variables"
)

// ShellRunner is the concrete shell-command Runner: it interpolates the
// step's command against the request's variables and runs it with "sh -c".
type ShellRunner struct{}

func (r *ShellRunner) Kind() string { return KindShell }

func (r *ShellRunner) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	interpolator := variables.NewInterpolator(req.Vars, variables.NonStrict)
	resolved, err := interpolator.Interpolate(req.Step.Shell)
	if err != nil {
		return RunResult{ExitCode: -1}, fmt.Errorf("shell: interpolating command: %w", err)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", resolved)
	cmd.Dir = req.WorkDir
	cmd.Env = req.Env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	result := RunResult{
		Stdout: strings.TrimSpace(stdout.String()),
		Stderr: strings.TrimSpace(stderr.String()),
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		// The command never ran (bad working dir, context cancelled
		// before spawn, sh missing).
		result.ExitCode = -1
		return result, fmt.Errorf("shell: running %q: %w", resolved, runErr)
	}
	return result, nil
}

func (r *ShellRunner) DryRun(step Step) string {
	return fmt.Sprintf("would run shell command: %s", step.Shell)
}
