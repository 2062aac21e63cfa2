package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// maxInlinePromptBytes is the largest prompt passed as a CLI argument;
// anything bigger goes through a temp file so it can never hit ARG_MAX.
const maxInlinePromptBytes = 60 * 1024

// ClaudeAgent shells out to the Claude CLI in non-interactive mode.
type ClaudeAgent struct {
	config AgentConfig
	logger *log.Logger
}

// NewClaudeAgent creates an adapter for the Claude CLI. logger may be nil.
func NewClaudeAgent(config AgentConfig, logger *log.Logger) *ClaudeAgent {
	return &ClaudeAgent{config: config, logger: logger}
}

func (c *ClaudeAgent) Name() string { return "claude" }

// Run invokes the CLI with the prompt, waits for it to finish, and
// captures both streams. Cancellation kills the agent's whole process
// group, so tools it spawned die with it.
func (c *ClaudeAgent) Run(ctx context.Context, opts RunOpts) (*RunResult, error) {
	started := time.Now()

	args, cleanup, err := c.arguments(opts)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	bin := c.config.Command
	if bin == "" {
		bin = "claude"
	}

	cmd := exec.Command(bin, args...)
	cmd.Dir = opts.WorkDir
	cmd.Env = c.environment(opts)
	setProcessGroup(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if c.logger != nil {
		c.logger.Debug("running claude", "bin", bin, "work_dir", opts.WorkDir)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("claude: starting %q: %w", bin, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		killProcessGroup(cmd)
		<-done
		runErr = ctx.Err()
	}

	result := &RunResult{
		Stdout:   strings.TrimSpace(stdout.String()),
		Stderr:   strings.TrimSpace(stderr.String()),
		Duration: time.Since(started),
	}
	result.LogPath = c.writeLog(opts.LogDir, stdout.Bytes())

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		result.ExitCode = -1
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			return result, fmt.Errorf("claude: %w", runErr)
		}
		return result, fmt.Errorf("claude: running %q: %w", bin, runErr)
	}
	return result, nil
}

// arguments builds the CLI argument list. Long prompts go through a temp
// file; cleanup removes it after the run.
func (c *ClaudeAgent) arguments(opts RunOpts) (args []string, cleanup func(), err error) {
	cleanup = func() {}

	args = []string{"--print", "--permission-mode", "accept"}

	model := opts.Model
	if model == "" {
		model = c.config.Model
	}
	if model != "" {
		args = append(args, "--model", model)
	}

	if len(opts.Prompt) > maxInlinePromptBytes {
		f, tmpErr := os.CreateTemp("", "prodigy-claude-prompt-*.md")
		if tmpErr != nil {
			return nil, cleanup, fmt.Errorf("claude: writing prompt file: %w", tmpErr)
		}
		if _, writeErr := f.WriteString(opts.Prompt); writeErr != nil {
			f.Close()           //nolint:errcheck
			os.Remove(f.Name()) //nolint:errcheck
			return nil, cleanup, fmt.Errorf("claude: writing prompt file: %w", writeErr)
		}
		f.Close()                                //nolint:errcheck
		cleanup = func() { os.Remove(f.Name()) } //nolint:errcheck
		args = append(args, "--prompt-file", f.Name())
		return args, cleanup, nil
	}

	args = append(args, "--prompt", opts.Prompt)
	return args, cleanup, nil
}

// environment inherits the process env and layers the effort level and the
// caller's entries over it.
func (c *ClaudeAgent) environment(opts RunOpts) []string {
	env := os.Environ()
	effort := opts.Effort
	if effort == "" {
		effort = c.config.Effort
	}
	if effort != "" {
		env = append(env, "CLAUDE_CODE_EFFORT_LEVEL="+effort)
	}
	return append(env, opts.Env...)
}

// writeLog persists raw stdout under dir, best effort. Returns the file
// path or "" when logging is off or the write failed.
func (c *ClaudeAgent) writeLog(dir string, stdout []byte) string {
	if dir == "" {
		return ""
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ""
	}
	path := filepath.Join(dir, fmt.Sprintf("claude-%d.json", time.Now().UnixNano()))
	if err := os.WriteFile(path, stdout, 0o644); err != nil {
		return ""
	}
	return path
}

// Rate-limit detection: the CLI reports limits in prose, e.g.
// "rate limit reached ... try again in 42 seconds" or
// "overloaded, retry after 2 minutes".
var rateLimitRe = regexp.MustCompile(`(?i)(rate.?limit|overloaded|too many requests).*?(\d+)\s*(second|minute|hour)s?`)

func (c *ClaudeAgent) ParseRateLimit(output string) (*RateLimitInfo, bool) {
	m := rateLimitRe.FindStringSubmatch(output)
	if m == nil {
		if strings.Contains(strings.ToLower(output), "rate limit") {
			return &RateLimitInfo{IsLimited: true, Message: "rate limit reported without a reset time"}, true
		}
		return nil, false
	}

	n, _ := strconv.Atoi(m[2])
	unit := time.Second
	switch strings.ToLower(m[3]) {
	case "minute":
		unit = time.Minute
	case "hour":
		unit = time.Hour
	}
	return &RateLimitInfo{
		IsLimited:  true,
		ResetAfter: time.Duration(n) * unit,
		Message:    strings.TrimSpace(m[0]),
	}, true
}
