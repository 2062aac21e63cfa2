package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/prodigy-cli/prodigy/internal/expr"
	"github.com/prodigy-cli/prodigy/internal/jsonutil"
	"github.com/prodigy-cli/prodigy/internal/progress"
	"github.com/prodigy-cli/prodigy/internal/variables"
)

// CommitProbe reports how many commits a git checkout has, letting the
// engine enforce commit_required without depending on a concrete git
// implementation.
type CommitProbe interface {
	CommitCount(ctx context.Context, dir string) (int, error)
}

// StepContext carries the per-invocation execution environment a step list
// runs under: job identity for events, the base working directory
// (an agent's worktree, or the repo root), and the workflow-level env.
type StepContext struct {
	JobID   string
	Phase   string
	WorkDir string
	Env     map[string]string

	// CaptureToPhase stores capture: variables in phase scope instead of
	// local, so captures survive across an agent template's steps and
	// into its result.
	CaptureToPhase bool
}

func (sc StepContext) captureScope() variables.Scope {
	if sc.CaptureToPhase {
		return variables.ScopePhase
	}
	return variables.ScopeLocal
}

// Engine is the step executor: it runs a []Step in order against a Router
// and a variables.Context, honouring each step's when: gate, retry policy,
// validation contract, and failure handlers.
type Engine struct {
	router       *Router
	bus          *progress.Bus
	logger       *log.Logger
	dryRun       bool
	commits      CommitProbe
	postStepHook func(CompletedStep) error
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithDryRun enables dry-run mode: DryRun is called on the resolved Runner
// instead of Run, so no side effects occur.
func WithDryRun(dryRun bool) EngineOption {
	return func(e *Engine) { e.dryRun = dryRun }
}

// WithBus attaches a progress.Bus the engine publishes lifecycle events to.
func WithBus(bus *progress.Bus) EngineOption {
	return func(e *Engine) { e.bus = bus }
}

// WithLogger attaches a structured logger.
func WithLogger(logger *log.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithCommitProbe attaches the git capability commit_required checks use.
func WithCommitProbe(p CommitProbe) EngineOption {
	return func(e *Engine) { e.commits = p }
}

// WithPostStepHook registers a callback invoked after every step completes
// (success or failure), typically to persist a checkpoint.
func WithPostStepHook(hook func(CompletedStep) error) EngineOption {
	return func(e *Engine) { e.postStepHook = hook }
}

// NewEngine creates a step executor bound to router.
func NewEngine(router *Router, opts ...EngineOption) *Engine {
	e := &Engine{router: router}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunSteps executes steps in order, starting at startIndex (so a resumed
// job can skip steps a checkpoint already recorded as complete). Returns
// the completed-step history for the steps it ran and the first
// unrecovered error, if any.
func (e *Engine) RunSteps(ctx context.Context, sc StepContext, steps []Step, vars *variables.Context, startIndex int) ([]CompletedStep, error) {
	return e.RunStepsWithHook(ctx, sc, steps, vars, startIndex, nil)
}

// RunStepsWithHook is RunSteps with a per-invocation post-step hook that
// overrides the engine-level one, letting a caller checkpoint into its own
// state after every step of this particular list.
func (e *Engine) RunStepsWithHook(ctx context.Context, sc StepContext, steps []Step, vars *variables.Context, startIndex int, hook func(CompletedStep) error) ([]CompletedStep, error) {
	if hook == nil {
		hook = e.postStepHook
	}
	var history []CompletedStep

	for i := startIndex; i < len(steps); i++ {
		step := steps[i]

		if err := ctx.Err(); err != nil {
			return history, fmt.Errorf("engine: cancelled before step %q: %w", step.DisplayName(), err)
		}

		skip, err := e.shouldSkip(step, vars)
		if err != nil {
			return history, fmt.Errorf("engine: evaluating when: for step %q: %w", step.DisplayName(), err)
		}
		if skip {
			// A skipped step leaves no trace beyond its history entry:
			// no captures, no counter changes, no failure handling. The
			// hook still fires so positional checkpoints advance past it.
			cs := CompletedStep{Name: step.DisplayName(), Success: true, Skipped: true, StartedAt: time.Now().UTC()}
			history = append(history, cs)
			e.publish(progress.Event{Type: progress.StepCompleted, JobID: sc.JobID, Phase: sc.Phase, Step: step.DisplayName(), Message: "skipped (when: gate false)"})
			if hook != nil {
				if hookErr := hook(cs); hookErr != nil {
					return history, fmt.Errorf("engine: persisting step %q: %w", step.DisplayName(), hookErr)
				}
			}
			continue
		}

		cs, err := e.runStepWithRecovery(ctx, sc, step, vars)
		history = append(history, cs)

		if hook != nil {
			if hookErr := hook(cs); hookErr != nil {
				return history, fmt.Errorf("engine: persisting step %q: %w", step.DisplayName(), hookErr)
			}
		}

		if err != nil {
			return history, err
		}
	}

	return history, nil
}

func (e *Engine) shouldSkip(step Step, vars *variables.Context) (bool, error) {
	if step.When == "" {
		return false, nil
	}
	compiled, err := expr.Parse(step.When)
	if err != nil {
		return false, err
	}
	ok, err := compiled.Eval(vars)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// runStepWithRecovery executes step through the full failure ladder:
// retries per its RetryPolicy, then on_exit_code handlers, then the
// consolidated on_failure contract. A recovered step returns a successful
// CompletedStep; only unrecovered failures return an error.
func (e *Engine) runStepWithRecovery(ctx context.Context, sc StepContext, step Step, vars *variables.Context) (CompletedStep, error) {
	handlerCycles := 0

	for {
		last := e.runWithRetry(ctx, sc, step, vars)
		if last.Success {
			e.runOnSuccess(ctx, sc, step, vars)
			return last, nil
		}

		if recovery, ok := step.OnExitCode[last.ExitCode]; ok {
			if _, err := e.RunSteps(ctx, sc, recovery, vars.Child(), 0); err == nil {
				recovered := last
				recovered.Success = true
				return recovered, nil
			}
		}

		if step.OnFailure == nil {
			return last, fmt.Errorf("engine: step %q: %s", step.DisplayName(), last.Error)
		}

		_, handlerErr := e.RunSteps(ctx, sc, step.OnFailure.Steps, vars.Child(), 0)
		if handlerErr != nil {
			if step.OnFailure.HandlerFailureFatal {
				return last, fmt.Errorf("engine: step %q: on_failure handler: %w", step.DisplayName(), handlerErr)
			}
			return last, fmt.Errorf("engine: step %q: %s", step.DisplayName(), last.Error)
		}

		// Handler succeeded. Rerun the original if the contract asks for
		// it and we have cycles left; otherwise the step is recovered
		// unless fail_workflow pins the original failure.
		if step.OnFailure.MaxRetries > handlerCycles {
			handlerCycles++
			e.publish(progress.Event{Type: progress.StepRetrying, JobID: sc.JobID, Phase: sc.Phase, Step: step.DisplayName(),
				Message: fmt.Sprintf("on_failure recovered, rerunning original (cycle %d)", handlerCycles)})
			continue
		}
		if step.OnFailure.FailWorkflow {
			return last, fmt.Errorf("engine: step %q: %s", step.DisplayName(), last.Error)
		}
		recovered := last
		recovered.Success = true
		return recovered, nil
	}
}

// runWithRetry executes step up to its retry budget, backing off between
// attempts.
func (e *Engine) runWithRetry(ctx context.Context, sc StepContext, step Step, vars *variables.Context) CompletedStep {
	maxAttempts := 1
	if step.Retry != nil && step.Retry.Attempts > 0 {
		maxAttempts = step.Retry.Attempts
	}

	var last CompletedStep
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		last = e.runOnce(ctx, sc, step, vars, attempt)
		if last.Success || ctx.Err() != nil {
			return last
		}
		if attempt < maxAttempts {
			e.publish(progress.Event{Type: progress.StepRetrying, JobID: sc.JobID, Phase: sc.Phase, Step: step.DisplayName(),
				Message: fmt.Sprintf("attempt %d failed, retrying", attempt)})
			sleepBackoff(ctx, step.Retry, attempt)
		}
	}
	return last
}

// runOnSuccess runs the step's on_success sequence; its failures are
// logged but never fail the parent step.
func (e *Engine) runOnSuccess(ctx context.Context, sc StepContext, step Step, vars *variables.Context) {
	if len(step.OnSuccess) == 0 {
		return
	}
	if _, err := e.RunSteps(ctx, sc, step.OnSuccess, vars.Child(), 0); err != nil {
		e.log("on_success sequence failed", "step", step.DisplayName(), "error", err)
	}
}

func sleepBackoff(ctx context.Context, policy *RetryPolicy, attempt int) {
	delay := time.Second
	if policy != nil && policy.InitialDelay != "" {
		if d, err := time.ParseDuration(policy.InitialDelay); err == nil {
			delay = d
		}
	}
	if policy != nil && policy.Backoff == "exponential" {
		delay = delay * time.Duration(1<<uint(attempt-1))
		if policy.MaxDelay != "" {
			if maxDelay, err := time.ParseDuration(policy.MaxDelay); err == nil && delay > maxDelay {
				delay = maxDelay
			}
		}
	}
	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}
}

// runOnce performs one attempt of step: gate checks are done by the
// caller; this builds the environment, dispatches the command, applies the
// timeout, captures output, and evaluates validation contracts.
func (e *Engine) runOnce(ctx context.Context, sc StepContext, step Step, vars *variables.Context, attempt int) CompletedStep {
	startedAt := time.Now().UTC()
	e.publish(progress.Event{Type: progress.StepStarted, JobID: sc.JobID, Phase: sc.Phase, Step: step.DisplayName(), Message: fmt.Sprintf("attempt %d", attempt)})

	cs := CompletedStep{Name: step.DisplayName(), StartedAt: startedAt, Attempt: attempt}
	fail := func(exitCode int, msg string) CompletedStep {
		cs.Duration = time.Since(startedAt)
		cs.ExitCode = exitCode
		cs.Error = msg
		e.publish(progress.Event{Type: progress.StepFailed, JobID: sc.JobID, Phase: sc.Phase, Step: step.DisplayName(), Error: msg})
		return cs
	}

	kind, _, err := kindAndCommand(step)
	if err != nil {
		return fail(-1, err.Error())
	}

	workDir, err := e.resolveWorkDir(sc, step, vars)
	if err != nil {
		return fail(-1, err.Error())
	}

	var commitsBefore int
	if step.CommitRequired && e.commits != nil && !e.dryRun {
		commitsBefore, err = e.commits.CommitCount(ctx, workDir)
		if err != nil {
			return fail(-1, fmt.Sprintf("counting commits before step: %v", err))
		}
	}

	// Composite kinds recurse into the engine instead of dispatching to a
	// registered runner.
	var result RunResult
	switch kind {
	case KindForeach:
		result, err = e.runForeach(ctx, sc, step, vars)
	case KindGoalSeek:
		if e.dryRun {
			result = RunResult{Stdout: fmt.Sprintf("would seek goal %q via: %s", step.GoalSeek.Goal, step.GoalSeek.Command)}
			break
		}
		result, err = e.runGoalSeek(ctx, sc, step, vars, workDir)
	default:
		result, err = e.dispatch(ctx, sc, step, vars, kind, workDir)
	}

	cs.Duration = time.Since(startedAt)
	cs.ExitCode = result.ExitCode

	if err != nil {
		return fail(result.ExitCode, err.Error())
	}
	if result.ExitCode != 0 {
		msg := fmt.Sprintf("exit code %d", result.ExitCode)
		if excerpt := excerpt(result.Stderr); excerpt != "" {
			msg += ": " + excerpt
		}
		return fail(result.ExitCode, msg)
	}

	output := result.Output(step.CaptureStreams)

	if step.Capture != "" {
		captured, captureErr := parseCapture(output, step.CaptureFormat)
		if captureErr != nil {
			return fail(-1, fmt.Sprintf("capture %q: %v", step.Capture, captureErr))
		}
		vars.Set(sc.captureScope(), step.Capture, captured)
		cs.Captured = captured
	}
	vars.Set(variables.ScopeLocal, "last_output", output)

	if step.Validate != nil && !e.dryRun {
		if validateErr := e.runValidate(ctx, sc, step.Validate, vars, workDir); validateErr != nil {
			return fail(-1, validateErr.Error())
		}
	}

	if step.StepValidate != nil && !e.dryRun {
		if validateErr := e.runStepValidate(ctx, sc, step.StepValidate, vars, workDir); validateErr != nil {
			return fail(-1, validateErr.Error())
		}
	}

	if step.CommitRequired && e.commits != nil && !e.dryRun {
		commitsAfter, countErr := e.commits.CommitCount(ctx, workDir)
		if countErr != nil {
			return fail(-1, fmt.Sprintf("counting commits after step: %v", countErr))
		}
		if commitsAfter <= commitsBefore {
			return fail(-1, "commit_required: step created no commits")
		}
	}

	cs.Success = true
	e.publish(progress.Event{Type: progress.StepCompleted, JobID: sc.JobID, Phase: sc.Phase, Step: step.DisplayName(), Message: "completed"})
	return cs
}

// dispatch resolves the runner for kind and executes it, wrapping the call
// with the step's timeout and a panic guard.
func (e *Engine) dispatch(ctx context.Context, sc StepContext, step Step, vars *variables.Context, kind, workDir string) (RunResult, error) {
	runner, err := e.router.Get(kind)
	if err != nil {
		return RunResult{ExitCode: -1}, err
	}

	if e.dryRun {
		return RunResult{Stdout: runner.DryRun(step)}, nil
	}

	env, err := e.buildEnv(sc, step, vars)
	if err != nil {
		return RunResult{ExitCode: -1}, err
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if step.TimeoutSeconds > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	result, err := e.safeRun(runCtx, runner, RunRequest{Step: step, Vars: vars, WorkDir: workDir, Env: env})

	if step.TimeoutSeconds > 0 && runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return RunResult{Stdout: result.Stdout, Stderr: result.Stderr, ExitCode: -1},
			fmt.Errorf("timeout after %ds", step.TimeoutSeconds)
	}
	return result, err
}

// buildEnv assembles the child environment: the process env, then the
// workflow env, then the step env (later wins), each value interpolated,
// plus the scalar variable exports and the automation marker.
func (e *Engine) buildEnv(sc StepContext, step Step, vars *variables.Context) ([]string, error) {
	interpolator := variables.NewInterpolator(vars, variables.NonStrict)

	env := os.Environ()
	env = append(env, vars.ScalarEnv()...)

	for _, mapping := range []map[string]string{sc.Env, step.Env} {
		for k, v := range mapping {
			resolved, err := interpolator.Interpolate(v)
			if err != nil {
				return nil, fmt.Errorf("interpolating env %q: %w", k, err)
			}
			env = append(env, k+"="+resolved)
		}
	}

	env = append(env, "PRODIGY_AUTOMATION=true")
	if os.Getenv("PRODIGY_CLAUDE_STREAMING") == "" {
		env = append(env, "PRODIGY_CLAUDE_STREAMING=false")
	}
	return env, nil
}

func (e *Engine) resolveWorkDir(sc StepContext, step Step, vars *variables.Context) (string, error) {
	if step.WorkingDir == "" {
		return sc.WorkDir, nil
	}
	interpolator := variables.NewInterpolator(vars, variables.NonStrict)
	dir, err := interpolator.Interpolate(step.WorkingDir)
	if err != nil {
		return "", fmt.Errorf("interpolating working_dir: %w", err)
	}
	return dir, nil
}

// parseCapture narrows raw command output per the step's capture_format.
func parseCapture(output, format string) (any, error) {
	switch format {
	case "", "string":
		return output, nil
	case "json":
		var v any
		if err := json.Unmarshal([]byte(output), &v); err != nil {
			// Agent output frequently wraps the JSON payload in prose or
			// a code fence; dig it out before giving up.
			if exErr := jsonutil.ExtractInto(output, &v); exErr != nil {
				return nil, fmt.Errorf("output is not valid JSON: %w", err)
			}
		}
		return v, nil
	case "lines":
		var lines []any
		for _, line := range strings.Split(output, "\n") {
			if trimmed := strings.TrimSpace(line); trimmed != "" {
				lines = append(lines, trimmed)
			}
		}
		return lines, nil
	case "number":
		f, err := strconv.ParseFloat(strings.TrimSpace(output), 64)
		if err != nil {
			return nil, fmt.Errorf("output is not a number: %w", err)
		}
		return f, nil
	case "boolean":
		switch trimmed := strings.TrimSpace(output); trimmed {
		case "true":
			return true, nil
		case "false":
			return false, nil
		default:
			f, err := strconv.ParseFloat(trimmed, 64)
			if err != nil {
				return nil, fmt.Errorf("output is not a boolean: %q", trimmed)
			}
			return f != 0, nil
		}
	default:
		return nil, fmt.Errorf("unknown capture_format %q", format)
	}
}

// excerpt trims an error stream down to something that fits on one line.
func excerpt(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

// --- composite kinds ---

// runForeach expands the foreach items and runs the nested step list once
// per item, bounded by the declared parallelism.
func (e *Engine) runForeach(ctx context.Context, sc StepContext, step Step, vars *variables.Context) (RunResult, error) {
	items, err := expandForeachItems(step.Foreach.Items, vars)
	if err != nil {
		return RunResult{ExitCode: -1}, fmt.Errorf("foreach: %w", err)
	}

	limit := step.Foreach.Parallel
	if limit <= 0 {
		limit = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, item := range items {
		item := item
		g.Go(func() error {
			child := vars.Child()
			child.Set(variables.ScopeLocal, "item", item)
			_, runErr := e.RunSteps(gctx, sc, step.Foreach.Do, child, 0)
			return runErr
		})
	}
	if err := g.Wait(); err != nil {
		return RunResult{ExitCode: 1}, nil
	}
	return RunResult{Stdout: fmt.Sprintf("%d items processed", len(items))}, nil
}

// expandForeachItems turns the foreach items field into a concrete slice: a
// YAML list is used as-is (string elements interpolated); a string is
// interpolated, then parsed as a JSON array if it looks like one, else
// split on newlines.
func expandForeachItems(items any, vars *variables.Context) ([]any, error) {
	interpolator := variables.NewInterpolator(vars, variables.NonStrict)

	switch t := items.(type) {
	case []any:
		out := make([]any, len(t))
		for i, v := range t {
			if s, ok := v.(string); ok {
				resolved, err := interpolator.Interpolate(s)
				if err != nil {
					return nil, err
				}
				out[i] = resolved
				continue
			}
			out[i] = v
		}
		return out, nil

	case string:
		resolved, err := interpolator.Interpolate(t)
		if err != nil {
			return nil, err
		}
		resolved = strings.TrimSpace(resolved)
		if strings.HasPrefix(resolved, "[") {
			var arr []any
			if err := json.Unmarshal([]byte(resolved), &arr); err != nil {
				return nil, fmt.Errorf("items string looks like JSON but does not parse: %w", err)
			}
			return arr, nil
		}
		var out []any
		for _, line := range strings.Split(resolved, "\n") {
			if trimmed := strings.TrimSpace(line); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out, nil

	default:
		return nil, fmt.Errorf("items must be a list or a string, got %T", items)
	}
}

// runGoalSeek alternates the work command and the validation command until
// the reported completion score reaches the threshold or attempts run out.
func (e *Engine) runGoalSeek(ctx context.Context, sc StepContext, step Step, vars *variables.Context, workDir string) (RunResult, error) {
	gs := step.GoalSeek
	threshold := gs.Threshold
	if threshold == 0 {
		threshold = 100
	}
	maxAttempts := gs.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	var lastScore float64
	var lastOutput string
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return RunResult{ExitCode: -1}, fmt.Errorf("goal_seek: cancelled: %w", err)
		}

		workResult, err := e.dispatch(ctx, sc, Step{Name: step.Name, Shell: gs.Command}, vars, KindShell, workDir)
		if err != nil || workResult.ExitCode != 0 {
			continue
		}

		checkResult, err := e.dispatch(ctx, sc, Step{Name: step.Name, Shell: gs.Validate}, vars, KindShell, workDir)
		if err != nil || checkResult.ExitCode != 0 {
			continue
		}

		lastOutput = checkResult.Stdout
		score, scoreErr := parseCompletionScore(checkResult.Stdout)
		if scoreErr != nil {
			return RunResult{ExitCode: -1}, fmt.Errorf("goal_seek: %w", scoreErr)
		}
		lastScore = score
		if score >= threshold {
			return RunResult{Stdout: lastOutput}, nil
		}
		e.publish(progress.Event{Type: progress.StepRetrying, JobID: sc.JobID, Phase: sc.Phase, Step: step.DisplayName(),
			Message: fmt.Sprintf("goal %.1f%% of %.1f%%, attempt %d", score, threshold, attempt)})
	}
	return RunResult{Stdout: lastOutput, ExitCode: 1},
		fmt.Errorf("goal_seek: %q stalled at %.1f%% after %d attempts (threshold %.1f%%)", gs.Goal, lastScore, maxAttempts, threshold)
}

// parseCompletionScore reads a completion percentage out of a validation
// command's stdout: either a ValidationResult JSON document or a bare
// number (optionally prefixed "score:").
func parseCompletionScore(output string) (float64, error) {
	trimmed := strings.TrimSpace(output)
	if strings.HasPrefix(trimmed, "{") {
		var vr ValidationResult
		if err := jsonutil.ExtractInto(trimmed, &vr); err != nil {
			return 0, fmt.Errorf("validation output is neither a number nor a ValidationResult document: %w", err)
		}
		return vr.CompletionPercentage, nil
	}
	trimmed = strings.TrimPrefix(trimmed, "score:")
	f, err := strconv.ParseFloat(strings.TrimSpace(trimmed), 64)
	if err != nil {
		return 0, fmt.Errorf("validation output %q is not a score", excerpt(output))
	}
	return f, nil
}

// --- validation contracts ---

// runValidate executes the validate: contract: run the command, parse its
// stdout as a ValidationResult, pass iff completion >= threshold, with
// optional on_incomplete remediation cycles.
func (e *Engine) runValidate(ctx context.Context, sc StepContext, spec *ValidateSpec, vars *variables.Context, workDir string) error {
	threshold := spec.Threshold
	if threshold == 0 {
		threshold = 100
	}

	attempts := 1
	if spec.OnIncomplete != nil && spec.OnIncomplete.MaxAttempts > 1 {
		attempts = spec.OnIncomplete.MaxAttempts
	}

	var vr ValidationResult
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := e.dispatch(ctx, sc, Step{Shell: spec.Command}, vars, KindShell, workDir)
		if err != nil {
			return fmt.Errorf("validate: running %q: %w", spec.Command, err)
		}
		if result.ExitCode != 0 {
			return fmt.Errorf("validate: %q exited %d: %s", spec.Command, result.ExitCode, excerpt(result.Stderr))
		}
		if err := jsonutil.ExtractInto(result.Stdout, &vr); err != nil {
			return fmt.Errorf("validate: %q did not print a ValidationResult document: %w", spec.Command, err)
		}

		vars.Set(variables.ScopeLocal, "validation", map[string]any{
			"completion_percentage": vr.CompletionPercentage,
			"status":                vr.Status,
			"missing":               toAnySlice(vr.Missing),
			"gaps":                  vr.Gaps,
		})

		if vr.CompletionPercentage >= threshold {
			return nil
		}
		if spec.OnIncomplete == nil || spec.OnIncomplete.Command == "" || attempt == attempts {
			break
		}
		if _, err := e.dispatch(ctx, sc, Step{Shell: spec.OnIncomplete.Command}, vars, KindShell, workDir); err != nil {
			return fmt.Errorf("validate: on_incomplete command: %w", err)
		}
	}

	if spec.OnIncomplete != nil && !spec.OnIncomplete.FailWorkflow {
		e.log("validation below threshold, continuing", "completion", vr.CompletionPercentage, "threshold", threshold)
		return nil
	}
	return fmt.Errorf("validate: completion %.1f%% below threshold %.1f%% (missing: %s)",
		vr.CompletionPercentage, threshold, strings.Join(vr.Missing, ", "))
}

// runStepValidate runs the step_validate assertion commands under the
// declared success criteria.
func (e *Engine) runStepValidate(ctx context.Context, sc StepContext, spec *StepValidate, vars *variables.Context, workDir string) error {
	if len(spec.Commands) == 0 {
		return nil
	}

	needAll := spec.SuccessCriteria != "any"
	var firstErr error
	passed := 0
	for _, command := range spec.Commands {
		result, err := e.dispatch(ctx, sc, Step{Shell: command}, vars, KindShell, workDir)
		ok := err == nil && result.ExitCode == 0
		if ok {
			passed++
			if !needAll {
				return nil
			}
			continue
		}
		if firstErr == nil {
			if err == nil {
				err = fmt.Errorf("%q exited %d: %s", command, result.ExitCode, excerpt(result.Stderr))
			}
			firstErr = err
		}
		if needAll {
			return fmt.Errorf("step_validate: %w", firstErr)
		}
	}
	if !needAll && passed == 0 {
		return fmt.Errorf("step_validate: no assertion passed: %w", firstErr)
	}
	return nil
}

// safeRun calls runner.Run wrapped in a recover() block so a panicking
// runner becomes an error rather than crashing the job.
func (e *Engine) safeRun(ctx context.Context, runner Runner, req RunRequest) (result RunResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = RunResult{ExitCode: -1}
			err = fmt.Errorf("runner %q panicked: %v", runner.Kind(), r)
		}
	}()
	return runner.Run(ctx, req)
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func (e *Engine) publish(ev progress.Event) {
	if e.bus == nil {
		return
	}
	ev.Timestamp = time.Now().UTC()
	e.bus.Publish(ev)
}

func (e *Engine) log(msg string, kvs ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Info(msg, kvs...)
}

// ErrInterrupted marks a run cut short by external cancellation; callers
// map it to the interrupted exit status rather than a generic failure.
var ErrInterrupted = errors.New("interrupted")
