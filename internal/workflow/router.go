package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/prodigy-cli/prodigy/internal/variables"
)

// ErrRunnerNotFound is returned by Router.Get when no runner is registered
// for the requested command kind.
var ErrRunnerNotFound = errors.New("command runner not found")

// RunRequest carries everything a Runner needs for one step execution: the
// step itself, the variable context to interpolate against, the resolved
// working directory, and the fully-built child environment.
type RunRequest struct {
	Step    Step
	Vars    *variables.Context
	WorkDir string
	Env     []string
}

// RunResult is a runner's raw outcome. ExitCode 0 means success; -1 marks
// a command that never produced an exit status (spawn failure, timeout).
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Output returns the stream selected by the step's capture_streams field.
func (r RunResult) Output(streams string) string {
	switch streams {
	case "stderr":
		return r.Stderr
	case "both":
		if r.Stdout == "" {
			return r.Stderr
		}
		if r.Stderr == "" {
			return r.Stdout
		}
		return r.Stdout + "\n" + r.Stderr
	default:
		return r.Stdout
	}
}

// Runner executes one kind of command a Step can name ("shell", "claude",
// "write_file", "handler"). It is the command router's capability boundary:
// the step executor never knows how a shell command or an LLM prompt
// actually runs, only that Router resolves a Runner for the kind and calls
// Run.
//
// Run returns an error only for infrastructure problems (interpolation,
// spawn failure); a command that ran and failed is reported through
// RunResult.ExitCode.
type Runner interface {
	Kind() string
	Run(ctx context.Context, req RunRequest) (RunResult, error)

	// DryRun describes what Run would do without doing it.
	DryRun(step Step) string
}

// Router maps command kinds to their Runner implementations. Registration
// is expected to happen once at startup (single-threaded), so no mutex is
// needed.
type Router struct {
	runners map[string]Runner
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{runners: make(map[string]Runner)}
}

// Register adds runner to the router, keyed by runner.Kind(). It panics if
// runner is nil, returns an empty kind, or a runner for that kind is already
// registered -- these are all programming errors caught at startup.
func (r *Router) Register(runner Runner) {
	if runner == nil {
		panic("workflow: Router.Register called with nil runner")
	}
	kind := runner.Kind()
	if kind == "" {
		panic("workflow: Router.Register called with runner that returns empty kind")
	}
	if _, exists := r.runners[kind]; exists {
		panic(fmt.Sprintf("workflow: runner for kind %q is already registered", kind))
	}
	r.runners[kind] = runner
}

// Get returns the Runner registered for kind.
func (r *Router) Get(kind string) (Runner, error) {
	run, ok := r.runners[kind]
	if !ok {
		return nil, fmt.Errorf("command kind %q: %w", kind, ErrRunnerNotFound)
	}
	return run, nil
}

// Has reports whether a runner is registered for kind.
func (r *Router) Has(kind string) bool {
	_, ok := r.runners[kind]
	return ok
}

// List returns all registered command kinds, sorted alphabetically.
func (r *Router) List() []string {
	kinds := make([]string, 0, len(r.runners))
	for k := range r.runners {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Command kinds. Foreach and goal_seek are composite: the engine expands
// them itself rather than dispatching to a registered Runner, because both
// recurse into further step execution.
const (
	KindShell     = "shell"
	KindClaude    = "claude"
	KindWriteFile = "write_file"
	KindForeach   = "foreach"
	KindGoalSeek  = "goal_seek"
	KindHandler   = "handler"
)

// kindAndCommand resolves which command kind a Step targets and, for the
// string-command kinds, the command text. A step must set exactly one
// command-kind field.
func kindAndCommand(s Step) (kind, command string, err error) {
	var kinds []string
	if s.Shell != "" {
		kinds = append(kinds, KindShell)
		command = s.Shell
	}
	if s.Claude != "" {
		kinds = append(kinds, KindClaude)
		command = s.Claude
	}
	if s.WriteFile != nil {
		kinds = append(kinds, KindWriteFile)
	}
	if s.Foreach != nil {
		kinds = append(kinds, KindForeach)
	}
	if s.GoalSeek != nil {
		kinds = append(kinds, KindGoalSeek)
	}
	if s.Handler != nil {
		kinds = append(kinds, KindHandler)
	}

	switch len(kinds) {
	case 0:
		return "", "", fmt.Errorf("step %q: no command field set (one of shell/claude/write_file/foreach/goal_seek/handler)", s.Name)
	case 1:
		return kinds[0], command, nil
	default:
		return "", "", fmt.Errorf("step %q: multiple command fields set (%v); exactly one is allowed", s.Name, kinds)
	}
}
