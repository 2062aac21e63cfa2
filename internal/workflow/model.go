package workflow

import (
	"fmt"
	"time"

	"go.yaml.in/yaml/v3"
)

// Workflow is the root document a user authors: either a plain sequential
// step list, or a MapReduce job with setup/map/reduce/merge phases. Decoded
// from YAML by Load.
type Workflow struct {
	Name string `yaml:"name" json:"name"`

	// Mode is "sequential" or "mapreduce". Empty means inferred: a
	// document with a map phase is mapreduce, anything else sequential.
	Mode string `yaml:"mode,omitempty" json:"mode,omitempty"`

	// Env maps variable names to literal values made available to every
	// step, both for ${...} interpolation and as child process env.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// Secrets are resolved like Env but redacted from logs and progress
	// events.
	Secrets map[string]string `yaml:"secrets,omitempty" json:"secrets,omitempty"`

	// Setup runs once, sequentially, before the map phase.
	Setup []Step `yaml:"setup,omitempty" json:"setup,omitempty"`

	// Map, when set, fans the map phase's Agent template out over Input.
	Map *MapPhase `yaml:"map,omitempty" json:"map,omitempty"`

	// Reduce runs once, sequentially, after the map phase completes, with
	// the "map.*" aggregates available in phase scope.
	Reduce []Step `yaml:"reduce,omitempty" json:"reduce,omitempty"`

	// Merge runs last, after reduce, typically to fold surviving agent
	// worktree branches back into the primary checkout.
	Merge []Step `yaml:"merge,omitempty" json:"merge,omitempty"`

	// Steps is used instead of Setup/Map/Reduce for a plain sequential
	// workflow with no MapReduce phase. "commands" is accepted as an
	// alias.
	Steps    []Step `yaml:"steps,omitempty" json:"steps,omitempty"`
	Commands []Step `yaml:"commands,omitempty" json:"commands,omitempty"`
}

// Sequential returns the step list of a sequential workflow, honouring the
// "commands" alias.
func (w *Workflow) Sequential() []Step {
	if len(w.Steps) > 0 {
		return w.Steps
	}
	return w.Commands
}

// MapPhase describes the input collection, filtering, and per-item agent
// template that the MapReduce executor (internal/mapreduce) fans out over.
type MapPhase struct {
	// Input is a path to a JSON file or "-" for stdin.
	Input string `yaml:"input" json:"input"`

	// JSONPath selects the sequence of items within Input's decoded
	// document, e.g. ".items[]". Empty means Input decodes directly to an
	// array.
	JSONPath string `yaml:"json_path,omitempty" json:"json_path,omitempty"`

	// IDPath is a dotted path into each item whose value becomes the
	// item's stable ID. Empty means IDs derive from insertion index.
	IDPath string `yaml:"id_path,omitempty" json:"id_path,omitempty"`

	// Filter is a when:-grammar expression evaluated per item; items that
	// evaluate falsy are excluded before SortBy/MaxItems apply.
	Filter string `yaml:"filter,omitempty" json:"filter,omitempty"`

	// SortBy is a dotted path into each item used as the sort key.
	SortBy string `yaml:"sort_by,omitempty" json:"sort_by,omitempty"`

	// MaxItems caps the number of items processed, 0 means unlimited.
	MaxItems int `yaml:"max_items,omitempty" json:"max_items,omitempty"`

	// MaxParallel bounds the worker pool size. It is a string so a
	// workflow can interpolate it ("${env.PRODIGY_WORKERS}"); empty or
	// "0" means sequential.
	MaxParallel string `yaml:"max_parallel,omitempty" json:"max_parallel,omitempty"`

	// AgentTimeoutSecs caps one agent's total wall time over all its
	// template steps. 0 means no timeout.
	AgentTimeoutSecs int `yaml:"agent_timeout_secs,omitempty" json:"agent_timeout_secs,omitempty"`

	// WorkflowEnv is merged over the workflow-level Env for agent steps.
	WorkflowEnv map[string]string `yaml:"workflow_env,omitempty" json:"workflow_env,omitempty"`

	// Agent is the step template executed once per item, with "item"
	// available in the item's phase scope. "agent_template" is accepted
	// as an alias.
	Agent         []Step `yaml:"agent,omitempty" json:"agent,omitempty"`
	AgentTemplate []Step `yaml:"agent_template,omitempty" json:"agent_template,omitempty"`
}

// Template returns the agent step template, honouring the "agent_template"
// alias.
func (m *MapPhase) Template() []Step {
	if len(m.Agent) > 0 {
		return m.Agent
	}
	return m.AgentTemplate
}

// WriteFileSpec writes interpolated content to a file, optionally
// re-encoding it into a structured format first.
type WriteFileSpec struct {
	Path    string `yaml:"path" json:"path"`
	Content string `yaml:"content" json:"content"`

	// Format is one of "text" (default), "json", "yaml", "toml". For the
	// structured formats the interpolated content must parse as JSON; it
	// is re-encoded into the target format before writing.
	Format string `yaml:"format,omitempty" json:"format,omitempty"`

	// CreateDirs creates missing parent directories.
	CreateDirs bool `yaml:"create_dirs,omitempty" json:"create_dirs,omitempty"`

	// Mode is an octal permission string, e.g. "0644". Empty means 0644.
	Mode string `yaml:"mode,omitempty" json:"mode,omitempty"`
}

// ForeachSpec runs a nested step list once per item of a collection.
type ForeachSpec struct {
	// Items is either a YAML list, or a string that interpolates to a
	// JSON array or to newline-separated values.
	Items any `yaml:"items" json:"items"`

	// Parallel bounds concurrent iterations; 0 or 1 means sequential.
	Parallel int `yaml:"parallel,omitempty" json:"parallel,omitempty"`

	Do []Step `yaml:"do" json:"do"`
}

// GoalSeekSpec repeatedly runs a command until a validation command reports
// a completion score at or above Threshold.
type GoalSeekSpec struct {
	Goal      string  `yaml:"goal,omitempty" json:"goal,omitempty"`
	Command   string  `yaml:"command" json:"command"`
	Validate  string  `yaml:"validate" json:"validate"`
	Threshold float64 `yaml:"threshold,omitempty" json:"threshold,omitempty"`

	// MaxAttempts bounds command/validate cycles; 0 means 3.
	MaxAttempts int `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
}

// HandlerSpec dispatches to a named handler registered with the router,
// passing it interpolated attributes.
type HandlerSpec struct {
	Name       string         `yaml:"name" json:"name"`
	Attributes map[string]any `yaml:"attributes,omitempty" json:"attributes,omitempty"`
}

// RetryPolicy configures how many times and how a failed step is retried
// before its on_failure block runs.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int `yaml:"attempts,omitempty" json:"attempts,omitempty"`

	// Backoff is "fixed" (default) or "exponential".
	Backoff string `yaml:"backoff,omitempty" json:"backoff,omitempty"`

	// InitialDelay and MaxDelay are Go duration strings. Exponential
	// backoff doubles InitialDelay per attempt, clamped to MaxDelay.
	InitialDelay string `yaml:"initial_delay,omitempty" json:"initial_delay,omitempty"`
	MaxDelay     string `yaml:"max_delay,omitempty" json:"max_delay,omitempty"`
}

// OnFailure is the consolidated failure handler: a step sequence that runs
// after retries are exhausted, plus the knobs deciding what its outcome
// means for the step.
type OnFailure struct {
	Steps []Step `yaml:"steps,omitempty" json:"steps,omitempty"`

	// FailWorkflow forces the original failure to propagate even when the
	// handler sequence succeeds.
	FailWorkflow bool `yaml:"fail_workflow,omitempty" json:"fail_workflow,omitempty"`

	// MaxRetries > 0 reruns the original step after a successful handler
	// run, up to this many handler-then-retry cycles.
	MaxRetries int `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`

	// HandlerFailureFatal propagates a failure of the handler sequence
	// itself instead of falling back to the original step error.
	HandlerFailureFatal bool `yaml:"handler_failure_fatal,omitempty" json:"handler_failure_fatal,omitempty"`
}

// UnmarshalYAML accepts either the full mapping form or a bare step
// sequence as shorthand for {steps: [...]}.
func (o *OnFailure) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.SequenceNode {
		return node.Decode(&o.Steps)
	}
	type plain OnFailure
	return node.Decode((*plain)(o))
}

// ValidateSpec runs a command whose stdout must be a ValidationResult JSON
// document; the step passes iff completion_percentage >= Threshold.
type ValidateSpec struct {
	Command string `yaml:"command" json:"command"`

	// Threshold defaults to 100.
	Threshold float64 `yaml:"threshold,omitempty" json:"threshold,omitempty"`

	OnIncomplete *OnIncomplete `yaml:"on_incomplete,omitempty" json:"on_incomplete,omitempty"`
}

// UnmarshalYAML accepts a bare string as shorthand for {command: ...}.
func (v *ValidateSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return node.Decode(&v.Command)
	}
	type plain ValidateSpec
	return node.Decode((*plain)(v))
}

// OnIncomplete describes what to do when validation reports an incomplete
// result below threshold.
type OnIncomplete struct {
	// Strategy is "patch_gaps", "retry_full", or "interactive".
	Strategy string `yaml:"strategy,omitempty" json:"strategy,omitempty"`

	// Command runs before each re-validation, typically to close the
	// reported gaps.
	Command string `yaml:"command,omitempty" json:"command,omitempty"`

	// MaxAttempts bounds command/re-validate cycles; 0 means 1.
	MaxAttempts int `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`

	// FailWorkflow controls final disposition when attempts run out.
	FailWorkflow bool `yaml:"fail_workflow,omitempty" json:"fail_workflow,omitempty"`
}

// ValidationResult is the document a validate: command prints to stdout.
type ValidationResult struct {
	CompletionPercentage float64        `json:"completion_percentage"`
	Status               string         `json:"status"` // "complete" | "incomplete" | "failed"
	Implemented          []string       `json:"implemented,omitempty"`
	Missing              []string       `json:"missing,omitempty"`
	Gaps                 map[string]any `json:"gaps,omitempty"`
}

// StepValidate runs one or more assertion commands after a successful step.
type StepValidate struct {
	Commands []string `yaml:"commands,omitempty" json:"commands,omitempty"`

	// SuccessCriteria is "all" (default) or "any".
	SuccessCriteria string `yaml:"success_criteria,omitempty" json:"success_criteria,omitempty"`
}

// UnmarshalYAML accepts a bare string or sequence of strings as shorthand
// for {commands: [...]}.
func (s *StepValidate) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var one string
		if err := node.Decode(&one); err != nil {
			return err
		}
		s.Commands = []string{one}
		return nil
	case yaml.SequenceNode:
		return node.Decode(&s.Commands)
	default:
		type plain StepValidate
		return node.Decode((*plain)(s))
	}
}

// Step is a single unit of work. Exactly one of the command-kind fields
// (Shell, Claude, WriteFile, Foreach, GoalSeek, Handler) must be set.
type Step struct {
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	Shell     string         `yaml:"shell,omitempty" json:"shell,omitempty"`
	Claude    string         `yaml:"claude,omitempty" json:"claude,omitempty"`
	WriteFile *WriteFileSpec `yaml:"write_file,omitempty" json:"write_file,omitempty"`
	Foreach   *ForeachSpec   `yaml:"foreach,omitempty" json:"foreach,omitempty"`
	GoalSeek  *GoalSeekSpec  `yaml:"goal_seek,omitempty" json:"goal_seek,omitempty"`
	Handler   *HandlerSpec   `yaml:"handler,omitempty" json:"handler,omitempty"`

	// When gates execution: a falsy result skips the step entirely (no
	// attempt, no failure) rather than treating it as a failure.
	When string `yaml:"when,omitempty" json:"when,omitempty"`

	// Capture names the variable the step's output is stored under.
	Capture string `yaml:"capture,omitempty" json:"capture,omitempty"`

	// CaptureFormat is "string" (default), "json", "lines", "number", or
	// "boolean".
	CaptureFormat string `yaml:"capture_format,omitempty" json:"capture_format,omitempty"`

	// CaptureStreams is "stdout" (default), "stderr", or "both".
	CaptureStreams string `yaml:"capture_streams,omitempty" json:"capture_streams,omitempty"`

	// WorkingDir overrides the caller-provided base directory.
	WorkingDir string `yaml:"working_dir,omitempty" json:"working_dir,omitempty"`

	// Env is merged over the workflow env for this step's child process;
	// values are interpolated.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// CommitRequired fails the step if it created no new git commits in
	// its working directory.
	CommitRequired bool `yaml:"commit_required,omitempty" json:"commit_required,omitempty"`

	Retry *RetryPolicy `yaml:"retry,omitempty" json:"retry,omitempty"`

	// OnFailure runs after this step's retries are exhausted.
	OnFailure *OnFailure `yaml:"on_failure,omitempty" json:"on_failure,omitempty"`

	// OnSuccess runs after the step succeeds; its own failures do not
	// fail the step.
	OnSuccess []Step `yaml:"on_success,omitempty" json:"on_success,omitempty"`

	// OnExitCode maps specific exit codes to recovery step sequences.
	OnExitCode map[int][]Step `yaml:"on_exit_code,omitempty" json:"on_exit_code,omitempty"`

	Validate     *ValidateSpec `yaml:"validate,omitempty" json:"validate,omitempty"`
	StepValidate *StepValidate `yaml:"step_validate,omitempty" json:"step_validate,omitempty"`

	// TimeoutSeconds aborts the step's command when exceeded; reported as
	// a failure with exit code -1.
	TimeoutSeconds int `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// DisplayName returns the step's name, or a short description of its
// command when unnamed.
func (s *Step) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	kind, cmd, err := kindAndCommand(*s)
	if err != nil {
		return "(invalid step)"
	}
	if cmd == "" {
		return kind
	}
	if len(cmd) > 40 {
		cmd = cmd[:40] + "..."
	}
	return fmt.Sprintf("%s: %s", kind, cmd)
}

// CompletedStep records one executed step's outcome for the checkpoint and
// progress-bus history.
type CompletedStep struct {
	Name      string        `json:"name"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Attempt   int           `json:"attempt"`
	Success   bool          `json:"success"`
	Skipped   bool          `json:"skipped,omitempty"`
	ExitCode  int           `json:"exit_code,omitempty"`
	Captured  any           `json:"captured,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Phase identifies which part of a Workflow a checkpoint covers.
type Phase string

const (
	PhaseSetup  Phase = "setup"
	PhaseMap    Phase = "map"
	PhaseReduce Phase = "reduce"
	PhaseMerge  Phase = "merge"
)

// Status is a job run's overall disposition.
type Status string

const (
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

// MapState is the MapReduce portion of a checkpoint: which items finished,
// which failed, which were mid-flight when the checkpoint was written, and
// every completed item's result.
type MapState struct {
	CompletedItems  []string              `json:"completed_items"`
	FailedItems     []string              `json:"failed_items,omitempty"`
	InProgressItems map[string]AgentState `json:"in_progress_items,omitempty"`
	AgentResults    map[string]any        `json:"agent_results,omitempty"`
	ReduceCompleted bool                  `json:"reduce_completed,omitempty"`
}

// AgentState records the agent working an in-progress item at checkpoint
// time, so a resume can report what was cut off.
type AgentState struct {
	AgentID    string    `json:"agent_id"`
	ItemID     string    `json:"item_id"`
	StartedAt  time.Time `json:"started_at"`
	LastUpdate time.Time `json:"last_update"`
}

// WorkflowCheckpoint is the durable record internal/checkpoint persists
// after every step, letting internal/jobstate resume a job exactly where it
// left off.
type WorkflowCheckpoint struct {
	// Format is the on-disk schema version; readers reject anything
	// higher than they support.
	Format int `json:"format"`

	JobID        string `json:"job_id"`
	WorkflowName string `json:"workflow_name"`

	// WorkflowHash fingerprints the workflow document the checkpoint was
	// written against; a mismatch on resume warns but proceeds.
	WorkflowHash string `json:"workflow_hash,omitempty"`

	Phase          Phase           `json:"phase"`
	Status         Status          `json:"status,omitempty"`
	NextStepIndex  int             `json:"next_step_index"`
	TotalSteps     int             `json:"total_steps,omitempty"`
	CompletedSteps []CompletedStep `json:"completed_steps"`
	Variables      map[string]any  `json:"variables"`
	MapReduce      *MapState       `json:"mapreduce,omitempty"`

	// Version increases by one on every save of the same job.
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	Checksum  string    `json:"checksum,omitempty"`
}
