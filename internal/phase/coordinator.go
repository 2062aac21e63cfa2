// Package phase implements the phase coordinator: the setup -> map ->
// reduce -> merge execution loop that drives a workflow.Workflow end to
// end, checkpointing after every completed step and every phase transition
// so a crashed or interrupted job resumes exactly where it left off.
package phase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/prodigy-cli/prodigy/internal/checkpoint"
	"github.com/prodigy-cli/prodigy/internal/jobstate"
	"github.com/prodigy-cli/prodigy/internal/mapreduce"
	"github.com/prodigy-cli/prodigy/internal/progress"
	"github.com/prodigy-cli/prodigy/internal/variables"
	"github.com/prodigy-cli/prodigy/internal/workflow"
	"github.com/prodigy-cli/prodigy/internal/workitem"
)

// Result is one job run's outcome, returned whether the run completed,
// failed, or was cut short by a cancelled context.
type Result struct {
	JobID       string
	Phase       workflow.Phase
	Status      workflow.Status
	Completed   bool
	Interrupted bool
	MapResults  []mapreduce.ItemResult
	Error       string
}

// Summary renders the user-facing counts line for a finished map phase.
func (r *Result) Summary() string {
	var successful, failed, pending, dead int
	for _, ir := range r.MapResults {
		switch {
		case ir.Success:
			successful++
		case ir.Status == workitem.DeadLettered:
			dead++
		case ir.Status == workitem.Pending:
			pending++
		default:
			failed++
		}
	}
	return fmt.Sprintf("%d successful, %d failed, %d pending, %d dead-lettered", successful, failed, pending, dead)
}

// Coordinator drives a Workflow's setup/map/reduce/merge phases end to
// end, resuming from jobstate/checkpoint state already on disk rather than
// always starting fresh.
type Coordinator struct {
	Engine      *workflow.Engine
	Executor    *mapreduce.Executor
	Checkpoints *checkpoint.Manager
	Jobs        *jobstate.Manager
	Bus         *progress.Bus
	Logger      *log.Logger

	// WorkDir is the base working directory steps run in (the repo
	// root; agents override it with their worktree).
	WorkDir string

	// CheckpointInterval gates per-step checkpoint writes; phase
	// transitions and interrupts always force one. Zero means every
	// step.
	CheckpointInterval time.Duration

	lastCheckpoint time.Time
}

// Run executes wf as job jobID. If jobID already has jobstate/checkpoint
// state on disk, execution resumes at the recorded phase and step index
// instead of re-running completed work. workflowPath is persisted on the
// job so that a later `prodigy resume <job-id>` can reload wf without the
// caller re-specifying its path.
func (c *Coordinator) Run(ctx context.Context, jobID, workflowPath string, wf *workflow.Workflow, globals *variables.Context) (*Result, error) {
	job, err := c.loadOrCreateJob(jobID, wf.Name, workflowPath)
	if err != nil {
		return nil, err
	}

	cp := c.loadOrCreateCheckpoint(jobID, wf)
	result := &Result{JobID: jobID, Phase: job.Phase, Status: workflow.StatusRunning}

	// Workflow-level env and secrets resolve once, into global scope, so
	// every phase and agent sees the same values. Values may reference
	// ${env.*}, ${cmd:*}, positional "$1" arguments, and each other's
	// earlier definitions; unresolved references pass through verbatim.
	interp := variables.NewInterpolator(globals, variables.NonStrict)
	for _, mapping := range []map[string]string{wf.Env, wf.Secrets} {
		for k, v := range mapping {
			resolved, rerr := interp.Interpolate(v)
			if rerr != nil {
				return nil, fmt.Errorf("phase: resolving env %q for job %q: %w", k, jobID, rerr)
			}
			globals.Set(variables.ScopeGlobal, k, resolved)
		}
	}

	// A resumed job restores the phase and global variables it had
	// checkpointed; later definitions win over the restored snapshot only
	// when the document itself changed them.
	for k, v := range cp.Variables {
		if _, defined := globals.Lookup(k); !defined {
			globals.Set(variables.ScopeGlobal, k, v)
		}
	}

	c.publish(progress.Event{Type: progress.JobStarted, JobID: jobID, Phase: string(job.Phase), Message: "job run started"})

	// A sequential workflow is a one-phase job: its steps run as the
	// setup phase and the map/reduce/merge phases are skipped.
	steps := wf.Sequential()

	if job.Phase == workflow.PhaseSetup {
		setupSteps := wf.Setup
		if len(steps) > 0 {
			setupSteps = steps
		}
		if err := c.runSequential(ctx, job, cp, wf, workflow.PhaseSetup, setupSteps, globals); err != nil {
			return c.finish(result, job, cp, err)
		}
	}

	if job.Phase == workflow.PhaseMap {
		mapResults, err := c.runMap(ctx, job, cp, wf, globals)
		result.MapResults = mapResults
		if err != nil {
			return c.finish(result, job, cp, err)
		}
	}

	if job.Phase == workflow.PhaseReduce {
		if err := c.runSequential(ctx, job, cp, wf, workflow.PhaseReduce, wf.Reduce, globals); err != nil {
			return c.finish(result, job, cp, err)
		}
		if cp.MapReduce != nil {
			cp.MapReduce.ReduceCompleted = true
		}
	}

	if job.Phase == workflow.PhaseMerge {
		if err := c.runSequential(ctx, job, cp, wf, workflow.PhaseMerge, wf.Merge, globals); err != nil {
			return c.finish(result, job, cp, err)
		}
	}

	result.Phase = job.Phase
	result.Completed = true
	result.Status = workflow.StatusCompleted

	// The job is done: the checkpoint no longer serves a resume purpose.
	if c.Checkpoints != nil {
		if err := c.Checkpoints.Delete(jobID); err != nil {
			c.log("checkpoint delete failed", "job", jobID, "error", err)
		}
	}
	c.publish(progress.Event{Type: progress.JobCompleted, JobID: jobID, Phase: string(job.Phase), Message: "job run completed"})
	return result, nil
}

// finish classifies err (interrupted vs failed), forces a final checkpoint
// so the job is resumable, and returns the annotated result.
func (c *Coordinator) finish(result *Result, job *jobstate.JobState, cp *workflow.WorkflowCheckpoint, err error) (*Result, error) {
	result.Phase = job.Phase
	result.Error = err.Error()

	if errors.Is(err, workflow.ErrInterrupted) || errors.Is(err, context.Canceled) {
		result.Interrupted = true
		result.Status = workflow.StatusInterrupted
		cp.Status = workflow.StatusInterrupted
		c.saveCheckpoint(cp, true)
		c.publish(progress.Event{Type: progress.JobFailed, JobID: job.JobID, Phase: string(job.Phase), Error: "interrupted"})
		return result, fmt.Errorf("phase: job %q: %w", job.JobID, workflow.ErrInterrupted)
	}

	result.Status = workflow.StatusFailed
	cp.Status = workflow.StatusFailed
	c.saveCheckpoint(cp, true)
	c.publish(progress.Event{Type: progress.JobFailed, JobID: job.JobID, Phase: string(job.Phase), Error: err.Error()})
	return result, fmt.Errorf("phase: job %q: %w", job.JobID, err)
}

// runSequential executes one sequential phase (setup, reduce, or merge),
// checkpointing after every step, then advances the job to the next phase.
func (c *Coordinator) runSequential(ctx context.Context, job *jobstate.JobState, cp *workflow.WorkflowCheckpoint, wf *workflow.Workflow, ph workflow.Phase, steps []Step, globals *variables.Context) error {
	c.publish(progress.Event{Type: progress.PhaseStarted, JobID: job.JobID, Phase: string(ph), Message: "phase started"})

	cp.Phase = ph
	cp.TotalSteps = len(steps)

	sc := workflow.StepContext{JobID: job.JobID, Phase: string(ph), WorkDir: c.WorkDir, Env: wf.Env}

	engine := c.Engine
	hook := func(cs workflow.CompletedStep) error {
		cp.CompletedSteps = append(cp.CompletedSteps, cs)
		// Only a completed (or skipped) step advances the resume point; a
		// failed step must be re-run by the next attempt.
		if cs.Success {
			cp.NextStepIndex++
		}
		cp.Variables = globals.Snapshot()
		return c.saveCheckpoint(cp, false)
	}
	_, runErr := engine.RunStepsWithHook(ctx, sc, steps, globals, cp.NextStepIndex, hook)

	cp.Variables = globals.Snapshot()
	if err := c.saveCheckpoint(cp, true); err != nil {
		return err
	}
	if runErr != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", ph, workflow.ErrInterrupted)
		}
		return fmt.Errorf("%s: %w", ph, runErr)
	}
	c.publish(progress.Event{Type: progress.PhaseCompleted, JobID: job.JobID, Phase: string(ph), Message: "phase completed"})

	next, ok := c.nextPhase(wf, ph)
	if !ok {
		return nil
	}
	if err := c.advance(job, next, string(ph)+" completed"); err != nil {
		return err
	}
	cp.Phase, cp.NextStepIndex = next, 0
	return c.saveCheckpoint(cp, true)
}

// nextPhase returns the phase after ph for this workflow, skipping phases
// the document doesn't define. ok is false when ph is the last phase.
func (c *Coordinator) nextPhase(wf *workflow.Workflow, ph workflow.Phase) (workflow.Phase, bool) {
	if len(wf.Sequential()) > 0 {
		return "", false
	}
	switch ph {
	case workflow.PhaseSetup:
		if wf.Map != nil {
			return workflow.PhaseMap, true
		}
		if len(wf.Reduce) > 0 {
			return workflow.PhaseReduce, true
		}
		if len(wf.Merge) > 0 {
			return workflow.PhaseMerge, true
		}
		return "", false
	case workflow.PhaseMap:
		if len(wf.Reduce) > 0 {
			return workflow.PhaseReduce, true
		}
		if len(wf.Merge) > 0 {
			return workflow.PhaseMerge, true
		}
		return "", false
	case workflow.PhaseReduce:
		if len(wf.Merge) > 0 {
			return workflow.PhaseMerge, true
		}
		return "", false
	default:
		return "", false
	}
}

func (c *Coordinator) runMap(ctx context.Context, job *jobstate.JobState, cp *workflow.WorkflowCheckpoint, wf *workflow.Workflow, globals *variables.Context) ([]mapreduce.ItemResult, error) {
	if wf.Map == nil {
		return nil, fmt.Errorf("map: job is in the map phase but the workflow defines none")
	}
	c.publish(progress.Event{Type: progress.PhaseStarted, JobID: job.JobID, Phase: string(workflow.PhaseMap), Message: "map phase started"})
	startedAt := time.Now()

	items, err := mapreduce.LoadItems(wf.Map)
	if err != nil {
		return nil, fmt.Errorf("map: loading input: %w", err)
	}

	if cp.MapReduce == nil {
		cp.MapReduce = &workflow.MapState{
			InProgressItems: make(map[string]workflow.AgentState),
			AgentResults:    make(map[string]any),
		}
	}
	skip := make(map[string]any, len(cp.MapReduce.CompletedItems))
	for _, id := range cp.MapReduce.CompletedItems {
		skip[id] = cp.MapReduce.AgentResults[id]
	}
	// A rewound job (dlq retry after the checkpoint was already deleted)
	// has no map state; the durable job record still knows which items
	// completed and what they produced.
	for id, it := range job.Items {
		if it.Status == workitem.Completed {
			if _, tracked := skip[id]; !tracked {
				skip[id] = it.Output
			}
		}
	}

	opts := mapreduce.RunOpts{
		SkipCompleted: skip,
		OnItem: func(ir mapreduce.ItemResult) {
			c.recordItem(cp, ir)
		},
	}

	results, runErr := c.Executor.Run(ctx, job.JobID, wf.Map, items, globals, opts)

	c.setMapAggregates(globals, results, time.Since(startedAt))

	if runErr != nil {
		return results, fmt.Errorf("map: %w", runErr)
	}

	// The map phase only fails outright on a total wipe-out: some failed
	// items alongside successes leave the job to the DLQ workflow.
	var successful, failed int
	for _, r := range results {
		if r.Success {
			successful++
		} else if r.Status == workitem.Failed || r.Status == workitem.DeadLettered {
			failed++
		}
	}
	if failed > 0 && successful == 0 {
		return results, fmt.Errorf("map: all %d processed items failed", failed)
	}

	c.publish(progress.Event{Type: progress.PhaseCompleted, JobID: job.JobID, Phase: string(workflow.PhaseMap),
		Message: fmt.Sprintf("map phase completed: %d succeeded, %d failed", successful, failed)})

	next, ok := c.nextPhase(wf, workflow.PhaseMap)
	if !ok {
		return results, nil
	}
	if err := c.advance(job, next, "map phase completed"); err != nil {
		return results, err
	}
	cp.Phase, cp.NextStepIndex = next, 0
	cp.Variables = globals.Snapshot()
	return results, c.saveCheckpoint(cp, true)
}

// recordItem folds one item's terminal outcome into the checkpoint's map
// state and persists it. Invoked serially by the executor.
func (c *Coordinator) recordItem(cp *workflow.WorkflowCheckpoint, ir mapreduce.ItemResult) {
	ms := cp.MapReduce
	switch ir.Status {
	case workitem.Completed:
		ms.CompletedItems = append(ms.CompletedItems, ir.ItemID)
		ms.AgentResults[ir.ItemID] = ir.Output
		delete(ms.InProgressItems, ir.ItemID)
	case workitem.Failed, workitem.DeadLettered:
		ms.FailedItems = append(ms.FailedItems, ir.ItemID)
		delete(ms.InProgressItems, ir.ItemID)
	case workitem.Pending:
		delete(ms.InProgressItems, ir.ItemID)
	}
	if err := c.saveCheckpoint(cp, false); err != nil {
		c.log("checkpoint save failed", "job", cp.JobID, "error", err)
	}
}

// setMapAggregates publishes the map.* variables the reduce phase
// interpolates, in phase scope so they outlive any single step. Results
// preserve item input order.
func (c *Coordinator) setMapAggregates(globals *variables.Context, results []mapreduce.ItemResult, elapsed time.Duration) {
	var successResults []any
	var successful, failed, skipped int
	for _, r := range results {
		switch {
		case r.Success:
			successful++
			successResults = append(successResults, map[string]any{
				"item_id": r.ItemID,
				"item":    r.Item,
				"output":  r.Output,
			})
		case r.Status == workitem.Pending:
			skipped++
		default:
			failed++
		}
	}

	total := len(results)
	rate := 0.0
	if total > 0 {
		rate = float64(successful) / float64(total) * 100
	}

	globals.Set(variables.ScopePhase, "map", map[string]any{
		"total":        total,
		"successful":   successful,
		"failed":       failed,
		"skipped":      skipped,
		"duration":     elapsed.Round(time.Millisecond).String(),
		"success_rate": rate,
		"results":      successResults,
	})
}

func (c *Coordinator) loadOrCreateJob(jobID, workflowName, workflowPath string) (*jobstate.JobState, error) {
	if c.Jobs == nil {
		return jobstate.New(jobID, workflowName, workflowPath), nil
	}
	job, err := c.Jobs.Load(jobID)
	if err != nil {
		job = jobstate.New(jobID, workflowName, workflowPath)
		if saveErr := c.Jobs.Save(job); saveErr != nil {
			return nil, fmt.Errorf("phase: creating job %q: %w", jobID, saveErr)
		}
		c.publish(progress.Event{Type: progress.JobStarted, JobID: jobID, Message: "new job created"})
		return job, nil
	}
	c.publish(progress.Event{Type: progress.JobResumed, JobID: jobID, Phase: string(job.Phase), Message: "resuming from existing job state"})
	return job, nil
}

func (c *Coordinator) loadOrCreateCheckpoint(jobID string, wf *workflow.Workflow) *workflow.WorkflowCheckpoint {
	hash := checkpoint.HashWorkflow(wf)
	fresh := &workflow.WorkflowCheckpoint{JobID: jobID, WorkflowName: wf.Name, WorkflowHash: hash, Phase: workflow.PhaseSetup, Status: workflow.StatusRunning}
	if c.Checkpoints == nil {
		return fresh
	}
	cp, err := c.Checkpoints.Load(jobID)
	if err != nil {
		return fresh
	}
	if warning, verr := checkpoint.Validate(cp, hash); verr != nil {
		c.log("checkpoint failed validation, starting fresh", "job", jobID, "error", verr)
		return fresh
	} else if warning != "" {
		c.log("resuming with warning", "job", jobID, "warning", warning)
	}
	cp.Status = workflow.StatusRunning

	// Phase and global variables are restored from the checkpoint; local
	// captures are re-derived per step and never persisted.
	return cp
}

func (c *Coordinator) advance(job *jobstate.JobState, target workflow.Phase, message string) error {
	if job.Phase == target {
		return nil
	}
	if err := job.AdvancePhase(target, message); err != nil {
		return fmt.Errorf("advancing job %q: %w", job.JobID, err)
	}
	if c.Jobs != nil {
		if err := c.Jobs.Save(job); err != nil {
			return fmt.Errorf("saving job %q: %w", job.JobID, err)
		}
	}
	return nil
}

// saveCheckpoint persists cp. force bypasses the interval gate; interval-
// gated saves are best-effort in the sense that at most one interval of
// work is at risk, but any write that is attempted and fails is fatal.
func (c *Coordinator) saveCheckpoint(cp *workflow.WorkflowCheckpoint, force bool) error {
	if c.Checkpoints == nil {
		return nil
	}
	if !force && !checkpoint.ShouldCheckpoint(c.lastCheckpoint, c.CheckpointInterval) {
		return nil
	}
	if err := c.Checkpoints.Save(cp); err != nil {
		return fmt.Errorf("checkpoint save for job %q: %w", cp.JobID, err)
	}
	c.lastCheckpoint = time.Now()
	c.publish(progress.Event{Type: progress.CheckpointSaved, JobID: cp.JobID, Phase: string(cp.Phase), Message: "checkpoint saved"})
	return nil
}

func (c *Coordinator) publish(ev progress.Event) {
	if c.Bus == nil {
		return
	}
	c.Bus.Publish(ev)
}

func (c *Coordinator) log(msg string, kvs ...any) {
	if c.Logger == nil {
		return
	}
	c.Logger.Info(msg, kvs...)
}

// Step aliases workflow.Step for the phase-running helpers' signatures.
type Step = workflow.Step
