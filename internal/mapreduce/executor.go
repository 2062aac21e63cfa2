// Package mapreduce implements the MapReduce executor: it loads a
// MapPhase's input collection, fans it out across a bounded worker pool
// running the agent template once per item in an isolated git worktree,
// and aggregates results for the reduce phase.
//
// The pool is an errgroup.WithContext with g.SetLimit(parallelism) and a
// mutex guarding shared result accumulation; worker goroutines always
// return nil to the errgroup so one item's failure never cancels its
// siblings. A consecutive-failure breaker aborts a systematically failing
// batch instead.
package mapreduce

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/charmbracelet/log"

	"github.com/prodigy-cli/prodigy/internal/agentstate"
	"github.com/prodigy-cli/prodigy/internal/dlq"
	"github.com/prodigy-cli/prodigy/internal/jobstate"
	"github.com/prodigy-cli/prodigy/internal/progress"
	"github.com/prodigy-cli/prodigy/internal/variables"
	"github.com/prodigy-cli/prodigy/internal/workflow"
	"github.com/prodigy-cli/prodigy/internal/workitem"
	"github.com/prodigy-cli/prodigy/internal/worktree"
)

// ItemResult is one item's final outcome, aggregated into "map.results" for
// the reduce phase.
type ItemResult struct {
	ItemID   string
	AgentID  string
	Item     any
	Status   workitem.Status
	Success  bool
	Output   any
	Error    string
	Attempts int
	Duration time.Duration

	WorktreePath    string
	BranchName      string
	JSONLogLocation string

	// Change extraction from the agent's worktree: which files it
	// modified, the commits it produced, and the aggregate line counts.
	FilesModified []string
	Commits       []string
	Insertions    int
	Deletions     int

	Completed []workflow.CompletedStep
}

// RunOpts tunes one Executor.Run invocation.
type RunOpts struct {
	// SkipCompleted maps item IDs a previous run already finished to
	// their recorded outputs; those items are emitted as cached results
	// without re-dispatching an agent.
	SkipCompleted map[string]any

	// OnItem is invoked serially as each item reaches a terminal state,
	// typically to fold the outcome into a checkpoint.
	OnItem func(ItemResult)
}

// Executor runs a MapPhase's agent template over a loaded item set.
type Executor struct {
	Engine    *workflow.Engine
	Worktrees *worktree.Manager // nil disables per-item worktree isolation
	DLQ       *dlq.Queue
	Jobs      *jobstate.Manager
	Bus       *progress.Bus
	Logger    *log.Logger

	// MaxRetries bounds re-dispatches after an item's first failure
	// before it is dead-lettered. <= 0 means no retries.
	MaxRetries int

	// BaseBranch is the branch per-item worktrees are created from.
	BaseBranch string

	jobMu sync.Mutex

	// MaxConsecutiveFailures aborts the remaining queue once this many
	// items in a row have exhausted their retries, stopping a batch
	// that's failing systematically (bad credentials, broken agent
	// command) rather than burning through every remaining item.
	// <= 0 disables the breaker.
	MaxConsecutiveFailures int
}

// ErrTooManyConsecutiveFailures is returned by Run when the consecutive
// failure breaker trips before every item has been dispatched.
var ErrTooManyConsecutiveFailures = errors.New("mapreduce: too many consecutive item failures")

// ResolveParallelism interpolates and parses a MapPhase's max_parallel
// field. Empty, "0", and "1" all mean sequential.
func ResolveParallelism(raw string, vars *variables.Context) (int, error) {
	if raw == "" {
		return 1, nil
	}
	resolved, err := variables.NewInterpolator(vars, variables.Strict).Interpolate(raw)
	if err != nil {
		return 0, fmt.Errorf("mapreduce: interpolating max_parallel %q: %w", raw, err)
	}
	n, err := strconv.Atoi(resolved)
	if err != nil {
		return 0, fmt.Errorf("mapreduce: max_parallel %q is not an integer", resolved)
	}
	if n < 0 {
		return 0, fmt.Errorf("mapreduce: max_parallel must be >= 0, got %d", n)
	}
	if n == 0 {
		n = 1
	}
	return n, nil
}

// Run executes phase's agent template once per item in items, bounded by
// the resolved max_parallel, and returns every item's ItemResult in input
// order. An external cancellation resets in-flight items to pending and
// returns workflow.ErrInterrupted.
func (e *Executor) Run(ctx context.Context, jobID string, phase *workflow.MapPhase, items []Item, globals *variables.Context, opts RunOpts) ([]ItemResult, error) {
	limit, err := ResolveParallelism(phase.MaxParallel, globals)
	if err != nil {
		return nil, err
	}

	results := make([]ItemResult, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	gctx, cancel := context.WithCancel(gctx)
	defer cancel()

	var mu sync.Mutex
	breaker := newFailureBreaker(e.MaxConsecutiveFailures, e.Logger)
	tripped := false

	for i, item := range items {
		i, item := i, item

		if cached, ok := opts.SkipCompleted[item.ID]; ok {
			results[i] = ItemResult{ItemID: item.ID, Item: item.Value, Status: workitem.Completed, Success: true, Output: cached}
			continue
		}

		g.Go(func() error {
			res := e.runItem(gctx, jobID, phase, item, globals)

			mu.Lock()
			results[i] = res
			if res.Success {
				breaker.recordSuccess()
			} else if res.Status != workitem.Pending && !breaker.recordFailure(res.ItemID, res.Error) {
				if !tripped {
					tripped = true
					cancel()
				}
			}
			if opts.OnItem != nil {
				opts.OnItem(res)
			}
			mu.Unlock()

			// Always return nil: one item's failure must never cancel the
			// pool's other in-flight items via the errgroup itself -- the
			// breaker cancels gctx directly when it trips.
			return nil
		})
	}

	_ = g.Wait()

	// Undispatched slots after a cancellation stay pending for resume.
	for i, item := range items {
		if results[i].ItemID == "" {
			results[i] = ItemResult{ItemID: item.ID, Item: item.Value, Status: workitem.Pending}
		}
	}

	if ctx.Err() != nil {
		e.interruptPending(jobID, results)
		return results, fmt.Errorf("mapreduce: %w", workflow.ErrInterrupted)
	}
	if tripped {
		return results, ErrTooManyConsecutiveFailures
	}
	return results, nil
}

// interruptPending resets every non-terminal item back to pending in the
// durable job state, so a resume re-dispatches exactly the interrupted and
// never-started work.
func (e *Executor) interruptPending(jobID string, results []ItemResult) {
	for i := range results {
		if results[i].Status == workitem.InProgress {
			results[i].Status = workitem.Pending
		}
		if results[i].Status == workitem.Pending {
			e.updateItemStatus(jobID, results[i].ItemID, workitem.Pending)
		}
	}
}

// runItem drives one item's full lifecycle: acquire a worktree, run the
// agent template (with the agent-level timeout applied), retry on failure,
// and dead-letter once the retry budget is spent.
func (e *Executor) runItem(ctx context.Context, jobID string, phase *workflow.MapPhase, item Item, globals *variables.Context) ItemResult {
	res := ItemResult{ItemID: item.ID, Item: item.Value, Status: workitem.Pending}
	startedAt := time.Now()

	maxAttempts := 1 + e.MaxRetries
	var failures []dlq.FailureDetail

	e.publish(progress.Event{Type: progress.ItemDispatched, JobID: jobID, ItemID: item.ID, Message: "dispatched"})

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			res.Status = workitem.Pending
			res.Duration = time.Since(startedAt)
			return res
		}

		res.Attempts = attempt
		res.Status, _ = workitem.Apply(res.Status, workitem.EventDispatch)
		e.updateItemStatus(jobID, item.ID, res.Status)

		attemptErr := e.runAttempt(ctx, jobID, phase, item, globals, attempt, &res)

		if attemptErr == nil {
			res.Status, _ = workitem.Apply(res.Status, workitem.EventSucceed)
			res.Success = true
			res.Duration = time.Since(startedAt)
			e.updateItemResult(jobID, item.ID, res.Status, res.Output)
			e.publish(progress.Event{Type: progress.ItemCompleted, JobID: jobID, ItemID: item.ID, Message: "completed"})
			return res
		}

		if ctx.Err() != nil && !errors.Is(attemptErr, context.DeadlineExceeded) {
			// External cancellation, not this item's own timeout.
			res.Status = workitem.Pending
			res.Duration = time.Since(startedAt)
			return res
		}

		res.Status, _ = workitem.Apply(res.Status, workitem.EventFail)
		res.Error = attemptErr.Error()
		errorType := "CommandFailed"
		if errors.Is(attemptErr, context.DeadlineExceeded) {
			errorType = "Timeout"
		}
		failures = append(failures, dlq.FailureDetail{
			Attempt:   attempt,
			Error:     attemptErr.Error(),
			ErrorType: errorType,
			AgentID:   res.AgentID,
			Timestamp: time.Now().UTC(),
		})

		if attempt < maxAttempts {
			res.Status, _ = workitem.Apply(res.Status, workitem.EventRetry)
			e.updateItemStatus(jobID, item.ID, res.Status)
			e.publish(progress.Event{Type: progress.StepRetrying, JobID: jobID, ItemID: item.ID,
				Message: fmt.Sprintf("attempt %d failed, retrying", attempt)})
		}
	}

	res.Duration = time.Since(startedAt)
	e.updateItemStatus(jobID, item.ID, res.Status)
	e.publish(progress.Event{Type: progress.ItemFailed, JobID: jobID, ItemID: item.ID, Error: res.Error})

	// A retry count of maxAttempts-1 exceeding MaxRetries is exactly the
	// exhaustion condition; with e.DLQ unset the item simply stays failed.
	if e.DLQ != nil && workitem.ShouldDeadLetter(res.Attempts, e.MaxRetries) {
		e.deadLetter(jobID, item, failures)
		res.Status, _ = workitem.Apply(res.Status, workitem.EventExhaust)
		e.updateItemStatus(jobID, item.ID, res.Status)
		e.publish(progress.Event{Type: progress.ItemDeadLettered, JobID: jobID, ItemID: item.ID, Error: res.Error})
	}

	return res
}

// runAttempt executes the agent template once inside a fresh worktree,
// with the agent timeout applied across all template steps.
func (e *Executor) runAttempt(ctx context.Context, jobID string, phase *workflow.MapPhase, item Item, globals *variables.Context, attempt int, res *ItemResult) error {
	agentID := fmt.Sprintf("agent-%s-%s-%d", jobID, item.ID, attempt)
	res.AgentID = agentID

	state := agentstate.Created

	runCtx := ctx
	var cancel context.CancelFunc
	if phase.AgentTimeoutSecs > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(phase.AgentTimeoutSecs)*time.Second)
		defer cancel()
	}

	session, cleanup := e.acquireWorktree(runCtx, jobID, item.ID)
	defer func() {
		if cleanup != nil {
			cleanup()
		}
	}()

	workDir := ""
	if session != nil {
		workDir = session.Path
		res.WorktreePath = session.Path
		res.BranchName = session.Branch
	}

	itemVars := globals.WithPhase(map[string]any{
		"item": item.Value,
		"agent": map[string]any{
			"id":       agentID,
			"worktree": workDir,
		},
	})

	state, _ = agentstate.Apply(state, agentstate.Start)

	sc := workflow.StepContext{
		JobID:          jobID,
		Phase:          string(workflow.PhaseMap),
		WorkDir:        workDir,
		Env:            phase.WorkflowEnv,
		CaptureToPhase: true,
	}

	history, runErr := e.Engine.RunSteps(runCtx, sc, phase.Template(), itemVars, 0)
	res.Completed = append(res.Completed, history...)

	if runErr != nil {
		state, _ = agentstate.Apply(state, agentstate.Fail)
		_ = state
		if phase.AgentTimeoutSecs > 0 && runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return fmt.Errorf("timeout after %ds: %w", phase.AgentTimeoutSecs, context.DeadlineExceeded)
		}
		return runErr
	}

	state, _ = agentstate.Apply(state, agentstate.Complete)
	_ = state

	// The agent's output is its explicit "result" capture when present,
	// falling back to the last step's output.
	if v, ok := itemVars.Lookup("result"); ok {
		res.Output = v
	} else if v, ok := itemVars.Lookup("last_output"); ok {
		res.Output = v
	}
	if v, ok := itemVars.Lookup("json_log_location"); ok {
		res.JSONLogLocation, _ = v.(string)
	}

	// Fold the worktree's committed work into the result before the
	// deferred release tears the checkout down.
	if session != nil {
		changes, changesErr := e.Worktrees.ExtractChanges(runCtx, session,
			fmt.Sprintf("prodigy: agent output for item %s", item.ID), nil)
		if changesErr != nil {
			e.log("change extraction failed", "item", item.ID, "error", changesErr)
		} else {
			res.FilesModified = changes.FilesModified
			res.Commits = changes.Commits
			res.Insertions = changes.Insertions
			res.Deletions = changes.Deletions
		}
	}
	return nil
}

func (e *Executor) acquireWorktree(ctx context.Context, jobID, itemID string) (*worktree.Session, func()) {
	if e.Worktrees == nil {
		return nil, nil
	}
	session, err := e.Worktrees.Acquire(ctx, jobID, itemID, e.BaseBranch)
	if err != nil {
		e.log("worktree acquire failed", "item", itemID, "error", err)
		return nil, nil
	}
	return session, func() {
		// Release must run on every exit path; force discards whatever a
		// failed or cancelled agent left uncommitted.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if releaseErr := e.Worktrees.Release(releaseCtx, session, true); releaseErr != nil {
			e.log("worktree release failed", "item", itemID, "error", releaseErr)
		}
	}
}

func (e *Executor) deadLetter(jobID string, item Item, failures []dlq.FailureDetail) {
	entry := dlq.DeadLetteredItem{
		JobID:    jobID,
		ItemID:   item.ID,
		Item:     item.Value,
		Failures: failures,
		// Exhausted items default to retryable; an operator demotes the
		// ones that clearly need a workflow fix first.
		ReprocessEligible: true,
	}
	if err := e.DLQ.Add(entry); err != nil {
		e.log("dlq add failed", "item", item.ID, "error", err)
	}
}

func (e *Executor) updateItemStatus(jobID, itemID string, status workitem.Status) {
	e.updateItemResult(jobID, itemID, status, nil)
}

func (e *Executor) updateItemResult(jobID, itemID string, status workitem.Status, output any) {
	if e.Jobs == nil {
		return
	}
	// Serialise load-modify-save: concurrent workers share one job record.
	e.jobMu.Lock()
	defer e.jobMu.Unlock()
	state, err := e.Jobs.Load(jobID)
	if err != nil {
		return
	}
	state.UpdateItem(itemID, status)
	if status == workitem.Completed {
		state.SetItemOutput(itemID, output)
	}
	if saveErr := e.Jobs.Save(state); saveErr != nil {
		e.log("jobstate save failed", "job", jobID, "error", saveErr)
	}
}

func (e *Executor) publish(ev progress.Event) {
	if e.Bus == nil {
		return
	}
	e.Bus.Publish(ev)
}

func (e *Executor) log(msg string, kvs ...any) {
	if e.Logger == nil {
		return
	}
	e.Logger.Info(msg, kvs...)
}
