package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"text/tabwriter"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/prodigy-cli/prodigy/internal/checkpoint"
	"github.com/prodigy-cli/prodigy/internal/jobstate"
	"github.com/prodigy-cli/prodigy/internal/logging"
	"github.com/prodigy-cli/prodigy/internal/variables"
	"github.com/prodigy-cli/prodigy/internal/workflow"
	"github.com/prodigy-cli/prodigy/internal/workitem"
)

// runIDPattern validates that a --job value is a safe ID (not a file path).
// Only alphanumeric characters, hyphens, and underscores are permitted.
var runIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// resumeFlags holds parsed flag values for the resume command.
type resumeFlags struct {
	// JobID is the specific job to resume (--job <id>).
	JobID string
	// List shows all resumable jobs in a table (--list).
	List bool
	// DryRun shows what would be resumed without executing (--dry-run).
	DryRun bool
	// Clean deletes a specific job's jobstate and checkpoint (--clean <id>).
	Clean string
	// CleanAll deletes every job's state (--clean-all).
	CleanAll bool
	// Force skips the confirmation prompt for --clean-all in non-interactive mode.
	Force bool
	// FromStep overrides the checkpointed step index (--from-step).
	FromStep int
	// ResetFailures returns failed items to pending before resuming.
	ResetFailures bool
}

// newResumeCmd creates the "prodigy resume" command.
func newResumeCmd() *cobra.Command {
	var flags resumeFlags

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume an interrupted job",
		Long: `List resumable jobs or resume a specific interrupted job from its
last persisted checkpoint.

Job state is written to .prodigy/ relative to the current working
directory after every phase transition and step, so a resumed job
re-runs only the work that did not complete before the process
stopped.`,
		Example: `  # List all resumable jobs
  prodigy resume --list

  # Resume a specific job by ID
  prodigy resume --job 7f3c1b9a

  # Show what would be resumed without executing
  prodigy resume --job 7f3c1b9a --dry-run

  # Delete a specific job's state
  prodigy resume --clean 7f3c1b9a

  # Delete all job state (prompts for confirmation)
  prodigy resume --clean-all`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResume(cmd, flags)
		},
	}

	cmd.Flags().StringVar(&flags.JobID, "job", "", "Resume a specific job by ID")
	cmd.Flags().BoolVar(&flags.List, "list", false, "List all resumable jobs")
	cmd.Flags().BoolVar(&flags.DryRun, "dry-run", false, "Show what would be resumed without executing")
	cmd.Flags().StringVar(&flags.Clean, "clean", "", "Delete a specific job's state by ID")
	cmd.Flags().BoolVar(&flags.CleanAll, "clean-all", false, "Delete all job state")
	cmd.Flags().BoolVar(&flags.Force, "force", false, "Skip confirmation prompt for --clean-all")
	cmd.Flags().IntVar(&flags.FromStep, "from-step", -1, "Restart the current phase from this step index instead of the checkpointed one")
	cmd.Flags().BoolVar(&flags.ResetFailures, "reset-failures", false, "Return failed work items to pending before resuming")

	return cmd
}

func init() {
	rootCmd.AddCommand(newResumeCmd())
}

// runResume is the RunE implementation for the resume command.
func runResume(cmd *cobra.Command, flags resumeFlags) error {
	if flags.JobID != "" && !runIDPattern.MatchString(flags.JobID) {
		return fmt.Errorf("resume: invalid job ID %q: only alphanumeric characters, hyphens, and underscores are allowed", flags.JobID)
	}
	if flags.Clean != "" && !runIDPattern.MatchString(flags.Clean) {
		return fmt.Errorf("resume: invalid job ID %q for --clean: only alphanumeric characters, hyphens, and underscores are allowed", flags.Clean)
	}

	d, err := buildDeps(nil)
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}

	if flags.List {
		return runListMode(cmd, d.Jobs)
	}

	if flags.CleanAll {
		return runCleanAllMode(cmd, d.Jobs, d.Checkpoints, flags.Force, os.Stdin)
	}

	if flags.Clean != "" {
		return runCleanMode(d.Jobs, d.Checkpoints, flags.Clean)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return runResumeMode(ctx, cmd, d, flags)
}

// runListMode lists all resumable jobs in a formatted table.
func runListMode(cmd *cobra.Command, jobs *jobstate.Manager) error {
	ids, err := jobs.List()
	if err != nil {
		return fmt.Errorf("resume: listing jobs: %w", err)
	}

	if len(ids) == 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), "No resumable jobs found.")
		return nil
	}

	states := make([]*jobstate.JobState, 0, len(ids))
	for _, id := range ids {
		state, err := jobs.Load(id)
		if err != nil {
			return fmt.Errorf("resume: loading job %q: %w", id, err)
		}
		states = append(states, state)
	}

	formatRunTable(states, cmd.OutOrStdout())
	return nil
}

// runCleanMode deletes a single job's jobstate and checkpoint.
func runCleanMode(jobs *jobstate.Manager, checkpoints *checkpoint.Manager, jobID string) error {
	if err := jobs.Delete(jobID); err != nil {
		return fmt.Errorf("resume: deleting job %q: %w", jobID, err)
	}
	if err := checkpoints.Delete(jobID); err != nil {
		return fmt.Errorf("resume: deleting checkpoint for job %q: %w", jobID, err)
	}
	logging.New("resume").Info("job state deleted", "job_id", jobID)
	return nil
}

// runCleanAllMode deletes every job's state. When the process is running in
// a terminal it prompts for confirmation unless --force is set. In
// non-interactive mode (e.g. CI) --force is required; without it the
// command returns an error rather than silently destroying state.
func runCleanAllMode(cmd *cobra.Command, jobs *jobstate.Manager, checkpoints *checkpoint.Manager, force bool, stdin *os.File) error {
	if !force {
		if !isTerminal(stdin) {
			return fmt.Errorf("resume: --clean-all in non-interactive mode requires --force to confirm deletion of all job state")
		}
		confirmed := false
		prompt := huh.NewConfirm().
			Title("Delete all job state?").
			Description("Every job's checkpoints, item history, and resume data will be removed.").
			Affirmative("Delete").
			Negative("Keep").
			Value(&confirmed)
		if err := prompt.Run(); err != nil {
			return fmt.Errorf("resume: confirmation prompt: %w", err)
		}
		if !confirmed {
			fmt.Fprintln(cmd.ErrOrStderr(), "Aborted.")
			return nil
		}
	}

	ids, err := jobs.List()
	if err != nil {
		return fmt.Errorf("resume: listing jobs for clean-all: %w", err)
	}

	if len(ids) == 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), "No job state found.")
		return nil
	}

	logger := logging.New("resume")
	var deleteErr error
	deleted := 0
	for _, id := range ids {
		if err := jobs.Delete(id); err != nil {
			logger.Error("failed to delete job", "job_id", id, "error", err)
			deleteErr = err
			continue
		}
		_ = checkpoints.Delete(id)
		deleted++
		logger.Info("job state deleted", "job_id", id)
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Deleted %d job(s).\n", deleted)

	return deleteErr
}

// runResumeMode reloads a job's persisted workflow and resumes it from its
// last checkpointed phase. If the job ID is empty, the most recently
// updated job is used.
func runResumeMode(ctx context.Context, cmd *cobra.Command, d *deps, flags resumeFlags) error {
	state, err := selectJob(d.Jobs, flags.JobID)
	if err != nil {
		return err
	}

	if flags.ResetFailures {
		if err := resetFailedItems(d, state); err != nil {
			return err
		}
	}

	if flags.FromStep >= 0 {
		if err := overrideResumeStep(d, state.JobID, flags.FromStep); err != nil {
			return err
		}
	}

	if flags.DryRun || flagDryRun {
		fmt.Fprintf(cmd.ErrOrStderr(), "Dry-run: would resume job %q (workflow %q) at phase %q\n",
			state.JobID, state.WorkflowName, state.Phase)
		fmt.Fprintf(cmd.ErrOrStderr(), "  Items tracked: %d\n", len(state.Items))
		fmt.Fprintf(cmd.ErrOrStderr(), "  Last updated:  %s\n", state.UpdatedAt.Format("2006-01-02 15:04:05"))
		return nil
	}

	wf, err := workflow.Load(state.WorkflowPath)
	if err != nil {
		return fmt.Errorf("resume: reloading workflow %q for job %q: %w", state.WorkflowPath, state.JobID, err)
	}

	logger := logging.New("resume")
	logger.Info("resuming job",
		"workflow", state.WorkflowName,
		"job_id", state.JobID,
		"phase", state.Phase,
	)

	result, err := d.Coordinator.Run(ctx, state.JobID, state.WorkflowPath, wf, variables.New())
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			fmt.Fprintln(cmd.ErrOrStderr(), "\nJob resume cancelled.")
			return err
		}
		return fmt.Errorf("resume: job %q (workflow %q): %w", state.JobID, state.WorkflowName, err)
	}

	logger.Info("job completed",
		"workflow", state.WorkflowName,
		"job_id", result.JobID,
		"phase", result.Phase,
	)
	return nil
}

// resetFailedItems returns every failed (not dead-lettered) item to
// pending and clears the failed-item list in the checkpoint, so the next
// map phase re-dispatches them.
func resetFailedItems(d *deps, state *jobstate.JobState) error {
	reset := 0
	for id, it := range state.Items {
		if it.Status == workitem.Failed {
			state.UpdateItem(id, workitem.Pending)
			reset++
		}
	}
	if reset == 0 {
		return nil
	}
	if err := d.Jobs.Save(state); err != nil {
		return fmt.Errorf("resume: resetting failed items for job %q: %w", state.JobID, err)
	}

	if cp, err := d.Checkpoints.Load(state.JobID); err == nil && cp.MapReduce != nil {
		cp.MapReduce.FailedItems = nil
		if err := d.Checkpoints.Save(cp); err != nil {
			return fmt.Errorf("resume: updating checkpoint for job %q: %w", state.JobID, err)
		}
	}
	return nil
}

// overrideResumeStep rewrites the checkpoint's next-step index so the
// current phase restarts from an operator-chosen step.
func overrideResumeStep(d *deps, jobID string, fromStep int) error {
	cp, err := d.Checkpoints.Load(jobID)
	if err != nil {
		return fmt.Errorf("resume: --from-step requires a checkpoint for job %q: %w", jobID, err)
	}
	if cp.TotalSteps > 0 && fromStep > cp.TotalSteps {
		return fmt.Errorf("resume: --from-step %d exceeds the phase's %d steps", fromStep, cp.TotalSteps)
	}
	cp.NextStepIndex = fromStep
	if err := d.Checkpoints.Save(cp); err != nil {
		return fmt.Errorf("resume: updating checkpoint for job %q: %w", jobID, err)
	}
	return nil
}

// selectJob loads jobID's JobState, or the most recently updated job when
// jobID is empty.
func selectJob(jobs *jobstate.Manager, jobID string) (*jobstate.JobState, error) {
	if jobID != "" {
		state, err := jobs.Load(jobID)
		if err != nil {
			return nil, fmt.Errorf("resume: loading job %q: %w", jobID, err)
		}
		return state, nil
	}

	ids, err := jobs.List()
	if err != nil {
		return nil, fmt.Errorf("resume: listing jobs: %w", err)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("resume: no resumable jobs found")
	}

	var latest *jobstate.JobState
	for _, id := range ids {
		state, err := jobs.Load(id)
		if err != nil {
			return nil, fmt.Errorf("resume: loading job %q: %w", id, err)
		}
		if latest == nil || state.UpdatedAt.After(latest.UpdatedAt) {
			latest = state
		}
	}
	return latest, nil
}

// formatRunTable writes a tabwriter-aligned table of JobState records to w.
func formatRunTable(states []*jobstate.JobState, w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "JOB ID\tWORKFLOW\tPHASE\tITEMS\tLAST UPDATED")
	fmt.Fprintln(tw, "------\t--------\t-----\t-----\t------------")

	for _, s := range states {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			s.JobID,
			s.WorkflowName,
			s.Phase,
			len(s.Items),
			s.UpdatedAt.Format("2006-01-02 15:04:05"),
		)
	}
}

// isTerminal reports whether f is connected to a terminal (TTY).
func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}
