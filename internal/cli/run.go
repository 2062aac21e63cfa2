package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/prodigy-cli/prodigy/internal/buildinfo"
	"github.com/prodigy-cli/prodigy/internal/logging"
	"github.com/prodigy-cli/prodigy/internal/phase"
	"github.com/prodigy-cli/prodigy/internal/progress"
	"github.com/prodigy-cli/prodigy/internal/tui"
	"github.com/prodigy-cli/prodigy/internal/variables"
	"github.com/prodigy-cli/prodigy/internal/workflow"
)

// runFlags holds the flag values for the run command.
type runFlags struct {
	JobID       string // --job <id> reuses an existing job ID instead of minting one
	MaxParallel string // --max-parallel overrides the workflow's map.max_parallel
	TUI         bool   // --tui renders live progress in the full-screen terminal UI
}

// newRunCmd creates the "prodigy run" command.
func newRunCmd() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run <workflow.yaml> [args...]",
		Short: "Run a workflow from a YAML document",
		Long: `Run executes a declarative workflow document: its setup steps, an
optional MapReduce phase fanning an agent template out over an input
collection, and its reduce and merge steps.

Arguments after the workflow path become positional variables: ${1},
${2}, ... and their ${ARG_1}, ${ARG_2}, ... aliases, also exported to
child processes.

A fresh job ID is minted unless --job names one explicitly, and job
state is checkpointed to .prodigy/ after every step so an interrupted
run can be continued with "prodigy resume".

Pass "-" as the path to read the workflow document from stdin.`,
		Example: `  # Run a workflow document
  prodigy run review-sweep.yaml

  # Pass positional arguments the workflow reads as ${1}, ${2}
  prodigy run deploy.yaml staging v1.4.2

  # Run with an explicit job ID (useful for idempotent re-invocation)
  prodigy run review-sweep.yaml --job nightly-review-2026-08-01

  # Preview planned shell/claude commands without executing them
  prodigy run review-sweep.yaml --dry-run`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd, args[0], args[1:], flags)
		},
	}

	cmd.Flags().StringVar(&flags.JobID, "job", "", "Reuse an existing job ID instead of minting a new one")
	cmd.Flags().StringVar(&flags.MaxParallel, "max-parallel", "", "Override the workflow's map.max_parallel")
	cmd.Flags().BoolVar(&flags.TUI, "tui", false, "Render live progress in the full-screen terminal UI")

	return cmd
}

func init() {
	rootCmd.AddCommand(newRunCmd())
}

func runWorkflow(cmd *cobra.Command, path string, args []string, flags runFlags) error {
	wf, err := workflow.Load(path)
	if err != nil {
		return fmt.Errorf("run: loading workflow %q: %w: %w", path, errInvalidConfig, err)
	}
	if flags.MaxParallel != "" && wf.Map != nil {
		wf.Map.MaxParallel = flags.MaxParallel
	}

	jobID := flags.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}

	d, err := buildDeps(nil)
	if err != nil {
		return fmt.Errorf("run: %w: %w", errInvalidConfig, err)
	}

	globals := variables.New()
	globals.Set(variables.ScopeGlobal, "workflow", wf.Name)
	globals.SetPositional(args)

	logger := logging.New("run")
	logger.Info("starting job", "job_id", jobID, "workflow", wf.Name, "path", path)

	// One JSON-Lines event log per session, alongside the job state.
	if sink, sinkErr := progress.NewJSONLSink(filepath.Join(stateDir, "events", jobID+".jsonl")); sinkErr == nil {
		defer sink.Close() //nolint:errcheck
		d.Bus.Subscribe(sink)
	} else {
		logger.Warn("event log disabled", "error", sinkErr)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if flags.TUI {
		return runWithTUI(ctx, cancel, d, jobID, path, wf, globals)
	}

	result, err := d.Coordinator.Run(ctx, jobID, path, wf, globals)
	if err != nil {
		printFailureSummary(cmd, d, jobID, result, err)
		if errors.Is(err, workflow.ErrInterrupted) || errors.Is(err, context.Canceled) {
			return fmt.Errorf("run: job %q: %w", jobID, workflow.ErrInterrupted)
		}
		return fmt.Errorf("run: job %q (workflow %q): %w", jobID, wf.Name, err)
	}

	logger.Info("job completed", "job_id", result.JobID, "phase", result.Phase, "items", len(result.MapResults))
	if len(result.MapResults) > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "Job %s completed: %s\n", result.JobID, result.Summary())
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Job %s completed (phase: %s)\n", result.JobID, result.Phase)
	}
	return nil
}

// runWithTUI runs the job with the full-screen terminal UI in the
// foreground, fed by a progress.ChannelSink, and the coordinator in a
// background goroutine. Quitting the TUI cancels the job.
func runWithTUI(ctx context.Context, cancel context.CancelFunc, d *deps, jobID, path string, wf *workflow.Workflow, globals *variables.Context) error {
	events := make(chan progress.Event, 256)
	d.Bus.Subscribe(progress.NewChannelSink(events))

	runErr := make(chan error, 1)
	go func() {
		_, err := d.Coordinator.Run(ctx, jobID, path, wf, globals)
		runErr <- err
		close(events)
	}()

	tuiErr := tui.RunTUI(tui.AppConfig{
		Version: buildinfo.Version,
		JobName: wf.Name,
		Events:  events,
		Cancel:  cancel,
	})
	cancel()

	if err := <-runErr; err != nil {
		if errors.Is(err, workflow.ErrInterrupted) || errors.Is(err, context.Canceled) {
			return fmt.Errorf("run: job %q: %w", jobID, workflow.ErrInterrupted)
		}
		return fmt.Errorf("run: job %q (workflow %q): %w", jobID, wf.Name, err)
	}
	return tuiErr
}

// printFailureSummary writes the one-screen failure report: item counts,
// the dominant error pattern from the DLQ, and the exact resume command.
func printFailureSummary(cmd *cobra.Command, d *deps, jobID string, result *phase.Result, err error) {
	out := cmd.ErrOrStderr()

	if result != nil && len(result.MapResults) > 0 {
		fmt.Fprintf(out, "\nJob %s: %s\n", jobID, result.Summary())
	} else {
		fmt.Fprintf(out, "\nJob %s failed: %v\n", jobID, err)
	}

	if d.DLQ != nil {
		if patterns, analyzeErr := d.DLQ.Analyze(jobID); analyzeErr == nil && len(patterns) > 0 {
			fmt.Fprintf(out, "Most common failure (%d items): %s\n", patterns[0].Count, patterns[0].Signature)
		}
	}

	fmt.Fprintf(out, "Resume with: prodigy resume --job %s\n", jobID)
}
