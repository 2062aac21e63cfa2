package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/prodigy-cli/prodigy/internal/dlq"
	"github.com/prodigy-cli/prodigy/internal/jobstate"
	"github.com/prodigy-cli/prodigy/internal/workitem"
)

// statusFlags holds the flag values for the status command.
type statusFlags struct {
	JobID   string // --job <id>, empty means the most recently updated job
	JSON    bool   // --json for structured output
	Verbose bool   // --verbose for per-item details
}

// statusItemOutput is the JSON output type for a single tracked item.
type statusItemOutput struct {
	ItemID   string `json:"item_id"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
}

// statusOutput is the top-level JSON output type for the status command.
type statusOutput struct {
	JobID        string             `json:"job_id"`
	WorkflowName string             `json:"workflow_name"`
	Phase        string             `json:"phase"`
	Total        int                `json:"total"`
	Completed    int                `json:"completed"`
	InProgress   int                `json:"in_progress"`
	Failed       int                `json:"failed"`
	DeadLettered int                `json:"dead_lettered"`
	Pending      int                `json:"pending"`
	Percent      float64            `json:"percent"`
	Items        []statusItemOutput `json:"items,omitempty"`
}

// newStatusCmd creates the "prodigy status" command.
func newStatusCmd() *cobra.Command {
	var flags statusFlags

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a job's phase and work-item progress",
		Long: `Display the current phase and per-item progress of a job: how many
map-phase work items are pending, in progress, completed, failed, or
dead-lettered.

Use --verbose to see per-item status details. Use --json for structured
output suitable for scripting.`,
		Example: `  # Show the most recently updated job
  prodigy status

  # Show a specific job
  prodigy status --job 7f3c1b9a

  # Show per-item details
  prodigy status --job 7f3c1b9a --verbose

  # Structured JSON output
  prodigy status --job 7f3c1b9a --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, flags)
		},
	}

	cmd.Flags().StringVar(&flags.JobID, "job", "", "Show status for a specific job (default: most recently updated)")
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "Output structured JSON to stdout")
	cmd.Flags().BoolVar(&flags.Verbose, "verbose", false, "Show per-item status details")

	return cmd
}

func init() {
	rootCmd.AddCommand(newStatusCmd())
}

// runStatus is the command's RunE function. Loads the job's persisted
// state and dead-letter entries, then renders a progress summary.
func runStatus(cmd *cobra.Command, flags statusFlags) error {
	if flags.JobID != "" && !runIDPattern.MatchString(flags.JobID) {
		return fmt.Errorf("status: invalid job ID %q: only alphanumeric characters, hyphens, and underscores are allowed", flags.JobID)
	}

	d, err := buildDeps(nil)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}

	state, err := selectJob(d.Jobs, flags.JobID)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}

	deadLettered, err := d.DLQ.List(dlq.Filter{JobID: state.JobID})
	if err != nil {
		return fmt.Errorf("status: listing dead-lettered items for job %q: %w", state.JobID, err)
	}
	deadSet := make(map[string]bool, len(deadLettered))
	for _, item := range deadLettered {
		deadSet[item.ItemID] = true
	}

	counts := summarizeItems(state, deadSet)

	if flags.JSON {
		return renderStatusJSON(cmd.OutOrStdout(), state, counts, flags.Verbose)
	}

	out := cmd.ErrOrStderr()
	fmt.Fprintln(out, renderStatusHeader(state))
	fmt.Fprintln(out, renderStatusBar(counts))

	if flags.Verbose {
		fmt.Fprintln(out, renderItemDetails(state))
	}

	if len(deadLettered) > 0 {
		fmt.Fprintf(out, "\n%d item(s) in the dead-letter queue. Run `prodigy dlq list --job %s` for details.\n",
			len(deadLettered), state.JobID)
	}

	return nil
}

// itemCounts tallies item states for a job, distinguishing a dead-lettered
// item (retry budget exhausted) from a merely-failed one still eligible for
// retry.
type itemCounts struct {
	Total        int
	Pending      int
	InProgress   int
	Completed    int
	Failed       int
	DeadLettered int
}

func (c itemCounts) Percent() float64 {
	if c.Total == 0 {
		return 0
	}
	return float64(c.Completed) / float64(c.Total) * 100
}

// summarizeItems counts a job's tracked items by status, reclassifying a
// Failed item as DeadLettered when the dlq confirms it exhausted retries.
func summarizeItems(state *jobstate.JobState, deadSet map[string]bool) itemCounts {
	var c itemCounts
	c.Total = len(state.Items)
	for _, item := range state.Items {
		switch {
		case deadSet[item.ItemID]:
			c.DeadLettered++
		case item.Status == workitem.Completed:
			c.Completed++
		case item.Status == workitem.InProgress:
			c.InProgress++
		case item.Status == workitem.Failed:
			c.Failed++
		case item.Status == workitem.DeadLettered:
			c.DeadLettered++
		default:
			c.Pending++
		}
	}
	return c
}

func renderStatusJSON(w io.Writer, state *jobstate.JobState, counts itemCounts, verbose bool) error {
	out := statusOutput{
		JobID:        state.JobID,
		WorkflowName: state.WorkflowName,
		Phase:        string(state.Phase),
		Total:        counts.Total,
		Completed:    counts.Completed,
		InProgress:   counts.InProgress,
		Failed:       counts.Failed,
		DeadLettered: counts.DeadLettered,
		Pending:      counts.Pending,
		Percent:      counts.Percent(),
	}
	if verbose {
		out.Items = make([]statusItemOutput, 0, len(state.Items))
		for _, item := range state.Items {
			out.Items = append(out.Items, statusItemOutput{
				ItemID:   item.ItemID,
				Status:   string(item.Status),
				Attempts: item.Attempts,
			})
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// renderStatusHeader returns a styled header naming the job, workflow, and
// current phase.
//
//	Prodigy Status - job 7f3c1b9a
//	==============================
//	Workflow: review-sweep.yaml
//	Phase:    map
func renderStatusHeader(state *jobstate.JobState) string {
	headerStyle := lipgloss.NewStyle().Bold(true)

	title := fmt.Sprintf("Prodigy Status - job %s", state.JobID)
	sep := strings.Repeat("=", len(title))

	var sb strings.Builder
	sb.WriteString(headerStyle.Render(title))
	sb.WriteString("\n")
	sb.WriteString(sep)
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("Workflow: %s\n", state.WorkflowName))
	sb.WriteString(fmt.Sprintf("Phase:    %s", state.Phase))
	return sb.String()
}

// renderStatusBar returns a progress bar with a completion fraction and
// colored breakdown of item states.
//
//	████████████░░░░░░░░ 60% (12/20)
//	  12 completed, 3 in-progress, 2 failed, 1 dead-lettered, 2 pending
func renderStatusBar(counts itemCounts) string {
	const progressBarWidth = 40

	completedStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("10"))  // green
	inProgressStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("11")) // yellow
	failedStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("9"))      // red
	deadStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("8"))        // dark gray

	pct := counts.Percent() / 100

	bar := progress.New(
		progress.WithDefaultGradient(),
		progress.WithWidth(progressBarWidth),
		progress.WithoutPercentage(),
	)
	barStr := bar.ViewAs(pct)

	fraction := fmt.Sprintf("%d/%d", counts.Completed, counts.Total)
	pctStr := fmt.Sprintf("%.0f%%", pct*100)

	var sb strings.Builder
	sb.WriteString(barStr)
	sb.WriteString(" ")
	sb.WriteString(pctStr)
	sb.WriteString(" (")
	sb.WriteString(fraction)
	sb.WriteString(")")
	sb.WriteString("\n")

	var parts []string
	if counts.Completed > 0 {
		parts = append(parts, completedStyle.Render(fmt.Sprintf("%d completed", counts.Completed)))
	}
	if counts.InProgress > 0 {
		parts = append(parts, inProgressStyle.Render(fmt.Sprintf("%d in-progress", counts.InProgress)))
	}
	if counts.Failed > 0 {
		parts = append(parts, failedStyle.Render(fmt.Sprintf("%d failed", counts.Failed)))
	}
	if counts.DeadLettered > 0 {
		parts = append(parts, deadStyle.Render(fmt.Sprintf("%d dead-lettered", counts.DeadLettered)))
	}
	if counts.Pending > 0 {
		parts = append(parts, fmt.Sprintf("%d pending", counts.Pending))
	}

	if len(parts) > 0 {
		sb.WriteString("  ")
		sb.WriteString(strings.Join(parts, ", "))
	}

	return sb.String()
}

// renderItemDetails returns a per-item listing of ID, status, and attempt
// count, in the order items were recorded.
func renderItemDetails(state *jobstate.JobState) string {
	completedStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	inProgressStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failedStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	deadStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("8"))

	var sb strings.Builder
	for _, item := range state.Items {
		var statusLabel string
		switch item.Status {
		case workitem.Completed:
			statusLabel = completedStyle.Render(string(item.Status))
		case workitem.InProgress:
			statusLabel = inProgressStyle.Render(string(item.Status))
		case workitem.Failed:
			statusLabel = failedStyle.Render(string(item.Status))
		case workitem.DeadLettered:
			statusLabel = deadStyle.Render(string(item.Status))
		default:
			statusLabel = string(item.Status)
		}
		sb.WriteString(fmt.Sprintf("  %-20s  %-14s  attempts=%d\n", item.ItemID, statusLabel, item.Attempts))
	}
	return strings.TrimSuffix(sb.String(), "\n")
}
