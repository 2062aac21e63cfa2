package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/prodigy-cli/prodigy/internal/dlq"
	"github.com/prodigy-cli/prodigy/internal/workitem"
)

// newDLQCmd creates the "prodigy dlq" command group for inspecting and
// managing the dead-letter queue.
func newDLQCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and manage the dead-letter queue",
		Long: `Items that exhaust their retry budget during a MapReduce phase are
dead-lettered rather than silently dropped. The dlq subcommands list
them, show one item's failure history, and clear entries once the
underlying problem is fixed.`,
	}

	cmd.AddCommand(newDLQListCmd())
	cmd.AddCommand(newDLQShowCmd())
	cmd.AddCommand(newDLQRetryCmd())
	cmd.AddCommand(newDLQAnalyzeCmd())
	cmd.AddCommand(newDLQPurgeCmd())

	return cmd
}

func init() {
	rootCmd.AddCommand(newDLQCmd())
}

func newDLQListCmd() *cobra.Command {
	var jobID string
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered items",
		Example: `  # List every dead-lettered item
  prodigy dlq list

  # List a single job's dead-lettered items
  prodigy dlq list --job 7f3c1b9a`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := buildDeps(nil)
			if err != nil {
				return fmt.Errorf("dlq list: %w", err)
			}

			items, err := d.DLQ.List(dlq.Filter{JobID: jobID})
			if err != nil {
				return fmt.Errorf("dlq list: %w", err)
			}

			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(items)
			}

			if len(items) == 0 {
				fmt.Fprintln(cmd.ErrOrStderr(), "No dead-lettered items.")
				return nil
			}

			formatDLQTable(items, cmd.OutOrStdout())
			return nil
		},
	}

	cmd.Flags().StringVar(&jobID, "job", "", "Filter to a single job's dead-lettered items")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output structured JSON")

	return cmd
}

func newDLQShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <job-id> <item-id>",
		Short: "Show one dead-lettered item's failure history",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := buildDeps(nil)
			if err != nil {
				return fmt.Errorf("dlq show: %w", err)
			}

			item, err := d.DLQ.Get(args[0], args[1])
			if err != nil {
				return fmt.Errorf("dlq show: %w", err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(item)
		},
	}
	return cmd
}

func newDLQRetryCmd() *cobra.Command {
	var itemIDs []string

	cmd := &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Requeue dead-lettered items for another run",
		Long: `Retry removes dead-lettered items from the queue and resets their
work-item state to pending, so the next "prodigy resume" of the job
re-dispatches them. With no --item flags, every item for the job is
requeued.`,
		Example: `  # Requeue everything a job dead-lettered
  prodigy dlq retry 7f3c1b9a

  # Requeue two specific items
  prodigy dlq retry 7f3c1b9a --item item-3 --item item-7`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID := args[0]
			d, err := buildDeps(nil)
			if err != nil {
				return fmt.Errorf("dlq retry: %w", err)
			}

			items, err := d.DLQ.Reprocess(jobID, itemIDs)
			if err != nil {
				return fmt.Errorf("dlq retry: %w", err)
			}
			if len(items) == 0 {
				fmt.Fprintln(cmd.ErrOrStderr(), "No dead-lettered items to retry.")
				return nil
			}

			if state, loadErr := d.Jobs.Load(jobID); loadErr == nil {
				for _, it := range items {
					state.UpdateItem(it.ItemID, workitem.Pending)
				}
				state.RewindToMap("dead-lettered items requeued")
				if saveErr := d.Jobs.Save(state); saveErr != nil {
					return fmt.Errorf("dlq retry: resetting job state: %w", saveErr)
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d item(s); run `prodigy resume --job %s` to process them.\n", len(items), jobID)
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&itemIDs, "item", nil, "Requeue only this item ID (repeatable)")
	return cmd
}

func newDLQAnalyzeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze <job-id>",
		Short: "Group dead-lettered items by error signature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := buildDeps(nil)
			if err != nil {
				return fmt.Errorf("dlq analyze: %w", err)
			}

			groups, err := d.DLQ.Analyze(args[0])
			if err != nil {
				return fmt.Errorf("dlq analyze: %w", err)
			}
			if len(groups) == 0 {
				fmt.Fprintln(cmd.ErrOrStderr(), "No dead-lettered items.")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			defer tw.Flush()
			fmt.Fprintln(tw, "COUNT\tSIGNATURE\tITEMS")
			for _, g := range groups {
				fmt.Fprintf(tw, "%d\t%s\t%s\n", g.Count, g.Signature, strings.Join(g.ItemIDs, ","))
			}
			return nil
		},
	}
	return cmd
}

func newDLQPurgeCmd() *cobra.Command {
	var jobID string

	cmd := &cobra.Command{
		Use:   "purge <item-id>",
		Short: "Remove a single dead-lettered item",
		Long:  `Purge removes one dead-lettered item from the queue, typically after it has been fixed and re-run manually.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobID == "" {
				return fmt.Errorf("dlq purge: --job is required")
			}
			d, err := buildDeps(nil)
			if err != nil {
				return fmt.Errorf("dlq purge: %w", err)
			}
			if err := d.DLQ.Remove(jobID, args[0]); err != nil {
				return fmt.Errorf("dlq purge: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed item %q from job %q's dead-letter queue.\n", args[0], jobID)
			return nil
		},
	}

	cmd.Flags().StringVar(&jobID, "job", "", "Job the item belongs to (required)")
	return cmd
}

func formatDLQTable(items []dlq.DeadLetteredItem, w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "JOB ID\tITEM ID\tFAILURES\tADDED AT")
	fmt.Fprintln(tw, "------\t-------\t--------\t--------")

	for _, item := range items {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n",
			item.JobID, item.ItemID, len(item.Failures), item.AddedAt.Format("2006-01-02 15:04:05"))
	}
}
