package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/prodigy-cli/prodigy/internal/checkpoint"
)

// newCheckpointCmd creates the "prodigy checkpoint" command group for
// inspecting and clearing a job's persisted checkpoint independently of
// its jobstate record.
func newCheckpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect and clear job checkpoints",
		Long: `Every completed step in a job is recorded to a checksummed checkpoint
so "prodigy resume" can continue from the last good step instead of
re-running the whole job. The checkpoint subcommands let you inspect
or discard that record directly, separately from the broader job
state that "prodigy resume --clean" manages.`,
	}

	cmd.AddCommand(newCheckpointShowCmd())
	cmd.AddCommand(newCheckpointCleanCmd())

	return cmd
}

func init() {
	rootCmd.AddCommand(newCheckpointCmd())
}

func newCheckpointShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job's persisted checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := buildDeps(nil)
			if err != nil {
				return fmt.Errorf("checkpoint show: %w", err)
			}

			cp, err := d.Checkpoints.Load(args[0])
			if err != nil {
				if errors.Is(err, checkpoint.ErrNotFound) {
					return fmt.Errorf("checkpoint show: no checkpoint found for job %q", args[0])
				}
				if errors.Is(err, checkpoint.ErrCorrupt) {
					return fmt.Errorf("checkpoint show: checkpoint for job %q failed checksum verification", args[0])
				}
				return fmt.Errorf("checkpoint show: %w", err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cp)
		},
	}
	return cmd
}

func newCheckpointCleanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clean <job-id>",
		Short: "Delete a job's persisted checkpoint",
		Long:  `Deletes only the checkpoint record; the job's phase/item history in jobstate is untouched. Use "prodigy resume --clean" to remove both.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := buildDeps(nil)
			if err != nil {
				return fmt.Errorf("checkpoint clean: %w", err)
			}
			if err := d.Checkpoints.Delete(args[0]); err != nil {
				return fmt.Errorf("checkpoint clean: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted checkpoint for job %q.\n", args[0])
			return nil
		},
	}
	return cmd
}
