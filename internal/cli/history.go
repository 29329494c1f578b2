package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/provisioner/internal/journal"
	"github.com/agentworkforce/provisioner/internal/metadata"
	"github.com/agentworkforce/provisioner/internal/pipeline"
)

func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		limit  int
		remote bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past runs from the journal",
		Long: `List past runs recorded in the local journal, newest first.

With --remote, show the last run recorded in the server's data store
instead; that record is shared by everyone provisioning the same server.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := commandContext(cmd)
			var runs []pipeline.RunRecord
			if remote {
				record, err := pipeline.DataStoreRecorder{Store: rootOpts.newClient().DataStore()}.LastRun(ctx)
				switch {
				case errors.Is(err, metadata.ErrNotFound):
				case err != nil:
					return WrapExitError(ExitCommandError, "read remote run record", err)
				default:
					runs = append(runs, record)
				}
			} else {
				j, err := rootOpts.requireJournal()
				if err != nil {
					return err
				}
				defer j.Close()
				if runs, err = j.Runs(ctx, limit); err != nil {
					return WrapExitError(ExitCommandError, "list runs", err)
				}
			}

			if rootOpts.Format == "json" {
				if runs == nil {
					runs = []pipeline.RunRecord{}
				}
				return writeJSON(cmd.OutOrStdout(), runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tSTARTED\tCOMPLETED\tFAILED\tCANCELLED")
			for _, run := range runs {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%t\n", run.RunID, formatStamp(run.StartedAt),
					run.Summary.Completed, run.Summary.Failed, run.Cancelled)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs to list (0 for all)")
	cmd.Flags().BoolVar(&remote, "remote", false, "read the last run from the remote data store")
	return cmd
}

func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	var withLog bool
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the outcome and log of one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			j, err := rootOpts.requireJournal()
			if err != nil {
				return err
			}
			defer j.Close()

			run, err := j.Run(ctx, args[0])
			if errors.Is(err, journal.ErrRunNotFound) {
				return WrapExitError(ExitCommandError, "unknown run", err)
			}
			if err != nil {
				return WrapExitError(ExitCommandError, "load run", err)
			}
			if rootOpts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), run)
			}

			out := cmd.OutOrStdout()
			fmt.Fprint(out, pipeline.FormatSummary(&pipeline.Result{
				RunID:     run.RunID,
				Cancelled: run.Cancelled,
				Variants:  run.Variants,
				Summary:   run.Summary,
			}))
			if !withLog {
				return nil
			}
			fmt.Fprintln(out)
			for _, entry := range run.Log {
				scope := entry.Variant
				if scope == "" {
					scope = "-"
				}
				fmt.Fprintf(out, "%s %-5s %s %s\n", formatStamp(entry.Timestamp), entry.Level, scope, entry.Message)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&withLog, "log", true, "print the run log after the summary")
	return cmd
}

func formatStamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
