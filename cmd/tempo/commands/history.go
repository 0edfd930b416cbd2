package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/pulse/job"
	"github.com/teranos/tempo/pulse/scheduler"
	"github.com/teranos/tempo/pulse/store"
)

// HistoryCmd lists recorded executions
var HistoryCmd = &cobra.Command{
	Use:   "history [group.name]",
	Short: "Show execution history",
	Long: `Show execution history, newest first.

Every completed execution is recorded with its outcome, duration and the
instance that ran it. Without a job key all jobs are listed.

Example:
  tempo history
  tempo history reports.nightly-report --outcome failed-fatal
  tempo history --limit 20 --offset 20
  tempo history show <fire-instance-id>`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

var (
	historyOutcome string
	historyLimit   int
	historyOffset  int
)

var historyShowCmd = &cobra.Command{
	Use:   "show <fire-instance-id>",
	Short: "Show one execution in detail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(func(s *scheduler.Scheduler) error {
			r, err := s.Store().GetExecution(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			pterm.DefaultSection.Println("Execution " + r.FireInstanceID)
			fmt.Printf("  Job:        %s\n", r.JobKey)
			fmt.Printf("  Trigger:    %s (now %s)\n", r.TriggerKey, r.TriggerState)
			fmt.Printf("  Instance:   %s\n", r.InstanceID)
			fmt.Printf("  Scheduled:  %s\n", formatTime(&r.ScheduledAt))
			fmt.Printf("  Fired:      %s\n", formatTime(&r.FiredAt))
			fmt.Printf("  Completed:  %s\n", formatTime(&r.CompletedAt))
			fmt.Printf("  Duration:   %s\n", time.Duration(r.DurationMs)*time.Millisecond)
			fmt.Printf("  Outcome:    %s\n", colorOutcome(r.Outcome))
			fmt.Printf("  Recovering: %t\n", r.Recovering)
			if r.ErrorMessage != "" {
				fmt.Printf("  Error:      %s\n", pterm.Red(r.ErrorMessage))
			}
			if len(r.Data) > 0 {
				b, err := json.MarshalIndent(r.Data, "  ", "  ")
				if err != nil {
					return errors.Wrap(err, "failed to render data")
				}
				fmt.Printf("  Data:\n  %s\n", b)
			}
			return nil
		})
	},
}

func init() {
	HistoryCmd.Flags().StringVar(&historyOutcome, "outcome", "", "Filter by outcome (succeeded, failed-recoverable, failed-fatal)")
	HistoryCmd.Flags().IntVar(&historyLimit, "limit", 50, "Maximum number of executions to show")
	HistoryCmd.Flags().IntVar(&historyOffset, "offset", 0, "Number of executions to skip")
	HistoryCmd.AddCommand(historyShowCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	outcome := job.Outcome(historyOutcome)
	if outcome != "" && !outcome.Valid() {
		return errors.WithHint(errors.NewInvalidRequestError("unknown outcome %q", historyOutcome),
			"use succeeded, failed-recoverable or failed-fatal")
	}
	var key job.Key
	if len(args) == 1 {
		key = job.ParseKey(args[0])
	}

	return withAdmin(func(s *scheduler.Scheduler) error {
		records, total, err := s.ListExecutions(cmd.Context(), key, outcome, historyLimit, historyOffset)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			pterm.Info.Println("No executions recorded")
			return nil
		}
		if err := renderExecutions(records); err != nil {
			return err
		}
		pterm.Printf("\n%s %d-%d of %d\n", pterm.Gray("Showing"),
			historyOffset+1, historyOffset+len(records), total)
		return nil
	})
}

func renderExecutions(records []*store.ExecutionRecord) error {
	data := pterm.TableData{{"FIRED", "JOB", "TRIGGER", "OUTCOME", "DURATION", "LATE", "INSTANCE", "FIRE ID"}}
	for _, r := range records {
		late := r.FiredAt.Sub(r.ScheduledAt).Truncate(time.Millisecond)
		if late < 0 {
			late = 0
		}
		outcome := colorOutcome(r.Outcome)
		if r.Recovering {
			outcome += pterm.Gray(" (recovery)")
		}
		data = append(data, []string{
			formatTime(&r.FiredAt),
			r.JobKey.String(),
			r.TriggerKey.String(),
			outcome,
			(time.Duration(r.DurationMs) * time.Millisecond).String(),
			late.String(),
			r.InstanceID,
			r.FireInstanceID,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func colorOutcome(o job.Outcome) string {
	switch o {
	case job.OutcomeSucceeded:
		return pterm.Green(o)
	case job.OutcomeFailedRecoverable:
		return pterm.Yellow(o)
	case job.OutcomeFailedFatal:
		return pterm.Red(o)
	default:
		return string(o)
	}
}
