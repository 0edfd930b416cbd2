package commands

import (
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/pulse/job"
	"github.com/teranos/tempo/pulse/scheduler"
	"github.com/teranos/tempo/sym"
)

// JobCmd groups job inspection and manual firing
var JobCmd = &cobra.Command{
	Use:   "job",
	Short: "List jobs and fire them manually",
	Long: `List jobs and fire them manually.

Job keys are written group.name; a key without a dot is in the DEFAULT group.
A manual run stores a one-shot trigger that any running scheduler instance
picks up.

Example:
  tempo job ls
  tempo job run reports.nightly-report
  tempo job run reports.nightly-report --data message=hello --data level=warn
  tempo job pause reports.nightly-report`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var (
	jobLsGroup string
	jobRunData []string
)

var jobLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List stored jobs",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(func(s *scheduler.Scheduler) error {
			ctx := cmd.Context()
			keys, err := s.GetJobKeys(ctx, jobLsGroup)
			if err != nil {
				return err
			}
			if len(keys) == 0 {
				pterm.Info.Println("No jobs stored")
				return nil
			}

			data := pterm.TableData{{"JOB", "HANDLER", "TRIGGERS", "FLAGS", "DESCRIPTION"}}
			for _, key := range keys {
				d, err := s.GetJobDetail(ctx, key)
				if err != nil {
					return err
				}
				triggers, err := s.GetTriggersOfJob(ctx, key)
				if err != nil {
					return err
				}
				data = append(data, []string{
					key.String(),
					d.HandlerName,
					strconv.Itoa(len(triggers)),
					jobFlags(d),
					d.Description,
				})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		})
	},
}

var jobRunCmd = &cobra.Command{
	Use:   "run <group.name>",
	Short: "Fire a job now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := job.ParseKey(args[0])
		data, err := parseDataFlags(jobRunData)
		if err != nil {
			return err
		}
		return withAdmin(func(s *scheduler.Scheduler) error {
			if err := s.TriggerJob(cmd.Context(), key, data); err != nil {
				return err
			}
			pterm.Success.Printf("%s Queued %s; a running scheduler will fire it\n", sym.PulseOpen, key)
			return nil
		})
	},
}

var jobPauseCmd = &cobra.Command{
	Use:   "pause <group.name>",
	Short: "Pause every trigger of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := job.ParseKey(args[0])
		return withAdmin(func(s *scheduler.Scheduler) error {
			if err := s.PauseJob(cmd.Context(), key); err != nil {
				return err
			}
			pterm.Success.Printf("Paused job %s\n", key)
			return nil
		})
	},
}

var jobResumeCmd = &cobra.Command{
	Use:   "resume <group.name>",
	Short: "Resume every trigger of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := job.ParseKey(args[0])
		return withAdmin(func(s *scheduler.Scheduler) error {
			if err := s.ResumeJob(cmd.Context(), key); err != nil {
				return err
			}
			pterm.Success.Printf("Resumed job %s\n", key)
			return nil
		})
	},
}

var jobRmCmd = &cobra.Command{
	Use:   "rm <group.name>",
	Short: "Delete a job and its triggers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := job.ParseKey(args[0])
		return withAdmin(func(s *scheduler.Scheduler) error {
			removed, err := s.DeleteJob(cmd.Context(), key)
			if err != nil {
				return err
			}
			if !removed {
				pterm.Warning.Printf("No job %s\n", key)
				return nil
			}
			pterm.Success.Printf("Deleted job %s\n", key)
			return nil
		})
	},
}

func init() {
	jobLsCmd.Flags().StringVar(&jobLsGroup, "group", "", "Only list jobs in this group")
	jobRunCmd.Flags().StringArrayVar(&jobRunData, "data", nil, "key=value added to the execution's data (repeatable)")
	JobCmd.AddCommand(jobLsCmd, jobRunCmd, jobPauseCmd, jobResumeCmd, jobRmCmd)
}

func jobFlags(d *job.Detail) string {
	var flags []string
	if d.Durable {
		flags = append(flags, "durable")
	}
	if d.ConcurrentExecutionDisallowed {
		flags = append(flags, "non-concurrent")
	}
	if d.PersistDataAfterExecution {
		flags = append(flags, "persist-data")
	}
	if d.RequestsRecovery {
		flags = append(flags, "recovery")
	}
	if len(flags) == 0 {
		return "-"
	}
	return strings.Join(flags, ",")
}

// parseDataFlags turns key=value pairs into a data map. Values stay strings;
// handlers read them through the DataMap accessors.
func parseDataFlags(pairs []string) (job.DataMap, error) {
	data := job.DataMap{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, errors.WithHint(errors.NewInvalidRequestError("invalid --data %q", p), "use --data key=value")
		}
		data[k] = v
	}
	return data, nil
}
