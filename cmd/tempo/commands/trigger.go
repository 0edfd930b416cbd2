package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/pulse/scheduler"
	"github.com/teranos/tempo/pulse/trigger"
	"github.com/teranos/tempo/sym"
)

// TriggerCmd groups trigger inspection and pause/resume commands
var TriggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "List, pause and resume triggers",
	Long: `List, pause and resume triggers.

Trigger keys are written group.name; a key without a dot is in the DEFAULT
group. Pausing a group also pauses triggers added to it later.

Example:
  tempo trigger ls
  tempo trigger pause reports.nightly
  tempo trigger pause --group reports
  tempo trigger resume --all
  tempo trigger reset reports.nightly   # Clear the ERROR state`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var (
	pauseGroup string
	pauseAll   bool
)

var triggerLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List triggers ordered by next fire time",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(func(s *scheduler.Scheduler) error {
			triggers, err := s.Store().ListTriggers(cmd.Context())
			if err != nil {
				return err
			}
			if len(triggers) == 0 {
				pterm.Info.Println("No triggers scheduled")
				return nil
			}
			paused, err := s.GetPausedTriggerGroups(cmd.Context())
			if err != nil {
				return err
			}
			return renderTriggers(triggers, paused)
		})
	},
}

var triggerPauseCmd = &cobra.Command{
	Use:   "pause [group.name]",
	Short: "Pause a trigger, a trigger group or everything",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(func(s *scheduler.Scheduler) error {
			return pauseOrResume(cmd.Context(), args, "Paused",
				s.PauseTrigger, s.PauseTriggerGroup, s.PauseAll)
		})
	},
}

var triggerResumeCmd = &cobra.Command{
	Use:   "resume [group.name]",
	Short: "Resume a trigger, a trigger group or everything",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(func(s *scheduler.Scheduler) error {
			return pauseOrResume(cmd.Context(), args, "Resumed",
				s.ResumeTrigger, s.ResumeTriggerGroup, s.ResumeAll)
		})
	},
}

var triggerResetCmd = &cobra.Command{
	Use:   "reset <group.name>",
	Short: "Move a trigger out of the ERROR state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := trigger.ParseKey(args[0])
		return withAdmin(func(s *scheduler.Scheduler) error {
			if err := s.ResetTriggerFromErrorState(cmd.Context(), key); err != nil {
				return err
			}
			state, err := s.GetTriggerState(cmd.Context(), key)
			if err != nil {
				return err
			}
			pterm.Success.Printf("%s %s is now %s\n", sym.Pulse, key, state)
			return nil
		})
	},
}

var triggerRmCmd = &cobra.Command{
	Use:   "rm <group.name>",
	Short: "Unschedule a trigger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := trigger.ParseKey(args[0])
		return withAdmin(func(s *scheduler.Scheduler) error {
			removed, err := s.UnscheduleJob(cmd.Context(), key)
			if err != nil {
				return err
			}
			if !removed {
				pterm.Warning.Printf("No trigger %s\n", key)
				return nil
			}
			pterm.Success.Printf("Unscheduled %s\n", key)
			return nil
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{triggerPauseCmd, triggerResumeCmd} {
		c.Flags().StringVar(&pauseGroup, "group", "", "Apply to every trigger in this group")
		c.Flags().BoolVar(&pauseAll, "all", false, "Apply to every trigger group")
	}
	TriggerCmd.AddCommand(triggerLsCmd, triggerPauseCmd, triggerResumeCmd, triggerResetCmd, triggerRmCmd)
}

func pauseOrResume(ctx context.Context, args []string, verb string,
	one func(context.Context, trigger.Key) error,
	group func(context.Context, string) error,
	all func(context.Context) error,
) error {
	targets := 0
	if len(args) == 1 {
		targets++
	}
	if pauseGroup != "" {
		targets++
	}
	if pauseAll {
		targets++
	}
	if targets != 1 {
		return errors.NewInvalidRequestError("give exactly one of a trigger key, --group or --all")
	}

	switch {
	case pauseAll:
		if err := all(ctx); err != nil {
			return err
		}
		pterm.Success.Printf("%s all trigger groups\n", verb)
	case pauseGroup != "":
		if err := group(ctx, pauseGroup); err != nil {
			return err
		}
		pterm.Success.Printf("%s trigger group %s\n", verb, pauseGroup)
	default:
		key := trigger.ParseKey(args[0])
		if err := one(ctx, key); err != nil {
			return err
		}
		pterm.Success.Printf("%s trigger %s\n", verb, key)
	}
	return nil
}

func renderTriggers(triggers []*trigger.Trigger, pausedGroups []string) error {
	data := pterm.TableData{{"TRIGGER", "JOB", "STATE", "SCHEDULE", "NEXT", "PREVIOUS", "FIRED", "PRIORITY", "CALENDAR"}}
	for _, tr := range triggers {
		cal := tr.CalendarName
		if cal == "" {
			cal = "-"
		}
		data = append(data, []string{
			tr.Key.String(),
			tr.JobKey.String(),
			colorState(tr.State),
			fmt.Sprint(tr.Schedule),
			formatTime(tr.NextFireTime),
			formatTime(tr.PreviousFireTime),
			strconv.FormatInt(tr.TimesTriggered, 10),
			strconv.Itoa(tr.Priority),
			cal,
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return err
	}
	if len(pausedGroups) > 0 {
		pterm.Printf("\n%s %v\n", pterm.Yellow("Paused groups:"), pausedGroups)
	}
	return nil
}

func colorState(st trigger.State) string {
	switch st {
	case trigger.StateWaiting:
		return pterm.Green(st)
	case trigger.StateAcquired, trigger.StateExecuting:
		return pterm.LightCyan(st)
	case trigger.StatePaused, trigger.StateBlocked:
		return pterm.Yellow(st)
	case trigger.StateError:
		return pterm.Red(st)
	default:
		return pterm.Gray(st)
	}
}
