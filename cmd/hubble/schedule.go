package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func NewScheduleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "schedule [cron-expression]",
		Aliases: []string{"sch", "sche", "sched"},
		Short:   "Manage the unattended acquisition schedule",
		Long: `Manage the unattended acquisition schedule.

Runs started by the schedule are the same as 'hubble start'. If the
prerequisites do not hold at the scheduled time the daemon retries for a few
minutes and then drops that run.

The schedule command can be used in multiple ways:
  hubble schedule 'minute hour day month weekday' Set schedule with cron expression
  hubble schedule disable                         Disable the schedule
  hubble schedule postpone [duration]             Postpone next run
  hubble schedule skip                            Skip next run
  hubble schedule show                            Show current schedule`,
		Example: `  hubble schedule '0 22 * * *'   (At 22:00 every day)
  hubble schedule '0 */6 * * *'  (Every 6 hours)
  hubble schedule '@every 90m'   (Every 90 minutes)
  hubble schedule '30 2 * * 1-5' (At 02:30 on weekdays)`,
		GroupID: gAdvanced,
		RunE: func(cmd *cobra.Command, args []string) error {
			// If no arguments, show the current schedule
			if len(args) == 0 {
				return runScheduleShow(cmd)
			}
			// Otherwise, treat as a cron expression to set
			return runScheduleSet(cmd, args[0])
		},
	}

	// Add subcommands
	cmd.AddCommand(
		newScheduleDisableCommand(),
		newSchedulePostponeCommand(),
		newScheduleSkipCommand(),
		newScheduleShowCommand(),
	)

	return cmd
}

func newScheduleDisableCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "disable",
		Short: "Disable the acquisition schedule",
		Long:  "Disable the unattended acquisition schedule.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduleDisable(cmd)
		},
	}
	return cmd
}

func newSchedulePostponeCommand() *cobra.Command {
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "postpone [duration]",
		Short: "Postpone the next scheduled acquisition run",
		Example: `  hubble schedule postpone      (Postpone by 1 hour)
  hubble schedule postpone 90m  (Postpone by 90 minutes)
  hubble schedule postpone 2h   (Postpone by 2 hours)`,
		Long: `Postpone the next scheduled acquisition run by a specified duration.
If no duration is provided, defaults to 1 hour.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := time.Hour // default
			if duration != 0 {
				d = duration
			}
			if len(args) > 0 {
				parsed, err := time.ParseDuration(args[0])
				if err != nil {
					return fmt.Errorf("invalid duration %q: %w", args[0], err)
				}
				d = parsed
			}
			return runSchedulePostpone(cmd, d)
		},
	}

	cmd.Flags().DurationVar(&duration, "duration", time.Hour, "Duration to postpone (e.g., 1h, 90m)")
	return cmd
}

func newScheduleSkipCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skip",
		Short: "Skip the next scheduled acquisition run",
		Long:  "Skip the next scheduled acquisition run.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduleSkip(cmd)
		},
	}
	return cmd
}

func newScheduleShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the current acquisition schedule",
		Long:  "Show the current acquisition schedule and next run times.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduleShow(cmd)
		},
	}
	return cmd
}

func runScheduleSet(cmd *cobra.Command, cronExpr string) error {
	if cronExpr == "" {
		return fmt.Errorf("cron expression cannot be empty")
	}
	nextRuns, err := apiClient.SetSchedule(cronExpr)
	if err != nil {
		return err
	}
	if len(nextRuns) == 0 {
		cmd.Println("Acquisition schedule disabled.")
		return nil
	}
	cmd.Println("Acquisition scheduled.")
	printNextRuns(cmd, nextRuns)
	return nil
}

func runScheduleDisable(cmd *cobra.Command) error {
	if _, err := apiClient.SetSchedule(""); err != nil {
		return err
	}
	cmd.Println("Acquisition schedule disabled.")
	return nil
}

func runSchedulePostpone(cmd *cobra.Command, duration time.Duration) error {
	s, err := apiClient.PostponeSchedule(duration)
	if err != nil {
		return err
	}
	cmd.Printf("Next run postponed by %s.\n", duration)
	printNextRuns(cmd, s.NextRuns)
	return nil
}

func runScheduleSkip(cmd *cobra.Command) error {
	s, err := apiClient.SkipSchedule()
	if err != nil {
		return err
	}
	cmd.Println("Next scheduled run skipped.")
	printNextRuns(cmd, s.NextRuns)
	return nil
}

func runScheduleShow(cmd *cobra.Command) error {
	s, err := apiClient.GetSchedule()
	if err != nil {
		return err
	}
	if s.Cron == "" {
		cmd.Println("Acquisition schedule is not set.")
		return nil
	}
	cmd.Printf("Schedule: %s\n", bold("%s", s.Cron))
	if len(s.NextRuns) == 0 {
		cmd.Println("The scheduler is not running. Check the daemon logs.")
		return nil
	}
	printNextRuns(cmd, s.NextRuns)
	return nil
}

func printNextRuns(cmd *cobra.Command, nextRuns []time.Time) {
	if len(nextRuns) == 0 {
		return
	}
	cmd.Printf("Next %d run(s):\n", len(nextRuns))
	for _, run := range nextRuns {
		cmd.Printf("  - %s\n", run.Local().Format(time.DateTime))
	}
}
