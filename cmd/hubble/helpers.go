package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cbs-imaging/hubble/pkg/events"
	"github.com/cbs-imaging/hubble/pkg/task"
)

func newControlCommand(use, short, long string, fn func() (string, error)) *cobra.Command {
	return &cobra.Command{
		Use:     use,
		Short:   short,
		Long:    long,
		GroupID: gBasic,
		Args:    cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ret, err := fn()
			if err != nil {
				return fmt.Errorf("failed to %s acquisition: %w", use, err)
			}
			if ret != "" {
				logrus.Infof("daemon responded: %s", ret)
			}
			return nil
		},
	}
}

// printEvent prints one daemon event and reports whether the run finished.
func printEvent(cmd *cobra.Command, ev events.Event) bool {
	switch ev.Name {
	case events.TaskState:
		p, err := events.DecodeAs[events.TaskStateEvent](ev)
		if err != nil {
			break
		}
		cmd.Printf("%s  %s -> %s (step %d)\n", ts(p.Ts), p.From, stateText(task.State(p.To)), p.Step)
	case events.AcquisitionHandshake:
		p, err := events.DecodeAs[events.HandshakeEvent](ev)
		if err != nil {
			break
		}
		cmd.Printf("%s  %s plane %d: %s after %dms\n", ts(p.Ts), p.Position, p.Plane, color.YellowString(p.Outcome), p.ElapsedMs)
	case events.TaskFinished:
		p, err := events.DecodeAs[events.TaskFinishedEvent](ev)
		if err != nil {
			break
		}
		cmd.Printf("%s  run finished: %s\n", ts(p.Ts), outcomeText(task.Outcome(p.Outcome)))
		if p.Error != "" {
			cmd.Printf("    %s\n", color.RedString(p.Error))
		}
		return true
	case events.ScheduleUpcoming, events.ScheduleError, events.ScheduleAction:
		p, err := events.DecodeAs[events.ScheduleEvent](ev)
		if err != nil {
			break
		}
		cmd.Printf("%s  %s\n", ts(p.Ts), p.Message)
	default:
		logrus.WithField("event", ev.Name).Debug(string(ev.Data))
	}
	return false
}

func ts(unix int64) string {
	if unix == 0 {
		return "        "
	}
	return time.Unix(unix, 0).Format(time.TimeOnly)
}

func stateText(s task.State) string {
	switch s {
	case task.StateRunning:
		return color.New(color.Bold, color.FgGreen).Sprint(s)
	case task.StatePausing, task.StatePaused:
		return color.New(color.Bold, color.FgYellow).Sprint(s)
	case task.StateStopping:
		return color.New(color.Bold, color.FgRed).Sprint(s)
	default:
		return bold("%s", s)
	}
}

func outcomeText(o task.Outcome) string {
	switch o {
	case task.OutcomeCompleted:
		return color.New(color.Bold, color.FgGreen).Sprint(o)
	case task.OutcomeAborted:
		return color.New(color.Bold, color.FgYellow).Sprint(o)
	case "":
		return "-"
	default:
		return color.New(color.Bold, color.FgRed).Sprint(o)
	}
}

func bool2Text(b bool) string {
	if b {
		return color.New(color.Bold, color.FgGreen).Sprint("✔")
	}
	return color.New(color.Bold, color.FgRed).Sprint("✘")
}

func bold(format string, a ...interface{}) string {
	return color.New(color.Bold).Sprintf(format, a...)
}
