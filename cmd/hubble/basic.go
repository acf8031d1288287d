package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cbs-imaging/hubble/pkg/version"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version",
		Annotations: offline,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("%s %s\n", version.Version, version.GitCommit)
		},
	}
}

func NewStartCommand() *cobra.Command {
	watch := false

	cmd := newControlCommand(
		"start",
		"Start an acquisition run",
		`Start an acquisition run with the current configuration.

The daemon checks the prerequisites first: every instrument must be connected,
the autofocus must be calibrated and the ROI list must hold at least one
position. If any of them fails nothing is moved and the command fails.

The run then continues in the daemon. Use 'hubble status' or 'hubble watch'
to follow it.`,
		func() (string, error) { return apiClient.StartTask() },
	)
	run := cmd.RunE
	cmd.RunE = func(c *cobra.Command, args []string) error {
		if err := run(c, args); err != nil {
			return err
		}
		if watch {
			return watchRun(c)
		}
		return nil
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Follow the run until it finishes")
	return cmd
}

func NewPauseCommand() *cobra.Command {
	return newControlCommand(
		"pause",
		"Pause the acquisition run",
		`Pause the acquisition run.

The run stops at the next plane or position boundary. The instruments stay in
the acquisition session, so 'hubble resume' picks up where it left off.`,
		func() (string, error) { return apiClient.PauseTask() },
	)
}

func NewResumeCommand() *cobra.Command {
	return newControlCommand(
		"resume",
		"Resume a paused acquisition run",
		"Resume a paused acquisition run.",
		func() (string, error) { return apiClient.ResumeTask() },
	)
}

func NewAbortCommand() *cobra.Command {
	return newControlCommand(
		"abort",
		"Abort the acquisition run",
		`Abort the acquisition run.

The run stops at the next plane boundary. Positions already saved are kept,
the partial z-stack is discarded and the instruments are restored.`,
		func() (string, error) { return apiClient.AbortTask() },
	)
}

func NewWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "watch",
		Short:   "Follow the daemon events",
		GroupID: gBasic,
		Long: `Print daemon events as they happen until the current run finishes.

Press Ctrl-C to stop watching. The run is not affected.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return watchRun(cmd)
		},
	}
}

func watchRun(cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	ch, err := apiClient.SubscribeEvents(ctx)
	if err != nil {
		return fmt.Errorf("failed to watch events: %w", err)
	}

	// a run that finished before the stream opened has nothing to follow
	if st, err := apiClient.GetStatus(); err == nil && !st.State.Active() {
		printStatus(cmd, st)
		return nil
	}

	for ev := range ch {
		if done := printEvent(cmd, ev); done {
			return nil
		}
	}
	if ctx.Err() == nil {
		logrus.Warn("event stream closed by the daemon")
	}
	return nil
}
