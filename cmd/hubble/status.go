package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cbs-imaging/hubble/pkg/types"
)

func NewStatusCommand() *cobra.Command {
	asJSON := false

	cmd := &cobra.Command{
		Use:     "status",
		GroupID: gBasic,
		Short:   "Get the current status of the acquisition",
		Long:    `Get the state of the current or last acquisition run, its progress and the schedule.`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := apiClient.GetStatus()
			if err != nil {
				return err
			}

			if asJSON {
				b, err := json.MarshalIndent(st, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal status: %w", err)
				}
				cmd.Println(string(b))
				return nil
			}

			printStatus(cmd, st)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the status as JSON")
	return cmd
}

func printStatus(cmd *cobra.Command, st *types.Status) {
	cmd.Println(bold("Acquisition:"))
	cmd.Printf("  State: %s\n", stateText(st.State))
	if st.RunID == "" {
		cmd.Println("  No run since the daemon started.")
	} else {
		cmd.Printf("  Run: %s (started %s)\n", st.RunID, st.StartedAt.Local().Format(time.DateTime))
		if st.RunDir != "" {
			cmd.Printf("  Output: %s\n", st.RunDir)
		}
		cmd.Printf("  Positions: %s\n", bold("%d / %d", st.Stats.Positions, st.Positions))
		cmd.Printf("  Planes: %d, frames: %d\n", st.Stats.Planes, st.Stats.Frames)
		if st.Stats.Timeouts > 0 {
			cmd.Printf("  Skipped planes (handshake timeout): %s\n", bold("%d", st.Stats.Timeouts))
		}
		if st.Result != "" {
			cmd.Printf("  Last position: %s\n", st.Result)
		}
		if st.State.Active() {
			if st.RemainingSeconds > 0 {
				remaining := time.Duration(st.RemainingSeconds) * time.Second
				cmd.Printf("  Time remaining: %s\n", bold("~%s", remaining))
			}
			if st.PausedFor > 0 {
				cmd.Printf("  Paused for: %s\n", st.PausedFor.Round(time.Second))
			}
		} else {
			cmd.Printf("  Outcome: %s\n", outcomeText(st.Outcome))
			if st.Error != "" {
				cmd.Printf("  Error: %s\n", st.Error)
			}
			if !st.FinishedAt.IsZero() {
				cmd.Printf("  Finished: %s (took %s)\n", st.FinishedAt.Local().Format(time.DateTime),
					st.FinishedAt.Sub(st.StartedAt).Round(time.Second))
			}
		}
	}

	cmd.Println()
	cmd.Println(bold("Controls:"))
	cmd.Printf("  Pause: %s  Resume: %s  Abort: %s\n", bool2Text(st.CanPause), bool2Text(st.CanResume), bool2Text(st.CanAbort))

	cmd.Println()
	cmd.Println(bold("Schedule:"))
	if st.ScheduledAt.IsZero() {
		cmd.Println("  No scheduled run.")
	} else {
		cmd.Printf("  Next run: %s\n", bold("%s", st.ScheduledAt.Local().Format(time.DateTime)))
	}
}
