package types

import (
	"time"

	"github.com/cbs-imaging/hubble/pkg/acquisition"
	"github.com/cbs-imaging/hubble/pkg/task"
)

// Status combines the run state kept by the runner with live acquisition
// counters. MeanStepSeconds and RemainingSeconds are estimated from the
// recent step durations and are zero until a step has completed.
type Status struct {
	task.RunState
	Stats            acquisition.Stats `json:"stats"`
	Positions        int               `json:"positions"`
	RunDir           string            `json:"runDir,omitempty"`
	CanPause         bool              `json:"canPause"`
	CanResume        bool              `json:"canResume"`
	CanAbort         bool              `json:"canAbort"`
	MeanStepSeconds  float64           `json:"meanStepSeconds,omitempty"`
	RemainingSeconds int               `json:"remainingSeconds,omitempty"`
	ScheduledAt      time.Time         `json:"scheduledAt,omitempty"`
}

// Schedule describes the unattended run schedule. An empty Cron means
// scheduling is disabled.
type Schedule struct {
	Cron     string      `json:"cron"`
	NextRuns []time.Time `json:"nextRuns,omitempty"`
}
