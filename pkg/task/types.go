package task

import "time"

// State defines the lifecycle states of a run.
type State string

const (
	StateIdle     State = "Idle"
	StateStarting State = "Starting"
	StateRunning  State = "Running"
	StatePausing  State = "Pausing"
	StatePaused   State = "Paused"
	StateResuming State = "Resuming"
	StateStopping State = "Stopping"
)

// Active reports whether a run is in progress.
func (s State) Active() bool {
	return s != StateIdle && s != ""
}

// Outcome describes how a run ended.
type Outcome string

const (
	OutcomeCompleted    Outcome = "Completed"
	OutcomeAborted      Outcome = "Aborted"
	OutcomeFailed       Outcome = "Failed"
	OutcomePrerequisite Outcome = "PrerequisiteFailed"
)

// RunState is the observable state of a run. It is mutated only by the
// runner and handed out as a copy.
type RunState struct {
	RunID   string `json:"runId"`
	Task    string `json:"task"`
	State   State  `json:"state"`
	Aborted bool   `json:"aborted"`
	// Step counts completed steps.
	Step       int       `json:"step"`
	Result     string    `json:"result"`
	Outcome    Outcome   `json:"outcome,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
	// PausedFor accumulates the time spent paused.
	PausedFor time.Duration `json:"pausedFor"`
}

// CanPause reports whether Pause would have an effect.
func (s RunState) CanPause() bool { return s.State == StateRunning }

// CanResume reports whether Resume would have an effect.
func (s RunState) CanResume() bool { return s.State == StatePausing || s.State == StatePaused }
