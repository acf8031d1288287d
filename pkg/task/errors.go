package task

import (
	"errors"
	"fmt"
)

var (
	ErrNotIdle    = errors.New("a task is already running")
	ErrNotRunning = errors.New("task not running")
	// ErrAborted is the error of a run that ended because of an abort request.
	ErrAborted = errors.New("task aborted")
)

// PrerequisiteError is returned by Start when the task's prerequisites do not
// hold. The run never starts and teardown is not invoked.
type PrerequisiteError struct {
	Task   string
	Reason string
}

func (e *PrerequisiteError) Error() string {
	return fmt.Sprintf("prerequisites of %s not met: %s", e.Task, e.Reason)
}

// panicError wraps a value recovered from a panicking task phase.
type panicError struct {
	phase string
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.phase, e.value)
}
