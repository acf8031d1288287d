package device

import (
	"errors"
	"fmt"
)

var (
	// ErrCommandFailed classifies every failed instrument command. A failed
	// command is fatal for the current run.
	ErrCommandFailed = errors.New("device command failed")

	// ErrInterrupted is returned by blocking helpers when the waiter reports
	// that the run has been aborted.
	ErrInterrupted = errors.New("interrupted")
)

// CommandError records which instrument command failed.
type CommandError struct {
	Device  string
	Command string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s failed: %v", e.Device, e.Command, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Is makes every CommandError match ErrCommandFailed.
func (e *CommandError) Is(target error) bool { return target == ErrCommandFailed }

func commandError(dev, cmd string, err error) error {
	if err == nil {
		return nil
	}
	var ce *CommandError
	if errors.As(err, &ce) {
		return err
	}
	return &CommandError{Device: dev, Command: cmd, Err: err}
}
