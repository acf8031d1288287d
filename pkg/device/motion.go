package device

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Waiter sleeps cooperatively. Sleep returns false when the surrounding run
// has been aborted.
type Waiter interface {
	Sleep(d time.Duration) bool
}

// MoveAndWait moves the stage and polls until it reports idle. Exceeding
// timeout is a command failure since the stage is left in an unknown state.
func MoveAndWait(s Stage, w Waiter, x, y float64, poll, timeout time.Duration) error {
	if err := s.MoveStage(x, y); err != nil {
		return err
	}

	start := time.Now()
	for {
		idle, err := s.StageIsIdle()
		if err != nil {
			return err
		}
		if idle {
			return nil
		}
		if time.Since(start) >= timeout {
			return commandError("stage", "MoveStage", fmt.Errorf("not idle after %s", timeout))
		}
		if !w.Sleep(poll) {
			return ErrInterrupted
		}
	}
}

// RunAutofocus starts the autofocus in stop-when-stable mode and waits for it
// to settle, polling at most maxPolls times. A loop that does not settle
// within the bound is not an error: converged is false and the caller decides.
// The autofocus is stopped on every path that leaves it running.
func RunAutofocus(f Focus, w Waiter, log *logrus.Entry, poll time.Duration, maxPolls int) (converged bool, err error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if err := f.StartAutofocus(true); err != nil {
		return false, err
	}

	for i := 0; i < maxPolls; i++ {
		busy, err := f.AutofocusInProgress()
		if err != nil {
			stopAutofocus(f, log)
			return false, err
		}
		if !busy {
			return true, nil
		}
		if !w.Sleep(poll) {
			stopAutofocus(f, log)
			return false, ErrInterrupted
		}
	}

	log.WithFields(logrus.Fields{
		"maxPolls": maxPolls,
		"poll":     poll,
	}).Warn("autofocus did not settle within bound")
	stopAutofocus(f, log)

	return false, nil
}

func stopAutofocus(f Focus, log *logrus.Entry) {
	if err := f.StopAutofocus(); err != nil {
		log.WithError(err).Warn("failed to stop autofocus")
	}
}
