// Package handshake synchronizes with a controller that has no call
// interface, only digital lines: an edge trigger on an output line followed
// by bounded polling of an input line for the acknowledgement.
package handshake

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cbs-imaging/hubble/pkg/device"
)

var (
	ErrTimeout = errors.New("handshake timed out")
	ErrAborted = errors.New("handshake aborted")
)

// Outcome of one handshake.
type Outcome int

const (
	OutcomeReady Outcome = iota
	OutcomeTimeout
	OutcomeAborted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeReady:
		return "ready"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeAborted:
		return "aborted"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Params configures a handshake.
type Params struct {
	// Output is the line pulsed to request the remote action.
	Output string
	// Input is the line polled for the acknowledgement.
	Input string
	// Settle is how long Output stays high.
	Settle time.Duration
	// PollInterval is the delay between two reads of Input.
	PollInterval time.Duration
	// Timeout bounds the wait for the acknowledgement.
	Timeout time.Duration
}

// DefaultParams returns the line names and timings of the FPGA trigger.
func DefaultParams() Params {
	return Params{
		Output:       "piezo_ready",
		Input:        "acquisition_done",
		Settle:       5 * time.Millisecond,
		PollInterval: 50 * time.Millisecond,
		Timeout:      time.Second,
	}
}

func (p Params) Validate() error {
	if p.Output == "" || p.Input == "" {
		return errors.New("handshake lines must be named")
	}
	if p.Settle < 0 {
		return fmt.Errorf("negative settle interval %s", p.Settle)
	}
	if p.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", p.PollInterval)
	}
	if p.Timeout < p.PollInterval {
		return fmt.Errorf("timeout %s shorter than poll interval %s", p.Timeout, p.PollInterval)
	}
	return nil
}

// Result describes a finished handshake.
type Result struct {
	Outcome Outcome
	Elapsed time.Duration
	Polls   int
}

// Err maps a non-ready outcome to ErrTimeout or ErrAborted.
func (r Result) Err() error {
	switch r.Outcome {
	case OutcomeTimeout:
		return fmt.Errorf("%w after %s", ErrTimeout, r.Elapsed.Round(time.Millisecond))
	case OutcomeAborted:
		return ErrAborted
	}
	return nil
}

// Waiter is the cooperative sleep of the calling run.
type Waiter interface {
	Aborted() bool
	Sleep(d time.Duration) bool
}

// SignalAndWait pulses p.Output and polls p.Input until it reads high, the
// timeout elapses, or the run is aborted. Timeout and abort are outcomes,
// not errors; the error is non-nil only when a line could not be accessed.
//
// The pulse itself is never interrupted so the output line is not left high.
func SignalAndWait(dio device.DigitalIO, p Params, w Waiter) (Result, error) {
	if w.Aborted() {
		return Result{Outcome: OutcomeAborted}, nil
	}

	if err := dio.WriteDigital(p.Output, true); err != nil {
		return Result{}, err
	}
	time.Sleep(p.Settle)
	if err := dio.WriteDigital(p.Output, false); err != nil {
		return Result{}, err
	}

	start := time.Now()
	res := Result{}
	for {
		ready, err := dio.ReadDigital(p.Input)
		res.Polls++
		res.Elapsed = time.Since(start)
		if err != nil {
			return res, err
		}
		if ready {
			res.Outcome = OutcomeReady
			return res, nil
		}
		if w.Aborted() {
			res.Outcome = OutcomeAborted
			return res, nil
		}
		remaining := p.Timeout - res.Elapsed
		if remaining <= 0 {
			res.Outcome = OutcomeTimeout
			logrus.WithFields(logrus.Fields{
				"input":   p.Input,
				"elapsed": res.Elapsed,
				"polls":   res.Polls,
			}).Debug("handshake timed out")
			return res, nil
		}
		if !w.Sleep(min(p.PollInterval, remaining)) {
			res.Elapsed = time.Since(start)
			res.Outcome = OutcomeAborted
			return res, nil
		}
	}
}
