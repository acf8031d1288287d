package tilt

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cbs-imaging/hubble/pkg/device"
	"github.com/cbs-imaging/hubble/pkg/position"
)

// Params configures the sampling pass.
type Params struct {
	// Step is the stride between sampled positions.
	Step int
	// Repetitions is the number of passes over the sampled positions.
	Repetitions       int
	AutofocusPoll     time.Duration
	AutofocusMaxPolls int
	StagePoll         time.Duration
	StageTimeout      time.Duration
}

func DefaultParams() Params {
	return Params{
		Step:              4,
		Repetitions:       4,
		AutofocusPoll:     50 * time.Millisecond,
		AutofocusMaxPolls: 500,
		StagePoll:         50 * time.Millisecond,
		StageTimeout:      10 * time.Second,
	}
}

func (p Params) Validate() error {
	if p.Step < 1 {
		return fmt.Errorf("calibration step must be at least 1, got %d", p.Step)
	}
	if p.Repetitions < 1 {
		return fmt.Errorf("calibration repetitions must be at least 1, got %d", p.Repetitions)
	}
	if p.AutofocusMaxPolls < 1 {
		return fmt.Errorf("autofocus poll bound must be at least 1, got %d", p.AutofocusMaxPolls)
	}
	return nil
}

// Waiter is the cooperative sleep of the calling run.
type Waiter interface {
	Aborted() bool
	Sleep(d time.Duration) bool
}

// Calibrator runs the sparse focus measurement over a position list.
type Calibrator struct {
	Stage  device.Stage
	Focus  device.Focus
	Params Params
	// Log receives progress entries. It defaults to the standard logger.
	Log *logrus.Entry
}

func (c *Calibrator) log() *logrus.Entry {
	if c.Log == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return c.Log
}

// Measure visits every Step-th position Repetitions times, runs the
// autofocus there and records the focus. An autofocus that does not settle
// within the bound is logged and its last value is used. The stage is left
// at the first position with the focus at its first measurement.
func (c *Calibrator) Measure(w Waiter, l *position.List) ([]Sample, error) {
	p := c.Params
	if err := p.Validate(); err != nil {
		return nil, err
	}

	var samples []Sample
	for rep := 0; rep < p.Repetitions; rep++ {
		for i := 0; i < l.Len(); i += p.Step {
			if w.Aborted() {
				return samples, device.ErrInterrupted
			}
			pos := l.At(i)
			log := c.log().WithFields(logrus.Fields{
				"position":   pos.Name,
				"repetition": rep,
			})

			if err := device.MoveAndWait(c.Stage, w, pos.X, pos.Y, p.StagePoll, p.StageTimeout); err != nil {
				return samples, err
			}
			converged, err := device.RunAutofocus(c.Focus, w, log, p.AutofocusPoll, p.AutofocusMaxPolls)
			if err != nil {
				return samples, err
			}
			z, err := c.Focus.GetFocus()
			if err != nil {
				return samples, err
			}
			log.WithFields(logrus.Fields{
				"z":         z,
				"converged": converged,
			}).Debug("calibration sample")
			samples = append(samples, Sample{Index: i, X: pos.X, Y: pos.Y, Z: z})
		}
	}

	first := l.At(0)
	if err := device.MoveAndWait(c.Stage, w, first.X, first.Y, p.StagePoll, p.StageTimeout); err != nil {
		return samples, err
	}
	if len(samples) > 0 {
		if err := c.Focus.SetFocus(samples[0].Z, false); err != nil {
			return samples, err
		}
	}
	return samples, nil
}

// Run measures and fits. A list with a single position is not sampled and
// yields a zero offset. A rank-deficient fit is logged and its fallback
// record returned.
func (c *Calibrator) Run(w Waiter, l *position.List) (*Record, error) {
	if l.Len() == 1 {
		pos := l.At(0)
		c.log().WithField("position", pos.Name).Info("single position, skipping tilt calibration")
		return &Record{
			X:            []float64{pos.X},
			Y:            []float64{pos.Y},
			DZ:           []float64{0},
			Coefficients: make([]float64, 6),
			Model:        ModelConstant,
			Positions:    l.Names(),
		}, nil
	}

	start := time.Now()
	samples, err := c.Measure(w, l)
	if err != nil {
		return nil, err
	}

	rec, err := FromSamples(samples, l)
	var rde *RankDeficientError
	switch {
	case errors.As(err, &rde):
		c.log().WithFields(logrus.Fields{
			"samples": rde.Samples,
			"model":   rde.Used,
		}).Warn("tilt calibration is rank deficient, using reduced surface model")
	case err != nil:
		return nil, err
	}

	c.log().WithFields(logrus.Fields{
		"samples":  len(samples),
		"points":   len(rec.Z),
		"model":    rec.Model,
		"duration": time.Since(start).Round(time.Millisecond),
	}).Info("tilt calibration done")
	return rec, nil
}
