package acquisition

import (
	"errors"
	"fmt"
	"time"

	"github.com/cbs-imaging/hubble/pkg/config"
	"github.com/cbs-imaging/hubble/pkg/device"
	"github.com/cbs-imaging/hubble/pkg/handshake"
	"github.com/cbs-imaging/hubble/pkg/tilt"
)

// Params configures one acquisition run.
type Params struct {
	SampleName string
	// SavePath is the root below which dated run directories are created.
	SavePath   string
	FileFormat string
	// CalibrationPath is a record to reuse instead of calibrating.
	CalibrationPath    string
	Calibration        tilt.Params
	NumZPlanes         int
	ZStep              float64
	CenteredFocalPlane bool
	// Exposure is the camera exposure in seconds.
	Exposure float64
	// ExposureScale multiplies the exposure programmed into the trigger source.
	ExposureScale float64
	Channels      []device.Channel
	Handshake     handshake.Params
	StagePoll     time.Duration
	StageTimeout  time.Duration
}

func DefaultParams() Params {
	return Params{
		SampleName:    "sample",
		SavePath:      "/data/hubble",
		FileFormat:    FormatRaw,
		Calibration:   tilt.DefaultParams(),
		NumZPlanes:    1,
		ZStep:         0.25,
		Exposure:      0.05,
		ExposureScale: 1,
		Channels:      []device.Channel{{Lightsource: "488 nm", Intensity: 10}},
		Handshake:     handshake.DefaultParams(),
		StagePoll:     50 * time.Millisecond,
		StageTimeout:  10 * time.Second,
	}
}

// ParamsFromConfig maps the daemon configuration onto run parameters.
func ParamsFromConfig(c config.Config) Params {
	p := DefaultParams()
	p.SampleName = c.SampleName()
	p.SavePath = c.SavePath()
	p.FileFormat = c.FileFormat()
	p.CalibrationPath = c.CalibrationPath()
	p.Calibration.Step = c.CalibrationStep()
	p.Calibration.Repetitions = c.CalibrationRepetitions()
	p.Calibration.AutofocusPoll = c.AutofocusPoll()
	p.Calibration.AutofocusMaxPolls = c.AutofocusMaxPolls()
	p.Calibration.StageTimeout = c.StageIdleTimeout()
	p.NumZPlanes = c.NumZPlanes()
	p.ZStep = c.ZStep()
	p.CenteredFocalPlane = c.CenteredFocalPlane()
	p.Exposure = c.Exposure()
	p.ExposureScale = c.ExposureScale()
	p.Channels = c.ImagingSequence()
	p.Handshake = handshake.Params{
		Output:       c.HandshakeOutputLine(),
		Input:        c.HandshakeInputLine(),
		Settle:       c.HandshakeSettle(),
		PollInterval: c.HandshakePoll(),
		Timeout:      c.HandshakeTimeout(),
	}
	p.StageTimeout = c.StageIdleTimeout()
	return p
}

func (p Params) Validate() error {
	var errs []error
	if p.SampleName == "" {
		errs = append(errs, errors.New("sample name is empty"))
	}
	if p.SavePath == "" {
		errs = append(errs, errors.New("save path is empty"))
	}
	if _, err := extension(p.FileFormat); err != nil {
		errs = append(errs, err)
	}
	if p.NumZPlanes < 1 {
		errs = append(errs, fmt.Errorf("number of planes must be at least 1, got %d", p.NumZPlanes))
	}
	if p.Exposure <= 0 {
		errs = append(errs, fmt.Errorf("exposure must be positive, got %g", p.Exposure))
	}
	if len(p.Channels) == 0 {
		errs = append(errs, errors.New("imaging sequence is empty"))
	}
	if p.StagePoll <= 0 || p.StageTimeout <= 0 {
		errs = append(errs, errors.New("stage polling must be positive"))
	}
	if err := p.Calibration.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := p.Handshake.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// FramesPerPosition is the number of frames one z-stack produces.
func (p Params) FramesPerPosition() int {
	return p.NumZPlanes * len(p.Channels)
}

// StackStart returns the focus position of the first plane of a stack
// around z. With a centered focal plane the stack starts below z so that z
// is the middle plane, or the first plane of the upper half for an even
// plane count; otherwise z is the bottom plane.
func StackStart(z float64, centered bool, planes int, step float64) float64 {
	if !centered {
		return z
	}
	if planes%2 == 0 {
		return z - float64(planes/2)*step
	}
	return z - float64((planes-1)/2)*step
}
