// Package device defines the capability set the acquisition engine needs from
// the instruments of a microscope: translation stage, focus actuator with
// hardware autofocus, digital I/O board, camera and the laser/FPGA trigger
// source. Drivers live outside this module and are injected through Set.
package device

import (
	"errors"
	"fmt"
)

// Stage is the XY translation stage.
type Stage interface {
	MoveStage(x, y float64) error
	StageIsIdle() (bool, error)
}

// Focus is the axial actuator (piezo) together with its autofocus loop.
type Focus interface {
	SetFocus(z float64, direct bool) error
	GetFocus() (float64, error)
	StartAutofocus(stopWhenStable bool) error
	StopAutofocus() error
	AutofocusInProgress() (bool, error)
	// AutofocusCalibrated reports whether the autofocus has been calibrated
	// and a reference setpoint has been defined.
	AutofocusCalibrated() (calibrated bool, setpointDefined bool)
}

// DigitalIO is a digital I/O board addressed by line name.
type DigitalIO interface {
	ReadDigital(line string) (bool, error)
	WriteDigital(line string, v bool) error
}

// Camera acquires externally triggered frame sequences.
type Camera interface {
	BeginFrameSequence(count int, exposure float64) error
	FetchFrames() ([]Frame, error)
	StopFrameSequence() error
	Exposure() (float64, error)
	SetExposure(exposure float64) error
}

// TriggerSource is the laser/FPGA controller driving illumination and
// camera triggers. A task session replaces the default session for the
// duration of a run.
type TriggerSource interface {
	StartTaskSession(plan SessionPlan) error
	EndTaskSession() error
	RestartDefaultSession() error
}

// Frame is a single camera image.
type Frame struct {
	Width  int
	Height int
	Pixels []uint16
}

// Channel is one illumination line of an imaging sequence.
type Channel struct {
	Lightsource string  `json:"lightsource" yaml:"lightsource"`
	Intensity   float64 `json:"intensity" yaml:"intensity"`
}

// SessionPlan configures the trigger source for a multi-plane, multi-channel
// acquisition.
type SessionPlan struct {
	Planes   int
	Channels []Channel
	Exposure float64
}

// Set is the table of instruments a task is constructed with.
type Set struct {
	Stage   Stage
	Focus   Focus
	DIO     DigitalIO
	Camera  Camera
	Trigger TriggerSource
}

// ErrMissingDevice is returned by Set.Validate when a required instrument is nil.
var ErrMissingDevice = errors.New("missing device")

// Validate checks that every instrument is present.
func (s Set) Validate() error {
	missing := []string{}
	if s.Stage == nil {
		missing = append(missing, "stage")
	}
	if s.Focus == nil {
		missing = append(missing, "focus")
	}
	if s.DIO == nil {
		missing = append(missing, "dio")
	}
	if s.Camera == nil {
		missing = append(missing, "camera")
	}
	if s.Trigger == nil {
		missing = append(missing, "trigger")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %v", ErrMissingDevice, missing)
	}
	return nil
}
