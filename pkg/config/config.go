package config

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cbs-imaging/hubble/pkg/device"
)

type Config interface {
	SampleName() string
	SavePath() string
	FileFormat() string
	ROIListPath() string
	// CalibrationPath is a tilt calibration record to reuse. Empty means
	// calibrate at the start of every run.
	CalibrationPath() string
	CalibrationStep() int
	CalibrationRepetitions() int
	NumZPlanes() int
	ZStep() float64
	CenteredFocalPlane() bool
	Exposure() float64
	ImagingSequence() []device.Channel
	HandshakeOutputLine() string
	HandshakeInputLine() string
	HandshakeSettle() time.Duration
	HandshakePoll() time.Duration
	HandshakeTimeout() time.Duration
	ExposureScale() float64
	AutofocusPoll() time.Duration
	AutofocusMaxPolls() int
	StageIdleTimeout() time.Duration
	WaitChunk() time.Duration
	Cron() string
	AllowNonRootAccess() bool

	SetCalibrationPath(string)
	SetCron(string)
	SetAllowNonRootAccess(bool)

	// Validate checks the values for consistency.
	Validate() error
	// Load reads the configuration from the source.
	Load() error
	// Save saves the configuration to the source.
	Save() error
	LogrusFields() logrus.Fields
}
