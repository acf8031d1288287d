package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/cbs-imaging/hubble/pkg/device"
	"github.com/cbs-imaging/hubble/pkg/utils/ptr"
)

var (
	defaultFileConfig = &RawFileConfig{
		SampleName:             ptr.To("sample"),
		SavePath:               ptr.To("/data/hubble"),
		FileFormat:             ptr.To("raw"),
		ROIListPath:            ptr.To(""),
		CalibrationPath:        ptr.To(""),
		CalibrationStep:        ptr.To(4),
		CalibrationRepetitions: ptr.To(4),
		NumZPlanes:             ptr.To(1),
		ZStep:                  ptr.To(0.25),
		CenteredFocalPlane:     ptr.To(false),
		Exposure:               ptr.To(0.05),
		ImagingSequence:        []device.Channel{{Lightsource: "488 nm", Intensity: 10}},
		HandshakeOutputLine:    ptr.To("piezo_ready"),
		HandshakeInputLine:     ptr.To("acquisition_done"),
		HandshakeSettleMs:      ptr.To(5),
		HandshakePollMs:        ptr.To(50),
		HandshakeTimeoutMs:     ptr.To(1000),
		// The trigger source is programmed with a scaled exposure. The factor
		// depends on the FPGA bitstream, so it is configurable.
		ExposureScale:      ptr.To(1.0),
		AutofocusPollMs:    ptr.To(50),
		AutofocusMaxPolls:  ptr.To(500),
		StageIdleTimeoutMs: ptr.To(10000),
		WaitChunkSeconds:   ptr.To(30),
		Cron:               ptr.To(""),
		AllowNonRootAccess: ptr.To(false),
	}
)

var _ Config = &File{}

type File struct {
	c        *RawFileConfig
	mu       *sync.RWMutex
	fs       afero.Fs
	filepath string
}

func NewFile(fs afero.Fs, configPath string) (*File, error) {
	f := &File{
		fs:       fs,
		filepath: configPath,
		mu:       &sync.RWMutex{},
	}
	err := f.Load()
	if err != nil {
		return nil, err
	}

	return f, nil
}

func NewFileFromConfig(fs afero.Fs, c *RawFileConfig, configPath string) *File {
	if c == nil {
		c = &RawFileConfig{}
	}

	f := &File{
		c:        c,
		mu:       &sync.RWMutex{},
		fs:       fs,
		filepath: configPath,
	}

	return f
}

type RawFileConfig struct {
	SampleName             *string          `json:"sampleName,omitempty"`
	SavePath               *string          `json:"savePath,omitempty"`
	FileFormat             *string          `json:"fileFormat,omitempty"`
	ROIListPath            *string          `json:"roiListPath,omitempty"`
	CalibrationPath        *string          `json:"calibrationPath,omitempty"`
	CalibrationStep        *int             `json:"calibrationStep,omitempty"`
	CalibrationRepetitions *int             `json:"calibrationRepetitions,omitempty"`
	NumZPlanes             *int             `json:"numZPlanes,omitempty"`
	ZStep                  *float64         `json:"zStep,omitempty"`
	CenteredFocalPlane     *bool            `json:"centeredFocalPlane,omitempty"`
	Exposure               *float64         `json:"exposure,omitempty"`
	ImagingSequence        []device.Channel `json:"imagingSequence,omitempty"`
	HandshakeOutputLine    *string          `json:"handshakeOutputLine,omitempty"`
	HandshakeInputLine     *string          `json:"handshakeInputLine,omitempty"`
	HandshakeSettleMs      *int             `json:"handshakeSettleMs,omitempty"`
	HandshakePollMs        *int             `json:"handshakePollMs,omitempty"`
	HandshakeTimeoutMs     *int             `json:"handshakeTimeoutMs,omitempty"`
	ExposureScale          *float64         `json:"exposureScale,omitempty"`
	AutofocusPollMs        *int             `json:"autofocusPollMs,omitempty"`
	AutofocusMaxPolls      *int             `json:"autofocusMaxPolls,omitempty"`
	StageIdleTimeoutMs     *int             `json:"stageIdleTimeoutMs,omitempty"`
	WaitChunkSeconds       *int             `json:"waitChunkSeconds,omitempty"`
	Cron                   *string          `json:"cron,omitempty"`
	AllowNonRootAccess     *bool            `json:"allowNonRootAccess,omitempty"`
}

// get reads one field under the read lock, falling back to the default.
func get[T any](f *File, field func(*RawFileConfig) *T) T {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return ptr.Deref(field(f.c), *field(defaultFileConfig))
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (f *File) SampleName() string {
	return get(f, func(c *RawFileConfig) *string { return c.SampleName })
}

func (f *File) SavePath() string {
	return get(f, func(c *RawFileConfig) *string { return c.SavePath })
}

func (f *File) FileFormat() string {
	return strings.TrimPrefix(get(f, func(c *RawFileConfig) *string { return c.FileFormat }), ".")
}

func (f *File) ROIListPath() string {
	return get(f, func(c *RawFileConfig) *string { return c.ROIListPath })
}

func (f *File) CalibrationPath() string {
	return get(f, func(c *RawFileConfig) *string { return c.CalibrationPath })
}

func (f *File) CalibrationStep() int {
	return get(f, func(c *RawFileConfig) *int { return c.CalibrationStep })
}

func (f *File) CalibrationRepetitions() int {
	return get(f, func(c *RawFileConfig) *int { return c.CalibrationRepetitions })
}

func (f *File) NumZPlanes() int {
	return get(f, func(c *RawFileConfig) *int { return c.NumZPlanes })
}

func (f *File) ZStep() float64 {
	return get(f, func(c *RawFileConfig) *float64 { return c.ZStep })
}

func (f *File) CenteredFocalPlane() bool {
	return get(f, func(c *RawFileConfig) *bool { return c.CenteredFocalPlane })
}

func (f *File) Exposure() float64 {
	return get(f, func(c *RawFileConfig) *float64 { return c.Exposure })
}

func (f *File) ImagingSequence() []device.Channel {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	seq := f.c.ImagingSequence
	if len(seq) == 0 {
		seq = defaultFileConfig.ImagingSequence
	}
	return append([]device.Channel(nil), seq...)
}

func (f *File) HandshakeOutputLine() string {
	return get(f, func(c *RawFileConfig) *string { return c.HandshakeOutputLine })
}

func (f *File) HandshakeInputLine() string {
	return get(f, func(c *RawFileConfig) *string { return c.HandshakeInputLine })
}

func (f *File) HandshakeSettle() time.Duration {
	return ms(get(f, func(c *RawFileConfig) *int { return c.HandshakeSettleMs }))
}

func (f *File) HandshakePoll() time.Duration {
	return ms(get(f, func(c *RawFileConfig) *int { return c.HandshakePollMs }))
}

func (f *File) HandshakeTimeout() time.Duration {
	return ms(get(f, func(c *RawFileConfig) *int { return c.HandshakeTimeoutMs }))
}

func (f *File) ExposureScale() float64 {
	return get(f, func(c *RawFileConfig) *float64 { return c.ExposureScale })
}

func (f *File) AutofocusPoll() time.Duration {
	return ms(get(f, func(c *RawFileConfig) *int { return c.AutofocusPollMs }))
}

func (f *File) AutofocusMaxPolls() int {
	return get(f, func(c *RawFileConfig) *int { return c.AutofocusMaxPolls })
}

func (f *File) StageIdleTimeout() time.Duration {
	return ms(get(f, func(c *RawFileConfig) *int { return c.StageIdleTimeoutMs }))
}

func (f *File) WaitChunk() time.Duration {
	return time.Duration(get(f, func(c *RawFileConfig) *int { return c.WaitChunkSeconds })) * time.Second
}

func (f *File) Cron() string {
	return get(f, func(c *RawFileConfig) *string { return c.Cron })
}

func (f *File) AllowNonRootAccess() bool {
	return get(f, func(c *RawFileConfig) *bool { return c.AllowNonRootAccess })
}

func (f *File) SetCalibrationPath(p string) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.CalibrationPath = &p
}

func (f *File) SetCron(expr string) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.Cron = &expr
}

func (f *File) SetAllowNonRootAccess(b bool) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.c.AllowNonRootAccess = &b
}

func (f *File) Validate() error {
	var problems []string
	if f.CalibrationStep() < 1 {
		problems = append(problems, "calibrationStep must be at least 1")
	}
	if f.CalibrationRepetitions() < 1 {
		problems = append(problems, "calibrationRepetitions must be at least 1")
	}
	if f.NumZPlanes() < 1 {
		problems = append(problems, "numZPlanes must be at least 1")
	}
	if f.Exposure() <= 0 {
		problems = append(problems, "exposure must be positive")
	}
	if f.HandshakePoll() <= 0 {
		problems = append(problems, "handshakePollMs must be positive")
	}
	if f.HandshakeTimeout() <= f.HandshakePoll() {
		problems = append(problems, "handshakeTimeoutMs must exceed handshakePollMs")
	}
	if f.AutofocusPoll() <= 0 || f.AutofocusMaxPolls() < 1 {
		problems = append(problems, "autofocus polling must be positive")
	}
	if f.WaitChunk() <= 0 {
		problems = append(problems, "waitChunkSeconds must be positive")
	}
	for i, ch := range f.ImagingSequence() {
		if ch.Lightsource == "" {
			problems = append(problems, fmt.Sprintf("imagingSequence[%d] has no lightsource", i))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config %s: %s", f.filepath, strings.Join(problems, "; "))
	}
	return nil
}

func (f *File) Load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, err := afero.ReadFile(f.fs, f.filepath)
	if err != nil {
		exists, existsErr := afero.Exists(f.fs, f.filepath)
		if existsErr == nil && !exists {
			// If the file does not exist, return the empty config.
			// Do not make f.c a nil.
			f.c = &RawFileConfig{}
			return nil
		}
		return pkgerrors.Wrapf(err, "failed to read file %s", f.filepath)
	}

	if strings.TrimSpace(string(b)) == "" {
		// If the file is empty, return the empty config.
		// Do not make f.c a nil.
		f.c = &RawFileConfig{}
		return nil
	}

	conf := RawFileConfig{}
	err = json.Unmarshal(b, &conf)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to unmarshal config from file %s", f.filepath)
	}
	f.c = &conf

	return nil
}

func (f *File) Save() error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.c == nil {
		return pkgerrors.New("config is nil")
	}

	b, err := json.MarshalIndent(f.c, "", "  ")
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to encode config")
	}
	err = afero.WriteFile(f.fs, f.filepath, append(b, '\n'), 0644)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to write file %s", f.filepath)
	}

	return nil
}

func (f *File) LogrusFields() logrus.Fields {
	if f.c == nil {
		panic("config is nil")
	}

	return logrus.Fields{
		"sampleName":             f.SampleName(),
		"savePath":               f.SavePath(),
		"roiListPath":            f.ROIListPath(),
		"calibrationPath":        f.CalibrationPath(),
		"calibrationStep":        f.CalibrationStep(),
		"calibrationRepetitions": f.CalibrationRepetitions(),
		"numZPlanes":             f.NumZPlanes(),
		"zStep":                  f.ZStep(),
		"centeredFocalPlane":     f.CenteredFocalPlane(),
		"exposure":               f.Exposure(),
		"channels":               len(f.ImagingSequence()),
		"handshakeTimeout":       f.HandshakeTimeout(),
		"cron":                   f.Cron(),
		"allowNonRootAccess":     f.AllowNonRootAccess(),
	}
}
