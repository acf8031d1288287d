// Package sim provides simulated instruments. A Microscope implements every
// capability of device.Set over shared state: the focus loop settles on a
// configurable sample surface at the current stage position, and the
// simulated FPGA acknowledges trigger pulses on the digital I/O board and
// feeds frames to the camera.
package sim

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/cbs-imaging/hubble/pkg/device"
)

var _ device.Stage = &Microscope{}
var _ device.Focus = &Microscope{}
var _ device.DigitalIO = &Microscope{}
var _ device.Camera = &Microscope{}
var _ device.TriggerSource = &Microscope{}

// SurfaceFunc returns the in-focus axial position for a stage position.
type SurfaceFunc func(x, y float64) float64

// Options configures a Microscope.
type Options struct {
	// Surface is the true focus surface of the sample. Defaults to z=0.
	Surface SurfaceFunc
	// AutofocusPolls is the number of AutofocusInProgress calls reporting
	// busy before the autofocus settles.
	AutofocusPolls int
	// NeverSettle keeps the autofocus busy forever.
	NeverSettle bool
	// StagePolls is the number of StageIsIdle calls reporting busy after a move.
	StagePolls int
	// TriggerLine is the output line the FPGA listens to.
	TriggerLine string
	// ReadyLine is the input line the FPGA raises once a plane is exposed.
	ReadyLine string
	// ReadyPolls is the number of reads of ReadyLine that return false after
	// a pulse before it goes high.
	ReadyPolls int
	// DropPulses lists trigger pulses (0-based, counted over the lifetime of
	// the Microscope) the FPGA never acknowledges.
	DropPulses map[int]bool
	// Width and Height of generated frames.
	Width  int
	Height int
	// Uncalibrated makes AutofocusCalibrated report false.
	Uncalibrated bool
}

// Microscope is a simulated instrument set.
type Microscope struct {
	opts Options
	mu   sync.Mutex

	x, y       float64
	stageBusy  int
	z          float64
	afBusy     int
	afRunning  bool
	lines      map[string]bool
	pulses     int
	pending    int // reads left before ready goes high; -1 when nothing pending
	exposure   float64
	sequence   bool
	expected   int
	frames     []device.Frame
	session    *device.SessionPlan
	sessions   int
	defaultRun bool
	failures   map[string]error
	commands   []string
	moves      [][2]float64
}

// New returns a Microscope with defaults applied.
func New(opts Options) *Microscope {
	if opts.Surface == nil {
		opts.Surface = func(_, _ float64) float64 { return 0 }
	}
	if opts.TriggerLine == "" {
		opts.TriggerLine = "piezo_ready"
	}
	if opts.ReadyLine == "" {
		opts.ReadyLine = "acquisition_done"
	}
	if opts.Width == 0 {
		opts.Width = 4
	}
	if opts.Height == 0 {
		opts.Height = 4
	}
	return &Microscope{
		opts:       opts,
		lines:      map[string]bool{},
		pending:    -1,
		exposure:   0.05,
		defaultRun: true,
		failures:   map[string]error{},
	}
}

// Set returns the microscope as a device table.
func (m *Microscope) Set() device.Set {
	return device.Set{Stage: m, Focus: m, DIO: m, Camera: m, Trigger: m}
}

// Fail makes the named command return err until cleared with a nil err.
func (m *Microscope) Fail(command string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, command)
		return
	}
	m.failures[command] = err
}

func (m *Microscope) record(cmd string) error {
	m.commands = append(m.commands, cmd)
	if err, ok := m.failures[cmd]; ok {
		return err
	}
	return nil
}

// Commands returns the commands issued so far, in order.
func (m *Microscope) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

// Moves returns every stage target, in order.
func (m *Microscope) Moves() [][2]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][2]float64(nil), m.moves...)
}

// Pulses returns the number of trigger pulses seen by the FPGA.
func (m *Microscope) Pulses() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pulses
}

// InTaskSession reports whether a task session is active.
func (m *Microscope) InTaskSession() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session != nil
}

// DefaultSessionRunning reports whether the default trigger session runs.
func (m *Microscope) DefaultSessionRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.defaultRun
}

// Position returns the current stage and focus position.
// AutofocusRunning reports whether the focus loop is engaged.
func (m *Microscope) AutofocusRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.afRunning
}

func (m *Microscope) Position() (x, y, z float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.x, m.y, m.z
}

func (m *Microscope) MoveStage(x, y float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("MoveStage"); err != nil {
		return err
	}
	m.x, m.y = x, y
	m.stageBusy = m.opts.StagePolls
	m.moves = append(m.moves, [2]float64{x, y})
	return nil
}

func (m *Microscope) StageIsIdle() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failures["StageIsIdle"]; ok {
		return false, err
	}
	if m.stageBusy > 0 {
		m.stageBusy--
		return false, nil
	}
	return true, nil
}

func (m *Microscope) SetFocus(z float64, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("SetFocus"); err != nil {
		return err
	}
	m.z = z
	return nil
}

func (m *Microscope) GetFocus() (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failures["GetFocus"]; ok {
		return 0, err
	}
	return m.z, nil
}

func (m *Microscope) StartAutofocus(_ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("StartAutofocus"); err != nil {
		return err
	}
	m.afRunning = true
	m.afBusy = m.opts.AutofocusPolls
	return nil
}

func (m *Microscope) StopAutofocus() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("StopAutofocus"); err != nil {
		return err
	}
	m.afRunning = false
	return nil
}

func (m *Microscope) AutofocusInProgress() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failures["AutofocusInProgress"]; ok {
		return false, err
	}
	if !m.afRunning {
		return false, nil
	}
	if m.opts.NeverSettle {
		return true, nil
	}
	if m.afBusy > 0 {
		m.afBusy--
		return true, nil
	}
	m.afRunning = false
	m.z = m.opts.Surface(m.x, m.y)
	return false, nil
}

func (m *Microscope) AutofocusCalibrated() (bool, bool) {
	return !m.opts.Uncalibrated, !m.opts.Uncalibrated
}

func (m *Microscope) ReadDigital(line string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failures["ReadDigital"]; ok {
		return false, err
	}
	if line == m.opts.ReadyLine && m.pending >= 0 {
		if m.pending == 0 {
			m.pending = -1
			m.lines[line] = true
			m.capture()
		} else {
			m.pending--
		}
	}
	return m.lines[line], nil
}

func (m *Microscope) WriteDigital(line string, v bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("WriteDigital"); err != nil {
		return err
	}
	prev := m.lines[line]
	m.lines[line] = v
	if line != m.opts.TriggerLine {
		return nil
	}
	if !prev && v {
		// rising edge clears the previous acknowledgement
		m.lines[m.opts.ReadyLine] = false
	}
	if prev && !v {
		pulse := m.pulses
		m.pulses++
		if m.opts.DropPulses[pulse] {
			logrus.WithField("pulse", pulse).Debug("sim: dropping trigger pulse")
			m.pending = -1
			return nil
		}
		m.pending = m.opts.ReadyPolls
	}
	return nil
}

// capture appends one frame per channel of the active session.
func (m *Microscope) capture() {
	if !m.sequence {
		return
	}
	channels := 1
	if m.session != nil && len(m.session.Channels) > 0 {
		channels = len(m.session.Channels)
	}
	for c := 0; c < channels; c++ {
		if m.expected > 0 && len(m.frames) >= m.expected {
			return
		}
		px := make([]uint16, m.opts.Width*m.opts.Height)
		for i := range px {
			px[i] = uint16(len(m.frames))
		}
		m.frames = append(m.frames, device.Frame{Width: m.opts.Width, Height: m.opts.Height, Pixels: px})
	}
}

func (m *Microscope) BeginFrameSequence(count int, exposure float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("BeginFrameSequence"); err != nil {
		return err
	}
	if count <= 0 {
		return fmt.Errorf("invalid frame count %d", count)
	}
	m.sequence = true
	m.expected = count
	m.frames = nil
	m.exposure = exposure
	return nil
}

func (m *Microscope) FetchFrames() ([]device.Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("FetchFrames"); err != nil {
		return nil, err
	}
	if !m.sequence {
		return nil, errors.New("no frame sequence in progress")
	}
	frames := m.frames
	m.frames = nil
	m.sequence = false
	return frames, nil
}

func (m *Microscope) StopFrameSequence() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("StopFrameSequence"); err != nil {
		return err
	}
	m.sequence = false
	m.frames = nil
	return nil
}

func (m *Microscope) Exposure() (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exposure, nil
}

func (m *Microscope) SetExposure(exposure float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("SetExposure"); err != nil {
		return err
	}
	m.exposure = exposure
	return nil
}

func (m *Microscope) StartTaskSession(plan device.SessionPlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("StartTaskSession"); err != nil {
		return err
	}
	if m.session != nil {
		return errors.New("task session already running")
	}
	p := plan
	m.session = &p
	m.sessions++
	m.defaultRun = false
	return nil
}

func (m *Microscope) EndTaskSession() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("EndTaskSession"); err != nil {
		return err
	}
	m.session = nil
	return nil
}

func (m *Microscope) RestartDefaultSession() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("RestartDefaultSession"); err != nil {
		return err
	}
	m.defaultRun = true
	return nil
}
