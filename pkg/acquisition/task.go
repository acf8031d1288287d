// Package acquisition implements the multi-position z-stack acquisition run:
// tilt calibration across the position list, then one z-stack per position
// with a hardware handshake per plane.
package acquisition

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/cbs-imaging/hubble/pkg/device"
	"github.com/cbs-imaging/hubble/pkg/events"
	"github.com/cbs-imaging/hubble/pkg/handshake"
	"github.com/cbs-imaging/hubble/pkg/position"
	"github.com/cbs-imaging/hubble/pkg/task"
	"github.com/cbs-imaging/hubble/pkg/tilt"
)

// Name is the task name used in logs, events and run states.
const Name = "hubble"

var (
	_ task.Task   = &Task{}
	_ task.Pauser = &Task{}
)

// Metrics receives acquisition measurements.
type Metrics interface {
	ObserveHandshake(outcome handshake.Outcome, elapsed time.Duration)
	ObserveCalibration(model tilt.Model, d time.Duration)
	ObserveFrames(n int)
}

type nopMetrics struct{}

func (nopMetrics) ObserveHandshake(handshake.Outcome, time.Duration) {}
func (nopMetrics) ObserveCalibration(tilt.Model, time.Duration)      {}
func (nopMetrics) ObserveFrames(int)                                 {}

// Stats counts what a run has done so far.
type Stats struct {
	Positions int `json:"positions"`
	Planes    int `json:"planes"`
	Timeouts  int `json:"timeouts"`
	Frames    int `json:"frames"`
}

type Option func(*Task)

// WithFs sets the file system runs are written to. Defaults to the OS.
func WithFs(fs afero.Fs) Option {
	return func(t *Task) { t.fs = fs }
}

// WithSaver replaces the frame writer.
func WithSaver(s Saver) Option {
	return func(t *Task) { t.saver = s }
}

func WithEvents(hub *events.EventHub) Option {
	return func(t *Task) { t.hub = hub }
}

func WithMetrics(m Metrics) Option {
	return func(t *Task) { t.metrics = m }
}

// WithClock sets the time source used to name run directories.
func WithClock(now func() time.Time) Option {
	return func(t *Task) { t.now = now }
}

// Task acquires a z-stack at every position of a list. It is driven by a
// task.Runner and may be run more than once.
type Task struct {
	devs      device.Set
	positions *position.List
	params    Params
	fs        afero.Fs
	saver     Saver
	hub       *events.EventHub
	metrics   Metrics
	now       func() time.Time

	ext      string
	runName  string
	targets  []float64
	exposure float64

	exposureSaved  bool
	sessionStarted bool
	hook           *logFileHook

	// mu guards the fields read while a run is in progress.
	mu     sync.Mutex
	runDir string
	record *tilt.Record
	stats  Stats
}

// New returns a Task over devs. Every device command is logged at trace
// level and failures are wrapped in *device.CommandError.
func New(devs device.Set, positions *position.List, params Params, opts ...Option) (*Task, error) {
	if err := devs.Validate(); err != nil {
		return nil, err
	}
	if positions == nil || positions.Len() == 0 {
		return nil, position.ErrEmptyList
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid acquisition parameters: %w", err)
	}
	ext, _ := extension(params.FileFormat)

	t := &Task{
		devs:      device.Wrap(devs),
		positions: positions,
		params:    params,
		fs:        afero.NewOsFs(),
		metrics:   nopMetrics{},
		now:       time.Now,
		ext:       ext,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.saver == nil {
		t.saver = &DiskSaver{Fs: t.fs, Format: ext}
	}
	return t, nil
}

func (t *Task) Name() string { return Name }

// Prerequisites checks that the autofocus can be used. It touches no
// actuator.
func (t *Task) Prerequisites() error {
	calibrated, setpoint := t.devs.Focus.AutofocusCalibrated()
	switch {
	case !calibrated:
		return &task.PrerequisiteError{Task: Name, Reason: "autofocus is not calibrated"}
	case !setpoint:
		return &task.PrerequisiteError{Task: Name, Reason: "no autofocus setpoint defined"}
	}
	return nil
}

// RunDir returns the directory of the current or last run.
func (t *Task) RunDir() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runDir
}

// Record returns the tilt calibration of the current or last run.
func (t *Task) Record() *tilt.Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.record
}

// Positions returns the position list the task acquires.
func (t *Task) Positions() *position.List { return t.positions }

func (t *Task) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

func (t *Task) count(fn func(*Stats)) {
	t.mu.Lock()
	fn(&t.stats)
	t.mu.Unlock()
}

func (t *Task) Setup(ctl task.Control) error {
	log := ctl.Log()
	t.reset()
	t.hub.Publish(events.ControlsLock, events.ControlsEvent{Task: Name, Ts: time.Now().Unix()})

	exp, err := t.devs.Camera.Exposure()
	if err != nil {
		return err
	}
	t.exposure, t.exposureSaved = exp, true

	if err := t.devs.Focus.StopAutofocus(); err != nil {
		return err
	}

	dir, prefix, err := CreateRunDir(t.fs, t.params.SavePath, t.params.SampleName, t.now())
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.runDir = dir
	t.mu.Unlock()
	t.runName = prefix + "_" + t.params.SampleName

	hook, err := openLogFileHook(t.fs, dir, Name)
	if err != nil {
		return err
	}
	t.hook = hook
	addHook(hook)

	p := t.params
	if err := WriteMetadata(t.fs, dir, Metadata{
		RunID:           runID(log),
		SampleName:      p.SampleName,
		StartedAt:       t.now(),
		Exposure:        p.Exposure,
		ZStep:           p.ZStep,
		ZTotal:          p.ZStep * float64(p.NumZPlanes),
		NumZPlanes:      p.NumZPlanes,
		Centered:        p.CenteredFocalPlane,
		Positions:       t.positions.Names(),
		Channels:        p.Channels,
		FileFormat:      t.ext,
		CalibrationPath: p.CalibrationPath,
	}); err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"dir":       dir,
		"positions": t.positions.Len(),
		"planes":    p.NumZPlanes,
		"channels":  len(p.Channels),
	}).Info("starting acquisition")

	if err := t.devs.Trigger.StartTaskSession(device.SessionPlan{
		Planes:   p.NumZPlanes,
		Channels: p.Channels,
		Exposure: p.Exposure * p.ExposureScale,
	}); err != nil {
		return err
	}
	t.sessionStarted = true

	if err := t.calibrate(ctl); err != nil {
		return err
	}

	first := t.positions.At(0)
	return device.MoveAndWait(t.devs.Stage, ctl, first.X, first.Y, p.StagePoll, p.StageTimeout)
}

// calibrate loads or measures the tilt surface, stores it in the run
// directory and applies the offsets to the position list.
func (t *Task) calibrate(ctl task.Control) error {
	log := ctl.Log()
	start := time.Now()
	t.positions.ResetOffsets()

	var rec *tilt.Record
	if path := t.params.CalibrationPath; path != "" {
		loaded, err := tilt.LoadRecord(t.fs, path)
		if err != nil {
			return err
		}
		dz, err := loaded.DeltaZ(t.positions)
		if err != nil {
			return err
		}
		loaded.DZ = dz
		rec = loaded
		log.WithField("path", path).Info("using stored tilt calibration")
	} else {
		c := &tilt.Calibrator{
			Stage:  t.devs.Stage,
			Focus:  t.devs.Focus,
			Params: t.params.Calibration,
			Log:    log,
		}
		measured, err := c.Run(ctl, t.positions)
		if err != nil {
			return err
		}
		rec = measured
	}
	t.metrics.ObserveCalibration(rec.Model, time.Since(start))

	if err := tilt.SaveRecord(t.fs, filepath.Join(t.RunDir(), tilt.RecordFileName), rec); err != nil {
		return err
	}
	if err := t.positions.ApplyOffsets(rec.DZ); err != nil {
		return err
	}
	t.mu.Lock()
	t.record = rec
	t.mu.Unlock()
	return nil
}

func (t *Task) Step(ctl task.Control, step int) (bool, error) {
	n := t.positions.Len()
	if step >= n || ctl.Aborted() {
		return false, nil
	}
	p := t.params
	pos := t.positions.At(step)
	log := ctl.Log().WithFields(logrus.Fields{
		"position": pos.Name,
		"index":    step,
	})

	if err := device.MoveAndWait(t.devs.Stage, ctl, pos.X, pos.Y, p.StagePoll, p.StageTimeout); err != nil {
		if errors.Is(err, device.ErrInterrupted) {
			return false, nil
		}
		return false, err
	}

	if step == 0 || t.targets == nil {
		if err := t.focusReference(ctl); err != nil {
			if errors.Is(err, device.ErrInterrupted) {
				return false, nil
			}
			return false, err
		}
	}
	z := t.targets[step]

	frames, complete, err := t.acquireStack(ctl, pos, z)
	if err != nil {
		return false, err
	}
	if !complete {
		log.Warn("z-stack interrupted")
		return false, nil
	}
	if err := t.save(pos, frames); err != nil {
		return false, err
	}
	t.count(func(s *Stats) { s.Positions++ })

	ctl.SetResult(fmt.Sprintf("acquired %d of %d positions", step+1, n))
	log.WithFields(logrus.Fields{
		"z":      z,
		"frames": len(frames),
	}).Info("position acquired")
	return step+1 < n && !ctl.Aborted(), nil
}

// focusReference runs the autofocus at the first position and derives the
// focus target of every position from its result.
func (t *Task) focusReference(ctl task.Control) error {
	cp := t.params.Calibration
	converged, err := device.RunAutofocus(t.devs.Focus, ctl, ctl.Log(), cp.AutofocusPoll, cp.AutofocusMaxPolls)
	if err != nil {
		return err
	}
	z0, err := t.devs.Focus.GetFocus()
	if err != nil {
		return err
	}
	targets, err := t.positions.Targets(z0)
	if err != nil {
		return err
	}
	t.targets = targets
	ctl.Log().WithFields(logrus.Fields{
		"z0":        z0,
		"converged": converged,
	}).Info("reference focus found")
	return nil
}

// acquireStack steps the focus through the planes around z, handshaking
// with the trigger source at every plane, and returns the frames. A plane
// whose acknowledgement times out is skipped. complete is false when the
// run was aborted.
func (t *Task) acquireStack(ctl task.Control, pos position.Position, z float64) ([]device.Frame, bool, error) {
	p := t.params
	log := ctl.Log().WithField("position", pos.Name)

	if err := t.devs.Camera.BeginFrameSequence(p.FramesPerPosition(), p.Exposure); err != nil {
		return nil, false, err
	}
	if err := t.devs.DIO.WriteDigital(p.Handshake.Output, false); err != nil {
		return nil, false, err
	}

	start := StackStart(z, p.CenteredFocalPlane, p.NumZPlanes, p.ZStep)
	for plane := 0; plane < p.NumZPlanes; plane++ {
		if !ctl.Checkpoint() {
			return nil, false, t.stopSequence(log)
		}
		if err := t.devs.Focus.SetFocus(start+float64(plane)*p.ZStep, true); err != nil {
			return nil, false, err
		}
		res, err := handshake.SignalAndWait(t.devs.DIO, p.Handshake, ctl)
		if err != nil {
			return nil, false, err
		}
		t.metrics.ObserveHandshake(res.Outcome, res.Elapsed)

		switch res.Outcome {
		case handshake.OutcomeReady:
			t.count(func(s *Stats) { s.Planes++ })
		case handshake.OutcomeTimeout:
			t.count(func(s *Stats) { s.Timeouts++ })
			log.WithFields(logrus.Fields{
				"plane":   plane,
				"elapsed": res.Elapsed,
			}).Warn("handshake timed out, skipping plane")
			t.publishHandshake(pos, plane, res)
		case handshake.OutcomeAborted:
			t.publishHandshake(pos, plane, res)
			return nil, false, t.stopSequence(log)
		}
	}

	if err := t.devs.Focus.SetFocus(z, true); err != nil {
		return nil, false, err
	}
	frames, err := t.devs.Camera.FetchFrames()
	if err != nil {
		return nil, false, err
	}
	return frames, true, nil
}

func (t *Task) stopSequence(log *logrus.Entry) error {
	if err := t.devs.Camera.StopFrameSequence(); err != nil {
		log.WithError(err).Error("failed to stop frame sequence")
	}
	return nil
}

func (t *Task) publishHandshake(pos position.Position, plane int, res handshake.Result) {
	t.hub.Publish(events.AcquisitionHandshake, events.HandshakeEvent{
		Position:  pos.Name,
		Plane:     plane,
		Outcome:   res.Outcome.String(),
		ElapsedMs: res.Elapsed.Milliseconds(),
		Ts:        time.Now().Unix(),
	})
}

// save splits the frames by channel and writes one file per channel.
func (t *Task) save(pos position.Position, frames []device.Frame) error {
	for c, stack := range SplitChannels(frames, len(t.params.Channels)) {
		if len(stack) == 0 {
			continue
		}
		path := filepath.Join(t.RunDir(), FileName(t.runName, pos.Name, c, t.ext))
		if err := t.saver.Save(path, stack); err != nil {
			return err
		}
	}
	t.metrics.ObserveFrames(len(frames))
	t.count(func(s *Stats) { s.Frames += len(frames) })
	return nil
}

// Pause parks the handshake output low while the run is paused.
func (t *Task) Pause(ctl task.Control) {
	if err := t.devs.DIO.WriteDigital(t.params.Handshake.Output, false); err != nil {
		ctl.Log().WithError(err).Error("failed to reset handshake output")
	}
	ctl.Log().Info("acquisition paused")
}

func (t *Task) Resume(ctl task.Control) {
	ctl.Log().Info("acquisition resumed")
}

// Teardown restores the instruments. Every step is attempted; failures are
// logged and do not stop the remaining steps.
func (t *Task) Teardown(ctl task.Control) {
	log := ctl.Log()
	p := t.params

	if err := t.devs.Camera.StopFrameSequence(); err != nil {
		log.WithError(err).Error("failed to stop frame sequence")
	}
	if err := t.devs.DIO.WriteDigital(p.Handshake.Output, false); err != nil {
		log.WithError(err).Error("failed to reset handshake output")
	}
	if err := t.devs.Focus.StopAutofocus(); err != nil {
		log.WithError(err).Error("failed to stop autofocus")
	}

	first := t.positions.At(0)
	if err := device.MoveAndWait(t.devs.Stage, blocking{}, first.X, first.Y, p.StagePoll, p.StageTimeout); err != nil {
		log.WithError(err).Error("failed to return stage to first position")
	}
	if t.targets != nil {
		if err := t.devs.Focus.SetFocus(t.targets[0], false); err != nil {
			log.WithError(err).Error("failed to return focus to reference")
		}
	}

	if t.exposureSaved {
		if err := t.devs.Camera.SetExposure(t.exposure); err != nil {
			log.WithError(err).Error("failed to restore camera exposure")
		}
	}
	if t.sessionStarted {
		if err := t.devs.Trigger.EndTaskSession(); err != nil {
			log.WithError(err).Error("failed to end task session")
		}
		t.sessionStarted = false
	}
	if err := t.devs.Trigger.RestartDefaultSession(); err != nil {
		log.WithError(err).Error("failed to restart default session")
	}

	s := t.Stats()
	log.WithFields(logrus.Fields{
		"positions": s.Positions,
		"planes":    s.Planes,
		"timeouts":  s.Timeouts,
		"frames":    s.Frames,
	}).Info("acquisition finished")

	if t.hook != nil {
		removeHook(t.hook)
		if err := t.hook.Close(); err != nil {
			log.WithError(err).Error("failed to close run log")
		}
		t.hook = nil
	}
	t.hub.Publish(events.ControlsRelease, events.ControlsEvent{Task: Name, Ts: time.Now().Unix()})
}

func (t *Task) reset() {
	t.runName, t.targets = "", nil
	t.exposureSaved, t.sessionStarted = false, false
	t.mu.Lock()
	t.runDir, t.record = "", nil
	t.stats = Stats{}
	t.mu.Unlock()
}

func runID(log *logrus.Entry) string {
	if id, ok := log.Data["runId"].(string); ok {
		return id
	}
	return ""
}

// blocking waits without honoring abort, for moves that must complete.
type blocking struct{}

func (blocking) Sleep(d time.Duration) bool {
	time.Sleep(d)
	return true
}
