package acquisition

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/cbs-imaging/hubble/pkg/device"
	"github.com/cbs-imaging/hubble/pkg/device/sim"
	"github.com/cbs-imaging/hubble/pkg/events"
	"github.com/cbs-imaging/hubble/pkg/handshake"
	"github.com/cbs-imaging/hubble/pkg/position"
	"github.com/cbs-imaging/hubble/pkg/task"
	"github.com/cbs-imaging/hubble/pkg/tilt"
)

var testDay = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func testParams() Params {
	p := DefaultParams()
	p.SampleName = "embryo"
	p.SavePath = "/data"
	p.NumZPlanes = 3
	p.ZStep = 0.5
	p.Channels = []device.Channel{
		{Lightsource: "488 nm", Intensity: 10},
		{Lightsource: "561 nm", Intensity: 20},
	}
	p.Handshake = handshake.Params{
		Output:       "piezo_ready",
		Input:        "acquisition_done",
		Settle:       time.Millisecond,
		PollInterval: time.Millisecond,
		Timeout:      20 * time.Millisecond,
	}
	p.StagePoll = time.Millisecond
	p.StageTimeout = time.Second
	p.Calibration = tilt.Params{
		Step:              1,
		Repetitions:       1,
		AutofocusPoll:     time.Millisecond,
		AutofocusMaxPolls: 20,
		StagePoll:         time.Millisecond,
		StageTimeout:      time.Second,
	}
	return p
}

func testList(t *testing.T) *position.List {
	l, err := position.NewList("grid", []position.Position{
		{Name: "A1", X: 0, Y: 0},
		{Name: "A2", X: 100, Y: 0},
		{Name: "B1", X: 0, Y: 100},
		{Name: "B2", X: 100, Y: 100},
	})
	require.NoError(t, err)
	return l
}

func tiltedSurface(x, y float64) float64 { return 10 + 0.01*x - 0.03*y }

type fixture struct {
	scope  *sim.Microscope
	fs     afero.Fs
	task   *Task
	runner *task.Runner
	hub    *events.EventHub
}

func newFixture(t *testing.T, opts sim.Options, p Params) *fixture {
	if opts.Surface == nil {
		opts.Surface = tiltedSurface
	}
	f := &fixture{
		scope: sim.New(opts),
		fs:    afero.NewMemMapFs(),
		hub:   events.NewEventHub(),
	}
	tk, err := New(f.scope.Set(), testList(t), p,
		WithFs(f.fs),
		WithEvents(f.hub),
		WithClock(func() time.Time { return testDay }),
	)
	require.NoError(t, err)
	f.task = tk
	f.runner = task.NewRunner(tk, task.WithEvents(f.hub))
	return f
}

func countCommand(cmds []string, name string) int {
	n := 0
	for _, c := range cmds {
		if c == name {
			n++
		}
	}
	return n
}

func TestRunWithDroppedPulse(t *testing.T) {
	// the second trigger pulse of the run is never acknowledged
	f := newFixture(t, sim.Options{DropPulses: map[int]bool{1: true}}, testParams())
	sub := f.hub.Subscribe()
	defer f.hub.Unsubscribe(sub)

	require.NoError(t, f.runner.Run(f.task.Prerequisites))
	st := f.runner.Wait()
	assert.Equal(t, task.OutcomeCompleted, st.Outcome)
	assert.Equal(t, 4, st.Step)

	stats := f.task.Stats()
	assert.Equal(t, 4, stats.Positions)
	assert.Equal(t, 11, stats.Planes)
	assert.Equal(t, 1, stats.Timeouts)
	assert.Equal(t, 22, stats.Frames)
	assert.Equal(t, 12, f.scope.Pulses())

	rec := f.task.Record()
	require.NotNil(t, rec)
	require.Len(t, rec.DZ, 4)
	for i, want := range []float64{0, 1, -4, 1} {
		assert.InDelta(t, want, rec.DZ[i], 1e-6, "dz[%d]", i)
	}

	dir := "/data/2026_03_14/001_Hubble_embryo"
	assert.Equal(t, dir, f.task.RunDir())

	// A1 lost one plane, so each channel holds two frames of 4x4 pixels
	b, err := afero.ReadFile(f.fs, filepath.Join(dir, "001_embryo_A1_ch000.raw"))
	require.NoError(t, err)
	assert.Len(t, b, 2*16*2)
	b, err = afero.ReadFile(f.fs, filepath.Join(dir, "001_embryo_B2_ch001.raw"))
	require.NoError(t, err)
	assert.Len(t, b, 3*16*2)

	ok, err := afero.Exists(f.fs, filepath.Join(dir, tilt.RecordFileName))
	require.NoError(t, err)
	assert.True(t, ok)

	raw, err := afero.ReadFile(f.fs, filepath.Join(dir, MetadataFileName))
	require.NoError(t, err)
	var meta Metadata
	require.NoError(t, yaml.Unmarshal(raw, &meta))
	assert.Equal(t, "embryo", meta.SampleName)
	assert.Equal(t, st.RunID, meta.RunID)
	assert.InDelta(t, 1.5, meta.ZTotal, 1e-9)
	assert.Equal(t, []string{"A1", "A2", "B1", "B2"}, meta.Positions)

	logged, err := afero.ReadFile(f.fs, filepath.Join(dir, LogFileName))
	require.NoError(t, err)
	assert.Contains(t, string(logged), "position acquired")
	assert.Contains(t, string(logged), "tilt calibration done")
	assert.Contains(t, string(logged), "reference focus found")
	assert.Equal(t, 1, strings.Count(string(logged), "handshake timed out"))

	// instruments are back in their default state
	assert.False(t, f.scope.InTaskSession())
	assert.True(t, f.scope.DefaultSessionRunning())
	x, y, z := f.scope.Position()
	assert.Equal(t, 0.0, x)
	assert.Equal(t, 0.0, y)
	assert.InDelta(t, 10.0, z, 1e-6)

	var names []string
	timeouts := 0
	for len(sub) > 0 {
		ev := <-sub
		names = append(names, ev.Name)
		if ev.Name == events.AcquisitionHandshake {
			hs, err := events.DecodeAs[events.HandshakeEvent](ev)
			require.NoError(t, err)
			assert.Equal(t, "A1", hs.Position)
			assert.Equal(t, 1, hs.Plane)
			assert.Equal(t, "timeout", hs.Outcome)
			timeouts++
		}
	}
	assert.Equal(t, 1, timeouts)
	assert.Contains(t, names, events.ControlsLock)
	assert.Contains(t, names, events.ControlsRelease)
	assert.Contains(t, names, events.TaskFinished)
}

func TestMissingPrerequisite(t *testing.T) {
	f := newFixture(t, sim.Options{Uncalibrated: true}, testParams())

	err := f.runner.Run(f.task.Prerequisites)
	var perr *task.PrerequisiteError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, task.OutcomePrerequisite, f.runner.Wait().Outcome)

	assert.Empty(t, f.scope.Commands())
	ok, err := afero.DirExists(f.fs, "/data")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAbortBetweenPositions(t *testing.T) {
	f := newFixture(t, sim.Options{}, testParams())

	require.NoError(t, f.runner.Start(f.task.Prerequisites))
	cont, err := f.runner.Step()
	require.NoError(t, err)
	require.True(t, cont)

	f.runner.Abort()
	cont, err = f.runner.Step()
	assert.NoError(t, err)
	assert.False(t, cont)

	st := f.runner.Wait()
	assert.Equal(t, task.OutcomeAborted, st.Outcome)
	assert.Equal(t, 1, f.task.Stats().Positions)
	assert.True(t, f.scope.DefaultSessionRunning())
	assert.False(t, f.scope.InTaskSession())

	// the first position stays on disk
	ok, err := afero.Exists(f.fs, filepath.Join(f.task.RunDir(), "001_embryo_A1_ch000.raw"))
	require.NoError(t, err)
	assert.True(t, ok)
}

// stepAbortedAfter runs one step in the background, aborts after delay and
// returns how long the step took to return once abort was requested.
func stepAbortedAfter(t *testing.T, r *task.Runner, delay time.Duration) time.Duration {
	t.Helper()
	returned := make(chan time.Time, 1)
	go func() {
		cont, err := r.Step()
		assert.NoError(t, err)
		assert.False(t, cont)
		returned <- time.Now()
	}()

	time.Sleep(delay)
	abortedAt := time.Now()
	r.Abort()
	select {
	case at := <-returned:
		return at.Sub(abortedAt)
	case <-time.After(5 * time.Second):
		t.Fatal("step did not return after abort")
		return 0
	}
}

func TestAbortDuringHandshake(t *testing.T) {
	p := testParams()
	p.Handshake.PollInterval = 200 * time.Millisecond
	p.Handshake.Timeout = time.Minute
	f := newFixture(t, sim.Options{DropPulses: map[int]bool{0: true}}, p)

	require.NoError(t, f.runner.Start(f.task.Prerequisites))
	elapsed := stepAbortedAfter(t, f.runner, 50*time.Millisecond)
	assert.Less(t, elapsed, p.Handshake.PollInterval)

	assert.Equal(t, task.OutcomeAborted, f.runner.Wait().Outcome)
	cmds := f.scope.Commands()
	assert.Equal(t, 1, countCommand(cmds, "RestartDefaultSession"))
	assert.Equal(t, 1, countCommand(cmds, "EndTaskSession"))
	assert.Equal(t, 1, f.scope.Pulses())
	assert.True(t, f.scope.DefaultSessionRunning())

	// the partial stack is discarded
	ok, err := afero.Exists(f.fs, filepath.Join(f.task.RunDir(), "001_embryo_A1_ch000.raw"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAbortDuringReferenceAutofocus(t *testing.T) {
	p := testParams()
	p.CalibrationPath = "/cal/tilt.yml"
	p.Calibration.AutofocusPoll = 200 * time.Millisecond
	p.Calibration.AutofocusMaxPolls = 1000000
	f := newFixture(t, sim.Options{NeverSettle: true}, p)
	require.NoError(t, tilt.SaveRecord(f.fs, p.CalibrationPath, &tilt.Record{
		Coefficients: make([]float64, 6),
		Model:        tilt.ModelConstant,
	}))

	require.NoError(t, f.runner.Start(f.task.Prerequisites))
	elapsed := stepAbortedAfter(t, f.runner, 50*time.Millisecond)
	assert.Less(t, elapsed, p.Calibration.AutofocusPoll)

	assert.Equal(t, task.OutcomeAborted, f.runner.Wait().Outcome)
	assert.False(t, f.scope.AutofocusRunning())
	cmds := f.scope.Commands()
	assert.Equal(t, 1, countCommand(cmds, "RestartDefaultSession"))
	assert.Equal(t, 1, countCommand(cmds, "StartAutofocus"))
	assert.Zero(t, f.scope.Pulses())
}

func TestAbortDuringCalibration(t *testing.T) {
	p := testParams()
	p.Calibration.AutofocusPoll = 200 * time.Millisecond
	p.Calibration.AutofocusMaxPolls = 1000000
	f := newFixture(t, sim.Options{NeverSettle: true}, p)

	started := make(chan error, 1)
	go func() { started <- f.runner.Start(f.task.Prerequisites) }()
	time.Sleep(50 * time.Millisecond)
	f.runner.Abort()

	select {
	case err := <-started:
		assert.ErrorIs(t, err, task.ErrAborted)
	case <-time.After(5 * time.Second):
		t.Fatal("setup did not return after abort")
	}
	assert.Equal(t, task.OutcomeAborted, f.runner.Wait().Outcome)
	assert.False(t, f.scope.AutofocusRunning())
	assert.Equal(t, 1, countCommand(f.scope.Commands(), "RestartDefaultSession"))
	assert.Nil(t, f.task.Record())
}

func TestDeviceFailureStillTearsDown(t *testing.T) {
	f := newFixture(t, sim.Options{}, testParams())
	f.scope.Fail("FetchFrames", errors.New("camera disconnected"))

	err := f.runner.Run(f.task.Prerequisites)
	require.Error(t, err)
	assert.ErrorIs(t, err, device.ErrCommandFailed)
	var cerr *device.CommandError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "FetchFrames", cerr.Command)

	st := f.runner.Wait()
	assert.Equal(t, task.OutcomeFailed, st.Outcome)
	assert.Contains(t, st.Error, "camera disconnected")

	cmds := f.scope.Commands()
	assert.Equal(t, 1, countCommand(cmds, "EndTaskSession"))
	assert.Equal(t, 1, countCommand(cmds, "RestartDefaultSession"))
	assert.Equal(t, 1, countCommand(cmds, "SetExposure"))
	assert.True(t, f.scope.DefaultSessionRunning())
}

func TestStoredCalibration(t *testing.T) {
	p := testParams()
	p.CalibrationPath = "/cal/tilt.yml"
	f := newFixture(t, sim.Options{}, p)

	require.NoError(t, tilt.SaveRecord(f.fs, p.CalibrationPath, &tilt.Record{
		Coefficients: []float64{5, 0.02, 0, 0, 0, 0},
		Model:        tilt.ModelPlane,
	}))

	require.NoError(t, f.runner.Run(f.task.Prerequisites))
	assert.Equal(t, task.OutcomeCompleted, f.runner.Wait().Outcome)

	rec := f.task.Record()
	for i, want := range []float64{0, 2, -2, 2} {
		assert.InDelta(t, want, rec.DZ[i], 1e-9, "dz[%d]", i)
	}
	// only the reference autofocus at the first position
	assert.Equal(t, 1, countCommand(f.scope.Commands(), "StartAutofocus"))
}

func TestRunDirNumbering(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/data/2026_03_14/001_Hubble_a", 0755))
	require.NoError(t, fs.MkdirAll("/data/2026_03_14/002_Hubble_b", 0755))
	require.NoError(t, afero.WriteFile(fs, "/data/2026_03_14/notes.txt", nil, 0644))

	dir, prefix, err := CreateRunDir(fs, "/data", "c", testDay)
	require.NoError(t, err)
	assert.Equal(t, "003", prefix)
	assert.Equal(t, "/data/2026_03_14/003_Hubble_c", dir)
}

func TestStackStart(t *testing.T) {
	tests := []struct {
		name     string
		centered bool
		planes   int
		want     float64
	}{
		{name: "bottom", centered: false, planes: 5, want: 10},
		{name: "odd", centered: true, planes: 5, want: 9},
		{name: "even", centered: true, planes: 4, want: 9},
		{name: "single", centered: true, planes: 1, want: 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, StackStart(10, tt.centered, tt.planes, 0.5), 1e-12)
		})
	}
}

func TestSplitChannels(t *testing.T) {
	frames := make([]device.Frame, 5)
	for i := range frames {
		frames[i] = device.Frame{Width: 1, Height: 1, Pixels: []uint16{uint16(i)}}
	}
	out := SplitChannels(frames, 2)
	require.Len(t, out, 2)
	assert.Equal(t, []uint16{0}, out[0][0].Pixels)
	assert.Equal(t, []uint16{2}, out[0][1].Pixels)
	assert.Len(t, out[0], 3)
	assert.Len(t, out[1], 2)
	assert.Equal(t, "run_P7_ch012.npy", FileName("run", "P7", 12, "npy"))
}

func TestDiskSaverNPY(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := &DiskSaver{Fs: fs, Format: ".npy"}
	frames := []device.Frame{
		{Width: 2, Height: 1, Pixels: []uint16{1, 0x0203}},
	}
	require.NoError(t, s.Save("/out/a.npy", frames))

	b, err := afero.ReadFile(fs, "/out/a.npy")
	require.NoError(t, err)
	require.True(t, len(b) > 10)
	assert.Equal(t, "\x93NUMPY", string(b[:6]))
	headerLen := int(b[8]) | int(b[9])<<8
	assert.Zero(t, (10+headerLen)%64)
	assert.Contains(t, string(b[10:10+headerLen]), "'shape': (1, 1, 2)")
	assert.Equal(t, []byte{1, 0, 3, 2}, b[10+headerLen:])

	bad := &DiskSaver{Fs: fs, Format: "tif"}
	assert.Error(t, bad.Save("/out/b.tif", frames))
}

// closeFailFs hands out files whose Close fails.
type closeFailFs struct{ afero.Fs }

func (fs closeFailFs) Create(name string) (afero.File, error) {
	f, err := fs.Fs.Create(name)
	if err != nil {
		return nil, err
	}
	return closeFailFile{f}, nil
}

type closeFailFile struct{ afero.File }

func (closeFailFile) Close() error { return os.ErrClosed }

func TestDiskSaverReportsCloseError(t *testing.T) {
	s := &DiskSaver{Fs: closeFailFs{afero.NewMemMapFs()}, Format: "raw"}
	err := s.Save("/out/a.raw", []device.Frame{{Width: 1, Height: 1, Pixels: []uint16{7}}})
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrClosed)
	assert.Contains(t, err.Error(), "failed to close /out/a.raw")
}

func TestNewRejectsIncompleteSetup(t *testing.T) {
	set := sim.New(sim.Options{}).Set()
	set.Camera = nil
	_, err := New(set, testList(t), testParams())
	assert.ErrorIs(t, err, device.ErrMissingDevice)

	p := testParams()
	p.NumZPlanes = 0
	_, err = New(sim.New(sim.Options{}).Set(), testList(t), p)
	assert.Error(t, err)
}
