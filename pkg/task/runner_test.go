package task

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cbs-imaging/hubble/pkg/events"
)

type fakeTask struct {
	steps     int
	setupErr  error
	stepErr   map[int]error
	panicAt   int
	sleep     time.Duration
	stepped   atomic.Int32
	setups    atomic.Int32
	teardowns atomic.Int32
	pauses    atomic.Int32
	resumes   atomic.Int32
	inStep    chan int
}

func (f *fakeTask) Name() string { return "fake" }

func (f *fakeTask) Setup(ctl Control) error {
	f.setups.Add(1)
	return f.setupErr
}

func (f *fakeTask) Step(ctl Control, step int) (bool, error) {
	f.stepped.Add(1)
	if f.inStep != nil {
		f.inStep <- step
	}
	if f.panicAt == step+1 {
		panic("boom")
	}
	if err := f.stepErr[step]; err != nil {
		return false, err
	}
	if f.sleep > 0 && !ctl.Sleep(f.sleep) {
		return false, nil
	}
	ctl.SetResult("step done")
	return step+1 < f.steps && !ctl.Aborted(), nil
}

func (f *fakeTask) Teardown(ctl Control) { f.teardowns.Add(1) }

func (f *fakeTask) Pause(ctl Control)  { f.pauses.Add(1) }
func (f *fakeTask) Resume(ctl Control) { f.resumes.Add(1) }

type recordingObserver struct {
	mu    sync.Mutex
	steps int
	runs  []RunState
}

func (o *recordingObserver) ObserveStep(string, time.Duration, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.steps++
}

func (o *recordingObserver) ObserveRun(rs RunState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runs = append(o.runs, rs)
}

func TestRunToCompletion(t *testing.T) {
	ft := &fakeTask{steps: 3}
	obs := &recordingObserver{}
	hub := events.NewEventHub()
	sub := hub.Subscribe()
	defer hub.Unsubscribe(sub)

	r := NewRunner(ft, WithObserver(obs), WithEvents(hub))
	require.NoError(t, r.Run(nil))

	st := r.Snapshot()
	assert.Equal(t, StateIdle, st.State)
	assert.Equal(t, OutcomeCompleted, st.Outcome)
	assert.Equal(t, 3, st.Step)
	assert.Equal(t, "step done", st.Result)
	assert.NotEmpty(t, st.RunID)
	assert.EqualValues(t, 1, ft.setups.Load())
	assert.EqualValues(t, 1, ft.teardowns.Load())
	assert.Equal(t, 3, obs.steps)
	require.Len(t, obs.runs, 1)

	finished := 0
	for len(sub) > 0 {
		ev := <-sub
		if ev.Name == events.TaskFinished {
			finished++
			payload, err := events.DecodeAs[events.TaskFinishedEvent](ev)
			require.NoError(t, err)
			assert.Equal(t, string(OutcomeCompleted), payload.Outcome)
		}
	}
	assert.Equal(t, 1, finished)
}

func TestPrerequisiteFailure(t *testing.T) {
	ft := &fakeTask{steps: 3}
	var finished []RunState
	r := NewRunner(ft, WithOnFinished(func(rs RunState) { finished = append(finished, rs) }))

	err := r.Start(func() error { return errors.New("autofocus not calibrated") })
	var perr *PrerequisiteError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "fake", perr.Task)

	assert.EqualValues(t, 0, ft.setups.Load())
	assert.EqualValues(t, 0, ft.teardowns.Load())
	require.Len(t, finished, 1)
	assert.Equal(t, OutcomePrerequisite, finished[0].Outcome)
	assert.Equal(t, StateIdle, r.State())

	_, err = r.Step()
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestSetupFailureStillTearsDown(t *testing.T) {
	ft := &fakeTask{steps: 3, setupErr: errors.New("camera offline")}
	r := NewRunner(ft)

	require.Error(t, r.Start(nil))
	assert.EqualValues(t, 1, ft.teardowns.Load())
	assert.EqualValues(t, 0, ft.stepped.Load())
	assert.Equal(t, OutcomeFailed, r.Snapshot().Outcome)
}

func TestStepErrorTearsDownOnce(t *testing.T) {
	stepErr := errors.New("stage stuck")
	ft := &fakeTask{steps: 5, stepErr: map[int]error{1: stepErr}}
	r := NewRunner(ft)

	err := r.Run(nil)
	assert.ErrorIs(t, err, stepErr)
	assert.EqualValues(t, 2, ft.stepped.Load())
	assert.EqualValues(t, 1, ft.teardowns.Load())

	st := r.Snapshot()
	assert.Equal(t, OutcomeFailed, st.Outcome)
	assert.Equal(t, "stage stuck", st.Error)

	// further calls are rejected without another teardown
	_, err = r.Step()
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.EqualValues(t, 1, ft.teardowns.Load())
}

func TestPanicIsAbortWithError(t *testing.T) {
	ft := &fakeTask{steps: 5, panicAt: 2}
	r := NewRunner(ft)

	err := r.Run(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic in step 1")
	assert.EqualValues(t, 1, ft.teardowns.Load())
	assert.Equal(t, StateIdle, r.State())
}

func TestAbortDuringSleep(t *testing.T) {
	ft := &fakeTask{steps: 10, sleep: time.Hour, inStep: make(chan int, 10)}
	r := NewRunner(ft, WithWaitChunk(20*time.Millisecond))
	require.NoError(t, r.Start(nil))

	errCh := make(chan error, 1)
	go func() { errCh <- r.Loop() }()

	<-ft.inStep
	start := time.Now()
	r.Abort()
	r.Abort()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("loop did not return after abort")
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	st := r.Wait()
	assert.True(t, st.Aborted)
	assert.Equal(t, OutcomeAborted, st.Outcome)
	assert.EqualValues(t, 1, ft.teardowns.Load())
}

func TestPauseResume(t *testing.T) {
	ft := &fakeTask{steps: 4, inStep: make(chan int, 10)}
	r := NewRunner(ft)
	require.NoError(t, r.Start(nil))

	// illegal transitions are ignored
	r.Resume()
	assert.Equal(t, StateRunning, r.State())

	cont, err := r.Step()
	require.NoError(t, err)
	require.True(t, cont)
	<-ft.inStep

	r.Pause()
	r.Pause()
	assert.Equal(t, StatePausing, r.State())

	stepped := make(chan bool, 1)
	go func() {
		c, _ := r.Step()
		stepped <- c
	}()

	require.Eventually(t, func() bool { return r.State() == StatePaused }, time.Second, 5*time.Millisecond)
	select {
	case <-ft.inStep:
		t.Fatalf("step ran while paused")
	case <-time.After(50 * time.Millisecond):
	}
	assert.EqualValues(t, 1, ft.pauses.Load())

	r.Resume()
	assert.Equal(t, 1, <-ft.inStep)
	assert.True(t, <-stepped)
	assert.Equal(t, StateRunning, r.State())
	assert.EqualValues(t, 1, ft.resumes.Load())
	assert.Positive(t, r.Snapshot().PausedFor)

	require.NoError(t, r.Loop())
	assert.Equal(t, OutcomeCompleted, r.Snapshot().Outcome)
}

func TestResumeBeforeParked(t *testing.T) {
	ft := &fakeTask{steps: 2}
	r := NewRunner(ft)
	require.NoError(t, r.Start(nil))

	r.Pause()
	r.Resume()
	assert.Equal(t, StateRunning, r.State())

	require.NoError(t, r.Loop())
	assert.EqualValues(t, 0, ft.pauses.Load())
}

func TestAbortWhilePaused(t *testing.T) {
	ft := &fakeTask{steps: 4}
	r := NewRunner(ft)
	require.NoError(t, r.Start(nil))

	r.Pause()
	errCh := make(chan error, 1)
	go func() { errCh <- r.Loop() }()
	require.Eventually(t, func() bool { return r.State() == StatePaused }, time.Second, 5*time.Millisecond)

	r.Abort()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("paused run did not end on abort")
	}
	assert.EqualValues(t, 0, ft.stepped.Load())
	assert.EqualValues(t, 1, ft.teardowns.Load())
	assert.Equal(t, OutcomeAborted, r.Snapshot().Outcome)
}

func TestStartWhileRunning(t *testing.T) {
	ft := &fakeTask{steps: 2}
	r := NewRunner(ft)
	require.NoError(t, r.Start(nil))
	assert.ErrorIs(t, r.Start(nil), ErrNotIdle)
	require.NoError(t, r.Loop())

	// the runner is reusable once idle
	first := r.Snapshot().RunID
	require.NoError(t, r.Run(nil))
	assert.NotEqual(t, first, r.Snapshot().RunID)
	assert.EqualValues(t, 2, ft.teardowns.Load())
}

func TestAbortIdleIsNoop(t *testing.T) {
	r := NewRunner(&fakeTask{steps: 1})
	r.Abort()
	assert.False(t, r.Snapshot().Aborted)
	select {
	case <-r.Done():
	default:
		t.Fatalf("idle runner should report done")
	}
}
