package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cbs-imaging/hubble/pkg/events"
)

// Task is a long-running procedure driven by a Runner.
type Task interface {
	Name() string
	// Setup prepares devices and state. If it returns an error, Teardown is
	// still invoked.
	Setup(ctl Control) error
	// Step performs unit of work number step and reports whether another
	// step should follow.
	Step(ctl Control, step int) (bool, error)
	// Teardown restores every device touched by Setup. It must not fail;
	// problems are logged.
	Teardown(ctl Control)
}

// Pauser is implemented by tasks that act on pause and resume, e.g. to put
// a light source into a safe state while the run is held.
type Pauser interface {
	Pause(ctl Control)
	Resume(ctl Control)
}

// Observer receives run statistics.
type Observer interface {
	ObserveStep(task string, d time.Duration, err error)
	ObserveRun(rs RunState)
}

// Option configures a Runner.
type Option func(*Runner)

// WithEvents publishes lifecycle events on hub.
func WithEvents(hub *events.EventHub) Option {
	return func(r *Runner) { r.hub = hub }
}

// WithObserver adds an observer.
func WithObserver(o Observer) Option {
	return func(r *Runner) { r.observers = append(r.observers, o) }
}

// WithOnFinished registers a callback invoked once per run with the final state.
func WithOnFinished(fn func(RunState)) Option {
	return func(r *Runner) { r.onFinished = append(r.onFinished, fn) }
}

// WithWaitChunk sets the longest single sleep of Control.Sleep.
func WithWaitChunk(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.waitChunk = d
		}
	}
}

// Runner drives one Task through its lifecycle. The run is owned by a single
// worker calling Step (or Loop); Pause, Resume, Abort and Snapshot may be
// called from any goroutine.
type Runner struct {
	task       Task
	hub        *events.EventHub
	observers  []Observer
	onFinished []func(RunState)
	waitChunk  time.Duration

	mu       sync.Mutex
	cond     *sync.Cond
	st       RunState
	abortCh  chan struct{}
	done     chan struct{}
	pausedAt time.Time
	finished bool
	tornDown bool

	// stepMu serializes Step so that a run has a single worker.
	stepMu sync.Mutex
}

// NewRunner returns an idle runner for t.
func NewRunner(t Task, opts ...Option) *Runner {
	r := &Runner{
		task:      t,
		waitChunk: 30 * time.Second,
		st:        RunState{Task: t.Name(), State: StateIdle},
		abortCh:   make(chan struct{}),
		done:      make(chan struct{}),
		finished:  true,
	}
	close(r.done)
	r.cond = sync.NewCond(&r.mu)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Task returns the task driven by r.
func (r *Runner) Task() Task { return r.task }

// Start checks prerequisites and runs Setup. It returns once setup is done;
// the caller then drives the run with Step or Loop.
//
// A nil prerequisites func means no check. If it returns an error the run
// ends with a *PrerequisiteError without touching any device. Teardown is
// not invoked in that case, since Setup never ran; every other exit path
// tears down exactly once.
func (r *Runner) Start(prerequisites func() error) error {
	r.mu.Lock()
	if r.st.State != StateIdle {
		r.mu.Unlock()
		return ErrNotIdle
	}
	r.st = RunState{
		RunID:     uuid.NewString(),
		Task:      r.task.Name(),
		State:     StateIdle,
		StartedAt: time.Now(),
	}
	r.abortCh = make(chan struct{})
	r.done = make(chan struct{})
	r.pausedAt = time.Time{}
	r.finished = false
	r.tornDown = false
	r.transition(StateStarting)
	ctl := r.newControl()
	r.mu.Unlock()

	if prerequisites != nil {
		if err := prerequisites(); err != nil {
			var perr *PrerequisiteError
			if !errors.As(err, &perr) {
				perr = &PrerequisiteError{Task: r.task.Name(), Reason: err.Error()}
			}
			ctl.Log().WithError(perr).Error("prerequisites not met, task not started")
			r.finish(ctl, perr, false)
			return perr
		}
	}

	ctl.Log().Info("running task setup")
	if err := r.safeSetup(ctl); err != nil {
		if ctl.Aborted() {
			ctl.Log().WithError(err).Warn("setup returned an error after abort request")
			r.finish(ctl, nil, true)
			return ErrAborted
		}
		ctl.Log().WithError(err).Error("task setup failed")
		r.finish(ctl, err, true)
		return err
	}

	r.mu.Lock()
	aborted := r.st.Aborted
	if !aborted {
		r.transition(StateRunning)
	}
	r.mu.Unlock()

	if aborted {
		r.finish(ctl, nil, true)
		return ErrAborted
	}
	return nil
}

// Step runs the next step. It returns false once the run has ended; the
// error is non-nil only when the run ended because of a failure.
func (r *Runner) Step() (bool, error) {
	r.stepMu.Lock()
	defer r.stepMu.Unlock()

	r.mu.Lock()
	switch r.st.State {
	case StateRunning, StatePausing, StatePaused, StateResuming:
	default:
		r.mu.Unlock()
		return false, ErrNotRunning
	}
	step := r.st.Step
	ctl := r.newControl()
	r.mu.Unlock()

	if !ctl.Checkpoint() {
		r.finish(ctl, nil, true)
		return false, nil
	}

	start := time.Now()
	cont, err := r.safeStep(ctl, step)
	for _, o := range r.observers {
		o.ObserveStep(r.task.Name(), time.Since(start), err)
	}

	r.mu.Lock()
	r.st.Step = step + 1
	aborted := r.st.Aborted
	r.mu.Unlock()

	log := ctl.Log().WithField("step", step)
	if err != nil {
		if aborted || errors.Is(err, ErrAborted) {
			log.WithError(err).Warn("step returned an error after abort request")
			r.finish(ctl, nil, true)
			return false, nil
		}
		log.WithError(err).Error("step failed, stopping task")
		r.finish(ctl, err, true)
		return false, err
	}
	if !cont || aborted {
		r.finish(ctl, nil, true)
		return false, nil
	}
	return true, nil
}

// Loop calls Step until the run ends and returns the error that ended it.
func (r *Runner) Loop() error {
	for {
		cont, err := r.Step()
		if !cont {
			if errors.Is(err, ErrNotRunning) {
				return nil
			}
			return err
		}
	}
}

// Run is Start followed by Loop.
func (r *Runner) Run(prerequisites func() error) error {
	if err := r.Start(prerequisites); err != nil {
		return err
	}
	return r.Loop()
}

// Pause requests the worker to hold at the next step or plane boundary.
// It is only legal while running; otherwise it is a logged no-op.
func (r *Runner) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.st.State != StateRunning {
		r.logLocked().WithField("state", r.st.State).Warn("pause ignored, task is not running")
		return
	}
	r.transition(StatePausing)
}

// Resume releases a paused run. It is only legal while pausing or paused;
// otherwise it is a logged no-op.
func (r *Runner) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.st.State {
	case StatePausing:
		// the worker never parked
		r.transition(StateRunning)
	case StatePaused:
		r.transition(StateResuming)
		r.cond.Broadcast()
	default:
		r.logLocked().WithField("state", r.st.State).Warn("resume ignored, task is not paused")
	}
}

// Abort sets the abort flag of the current run. It may be called from any
// goroutine, any number of times, and never fails. Teardown still runs
// before the run is finished.
func (r *Runner) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.st.State.Active() {
		r.logLocked().Debug("abort ignored, no run in progress")
		return
	}
	if r.st.Aborted {
		return
	}
	r.st.Aborted = true
	close(r.abortCh)
	r.cond.Broadcast()
	r.logLocked().WithField("state", r.st.State).Info("abort requested")
}

// Snapshot returns a copy of the current run state.
func (r *Runner) Snapshot() RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st
}

// State returns the current lifecycle state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st.State
}

// Done returns a channel closed when the current run has finished.
func (r *Runner) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Wait blocks until the current run has finished and returns its final state.
func (r *Runner) Wait() RunState {
	<-r.Done()
	return r.Snapshot()
}

func (r *Runner) finish(ctl *control, err error, teardown bool) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.finished = true
	r.transition(StateStopping)
	runTeardown := teardown && !r.tornDown
	if teardown {
		r.tornDown = true
	}
	r.mu.Unlock()

	if runTeardown {
		ctl.Log().Info("running task teardown")
		r.safeTeardown(ctl)
	}

	r.mu.Lock()
	r.st.FinishedAt = time.Now()
	var perr *PrerequisiteError
	switch {
	case errors.As(err, &perr):
		r.st.Outcome = OutcomePrerequisite
	case err != nil:
		r.st.Outcome = OutcomeFailed
	case r.st.Aborted:
		r.st.Outcome = OutcomeAborted
	default:
		r.st.Outcome = OutcomeCompleted
	}
	if err != nil {
		r.st.Error = err.Error()
	}
	final := r.st
	final.State = StateIdle
	done := r.done
	r.mu.Unlock()

	ctl.Log().WithFields(logrus.Fields{
		"outcome":  final.Outcome,
		"steps":    final.Step,
		"duration": final.FinishedAt.Sub(final.StartedAt).Round(time.Millisecond),
	}).Info("task finished")

	if r.hub != nil {
		b, mErr := json.Marshal(final)
		if mErr != nil {
			ctl.Log().WithError(mErr).Error("failed to marshal final run state")
		}
		r.hub.Publish(events.TaskFinished, events.TaskFinishedEvent{
			RunID:    final.RunID,
			Task:     final.Task,
			Outcome:  string(final.Outcome),
			Error:    final.Error,
			RunState: b,
			Ts:       time.Now().Unix(),
		})
	}
	for _, o := range r.observers {
		o.ObserveRun(final)
	}
	for _, fn := range r.onFinished {
		fn(final)
	}

	r.mu.Lock()
	r.transition(StateIdle)
	r.mu.Unlock()
	close(done)
}

func (r *Runner) safeSetup(ctl *control) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &panicError{phase: "setup", value: v}
		}
	}()
	return r.task.Setup(ctl)
}

func (r *Runner) safeStep(ctl *control, step int) (cont bool, err error) {
	defer func() {
		if v := recover(); v != nil {
			cont, err = false, &panicError{phase: fmt.Sprintf("step %d", step), value: v}
		}
	}()
	return r.task.Step(ctl, step)
}

func (r *Runner) safeTeardown(ctl *control) {
	defer func() {
		if v := recover(); v != nil {
			ctl.Log().WithError(&panicError{phase: "teardown", value: v}).Error("task teardown panicked")
		}
	}()
	r.task.Teardown(ctl)
}

// transition must be called with mu held.
func (r *Runner) transition(to State) {
	from := r.st.State
	if from == to {
		return
	}
	r.st.State = to
	r.logLocked().WithFields(logrus.Fields{
		"from": from,
		"to":   to,
	}).Debug("task state changed")
	if r.hub != nil {
		r.hub.Publish(events.TaskState, events.TaskStateEvent{
			RunID: r.st.RunID,
			Task:  r.st.Task,
			From:  string(from),
			To:    string(to),
			Step:  r.st.Step,
			Ts:    time.Now().Unix(),
		})
	}
}

// logLocked must be called with mu held.
func (r *Runner) logLocked() *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"task":  r.st.Task,
		"runId": r.st.RunID,
	})
}
