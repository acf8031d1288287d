package daemon

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cbs-imaging/hubble/pkg/acquisition"
	"github.com/cbs-imaging/hubble/pkg/events"
	"github.com/cbs-imaging/hubble/pkg/position"
	"github.com/cbs-imaging/hubble/pkg/task"
	"github.com/cbs-imaging/hubble/pkg/tilt"
	"github.com/cbs-imaging/hubble/pkg/types"
)

var ErrNoPositionList = errors.New("no ROI list configured")

// runController owns the current acquisition run. A new task and runner
// are built for every run so that configuration changes apply to the next
// run only.
type runController struct {
	mu     sync.Mutex
	runner *task.Runner
	task   *acquisition.Task
	// record is the calibration of the last run that produced one.
	record *tilt.Record
}

func newAcquisition() (*acquisition.Task, error) {
	path := conf.ROIListPath()
	if path == "" {
		return nil, ErrNoPositionList
	}
	list, err := position.LoadList(appFs, path)
	if err != nil {
		return nil, err
	}
	return acquisition.New(devices, list, acquisition.ParamsFromConfig(conf),
		acquisition.WithFs(appFs),
		acquisition.WithEvents(sseHub),
		acquisition.WithMetrics(collector),
	)
}

// start builds a run and hands it to a worker goroutine. It returns once
// the prerequisites have been checked, with a *task.PrerequisiteError if
// they do not hold; setup and the steps continue in the background.
func (rc *runController) start() error {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.runner != nil && rc.runner.State().Active() {
		return task.ErrNotIdle
	}

	tk, err := newAcquisition()
	if err != nil {
		return err
	}

	stepRecorder.ClearRecords()
	r := task.NewRunner(tk,
		task.WithEvents(sseHub),
		task.WithObserver(collector),
		task.WithObserver(stepRecorder),
		task.WithWaitChunk(conf.WaitChunk()),
		task.WithOnFinished(func(rs task.RunState) { rc.finished(tk, rs) }),
	)
	rc.runner, rc.task = r, tk

	prereq := make(chan error, 1)
	go func() {
		// the runner logs and publishes the outcome
		_ = r.Run(func() error {
			err := tk.Prerequisites()
			prereq <- err
			return err
		})
	}()
	return <-prereq
}

func (rc *runController) finished(tk *acquisition.Task, rs task.RunState) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rec := tk.Record(); rec != nil {
		rc.record = rec
	}
	logrus.WithFields(logrus.Fields{
		"runId":   rs.RunID,
		"outcome": rs.Outcome,
		"steps":   rs.Step,
	}).Info("run finished")
}

// precheck reports whether a scheduled run could start now.
func (rc *runController) precheck() error {
	rc.mu.Lock()
	active := rc.runner != nil && rc.runner.State().Active()
	rc.mu.Unlock()
	if active {
		return task.ErrNotIdle
	}
	tk, err := newAcquisition()
	if err != nil {
		return err
	}
	return tk.Prerequisites()
}

func (rc *runController) current() *task.Runner {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.runner
}

// pause, resume and abort report whether there was a run to act on.
func (rc *runController) pause() bool {
	r := rc.current()
	if r == nil {
		return false
	}
	r.Pause()
	return true
}

func (rc *runController) resume() bool {
	r := rc.current()
	if r == nil {
		return false
	}
	r.Resume()
	return true
}

func (rc *runController) abort() bool {
	r := rc.current()
	if r == nil {
		return false
	}
	r.Abort()
	return true
}

// abortAndWait aborts the run and waits up to timeout for its teardown.
func (rc *runController) abortAndWait(timeout time.Duration) error {
	r := rc.current()
	if r == nil || !r.State().Active() {
		return nil
	}
	r.Abort()
	select {
	case <-r.Done():
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("run did not stop within %s", timeout)
	}
}

func (rc *runController) lastRecord() *tilt.Record {
	rc.mu.Lock()
	tk, rec := rc.task, rc.record
	rc.mu.Unlock()
	if tk != nil {
		if cur := tk.Record(); cur != nil {
			return cur
		}
	}
	return rec
}

func (rc *runController) status() types.Status {
	rc.mu.Lock()
	r, tk := rc.runner, rc.task
	rc.mu.Unlock()

	st := types.Status{RunState: task.RunState{Task: acquisition.Name, State: task.StateIdle}}
	if r != nil {
		rs := r.Snapshot()
		st.RunState = rs
		st.Stats = tk.Stats()
		st.Positions = tk.Positions().Len()
		st.RunDir = tk.RunDir()
		st.CanPause = rs.CanPause()
		st.CanResume = rs.CanResume()
		st.CanAbort = rs.State.Active() && !rs.Aborted
		if rs.State.Active() {
			st.MeanStepSeconds = stepRecorder.MeanDuration().Seconds()
			st.RemainingSeconds = int(stepRecorder.Estimate(st.Positions - rs.Step).Seconds())
		}
	}
	if scheduler != nil {
		if next, running := scheduler.Status(); running {
			st.ScheduledAt = next
		}
	}
	return st
}

// setSchedule sets the cron expression for scheduled runs and returns the
// next run times. An empty expression disables scheduling.
func setSchedule(cronExpr string) ([]time.Time, error) {
	if cronExpr == "" {
		if conf.Cron() == "" {
			return nil, nil
		}

		conf.SetCron("")
		if err := conf.Save(); err != nil {
			logrus.WithError(err).Error("failed to save config")
			return nil, fmt.Errorf("failed to save config: %w", err)
		}
		scheduler.Stop()
		sseHub.Publish(events.ScheduleAction, events.ScheduleEvent{
			Action:  "disable",
			Message: "Acquisition schedule disabled",
			Ts:      time.Now().Unix(),
		})
		return nil, nil
	}

	if _, err := cronParser.Parse(cronExpr); err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}

	conf.SetCron(cronExpr)
	if err := conf.Save(); err != nil {
		logrus.WithError(err).Error("failed to save config")
		return nil, fmt.Errorf("failed to save config: %w", err)
	}

	if err := scheduler.Schedule(cronExpr); err != nil {
		logrus.WithError(err).Error("failed to schedule acquisition")
		return nil, err
	}
	scheduler.Start()

	nextRuns := scheduler.NextRuns(3)
	if len(nextRuns) > 0 {
		sseHub.Publish(events.ScheduleAction, events.ScheduleEvent{
			Action:  "schedule",
			Message: fmt.Sprintf("Acquisition scheduled at %s", nextRuns[0].Format("Jan _2 15:04")),
			Ts:      time.Now().Unix(),
		})
	}
	return nextRuns, nil
}

func postponeSchedule(d time.Duration) error {
	if err := scheduler.Postpone(d); err != nil {
		logrus.WithError(err).Error("failed to postpone acquisition")
		return err
	}

	sseHub.Publish(events.ScheduleAction, events.ScheduleEvent{
		Action:  "postpone",
		Message: fmt.Sprintf("Acquisition postponed for %s", d.String()),
		Ts:      time.Now().Unix(),
	})
	return nil
}

func skipNextSchedule() error {
	if err := scheduler.Skip(); err != nil {
		logrus.WithError(err).Error("failed to skip next scheduled acquisition")
		return err
	}

	sseHub.Publish(events.ScheduleAction, events.ScheduleEvent{
		Action:  "skip",
		Message: "Next scheduled acquisition skipped",
		Ts:      time.Now().Unix(),
	})
	return nil
}

func getSchedule() types.Schedule {
	s := types.Schedule{Cron: conf.Cron()}
	if _, running := scheduler.Status(); running {
		s.NextRuns = scheduler.NextRuns(3)
	}
	return s
}

// newRunScheduler wires the scheduler to the run controller and the hub.
func newRunScheduler() *Scheduler {
	return NewScheduler(
		runs.start,
		runs.precheck,
		func(data any) {
			at, _ := data.(time.Time)
			sseHub.Publish(events.ScheduleUpcoming, events.ScheduleEvent{
				Message: fmt.Sprintf("Acquisition starts at %s", at.Format("15:04")),
				Ts:      time.Now().Unix(),
			})
		},
		func(data any) {
			msg := fmt.Sprint(data)
			if err, ok := data.(error); ok {
				msg = err.Error()
			}
			logrus.WithField("error", msg).Warn("scheduled acquisition problem")
			sseHub.Publish(events.ScheduleError, events.ScheduleEvent{
				Message: msg,
				Ts:      time.Now().Unix(),
			})
		},
	)
}
