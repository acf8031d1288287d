package task

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Control is the handle a running task uses to cooperate with the runner.
type Control interface {
	// Aborted reports whether an abort was requested for this run.
	Aborted() bool
	// Sleep waits for d, waking early on abort. It returns false if the run
	// was aborted.
	Sleep(d time.Duration) bool
	// Checkpoint blocks while the run is paused. It returns false if the run
	// was aborted. Tasks call it at plane and position boundaries only.
	Checkpoint() bool
	// SetResult replaces the free-form result of the run.
	SetResult(result string)
	// Log returns a logger carrying the task and run fields.
	Log() *logrus.Entry
}

type control struct {
	r       *Runner
	abortCh <-chan struct{}
	log     *logrus.Entry
}

// newControl must be called with mu held.
func (r *Runner) newControl() *control {
	return &control{r: r, abortCh: r.abortCh, log: r.logLocked()}
}

func (c *control) Aborted() bool {
	c.r.mu.Lock()
	defer c.r.mu.Unlock()
	return c.r.st.Aborted
}

func (c *control) Sleep(d time.Duration) bool {
	for d > 0 {
		chunk := min(d, c.r.waitChunk)
		timer := time.NewTimer(chunk)
		select {
		case <-c.abortCh:
			timer.Stop()
			return false
		case <-timer.C:
		}
		d -= chunk
		if d > 0 {
			c.log.WithField("remaining", d).Debug("waiting")
		}
	}
	return !c.Aborted()
}

func (c *control) Checkpoint() bool {
	r := c.r
	r.mu.Lock()
	for {
		if r.st.Aborted {
			r.mu.Unlock()
			return false
		}
		switch r.st.State {
		case StatePausing:
			r.transition(StatePaused)
			r.pausedAt = time.Now()
			r.mu.Unlock()
			c.log.WithField("step", r.Snapshot().Step).Info("task paused")
			if p, ok := r.task.(Pauser); ok {
				p.Pause(c)
			}
			r.mu.Lock()
		case StatePaused:
			r.cond.Wait()
		case StateResuming:
			r.st.PausedFor += time.Since(r.pausedAt)
			r.mu.Unlock()
			if p, ok := r.task.(Pauser); ok {
				p.Resume(c)
			}
			c.log.Info("task resumed")
			r.mu.Lock()
			if r.st.State == StateResuming {
				r.transition(StateRunning)
			}
			r.mu.Unlock()
			return true
		default:
			r.mu.Unlock()
			return true
		}
	}
}

func (c *control) SetResult(result string) {
	c.r.mu.Lock()
	defer c.r.mu.Unlock()
	c.r.st.Result = result
}

func (c *control) Log() *logrus.Entry { return c.log }
