// Package metrics exposes run and acquisition statistics in the Prometheus
// text format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cbs-imaging/hubble/pkg/acquisition"
	"github.com/cbs-imaging/hubble/pkg/handshake"
	"github.com/cbs-imaging/hubble/pkg/task"
	"github.com/cbs-imaging/hubble/pkg/tilt"
)

const namespace = "hubble"

var (
	_ task.Observer       = &Collector{}
	_ acquisition.Metrics = &Collector{}
)

// Collector records metrics into its own registry.
type Collector struct {
	registry *prometheus.Registry

	steps        *prometheus.HistogramVec
	stepErrors   *prometheus.CounterVec
	runs         *prometheus.CounterVec
	handshakes   *prometheus.HistogramVec
	calibrations *prometheus.HistogramVec
	frames       prometheus.Counter
}

func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		steps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of task steps.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"task"}),
		stepErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_errors_total",
			Help:      "Task steps that returned an error.",
		}, []string{"task"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished runs by outcome.",
		}, []string{"task", "outcome"}),
		handshakes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_duration_seconds",
			Help:      "Time from trigger pulse to acknowledgement, by outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"outcome"}),
		calibrations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tilt_calibration_duration_seconds",
			Help:      "Duration of tilt calibrations, by fitted model.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"model"}),
		frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_saved_total",
			Help:      "Camera frames written to disk.",
		}),
	}
	c.registry.MustRegister(
		c.steps, c.stepErrors, c.runs, c.handshakes, c.calibrations, c.frames,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) ObserveStep(taskName string, d time.Duration, err error) {
	c.steps.WithLabelValues(taskName).Observe(d.Seconds())
	if err != nil {
		c.stepErrors.WithLabelValues(taskName).Inc()
	}
}

func (c *Collector) ObserveRun(rs task.RunState) {
	c.runs.WithLabelValues(rs.Task, string(rs.Outcome)).Inc()
}

func (c *Collector) ObserveHandshake(outcome handshake.Outcome, elapsed time.Duration) {
	c.handshakes.WithLabelValues(outcome.String()).Observe(elapsed.Seconds())
}

func (c *Collector) ObserveCalibration(model tilt.Model, d time.Duration) {
	c.calibrations.WithLabelValues(string(model)).Observe(d.Seconds())
}

func (c *Collector) ObserveFrames(n int) {
	c.frames.Add(float64(n))
}

// Registry returns the registry the collector writes to.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
