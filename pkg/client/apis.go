package client

import (
	"encoding/json"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/cbs-imaging/hubble/pkg/tilt"
	"github.com/cbs-imaging/hubble/pkg/types"
)

// StartTask starts an acquisition run. A run whose prerequisites do not
// hold fails with a *StatusError carrying 412.
func (c *Client) StartTask() (string, error) {
	ret, err := c.Post("/task/start", "")
	return unquote(ret), err
}

func (c *Client) PauseTask() (string, error) {
	ret, err := c.Post("/task/pause", "")
	return unquote(ret), err
}

func (c *Client) ResumeTask() (string, error) {
	ret, err := c.Post("/task/resume", "")
	return unquote(ret), err
}

func (c *Client) AbortTask() (string, error) {
	ret, err := c.Post("/task/abort", "")
	return unquote(ret), err
}

func (c *Client) GetStatus() (*types.Status, error) {
	ret, err := c.Get("/task/status")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get task status")
	}

	var st types.Status
	if err := json.Unmarshal([]byte(ret), &st); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal task status")
	}
	return &st, nil
}

// GetCalibration returns the tilt calibration of the current or last run.
// It fails with ErrNotFound when no run has calibrated yet.
func (c *Client) GetCalibration() (*tilt.Record, error) {
	ret, err := c.Get("/calibration")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get tilt calibration")
	}

	var rec tilt.Record
	if err := json.Unmarshal([]byte(ret), &rec); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal tilt calibration")
	}
	return &rec, nil
}

// SetCalibrationPath makes later runs reuse the record at path. An empty
// path makes every run calibrate.
func (c *Client) SetCalibrationPath(path string) (string, error) {
	payload, err := json.Marshal(path)
	if err != nil {
		return "", err
	}
	ret, err := c.Put("/calibration", string(payload))
	return unquote(ret), err
}

func (c *Client) GetConfig() (map[string]any, error) {
	ret, err := c.Get("/config")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get config")
	}

	var conf map[string]any
	if err := json.Unmarshal([]byte(ret), &conf); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal config")
	}
	return conf, nil
}

func (c *Client) GetSchedule() (*types.Schedule, error) {
	ret, err := c.Get("/schedule")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get schedule")
	}
	return parseSchedule(ret)
}

// SetSchedule sets the cron expression and returns the next run times. An
// empty expression disables scheduled runs.
func (c *Client) SetSchedule(cronExpr string) ([]time.Time, error) {
	payload, err := json.Marshal(cronExpr)
	if err != nil {
		return nil, err
	}
	ret, err := c.Put("/schedule", string(payload))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to set schedule")
	}

	var next []time.Time
	if err := json.Unmarshal([]byte(ret), &next); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal next runs")
	}
	return next, nil
}

func (c *Client) SkipSchedule() (*types.Schedule, error) {
	ret, err := c.Post("/schedule/skip", "")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to skip scheduled run")
	}
	return parseSchedule(ret)
}

func (c *Client) PostponeSchedule(d time.Duration) (*types.Schedule, error) {
	payload, err := json.Marshal(d.String())
	if err != nil {
		return nil, err
	}
	ret, err := c.Post("/schedule/postpone", string(payload))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to postpone scheduled run")
	}
	return parseSchedule(ret)
}

func (c *Client) GetVersion() (string, error) {
	ret, err := c.Get("/version")
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to get version")
	}
	return unquote(ret), nil
}

func parseSchedule(ret string) (*types.Schedule, error) {
	var s types.Schedule
	if err := json.Unmarshal([]byte(ret), &s); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal schedule")
	}
	return &s, nil
}

// unquote decodes a JSON string response. Anything else is returned as is.
func unquote(s string) string {
	var v string
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}
