package daemon

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/cbs-imaging/hubble/pkg/task"
	"github.com/cbs-imaging/hubble/pkg/tilt"
	"github.com/cbs-imaging/hubble/pkg/version"
)

const sseHeartbeat = 15 * time.Second

func getConfig(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, conf.LogrusFields())
}

func startTask(c *gin.Context) {
	err := runs.start()
	var perr *task.PrerequisiteError
	switch {
	case err == nil:
		c.IndentedJSON(http.StatusAccepted, "acquisition started")
	case errors.Is(err, task.ErrNotIdle):
		abortWithError(c, http.StatusConflict, err)
	case errors.As(err, &perr):
		abortWithError(c, http.StatusPreconditionFailed, err)
	case errors.Is(err, ErrNoPositionList):
		abortWithError(c, http.StatusBadRequest, err)
	default:
		logrus.WithError(err).Error("failed to start acquisition")
		abortWithError(c, http.StatusInternalServerError, err)
	}
}

func pauseTask(c *gin.Context) {
	if !runs.pause() {
		c.IndentedJSON(http.StatusOK, "no run to pause")
		return
	}
	c.IndentedJSON(http.StatusOK, "pause requested")
}

func resumeTask(c *gin.Context) {
	if !runs.resume() {
		c.IndentedJSON(http.StatusOK, "no run to resume")
		return
	}
	c.IndentedJSON(http.StatusOK, "resume requested")
}

func abortTask(c *gin.Context) {
	if !runs.abort() {
		c.IndentedJSON(http.StatusOK, "no run to abort")
		return
	}
	c.IndentedJSON(http.StatusOK, "abort requested")
}

func getStatus(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, runs.status())
}

func getCalibration(c *gin.Context) {
	rec := runs.lastRecord()
	if rec == nil {
		abortWithError(c, http.StatusNotFound, errors.New("no tilt calibration available"))
		return
	}
	c.IndentedJSON(http.StatusOK, rec)
}

// setCalibrationPath makes runs reuse a stored calibration record. An empty
// path makes every run calibrate again.
func setCalibrationPath(c *gin.Context) {
	var path string
	if err := c.BindJSON(&path); err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}

	if path != "" {
		if _, err := tilt.LoadRecord(appFs, path); err != nil {
			abortWithError(c, http.StatusBadRequest, err)
			return
		}
	}

	conf.SetCalibrationPath(path)
	if err := conf.Save(); err != nil {
		logrus.WithError(err).Error("failed to save config")
		abortWithError(c, http.StatusInternalServerError, err)
		return
	}

	if path == "" {
		logrus.Info("tilt calibration will be measured at every run")
		c.IndentedJSON(http.StatusCreated, "tilt calibration will be measured at every run")
		return
	}
	logrus.WithField("path", path).Info("using stored tilt calibration")
	c.IndentedJSON(http.StatusCreated, fmt.Sprintf("runs will use the tilt calibration in %s", path))
}

func getScheduleHandler(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, getSchedule())
}

func setScheduleHandler(c *gin.Context) {
	var expr string
	if err := c.BindJSON(&expr); err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}

	nextRuns, err := setSchedule(strings.TrimSpace(expr))
	if err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}
	c.IndentedJSON(http.StatusCreated, nextRuns)
}

func skipScheduleHandler(c *gin.Context) {
	if err := skipNextSchedule(); err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}
	c.IndentedJSON(http.StatusOK, getSchedule())
}

func postponeScheduleHandler(c *gin.Context) {
	var raw string
	if err := c.BindJSON(&raw); err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, fmt.Errorf("invalid duration %q: %w", raw, err))
		return
	}
	if err := postponeSchedule(d); err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}
	c.IndentedJSON(http.StatusOK, getSchedule())
}

// streamEvents forwards hub events as server-sent events until the client
// goes away.
func streamEvents(c *gin.Context) {
	ch := sseHub.Subscribe()
	defer sseHub.Unsubscribe(ch)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	c.Stream(func(_ io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(ev.Name, string(ev.Data))
			return true
		case <-heartbeat.C:
			c.SSEvent("heartbeat", fmt.Sprintf(`{"ts":%d}`, time.Now().Unix()))
			return true
		}
	})
}

func getVersion(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, version.Version)
}
