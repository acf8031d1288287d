package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cbs-imaging/hubble/pkg/events"
)

// serve runs mux on a unix socket and returns a client for it.
func serve(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	// unix socket paths are limited in length, so avoid t.TempDir
	dir, err := os.MkdirTemp("", "hubble")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	sock := filepath.Join(dir, "d.sock")
	l, err := net.Listen("unix", sock)
	require.NoError(t, err)
	srv := &http.Server{Handler: mux}
	go func() { _ = srv.Serve(l) }()
	t.Cleanup(func() { _ = srv.Close() })

	return NewClient(sock)
}

func TestStatusAndErrors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /task/status", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"runId":"r1","task":"hubble","state":"Running","step":2,"stats":{"positions":2,"frames":12},"positions":5,"canPause":true}`)
	})
	mux.HandleFunc("POST /task/start", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusPreconditionFailed)
		fmt.Fprint(w, `"hubble: prerequisites not met: autofocus is not calibrated"`)
	})
	mux.HandleFunc("GET /calibration", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `"no tilt calibration available"`)
	})
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `"v0.3.1"`)
	})
	c := serve(t, mux)

	st, err := c.GetStatus()
	require.NoError(t, err)
	assert.Equal(t, "Running", string(st.State))
	assert.Equal(t, 2, st.Step)
	assert.Equal(t, 12, st.Stats.Frames)
	assert.True(t, st.CanPause)

	_, err = c.StartTask()
	var serr *StatusError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, http.StatusPreconditionFailed, serr.Code)
	assert.Equal(t, "got 412: hubble: prerequisites not met: autofocus is not calibrated", serr.Error())

	_, err = c.GetCalibration()
	assert.ErrorIs(t, err, ErrNotFound)

	v, err := c.GetVersion()
	require.NoError(t, err)
	assert.Equal(t, "v0.3.1", v)
}

func TestScheduleRequests(t *testing.T) {
	var gotCron, gotDelay string
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /schedule", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotCron = string(b)
		fmt.Fprint(w, `["2026-03-15T03:00:00Z","2026-03-16T03:00:00Z"]`)
	})
	mux.HandleFunc("POST /schedule/postpone", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotDelay = string(b)
		fmt.Fprint(w, `{"cron":"0 3 * * *","nextRuns":["2026-03-15T04:30:00Z"]}`)
	})
	c := serve(t, mux)

	next, err := c.SetSchedule("0 3 * * *")
	require.NoError(t, err)
	assert.Equal(t, `"0 3 * * *"`, gotCron)
	require.Len(t, next, 2)
	assert.Equal(t, 3, next[0].Hour())

	s, err := c.PostponeSchedule(90 * time.Minute)
	require.NoError(t, err)
	assert.Equal(t, `"1h30m0s"`, gotDelay)
	assert.Equal(t, "0 3 * * *", s.Cron)
}

func TestSubscribeEvents(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /events", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event:heartbeat\ndata:{\"ts\":1}\n\n")
		fmt.Fprint(w, "event:controls.lock\ndata:{\"task\":\"hubble\",\"ts\":2}\n\n")
		fmt.Fprint(w, "event:task.finished\ndata: {\"task\":\"hubble\",\"outcome\":\"Completed\",\"ts\":3}\n\n")
	})
	c := serve(t, mux)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := c.SubscribeEvents(ctx)
	require.NoError(t, err)

	var got []events.Event
	for ev := range ch {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, events.ControlsLock, got[0].Name)

	fin, err := events.DecodeAs[events.TaskFinishedEvent](got[1])
	require.NoError(t, err)
	assert.Equal(t, "Completed", fin.Outcome)
}

func TestDaemonNotRunning(t *testing.T) {
	c := NewClient(filepath.Join(os.TempDir(), "hubble-missing.sock"))
	_, err := c.GetStatus()
	assert.ErrorIs(t, err, ErrDaemonNotRunning)
}
