package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/cbs-imaging/hubble/pkg/config"
	"github.com/cbs-imaging/hubble/pkg/device"
	"github.com/cbs-imaging/hubble/pkg/device/sim"
	"github.com/cbs-imaging/hubble/pkg/events"
	"github.com/cbs-imaging/hubble/pkg/metrics"
)

const shutdownTimeout = 5 * time.Second

var (
	conf         config.Config
	appFs        afero.Fs = afero.NewOsFs()
	sseHub                = events.NewEventHub()
	collector             = metrics.New()
	stepRecorder          = NewStepRecorder(60)
	runs                  = &runController{}
	scheduler    *Scheduler
	devices      device.Set

	// openDevices connects to the instruments. Only the simulated
	// microscope ships with the daemon; hardware backends replace this.
	openDevices = func(config.Config) (device.Set, error) {
		scope := sim.New(sim.Options{
			Surface:        func(x, y float64) float64 { return 0.001*x - 0.002*y },
			AutofocusPolls: 3,
			StagePolls:     2,
			ReadyPolls:     1,
		})
		return scope.Set(), nil
	}
)

func setupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logrus.StandardLogger()))
	router.GET("/config", getConfig)
	router.POST("/task/start", startTask)
	router.POST("/task/pause", pauseTask)
	router.POST("/task/resume", resumeTask)
	router.POST("/task/abort", abortTask)
	router.GET("/task/status", getStatus)
	router.GET("/calibration", getCalibration)
	router.PUT("/calibration", setCalibrationPath)
	router.GET("/schedule", getScheduleHandler)
	router.PUT("/schedule", setScheduleHandler)
	router.POST("/schedule/skip", skipScheduleHandler)
	router.POST("/schedule/postpone", postponeScheduleHandler)
	router.GET("/events", streamEvents)
	router.GET("/metrics", gin.WrapH(collector.Handler()))
	router.GET("/version", getVersion)

	return router
}

// reschedule applies the configured cron expression to the scheduler.
func reschedule() {
	expr := conf.Cron()
	if expr == "" {
		scheduler.Stop()
		return
	}
	if err := scheduler.Schedule(expr); err != nil {
		logrus.WithError(err).WithField("cron", expr).Error("invalid schedule in config")
		return
	}
	scheduler.Start()
	if next := scheduler.NextRuns(1); len(next) > 0 {
		logrus.WithField("next", next[0].Format(time.DateTime)).Info("acquisition scheduled")
	}
}

func Run(configPath string, unixSocketPath string, allowNonRoot bool) error {
	router := setupRoutes()

	var err error
	conf, err = config.NewFile(appFs, configPath)
	if err != nil {
		logrus.Fatalf("failed to parse config during startup: %v", err)
	}
	if err := conf.Validate(); err != nil {
		logrus.Fatal(err)
	}
	logrus.WithFields(conf.LogrusFields()).Infof("config loaded")

	devices, err = openDevices(conf)
	if err != nil {
		logrus.Fatalf("failed to open devices: %v", err)
	}

	scheduler = newRunScheduler()
	reschedule()

	// Receive SIGHUP to reload config
	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGHUP)
		for range sigc {
			err := conf.Load()
			if err != nil {
				logrus.Errorf("failed to reload config: %v", err)
				continue
			}
			if err := conf.Validate(); err != nil {
				logrus.Errorf("reloaded config is invalid, it applies anyway: %v", err)
			}
			reschedule()
			logrus.Infof("config reloaded")
		}
	}()

	srv := &http.Server{
		Handler: router,
	}

	// A socket left behind by a crashed daemon blocks Listen.
	if _, err := os.Stat(unixSocketPath); err == nil {
		logrus.WithField("socket", unixSocketPath).Warn("removing stale socket")
		if err := os.Remove(unixSocketPath); err != nil {
			logrus.Fatal(err)
		}
	}

	// Create the socket to listen on:
	l, err := net.Listen("unix", unixSocketPath)
	if err != nil {
		logrus.Fatal(err)
	}

	if conf.AllowNonRootAccess() || allowNonRoot {
		logrus.Infof("non-root access is allowed, changing permissions of %s to 0777", unixSocketPath)
		err = os.Chmod(unixSocketPath, 0777)
		if err != nil {
			logrus.Fatal(err)
		}
	}

	// Serve HTTP on unix socket
	go func() {
		logrus.Infof("http server listening on %s", l.Addr().String())
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatal(err)
		}
	}()

	// Handle common process-killing signals, so we can gracefully shut down:
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	// Wait for a SIGINT or SIGTERM:
	sig := <-sigc
	logrus.Infof("caught signal \"%s\": shutting down.", sig)

	logrus.Info("stopping scheduler")
	scheduler.Stop()

	// The instruments must be back in their default session before exit.
	logrus.Info("aborting acquisition")
	if err := runs.abortAndWait(conf.StageIdleTimeout() + shutdownTimeout); err != nil {
		logrus.Errorf("failed to stop acquisition: %v", err)
	}

	logrus.Info("shutting down http server")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	err = srv.Shutdown(ctx)
	if err != nil {
		logrus.Errorf("failed to shutdown http server: %v", err)
	}
	cancel()

	logrus.Info("exiting")
	return nil
}
