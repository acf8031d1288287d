package acquisition

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/cbs-imaging/hubble/pkg/device"
)

const (
	MetadataFileName = "metadata.yml"
	LogFileName      = "log_info.log"
)

// CreateRunDir creates <root>/<YYYY_MM_DD>/<NNN>_Hubble_<sample>, where NNN
// is one more than the number of run directories already present for that
// day. It returns the directory and the NNN prefix.
func CreateRunDir(fs afero.Fs, root, sample string, now time.Time) (string, string, error) {
	day := filepath.Join(root, now.Format("2006_01_02"))
	if err := fs.MkdirAll(day, 0755); err != nil {
		return "", "", pkgerrors.Wrapf(err, "failed to create %s", day)
	}
	entries, err := afero.ReadDir(fs, day)
	if err != nil {
		return "", "", pkgerrors.Wrapf(err, "failed to list %s", day)
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() {
			n++
		}
	}
	prefix := fmt.Sprintf("%03d", n+1)
	dir := filepath.Join(day, prefix+"_Hubble_"+sample)
	if err := fs.Mkdir(dir, 0755); err != nil {
		return "", "", pkgerrors.Wrapf(err, "failed to create %s", dir)
	}
	return dir, prefix, nil
}

// Metadata describes a run and is stored next to its images.
type Metadata struct {
	RunID           string           `yaml:"run_id"`
	SampleName      string           `yaml:"sample_name"`
	StartedAt       time.Time        `yaml:"started_at"`
	Exposure        float64          `yaml:"exposure_s"`
	ZStep           float64          `yaml:"z_step_um"`
	ZTotal          float64          `yaml:"z_total_um"`
	NumZPlanes      int              `yaml:"num_z_planes"`
	Centered        bool             `yaml:"centered_focal_plane"`
	Positions       []string         `yaml:"positions"`
	Channels        []device.Channel `yaml:"channels"`
	FileFormat      string           `yaml:"file_format"`
	CalibrationPath string           `yaml:"calibration_path,omitempty"`
}

func WriteMetadata(fs afero.Fs, dir string, m Metadata) error {
	b, err := yaml.Marshal(m)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to marshal metadata")
	}
	path := filepath.Join(dir, MetadataFileName)
	if err := afero.WriteFile(fs, path, b, 0644); err != nil {
		return pkgerrors.Wrapf(err, "failed to write %s", path)
	}
	return nil
}

// logFileHook mirrors the Info and higher entries of one task into the run
// directory.
type logFileHook struct {
	mu     sync.Mutex
	task   string
	file   afero.File
	format logrus.Formatter
}

func openLogFileHook(fs afero.Fs, dir, task string) (*logFileHook, error) {
	path := filepath.Join(dir, LogFileName)
	f, err := fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to open %s", path)
	}
	return &logFileHook{
		task: task,
		file: f,
		format: &logrus.TextFormatter{
			DisableColors:   true,
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05.000",
		},
	}, nil
}

func (h *logFileHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel, logrus.InfoLevel}
}

func (h *logFileHook) Fire(e *logrus.Entry) error {
	if t, ok := e.Data["task"]; !ok || t != h.task {
		return nil
	}
	b, err := h.format.Format(e)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file == nil {
		return nil
	}
	_, err = h.file.Write(b)
	return err
}

func (h *logFileHook) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file == nil {
		return nil
	}
	err := h.file.Close()
	h.file = nil
	return err
}

func addHook(h logrus.Hook) {
	logrus.AddHook(h)
}

func removeHook(h logrus.Hook) {
	l := logrus.StandardLogger()
	old := l.ReplaceHooks(make(logrus.LevelHooks))
	kept := make(logrus.LevelHooks)
	for lvl, hooks := range old {
		for _, hk := range hooks {
			if hk != h {
				kept[lvl] = append(kept[lvl], hk)
			}
		}
	}
	l.ReplaceHooks(kept)
}
