package config

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cbs-imaging/hubble/pkg/device"
)

func TestDefaultsWhenMissing(t *testing.T) {
	fs := afero.NewMemMapFs()
	f, err := NewFile(fs, "/etc/hubble.json")
	require.NoError(t, err)

	assert.Equal(t, 4, f.CalibrationStep())
	assert.Equal(t, 4, f.CalibrationRepetitions())
	assert.Equal(t, 1, f.NumZPlanes())
	assert.Equal(t, time.Second, f.HandshakeTimeout())
	assert.Equal(t, 50*time.Millisecond, f.HandshakePoll())
	assert.Equal(t, 5*time.Millisecond, f.HandshakeSettle())
	assert.Equal(t, 30*time.Second, f.WaitChunk())
	assert.Equal(t, []device.Channel{{Lightsource: "488 nm", Intensity: 10}}, f.ImagingSequence())
	assert.NoError(t, f.Validate())
}

func TestLoadOverrides(t *testing.T) {
	fs := afero.NewMemMapFs()
	content := `{
  "sampleName": "embryo",
  "numZPlanes": 5,
  "zStep": 0.5,
  "fileFormat": ".tif",
  "handshakeTimeoutMs": 250,
  "imagingSequence": [
    {"lightsource": "561 nm", "intensity": 20},
    {"lightsource": "641 nm", "intensity": 5}
  ]
}`
	require.NoError(t, afero.WriteFile(fs, "/etc/hubble.json", []byte(content), 0644))

	f, err := NewFile(fs, "/etc/hubble.json")
	require.NoError(t, err)
	assert.Equal(t, "embryo", f.SampleName())
	assert.Equal(t, 5, f.NumZPlanes())
	assert.Equal(t, 0.5, f.ZStep())
	assert.Equal(t, "tif", f.FileFormat())
	assert.Equal(t, 250*time.Millisecond, f.HandshakeTimeout())
	assert.Len(t, f.ImagingSequence(), 2)
	// untouched keys keep their defaults
	assert.Equal(t, "/data/hubble", f.SavePath())
}

func TestEmptyFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/c.json", []byte("  \n"), 0644))
	f, err := NewFile(fs, "/c.json")
	require.NoError(t, err)
	assert.Equal(t, "sample", f.SampleName())
}

func TestBadJSON(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/c.json", []byte("{"), 0644))
	_, err := NewFile(fs, "/c.json")
	assert.Error(t, err)
}

func TestSaveAndReload(t *testing.T) {
	fs := afero.NewMemMapFs()
	f := NewFileFromConfig(fs, nil, "/c.json")
	f.SetCron("0 2 * * *")
	f.SetCalibrationPath("/data/tilt.yml")
	f.SetAllowNonRootAccess(true)
	require.NoError(t, f.Save())

	again, err := NewFile(fs, "/c.json")
	require.NoError(t, err)
	assert.Equal(t, "0 2 * * *", again.Cron())
	assert.Equal(t, "/data/tilt.yml", again.CalibrationPath())
	assert.True(t, again.AllowNonRootAccess())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		raw  *RawFileConfig
	}{
		{name: "step", raw: &RawFileConfig{CalibrationStep: ptrInt(0)}},
		{name: "planes", raw: &RawFileConfig{NumZPlanes: ptrInt(0)}},
		{name: "timeout below poll", raw: &RawFileConfig{HandshakePollMs: ptrInt(100), HandshakeTimeoutMs: ptrInt(50)}},
		{name: "channel", raw: &RawFileConfig{ImagingSequence: []device.Channel{{Intensity: 3}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFileFromConfig(afero.NewMemMapFs(), tt.raw, "/c.json")
			assert.Error(t, f.Validate())
		})
	}
}

func ptrInt(i int) *int { return &i }
