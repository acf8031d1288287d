package tilt

import (
	"errors"
	"fmt"
	"path/filepath"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/cbs-imaging/hubble/pkg/position"
)

// RecordFileName is the file name of the record written into a run directory.
const RecordFileName = "tilt_surface_calibration.yml"

// Record is the persisted result of a calibration. X, Y, Z, ResidualStd and
// ZFitResidual describe the sampled positions; DZ covers every position of
// the list it was computed for.
type Record struct {
	X            []float64 `yaml:"x" json:"x"`
	Y            []float64 `yaml:"y" json:"y"`
	Z            []float64 `yaml:"z" json:"z"`
	DZ           []float64 `yaml:"dz" json:"dz"`
	ResidualStd  []float64 `yaml:"residual_std" json:"residualStd"`
	Coefficients []float64 `yaml:"coefficients" json:"coefficients"`
	Model        Model     `yaml:"model" json:"model"`
	ZFitResidual []float64 `yaml:"z_fit_residual" json:"zFitResidual"`
	Positions    []string  `yaml:"positions,omitempty" json:"positions,omitempty"`
}

// Surface returns the fitted surface stored in the record.
func (r *Record) Surface() (Surface, error) {
	if len(r.Coefficients) != 6 {
		return Surface{}, fmt.Errorf("calibration record has %d coefficients, want 6", len(r.Coefficients))
	}
	model := r.Model
	if model == "" {
		model = ModelQuadratic
	}
	if _, err := model.terms(); err != nil {
		return Surface{}, err
	}
	s := Surface{Model: model}
	copy(s.Coefficients[:], r.Coefficients)
	return s, nil
}

// DeltaZ recomputes the offsets for l from the stored coefficients.
func (r *Record) DeltaZ(l *position.List) ([]float64, error) {
	s, err := r.Surface()
	if err != nil {
		return nil, err
	}
	if len(r.Positions) > 0 && len(r.Positions) != l.Len() {
		logrus.WithFields(logrus.Fields{
			"recordPositions": len(r.Positions),
			"listPositions":   l.Len(),
		}).Warn("calibration record was computed for a different position list")
	}
	xs, ys := l.Coordinates()
	return s.DeltaZ(xs, ys), nil
}

// FromSamples aggregates the samples, fits the surface and evaluates the
// offsets over the whole list. A rank-deficient fit still returns a usable
// record together with a *RankDeficientError.
func FromSamples(samples []Sample, l *position.List) (*Record, error) {
	points := Aggregate(samples)
	if len(points) == 0 {
		return nil, ErrNoSamples
	}

	rec := &Record{Positions: l.Names()}
	xs := make([]float64, len(points))
	ys := make([]float64, len(points))
	zs := make([]float64, len(points))
	for i, p := range points {
		xs[i], ys[i], zs[i] = p.X, p.Y, p.Z
		rec.ResidualStd = append(rec.ResidualStd, p.ZStd)
	}
	rec.X, rec.Y, rec.Z = xs, ys, zs

	s, fitErr := Fit(xs, ys, zs)
	var rde *RankDeficientError
	if fitErr != nil && !errors.As(fitErr, &rde) {
		return nil, fitErr
	}

	rec.Model = s.Model
	rec.Coefficients = s.Coefficients[:]
	for i := range xs {
		rec.ZFitResidual = append(rec.ZFitResidual, zs[i]-s.Eval(xs[i], ys[i]))
	}
	lx, ly := l.Coordinates()
	rec.DZ = s.DeltaZ(lx, ly)

	return rec, fitErr
}

// SaveRecord writes rec as YAML.
func SaveRecord(fs afero.Fs, path string, rec *Record) error {
	b, err := yaml.Marshal(rec)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to marshal calibration record")
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return pkgerrors.Wrapf(err, "failed to create directory for %s", path)
	}
	if err := afero.WriteFile(fs, path, b, 0644); err != nil {
		return pkgerrors.Wrapf(err, "failed to write calibration record %s", path)
	}
	return nil
}

// LoadRecord reads a record written by SaveRecord.
func LoadRecord(fs afero.Fs, path string) (*Record, error) {
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to read calibration record %s", path)
	}
	rec := &Record{}
	if err := yaml.Unmarshal(b, rec); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to parse calibration record %s", path)
	}
	if _, err := rec.Surface(); err != nil {
		return nil, pkgerrors.Wrapf(err, "invalid calibration record %s", path)
	}
	return rec, nil
}
