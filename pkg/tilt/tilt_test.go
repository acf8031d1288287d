package tilt

import (
	"fmt"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cbs-imaging/hubble/pkg/device/sim"
	"github.com/cbs-imaging/hubble/pkg/position"
)

type noWait struct{ aborted bool }

func (w *noWait) Aborted() bool            { return w.aborted }
func (w *noWait) Sleep(time.Duration) bool { return !w.aborted }

var generating = [6]float64{12.5, 0.01, -0.02, 3e-5, -1e-5, 2e-5}

func quadratic(x, y float64) float64 {
	return Surface{Model: ModelQuadratic, Coefficients: generating}.Eval(x, y)
}

func grid(n int, pitch, x0, y0 float64) *position.List {
	var ps []position.Position
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			ps = append(ps, position.Position{
				Name: fmt.Sprintf("ROI_%03d", i*n+j),
				X:    x0 + float64(j)*pitch,
				Y:    y0 + float64(i)*pitch,
			})
		}
	}
	l, err := position.NewList("grid", ps)
	if err != nil {
		panic(err)
	}
	return l
}

func TestFitRecoversQuadratic(t *testing.T) {
	l := grid(5, 250, 1000, -3000)
	xs, ys := l.Coordinates()
	zs := make([]float64, len(xs))
	for i := range xs {
		zs[i] = quadratic(xs[i], ys[i])
	}

	s, err := Fit(xs, ys, zs)
	require.NoError(t, err)
	assert.Equal(t, ModelQuadratic, s.Model)
	for i := range generating {
		assert.InDelta(t, generating[i], s.Coefficients[i], 1e-6*(1+abs(generating[i])), "coefficient %d", i)
	}
	for i := range xs {
		assert.InDelta(t, zs[i], s.Eval(xs[i], ys[i]), 1e-9)
	}
}

func TestFourPointScenario(t *testing.T) {
	l, err := position.NewList("square", []position.Position{
		{Name: "A", X: 0, Y: 0},
		{Name: "B", X: 10, Y: 0},
		{Name: "C", X: 0, Y: 10},
		{Name: "D", X: 10, Y: 10},
	})
	require.NoError(t, err)

	samples := []Sample{
		{Index: 0, X: 0, Y: 0, Z: 5.0},
		{Index: 1, X: 10, Y: 0, Z: 5.2},
		{Index: 2, X: 0, Y: 10, Z: 5.1},
		{Index: 3, X: 10, Y: 10, Z: 5.4},
	}
	rec, err := FromSamples(samples, l)
	assert.ErrorIs(t, err, ErrRankDeficient)
	require.NotNil(t, rec)
	assert.Equal(t, ModelBilinear, rec.Model)
	assert.InDeltaSlice(t, []float64{0, 0.2, -0.1, 0.3}, rec.DZ, 1e-9)
	assert.InDeltaSlice(t, []float64{0, 0, 0, 0}, rec.ZFitResidual, 1e-9)
}

func TestLadder(t *testing.T) {
	tests := []struct {
		name  string
		xs    []float64
		ys    []float64
		zs    []float64
		model Model
	}{
		{name: "single sample", xs: []float64{3}, ys: []float64{4}, zs: []float64{7}, model: ModelConstant},
		{name: "collinear", xs: []float64{0, 1, 2}, ys: []float64{0, 1, 2}, zs: []float64{1, 2, 3}, model: ModelConstant},
		{name: "triangle", xs: []float64{0, 10, 0}, ys: []float64{0, 0, 10}, zs: []float64{1, 2, 3}, model: ModelPlane},
		{name: "repeated point", xs: []float64{5, 5, 5, 5, 5, 5}, ys: []float64{5, 5, 5, 5, 5, 5}, zs: []float64{1, 1, 1, 1, 1, 1}, model: ModelConstant},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Fit(tt.xs, tt.ys, tt.zs)
			assert.ErrorIs(t, err, ErrRankDeficient)
			assert.Equal(t, tt.model, s.Model)
			for i := range tt.xs {
				assert.False(t, isNaN(s.Eval(tt.xs[i], tt.ys[i])))
			}
			if tt.model == ModelConstant {
				dz := s.DeltaZ([]float64{0, 100, 200}, []float64{0, 50, -50})
				assert.Equal(t, []float64{0, 0, 0}, dz)
			}
		})
	}

	_, err := Fit(nil, nil, nil)
	assert.ErrorIs(t, err, ErrNoSamples)
}

func TestAggregateMedianAndStd(t *testing.T) {
	points := Aggregate([]Sample{
		{Index: 4, X: 1, Y: 2, Z: 10},
		{Index: 0, X: 0, Y: 0, Z: 1},
		{Index: 4, X: 1, Y: 2, Z: 12},
		{Index: 0, X: 0, Y: 0, Z: 3},
		{Index: 4, X: 1, Y: 2, Z: 11},
		{Index: 0, X: 0, Y: 0, Z: 100},
		{Index: 0, X: 0, Y: 0, Z: 2},
	})
	require.Len(t, points, 2)
	assert.Equal(t, 0, points[0].Index)
	// even count: mean of the two middle values
	assert.Equal(t, 2.5, points[0].Z)
	assert.Equal(t, 11.0, points[1].Z)
	assert.InDelta(t, 0.816496580927726, points[1].ZStd, 1e-12)
}

func TestRecordRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	l := grid(4, 123.456, -500.5, 17.25)
	xs, ys := l.Coordinates()
	var samples []Sample
	for i := 0; i < l.Len(); i++ {
		samples = append(samples, Sample{Index: i, X: xs[i], Y: ys[i], Z: quadratic(xs[i], ys[i]) + 0.001*float64(i%3)})
	}
	rec, err := FromSamples(samples, l)
	require.NoError(t, err)

	path := "/data/run/" + RecordFileName
	require.NoError(t, SaveRecord(fs, path, rec))
	loaded, err := LoadRecord(fs, path)
	require.NoError(t, err)

	dz, err := loaded.DeltaZ(l)
	require.NoError(t, err)
	assert.Equal(t, rec.DZ, dz)
	assert.Equal(t, rec.Coefficients, loaded.Coefficients)
	assert.Equal(t, rec.Model, loaded.Model)
}

func TestLoadRecordRejectsBadCoefficients(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/r.yml", []byte("coefficients: [1, 2, 3]\n"), 0644))
	_, err := LoadRecord(fs, "/r.yml")
	assert.Error(t, err)
}

func TestCalibratorRun(t *testing.T) {
	m := sim.New(sim.Options{Surface: quadratic, AutofocusPolls: 2, StagePolls: 1})
	l := grid(5, 200, 0, 0)
	c := &Calibrator{Stage: m, Focus: m, Params: DefaultParams()}
	c.Params.Step = 2
	c.Params.Repetitions = 2

	rec, err := c.Run(&noWait{}, l)
	require.NoError(t, err)
	assert.Equal(t, ModelQuadratic, rec.Model)
	assert.Len(t, rec.Z, 13)
	assert.Len(t, rec.DZ, l.Len())
	for _, s := range rec.ResidualStd {
		assert.InDelta(t, 0, s, 1e-12)
	}

	xs, ys := l.Coordinates()
	want := Surface{Model: ModelQuadratic, Coefficients: generating}.DeltaZ(xs, ys)
	assert.InDeltaSlice(t, want, rec.DZ, 1e-6)

	// left at the first position, focused
	x, y, z := m.Position()
	assert.Equal(t, 0.0, x)
	assert.Equal(t, 0.0, y)
	assert.InDelta(t, quadratic(0, 0), z, 1e-12)
}

func TestCalibratorSinglePosition(t *testing.T) {
	m := sim.New(sim.Options{})
	l, err := position.NewList("one", []position.Position{{Name: "A", X: 1, Y: 2}})
	require.NoError(t, err)

	rec, err := (&Calibrator{Stage: m, Focus: m, Params: DefaultParams()}).Run(&noWait{}, l)
	require.NoError(t, err)
	assert.Equal(t, []float64{0}, rec.DZ)
	assert.Empty(t, m.Commands())
}

func TestCalibratorStepBeyondList(t *testing.T) {
	m := sim.New(sim.Options{Surface: quadratic})
	l := grid(2, 100, 0, 0)
	c := &Calibrator{Stage: m, Focus: m, Params: DefaultParams()}
	c.Params.Step = 10
	c.Params.Repetitions = 1

	rec, err := c.Run(&noWait{}, l)
	require.NoError(t, err)
	assert.Equal(t, ModelConstant, rec.Model)
	assert.Len(t, rec.Z, 1)
	assert.Equal(t, []float64{0, 0, 0, 0}, rec.DZ)
}

func TestCalibratorNonConvergedAutofocus(t *testing.T) {
	m := sim.New(sim.Options{Surface: quadratic, NeverSettle: true})
	l := grid(2, 100, 0, 0)
	c := &Calibrator{Stage: m, Focus: m, Params: DefaultParams()}
	c.Params.Step = 1
	c.Params.Repetitions = 1
	c.Params.AutofocusMaxPolls = 3

	samples, err := c.Measure(&noWait{}, l)
	require.NoError(t, err)
	assert.Len(t, samples, 4)
}

func TestCalibratorAborted(t *testing.T) {
	m := sim.New(sim.Options{})
	l := grid(3, 100, 0, 0)
	c := &Calibrator{Stage: m, Focus: m, Params: DefaultParams()}

	_, err := c.Run(&noWait{aborted: true}, l)
	assert.Error(t, err)
	assert.Empty(t, m.Moves())
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func isNaN(v float64) bool { return v != v }
