// Package tilt measures and corrects the axial drift of focus across a
// sample. Focus is measured at a sparse subset of positions, a quadratic
// surface
//
//	z = c0 + c1·x + c2·y + c3·x² + c4·y² + c5·x·y
//
// is fitted by least squares, and the surface is evaluated at every
// position to obtain the focus offset between consecutive positions.
package tilt

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrNoSamples     = errors.New("no calibration samples")
	ErrRankDeficient = errors.New("calibration fit is rank deficient")
)

// maxCond is the largest condition number of the normalized design matrix
// accepted as full rank.
const maxCond = 1e10

// Model is the set of surface terms used by a fit.
type Model string

const (
	ModelQuadratic Model = "quadratic"
	ModelBilinear  Model = "bilinear"
	ModelPlane     Model = "plane"
	ModelConstant  Model = "constant"
)

// terms lists the coefficient indices a model uses, in the order
// 1, x, y, x², y², xy.
func (m Model) terms() ([]int, error) {
	switch m {
	case ModelQuadratic:
		return []int{0, 1, 2, 3, 4, 5}, nil
	case ModelBilinear:
		return []int{0, 1, 2, 5}, nil
	case ModelPlane:
		return []int{0, 1, 2}, nil
	case ModelConstant:
		return []int{0}, nil
	}
	return nil, fmt.Errorf("unknown surface model %q", string(m))
}

// ladder is tried in order until a full-rank system is found.
var ladder = []Model{ModelQuadratic, ModelBilinear, ModelPlane, ModelConstant}

// RankDeficientError reports that the full quadratic could not be fitted and
// a reduced model was used instead. A constant model yields zero offsets.
type RankDeficientError struct {
	Samples int
	Used    Model
}

func (e *RankDeficientError) Error() string {
	return fmt.Sprintf("%v with %d distinct samples, fell back to %s model", ErrRankDeficient, e.Samples, e.Used)
}

func (e *RankDeficientError) Is(target error) bool { return target == ErrRankDeficient }

// Surface is a fitted focus surface in stage coordinates.
type Surface struct {
	Model        Model
	Coefficients [6]float64
}

// Eval returns the surface height at (x, y).
func (s Surface) Eval(x, y float64) float64 {
	c := s.Coefficients
	return c[0] + c[1]*x + c[2]*y + c[3]*x*x + c[4]*y*y + c[5]*x*y
}

// DeltaZ evaluates the surface at every coordinate and returns the offset
// of each position relative to the previous one; the first offset is 0.
func (s Surface) DeltaZ(xs, ys []float64) []float64 {
	dz := make([]float64, len(xs))
	prev := 0.0
	for i := range xs {
		z := s.Eval(xs[i], ys[i])
		if i > 0 {
			dz[i] = z - prev
		}
		prev = z
	}
	return dz
}

// Fit fits the quadratic surface to the points by least squares. If the
// system is rank deficient (too few or degenerate points) the next simpler
// model of quadratic, bilinear, plane, constant is used and the returned
// error is a *RankDeficientError alongside a usable surface.
func Fit(xs, ys, zs []float64) (Surface, error) {
	n := len(zs)
	if n == 0 || len(xs) != n || len(ys) != n {
		return Surface{}, ErrNoSamples
	}

	// Normalize coordinates so the conditioning check does not depend on
	// the stage units or the distance from the origin.
	mx, my := mean(xs), mean(ys)
	scale := 0.0
	for i := range xs {
		scale = math.Max(scale, math.Max(math.Abs(xs[i]-mx), math.Abs(ys[i]-my)))
	}
	if scale == 0 {
		scale = 1
	}

	for _, model := range ladder {
		terms, _ := model.terms()
		if n < len(terms) {
			continue
		}
		a := mat.NewDense(n, len(terms), nil)
		for i := range zs {
			u, v := (xs[i]-mx)/scale, (ys[i]-my)/scale
			row := [6]float64{1, u, v, u * u, v * v, u * v}
			for j, t := range terms {
				a.Set(i, j, row[t])
			}
		}

		var qr mat.QR
		qr.Factorize(a)
		if cond := qr.Cond(); math.IsInf(cond, 0) || math.IsNaN(cond) || cond > maxCond {
			continue
		}
		var sol mat.Dense
		if err := qr.SolveTo(&sol, false, mat.NewDense(n, 1, append([]float64(nil), zs...))); err != nil {
			continue
		}

		var norm [6]float64
		for j, t := range terms {
			norm[t] = sol.At(j, 0)
		}
		s := Surface{Model: model, Coefficients: denormalize(norm, mx, my, scale)}
		if model != ModelQuadratic {
			return s, &RankDeficientError{Samples: n, Used: model}
		}
		return s, nil
	}

	// unreachable: the constant model is always full rank for n >= 1
	return Surface{Model: ModelConstant, Coefficients: [6]float64{mean(zs)}}, &RankDeficientError{Samples: n, Used: ModelConstant}
}

// denormalize converts coefficients fitted in u=(x-mx)/s, v=(y-my)/s back
// to stage coordinates.
func denormalize(a [6]float64, mx, my, s float64) [6]float64 {
	s2 := s * s
	var c [6]float64
	c[3] = a[3] / s2
	c[4] = a[4] / s2
	c[5] = a[5] / s2
	c[1] = a[1]/s - 2*a[3]*mx/s2 - a[5]*my/s2
	c[2] = a[2]/s - 2*a[4]*my/s2 - a[5]*mx/s2
	c[0] = a[0] - a[1]*mx/s - a[2]*my/s + a[3]*mx*mx/s2 + a[4]*my*my/s2 + a[5]*mx*my/s2
	return c
}
