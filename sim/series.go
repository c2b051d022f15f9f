// Time-interpolated series and tabulated relations. Both wrap gonum's
// interp package: linear interpolation for forcing/boundary series,
// shape-preserving cubic interpolation for control relation functions.
// Outside the fitted interval both extrapolate with the nearest endpoint
// value, which keeps boundary forcing bounded.

package sim

import (
	"gonum.org/v1/gonum/interp"
)

// Series is a scalar function of simulation time. A Series built from a
// single sample (or via NewConstantSeries) is constant.
type Series struct {
	constant float64
	pl       *interp.PiecewiseLinear
}

// NewConstantSeries returns a Series that always evaluates to v.
func NewConstantSeries(v float64) *Series {
	return &Series{constant: v}
}

// NewSeries builds a linearly interpolated series from (time, value)
// samples. Times must be strictly increasing.
func NewSeries(times, values []float64) (*Series, error) {
	if len(times) != len(values) {
		return nil, validationErrorf("series: %d times but %d values", len(times), len(values))
	}
	if len(times) == 0 {
		return nil, validationErrorf("series: no samples")
	}
	if len(times) == 1 {
		return NewConstantSeries(values[0]), nil
	}
	for i := 1; i < len(times); i++ {
		if times[i] <= times[i-1] {
			return nil, validationErrorf("series: times not strictly increasing at index %d", i)
		}
	}
	var pl interp.PiecewiseLinear
	if err := pl.Fit(times, values); err != nil {
		return nil, validationErrorf("series: %v", err)
	}
	return &Series{pl: &pl}, nil
}

// At evaluates the series at time t (seconds since run start).
func (s *Series) At(t float64) float64 {
	if s.pl == nil {
		return s.constant
	}
	return s.pl.Predict(t)
}

// RateOfChange estimates d/dt of the series at t by central difference.
// Zero for constant series.
func (s *Series) RateOfChange(t float64) float64 {
	if s.pl == nil {
		return 0
	}
	const h = 1.0 // seconds; series are piecewise linear so any small h works
	return (s.pl.Predict(t+h) - s.pl.Predict(t-h)) / (2 * h)
}

// IsConstant reports whether the series has no time dependence.
func (s *Series) IsConstant() bool { return s.pl == nil }

// Relation is a continuous tabulated function y(x), fitted with the
// Fritsch-Butland shape-preserving cubic so that tabulated monotone
// segments stay monotone and no overshoot is introduced between samples.
type Relation struct {
	fb *interp.FritschButland
}

// NewRelation builds a relation from (x, y) samples. Xs must be strictly
// increasing; at least two samples are required.
func NewRelation(xs, ys []float64) (*Relation, error) {
	if len(xs) != len(ys) {
		return nil, validationErrorf("relation: %d xs but %d ys", len(xs), len(ys))
	}
	if len(xs) < 2 {
		return nil, validationErrorf("relation: need at least 2 samples, got %d", len(xs))
	}
	for i := 1; i < len(xs); i++ {
		if xs[i] <= xs[i-1] {
			return nil, validationErrorf("relation: xs not strictly increasing at index %d", i)
		}
	}
	var fb interp.FritschButland
	if err := fb.Fit(xs, ys); err != nil {
		return nil, validationErrorf("relation: %v", err)
	}
	return &Relation{fb: &fb}, nil
}

// At evaluates the relation at x.
func (r *Relation) At(x float64) float64 {
	return r.fb.Predict(x)
}
