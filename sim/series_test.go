package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeries_ConstantAndSingleSample(t *testing.T) {
	s := NewConstantSeries(3.5)
	assert.Equal(t, 3.5, s.At(0))
	assert.Equal(t, 3.5, s.At(1e9))
	assert.Zero(t, s.RateOfChange(42))
	assert.True(t, s.IsConstant())

	one, err := NewSeries([]float64{100}, []float64{7})
	require.NoError(t, err)
	assert.Equal(t, 7.0, one.At(0))
	assert.True(t, one.IsConstant())
}

func TestSeries_LinearInterpolationAndExtrapolation(t *testing.T) {
	s, err := NewSeries([]float64{0, 100, 200}, []float64{0, 10, 10})
	require.NoError(t, err)

	assert.InDelta(t, 5.0, s.At(50), 1e-12)
	assert.InDelta(t, 10.0, s.At(150), 1e-12)
	// Constant extrapolation outside the samples.
	assert.InDelta(t, 0.0, s.At(-50), 1e-12)
	assert.InDelta(t, 10.0, s.At(500), 1e-12)

	assert.InDelta(t, 0.1, s.RateOfChange(50), 1e-9)
	assert.InDelta(t, 0.0, s.RateOfChange(150), 1e-9)
}

func TestNewSeries_Validation(t *testing.T) {
	_, err := NewSeries([]float64{0, 1}, []float64{1})
	assert.Error(t, err, "length mismatch")

	_, err = NewSeries(nil, nil)
	assert.Error(t, err, "empty")

	_, err = NewSeries([]float64{0, 100, 100}, []float64{1, 2, 3})
	assert.Error(t, err, "non-increasing times")
}

func TestRelation_ShapePreservation(t *testing.T) {
	// GIVEN a monotone rating table
	r, err := NewRelation([]float64{0, 1, 2, 5}, []float64{0, 2, 3, 3.5})
	require.NoError(t, err)

	// THEN the fit passes through the samples
	assert.InDelta(t, 0.0, r.At(0), 1e-12)
	assert.InDelta(t, 2.0, r.At(1), 1e-12)
	assert.InDelta(t, 3.5, r.At(5), 1e-12)

	// AND stays monotone between them (no cubic overshoot)
	prev := r.At(0)
	for x := 0.01; x <= 5; x += 0.01 {
		cur := r.At(x)
		assert.GreaterOrEqual(t, cur, prev-1e-12, "overshoot at x=%g", x)
		prev = cur
	}
}

func TestNewRelation_Validation(t *testing.T) {
	_, err := NewRelation([]float64{0}, []float64{0})
	assert.Error(t, err, "too few samples")

	_, err = NewRelation([]float64{0, 0}, []float64{0, 1})
	assert.Error(t, err, "duplicate xs")
}
