package sim

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestReductionFactor_Endpoints(t *testing.T) {
	assert.Zero(t, reductionFactor(0, 1))
	assert.Zero(t, reductionFactor(-5, 1))
	assert.Equal(t, 1.0, reductionFactor(1, 1))
	assert.Equal(t, 1.0, reductionFactor(100, 1))
	assert.Equal(t, 0.5, reductionFactor(0.5, 1), "smoothstep is symmetric about the midpoint")
}

func TestReductionFactor_DegenerateThreshold(t *testing.T) {
	// A non-positive threshold degrades to a step, never NaN.
	assert.Zero(t, reductionFactor(-1, 0))
	assert.Zero(t, reductionFactor(0, 0))
	assert.Equal(t, 1.0, reductionFactor(1e-9, 0))
	assert.Equal(t, 1.0, reductionFactor(1, -2))
}

func TestReductionFactor_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("stays in [0, 1]", prop.ForAll(
		func(x, threshold float64) bool {
			f := reductionFactor(x, threshold)
			return f >= 0 && f <= 1
		},
		gen.Float64Range(-1e6, 1e6),
		gen.Float64Range(1e-9, 1e6),
	))

	properties.Property("monotone non-decreasing in x", prop.ForAll(
		func(a, b, threshold float64) bool {
			lo, hi := math.Min(a, b), math.Max(a, b)
			return reductionFactor(lo, threshold) <= reductionFactor(hi, threshold)
		},
		gen.Float64Range(-10, 10),
		gen.Float64Range(-10, 10),
		gen.Float64Range(1e-6, 10),
	))

	// C1 continuity at the band edges: the blend approaches the plateau
	// values with vanishing slope, so a small step across either edge
	// moves the factor by O(step^2 / threshold^2).
	properties.Property("no jump at the band edges", prop.ForAll(
		func(threshold float64) bool {
			eps := threshold * 1e-6
			atZero := reductionFactor(eps, threshold) - reductionFactor(-eps, threshold)
			atOne := reductionFactor(threshold+eps, threshold) - reductionFactor(threshold-eps, threshold)
			return atZero < 1e-10 && atOne < 1e-10
		},
		gen.Float64Range(1e-3, 1e3),
	))

	properties.TestingRun(t)
}

func TestClampFlow_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("result is inside the bounds", prop.ForAll(
		func(q, a, b float64) bool {
			lo, hi := math.Min(a, b), math.Max(a, b)
			c := clampFlow(q, lo, hi)
			return c >= lo && c <= hi
		},
		gen.Float64Range(-1e9, 1e9),
		gen.Float64Range(-1e6, 1e6),
		gen.Float64Range(-1e6, 1e6),
	))

	properties.Property("identity inside the bounds", prop.ForAll(
		func(q float64) bool {
			return clampFlow(q, -10, 10) == q
		},
		gen.Float64Range(-10, 10),
	))

	properties.TestingRun(t)
}

func TestClampFlow_InfiniteBounds(t *testing.T) {
	assert.Equal(t, 42.0, clampFlow(42, 0, math.Inf(1)))
	assert.Equal(t, 0.0, clampFlow(-1, 0, math.Inf(1)))
	assert.Equal(t, -3.0, clampFlow(-3, math.Inf(-1), math.Inf(1)))
}
