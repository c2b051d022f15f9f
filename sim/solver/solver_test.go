package solver

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdvanceTo_ExponentialDecay(t *testing.T) {
	// GIVEN y' = -y, y(0) = 1
	prob := Problem{F: func(t float64, y, dydt []float64) {
		dydt[0] = -y[0]
	}}
	it := New(prob, 0, []float64{1}, Options{AbsTol: 1e-8, RelTol: 1e-7, DtInitial: 0.01})

	// WHEN integrating to t = 2
	err := it.AdvanceTo(2, nil, nil)
	require.NoError(t, err)

	// THEN the solution matches exp(-2) within tolerance slack
	assert.InDelta(t, math.Exp(-2), it.State()[0], 1e-3)
	assert.Equal(t, 2.0, it.Time())
}

func TestAdvanceTo_StiffProblemStaysStable(t *testing.T) {
	// GIVEN a stiff linear system with rates 1 and 1e4
	prob := Problem{F: func(t float64, y, dydt []float64) {
		dydt[0] = -y[0]
		dydt[1] = -1e4 * (y[1] - math.Cos(t))
	}}
	it := New(prob, 0, []float64{1, 0}, Options{AbsTol: 1e-6, RelTol: 1e-4, DtInitial: 0.1})

	err := it.AdvanceTo(1, nil, nil)
	require.NoError(t, err)

	// The fast component tracks cos(t) closely; an explicit method at
	// these step sizes would have blown up.
	assert.InDelta(t, math.Cos(1), it.State()[1], 5e-2)
	assert.False(t, math.IsNaN(it.State()[0]))
}

func TestAdvanceTo_NeverStepsPastTarget(t *testing.T) {
	prob := Problem{F: func(t float64, y, dydt []float64) {
		dydt[0] = 1
	}}
	it := New(prob, 0, []float64{0}, Options{DtInitial: 100})

	require.NoError(t, it.AdvanceTo(3, nil, nil))
	assert.Equal(t, 3.0, it.Time())
	assert.InDelta(t, 3.0, it.State()[0], 1e-9)
}

func TestAdvanceTo_InspectorCutsStepAtEvent(t *testing.T) {
	// GIVEN y' = 1 with an event at y = 5
	prob := Problem{F: func(t float64, y, dydt []float64) {
		dydt[0] = 1
	}}
	it := New(prob, 0, []float64{0}, Options{DtInitial: 10})

	inspect := func(t0 float64, y0 []float64, t1 float64, y1 []float64) (float64, bool) {
		if y0[0] < 5 && y1[0] >= 5 {
			// Linear crossing estimate.
			frac := (5 - y0[0]) / (y1[0] - y0[0])
			return t0 + frac*(t1-t0), true
		}
		return 0, false
	}

	// WHEN advancing toward t = 100
	err := it.AdvanceTo(100, inspect, nil)
	require.NoError(t, err)

	// THEN the integrator returned early, stopped at the crossing
	assert.InDelta(t, 5.0, it.Time(), 1e-6)
	assert.InDelta(t, 5.0, it.State()[0], 1e-6)

	// AND resuming without the inspector reaches the target
	require.NoError(t, it.AdvanceTo(100, nil, nil))
	assert.Equal(t, 100.0, it.Time())
}

func TestAdvanceTo_AcceptedCallbackSeesEveryStep(t *testing.T) {
	prob := Problem{F: func(t float64, y, dydt []float64) {
		dydt[0] = -y[0]
	}}
	it := New(prob, 0, []float64{1}, Options{DtInitial: 0.05})

	var lastT1 float64
	steps := 0
	err := it.AdvanceTo(1, nil, func(t0 float64, y0 []float64, t1 float64, y1 []float64) {
		assert.Greater(t, t1, t0)
		lastT1 = t1
		steps++
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, lastT1)
	assert.Equal(t, steps, it.Stats().AcceptedSteps)
}

func TestAdvanceTo_CallbackMayClampState(t *testing.T) {
	// GIVEN y' = -1 from y = 0.05, clamped at zero by the callback
	prob := Problem{F: func(t float64, y, dydt []float64) {
		dydt[0] = -1
	}}
	it := New(prob, 0, []float64{0.05}, Options{DtInitial: 0.01})

	err := it.AdvanceTo(1, nil, func(t0 float64, y0 []float64, t1 float64, y1 []float64) {
		if y1[0] < 0 {
			y1[0] = 0
		}
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, it.State()[0], 0.0)
}

func TestAdvanceTo_DivergenceReported(t *testing.T) {
	// GIVEN a right-hand side that Newton can never reconcile: each
	// branch pushes the state across the discontinuity, so the implicit
	// stage has no root at any step size above the floor.
	prob := Problem{F: func(t float64, y, dydt []float64) {
		if y[0] > 0.5 {
			dydt[0] = -1e30
		} else {
			dydt[0] = 1e30
		}
	}}
	it := New(prob, 0, []float64{0.5}, Options{DtInitial: 1, DtMin: 1e-6, MaxRejects: 5})

	err := it.AdvanceTo(10, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDiverged)
}

func TestAdvanceTo_EventOnStepEndpointReturnsEarly(t *testing.T) {
	// GIVEN y' = 1 and an inspector flagging an event exactly on the
	// first step's endpoint
	prob := Problem{F: func(t float64, y, dydt []float64) {
		dydt[0] = 1
	}}
	it := New(prob, 0, []float64{0}, Options{DtInitial: 5})

	inspect := func(t0 float64, y0 []float64, t1 float64, y1 []float64) (float64, bool) {
		if t1 == 5 {
			return t1, true
		}
		return 0, false
	}

	// WHEN advancing toward t = 20
	require.NoError(t, it.AdvanceTo(20, inspect, nil))

	// THEN the step is accepted as-is and control returns at the event
	assert.Equal(t, 5.0, it.Time())
	assert.InDelta(t, 5.0, it.State()[0], 1e-9)

	// AND resuming reaches the target
	require.NoError(t, it.AdvanceTo(20, nil, nil))
	assert.Equal(t, 20.0, it.Time())
}

func TestAdvanceTo_FailedCutAttemptKeepsAcceptedStep(t *testing.T) {
	// GIVEN a right-hand side that is quiescent except on t in (0.4, 0.6),
	// where Newton cannot reconcile a root
	prob := Problem{F: func(tm float64, y, dydt []float64) {
		if tm > 0.4 && tm < 0.6 {
			if y[0] > 0 {
				dydt[0] = -1e12
			} else {
				dydt[0] = 1e12
			}
			return
		}
		dydt[0] = 0
	}}
	it := New(prob, 0, []float64{1}, Options{DtInitial: 1})

	// The inspector asks to cut the first full step at t = 0.5, where the
	// re-taken step cannot converge.
	cutOnce := false
	inspect := func(t0 float64, y0 []float64, t1 float64, y1 []float64) (float64, bool) {
		if !cutOnce && t1 > 0.5 {
			cutOnce = true
			return 0.5, true
		}
		return 0, false
	}
	require.NoError(t, it.AdvanceTo(1, inspect, nil))

	// THEN the full step's state survives the failed cut attempt intact
	assert.Equal(t, 1.0, it.Time())
	assert.InDelta(t, 1.0, it.State()[0], 1e-9)
}

func TestInvalidate_ResetsStepSize(t *testing.T) {
	prob := Problem{F: func(t float64, y, dydt []float64) {
		dydt[0] = -y[0]
	}}
	it := New(prob, 0, []float64{1}, Options{DtInitial: 0.001})
	require.NoError(t, it.AdvanceTo(1, nil, nil))
	grown := it.dt
	assert.Greater(t, grown, 0.001)

	it.Invalidate()
	assert.Equal(t, 0.001, it.dt)
}

func TestSparsity_OnlyDeclaredEntriesDifferentiated(t *testing.T) {
	// GIVEN a two-component system where component 0 ignores component 1
	evalCount := 0
	prob := Problem{
		F: func(t float64, y, dydt []float64) {
			evalCount++
			dydt[0] = -y[0]
			dydt[1] = y[0] - y[1]
		},
		Sparsity: [][]int{{0}, {0, 1}},
	}
	it := New(prob, 0, []float64{1, 0}, Options{DtInitial: 0.1})
	require.NoError(t, it.AdvanceTo(1, nil, nil))

	// Solution of the cascade: y1 = t*exp(-t) for these initial values.
	assert.InDelta(t, math.Exp(-1), it.State()[0], 1e-3)
	assert.InDelta(t, math.Exp(-1), it.State()[1], 1e-3)
	assert.Greater(t, evalCount, 0)
}

func TestAdvanceTo_TargetBeforeCurrentTime(t *testing.T) {
	prob := Problem{F: func(t float64, y, dydt []float64) { dydt[0] = 0 }}
	it := New(prob, 5, []float64{0}, Options{})
	err := it.AdvanceTo(1, nil, nil)
	assert.Error(t, err)
}
