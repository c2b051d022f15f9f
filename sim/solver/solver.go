// Package solver implements the stiff adaptive-step integrator behind
// the simulation kernel. It advances y' = f(t, y) with backward-Euler
// steps solved by Newton iteration on a finite-difference Jacobian, and
// controls the step size with a trapezoidal error companion. The
// Jacobian is filled only on the caller-declared sparsity pattern, so a
// network of N basins costs O(nonzeros) right-hand-side evaluations per
// Jacobian instead of O(N^2).
//
// The integrator is single-goroutine and deterministic: the same
// problem, options and call sequence produce bit-identical trajectories.
package solver

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrDiverged is returned when the step size falls below Options.DtMin
// before a step can be accepted.
var ErrDiverged = errors.New("step size below floor")

// RHS evaluates the right-hand side f(t, y) into dydt.
// It must not retain y or dydt.
type RHS func(t float64, y []float64, dydt []float64)

// Problem describes the differential system.
type Problem struct {
	F RHS
	// Sparsity[i] lists the state indices j for which df_i/dy_j may be
	// nonzero. A nil Sparsity means dense. The diagonal should always be
	// included.
	Sparsity [][]int
}

// Options tunes the integrator. Zero values take documented defaults.
type Options struct {
	AbsTol    float64 // absolute error tolerance per component (default 1e-6)
	RelTol    float64 // relative error tolerance per component (default 1e-5)
	DtInitial float64 // first step size (default 1.0)
	DtMin     float64 // step-size floor; going below it is divergence (default 1e-9)
	DtMax     float64 // step-size ceiling (default +inf)

	MaxNewtonIters int // Newton iterations per stage before halving dt (default 10)
	MaxRejects     int // consecutive error rejections before divergence (default 20)
}

func (o *Options) defaults() {
	if o.AbsTol <= 0 {
		o.AbsTol = 1e-6
	}
	if o.RelTol <= 0 {
		o.RelTol = 1e-5
	}
	if o.DtInitial <= 0 {
		o.DtInitial = 1.0
	}
	if o.DtMin <= 0 {
		o.DtMin = 1e-9
	}
	if o.DtMax <= 0 {
		o.DtMax = math.Inf(1)
	}
	if o.MaxNewtonIters <= 0 {
		o.MaxNewtonIters = 10
	}
	if o.MaxRejects <= 0 {
		o.MaxRejects = 20
	}
}

// Stats counts the work done so far.
type Stats struct {
	AcceptedSteps int
	RejectedSteps int
	NewtonIters   int
	RHSEvals      int
	JacobianEvals int
}

// StepInspector examines a candidate accepted step from (t0, y0) to
// (t1, y1). Returning (tcut, true) with t0 < tcut < t1 rejects the
// candidate and re-takes the step to land exactly on tcut; the event
// engine uses this to stop at zero-crossings. Returning tcut >= t1
// accepts the candidate unchanged but hands control back to the caller,
// for events landing exactly on the step endpoint. Returning (_, false)
// accepts the step as-is.
type StepInspector func(t0 float64, y0 []float64, t1 float64, y1 []float64) (float64, bool)

// OnAccepted observes every accepted step. y1 is the live state slice:
// the caller may clamp it in place (transient negative excursions) and
// integration continues from the mutated values.
type OnAccepted func(t0 float64, y0 []float64, t1 float64, y1 []float64)

// Integrator holds the mutable integration state. It owns the state
// vector exclusively while stepping; callers observe and mutate it only
// through the callbacks and accessors.
type Integrator struct {
	prob Problem
	opts Options

	t  float64
	y  []float64
	dt float64

	stats Stats

	// scratch
	f0, f1, yTrap []float64
	yPrev, resid  []float64
	jac           *mat.Dense // df/dy at (t1, y)
	newtonMat     *mat.Dense // I - dt*J
	delta         *mat.VecDense
	rhsVec        *mat.VecDense
	pert          []float64
	colRows       [][]int // column -> rows with declared nonzeros
}

// New builds an integrator positioned at (t0, y0). y0 is copied.
func New(prob Problem, t0 float64, y0 []float64, opts Options) *Integrator {
	opts.defaults()
	n := len(y0)
	it := &Integrator{
		prob:      prob,
		opts:      opts,
		t:         t0,
		y:         append([]float64(nil), y0...),
		dt:        opts.DtInitial,
		f0:        make([]float64, n),
		f1:        make([]float64, n),
		yTrap:     make([]float64, n),
		yPrev:     make([]float64, n),
		resid:     make([]float64, n),
		pert:      make([]float64, n),
		jac:       mat.NewDense(n, n, nil),
		newtonMat: mat.NewDense(n, n, nil),
		delta:     mat.NewVecDense(n, nil),
		rhsVec:    mat.NewVecDense(n, nil),
	}
	it.colRows = make([][]int, n)
	if prob.Sparsity == nil {
		all := make([]int, n)
		for i := range all {
			all[i] = i
		}
		for j := range it.colRows {
			it.colRows[j] = all
		}
	} else {
		for i, cols := range prob.Sparsity {
			for _, j := range cols {
				if j >= 0 && j < n {
					it.colRows[j] = append(it.colRows[j], i)
				}
			}
		}
	}
	return it
}

// Time returns the current integration time.
func (it *Integrator) Time() float64 { return it.t }

// State returns the live state vector. Mutating it outside an OnAccepted
// callback or a suspension point is undefined.
func (it *Integrator) State() []float64 { return it.y }

// Stats returns work counters accumulated so far.
func (it *Integrator) Stats() Stats { return it.stats }

// Invalidate resets the step-size heuristic after an external parameter
// discontinuity. The next step restarts from DtInitial.
func (it *Integrator) Invalidate() {
	it.dt = it.opts.DtInitial
}

// AdvanceTo integrates from the current time to target, never stepping
// past it. inspect and accepted may be nil. It returns early (with nil
// error) when inspect cuts a step; the caller re-invokes AdvanceTo after
// handling the event.
func (it *Integrator) AdvanceTo(target float64, inspect StepInspector, accepted OnAccepted) error {
	if target < it.t {
		return fmt.Errorf("target %g before current time %g", target, it.t)
	}
	rejects := 0
	for it.t < target {
		dt := math.Min(it.dt, target-it.t)
		dt = math.Min(dt, it.opts.DtMax)
		if dt < it.opts.DtMin {
			// The remaining gap itself is below the floor; snap to target.
			it.t = target
			break
		}
		// Guard against float residue: a step meant to land on the target
		// lands exactly on it.
		hitsTarget := dt == target-it.t

		y1, errNorm, err := it.attemptStep(it.t, it.y, dt)
		if err != nil {
			// Newton failed to converge: halve and retry.
			it.dt = dt / 2
			if it.dt < it.opts.DtMin {
				return fmt.Errorf("%w: Newton non-convergence at t=%g", ErrDiverged, it.t)
			}
			continue
		}

		if errNorm > 1 {
			it.stats.RejectedSteps++
			rejects++
			if rejects > it.opts.MaxRejects {
				return fmt.Errorf("%w: %d consecutive rejections at t=%g", ErrDiverged, rejects, it.t)
			}
			shrink := math.Max(0.2, 0.9/math.Sqrt(errNorm))
			it.dt = dt * shrink
			if it.dt < it.opts.DtMin {
				return fmt.Errorf("%w: error control at t=%g", ErrDiverged, it.t)
			}
			continue
		}
		rejects = 0

		t1 := it.t + dt
		if hitsTarget {
			t1 = target
		}
		eventAtEnd := false
		if inspect != nil {
			if tcut, cut := inspect(it.t, it.y, t1, y1); cut && tcut > it.t {
				if tcut >= t1 {
					// The event lands exactly on the step endpoint: accept
					// the step unchanged but return so the caller handles
					// it before integration continues.
					eventAtEnd = true
				} else if cutDt := tcut - it.t; cutDt >= it.opts.DtMin {
					// Re-take the step to land exactly on the event time.
					// attemptStep reuses y1's backing buffer, so keep the
					// accepted full step in case the cut attempt fails.
					yFull := append([]float64(nil), y1...)
					yCut, _, cerr := it.attemptStep(it.t, it.y, cutDt)
					if cerr == nil {
						t0, y0 := it.t, append([]float64(nil), it.y...)
						copy(it.y, yCut)
						it.t = tcut
						it.stats.AcceptedSteps++
						if accepted != nil {
							accepted(t0, y0, it.t, it.y)
						}
						return nil
					}
					// Could not land on the event; accept the full step,
					// the event fires at the next suspension.
					y1 = yFull
				}
			}
		}

		t0, y0 := it.t, append([]float64(nil), it.y...)
		copy(it.y, y1)
		it.t = t1
		it.stats.AcceptedSteps++

		grow := 0.9 / math.Sqrt(math.Max(errNorm, 1e-10))
		it.dt = dt * math.Min(5, math.Max(0.2, grow))

		if accepted != nil {
			accepted(t0, y0, it.t, it.y)
		}
		if eventAtEnd {
			return nil
		}
	}
	return nil
}

// attemptStep takes one backward-Euler step of size dt from (t0, y0) and
// returns the new state plus the scaled error norm against the
// trapezoidal companion. A non-nil error means Newton non-convergence.
func (it *Integrator) attemptStep(t0 float64, y0 []float64, dt float64) ([]float64, float64, error) {
	n := len(y0)
	t1 := t0 + dt

	it.prob.F(t0, y0, it.f0)
	it.stats.RHSEvals++

	// Predictor: explicit Euler.
	y1 := it.yPrev
	for i := 0; i < n; i++ {
		y1[i] = y0[i] + dt*it.f0[i]
	}

	converged := false
	for iter := 0; iter < it.opts.MaxNewtonIters; iter++ {
		it.stats.NewtonIters++
		it.prob.F(t1, y1, it.f1)
		it.stats.RHSEvals++

		// Residual of backward Euler: r = y1 - y0 - dt*f(t1, y1).
		maxResid := 0.0
		for i := 0; i < n; i++ {
			it.resid[i] = y1[i] - y0[i] - dt*it.f1[i]
			scale := it.opts.AbsTol + it.opts.RelTol*math.Abs(y1[i])
			if r := math.Abs(it.resid[i]) / scale; r > maxResid {
				maxResid = r
			}
		}
		if maxResid < 0.1 {
			converged = true
			break
		}

		it.fillJacobian(t1, y1)
		// Newton matrix: M = I - dt*J.
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				v := -dt * it.jac.At(i, j)
				if i == j {
					v += 1
				}
				it.newtonMat.Set(i, j, v)
			}
		}
		for i := 0; i < n; i++ {
			it.rhsVec.SetVec(i, -it.resid[i])
		}
		var lu mat.LU
		lu.Factorize(it.newtonMat)
		if err := lu.SolveVecTo(it.delta, false, it.rhsVec); err != nil {
			return nil, 0, fmt.Errorf("newton linear solve: %w", err)
		}
		for i := 0; i < n; i++ {
			y1[i] += it.delta.AtVec(i)
		}
	}
	if !converged {
		return nil, 0, fmt.Errorf("newton did not converge in %d iterations", it.opts.MaxNewtonIters)
	}

	// Error companion: trapezoidal step using f0 and f(t1, y1).
	it.prob.F(t1, y1, it.f1)
	it.stats.RHSEvals++
	errNorm := 0.0
	for i := 0; i < n; i++ {
		it.yTrap[i] = y0[i] + 0.5*dt*(it.f0[i]+it.f1[i])
		scale := it.opts.AbsTol + it.opts.RelTol*math.Max(math.Abs(y0[i]), math.Abs(y1[i]))
		e := (y1[i] - it.yTrap[i]) / scale
		errNorm += e * e
	}
	errNorm = math.Sqrt(errNorm / float64(n))
	return y1, errNorm, nil
}

// fillJacobian computes df/dy at (t, y) by forward differences, writing
// only the declared sparsity pattern. f1 must already hold f(t, y).
func (it *Integrator) fillJacobian(t float64, y []float64) {
	n := len(y)
	it.stats.JacobianEvals++
	base := append([]float64(nil), it.f1...)
	it.jac.Zero()
	for j := 0; j < n; j++ {
		rows := it.colRows[j]
		if len(rows) == 0 {
			continue
		}
		h := 1e-8 * math.Max(1, math.Abs(y[j]))
		orig := y[j]
		y[j] = orig + h
		it.prob.F(t, y, it.pert)
		it.stats.RHSEvals++
		y[j] = orig
		for _, i := range rows {
			it.jac.Set(i, j, (it.pert[i]-base[i])/h)
		}
	}
}
