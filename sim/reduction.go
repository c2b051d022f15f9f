// Smooth reduction factors. Physical cutoffs (pumps sucking a basin dry,
// resistance links near zero head difference) are never hard conditionals:
// they are continuously differentiable blends so the integrator's
// finite-difference Jacobian stays meaningful across the cutoff.

package sim

// reductionFactor is a cubic-Hermite smoothstep of x over [0, threshold]:
// 0 at or below 0, 1 at or above threshold, C1-continuous in between.
func reductionFactor(x, threshold float64) float64 {
	if threshold <= 0 {
		if x > 0 {
			return 1
		}
		return 0
	}
	p := x / threshold
	if p <= 0 {
		return 0
	}
	if p >= 1 {
		return 1
	}
	return p * p * (3 - 2*p)
}

// clampFlow bounds a requested flow to [lo, hi].
func clampFlow(q, lo, hi float64) float64 {
	if q < lo {
		return lo
	}
	if q > hi {
		return hi
	}
	return q
}

// DepthBand is the depth above a basin bottom over which structure flows
// are smoothly reduced to zero, expressed in meters.
const DepthBand = 0.1
