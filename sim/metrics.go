// Tracks run-wide counters for final reporting: solver work, control
// activity, allocation outcomes and recovered numerical incidents.

package sim

import "fmt"

// Metrics aggregates statistics about the simulation for final
// reporting. Useful for evaluating solver behavior and debugging
// control/allocation interplay over time.
type Metrics struct {
	AcceptedSteps int // internal solver steps accepted
	RejectedSteps int // internal solver steps rejected by error control
	NewtonIters   int // total Newton iterations
	RHSEvals      int // right-hand-side evaluations
	JacobianEvals int // finite-difference Jacobian assemblies

	ControlTransitions int // discrete control state changes applied
	AllocationSolves   int // allocation problems solved
	InfeasibleTiers    int // allocation tiers recovered as zero grants
	UnsatisfiedTiers   int // allocation tiers granted less than demanded

	ClampedExcursions int // transient negative storages clamped
	BalanceWarnings   int // save points with balance residual over tolerance

	SavePoints int
}

// NewMetrics returns zeroed metrics.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// Print displays aggregated metrics at the end of the simulation.
func (m *Metrics) Print(simulated float64) {
	fmt.Println("=== Simulation Metrics ===")
	fmt.Printf("Simulated time       : %.1f s\n", simulated)
	fmt.Printf("Accepted steps       : %d\n", m.AcceptedSteps)
	fmt.Printf("Rejected steps       : %d\n", m.RejectedSteps)
	fmt.Printf("Newton iterations    : %d\n", m.NewtonIters)
	fmt.Printf("RHS evaluations      : %d\n", m.RHSEvals)
	fmt.Printf("Jacobian evaluations : %d\n", m.JacobianEvals)
	fmt.Printf("Control transitions  : %d\n", m.ControlTransitions)
	fmt.Printf("Allocation solves    : %d\n", m.AllocationSolves)
	fmt.Printf("Infeasible tiers     : %d\n", m.InfeasibleTiers)
	fmt.Printf("Unsatisfied tiers    : %d\n", m.UnsatisfiedTiers)
	fmt.Printf("Clamped excursions   : %d\n", m.ClampedExcursions)
	fmt.Printf("Balance warnings     : %d\n", m.BalanceWarnings)
	fmt.Printf("Save points          : %d\n", m.SavePoints)
}
