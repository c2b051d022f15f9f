// Package trace provides decision-trace recording for control and
// allocation analysis. This package has no dependencies on sim/ — it
// stores pure data types.
package trace

// TransitionRecord captures one discrete-control state transition.
type TransitionRecord struct {
	ControlNodeID int
	Time          float64
	FromState     string
	ToState       string
	TruthVector   string
}

// AllocationRecord captures the outcome of one allocation tier solve.
type AllocationRecord struct {
	Time        float64
	Subnetwork  int
	Tier        int
	Demanded    float64
	Granted     float64
	Infeasible  bool
	Unsatisfied bool
}
