package trace

// Summary aggregates statistics from a RunTrace.
type Summary struct {
	TotalTransitions  int
	TotalTierSolves   int
	InfeasibleTiers   int
	UnsatisfiedTiers  int
	MeanShortfall     float64
	MaxShortfall      float64
	TransitionsByNode map[int]int // control node ID → transition count
}

// Summarize computes aggregate statistics from a RunTrace.
// Safe for nil or empty traces (returns zero-value fields).
func Summarize(rt *RunTrace) *Summary {
	summary := &Summary{
		TransitionsByNode: make(map[int]int),
	}
	if rt == nil {
		return summary
	}

	summary.TotalTransitions = len(rt.Transitions)
	for _, tr := range rt.Transitions {
		summary.TransitionsByNode[tr.ControlNodeID]++
	}

	if len(rt.Allocations) > 0 {
		totalShortfall := 0.0
		for _, a := range rt.Allocations {
			summary.TotalTierSolves++
			if a.Infeasible {
				summary.InfeasibleTiers++
			}
			if a.Unsatisfied {
				summary.UnsatisfiedTiers++
			}
			shortfall := a.Demanded - a.Granted
			if shortfall < 0 {
				shortfall = 0
			}
			totalShortfall += shortfall
			if shortfall > summary.MaxShortfall {
				summary.MaxShortfall = shortfall
			}
		}
		summary.MeanShortfall = totalShortfall / float64(len(rt.Allocations))
	}

	return summary
}
