// Continuous control: a declared linear combination of listened
// observables (the compound variable) is mapped through a continuous
// shape-preserving relation to the target value of exactly one
// controlled parameter. Recomputed at every suspension point.
//
// Chaining continuous controllers off each other's outputs is rejected
// at construction: the evaluation order between them is undefined, so a
// chain silently under-specifies the system.

package sim

import "math"

// Listen is one weighted term of a compound variable.
type Listen struct {
	NodeID   int
	Variable string // "level", "storage" or "flow"
	Weight   float64
}

// ContinuousControlParams configures one ContinuousControl node.
type ContinuousControlParams struct {
	NodeID   int
	Listens  []Listen
	Relation *Relation

	// Target is resolved from the node's control link at construction.
	TargetNodeID    int
	TargetParameter string

	lastWritten float64
	hasWritten  bool
}

// evaluateContinuousControl recomputes every continuous controller and
// writes its target parameter. Returns whether any written value
// actually changed.
func (m *Model) evaluateContinuousControl(t float64, y []float64) (bool, error) {
	changed := false
	for _, id := range sortedKeys(m.params.ContinuousControls) {
		cc := m.params.ContinuousControls[id]
		compound := 0.0
		for _, l := range cc.Listens {
			value, err := m.observe(l.NodeID, l.Variable, t, y)
			if err != nil {
				return changed, err
			}
			compound += l.Weight * value
		}
		target := cc.Relation.At(compound)
		if cc.hasWritten && math.Abs(target-cc.lastWritten) == 0 {
			continue
		}
		if err := m.params.SetScalar(cc.TargetNodeID, cc.TargetParameter, target); err != nil {
			return changed, err
		}
		cc.lastWritten = target
		cc.hasWritten = true
		changed = true
	}
	return changed, nil
}
