// Discrete control: hysteretic threshold conditions combine into a truth
// vector, the truth vector names a control state, the control state maps
// to one setpoint per controlled node. Transitions are edge-triggered and
// evaluated only at suspension points; the integrator additionally cuts
// steps at condition zero-crossings so a transition is never smeared
// across a step.

package sim

import (
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/hydronet-sim/hydronet-sim/sim/trace"
)

// Condition is one boolean threshold test with hysteresis. With a
// nonzero Hysteresis band the condition turns true at or above
// Threshold + Hysteresis/2 and false at or below Threshold -
// Hysteresis/2; strictly in between it keeps its previous truth. The
// band edges are inclusive so a trajectory landing exactly on an edge
// (the event engine cuts steps there) flips the truth immediately.
type Condition struct {
	ListenNodeID int
	Variable     string // "level", "storage" or "flow"
	Threshold    float64
	Hysteresis   float64 // total band width, 0 = sharp threshold

	truth bool
}

// evaluate updates and returns the condition's truth for a value.
func (c *Condition) evaluate(value float64) bool {
	half := c.Hysteresis / 2
	if value >= c.Threshold+half {
		c.truth = true
	} else if value <= c.Threshold-half {
		c.truth = false
	}
	return c.truth
}

// switchBoundary is the value whose crossing would flip the current
// truth; the event engine watches value - switchBoundary for sign
// changes.
func (c *Condition) switchBoundary() float64 {
	half := c.Hysteresis / 2
	if c.truth {
		return c.Threshold - half
	}
	return c.Threshold + half
}

// Setpoint is one parameter write applied on entering a control state.
type Setpoint struct {
	NodeID    int
	Parameter string
	Value     float64
}

// DiscreteControlParams is the state machine of one DiscreteControl node.
type DiscreteControlParams struct {
	NodeID     int
	Conditions []*Condition
	// States maps a truth vector like "TF" to a control state name.
	States map[string]string
	// Setpoints maps a control state name to its parameter writes.
	Setpoints map[string][]Setpoint

	CurrentState string
}

// truthVector renders the conditions' truth as the canonical "TF..." key.
func (dc *DiscreteControlParams) truthVector() string {
	var sb strings.Builder
	for _, c := range dc.Conditions {
		if c.truth {
			sb.WriteByte('T')
		} else {
			sb.WriteByte('F')
		}
	}
	return sb.String()
}

// evaluateDiscreteControl runs every discrete controller against the
// current observables and applies setpoints for edge-triggered state
// changes. Returns whether any parameter was written (the integrator
// resets its step-size heuristic if so).
func (m *Model) evaluateDiscreteControl(t float64, y []float64) (bool, error) {
	changed := false
	for _, id := range sortedKeys(m.params.DiscreteControls) {
		dc := m.params.DiscreteControls[id]
		for _, c := range dc.Conditions {
			value, err := m.observe(c.ListenNodeID, c.Variable, t, y)
			if err != nil {
				return changed, err
			}
			c.evaluate(value)
		}
		vector := dc.truthVector()
		state, ok := dc.States[vector]
		if !ok {
			logrus.Warnf("discrete control %d: no state for truth vector %q at t=%g, keeping %q",
				dc.NodeID, vector, t, dc.CurrentState)
			continue
		}
		if state == dc.CurrentState {
			continue // idempotent: unchanged truth vector re-applies nothing
		}
		prev := dc.CurrentState
		dc.CurrentState = state
		for _, sp := range dc.Setpoints[state] {
			if err := m.params.SetScalar(sp.NodeID, sp.Parameter, sp.Value); err != nil {
				return changed, err
			}
			changed = true
		}
		m.metrics.ControlTransitions++
		m.trace.RecordTransition(trace.TransitionRecord{
			ControlNodeID: dc.NodeID,
			Time:          t,
			FromState:     prev,
			ToState:       state,
			TruthVector:   vector,
		})
		logrus.Infof("discrete control %d: %q -> %q (truth %s) at t=%g", dc.NodeID, prev, state, vector, t)
	}
	return changed, nil
}

// conditionGap returns value - switchBoundary for one condition; a sign
// change of the gap between step endpoints brackets a transition.
func (m *Model) conditionGap(c *Condition, t float64, y []float64) (float64, error) {
	value, err := m.observe(c.ListenNodeID, c.Variable, t, y)
	if err != nil {
		return 0, err
	}
	return value - c.switchBoundary(), nil
}

// sortedKeys returns map keys ascending for deterministic iteration.
func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
