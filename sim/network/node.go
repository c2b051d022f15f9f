// Defines the closed set of node kinds in a water network and the
// per-kind neighbor-count windows used by topology validation.

package network

import "fmt"

// Kind tags a node with its physical or control role. The set is closed:
// new behavior is added by extending this enumeration and the degree
// table below, plus a flow formula in the sim package.
type Kind int

const (
	KindBasin Kind = iota
	KindLinearResistance
	KindManningResistance
	KindTabulatedRatingCurve
	KindPump
	KindOutlet
	KindFlowBoundary
	KindLevelBoundary
	KindTerminal
	KindJunction
	KindUserDemand
	KindFractionalFlow
	KindDiscreteControl
	KindContinuousControl
	KindPidControl

	numKinds int = iota
)

var kindNames = [...]string{
	KindBasin:                "Basin",
	KindLinearResistance:     "LinearResistance",
	KindManningResistance:    "ManningResistance",
	KindTabulatedRatingCurve: "TabulatedRatingCurve",
	KindPump:                 "Pump",
	KindOutlet:               "Outlet",
	KindFlowBoundary:         "FlowBoundary",
	KindLevelBoundary:        "LevelBoundary",
	KindTerminal:             "Terminal",
	KindJunction:             "Junction",
	KindUserDemand:           "UserDemand",
	KindFractionalFlow:       "FractionalFlow",
	KindDiscreteControl:      "DiscreteControl",
	KindContinuousControl:    "ContinuousControl",
	KindPidControl:           "PidControl",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= numKinds {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// ParseKind maps a kind name from a model description to its Kind value.
func ParseKind(name string) (Kind, error) {
	for k, n := range kindNames {
		if n == name {
			return Kind(k), nil
		}
	}
	return 0, fmt.Errorf("unknown node kind %q", name)
}

// IsStateful reports whether nodes of this kind carry a storage state
// in the integrator's state vector.
func (k Kind) IsStateful() bool {
	return k == KindBasin
}

// IsControl reports whether nodes of this kind act through control links
// rather than carrying water.
func (k Kind) IsControl() bool {
	return k == KindDiscreteControl || k == KindContinuousControl || k == KindPidControl
}

// degreeWindow is an inclusive [Min, Max] neighbor count. Max < 0 means
// unbounded.
type degreeWindow struct {
	Min, Max int
}

func (w degreeWindow) contains(n int) bool {
	if n < w.Min {
		return false
	}
	return w.Max < 0 || n <= w.Max
}

func (w degreeWindow) String() string {
	if w.Max < 0 {
		return fmt.Sprintf("[%d, inf)", w.Min)
	}
	return fmt.Sprintf("[%d, %d]", w.Min, w.Max)
}

// DegreeBounds declares the allowed in/out neighbor counts per link role
// for one node kind. Checked once at Build, never at runtime.
type DegreeBounds struct {
	FlowIn, FlowOut       degreeWindow
	ControlIn, ControlOut degreeWindow
}

var none = degreeWindow{0, 0}

var degreeTable = [numKinds]DegreeBounds{
	KindBasin:                {FlowIn: degreeWindow{0, -1}, FlowOut: degreeWindow{0, -1}, ControlIn: none, ControlOut: none},
	KindLinearResistance:     {FlowIn: degreeWindow{1, 1}, FlowOut: degreeWindow{1, 1}, ControlIn: degreeWindow{0, 1}, ControlOut: none},
	KindManningResistance:    {FlowIn: degreeWindow{1, 1}, FlowOut: degreeWindow{1, 1}, ControlIn: degreeWindow{0, 1}, ControlOut: none},
	KindTabulatedRatingCurve: {FlowIn: degreeWindow{1, 1}, FlowOut: degreeWindow{1, 1}, ControlIn: degreeWindow{0, 1}, ControlOut: none},
	KindPump:                 {FlowIn: degreeWindow{1, 1}, FlowOut: degreeWindow{1, 1}, ControlIn: degreeWindow{0, 1}, ControlOut: none},
	KindOutlet:               {FlowIn: degreeWindow{1, 1}, FlowOut: degreeWindow{1, 1}, ControlIn: degreeWindow{0, 1}, ControlOut: none},
	KindFlowBoundary:         {FlowIn: none, FlowOut: degreeWindow{1, -1}, ControlIn: none, ControlOut: none},
	KindLevelBoundary:        {FlowIn: degreeWindow{0, -1}, FlowOut: degreeWindow{0, -1}, ControlIn: degreeWindow{0, 1}, ControlOut: none},
	KindTerminal:             {FlowIn: degreeWindow{1, -1}, FlowOut: none, ControlIn: none, ControlOut: none},
	KindJunction:             {FlowIn: degreeWindow{1, -1}, FlowOut: degreeWindow{1, -1}, ControlIn: none, ControlOut: none},
	KindUserDemand:           {FlowIn: degreeWindow{1, 1}, FlowOut: degreeWindow{0, 1}, ControlIn: degreeWindow{0, 1}, ControlOut: none},
	KindFractionalFlow:       {FlowIn: degreeWindow{1, 1}, FlowOut: degreeWindow{1, 1}, ControlIn: degreeWindow{0, 1}, ControlOut: none},
	KindDiscreteControl:      {FlowIn: none, FlowOut: none, ControlIn: none, ControlOut: degreeWindow{1, -1}},
	KindContinuousControl:    {FlowIn: none, FlowOut: none, ControlIn: none, ControlOut: degreeWindow{1, 1}},
	KindPidControl:           {FlowIn: none, FlowOut: none, ControlIn: degreeWindow{0, 1}, ControlOut: degreeWindow{1, 1}},
}

// Degrees returns the declared neighbor-count windows for a kind.
func Degrees(k Kind) DegreeBounds {
	return degreeTable[k]
}
