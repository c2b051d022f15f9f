// PID control parameters. The integral error term is carried as extra
// integrator state (see Model state layout), never as side state of the
// control engine, so PID behavior is reproducible across suspension
// points and save/restore. The flow formula itself lives with the node
// equations in equations.go.

package sim

// PidControlParams configures one PidControl node.
type PidControlParams struct {
	NodeID int
	// ListenNodeID is the basin whose level is regulated.
	ListenNodeID int
	// ControlledNodeID is the pump or outlet the controller drives,
	// resolved from the node's control link at construction. The
	// structure must draw from the listened basin so that increasing its
	// flow decreases the controlled level.
	ControlledNodeID int

	Target *DynScalar // setpoint level, m
	Kp     float64
	Ki     float64
	Kd     float64

	// StateIndex is the integral error's position in the state vector,
	// assigned at model construction.
	StateIndex int
}
