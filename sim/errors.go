// Error taxonomy for a simulation run. Construction-time problems are
// ValidationErrors and always fatal; numerical problems during stepping
// are fatal but leave partial results behind; allocation infeasibility
// and balance residuals are absorbed and only reported.

package sim

import (
	"errors"
	"fmt"
)

// ErrDivergence is returned when the integrator cannot converge within
// the configured step-size floor and retry budget. Results up to the
// last accepted step are preserved for postmortem inspection.
var ErrDivergence = errors.New("solver diverged")

// ValidationError reports a malformed model: bad parameters, missing
// required series, inconsistent control wiring. Raised by NewModel,
// never retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "model validation: " + e.Msg }

func validationErrorf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// NegativeStorageError reports persistent negative storage in a basin.
// Transient excursions are clamped between steps; an excursion beyond
// the clamp tolerance signals a modeling or parameter error and is fatal.
type NegativeStorageError struct {
	NodeID  int
	Time    float64
	Storage float64
}

func (e *NegativeStorageError) Error() string {
	return fmt.Sprintf("basin %d: persistent negative storage %g m3 at t=%g s", e.NodeID, e.Storage, e.Time)
}
