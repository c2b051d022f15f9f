// Package bmi exposes the simulation kernel through a basic model
// interface for foreign couplers: an opaque handle threaded through
// initialize/update/finalize lifecycle calls, integer status codes
// instead of errors, and value buffers addressable by variable name.
// Nothing here panics across the boundary; panics from the kernel are
// recovered, logged and reported as StatusFailure.
package bmi

import (
	"context"

	"github.com/sirupsen/logrus"

	sim "github.com/hydronet-sim/hydronet-sim/sim"
)

// Status is the outcome of a lifecycle call.
type Status int

const (
	StatusSuccess Status = 0
	StatusFailure Status = 1
)

// Handle is one initialized model instance. There is no global active
// model; every call takes the handle it operates on.
type Handle struct {
	model *sim.Model

	levelBuf []float64
	failed   bool
}

// guard recovers a panic out of the kernel and converts it to a status.
func guard(op string, status *Status) {
	if r := recover(); r != nil {
		logrus.Errorf("bmi: %s panicked: %v", op, r)
		*status = StatusFailure
	}
}

// Initialize loads a YAML model description, builds and initializes the
// model and returns its handle. On failure the handle is nil.
func Initialize(configPath string) (h *Handle, status Status) {
	defer guard("initialize", &status)
	cfg, err := sim.Load(configPath)
	if err != nil {
		logrus.Errorf("bmi: initialize: %v", err)
		return nil, StatusFailure
	}
	model, err := cfg.BuildModel()
	if err != nil {
		logrus.Errorf("bmi: initialize: %v", err)
		return nil, StatusFailure
	}
	if err := model.Initialize(); err != nil {
		logrus.Errorf("bmi: initialize: %v", err)
		return nil, StatusFailure
	}
	return &Handle{model: model}, StatusSuccess
}

// Update advances the model by one save interval (or to the end time,
// whichever comes first).
func (h *Handle) Update() (status Status) {
	defer guard("update", &status)
	if h == nil || h.failed {
		return StatusFailure
	}
	target := h.model.Time() + h.model.SaveInterval()
	return h.UpdateUntil(target)
}

// UpdateUntil advances the model to the given time, capped at the
// configured end time.
func (h *Handle) UpdateUntil(t float64) (status Status) {
	defer guard("update_until", &status)
	if h == nil || h.failed {
		return StatusFailure
	}
	if t > h.model.EndTime() {
		t = h.model.EndTime()
	}
	if err := h.model.StepTo(context.Background(), t); err != nil {
		logrus.Errorf("bmi: update_until(%g): %v", t, err)
		h.failed = true
		return StatusFailure
	}
	return StatusSuccess
}

// GetCurrentTime returns the current simulation time in seconds.
func (h *Handle) GetCurrentTime() float64 {
	if h == nil {
		return 0
	}
	return h.model.Time()
}

// GetValuePtr returns the buffer backing a named variable. "volume" is
// the live basin storage slice (writes feed back into the model);
// "level" is a derived buffer refreshed on every call. Unknown names
// return nil.
func (h *Handle) GetValuePtr(name string) []float64 {
	if h == nil {
		return nil
	}
	switch name {
	case "volume":
		return h.model.BasinStorages()
	case "level":
		h.levelBuf = h.model.BasinLevels(h.levelBuf)
		return h.levelBuf
	}
	logrus.Warnf("bmi: unknown variable %q", name)
	return nil
}

// Finalize closes the run. The handle is unusable afterwards.
func (h *Handle) Finalize() (status Status) {
	defer guard("finalize", &status)
	if h == nil {
		return StatusFailure
	}
	if h.failed {
		// Divergence already moved the model to its failed phase;
		// finalize is a no-op but must not raise back to the caller.
		return StatusFailure
	}
	if err := h.model.Finalize(); err != nil {
		logrus.Errorf("bmi: finalize: %v", err)
		return StatusFailure
	}
	return StatusSuccess
}

// Model exposes the underlying model for Go callers that want richer
// access than the lifecycle API (results, metrics, trace).
func (h *Handle) Model() *sim.Model {
	if h == nil {
		return nil
	}
	return h.model
}
