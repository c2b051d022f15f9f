// Package sim provides the simulation kernel for managed open-water
// networks: basins, structures and boundaries evolve under a stiff
// differential-equation model while discrete control rules and a
// priority-based allocation layer intermittently rewrite structure
// setpoints.
//
// # Reading Guide
//
// Start with these three files to understand the kernel:
//   - model.go: state vector layout, the run-state machine and the
//     stepping loop that interleaves integration with suspension points
//   - equations.go: per-node flow formulas and the right-hand-side
//     assembly, all smooth in the state so the Jacobian stays valid
//   - parameters.go: the static/dynamic parameter split and the scalar
//     targets the control engines write
//
// # Architecture
//
// The sim package holds the model; the numerics and the graph live in
// sub-packages:
//   - sim/network/: typed directed graph, node kinds, degree validation
//   - sim/solver/: adaptive implicit integrator (backward Euler, Newton
//     on a sparse finite-difference Jacobian)
//   - sim/allocation/: lexicographic priority-tier linear programs over
//     a reduced network
//   - sim/trace/: decision trace of control transitions and allocation
//     tier outcomes
//
// # Run anatomy
//
// A run is a fixed interleaving: the integrator advances between
// suspension points (save times, allocation times, zero-crossings of
// control conditions); at each suspension the control engines observe
// the consistent state and may write parameters; the allocation engine
// re-solves at its coarser cadence; parameter writes reset the
// integrator's step-size heuristic. Everything is single-goroutine and
// deterministic: the same config produces bit-identical result tables.
package sim
