// Model ties the pieces together: the validated graph and parameters,
// the state vector layout, the stiff integrator, and the run loop that
// interleaves integration with control evaluation, allocation solves and
// result saving at suspension points. One Model is one run; independent
// runs share nothing and may execute in parallel.

package sim

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hydronet-sim/hydronet-sim/sim/network"
	"github.com/hydronet-sim/hydronet-sim/sim/solver"
	"github.com/hydronet-sim/hydronet-sim/sim/trace"
)

// Phase is the run-state machine position:
// Uninitialized -> Initialized -> Stepping <-> EventHandling -> Finalized,
// with Stepping -> Failed on divergence or persistent negative storage.
type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseInitialized
	PhaseStepping
	PhaseEventHandling
	PhaseFinalized
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseInitialized:
		return "initialized"
	case PhaseStepping:
		return "stepping"
	case PhaseEventHandling:
		return "event-handling"
	case PhaseFinalized:
		return "finalized"
	case PhaseFailed:
		return "failed"
	}
	return "unknown"
}

// RunOptions configures one run. Zero values take documented defaults.
type RunOptions struct {
	StartTime float64 // seconds
	EndTime   float64 // seconds, must exceed StartTime

	// SaveInterval is the cadence of result rows and balance checks.
	// Default: the full run duration (save only at start and end).
	SaveInterval float64
	// AllocationInterval is the allocation engine cadence; 0 disables
	// allocation entirely (demands then receive their full request).
	AllocationInterval float64

	// BalanceTolerance is the per-basin water balance residual rate, in
	// m3/s over a save interval, above which a warning is logged.
	// Default 1e-3.
	BalanceTolerance float64
	// NegativeStorageTolerance separates transient excursions (clamped
	// to zero between steps) from fatal negative storage. Default 1e-3 m3.
	NegativeStorageTolerance float64

	Solver     solver.Options
	TraceLevel trace.Level
}

func (o *RunOptions) defaults() {
	if o.SaveInterval <= 0 {
		o.SaveInterval = o.EndTime - o.StartTime
	}
	if o.BalanceTolerance <= 0 {
		o.BalanceTolerance = 1e-3
	}
	if o.NegativeStorageTolerance <= 0 {
		o.NegativeStorageTolerance = 1e-3
	}
	if o.TraceLevel == "" {
		o.TraceLevel = trace.LevelNone
	}
}

// levelRef caches a structure's upstream and downstream level nodes
// (basin or level boundary), resolved once at construction by walking
// through junctions and splitters.
type levelRef struct {
	up, down       int
	hasUp, hasDown bool
}

// Model is one simulation run over an immutable graph.
type Model struct {
	graph  *network.Graph
	params *Parameters
	opts   RunOptions

	runID string

	// State vector layout: basin storages first (basinIDs order), then
	// one integral-error scalar per PID controller (pidIDs order).
	basinIDs   []int
	basinIndex map[int]int
	pidIDs     []int
	nState     int

	flowLinks []network.Link
	linkIndex map[int]int

	levels map[int]levelRef

	// ffOrder evaluates fractional splitters feeders-first, so split
	// flows compose down a chain regardless of node numbering.
	ffOrder []int

	integ *solver.Integrator
	phase Phase

	events suspensionQueue

	// Scratch vectors, one per concurrent use site.
	rhsFlows []float64
	obsFlows []float64
	accF1    []float64

	// Accumulated volumes since the last save point.
	cumLink      []float64 // m3 per flow link, signed
	cumForcing   []forcingRates
	lastSaveTime float64
	lastStorages []float64

	// stepErr carries a fatal condition raised inside solver callbacks.
	stepErr error

	allocSubs []*subProblem

	metrics *Metrics
	trace   *trace.RunTrace
	results *Results
}

// NewModel validates the model against the graph and lays out the state
// vector. The returned model is in PhaseUninitialized; Run (or
// Initialize) starts it.
func NewModel(g *network.Graph, params *Parameters, opts RunOptions) (*Model, error) {
	opts.defaults()
	if opts.EndTime <= opts.StartTime {
		return nil, validationErrorf("end time %g not after start time %g", opts.EndTime, opts.StartTime)
	}
	m := &Model{
		graph:      g,
		params:     params,
		opts:       opts,
		runID:      uuid.NewString(),
		basinIndex: map[int]int{},
		linkIndex:  map[int]int{},
		levels:     map[int]levelRef{},
		metrics:    NewMetrics(),
		trace:      trace.New(opts.TraceLevel),
	}
	if err := m.checkParams(); err != nil {
		return nil, err
	}

	// State layout.
	for _, n := range g.NodesOfKind(network.KindBasin) {
		m.basinIndex[n.ID] = len(m.basinIDs)
		m.basinIDs = append(m.basinIDs, n.ID)
	}
	m.pidIDs = sortedKeys(params.PidControls)
	for i, id := range m.pidIDs {
		params.PidControls[id].StateIndex = len(m.basinIDs) + i
	}
	m.nState = len(m.basinIDs) + len(m.pidIDs)
	if m.nState == 0 {
		return nil, validationErrorf("model has no state: at least one basin or PID controller required")
	}

	for _, l := range g.Links() {
		if l.Role == network.RoleFlow {
			m.linkIndex[l.ID] = len(m.flowLinks)
			m.flowLinks = append(m.flowLinks, l)
		}
	}

	m.resolveLevels()
	m.orderSplitters()
	if err := m.wireControls(); err != nil {
		return nil, err
	}
	if err := m.checkObservables(); err != nil {
		return nil, err
	}

	m.rhsFlows = make([]float64, len(m.flowLinks))
	m.obsFlows = make([]float64, len(m.flowLinks))
	m.accF1 = make([]float64, len(m.flowLinks))
	m.cumLink = make([]float64, len(m.flowLinks))
	m.cumForcing = make([]forcingRates, len(m.basinIDs))
	m.lastStorages = make([]float64, len(m.basinIDs))
	m.results = NewResults(m.runID)
	return m, nil
}

// checkParams verifies that every node has the parameter block its kind
// requires, and nothing else.
func (m *Model) checkParams() error {
	has := func(id int) bool {
		switch n, _ := m.graph.Node(id); n.Kind {
		case network.KindBasin:
			return m.params.Basins[id] != nil
		case network.KindLinearResistance:
			return m.params.LinearResistances[id] != nil
		case network.KindManningResistance:
			return m.params.ManningResistances[id] != nil
		case network.KindTabulatedRatingCurve:
			return m.params.RatingCurves[id] != nil
		case network.KindPump:
			return m.params.Pumps[id] != nil
		case network.KindOutlet:
			return m.params.Outlets[id] != nil
		case network.KindFlowBoundary:
			return m.params.FlowBoundaries[id] != nil
		case network.KindLevelBoundary:
			return m.params.LevelBoundaries[id] != nil
		case network.KindUserDemand:
			return m.params.UserDemands[id] != nil
		case network.KindFractionalFlow:
			return m.params.FractionalFlows[id] != nil
		case network.KindDiscreteControl:
			return m.params.DiscreteControls[id] != nil
		case network.KindContinuousControl:
			return m.params.ContinuousControls[id] != nil
		case network.KindPidControl:
			return m.params.PidControls[id] != nil
		}
		return true // Terminal, Junction carry no parameters
	}
	for _, n := range m.graph.Nodes() {
		if !has(n.ID) {
			return validationErrorf("node %d (%s) has no parameters", n.ID, n.Kind)
		}
	}
	return nil
}

// resolveLevels walks the upstream and downstream level node of every
// structure, looking through junctions and splitters. When several level
// nodes are reachable across a junction the lowest node ID wins, which
// keeps the choice deterministic.
func (m *Model) resolveLevels() {
	for _, n := range m.graph.Nodes() {
		switch n.Kind {
		case network.KindLinearResistance, network.KindManningResistance,
			network.KindTabulatedRatingCurve, network.KindPump,
			network.KindOutlet, network.KindUserDemand:
			ref := levelRef{}
			if id, ok := m.walkLevel(n.ID, true, map[int]bool{}); ok {
				ref.up, ref.hasUp = id, true
			}
			if id, ok := m.walkLevel(n.ID, false, map[int]bool{}); ok {
				ref.down, ref.hasDown = id, true
			}
			m.levels[n.ID] = ref
		}
	}
}

func isLevelKind(k network.Kind) bool {
	return k == network.KindBasin || k == network.KindLevelBoundary
}

func isPassThrough(k network.Kind) bool {
	return k == network.KindJunction || k == network.KindFractionalFlow
}

// walkLevel finds the nearest level node up- or downstream of nodeID,
// crossing junctions and splitters but never other structures.
func (m *Model) walkLevel(nodeID int, upstream bool, visited map[int]bool) (int, bool) {
	visited[nodeID] = true
	links := m.graph.FlowIn(nodeID)
	if !upstream {
		links = m.graph.FlowOut(nodeID)
	}
	best, found := 0, false
	consider := func(id int, ok bool) {
		if ok && (!found || id < best) {
			best, found = id, true
		}
	}
	for _, l := range links {
		next := l.From
		if !upstream {
			next = l.To
		}
		if visited[next] {
			continue
		}
		n, _ := m.graph.Node(next)
		if isLevelKind(n.Kind) {
			consider(next, true)
		} else if isPassThrough(n.Kind) {
			id, ok := m.walkLevel(next, upstream, visited)
			consider(id, ok)
		}
	}
	return best, found
}

// orderSplitters topologically sorts the FractionalFlow nodes so every
// splitter is evaluated after the splitters feeding it, directly or
// through a junction. Node IDs break ties for determinism.
func (m *Model) orderSplitters() {
	ffNodes := m.graph.NodesOfKind(network.KindFractionalFlow)
	isFF := map[int]bool{}
	ids := make([]int, 0, len(ffNodes))
	for _, n := range ffNodes {
		isFF[n.ID] = true
		ids = append(ids, n.ID)
	}
	sort.Ints(ids)

	indeg := map[int]int{}
	dependents := map[int][]int{}
	for _, id := range ids {
		in := m.graph.FlowIn(id)[0]
		feeding := []network.Link{in}
		if up, _ := m.graph.Node(in.From); up.Kind == network.KindJunction {
			feeding = m.graph.FlowIn(up.ID)
		}
		for _, l := range feeding {
			if isFF[l.From] {
				indeg[id]++
				dependents[l.From] = append(dependents[l.From], id)
			}
		}
	}

	var ready []int
	for _, id := range ids {
		if indeg[id] == 0 {
			ready = append(ready, id)
		}
	}
	m.ffOrder = m.ffOrder[:0]
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		m.ffOrder = append(m.ffOrder, id)
		for _, d := range dependents[id] {
			if indeg[d]--; indeg[d] == 0 {
				ready = append(ready, d)
			}
		}
	}
	// Splitters left on a flow cycle keep ID order.
	for _, id := range ids {
		if indeg[id] > 0 {
			m.ffOrder = append(m.ffOrder, id)
		}
	}
}

// wireControls resolves control links into the parameter structs and
// enforces the construction-time control constraints.
func (m *Model) wireControls() error {
	for _, id := range sortedKeys(m.params.PidControls) {
		pc := m.params.PidControls[id]
		out := m.graph.ControlOut(id)
		if len(out) != 1 {
			return validationErrorf("pid control %d must control exactly one node, has %d", id, len(out))
		}
		pc.ControlledNodeID = out[0].To
		if pp, ok := m.params.Pumps[pc.ControlledNodeID]; ok {
			pp.ControlledBy = id
		} else if op, ok := m.params.Outlets[pc.ControlledNodeID]; ok {
			op.ControlledBy = id
		} else {
			return validationErrorf("pid control %d targets node %d which is neither pump nor outlet", id, pc.ControlledNodeID)
		}
		if _, ok := m.params.Basins[pc.ListenNodeID]; !ok {
			return validationErrorf("pid control %d listens to node %d which is not a basin", id, pc.ListenNodeID)
		}
		// Direction constraint: the controlled structure must draw from
		// the listened basin so more flow means a lower level.
		ref := m.levels[pc.ControlledNodeID]
		if !ref.hasUp || ref.up != pc.ListenNodeID {
			return validationErrorf("pid control %d: controlled node %d does not draw from listened basin %d",
				id, pc.ControlledNodeID, pc.ListenNodeID)
		}
	}

	ccTargets := map[int]bool{}
	for _, id := range sortedKeys(m.params.ContinuousControls) {
		cc := m.params.ContinuousControls[id]
		out := m.graph.ControlOut(id)
		if len(out) != 1 {
			return validationErrorf("continuous control %d must control exactly one node, has %d", id, len(out))
		}
		cc.TargetNodeID = out[0].To
		if _, err := m.params.scalarTarget(cc.TargetNodeID, cc.TargetParameter); err != nil {
			return err
		}
		ccTargets[cc.TargetNodeID] = true
	}
	// Chained continuous controllers under-specify the evaluation order;
	// reject the chain outright instead of producing order-dependent
	// results.
	for _, id := range sortedKeys(m.params.ContinuousControls) {
		cc := m.params.ContinuousControls[id]
		for _, l := range cc.Listens {
			if n, _ := m.graph.Node(l.NodeID); n.Kind == network.KindContinuousControl {
				return validationErrorf("continuous control %d listens to continuous control %d", id, l.NodeID)
			}
			if l.Variable == "flow" && ccTargets[l.NodeID] {
				return validationErrorf("continuous control %d listens to the flow of node %d, which another continuous control writes", id, l.NodeID)
			}
		}
	}

	for _, id := range sortedKeys(m.params.DiscreteControls) {
		dc := m.params.DiscreteControls[id]
		if len(dc.Conditions) == 0 {
			return validationErrorf("discrete control %d has no conditions", id)
		}
		controlled := map[int]bool{}
		for _, l := range m.graph.ControlOut(id) {
			controlled[l.To] = true
		}
		for state, sps := range dc.Setpoints {
			for _, sp := range sps {
				if !controlled[sp.NodeID] {
					return validationErrorf("discrete control %d state %q writes node %d without a control link", id, state, sp.NodeID)
				}
				if sp.Parameter == "active" {
					if _, ok := m.params.UserDemands[sp.NodeID]; !ok {
						return validationErrorf("discrete control %d state %q: node %d has no %q parameter", id, state, sp.NodeID, sp.Parameter)
					}
					continue
				}
				if _, err := m.params.scalarTarget(sp.NodeID, sp.Parameter); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// checkObservables validates every declared listen at construction so an
// observe call can never fail mid-run.
func (m *Model) checkObservables() error {
	check := func(owner string, nodeID int, variable string) error {
		n, ok := m.graph.Node(nodeID)
		if !ok {
			return validationErrorf("%s listens to missing node %d", owner, nodeID)
		}
		switch variable {
		case "level":
			if !isLevelKind(n.Kind) {
				return validationErrorf("%s listens to level of node %d (%s) which has none", owner, nodeID, n.Kind)
			}
		case "storage":
			if n.Kind != network.KindBasin {
				return validationErrorf("%s listens to storage of node %d (%s) which has none", owner, nodeID, n.Kind)
			}
		case "flow":
			if len(m.graph.FlowIn(nodeID)) == 0 && len(m.graph.FlowOut(nodeID)) == 0 {
				return validationErrorf("%s listens to flow of node %d which carries none", owner, nodeID)
			}
		default:
			return validationErrorf("%s listens to unknown variable %q", owner, variable)
		}
		return nil
	}
	for _, id := range sortedKeys(m.params.DiscreteControls) {
		for _, c := range m.params.DiscreteControls[id].Conditions {
			if err := check(fmt.Sprintf("discrete control %d", id), c.ListenNodeID, c.Variable); err != nil {
				return err
			}
		}
	}
	for _, id := range sortedKeys(m.params.ContinuousControls) {
		for _, l := range m.params.ContinuousControls[id].Listens {
			if err := check(fmt.Sprintf("continuous control %d", id), l.NodeID, l.Variable); err != nil {
				return err
			}
		}
	}
	return nil
}

// observe evaluates one observable at (t, y). Listens are validated at
// construction; errors here indicate a programming mistake, not user
// input.
func (m *Model) observe(nodeID int, variable string, t float64, y []float64) (float64, error) {
	switch variable {
	case "level":
		if lv, ok := m.levelAt(nodeID, t, y); ok {
			return lv, nil
		}
	case "storage":
		if idx, ok := m.basinIndex[nodeID]; ok {
			return y[idx], nil
		}
	case "flow":
		m.computeFlows(t, y, m.obsFlows)
		if outs := m.graph.FlowOut(nodeID); len(outs) > 0 {
			total := 0.0
			for _, l := range outs {
				total += m.obsFlows[m.linkIndex[l.ID]]
			}
			return total, nil
		}
		if ins := m.graph.FlowIn(nodeID); len(ins) > 0 {
			total := 0.0
			for _, l := range ins {
				total += m.obsFlows[m.linkIndex[l.ID]]
			}
			return total, nil
		}
	}
	return 0, validationErrorf("node %d has no observable %q", nodeID, variable)
}

// sparsity builds the Jacobian pattern: a basin row depends on every
// state any of its incident link flows reads, a PID integral row depends
// on the listened basin. Over-declaring a dependency only costs an extra
// finite-difference column, never correctness.
func (m *Model) sparsity() [][]int {
	deps := make([]map[int]bool, len(m.flowLinks))
	for i := range deps {
		deps[i] = map[int]bool{}
	}
	addRef := func(set map[int]bool, ref levelRef) {
		if ref.hasUp {
			if idx, ok := m.basinIndex[ref.up]; ok {
				set[idx] = true
			}
		}
		if ref.hasDown {
			if idx, ok := m.basinIndex[ref.down]; ok {
				set[idx] = true
			}
		}
	}
	assign := func(nodeID int, set map[int]bool) {
		for _, l := range m.graph.FlowIn(nodeID) {
			for s := range set {
				deps[m.linkIndex[l.ID]][s] = true
			}
		}
		for _, l := range m.graph.FlowOut(nodeID) {
			for s := range set {
				deps[m.linkIndex[l.ID]][s] = true
			}
		}
	}

	for _, n := range m.graph.Nodes() {
		if ref, ok := m.levels[n.ID]; ok {
			set := map[int]bool{}
			addRef(set, ref)
			assign(n.ID, set)
		}
	}

	// Splitters inherit the dependencies of their feeding links; iterate
	// to a fixed point to cover splitter chains across junctions.
	ffNodes := m.graph.NodesOfKind(network.KindFractionalFlow)
	for range ffNodes {
		for _, n := range ffNodes {
			in := m.graph.FlowIn(n.ID)[0]
			src := map[int]bool{}
			upstream, _ := m.graph.Node(in.From)
			feeding := []network.Link{in}
			if upstream.Kind == network.KindJunction {
				feeding = m.graph.FlowIn(upstream.ID)
			}
			for _, l := range feeding {
				for s := range deps[m.linkIndex[l.ID]] {
					src[s] = true
				}
			}
			assign(n.ID, src)
		}
	}

	// PID-driven structures read the listened basin, their own integral
	// state, and every other flow incident to the listened basin.
	for _, pidID := range m.pidIDs {
		pc := m.params.PidControls[pidID]
		set := map[int]bool{
			m.basinIndex[pc.ListenNodeID]: true,
			pc.StateIndex:                 true,
		}
		for _, l := range m.graph.FlowIn(pc.ListenNodeID) {
			for s := range deps[m.linkIndex[l.ID]] {
				set[s] = true
			}
		}
		for _, l := range m.graph.FlowOut(pc.ListenNodeID) {
			for s := range deps[m.linkIndex[l.ID]] {
				set[s] = true
			}
		}
		assign(pc.ControlledNodeID, set)
	}

	pattern := make([][]int, m.nState)
	for i, id := range m.basinIDs {
		row := map[int]bool{i: true}
		for _, l := range m.graph.FlowIn(id) {
			for s := range deps[m.linkIndex[l.ID]] {
				row[s] = true
			}
		}
		for _, l := range m.graph.FlowOut(id) {
			for s := range deps[m.linkIndex[l.ID]] {
				row[s] = true
			}
		}
		pattern[i] = setToSlice(row)
	}
	for _, pidID := range m.pidIDs {
		pc := m.params.PidControls[pidID]
		pattern[pc.StateIndex] = setToSlice(map[int]bool{
			pc.StateIndex:                 true,
			m.basinIndex[pc.ListenNodeID]: true,
		})
	}
	return pattern
}

func setToSlice(set map[int]bool) []int {
	return sortedKeys(set)
}

// Initialize builds the initial state vector and the integrator, runs
// the first control and allocation evaluation, and records the initial
// save row. Moves the model to PhaseInitialized.
func (m *Model) Initialize() error {
	if m.phase != PhaseUninitialized {
		return fmt.Errorf("initialize in phase %s", m.phase)
	}
	y0 := make([]float64, m.nState)
	for i, id := range m.basinIDs {
		bp := m.params.Basins[id]
		y0[i] = bp.Profile.StorageFromLevel(bp.InitialLevel)
		if y0[i] < 0 {
			return validationErrorf("basin %d: initial level %g below profile bottom", id, bp.InitialLevel)
		}
	}
	m.integ = solver.New(solver.Problem{F: m.rhs, Sparsity: m.sparsity()}, m.opts.StartTime, y0, m.opts.Solver)

	m.lastSaveTime = m.opts.StartTime
	copy(m.lastStorages, m.integ.State())

	if _, err := m.handleControls(); err != nil {
		return err
	}
	if m.allocationEnabled() {
		if err := m.runAllocation(m.opts.StartTime); err != nil {
			return err
		}
		m.events.push(&suspension{at: m.opts.StartTime + m.opts.AllocationInterval, kind: eventAllocation})
	}
	m.recordSave(m.opts.StartTime)
	m.events.push(&suspension{at: m.opts.StartTime + m.opts.SaveInterval, kind: eventSave})

	m.phase = PhaseInitialized
	logrus.Infof("run %s initialized: %d states, %d flow links, t=[%g, %g]",
		m.runID, m.nState, len(m.flowLinks), m.opts.StartTime, m.opts.EndTime)
	return nil
}

func (m *Model) allocationEnabled() bool {
	return m.opts.AllocationInterval > 0 && len(m.graph.Subnetworks()) > 0
}

// Run executes the whole simulation. On a fatal condition the phase is
// Failed and results up to the last accepted step remain available for
// postmortem inspection.
func (m *Model) Run(ctx context.Context) error {
	if m.phase == PhaseUninitialized {
		if err := m.Initialize(); err != nil {
			return err
		}
	}
	if err := m.StepTo(ctx, m.opts.EndTime); err != nil {
		return err
	}
	return m.Finalize()
}

// StepTo advances the run to target, handling every suspension point on
// the way. Cancellation is honored at suspension points only; mid-step
// cancellation is not supported.
func (m *Model) StepTo(ctx context.Context, target float64) error {
	switch m.phase {
	case PhaseUninitialized:
		if err := m.Initialize(); err != nil {
			return err
		}
	case PhaseFinalized, PhaseFailed:
		return fmt.Errorf("step in phase %s", m.phase)
	}
	if target > m.opts.EndTime {
		target = m.opts.EndTime
	}

	for m.integ.Time() < target {
		if ctx != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}

		next := target
		if ev := m.events.peek(); ev != nil && ev.at <= target {
			next = math.Max(ev.at, m.integ.Time())
		}

		m.phase = PhaseStepping
		for m.integ.Time() < next {
			err := m.integ.AdvanceTo(next, m.inspectStep, m.onAccepted)
			if m.stepErr != nil {
				return m.fail(m.stepErr)
			}
			if err != nil {
				return m.fail(fmt.Errorf("%w: %v", ErrDivergence, err))
			}
			if m.integ.Time() < next {
				// A zero-crossing cut the step; handle it and resume.
				if err := m.atSuspension(); err != nil {
					return m.fail(err)
				}
			}
		}
		if err := m.atSuspension(); err != nil {
			return m.fail(err)
		}
		if err := m.handleDueEvents(); err != nil {
			return m.fail(err)
		}
	}
	m.phase = PhaseInitialized
	return nil
}

// atSuspension evaluates the control engines at the current consistent
// state and invalidates the step-size heuristic after parameter writes.
func (m *Model) atSuspension() error {
	m.phase = PhaseEventHandling
	changed, err := m.handleControls()
	if err != nil {
		return err
	}
	if changed {
		m.integ.Invalidate()
	}
	m.phase = PhaseStepping
	return nil
}

func (m *Model) handleControls() (bool, error) {
	t, y := m.currentTime(), m.currentState()
	changedD, err := m.evaluateDiscreteControl(t, y)
	if err != nil {
		return changedD, err
	}
	changedC, err := m.evaluateContinuousControl(t, y)
	return changedD || changedC, err
}

// handleDueEvents pops and executes every suspension scheduled at or
// before the current time, re-arming the recurring ones.
func (m *Model) handleDueEvents() error {
	now := m.integ.Time()
	const eps = 1e-9
	for {
		ev := m.events.peek()
		if ev == nil || ev.at > now+eps {
			return nil
		}
		m.events.pop()
		m.phase = PhaseEventHandling
		switch ev.kind {
		case eventAllocation:
			if err := m.runAllocation(now); err != nil {
				return err
			}
			m.integ.Invalidate()
			if next := ev.at + m.opts.AllocationInterval; next <= m.opts.EndTime+eps {
				m.events.push(&suspension{at: next, kind: eventAllocation})
			}
		case eventSave:
			m.recordSave(now)
			if next := ev.at + m.opts.SaveInterval; next <= m.opts.EndTime+eps {
				m.events.push(&suspension{at: next, kind: eventSave})
			}
		}
		m.phase = PhaseStepping
	}
}

// Finalize records the trailing save row if the save cadence did not
// land on the end time and closes the run.
func (m *Model) Finalize() error {
	switch m.phase {
	case PhaseFinalized:
		return nil
	case PhaseFailed:
		return fmt.Errorf("finalize in phase %s", m.phase)
	}
	if m.integ != nil && m.integ.Time() > m.lastSaveTime {
		m.recordSave(m.integ.Time())
	}
	m.adoptSolverStats()
	m.phase = PhaseFinalized
	logrus.Infof("run %s finalized at t=%g", m.runID, m.currentTime())
	return nil
}

func (m *Model) fail(err error) error {
	// Preserve partial results for postmortem inspection.
	if m.integ != nil && m.integ.Time() > m.lastSaveTime {
		m.recordSave(m.integ.Time())
	}
	m.adoptSolverStats()
	m.phase = PhaseFailed
	logrus.Errorf("run %s failed at t=%g: %v", m.runID, m.currentTime(), err)
	return err
}

func (m *Model) adoptSolverStats() {
	if m.integ == nil {
		return
	}
	st := m.integ.Stats()
	m.metrics.AcceptedSteps = st.AcceptedSteps
	m.metrics.RejectedSteps = st.RejectedSteps
	m.metrics.NewtonIters = st.NewtonIters
	m.metrics.RHSEvals = st.RHSEvals
	m.metrics.JacobianEvals = st.JacobianEvals
}

// inspectStep brackets discrete-control zero-crossings inside a
// candidate step and asks the integrator to land exactly on the earliest
// one. A gap touching zero at the step endpoint counts as a crossing at
// t1 (the integrator then accepts the step but suspends there). State
// between the endpoints is approximated linearly, which is consistent
// with the low-order stepper.
func (m *Model) inspectStep(t0 float64, y0 []float64, t1 float64, y1 []float64) (float64, bool) {
	bestTau, found := math.Inf(1), false
	for _, id := range sortedKeys(m.params.DiscreteControls) {
		for _, c := range m.params.DiscreteControls[id].Conditions {
			g0, err0 := m.conditionGap(c, t0, y0)
			g1, err1 := m.conditionGap(c, t1, y1)
			if err0 != nil || err1 != nil || g0 == 0 || g0*g1 > 0 {
				continue
			}
			tau := 1.0
			if g1 != 0 {
				tau = m.bisectCrossing(c, t0, y0, t1, y1, g0)
			}
			if tau < bestTau {
				bestTau, found = tau, true
			}
		}
	}
	if !found || bestTau <= 0 || bestTau > 1 {
		return 0, false
	}
	if bestTau == 1 {
		return t1, true
	}
	return t0 + bestTau*(t1-t0), true
}

// bisectCrossing locates the crossing fraction tau in (0, 1) of one
// condition gap along the linearly interpolated step.
func (m *Model) bisectCrossing(c *Condition, t0 float64, y0 []float64, t1 float64, y1 []float64, g0 float64) float64 {
	yMid := make([]float64, len(y0))
	lo, hi := 0.0, 1.0
	for iter := 0; iter < 40; iter++ {
		tau := 0.5 * (lo + hi)
		for i := range yMid {
			yMid[i] = y0[i] + tau*(y1[i]-y0[i])
		}
		g, err := m.conditionGap(c, t0+tau*(t1-t0), yMid)
		if err != nil {
			return 1
		}
		if g == 0 {
			return tau
		}
		if (g > 0) == (g0 > 0) {
			lo = tau
		} else {
			hi = tau
		}
	}
	return 0.5 * (lo + hi)
}

// onAccepted runs after every accepted internal step: clamps transient
// negative storages, flags persistent ones, and accumulates link flows
// and basin forcing for the balance check. The quadrature matches the
// backward-Euler stage (endpoint rule), so the accumulated residual
// reflects genuine imbalance (clamping, Newton slack) rather than a
// quadrature mismatch with the stepper.
func (m *Model) onAccepted(t0 float64, y0 []float64, t1 float64, y1 []float64) {
	for i, id := range m.basinIDs {
		if y1[i] >= 0 {
			continue
		}
		if y1[i] >= -m.opts.NegativeStorageTolerance {
			y1[i] = 0
			m.metrics.ClampedExcursions++
			continue
		}
		if m.stepErr == nil {
			m.stepErr = &NegativeStorageError{NodeID: id, Time: t1, Storage: y1[i]}
		}
	}

	dt := t1 - t0
	m.computeFlows(t1, y1, m.accF1)
	for k := range m.flowLinks {
		m.cumLink[k] += dt * m.accF1[k]
	}
	for i, id := range m.basinIDs {
		f1 := basinForcing(m.params.Basins[id], t1, y1[i])
		m.cumForcing[i].Precipitation += dt * f1.Precipitation
		m.cumForcing[i].Evaporation += dt * f1.Evaporation
		m.cumForcing[i].Drainage += dt * f1.Drainage
		m.cumForcing[i].Infiltration += dt * f1.Infiltration
	}
}

// recordSave emits the per-basin and per-link result rows at a save
// point and runs the water balance check over the elapsed interval.
func (m *Model) recordSave(t float64) {
	y := m.currentState()
	dt := t - m.lastSaveTime

	m.computeFlows(t, y, m.obsFlows)
	for k, l := range m.flowLinks {
		m.results.FlowRows = append(m.results.FlowRows, FlowRow{
			Time: t, LinkID: l.ID, From: l.From, To: l.To, Rate: m.obsFlows[k],
		})
	}

	for i, id := range m.basinIDs {
		inVol, outVol := 0.0, 0.0
		for _, l := range m.graph.FlowIn(id) {
			v := m.cumLink[m.linkIndex[l.ID]]
			if v >= 0 {
				inVol += v
			} else {
				outVol -= v
			}
		}
		for _, l := range m.graph.FlowOut(id) {
			v := m.cumLink[m.linkIndex[l.ID]]
			if v >= 0 {
				outVol += v
			} else {
				inVol -= v
			}
		}
		fc := m.cumForcing[i]
		balance := 0.0
		if dt > 0 {
			balance = inVol - outVol + fc.net() - (y[i] - m.lastStorages[i])
			if math.Abs(balance)/dt > m.opts.BalanceTolerance {
				m.metrics.BalanceWarnings++
				logrus.Warnf("basin %d: balance residual %g m3 (%g m3/s) over [%g, %g]",
					id, balance, balance/dt, m.lastSaveTime, t)
			}
		}
		row := BasinRow{
			Time:         t,
			NodeID:       id,
			Storage:      y[i],
			Level:        m.params.Basins[id].Profile.Level(y[i]),
			BalanceError: balance,
		}
		if dt > 0 {
			row.Inflow = inVol / dt
			row.Outflow = outVol / dt
			row.Precipitation = fc.Precipitation / dt
			row.Evaporation = fc.Evaporation / dt
			row.Drainage = fc.Drainage / dt
			row.Infiltration = fc.Infiltration / dt
		}
		m.results.BasinRows = append(m.results.BasinRows, row)
	}

	for k := range m.cumLink {
		m.cumLink[k] = 0
	}
	for i := range m.cumForcing {
		m.cumForcing[i] = forcingRates{}
	}
	copy(m.lastStorages, y)
	m.lastSaveTime = t
	m.metrics.SavePoints++
}

func (m *Model) currentTime() float64 {
	if m.integ == nil {
		return m.opts.StartTime
	}
	return m.integ.Time()
}

func (m *Model) currentState() []float64 {
	return m.integ.State()
}

// Phase returns the run-state machine position.
func (m *Model) Phase() Phase { return m.phase }

// Time returns the current simulation time in seconds.
func (m *Model) Time() float64 { return m.currentTime() }

// EndTime returns the configured end of the run.
func (m *Model) EndTime() float64 { return m.opts.EndTime }

// SaveInterval returns the configured save cadence in seconds.
func (m *Model) SaveInterval() float64 { return m.opts.SaveInterval }

// RunID returns the unique identifier stamped on this run's results.
func (m *Model) RunID() string { return m.runID }

// Results returns the rows accumulated so far; on a failed run they
// cover everything up to the last accepted step.
func (m *Model) Results() *Results { return m.results }

// Metrics returns the run counters.
func (m *Model) Metrics() *Metrics { return m.metrics }

// Trace returns the decision trace.
func (m *Model) Trace() *trace.RunTrace { return m.trace }

// BasinStorages returns the live storage sub-slice of the state vector.
// Valid only between steps; foreign couplers read and write it through
// the lifecycle API.
func (m *Model) BasinStorages() []float64 {
	return m.currentState()[:len(m.basinIDs)]
}

// BasinIDs returns the basin node IDs in state vector order.
func (m *Model) BasinIDs() []int { return m.basinIDs }

// BasinLevels fills dst with the current basin levels in state order.
func (m *Model) BasinLevels(dst []float64) []float64 {
	if len(dst) < len(m.basinIDs) {
		dst = make([]float64, len(m.basinIDs))
	}
	y := m.currentState()
	for i, id := range m.basinIDs {
		dst[i] = m.params.Basins[id].Profile.Level(y[i])
	}
	return dst[:len(m.basinIDs)]
}
