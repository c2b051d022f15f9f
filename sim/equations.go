// Flow formulas per node kind and the right-hand-side assembly. Every
// formula is a smooth function of the state vector: cutoffs go through
// reductionFactor and the signed square root is relaxed near zero, so
// the finite-difference Jacobian stays meaningful everywhere.
//
// Flow sign convention: flows[k] is the rate on flow link k in the
// direction of the link, m3/s, non-negative for one-directional kinds
// (pumps, rating curves, boundaries) and signed for resistance kinds.

package sim

import (
	"math"

	"github.com/hydronet-sim/hydronet-sim/sim/network"
)

// headBand is the head difference over which gravity-driven flows are
// smoothly cut, in meters.
const headBand = 0.02

// smoothSignSqrt approximates sign(x)*sqrt(|x|) with a relaxation that
// is differentiable at x = 0.
func smoothSignSqrt(x float64) float64 {
	const eps = 1e-4
	return x / math.Pow(x*x+eps*eps, 0.25)
}

// forcingRates are a basin's direct forcing terms at one instant, all
// non-negative; signs are applied in the net balance.
type forcingRates struct {
	Precipitation float64 // in
	Evaporation   float64 // out
	Drainage      float64 // in
	Infiltration  float64 // out
}

func (f forcingRates) net() float64 {
	return f.Precipitation - f.Evaporation + f.Drainage - f.Infiltration
}

// basinForcing evaluates a basin's forcing at (t, storage). Evaporation
// and infiltration are smoothly reduced as the basin empties so they can
// never drive storage negative on their own.
func basinForcing(bp *BasinParams, t, storage float64) forcingRates {
	var f forcingRates
	area := bp.Profile.Area(storage)
	low := reductionFactor(storage, bp.Profile.LowStorageThreshold())
	if bp.Precipitation != nil {
		f.Precipitation = bp.Precipitation.At(t) * area
	}
	if bp.PotentialEvaporation != nil {
		f.Evaporation = bp.PotentialEvaporation.At(t) * area * low
	}
	if bp.Drainage != nil {
		f.Drainage = bp.Drainage.At(t)
	}
	if bp.Infiltration != nil {
		f.Infiltration = bp.Infiltration.At(t) * low
	}
	return f
}

// levelAt returns the water level at a node, false when the node kind
// carries no level.
func (m *Model) levelAt(nodeID int, t float64, y []float64) (float64, bool) {
	if bp, ok := m.params.Basins[nodeID]; ok {
		return bp.Profile.Level(y[m.basinIndex[nodeID]]), true
	}
	if lp, ok := m.params.LevelBoundaries[nodeID]; ok {
		return lp.Level.At(t), true
	}
	return 0, false
}

// storageFactor is the low-storage reduction of flows drawn from the
// level node ref. LevelBoundaries are bottomless: factor 1.
func (m *Model) storageFactor(ref levelRef, t float64, y []float64, upstream bool) float64 {
	id, ok := ref.up, ref.hasUp
	if !upstream {
		id, ok = ref.down, ref.hasDown
	}
	if !ok {
		return 1
	}
	bp, isBasin := m.params.Basins[id]
	if !isBasin {
		return 1
	}
	return reductionFactor(y[m.basinIndex[id]], bp.Profile.LowStorageThreshold())
}

// refLevel returns the level at the up- or downstream level node of a
// structure, with ok=false when there is none (e.g. a Terminal end).
func (m *Model) refLevel(ref levelRef, t float64, y []float64, upstream bool) (float64, bool) {
	id, ok := ref.up, ref.hasUp
	if !upstream {
		id, ok = ref.down, ref.hasDown
	}
	if !ok {
		return 0, false
	}
	return m.levelAt(id, t, y)
}

// computeFlows evaluates every flow-link rate at (t, y) into flows,
// indexed by m.linkIndex. Three passes keep the data dependencies
// explicit: plain structures first, fractional splitters second (they
// read their upstream node's through-flow), PID-driven structures last
// (they read the listen basin's remaining net inflow).
func (m *Model) computeFlows(t float64, y []float64, flows []float64) {
	for i := range flows {
		flows[i] = 0
	}

	for _, n := range m.graph.Nodes() {
		switch n.Kind {
		case network.KindFlowBoundary:
			fb := m.params.FlowBoundaries[n.ID]
			m.setOutFlow(n.ID, flows, fb.FlowRate.At(t))

		case network.KindLinearResistance:
			lr := m.params.LinearResistances[n.ID]
			ref := m.levels[n.ID]
			hUp, _ := m.refLevel(ref, t, y, true)
			hDown, _ := m.refLevel(ref, t, y, false)
			r := math.Max(lr.Resistance.At(t), 1e-12)
			q := (hUp - hDown) / r
			q = clampFlow(q, -lr.MaxFlow, lr.MaxFlow)
			if q > 0 {
				q *= m.storageFactor(ref, t, y, true)
			} else {
				q *= m.storageFactor(ref, t, y, false)
			}
			m.setThroughFlow(n.ID, flows, q)

		case network.KindManningResistance:
			mr := m.params.ManningResistances[n.ID]
			ref := m.levels[n.ID]
			hUp, _ := m.refLevel(ref, t, y, true)
			hDown, _ := m.refLevel(ref, t, y, false)
			q := manningFlow(mr, hUp, hDown)
			if q > 0 {
				q *= m.storageFactor(ref, t, y, true)
			} else {
				q *= m.storageFactor(ref, t, y, false)
			}
			m.setThroughFlow(n.ID, flows, q)

		case network.KindTabulatedRatingCurve:
			rc := m.params.RatingCurves[n.ID]
			ref := m.levels[n.ID]
			hUp, _ := m.refLevel(ref, t, y, true)
			q := math.Max(rc.Table.At(hUp), 0)
			q *= m.storageFactor(ref, t, y, true)
			m.setThroughFlow(n.ID, flows, q)

		case network.KindPump:
			pp := m.params.Pumps[n.ID]
			if pp.ControlledBy != 0 {
				continue // pass 3
			}
			ref := m.levels[n.ID]
			q := clampFlow(pp.FlowRate.At(t), pp.MinFlow, math.Min(pp.MaxFlow, pp.AllocationBound))
			q *= m.storageFactor(ref, t, y, true)
			m.setThroughFlow(n.ID, flows, q)

		case network.KindOutlet:
			op := m.params.Outlets[n.ID]
			if op.ControlledBy != 0 {
				continue // pass 3
			}
			m.setThroughFlow(n.ID, flows, m.outletFlow(op, t, y))

		case network.KindUserDemand:
			ud := m.params.UserDemands[n.ID]
			q := m.userDemandIntake(ud, t, y)
			in := m.graph.FlowIn(n.ID)[0]
			flows[m.linkIndex[in.ID]] = q
			if outs := m.graph.FlowOut(n.ID); len(outs) == 1 {
				flows[m.linkIndex[outs[0].ID]] = q * ud.ReturnFactor
			}
		}
	}

	// Pass 2: fractional splitters, feeders first so split flows compose
	// down a chain.
	for _, id := range m.ffOrder {
		ff := m.params.FractionalFlows[id]
		in := m.graph.FlowIn(id)[0]
		upstream, _ := m.graph.Node(in.From)
		var qSrc float64
		if upstream.Kind == network.KindJunction {
			for _, l := range m.graph.FlowIn(upstream.ID) {
				qSrc += flows[m.linkIndex[l.ID]]
			}
		} else {
			qSrc = flows[m.linkIndex[in.ID]]
		}
		frac := math.Min(math.Max(ff.Fraction.At(t), 0), 1)
		q := frac * qSrc
		flows[m.linkIndex[in.ID]] = q
		m.setOutFlow(id, flows, q)
	}

	// Pass 3: PID-driven structures.
	for _, pidID := range m.pidIDs {
		pc := m.params.PidControls[pidID]
		q := m.pidFlow(pc, t, y, flows)
		m.setThroughFlow(pc.ControlledNodeID, flows, q)
	}
}

// outletFlow is the gravity-limited structure flow: the requested rate,
// clamped, then smoothly cut as the head difference vanishes or the
// upstream level drops to the crest, then reduced by source storage.
func (m *Model) outletFlow(op *OutletParams, t float64, y []float64) float64 {
	ref := m.levels[op.NodeID]
	q := clampFlow(op.FlowRate.At(t), op.MinFlow, math.Min(op.MaxFlow, op.AllocationBound))
	hUp, hasUp := m.refLevel(ref, t, y, true)
	if hasUp {
		if hDown, hasDown := m.refLevel(ref, t, y, false); hasDown {
			q *= reductionFactor(hUp-hDown, headBand)
		}
		if !math.IsInf(op.MinCrestLevel, -1) {
			q *= reductionFactor(hUp-op.MinCrestLevel, headBand)
		}
	}
	return q * m.storageFactor(ref, t, y, true)
}

// userDemandIntake is the abstraction rate of a demand node: the sum of
// granted rates over priority tiers, reduced by the source level
// approaching MinLevel and by low source storage.
func (m *Model) userDemandIntake(ud *UserDemandParams, t float64, y []float64) float64 {
	if !ud.Active {
		return 0
	}
	total := 0.0
	for _, tier := range ud.Tiers() {
		if granted, ok := ud.Allocated[tier]; ok {
			total += granted
		} else {
			total += ud.Demands[tier].At(t)
		}
	}
	ref := m.levels[ud.NodeID]
	if hUp, ok := m.refLevel(ref, t, y, true); ok {
		total *= reductionFactor(hUp-ud.MinLevel, DepthBand)
	}
	return total * m.storageFactor(ref, t, y, true)
}

// manningFlow is the Manning-Gauckler-Strickler discharge through a wide
// rectangular profile between two levels, with a relaxed square root so
// the formula is smooth through zero head difference.
func manningFlow(mr *ManningResistanceParams, hUp, hDown float64) float64 {
	d := 0.5*(hUp+hDown) - mr.BedLevel
	if d <= 0 {
		return 0
	}
	area := mr.ProfileWidth * d
	perimeter := mr.ProfileWidth + 2*d
	rh := area / perimeter
	conveyance := area * math.Pow(rh, 2.0/3.0) / mr.ManningN
	q := conveyance * smoothSignSqrt((hUp-hDown)/mr.Length)
	// Smooth shutoff as the reach runs dry.
	return q * reductionFactor(d, DepthBand)
}

// pidFlow computes the flow of a PID-driven structure. The error is
// level minus target on the listened basin; the controlled structure
// draws from that basin, so increasing flow decreases the error (the
// direction constraint checked at construction). The derivative term
// uses the closed-form level rate including the structure's own effect:
//
//	u = (Kp*e + Ki*I + Kd*(Qother/A - dTarget/dt)) / (1 + Kd/A)
func (m *Model) pidFlow(pc *PidControlParams, t float64, y []float64, flows []float64) float64 {
	bp := m.params.Basins[pc.ListenNodeID]
	storage := y[m.basinIndex[pc.ListenNodeID]]
	level := bp.Profile.Level(storage)
	area := bp.Profile.Area(storage)

	e := level - pc.Target.At(t)
	integral := y[pc.StateIndex]

	// Net inflow of the listen basin from everything except the
	// controlled structure.
	excluded := map[int]bool{}
	for _, l := range m.graph.FlowIn(pc.ControlledNodeID) {
		excluded[l.ID] = true
	}
	for _, l := range m.graph.FlowOut(pc.ControlledNodeID) {
		excluded[l.ID] = true
	}
	qOther := basinForcing(bp, t, storage).net()
	for _, l := range m.graph.FlowIn(pc.ListenNodeID) {
		if !excluded[l.ID] {
			qOther += flows[m.linkIndex[l.ID]]
		}
	}
	for _, l := range m.graph.FlowOut(pc.ListenNodeID) {
		if !excluded[l.ID] {
			qOther -= flows[m.linkIndex[l.ID]]
		}
	}

	u := (pc.Kp*e + pc.Ki*integral + pc.Kd*(qOther/area-pc.Target.RateOfChange(t))) / (1 + pc.Kd/area)

	var lo, hi float64
	var ref levelRef
	if pp, ok := m.params.Pumps[pc.ControlledNodeID]; ok {
		lo, hi = pp.MinFlow, math.Min(pp.MaxFlow, pp.AllocationBound)
		ref = m.levels[pp.NodeID]
	} else {
		op := m.params.Outlets[pc.ControlledNodeID]
		lo, hi = op.MinFlow, math.Min(op.MaxFlow, op.AllocationBound)
		ref = m.levels[op.NodeID]
	}
	return clampFlow(u, lo, hi) * m.storageFactor(ref, t, y, true)
}

// setThroughFlow writes a single-through structure's flow to both its
// incident links.
func (m *Model) setThroughFlow(nodeID int, flows []float64, q float64) {
	in := m.graph.FlowIn(nodeID)[0]
	out := m.graph.FlowOut(nodeID)[0]
	flows[m.linkIndex[in.ID]] = q
	flows[m.linkIndex[out.ID]] = q
}

// setOutFlow writes a source node's flow to its single outgoing link.
func (m *Model) setOutFlow(nodeID int, flows []float64, q float64) {
	out := m.graph.FlowOut(nodeID)[0]
	flows[m.linkIndex[out.ID]] = q
}

// rhs assembles the full right-hand side: basin storage derivatives from
// signed incident flows plus forcing, and PID integral-error states.
func (m *Model) rhs(t float64, y []float64, dydt []float64) {
	m.computeFlows(t, y, m.rhsFlows)
	for i, id := range m.basinIDs {
		bp := m.params.Basins[id]
		sum := basinForcing(bp, t, y[i]).net()
		for _, l := range m.graph.FlowIn(id) {
			sum += m.rhsFlows[m.linkIndex[l.ID]]
		}
		for _, l := range m.graph.FlowOut(id) {
			sum -= m.rhsFlows[m.linkIndex[l.ID]]
		}
		dydt[i] = sum
	}
	for _, pidID := range m.pidIDs {
		pc := m.params.PidControls[pidID]
		bp := m.params.Basins[pc.ListenNodeID]
		level := bp.Profile.Level(y[m.basinIndex[pc.ListenNodeID]])
		dydt[pc.StateIndex] = level - pc.Target.At(t)
	}
}
