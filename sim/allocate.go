// Bridge between the full network and the allocation engine's reduced
// problems. One reduced problem per subnetwork; the problem structure is
// rebuilt only when a parameter write invalidates it (a demand toggling
// active), otherwise demands and source capacities are patched in place
// before every solve. Subnetwork 1 is the primary network; its solve
// grants each secondary subnetwork's coupling demand, and the grant
// becomes the secondary's source capacity (outer-to-inner).

package sim

import (
	"math"

	"github.com/hydronet-sim/hydronet-sim/sim/allocation"
	"github.com/hydronet-sim/hydronet-sim/sim/network"
	"github.com/hydronet-sim/hydronet-sim/sim/trace"
)

// subProblem is one subnetwork's reduced problem plus the bookkeeping
// needed to patch and apply it.
type subProblem struct {
	sub  int
	prob *allocation.Problem

	nodeIdx map[int]int // node ID -> index into prob.Nodes

	flowBoundaries []int // sources whose capacity tracks their series
	demandNodes    []int // user demand nodes, ID ascending

	// couplingOf maps a coupling node to the secondary subnetwork it
	// feeds (primary problem only).
	couplingOf map[int]int
	// couplingSource is the primary-side node feeding this subnetwork,
	// 0 when the subnetwork is not coupled (secondary problems only).
	couplingSource int

	bounded []boundedStructure
}

// boundedStructure is a pump or outlet whose upper flow bound is written
// from the allocation result.
type boundedStructure struct {
	nodeID  int
	outLink int
}

// buildAllocationProblems derives the reduced problem of every
// subnetwork from the full graph.
func (m *Model) buildAllocationProblems() error {
	m.allocSubs = nil
	subOf := func(id int) int {
		n, _ := m.graph.Node(id)
		return n.Subnetwork
	}

	for _, sub := range m.graph.Subnetworks() {
		sp := &subProblem{
			sub:        sub,
			prob:       &allocation.Problem{Subnetwork: sub},
			nodeIdx:    map[int]int{},
			couplingOf: map[int]int{},
		}
		addNode := func(n allocation.Node) {
			if _, ok := sp.nodeIdx[n.ID]; ok {
				return
			}
			sp.nodeIdx[n.ID] = len(sp.prob.Nodes)
			sp.prob.Nodes = append(sp.prob.Nodes, n)
		}

		for _, n := range m.graph.Nodes() {
			if n.Subnetwork != sub || n.Kind.IsControl() {
				continue
			}
			switch n.Kind {
			case network.KindFlowBoundary:
				addNode(allocation.Node{ID: n.ID, Role: allocation.RoleSource})
				sp.flowBoundaries = append(sp.flowBoundaries, n.ID)
			case network.KindLevelBoundary:
				addNode(allocation.Node{ID: n.ID, Role: allocation.RoleSource, SourceCapacity: math.Inf(1)})
			case network.KindUserDemand:
				addNode(allocation.Node{ID: n.ID, Role: allocation.RoleDemand})
				sp.demandNodes = append(sp.demandNodes, n.ID)
			default:
				addNode(allocation.Node{ID: n.ID, Role: allocation.RoleCarrier})
			}
			if pp, ok := m.params.Pumps[n.ID]; ok && pp.AllocationControlled {
				sp.bounded = append(sp.bounded, boundedStructure{n.ID, m.graph.FlowOut(n.ID)[0].ID})
			}
			if op, ok := m.params.Outlets[n.ID]; ok && op.AllocationControlled {
				sp.bounded = append(sp.bounded, boundedStructure{n.ID, m.graph.FlowOut(n.ID)[0].ID})
			}
		}

		for _, l := range m.flowLinks {
			fromSub, toSub := subOf(l.From), subOf(l.To)
			switch {
			case fromSub == sub && toSub == sub:
				sp.prob.Links = append(sp.prob.Links, allocation.Link{
					ID: l.ID, From: l.From, To: l.To, Capacity: m.linkCapacity(l),
				})
			case sub == 1 && fromSub == 1 && toSub > 1:
				// Coupling into a secondary: the boundary node acts as a
				// demand aggregating the secondary's demands.
				addNode(allocation.Node{ID: l.To, Role: allocation.RoleCoupling})
				sp.couplingOf[l.To] = toSub
				sp.prob.Links = append(sp.prob.Links, allocation.Link{
					ID: l.ID, From: l.From, To: l.To, Capacity: m.linkCapacity(l),
				})
			case sub > 1 && toSub == sub && fromSub == 1:
				if sp.couplingSource != 0 && sp.couplingSource != l.From {
					return validationErrorf("subnetwork %d is fed by multiple primary nodes (%d and %d)",
						sub, sp.couplingSource, l.From)
				}
				sp.couplingSource = l.From
				addNode(allocation.Node{ID: l.From, Role: allocation.RoleSource})
				sp.prob.Links = append(sp.prob.Links, allocation.Link{
					ID: l.ID, From: l.From, To: l.To, Capacity: m.linkCapacity(l),
				})
			}
		}
		m.allocSubs = append(m.allocSubs, sp)
	}
	return nil
}

// linkCapacity aggregates a reduced link's capacity from the structure
// it leaves.
func (m *Model) linkCapacity(l network.Link) float64 {
	if pp, ok := m.params.Pumps[l.From]; ok {
		return pp.MaxFlow
	}
	if op, ok := m.params.Outlets[l.From]; ok {
		return op.MaxFlow
	}
	if lr, ok := m.params.LinearResistances[l.From]; ok {
		return lr.MaxFlow
	}
	return math.Inf(1)
}

// runAllocation solves every subnetwork at time t, primary first, and
// writes grants and flow bounds back into the dynamic parameters.
func (m *Model) runAllocation(t float64) error {
	if m.allocSubs == nil || m.params.allocDirty {
		if err := m.buildAllocationProblems(); err != nil {
			return err
		}
		m.params.allocDirty = false
	}

	couplingSupply := map[int]float64{} // secondary subnetwork -> granted supply
	for _, sp := range m.allocSubs {
		m.patchProblem(sp, t, couplingSupply)
		res, err := allocation.Solve(sp.prob)
		if err != nil {
			return err
		}
		m.applyAllocation(sp, t, res, couplingSupply)
	}
	return nil
}

// demandAt is one tier's demanded rate of one user demand at time t.
func (m *Model) demandAt(ud *UserDemandParams, tier int, t float64) float64 {
	if !ud.Active {
		return 0
	}
	return math.Max(0, ud.Demands[tier].At(t))
}

// patchProblem refreshes demands and source capacities in place.
func (m *Model) patchProblem(sp *subProblem, t float64, couplingSupply map[int]float64) {
	sp.prob.Demands = sp.prob.Demands[:0]
	for _, id := range sp.demandNodes {
		ud := m.params.UserDemands[id]
		if !ud.Active {
			continue
		}
		for _, tier := range ud.Tiers() {
			sp.prob.Demands = append(sp.prob.Demands, allocation.Demand{
				NodeID: id, Tier: tier, Amount: m.demandAt(ud, tier, t),
			})
		}
	}
	// The primary sees each secondary as one demand per tier, aggregating
	// the secondary's own demands.
	for _, c := range sortedKeys(sp.couplingOf) {
		secondary := sp.couplingOf[c]
		perTier := map[int]float64{}
		for _, n := range m.graph.Nodes() {
			if n.Subnetwork != secondary || n.Kind != network.KindUserDemand {
				continue
			}
			ud := m.params.UserDemands[n.ID]
			if !ud.Active {
				continue
			}
			for _, tier := range ud.Tiers() {
				perTier[tier] += m.demandAt(ud, tier, t)
			}
		}
		for _, tier := range sortedKeys(perTier) {
			sp.prob.Demands = append(sp.prob.Demands, allocation.Demand{
				NodeID: c, Tier: tier, Amount: perTier[tier],
			})
		}
	}

	for _, id := range sp.flowBoundaries {
		fb := m.params.FlowBoundaries[id]
		sp.prob.Nodes[sp.nodeIdx[id]].SourceCapacity = math.Max(0, fb.FlowRate.At(t))
	}
	if sp.couplingSource != 0 {
		sp.prob.Nodes[sp.nodeIdx[sp.couplingSource]].SourceCapacity = couplingSupply[sp.sub]
	}
}

// applyAllocation writes a solve's result back into the parameters and
// records it.
func (m *Model) applyAllocation(sp *subProblem, t float64, res *allocation.Result, couplingSupply map[int]float64) {
	m.metrics.AllocationSolves++
	m.metrics.InfeasibleTiers += len(res.InfeasibleTiers)
	m.metrics.UnsatisfiedTiers += len(res.UnsatisfiedTiers)
	infeasible := map[int]bool{}
	for _, tier := range res.InfeasibleTiers {
		infeasible[tier] = true
	}
	unsatisfied := map[int]bool{}
	for _, tier := range res.UnsatisfiedTiers {
		unsatisfied[tier] = true
	}

	for _, id := range sp.demandNodes {
		ud := m.params.UserDemands[id]
		ud.Allocated = map[int]float64{}
		if !ud.Active {
			continue
		}
		for _, tier := range ud.Tiers() {
			granted := res.Allocated[allocation.Key{NodeID: id, Tier: tier}]
			ud.Allocated[tier] = granted
			m.results.AllocationRows = append(m.results.AllocationRows, AllocationRow{
				Time: t, Subnetwork: sp.sub, NodeID: id, Tier: tier,
				Demanded: m.demandAt(ud, tier, t), Granted: granted,
			})
		}
	}

	for _, b := range sp.bounded {
		bound := res.LinkFlows[b.outLink]
		if pp, ok := m.params.Pumps[b.nodeID]; ok {
			pp.AllocationBound = bound
		} else if op, ok := m.params.Outlets[b.nodeID]; ok {
			op.AllocationBound = bound
		}
	}

	// Coupling grants become the secondaries' source capacities.
	for _, c := range sortedKeys(sp.couplingOf) {
		total := 0.0
		for _, d := range sp.prob.Demands {
			if d.NodeID == c {
				total += res.Allocated[allocation.Key{NodeID: c, Tier: d.Tier}]
			}
		}
		couplingSupply[sp.couplingOf[c]] = total
	}

	for _, tier := range sp.prob.Tiers() {
		demanded, granted := 0.0, 0.0
		for _, d := range sp.prob.Demands {
			if d.Tier == tier {
				demanded += d.Amount
				granted += res.Allocated[allocation.Key{NodeID: d.NodeID, Tier: d.Tier}]
			}
		}
		m.trace.RecordAllocation(trace.AllocationRecord{
			Time: t, Subnetwork: sp.sub, Tier: tier,
			Demanded: demanded, Granted: granted,
			Infeasible: infeasible[tier], Unsatisfied: unsatisfied[tier],
		})
	}
}
