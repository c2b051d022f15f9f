// Package allocation solves the periodic, priority-ordered water
// allocation over a reduced abstraction of the network: only sources,
// carriers, demands and subnetwork couplings remain, with aggregate link
// capacities. One linear program per priority tier, solved
// lexicographically: a tier is only granted what the strictly higher
// tiers left behind, implemented by re-solving with the solved tiers'
// flows subtracted from the remaining capacities.
//
// The linear programs run on gonum's simplex solver in standard form;
// inequality rows get explicit slack variables.
package allocation

import (
	"fmt"
	"math"
	"sort"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"
)

// NodeRole classifies a node of the reduced network.
type NodeRole int

const (
	// RoleCarrier conserves flow exactly.
	RoleCarrier NodeRole = iota
	// RoleSource injects up to SourceCapacity into the subnetwork.
	RoleSource
	// RoleDemand consumes its granted allocation.
	RoleDemand
	// RoleCoupling drains into a nested subnetwork; it behaves as a
	// demand whose amounts aggregate the nested subnetwork's demands.
	RoleCoupling
)

// Node is one vertex of the reduced network.
type Node struct {
	ID             int
	Role           NodeRole
	SourceCapacity float64 // only read for RoleSource; +inf = unlimited
}

// Link is one directed reduced link with an aggregate capacity.
type Link struct {
	ID       int
	From, To int
	Capacity float64 // +inf = uncapacitated
}

// Demand is one tier's demanded rate at a demand or coupling node.
type Demand struct {
	NodeID int
	Tier   int // ascending tier number = descending priority
	Amount float64
}

// Problem is a reduced subnetwork ready to solve. Build once; between
// structural invalidations only Demands and capacities are re-patched.
type Problem struct {
	Subnetwork int
	Nodes      []Node
	Links      []Link
	Demands    []Demand
}

// Key identifies one tier's allocation at one node.
type Key struct {
	NodeID int
	Tier   int
}

// Result reports one solve of a Problem.
type Result struct {
	Subnetwork int
	// Allocated holds the granted rate per (node, tier).
	Allocated map[Key]float64
	// LinkFlows holds the total flow per reduced link across all tiers.
	LinkFlows map[int]float64
	// InfeasibleTiers lists tiers whose program was infeasible; their
	// allocations are zero and the run continues.
	InfeasibleTiers []int
	// UnsatisfiedTiers lists tiers granted strictly less than demanded
	// after the higher tiers consumed the shared capacity.
	UnsatisfiedTiers []int
}

// Tiers returns the distinct demand tiers ascending (highest priority
// first).
func (p *Problem) Tiers() []int {
	seen := map[int]bool{}
	var tiers []int
	for _, d := range p.Demands {
		if !seen[d.Tier] {
			seen[d.Tier] = true
			tiers = append(tiers, d.Tier)
		}
	}
	sort.Ints(tiers)
	return tiers
}

// Validate rejects malformed problems before the first solve.
func (p *Problem) Validate() error {
	ids := map[int]NodeRole{}
	for _, n := range p.Nodes {
		if _, dup := ids[n.ID]; dup {
			return fmt.Errorf("allocation problem %d: duplicate node %d", p.Subnetwork, n.ID)
		}
		ids[n.ID] = n.Role
	}
	for _, l := range p.Links {
		if _, ok := ids[l.From]; !ok {
			return fmt.Errorf("allocation problem %d: link %d from unknown node %d", p.Subnetwork, l.ID, l.From)
		}
		if _, ok := ids[l.To]; !ok {
			return fmt.Errorf("allocation problem %d: link %d to unknown node %d", p.Subnetwork, l.ID, l.To)
		}
	}
	for _, d := range p.Demands {
		role, ok := ids[d.NodeID]
		if !ok || (role != RoleDemand && role != RoleCoupling) {
			return fmt.Errorf("allocation problem %d: demand at node %d which is not a demand node", p.Subnetwork, d.NodeID)
		}
		if math.IsInf(d.Amount, 0) || d.Amount < 0 {
			return fmt.Errorf("allocation problem %d: demand at node %d tier %d has invalid amount %g",
				p.Subnetwork, d.NodeID, d.Tier, d.Amount)
		}
	}
	return nil
}

// Solve runs the lexicographic tier-by-tier optimization.
func Solve(p *Problem) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	res := &Result{
		Subnetwork: p.Subnetwork,
		Allocated:  map[Key]float64{},
		LinkFlows:  map[int]float64{},
	}

	// Remaining capacities, consumed by solved tiers.
	linkCap := make([]float64, len(p.Links))
	for i, l := range p.Links {
		linkCap[i] = l.Capacity
	}
	srcCap := map[int]float64{}
	for _, n := range p.Nodes {
		if n.Role == RoleSource {
			srcCap[n.ID] = n.SourceCapacity
		}
	}

	for _, tier := range p.Tiers() {
		demands := demandsOfTier(p.Demands, tier)
		flows, grants, err := solveTier(p, tier, demands, linkCap, srcCap)
		if err != nil {
			if err == lp.ErrInfeasible {
				logrus.Warnf("allocation: subnetwork %d tier %d infeasible, granting zero", p.Subnetwork, tier)
				res.InfeasibleTiers = append(res.InfeasibleTiers, tier)
				for _, d := range demands {
					res.Allocated[Key{d.NodeID, tier}] = 0
				}
				continue
			}
			return nil, fmt.Errorf("allocation: subnetwork %d tier %d: %w", p.Subnetwork, tier, err)
		}
		// Pin this tier's result: lower tiers only see what is left.
		for i := range p.Links {
			if !math.IsInf(linkCap[i], 1) {
				linkCap[i] = math.Max(0, linkCap[i]-flows[i])
			}
			res.LinkFlows[p.Links[i].ID] += flows[i]
		}
		for id := range srcCap {
			if !math.IsInf(srcCap[id], 1) {
				srcCap[id] = math.Max(0, srcCap[id]-outflowOf(p, id, flows))
			}
		}
		granted, demanded := 0.0, 0.0
		for i, d := range demands {
			res.Allocated[Key{d.NodeID, tier}] = grants[i]
			granted += grants[i]
			demanded += d.Amount
		}
		if granted < demanded-1e-9 {
			res.UnsatisfiedTiers = append(res.UnsatisfiedTiers, tier)
		}
	}
	return res, nil
}

// demandsOfTier filters and orders the demands of one tier.
func demandsOfTier(all []Demand, tier int) []Demand {
	var out []Demand
	for _, d := range all {
		if d.Tier == tier {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

func outflowOf(p *Problem, nodeID int, flows []float64) float64 {
	total := 0.0
	for i, l := range p.Links {
		if l.From == nodeID {
			total += flows[i]
		}
		if l.To == nodeID {
			total -= flows[i]
		}
	}
	return total
}

// solveTier assembles and solves one tier's LP in standard form
// (minimize c'x, Ax = b, x >= 0) and returns the per-link flows and the
// per-demand grants.
func solveTier(p *Problem, tier int, demands []Demand, linkCap []float64, srcCap map[int]float64) ([]float64, []float64, error) {
	nl := len(p.Links)
	nd := len(demands)
	if nd == 0 {
		return make([]float64, nl), nil, nil
	}

	// Variable layout: [link flows | tier grants | slacks].
	type row struct {
		coeff map[int]float64
		b     float64
		slack bool
	}
	var rows []row
	addRow := func(coeff map[int]float64, b float64, slack bool) {
		rows = append(rows, row{coeff, b, slack})
	}

	demandIdxAt := map[int][]int{} // node -> grant variable indices
	for i, d := range demands {
		demandIdxAt[d.NodeID] = append(demandIdxAt[d.NodeID], nl+i)
	}

	for _, n := range p.Nodes {
		coeff := map[int]float64{}
		for i, l := range p.Links {
			if l.To == n.ID {
				coeff[i] += 1
			}
			if l.From == n.ID {
				coeff[i] -= 1
			}
		}
		switch n.Role {
		case RoleCarrier:
			if len(coeff) > 0 {
				addRow(coeff, 0, false)
			}
		case RoleDemand, RoleCoupling:
			for _, gi := range demandIdxAt[n.ID] {
				coeff[gi] -= 1
			}
			// Inflow not granted this tier passes through untouched; the
			// node absorbs exactly its grants.
			addRow(coeff, 0, false)
		case RoleSource:
			capacity, ok := srcCap[n.ID]
			if ok && !math.IsInf(capacity, 1) {
				// outflow - inflow <= capacity
				neg := map[int]float64{}
				for i, v := range coeff {
					neg[i] = -v
				}
				addRow(neg, capacity, true)
			}
		}
	}
	for i := range p.Links {
		if !math.IsInf(linkCap[i], 1) {
			addRow(map[int]float64{i: 1}, linkCap[i], true)
		}
	}
	for i, d := range demands {
		addRow(map[int]float64{nl + i: 1}, d.Amount, true)
	}

	nSlack := 0
	for _, r := range rows {
		if r.slack {
			nSlack++
		}
	}
	nVars := nl + nd + nSlack
	a := mat.NewDense(len(rows), nVars, nil)
	b := make([]float64, len(rows))
	slackCol := nl + nd
	for ri, r := range rows {
		for ci, v := range r.coeff {
			a.Set(ri, ci, v)
		}
		if r.slack {
			a.Set(ri, slackCol, 1)
			slackCol++
		}
		b[ri] = r.b
	}
	c := make([]float64, nVars)
	for i := 0; i < nd; i++ {
		c[nl+i] = -1 // maximize total grants of this tier
	}

	_, x, err := lp.Simplex(c, a, b, 0, nil)
	if err != nil {
		return nil, nil, err
	}
	return x[:nl], x[nl : nl+nd], nil
}
