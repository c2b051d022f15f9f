package allocation

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// twoTierProblem: one source feeding two demand nodes over a shared
// capacitated trunk.
//
//	source(1) --trunk(cap)--> carrier(2) --> demandA(3) [tier 1]
//	                                   \--> demandB(4) [tier 2]
func twoTierProblem(trunkCap, demandA, demandB float64) *Problem {
	return &Problem{
		Subnetwork: 1,
		Nodes: []Node{
			{ID: 1, Role: RoleSource, SourceCapacity: math.Inf(1)},
			{ID: 2, Role: RoleCarrier},
			{ID: 3, Role: RoleDemand},
			{ID: 4, Role: RoleDemand},
		},
		Links: []Link{
			{ID: 10, From: 1, To: 2, Capacity: trunkCap},
			{ID: 11, From: 2, To: 3, Capacity: math.Inf(1)},
			{ID: 12, From: 2, To: 4, Capacity: math.Inf(1)},
		},
		Demands: []Demand{
			{NodeID: 3, Tier: 1, Amount: demandA},
			{NodeID: 4, Tier: 2, Amount: demandB},
		},
	}
}

func TestSolve_BothTiersFit(t *testing.T) {
	res, err := Solve(twoTierProblem(10, 4, 3))
	require.NoError(t, err)

	assert.InDelta(t, 4, res.Allocated[Key{3, 1}], 1e-9)
	assert.InDelta(t, 3, res.Allocated[Key{4, 2}], 1e-9)
	assert.Empty(t, res.InfeasibleTiers)
	assert.Empty(t, res.UnsatisfiedTiers)
	assert.InDelta(t, 7, res.LinkFlows[10], 1e-9)
}

func TestSolve_HigherTierFullySatisfiedFirst(t *testing.T) {
	// GIVEN a trunk that can only carry the higher tier's demand
	res, err := Solve(twoTierProblem(4, 4, 3))
	require.NoError(t, err)

	// THEN tier 1 gets everything, tier 2 gets zero
	assert.InDelta(t, 4, res.Allocated[Key{3, 1}], 1e-9)
	assert.InDelta(t, 0, res.Allocated[Key{4, 2}], 1e-9)
	assert.Contains(t, res.UnsatisfiedTiers, 2)
}

func TestSolve_LowerTierGetsLeftover(t *testing.T) {
	res, err := Solve(twoTierProblem(6, 4, 3))
	require.NoError(t, err)

	assert.InDelta(t, 4, res.Allocated[Key{3, 1}], 1e-9)
	assert.InDelta(t, 2, res.Allocated[Key{4, 2}], 1e-9)
	assert.Contains(t, res.UnsatisfiedTiers, 2)
}

func TestSolve_PriorityInversionNeverHappens(t *testing.T) {
	// Lower tier is zero until the higher tier's demand is fully met,
	// for any trunk capacity.
	for _, trunk := range []float64{0.5, 1, 2, 3.9, 4, 4.1, 7} {
		res, err := Solve(twoTierProblem(trunk, 4, 3))
		require.NoError(t, err)
		grantA := res.Allocated[Key{3, 1}]
		grantB := res.Allocated[Key{4, 2}]
		if grantB > 1e-9 {
			assert.InDelta(t, 4, grantA, 1e-9, "tier 2 granted %g while tier 1 at %g (trunk %g)", grantB, grantA, trunk)
		}
		assert.LessOrEqual(t, grantA+grantB, trunk+1e-9)
	}
}

func TestSolve_SourceCapacityBinds(t *testing.T) {
	p := twoTierProblem(math.Inf(1), 4, 3)
	p.Nodes[0].SourceCapacity = 5
	res, err := Solve(p)
	require.NoError(t, err)

	assert.InDelta(t, 4, res.Allocated[Key{3, 1}], 1e-9)
	assert.InDelta(t, 1, res.Allocated[Key{4, 2}], 1e-9)
}

func TestSolve_SameTierSharesCapacity(t *testing.T) {
	p := twoTierProblem(5, 4, 3)
	p.Demands = []Demand{
		{NodeID: 3, Tier: 1, Amount: 4},
		{NodeID: 4, Tier: 1, Amount: 3},
	}
	res, err := Solve(p)
	require.NoError(t, err)

	total := res.Allocated[Key{3, 1}] + res.Allocated[Key{4, 1}]
	assert.InDelta(t, 5, total, 1e-9)
	assert.Contains(t, res.UnsatisfiedTiers, 1)
}

func TestSolve_ZeroCapacityGrantsNothingWithoutAborting(t *testing.T) {
	res, err := Solve(twoTierProblem(0, 4, 3))
	require.NoError(t, err)
	assert.InDelta(t, 0, res.Allocated[Key{3, 1}], 1e-9)
	assert.InDelta(t, 0, res.Allocated[Key{4, 2}], 1e-9)
}

func TestValidate_RejectsDemandAtCarrier(t *testing.T) {
	p := twoTierProblem(10, 4, 3)
	p.Demands = append(p.Demands, Demand{NodeID: 2, Tier: 1, Amount: 1})
	_, err := Solve(p)
	assert.Error(t, err)
}

func TestValidate_RejectsInfiniteDemand(t *testing.T) {
	p := twoTierProblem(10, 4, 3)
	p.Demands[0].Amount = math.Inf(1)
	_, err := Solve(p)
	assert.Error(t, err)
}

func TestTiers_AscendingDistinct(t *testing.T) {
	p := &Problem{Demands: []Demand{{Tier: 3}, {Tier: 1}, {Tier: 3}, {Tier: 2}}}
	assert.Equal(t, []int{1, 2, 3}, p.Tiers())
}
