package sim

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydronet-sim/hydronet-sim/sim/network"
	"github.com/hydronet-sim/hydronet-sim/sim/trace"
)

// tierModel is a 1 m3/s source feeding one demand node asking for
// 0.8 m3/s on each of two priority tiers: tier 1 is granted fully, tier
// 2 gets the 0.2 m3/s remainder.
func tierModel(t *testing.T) *Model {
	t.Helper()
	g, err := network.Build(
		[]network.Node{
			{ID: 1, Kind: network.KindFlowBoundary, Subnetwork: 1},
			{ID: 2, Kind: network.KindBasin, Subnetwork: 1},
			{ID: 3, Kind: network.KindUserDemand, Subnetwork: 1},
			{ID: 4, Kind: network.KindTerminal, Subnetwork: 1},
		},
		[]network.Link{
			{ID: 1, From: 1, To: 2},
			{ID: 2, From: 2, To: 3},
			{ID: 3, From: 3, To: 4},
		},
	)
	require.NoError(t, err)

	params := NewParameters()
	params.FlowBoundaries[1] = &FlowBoundaryParams{NodeID: 1, FlowRate: NewConstantSeries(1.0)}
	params.Basins[2] = &BasinParams{NodeID: 2, Profile: flatProfile(t, 0, 10, 1000), InitialLevel: 2.0}
	params.UserDemands[3] = &UserDemandParams{
		NodeID: 3,
		Demands: map[int]*Series{
			1: NewConstantSeries(0.8),
			2: NewConstantSeries(0.8),
		},
		Active: true,
	}
	m, err := NewModel(g, params, RunOptions{
		EndTime: 100, SaveInterval: 100, AllocationInterval: 50,
		TraceLevel: trace.LevelDecisions,
	})
	require.NoError(t, err)
	return m
}

func TestAllocation_TierPriority_HighTierGrantedFirst(t *testing.T) {
	// GIVEN two tiers demanding 0.8 m3/s each against a 1 m3/s source
	m := tierModel(t)

	// WHEN the initial allocation solve runs
	require.NoError(t, m.Initialize())

	// THEN tier 1 is granted fully and tier 2 absorbs the shortfall
	ud := m.params.UserDemands[3]
	assert.InDelta(t, 0.8, ud.Allocated[1], 1e-9)
	assert.InDelta(t, 0.2, ud.Allocated[2], 1e-9)
	assert.Equal(t, 1, m.Metrics().AllocationSolves)
	assert.Equal(t, 1, m.Metrics().UnsatisfiedTiers)

	// AND the tier outcomes are traced
	records := m.Trace().Allocations
	require.Len(t, records, 2)
	assert.False(t, records[0].Unsatisfied, "tier 1 satisfied")
	assert.True(t, records[1].Unsatisfied, "tier 2 short")
}

func TestAllocation_ResolvesOnInterval(t *testing.T) {
	m := tierModel(t)
	require.NoError(t, m.Run(context.Background()))

	// Solves at t = 0, 50 and 100.
	assert.Equal(t, 3, m.Metrics().AllocationSolves)
	assert.Len(t, m.Results().AllocationRows, 6, "two tiers per solve")
}

func TestAllocation_InactiveDemand_GrantedNothing(t *testing.T) {
	// GIVEN the tier model with its demand switched off after initialize
	m := tierModel(t)
	require.NoError(t, m.Initialize())
	require.NoError(t, m.params.SetScalar(3, "active", 0))
	assert.True(t, m.params.allocDirty, "toggling active invalidates the problem structure")

	// WHEN the next allocation solve runs
	require.NoError(t, m.runAllocation(50))

	// THEN the demand holds no grants and the rebuild cleared the flag
	ud := m.params.UserDemands[3]
	assert.Empty(t, ud.Allocated)
	assert.False(t, m.params.allocDirty)

	// AND the intake equation abstracts nothing
	q := m.userDemandIntake(ud, 50, m.currentState())
	assert.Zero(t, q)
}

func TestAllocation_BoundWriteBack_LimitsPump(t *testing.T) {
	// GIVEN an allocation-controlled pump between the source basin and
	// the demand, with capacity far above the source rate
	g, err := network.Build(
		[]network.Node{
			{ID: 1, Kind: network.KindFlowBoundary, Subnetwork: 1},
			{ID: 2, Kind: network.KindBasin, Subnetwork: 1},
			{ID: 3, Kind: network.KindPump, Subnetwork: 1},
			{ID: 4, Kind: network.KindBasin, Subnetwork: 1},
			{ID: 5, Kind: network.KindUserDemand, Subnetwork: 1},
			{ID: 6, Kind: network.KindTerminal, Subnetwork: 1},
		},
		[]network.Link{
			{ID: 1, From: 1, To: 2},
			{ID: 2, From: 2, To: 3},
			{ID: 3, From: 3, To: 4},
			{ID: 4, From: 4, To: 5},
			{ID: 5, From: 5, To: 6},
		},
	)
	require.NoError(t, err)

	params := NewParameters()
	params.FlowBoundaries[1] = &FlowBoundaryParams{NodeID: 1, FlowRate: NewConstantSeries(1.0)}
	params.Basins[2] = &BasinParams{NodeID: 2, Profile: flatProfile(t, 0, 10, 1000), InitialLevel: 2.0}
	params.Pumps[3] = &PumpParams{
		NodeID: 3, FlowRate: NewDynConstant(4.0), MaxFlow: 5,
		AllocationControlled: true, AllocationBound: math.Inf(1),
	}
	params.Basins[4] = &BasinParams{NodeID: 4, Profile: flatProfile(t, 0, 10, 1000), InitialLevel: 2.0}
	params.UserDemands[5] = &UserDemandParams{
		NodeID:  5,
		Demands: map[int]*Series{1: NewConstantSeries(0.6)},
		Active:  true,
	}
	m, err := NewModel(g, params, RunOptions{
		EndTime: 100, SaveInterval: 100, AllocationInterval: 50,
	})
	require.NoError(t, err)

	// WHEN the initial solve runs
	require.NoError(t, m.Initialize())

	// THEN the pump's bound tracks the granted route, not its own setpoint
	pp := m.params.Pumps[3]
	assert.InDelta(t, 0.6, pp.AllocationBound, 1e-9)

	// AND the equation clamps the requested 4 m3/s to the bound
	m.computeFlows(0, m.currentState(), m.obsFlows)
	assert.InDelta(t, 0.6, m.obsFlows[m.linkIndex[3]], 1e-9)
}

func TestAllocation_SecondarySubnetwork_FedByPrimaryGrant(t *testing.T) {
	// GIVEN a secondary subnetwork behind a pump, demanding twice what
	// the primary source can deliver
	g, err := network.Build(
		[]network.Node{
			{ID: 1, Kind: network.KindFlowBoundary, Subnetwork: 1},
			{ID: 2, Kind: network.KindBasin, Subnetwork: 1},
			{ID: 3, Kind: network.KindPump, Subnetwork: 1},
			{ID: 4, Kind: network.KindBasin, Subnetwork: 2},
			{ID: 5, Kind: network.KindUserDemand, Subnetwork: 2},
			{ID: 6, Kind: network.KindTerminal, Subnetwork: 2},
		},
		[]network.Link{
			{ID: 1, From: 1, To: 2},
			{ID: 2, From: 2, To: 3},
			{ID: 3, From: 3, To: 4},
			{ID: 4, From: 4, To: 5},
			{ID: 5, From: 5, To: 6},
		},
	)
	require.NoError(t, err)

	params := NewParameters()
	params.FlowBoundaries[1] = &FlowBoundaryParams{NodeID: 1, FlowRate: NewConstantSeries(1.0)}
	params.Basins[2] = &BasinParams{NodeID: 2, Profile: flatProfile(t, 0, 10, 1000), InitialLevel: 2.0}
	params.Pumps[3] = &PumpParams{NodeID: 3, FlowRate: NewDynConstant(1.0), MaxFlow: 5, AllocationBound: math.Inf(1)}
	params.Basins[4] = &BasinParams{NodeID: 4, Profile: flatProfile(t, 0, 10, 1000), InitialLevel: 2.0}
	params.UserDemands[5] = &UserDemandParams{
		NodeID:  5,
		Demands: map[int]*Series{1: NewConstantSeries(2.0)},
		Active:  true,
	}
	m, err := NewModel(g, params, RunOptions{
		EndTime: 100, SaveInterval: 100, AllocationInterval: 50,
	})
	require.NoError(t, err)

	// WHEN the initial solve runs (primary first, then the secondary)
	require.NoError(t, m.Initialize())

	// THEN the secondary's grant is capped by the primary's coupling grant
	ud := m.params.UserDemands[5]
	assert.InDelta(t, 1.0, ud.Allocated[1], 1e-9)
	assert.Equal(t, 2, m.Metrics().AllocationSolves, "one solve per subnetwork")
}

func TestBuildAllocationProblems_MultiplePrimaryFeeders_Rejected(t *testing.T) {
	// GIVEN a secondary basin fed by two distinct primary structures
	g, err := network.Build(
		[]network.Node{
			{ID: 1, Kind: network.KindFlowBoundary, Subnetwork: 1},
			{ID: 2, Kind: network.KindBasin, Subnetwork: 1},
			{ID: 3, Kind: network.KindPump, Subnetwork: 1},
			{ID: 4, Kind: network.KindPump, Subnetwork: 1},
			{ID: 5, Kind: network.KindBasin, Subnetwork: 2},
			{ID: 6, Kind: network.KindUserDemand, Subnetwork: 2},
			{ID: 7, Kind: network.KindTerminal, Subnetwork: 2},
		},
		[]network.Link{
			{ID: 1, From: 1, To: 2},
			{ID: 2, From: 2, To: 3},
			{ID: 3, From: 3, To: 5},
			{ID: 4, From: 2, To: 4},
			{ID: 5, From: 4, To: 5},
			{ID: 6, From: 5, To: 6},
			{ID: 7, From: 6, To: 7},
		},
	)
	require.NoError(t, err)

	params := NewParameters()
	params.FlowBoundaries[1] = &FlowBoundaryParams{NodeID: 1, FlowRate: NewConstantSeries(1.0)}
	params.Basins[2] = &BasinParams{NodeID: 2, Profile: flatProfile(t, 0, 10, 1000), InitialLevel: 2.0}
	params.Pumps[3] = &PumpParams{NodeID: 3, FlowRate: NewDynConstant(0.5), MaxFlow: 5, AllocationBound: math.Inf(1)}
	params.Pumps[4] = &PumpParams{NodeID: 4, FlowRate: NewDynConstant(0.5), MaxFlow: 5, AllocationBound: math.Inf(1)}
	params.Basins[5] = &BasinParams{NodeID: 5, Profile: flatProfile(t, 0, 10, 1000), InitialLevel: 2.0}
	params.UserDemands[6] = &UserDemandParams{
		NodeID:  6,
		Demands: map[int]*Series{1: NewConstantSeries(1.0)},
		Active:  true,
	}
	m, err := NewModel(g, params, RunOptions{
		EndTime: 100, SaveInterval: 100, AllocationInterval: 50,
	})
	require.NoError(t, err)

	err = m.Initialize()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Msg, "multiple primary nodes")
}

func TestAllocation_Disabled_FullDemandGranted(t *testing.T) {
	// GIVEN a demand node in a model without subnetwork assignments
	g, err := network.Build(
		[]network.Node{
			{ID: 1, Kind: network.KindFlowBoundary},
			{ID: 2, Kind: network.KindBasin},
			{ID: 3, Kind: network.KindUserDemand},
			{ID: 4, Kind: network.KindTerminal},
		},
		[]network.Link{
			{ID: 1, From: 1, To: 2},
			{ID: 2, From: 2, To: 3},
			{ID: 3, From: 3, To: 4},
		},
	)
	require.NoError(t, err)
	params := NewParameters()
	params.FlowBoundaries[1] = &FlowBoundaryParams{NodeID: 1, FlowRate: NewConstantSeries(1.0)}
	params.Basins[2] = &BasinParams{NodeID: 2, Profile: flatProfile(t, 0, 10, 1000), InitialLevel: 2.0}
	params.UserDemands[3] = &UserDemandParams{
		NodeID:  3,
		Demands: map[int]*Series{1: NewConstantSeries(0.4)},
		Active:  true,
	}
	m, err := NewModel(g, params, RunOptions{EndTime: 100, SaveInterval: 100, AllocationInterval: 50})
	require.NoError(t, err)
	require.NoError(t, m.Initialize())

	// THEN no solve ran and the intake falls back to the raw demand
	assert.Zero(t, m.Metrics().AllocationSolves)
	q := m.userDemandIntake(m.params.UserDemands[3], 0, m.currentState())
	assert.InDelta(t, 0.4, q, 1e-9)
}
