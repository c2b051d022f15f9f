package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func linChain() ([]Node, []Link) {
	// FlowBoundary -> Basin -> TabulatedRatingCurve -> Terminal
	nodes := []Node{
		{ID: 1, Kind: KindFlowBoundary},
		{ID: 2, Kind: KindBasin},
		{ID: 3, Kind: KindTabulatedRatingCurve},
		{ID: 4, Kind: KindTerminal},
	}
	links := []Link{
		{ID: 100, From: 1, To: 2, Role: RoleFlow},
		{ID: 101, From: 2, To: 3, Role: RoleFlow},
		{ID: 102, From: 3, To: 4, Role: RoleFlow},
	}
	return nodes, links
}

func TestBuild_ValidChain(t *testing.T) {
	nodes, links := linChain()
	g, err := Build(nodes, links)
	require.NoError(t, err)

	assert.Len(t, g.Nodes(), 4)
	assert.Len(t, g.Links(), 3)
	assert.Equal(t, 2, g.UpstreamNode(3).ID)
	assert.Equal(t, 4, g.DownstreamNode(3).ID)
	assert.Len(t, g.FlowIn(2), 1)
	assert.Len(t, g.FlowOut(2), 1)
}

func TestBuild_MissingEndpoint(t *testing.T) {
	nodes, links := linChain()
	links = append(links, Link{ID: 103, From: 2, To: 99, Role: RoleFlow})
	_, err := Build(nodes, links)
	require.Error(t, err)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
	assert.Contains(t, err.Error(), "missing destination node 99")
}

func TestBuild_DuplicateLink(t *testing.T) {
	nodes, links := linChain()
	links = append(links, Link{ID: 104, From: 1, To: 2, Role: RoleFlow})
	_, err := Build(nodes, links)
	assert.Error(t, err)
}

func TestBuild_DegreeBoundsViolated(t *testing.T) {
	// A pump with two downstream flow links exceeds its FlowOut window [1, 1].
	nodes := []Node{
		{ID: 1, Kind: KindBasin},
		{ID: 2, Kind: KindPump},
		{ID: 3, Kind: KindBasin},
		{ID: 4, Kind: KindBasin},
	}
	links := []Link{
		{ID: 10, From: 1, To: 2, Role: RoleFlow},
		{ID: 11, From: 2, To: 3, Role: RoleFlow},
		{ID: 12, From: 2, To: 4, Role: RoleFlow},
	}
	_, err := Build(nodes, links)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flow out degree 2")
}

func TestBuild_ControlLinkFromNonControlNode(t *testing.T) {
	nodes := []Node{
		{ID: 1, Kind: KindBasin},
		{ID: 2, Kind: KindPump},
		{ID: 3, Kind: KindBasin},
	}
	links := []Link{
		{ID: 10, From: 1, To: 2, Role: RoleFlow},
		{ID: 11, From: 2, To: 3, Role: RoleFlow},
		{ID: 12, From: 1, To: 2, Role: RoleControl},
	}
	_, err := Build(nodes, links)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-control node")
}

func TestBuild_FlowBoundaryCannotReceiveFlow(t *testing.T) {
	nodes := []Node{
		{ID: 1, Kind: KindBasin},
		{ID: 2, Kind: KindFlowBoundary},
	}
	links := []Link{{ID: 10, From: 1, To: 2, Role: RoleFlow}}
	_, err := Build(nodes, links)
	assert.Error(t, err)
}

func TestBuild_LoopsAllowed(t *testing.T) {
	// Two basins connected by two resistance paths form a cycle; cycles
	// through resistance links are legal.
	nodes := []Node{
		{ID: 1, Kind: KindBasin},
		{ID: 2, Kind: KindLinearResistance},
		{ID: 3, Kind: KindBasin},
		{ID: 4, Kind: KindLinearResistance},
	}
	links := []Link{
		{ID: 10, From: 1, To: 2, Role: RoleFlow},
		{ID: 11, From: 2, To: 3, Role: RoleFlow},
		{ID: 12, From: 3, To: 4, Role: RoleFlow},
		{ID: 13, From: 4, To: 1, Role: RoleFlow},
	}
	_, err := Build(nodes, links)
	assert.NoError(t, err)
}

func TestSubnetworks_SortedDistinct(t *testing.T) {
	nodes := []Node{
		{ID: 1, Kind: KindFlowBoundary, Subnetwork: 2},
		{ID: 2, Kind: KindBasin, Subnetwork: 1},
		{ID: 3, Kind: KindTabulatedRatingCurve, Subnetwork: 1},
		{ID: 4, Kind: KindTerminal},
	}
	links := []Link{
		{ID: 100, From: 1, To: 2, Role: RoleFlow},
		{ID: 101, From: 2, To: 3, Role: RoleFlow},
		{ID: 102, From: 3, To: 4, Role: RoleFlow},
	}
	g, err := Build(nodes, links)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, g.Subnetworks())
}

func TestParseKind_RoundTrip(t *testing.T) {
	for k := Kind(0); int(k) < numKinds; k++ {
		got, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := ParseKind("Weir")
	assert.Error(t, err)
}
