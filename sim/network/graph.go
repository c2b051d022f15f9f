// Package network holds the typed directed graph of a water network:
// nodes tagged with a closed set of kinds, flow links carrying water and
// control links carrying setpoint authority. The graph is validated once
// at Build and is immutable afterwards; only parameters change during a
// simulation, never topology.
package network

import (
	"fmt"
	"sort"
)

// LinkRole separates water-carrying links from control links.
type LinkRole int

const (
	RoleFlow LinkRole = iota
	RoleControl
)

func (r LinkRole) String() string {
	if r == RoleControl {
		return "control"
	}
	return "flow"
}

// Node is one vertex of the network.
type Node struct {
	ID   int
	Kind Kind
	// Subnetwork assigns the node to an allocation subnetwork.
	// 0 = not allocated, 1 = primary network, >1 = secondary subnetworks.
	Subnetwork int
}

// Link is one ordered edge. Its ID is stable for the run and distinct
// from node IDs; result rows are keyed by it. Direction encodes the
// allowed flow sign for directional node kinds.
type Link struct {
	ID   int
	From int
	To   int
	Role LinkRole
}

// ValidationError reports a malformed topology. It is fatal and raised
// only at Build; the graph is never re-checked during a run.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "network validation: " + e.Msg }

func validationErrorf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// Graph is the immutable adjacency structure produced by Build.
// Neighbor iteration is O(1) per neighbor, split by direction and role.
type Graph struct {
	nodes   map[int]Node
	ordered []Node // sorted by ID for deterministic iteration
	links   []Link

	flowIn, flowOut       map[int][]Link
	controlIn, controlOut map[int][]Link
}

// Build validates the topology and constructs the adjacency structure.
// It checks that every link endpoint exists, that no flow link is
// duplicated, and that every node's neighbor counts fall inside the
// declared windows for its kind, separately for flow and control links.
func Build(nodes []Node, links []Link) (*Graph, error) {
	g := &Graph{
		nodes:      make(map[int]Node, len(nodes)),
		flowIn:     make(map[int][]Link),
		flowOut:    make(map[int][]Link),
		controlIn:  make(map[int][]Link),
		controlOut: make(map[int][]Link),
	}
	for _, n := range nodes {
		if _, dup := g.nodes[n.ID]; dup {
			return nil, validationErrorf("duplicate node ID %d", n.ID)
		}
		if n.Kind < 0 || int(n.Kind) >= numKinds {
			return nil, validationErrorf("node %d has invalid kind %d", n.ID, int(n.Kind))
		}
		g.nodes[n.ID] = n
		g.ordered = append(g.ordered, n)
	}
	sort.Slice(g.ordered, func(i, j int) bool { return g.ordered[i].ID < g.ordered[j].ID })

	linkIDs := make(map[int]bool, len(links))
	seenPair := make(map[[3]int]bool, len(links))
	for _, l := range links {
		if linkIDs[l.ID] {
			return nil, validationErrorf("duplicate link ID %d", l.ID)
		}
		linkIDs[l.ID] = true
		if _, ok := g.nodes[l.From]; !ok {
			return nil, validationErrorf("link %d references missing source node %d", l.ID, l.From)
		}
		if _, ok := g.nodes[l.To]; !ok {
			return nil, validationErrorf("link %d references missing destination node %d", l.ID, l.To)
		}
		pair := [3]int{l.From, l.To, int(l.Role)}
		if seenPair[pair] {
			return nil, validationErrorf("duplicate %s link %d -> %d", l.Role, l.From, l.To)
		}
		seenPair[pair] = true

		switch l.Role {
		case RoleFlow:
			g.flowOut[l.From] = append(g.flowOut[l.From], l)
			g.flowIn[l.To] = append(g.flowIn[l.To], l)
		case RoleControl:
			if !g.nodes[l.From].Kind.IsControl() {
				return nil, validationErrorf("control link %d originates at non-control node %d (%s)",
					l.ID, l.From, g.nodes[l.From].Kind)
			}
			g.controlOut[l.From] = append(g.controlOut[l.From], l)
			g.controlIn[l.To] = append(g.controlIn[l.To], l)
		default:
			return nil, validationErrorf("link %d has invalid role %d", l.ID, int(l.Role))
		}
		g.links = append(g.links, l)
	}
	sort.Slice(g.links, func(i, j int) bool { return g.links[i].ID < g.links[j].ID })

	for _, n := range g.ordered {
		b := Degrees(n.Kind)
		checks := []struct {
			w   degreeWindow
			got int
			dir string
		}{
			{b.FlowIn, len(g.flowIn[n.ID]), "flow in"},
			{b.FlowOut, len(g.flowOut[n.ID]), "flow out"},
			{b.ControlIn, len(g.controlIn[n.ID]), "control in"},
			{b.ControlOut, len(g.controlOut[n.ID]), "control out"},
		}
		for _, c := range checks {
			if !c.w.contains(c.got) {
				return nil, validationErrorf("node %d (%s): %s degree %d outside %s",
					n.ID, n.Kind, c.dir, c.got, c.w)
			}
		}
	}
	return g, nil
}

// Node returns the node with the given ID.
func (g *Graph) Node(id int) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns all nodes sorted by ID.
func (g *Graph) Nodes() []Node { return g.ordered }

// Links returns all links sorted by ID.
func (g *Graph) Links() []Link { return g.links }

// FlowIn returns the flow links entering a node.
func (g *Graph) FlowIn(id int) []Link { return g.flowIn[id] }

// FlowOut returns the flow links leaving a node.
func (g *Graph) FlowOut(id int) []Link { return g.flowOut[id] }

// ControlIn returns the control links targeting a node.
func (g *Graph) ControlIn(id int) []Link { return g.controlIn[id] }

// ControlOut returns the control links leaving a control node.
func (g *Graph) ControlOut(id int) []Link { return g.controlOut[id] }

// UpstreamNode returns the single flow-upstream neighbor of a node.
// Only meaningful for kinds whose FlowIn window is exactly [1, 1].
func (g *Graph) UpstreamNode(id int) Node {
	return g.nodes[g.flowIn[id][0].From]
}

// DownstreamNode returns the single flow-downstream neighbor of a node.
func (g *Graph) DownstreamNode(id int) Node {
	return g.nodes[g.flowOut[id][0].To]
}

// NodesOfKind returns all nodes of one kind, sorted by ID.
func (g *Graph) NodesOfKind(k Kind) []Node {
	var out []Node
	for _, n := range g.ordered {
		if n.Kind == k {
			out = append(out, n)
		}
	}
	return out
}

// Subnetworks returns the distinct nonzero subnetwork IDs, ascending.
func (g *Graph) Subnetworks() []int {
	seen := map[int]bool{}
	var out []int
	for _, n := range g.ordered {
		if n.Subnetwork != 0 && !seen[n.Subnetwork] {
			seen[n.Subnetwork] = true
			out = append(out, n.Subnetwork)
		}
	}
	sort.Ints(out)
	return out
}
