// Package topology builds and publishes snapshots of the mesh as seen from
// this node: which nodes exist, what hardware they report, and which
// directed connections their registries hold.
package topology

import (
	"fmt"
	"sort"
	"strings"

	"peermesh/internal/capability"
)

// Edge is one directed relationship: the source node holds a healthy record
// for ToID, discovered via Method. Stale marks edges carried over from a
// previous snapshot because their source could not be reached this cycle.
type Edge struct {
	ToID   string
	Method string
	Stale  bool
}

// Graph is an immutable topology snapshot. Once published it is never
// mutated; consumers may hold it indefinitely.
type Graph struct {
	Nodes map[string]capability.DeviceCapability
	Edges map[string][]Edge
}

// NewGraph returns an empty graph ready for building.
func NewGraph() *Graph {
	return &Graph{
		Nodes: map[string]capability.DeviceCapability{},
		Edges: map[string][]Edge{},
	}
}

// AddNode records a node, keeping an existing non-placeholder capability
// over an unknown one.
func (g *Graph) AddNode(id string, cap capability.DeviceCapability) {
	if prev, ok := g.Nodes[id]; ok && cap.IsUnknown() && !prev.IsUnknown() {
		return
	}
	g.Nodes[id] = cap
}

// AddEdge records a directed edge, ignoring exact duplicates.
func (g *Graph) AddEdge(from string, e Edge) {
	for _, have := range g.Edges[from] {
		if have == e {
			return
		}
	}
	g.Edges[from] = append(g.Edges[from], e)
}

// NodeCount returns the number of nodes.
func (g *Graph) NodeCount() int { return len(g.Nodes) }

// EdgeCount returns the number of directed edges.
func (g *Graph) EdgeCount() int {
	n := 0
	for _, es := range g.Edges {
		n += len(es)
	}
	return n
}

// normalize sorts edge lists so two graphs with the same content compare
// and print identically.
func (g *Graph) normalize() {
	for from, es := range g.Edges {
		sort.Slice(es, func(i, j int) bool { return es[i].ToID < es[j].ToID })
		g.Edges[from] = es
	}
}

// Equal reports whether two snapshots describe the same topology. Both
// sides must be normalized; published graphs always are.
func (g *Graph) Equal(other *Graph) bool {
	if other == nil {
		return false
	}
	if len(g.Nodes) != len(other.Nodes) || len(g.Edges) != len(other.Edges) {
		return false
	}
	for id, cap := range g.Nodes {
		if o, ok := other.Nodes[id]; !ok || !o.Equal(cap) {
			return false
		}
	}
	for from, es := range g.Edges {
		oes, ok := other.Edges[from]
		if !ok || len(oes) != len(es) {
			return false
		}
		for i := range es {
			if es[i] != oes[i] {
				return false
			}
		}
	}
	return true
}

// String renders the graph one edge per line, sorted, for the CLI.
func (g *Graph) String() string {
	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	fmt.Fprintf(&b, "%d nodes, %d edges\n", g.NodeCount(), g.EdgeCount())
	for _, id := range ids {
		fmt.Fprintf(&b, "%s  %s\n", id, g.Nodes[id])
		for _, e := range g.Edges[id] {
			marker := ""
			if e.Stale {
				marker = "  (stale)"
			}
			fmt.Fprintf(&b, "  -> %s  via %s%s\n", e.ToID, e.Method, marker)
		}
	}
	return b.String()
}
