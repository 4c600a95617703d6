// Package plangraph builds a dependency graph over extracted content units,
// repairs cycles, and yields a deterministic topological processing order.
package plangraph

import (
	"fmt"
	"sort"
)

// Node is one content unit with its prerequisite unit IDs. Confidence scores
// on prerequisites guide cycle repair: the least-confident edge closing a
// cycle is the one removed.
type Node struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Requires   []string `json:"requires,omitempty"`
	Complexity float64  `json:"complexity,omitempty"`
}

// Edge is a prerequisite relationship: From must be processed before To.
type Edge struct {
	From       string  `json:"from"`
	To         string  `json:"to"`
	Confidence float64 `json:"confidence"`

	// order records insertion sequence; absent confidence scores, the most
	// recently added edge in a cycle is the one removed.
	order int
}

// Graph holds the node set plus adjacency derived from prerequisite sets.
// After Validate reports acyclic (possibly via RepairCycles), the graph is
// frozen by convention: callers only read it.
type Graph struct {
	Nodes map[string]*Node
	edges []Edge
}

// EdgeConfidence optionally supplies a confidence score per (from, to)
// prerequisite pair at build time.
type EdgeConfidence func(from, to string) float64

// Build constructs a graph from units. Every prerequisite must name a unit in
// the set; a dangling reference is a config error, not something to repair.
func Build(units []Node) (*Graph, error) {
	return BuildWithConfidence(units, nil)
}

func BuildWithConfidence(units []Node, conf EdgeConfidence) (*Graph, error) {
	g := &Graph{Nodes: make(map[string]*Node, len(units))}
	for i := range units {
		u := units[i]
		if u.ID == "" {
			return nil, fmt.Errorf("plangraph: unit %d has empty id", i)
		}
		if _, dup := g.Nodes[u.ID]; dup {
			return nil, fmt.Errorf("plangraph: duplicate unit id %q", u.ID)
		}
		g.Nodes[u.ID] = &u
	}
	order := 0
	// Deterministic edge insertion order: units as given, prerequisites as given.
	for _, u := range units {
		for _, req := range u.Requires {
			if _, ok := g.Nodes[req]; !ok {
				return nil, fmt.Errorf("plangraph: unit %q requires unknown unit %q", u.ID, req)
			}
			c := 1.0
			if conf != nil {
				c = conf(req, u.ID)
			}
			g.edges = append(g.edges, Edge{From: req, To: u.ID, Confidence: c, order: order})
			order++
		}
	}
	return g, nil
}

// Edges returns a copy of the current edge set.
func (g *Graph) Edges() []Edge {
	out := make([]Edge, len(g.edges))
	copy(out, g.edges)
	return out
}

// Validate runs depth-first coloring and returns whether the graph is acyclic
// plus the edges participating in the first cycle found. Traversal order is
// deterministic (sorted node and neighbor IDs).
func (g *Graph) Validate() (bool, []Edge) {
	adj := g.adjacency()

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	parentEdge := map[string]Edge{}

	ids := g.sortedIDs()
	var cycle []Edge

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		for _, e := range adj[id] {
			switch color[e.To] {
			case white:
				parentEdge[e.To] = e
				if visit(e.To) {
					return true
				}
			case gray:
				// Back edge closes a cycle: walk parent edges from id back to e.To.
				cycle = []Edge{e}
				for cur := id; cur != e.To; {
					pe := parentEdge[cur]
					cycle = append(cycle, pe)
					cur = pe.From
				}
				return true
			}
		}
		color[id] = black
		return false
	}

	for _, id := range ids {
		if color[id] == white {
			if visit(id) {
				return false, cycle
			}
		}
	}
	return true, nil
}

// RepairCycles removes edges until the graph is acyclic and returns the edges
// removed. Within each detected cycle the edge with the lowest confidence is
// removed; ties fall to the most recently added edge.
func (g *Graph) RepairCycles() []Edge {
	var removed []Edge
	for {
		ok, cycle := g.Validate()
		if ok {
			return removed
		}
		victim := cycle[0]
		for _, e := range cycle[1:] {
			if e.Confidence < victim.Confidence ||
				(e.Confidence == victim.Confidence && e.order > victim.order) {
				victim = e
			}
		}
		g.removeEdge(victim)
		removed = append(removed, victim)
	}
}

// TopologicalOrder returns a deterministic processing order (Kahn's algorithm
// with a sorted ready set, so ties break by unit ID). An error is returned
// when the graph still contains a cycle.
func (g *Graph) TopologicalOrder() ([]string, error) {
	adj := g.adjacency()
	indegree := map[string]int{}
	for id := range g.Nodes {
		indegree[id] = 0
	}
	for _, e := range g.edges {
		indegree[e.To]++
	}

	var ready []string
	for _, id := range g.sortedIDs() {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	order := make([]string, 0, len(g.Nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		changed := false
		for _, e := range adj[id] {
			indegree[e.To]--
			if indegree[e.To] == 0 {
				ready = append(ready, e.To)
				changed = true
			}
		}
		if changed {
			sort.Strings(ready)
		}
	}
	if len(order) != len(g.Nodes) {
		return nil, fmt.Errorf("plangraph: cycle remains; run RepairCycles before ordering")
	}
	return order, nil
}

func (g *Graph) adjacency() map[string][]Edge {
	adj := map[string][]Edge{}
	for _, e := range g.edges {
		adj[e.From] = append(adj[e.From], e)
	}
	for id := range adj {
		sort.Slice(adj[id], func(i, j int) bool {
			if adj[id][i].To != adj[id][j].To {
				return adj[id][i].To < adj[id][j].To
			}
			return adj[id][i].order < adj[id][j].order
		})
	}
	return adj
}

func (g *Graph) sortedIDs() []string {
	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (g *Graph) removeEdge(victim Edge) {
	for i, e := range g.edges {
		if e.From == victim.From && e.To == victim.To && e.order == victim.order {
			g.edges = append(g.edges[:i], g.edges[i+1:]...)
			return
		}
	}
}
