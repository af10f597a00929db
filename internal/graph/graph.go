// Package graph holds the read-only progression graph for one event and
// the availability computation over it. A Graph is built once from the
// stored nodes and never mutated; changes to an event's nodes require
// loading a fresh Graph and swapping the old one out.
package graph

import (
	"errors"
	"fmt"

	"huntboard/internal/domain"
)

// ErrInvalidGraph marks a node graph that cannot be loaded: dangling
// references, prerequisite cycles, or a missing/duplicate start node.
var ErrInvalidGraph = errors.New("invalid graph")

type Graph struct {
	eventID string
	nodes   map[string]domain.Node
	order   []string
	start   string
}

// Load validates the nodes of one event and builds the graph. All returned
// errors wrap ErrInvalidGraph.
func Load(eventID string, nodes []domain.Node) (*Graph, error) {
	g := &Graph{
		eventID: eventID,
		nodes:   make(map[string]domain.Node, len(nodes)),
		order:   make([]string, 0, len(nodes)),
	}
	for _, n := range nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("%w: node with empty id", ErrInvalidGraph)
		}
		if _, dup := g.nodes[n.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate node %s", ErrInvalidGraph, n.ID)
		}
		g.nodes[n.ID] = n
		g.order = append(g.order, n.ID)
	}
	for _, n := range nodes {
		switch n.Kind {
		case domain.NodeStart:
			if len(n.Prereqs) > 0 {
				return nil, fmt.Errorf("%w: start node %s has prerequisites", ErrInvalidGraph, n.ID)
			}
			if g.start != "" {
				return nil, fmt.Errorf("%w: multiple start nodes (%s, %s)", ErrInvalidGraph, g.start, n.ID)
			}
			g.start = n.ID
		case domain.NodeStandard, domain.NodeInn, domain.NodeTreasure:
		default:
			return nil, fmt.Errorf("%w: node %s has unknown kind %q", ErrInvalidGraph, n.ID, n.Kind)
		}
		for _, ref := range n.Prereqs {
			if _, ok := g.nodes[ref]; !ok {
				return nil, fmt.Errorf("%w: node %s prerequisite %s does not exist", ErrInvalidGraph, n.ID, ref)
			}
		}
		for _, ref := range n.Unlocks {
			if _, ok := g.nodes[ref]; !ok {
				return nil, fmt.Errorf("%w: node %s unlock %s does not exist", ErrInvalidGraph, n.ID, ref)
			}
		}
	}
	if len(nodes) > 0 && g.start == "" {
		return nil, fmt.Errorf("%w: no start node", ErrInvalidGraph)
	}
	if err := g.ensureAcyclic(); err != nil {
		return nil, err
	}
	return g, nil
}

// ensureAcyclic runs Kahn's algorithm over the prerequisite edges.
func (g *Graph) ensureAcyclic() error {
	indegree := make(map[string]int, len(g.nodes))
	dependents := make(map[string][]string, len(g.nodes))
	for id, n := range g.nodes {
		indegree[id] = len(n.Prereqs)
		for _, p := range n.Prereqs {
			dependents[p] = append(dependents[p], id)
		}
	}
	queue := make([]string, 0, len(g.nodes))
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if visited != len(g.nodes) {
		return fmt.Errorf("%w: prerequisite cycle detected", ErrInvalidGraph)
	}
	return nil
}

func (g *Graph) EventID() string { return g.eventID }

// Node returns a node by id.
func (g *Graph) Node(id string) (domain.Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// KindOf returns the kind of a node, or "" if the node is unknown.
func (g *Graph) KindOf(id string) string {
	return g.nodes[id].Kind
}

// PrerequisitesOf returns the prerequisite ids of a node.
func (g *Graph) PrerequisitesOf(id string) []string {
	return g.nodes[id].Prereqs
}

// Start returns the designated start node id.
func (g *Graph) Start() string { return g.start }

// Nodes returns all nodes in insertion order.
func (g *Graph) Nodes() []domain.Node {
	out := make([]domain.Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// Available computes the set of nodes a team can attempt given what it has
// completed: the start node until completed, and any node whose
// prerequisites are all in the completed set. Pure and idempotent, so it
// can be re-run at any time to repair a stale cached set.
func (g *Graph) Available(completed map[string]bool) map[string]bool {
	out := make(map[string]bool)
	for id, n := range g.nodes {
		if completed[id] {
			continue
		}
		if id == g.start {
			out[id] = true
			continue
		}
		if len(n.Prereqs) == 0 {
			// only the start node unlocks for free
			continue
		}
		satisfied := true
		for _, p := range n.Prereqs {
			if !completed[p] {
				satisfied = false
				break
			}
		}
		if satisfied {
			out[id] = true
		}
	}
	return out
}
