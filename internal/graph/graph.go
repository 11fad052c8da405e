// Package graph validates workflow graphs and derives their execution order.
package graph

import (
	"sort"

	"github.com/edvin/autoflow/internal/apperr"
	"github.com/edvin/autoflow/internal/model"
)

// Plan is the validated shape of a graph: topological order plus adjacency.
type Plan struct {
	Order        []string
	Predecessors map[string][]string
	Successors   map[string][]string
}

// Build validates node/edge references and computes a topological order with
// Kahn's algorithm. Ties are broken by declaration order so the order is
// stable for a given graph.
func Build(g model.Graph) (*Plan, error) {
	index := make(map[string]int, len(g.Nodes))
	for i, n := range g.Nodes {
		if n.ID == "" {
			return nil, apperr.New(apperr.KindInvalidGraph, "node at position %d has no id", i)
		}
		if _, dup := index[n.ID]; dup {
			return nil, apperr.New(apperr.KindInvalidGraph, "duplicate node id %q", n.ID)
		}
		index[n.ID] = i
	}

	p := &Plan{
		Predecessors: make(map[string][]string, len(g.Nodes)),
		Successors:   make(map[string][]string, len(g.Nodes)),
	}
	inDegree := make(map[string]int, len(g.Nodes))
	seen := make(map[model.Edge]bool, len(g.Edges))
	for _, e := range g.Edges {
		if _, ok := index[e.SourceNodeID]; !ok {
			return nil, apperr.New(apperr.KindInvalidGraph, "edge references unknown source node %q", e.SourceNodeID)
		}
		if _, ok := index[e.TargetNodeID]; !ok {
			return nil, apperr.New(apperr.KindInvalidGraph, "edge references unknown target node %q", e.TargetNodeID)
		}
		if e.SourceNodeID == e.TargetNodeID {
			return nil, apperr.New(apperr.KindGraphCycle, "node %q depends on itself", e.SourceNodeID)
		}
		if seen[e] {
			continue
		}
		seen[e] = true
		p.Successors[e.SourceNodeID] = append(p.Successors[e.SourceNodeID], e.TargetNodeID)
		p.Predecessors[e.TargetNodeID] = append(p.Predecessors[e.TargetNodeID], e.SourceNodeID)
		inDegree[e.TargetNodeID]++
	}

	var ready []string
	for _, n := range g.Nodes {
		if inDegree[n.ID] == 0 {
			ready = append(ready, n.ID)
		}
	}

	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		p.Order = append(p.Order, id)

		var released []string
		for _, next := range p.Successors[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				released = append(released, next)
			}
		}
		sort.Slice(released, func(i, j int) bool { return index[released[i]] < index[released[j]] })
		ready = append(ready, released...)
	}

	if len(p.Order) != len(g.Nodes) {
		var stuck []string
		for _, n := range g.Nodes {
			if inDegree[n.ID] > 0 {
				stuck = append(stuck, n.ID)
			}
		}
		return nil, apperr.New(apperr.KindGraphCycle, "graph contains a cycle through nodes %v", stuck)
	}
	return p, nil
}

// Leaves returns nodes without successors in topological order.
func (p *Plan) Leaves() []string {
	var out []string
	for _, id := range p.Order {
		if len(p.Successors[id]) == 0 {
			out = append(out, id)
		}
	}
	return out
}
