package pipeline

import (
	"fmt"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
)

// CycleError reports a dependency cycle found while building a Graph.
type CycleError struct {
	// Path lists the stages forming the cycle, first stage repeated last.
	Path []StageID
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return "pipeline: cycle detected in stage dependencies"
	}
	parts := make([]string, len(e.Path))
	for i, s := range e.Path {
		parts[i] = string(s)
	}
	return fmt.Sprintf("pipeline: cycle detected in stage dependencies: %s", strings.Join(parts, " -> "))
}

// Graph is an immutable, acyclic stage dependency graph.
type Graph struct {
	nodes  []StageID             // declaration order
	prereq map[StageID][]StageID // immediate prerequisites, sorted by declaration order
}

// NewGraph builds a Graph from immediate prerequisites. Every key and every
// referenced prerequisite must be a known stage and a key of deps. Cycles
// are rejected with a *CycleError.
func NewGraph(deps map[StageID][]StageID) (*Graph, error) {
	g := &Graph{prereq: make(map[StageID][]StageID, len(deps))}

	for id := range deps {
		if !id.Valid() {
			return nil, eris.Wrapf(ErrUnknownStage, "graph node %q", id)
		}
		g.nodes = append(g.nodes, id)
	}
	sortByDeclaration(g.nodes)

	for _, id := range g.nodes {
		seen := make(map[StageID]bool)
		var pre []StageID
		for _, p := range deps[id] {
			if _, ok := deps[p]; !ok {
				return nil, eris.Wrapf(ErrUnknownStage, "prerequisite %q of %s is not a graph node", p, id)
			}
			if p == id {
				return nil, &CycleError{Path: []StageID{id, id}}
			}
			if !seen[p] {
				seen[p] = true
				pre = append(pre, p)
			}
		}
		sortByDeclaration(pre)
		g.prereq[id] = pre
	}

	visited := make(map[StageID]bool)
	onStack := make(map[StageID]bool)
	for _, id := range g.nodes {
		if visited[id] {
			continue
		}
		if cycle := g.findCycle(id, visited, onStack, nil); cycle != nil {
			return nil, &CycleError{Path: cycle}
		}
	}
	return g, nil
}

// DefaultGraph returns the six-stage analysis DAG.
func DefaultGraph() *Graph {
	g, err := NewGraph(map[StageID][]StageID{
		StageMarketResearch:     nil,
		StageCompetitorAnalysis: {StageMarketResearch},
		StageFeatureAnalysis:    {StageCompetitorAnalysis},
		StageCustomerInsights:   {StageFeatureAnalysis},
		StageCustomerPersona:    {StageMarketResearch},
		StageOpportunityMapping: {
			StageMarketResearch,
			StageCompetitorAnalysis,
			StageFeatureAnalysis,
			StageCustomerInsights,
		},
	})
	if err != nil {
		panic(err)
	}
	return g
}

// Stages returns the graph's nodes in declaration order.
func (g *Graph) Stages() []StageID {
	return slices.Clone(g.nodes)
}

// Has reports whether id is a node of the graph.
func (g *Graph) Has(id StageID) bool {
	_, ok := g.prereq[id]
	return ok
}

// Prerequisites returns the immediate prerequisites of id.
func (g *Graph) Prerequisites(id StageID) []StageID {
	return slices.Clone(g.prereq[id])
}

// IsPrerequisite reports whether input is an immediate prerequisite of id.
func (g *Graph) IsPrerequisite(id, input StageID) bool {
	return slices.Contains(g.prereq[id], input)
}

// IsRunnable reports whether every prerequisite of id is in completed.
func (g *Graph) IsRunnable(id StageID, completed map[StageID]bool) bool {
	if !g.Has(id) {
		return false
	}
	for _, p := range g.prereq[id] {
		if !completed[p] {
			return false
		}
	}
	return true
}

// TopologicalOrder returns a linear extension of the graph. Ties are broken
// by declaration order so the result is deterministic. It exists for
// diagnostics and tests; the scheduler never uses it to serialize work.
func (g *Graph) TopologicalOrder() []StageID {
	indegree := make(map[StageID]int, len(g.nodes))
	for _, id := range g.nodes {
		indegree[id] = len(g.prereq[id])
	}

	order := make([]StageID, 0, len(g.nodes))
	done := make(map[StageID]bool, len(g.nodes))
	for len(order) < len(g.nodes) {
		progressed := false
		for _, id := range g.nodes {
			if done[id] || indegree[id] > 0 {
				continue
			}
			done[id] = true
			order = append(order, id)
			for _, dep := range g.directDependents(id) {
				indegree[dep]--
			}
			progressed = true
			break
		}
		if !progressed {
			// Unreachable for a graph built by NewGraph.
			break
		}
	}
	return order
}

// Dependents returns every stage that transitively requires id, in
// declaration order.
func (g *Graph) Dependents(id StageID) []StageID {
	seen := make(map[StageID]bool)
	queue := g.directDependents(id)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		queue = append(queue, g.directDependents(next)...)
	}

	out := make([]StageID, 0, len(seen))
	for _, n := range g.nodes {
		if seen[n] {
			out = append(out, n)
		}
	}
	return out
}

func (g *Graph) directDependents(id StageID) []StageID {
	var out []StageID
	for _, n := range g.nodes {
		if slices.Contains(g.prereq[n], id) {
			out = append(out, n)
		}
	}
	return out
}

func (g *Graph) findCycle(id StageID, visited, onStack map[StageID]bool, path []StageID) []StageID {
	visited[id] = true
	onStack[id] = true
	path = append(path, id)

	for _, p := range g.prereq[id] {
		if !visited[p] {
			if cycle := g.findCycle(p, visited, onStack, path); cycle != nil {
				return cycle
			}
		} else if onStack[p] {
			start := slices.Index(path, p)
			cycle := slices.Clone(path[start:])
			return append(cycle, p)
		}
	}

	onStack[id] = false
	return nil
}

func sortByDeclaration(ids []StageID) {
	slices.SortFunc(ids, func(a, b StageID) int { return a.ordinal() - b.ordinal() })
}
