package resolver

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gammazero/toposort"
)

// Graph is an id-indexed adjacency view of the prerequisite edges.
// It is a working copy of what the store holds: the queue service loads it
// at startup and keeps it current on every submit. It is never authoritative
// for readiness, which is decided against live task status, but it is
// authoritative for structure: cycle rejection and depth/criticality scores.
type Graph struct {
	mu         sync.RWMutex
	nodes      map[string]struct{}
	prereqs    map[string][]string // dependent -> prerequisite ids
	dependents map[string][]string // prerequisite -> dependent ids
	metrics    map[string]Metrics  // score cache, see invalidateUp
}

// Metrics are the structural scores the priority calculator consumes.
type Metrics struct {
	// Depth is the length of the longest chain of dependents hanging off
	// this task (0 for a leaf nothing depends on).
	Depth int
	// TransitiveDependents counts direct and indirect dependents: how many
	// other tasks are waiting, directly or not, on this one.
	TransitiveDependents int
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes:      make(map[string]struct{}),
		prereqs:    make(map[string][]string),
		dependents: make(map[string][]string),
		metrics:    make(map[string]Metrics),
	}
}

// AddNode registers a task id with no edges. Idempotent.
func (g *Graph) AddNode(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes[id] = struct{}{}
}

// HasNode reports whether id is known to the graph.
func (g *Graph) HasNode(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.nodes[id]
	return ok
}

// CheckAcyclic verifies that adding (dependent -> prerequisites) would keep
// the graph a DAG and that every prerequisite exists. It mutates nothing,
// so callers can validate before committing the edges to the store.
func (g *Graph) CheckAcyclic(dependent string, prerequisites []string) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, p := range prerequisites {
		if _, ok := g.nodes[p]; !ok {
			return fmt.Errorf("prerequisite %q does not exist", p)
		}
	}
	if cycle := g.findCycle(dependent, prerequisites); cycle != nil {
		return fmt.Errorf("edge %s -> %s closes cycle %v", dependent, cycle[len(cycle)-1], cycle)
	}
	return nil
}

// AddEdges registers dependent with its prerequisite edges after verifying
// that every prerequisite exists and that no cycle would be introduced.
// On error nothing is mutated.
func (g *Graph) AddEdges(dependent string, prerequisites []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, p := range prerequisites {
		if _, ok := g.nodes[p]; !ok {
			return fmt.Errorf("prerequisite %q does not exist", p)
		}
	}

	if cycle := g.findCycle(dependent, prerequisites); cycle != nil {
		return fmt.Errorf("edge %s -> %s closes cycle %v", dependent, cycle[len(cycle)-1], cycle)
	}

	g.nodes[dependent] = struct{}{}
	seen := make(map[string]struct{}, len(prerequisites))
	for _, p := range prerequisites {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		g.prereqs[dependent] = append(g.prereqs[dependent], p)
		g.dependents[p] = append(g.dependents[p], dependent)
	}

	// New dependent chains may lengthen scores anywhere upstream.
	g.invalidateUp(prerequisites)
	return nil
}

// findCycle runs a three-color depth-first search over the existing edges
// plus the candidate (dependent -> prerequisites) set, restricted to the
// candidate's reachable neighborhood. It returns the offending path or nil.
// Caller holds g.mu.
func (g *Graph) findCycle(dependent string, prerequisites []string) []string {
	const (
		white = 0 // unvisited
		gray  = 1 // in progress
		black = 2 // done
	)
	color := make(map[string]int)

	next := func(id string) []string {
		if id == dependent {
			merged := append(append([]string(nil), g.prereqs[id]...), prerequisites...)
			return merged
		}
		return g.prereqs[id]
	}

	var path []string
	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		path = append(path, id)
		for _, p := range next(id) {
			switch color[p] {
			case gray:
				path = append(path, p)
				return true
			case white:
				if visit(p) {
					return true
				}
			}
		}
		color[id] = black
		path = path[:len(path)-1]
		return false
	}

	if visit(dependent) {
		return path
	}
	return nil
}

// Dependents returns the direct dependents of id, sorted for determinism.
func (g *Graph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := append([]string(nil), g.dependents[id]...)
	sort.Strings(out)
	return out
}

// Prerequisites returns the direct prerequisites of id.
func (g *Graph) Prerequisites(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.prereqs[id]...)
}

// TransitiveDependents returns every task downstream of id (direct and
// indirect), sorted. Used by cancellation cascades.
func (g *Graph) TransitiveDependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[string]struct{})
	stack := append([]string(nil), g.dependents[id]...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[cur]; ok {
			continue
		}
		seen[cur] = struct{}{}
		stack = append(stack, g.dependents[cur]...)
	}

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// MetricsFor returns the cached structural scores for id, computing and
// caching them on miss. The cache is invalidated by AddEdges; staleness
// only ever affects priority, never readiness.
func (g *Graph) MetricsFor(id string) Metrics {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.metricsLocked(id, make(map[string]bool))
}

// metricsLocked memoizes depth and transitive-dependent counts by walking
// the dependents direction. visiting guards against concurrent recomputation
// of a shared subgraph; the DAG invariant means no true cycles exist.
func (g *Graph) metricsLocked(id string, visiting map[string]bool) Metrics {
	if m, ok := g.metrics[id]; ok {
		return m
	}
	if visiting[id] {
		return Metrics{}
	}
	visiting[id] = true
	defer delete(visiting, id)

	all := make(map[string]struct{})
	depth := 0
	for _, d := range g.dependents[id] {
		dm := g.metricsLocked(d, visiting)
		if dm.Depth+1 > depth {
			depth = dm.Depth + 1
		}
		all[d] = struct{}{}
		for _, t := range g.transitiveLocked(d) {
			all[t] = struct{}{}
		}
	}

	m := Metrics{Depth: depth, TransitiveDependents: len(all)}
	g.metrics[id] = m
	return m
}

// transitiveLocked returns the transitive dependents of id. Caller holds g.mu.
func (g *Graph) transitiveLocked(id string) []string {
	seen := make(map[string]struct{})
	stack := append([]string(nil), g.dependents[id]...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[cur]; ok {
			continue
		}
		seen[cur] = struct{}{}
		stack = append(stack, g.dependents[cur]...)
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	return out
}

// invalidateUp drops cached metrics for the given ids and everything they
// transitively depend on, since those dependent counts just grew.
// Caller holds g.mu.
func (g *Graph) invalidateUp(ids []string) {
	stack := append([]string(nil), ids...)
	seen := make(map[string]struct{})
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[cur]; ok {
			continue
		}
		seen[cur] = struct{}{}
		delete(g.metrics, cur)
		stack = append(stack, g.prereqs[cur]...)
	}
}

// ExecutionPlan returns a topological ordering of the given task ids,
// restricted to edges among them. Batch-query path only; the claim path
// never runs a full sort.
func (g *Graph) ExecutionPlan(ids []string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	include := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := g.nodes[id]; !ok {
			return nil, fmt.Errorf("unknown task %q", id)
		}
		include[id] = struct{}{}
	}

	// Stable input order keeps the plan deterministic.
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	var edges []toposort.Edge
	for _, id := range sorted {
		hasEdge := false
		for _, p := range g.prereqs[id] {
			if _, ok := include[p]; ok {
				edges = append(edges, toposort.Edge{p, id})
				hasEdge = true
			}
		}
		if !hasEdge {
			edges = append(edges, toposort.Edge{nil, id})
		}
	}

	order, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("plan ordering failed: %w", err)
	}

	plan := make([]string, 0, len(ids))
	for _, v := range order {
		if v != nil {
			plan = append(plan, v.(string))
		}
	}
	return plan, nil
}
