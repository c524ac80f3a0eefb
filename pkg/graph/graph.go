package graph

import (
	"sort"
	"sync"
)

// LinkGraph accumulates the directed link structure of a crawl. All
// methods are safe for concurrent use; rank computation works on a
// snapshot so it never blocks ongoing insertion.
type LinkGraph struct {
	mu    sync.RWMutex
	nodes map[string]bool
	edges map[string]map[string]bool // source -> set of targets
}

// NewLinkGraph creates an empty LinkGraph.
func NewLinkGraph() *LinkGraph {
	return &LinkGraph{
		nodes: make(map[string]bool),
		edges: make(map[string]map[string]bool),
	}
}

// AddNode registers a URL as a graph node. Idempotent.
func (g *LinkGraph) AddNode(u string) {
	g.mu.Lock()
	g.nodes[u] = true
	g.mu.Unlock()
}

// AddEdge records a directed link. Both endpoints become nodes.
// Idempotent; self-links are ignored.
func (g *LinkGraph) AddEdge(source, target string) {
	if source == target {
		return
	}
	g.mu.Lock()
	g.nodes[source] = true
	g.nodes[target] = true
	targets, ok := g.edges[source]
	if !ok {
		targets = make(map[string]bool)
		g.edges[source] = targets
	}
	targets[target] = true
	g.mu.Unlock()
}

// NodeCount returns the current number of nodes.
func (g *LinkGraph) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// EdgeCount returns the current number of distinct edges.
func (g *LinkGraph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, targets := range g.edges {
		n += len(targets)
	}
	return n
}

// GraphSnapshot is a consistent, serializable copy of the graph at one
// point in time. Scores is populated by Rank.
type GraphSnapshot struct {
	Nodes  []string            `json:"nodes"`
	Edges  map[string][]string `json:"edges"`
	Scores map[string]float64  `json:"scores,omitempty"`
}

// Snapshot copies the graph under the read lock. Node and edge lists
// are sorted so snapshots of equal graphs compare equal.
func (g *LinkGraph) Snapshot() *GraphSnapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	snap := &GraphSnapshot{
		Nodes: make([]string, 0, len(g.nodes)),
		Edges: make(map[string][]string, len(g.edges)),
	}
	for n := range g.nodes {
		snap.Nodes = append(snap.Nodes, n)
	}
	sort.Strings(snap.Nodes)
	for src, targets := range g.edges {
		list := make([]string, 0, len(targets))
		for t := range targets {
			list = append(list, t)
		}
		sort.Strings(list)
		snap.Edges[src] = list
	}
	return snap
}

// Restore loads a previously serialized snapshot into the graph,
// merging with whatever is already present.
func (g *LinkGraph) Restore(snap *GraphSnapshot) {
	if snap == nil {
		return
	}
	for _, n := range snap.Nodes {
		g.AddNode(n)
	}
	for src, targets := range snap.Edges {
		for _, t := range targets {
			g.AddEdge(src, t)
		}
	}
}
