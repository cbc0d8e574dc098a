package resolver

import (
	"sort"

	"github.com/moduleplane/moduleplane/internal/models"
)

// GraphNode is one selected provider in the dependency graph.
type GraphNode struct {
	ModuleID string
	Version  string
	Status   models.ModuleStatus
	Depth    int
	Required bool
}

// GraphEdge records that FromID depends on ToID under Constraint.
type GraphEdge struct {
	FromID     string
	ToID       string
	Constraint string
	Type       models.DependencyType
}

// Graph is a dependency graph keyed by module ID. One node per module:
// re-adding a node merges depth (minimum wins) and requiredness (required
// wins).
type Graph struct {
	nodes     map[string]*GraphNode
	edges     []*GraphEdge
	adjacency map[string][]string
}

func NewGraph() *Graph {
	return &Graph{
		nodes:     make(map[string]*GraphNode),
		adjacency: make(map[string][]string),
	}
}

// AddNode inserts or merges a node.
func (g *Graph) AddNode(node *GraphNode) {
	existing, ok := g.nodes[node.ModuleID]
	if !ok {
		g.nodes[node.ModuleID] = node
		return
	}
	if node.Depth < existing.Depth {
		existing.Depth = node.Depth
	}
	if node.Required {
		existing.Required = true
	}
}

// AddEdge records a dependency edge and updates adjacency.
func (g *Graph) AddEdge(edge *GraphEdge) {
	g.edges = append(g.edges, edge)
	g.adjacency[edge.FromID] = append(g.adjacency[edge.FromID], edge.ToID)
}

func (g *Graph) Node(moduleID string) (*GraphNode, bool) {
	n, ok := g.nodes[moduleID]
	return n, ok
}

func (g *Graph) HasNode(moduleID string) bool {
	_, ok := g.nodes[moduleID]
	return ok
}

// Dependencies returns the direct dependency IDs of moduleID.
func (g *Graph) Dependencies(moduleID string) []string {
	return g.adjacency[moduleID]
}

func (g *Graph) NodeCount() int { return len(g.nodes) }
func (g *Graph) EdgeCount() int { return len(g.edges) }

// Nodes returns all nodes in deterministic ID order.
func (g *Graph) Nodes() []*GraphNode {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*GraphNode, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.nodes[id])
	}
	return out
}

func (g *Graph) Edges() []*GraphEdge { return g.edges }

// MaxDepth returns the deepest node level in the graph.
func (g *Graph) MaxDepth() int {
	max := 0
	for _, n := range g.nodes {
		if n.Depth > max {
			max = n.Depth
		}
	}
	return max
}

// TopologicalSort returns module IDs in activation order, dependencies
// before dependents. Ties break lexicographically so order is stable. A
// cycle yields an error; callers detect cycles first for a better message.
func (g *Graph) TopologicalSort() ([]string, error) {
	inDegree := make(map[string]int, len(g.nodes))
	dependents := make(map[string][]string, len(g.nodes))
	for id := range g.nodes {
		inDegree[id] = 0
	}
	for _, e := range g.edges {
		if _, ok := g.nodes[e.FromID]; !ok {
			continue
		}
		if _, ok := g.nodes[e.ToID]; !ok {
			continue
		}
		inDegree[e.FromID]++
		dependents[e.ToID] = append(dependents[e.ToID], e.FromID)
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(g.nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		var ready []string
		for _, dep := range dependents[id] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
		sort.Strings(ready)
		queue = append(queue, ready...)
	}

	if len(order) != len(g.nodes) {
		return nil, models.Errorf(models.ErrDependencyConflict, "dependency graph contains a cycle")
	}
	return order, nil
}
