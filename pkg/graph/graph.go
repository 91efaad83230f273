package graph

import (
	"fmt"
	"sort"

	"github.com/groundctl/groundctl/pkg/errors"
)

// Graph is the dependency graph of resource instances for one
// configuration tree.
type Graph struct {
	// Nodes maps instance address strings to nodes.
	Nodes map[string]*Node
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{Nodes: make(map[string]*Node)}
}

// AddNode adds a node to the graph.
func (g *Graph) AddNode(node *Node) error {
	if _, exists := g.Nodes[node.ID]; exists {
		return fmt.Errorf("node %s already exists", node.ID)
	}
	g.Nodes[node.ID] = node
	return nil
}

// GetNode returns a node by instance address string.
func (g *Graph) GetNode(id string) *Node {
	return g.Nodes[id]
}

// AddEdge adds a dependency edge from dependent to dependency.
func (g *Graph) AddEdge(dependentID, dependencyID string) error {
	dependent := g.GetNode(dependentID)
	if dependent == nil {
		return fmt.Errorf("dependent node %s not found", dependentID)
	}

	dependency := g.GetNode(dependencyID)
	if dependency == nil {
		return fmt.Errorf("dependency node %s not found", dependencyID)
	}

	dependent.AddDependency(dependencyID)
	dependency.AddDependent(dependentID)

	return nil
}

// Instances returns all nodes ordered by address. Every consumer that
// produces user-visible output iterates in this order.
func (g *Graph) Instances() []*Node {
	nodes := make([]*Node, 0, len(g.Nodes))
	for _, node := range g.Nodes {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].Addr.Less(nodes[j].Addr)
	})
	return nodes
}

// TopologicalSort returns nodes in dependency order (dependencies
// first). Ties break by address so the order is identical across runs.
// A cycle fails with the offending path spelled out.
func (g *Graph) TopologicalSort() ([]*Node, error) {
	inDegree := make(map[string]int, len(g.Nodes))
	for id, node := range g.Nodes {
		inDegree[id] = len(node.DependsOn)
	}

	var queue []string
	for id, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	var result []*Node
	for len(queue) > 0 {
		nodeID := queue[0]
		queue = queue[1:]

		node := g.Nodes[nodeID]
		result = append(result, node)

		for _, dependentID := range node.DependedOnBy {
			inDegree[dependentID]--
			if inDegree[dependentID] == 0 {
				queue = append(queue, dependentID)
				sort.Strings(queue)
			}
		}
	}

	if len(result) != len(g.Nodes) {
		remaining := make(map[string]bool, len(g.Nodes)-len(result))
		for id := range g.Nodes {
			remaining[id] = true
		}
		for _, node := range result {
			delete(remaining, node.ID)
		}
		return nil, errors.CycleError(g.findCycle(remaining))
	}

	return result, nil
}

// ReverseTopologicalSort returns nodes in reverse dependency order
// (dependents first), the order destroys run in.
func (g *Graph) ReverseTopologicalSort() ([]*Node, error) {
	sorted, err := g.TopologicalSort()
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(sorted)-1; i < j; i, j = i+1, j-1 {
		sorted[i], sorted[j] = sorted[j], sorted[i]
	}

	return sorted, nil
}

// DependencyClosure returns the given nodes plus everything they
// transitively depend on. Used to restrict runs to a target set.
func (g *Graph) DependencyClosure(ids []string) map[string]bool {
	closure := make(map[string]bool)
	stack := append([]string{}, ids...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if closure[id] {
			continue
		}
		node := g.GetNode(id)
		if node == nil {
			continue
		}
		closure[id] = true
		stack = append(stack, node.DependsOn...)
	}
	return closure
}

// findCycle extracts one concrete cycle from the nodes Kahn's algorithm
// could not order. The walk is depth-first over sorted edges so the
// reported path is stable.
func (g *Graph) findCycle(remaining map[string]bool) []string {
	onPath := map[string]int{}
	var path []string
	visited := map[string]bool{}

	var visit func(id string) []string
	visit = func(id string) []string {
		if pos, ok := onPath[id]; ok {
			cycle := append([]string{}, path[pos:]...)
			return append(cycle, id)
		}
		if visited[id] {
			return nil
		}

		onPath[id] = len(path)
		path = append(path, id)

		deps := append([]string{}, g.Nodes[id].DependsOn...)
		sort.Strings(deps)
		for _, dep := range deps {
			if !remaining[dep] {
				continue
			}
			if cycle := visit(dep); cycle != nil {
				return cycle
			}
		}

		delete(onPath, id)
		path = path[:len(path)-1]
		visited[id] = true
		return nil
	}

	ids := make([]string, 0, len(remaining))
	for id := range remaining {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if cycle := visit(id); cycle != nil {
			return cycle
		}
	}
	return ids
}
