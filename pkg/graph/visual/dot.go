package visual

import (
	"fmt"
	"sort"
	"strings"

	"github.com/groundctl/groundctl/pkg/graph"
)

// DOTOptions controls Graphviz rendering.
type DOTOptions struct {
	// Name is the digraph name. Defaults to "groundctl".
	Name string

	// Rankdir sets the layout direction: "TB" or "LR". Defaults to
	// "TB".
	Rankdir string
}

// RenderDOT generates a Graphviz digraph from a dependency graph.
// Edges point from a dependency to its dependents, matching the order
// applies run in.
func RenderDOT(g *graph.Graph, opts DOTOptions) (string, error) {
	if g == nil {
		return "", fmt.Errorf("graph is nil")
	}

	name := opts.Name
	if name == "" {
		name = "groundctl"
	}
	rankdir := opts.Rankdir
	if rankdir == "" {
		rankdir = "TB"
	}

	sorted, err := g.TopologicalSort()
	if err != nil {
		return "", fmt.Errorf("failed to sort graph: %w", err)
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("digraph %q {\n", name))
	b.WriteString(fmt.Sprintf("    rankdir = %q;\n", rankdir))
	b.WriteString("    node [shape = box];\n\n")

	for _, node := range sorted {
		b.WriteString(fmt.Sprintf("    %q;\n", node.ID))
	}
	b.WriteString("\n")

	for _, node := range sorted {
		deps := make([]string, len(node.DependsOn))
		copy(deps, node.DependsOn)
		sort.Strings(deps)
		for _, dep := range deps {
			if g.GetNode(dep) == nil {
				continue
			}
			b.WriteString(fmt.Sprintf("    %q -> %q;\n", dep, node.ID))
		}
	}

	b.WriteString("}\n")
	return b.String(), nil
}
