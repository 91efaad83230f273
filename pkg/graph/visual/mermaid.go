// Package visual renders dependency graphs for humans. It operates
// directly on *graph.Graph and has no dependency on CI workflow types,
// so both the graph command and the workflow generators can use it.
package visual

import (
	"fmt"
	"sort"
	"strings"

	"github.com/groundctl/groundctl/pkg/addrs"
	"github.com/groundctl/groundctl/pkg/graph"
)

// MermaidOptions controls how a graph is rendered to a Mermaid
// flowchart.
type MermaidOptions struct {
	// GroupByModule wraps each module's instances in a subgraph.
	GroupByModule bool

	// Direction is the flowchart direction: "TD" (top-down) or "LR"
	// (left-right). Defaults to "TD" if empty.
	Direction string

	// Title is an optional diagram title.
	Title string

	// SetupJobs are synthetic nodes prepended to the diagram. CI
	// generators use them for jobs that run before any resource
	// converges.
	SetupJobs []SetupJob

	// SetupJobDependents maps a setup job ID to the instance addresses
	// that depend on it. If empty, root instances depend on all setup
	// jobs.
	SetupJobDependents map[string][]string
}

// SetupJob is a synthetic diagram node for work that precedes the
// resource graph.
type SetupJob struct {
	ID        string
	Label     string
	DependsOn []string
}

// ImageOptions extends MermaidOptions with image rendering settings.
type ImageOptions struct {
	MermaidOptions

	// Width is the PNG width in pixels. 0 means auto.
	Width int

	// Height is the PNG height in pixels. 0 means auto.
	Height int

	// Theme is the Mermaid theme (default, dark, forest, neutral).
	Theme string
}

// RenderMermaid generates a Mermaid flowchart from a dependency graph.
// The output can be embedded in Markdown or rendered by mermaid-cli.
func RenderMermaid(g *graph.Graph, opts MermaidOptions) (string, error) {
	if g == nil {
		return "", fmt.Errorf("graph is nil")
	}

	direction := opts.Direction
	if direction == "" {
		direction = "TD"
	}

	sorted, err := g.TopologicalSort()
	if err != nil {
		return "", fmt.Errorf("failed to sort graph: %w", err)
	}

	var b strings.Builder

	if opts.Title != "" {
		b.WriteString(fmt.Sprintf("---\ntitle: %s\n---\n", opts.Title))
	}

	b.WriteString(fmt.Sprintf("flowchart %s\n", direction))

	displayIDs := make(map[string]string, len(sorted))
	for _, node := range sorted {
		displayIDs[node.ID] = sanitizeMermaidID(node.ID)
	}

	setupJobIDs := make(map[string]bool, len(opts.SetupJobs))
	for _, sj := range opts.SetupJobs {
		setupJobIDs[sj.ID] = true
		b.WriteString(fmt.Sprintf("    %s[\"%s\"]\n", sj.ID, escapeMermaidLabel(sj.Label)))
	}
	if len(opts.SetupJobs) > 0 {
		b.WriteString("\n")
	}

	rootNodes := findRootNodes(sorted)

	if opts.GroupByModule {
		renderGrouped(&b, sorted, displayIDs, opts, rootNodes)
	} else {
		renderFlat(&b, sorted, displayIDs, opts, rootNodes)
	}

	return b.String(), nil
}

func renderFlat(b *strings.Builder, sorted []*graph.Node, displayIDs map[string]string, opts MermaidOptions, rootNodes map[string]bool) {
	for _, node := range sorted {
		b.WriteString(fmt.Sprintf("    %s[\"%s\"]\n", displayIDs[node.ID], escapeMermaidLabel(node.ID)))
	}

	b.WriteString("\n")

	renderSetupEdges(b, opts, displayIDs, rootNodes)
	renderGraphEdges(b, sorted, displayIDs)
}

func renderGrouped(b *strings.Builder, sorted []*graph.Node, displayIDs map[string]string, opts MermaidOptions, rootNodes map[string]bool) {
	moduleNodes := make(map[string][]*graph.Node)
	var moduleOrder []string
	seen := make(map[string]bool)
	for _, node := range sorted {
		path := node.Addr.Module.String()
		if !seen[path] {
			seen[path] = true
			moduleOrder = append(moduleOrder, path)
		}
		moduleNodes[path] = append(moduleNodes[path], node)
	}

	for _, path := range moduleOrder {
		label := path
		if label == "" {
			label = "root"
		}
		b.WriteString(fmt.Sprintf("    subgraph %s [\"%s\"]\n", sanitizeSubgraphID(label), escapeMermaidLabel(label)))
		for _, node := range moduleNodes[path] {
			// Inside a module subgraph the instance label drops the
			// module prefix.
			label := node.Addr.Resource.String()
			if node.Addr.Index != addrs.NoIndex {
				label = fmt.Sprintf("%s[%d]", label, node.Addr.Index)
			}
			b.WriteString(fmt.Sprintf("        %s[\"%s\"]\n", displayIDs[node.ID], escapeMermaidLabel(label)))
		}
		b.WriteString("    end\n\n")
	}

	renderSetupEdges(b, opts, displayIDs, rootNodes)
	renderGraphEdges(b, sorted, displayIDs)
}

func renderSetupEdges(b *strings.Builder, opts MermaidOptions, displayIDs map[string]string, rootNodes map[string]bool) {
	for _, sj := range opts.SetupJobs {
		for _, dep := range sj.DependsOn {
			b.WriteString(fmt.Sprintf("    %s --> %s\n", dep, sj.ID))
		}
	}

	if len(opts.SetupJobs) == 0 {
		return
	}

	if len(opts.SetupJobDependents) > 0 {
		jobIDs := make([]string, 0, len(opts.SetupJobDependents))
		for id := range opts.SetupJobDependents {
			jobIDs = append(jobIDs, id)
		}
		sort.Strings(jobIDs)
		for _, sjID := range jobIDs {
			for _, depID := range opts.SetupJobDependents[sjID] {
				if did, ok := displayIDs[depID]; ok {
					b.WriteString(fmt.Sprintf("    %s --> %s\n", sjID, did))
				}
			}
		}
	} else {
		sortedRoots := sortedKeys(rootNodes)
		for _, sj := range opts.SetupJobs {
			for _, rootID := range sortedRoots {
				if did, ok := displayIDs[rootID]; ok {
					b.WriteString(fmt.Sprintf("    %s --> %s\n", sj.ID, did))
				}
			}
		}
	}

	b.WriteString("\n")
}

func renderGraphEdges(b *strings.Builder, sorted []*graph.Node, displayIDs map[string]string) {
	for _, node := range sorted {
		did := displayIDs[node.ID]
		deps := make([]string, len(node.DependsOn))
		copy(deps, node.DependsOn)
		sort.Strings(deps)

		for _, depID := range deps {
			if depDID, ok := displayIDs[depID]; ok {
				b.WriteString(fmt.Sprintf("    %s --> %s\n", depDID, did))
			}
		}
	}
}

func findRootNodes(sorted []*graph.Node) map[string]bool {
	allIDs := make(map[string]bool, len(sorted))
	for _, n := range sorted {
		allIDs[n.ID] = true
	}

	roots := make(map[string]bool)
	for _, n := range sorted {
		isRoot := true
		for _, dep := range n.DependsOn {
			if allIDs[dep] {
				isRoot = false
				break
			}
		}
		if isRoot {
			roots[n.ID] = true
		}
	}
	return roots
}

// sanitizeMermaidID converts an instance address to a Mermaid-safe
// identifier: dots, brackets, and dashes all become underscores.
func sanitizeMermaidID(id string) string {
	r := strings.NewReplacer(".", "_", "[", "_", "]", "", "-", "_")
	return "n_" + r.Replace(id)
}

func sanitizeSubgraphID(label string) string {
	r := strings.NewReplacer("/", "_", "-", "_", ".", "_", " ", "_")
	return "sg_" + r.Replace(label)
}

func escapeMermaidLabel(s string) string {
	s = strings.ReplaceAll(s, `"`, `#quot;`)
	return s
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
