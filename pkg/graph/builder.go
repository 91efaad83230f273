package graph

import (
	"fmt"
	"sort"

	"github.com/hashicorp/hcl/v2"

	"github.com/groundctl/groundctl/pkg/addrs"
	"github.com/groundctl/groundctl/pkg/config"
	"github.com/groundctl/groundctl/pkg/lang"
)

// Builder expands the configuration tree into instance nodes and
// derives edges from expression references. A dependency always means
// "the referenced instance converges first"; values flow along the same
// edges during apply.
type Builder struct {
	cfg  *config.Config
	eval *lang.Evaluator

	graph  *Graph
	counts map[string]int
	diags  hcl.Diagnostics
}

// NewBuilder creates a builder over a loaded configuration and its
// evaluator. Count expressions are resolved during Build, so the
// evaluator must already have root variables bound.
func NewBuilder(cfg *config.Config, eval *lang.Evaluator) *Builder {
	return &Builder{
		cfg:    cfg,
		eval:   eval,
		graph:  NewGraph(),
		counts: map[string]int{},
	}
}

// Build expands every resource into instance nodes, then wires edges
// from attribute references, count expressions, and depends_on hints.
// Module boundaries are traversed: a reference to a module output
// depends on whatever the output's expression references, and a child
// module variable depends on whatever the parent passed in.
func (b *Builder) Build() (*Graph, hcl.Diagnostics) {
	b.walk(b.cfg, func(c *config.Config) { b.expandModule(c) })
	if b.diags.HasErrors() {
		return nil, b.diags
	}

	b.walk(b.cfg, func(c *config.Config) { b.connectModule(c) })
	if b.diags.HasErrors() {
		return nil, b.diags
	}

	return b.graph, b.diags
}

// OutputDependencies resolves each root module output to the resource
// instances its expression references, directly or through locals and
// module outputs. Build must have run first so instance counts are
// known.
func (b *Builder) OutputDependencies() map[string][]string {
	deps := make(map[string][]string, len(b.cfg.Module.Outputs))
	for name, output := range b.cfg.Module.Outputs {
		targetSet := map[string]bool{}
		refs, diags := lang.References(output.Value)
		b.diags = append(b.diags, diags...)
		for _, ref := range refs {
			b.refTargets(b.cfg, ref, targetSet, map[string]bool{})
		}
		ids := make([]string, 0, len(targetSet))
		for id := range targetSet {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		deps[name] = ids
	}
	return deps
}

// walk visits the tree parents-first with children in name order, so
// node insertion and diagnostics are deterministic.
func (b *Builder) walk(c *config.Config, f func(*config.Config)) {
	f(c)
	names := make([]string, 0, len(c.Children))
	for name := range c.Children {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b.walk(c.Children[name], f)
	}
}

// expandModule resolves counts and adds one node per instance.
func (b *Builder) expandModule(c *config.Config) {
	for _, rc := range c.Module.Resources {
		count, diags := b.eval.EvaluateCount(rc, c.Path)
		b.diags = append(b.diags, diags...)
		if diags.HasErrors() {
			continue
		}

		abs := rc.Addr().Absolute(c.Path)
		b.counts[abs.String()] = count
		b.eval.SetResourceCount(abs, count)

		for _, addr := range expandInstances(abs, count) {
			if err := b.graph.AddNode(NewNode(addr, rc)); err != nil {
				b.diags = append(b.diags, &hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Duplicate resource instance",
					Detail:   err.Error(),
					Subject:  rc.DeclRange.Ptr(),
				})
			}
		}
	}
}

// expandInstances lists the instance addresses a count value produces.
// A count of zero produces none: the declaration is structurally absent.
func expandInstances(abs addrs.AbsResource, count int) []addrs.Instance {
	if count == addrs.NoIndex {
		return []addrs.Instance{abs.Instance(addrs.NoIndex)}
	}
	instances := make([]addrs.Instance, 0, count)
	for i := 0; i < count; i++ {
		instances = append(instances, abs.Instance(i))
	}
	return instances
}

func (b *Builder) connectModule(c *config.Config) {
	for _, rc := range c.Module.Resources {
		sourceIDs := b.instanceIDs(rc.Addr().Absolute(c.Path))
		if len(sourceIDs) == 0 {
			continue
		}

		targets := b.resourceDependencies(c, rc)

		for _, sourceID := range sourceIDs {
			for _, targetID := range targets {
				if err := b.graph.AddEdge(sourceID, targetID); err != nil {
					b.diags = append(b.diags, &hcl.Diagnostic{
						Severity: hcl.DiagError,
						Summary:  "Invalid dependency",
						Detail:   err.Error(),
						Subject:  rc.DeclRange.Ptr(),
					})
				}
			}
		}
	}
}

// resourceDependencies collects the node IDs a declaration depends on,
// in stable order.
func (b *Builder) resourceDependencies(c *config.Config, rc *config.Resource) []string {
	targetSet := map[string]bool{}

	names := make([]string, 0, len(rc.Attributes))
	for name := range rc.Attributes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b.exprTargets(c, rc.Attributes[name], targetSet)
	}

	if rc.Count != nil {
		b.exprTargets(c, rc.Count, targetSet)
	}

	b.dependsOnTargets(c, rc, targetSet)

	targets := make([]string, 0, len(targetSet))
	for id := range targetSet {
		targets = append(targets, id)
	}
	sort.Strings(targets)
	return targets
}

func (b *Builder) exprTargets(c *config.Config, expr hcl.Expression, targetSet map[string]bool) {
	refs, diags := lang.References(expr)
	b.diags = append(b.diags, diags...)
	for _, ref := range refs {
		b.refTargets(c, ref, targetSet, map[string]bool{})
	}
}

// refTargets resolves one reference to the instance nodes it depends
// on. Locals, module outputs, and child variables are expanded through
// to the resources behind them; seen guards against unbounded recursion
// on self-referential locals, which the evaluator reports separately.
func (b *Builder) refTargets(c *config.Config, ref *lang.Reference, targetSet map[string]bool, seen map[string]bool) {
	switch subject := ref.Subject.(type) {
	case lang.ResourceRef:
		b.resourceRefTargets(c, subject, ref.SourceRange, targetSet)

	case lang.LocalRef:
		key := c.Path.String() + "|local." + subject.Name
		if seen[key] {
			return
		}
		seen[key] = true
		local, ok := c.Module.Locals[subject.Name]
		if !ok {
			b.diags = append(b.diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Reference to undeclared local value",
				Detail:   fmt.Sprintf("No local value %q is declared in this module.", subject.Name),
				Subject:  ref.SourceRange.Ptr(),
			})
			return
		}
		refs, diags := lang.References(local.Expr)
		b.diags = append(b.diags, diags...)
		for _, nested := range refs {
			b.refTargets(c, nested, targetSet, seen)
		}

	case lang.VarRef:
		b.varRefTargets(c, subject, targetSet, seen)

	case lang.ModuleRef:
		b.moduleRefTargets(c, subject, ref.SourceRange, targetSet, seen)

	case lang.CountIndexRef:
		// Resolves within the instance itself.
	}
}

func (b *Builder) resourceRefTargets(c *config.Config, ref lang.ResourceRef, rng hcl.Range, targetSet map[string]bool) {
	if c.Module.ResourceByAddr(ref.Resource) == nil {
		b.diags = append(b.diags, &hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Reference to undeclared resource",
			Detail:   fmt.Sprintf("No resource %s is declared in this module.", ref.Resource),
			Subject:  rng.Ptr(),
		})
		return
	}

	abs := ref.Resource.Absolute(c.Path)
	count := b.counts[abs.String()]

	if ref.Index != addrs.NoIndex {
		if count == addrs.NoIndex {
			b.diags = append(b.diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid index",
				Detail:   fmt.Sprintf("Resource %s is declared without count and has no instance indexes.", ref.Resource),
				Subject:  rng.Ptr(),
			})
			return
		}
		if ref.Index >= count {
			b.diags = append(b.diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Index out of range",
				Detail:   fmt.Sprintf("Resource %s has count %d, so the highest index is %d.", ref.Resource, count, count-1),
				Subject:  rng.Ptr(),
			})
			return
		}
		targetSet[abs.Instance(ref.Index).String()] = true
		return
	}

	for _, id := range b.instanceIDs(abs) {
		targetSet[id] = true
	}
}

// varRefTargets follows a variable back to the expression the parent
// module passed in. Root module variables come from outside the run and
// carry no dependencies.
func (b *Builder) varRefTargets(c *config.Config, ref lang.VarRef, targetSet map[string]bool, seen map[string]bool) {
	if c.Path.IsRoot() {
		return
	}
	key := c.Path.String() + "|var." + ref.Name
	if seen[key] {
		return
	}
	seen[key] = true

	parentPath := c.Path[:len(c.Path)-1]
	callName := c.Path[len(c.Path)-1]
	parentCfg := b.cfg.Descendant(parentPath)
	if parentCfg == nil {
		return
	}
	call := parentCfg.Module.ModuleCalls[callName]
	if call == nil {
		return
	}
	expr, ok := call.Inputs[ref.Name]
	if !ok {
		return
	}
	refs, diags := lang.References(expr)
	b.diags = append(b.diags, diags...)
	for _, nested := range refs {
		b.refTargets(parentCfg, nested, targetSet, seen)
	}
}

// moduleRefTargets follows a module output back to the resources its
// expression references inside the child scope.
func (b *Builder) moduleRefTargets(c *config.Config, ref lang.ModuleRef, rng hcl.Range, targetSet map[string]bool, seen map[string]bool) {
	childCfg, ok := c.Children[ref.Call]
	if !ok {
		b.diags = append(b.diags, &hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Reference to undeclared module",
			Detail:   fmt.Sprintf("No module %q is declared in this module.", ref.Call),
			Subject:  rng.Ptr(),
		})
		return
	}

	var outputs []*config.Output
	if ref.Output != "" {
		output, ok := childCfg.Module.Outputs[ref.Output]
		if !ok {
			b.diags = append(b.diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Reference to undeclared output",
				Detail:   fmt.Sprintf("Module %q declares no output %q.", ref.Call, ref.Output),
				Subject:  rng.Ptr(),
			})
			return
		}
		key := childCfg.Path.String() + "|output." + ref.Output
		if seen[key] {
			return
		}
		seen[key] = true
		outputs = []*config.Output{output}
	} else {
		names := make([]string, 0, len(childCfg.Module.Outputs))
		for name := range childCfg.Module.Outputs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			key := childCfg.Path.String() + "|output." + name
			if seen[key] {
				continue
			}
			seen[key] = true
			outputs = append(outputs, childCfg.Module.Outputs[name])
		}
	}

	for _, output := range outputs {
		refs, diags := lang.References(output.Value)
		b.diags = append(b.diags, diags...)
		for _, nested := range refs {
			b.refTargets(childCfg, nested, targetSet, seen)
		}
	}
}

// dependsOnTargets handles explicit ordering hints. Entries must name a
// sibling resource or a child module; a module entry orders the
// declaration after every instance in that module's subtree.
func (b *Builder) dependsOnTargets(c *config.Config, rc *config.Resource, targetSet map[string]bool) {
	refs, diags := lang.ReferencesFromTraversals(rc.DependsOn)
	b.diags = append(b.diags, diags...)

	for _, ref := range refs {
		switch subject := ref.Subject.(type) {
		case lang.ResourceRef:
			b.resourceRefTargets(c, subject, ref.SourceRange, targetSet)

		case lang.ModuleRef:
			childPath := c.Path.Child(subject.Call)
			if b.cfg.Descendant(childPath) == nil {
				b.diags = append(b.diags, &hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Reference to undeclared module",
					Detail:   fmt.Sprintf("No module %q is declared in this module.", subject.Call),
					Subject:  ref.SourceRange.Ptr(),
				})
				continue
			}
			for id := range b.subtreeInstances(childPath) {
				targetSet[id] = true
			}

		default:
			b.diags = append(b.diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid depends_on entry",
				Detail:   "depends_on entries must name a resource (kind.name) or a module (module.name).",
				Subject:  ref.SourceRange.Ptr(),
			})
		}
	}
}

// subtreeInstances returns the IDs of every instance at or below the
// given module path.
func (b *Builder) subtreeInstances(path addrs.Module) map[string]bool {
	ids := map[string]bool{}
	prefix := path.String()
	for id, node := range b.graph.Nodes {
		nodePath := node.Addr.Module.String()
		if nodePath == prefix || (len(nodePath) > len(prefix) && nodePath[:len(prefix)+1] == prefix+".") {
			ids[id] = true
		}
	}
	return ids
}

func (b *Builder) instanceIDs(abs addrs.AbsResource) []string {
	count, ok := b.counts[abs.String()]
	if !ok {
		return nil
	}
	instances := expandInstances(abs, count)
	ids := make([]string, 0, len(instances))
	for _, addr := range instances {
		ids = append(ids, addr.String())
	}
	return ids
}
