// Package config parses groundctl declaration files into an in-memory
// representation. Parsing performs no reference resolution and no
// expression evaluation: attribute values are retained as hcl.Expression
// trees for the evaluator, and cross-references are discovered later by
// traversal analysis, never by re-parsing rendered strings.
package config

import (
	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"

	"github.com/groundctl/groundctl/pkg/addrs"
)

// Module holds the declarations of one module scope, exactly as written.
type Module struct {
	// SourceDir is the directory the declarations were loaded from.
	SourceDir string

	Resources   []*Resource
	Variables   map[string]*Variable
	Locals      map[string]*Local
	Outputs     map[string]*Output
	ModuleCalls map[string]*ModuleCall
}

// NewModule returns an empty module scope.
func NewModule(sourceDir string) *Module {
	return &Module{
		SourceDir:   sourceDir,
		Variables:   map[string]*Variable{},
		Locals:      map[string]*Local{},
		Outputs:     map[string]*Output{},
		ModuleCalls: map[string]*ModuleCall{},
	}
}

// ResourceByAddr finds a resource declaration by kind and name.
func (m *Module) ResourceByAddr(addr addrs.Resource) *Resource {
	for _, r := range m.Resources {
		if r.Kind == addr.Kind && r.Name == addr.Name {
			return r
		}
	}
	return nil
}

// Resource is one resource block. Attributes stay unevaluated.
type Resource struct {
	Kind string
	Name string

	// Attributes maps attribute names to their expressions. Reserved
	// names (count, depends_on) are extracted and never appear here.
	Attributes map[string]hcl.Expression

	// Count is the expansion expression, nil when the resource is
	// declared without count.
	Count hcl.Expression

	// DependsOn holds explicit ordering traversals (kind.name or
	// module.name references).
	DependsOn []hcl.Traversal

	Lifecycle Lifecycle

	DeclRange hcl.Range
}

// Addr returns the resource's address relative to its module.
func (r *Resource) Addr() addrs.Resource {
	return addrs.Resource{Kind: r.Kind, Name: r.Name}
}

// Lifecycle carries the lifecycle block settings of a resource.
type Lifecycle struct {
	CreateBeforeDestroy bool
	PreventDestroy      bool
	IgnoreChanges       []string
}

// IgnoresAttribute reports whether diffs on the named attribute are
// suppressed.
func (l Lifecycle) IgnoresAttribute(name string) bool {
	for _, ignored := range l.IgnoreChanges {
		if ignored == name {
			return true
		}
	}
	return false
}

// Variable is a typed module input.
type Variable struct {
	Name        string
	Description string

	// Type is the declared constraint; cty.DynamicPseudoType when the
	// declaration carries no type.
	Type cty.Type

	// Default is cty.NilVal when the variable has no default and must
	// be supplied by the caller.
	Default cty.Value

	Validation *Validation

	DeclRange hcl.Range
}

// Required reports whether a value must be supplied for the variable.
func (v *Variable) Required() bool {
	return v.Default == cty.NilVal
}

// Validation is a predicate a variable value must satisfy before use.
// The condition references the variable through var.<name>.
type Validation struct {
	Condition    hcl.Expression
	ErrorMessage string
	DeclRange    hcl.Range
}

// Local is a named expression local to its module scope.
type Local struct {
	Name      string
	Expr      hcl.Expression
	DeclRange hcl.Range
}

// Output is a named value exported from a module scope. Sensitive
// outputs never appear in plain-text logs or diffs.
type Output struct {
	Name        string
	Description string
	Value       hcl.Expression
	Sensitive   bool
	DeclRange   hcl.Range
}

// ModuleCall instantiates a child module scope.
type ModuleCall struct {
	Name string

	// Source is the child declaration directory: a local path or a
	// git:: URL resolved by the loader. It must be a literal so the
	// configuration tree can be loaded before any evaluation.
	Source string

	// Inputs maps child variable names to expressions evaluated in the
	// parent scope.
	Inputs map[string]hcl.Expression

	DeclRange hcl.Range
}

// Config is a node in the loaded module tree: one scope plus its
// instantiated children, keyed by module call name.
type Config struct {
	Path     addrs.Module
	Module   *Module
	Children map[string]*Config
}

// Descendant returns the configuration at the given module path,
// or nil when the path does not exist.
func (c *Config) Descendant(path addrs.Module) *Config {
	current := c
	for _, name := range path {
		child, ok := current.Children[name]
		if !ok {
			return nil
		}
		current = child
	}
	return current
}

// DeepEach invokes f on the config and every descendant, parents first.
func (c *Config) DeepEach(f func(*Config)) {
	f(c)
	for _, child := range c.Children {
		child.DeepEach(f)
	}
}
