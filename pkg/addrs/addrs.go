// Package addrs defines the addresses that identify resource instances
// within the module hierarchy. An address is the uniqueness key the rest
// of the engine is built around: graph nodes, plan actions, and state
// records are all keyed by Instance addresses.
//
// String forms:
//
//	network.main                  resource in the root module
//	network.main[2]               count-expanded instance
//	module.app.database.primary   resource in a child module
package addrs

import (
	"fmt"
	"strconv"
	"strings"
)

// NoIndex marks an instance that was not produced by count expansion.
const NoIndex = -1

// Module is the path of module names from the root. The root module is
// the empty path.
type Module []string

// RootModule is the path of the top-level module.
var RootModule = Module{}

// Child returns the path of a directly nested module.
func (m Module) Child(name string) Module {
	path := make(Module, 0, len(m)+1)
	path = append(path, m...)
	return append(path, name)
}

// IsRoot reports whether the path identifies the root module.
func (m Module) IsRoot() bool {
	return len(m) == 0
}

func (m Module) String() string {
	if len(m) == 0 {
		return ""
	}
	parts := make([]string, 0, len(m)*2)
	for _, name := range m {
		parts = append(parts, "module", name)
	}
	return strings.Join(parts, ".")
}

// Equal reports whether two module paths are identical.
func (m Module) Equal(other Module) bool {
	if len(m) != len(other) {
		return false
	}
	for i := range m {
		if m[i] != other[i] {
			return false
		}
	}
	return true
}

// Resource identifies a resource declaration by kind and logical name,
// without module context.
type Resource struct {
	Kind string
	Name string
}

func (r Resource) String() string {
	return r.Kind + "." + r.Name
}

// Absolute binds the resource to a module path.
func (r Resource) Absolute(module Module) AbsResource {
	return AbsResource{Module: module, Resource: r}
}

// AbsResource is a resource declaration addressed from the root module.
// It covers all instances of a counted resource.
type AbsResource struct {
	Module   Module
	Resource Resource
}

func (r AbsResource) String() string {
	if r.Module.IsRoot() {
		return r.Resource.String()
	}
	return r.Module.String() + "." + r.Resource.String()
}

// Instance returns the address of one expanded instance. Pass NoIndex
// for resources declared without count.
func (r AbsResource) Instance(index int) Instance {
	return Instance{Module: r.Module, Resource: r.Resource, Index: index}
}

// Instance is the address of exactly one resource instance. It is the
// uniqueness key within the whole configuration: (module, kind, name,
// index).
type Instance struct {
	Module   Module
	Resource Resource
	Index    int
}

func (i Instance) String() string {
	base := i.Resource.String()
	if !i.Module.IsRoot() {
		base = i.Module.String() + "." + base
	}
	if i.Index == NoIndex {
		return base
	}
	return fmt.Sprintf("%s[%d]", base, i.Index)
}

// ContainingResource strips the instance index.
func (i Instance) ContainingResource() AbsResource {
	return AbsResource{Module: i.Module, Resource: i.Resource}
}

// Less orders instances by module path, kind, name, then index. Used
// wherever deterministic output matters.
func (i Instance) Less(other Instance) bool {
	if a, b := i.Module.String(), other.Module.String(); a != b {
		return a < b
	}
	if i.Resource.Kind != other.Resource.Kind {
		return i.Resource.Kind < other.Resource.Kind
	}
	if i.Resource.Name != other.Resource.Name {
		return i.Resource.Name < other.Resource.Name
	}
	return i.Index < other.Index
}

// ParseInstance parses the string form of an instance address. It
// accepts all forms produced by Instance.String.
func ParseInstance(addr string) (Instance, error) {
	rest := addr
	index := NoIndex

	if open := strings.LastIndex(rest, "["); open >= 0 {
		if !strings.HasSuffix(rest, "]") {
			return Instance{}, fmt.Errorf("invalid address %q: unterminated index", addr)
		}
		raw := rest[open+1 : len(rest)-1]
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return Instance{}, fmt.Errorf("invalid address %q: index %q is not a non-negative integer", addr, raw)
		}
		index = n
		rest = rest[:open]
	}

	parts := strings.Split(rest, ".")
	var module Module
	for len(parts) > 2 && parts[0] == "module" {
		module = module.Child(parts[1])
		parts = parts[2:]
	}
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Instance{}, fmt.Errorf("invalid address %q: expected <kind>.<name> after module path", addr)
	}

	return Instance{
		Module:   module,
		Resource: Resource{Kind: parts[0], Name: parts[1]},
		Index:    index,
	}, nil
}
