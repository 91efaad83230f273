package lang

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"

	"github.com/groundctl/groundctl/pkg/addrs"
)

// Reference is one use of a named object inside an expression, found by
// traversal analysis of the expression tree. Rendered strings are never
// re-parsed to discover references.
type Reference struct {
	Subject     RefSubject
	SourceRange hcl.Range
}

// RefSubject identifies what a reference points at within its module
// scope.
type RefSubject interface {
	refKey() string
}

// VarRef is a reference to a module input: var.<name>.
type VarRef struct {
	Name string
}

func (r VarRef) refKey() string { return "var." + r.Name }

// LocalRef is a reference to a named local value: local.<name>.
type LocalRef struct {
	Name string
}

func (r LocalRef) refKey() string { return "local." + r.Name }

// ModuleRef is a reference to a child module output:
// module.<call>.<output>. Output is empty when the expression captures
// the whole output object.
type ModuleRef struct {
	Call   string
	Output string
}

func (r ModuleRef) refKey() string {
	if r.Output == "" {
		return "module." + r.Call
	}
	return "module." + r.Call + "." + r.Output
}

// ResourceRef is a reference to a sibling resource's attributes:
// <kind>.<name> or <kind>.<name>[i]. Index is addrs.NoIndex when the
// whole expansion is referenced.
type ResourceRef struct {
	Resource addrs.Resource
	Index    int
}

func (r ResourceRef) refKey() string {
	if r.Index == addrs.NoIndex {
		return r.Resource.String()
	}
	return fmt.Sprintf("%s[%d]", r.Resource, r.Index)
}

// CountIndexRef is the count.index symbol, valid only inside resources
// declared with count.
type CountIndexRef struct{}

func (r CountIndexRef) refKey() string { return "count.index" }

// References returns every reference an expression makes, in traversal
// order with duplicates removed.
func References(expr hcl.Expression) ([]*Reference, hcl.Diagnostics) {
	return referencesFromTraversals(expr.Variables())
}

// ReferencesFromTraversals parses pre-collected traversals, as produced
// by depends_on.
func ReferencesFromTraversals(traversals []hcl.Traversal) ([]*Reference, hcl.Diagnostics) {
	return referencesFromTraversals(traversals)
}

func referencesFromTraversals(traversals []hcl.Traversal) ([]*Reference, hcl.Diagnostics) {
	var refs []*Reference
	var diags hcl.Diagnostics
	seen := map[string]bool{}

	for _, traversal := range traversals {
		ref, refDiags := ParseRef(traversal)
		diags = append(diags, refDiags...)
		if ref == nil {
			continue
		}
		key := ref.Subject.refKey()
		if seen[key] {
			continue
		}
		seen[key] = true
		refs = append(refs, ref)
	}

	return refs, diags
}

// ParseRef classifies a single traversal. The root name decides the
// namespace; every root other than var, local, module, and count names
// a resource kind.
func ParseRef(traversal hcl.Traversal) (*Reference, hcl.Diagnostics) {
	root := traversal.RootName()
	rng := traversal.SourceRange()

	switch root {
	case "var":
		name, diags := attrAfterRoot(traversal, "var", "a variable name")
		if diags.HasErrors() {
			return nil, diags
		}
		return &Reference{Subject: VarRef{Name: name}, SourceRange: rng}, nil

	case "local":
		name, diags := attrAfterRoot(traversal, "local", "a local value name")
		if diags.HasErrors() {
			return nil, diags
		}
		return &Reference{Subject: LocalRef{Name: name}, SourceRange: rng}, nil

	case "module":
		call, diags := attrAfterRoot(traversal, "module", "a module call name")
		if diags.HasErrors() {
			return nil, diags
		}
		ref := ModuleRef{Call: call}
		if len(traversal) > 2 {
			if attr, ok := traversal[2].(hcl.TraverseAttr); ok {
				ref.Output = attr.Name
			}
		}
		return &Reference{Subject: ref, SourceRange: rng}, nil

	case "count":
		name, diags := attrAfterRoot(traversal, "count", `the keyword "index"`)
		if diags.HasErrors() {
			return nil, diags
		}
		if name != "index" {
			return nil, hcl.Diagnostics{&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid count reference",
				Detail:   fmt.Sprintf(`The "count" object has only one attribute, "index", but %q was accessed.`, name),
				Subject:  rng.Ptr(),
			}}
		}
		return &Reference{Subject: CountIndexRef{}, SourceRange: rng}, nil

	default:
		name, diags := attrAfterRoot(traversal, root, "a resource name")
		if diags.HasErrors() {
			return nil, diags
		}
		ref := ResourceRef{
			Resource: addrs.Resource{Kind: root, Name: name},
			Index:    addrs.NoIndex,
		}
		if len(traversal) > 2 {
			if idx, ok := traversal[2].(hcl.TraverseIndex); ok && idx.Key.Type() == cty.Number {
				i64, _ := idx.Key.AsBigFloat().Int64()
				ref.Index = int(i64)
			}
		}
		return &Reference{Subject: ref, SourceRange: rng}, nil
	}
}

// attrAfterRoot extracts the attribute step immediately after the
// traversal root, the common shape of every reference namespace.
func attrAfterRoot(traversal hcl.Traversal, root, want string) (string, hcl.Diagnostics) {
	if len(traversal) < 2 {
		return "", hcl.Diagnostics{&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid reference",
			Detail:   fmt.Sprintf("The %q object must be followed by %s.", root, want),
			Subject:  traversal.SourceRange().Ptr(),
		}}
	}
	attr, ok := traversal[1].(hcl.TraverseAttr)
	if !ok {
		return "", hcl.Diagnostics{&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid reference",
			Detail:   fmt.Sprintf("The %q object does not support index access; expected %s.", root, want),
			Subject:  traversal.SourceRange().Ptr(),
		}}
	}
	return attr.Name, nil
}
