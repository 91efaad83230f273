// Package lang evaluates declaration expressions. Values flow through
// the cty type system: attributes of resources that have not been
// applied yet evaluate to unknown values, and expressions over unknown
// values produce unknown results instead of errors. The engine narrows
// unknowns to concrete values as applies complete and re-evaluates
// whatever depended on them.
package lang

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/gocty"

	"github.com/groundctl/groundctl/pkg/addrs"
	"github.com/groundctl/groundctl/pkg/config"
)

// Scope identifies where an expression is evaluated: the module whose
// names are visible, plus the count index of the evaluating instance
// (addrs.NoIndex outside counted resources).
type Scope struct {
	Module     addrs.Module
	CountIndex int
}

// Evaluator resolves expressions against the loaded configuration and
// the engine's current view of resource values. It is safe for
// concurrent use: the executor narrows values from completion handlers
// while renderers read outputs.
type Evaluator struct {
	cfg   *config.Config
	funcs map[string]function.Function

	mu        sync.RWMutex
	rootVars  map[string]cty.Value
	resources map[string]cty.Value
	counts    map[string]int
}

// NewEvaluator creates an evaluator over a loaded configuration tree.
// Resource counts and values start empty; until they are set, resource
// references evaluate to unknown values.
func NewEvaluator(cfg *config.Config) *Evaluator {
	return &Evaluator{
		cfg:       cfg,
		funcs:     Functions(),
		rootVars:  map[string]cty.Value{},
		resources: map[string]cty.Value{},
		counts:    map[string]int{},
	}
}

// SetRootVariables binds the root module's input variables. Each value
// is converted to the declared type; missing required variables and
// values for undeclared variables are errors. Validation predicates run
// separately through ValidateModuleVariables.
func (e *Evaluator) SetRootVariables(raw map[string]cty.Value) hcl.Diagnostics {
	var diags hcl.Diagnostics
	decls := e.cfg.Module.Variables

	bound := map[string]cty.Value{}
	names := make([]string, 0, len(decls))
	for name := range decls {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		decl := decls[name]
		val, supplied := raw[name]
		if !supplied {
			if decl.Required() {
				diags = append(diags, &hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Missing required variable",
					Detail:   fmt.Sprintf("The variable %q has no default and no value was supplied.", name),
					Subject:  decl.DeclRange.Ptr(),
				})
				continue
			}
			val = decl.Default
		}
		converted, err := convert.Convert(val, decl.Type)
		if err != nil {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid variable value",
				Detail:   fmt.Sprintf("The value for variable %q is not compatible with its declared type: %s.", name, err),
				Subject:  decl.DeclRange.Ptr(),
			})
			continue
		}
		bound[name] = converted
	}

	supplied := make([]string, 0, len(raw))
	for name := range raw {
		supplied = append(supplied, name)
	}
	sort.Strings(supplied)
	for _, name := range supplied {
		if _, ok := decls[name]; !ok {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Value for undeclared variable",
				Detail:   fmt.Sprintf("A value was supplied for %q, but the root module declares no such variable.", name),
			})
		}
	}

	e.mu.Lock()
	e.rootVars = bound
	e.mu.Unlock()
	return diags
}

// SetResourceCount records the expansion width of a resource, as
// decided by its count expression. Pass addrs.NoIndex for resources
// declared without count.
func (e *Evaluator) SetResourceCount(addr addrs.AbsResource, count int) {
	e.mu.Lock()
	e.counts[addr.String()] = count
	e.mu.Unlock()
}

// SetResourceValue narrows one instance to a concrete attribute object,
// either seeded from recorded state or produced by a completed apply.
func (e *Evaluator) SetResourceValue(addr addrs.Instance, val cty.Value) {
	e.mu.Lock()
	e.resources[addr.String()] = val
	e.mu.Unlock()
}

// RemoveResourceValue forgets an instance after it is destroyed.
func (e *Evaluator) RemoveResourceValue(addr addrs.Instance) {
	e.mu.Lock()
	delete(e.resources, addr.String())
	e.mu.Unlock()
}

func (e *Evaluator) resourceValue(addr addrs.Instance) (cty.Value, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	val, ok := e.resources[addr.String()]
	return val, ok
}

func (e *Evaluator) resourceCount(addr addrs.AbsResource) (int, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	count, ok := e.counts[addr.String()]
	return count, ok
}

// EvaluateExpr evaluates one expression in the given scope.
func (e *Evaluator) EvaluateExpr(expr hcl.Expression, scope Scope) (cty.Value, hcl.Diagnostics) {
	return e.evaluateExpr(expr, scope, newEvalStack())
}

func (e *Evaluator) evaluateExpr(expr hcl.Expression, scope Scope, stack *evalStack) (cty.Value, hcl.Diagnostics) {
	refs, diags := References(expr)
	if diags.HasErrors() {
		return cty.NilVal, diags
	}

	ctx, ctxDiags := e.buildEvalContext(refs, scope, stack)
	diags = append(diags, ctxDiags...)
	if diags.HasErrors() {
		return cty.NilVal, diags
	}

	val, valDiags := expr.Value(ctx)
	diags = append(diags, valDiags...)
	return val, diags
}

// EvaluateCount resolves a resource's expansion width. The result must
// be a known non-negative integer at plan time; unlike attribute
// expressions, count may not remain unknown because the shape of the
// graph depends on it.
func (e *Evaluator) EvaluateCount(rc *config.Resource, module addrs.Module) (int, hcl.Diagnostics) {
	if rc.Count == nil {
		return addrs.NoIndex, nil
	}

	val, diags := e.EvaluateExpr(rc.Count, Scope{Module: module, CountIndex: addrs.NoIndex})
	if diags.HasErrors() {
		return 0, diags
	}

	if !val.IsKnown() {
		return 0, hcl.Diagnostics{&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid count value",
			Detail: fmt.Sprintf("The count for %s depends on values that are only known after apply. Count must be resolvable before planning.",
				rc.Addr()),
			Subject: rc.Count.Range().Ptr(),
		}}
	}

	num, err := convert.Convert(val, cty.Number)
	if err != nil {
		return 0, hcl.Diagnostics{&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid count value",
			Detail:   fmt.Sprintf("The count for %s must be a number: %s.", rc.Addr(), err),
			Subject:  rc.Count.Range().Ptr(),
		}}
	}
	var count int
	if err := gocty.FromCtyValue(num, &count); err != nil || count < 0 {
		return 0, hcl.Diagnostics{&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid count value",
			Detail:   fmt.Sprintf("The count for %s must be a non-negative whole number.", rc.Addr()),
			Subject:  rc.Count.Range().Ptr(),
		}}
	}
	return count, nil
}

// EvaluateResourceInstance evaluates every attribute of one resource
// instance and returns them as a single object value. Attributes that
// reference unapplied resources come back unknown.
func (e *Evaluator) EvaluateResourceInstance(rc *config.Resource, addr addrs.Instance) (cty.Value, hcl.Diagnostics) {
	scope := Scope{Module: addr.Module, CountIndex: addr.Index}

	names := make([]string, 0, len(rc.Attributes))
	for name := range rc.Attributes {
		names = append(names, name)
	}
	sort.Strings(names)

	var diags hcl.Diagnostics
	attrs := map[string]cty.Value{}
	for _, name := range names {
		val, moreDiags := e.evaluateExpr(rc.Attributes[name], scope, newEvalStack())
		diags = append(diags, moreDiags...)
		if moreDiags.HasErrors() {
			continue
		}
		attrs[name] = val
	}
	if diags.HasErrors() {
		return cty.NilVal, diags
	}
	return cty.ObjectVal(attrs), nil
}

// ModuleOutputs evaluates the outputs declared at the given module
// path. For the root module these are the run's final outputs; for
// child modules they are the values visible to the parent scope.
func (e *Evaluator) ModuleOutputs(path addrs.Module) (map[string]cty.Value, hcl.Diagnostics) {
	return e.moduleOutputs(path, newEvalStack())
}

func (e *Evaluator) moduleOutputs(path addrs.Module, stack *evalStack) (map[string]cty.Value, hcl.Diagnostics) {
	modCfg := e.cfg.Descendant(path)
	if modCfg == nil {
		return nil, hcl.Diagnostics{&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Unknown module",
			Detail:   fmt.Sprintf("No module is loaded at path %q.", path),
		}}
	}

	names := make([]string, 0, len(modCfg.Module.Outputs))
	for name := range modCfg.Module.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)

	var diags hcl.Diagnostics
	vals := map[string]cty.Value{}
	for _, name := range names {
		output := modCfg.Module.Outputs[name]
		val, moreDiags := e.evaluateExpr(output.Value, Scope{Module: path, CountIndex: addrs.NoIndex}, stack)
		diags = append(diags, moreDiags...)
		if moreDiags.HasErrors() {
			continue
		}
		vals[name] = val
	}
	return vals, diags
}

// ValidateModuleVariables runs the validation predicates of the module
// at path. Predicates whose condition is still unknown are deferred:
// complete is false and the caller re-checks once more values are
// narrowed.
func (e *Evaluator) ValidateModuleVariables(path addrs.Module) (complete bool, diags hcl.Diagnostics) {
	modCfg := e.cfg.Descendant(path)
	if modCfg == nil {
		return true, nil
	}

	names := make([]string, 0, len(modCfg.Module.Variables))
	for name := range modCfg.Module.Variables {
		names = append(names, name)
	}
	sort.Strings(names)

	complete = true
	for _, name := range names {
		decl := modCfg.Module.Variables[name]
		if decl.Validation == nil {
			continue
		}
		result, moreDiags := e.evaluateExpr(decl.Validation.Condition, Scope{Module: path, CountIndex: addrs.NoIndex}, newEvalStack())
		if moreDiags.HasErrors() {
			diags = append(diags, moreDiags...)
			continue
		}
		if !result.IsKnown() {
			complete = false
			continue
		}
		ok, err := convert.Convert(result, cty.Bool)
		if err != nil {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid validation condition",
				Detail:   fmt.Sprintf("The condition for variable %q must produce a boolean.", name),
				Subject:  decl.Validation.DeclRange.Ptr(),
			})
			continue
		}
		if ok.False() {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid value for variable",
				Detail:   fmt.Sprintf("The value for variable %q failed validation: %s", name, decl.Validation.ErrorMessage),
				Subject:  decl.Validation.DeclRange.Ptr(),
			})
		}
	}
	return complete, diags
}

// buildEvalContext materializes exactly the names an expression refers
// to. HCL resolves traversals against whole objects, so each referenced
// namespace is built as an object value covering the names in use.
func (e *Evaluator) buildEvalContext(refs []*Reference, scope Scope, stack *evalStack) (*hcl.EvalContext, hcl.Diagnostics) {
	var diags hcl.Diagnostics

	modCfg := e.cfg.Descendant(scope.Module)
	if modCfg == nil {
		return nil, hcl.Diagnostics{&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Unknown module",
			Detail:   fmt.Sprintf("No module is loaded at path %q.", scope.Module),
		}}
	}

	varAttrs := map[string]cty.Value{}
	localAttrs := map[string]cty.Value{}
	moduleAttrs := map[string]cty.Value{}
	kindAttrs := map[string]map[string]cty.Value{}
	var countIndex cty.Value

	for _, ref := range refs {
		switch subject := ref.Subject.(type) {
		case VarRef:
			vars, varDiags := e.moduleVariables(scope.Module, stack)
			diags = append(diags, varDiags...)
			val, ok := vars[subject.Name]
			if !ok {
				diags = append(diags, &hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Reference to undeclared variable",
					Detail:   fmt.Sprintf("No variable %q is declared in this module.", subject.Name),
					Subject:  ref.SourceRange.Ptr(),
				})
				continue
			}
			varAttrs[subject.Name] = val

		case LocalRef:
			val, localDiags := e.localValue(subject.Name, ref.SourceRange, scope, modCfg, stack)
			diags = append(diags, localDiags...)
			if localDiags.HasErrors() {
				continue
			}
			localAttrs[subject.Name] = val

		case ModuleRef:
			if _, ok := modCfg.Children[subject.Call]; !ok {
				diags = append(diags, &hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Reference to undeclared module",
					Detail:   fmt.Sprintf("No module %q is declared in this module.", subject.Call),
					Subject:  ref.SourceRange.Ptr(),
				})
				continue
			}
			outputs, outDiags := e.moduleOutputs(scope.Module.Child(subject.Call), stack)
			diags = append(diags, outDiags...)
			if outDiags.HasErrors() {
				continue
			}
			moduleAttrs[subject.Call] = cty.ObjectVal(outputs)

		case ResourceRef:
			val, resDiags := e.resourceRefValue(subject, ref.SourceRange, scope, modCfg)
			diags = append(diags, resDiags...)
			if resDiags.HasErrors() {
				continue
			}
			if kindAttrs[subject.Resource.Kind] == nil {
				kindAttrs[subject.Resource.Kind] = map[string]cty.Value{}
			}
			kindAttrs[subject.Resource.Kind][subject.Resource.Name] = val

		case CountIndexRef:
			if scope.CountIndex == addrs.NoIndex {
				diags = append(diags, &hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Invalid count.index reference",
					Detail:   "count.index may only be used inside resources declared with count.",
					Subject:  ref.SourceRange.Ptr(),
				})
				continue
			}
			countIndex = cty.NumberIntVal(int64(scope.CountIndex))
		}
	}

	ctx := &hcl.EvalContext{
		Variables: map[string]cty.Value{},
		Functions: e.funcs,
	}
	if len(varAttrs) > 0 {
		ctx.Variables["var"] = cty.ObjectVal(varAttrs)
	}
	if len(localAttrs) > 0 {
		ctx.Variables["local"] = cty.ObjectVal(localAttrs)
	}
	if len(moduleAttrs) > 0 {
		ctx.Variables["module"] = cty.ObjectVal(moduleAttrs)
	}
	for kind, names := range kindAttrs {
		ctx.Variables[kind] = cty.ObjectVal(names)
	}
	if countIndex != cty.NilVal {
		ctx.Variables["count"] = cty.ObjectVal(map[string]cty.Value{"index": countIndex})
	}
	return ctx, diags
}

// moduleVariables resolves the input variables of the module at path.
// Child module inputs are expressions in the parent scope, so values
// may be unknown until the parent's resources are applied.
func (e *Evaluator) moduleVariables(path addrs.Module, stack *evalStack) (map[string]cty.Value, hcl.Diagnostics) {
	if path.IsRoot() {
		e.mu.RLock()
		defer e.mu.RUnlock()
		vals := make(map[string]cty.Value, len(e.rootVars))
		for name, val := range e.rootVars {
			vals[name] = val
		}
		return vals, nil
	}

	parentPath := path[:len(path)-1]
	callName := path[len(path)-1]
	parentCfg := e.cfg.Descendant(parentPath)
	if parentCfg == nil {
		return nil, hcl.Diagnostics{&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Unknown module",
			Detail:   fmt.Sprintf("No module is loaded at path %q.", parentPath),
		}}
	}
	call := parentCfg.Module.ModuleCalls[callName]
	childCfg := parentCfg.Children[callName]
	if call == nil || childCfg == nil {
		return nil, hcl.Diagnostics{&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Unknown module",
			Detail:   fmt.Sprintf("No module call %q is loaded under %q.", callName, parentPath),
		}}
	}

	names := make([]string, 0, len(childCfg.Module.Variables))
	for name := range childCfg.Module.Variables {
		names = append(names, name)
	}
	sort.Strings(names)

	var diags hcl.Diagnostics
	vals := map[string]cty.Value{}
	for _, name := range names {
		decl := childCfg.Module.Variables[name]
		expr, supplied := call.Inputs[name]
		if !supplied {
			if decl.Default != cty.NilVal {
				vals[name] = decl.Default
			}
			// Missing required inputs are reported at load time.
			continue
		}
		val, moreDiags := e.evaluateExpr(expr, Scope{Module: parentPath, CountIndex: addrs.NoIndex}, stack)
		diags = append(diags, moreDiags...)
		if moreDiags.HasErrors() {
			continue
		}
		converted, err := convert.Convert(val, decl.Type)
		if err != nil {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid module input",
				Detail:   fmt.Sprintf("The input %q is not compatible with the declared type of the module variable: %s.", name, err),
				Subject:  expr.Range().Ptr(),
			})
			continue
		}
		vals[name] = converted
	}
	return vals, diags
}

// localValue evaluates a named local, detecting reference cycles
// between locals in the same module.
func (e *Evaluator) localValue(name string, rng hcl.Range, scope Scope, modCfg *config.Config, stack *evalStack) (cty.Value, hcl.Diagnostics) {
	local, ok := modCfg.Module.Locals[name]
	if !ok {
		return cty.NilVal, hcl.Diagnostics{&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Reference to undeclared local value",
			Detail:   fmt.Sprintf("No local value %q is declared in this module.", name),
			Subject:  rng.Ptr(),
		}}
	}

	key := scope.Module.String() + ":local." + name
	if stack.active[key] {
		return cty.NilVal, hcl.Diagnostics{&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Local value cycle",
			Detail:   fmt.Sprintf("The local values depend on each other: %s.", stack.describeCycle(key)),
			Subject:  local.DeclRange.Ptr(),
		}}
	}

	stack.push(key)
	defer stack.pop()
	// Locals are module-level names, so count.index is never in scope.
	return e.evaluateExpr(local.Expr, Scope{Module: scope.Module, CountIndex: addrs.NoIndex}, stack)
}

// resourceRefValue builds the value of a kind.name reference. Counted
// resources appear as tuples of instance objects, count = 0 collapses
// to an empty tuple, and instances without recorded values appear as
// unknown.
func (e *Evaluator) resourceRefValue(ref ResourceRef, rng hcl.Range, scope Scope, modCfg *config.Config) (cty.Value, hcl.Diagnostics) {
	if modCfg.Module.ResourceByAddr(ref.Resource) == nil {
		return cty.NilVal, hcl.Diagnostics{&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Reference to undeclared resource",
			Detail:   fmt.Sprintf("No resource %s is declared in this module.", ref.Resource),
			Subject:  rng.Ptr(),
		}}
	}

	abs := ref.Resource.Absolute(scope.Module)
	count, known := e.resourceCount(abs)
	if !known {
		return cty.UnknownVal(cty.DynamicPseudoType), nil
	}

	if count == addrs.NoIndex {
		return e.instanceValue(abs.Instance(addrs.NoIndex)), nil
	}
	if count == 0 {
		return cty.EmptyTupleVal, nil
	}
	instances := make([]cty.Value, count)
	for i := 0; i < count; i++ {
		instances[i] = e.instanceValue(abs.Instance(i))
	}
	return cty.TupleVal(instances), nil
}

func (e *Evaluator) instanceValue(addr addrs.Instance) cty.Value {
	if val, ok := e.resourceValue(addr); ok {
		return val
	}
	return cty.UnknownVal(cty.DynamicPseudoType)
}

// evalStack tracks the chain of local values currently being evaluated
// so self-referential locals fail with the cycle spelled out instead of
// recursing forever.
type evalStack struct {
	order  []string
	active map[string]bool
}

func newEvalStack() *evalStack {
	return &evalStack{active: map[string]bool{}}
}

func (s *evalStack) push(key string) {
	s.order = append(s.order, key)
	s.active[key] = true
}

func (s *evalStack) pop() {
	key := s.order[len(s.order)-1]
	s.order = s.order[:len(s.order)-1]
	delete(s.active, key)
}

func (s *evalStack) describeCycle(repeat string) string {
	start := 0
	for i, key := range s.order {
		if key == repeat {
			start = i
			break
		}
	}
	parts := make([]string, 0, len(s.order)-start+1)
	for _, key := range s.order[start:] {
		parts = append(parts, key[strings.Index(key, ":")+1:])
	}
	parts = append(parts, repeat[strings.Index(repeat, ":")+1:])
	return strings.Join(parts, " -> ")
}
