// Package planner turns a dependency graph and the recorded state into
// an ordered list of changes. Classification compares each desired
// instance against its state record: absent records become creates,
// differing attributes become updates or replacements, and records with
// no declaration left become deletes. The planner never mutates state;
// applies happen in the executor.
package planner

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/zclconf/go-cty/cty"

	"github.com/groundctl/groundctl/pkg/addrs"
	"github.com/groundctl/groundctl/pkg/config"
	"github.com/groundctl/groundctl/pkg/errors"
	"github.com/groundctl/groundctl/pkg/graph"
	"github.com/groundctl/groundctl/pkg/lang"
	"github.com/groundctl/groundctl/pkg/provider"
	"github.com/groundctl/groundctl/pkg/state/types"
)

// Action identifies what the executor will do to an instance.
type Action string

const (
	ActionCreate  Action = "create"
	ActionUpdate  Action = "update"
	ActionReplace Action = "replace"
	ActionDelete  Action = "delete"
	ActionNoop    Action = "noop"
)

// PlanVersion is the format version of serialized plans.
const PlanVersion = 1

// AttributeDiff describes one attribute-level change.
type AttributeDiff struct {
	Path string      `json:"path"`
	Old  interface{} `json:"old"`
	New  interface{} `json:"new"`

	// ForcesReplacement marks attributes that cannot change in place,
	// per the provider schema.
	ForcesReplacement bool `json:"forces_replacement,omitempty"`
}

// Unknown is the diff placeholder for a value that is only known after
// apply.
type Unknown struct{}

func (Unknown) String() string { return "(known after apply)" }

func (Unknown) MarshalJSON() ([]byte, error) { return []byte(`"(known after apply)"`), nil }

// Change is one planned action against one resource instance.
type Change struct {
	Address string `json:"address"`
	Kind    string `json:"kind"`
	Action  Action `json:"action"`

	// Node is the desired instance; nil when the record is no longer
	// declared and the change is a state-only delete.
	Node *graph.Node `json:"-"`

	// Prior is the state record the classification compared against,
	// refreshed when drift refresh ran. Nil when creating.
	Prior *types.Record `json:"-"`

	// Diffs lists attribute changes, sorted by path. Attributes named
	// by ignore_changes never appear here.
	Diffs []AttributeDiff `json:"diffs,omitempty"`

	// CreateBeforeDestroy orders the two steps of a replacement: the
	// new object is created and recorded before the old one is removed.
	CreateBeforeDestroy bool `json:"create_before_destroy,omitempty"`

	// After lists addresses whose changes must complete before this one
	// starts.
	After []string `json:"after,omitempty"`

	// Drifted names attributes that changed outside groundctl since the
	// record was written. Informational; the action already accounts
	// for the observed values.
	Drifted []string `json:"drifted,omitempty"`

	Reason string `json:"reason,omitempty"`
}

// Plan is an ordered list of changes plus summary counters.
type Plan struct {
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	Changes   []*Change `json:"changes"`

	ToCreate  int `json:"to_create"`
	ToUpdate  int `json:"to_update"`
	ToReplace int `json:"to_replace"`
	ToDelete  int `json:"to_delete"`
	NoChange  int `json:"no_change"`
}

// IsEmpty reports whether applying the plan would change anything.
func (p *Plan) IsEmpty() bool {
	return p.ToCreate == 0 && p.ToUpdate == 0 && p.ToReplace == 0 && p.ToDelete == 0
}

// Change returns the planned change for an instance address, or nil.
func (p *Plan) Change(address string) *Change {
	for _, change := range p.Changes {
		if change.Address == address {
			return change
		}
	}
	return nil
}

func (p *Plan) add(change *Change) {
	p.Changes = append(p.Changes, change)
	switch change.Action {
	case ActionCreate:
		p.ToCreate++
	case ActionUpdate:
		p.ToUpdate++
	case ActionReplace:
		p.ToReplace++
	case ActionDelete:
		p.ToDelete++
	case ActionNoop:
		p.NoChange++
	}
}

// Options configures planning behavior.
type Options struct {
	// Refresh reads every relevant recorded object before
	// classification so the plan works from observed reality rather
	// than the last write.
	Refresh bool

	// Targets restricts the plan to the named addresses plus their
	// dependency closure. State-only deletes are planned only for
	// records matching a target. Empty plans everything.
	Targets []string

	// Retry bounds refresh reads against transient provider failures.
	Retry provider.RetryPolicy
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		Refresh: true,
		Retry:   provider.DefaultRetryPolicy(),
	}
}

// Planner generates plans.
type Planner struct {
	cfg       *config.Config
	providers *provider.Registry
	eval      *lang.Evaluator
	options   Options
}

// NewPlanner creates a planner with default options.
func NewPlanner(cfg *config.Config, providers *provider.Registry, eval *lang.Evaluator) *Planner {
	return NewPlannerWithOptions(cfg, providers, eval, DefaultOptions())
}

// NewPlannerWithOptions creates a planner.
func NewPlannerWithOptions(cfg *config.Config, providers *provider.Registry, eval *lang.Evaluator, opts Options) *Planner {
	return &Planner{
		cfg:       cfg,
		providers: providers,
		eval:      eval,
		options:   opts,
	}
}

// Plan compares the desired graph against the recorded state and
// returns the changes that converge them. The graph is cycle-checked
// before any provider is consulted.
func (p *Planner) Plan(ctx context.Context, g *graph.Graph, doc *types.Document) (*Plan, error) {
	sorted, err := g.TopologicalSort()
	if err != nil {
		return nil, err
	}

	targets, err := parseTargets(p.options.Targets)
	if err != nil {
		return nil, err
	}

	effective := effectiveDocument(doc)

	var planned map[string]bool
	if targets != nil {
		planned, err = targetClosure(g, effective, targets)
		if err != nil {
			return nil, err
		}
	}

	include := func(rec *types.Record) bool {
		if targets == nil {
			return true
		}
		if g.GetNode(rec.Address) != nil {
			return planned[rec.Address]
		}
		addr, err := addrs.ParseInstance(rec.Address)
		if err != nil {
			return false
		}
		return matchesTargets(addr, targets)
	}

	var drifted map[string][]string
	if p.options.Refresh {
		drifted, err = p.refresh(ctx, effective, include)
		if err != nil {
			return nil, err
		}
	}

	plan := newPlan()
	schemas := map[string]provider.Schema{}

	for _, node := range sorted {
		if planned != nil && !planned[node.ID] {
			continue
		}
		record := effective.Record(node.ID)
		change, err := p.classify(node, record, drifted[node.ID], schemas)
		if err != nil {
			return nil, err
		}
		plan.add(change)
		p.seedPlannedValue(node, change, record)
	}

	// Records with no declaration left become state-only deletes, run
	// after the changes of anything that previously depended on them.
	orphans := make([]*types.Record, 0)
	for _, record := range effective.Records {
		if g.GetNode(record.Address) != nil {
			continue
		}
		if targets != nil && !include(record) {
			continue
		}
		if rc := p.configResource(record.Address); rc != nil && rc.Lifecycle.PreventDestroy {
			return nil, errors.PlanRejected(record.Address, "resource is protected by prevent_destroy")
		}
		orphans = append(orphans, record)
	}

	ordered, err := deleteOrder(orphans)
	if err != nil {
		return nil, err
	}
	for _, record := range ordered {
		change := &Change{
			Address: record.Address,
			Kind:    record.Kind,
			Action:  ActionDelete,
			Prior:   record,
			After:   p.deleteAfter(record, orphans, plan.Changes),
			Drifted: drifted[record.Address],
			Reason:  "resource no longer declared",
		}
		plan.add(change)
		if addr, err := addrs.ParseInstance(record.Address); err == nil {
			p.eval.RemoveResourceValue(addr)
		}
	}

	return plan, nil
}

// PlanDestroy plans the removal of everything recorded in state, in
// reverse dependency order. Targets restrict the set to the named
// addresses plus every record depending on them.
func (p *Planner) PlanDestroy(ctx context.Context, g *graph.Graph, doc *types.Document) (*Plan, error) {
	if _, err := g.TopologicalSort(); err != nil {
		return nil, err
	}

	targets, err := parseTargets(p.options.Targets)
	if err != nil {
		return nil, err
	}

	effective := effectiveDocument(doc)

	if p.options.Refresh {
		// Destroy refreshes everything: records outside the target set
		// still order the deletes through their dependencies.
		if _, err := p.refresh(ctx, effective, func(*types.Record) bool { return true }); err != nil {
			return nil, err
		}
	}

	doomed := effective.Records
	if targets != nil {
		doomed, err = dependentClosure(effective.Records, targets)
		if err != nil {
			return nil, err
		}
	}

	for _, record := range doomed {
		if node := g.GetNode(record.Address); node != nil {
			if node.Config.Lifecycle.PreventDestroy {
				return nil, errors.PlanRejected(record.Address, "resource is protected by prevent_destroy")
			}
			continue
		}
		if rc := p.configResource(record.Address); rc != nil && rc.Lifecycle.PreventDestroy {
			return nil, errors.PlanRejected(record.Address, "resource is protected by prevent_destroy")
		}
	}

	ordered, err := deleteOrder(doomed)
	if err != nil {
		return nil, err
	}

	plan := newPlan()
	for _, record := range ordered {
		plan.add(&Change{
			Address: record.Address,
			Kind:    record.Kind,
			Action:  ActionDelete,
			Node:    g.GetNode(record.Address),
			Prior:   record,
			After:   p.deleteAfter(record, doomed, nil),
			Reason:  "destroy requested",
		})
	}
	return plan, nil
}

func newPlan() *Plan {
	return &Plan{
		Version:   PlanVersion,
		CreatedAt: time.Now().UTC(),
	}
}

func effectiveDocument(doc *types.Document) *types.Document {
	if doc == nil {
		return types.NewDocument()
	}
	return doc.DeepCopy()
}

// refresh reads every included record from its provider and folds the
// observed attributes back into the working document. Objects the
// provider no longer knows are dropped, so a still-desired instance
// plans as a create.
func (p *Planner) refresh(ctx context.Context, effective *types.Document, include func(*types.Record) bool) (map[string][]string, error) {
	drifted := map[string][]string{}

	records := append([]*types.Record{}, effective.Records...)
	for _, record := range records {
		if !include(record) {
			continue
		}

		addr, err := addrs.ParseInstance(record.Address)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeValidation,
				fmt.Sprintf("state record %q has an unparseable address", record.Address), err)
		}

		prov, err := p.providers.Get(record.Kind)
		if err != nil {
			return nil, err
		}

		var resp *provider.ReadResponse
		err = p.options.Retry.Do(ctx, func(ctx context.Context) error {
			var readErr error
			resp, readErr = prov.Read(ctx, provider.ReadRequest{
				Address:    addr,
				ProviderID: record.ProviderID,
			})
			return readErr
		})
		if errors.IsNotFound(err) {
			effective.RemoveRecord(record.Address)
			p.eval.RemoveResourceValue(addr)
			continue
		}
		if err != nil {
			if _, ok := err.(*errors.Error); !ok {
				err = errors.ProviderFailure(record.Kind, record.Address, string(provider.OpRead), false, err)
			}
			return nil, err
		}

		observed := types.NormalizeAttributes(resp.Attributes)
		changed := driftedAttributes(types.NormalizeAttributes(record.Attributes), observed)
		if len(changed) > 0 {
			drifted[record.Address] = changed
			record.Attributes = observed
			effective.SetRecord(record)
		}

		val, err := lang.ValueFromAttributes(observed)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeValidation,
				fmt.Sprintf("observed attributes for %s are malformed", record.Address), err)
		}
		p.eval.SetResourceValue(addr, val)
	}

	return drifted, nil
}

// driftedAttributes compares two observed attribute bags over the union
// of their keys.
func driftedAttributes(recorded, observed map[string]interface{}) []string {
	keys := map[string]bool{}
	for name := range recorded {
		keys[name] = true
	}
	for name := range observed {
		keys[name] = true
	}

	var changed []string
	for name := range keys {
		if !reflect.DeepEqual(recorded[name], observed[name]) {
			changed = append(changed, name)
		}
	}
	sort.Strings(changed)
	return changed
}

// classify decides the action for one desired instance. The diff runs
// over the declared attributes only: values the provider computed, such
// as generated identifiers, appear only in the record and are not
// treated as removals.
func (p *Planner) classify(node *graph.Node, record *types.Record, drift []string, schemas map[string]provider.Schema) (*Change, error) {
	change := &Change{
		Address: node.ID,
		Kind:    node.Addr.Resource.Kind,
		Action:  ActionNoop,
		Node:    node,
		Prior:   record,
		After:   sortedCopy(node.DependsOn),
		Drifted: drift,
	}

	schema, err := p.kindSchema(change.Kind, schemas)
	if err != nil {
		return nil, err
	}

	desired, err := p.desiredAttributes(node)
	if err != nil {
		return nil, err
	}

	if record == nil {
		change.Action = ActionCreate
		change.Reason = "resource does not exist"
		for _, name := range sortedKeys(desired) {
			change.Diffs = append(change.Diffs, AttributeDiff{Path: name, New: desired[name]})
		}
		return change, nil
	}

	prior := types.NormalizeAttributes(record.Attributes)
	var forced []string
	for _, name := range sortedKeys(desired) {
		if node.Config.Lifecycle.IgnoresAttribute(name) {
			continue
		}
		if reflect.DeepEqual(prior[name], desired[name]) {
			continue
		}
		diff := AttributeDiff{
			Path:              name,
			Old:               prior[name],
			New:               desired[name],
			ForcesReplacement: schema.ForcesReplacement(name),
		}
		if diff.ForcesReplacement {
			forced = append(forced, name)
		}
		change.Diffs = append(change.Diffs, diff)
	}

	switch {
	case len(change.Diffs) == 0:
		change.Action = ActionNoop
		change.Reason = "resource is up to date"
	case len(forced) > 0:
		if node.Config.Lifecycle.PreventDestroy {
			return nil, errors.PlanRejected(node.ID,
				fmt.Sprintf("attribute %q forces replacement but prevent_destroy is set", forced[0]))
		}
		change.Action = ActionReplace
		change.CreateBeforeDestroy = node.Config.Lifecycle.CreateBeforeDestroy
		change.Reason = fmt.Sprintf("replacement forced by %s", strings.Join(forced, ", "))
	default:
		change.Action = ActionUpdate
		change.Reason = "resource configuration changed"
	}
	return change, nil
}

// desiredAttributes evaluates a node's attribute expressions into their
// diffable shapes. Values that depend on unapplied resources come back
// as Unknown placeholders.
func (p *Planner) desiredAttributes(node *graph.Node) (map[string]interface{}, error) {
	obj, diags := p.eval.EvaluateResourceInstance(node.Config, node.Addr)
	if diags.HasErrors() {
		return nil, errors.Wrap(errors.ErrCodeExpression,
			fmt.Sprintf("cannot evaluate attributes of %s", node.ID), diags)
	}

	attrs := map[string]interface{}{}
	for name := range obj.Type().AttributeTypes() {
		attrs[name] = plainValue(obj.GetAttr(name))
	}
	return attrs, nil
}

// seedPlannedValue updates the evaluator's view of an instance to what
// it will hold after the plan applies, so downstream classification in
// the same pass sees planned values instead of stale ones. Creates and
// replacements become wholly unknown: their computed attributes, like
// generated identifiers, only exist after the provider call.
func (p *Planner) seedPlannedValue(node *graph.Node, change *Change, record *types.Record) {
	switch change.Action {
	case ActionCreate, ActionReplace:
		p.eval.RemoveResourceValue(node.Addr)
	case ActionUpdate:
		obj, diags := p.eval.EvaluateResourceInstance(node.Config, node.Addr)
		if diags.HasErrors() {
			p.eval.RemoveResourceValue(node.Addr)
			return
		}
		base, err := lang.ValueFromAttributes(types.NormalizeAttributes(record.Attributes))
		if err != nil {
			p.eval.RemoveResourceValue(node.Addr)
			return
		}
		attrs := map[string]cty.Value{}
		for name := range base.Type().AttributeTypes() {
			attrs[name] = base.GetAttr(name)
		}
		for name := range obj.Type().AttributeTypes() {
			if node.Config.Lifecycle.IgnoresAttribute(name) {
				continue
			}
			attrs[name] = obj.GetAttr(name)
		}
		p.eval.SetResourceValue(node.Addr, cty.ObjectVal(attrs))
	}
	// NoOp keeps the recorded value already seeded.
}

// deleteAfter lists the planned changes that must complete before a
// record can be deleted: deletes of records that depended on it, and
// changes of surviving instances whose prior record depended on it.
func (p *Planner) deleteAfter(record *types.Record, doomed []*types.Record, changes []*Change) []string {
	var after []string
	for _, other := range doomed {
		if other.Address == record.Address {
			continue
		}
		if containsAddress(other.Dependencies, record.Address) {
			after = append(after, other.Address)
		}
	}
	for _, change := range changes {
		if change.Prior == nil || change.Action == ActionDelete {
			continue
		}
		if containsAddress(change.Prior.Dependencies, record.Address) {
			after = append(after, change.Address)
		}
	}
	sort.Strings(after)
	return dedupe(after)
}

// deleteOrder sorts records so dependents are deleted before their
// dependencies. Ties break by address.
func deleteOrder(records []*types.Record) ([]*types.Record, error) {
	byAddress := map[string]*types.Record{}
	for _, record := range records {
		byAddress[record.Address] = record
	}

	// blocking counts the not-yet-ordered records that must be deleted
	// before each record.
	blocking := map[string]int{}
	for _, record := range records {
		blocking[record.Address] = 0
	}
	for _, record := range records {
		for _, dep := range record.Dependencies {
			if _, ok := byAddress[dep]; ok {
				blocking[dep]++
			}
		}
	}

	var queue []string
	for addr, n := range blocking {
		if n == 0 {
			queue = append(queue, addr)
		}
	}
	sort.Strings(queue)

	ordered := make([]*types.Record, 0, len(records))
	for len(queue) > 0 {
		addr := queue[0]
		queue = queue[1:]
		record := byAddress[addr]
		ordered = append(ordered, record)

		for _, dep := range record.Dependencies {
			if _, ok := byAddress[dep]; !ok {
				continue
			}
			blocking[dep]--
			if blocking[dep] == 0 {
				queue = append(queue, dep)
				sort.Strings(queue)
			}
		}
	}

	if len(ordered) != len(records) {
		var remaining []string
		seen := map[string]bool{}
		for _, record := range ordered {
			seen[record.Address] = true
		}
		for _, record := range records {
			if !seen[record.Address] {
				remaining = append(remaining, record.Address)
			}
		}
		sort.Strings(remaining)
		return nil, errors.CycleError(remaining)
	}
	return ordered, nil
}

func (p *Planner) kindSchema(kind string, cache map[string]provider.Schema) (provider.Schema, error) {
	if schema, ok := cache[kind]; ok {
		return schema, nil
	}
	prov, err := p.providers.Get(kind)
	if err != nil {
		return provider.Schema{}, err
	}
	schema := prov.Schema()
	cache[kind] = schema
	return schema, nil
}

// configResource finds the declaration behind a record address, if one
// still exists. Used for lifecycle lookups on count-shrunk instances.
func (p *Planner) configResource(address string) *config.Resource {
	addr, err := addrs.ParseInstance(address)
	if err != nil {
		return nil
	}
	modCfg := p.cfg.Descendant(addr.Module)
	if modCfg == nil {
		return nil
	}
	return modCfg.Module.ResourceByAddr(addr.Resource)
}

// parseTargets parses -target addresses. Nil means no restriction.
func parseTargets(raw []string) ([]addrs.Instance, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	targets := make([]addrs.Instance, 0, len(raw))
	for _, t := range raw {
		addr, err := addrs.ParseInstance(t)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeValidation, "invalid target address", err)
		}
		targets = append(targets, addr)
	}
	return targets, nil
}

// matchesTargets reports whether an instance is named by any target. A
// target without an index covers every instance of its resource.
func matchesTargets(addr addrs.Instance, targets []addrs.Instance) bool {
	for _, target := range targets {
		if !addr.Module.Equal(target.Module) || addr.Resource != target.Resource {
			continue
		}
		if target.Index == addrs.NoIndex || target.Index == addr.Index {
			return true
		}
	}
	return false
}

// targetClosure resolves targets to graph nodes and expands them to
// their dependency closure. Every target must name at least one desired
// instance or recorded address.
func targetClosure(g *graph.Graph, effective *types.Document, targets []addrs.Instance) (map[string]bool, error) {
	var roots []string
	for _, node := range g.Instances() {
		if matchesTargets(node.Addr, targets) {
			roots = append(roots, node.ID)
		}
	}

	for _, target := range targets {
		matched := false
		for _, node := range g.Instances() {
			if matchesTargets(node.Addr, []addrs.Instance{target}) {
				matched = true
				break
			}
		}
		if !matched {
			for _, record := range effective.Records {
				addr, err := addrs.ParseInstance(record.Address)
				if err != nil {
					continue
				}
				if matchesTargets(addr, []addrs.Instance{target}) {
					matched = true
					break
				}
			}
		}
		if !matched {
			return nil, errors.ValidationError(
				fmt.Sprintf("target %s matches no resource instance or state record", target),
				map[string]interface{}{"target": target.String()})
		}
	}

	return g.DependencyClosure(roots), nil
}

// dependentClosure returns the records matching the targets plus every
// record that transitively depends on them.
func dependentClosure(records []*types.Record, targets []addrs.Instance) ([]*types.Record, error) {
	selected := map[string]bool{}
	for _, record := range records {
		addr, err := addrs.ParseInstance(record.Address)
		if err != nil {
			continue
		}
		if matchesTargets(addr, targets) {
			selected[record.Address] = true
		}
	}
	if len(selected) == 0 {
		return nil, errors.ValidationError("targets match no state records",
			map[string]interface{}{"targets": targets})
	}

	for {
		grew := false
		for _, record := range records {
			if selected[record.Address] {
				continue
			}
			for _, dep := range record.Dependencies {
				if selected[dep] {
					selected[record.Address] = true
					grew = true
					break
				}
			}
		}
		if !grew {
			break
		}
	}

	var out []*types.Record
	for _, record := range records {
		if selected[record.Address] {
			out = append(out, record)
		}
	}
	return out, nil
}

// plainValue converts an evaluated value into its diffable JSON shape.
// Unknown leaves become Unknown placeholders, which never compare equal
// to a recorded value.
func plainValue(val cty.Value) interface{} {
	if val == cty.NilVal || !val.IsKnown() {
		if val == cty.NilVal {
			return nil
		}
		return Unknown{}
	}
	if val.IsNull() {
		return nil
	}

	ty := val.Type()
	switch {
	case ty == cty.String:
		return val.AsString()
	case ty == cty.Bool:
		return val.True()
	case ty == cty.Number:
		f, _ := val.AsBigFloat().Float64()
		return f
	case ty.IsListType() || ty.IsSetType() || ty.IsTupleType():
		out := make([]interface{}, 0, val.LengthInt())
		for it := val.ElementIterator(); it.Next(); {
			_, ev := it.Element()
			out = append(out, plainValue(ev))
		}
		return out
	case ty.IsMapType() || ty.IsObjectType():
		out := map[string]interface{}{}
		for it := val.ElementIterator(); it.Next(); {
			kv, ev := it.Element()
			out[kv.AsString()] = plainValue(ev)
		}
		return out
	}
	// Expression values are JSON-shaped; nothing else reaches here.
	return nil
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for name := range m {
		keys = append(keys, name)
	}
	sort.Strings(keys)
	return keys
}

func sortedCopy(list []string) []string {
	out := append([]string(nil), list...)
	sort.Strings(out)
	return out
}

func containsAddress(list []string, addr string) bool {
	for _, item := range list {
		if item == addr {
			return true
		}
	}
	return false
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, item := range sorted {
		if i == 0 || sorted[i-1] != item {
			out = append(out, item)
		}
	}
	return out
}
