// Package executor applies plans. It walks the planned changes in
// dependency waves, calls providers with bounded parallelism, retries
// transient failures, and persists every state mutation as soon as it
// happens so an interrupted run leaves an accurate record behind.
package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/groundctl/groundctl/pkg/addrs"
	"github.com/groundctl/groundctl/pkg/engine/planner"
	"github.com/groundctl/groundctl/pkg/errors"
	"github.com/groundctl/groundctl/pkg/graph"
	"github.com/groundctl/groundctl/pkg/lang"
	"github.com/groundctl/groundctl/pkg/provider"
	"github.com/groundctl/groundctl/pkg/state"
	"github.com/groundctl/groundctl/pkg/state/types"
	"github.com/groundctl/groundctl/pkg/telemetry"
)

// Status describes how a single change ended up.
type Status string

const (
	// StatusApplied means the provider calls for the change succeeded.
	StatusApplied Status = "applied"
	// StatusFailed means a provider call failed after retries.
	StatusFailed Status = "failed"
	// StatusSkipped means the change never started, usually because a
	// dependency failed or the run was stopping.
	StatusSkipped Status = "skipped"
	// StatusUnchanged means the plan had nothing to do for the instance.
	StatusUnchanged Status = "unchanged"
	// StatusRunning is reported to observers while a change is in
	// flight. It never appears in a NodeResult.
	StatusRunning Status = "running"
)

// Event notifies an observer about one change's lifecycle. A change
// emits a StatusRunning event when its provider call starts and a final
// event when it settles.
type Event struct {
	Address  string
	Action   planner.Action
	Status   Status
	Duration time.Duration
	Err      error
}

// NodeResult is the outcome of one planned change.
type NodeResult struct {
	Address  string
	Action   planner.Action
	Status   Status
	Duration time.Duration
	Error    error
}

// ExecutionResult summarizes a run across every planned change.
type ExecutionResult struct {
	Success   bool
	Duration  time.Duration
	Created   int
	Updated   int
	Replaced  int
	Deleted   int
	Unchanged int
	Failed    int
	Skipped   int

	// NodeResults is keyed by instance address.
	NodeResults map[string]*NodeResult

	err *multierror.Error
}

// Applied returns the number of changes whose provider calls succeeded.
func (r *ExecutionResult) Applied() int {
	return r.Created + r.Updated + r.Replaced + r.Deleted
}

// Err returns the accumulated failures, or nil when every change applied.
func (r *ExecutionResult) Err() error {
	return r.err.ErrorOrNil()
}

// Options tune how a run behaves.
type Options struct {
	// Parallelism bounds the number of provider calls in flight.
	Parallelism int

	// FailFast stops launching new changes after the first failure.
	// Changes already in flight run to completion either way.
	FailFast bool

	// Timeouts overrides per-operation limits by resource kind. A kind
	// without an entry falls back to the provider schema, then to
	// DefaultTimeout.
	Timeouts map[string]provider.Timeouts

	// DefaultTimeout bounds any operation with no more specific limit.
	DefaultTimeout time.Duration

	// Retry governs how transient provider failures are retried.
	Retry provider.RetryPolicy

	// Observer, when set, receives an Event as each change starts and
	// settles. It is called from worker goroutines and must be safe for
	// concurrent use.
	Observer func(Event)
}

// DefaultOptions returns the options used when callers pass zero values.
func DefaultOptions() Options {
	return Options{
		Parallelism:    10,
		FailFast:       true,
		DefaultTimeout: 10 * time.Minute,
		Retry:          provider.DefaultRetryPolicy(),
	}
}

// Executor applies planned changes through registered providers.
type Executor struct {
	providers *provider.Registry
	eval      *lang.Evaluator
	manager   *state.Manager
	options   Options
}

// NewExecutor builds an executor. The evaluator must be the one the plan
// was produced with so apply-time expressions see settled dependency
// values. A nil manager keeps all state mutations in memory.
func NewExecutor(providers *provider.Registry, eval *lang.Evaluator, manager *state.Manager, options Options) *Executor {
	defaults := DefaultOptions()
	if options.Parallelism <= 0 {
		options.Parallelism = defaults.Parallelism
	}
	if options.DefaultTimeout <= 0 {
		options.DefaultTimeout = defaults.DefaultTimeout
	}
	if options.Retry == (provider.RetryPolicy{}) {
		options.Retry = defaults.Retry
	}
	return &Executor{
		providers: providers,
		eval:      eval,
		manager:   manager,
		options:   options,
	}
}

// Execute applies every change in the plan against doc, mutating doc in
// place and persisting it through the state manager after each record
// change. Per-change failures are reported on the result, not as the
// returned error; the error return is reserved for plans that cannot be
// applied at all.
func (e *Executor) Execute(ctx context.Context, plan *planner.Plan, doc *types.Document) (*ExecutionResult, error) {
	start := time.Now()
	log := telemetry.FromContext(ctx).WithComponent("executor")

	if err := validatePlan(plan); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = types.NewDocument()
	}

	result := &ExecutionResult{
		Success:     true,
		NodeResults: make(map[string]*NodeResult, len(plan.Changes)),
	}

	// Ordering edges may name instances outside the plan, for example a
	// dependency that is up to date and was filtered by targeting. Those
	// count as satisfied.
	planned := make(map[string]bool, len(plan.Changes))
	for _, change := range plan.Changes {
		planned[change.Address] = true
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, e.options.Parallelism)

	pending := make(map[string]*planner.Change, len(plan.Changes))
	done := make(map[string]Status, len(plan.Changes))
	stopped := false

	for _, change := range plan.Changes {
		if change.Action == planner.ActionNoop {
			result.NodeResults[change.Address] = &NodeResult{
				Address: change.Address,
				Action:  change.Action,
				Status:  StatusUnchanged,
			}
			result.Unchanged++
			done[change.Address] = StatusUnchanged
			continue
		}
		pending[change.Address] = change
	}

	// Callers must hold mu.
	skip := func(change *planner.Change, reason error) {
		result.NodeResults[change.Address] = &NodeResult{
			Address: change.Address,
			Action:  change.Action,
			Status:  StatusSkipped,
			Error:   reason,
		}
		result.Skipped++
		done[change.Address] = StatusSkipped
		delete(pending, change.Address)
		e.notify(Event{Address: change.Address, Action: change.Action, Status: StatusSkipped, Err: reason})
	}

	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			mu.Lock()
			for _, change := range sortedPending(pending) {
				skip(change, fmt.Errorf("run canceled before %s started", change.Address))
			}
			result.Success = false
			result.err = multierror.Append(result.err, err)
			mu.Unlock()
			break
		}

		mu.Lock()
		if stopped {
			for _, change := range sortedPending(pending) {
				skip(change, fmt.Errorf("not started: an earlier change failed"))
			}
			mu.Unlock()
			break
		}

		before := len(pending)
		var ready []*planner.Change
		for _, change := range sortedPending(pending) {
			blocked := false
			for _, dep := range change.After {
				if !planned[dep] {
					continue
				}
				switch done[dep] {
				case StatusApplied, StatusUnchanged:
				case StatusFailed:
					skip(change, fmt.Errorf("dependency %s failed", dep))
					blocked = true
				case StatusSkipped:
					skip(change, fmt.Errorf("dependency %s was skipped", dep))
					blocked = true
				default:
					blocked = true
				}
				if blocked {
					break
				}
			}
			if !blocked {
				ready = append(ready, change)
			}
		}
		stalled := len(ready) == 0 && len(pending) == before && len(pending) > 0
		if stalled {
			// Nothing is runnable and nothing was skipped, so the
			// remaining ordering edges can never be satisfied.
			for _, change := range sortedPending(pending) {
				skip(change, fmt.Errorf("ordering for %s could not be resolved", change.Address))
			}
			result.Success = false
			result.err = multierror.Append(result.err, errors.New(errors.ErrCodeValidation, "plan ordering could not be resolved"))
		}
		for _, change := range ready {
			delete(pending, change.Address)
		}
		mu.Unlock()

		if stalled {
			break
		}
		if len(ready) == 0 {
			continue
		}

		for _, change := range ready {
			wg.Add(1)
			sem <- struct{}{}
			go func(c *planner.Change) {
				defer wg.Done()
				defer func() { <-sem }()

				mu.Lock()
				if stopped || ctx.Err() != nil {
					skip(c, fmt.Errorf("not started: execution is stopping"))
					mu.Unlock()
					return
				}
				mu.Unlock()

				clog := log.WithAddress(c.Address).WithOperation(string(c.Action))
				clog.Debug("applying change")
				e.notify(Event{Address: c.Address, Action: c.Action, Status: StatusRunning})

				nr := e.applyChange(ctx, c, doc, &mu)

				mu.Lock()
				result.NodeResults[c.Address] = nr
				done[c.Address] = nr.Status
				if nr.Status == StatusApplied {
					switch c.Action {
					case planner.ActionCreate:
						result.Created++
					case planner.ActionUpdate:
						result.Updated++
					case planner.ActionReplace:
						result.Replaced++
					case planner.ActionDelete:
						result.Deleted++
					}
				} else {
					result.Failed++
					result.Success = false
					result.err = multierror.Append(result.err, nr.Error)
					if e.options.FailFast {
						stopped = true
					}
				}
				mu.Unlock()

				e.notify(Event{Address: c.Address, Action: c.Action, Status: nr.Status, Duration: nr.Duration, Err: nr.Error})

				if nr.Status == StatusApplied {
					clog.WithField("duration", nr.Duration.String()).Info("change applied")
				} else {
					clog.WithError(nr.Error).Error("change failed")
				}
			}(change)
		}
		wg.Wait()
	}

	result.Duration = time.Since(start)
	log.Infof("execution finished: %d applied, %d unchanged, %d failed, %d skipped",
		result.Applied(), result.Unchanged, result.Failed, result.Skipped)
	return result, nil
}

func (e *Executor) notify(ev Event) {
	if e.options.Observer != nil {
		e.options.Observer(ev)
	}
}

// validatePlan rejects plans that cannot be driven against providers,
// such as plans decoded from a file, which carry no resolved
// configuration or prior records.
func validatePlan(plan *planner.Plan) error {
	for _, change := range plan.Changes {
		switch change.Action {
		case planner.ActionCreate, planner.ActionUpdate, planner.ActionReplace:
			if change.Node == nil {
				return errors.ValidationError(
					fmt.Sprintf("change for %s carries no resolved configuration; a plan loaded from a file cannot be applied", change.Address), nil)
			}
			if change.Action != planner.ActionCreate && change.Prior == nil {
				return errors.ValidationError(
					fmt.Sprintf("change for %s carries no prior state record", change.Address), nil)
			}
		case planner.ActionDelete:
			if change.Prior == nil {
				return errors.ValidationError(
					fmt.Sprintf("delete for %s carries no prior state record", change.Address), nil)
			}
		}
	}
	return nil
}

func (e *Executor) applyChange(ctx context.Context, change *planner.Change, doc *types.Document, mu *sync.Mutex) *NodeResult {
	start := time.Now()
	nr := &NodeResult{
		Address: change.Address,
		Action:  change.Action,
		Status:  StatusApplied,
	}

	var err error
	switch change.Action {
	case planner.ActionCreate:
		err = e.applyCreate(ctx, change, doc, mu)
	case planner.ActionUpdate:
		err = e.applyUpdate(ctx, change, doc, mu)
	case planner.ActionReplace:
		err = e.applyReplace(ctx, change, doc, mu)
	case planner.ActionDelete:
		err = e.applyDelete(ctx, change, doc, mu)
	default:
		err = errors.ValidationError(fmt.Sprintf("unknown action %q for %s", change.Action, change.Address), nil)
	}
	if err != nil {
		nr.Status = StatusFailed
		nr.Error = err
	}
	nr.Duration = time.Since(start)
	return nr
}

func (e *Executor) applyCreate(ctx context.Context, change *planner.Change, doc *types.Document, mu *sync.Mutex) error {
	node := change.Node
	attrs, err := e.desiredAttributes(node)
	if err != nil {
		return err
	}

	prov, err := e.providers.Get(change.Kind)
	if err != nil {
		return err
	}
	schema := prov.Schema()

	key := uuid.NewString()
	var resp *provider.CreateResponse
	err = e.call(ctx, change, provider.OpCreate, schema, func(opCtx context.Context) error {
		var callErr error
		resp, callErr = prov.Create(opCtx, provider.CreateRequest{
			Address:        node.Addr,
			Attributes:     attrs,
			IdempotencyKey: key,
		})
		return callErr
	})
	if err != nil {
		return e.wrapProviderErr(change, provider.OpCreate, err)
	}

	observed := types.NormalizeAttributes(resp.Attributes)
	now := time.Now().UTC()
	record := &types.Record{
		Address:      change.Address,
		Kind:         change.Kind,
		ProviderID:   resp.ProviderID,
		Attributes:   observed,
		Dependencies: sortedCopy(node.DependsOn),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	// Dropping any stale record first keeps the created-at timestamp
	// honest when this create is the second half of a replacement.
	err = e.commit(ctx, doc, mu, func(d *types.Document) {
		d.RemoveRecord(change.Address)
		d.SetRecord(record)
	})
	if err != nil {
		return err
	}
	return e.seed(node.Addr, observed)
}

func (e *Executor) applyUpdate(ctx context.Context, change *planner.Change, doc *types.Document, mu *sync.Mutex) error {
	node := change.Node
	desired, err := e.desiredAttributes(node)
	if err != nil {
		return err
	}

	// Ignored attributes keep whatever the record last observed, so the
	// provider never sees a value the author asked it to leave alone.
	prior := types.NormalizeAttributes(change.Prior.Attributes)
	for _, name := range node.Config.Lifecycle.IgnoreChanges {
		if v, ok := prior[name]; ok {
			desired[name] = v
		} else {
			delete(desired, name)
		}
	}

	prov, err := e.providers.Get(change.Kind)
	if err != nil {
		return err
	}
	schema := prov.Schema()

	key := uuid.NewString()
	var resp *provider.UpdateResponse
	err = e.call(ctx, change, provider.OpUpdate, schema, func(opCtx context.Context) error {
		var callErr error
		resp, callErr = prov.Update(opCtx, provider.UpdateRequest{
			Address:        node.Addr,
			ProviderID:     change.Prior.ProviderID,
			Prior:          prior,
			Attributes:     desired,
			IdempotencyKey: key,
		})
		return callErr
	})
	if err != nil {
		return e.wrapProviderErr(change, provider.OpUpdate, err)
	}

	observed := types.NormalizeAttributes(resp.Attributes)
	record := &types.Record{
		Address:      change.Address,
		Kind:         change.Kind,
		ProviderID:   change.Prior.ProviderID,
		Attributes:   observed,
		Dependencies: sortedCopy(node.DependsOn),
		UpdatedAt:    time.Now().UTC(),
	}
	err = e.commit(ctx, doc, mu, func(d *types.Document) {
		d.SetRecord(record)
	})
	if err != nil {
		return err
	}
	return e.seed(node.Addr, observed)
}

func (e *Executor) applyDelete(ctx context.Context, change *planner.Change, doc *types.Document, mu *sync.Mutex) error {
	addr, err := addrs.ParseInstance(change.Address)
	if err != nil {
		return errors.Wrap(errors.ErrCodeValidation, fmt.Sprintf("delete for %s has an unparseable address", change.Address), err)
	}
	if err := e.deleteObject(ctx, change, addr, change.Prior.ProviderID); err != nil {
		return err
	}
	err = e.commit(ctx, doc, mu, func(d *types.Document) {
		d.RemoveRecord(change.Address)
	})
	if err != nil {
		return err
	}
	e.eval.RemoveResourceValue(addr)
	return nil
}

// applyReplace tears down and recreates an instance. With
// create_before_destroy the new object is provisioned and recorded
// before the old one is removed, so the record never points at nothing;
// otherwise the old object is destroyed first and its record dropped
// before the create runs.
func (e *Executor) applyReplace(ctx context.Context, change *planner.Change, doc *types.Document, mu *sync.Mutex) error {
	node := change.Node
	oldID := change.Prior.ProviderID

	if change.CreateBeforeDestroy {
		if err := e.applyCreate(ctx, change, doc, mu); err != nil {
			return err
		}
		if err := e.deleteObject(ctx, change, node.Addr, oldID); err != nil {
			return errors.Wrap(errors.ErrCodeProvider,
				fmt.Sprintf("replacement for %s was created but the previous object %s was not removed", change.Address, oldID), err)
		}
		return nil
	}

	if err := e.deleteObject(ctx, change, node.Addr, oldID); err != nil {
		return err
	}
	err := e.commit(ctx, doc, mu, func(d *types.Document) {
		d.RemoveRecord(change.Address)
	})
	if err != nil {
		return err
	}
	e.eval.RemoveResourceValue(node.Addr)
	return e.applyCreate(ctx, change, doc, mu)
}

// deleteObject removes the remote object without touching the state
// record; callers decide what the record should say afterwards.
func (e *Executor) deleteObject(ctx context.Context, change *planner.Change, addr addrs.Instance, providerID string) error {
	prov, err := e.providers.Get(change.Kind)
	if err != nil {
		return err
	}
	schema := prov.Schema()

	err = e.call(ctx, change, provider.OpDelete, schema, func(opCtx context.Context) error {
		return prov.Delete(opCtx, provider.DeleteRequest{
			Address:    addr,
			ProviderID: providerID,
		})
	})
	if err != nil {
		return e.wrapProviderErr(change, provider.OpDelete, err)
	}
	return nil
}

// desiredAttributes settles the instance's expression into concrete
// values. By the time a change runs its dependencies have applied and
// re-seeded the evaluator, so anything still unknown is a real error.
func (e *Executor) desiredAttributes(node *graph.Node) (map[string]interface{}, error) {
	obj, diags := e.eval.EvaluateResourceInstance(node.Config, node.Addr)
	if diags.HasErrors() {
		return nil, errors.Wrap(errors.ErrCodeExpression, fmt.Sprintf("cannot evaluate attributes of %s", node.ID), diags)
	}
	if !obj.IsWhollyKnown() {
		return nil, errors.UnresolvedReference(node.ID, "attribute values are still unknown after dependencies were applied")
	}
	return lang.AttributesFromValue(obj)
}

// seed publishes applied attributes back into the evaluator so
// downstream expressions resolve against what the provider reported.
func (e *Executor) seed(addr addrs.Instance, observed map[string]interface{}) error {
	val, err := lang.ValueFromAttributes(observed)
	if err != nil {
		return errors.Wrap(errors.ErrCodeValidation, fmt.Sprintf("observed attributes for %s are malformed", addr), err)
	}
	e.eval.SetResourceValue(addr, val)
	return nil
}

// commit applies a record mutation and persists the document. The
// document is shared across goroutines, so mutations happen under the
// run mutex; WriteDocument bumps the serial, giving each applied change
// its own increment.
func (e *Executor) commit(ctx context.Context, doc *types.Document, mu *sync.Mutex, mutate func(*types.Document)) error {
	mu.Lock()
	defer mu.Unlock()
	mutate(doc)
	if e.manager == nil {
		return nil
	}
	return e.manager.WriteDocument(ctx, doc)
}

// call runs one provider operation under the retry policy, bounding
// each attempt with the operation's timeout. A deadline overrun is
// reported as a transient timeout so the policy may try again.
func (e *Executor) call(ctx context.Context, change *planner.Change, op provider.Operation, schema provider.Schema, fn func(context.Context) error) error {
	limit := e.timeoutFor(change.Kind, op, schema)
	return e.options.Retry.Do(ctx, func(ctx context.Context) error {
		opCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()
		err := fn(opCtx)
		if err != nil && opCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return errors.Timeout(change.Address, string(op), limit)
		}
		return err
	})
}

func (e *Executor) timeoutFor(kind string, op provider.Operation, schema provider.Schema) time.Duration {
	if t, ok := e.options.Timeouts[kind]; ok {
		if d := t.For(op); d > 0 {
			return d
		}
	}
	if d := schema.Timeouts.For(op); d > 0 {
		return d
	}
	return e.options.DefaultTimeout
}

func (e *Executor) wrapProviderErr(change *planner.Change, op provider.Operation, err error) error {
	if _, ok := err.(*errors.Error); ok {
		return err
	}
	return errors.ProviderFailure(change.Kind, change.Address, string(op), false, err)
}

func sortedPending(pending map[string]*planner.Change) []*planner.Change {
	addresses := make([]string, 0, len(pending))
	for address := range pending {
		addresses = append(addresses, address)
	}
	sort.Strings(addresses)
	out := make([]*planner.Change, 0, len(addresses))
	for _, address := range addresses {
		out = append(out, pending[address])
	}
	return out
}

func sortedCopy(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}
