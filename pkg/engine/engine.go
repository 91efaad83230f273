// Package engine wires the configuration loader, expression evaluator,
// graph builder, planner, executor, and output aggregator into the
// plan/apply/destroy cycle. The state lock brackets each cycle: shared
// for reads, exclusive for anything that mutates the document.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"

	"github.com/groundctl/groundctl/pkg/addrs"
	"github.com/groundctl/groundctl/pkg/config"
	"github.com/groundctl/groundctl/pkg/config/sources"
	"github.com/groundctl/groundctl/pkg/engine/executor"
	"github.com/groundctl/groundctl/pkg/engine/outputs"
	"github.com/groundctl/groundctl/pkg/engine/planner"
	"github.com/groundctl/groundctl/pkg/graph"
	"github.com/groundctl/groundctl/pkg/lang"
	"github.com/groundctl/groundctl/pkg/provider"
	"github.com/groundctl/groundctl/pkg/state"
	"github.com/groundctl/groundctl/pkg/state/backend"
	"github.com/groundctl/groundctl/pkg/state/types"
	"github.com/groundctl/groundctl/pkg/telemetry"
)

// ErrCancelled is returned when an approval callback declines a plan.
var ErrCancelled = fmt.Errorf("operation cancelled")

// Engine drives the full provisioning cycle over one loaded
// configuration. Construction loads and validates the configuration and
// builds the instance graph; the plan, apply, destroy, and output
// operations all work from that shared view.
type Engine struct {
	cfg        *config.Config
	eval       *lang.Evaluator
	graph      *graph.Graph
	outputDeps map[string][]string
	providers  *provider.Registry
	manager    *state.Manager
}

// Options configures engine construction.
type Options struct {
	// Dir is the root configuration directory.
	Dir string

	// Variables binds root module variables. Variables with defaults
	// may be omitted; required variables without a binding fail
	// construction.
	Variables map[string]cty.Value

	// Providers supplies one provider per resource kind. Nil uses the
	// process-wide registry populated by provider plugin imports.
	Providers *provider.Registry

	// Manager persists state. Nil keeps the cycle in memory, which is
	// what validation and tests want.
	Manager *state.Manager

	// Fetcher resolves module sources. Nil allows local paths only.
	Fetcher *sources.Fetcher
}

// New loads the configuration under opts.Dir, binds and validates root
// variables, and expands the instance graph. Configuration problems
// come back as diagnostics; infrastructure problems as the error.
func New(ctx context.Context, opts Options) (*Engine, hcl.Diagnostics, error) {
	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = sources.NewFetcher(sources.Options{})
	}

	cfg, diags, err := config.NewLoader(fetcher).LoadConfig(ctx, opts.Dir)
	if err != nil {
		return nil, diags, err
	}
	if diags.HasErrors() {
		return nil, diags, nil
	}

	eval := lang.NewEvaluator(cfg)
	if varDiags := eval.SetRootVariables(opts.Variables); varDiags.HasErrors() {
		return nil, append(diags, varDiags...), nil
	}
	if _, valDiags := eval.ValidateModuleVariables(cfg.Path); valDiags.HasErrors() {
		return nil, append(diags, valDiags...), nil
	}

	builder := graph.NewBuilder(cfg, eval)
	g, buildDiags := builder.Build()
	diags = append(diags, buildDiags...)
	if buildDiags.HasErrors() {
		return nil, diags, nil
	}

	providers := opts.Providers
	if providers == nil {
		providers = provider.DefaultRegistry
	}

	return &Engine{
		cfg:        cfg,
		eval:       eval,
		graph:      g,
		outputDeps: builder.OutputDependencies(),
		providers:  providers,
		manager:    opts.Manager,
	}, diags, nil
}

// Config returns the loaded configuration tree.
func (e *Engine) Config() *config.Config {
	return e.cfg
}

// Graph returns the expanded instance graph.
func (e *Engine) Graph() *graph.Graph {
	return e.graph
}

// PlanOptions configures a plan cycle.
type PlanOptions struct {
	// Refresh reads every recorded object before classification.
	Refresh bool

	// Targets restricts the plan to the named addresses plus their
	// dependency closure.
	Targets []string

	// Retry bounds refresh reads against transient provider failures.
	Retry provider.RetryPolicy
}

// Plan takes the shared lock, reads the state document, and classifies
// every instance against it. The plan carries the document it was
// computed from so renderers can show prior values.
func (e *Engine) Plan(ctx context.Context, opts PlanOptions) (*planner.Plan, error) {
	doc, unlock, err := e.lockAndRead(ctx, backend.LockShared, "plan")
	if err != nil {
		return nil, err
	}
	defer unlock()

	return e.plan(ctx, doc, opts)
}

// ApplyOptions configures an apply cycle.
type ApplyOptions struct {
	Plan PlanOptions

	// Approve is consulted with the computed plan before any provider
	// call. Nil approves everything; returning false cancels with
	// ErrCancelled. Empty plans skip approval.
	Approve func(*planner.Plan) (bool, error)

	// Parallelism bounds concurrent provider calls. Zero uses the
	// executor default.
	Parallelism int

	// FailFast stops launching new changes after the first failure.
	FailFast bool

	// Timeouts overrides per-operation limits by resource kind.
	Timeouts map[string]provider.Timeouts

	// DefaultTimeout bounds operations with no more specific limit.
	DefaultTimeout time.Duration

	// Retry governs transient provider failure handling.
	Retry provider.RetryPolicy

	// Observer receives progress events as changes start and settle.
	Observer func(executor.Event)
}

// Result summarizes an apply or destroy cycle.
type Result struct {
	Success   bool
	Plan      *planner.Plan
	Execution *executor.ExecutionResult
	Outputs   map[string]*types.OutputValue
	Duration  time.Duration
}

// Apply takes the exclusive lock for the whole cycle: plan, optional
// approval, execution, output aggregation, and the final document
// write. Per-change failures are reported on the result; the error
// return is reserved for cycles that could not run at all.
func (e *Engine) Apply(ctx context.Context, opts ApplyOptions) (*Result, error) {
	startTime := time.Now()
	logger := telemetry.FromContext(ctx).WithComponent("engine").WithOperation("apply")

	doc, unlock, err := e.lockAndRead(ctx, backend.LockExclusive, "apply")
	if err != nil {
		return nil, err
	}
	defer unlock()

	plan, err := e.plan(ctx, doc, opts.Plan)
	if err != nil {
		return nil, err
	}

	result := &Result{Plan: plan}

	if plan.IsEmpty() {
		logger.Info("no changes required")
		if err := e.settleOutputs(ctx, doc, nil, result); err != nil {
			return nil, err
		}
		result.Success = true
		result.Duration = time.Since(startTime)
		return result, nil
	}

	if opts.Approve != nil {
		approved, err := opts.Approve(plan)
		if err != nil {
			return nil, err
		}
		if !approved {
			result.Duration = time.Since(startTime)
			return result, ErrCancelled
		}
	}

	exec := executor.NewExecutor(e.providers, e.eval, e.manager, executor.Options{
		Parallelism:    opts.Parallelism,
		FailFast:       opts.FailFast,
		Timeouts:       opts.Timeouts,
		DefaultTimeout: opts.DefaultTimeout,
		Retry:          opts.Retry,
		Observer:       opts.Observer,
	})

	execResult, err := exec.Execute(ctx, plan, doc)
	if err != nil {
		return nil, err
	}
	result.Execution = execResult
	result.Success = execResult.Success

	if err := e.settleOutputs(ctx, doc, execResult, result); err != nil {
		return nil, err
	}

	result.Duration = time.Since(startTime)
	logger.WithField("applied", execResult.Applied()).
		WithField("failed", execResult.Failed).
		Infof("apply finished in %s", result.Duration.Round(time.Millisecond))
	return result, nil
}

// DestroyOptions configures a destroy cycle. Targets restrict the
// destroy to the named addresses plus everything depending on them.
type DestroyOptions struct {
	Refresh bool
	Targets []string

	Approve func(*planner.Plan) (bool, error)

	Parallelism    int
	FailFast       bool
	Timeouts       map[string]provider.Timeouts
	DefaultTimeout time.Duration
	Retry          provider.RetryPolicy
	Observer       func(executor.Event)
}

// Destroy plans the removal of every recorded instance and executes it
// under the exclusive lock. A full destroy clears the recorded outputs.
func (e *Engine) Destroy(ctx context.Context, opts DestroyOptions) (*Result, error) {
	startTime := time.Now()
	logger := telemetry.FromContext(ctx).WithComponent("engine").WithOperation("destroy")

	doc, unlock, err := e.lockAndRead(ctx, backend.LockExclusive, "destroy")
	if err != nil {
		return nil, err
	}
	defer unlock()

	e.seed(doc)

	p := planner.NewPlannerWithOptions(e.cfg, e.providers, e.eval, planner.Options{
		Refresh: opts.Refresh,
		Targets: opts.Targets,
		Retry:   opts.Retry,
	})
	plan, err := p.PlanDestroy(ctx, e.graph, doc)
	if err != nil {
		return nil, err
	}

	result := &Result{Plan: plan}

	if plan.IsEmpty() {
		logger.Info("nothing to destroy")
		result.Success = true
		result.Duration = time.Since(startTime)
		return result, nil
	}

	if opts.Approve != nil {
		approved, err := opts.Approve(plan)
		if err != nil {
			return nil, err
		}
		if !approved {
			result.Duration = time.Since(startTime)
			return result, ErrCancelled
		}
	}

	exec := executor.NewExecutor(e.providers, e.eval, e.manager, executor.Options{
		Parallelism:    opts.Parallelism,
		FailFast:       opts.FailFast,
		Timeouts:       opts.Timeouts,
		DefaultTimeout: opts.DefaultTimeout,
		Retry:          opts.Retry,
		Observer:       opts.Observer,
	})

	execResult, err := exec.Execute(ctx, plan, doc)
	if err != nil {
		return nil, err
	}
	result.Execution = execResult
	result.Success = execResult.Success

	if result.Success && doc.Empty() && len(doc.Outputs) > 0 {
		doc.Outputs = nil
		if err := e.write(ctx, doc); err != nil {
			return nil, err
		}
	}

	result.Duration = time.Since(startTime)
	logger.WithField("deleted", execResult.Deleted).
		WithField("failed", execResult.Failed).
		Infof("destroy finished in %s", result.Duration.Round(time.Millisecond))
	return result, nil
}

// Outputs returns the output values recorded by the last apply, under a
// shared lock. It never re-evaluates expressions; `output` reflects
// state, not configuration.
func (e *Engine) Outputs(ctx context.Context) (map[string]*types.OutputValue, error) {
	doc, unlock, err := e.lockAndRead(ctx, backend.LockShared, "output")
	if err != nil {
		return nil, err
	}
	defer unlock()

	return doc.Outputs, nil
}

// plan seeds the evaluator from the document's records and classifies.
func (e *Engine) plan(ctx context.Context, doc *types.Document, opts PlanOptions) (*planner.Plan, error) {
	e.seed(doc)

	p := planner.NewPlannerWithOptions(e.cfg, e.providers, e.eval, planner.Options{
		Refresh: opts.Refresh,
		Targets: opts.Targets,
		Retry:   opts.Retry,
	})
	return p.Plan(ctx, e.graph, doc)
}

// seed loads every recorded instance value into the evaluator so plan
// expressions resolve against last observed attributes. Records whose
// address no longer parses are skipped; the planner surfaces them as
// state-only deletes.
func (e *Engine) seed(doc *types.Document) {
	for _, record := range doc.Records {
		addr, err := addrs.ParseInstance(record.Address)
		if err != nil {
			continue
		}
		val, err := lang.ValueFromAttributes(types.NormalizeAttributes(record.Attributes))
		if err != nil {
			continue
		}
		e.eval.SetResourceValue(addr, val)
	}
}

// settleOutputs aggregates root outputs after execution and persists
// them on the document.
func (e *Engine) settleOutputs(ctx context.Context, doc *types.Document, execResult *executor.ExecutionResult, result *Result) error {
	unconverged := map[string]bool{}
	if execResult != nil {
		for address, nr := range execResult.NodeResults {
			if nr.Status == executor.StatusFailed || nr.Status == executor.StatusSkipped {
				unconverged[address] = true
			}
		}
	}

	values, diags := outputs.NewAggregator(e.cfg, e.eval, e.outputDeps).Aggregate(unconverged)
	if diags.HasErrors() {
		return fmt.Errorf("failed to evaluate outputs: %s", diags.Error())
	}
	result.Outputs = values

	doc.Outputs = values
	return e.write(ctx, doc)
}

func (e *Engine) write(ctx context.Context, doc *types.Document) error {
	if e.manager == nil {
		return nil
	}
	return e.manager.WriteDocument(ctx, doc)
}

// lockAndRead acquires the state lock and reads the document. With no
// manager configured it returns a fresh empty document and a no-op
// unlock.
func (e *Engine) lockAndRead(ctx context.Context, mode backend.LockMode, operation string) (*types.Document, func(), error) {
	if e.manager == nil {
		return types.NewDocument(), func() {}, nil
	}

	lock, err := e.manager.Lock(ctx, mode, operation)
	if err != nil {
		return nil, nil, err
	}

	doc, err := e.manager.ReadDocument(ctx)
	if err != nil {
		_ = lock.Unlock(ctx)
		return nil, nil, err
	}

	unlock := func() {
		if err := lock.Unlock(ctx); err != nil {
			telemetry.FromContext(ctx).WithComponent("engine").WithError(err).
				Warnf("failed to release %s lock", operation)
		}
	}
	return doc, unlock, nil
}
