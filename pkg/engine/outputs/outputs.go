// Package outputs aggregates root module output values after an apply.
// Evaluation happens against the evaluator's final view of resource
// attributes; outputs whose dependency chain includes a failed or
// skipped instance are marked unavailable rather than reported stale.
package outputs

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/hashicorp/hcl/v2"

	"github.com/groundctl/groundctl/pkg/addrs"
	"github.com/groundctl/groundctl/pkg/config"
	"github.com/groundctl/groundctl/pkg/lang"
	"github.com/groundctl/groundctl/pkg/state/types"
)

// Redacted is what renderers print in place of a sensitive value.
const Redacted = "(sensitive)"

// UnavailableMarker is what renderers print for outputs whose
// dependencies did not converge.
const UnavailableMarker = "(unavailable)"

// Aggregator evaluates the root module's outputs once execution has
// settled.
type Aggregator struct {
	cfg  *config.Config
	eval *lang.Evaluator

	// deps maps each root output name to the resource instance IDs its
	// value expression (transitively) depends on.
	deps map[string][]string
}

// NewAggregator returns an aggregator over the root configuration. deps
// comes from the graph builder's output dependency resolution; a nil
// map means no output depends on any instance.
func NewAggregator(cfg *config.Config, eval *lang.Evaluator, deps map[string][]string) *Aggregator {
	return &Aggregator{cfg: cfg, eval: eval, deps: deps}
}

// Aggregate evaluates every root output. unconverged holds the IDs of
// instances that failed or were skipped during execution; any output
// depending on one of them becomes unavailable, as does any output
// whose value is still unknown after execution.
func (a *Aggregator) Aggregate(unconverged map[string]bool) (map[string]*types.OutputValue, hcl.Diagnostics) {
	var diags hcl.Diagnostics
	result := make(map[string]*types.OutputValue, len(a.cfg.Module.Outputs))

	for name, oc := range a.cfg.Module.Outputs {
		ov := &types.OutputValue{Sensitive: oc.Sensitive}
		result[name] = ov

		if a.blocked(name, unconverged) {
			ov.Unavailable = true
			continue
		}

		val, valDiags := a.eval.EvaluateExpr(oc.Value, lang.Scope{
			Module:     addrs.RootModule,
			CountIndex: addrs.NoIndex,
		})
		diags = append(diags, valDiags...)
		if valDiags.HasErrors() || !val.IsWhollyKnown() {
			ov.Unavailable = true
			continue
		}

		plain, err := lang.PlainFromValue(val)
		if err != nil {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Unserializable output value",
				Detail:   fmt.Sprintf("Output %q produced a value that cannot be serialized: %s.", name, err),
				Subject:  oc.DeclRange.Ptr(),
			})
			ov.Unavailable = true
			continue
		}
		ov.Value = plain
	}

	return result, diags
}

// blocked reports whether any instance the named output depends on
// failed to converge.
func (a *Aggregator) blocked(name string, unconverged map[string]bool) bool {
	if len(unconverged) == 0 {
		return false
	}
	for _, id := range a.deps[name] {
		if unconverged[id] {
			return true
		}
	}
	return false
}

// RenderOptions controls output rendering.
type RenderOptions struct {
	// ShowSensitive prints sensitive values instead of redacting them.
	ShowSensitive bool

	// JSON switches from "name = value" lines to a JSON object.
	JSON bool
}

// Render writes output values to w in name order. Sensitive values are
// redacted unless opts.ShowSensitive is set; unavailable outputs print
// their marker.
func Render(w io.Writer, values map[string]*types.OutputValue, opts RenderOptions) error {
	if opts.JSON {
		return renderJSON(w, values, opts)
	}

	for _, name := range sortedNames(values) {
		ov := values[name]
		switch {
		case ov.Unavailable:
			fmt.Fprintf(w, "%s = %s\n", name, UnavailableMarker)
		case ov.Sensitive && !opts.ShowSensitive:
			fmt.Fprintf(w, "%s = %s\n", name, Redacted)
		default:
			raw, err := json.Marshal(ov.Value)
			if err != nil {
				return fmt.Errorf("failed to render output %q: %w", name, err)
			}
			fmt.Fprintf(w, "%s = %s\n", name, raw)
		}
	}
	return nil
}

// RenderOne writes a single output value to w, without the "name ="
// prefix. Scripts consume this form.
func RenderOne(w io.Writer, name string, ov *types.OutputValue, opts RenderOptions) error {
	switch {
	case ov.Unavailable:
		fmt.Fprintln(w, UnavailableMarker)
	case ov.Sensitive && !opts.ShowSensitive:
		fmt.Fprintln(w, Redacted)
	default:
		raw, err := json.Marshal(ov.Value)
		if err != nil {
			return fmt.Errorf("failed to render output %q: %w", name, err)
		}
		fmt.Fprintf(w, "%s\n", raw)
	}
	return nil
}

type renderedOutput struct {
	Value       interface{} `json:"value,omitempty"`
	Sensitive   bool        `json:"sensitive,omitempty"`
	Unavailable bool        `json:"unavailable,omitempty"`
}

func renderJSON(w io.Writer, values map[string]*types.OutputValue, opts RenderOptions) error {
	out := make(map[string]renderedOutput, len(values))
	for name, ov := range values {
		r := renderedOutput{Sensitive: ov.Sensitive, Unavailable: ov.Unavailable}
		if !ov.Unavailable {
			if ov.Sensitive && !opts.ShowSensitive {
				r.Value = Redacted
			} else {
				r.Value = ov.Value
			}
		}
		out[name] = r
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func sortedNames(values map[string]*types.OutputValue) []string {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
