package planner

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/groundctl/groundctl/pkg/errors"
)

// Symbol returns the single-character marker for an action.
func (a Action) Symbol() string {
	switch a {
	case ActionCreate:
		return "+"
	case ActionUpdate:
		return "~"
	case ActionReplace:
		return "±"
	case ActionDelete:
		return "-"
	}
	return " "
}

// Format writes a human readable rendering of the plan. Unchanged
// instances are omitted; drift is reported up front even when the
// drifted instance needs no action.
func Format(w io.Writer, plan *Plan) {
	var drifted []*Change
	for _, change := range plan.Changes {
		if len(change.Drifted) > 0 {
			drifted = append(drifted, change)
		}
	}
	if len(drifted) > 0 {
		fmt.Fprintln(w, "Changes detected outside of groundctl:")
		for _, change := range drifted {
			fmt.Fprintf(w, "  # %s\n", errors.DriftDetected(change.Address, change.Drifted).Message)
		}
		fmt.Fprintln(w)
	}

	if plan.IsEmpty() {
		fmt.Fprintln(w, "No changes. Recorded state matches the configuration.")
		return
	}

	for _, change := range plan.Changes {
		if change.Action == ActionNoop {
			continue
		}

		label := change.Address
		if change.Action == ActionReplace {
			if change.CreateBeforeDestroy {
				label += " (replace: create then destroy)"
			} else {
				label += " (replace: destroy then create)"
			}
		}
		fmt.Fprintf(w, "  %s %s\n", change.Action.Symbol(), label)

		for _, diff := range change.Diffs {
			if change.Action == ActionCreate {
				fmt.Fprintf(w, "      %s: %s\n", diff.Path, renderValue(diff.New))
				continue
			}
			suffix := ""
			if diff.ForcesReplacement {
				suffix = " (forces replacement)"
			}
			fmt.Fprintf(w, "      %s: %s -> %s%s\n", diff.Path, renderValue(diff.Old), renderValue(diff.New), suffix)
		}
	}

	fmt.Fprintf(w, "\nPlan: %d to create, %d to update, %d to replace, %d to delete, %d unchanged.\n",
		plan.ToCreate, plan.ToUpdate, plan.ToReplace, plan.ToDelete, plan.NoChange)
}

func renderValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case Unknown:
		return val.String()
	case string:
		return fmt.Sprintf("%q", val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}

// WriteJSON serializes the plan for later consumption, for example by
// workflow generation.
func (p *Plan) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(p); err != nil {
		return errors.Wrap(errors.ErrCodeBackend, "cannot encode plan", err)
	}
	return nil
}

// ReadJSON loads a serialized plan. Loaded plans carry addresses,
// actions, diffs and ordering, but no live node or record references.
func ReadJSON(r io.Reader) (*Plan, error) {
	var plan Plan
	if err := json.NewDecoder(r).Decode(&plan); err != nil {
		return nil, errors.Wrap(errors.ErrCodeParse, "cannot decode plan file", err)
	}
	if plan.Version != PlanVersion {
		return nil, errors.ValidationError(
			fmt.Sprintf("unsupported plan version %d", plan.Version), nil)
	}
	return &plan, nil
}
