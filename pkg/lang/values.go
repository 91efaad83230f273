package lang

import (
	"encoding/json"
	"fmt"

	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// ValueFromAttributes converts a recorded attribute bag into an object
// value for the evaluator. Attribute bags are JSON-shaped, so the value
// type is implied from a JSON round trip.
func ValueFromAttributes(attrs map[string]interface{}) (cty.Value, error) {
	if len(attrs) == 0 {
		return cty.EmptyObjectVal, nil
	}
	raw, err := json.Marshal(attrs)
	if err != nil {
		return cty.NilVal, fmt.Errorf("attributes are not JSON-compatible: %w", err)
	}
	ty, err := ctyjson.ImpliedType(raw)
	if err != nil {
		return cty.NilVal, fmt.Errorf("cannot infer attribute types: %w", err)
	}
	val, err := ctyjson.Unmarshal(raw, ty)
	if err != nil {
		return cty.NilVal, fmt.Errorf("cannot decode attributes: %w", err)
	}
	return val, nil
}

// AttributesFromValue converts a fully known object value into the
// JSON-shaped attribute bag providers and state records carry. The round
// trip through JSON also normalizes value types, so a bag produced here
// compares equal to the same bag after persistence.
func AttributesFromValue(val cty.Value) (map[string]interface{}, error) {
	if !val.IsWhollyKnown() {
		return nil, fmt.Errorf("value contains unknowns")
	}
	raw, err := ctyjson.Marshal(val, val.Type())
	if err != nil {
		return nil, fmt.Errorf("cannot encode attributes: %w", err)
	}
	var attrs map[string]interface{}
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return nil, fmt.Errorf("cannot decode attributes: %w", err)
	}
	if attrs == nil {
		attrs = map[string]interface{}{}
	}
	return attrs, nil
}

// PlainFromValue converts any fully known value into its JSON shape.
// Used for output values, where the result may be a scalar or list
// rather than an object.
func PlainFromValue(val cty.Value) (interface{}, error) {
	if !val.IsWhollyKnown() {
		return nil, fmt.Errorf("value contains unknowns")
	}
	raw, err := ctyjson.Marshal(val, val.Type())
	if err != nil {
		return nil, fmt.Errorf("cannot encode value: %w", err)
	}
	var plain interface{}
	if err := json.Unmarshal(raw, &plain); err != nil {
		return nil, fmt.Errorf("cannot decode value: %w", err)
	}
	return plain, nil
}
