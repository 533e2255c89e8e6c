package workflow

import (
	"encoding/json"
	"reflect"
	"strconv"
	"strings"
)

// EvaluateConditions decides whether a rule's condition set is satisfied by
// an event payload.
//
// The chain is a strict left-to-right fold: condition 0 seeds the running
// result, then each subsequent condition combines with that running result
// using its own logicalOperator (or; anything else folds as and). There is
// no operator precedence and no grouping: A and B or C evaluates as
// (A and B) or C. Rule authors depend on this, so it must stay this way.
//
// An empty condition list means the rule is unconditional and returns true.
func EvaluateConditions(conditions []Condition, data map[string]any) bool {
	if len(conditions) == 0 {
		return true
	}

	result := evaluateCondition(conditions[0], data)
	for _, c := range conditions[1:] {
		value := evaluateCondition(c, data)
		if c.LogicalOperator == LogicalOr {
			result = result || value
		} else {
			result = result && value
		}
	}
	return result
}

// ConditionResult reports the individual outcome of one condition, for
// simulation feedback in the rule-authoring flow.
type ConditionResult struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Matched  bool     `json:"matched"`
}

// evaluateEach returns the per-condition truth values alongside the folded
// overall result.
func evaluateEach(conditions []Condition, data map[string]any) []ConditionResult {
	results := make([]ConditionResult, 0, len(conditions))
	for _, c := range conditions {
		results = append(results, ConditionResult{
			Field:    c.Field,
			Operator: c.Operator,
			Matched:  evaluateCondition(c, data),
		})
	}
	return results
}

// evaluateCondition applies one operator. A field/operator mismatch that
// cannot be coerced evaluates to false, never an error.
func evaluateCondition(c Condition, data map[string]any) bool {
	fieldValue, present := lookupPath(data, c.Field)

	switch c.Operator {
	case OpEquals:
		return looseEquals(fieldValue, c.Value)

	case OpNotEquals:
		return !looseEquals(fieldValue, c.Value)

	case OpContains:
		return containsFold(fieldValue, c.Value)

	case OpNotContains:
		return !containsFold(fieldValue, c.Value)

	case OpGreaterThan:
		fv, ok1 := coerceNumber(fieldValue)
		cv, ok2 := coerceNumber(c.Value)
		return ok1 && ok2 && fv > cv

	case OpLessThan:
		fv, ok1 := coerceNumber(fieldValue)
		cv, ok2 := coerceNumber(c.Value)
		return ok1 && ok2 && fv < cv

	case OpBetween:
		bounds, ok := c.Value.([]any)
		if !ok || len(bounds) != 2 {
			return false
		}
		fv, ok1 := coerceNumber(fieldValue)
		lo, ok2 := coerceNumber(bounds[0])
		hi, ok3 := coerceNumber(bounds[1])
		// Bounds are inclusive.
		return ok1 && ok2 && ok3 && fv >= lo && fv <= hi

	case OpInList:
		list, ok := c.Value.([]any)
		if !ok {
			return false
		}
		for _, item := range list {
			if looseEquals(fieldValue, item) {
				return true
			}
		}
		return false

	case OpIsEmpty:
		return isEmptyValue(fieldValue, present)

	case OpIsNotEmpty:
		return !isEmptyValue(fieldValue, present)

	default:
		return false
	}
}

// isEmptyValue treats absent, nil and "" as empty. 0 and false are values
// the author stored on purpose and count as non-empty.
func isEmptyValue(v any, present bool) bool {
	if !present || v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

// containsFold is a case-insensitive substring test on the string forms of
// both sides.
func containsFold(fieldValue, compare any) bool {
	return strings.Contains(
		strings.ToLower(stringify(fieldValue)),
		strings.ToLower(stringify(compare)),
	)
}

// looseEquals compares the way rule authors expect from the original engine:
// numbers of any width compare numerically (JSON round-trips widen everything
// to float64), but a string never equals a number.
func looseEquals(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, ok := numericValue(a); ok {
		bf, ok := numericValue(b)
		return ok && af == bf
	}
	if _, ok := numericValue(b); ok {
		return false
	}
	// Non-numeric values (strings, bools, nested structures) compare
	// structurally; DeepEqual also avoids panics on uncomparable types.
	return reflect.DeepEqual(a, b)
}

// numericValue reports a number for genuinely numeric types only. Strings
// are excluded so equals stays strict; coerceNumber is the loose variant.
func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// coerceNumber additionally accepts numeric strings, for the ordering
// operators where "150" in a payload should still compare against 140.
func coerceNumber(v any) (float64, bool) {
	if f, ok := numericValue(v); ok {
		return f, true
	}
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		return f, err == nil
	}
	return 0, false
}
