package workflow

import "testing"

func testPayload() map[string]any {
	return map[string]any{
		"patient": map[string]any{
			"age":  70,
			"name": "Maria Ionescu",
			"id":   "p-1",
		},
		"vitals": map[string]any{
			"blood_pressure_systolic": 150,
			"notes":                   "",
		},
		"appointment": map[string]any{
			"type":   "Consultation",
			"copay":  0,
			"urgent": false,
		},
	}
}

// An empty condition list means the rule is unconditional.
func TestEvaluateConditionsEmptyListIsTrue(t *testing.T) {
	if !EvaluateConditions(nil, testPayload()) {
		t.Error("empty condition list should evaluate to true")
	}
	if !EvaluateConditions([]Condition{}, map[string]any{}) {
		t.Error("empty condition list should evaluate to true for empty payloads too")
	}
}

// The chain is a strict left-to-right fold with no precedence:
// [A, B(or)] evaluates as A OR B even when A is false.
func TestEvaluateConditionsLeftToRightFold(t *testing.T) {
	data := testPayload()

	conditions := []Condition{
		{Field: "patient.age", Operator: OpGreaterThan, Value: 99}, // false
		{Field: "patient.age", Operator: OpGreaterThan, Value: 65, LogicalOperator: LogicalOr}, // true
	}
	if !EvaluateConditions(conditions, data) {
		t.Error("false OR true should be true")
	}

	// (A AND B) OR C, not A AND (B OR C): A=true, B=false, C=true => true
	conditions = []Condition{
		{Field: "patient.age", Operator: OpGreaterThan, Value: 65},                                // true
		{Field: "patient.age", Operator: OpLessThan, Value: 10},                                   // false
		{Field: "vitals.blood_pressure_systolic", Operator: OpGreaterThan, Value: 140, LogicalOperator: LogicalOr}, // true
	}
	if !EvaluateConditions(conditions, data) {
		t.Error("(true AND false) OR true should be true")
	}

	// A=true, B(or)=false, C(and)=false => (true OR false) AND false => false
	conditions = []Condition{
		{Field: "patient.age", Operator: OpGreaterThan, Value: 65},
		{Field: "patient.age", Operator: OpGreaterThan, Value: 99, LogicalOperator: LogicalOr},
		{Field: "patient.age", Operator: OpLessThan, Value: 10, LogicalOperator: LogicalAnd},
	}
	if EvaluateConditions(conditions, data) {
		t.Error("(true OR false) AND false should be false")
	}
}

// An unset logicalOperator folds as AND.
func TestEvaluateConditionsDefaultOperatorIsAnd(t *testing.T) {
	conditions := []Condition{
		{Field: "patient.age", Operator: OpGreaterThan, Value: 65}, // true
		{Field: "patient.age", Operator: OpGreaterThan, Value: 99}, // false, no logicalOperator
	}
	if EvaluateConditions(conditions, testPayload()) {
		t.Error("true AND false should be false when logicalOperator is unset")
	}
}

func TestOperatorEquals(t *testing.T) {
	data := testPayload()

	cases := []struct {
		name      string
		condition Condition
		want      bool
	}{
		{"string match", Condition{Field: "appointment.type", Operator: OpEquals, Value: "Consultation"}, true},
		{"string mismatch", Condition{Field: "appointment.type", Operator: OpEquals, Value: "Surgery"}, false},
		{"number match across widths", Condition{Field: "patient.age", Operator: OpEquals, Value: 70.0}, true},
		{"string never equals number", Condition{Field: "patient.id", Operator: OpEquals, Value: 1}, false},
		{"not_equals", Condition{Field: "appointment.type", Operator: OpNotEquals, Value: "Surgery"}, true},
		{"missing field not equal", Condition{Field: "patient.weight", Operator: OpEquals, Value: 80}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := evaluateCondition(tc.condition, data); got != tc.want {
				t.Errorf("evaluateCondition() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestOperatorContains(t *testing.T) {
	data := testPayload()

	cases := []struct {
		name      string
		condition Condition
		want      bool
	}{
		{"case-insensitive substring", Condition{Field: "patient.name", Operator: OpContains, Value: "IONESCU"}, true},
		{"absent substring", Condition{Field: "patient.name", Operator: OpContains, Value: "popescu"}, false},
		{"numeric field as string", Condition{Field: "patient.age", Operator: OpContains, Value: "7"}, true},
		{"not_contains", Condition{Field: "patient.name", Operator: OpNotContains, Value: "popescu"}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := evaluateCondition(tc.condition, data); got != tc.want {
				t.Errorf("evaluateCondition() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestOperatorOrdering(t *testing.T) {
	data := testPayload()

	cases := []struct {
		name      string
		condition Condition
		want      bool
	}{
		{"greater_than true", Condition{Field: "patient.age", Operator: OpGreaterThan, Value: 65}, true},
		{"greater_than false at equal", Condition{Field: "patient.age", Operator: OpGreaterThan, Value: 70}, false},
		{"less_than true", Condition{Field: "patient.age", Operator: OpLessThan, Value: 80}, true},
		{"numeric string coerces", Condition{Field: "patient.age", Operator: OpGreaterThan, Value: "65"}, true},
		{"uncoercible is false", Condition{Field: "patient.name", Operator: OpGreaterThan, Value: 10}, false},
		{"missing field is false", Condition{Field: "patient.weight", Operator: OpGreaterThan, Value: 10}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := evaluateCondition(tc.condition, data); got != tc.want {
				t.Errorf("evaluateCondition() = %v, want %v", got, tc.want)
			}
		})
	}
}

// between bounds are inclusive on both ends.
func TestOperatorBetween(t *testing.T) {
	data := testPayload()

	cases := []struct {
		name      string
		value     any
		want      bool
	}{
		{"inside", []any{65, 100}, true},
		{"at lower bound", []any{70, 100}, true},
		{"at upper bound", []any{10, 70}, true},
		{"just below", []any{71, 100}, false},
		{"just above", []any{10, 69}, false},
		{"malformed pair", []any{10}, false},
		{"not a pair", "10-100", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := Condition{Field: "patient.age", Operator: OpBetween, Value: tc.value}
			if got := evaluateCondition(c, data); got != tc.want {
				t.Errorf("between %v = %v, want %v", tc.value, got, tc.want)
			}
		})
	}
}

func TestOperatorInList(t *testing.T) {
	data := testPayload()

	c := Condition{Field: "appointment.type", Operator: OpInList, Value: []any{"Surgery", "Consultation"}}
	if !evaluateCondition(c, data) {
		t.Error("in_list should match a member")
	}

	c = Condition{Field: "appointment.type", Operator: OpInList, Value: []any{"Surgery"}}
	if evaluateCondition(c, data) {
		t.Error("in_list should not match a non-member")
	}

	c = Condition{Field: "patient.age", Operator: OpInList, Value: []any{60, 70.0, 80}}
	if !evaluateCondition(c, data) {
		t.Error("in_list should match numbers across widths")
	}
}

// 0 and false are deliberate values and count as non-empty; only absent,
// nil and "" are empty.
func TestOperatorEmptiness(t *testing.T) {
	data := testPayload()
	data["patient"].(map[string]any)["allergies"] = nil

	cases := []struct {
		name      string
		condition Condition
		want      bool
	}{
		{"empty string", Condition{Field: "vitals.notes", Operator: OpIsEmpty}, true},
		{"nil value", Condition{Field: "patient.allergies", Operator: OpIsEmpty}, true},
		{"missing path", Condition{Field: "patient.insurance.number", Operator: OpIsEmpty}, true},
		{"zero is not empty", Condition{Field: "appointment.copay", Operator: OpIsEmpty}, false},
		{"false is not empty", Condition{Field: "appointment.urgent", Operator: OpIsEmpty}, false},
		{"is_not_empty on value", Condition{Field: "patient.name", Operator: OpIsNotEmpty}, true},
		{"is_not_empty on missing", Condition{Field: "patient.weight", Operator: OpIsNotEmpty}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := evaluateCondition(tc.condition, data); got != tc.want {
				t.Errorf("evaluateCondition() = %v, want %v", got, tc.want)
			}
		})
	}
}

// A malformed field path or unknown operator evaluates to false, never
// panics.
func TestEvaluateConditionNeverPanics(t *testing.T) {
	data := testPayload()

	if evaluateCondition(Condition{Field: "", Operator: OpEquals, Value: 1}, data) {
		t.Error("empty field path should evaluate to false")
	}
	if evaluateCondition(Condition{Field: "patient.age", Operator: "matches_regex", Value: ".*"}, data) {
		t.Error("unknown operator should evaluate to false")
	}
	// Field path through a scalar intermediate.
	if evaluateCondition(Condition{Field: "patient.age.years", Operator: OpEquals, Value: 70}, data) {
		t.Error("path through a scalar should evaluate to false")
	}
}

func TestLookupPathNested(t *testing.T) {
	data := testPayload()

	v, ok := lookupPath(data, "vitals.blood_pressure_systolic")
	if !ok {
		t.Fatal("expected nested path to resolve")
	}
	if v != 150 {
		t.Errorf("lookupPath() = %v, want 150", v)
	}

	if _, ok := lookupPath(data, "vitals.heart_rate"); ok {
		t.Error("missing leaf should not resolve")
	}
	if _, ok := lookupPath(data, "labs.cbc.wbc"); ok {
		t.Error("missing intermediate should not resolve")
	}
}
