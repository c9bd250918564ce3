package rules

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/clindoc/internal/platform/apperr"
	"github.com/ehr/clindoc/internal/platform/telemetry"
)

func decodeRules(t *testing.T, s string) []Rule {
	t.Helper()
	var rs []Rule
	require.NoError(t, json.Unmarshal([]byte(s), &rs))
	return rs
}

func TestProcess_EmptyRulesReturnsEqualCopy(t *testing.T) {
	data := map[string]interface{}{"a": 1.0, "nested": map[string]interface{}{"b": "x"}}
	out, err := Process(data, nil)
	require.NoError(t, err)
	assert.Equal(t, data, out)

	out["nested"].(map[string]interface{})["b"] = "changed"
	assert.Equal(t, "x", data["nested"].(map[string]interface{})["b"], "result must not alias the input")
}

func TestProcess_NilData(t *testing.T) {
	out, err := Process(nil, nil)
	require.NoError(t, err)
	assert.Nil(t, out)

	rs := []Rule{{Type: KindCalculate, Field: "score", Rule: Spec{Expr: Lit(3.0)}}}
	out, err = Process(nil, rs)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"score": 3.0}, out)
}

func TestProcess_BMICalculation(t *testing.T) {
	rs := decodeRules(t, `[{
		"type": "calculate",
		"field": "bmi",
		"rule": {"expr": {"op": "bmi", "args": [{"op": "var", "name": "weight"}, {"op": "var", "name": "height"}]}}
	}]`)
	out, err := Process(map[string]interface{}{"age": 30.0, "weight": 70.0, "height": 170.0}, rs)
	require.NoError(t, err)
	assert.InDelta(t, 24.22, out["bmi"], 1e-9)
}

func TestProcess_CalculateWithMissingInputLeavesFieldUnset(t *testing.T) {
	rs := []Rule{{Type: KindCalculate, Field: "bmi", Rule: Spec{Expr: Call("bmi", Var("weight"), Var("height"))}}}
	out, err := Process(map[string]interface{}{"weight": 70.0}, rs)
	require.NoError(t, err)
	_, ok := out["bmi"]
	assert.False(t, ok)
}

func TestProcess_LeftFoldOrder(t *testing.T) {
	rs := decodeRules(t, `[
		{"type": "transform", "field": "name", "rule": {"op": "trim"}},
		{"type": "transform", "field": "name", "rule": {"type": "uppercase"}},
		{"type": "calculate", "field": "greeting", "rule": {"expr": {"op": "concat", "args": [
			{"op": "lit", "value": "HELLO "}, {"op": "var", "name": "name"}
		]}}},
		{"type": "validate", "field": "greeting", "rule": {"expr": {"op": "eq", "args": [
			{"op": "var", "name": "$value"}, {"op": "lit", "value": "HELLO ANN"}
		]}}}
	]`)
	input := map[string]interface{}{"name": "  ann "}
	out, err := Process(input, rs)
	require.NoError(t, err)
	assert.Equal(t, "ANN", out["name"])
	assert.Equal(t, "HELLO ANN", out["greeting"])
	assert.Equal(t, "  ann ", input["name"])
}

func TestProcess_Transforms(t *testing.T) {
	tests := []struct {
		op   string
		in   interface{}
		want interface{}
	}{
		{OpUppercase, "abc", "ABC"},
		{OpLowercase, "AbC", "abc"},
		{OpTrim, "  x ", "x"},
		{OpUppercase, 12.5, "12.5"},
		{OpNumber, "42.5", 42.5},
		{OpNumber, " 7 ", 7.0},
		{OpNumber, true, 1.0},
		{OpNumber, 3.0, 3.0},
		{OpBoolean, "Yes", true},
		{OpBoolean, "no", false},
		{OpBoolean, "0", false},
		{OpBoolean, "anything", true},
		{OpBoolean, 0.0, false},
		{OpDate, "2024-03-01", "2024-03-01T00:00:00.000Z"},
		{OpDate, "2024-03-01T10:20:30+02:00", "2024-03-01T08:20:30.000Z"},
		{OpDate, "2024-03-01T10:20:30", "2024-03-01T10:20:30.000Z"},
		{OpDate, 0.0, "1970-01-01T00:00:00.000Z"},
	}
	for _, tt := range tests {
		rs := []Rule{{Type: KindTransform, Field: "v", Rule: Spec{Op: tt.op}}}
		out, err := Process(map[string]interface{}{"v": tt.in}, rs)
		require.NoError(t, err, "%s(%v)", tt.op, tt.in)
		assert.Equal(t, tt.want, out["v"], "%s(%v)", tt.op, tt.in)
	}
}

func TestProcess_TransformMissingFieldIsNoop(t *testing.T) {
	rs := []Rule{
		{Type: KindTransform, Field: "missing", Rule: Spec{Op: OpNumber}},
		{Type: KindTransform, Field: "empty", Rule: Spec{Op: OpUppercase}},
	}
	in := map[string]interface{}{"other": "x", "empty": nil}
	out, err := Process(in, rs)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestProcess_TransformFailures(t *testing.T) {
	for _, op := range []string{OpNumber, OpDate} {
		rs := []Rule{{Type: KindTransform, Field: "v", Rule: Spec{Op: op}}}
		_, err := Process(map[string]interface{}{"v": "not-a-value"}, rs)
		require.Error(t, err, op)
		assert.True(t, errors.Is(err, apperr.ErrRuleViolation), op)
		var rv *apperr.RuleViolationError
		require.True(t, errors.As(err, &rv))
		assert.Equal(t, "v", rv.Field)
	}
}

func TestProcess_CustomTransform(t *testing.T) {
	rs := []Rule{{
		Type:  KindTransform,
		Field: "temp",
		Rule:  Spec{Op: OpCustom, Expr: Call("round", Call("div", Call("mul", Call("sub", Var(ValueVar), Lit(32)), Lit(5)), Lit(9)), Lit(1))},
	}}
	out, err := Process(map[string]interface{}{"temp": 98.6}, rs)
	require.NoError(t, err)
	assert.Equal(t, 37.0, out["temp"])
}

func TestProcess_ValidateRuleViolation(t *testing.T) {
	rs := []Rule{
		{Type: KindCalculate, Field: "vitals.bmi", Rule: Spec{Expr: Call("bmi", Var("vitals.weight"), Var("vitals.height"))}},
		{Type: KindValidate, Field: "vitals.bmi", Rule: Spec{
			Expr:    Call("lt", Var(ValueVar), Lit(40)),
			Message: "BMI out of range",
		}},
	}
	data := map[string]interface{}{"vitals": map[string]interface{}{"weight": 150.0, "height": 170.0}}
	_, err := Process(data, rs)
	require.Error(t, err)

	var rv *apperr.RuleViolationError
	require.True(t, errors.As(err, &rv))
	assert.Equal(t, "vitals.bmi", rv.Field)
	assert.Equal(t, "BMI out of range", rv.Message)

	data["vitals"].(map[string]interface{})["weight"] = 70.0
	out, err := Process(data, rs)
	require.NoError(t, err)
	assert.InDelta(t, 24.22, out["vitals"].(map[string]interface{})["bmi"], 1e-9)
}

func TestProcess_RuntimeErrorBecomesViolation(t *testing.T) {
	rs := []Rule{{Type: KindCalculate, Field: "ratio", Rule: Spec{Expr: Call("div", Var("a"), Var("b"))}}}
	_, err := Process(map[string]interface{}{"a": 1.0, "b": 0.0}, rs)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrRuleViolation))
	assert.Contains(t, err.Error(), "division by zero")
}

func TestProcess_Deterministic(t *testing.T) {
	rs := decodeRules(t, `[
		{"type": "calculate", "field": "bsa", "rule": {"expr": {"op": "bsa", "args": [{"op": "var", "name": "w"}, {"op": "var", "name": "h"}]}}},
		{"type": "calculate", "field": "flag", "rule": {"expr": {"op": "if", "args": [
			{"op": "gt", "args": [{"op": "var", "name": "bsa"}, {"op": "lit", "value": 1.8}]},
			{"op": "lit", "value": "large"},
			{"op": "lit", "value": "normal"}
		]}}}
	]`)
	p, err := Compile(rs)
	require.NoError(t, err)
	data := map[string]interface{}{"w": 80.0, "h": 180.0}
	first, err := p.Run(data)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := p.Run(data)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, 2.0, first["bsa"])
	assert.Equal(t, "large", first["flag"])
}

func TestCompile_Errors(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
	}{
		{"unknown type", Rule{Type: "mutate", Field: "x"}},
		{"missing field", Rule{Type: KindTransform, Rule: Spec{Op: OpTrim}}},
		{"unknown transform", Rule{Type: KindTransform, Field: "x", Rule: Spec{Op: "reverse"}}},
		{"custom without expr", Rule{Type: KindTransform, Field: "x", Rule: Spec{Op: OpCustom}}},
		{"calculate without expr", Rule{Type: KindCalculate, Field: "x"}},
		{"unknown operator", Rule{Type: KindCalculate, Field: "x", Rule: Spec{Expr: Call("eval", Lit("1"))}}},
		{"bad arity", Rule{Type: KindValidate, Field: "x", Rule: Spec{Expr: Call("not", Lit(true), Lit(false))}}},
		{"bad pattern", Rule{Type: KindValidate, Field: "x", Rule: Spec{Expr: Call("matches", Var(ValueVar), Lit("("))}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile([]Rule{{Type: KindTransform, Field: "ok", Rule: Spec{Op: OpTrim}}, tt.rule})
			require.Error(t, err)
			var ce *CompileError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, 1, ce.Index)
		})
	}
}

func TestPipeline_AgeUsesClock(t *testing.T) {
	clock := func() time.Time { return time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC) }
	rs := []Rule{{Type: KindCalculate, Field: "age", Rule: Spec{Expr: Call("age", Var("birthDate"))}}}

	out, err := Process(map[string]interface{}{"birthDate": "1990-06-16"}, rs, WithClock(clock))
	require.NoError(t, err)
	assert.Equal(t, 33.0, out["age"])

	out, err = Process(map[string]interface{}{"birthDate": "1990-06-15"}, rs, WithClock(clock))
	require.NoError(t, err)
	assert.Equal(t, 34.0, out["age"])
}

func TestPipeline_RecordsMetrics(t *testing.T) {
	m := telemetry.New()
	rs := []Rule{
		{Type: KindTransform, Field: "a", Rule: Spec{Op: OpTrim}},
		{Type: KindValidate, Field: "a", Rule: Spec{Expr: Call("eq", Var(ValueVar), Lit("no"))}},
	}
	_, err := Process(map[string]interface{}{"a": " yes "}, rs, WithMetrics(m))
	require.Error(t, err)

	count, err := testutil.GatherAndCount(m.Registry(), "clindoc_rule_executions_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestSanitize(t *testing.T) {
	in := map[string]interface{}{
		"name":  "  Ann ",
		"empty": nil,
		"tags":  []interface{}{" a ", nil, "b"},
		"nested": map[string]interface{}{
			"note": " x ",
			"gone": nil,
			"n":    3.0,
		},
	}
	want := map[string]interface{}{
		"name":   "Ann",
		"tags":   []interface{}{"a", "b"},
		"nested": map[string]interface{}{"note": "x", "n": 3.0},
	}
	once := Sanitize(in)
	assert.Equal(t, want, once)
	assert.Equal(t, once, Sanitize(once))
	assert.Equal(t, "  Ann ", in["name"])
}
