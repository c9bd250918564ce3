package rules

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func eval(t *testing.T, e *Expr, value interface{}, data map[string]interface{}) interface{} {
	t.Helper()
	ev, err := CompileExpr(e)
	require.NoError(t, err)
	v, err := ev.Eval(value, data, fixedNow)
	require.NoError(t, err)
	return v
}

func TestExpr_Arithmetic(t *testing.T) {
	data := map[string]interface{}{"a": 6.0, "b": 4, "s": "x"}
	tests := []struct {
		name string
		expr *Expr
		want interface{}
	}{
		{"add", Call("add", Var("a"), Var("b"), Lit(1)), 11.0},
		{"sub", Call("sub", Var("a"), Var("b")), 2.0},
		{"mul", Call("mul", Var("a"), Var("b")), 24.0},
		{"div", Call("div", Var("a"), Var("b")), 1.5},
		{"mod", Call("mod", Var("a"), Var("b")), 2.0},
		{"pow", Call("pow", Lit(2), Lit(10)), 1024.0},
		{"neg", Call("neg", Var("a")), -6.0},
		{"abs", Call("abs", Lit(-3.5)), 3.5},
		{"min", Call("min", Var("a"), Var("b"), Lit(5)), 4.0},
		{"max", Call("max", Var("a"), Var("b"), Lit(5)), 6.0},
		{"floor", Call("floor", Lit(2.7)), 2.0},
		{"ceil", Call("ceil", Lit(2.1)), 3.0},
		{"sqrt", Call("sqrt", Lit(16)), 4.0},
		{"round half away from zero", Call("round", Lit(2.5)), 3.0},
		{"round negative", Call("round", Lit(-2.5)), -3.0},
		{"round places", Call("round", Lit(1.005), Lit(2)), 1.01},
		{"null propagates", Call("add", Var("a"), Var("missing")), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := eval(t, tt.expr, nil, data)
			if f, ok := tt.want.(float64); ok {
				assert.InDelta(t, f, got, 1e-9)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExpr_RuntimeErrors(t *testing.T) {
	data := map[string]interface{}{"s": "abc"}
	for name, e := range map[string]*Expr{
		"non numeric":      Call("add", Var("s"), Lit(1)),
		"divide by zero":   Call("div", Lit(1), Lit(0)),
		"modulo by zero":   Call("mod", Lit(1), Lit(0)),
		"negative sqrt":    Call("sqrt", Lit(-1)),
		"mixed ordering":   Call("lt", Lit(1), Lit("a")),
		"fractional round": Call("round", Lit(1), Lit(0.5)),
	} {
		ev, err := CompileExpr(e)
		require.NoError(t, err, name)
		_, err = ev.Eval(nil, data, fixedNow)
		assert.Error(t, err, name)
	}
}

func TestExpr_ComparisonAndLogic(t *testing.T) {
	data := map[string]interface{}{"n": 5.0, "s": "beta", "list": []interface{}{"a", "b"}}
	tests := []struct {
		name string
		expr *Expr
		want bool
	}{
		{"eq numeric types", Call("eq", Var("n"), Lit(5)), true},
		{"ne", Call("ne", Var("s"), Lit("alpha")), true},
		{"lt", Call("lt", Var("n"), Lit(6)), true},
		{"lte", Call("lte", Var("n"), Lit(5)), true},
		{"gt strings", Call("gt", Var("s"), Lit("alpha")), true},
		{"gte", Call("gte", Var("n"), Lit(6)), false},
		{"null compare", Call("lt", Var("missing"), Lit(1)), false},
		{"null equals null", Call("eq", Var("missing"), Lit(nil)), true},
		{"and", Call("and", Lit(true), Call("gt", Var("n"), Lit(1))), true},
		{"and short", Call("and", Lit(false), Call("div", Lit(1), Lit(0))), false},
		{"or", Call("or", Lit(0), Lit("")), false},
		{"not", Call("not", Var("missing")), true},
		{"exists", Call("exists", Var("n")), true},
		{"in list", Call("in", Var("$value"), Var("list")), true},
		{"in args", Call("in", Lit("c"), Lit("a"), Lit("b")), false},
		{"matches", Call("matches", Var("s"), Lit("^b[a-z]+$")), true},
		{"matches null", Call("matches", Var("missing"), Lit(".*")), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, eval(t, tt.expr, "b", data))
		})
	}
}

func TestExpr_Strings(t *testing.T) {
	data := map[string]interface{}{"first": "Ann", "last": "Lee", "tags": []interface{}{1, 2, 3}}
	assert.Equal(t, "Ann Lee", eval(t, Call("concat", Var("first"), Lit(" "), Var("last")), nil, data))
	assert.Equal(t, 3.0, eval(t, Call("len", Var("first")), nil, data))
	assert.Equal(t, 3.0, eval(t, Call("len", Var("tags")), nil, data))
	assert.Equal(t, "ANN", eval(t, Call("upper", Var("first")), nil, data))
	assert.Equal(t, "lee", eval(t, Call("lower", Var("last")), nil, data))
	assert.Equal(t, "x", eval(t, Call("trim", Lit(" x ")), nil, data))
	assert.Equal(t, "fallback", eval(t, Call("coalesce", Var("missing"), Lit("fallback")), nil, data))
	assert.Equal(t, "no", eval(t, Call("if", Var("missing"), Lit("yes"), Lit("no")), nil, data))
}

func TestExpr_Calculators(t *testing.T) {
	assert.InDelta(t, 24.22, eval(t, Call("bmi", Lit(70), Lit(170)), nil, nil), 1e-9)
	assert.InDelta(t, 1.81, eval(t, Call("bsa", Lit(70), Lit(170)), nil, nil), 1e-9)

	male := eval(t, Call("gfr", Lit(1.0), Lit(50)), nil, nil).(float64)
	female := eval(t, Call("gfr", Lit(1.0), Lit(50), Lit(true)), nil, nil).(float64)
	assert.InDelta(t, 79.09, male, 0.01)
	assert.Less(t, female, male)

	assert.Equal(t, 24.0, eval(t, Call("age", Lit("1999-06-30")), nil, nil))
	assert.Nil(t, eval(t, Call("age", Var("birthDate")), nil, map[string]interface{}{}))
}

func TestExpr_JSONRoundTrip(t *testing.T) {
	raw := `{"op":"gte","args":[{"op":"var","name":"$value"},{"op":"lit","value":0}]}`
	var e Expr
	require.NoError(t, json.Unmarshal([]byte(raw), &e))
	assert.Equal(t, true, eval(t, &e, 3.0, nil))
	assert.Equal(t, false, eval(t, &e, -1.0, nil))
}

func TestExpr_CompileErrors(t *testing.T) {
	for name, e := range map[string]*Expr{
		"nil":            nil,
		"var no name":    {Op: "var"},
		"bad literal":    {Op: "lit", Value: json.RawMessage(`{`)},
		"unknown":        Call("exec", Lit("rm")),
		"too few":        Call("sub", Lit(1)),
		"too many":       Call("if", Lit(1), Lit(2), Lit(3), Lit(4)),
		"nested unknown": Call("add", Lit(1), Call("nope")),
	} {
		_, err := CompileExpr(e)
		assert.Error(t, err, name)
	}
}

func TestCalculators_Guards(t *testing.T) {
	_, err := BMI(0, 170)
	assert.Error(t, err)
	_, err = BSA(70, -1)
	assert.Error(t, err)
	_, err = GFR(0, 40, false, false)
	assert.Error(t, err)
	assert.Equal(t, 0, AgeYears(fixedNow.AddDate(1, 0, 0), fixedNow))
}
