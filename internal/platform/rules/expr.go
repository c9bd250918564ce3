package rules

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// Expr is a node of the expression language used by custom transforms,
// calculations and validations. It is plain data and round-trips through
// JSON, e.g.
//
//	{"op": "gte", "args": [{"op": "var", "name": "$value"}, {"op": "lit", "value": 0}]}
//
// "var" reads a dotted path from the current snapshot; the name "$value"
// reads the value of the rule's own field.
type Expr struct {
	Op    string          `json:"op"`
	Name  string          `json:"name,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
	Args  []*Expr         `json:"args,omitempty"`
}

// ValueVar is the variable bound to the value of the rule's field.
const ValueVar = "$value"

// Var and Lit build leaf nodes; Call builds an operator node.
func Var(name string) *Expr { return &Expr{Op: "var", Name: name} }

func Lit(v interface{}) *Expr {
	raw, err := json.Marshal(v)
	if err != nil {
		raw = []byte("null")
	}
	return &Expr{Op: "lit", Value: raw}
}

func Call(op string, args ...*Expr) *Expr { return &Expr{Op: op, Args: args} }

type env struct {
	data  map[string]interface{}
	value interface{}
	now   time.Time
}

type evalFunc func(*env) (interface{}, error)

// Evaluator is a compiled expression.
type Evaluator struct {
	fn evalFunc
}

// Eval runs the expression with value bound to $value.
func (ev *Evaluator) Eval(value interface{}, data map[string]interface{}, now time.Time) (interface{}, error) {
	if data == nil {
		data = map[string]interface{}{}
	}
	return ev.fn(&env{data: data, value: value, now: now})
}

// CompileExpr checks operator names and arities and returns an evaluator.
func CompileExpr(e *Expr) (*Evaluator, error) {
	fn, err := compile(e)
	if err != nil {
		return nil, err
	}
	return &Evaluator{fn: fn}, nil
}

type arity struct{ min, max int } // max < 0 means unbounded

type builder func(node *Expr, args []evalFunc) (evalFunc, error)

type operator struct {
	arity arity
	build builder
}

var operators map[string]operator

func init() {
	operators = map[string]operator{
		"add":   {arity{2, -1}, numeric(func(xs []float64) (float64, error) { return fold(xs, func(a, b float64) float64 { return a + b }), nil })},
		"sub":   {arity{2, 2}, numeric(func(xs []float64) (float64, error) { return xs[0] - xs[1], nil })},
		"mul":   {arity{2, -1}, numeric(func(xs []float64) (float64, error) { return fold(xs, func(a, b float64) float64 { return a * b }), nil })},
		"div":   {arity{2, 2}, numeric(divide)},
		"mod":   {arity{2, 2}, numeric(modulo)},
		"pow":   {arity{2, 2}, numeric(func(xs []float64) (float64, error) { return math.Pow(xs[0], xs[1]), nil })},
		"neg":   {arity{1, 1}, numeric(func(xs []float64) (float64, error) { return -xs[0], nil })},
		"abs":   {arity{1, 1}, numeric(func(xs []float64) (float64, error) { return math.Abs(xs[0]), nil })},
		"floor": {arity{1, 1}, numeric(func(xs []float64) (float64, error) { return math.Floor(xs[0]), nil })},
		"ceil":  {arity{1, 1}, numeric(func(xs []float64) (float64, error) { return math.Ceil(xs[0]), nil })},
		"sqrt":  {arity{1, 1}, numeric(squareRoot)},
		"min":   {arity{1, -1}, numeric(func(xs []float64) (float64, error) { return fold(xs, math.Min), nil })},
		"max":   {arity{1, -1}, numeric(func(xs []float64) (float64, error) { return fold(xs, math.Max), nil })},
		"round": {arity{1, 2}, numeric(roundTo)},

		"bmi": {arity{2, 2}, numeric(func(xs []float64) (float64, error) { return BMI(xs[0], xs[1]) })},
		"bsa": {arity{2, 2}, numeric(func(xs []float64) (float64, error) { return BSA(xs[0], xs[1]) })},
		"gfr": {arity{2, 4}, buildGFR},
		"age": {arity{1, 1}, buildAge},

		"eq":  {arity{2, 2}, compare(func(a, b interface{}) (bool, error) { return equal(a, b), nil })},
		"ne":  {arity{2, 2}, compare(func(a, b interface{}) (bool, error) { return !equal(a, b), nil })},
		"lt":  {arity{2, 2}, order(func(c int) bool { return c < 0 })},
		"lte": {arity{2, 2}, order(func(c int) bool { return c <= 0 })},
		"gt":  {arity{2, 2}, order(func(c int) bool { return c > 0 })},
		"gte": {arity{2, 2}, order(func(c int) bool { return c >= 0 })},

		"and":      {arity{1, -1}, buildAnd},
		"or":       {arity{1, -1}, buildOr},
		"not":      {arity{1, 1}, buildNot},
		"if":       {arity{3, 3}, buildIf},
		"exists":   {arity{1, 1}, buildExists},
		"coalesce": {arity{1, -1}, buildCoalesce},
		"in":       {arity{2, -1}, buildIn},

		"len":     {arity{1, 1}, buildLen},
		"concat":  {arity{1, -1}, buildConcat},
		"upper":   {arity{1, 1}, stringOp(strings.ToUpper)},
		"lower":   {arity{1, 1}, stringOp(strings.ToLower)},
		"trim":    {arity{1, 1}, stringOp(strings.TrimSpace)},
		"matches": {arity{2, 2}, buildMatches},
	}
}

func compile(e *Expr) (evalFunc, error) {
	if e == nil {
		return nil, fmt.Errorf("expression is empty")
	}
	switch e.Op {
	case "var":
		if e.Name == "" {
			return nil, fmt.Errorf("var requires a name")
		}
		name := e.Name
		return func(en *env) (interface{}, error) {
			if name == ValueVar {
				return en.value, nil
			}
			v, _ := getPath(en.data, name)
			return v, nil
		}, nil
	case "lit":
		var v interface{}
		if len(e.Value) > 0 {
			if err := json.Unmarshal(e.Value, &v); err != nil {
				return nil, fmt.Errorf("lit: %w", err)
			}
		}
		return func(*env) (interface{}, error) { return deepCopy(v), nil }, nil
	}

	op, ok := operators[e.Op]
	if !ok {
		return nil, fmt.Errorf("unknown operator %q", e.Op)
	}
	n := len(e.Args)
	if n < op.arity.min || (op.arity.max >= 0 && n > op.arity.max) {
		return nil, fmt.Errorf("%s: wrong number of arguments (%d)", e.Op, n)
	}
	args := make([]evalFunc, n)
	for i, a := range e.Args {
		fn, err := compile(a)
		if err != nil {
			return nil, fmt.Errorf("%s argument %d: %w", e.Op, i+1, err)
		}
		args[i] = fn
	}
	return op.build(e, args)
}

func evalAll(en *env, args []evalFunc) ([]interface{}, error) {
	out := make([]interface{}, len(args))
	for i, a := range args {
		v, err := a(en)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func fold(xs []float64, f func(a, b float64) float64) float64 {
	acc := xs[0]
	for _, x := range xs[1:] {
		acc = f(acc, x)
	}
	return acc
}

// numeric builds an arithmetic operator. A null operand makes the result
// null; any other non-numeric operand is an error.
func numeric(f func([]float64) (float64, error)) builder {
	return func(node *Expr, args []evalFunc) (evalFunc, error) {
		op := node.Op
		return func(en *env) (interface{}, error) {
			vals, err := evalAll(en, args)
			if err != nil {
				return nil, err
			}
			xs := make([]float64, len(vals))
			for i, v := range vals {
				if v == nil {
					return nil, nil
				}
				x, ok := toNumber(v)
				if !ok {
					return nil, fmt.Errorf("%s: argument %d is not a number: %s", op, i+1, toString(v))
				}
				xs[i] = x
			}
			res, err := f(xs)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", op, err)
			}
			if math.IsNaN(res) || math.IsInf(res, 0) {
				return nil, fmt.Errorf("%s: result is not a finite number", op)
			}
			return res, nil
		}, nil
	}
}

func divide(xs []float64) (float64, error) {
	if xs[1] == 0 {
		return 0, fmt.Errorf("division by zero")
	}
	return xs[0] / xs[1], nil
}

func modulo(xs []float64) (float64, error) {
	if xs[1] == 0 {
		return 0, fmt.Errorf("division by zero")
	}
	return math.Mod(xs[0], xs[1]), nil
}

func squareRoot(xs []float64) (float64, error) {
	if xs[0] < 0 {
		return 0, fmt.Errorf("square root of negative number")
	}
	return math.Sqrt(xs[0]), nil
}

func roundTo(xs []float64) (float64, error) {
	places := 0.0
	if len(xs) == 2 {
		places = xs[1]
	}
	if places != math.Trunc(places) || places < -15 || places > 15 {
		return 0, fmt.Errorf("invalid number of decimal places")
	}
	return roundPlaces(xs[0], int32(places)), nil
}

// roundPlaces rounds half away from zero using decimal arithmetic, so
// 24.225 becomes 24.23 rather than suffering binary float drift.
func roundPlaces(x float64, places int32) float64 {
	f, _ := decimal.NewFromFloat(x).Round(places).Float64()
	return f
}

func compare(f func(a, b interface{}) (bool, error)) builder {
	return func(_ *Expr, args []evalFunc) (evalFunc, error) {
		return func(en *env) (interface{}, error) {
			vals, err := evalAll(en, args)
			if err != nil {
				return nil, err
			}
			return f(vals[0], vals[1])
		}, nil
	}
}

// order compares numbers numerically and strings lexically. Comparisons
// involving null are false.
func order(accept func(int) bool) builder {
	return compare(func(a, b interface{}) (bool, error) {
		if a == nil || b == nil {
			return false, nil
		}
		if fa, ok := toNumber(a); ok {
			fb, ok := toNumber(b)
			if !ok {
				return false, fmt.Errorf("cannot compare number with %s", toString(b))
			}
			switch {
			case fa < fb:
				return accept(-1), nil
			case fa > fb:
				return accept(1), nil
			}
			return accept(0), nil
		}
		sa, okA := a.(string)
		sb, okB := b.(string)
		if !okA || !okB {
			return false, fmt.Errorf("cannot order %s and %s", toString(a), toString(b))
		}
		return accept(strings.Compare(sa, sb)), nil
	})
}

func buildAnd(_ *Expr, args []evalFunc) (evalFunc, error) {
	return func(en *env) (interface{}, error) {
		for _, a := range args {
			v, err := a(en)
			if err != nil {
				return nil, err
			}
			if !truthy(v) {
				return false, nil
			}
		}
		return true, nil
	}, nil
}

func buildOr(_ *Expr, args []evalFunc) (evalFunc, error) {
	return func(en *env) (interface{}, error) {
		for _, a := range args {
			v, err := a(en)
			if err != nil {
				return nil, err
			}
			if truthy(v) {
				return true, nil
			}
		}
		return false, nil
	}, nil
}

func buildNot(_ *Expr, args []evalFunc) (evalFunc, error) {
	return func(en *env) (interface{}, error) {
		v, err := args[0](en)
		if err != nil {
			return nil, err
		}
		return !truthy(v), nil
	}, nil
}

func buildIf(_ *Expr, args []evalFunc) (evalFunc, error) {
	return func(en *env) (interface{}, error) {
		cond, err := args[0](en)
		if err != nil {
			return nil, err
		}
		if truthy(cond) {
			return args[1](en)
		}
		return args[2](en)
	}, nil
}

func buildExists(_ *Expr, args []evalFunc) (evalFunc, error) {
	return func(en *env) (interface{}, error) {
		v, err := args[0](en)
		if err != nil {
			return nil, err
		}
		return v != nil, nil
	}, nil
}

func buildCoalesce(_ *Expr, args []evalFunc) (evalFunc, error) {
	return func(en *env) (interface{}, error) {
		for _, a := range args {
			v, err := a(en)
			if err != nil {
				return nil, err
			}
			if v != nil {
				return v, nil
			}
		}
		return nil, nil
	}, nil
}

// buildIn tests membership of the first argument in the rest, or in the
// second argument when it is the only candidate and holds an array.
func buildIn(_ *Expr, args []evalFunc) (evalFunc, error) {
	return func(en *env) (interface{}, error) {
		vals, err := evalAll(en, args)
		if err != nil {
			return nil, err
		}
		candidates := vals[1:]
		if len(candidates) == 1 {
			if arr, ok := candidates[0].([]interface{}); ok {
				candidates = arr
			}
		}
		for _, c := range candidates {
			if equal(vals[0], c) {
				return true, nil
			}
		}
		return false, nil
	}, nil
}

func buildLen(_ *Expr, args []evalFunc) (evalFunc, error) {
	return func(en *env) (interface{}, error) {
		v, err := args[0](en)
		if err != nil {
			return nil, err
		}
		switch t := v.(type) {
		case nil:
			return 0.0, nil
		case string:
			return float64(utf8.RuneCountInString(t)), nil
		case []interface{}:
			return float64(len(t)), nil
		case map[string]interface{}:
			return float64(len(t)), nil
		}
		return nil, fmt.Errorf("len: unsupported value %s", toString(v))
	}, nil
}

func buildConcat(_ *Expr, args []evalFunc) (evalFunc, error) {
	return func(en *env) (interface{}, error) {
		vals, err := evalAll(en, args)
		if err != nil {
			return nil, err
		}
		var b strings.Builder
		for _, v := range vals {
			b.WriteString(toString(v))
		}
		return b.String(), nil
	}, nil
}

func stringOp(f func(string) string) builder {
	return func(_ *Expr, args []evalFunc) (evalFunc, error) {
		return func(en *env) (interface{}, error) {
			v, err := args[0](en)
			if err != nil {
				return nil, err
			}
			if v == nil {
				return nil, nil
			}
			return f(toString(v)), nil
		}, nil
	}
}

// buildMatches compiles literal patterns up front so a bad pattern is
// reported when the rule set is saved rather than at submission time.
func buildMatches(node *Expr, args []evalFunc) (evalFunc, error) {
	var static *regexp.Regexp
	if p := node.Args[1]; p != nil && p.Op == "lit" {
		var s string
		if err := json.Unmarshal(p.Value, &s); err != nil {
			return nil, fmt.Errorf("matches: pattern must be a string")
		}
		re, err := regexp.Compile(s)
		if err != nil {
			return nil, fmt.Errorf("matches: %w", err)
		}
		static = re
	}
	return func(en *env) (interface{}, error) {
		v, err := args[0](en)
		if err != nil {
			return nil, err
		}
		if v == nil {
			return false, nil
		}
		re := static
		if re == nil {
			p, err := args[1](en)
			if err != nil {
				return nil, err
			}
			re, err = regexp.Compile(toString(p))
			if err != nil {
				return nil, fmt.Errorf("matches: %w", err)
			}
		}
		return re.MatchString(toString(v)), nil
	}, nil
}

func buildGFR(_ *Expr, args []evalFunc) (evalFunc, error) {
	return func(en *env) (interface{}, error) {
		vals, err := evalAll(en, args)
		if err != nil {
			return nil, err
		}
		if vals[0] == nil || vals[1] == nil {
			return nil, nil
		}
		cr, ok1 := toNumber(vals[0])
		age, ok2 := toNumber(vals[1])
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("gfr: creatinine and age must be numbers")
		}
		female := len(vals) > 2 && truthy(vals[2])
		black := len(vals) > 3 && truthy(vals[3])
		res, err := GFR(cr, age, female, black)
		if err != nil {
			return nil, fmt.Errorf("gfr: %w", err)
		}
		return res, nil
	}, nil
}

func buildAge(_ *Expr, args []evalFunc) (evalFunc, error) {
	return func(en *env) (interface{}, error) {
		v, err := args[0](en)
		if err != nil {
			return nil, err
		}
		if v == nil {
			return nil, nil
		}
		born, err := parseDate(v)
		if err != nil {
			return nil, fmt.Errorf("age: %w", err)
		}
		return float64(AgeYears(born, en.now)), nil
	}, nil
}
