// Package rules runs the declarative processing rules attached to a template
// version. Rules are data: a closed set of built-in transforms plus a small
// expression language, compiled once and applied as a left fold over the
// submitted payload.
package rules

import (
	"errors"
	"fmt"
	"time"

	"github.com/ehr/clindoc/internal/platform/apperr"
	"github.com/ehr/clindoc/internal/platform/telemetry"
)

// Kind is the rule type.
type Kind string

const (
	KindTransform Kind = "transform"
	KindCalculate Kind = "calculate"
	KindValidate  Kind = "validate"
)

// Rule is one processing step as stored on a template version:
//
//	{"type": "transform", "field": "name", "rule": {"op": "uppercase"}}
//	{"type": "calculate", "field": "bmi", "rule": {"expr": {"op": "bmi", "args": [...]}}}
//	{"type": "validate", "field": "age", "rule": {"expr": {...}, "message": "too young"}}
type Rule struct {
	Type  Kind   `json:"type"`
	Field string `json:"field"`
	Rule  Spec   `json:"rule"`
}

// Spec holds the operation of a rule. Type is accepted as a synonym of Op for
// transform rules.
type Spec struct {
	Op      string `json:"op,omitempty"`
	Type    string `json:"type,omitempty"`
	Expr    *Expr  `json:"expr,omitempty"`
	Message string `json:"message,omitempty"`
}

func (s Spec) op() string {
	if s.Op != "" {
		return s.Op
	}
	return s.Type
}

// CompileError reports the rule that failed to compile.
type CompileError struct {
	Index int
	Field string
	Err   error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("rule %d (%s): %v", e.Index, e.Field, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

// Option configures a pipeline.
type Option func(*Pipeline)

// WithClock sets the time source used by date-relative expressions.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithMetrics records one execution per rule.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

type step struct {
	kind    Kind
	field   string
	message string
	apply   func(data map[string]interface{}, now time.Time) error
}

// Pipeline is a compiled, immutable rule list, safe for concurrent use.
type Pipeline struct {
	steps   []step
	now     func() time.Time
	metrics *telemetry.Metrics
}

// Compile checks every rule and prepares it for execution.
func Compile(rules []Rule, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{now: time.Now}
	for _, o := range opts {
		o(p)
	}
	for i, r := range rules {
		s, err := compileRule(r)
		if err != nil {
			return nil, &CompileError{Index: i, Field: r.Field, Err: err}
		}
		p.steps = append(p.steps, s)
	}
	return p, nil
}

// Len returns the number of compiled rules.
func (p *Pipeline) Len() int { return len(p.steps) }

// Run applies the rules in order. Each rule works on its own copy of the
// previous snapshot; data itself is never modified. With no rules nil data
// comes back as nil; with rules it is treated as an empty map.
func (p *Pipeline) Run(data map[string]interface{}) (map[string]interface{}, error) {
	if data == nil && len(p.steps) == 0 {
		return nil, nil
	}
	current := copyMap(data)
	now := p.now()
	for _, s := range p.steps {
		next := copyMap(current)
		if err := s.apply(next, now); err != nil {
			var rv *apperr.RuleViolationError
			if errors.As(err, &rv) {
				p.metrics.RuleExecution(string(s.kind), "violation")
				return nil, err
			}
			p.metrics.RuleExecution(string(s.kind), "error")
			return nil, apperr.RuleViolation(s.field, err.Error())
		}
		p.metrics.RuleExecution(string(s.kind), "ok")
		current = next
	}
	return current, nil
}

// Process compiles rules and runs them over data.
func Process(data map[string]interface{}, rules []Rule, opts ...Option) (map[string]interface{}, error) {
	p, err := Compile(rules, opts...)
	if err != nil {
		return nil, err
	}
	return p.Run(data)
}

func compileRule(r Rule) (step, error) {
	if r.Field == "" {
		return step{}, fmt.Errorf("field is required")
	}
	s := step{kind: r.Type, field: r.Field, message: r.Rule.Message}

	switch r.Type {
	case KindTransform:
		op := r.Rule.op()
		if op == OpCustom {
			ev, err := CompileExpr(r.Rule.Expr)
			if err != nil {
				return step{}, err
			}
			s.apply = transformStep(r.Field, func(v interface{}, data map[string]interface{}, now time.Time) (interface{}, error) {
				return ev.Eval(v, data, now)
			})
			return s, nil
		}
		fn, ok := transforms[op]
		if !ok {
			return step{}, fmt.Errorf("unknown transform %q", op)
		}
		s.apply = transformStep(r.Field, func(v interface{}, _ map[string]interface{}, _ time.Time) (interface{}, error) {
			return fn(v)
		})

	case KindCalculate:
		ev, err := CompileExpr(r.Rule.Expr)
		if err != nil {
			return step{}, err
		}
		field := r.Field
		s.apply = func(data map[string]interface{}, now time.Time) error {
			cur, _ := getPath(data, field)
			v, err := ev.Eval(cur, data, now)
			if err != nil {
				return err
			}
			if v == nil {
				return nil
			}
			return setPath(data, field, v)
		}

	case KindValidate:
		ev, err := CompileExpr(r.Rule.Expr)
		if err != nil {
			return step{}, err
		}
		field := r.Field
		message := r.Rule.Message
		if message == "" {
			message = "validation rule failed"
		}
		s.apply = func(data map[string]interface{}, now time.Time) error {
			cur, _ := getPath(data, field)
			v, err := ev.Eval(cur, data, now)
			if err != nil {
				return err
			}
			if !truthy(v) {
				return apperr.RuleViolation(field, message)
			}
			return nil
		}

	default:
		return step{}, fmt.Errorf("unknown rule type %q", r.Type)
	}
	return s, nil
}

// transformStep rewrites one field in place; a missing or null field is left
// alone.
func transformStep(field string, fn func(interface{}, map[string]interface{}, time.Time) (interface{}, error)) func(map[string]interface{}, time.Time) error {
	return func(data map[string]interface{}, now time.Time) error {
		cur, ok := getPath(data, field)
		if !ok || cur == nil {
			return nil
		}
		v, err := fn(cur, data, now)
		if err != nil {
			return err
		}
		return setPath(data, field, v)
	}
}

// Truthy reports whether v counts as true in a rule expression.
func Truthy(v interface{}) bool { return truthy(v) }
