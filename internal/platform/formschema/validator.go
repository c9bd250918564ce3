// Package formschema validates submitted form payloads against the JSON
// schema stored on a template version. Validation always runs to completion
// and reports every violation, never only the first one.
package formschema

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/ehr/clindoc/internal/platform/apperr"
	"github.com/ehr/clindoc/internal/platform/telemetry"
)

var (
	timeFormat  = regexp.MustCompile(`^([0-1][0-9]|2[0-3]):[0-5][0-9]$`)
	phoneFormat = regexp.MustCompile(`^\+?[\d\s-]{10,}$`)
)

// patternFormat checks strings against a regexp and ignores other types, as
// JSON schema formats only constrain strings.
type patternFormat struct{ re *regexp.Regexp }

func (p patternFormat) IsFormat(input interface{}) bool {
	s, ok := input.(string)
	if !ok {
		return true
	}
	return p.re.MatchString(s)
}

func init() {
	// "time" replaces the RFC 3339 full-time checker with 24-hour HH:MM.
	gojsonschema.FormatCheckers.Add("time", patternFormat{timeFormat})
	gojsonschema.FormatCheckers.Add("phone", patternFormat{phoneFormat})
}

// Result is the outcome of one validation.
type Result struct {
	Valid  bool                `json:"valid"`
	Errors []apperr.FieldError `json:"errors,omitempty"`
}

// Schema is a compiled validation schema, safe for concurrent use.
type Schema struct {
	compiled *gojsonschema.Schema
}

// Compile parses and compiles a validation schema. A schema document may be
// passed as raw JSON or as an already decoded value.
func Compile(schema interface{}) (*Schema, error) {
	if schema == nil {
		return nil, fmt.Errorf("validation schema is required")
	}
	loader, err := loaderFor(schema)
	if err != nil {
		return nil, err
	}
	compiled, err := gojsonschema.NewSchemaLoader().Compile(loader)
	if err != nil {
		return nil, fmt.Errorf("compile validation schema: %w", err)
	}
	return &Schema{compiled: compiled}, nil
}

// Validate checks payload against the compiled schema.
func (s *Schema) Validate(payload interface{}) (*Result, error) {
	loader, err := loaderFor(payload)
	if err != nil {
		return nil, err
	}
	res, err := s.compiled.Validate(loader)
	if err != nil {
		return nil, fmt.Errorf("validate payload: %w", err)
	}
	if res.Valid() {
		return &Result{Valid: true}, nil
	}
	errs := make([]apperr.FieldError, 0, len(res.Errors()))
	for _, re := range res.Errors() {
		errs = append(errs, toFieldError(re))
	}
	sort.SliceStable(errs, func(i, j int) bool { return errs[i].Path < errs[j].Path })
	return &Result{Valid: false, Errors: errs}, nil
}

// Validate compiles schema and validates payload in one step.
func Validate(payload, schema interface{}) (*Result, error) {
	s, err := Compile(schema)
	if err != nil {
		return nil, err
	}
	return s.Validate(payload)
}

// Validator validates payloads with compiled schemas cached per key, where
// the key is the template version id. Versions are immutable, so an entry
// never needs to be refreshed.
type Validator struct {
	cache   *schemaCache
	metrics *telemetry.Metrics
}

func NewValidator(cacheSize int, metrics *telemetry.Metrics) *Validator {
	return &Validator{cache: newSchemaCache(cacheSize), metrics: metrics}
}

// ValidateCached validates payload against schema, compiling schema at most
// once per key.
func (v *Validator) ValidateCached(key string, payload, schema interface{}) (*Result, error) {
	start := time.Now()
	compiled, ok := v.cache.get(key)
	if !ok {
		var err error
		compiled, err = Compile(schema)
		if err != nil {
			v.metrics.SchemaValidation("error", time.Since(start))
			return nil, err
		}
		v.cache.set(key, compiled)
	}

	res, err := compiled.Validate(payload)
	switch {
	case err != nil:
		v.metrics.SchemaValidation("error", time.Since(start))
	case res.Valid:
		v.metrics.SchemaValidation("valid", time.Since(start))
	default:
		v.metrics.SchemaValidation("invalid", time.Since(start))
	}
	return res, err
}

// CachedSchemas reports how many compiled schemas are held.
func (v *Validator) CachedSchemas() int { return v.cache.len() }

func loaderFor(doc interface{}) (gojsonschema.JSONLoader, error) {
	switch d := doc.(type) {
	case json.RawMessage:
		if len(d) == 0 {
			return nil, fmt.Errorf("empty document")
		}
		return gojsonschema.NewBytesLoader(d), nil
	case []byte:
		if len(d) == 0 {
			return nil, fmt.Errorf("empty document")
		}
		return gojsonschema.NewBytesLoader(d), nil
	default:
		return gojsonschema.NewGoLoader(d), nil
	}
}

const rootContext = "(root)"

// keywords maps gojsonschema error types onto the JSON schema keyword that
// produced them.
var keywords = map[string]string{
	"invalid_type":                    "type",
	"number_gte":                      "minimum",
	"number_gt":                       "exclusiveMinimum",
	"number_lte":                      "maximum",
	"number_lt":                       "exclusiveMaximum",
	"string_gte":                      "minLength",
	"string_lte":                      "maxLength",
	"multiple_of":                     "multipleOf",
	"array_min_items":                 "minItems",
	"array_max_items":                 "maxItems",
	"unique":                          "uniqueItems",
	"array_no_additional_items":       "additionalItems",
	"array_min_properties":            "minProperties",
	"array_max_properties":            "maxProperties",
	"additional_property_not_allowed": "additionalProperties",
	"invalid_property_pattern":        "patternProperties",
	"invalid_property_name":           "propertyNames",
	"missing_dependency":              "dependencies",
	"number_any_of":                   "anyOf",
	"number_one_of":                   "oneOf",
	"number_all_of":                   "allOf",
	"number_not":                      "not",
	"condition_then":                  "then",
	"condition_else":                  "else",
}

func toFieldError(re gojsonschema.ResultError) apperr.FieldError {
	rule := re.Type()
	if kw, ok := keywords[rule]; ok {
		rule = kw
	}

	path := contextPath(re.Context())
	// Required errors are reported on the enclosing object; point at the
	// missing property instead.
	if rule == "required" {
		if prop, ok := re.Details()["property"].(string); ok && prop != "" {
			if path == "" {
				path = prop
			} else {
				path = path + "." + prop
			}
		}
	}

	return apperr.FieldError{
		Path:    path,
		Rule:    rule,
		Message: strings.TrimSpace(re.Description()),
	}
}

// contextPath renders a validation context as a dotted path relative to the
// document root.
func contextPath(ctx *gojsonschema.JsonContext) string {
	if ctx == nil {
		return ""
	}
	p := ctx.String(".")
	p = strings.TrimPrefix(p, rootContext)
	return strings.TrimPrefix(p, ".")
}
