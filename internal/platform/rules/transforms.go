package rules

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Transform operations.
const (
	OpUppercase = "uppercase"
	OpLowercase = "lowercase"
	OpTrim      = "trim"
	OpNumber    = "number"
	OpBoolean   = "boolean"
	OpDate      = "date"
	OpCustom    = "custom"
)

// DateLayout is the canonical form written by the date transform.
const DateLayout = "2006-01-02T15:04:05.000Z"

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

type transformFunc func(value interface{}) (interface{}, error)

var transforms = map[string]transformFunc{
	OpUppercase: func(v interface{}) (interface{}, error) { return strings.ToUpper(toString(v)), nil },
	OpLowercase: func(v interface{}) (interface{}, error) { return strings.ToLower(toString(v)), nil },
	OpTrim:      func(v interface{}) (interface{}, error) { return strings.TrimSpace(toString(v)), nil },
	OpNumber:    toNumberValue,
	OpBoolean:   toBooleanValue,
	OpDate: func(v interface{}) (interface{}, error) {
		t, err := parseDate(v)
		if err != nil {
			return nil, err
		}
		return t.UTC().Format(DateLayout), nil
	},
}

func toNumberValue(v interface{}) (interface{}, error) {
	if f, ok := toNumber(v); ok {
		return f, nil
	}
	switch t := v.(type) {
	case bool:
		if t {
			return 1.0, nil
		}
		return 0.0, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", t)
		}
		return f, nil
	}
	return nil, fmt.Errorf("%s is not a number", toString(v))
}

func toBooleanValue(v interface{}) (interface{}, error) {
	if s, ok := v.(string); ok {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true", "yes", "1":
			return true, nil
		case "false", "no", "0", "":
			return false, nil
		}
	}
	return truthy(v), nil
}

// parseDate accepts ISO 8601 strings or a number of milliseconds since the
// Unix epoch.
func parseDate(v interface{}) (time.Time, error) {
	if ms, ok := toNumber(v); ok {
		return time.UnixMilli(int64(ms)).UTC(), nil
	}
	s, ok := v.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("%s is not a date", toString(v))
	}
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%q is not a date", s)
}
