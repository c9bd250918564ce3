package rules

import "strings"

// Sanitize returns a copy of data with strings trimmed and null values
// removed, recursing into objects and arrays. Sanitize(Sanitize(x)) equals
// Sanitize(x).
func Sanitize(data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		if v == nil {
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case map[string]interface{}:
		return Sanitize(t)
	case []interface{}:
		out := make([]interface{}, 0, len(t))
		for _, x := range t {
			if x == nil {
				continue
			}
			out = append(out, sanitizeValue(x))
		}
		return out
	}
	return v
}
