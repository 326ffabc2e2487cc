package modules

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/go-faster/errors"
)

// ToJSON marshals any value to a JSON string.
// Used by module handlers to serialize API responses.
func ToJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, "marshal response")
	}
	return string(b), nil
}

// ToStringSlice converts []interface{} (from MCP params) to []string.
// Non-string elements are silently skipped.
func ToStringSlice(v []interface{}) []string {
	out := make([]string, 0, len(v))
	for _, item := range v {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// StringParam returns params[key] as a trimmed string, or "" when absent.
func StringParam(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return strings.TrimSpace(s)
}

// IntParam returns params[key] as an int64. JSON numbers arrive as float64;
// ValidateParams has already rejected non-integral values for integer fields.
func IntParam(params map[string]any, key string, def int64) int64 {
	f, ok := params[key].(float64)
	if !ok {
		return def
	}
	return int64(f)
}

// StringSliceParam returns params[key] as []string, or nil when absent.
func StringSliceParam(params map[string]any, key string) []string {
	v, ok := params[key].([]interface{})
	if !ok {
		return nil
	}
	return ToStringSlice(v)
}

// IntegerValue converts a decoded JSON number to int64. It fails for
// non-numbers and for values that are fractional or outside int64.
func IntegerValue(v any) (int64, bool) {
	f, ok := v.(float64)
	if !ok || !isIntegral(f) {
		return 0, false
	}
	return int64(f), true
}

// ObjectSliceParam returns params[key] as a slice of objects, or nil when
// absent. ok is false when the array holds a non-object element.
func ObjectSliceParam(params map[string]any, key string) (out []map[string]any, ok bool) {
	v, present := params[key].([]interface{})
	if !present {
		return nil, true
	}
	out = make([]map[string]any, 0, len(v))
	for _, item := range v {
		m, isObj := item.(map[string]any)
		if !isObj {
			return nil, false
		}
		out = append(out, m)
	}
	return out, true
}

// isIntegral reports whether f is a whole number representable as int64.
// float64(math.MaxInt64) rounds up to 2^63, so the upper bound is exclusive.
func isIntegral(f float64) bool {
	return f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64
}
