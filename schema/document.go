package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
)

// ValidateDocument checks a record against a JSON Schema (draft-07 subset).
// Returns nil if validation passes or rules is nil. Every violation is
// reported, joined into one error.
//
// Supported JSON Schema keywords:
//   - type (string, number, integer, boolean, object, array, null)
//   - properties, required, additionalProperties
//   - items (for arrays)
//   - minimum, maximum, exclusiveMinimum, exclusiveMaximum
//   - minLength, maxLength, pattern
//   - minItems, maxItems
//   - enum, const
func ValidateDocument(rules map[string]any, doc map[string]any) error {
	if rules == nil {
		return nil
	}
	v := &docValidator{}
	v.value(rules, doc, "$")
	return errors.Join(v.errs...)
}

type docValidator struct {
	errs []error
}

func (v *docValidator) fail(format string, args ...any) {
	v.errs = append(v.errs, fmt.Errorf(format, args...))
}

func (v *docValidator) value(rules map[string]any, value any, path string) {
	if t, ok := rules["type"].(string); ok {
		if !typeMatches(t, value) {
			v.fail("%s: expected type %q, got %q", path, t, jsonType(value))
			return
		}
	}

	if enumList, ok := rules["enum"].([]any); ok {
		v.enum(enumList, value, path)
	}
	if c, ok := rules["const"]; ok && !reflect.DeepEqual(c, value) {
		v.fail("%s: value must equal %v", path, c)
	}

	switch val := value.(type) {
	case map[string]any:
		v.object(rules, val, path)
	case []any:
		v.array(rules, val, path)
	case string:
		v.string(rules, val, path)
	case float64:
		v.number(rules, val, path)
	case json.Number:
		f, _ := val.Float64()
		v.number(rules, f, path)
	}
}

func typeMatches(expected string, value any) bool {
	actual := jsonType(value)
	switch expected {
	case "integer":
		// Accept float64 values that are whole numbers
		if f, ok := value.(float64); ok {
			return f == float64(int64(f))
		}
		return actual == "integer"
	case "number":
		return actual == "number" || actual == "integer"
	default:
		return actual == expected
	}
}

func jsonType(v any) string {
	if v == nil {
		return "null"
	}
	switch v.(type) {
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, json.Number:
		return "number"
	case int, int64, int32, uint, uint64, uint32:
		return "integer"
	default:
		return reflect.TypeOf(v).String()
	}
}

func (v *docValidator) enum(allowed []any, value any, path string) {
	for _, a := range allowed {
		if reflect.DeepEqual(a, value) {
			return
		}
	}
	v.fail("%s: value not in enum %v", path, allowed)
}

func (v *docValidator) object(rules map[string]any, obj map[string]any, path string) {
	if reqList, ok := rules["required"].([]any); ok {
		for _, r := range reqList {
			if field, ok := r.(string); ok {
				if _, exists := obj[field]; !exists {
					v.fail("%s: missing required field %q", path, field)
				}
			}
		}
	}

	propsMap, _ := rules["properties"].(map[string]any)
	fields := make([]string, 0, len(propsMap))
	for field := range propsMap {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		val, exists := obj[field]
		if !exists {
			continue
		}
		if ps, ok := propsMap[field].(map[string]any); ok {
			v.value(ps, val, path+"."+field)
		}
	}

	if ap, ok := rules["additionalProperties"].(bool); ok && !ap {
		var extra []string
		for field := range obj {
			if _, defined := propsMap[field]; !defined {
				extra = append(extra, field)
			}
		}
		if len(extra) > 0 {
			sort.Strings(extra)
			v.fail("%s: additional properties not allowed: %s", path, strings.Join(extra, ", "))
		}
	}
}

func (v *docValidator) array(rules map[string]any, arr []any, path string) {
	if n, ok := toFloat(rules["minItems"]); ok && float64(len(arr)) < n {
		v.fail("%s: array length %d is less than minItems %v", path, len(arr), n)
	}
	if n, ok := toFloat(rules["maxItems"]); ok && float64(len(arr)) > n {
		v.fail("%s: array length %d is greater than maxItems %v", path, len(arr), n)
	}
	if itemRules, ok := rules["items"].(map[string]any); ok {
		for i, elem := range arr {
			v.value(itemRules, elem, fmt.Sprintf("%s[%d]", path, i))
		}
	}
}

func (v *docValidator) string(rules map[string]any, s string, path string) {
	n := len([]rune(s))
	if m, ok := toFloat(rules["minLength"]); ok && float64(n) < m {
		v.fail("%s: string length %d is less than minLength %v", path, n, m)
	}
	if m, ok := toFloat(rules["maxLength"]); ok && float64(n) > m {
		v.fail("%s: string length %d is greater than maxLength %v", path, n, m)
	}
	if pattern, ok := rules["pattern"].(string); ok {
		re, err := regexp.Compile(pattern)
		if err != nil {
			v.fail("%s: invalid pattern %q: %v", path, pattern, err)
		} else if !re.MatchString(s) {
			v.fail("%s: %q does not match pattern %q", path, s, pattern)
		}
	}
}

func (v *docValidator) number(rules map[string]any, n float64, path string) {
	if m, ok := toFloat(rules["minimum"]); ok && n < m {
		v.fail("%s: %v is less than minimum %v", path, n, m)
	}
	if m, ok := toFloat(rules["maximum"]); ok && n > m {
		v.fail("%s: %v is greater than maximum %v", path, n, m)
	}
	if m, ok := toFloat(rules["exclusiveMinimum"]); ok && n <= m {
		v.fail("%s: %v is not greater than exclusiveMinimum %v", path, n, m)
	}
	if m, ok := toFloat(rules["exclusiveMaximum"]); ok && n >= m {
		v.fail("%s: %v is not less than exclusiveMaximum %v", path, n, m)
	}
}

func toFloat(v any) (float64, bool) {
	if v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
