package vm

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Values are dynamically typed: nil, bool, float64/int/int64, string, []any,
// map[string]any, *SetValue, *DateValue, *RunError, capability handles and
// proc_ tokens (plain strings). JSON decoding yields exactly this shape.

func marshalJSONValue(v any) ([]byte, error) {
	return json.Marshal(v)
}

// toFloat reports v as a float64 when it is any numeric type.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// toNumber coerces v to a number with JavaScript semantics. Unparseable
// values yield NaN.
func toNumber(v any) float64 {
	if f, ok := toFloat(v); ok {
		return f
	}
	switch n := v.(type) {
	case nil:
		return 0
	case bool:
		if n {
			return 1
		}
		return 0
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return math.NaN()
		}
		return f
	default:
		return math.NaN()
	}
}

// truthy applies JavaScript truthiness.
func truthy(v any) bool {
	switch n := v.(type) {
	case nil:
		return false
	case bool:
		return n
	case string:
		return n != ""
	default:
		if f, ok := toFloat(v); ok {
			return f != 0 && !math.IsNaN(f)
		}
		return true
	}
}

// strictEq implements the === operator: same type family and equal value.
func strictEq(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	fa, aNum := toFloat(a)
	fb, bNum := toFloat(b)
	if aNum || bNum {
		return aNum && bNum && fa == fb
	}
	return reflect.DeepEqual(a, b)
}

// looseEq implements the == operator: numbers and numeric strings compare by
// value, booleans coerce to numbers, everything else falls back to strict.
func looseEq(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	_, aNum := toFloat(a)
	_, bNum := toFloat(b)
	switch {
	case aNum && bNum:
		return toNumber(a) == toNumber(b)
	case aNum || bNum:
		switch a.(type) {
		case string, bool:
			return toNumber(a) == toNumber(b)
		}
		switch b.(type) {
		case string, bool:
			return toNumber(a) == toNumber(b)
		}
		return false
	default:
		if ab, ok := a.(bool); ok {
			if bb, ok2 := b.(bool); ok2 {
				return ab == bb
			}
			return toNumber(a) == toNumber(b)
		}
		if _, ok := b.(bool); ok {
			return toNumber(a) == toNumber(b)
		}
		return reflect.DeepEqual(a, b)
	}
}

// valueToString renders a value the way String(v) would in the source
// language. Aggregates render as JSON.
func valueToString(v any) string {
	switch n := v.(type) {
	case nil:
		return "null"
	case string:
		return n
	case bool:
		if n {
			return "true"
		}
		return "false"
	case *RunError:
		return n.Message
	case *DateValue:
		return n.String()
	case error:
		return n.Error()
	}
	if f, ok := toFloat(v); ok {
		return formatNumber(f)
	}
	if data, err := json.Marshal(v); err == nil {
		return string(data)
	}
	return fmt.Sprintf("%v", v)
}

// formatNumber prints integral floats without a trailing ".0".
func formatNumber(f float64) string {
	if math.IsNaN(f) {
		return "NaN"
	}
	if math.IsInf(f, 1) {
		return "Infinity"
	}
	if math.IsInf(f, -1) {
		return "-Infinity"
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatFloat(f, 'f', 0, 64)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// shallowEqual compares two values without descending into aggregates:
// comparable kinds compare by value, maps and slices by identity.
func shallowEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ra, rb := reflect.ValueOf(a), reflect.ValueOf(b)
	if ra.Kind() != rb.Kind() {
		fa, aok := toFloat(a)
		fb, bok := toFloat(b)
		return aok && bok && fa == fb
	}
	switch ra.Kind() {
	case reflect.Map, reflect.Slice, reflect.Func:
		return ra.Pointer() == rb.Pointer()
	default:
		if ra.Comparable() && rb.Comparable() {
			return a == b
		}
		return false
	}
}

// sortedKeys returns the keys of m in lexical order. Iteration order of Go
// maps is randomised; atoms that enumerate keys sort them so traces stay
// replay-identical.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// asArray returns v as a []any, converting Set values.
func asArray(v any) ([]any, bool) {
	switch n := v.(type) {
	case []any:
		return n, true
	case *SetValue:
		return n.ToArray(), true
	default:
		return nil, false
	}
}

// asMap returns v as a map[string]any.
func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}
