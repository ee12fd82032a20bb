package vm

import (
	"fmt"
	"strings"
)

// Method sets available to expression-level methodCall on primitive
// receivers. These never expose host internals; regular-expression work goes
// through the regexMatch atom instead.

func stringMethod(recv, method string, args []any) (any, error) {
	argStr := func(i int) string {
		if i < len(args) {
			return valueToString(args[i])
		}
		return ""
	}
	argNum := func(i int, def float64) int {
		if i < len(args) {
			if f, ok := toFloat(args[i]); ok {
				return int(f)
			}
		}
		return int(def)
	}

	switch method {
	case "toUpperCase":
		return strings.ToUpper(recv), nil
	case "toLowerCase":
		return strings.ToLower(recv), nil
	case "trim":
		return strings.TrimSpace(recv), nil
	case "trimStart":
		return strings.TrimLeft(recv, " \t\n\r"), nil
	case "trimEnd":
		return strings.TrimRight(recv, " \t\n\r"), nil
	case "includes":
		return strings.Contains(recv, argStr(0)), nil
	case "startsWith":
		return strings.HasPrefix(recv, argStr(0)), nil
	case "endsWith":
		return strings.HasSuffix(recv, argStr(0)), nil
	case "indexOf":
		return strings.Index(recv, argStr(0)), nil
	case "lastIndexOf":
		return strings.LastIndex(recv, argStr(0)), nil
	case "split":
		if len(args) == 0 {
			return []any{recv}, nil
		}
		parts := strings.Split(recv, argStr(0))
		out := make([]any, len(parts))
		for i, p := range parts {
			out[i] = p
		}
		return out, nil
	case "replace":
		return strings.Replace(recv, argStr(0), argStr(1), 1), nil
	case "replaceAll":
		return strings.ReplaceAll(recv, argStr(0), argStr(1)), nil
	case "repeat":
		n := argNum(0, 0)
		if n < 0 {
			return nil, fmt.Errorf("repeat count must be non-negative")
		}
		return strings.Repeat(recv, n), nil
	case "padStart":
		return padString(recv, argNum(0, 0), argStr(1), true), nil
	case "padEnd":
		return padString(recv, argNum(0, 0), argStr(1), false), nil
	case "slice", "substring":
		return sliceString(recv, args), nil
	case "charAt":
		i := argNum(0, 0)
		if i < 0 || i >= len(recv) {
			return "", nil
		}
		return string(recv[i]), nil
	case "charCodeAt":
		i := argNum(0, 0)
		if i < 0 || i >= len(recv) {
			return nil, nil
		}
		return int(recv[i]), nil
	case "concat":
		var sb strings.Builder
		sb.WriteString(recv)
		for _, a := range args {
			sb.WriteString(valueToString(a))
		}
		return sb.String(), nil
	case "toString":
		return recv, nil
	default:
		return nil, fmt.Errorf("'%s' is not a string method", method)
	}
}

func padString(s string, target int, pad string, start bool) string {
	if pad == "" {
		pad = " "
	}
	for len(s) < target {
		chunk := pad
		if len(s)+len(chunk) > target {
			chunk = chunk[:target-len(s)]
		}
		if start {
			s = chunk + s
		} else {
			s += chunk
		}
	}
	return s
}

func sliceString(s string, args []any) string {
	start, end := sliceBounds(len(s), args)
	return s[start:end]
}

func sliceBounds(length int, args []any) (int, int) {
	norm := func(i int) int {
		if i < 0 {
			i += length
		}
		if i < 0 {
			return 0
		}
		if i > length {
			return length
		}
		return i
	}
	start, end := 0, length
	if len(args) > 0 {
		if f, ok := toFloat(args[0]); ok {
			start = norm(int(f))
		}
	}
	if len(args) > 1 {
		if f, ok := toFloat(args[1]); ok {
			end = norm(int(f))
		}
	}
	if end < start {
		end = start
	}
	return start, end
}

func arrayMethod(recv []any, method string, args []any) (any, error) {
	switch method {
	case "includes":
		if len(args) < 1 {
			return false, nil
		}
		for _, it := range recv {
			if strictEq(it, args[0]) {
				return true, nil
			}
		}
		return false, nil
	case "indexOf":
		if len(args) < 1 {
			return -1, nil
		}
		for i, it := range recv {
			if strictEq(it, args[0]) {
				return i, nil
			}
		}
		return -1, nil
	case "join":
		sep := ","
		if len(args) > 0 {
			sep = valueToString(args[0])
		}
		parts := make([]string, len(recv))
		for i, it := range recv {
			parts[i] = valueToString(it)
		}
		return strings.Join(parts, sep), nil
	case "slice":
		start, end := sliceBounds(len(recv), args)
		out := make([]any, end-start)
		copy(out, recv[start:end])
		return out, nil
	case "concat":
		out := make([]any, len(recv))
		copy(out, recv)
		for _, a := range args {
			if arr, ok := a.([]any); ok {
				out = append(out, arr...)
			} else {
				out = append(out, a)
			}
		}
		return out, nil
	case "reverse":
		out := make([]any, len(recv))
		for i, it := range recv {
			out[len(recv)-1-i] = it
		}
		return out, nil
	case "flat":
		out := make([]any, 0, len(recv))
		for _, it := range recv {
			if arr, ok := it.([]any); ok {
				out = append(out, arr...)
			} else {
				out = append(out, it)
			}
		}
		return out, nil
	case "toString":
		parts := make([]string, len(recv))
		for i, it := range recv {
			parts[i] = valueToString(it)
		}
		return strings.Join(parts, ","), nil
	default:
		return nil, fmt.Errorf("'%s' is not an array method", method)
	}
}

func numberMethod(recv float64, method string, args []any) (any, error) {
	switch method {
	case "toFixed":
		digits := 0
		if len(args) > 0 {
			if f, ok := toFloat(args[0]); ok {
				digits = int(f)
			}
		}
		return fmt.Sprintf("%.*f", digits, recv), nil
	case "toString":
		return formatNumber(recv), nil
	default:
		return nil, fmt.Errorf("'%s' is not a number method", method)
	}
}
