package vm

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"sync"
)

// builtinFunc is the callable shape of every function in the safe pool.
type builtinFunc func(args []any) (any, error)

var (
	builtinsOnce sync.Once
	builtinsPool map[string]any
)

// builtins returns the curated read-only pool of safe globals. It is built
// once; nothing in the pool closes over mutable state.
func builtins() map[string]any {
	builtinsOnce.Do(func() {
		builtinsPool = buildPool()
	})
	return builtinsPool
}

// deniedGlobals maps unsupported global names to the message explaining the
// sanctioned replacement path.
var deniedGlobals = map[string]string{
	"process":        "'process' is not available in agent programs",
	"globalThis":     "'globalThis' is not available in agent programs",
	"global":         "'global' is not available in agent programs",
	"window":         "'window' is not available in agent programs",
	"document":       "'document' is not available in agent programs",
	"Promise":        "'Promise' is not available; all operations are synchronous from the program's point of view",
	"eval":           "'eval' is not available in agent programs",
	"Function":       "'Function' is not available in agent programs",
	"setTimeout":     "'setTimeout' is not available in agent programs",
	"setInterval":    "'setInterval' is not available in agent programs",
	"clearTimeout":   "'clearTimeout' is not available in agent programs",
	"clearInterval":  "'clearInterval' is not available in agent programs",
	"fetch":          "'fetch' is not available in expressions; use the httpFetch operation",
	"XMLHttpRequest": "'XMLHttpRequest' is not available; use the httpFetch operation",
	"RegExp":         "'RegExp' is not available; use the regexMatch operation",
	"Reflect":        "'Reflect' is not available in agent programs",
	"Proxy":          "'Proxy' is not available in agent programs",
	"Symbol":         "'Symbol' is not available in agent programs",
	"WeakMap":        "'WeakMap' is not available in agent programs",
	"WeakSet":        "'WeakSet' is not available in agent programs",
	"Map":            "'Map' is not available; use a plain object or Set",
	"Buffer":         "'Buffer' is not available in agent programs",
	"require":        "'require' is not available in agent programs",
	"import":         "'import' is not available in agent programs",
	"crypto":         "'crypto' is not available; Math.random is cryptographically sourced",
}

func fn1(name string, f func(float64) float64) builtinFunc {
	return func(args []any) (any, error) {
		if len(args) < 1 {
			return nil, fmt.Errorf("%s expects an argument", name)
		}
		return f(toNumber(args[0])), nil
	}
}

func fn2(name string, f func(float64, float64) float64) builtinFunc {
	return func(args []any) (any, error) {
		if len(args) < 2 {
			return nil, fmt.Errorf("%s expects two arguments", name)
		}
		return f(toNumber(args[0]), toNumber(args[1])), nil
	}
}

func variadic(f func(nums []float64) float64) builtinFunc {
	return func(args []any) (any, error) {
		nums := make([]float64, len(args))
		for i, a := range args {
			nums[i] = toNumber(a)
		}
		return f(nums), nil
	}
}

// cryptoRandom yields a uniform float64 in [0,1) from the system CSPRNG.
func cryptoRandom() float64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0
	}
	return float64(binary.BigEndian.Uint64(buf[:])>>11) / float64(1<<53)
}

func buildPool() map[string]any {
	mathObj := map[string]any{
		"PI": math.Pi, "E": math.E,
		"LN2": math.Ln2, "LN10": math.Log(10),
		"LOG2E": math.Log2E, "LOG10E": math.Log10E,
		"SQRT2": math.Sqrt2, "SQRT1_2": 1 / math.Sqrt2,

		"abs": fn1("abs", math.Abs), "ceil": fn1("ceil", math.Ceil),
		"floor": fn1("floor", math.Floor), "round": fn1("round", math.Round),
		"trunc": fn1("trunc", math.Trunc),
		"sign": fn1("sign", func(f float64) float64 {
			switch {
			case f > 0:
				return 1
			case f < 0:
				return -1
			default:
				return 0
			}
		}),
		"sqrt": fn1("sqrt", math.Sqrt), "cbrt": fn1("cbrt", math.Cbrt),
		"pow": fn2("pow", math.Pow), "exp": fn1("exp", math.Exp),
		"expm1": fn1("expm1", math.Expm1),
		"log":   fn1("log", math.Log), "log2": fn1("log2", math.Log2),
		"log10": fn1("log10", math.Log10), "log1p": fn1("log1p", math.Log1p),
		"sin": fn1("sin", math.Sin), "cos": fn1("cos", math.Cos), "tan": fn1("tan", math.Tan),
		"asin": fn1("asin", math.Asin), "acos": fn1("acos", math.Acos), "atan": fn1("atan", math.Atan),
		"atan2": fn2("atan2", math.Atan2),
		"sinh":  fn1("sinh", math.Sinh), "cosh": fn1("cosh", math.Cosh), "tanh": fn1("tanh", math.Tanh),
		"asinh": fn1("asinh", math.Asinh), "acosh": fn1("acosh", math.Acosh), "atanh": fn1("atanh", math.Atanh),
		"hypot": variadic(func(nums []float64) float64 {
			h := 0.0
			for _, n := range nums {
				h = math.Hypot(h, n)
			}
			return h
		}),
		"min": variadic(func(nums []float64) float64 {
			if len(nums) == 0 {
				return math.Inf(1)
			}
			out := nums[0]
			for _, n := range nums[1:] {
				out = math.Min(out, n)
			}
			return out
		}),
		"max": variadic(func(nums []float64) float64 {
			if len(nums) == 0 {
				return math.Inf(-1)
			}
			out := nums[0]
			for _, n := range nums[1:] {
				out = math.Max(out, n)
			}
			return out
		}),
		"clz32": fn1("clz32", func(f float64) float64 {
			u := uint32(int64(f))
			if u == 0 {
				return 32
			}
			n := 0
			for u&0x80000000 == 0 {
				u <<= 1
				n++
			}
			return float64(n)
		}),
		"imul": fn2("imul", func(a, b float64) float64 {
			return float64(int32(int64(a)) * int32(int64(b)))
		}),
		"fround": fn1("fround", func(f float64) float64 { return float64(float32(f)) }),
		"random": builtinFunc(func([]any) (any, error) { return cryptoRandom(), nil }),
	}

	jsonObj := map[string]any{
		"parse": builtinFunc(func(args []any) (any, error) {
			if len(args) < 1 {
				return nil, fmt.Errorf("JSON.parse expects a string")
			}
			s, ok := args[0].(string)
			if !ok {
				return nil, fmt.Errorf("JSON.parse expects a string, got %T", args[0])
			}
			var out any
			if err := json.Unmarshal([]byte(s), &out); err != nil {
				return nil, fmt.Errorf("JSON.parse: %w", err)
			}
			return out, nil
		}),
		"stringify": builtinFunc(func(args []any) (any, error) {
			if len(args) < 1 {
				return "null", nil
			}
			data, err := json.Marshal(args[0])
			if err != nil {
				return nil, fmt.Errorf("JSON.stringify: %w", err)
			}
			return string(data), nil
		}),
	}

	arrayObj := map[string]any{
		"isArray": builtinFunc(func(args []any) (any, error) {
			if len(args) < 1 {
				return false, nil
			}
			_, ok := args[0].([]any)
			return ok, nil
		}),
		"from": builtinFunc(func(args []any) (any, error) {
			if len(args) < 1 {
				return []any{}, nil
			}
			switch v := args[0].(type) {
			case []any:
				out := make([]any, len(v))
				copy(out, v)
				return out, nil
			case *SetValue:
				return v.ToArray(), nil
			case string:
				out := make([]any, 0, len(v))
				for _, r := range v {
					out = append(out, string(r))
				}
				return out, nil
			default:
				return nil, fmt.Errorf("Array.from cannot convert %T", args[0])
			}
		}),
		"of": builtinFunc(func(args []any) (any, error) {
			out := make([]any, len(args))
			copy(out, args)
			return out, nil
		}),
	}

	denyObjectMember := func(name string) builtinFunc {
		return func([]any) (any, error) {
			return nil, fmt.Errorf("Object.%s is not available in agent programs", name)
		}
	}
	objectObj := map[string]any{
		"keys": builtinFunc(func(args []any) (any, error) {
			m, err := objectArg("keys", args)
			if err != nil {
				return nil, err
			}
			keys := sortedKeys(m)
			out := make([]any, len(keys))
			for i, k := range keys {
				out[i] = k
			}
			return out, nil
		}),
		"values": builtinFunc(func(args []any) (any, error) {
			m, err := objectArg("values", args)
			if err != nil {
				return nil, err
			}
			out := make([]any, 0, len(m))
			for _, k := range sortedKeys(m) {
				out = append(out, m[k])
			}
			return out, nil
		}),
		"entries": builtinFunc(func(args []any) (any, error) {
			m, err := objectArg("entries", args)
			if err != nil {
				return nil, err
			}
			out := make([]any, 0, len(m))
			for _, k := range sortedKeys(m) {
				out = append(out, []any{k, m[k]})
			}
			return out, nil
		}),
		"fromEntries": builtinFunc(func(args []any) (any, error) {
			if len(args) < 1 {
				return nil, fmt.Errorf("Object.fromEntries expects an array")
			}
			arr, ok := asArray(args[0])
			if !ok {
				return nil, fmt.Errorf("Object.fromEntries expects an array, got %T", args[0])
			}
			out := make(map[string]any, len(arr))
			for _, e := range arr {
				pair, ok := e.([]any)
				if !ok || len(pair) < 2 {
					return nil, fmt.Errorf("Object.fromEntries expects [key, value] pairs")
				}
				out[valueToString(pair[0])] = pair[1]
			}
			return out, nil
		}),
		"assign": builtinFunc(func(args []any) (any, error) {
			// Non-mutating: always returns a fresh map.
			out := map[string]any{}
			for _, a := range args {
				if a == nil {
					continue
				}
				m, ok := asMap(a)
				if !ok {
					return nil, fmt.Errorf("Object.assign expects objects, got %T", a)
				}
				for k, v := range m {
					if isForbiddenProperty(k) {
						continue
					}
					out[k] = v
				}
			}
			return out, nil
		}),
		"hasOwn": builtinFunc(func(args []any) (any, error) {
			if len(args) < 2 {
				return false, nil
			}
			m, ok := asMap(args[0])
			if !ok {
				return false, nil
			}
			key, _ := args[1].(string)
			_, present := m[key]
			return present, nil
		}),
		"create":                   denyObjectMember("create"),
		"defineProperty":           denyObjectMember("defineProperty"),
		"defineProperties":         denyObjectMember("defineProperties"),
		"getPrototypeOf":           denyObjectMember("getPrototypeOf"),
		"setPrototypeOf":           denyObjectMember("setPrototypeOf"),
		"getOwnPropertyDescriptor": denyObjectMember("getOwnPropertyDescriptor"),
	}

	stringObj := map[string]any{
		"fromCharCode": builtinFunc(func(args []any) (any, error) {
			var sb strings.Builder
			for _, a := range args {
				sb.WriteRune(rune(int64(toNumber(a))))
			}
			return sb.String(), nil
		}),
		"fromCodePoint": builtinFunc(func(args []any) (any, error) {
			var sb strings.Builder
			for _, a := range args {
				sb.WriteRune(rune(int64(toNumber(a))))
			}
			return sb.String(), nil
		}),
	}

	parseIntFn := builtinFunc(func(args []any) (any, error) {
		if len(args) < 1 {
			return math.NaN(), nil
		}
		s := strings.TrimSpace(valueToString(args[0]))
		base := 10
		if len(args) > 1 {
			if b, ok := toFloat(args[1]); ok && b != 0 {
				base = int(b)
			}
		}
		if base == 16 {
			s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
		}
		// Longest leading parseable prefix, per parseInt semantics.
		end := 0
		for i := range s {
			if _, err := strconv.ParseInt(s[:i+1], base, 64); err != nil {
				if !(i == 0 && (s[0] == '+' || s[0] == '-')) {
					break
				}
			}
			end = i + 1
		}
		n, err := strconv.ParseInt(s[:end], base, 64)
		if err != nil {
			return math.NaN(), nil
		}
		return float64(n), nil
	})
	parseFloatFn := builtinFunc(func(args []any) (any, error) {
		if len(args) < 1 {
			return math.NaN(), nil
		}
		s := strings.TrimSpace(valueToString(args[0]))
		end := 0
		for i := range s {
			if _, err := strconv.ParseFloat(s[:i+1], 64); err != nil {
				if !(i == 0 && (s[0] == '+' || s[0] == '-' || s[0] == '.')) {
					break
				}
			}
			end = i + 1
		}
		f, err := strconv.ParseFloat(s[:end], 64)
		if err != nil {
			return math.NaN(), nil
		}
		return f, nil
	})
	isNaNFn := builtinFunc(func(args []any) (any, error) {
		if len(args) < 1 {
			return true, nil
		}
		return math.IsNaN(toNumber(args[0])), nil
	})
	isFiniteFn := builtinFunc(func(args []any) (any, error) {
		if len(args) < 1 {
			return false, nil
		}
		n := toNumber(args[0])
		return !math.IsNaN(n) && !math.IsInf(n, 0), nil
	})

	numberObj := map[string]any{
		"isInteger": builtinFunc(func(args []any) (any, error) {
			if len(args) < 1 {
				return false, nil
			}
			f, ok := toFloat(args[0])
			return ok && f == math.Trunc(f), nil
		}),
		"isSafeInteger": builtinFunc(func(args []any) (any, error) {
			if len(args) < 1 {
				return false, nil
			}
			f, ok := toFloat(args[0])
			return ok && f == math.Trunc(f) && math.Abs(f) <= float64(1<<53-1), nil
		}),
		"isNaN": builtinFunc(func(args []any) (any, error) {
			if len(args) < 1 {
				return false, nil
			}
			f, ok := toFloat(args[0])
			return ok && math.IsNaN(f), nil
		}),
		"isFinite": builtinFunc(func(args []any) (any, error) {
			if len(args) < 1 {
				return false, nil
			}
			f, ok := toFloat(args[0])
			return ok && !math.IsNaN(f) && !math.IsInf(f, 0), nil
		}),
		"parseFloat":       parseFloatFn,
		"parseInt":         parseIntFn,
		"MAX_SAFE_INTEGER": float64(1<<53 - 1),
		"MIN_SAFE_INTEGER": -float64(1<<53 - 1),
		"MAX_VALUE":        math.MaxFloat64,
		"MIN_VALUE":        math.SmallestNonzeroFloat64,
		"EPSILON":          math.Nextafter(1, 2) - 1,
		"NaN":              math.NaN(),
	}

	uriCodec := func(name string, f func(string) string) builtinFunc {
		return func(args []any) (any, error) {
			if len(args) < 1 {
				return nil, fmt.Errorf("%s expects a string", name)
			}
			return f(valueToString(args[0])), nil
		}
	}

	schemaObj := map[string]any{
		"response": builtinFunc(func(args []any) (any, error) {
			if len(args) < 1 {
				return nil, fmt.Errorf("Schema.response expects a properties object")
			}
			m, ok := asMap(args[0])
			if !ok {
				return nil, fmt.Errorf("Schema.response expects an object, got %T", args[0])
			}
			if _, hasProps := m["properties"]; hasProps {
				return m, nil
			}
			return map[string]any{"type": "object", "properties": m}, nil
		}),
		"fromExample": builtinFunc(func(args []any) (any, error) {
			if len(args) < 1 {
				return nil, fmt.Errorf("Schema.fromExample expects a value")
			}
			return SchemaFromExample(args[0]).ToMap(), nil
		}),
		"isValid": builtinFunc(func(args []any) (any, error) {
			if len(args) < 2 {
				return nil, fmt.Errorf("Schema.isValid expects (schema, value)")
			}
			m, ok := asMap(args[0])
			if !ok {
				return nil, fmt.Errorf("Schema.isValid expects a schema object, got %T", args[0])
			}
			return SchemaFromMap(m).Validate(args[1]) == nil, nil
		}),
	}

	setFactory := builtinFunc(func(args []any) (any, error) {
		if len(args) == 0 || args[0] == nil {
			return NewSet(nil), nil
		}
		items, ok := asArray(args[0])
		if !ok {
			return nil, fmt.Errorf("Set expects an array of initial items, got %T", args[0])
		}
		return NewSet(items), nil
	})

	dateObj := map[string]any{
		callableKey: builtinFunc(func(args []any) (any, error) {
			var init any
			if len(args) > 0 {
				init = args[0]
			}
			return NewDate(init)
		}),
		"now": builtinFunc(func([]any) (any, error) {
			d, _ := NewDate(nil)
			return float64(d.Timestamp()), nil
		}),
		"parse": builtinFunc(func(args []any) (any, error) {
			if len(args) < 1 {
				return math.NaN(), nil
			}
			s, ok := args[0].(string)
			if !ok {
				return math.NaN(), nil
			}
			ms, err := parseDateString(s)
			if err != nil {
				return math.NaN(), nil
			}
			return float64(ms), nil
		}),
	}

	return map[string]any{
		"Math":   mathObj,
		"JSON":   jsonObj,
		"Array":  arrayObj,
		"Object": objectObj,
		"String": stringObj,
		"Number": numberObj,
		"Schema": schemaObj,
		"Set":    setFactory,
		"Date":   dateObj,

		"parseInt":   parseIntFn,
		"parseFloat": parseFloatFn,
		"isNaN":      isNaNFn,
		"isFinite":   isFiniteFn,

		"encodeURI":          uriCodec("encodeURI", encodeURI),
		"encodeURIComponent": uriCodec("encodeURIComponent", func(s string) string { return strings.ReplaceAll(url.QueryEscape(s), "+", "%20") }),
		"decodeURI": uriCodec("decodeURI", func(s string) string {
			out, err := url.QueryUnescape(s)
			if err != nil {
				return s
			}
			return out
		}),
		"decodeURIComponent": uriCodec("decodeURIComponent", func(s string) string {
			out, err := url.QueryUnescape(s)
			if err != nil {
				return s
			}
			return out
		}),

		"undefined": nil,
		"null":      nil,
		"NaN":       math.NaN(),
		"Infinity":  math.Inf(1),
	}
}

// callableKey marks a pool object that is itself callable (the Date factory
// carries statics alongside its call behaviour).
const callableKey = "$call"

// encodeURI escapes like its JavaScript namesake: reserved URI characters
// pass through, everything else is percent-encoded.
func encodeURI(s string) string {
	const keep = ";,/?:@&=+$-_.!~*'()#"
	var sb strings.Builder
	for _, b := range []byte(s) {
		switch {
		case b >= 'A' && b <= 'Z', b >= 'a' && b <= 'z', b >= '0' && b <= '9':
			sb.WriteByte(b)
		case strings.IndexByte(keep, b) >= 0:
			sb.WriteByte(b)
		default:
			sb.WriteString(fmt.Sprintf("%%%02X", b))
		}
	}
	return sb.String()
}

func objectArg(method string, args []any) (map[string]any, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("Object.%s expects an object", method)
	}
	m, ok := asMap(args[0])
	if !ok {
		return nil, fmt.Errorf("Object.%s expects an object, got %T", method, args[0])
	}
	return m, nil
}
