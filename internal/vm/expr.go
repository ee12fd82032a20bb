package vm

import (
	"math"
	"strconv"
)

// exprFuelCost is debited for every expression node evaluated.
const exprFuelCost = 0.01

var forbiddenProperties = map[string]struct{}{
	"__proto__":   {},
	"constructor": {},
	"prototype":   {},
}

func isForbiddenProperty(name string) bool {
	_, bad := forbiddenProperties[name]
	return bad
}

// isExprNode reports whether v is an expression node.
func isExprNode(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	_, has := m["$expr"]
	return has
}

// evalExpr evaluates an expression node against the context. Evaluation is
// pure: no atom dispatch, no I/O. The single sanctioned side effect is the
// Error(...) call, which fills the context's error slot.
func evalExpr(c *Context, node any) (any, *RunError) {
	m, ok := node.(map[string]any)
	if !ok {
		return node, nil
	}
	kind, _ := m["$expr"].(string)
	if kind == "" {
		return node, nil
	}
	if !c.debit("expr", exprFuelCost) {
		return nil, c.run.err
	}

	switch kind {
	case "literal":
		return m["value"], nil

	case "ident":
		name, _ := m["name"].(string)
		return evalIdent(c, name)

	case "member":
		return evalMember(c, m)

	case "binary":
		op, _ := m["op"].(string)
		left, err := evalExpr(c, m["left"])
		if err != nil {
			return nil, err
		}
		right, err := evalExpr(c, m["right"])
		if err != nil {
			return nil, err
		}
		return evalBinary(op, left, right)

	case "unary":
		op, _ := m["op"].(string)
		arg, err := evalExpr(c, m["argument"])
		if err != nil {
			return nil, err
		}
		return evalUnary(op, arg)

	case "logical":
		op, _ := m["op"].(string)
		left, err := evalExpr(c, m["left"])
		if err != nil {
			return nil, err
		}
		switch op {
		case "&&":
			if !truthy(left) {
				return left, nil
			}
		case "||":
			if truthy(left) {
				return left, nil
			}
		case "??":
			if left != nil {
				return left, nil
			}
		default:
			return nil, failf("expr", "unsupported logical operator '%s'", op)
		}
		return evalExpr(c, m["right"])

	case "conditional":
		test, err := evalExpr(c, m["test"])
		if err != nil {
			return nil, err
		}
		if truthy(test) {
			return evalExpr(c, m["consequent"])
		}
		return evalExpr(c, m["alternate"])

	case "array":
		elements, _ := m["elements"].([]any)
		out := make([]any, 0, len(elements))
		for _, el := range elements {
			v, err := evalExpr(c, el)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil

	case "object":
		properties, _ := m["properties"].([]any)
		out := make(map[string]any, len(properties))
		for _, p := range properties {
			prop, ok := p.(map[string]any)
			if !ok {
				continue
			}
			key, _ := prop["key"].(string)
			if isForbiddenProperty(key) {
				return nil, securityError("expr", key)
			}
			v, err := evalExpr(c, prop["value"])
			if err != nil {
				return nil, err
			}
			out[key] = v
		}
		return out, nil

	case "call":
		return evalCall(c, m)

	case "methodCall":
		return evalMethodCall(c, m)

	default:
		return nil, failf("expr", "unsupported expression kind '%s'", kind)
	}
}

// evalIdent resolves a bare name: state, then args, then the safe pool.
// Disallowed globals fail with their fixed denial message; unknown names
// resolve to the absent value.
func evalIdent(c *Context, name string) (any, *RunError) {
	if isForbiddenProperty(name) {
		return nil, securityError("expr", name)
	}
	if v, ok := c.scope.Get(name); ok {
		return v, nil
	}
	if v, ok := c.run.args[name]; ok {
		return v, nil
	}
	if v, ok := builtins()[name]; ok {
		return v, nil
	}
	if msg, denied := deniedGlobals[name]; denied {
		return nil, failf("expr", "%s", msg)
	}
	return nil, nil
}

func evalMember(c *Context, m map[string]any) (any, *RunError) {
	obj, err := evalExpr(c, m["object"])
	if err != nil {
		return nil, err
	}
	optional, _ := m["optional"].(bool)
	if obj == nil {
		if optional {
			return nil, nil
		}
		prop, _ := m["property"].(string)
		return nil, failf("expr", "cannot read property '%s' of null", prop)
	}
	prop, _ := m["property"].(string)
	if isForbiddenProperty(prop) {
		return nil, securityError("expr", prop)
	}
	return memberAccess(obj, prop)
}

// memberAccess implements indexed access: mappings by name, arrays
// numerically, plus the fixed accessor sets of strings, dates and sets.
func memberAccess(obj any, prop string) (any, *RunError) {
	switch recv := obj.(type) {
	case map[string]any:
		return recv[prop], nil
	case []any:
		if prop == "length" {
			return len(recv), nil
		}
		idx, err := strconv.Atoi(prop)
		if err != nil || idx < 0 || idx >= len(recv) {
			return nil, nil
		}
		return recv[idx], nil
	case string:
		if prop == "length" {
			return len(recv), nil
		}
		idx, err := strconv.Atoi(prop)
		if err != nil || idx < 0 || idx >= len(recv) {
			return nil, nil
		}
		return string(recv[idx]), nil
	case *SetValue:
		if prop == "size" {
			return recv.Size(), nil
		}
		return nil, nil
	case *DateValue:
		if v, ok := recv.accessor(prop); ok {
			return v, nil
		}
		return nil, nil
	case *RunError:
		switch prop {
		case "message":
			return recv.Message, nil
		case "op":
			return recv.Op, nil
		}
		return nil, nil
	default:
		return nil, nil
	}
}

// evalCall handles call nodes. Error(...) is the sanctioned throw marker;
// every other callee must resolve to a function value in the safe pool.
func evalCall(c *Context, m map[string]any) (any, *RunError) {
	name := calleeName(m["callee"])
	if name == "" {
		return nil, failf("expr", "call requires a named callee")
	}

	args, rerr := evalArgs(c, m["arguments"])
	if rerr != nil {
		return nil, rerr
	}

	if name == "Error" {
		msg := "Error"
		if len(args) > 0 {
			msg = valueToString(args[0])
		}
		c.Fail(&RunError{Op: "Error", Message: msg})
		return nil, nil
	}

	target, ok := builtins()[name]
	if !ok {
		if msg, denied := deniedGlobals[name]; denied {
			return nil, failf("expr", "%s", msg)
		}
		return nil, failf("expr", "'%s' is not a callable builtin", name)
	}
	fn, ok := target.(builtinFunc)
	if !ok {
		if obj, isMap := target.(map[string]any); isMap {
			if call, callable := obj[callableKey].(builtinFunc); callable {
				fn = call
				ok = true
			}
		}
	}
	if !ok {
		return nil, failf("expr", "'%s' is not a function", name)
	}
	out, err := fn(args)
	if err != nil {
		return nil, failf("expr", "%s", err.Error())
	}
	return out, nil
}

func calleeName(callee any) string {
	switch v := callee.(type) {
	case string:
		return v
	case map[string]any:
		if name, ok := v["name"].(string); ok {
			return name
		}
	}
	return ""
}

func evalArgs(c *Context, raw any) ([]any, *RunError) {
	nodes, _ := raw.([]any)
	args := make([]any, 0, len(nodes))
	for _, n := range nodes {
		v, err := evalExpr(c, n)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	return args, nil
}

func evalMethodCall(c *Context, m map[string]any) (any, *RunError) {
	obj, err := evalExpr(c, m["object"])
	if err != nil {
		return nil, err
	}
	optional, _ := m["optional"].(bool)
	method, _ := m["method"].(string)
	if obj == nil {
		if optional {
			return nil, nil
		}
		return nil, failf("expr", "cannot call method '%s' of null", method)
	}
	if isForbiddenProperty(method) {
		return nil, securityError("expr", method)
	}

	args, rerr := evalArgs(c, m["arguments"])
	if rerr != nil {
		return nil, rerr
	}

	var (
		out    any
		callEr error
	)
	switch recv := obj.(type) {
	case map[string]any:
		fn, ok := recv[method].(builtinFunc)
		if !ok {
			return nil, failf("expr", "'%s' is not a function", method)
		}
		out, callEr = fn(args)
	case *SetValue:
		out, callEr = recv.callMethod(method, args)
	case *DateValue:
		out, callEr = recv.callMethod(method, args)
	case string:
		out, callEr = stringMethod(recv, method, args)
	case []any:
		out, callEr = arrayMethod(recv, method, args)
	default:
		if f, ok := toFloat(obj); ok {
			out, callEr = numberMethod(f, method, args)
		} else {
			return nil, failf("expr", "method '%s' is not supported on this value", method)
		}
	}
	if callEr != nil {
		return nil, failf("expr", "%s", callEr.Error())
	}
	return out, nil
}

func evalUnary(op string, arg any) (any, *RunError) {
	switch op {
	case "!":
		return !truthy(arg), nil
	case "-":
		return -toNumber(arg), nil
	case "+":
		return toNumber(arg), nil
	case "typeof":
		return typeOf(arg), nil
	default:
		return nil, failf("expr", "unsupported unary operator '%s'", op)
	}
}

func typeOf(v any) string {
	switch v.(type) {
	case nil:
		return "undefined"
	case bool:
		return "boolean"
	case string:
		return "string"
	case builtinFunc:
		return "function"
	default:
		if _, ok := toFloat(v); ok {
			return "number"
		}
		return "object"
	}
}

func evalBinary(op string, left, right any) (any, *RunError) {
	switch op {
	case "+":
		if ls, ok := left.(string); ok {
			return ls + valueToString(right), nil
		}
		if rs, ok := right.(string); ok {
			return valueToString(left) + rs, nil
		}
		return toNumber(left) + toNumber(right), nil
	case "-":
		return toNumber(left) - toNumber(right), nil
	case "*":
		return toNumber(left) * toNumber(right), nil
	case "/":
		return toNumber(left) / toNumber(right), nil
	case "%":
		return math.Mod(toNumber(left), toNumber(right)), nil
	case "**":
		return math.Pow(toNumber(left), toNumber(right)), nil
	case "==":
		return looseEq(left, right), nil
	case "!=":
		return !looseEq(left, right), nil
	case "===":
		return strictEq(left, right), nil
	case "!==":
		return !strictEq(left, right), nil
	case ">", "<", ">=", "<=":
		return compare(op, left, right)
	default:
		return nil, failf("expr", "unsupported binary operator '%s'", op)
	}
}

func compare(op string, left, right any) (any, *RunError) {
	if ls, lok := left.(string); lok {
		if rs, rok := right.(string); rok {
			switch op {
			case ">":
				return ls > rs, nil
			case "<":
				return ls < rs, nil
			case ">=":
				return ls >= rs, nil
			default:
				return ls <= rs, nil
			}
		}
	}
	ln, rn := toNumber(left), toNumber(right)
	switch op {
	case ">":
		return ln > rn, nil
	case "<":
		return ln < rn, nil
	case ">=":
		return ln >= rn, nil
	default:
		return ln <= rn, nil
	}
}
