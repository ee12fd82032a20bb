package vm

import (
	"strconv"
	"strings"
)

// resolveValue turns an atom field into a concrete value. Fields may be
// literals, {$kind:"arg"} references, expression nodes, state keys, dot
// paths, or aggregates of any of these.
func resolveValue(c *Context, v any) (any, *RunError) {
	switch n := v.(type) {
	case map[string]any:
		if kind, ok := n["$kind"].(string); ok && kind == "arg" {
			path, _ := n["path"].(string)
			return lookupPath(c, c.run.args, path)
		}
		if isExprNode(n) {
			return evalExpr(c, n)
		}
		out := make(map[string]any, len(n))
		for k, item := range n {
			rv, err := resolveValue(c, item)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil

	case []any:
		out := make([]any, 0, len(n))
		for _, item := range n {
			rv, err := resolveValue(c, item)
			if err != nil {
				return nil, err
			}
			out = append(out, rv)
		}
		return out, nil

	case string:
		return resolveString(c, n)

	default:
		return v, nil
	}
}

// resolveString applies the string resolution rules: args.-prefixed
// references, dot paths through state, bare state keys, and finally the
// literal string itself.
func resolveString(c *Context, s string) (any, *RunError) {
	if rest, isArg := strings.CutPrefix(s, "args."); isArg {
		return lookupPath(c, c.run.args, rest)
	}
	if strings.Contains(s, ".") {
		segments := strings.Split(s, ".")
		for _, seg := range segments {
			if isForbiddenProperty(seg) {
				return nil, securityError("resolve", seg)
			}
		}
		root, ok := c.scope.Get(segments[0])
		if !ok {
			return nil, nil
		}
		return walkPath(root, segments[1:])
	}
	if v, ok := c.scope.Get(s); ok {
		return v, nil
	}
	return s, nil
}

// lookupPath resolves a possibly dotted path against a root mapping.
func lookupPath(c *Context, root map[string]any, path string) (any, *RunError) {
	if path == "" {
		return nil, nil
	}
	if !strings.Contains(path, ".") {
		return root[path], nil
	}
	segments := strings.Split(path, ".")
	for _, seg := range segments {
		if isForbiddenProperty(seg) {
			return nil, securityError("resolve", seg)
		}
	}
	return walkPath(root[segments[0]], segments[1:])
}

// walkPath descends through maps by key and arrays by index, yielding the
// absent value as soon as an intermediate is missing.
func walkPath(v any, segments []string) (any, *RunError) {
	for _, seg := range segments {
		if v == nil {
			return nil, nil
		}
		switch cur := v.(type) {
		case map[string]any:
			v = cur[seg]
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(cur) {
				return nil, nil
			}
			v = cur[idx]
		default:
			av, rerr := memberAccess(v, seg)
			if rerr != nil {
				return nil, rerr
			}
			v = av
		}
	}
	return v, nil
}

// resolveStringField resolves an atom field and renders it as a string.
func resolveStringField(c *Context, v any) (string, *RunError) {
	rv, err := resolveValue(c, v)
	if err != nil {
		return "", err
	}
	if rv == nil {
		return "", nil
	}
	return valueToString(rv), nil
}
