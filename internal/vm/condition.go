package vm

import (
	"github.com/PaesslerAG/gval"
)

// evalCondition evaluates the condition field of if/while/filter/find.
// New-style programs carry an expression node; older ASTs carry a string
// expression plus an optional vars mapping, which is compiled with gval
// against the visible state.
func evalCondition(c *Context, cond any, vars any) (bool, *RunError) {
	switch n := cond.(type) {
	case nil:
		return false, nil
	case bool:
		return n, nil
	case string:
		return evalLegacyCondition(c, n, vars)
	default:
		if isExprNode(n) {
			v, err := evalExpr(c, n)
			if err != nil {
				return false, err
			}
			return truthy(v), nil
		}
		return truthy(cond), nil
	}
}

func evalLegacyCondition(c *Context, expr string, vars any) (bool, *RunError) {
	if !c.debit("expr", exprFuelCost) {
		return false, c.run.err
	}
	params := c.scope.Flatten()
	if m, ok := vars.(map[string]any); ok {
		for k, ref := range m {
			if isForbiddenProperty(k) {
				return false, securityError("expr", k)
			}
			rv, err := resolveValue(c, ref)
			if err != nil {
				return false, err
			}
			params[k] = rv
		}
	}
	out, err := gval.Evaluate(expr, params)
	if err != nil {
		return false, failf("expr", "condition '%s': %s", expr, err.Error())
	}
	return truthy(out), nil
}
