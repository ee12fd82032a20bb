package vm

// State atoms: variable assignment, const declaration, imports from args and
// exports back out.

func registerStateAtoms(r *Registry) {
	r.Register(&Atom{
		Op:          "varSet",
		Docs:        "Assign a state variable.",
		Cost:        costData,
		InputSchema: Obj(map[string]*Schema{"key": Typed("string")}, "key"),
		Fn: func(c *Context, input map[string]any) (any, error) {
			key := input["key"].(string)
			v, rerr := resolveValue(c, input["value"])
			if rerr != nil {
				return nil, rerr
			}
			if !c.scope.Set(key, v) {
				return nil, constViolation("varSet", key)
			}
			return nil, nil
		},
	})

	r.Register(&Atom{
		Op:          "constSet",
		Docs:        "Declare an immutable binding. Redeclaration of any existing name fails.",
		Cost:        costData,
		InputSchema: Obj(map[string]*Schema{"key": Typed("string")}, "key"),
		Fn: func(c *Context, input map[string]any) (any, error) {
			key := input["key"].(string)
			if c.scope.Has(key) {
				return nil, failf("constSet", "Const Violation: '%s' is already declared", key)
			}
			v, rerr := resolveValue(c, input["value"])
			if rerr != nil {
				return nil, rerr
			}
			c.scope.Set(key, v)
			c.scope.MarkConst(key)
			return nil, nil
		},
	})

	r.Register(&Atom{
		Op:          "varGet",
		Docs:        "Read a state variable or dot path; binds via result.",
		Cost:        costData,
		InputSchema: Obj(map[string]*Schema{"key": Typed("string")}, "key"),
		Fn: func(c *Context, input map[string]any) (any, error) {
			key := input["key"].(string)
			v, rerr := resolveString(c, key)
			if rerr != nil {
				return nil, rerr
			}
			return v, nil
		},
	})

	r.Register(&Atom{
		Op:   "varsImport",
		Docs: "Import arguments into state, either by name or as alias to path.",
		Cost: costData,
		Fn: func(c *Context, input map[string]any) (any, error) {
			switch keys := input["keys"].(type) {
			case []any:
				for _, raw := range keys {
					name, ok := raw.(string)
					if !ok {
						return nil, failf("varsImport", "Validation Error: keys must be strings")
					}
					v, rerr := lookupPath(c, c.run.args, name)
					if rerr != nil {
						return nil, rerr
					}
					if !c.scope.Set(name, v) {
						return nil, constViolation("varsImport", name)
					}
				}
			case map[string]any:
				for _, alias := range sortedKeys(keys) {
					path := valueToString(keys[alias])
					v, rerr := lookupPath(c, c.run.args, path)
					if rerr != nil {
						return nil, rerr
					}
					if !c.scope.Set(alias, v) {
						return nil, constViolation("varsImport", alias)
					}
				}
			default:
				return nil, failf("varsImport", "Validation Error: keys must be an array or mapping")
			}
			return nil, nil
		},
	})

	r.Register(&Atom{
		Op:   "varsLet",
		Docs: "Initialize several state variables from one step object.",
		Cost: costData,
		Fn: func(c *Context, input map[string]any) (any, error) {
			vars, ok := input["vars"].(map[string]any)
			if !ok {
				return nil, failf("varsLet", "Validation Error: vars must be a mapping")
			}
			for _, name := range sortedKeys(vars) {
				v, rerr := resolveValue(c, vars[name])
				if rerr != nil {
					return nil, rerr
				}
				if !c.scope.Set(name, v) {
					return nil, constViolation("varsLet", name)
				}
			}
			return nil, nil
		},
	})

	r.Register(&Atom{
		Op:   "varsExport",
		Docs: "Build a mapping from state values, same-named or renamed.",
		Cost: costData,
		Fn: func(c *Context, input map[string]any) (any, error) {
			out := map[string]any{}
			switch keys := input["keys"].(type) {
			case []any:
				for _, raw := range keys {
					name, ok := raw.(string)
					if !ok {
						return nil, failf("varsExport", "Validation Error: keys must be strings")
					}
					if v, bound := c.scope.Get(name); bound {
						out[name] = v
					}
				}
			case map[string]any:
				for _, exportName := range sortedKeys(keys) {
					stateName := valueToString(keys[exportName])
					if v, bound := c.scope.Get(stateName); bound {
						out[exportName] = v
					}
				}
			default:
				return nil, failf("varsExport", "Validation Error: keys must be an array or mapping")
			}
			return out, nil
		},
	})
}
