package vm

// Collection atoms. Items are processed strictly in array order and
// sequentially; each element polls the abort signal and debits loop fuel.

func registerCollectionAtoms(r *Registry) {
	resolveItems := func(c *Context, op string, input map[string]any) ([]any, string, *RunError) {
		raw, rerr := resolveValue(c, input["items"])
		if rerr != nil {
			return nil, "", rerr
		}
		items, ok := asArray(raw)
		if !ok {
			return nil, "", failf(op, "Validation Error: items must be an array")
		}
		as, _ := input["as"].(string)
		if as == "" {
			as = "item"
		}
		return items, as, nil
	}

	r.Register(&Atom{
		Op:   "map",
		Docs: "Run the body for each item in a child frame; collect each frame's result binding.",
		Cost: costData,
		Fn: func(c *Context, input map[string]any) (any, error) {
			items, as, rerr := resolveItems(c, "map", input)
			if rerr != nil {
				return nil, rerr
			}
			body := stepList(input["steps"])
			out := make([]any, 0, len(items))
			for i, item := range items {
				if c.abortRequested() {
					return nil, aborted("map")
				}
				if !c.debit("map", costFlow) {
					return nil, nil
				}
				child := c.Child()
				child.scope.Set(as, item)
				child.scope.Set("index", i)
				if err := runSteps(child, body); err != nil {
					return nil, err
				}
				if c.halted() {
					return nil, nil
				}
				v, _ := child.scope.Local("result")
				out = append(out, v)
			}
			return out, nil
		},
	})

	r.Register(&Atom{
		Op:   "filter",
		Docs: "Keep items for which the condition evaluates truthy.",
		Cost: costData,
		Fn: func(c *Context, input map[string]any) (any, error) {
			items, as, rerr := resolveItems(c, "filter", input)
			if rerr != nil {
				return nil, rerr
			}
			out := make([]any, 0, len(items))
			for _, item := range items {
				if c.abortRequested() {
					return nil, aborted("filter")
				}
				if !c.debit("filter", costFlow) {
					return nil, nil
				}
				child := c.Child()
				child.scope.Set(as, item)
				ok, rerr := evalCondition(child, input["condition"], input["vars"])
				if rerr != nil {
					return nil, rerr
				}
				if ok {
					out = append(out, item)
				}
			}
			return out, nil
		},
	})

	r.Register(&Atom{
		Op:   "find",
		Docs: "First item matching the condition, or absent.",
		Cost: costData,
		Fn: func(c *Context, input map[string]any) (any, error) {
			items, as, rerr := resolveItems(c, "find", input)
			if rerr != nil {
				return nil, rerr
			}
			for _, item := range items {
				if c.abortRequested() {
					return nil, aborted("find")
				}
				if !c.debit("find", costFlow) {
					return nil, nil
				}
				child := c.Child()
				child.scope.Set(as, item)
				ok, rerr := evalCondition(child, input["condition"], input["vars"])
				if rerr != nil {
					return nil, rerr
				}
				if ok {
					return item, nil
				}
			}
			return nil, nil
		},
	})

	r.Register(&Atom{
		Op:   "reduce",
		Docs: "Fold items through the body; the accumulator takes each frame's result binding.",
		Cost: costData,
		Fn: func(c *Context, input map[string]any) (any, error) {
			items, as, rerr := resolveItems(c, "reduce", input)
			if rerr != nil {
				return nil, rerr
			}
			accName, _ := input["accumulator"].(string)
			if accName == "" {
				accName = "accumulator"
			}
			acc, rerr := resolveValue(c, input["initial"])
			if rerr != nil {
				return nil, rerr
			}
			body := stepList(input["steps"])
			for i, item := range items {
				if c.abortRequested() {
					return nil, aborted("reduce")
				}
				if !c.debit("reduce", costFlow) {
					return nil, nil
				}
				child := c.Child()
				child.scope.Set(as, item)
				child.scope.Set("index", i)
				child.scope.Set(accName, acc)
				if err := runSteps(child, body); err != nil {
					return nil, err
				}
				if c.halted() {
					return nil, nil
				}
				if v, ok := child.scope.Local("result"); ok {
					acc = v
				}
			}
			return acc, nil
		},
	})

	r.Register(&Atom{
		Op:   "push",
		Docs: "Append a value; yields the extended array.",
		Cost: costData,
		Fn: func(c *Context, input map[string]any) (any, error) {
			raw, rerr := resolveValue(c, input["items"])
			if rerr != nil {
				return nil, rerr
			}
			if raw == nil {
				raw = []any{}
			}
			items, ok := asArray(raw)
			if !ok {
				return nil, failf("push", "Validation Error: items must be an array")
			}
			v, rerr := resolveValue(c, input["value"])
			if rerr != nil {
				return nil, rerr
			}
			out := make([]any, len(items), len(items)+1)
			copy(out, items)
			return append(out, v), nil
		},
	})

	r.Register(&Atom{
		Op:   "len",
		Docs: "Length of an array, string, mapping or Set.",
		Cost: costData,
		Fn: func(c *Context, input map[string]any) (any, error) {
			v, rerr := resolveValue(c, input["value"])
			if rerr != nil {
				return nil, rerr
			}
			switch n := v.(type) {
			case nil:
				return 0, nil
			case string:
				return len(n), nil
			case []any:
				return len(n), nil
			case map[string]any:
				return len(n), nil
			case *SetValue:
				return n.Size(), nil
			default:
				return nil, failf("len", "Validation Error: value has no length")
			}
		},
	})
}
