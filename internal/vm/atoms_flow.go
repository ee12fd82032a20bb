package vm

// Control-flow atoms: seq, if, while, tryCatch, scope, return, Error.

func registerFlowAtoms(r *Registry) {
	r.Register(&Atom{
		Op:   "seq",
		Docs: "Run steps in order until the output or error slot is set.",
		Cost: costFlow,
		Fn: func(c *Context, input map[string]any) (any, error) {
			steps, _ := input["steps"].([]any)
			return nil, runSteps(c, steps)
		},
	})

	r.Register(&Atom{
		Op:   "if",
		Docs: "Run the then or else branch depending on the condition.",
		Cost: costFlow,
		Fn: func(c *Context, input map[string]any) (any, error) {
			ok, rerr := evalCondition(c, input["condition"], input["vars"])
			if rerr != nil {
				return nil, rerr
			}
			if ok {
				return nil, runSteps(c, stepList(input["then"]))
			}
			return nil, runSteps(c, stepList(input["else"]))
		},
	})

	r.Register(&Atom{
		Op:   "while",
		Docs: "Loop while the condition holds. Each iteration polls the abort signal and debits fuel.",
		Cost: costFlow,
		Fn: func(c *Context, input map[string]any) (any, error) {
			body := stepList(input["steps"])
			for {
				if c.abortRequested() {
					return nil, aborted("while")
				}
				if !c.debit("while", costFlow) {
					return nil, nil
				}
				ok, rerr := evalCondition(c, input["condition"], input["vars"])
				if rerr != nil {
					return nil, rerr
				}
				if !ok {
					return nil, nil
				}
				if err := runSteps(c, body); err != nil {
					return nil, err
				}
				if c.halted() {
					return nil, nil
				}
			}
		},
	})

	r.Register(&Atom{
		Op:   "return",
		Docs: "Fill the output slot, stopping all enclosing sequences. A schema narrows the output to its declared properties.",
		Cost: costFlow,
		Fn: func(c *Context, input map[string]any) (any, error) {
			// An outstanding error becomes the program output.
			if c.run.err != nil {
				c.setOutput(c.run.err)
				return nil, nil
			}
			if rawSchema, ok := input["schema"].(map[string]any); ok {
				s := SchemaFromMap(rawSchema)
				out := make(map[string]any, len(s.Properties))
				for _, name := range s.PropertyNames() {
					if v, bound := c.scope.Get(name); bound {
						out[name] = v
					}
				}
				if filter, present := input["filter"].(bool); !present || filter {
					c.setOutput(s.Filter(out))
				} else {
					c.setOutput(out)
				}
				return nil, nil
			}
			if raw, ok := input["value"]; ok {
				v, rerr := resolveValue(c, raw)
				if rerr != nil {
					return nil, rerr
				}
				c.setOutput(v)
				return nil, nil
			}
			c.setOutput(nil)
			return nil, nil
		},
	})

	tryCatch := &Atom{
		Op:   "tryCatch",
		Docs: "Run the try block; on error, bind the message and opcode locally, clear the slot and run the catch block.",
		Cost: costFlow,
		Fn: func(c *Context, input map[string]any) (any, error) {
			if err := runSteps(c, stepList(input["try"])); err != nil {
				return nil, err
			}
			caught := c.run.err
			if caught == nil {
				return nil, nil
			}
			catchSteps := stepList(input["catch"])
			if catchSteps == nil {
				return nil, nil
			}
			param := "error"
			if p, ok := input["catchParam"].(string); ok && p != "" {
				param = p
			}
			// The only place the monadic error slot is cleared.
			c.run.err = nil
			c.scope.Set(param, caught.Message)
			c.scope.Set("errorOp", caught.Op)
			return nil, runSteps(c, catchSteps)
		},
	}
	r.Register(tryCatch)
	alias := *tryCatch
	alias.Op = "try"
	r.Register(&alias)

	r.Register(&Atom{
		Op:   "scope",
		Docs: "Run steps in a child frame; every write lands in the child frame and is discarded on exit.",
		Cost: costFlow,
		Fn: func(c *Context, input map[string]any) (any, error) {
			child := c.Child()
			if err := runSteps(child, stepList(input["steps"])); err != nil {
				return nil, err
			}
			if v, ok := child.scope.Local("result"); ok {
				return v, nil
			}
			return nil, nil
		},
	})

	r.Register(&Atom{
		Op:   "Error",
		Docs: "Fail the run with the given message.",
		Cost: costFlow,
		Fn: func(c *Context, input map[string]any) (any, error) {
			msg, rerr := resolveStringField(c, input["message"])
			if rerr != nil {
				return nil, rerr
			}
			if msg == "" {
				msg = "Error"
			}
			return nil, &RunError{Op: "Error", Message: msg}
		},
	})
}
