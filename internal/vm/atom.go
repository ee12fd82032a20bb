package vm

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentvm/agentvm/pkg/metrics"
)

// AtomFunc is the body of one atom. It receives the step's input (the step
// minus op/result/resultConst) and returns the value to bind under the
// step's result key. A returned *RunError enters the monadic flow as is; any
// other error also enters it, carrying the error's text, except ErrUnknownOp
// and ErrRootNotSeq, which abort the run as host errors.
type AtomFunc func(c *Context, input map[string]any) (any, error)

// CostFunc prices an atom from its resolved input.
type CostFunc func(input map[string]any, c *Context) float64

// Atom describes one registered operation.
type Atom struct {
	Op          string
	Docs        string
	InputSchema *Schema
	Cost        float64
	CostFn      CostFunc
	TimeoutMs   int
	Fn          AtomFunc
}

// Typical fuel prices: control flow is cheap, data work costs one unit, I/O
// five. Externally overridable per run via cost overrides.
const (
	costFlow = 0.1
	costData = 1
	costIO   = 5
)

// Registry is the dispatch table keyed by opcode.
type Registry struct {
	mu    sync.RWMutex
	atoms map[string]*Atom
}

// NewRegistry builds a registry with every core atom installed.
func NewRegistry() *Registry {
	r := &Registry{atoms: make(map[string]*Atom)}
	registerFlowAtoms(r)
	registerStateAtoms(r)
	registerCollectionAtoms(r)
	registerStringAtoms(r)
	registerIOAtoms(r)
	return r
}

// Register installs an atom, replacing any previous handler for the opcode.
func (r *Registry) Register(a *Atom) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.atoms[a.Op] = a
}

// Get looks up the handler for an opcode.
func (r *Registry) Get(op string) (*Atom, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.atoms[op]
	return a, ok
}

// Ops lists registered opcodes.
func (r *Registry) Ops() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.atoms))
	for op := range r.atoms {
		out = append(out, op)
	}
	return out
}

// Exec runs one step through the full atom contract: monadic skip, input
// validation, fuel debit, timeout race, result binding, error capture and
// trace emission. The returned error is non-nil only for host-level faults
// (unknown opcode); program faults land in the context's error slot.
func (r *Registry) Exec(c *Context, step map[string]any) error {
	if c.Failed() {
		return nil
	}
	op, _ := step["op"].(string)
	atom, ok := r.Get(op)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownOp, op)
	}
	metrics.ObserveAtom(op)

	input := stepInput(step)

	if atom.InputSchema != nil {
		if err := atom.InputSchema.Validate(input); err != nil {
			c.Fail(failf(op, "Validation Error: %s", err.Error()))
			return nil
		}
	}

	var (
		before     map[string]any
		fuelBefore float64
	)
	if c.run.tracing {
		before = c.scope.Flatten()
		fuelBefore = c.run.fuel.Remaining()
	}

	cost := atom.Cost
	if atom.CostFn != nil {
		cost = atom.CostFn(input, c)
	}
	if override, ok := c.run.costOverrides[op]; ok {
		switch o := override.(type) {
		case CostFunc:
			cost = o(input, c)
		case func(map[string]any, *Context) float64:
			cost = o(input, c)
		default:
			if f, isNum := toFloat(override); isNum {
				cost = f
			}
		}
	}
	if !c.debit(op, cost) {
		r.emitTrace(c, op, input, before, fuelBefore, nil)
		return nil
	}

	result, runErr, hostErr := r.invoke(c, atom, input)
	if hostErr != nil {
		return hostErr
	}
	if runErr != nil {
		c.Fail(runErr)
	}

	if result != nil && !c.Failed() {
		if name, ok := step["result"].(string); ok && name != "" {
			resultConst, _ := step["resultConst"].(bool)
			if !c.scope.Set(name, result) {
				c.Fail(constViolation(op, name))
			} else if resultConst {
				c.scope.MarkConst(name)
			}
		}
	}

	r.emitTrace(c, op, input, before, fuelBefore, result)
	return nil
}

// invoke runs the atom body, converting panics and plain errors into
// monadic failures and racing a per-atom timeout when one is declared.
// Host-level faults (unknown opcode, malformed root) pass through untouched.
func (r *Registry) invoke(c *Context, atom *Atom, input map[string]any) (any, *RunError, error) {
	call := func() (out any, rerr *RunError, hostErr error) {
		defer func() {
			if p := recover(); p != nil {
				out, hostErr = nil, nil
				rerr = failf(atom.Op, "%v", p)
			}
		}()
		v, err := atom.Fn(c, input)
		if err != nil {
			var re *RunError
			if errors.As(err, &re) {
				return nil, re, nil
			}
			if errors.Is(err, ErrUnknownOp) || errors.Is(err, ErrRootNotSeq) {
				return nil, nil, err
			}
			return nil, failf(atom.Op, "%s", err.Error()), nil
		}
		return v, nil, nil
	}

	if atom.TimeoutMs <= 0 {
		return call()
	}

	type outcome struct {
		value   any
		err     *RunError
		hostErr error
	}
	done := make(chan outcome, 1)
	go func() {
		v, e, h := call()
		done <- outcome{v, e, h}
	}()

	timer := time.NewTimer(time.Duration(atom.TimeoutMs) * time.Millisecond)
	defer timer.Stop()
	select {
	case o := <-done:
		return o.value, o.err, o.hostErr
	case <-timer.C:
		return nil, timeoutError(atom.Op, atom.TimeoutMs), nil
	case <-c.run.ctx.Done():
		return nil, aborted(atom.Op), nil
	}
}

func (r *Registry) emitTrace(c *Context, op string, input, before map[string]any, fuelBefore float64, result any) {
	if !c.run.tracing {
		return
	}
	ev := TraceEvent{
		Op:         op,
		Input:      input,
		Diff:       stateDiff(before, c.scope.Flatten()),
		Result:     result,
		FuelBefore: fuelBefore,
		FuelAfter:  c.run.fuel.Remaining(),
		Timestamp:  traceTimestamp(),
	}
	if c.run.err != nil {
		ev.Error = c.run.err.Message
	}
	c.run.trace = append(c.run.trace, ev)
}

// stepInput strips the reserved metadata fields from a step.
func stepInput(step map[string]any) map[string]any {
	input := make(map[string]any, len(step))
	for k, v := range step {
		switch k {
		case "op", "result", "resultConst":
		default:
			input[k] = v
		}
	}
	return input
}

// runSteps dispatches a step list in order, honouring the output and error
// slots between steps.
func runSteps(c *Context, steps []any) error {
	for _, raw := range steps {
		if c.halted() {
			return nil
		}
		step, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: step is not an object", ErrUnknownOp)
		}
		if err := c.run.vm.registry.Exec(c, step); err != nil {
			return err
		}
	}
	return nil
}

// stepList extracts a step-list field.
func stepList(v any) []any {
	switch n := v.(type) {
	case []any:
		return n
	case map[string]any:
		// A nested seq atom is accepted where a list is expected.
		if inner, ok := n["steps"].([]any); ok && n["op"] == "seq" {
			return inner
		}
		return []any{n}
	default:
		return nil
	}
}
