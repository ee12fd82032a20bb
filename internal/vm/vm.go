// Package vm implements a sandboxed, deterministic, fuel-metered virtual
// machine for agent programs: a tree-walking interpreter over a tagged AST
// with capability-gated side effects, hierarchical scopes, monadic error
// propagation, tracing, memoization and a procedure store for tokenized
// callable subprograms.
package vm

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentvm/agentvm/pkg/logger"
	"github.com/agentvm/agentvm/pkg/metrics"
)

// DefaultFuel is the fuel budget applied when a run specifies none.
const DefaultFuel = 1000

// VM executes agent programs. One VM may serve many concurrent runs; each
// run gets its own context, fuel cell and scope chain.
type VM struct {
	registry    *Registry
	procs       *ProcedureStore
	log         *logger.Logger
	defaultFuel float64
}

// Option configures a VM.
type Option func(*VM)

// WithLogger installs a logger.
func WithLogger(log *logger.Logger) Option {
	return func(v *VM) { v.log = log }
}

// WithProcedureStore shares a procedure store between VMs.
func WithProcedureStore(store *ProcedureStore) Option {
	return func(v *VM) { v.procs = store }
}

// WithDefaultFuel overrides the default fuel budget.
func WithDefaultFuel(fuel float64) Option {
	return func(v *VM) {
		if fuel > 0 {
			v.defaultFuel = fuel
		}
	}
}

// WithAtom registers an additional atom, or replaces a core one.
func WithAtom(a *Atom) Option {
	return func(v *VM) { v.registry.Register(a) }
}

// processProcedures is the procedure store of every VM built without
// WithProcedureStore.
var processProcedures = NewProcedureStore(0, 0)

// New builds a VM with the core atom set.
func New(opts ...Option) *VM {
	v := &VM{
		registry:    NewRegistry(),
		defaultFuel: DefaultFuel,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.procs == nil {
		v.procs = processProcedures
	}
	if v.log == nil {
		v.log = logger.NewDefault("vm")
	}
	return v
}

// Procedures exposes the procedure store for embedders.
func (v *VM) Procedures() *ProcedureStore { return v.procs }

// Registry exposes the atom registry for embedders.
func (v *VM) Registry() *Registry { return v.registry }

// RunOptions tunes one program execution.
type RunOptions struct {
	// Fuel is the run budget; zero applies the VM default.
	Fuel float64
	// Trace enables per-atom trace events on the result.
	Trace bool
	// Capabilities maps capability names to embedder handles.
	Capabilities map[string]any
	// Meta is the caller's request-scoped metadata.
	Meta *RequestMeta
	// CostOverrides maps opcodes to replacement costs (numbers or CostFunc).
	CostOverrides map[string]any

	depth int
}

// RunResult is the outcome of one program execution. A program-level fault
// fills Error; Result holds the output slot.
type RunResult struct {
	Result   any          `json:"result"`
	Error    *RunError    `json:"error,omitempty"`
	FuelUsed float64      `json:"fuelUsed"`
	Trace    []TraceEvent `json:"trace,omitempty"`
}

// Run executes a program: an inline AST (root must be a seq atom) or a
// procedure token. Program-level faults surface in RunResult.Error; only
// malformed roots, unknown opcodes and unknown or expired procedure tokens
// are returned as host errors.
func (v *VM) Run(ctx context.Context, program any, args map[string]any, opts RunOptions) (*RunResult, error) {
	started := time.Now()

	ast, err := v.resolveProgram(program)
	if err != nil {
		return nil, err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	if args == nil {
		args = map[string]any{}
	}
	fuel := opts.Fuel
	if fuel <= 0 {
		fuel = v.defaultFuel
	}

	caps := make(map[string]any, len(opts.Capabilities)+1)
	for name, handle := range opts.Capabilities {
		caps[name] = handle
	}
	if _, ok := caps["store"]; !ok {
		caps["store"] = newMemStore()
	}

	core := &runCore{
		vm:            v,
		ctx:           ctx,
		fuel:          newFuelCell(fuel),
		args:          args,
		caps:          caps,
		meta:          opts.Meta,
		costOverrides: opts.CostOverrides,
		tracing:       opts.Trace,
		depth:         opts.depth,
	}
	if core.costOverrides == nil {
		core.costOverrides = map[string]any{}
	}
	c := &Context{run: core, scope: newScope(nil)}

	if err := v.registry.Exec(c, ast); err != nil {
		metrics.ObserveRun("host_error", core.fuel.Used(), time.Since(started).Seconds())
		return nil, err
	}

	result := &RunResult{
		Result:   core.output,
		Error:    core.err,
		FuelUsed: core.fuel.Used(),
	}
	if opts.Trace {
		result.Trace = core.trace
	}

	status := "ok"
	if core.err != nil {
		status = "error"
		v.log.WithFields(logrus.Fields{
			"op":        core.err.Op,
			"fuel_used": result.FuelUsed,
		}).Debugf("run failed: %s", core.err.Message)
	}
	metrics.ObserveRun(status, result.FuelUsed, time.Since(started).Seconds())
	return result, nil
}

// resolveProgram accepts an inline AST or a procedure token and insists on a
// seq root.
func (v *VM) resolveProgram(program any) (map[string]any, error) {
	switch p := program.(type) {
	case string:
		if !IsToken(p) {
			return nil, ErrRootNotSeq
		}
		entry, err := v.procs.Get(p)
		if err != nil {
			return nil, err
		}
		return entry.AST, nil
	case map[string]any:
		if op, _ := p["op"].(string); op != "seq" {
			return nil, ErrRootNotSeq
		}
		return p, nil
	default:
		return nil, ErrRootNotSeq
	}
}

// memStore is the in-memory store fallback installed when the embedder
// provides none. It is per-run and intentionally minimal; shared stores come
// from the capability adapters.
type memStore struct {
	data map[string]any
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string]any)}
}

func (m *memStore) Get(_ context.Context, key string) (any, error) {
	return m.data[key], nil
}

func (m *memStore) Set(_ context.Context, key string, value any) error {
	m.data[key] = value
	return nil
}
