package vm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seq(steps ...any) map[string]any {
	return map[string]any{"op": "seq", "steps": steps}
}

func expr(kind string, fields map[string]any) map[string]any {
	node := map[string]any{"$expr": kind}
	for k, v := range fields {
		node[k] = v
	}
	return node
}

func lit(v any) map[string]any   { return expr("literal", map[string]any{"value": v}) }
func ident(n string) map[string]any {
	return expr("ident", map[string]any{"name": n})
}

func bin(op string, left, right any) map[string]any {
	return expr("binary", map[string]any{"op": op, "left": left, "right": right})
}

func mustRun(t *testing.T, program map[string]any, args map[string]any, opts RunOptions) *RunResult {
	t.Helper()
	res, err := New().Run(context.Background(), program, args, opts)
	require.NoError(t, err)
	return res
}

func TestRun_ArithmeticReturn(t *testing.T) {
	program := seq(
		map[string]any{
			"op":    "varSet",
			"key":   "sum",
			"value": bin("+", ident("a"), ident("b")),
		},
		map[string]any{
			"op":     "return",
			"schema": map[string]any{"type": "object", "properties": map[string]any{"sum": map[string]any{"type": "number"}}},
		},
	)

	res := mustRun(t, program, map[string]any{"a": 5, "b": 3}, RunOptions{})
	require.Nil(t, res.Error)
	require.Equal(t, map[string]any{"sum": float64(8)}, res.Result)
	assert.Greater(t, res.FuelUsed, 0.0)
}

func TestRun_Conditional(t *testing.T) {
	program := seq(
		map[string]any{
			"op":        "if",
			"condition": bin(">=", ident("age"), lit(18)),
			"then":      []any{map[string]any{"op": "varSet", "key": "status", "value": lit("adult")}},
			"else":      []any{map[string]any{"op": "varSet", "key": "status", "value": lit("minor")}},
		},
		map[string]any{"op": "return", "value": "status"},
	)

	res := mustRun(t, program, map[string]any{"age": 25}, RunOptions{})
	require.Nil(t, res.Error)
	assert.Equal(t, "adult", res.Result)

	res = mustRun(t, program, map[string]any{"age": 15}, RunOptions{})
	require.Nil(t, res.Error)
	assert.Equal(t, "minor", res.Result)
}

func TestRun_LegacyStringCondition(t *testing.T) {
	program := seq(
		map[string]any{"op": "varsLet", "vars": map[string]any{"x": lit(5)}},
		map[string]any{
			"op":        "if",
			"condition": "x > 2",
			"then":      []any{map[string]any{"op": "varSet", "key": "big", "value": lit(true)}},
			"else":      []any{map[string]any{"op": "varSet", "key": "big", "value": lit(false)}},
		},
		map[string]any{"op": "return", "value": "big"},
	)

	res := mustRun(t, program, nil, RunOptions{})
	require.Nil(t, res.Error)
	assert.Equal(t, true, res.Result)
}

func TestRun_InfiniteLoopExhaustsFuel(t *testing.T) {
	program := seq(
		map[string]any{
			"op":        "while",
			"condition": lit(true),
			"steps":     []any{map[string]any{"op": "varSet", "key": "x", "value": lit(1)}},
		},
	)

	res := mustRun(t, program, nil, RunOptions{Fuel: 10})
	require.NotNil(t, res.Error)
	assert.Equal(t, "Out of Fuel", res.Error.Message)
	// The last debit may overshoot by at most one atom's cost.
	assert.LessOrEqual(t, res.FuelUsed, 12.0)
}

func TestRun_FuelZeroOnEntry(t *testing.T) {
	// A zero Fuel option selects the default budget, so the run starts with
	// less fuel than the root seq costs (0.1) instead of exactly zero.
	program := seq(map[string]any{"op": "varSet", "key": "x", "value": lit(1)})
	engine := New(WithDefaultFuel(0.05))
	res, err := engine.Run(context.Background(), program, nil, RunOptions{Fuel: 0.05})
	require.NoError(t, err)
	require.NotNil(t, res.Error)
	assert.Equal(t, "Out of Fuel", res.Error.Message)
}

func TestRun_SecurityGuardOnProtoAccess(t *testing.T) {
	program := seq(
		map[string]any{"op": "varSet", "key": "obj", "value": lit(map[string]any{"foo": "bar"})},
		map[string]any{"op": "varSet", "key": "leak", "value": "obj.__proto__"},
	)

	res := mustRun(t, program, nil, RunOptions{})
	require.NotNil(t, res.Error)
	assert.Regexp(t, `Security Error.*__proto__`, res.Error.Message)
}

func TestRun_SecurityGuardInExpression(t *testing.T) {
	program := seq(
		map[string]any{"op": "varSet", "key": "obj", "value": lit(map[string]any{"foo": "bar"})},
		map[string]any{
			"op":    "varSet",
			"key":   "leak",
			"value": expr("member", map[string]any{"object": ident("obj"), "property": "constructor"}),
		},
	)

	res := mustRun(t, program, nil, RunOptions{})
	require.NotNil(t, res.Error)
	assert.Regexp(t, `Security Error.*constructor`, res.Error.Message)
}

func TestRun_FetchDepthGuard(t *testing.T) {
	hits := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer ts.Close()

	program := seq(map[string]any{"op": "httpFetch", "url": lit(ts.URL), "result": "resp"})

	res := mustRun(t, program, nil, RunOptions{
		Meta: &RequestMeta{RequestDepth: 10},
	})
	require.NotNil(t, res.Error)
	assert.Regexp(t, `depth exceeded`, res.Error.Message)
	assert.Zero(t, hits, "no outbound request may be issued past the depth limit")
}

func TestRun_FetchInjectsDepthHeader(t *testing.T) {
	var gotDepth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotDepth = r.Header.Get("X-Agent-Depth")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer ts.Close()

	program := seq(
		map[string]any{"op": "httpFetch", "url": lit(ts.URL), "result": "resp"},
		map[string]any{"op": "return", "value": "resp"},
	)

	res := mustRun(t, program, nil, RunOptions{Meta: &RequestMeta{RequestDepth: 3}})
	require.Nil(t, res.Error)
	assert.Equal(t, "4", gotDepth)
	assert.Equal(t, map[string]any{"ok": true}, res.Result)
}

func TestRun_FetchDeniedWithoutAllowlist(t *testing.T) {
	program := seq(map[string]any{"op": "httpFetch", "url": lit("http://example.com/data")})

	res := mustRun(t, program, nil, RunOptions{})
	require.NotNil(t, res.Error)
	assert.Contains(t, res.Error.Message, "allowedFetchDomains")
}

func TestRun_FetchWildcardAllowlist(t *testing.T) {
	meta := &RequestMeta{AllowedFetchDomains: []string{"*.example.com"}}
	c := &Context{run: &runCore{meta: meta, ctx: context.Background()}, scope: newScope(nil)}

	require.Nil(t, checkFetchDomain(c, "https://api.example.com/v1"))
	require.Nil(t, checkFetchDomain(c, "https://example.com/v1"))
	require.NotNil(t, checkFetchDomain(c, "https://example.org/v1"))
}

func TestRun_CallerContextIsolation(t *testing.T) {
	// A capability-like atom that demands the caller's admin permission and
	// reports the caller's user.
	audit := &Atom{
		Op:   "auditUser",
		Cost: 1,
		Fn: func(c *Context, _ map[string]any) (any, error) {
			meta := c.Meta()
			if !meta.HasPermission("admin") {
				return nil, failf("auditUser", "Admin permission required")
			}
			return meta.User, nil
		},
	}

	engine := New(WithAtom(audit))
	token, err := engine.Procedures().Store(seq(
		map[string]any{"op": "auditUser", "result": "who"},
		map[string]any{"op": "return", "value": "who"},
	), StoreProcedureOptions{OwnerHint: "storer"})
	require.NoError(t, err)

	// Caller A holds admin; its own user must be visible to the atom.
	resA, err := engine.Run(context.Background(), token, nil, RunOptions{
		Meta: &RequestMeta{User: "alice", Permissions: []string{"admin"}},
	})
	require.NoError(t, err)
	require.Nil(t, resA.Error)
	assert.Equal(t, "alice", resA.Result)

	// Caller B does not; nothing of the storer's context leaks in.
	resB, err := engine.Run(context.Background(), token, nil, RunOptions{
		Meta: &RequestMeta{User: "bob", Permissions: []string{"read"}},
	})
	require.NoError(t, err)
	require.NotNil(t, resB.Error)
	assert.Equal(t, "Admin permission required", resB.Error.Message)
}

func TestRun_AgentRunInline(t *testing.T) {
	program := seq(
		map[string]any{
			"op": "agentRun",
			"agent": seq(
				map[string]any{"op": "varSet", "key": "doubled", "value": bin("*", ident("n"), lit(2))},
				map[string]any{"op": "return", "value": "doubled"},
			),
			"input":  map[string]any{"n": lit(21)},
			"result": "answer",
		},
		map[string]any{"op": "return", "value": "answer"},
	)

	res := mustRun(t, program, nil, RunOptions{})
	require.Nil(t, res.Error)
	assert.Equal(t, float64(42), res.Result)
}

func TestRun_AgentRunErrorEntersCallerFlow(t *testing.T) {
	program := seq(
		map[string]any{
			"op":    "agentRun",
			"agent": seq(map[string]any{"op": "Error", "message": lit("inner boom")}),
		},
	)

	res := mustRun(t, program, nil, RunOptions{})
	require.NotNil(t, res.Error)
	assert.Contains(t, res.Error.Message, "inner boom")
}

func TestRun_TokenProgram(t *testing.T) {
	engine := New()
	token, err := engine.Procedures().Store(seq(
		map[string]any{"op": "return", "value": lit("stored result")},
	), StoreProcedureOptions{})
	require.NoError(t, err)

	res, err := engine.Run(context.Background(), token, nil, RunOptions{})
	require.NoError(t, err)
	require.Nil(t, res.Error)
	assert.Equal(t, "stored result", res.Result)
}

func TestRun_RootNotSeqIsHostError(t *testing.T) {
	_, err := New().Run(context.Background(), map[string]any{"op": "varSet"}, nil, RunOptions{})
	require.ErrorIs(t, err, ErrRootNotSeq)
}

func TestRun_UnknownOpIsHostError(t *testing.T) {
	_, err := New().Run(context.Background(), seq(map[string]any{"op": "noSuchAtom"}), nil, RunOptions{})
	require.ErrorIs(t, err, ErrUnknownOp)
}

func TestRun_TryCatchClearsError(t *testing.T) {
	program := seq(
		map[string]any{
			"op":  "tryCatch",
			"try": []any{map[string]any{"op": "Error", "message": lit("boom")}},
			"catch": []any{
				map[string]any{"op": "varSet", "key": "caught", "value": "error"},
			},
		},
		map[string]any{"op": "return", "value": "caught"},
	)

	res := mustRun(t, program, nil, RunOptions{})
	require.Nil(t, res.Error)
	assert.Equal(t, "boom", res.Result)
}

func TestRun_ConstRoundTrip(t *testing.T) {
	program := seq(
		map[string]any{"op": "constSet", "key": "k", "value": lit("v")},
		map[string]any{"op": "varGet", "key": "k", "result": "got"},
		map[string]any{"op": "varSet", "key": "k", "value": lit("other")},
	)

	res := mustRun(t, program, nil, RunOptions{})
	require.NotNil(t, res.Error)
	assert.Contains(t, res.Error.Message, "Const Violation")
}

func TestRun_VarsImportExportRoundTrip(t *testing.T) {
	program := seq(
		map[string]any{"op": "varsImport", "keys": []any{"a", "b"}},
		map[string]any{"op": "varsExport", "keys": []any{"a", "b"}, "result": "out"},
		map[string]any{"op": "return", "value": "out"},
	)

	args := map[string]any{"a": float64(1), "b": "two", "c": "ignored"}
	res := mustRun(t, program, args, RunOptions{})
	require.Nil(t, res.Error)
	assert.Equal(t, map[string]any{"a": float64(1), "b": "two"}, res.Result)
}

func TestRun_ReturnPropagatesOutstandingError(t *testing.T) {
	program := seq(
		map[string]any{
			"op":  "tryCatch",
			"try": []any{map[string]any{"op": "Error", "message": lit("kept")}},
			// No catch block: the error stays set, the later return is
			// skipped, and the error surfaces in the run result.
		},
		map[string]any{"op": "return"},
	)

	res, err := New().Run(context.Background(), program, nil, RunOptions{})
	require.NoError(t, err)
	require.NotNil(t, res.Error)
	assert.Equal(t, "kept", res.Error.Message)
}

func TestRun_AbortSignal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	program := seq(
		map[string]any{
			"op":        "while",
			"condition": lit(true),
			"steps":     []any{map[string]any{"op": "varSet", "key": "x", "value": lit(1)}},
		},
	)

	res, err := New().Run(ctx, program, nil, RunOptions{Fuel: 100000})
	require.NoError(t, err)
	require.NotNil(t, res.Error)
	assert.Equal(t, "Execution aborted", res.Error.Message)
}

func TestRun_TraceRecordsAtomExecution(t *testing.T) {
	program := seq(
		map[string]any{"op": "varSet", "key": "x", "value": lit(7)},
		map[string]any{"op": "return", "value": "x"},
	)

	res := mustRun(t, program, nil, RunOptions{Trace: true})
	require.Nil(t, res.Error)
	require.NotEmpty(t, res.Trace)

	var varSetEvent *TraceEvent
	for i := range res.Trace {
		if res.Trace[i].Op == "varSet" {
			varSetEvent = &res.Trace[i]
		}
	}
	require.NotNil(t, varSetEvent)
	assert.Equal(t, 7, varSetEvent.Diff["x"])
	assert.Greater(t, varSetEvent.FuelBefore, varSetEvent.FuelAfter)
	assert.NotEmpty(t, varSetEvent.Timestamp)
}

func TestRun_FuelUsedBounds(t *testing.T) {
	program := seq(
		map[string]any{"op": "varSet", "key": "x", "value": lit(1)},
		map[string]any{"op": "return", "value": "x"},
	)

	res := mustRun(t, program, nil, RunOptions{Fuel: 50})
	require.Nil(t, res.Error)
	assert.GreaterOrEqual(t, res.FuelUsed, 0.0)
	assert.LessOrEqual(t, res.FuelUsed, 50.0)
}

func TestRun_CostOverrides(t *testing.T) {
	program := seq(map[string]any{"op": "varSet", "key": "x", "value": lit(1)})

	res := mustRun(t, program, nil, RunOptions{
		Fuel:          100,
		CostOverrides: map[string]any{"varSet": 42},
	})
	require.Nil(t, res.Error)
	// seq 0.1 + varSet override 42 + one expression node 0.01.
	assert.InDelta(t, 42.11, res.FuelUsed, 0.001)
}
