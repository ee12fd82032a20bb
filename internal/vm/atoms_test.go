package vm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtoms_MapFilterReduceFind(t *testing.T) {
	program := seq(
		map[string]any{"op": "varSet", "key": "nums", "value": lit([]any{float64(1), float64(2), float64(3), float64(4)})},
		map[string]any{
			"op":    "map",
			"items": "nums",
			"as":    "n",
			"steps": []any{
				map[string]any{"op": "varSet", "key": "result", "value": bin("*", ident("n"), lit(10))},
			},
			"result": "tens",
		},
		map[string]any{
			"op":        "filter",
			"items":     "nums",
			"as":        "n",
			"condition": bin(">", ident("n"), lit(2)),
			"result":    "big",
		},
		map[string]any{
			"op":          "reduce",
			"items":       "nums",
			"as":          "n",
			"accumulator": "acc",
			"initial":     lit(float64(0)),
			"steps": []any{
				map[string]any{"op": "varSet", "key": "result", "value": bin("+", ident("acc"), ident("n"))},
			},
			"result": "total",
		},
		map[string]any{
			"op":        "find",
			"items":     "nums",
			"as":        "n",
			"condition": bin(">", ident("n"), lit(2)),
			"result":    "first",
		},
		map[string]any{"op": "varsExport", "keys": []any{"tens", "big", "total", "first"}, "result": "out"},
		map[string]any{"op": "return", "value": "out"},
	)

	res := mustRun(t, program, nil, RunOptions{})
	require.Nil(t, res.Error)
	out, ok := res.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{float64(10), float64(20), float64(30), float64(40)}, out["tens"])
	assert.Equal(t, []any{float64(3), float64(4)}, out["big"])
	assert.Equal(t, float64(10), out["total"])
	assert.Equal(t, float64(3), out["first"])
}

func TestAtoms_PushAndLen(t *testing.T) {
	program := seq(
		map[string]any{"op": "varSet", "key": "list", "value": lit([]any{"a"})},
		map[string]any{"op": "push", "items": "list", "value": lit("b"), "result": "list"},
		map[string]any{"op": "len", "value": "list", "result": "n"},
		map[string]any{"op": "varsExport", "keys": []any{"list", "n"}, "result": "out"},
		map[string]any{"op": "return", "value": "out"},
	)

	res := mustRun(t, program, nil, RunOptions{})
	require.Nil(t, res.Error)
	out := res.Result.(map[string]any)
	assert.Equal(t, []any{"a", "b"}, out["list"])
	assert.Equal(t, 2, out["n"])
}

func TestAtoms_ScopeDiscardsLocals(t *testing.T) {
	program := seq(
		map[string]any{"op": "varSet", "key": "outer", "value": lit("before")},
		map[string]any{
			"op": "scope",
			"steps": []any{
				map[string]any{"op": "varSet", "key": "inner", "value": lit("hidden")},
				map[string]any{"op": "varSet", "key": "outer", "value": lit("shadow")},
			},
		},
		map[string]any{"op": "varGet", "key": "inner", "result": "leaked"},
		map[string]any{"op": "varsExport", "keys": []any{"outer", "leaked"}, "result": "out"},
		map[string]any{"op": "return", "value": "out"},
	)

	res := mustRun(t, program, nil, RunOptions{})
	require.Nil(t, res.Error)
	out := res.Result.(map[string]any)
	assert.Equal(t, "before", out["outer"], "shadow write stays in the child frame")
	// varGet of a name that is no longer bound falls back to the literal key.
	assert.Equal(t, "inner", out["leaked"], "child locals are discarded")
}

func TestAtoms_StringObjectJSON(t *testing.T) {
	program := seq(
		map[string]any{"op": "split", "value": lit("a,b,c"), "separator": lit(","), "result": "parts"},
		map[string]any{"op": "join", "items": "parts", "separator": lit("-"), "result": "joined"},
		map[string]any{
			"op":       "template",
			"template": "hello {{name}}, you have {{count}} messages",
			"vars":     map[string]any{"name": lit("ada"), "count": lit(3)},
			"result":   "greeting",
		},
		map[string]any{"op": "varSet", "key": "obj", "value": lit(map[string]any{"a": float64(1), "b": float64(2), "c": float64(3)})},
		map[string]any{"op": "pick", "value": "obj", "keys": []any{"a", "c"}, "result": "picked"},
		map[string]any{"op": "merge", "values": lit([]any{map[string]any{"x": float64(1)}, map[string]any{"y": float64(2)}}), "result": "merged"},
		map[string]any{"op": "keys", "value": "obj", "result": "names"},
		map[string]any{"op": "jsonStringify", "value": "picked", "result": "encoded"},
		map[string]any{"op": "jsonParse", "value": "encoded", "result": "decoded"},
		map[string]any{"op": "varsExport", "keys": []any{"parts", "joined", "greeting", "picked", "merged", "names", "decoded"}, "result": "out"},
		map[string]any{"op": "return", "value": "out"},
	)

	res := mustRun(t, program, nil, RunOptions{})
	require.Nil(t, res.Error)
	out := res.Result.(map[string]any)
	assert.Equal(t, []any{"a", "b", "c"}, out["parts"])
	assert.Equal(t, "a-b-c", out["joined"])
	assert.Equal(t, "hello ada, you have 3 messages", out["greeting"])
	assert.Equal(t, map[string]any{"a": float64(1), "c": float64(3)}, out["picked"])
	assert.Equal(t, map[string]any{"x": float64(1), "y": float64(2)}, out["merged"])
	assert.Equal(t, []any{"a", "b", "c"}, out["names"])
	assert.Equal(t, out["picked"], out["decoded"], "jsonParse(jsonStringify(x)) round-trips")
}

func TestAtoms_RegexMatch(t *testing.T) {
	program := seq(
		map[string]any{"op": "regexMatch", "value": lit("order-1234"), "pattern": `order-(\d+)`, "result": "m"},
		map[string]any{"op": "return", "value": "m"},
	)

	res := mustRun(t, program, nil, RunOptions{})
	require.Nil(t, res.Error)
	assert.Equal(t, []any{"order-1234", "1234"}, res.Result)
}

func TestAtoms_RegexMatchGlobal(t *testing.T) {
	program := seq(
		map[string]any{"op": "regexMatch", "value": lit("a1 b2 c3"), "pattern": `[a-z]\d`, "flags": "g", "result": "m"},
		map[string]any{"op": "return", "value": "m"},
	)

	res := mustRun(t, program, nil, RunOptions{})
	require.Nil(t, res.Error)
	assert.Equal(t, []any{"a1", "b2", "c3"}, res.Result)
}

func TestAtoms_ResultConstBinding(t *testing.T) {
	program := seq(
		map[string]any{"op": "varGet", "key": "x", "result": "y", "resultConst": true},
		map[string]any{"op": "varSet", "key": "y", "value": lit(2)},
	)

	res, err := New().Run(context.Background(), program, map[string]any{}, RunOptions{})
	require.NoError(t, err)
	// varGet of an unbound key returns the literal string; the binding is
	// const so the following varSet must fail.
	require.NotNil(t, res.Error)
	assert.Contains(t, res.Error.Message, "Const Violation")
}

func TestAtoms_MonadicSkipAfterError(t *testing.T) {
	hits := 0
	engine := New(WithAtom(&Atom{
		Op:   "probe",
		Cost: 0.1,
		Fn: func(*Context, map[string]any) (any, error) {
			hits++
			return nil, nil
		},
	}))

	program := seq(
		map[string]any{"op": "Error", "message": lit("stop")},
		map[string]any{"op": "probe"},
		map[string]any{"op": "probe"},
	)
	res, err := engine.Run(context.Background(), program, nil, RunOptions{})
	require.NoError(t, err)
	require.NotNil(t, res.Error)
	assert.Zero(t, hits, "atoms after an error are no-ops")
}

func TestAtoms_TimeoutRace(t *testing.T) {
	engine := New(WithAtom(&Atom{
		Op:        "slow",
		Cost:      0.1,
		TimeoutMs: 20,
		Fn: func(c *Context, _ map[string]any) (any, error) {
			select {
			case <-time.After(500 * time.Millisecond):
			case <-c.Ctx().Done():
			}
			return "done", nil
		},
	}))

	program := seq(map[string]any{"op": "slow", "result": "r"})
	started := time.Now()
	res, err := engine.Run(context.Background(), program, nil, RunOptions{})
	require.NoError(t, err)
	require.NotNil(t, res.Error)
	assert.Contains(t, res.Error.Message, "timed out")
	assert.Less(t, time.Since(started), 400*time.Millisecond)
}

func TestAtoms_PanicBecomesMonadicError(t *testing.T) {
	engine := New(WithAtom(&Atom{
		Op:   "explode",
		Cost: 0.1,
		Fn: func(*Context, map[string]any) (any, error) {
			panic("kaboom")
		},
	}))

	res, err := engine.Run(context.Background(), seq(map[string]any{"op": "explode"}), nil, RunOptions{})
	require.NoError(t, err)
	require.NotNil(t, res.Error)
	assert.Contains(t, res.Error.Message, "kaboom")
}

func TestAtoms_InputSchemaValidation(t *testing.T) {
	// varSet without its required key field.
	res := mustRun(t, seq(map[string]any{"op": "varSet", "value": lit(1)}), nil, RunOptions{})
	require.NotNil(t, res.Error)
	assert.Contains(t, res.Error.Message, "Validation Error")
}
