package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resolveOK(t *testing.T, c *Context, v any) any {
	t.Helper()
	out, err := resolveValue(c, v)
	require.Nil(t, err)
	return out
}

func TestResolve_ArgReference(t *testing.T) {
	c := testContext(map[string]any{"name": "ada", "nested": map[string]any{"n": float64(1)}})

	assert.Equal(t, "ada", resolveOK(t, c, map[string]any{"$kind": "arg", "path": "name"}))
	assert.Equal(t, "ada", resolveOK(t, c, "args.name"))
	assert.Equal(t, float64(1), resolveOK(t, c, "args.nested.n"))
}

func TestResolve_DotPathThroughState(t *testing.T) {
	c := testContext(nil)
	c.scope.Set("user", map[string]any{"profile": map[string]any{"city": "Oslo"}})
	c.scope.Set("items", []any{"a", "b"})

	assert.Equal(t, "Oslo", resolveOK(t, c, "user.profile.city"))
	assert.Equal(t, "b", resolveOK(t, c, "items.1"))
	assert.Nil(t, resolveOK(t, c, "user.profile.country"), "absent intermediates yield absent")
	assert.Nil(t, resolveOK(t, c, "ghost.x"), "unbound roots yield absent")
}

func TestResolve_ForbiddenPathSegment(t *testing.T) {
	c := testContext(nil)
	c.scope.Set("obj", map[string]any{})

	_, err := resolveValue(c, "obj.__proto__")
	require.NotNil(t, err)
	assert.Regexp(t, `Security Error.*__proto__`, err.Message)

	_, err = resolveValue(c, "obj.prototype.x")
	require.NotNil(t, err)
}

func TestResolve_BareKeyFallsBackToLiteral(t *testing.T) {
	c := testContext(nil)
	c.scope.Set("bound", 42)

	assert.Equal(t, 42, resolveOK(t, c, "bound"))
	assert.Equal(t, "unbound", resolveOK(t, c, "unbound"))
}

func TestResolve_AggregateRecursion(t *testing.T) {
	c := testContext(map[string]any{"n": float64(7)})
	c.scope.Set("x", "state value")

	out := resolveOK(t, c, map[string]any{
		"direct": "x",
		"arg":    map[string]any{"$kind": "arg", "path": "n"},
		"list":   []any{"x", lit(1)},
	})
	assert.Equal(t, map[string]any{
		"direct": "state value",
		"arg":    float64(7),
		"list":   []any{"state value", 1},
	}, out)
}

func TestResolve_ExpressionNode(t *testing.T) {
	c := testContext(nil)
	assert.Equal(t, float64(3), resolveOK(t, c, bin("+", lit(1), lit(2))))
}

func TestResolve_NonStringPassthrough(t *testing.T) {
	c := testContext(nil)
	assert.Equal(t, 5, resolveOK(t, c, 5))
	assert.Equal(t, true, resolveOK(t, c, true))
	assert.Nil(t, resolveOK(t, c, nil))
}
