package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchema_Validate(t *testing.T) {
	s := SchemaFromMap(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name":  map[string]any{"type": "string"},
			"count": map[string]any{"type": "number"},
			"tags":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
		"required": []any{"name"},
	})

	require.NoError(t, s.Validate(map[string]any{"name": "x", "count": float64(2), "tags": []any{"a"}}))
	require.NoError(t, s.Validate(map[string]any{"name": "x"}))
	require.Error(t, s.Validate(map[string]any{"count": float64(2)}), "missing required property")
	require.Error(t, s.Validate(map[string]any{"name": 5}), "type mismatch")
	require.Error(t, s.Validate(map[string]any{"name": "x", "tags": []any{1}}), "item type mismatch")
	require.Error(t, s.Validate("not an object"))
}

func TestSchema_Enum(t *testing.T) {
	s := SchemaFromMap(map[string]any{"enum": []any{"red", "green"}})
	require.NoError(t, s.Validate("red"))
	require.Error(t, s.Validate("blue"))
}

func TestSchema_Filter(t *testing.T) {
	s := SchemaFromMap(map[string]any{
		"type":       "object",
		"properties": map[string]any{"keep": map[string]any{}},
	})
	out := s.Filter(map[string]any{"keep": 1, "drop": 2})
	assert.Equal(t, map[string]any{"keep": 1}, out)
}

func TestSchema_FromExample(t *testing.T) {
	s := SchemaFromExample(map[string]any{
		"name": "x",
		"n":    float64(1),
		"list": []any{true},
	})
	require.Equal(t, "object", s.Type)
	assert.Equal(t, "string", s.Properties["name"].Type)
	assert.Equal(t, "number", s.Properties["n"].Type)
	assert.Equal(t, "array", s.Properties["list"].Type)
	assert.Equal(t, "boolean", s.Properties["list"].Items.Type)
}

func TestSchema_RoundTrip(t *testing.T) {
	wire := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"a": map[string]any{"type": "string"},
		},
		"required": []any{"a"},
	}
	assert.Equal(t, wire, SchemaFromMap(wire).ToMap())
}
