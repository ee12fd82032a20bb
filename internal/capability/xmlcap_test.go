package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestXMLParser_Parse(t *testing.T) {
	parser := NewXMLParser()

	out, err := parser.Parse(`<order id="42"><item qty="2">widget</item><note/></order>`)
	require.NoError(t, err)

	root, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "order", root["tag"])
	assert.Equal(t, map[string]any{"id": "42"}, root["attributes"])

	children, ok := root["children"].([]any)
	require.True(t, ok)
	require.Len(t, children, 2)

	item := children[0].(map[string]any)
	assert.Equal(t, "item", item["tag"])
	assert.Equal(t, "widget", item["text"])
	assert.Equal(t, map[string]any{"qty": "2"}, item["attributes"])

	note := children[1].(map[string]any)
	assert.Equal(t, "note", note["tag"])
	_, hasText := note["text"]
	assert.False(t, hasText)
}

func TestXMLParser_Invalid(t *testing.T) {
	parser := NewXMLParser()
	_, err := parser.Parse(`<unclosed>`)
	require.Error(t, err)
}
