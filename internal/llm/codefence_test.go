package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractCodeBlockReturnsLongest(t *testing.T) {
	text := "short:\n```python\nx = 1\n```\nlong:\n```python\ndef f():\n    return 1\n```\n"
	got := ExtractCodeBlock(text)
	assert.Equal(t, "def f():\n    return 1", got)
}

func TestExtractCodeBlockStripsIsolatedFence(t *testing.T) {
	text := "```python\ndef f():\n    return 1\n"
	got := ExtractCodeBlock(text)
	assert.Equal(t, "def f():\n    return 1", got)
}

func TestExtractCodeBlockFallsBackToTrimmedText(t *testing.T) {
	text := "  plain text, no fences  "
	got := ExtractCodeBlock(text)
	assert.Equal(t, "plain text, no fences", got)
}
