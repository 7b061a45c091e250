package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEngineLazyCreateAndSeed(t *testing.T) {
	e := NewEngine()

	_, ok := e.Lookup("r1", "main.py")
	assert.False(t, ok)

	doc := e.Open("r1", "main.py", "# Write your Python code here\n")
	assert.Equal(t, "# Write your Python code here\n", doc.Text())

	// Reopening returns the same document, seed is not repeated.
	again := e.Open("r1", "main.py", "different seed")
	assert.Same(t, doc, again)
	assert.Equal(t, "# Write your Python code here\n", again.Text())

	assert.Equal(t, 1, e.DocCount("r1"))
}

func TestEngineDropRoom(t *testing.T) {
	e := NewEngine()
	e.Open("r1", "a.py", "a")
	e.Open("r1", "b.py", "b")
	other := e.Open("r2", "a.py", "untouched")

	e.DropRoom("r1")

	assert.Equal(t, 0, e.DocCount("r1"))
	_, ok := e.Lookup("r1", "a.py")
	assert.False(t, ok)

	// Other rooms keep their committed state.
	got, ok := e.Lookup("r2", "a.py")
	assert.True(t, ok)
	assert.Same(t, other, got)
	assert.Equal(t, "untouched", got.Text())
}
