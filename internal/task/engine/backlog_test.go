package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func valueTask(v any) Task {
	return func(context.Context) (any, error) { return v, nil }
}

func TestBacklogFIFO(t *testing.T) {
	b := newBacklog()
	assert.False(t, b.set("a", valueTask(1)))
	assert.False(t, b.set("b", valueTask(2)))
	assert.False(t, b.set("c", valueTask(3)))
	assert.Equal(t, []string{"a", "b", "c"}, b.ids())

	id, _, ok := b.shift()
	require.True(t, ok)
	assert.Equal(t, "a", id)
	assert.Equal(t, 2, b.len())
}

func TestBacklogOverwriteKeepsPosition(t *testing.T) {
	b := newBacklog()
	b.set("a", valueTask("old"))
	b.set("b", valueTask("b"))
	assert.True(t, b.set("a", valueTask("new")))

	assert.Equal(t, 2, b.len())
	assert.Equal(t, []string{"a", "b"}, b.ids())

	id, task, ok := b.shift()
	require.True(t, ok)
	assert.Equal(t, "a", id)
	v, err := task(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new", v)
}

func TestBacklogReinsertAfterShiftGoesToBack(t *testing.T) {
	b := newBacklog()
	b.set("a", valueTask(1))
	b.set("b", valueTask(2))
	b.shift()
	assert.False(t, b.set("a", valueTask(3)))
	assert.Equal(t, []string{"b", "a"}, b.ids())
}

func TestBacklogClear(t *testing.T) {
	b := newBacklog()
	b.set("a", valueTask(1))
	b.set("b", valueTask(2))

	assert.Equal(t, 2, b.clear())
	assert.Equal(t, 0, b.len())
	_, _, ok := b.shift()
	assert.False(t, ok)
	assert.False(t, b.set("a", valueTask(1)), "cleared ids must be insertable again")
}
