// Copyright (c) 2026 Relsync. All rights reserved.

package window_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relsync/relsync/internal/ivm/change"
	"github.com/relsync/relsync/internal/ivm/op"
	"github.com/relsync/relsync/internal/ivm/operator/window"
	"github.com/relsync/relsync/internal/ivm/row"
	"github.com/relsync/relsync/internal/ivm/source"
	"github.com/relsync/relsync/internal/ivm/storage"
	"github.com/relsync/relsync/internal/ivm/value"
)

func letterRow(a string) row.Row { return row.Row{"a": value.String(a)} }

func newLetterSource() *source.Source {
	return source.New("t", row.PrimaryKey{"a"}, nil)
}

type captureOutput struct{ changes []change.Change }

func (c *captureOutput) Push(ch change.Change) { c.changes = append(c.changes, ch) }

func (c *captureOutput) kinds() []change.Kind {
	out := make([]change.Kind, len(c.changes))
	for i, ch := range c.changes {
		out[i] = ch.Kind
	}
	return out
}

// TestTake_Scenario3_TakeWithLimit exercises spec.md §8 scenario 3 exactly.
func TestTake_Scenario3_TakeWithLimit(t *testing.T) {
	s := newLetterSource()
	conn, err := s.Connect(row.Ordering{{Column: "a"}}, nil, []string{"a"})
	require.NoError(t, err)

	take := window.NewTake(conn, 3, storage.NewMemory())
	out := &captureOutput{}
	take.SetOutput(out)

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, s.Push(change.NewSourceAdd(letterRow(id))))
	}

	nodes := op.Nodes(take.Fetch(op.FetchRequest{}))
	require.Len(t, nodes, 3)
	assert.Equal(t, value.String("a"), nodes[0].Row.Get("a"))
	assert.Equal(t, value.String("c"), nodes[2].Row.Get("a"))

	out.changes = nil
	require.NoError(t, s.Push(change.NewSourceRemove(letterRow("b"))))

	require.Len(t, out.changes, 2)
	assert.Equal(t, []change.Kind{change.Remove, change.Add}, out.kinds())
	assert.Equal(t, value.String("b"), out.changes[0].Node.Row.Get("a"))
	assert.Equal(t, value.String("d"), out.changes[1].Node.Row.Get("a"))

	final := op.Nodes(take.Fetch(op.FetchRequest{}))
	require.Len(t, final, 3)
	assert.Equal(t, value.String("a"), final[0].Row.Get("a"))
	assert.Equal(t, value.String("c"), final[1].Row.Get("a"))
	assert.Equal(t, value.String("d"), final[2].Row.Get("a"))
}

func TestTake_AddPastWindowHasNoEffect(t *testing.T) {
	s := newLetterSource()
	conn, err := s.Connect(row.Ordering{{Column: "a"}}, nil, []string{"a"})
	require.NoError(t, err)

	take := window.NewTake(conn, 2, storage.NewMemory())
	out := &captureOutput{}
	take.SetOutput(out)

	require.NoError(t, s.Push(change.NewSourceAdd(letterRow("a"))))
	require.NoError(t, s.Push(change.NewSourceAdd(letterRow("b"))))
	_ = op.Nodes(take.Fetch(op.FetchRequest{}))

	out.changes = nil
	require.NoError(t, s.Push(change.NewSourceAdd(letterRow("z"))))
	assert.Empty(t, out.changes, "an add sorting after the window bound must not affect the window")
}

func TestSkip_DropsRowsBeforeBound(t *testing.T) {
	s := newLetterSource()
	conn, err := s.Connect(row.Ordering{{Column: "a"}}, nil, nil)
	require.NoError(t, err)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Push(change.NewSourceAdd(letterRow(id))))
	}

	skip := window.NewSkip(conn, window.Bound{Row: letterRow("b"), Exclusive: true})
	nodes := op.Nodes(skip.Fetch(op.FetchRequest{}))
	require.Len(t, nodes, 1)
	assert.Equal(t, value.String("c"), nodes[0].Row.Get("a"))
}
