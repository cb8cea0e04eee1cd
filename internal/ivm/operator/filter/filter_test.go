// Copyright (c) 2026 Relsync. All rights reserved.

package filter_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relsync/relsync/internal/ivm/change"
	"github.com/relsync/relsync/internal/ivm/op"
	"github.com/relsync/relsync/internal/ivm/operator/filter"
	"github.com/relsync/relsync/internal/ivm/row"
	"github.com/relsync/relsync/internal/ivm/source"
	"github.com/relsync/relsync/internal/ivm/value"
)

func tRow(a float64, b string) row.Row {
	return row.Row{"a": value.Number(a), "b": value.String(b)}
}

type captureOutput struct{ changes []change.Change }

func (c *captureOutput) Push(ch change.Change) { c.changes = append(c.changes, ch) }

// newScenario1Source builds spec.md §8 scenario 1's fixture: table t(a,b)
// PK {a}, seeded with the three given rows before any connection opens.
func newScenario1Source(t *testing.T) *source.Source {
	t.Helper()
	s := source.New("t", row.PrimaryKey{"a"}, nil)
	require.NoError(t, s.Push(change.NewSourceAdd(tRow(3, "foo"))))
	require.NoError(t, s.Push(change.NewSourceAdd(tRow(2, "bar"))))
	require.NoError(t, s.Push(change.NewSourceAdd(tRow(1, "foo"))))
	return s
}

func isFoo(r row.Row) bool { return value.Equal(r.Get("b"), value.String("foo")) }

func TestFilter_Scenario1_FilterOverSingleSource(t *testing.T) {
	s := newScenario1Source(t)
	conn, err := s.Connect(row.Ordering{{Column: "a"}}, nil, nil)
	require.NoError(t, err)

	f := filter.New(conn, isFoo)
	out := &captureOutput{}
	f.SetOutput(out)

	nodes := op.Nodes(f.Fetch(op.FetchRequest{}))
	require.Len(t, nodes, 2)
	assert.Equal(t, value.Number(1), nodes[0].Row.Get("a"))
	assert.Equal(t, value.Number(3), nodes[1].Row.Get("a"))

	require.NoError(t, s.Push(change.NewSourceAdd(tRow(5, "foo"))))
	require.Len(t, out.changes, 1)
	assert.Equal(t, change.Add, out.changes[0].Kind)
	assert.Equal(t, value.Number(5), out.changes[0].Node.Row.Get("a"))

	require.NoError(t, s.Push(change.NewSourceAdd(tRow(4, "bar"))))
	assert.Len(t, out.changes, 1, "a non-matching add must not reach the filter's output")

	require.NoError(t, s.Push(change.NewSourceRemove(tRow(3, "foo"))))
	require.Len(t, out.changes, 2)
	assert.Equal(t, change.Remove, out.changes[1].Kind)
	assert.Equal(t, value.Number(3), out.changes[1].Node.Row.Get("a"))
}

func TestFilter_EditCrossingBoundaryReframesAsAddOrRemove(t *testing.T) {
	s := source.New("t", row.PrimaryKey{"a"}, nil)
	require.NoError(t, s.Push(change.NewSourceAdd(tRow(1, "bar"))))
	conn, err := s.Connect(row.Ordering{{Column: "a"}}, nil, nil)
	require.NoError(t, err)

	f := filter.New(conn, isFoo)
	out := &captureOutput{}
	f.SetOutput(out)

	require.NoError(t, s.Push(change.NewSourceEdit(tRow(1, "bar"), tRow(1, "foo"))))
	require.Len(t, out.changes, 1)
	assert.Equal(t, change.Add, out.changes[0].Kind)

	require.NoError(t, s.Push(change.NewSourceEdit(tRow(1, "foo"), tRow(1, "baz"))))
	require.Len(t, out.changes, 2)
	assert.Equal(t, change.Remove, out.changes[1].Kind)
}

func TestFilter_EditStayingInsideBoundaryStaysAnEdit(t *testing.T) {
	s := source.New("t", row.PrimaryKey{"a"}, nil)
	require.NoError(t, s.Push(change.NewSourceAdd(tRow(1, "foo"))))
	conn, err := s.Connect(row.Ordering{{Column: "a"}}, nil, nil)
	require.NoError(t, err)

	f := filter.New(conn, isFoo)
	out := &captureOutput{}
	f.SetOutput(out)

	require.NoError(t, s.Push(change.NewSourceEdit(tRow(1, "foo"), tRow(1, "foo"))))
	require.Len(t, out.changes, 1)
	assert.Equal(t, change.Edit, out.changes[0].Kind)
}
