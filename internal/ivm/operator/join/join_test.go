// Copyright (c) 2026 Relsync. All rights reserved.

package join_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relsync/relsync/internal/ivm/change"
	"github.com/relsync/relsync/internal/ivm/op"
	"github.com/relsync/relsync/internal/ivm/operator/join"
	"github.com/relsync/relsync/internal/ivm/row"
	"github.com/relsync/relsync/internal/ivm/source"
	"github.com/relsync/relsync/internal/ivm/value"
)

func treeRow(id float64, name string, childID value.Value) row.Row {
	return row.Row{"id": value.Number(id), "name": value.String(name), "childID": childID}
}

// newScenario2Source builds spec.md §8 scenario 2's self-join fixture.
func newScenario2Source(t *testing.T) *source.Source {
	t.Helper()
	s := source.New("t", row.PrimaryKey{"id"}, nil)
	require.NoError(t, s.Push(change.NewSourceAdd(treeRow(1, "foo", value.Number(2)))))
	require.NoError(t, s.Push(change.NewSourceAdd(treeRow(2, "foobar", value.Null))))
	require.NoError(t, s.Push(change.NewSourceAdd(treeRow(3, "mon", value.Number(4)))))
	require.NoError(t, s.Push(change.NewSourceAdd(treeRow(4, "monkey", value.Null))))
	return s
}

func childIDs(t *testing.T, n row.Node) []float64 {
	t.Helper()
	stream, ok := n.Relationships["children"]
	require.True(t, ok)
	it := stream()
	var ids []float64
	for {
		c, ok := it.Next()
		if !ok {
			break
		}
		ids = append(ids, c.Row.Get("id").Number())
	}
	return ids
}

func newTreeJoin(t *testing.T, s *source.Source) *join.Join {
	t.Helper()
	parentConn, err := s.Connect(row.Ordering{{Column: "name"}, {Column: "id"}}, nil, nil)
	require.NoError(t, err)
	childConn, err := s.Connect(row.Ordering{{Column: "id"}}, nil, nil)
	require.NoError(t, err)

	return join.New(parentConn, childConn, join.Config{
		ParentKey:        []string{"childID"},
		ChildKey:         []string{"id"},
		RelationshipName: "children",
	})
}

type captureOutput struct{ changes []change.Change }

func (c *captureOutput) Push(ch change.Change) { c.changes = append(c.changes, ch) }

func TestJoin_Scenario2_SelfJoinTree(t *testing.T) {
	s := newScenario2Source(t)
	j := newTreeJoin(t, s)
	out := &captureOutput{}
	j.SetOutput(out)

	nodes := op.Nodes(j.Fetch(op.FetchRequest{}))
	require.Len(t, nodes, 4)

	byID := make(map[float64]row.Node, 4)
	for _, n := range nodes {
		byID[n.Row.Get("id").Number()] = n
	}

	assert.Equal(t, []float64{2}, childIDs(t, byID[1]))
	assert.Empty(t, childIDs(t, byID[2]))
	assert.Equal(t, []float64{4}, childIDs(t, byID[3]))
	assert.Empty(t, childIDs(t, byID[4]))

	require.NoError(t, s.Push(change.NewSourceAdd(treeRow(5, "chocolate", value.Number(2)))))

	require.Len(t, out.changes, 1, "only the parent-level add should be observable; no existing parent referenced child 5")
	assert.Equal(t, change.Add, out.changes[0].Kind)
	assert.Equal(t, value.Number(5), out.changes[0].Node.Row.Get("id"))
	assert.Equal(t, []float64{2}, childIDs(t, out.changes[0].Node))

	out.changes = nil
	require.NoError(t, s.Push(change.NewSourceRemove(treeRow(5, "chocolate", value.Number(2)))))
	require.Len(t, out.changes, 1)
	assert.Equal(t, change.Remove, out.changes[0].Kind)
	assert.Equal(t, value.Number(5), out.changes[0].Node.Row.Get("id"))
}

// TestJoin_ChildPushNotifiesOnlyMatchingParents exercises the child-push
// contract directly. Editing row id=2's name reaches this self-join's
// parent connection (id=2 is itself a parent row: a plain Edit) and its
// child connection (id=2 is referenced by parent id=1's childID: a Child
// change on parent id=1) — both connections share the same underlying
// Source, so both fire from the single push.
func TestJoin_ChildPushNotifiesOnlyMatchingParents(t *testing.T) {
	s := newScenario2Source(t)
	j := newTreeJoin(t, s)
	out := &captureOutput{}
	j.SetOutput(out)

	require.NoError(t, s.Push(change.NewSourceEdit(
		treeRow(2, "foobar", value.Null),
		treeRow(2, "foobar2", value.Null),
	)))

	require.Len(t, out.changes, 2)
	assert.Equal(t, change.Edit, out.changes[0].Kind)
	assert.Equal(t, value.Number(2), out.changes[0].Node.Row.Get("id"))

	assert.Equal(t, change.Child, out.changes[1].Kind)
	assert.Equal(t, value.Number(1), out.changes[1].Node.Row.Get("id"))
	assert.Equal(t, "children", out.changes[1].Child.RelationshipName)
}
