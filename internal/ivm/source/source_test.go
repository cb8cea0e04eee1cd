// Copyright (c) 2026 Relsync. All rights reserved.

package source

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relsync/relsync/internal/ivm/change"
	"github.com/relsync/relsync/internal/ivm/ivmerr"
	"github.com/relsync/relsync/internal/ivm/op"
	"github.com/relsync/relsync/internal/ivm/row"
	"github.com/relsync/relsync/internal/ivm/value"
)

func issueRow(id string, priority float64, title string) row.Row {
	return row.Row{
		"id":       value.String(id),
		"priority": value.Number(priority),
		"title":    value.String(title),
	}
}

func pkAscOrdering() row.Ordering {
	return row.Ordering{{Column: "id", Direction: row.Asc}}
}

// capturingOutput records every Change delivered to it, in order.
type capturingOutput struct {
	changes []change.Change
}

func (o *capturingOutput) Push(c change.Change) { o.changes = append(o.changes, c) }

func newTestSource() *Source {
	return New("issue", row.PrimaryKey{"id"}, nil)
}

func TestSource_ConnectRequiresPrimaryKeyInOrdering(t *testing.T) {
	s := newTestSource()
	_, err := s.Connect(row.Ordering{{Column: "priority"}}, nil, nil)
	require.Error(t, err)
	assert.Equal(t, ivmerr.InvariantViolation, ivmerr.As(err).Kind)
}

func TestSource_PushAddDeliversToAllConnections(t *testing.T) {
	s := newTestSource()
	conn1, err := s.Connect(pkAscOrdering(), nil, nil)
	require.NoError(t, err)
	conn2, err := s.Connect(pkAscOrdering(), nil, nil)
	require.NoError(t, err)

	out1, out2 := &capturingOutput{}, &capturingOutput{}
	conn1.SetOutput(out1)
	conn2.SetOutput(out2)

	require.NoError(t, s.Push(change.NewSourceAdd(issueRow("1", 1, "first"))))

	require.Len(t, out1.changes, 1)
	require.Len(t, out2.changes, 1)
	assert.Equal(t, change.Add, out1.changes[0].Kind)
	assert.Equal(t, value.String("first"), out1.changes[0].Node.Row.Get("title"))
}

func TestSource_PushAddOfExistingPrimaryKeyFails(t *testing.T) {
	s := newTestSource()
	require.NoError(t, s.Push(change.NewSourceAdd(issueRow("1", 1, "first"))))

	err := s.Push(change.NewSourceAdd(issueRow("1", 2, "dup")))
	require.Error(t, err)
	assert.Equal(t, ivmerr.InvariantViolation, ivmerr.As(err).Kind)
}

func TestSource_PushRemoveOfMissingRowFails(t *testing.T) {
	s := newTestSource()
	err := s.Push(change.NewSourceRemove(issueRow("ghost", 0, "")))
	require.Error(t, err)
	assert.Equal(t, ivmerr.InvariantViolation, ivmerr.As(err).Kind)
}

func TestSource_PushEditOfMissingRowFails(t *testing.T) {
	s := newTestSource()
	err := s.Push(change.NewSourceEdit(issueRow("ghost", 0, ""), issueRow("ghost", 1, "x")))
	require.Error(t, err)
	assert.Equal(t, ivmerr.InvariantViolation, ivmerr.As(err).Kind)
}

func TestSource_SetResolvesToAddThenEdit(t *testing.T) {
	s := newTestSource()
	conn, err := s.Connect(pkAscOrdering(), nil, nil)
	require.NoError(t, err)
	out := &capturingOutput{}
	conn.SetOutput(out)

	require.NoError(t, s.Push(change.NewSourceSet(issueRow("1", 1, "first"))))
	require.NoError(t, s.Push(change.NewSourceSet(issueRow("1", 2, "updated"))))

	require.Len(t, out.changes, 2)
	assert.Equal(t, change.Add, out.changes[0].Kind)
	assert.Equal(t, change.Edit, out.changes[1].Kind)
	assert.Equal(t, value.String("updated"), out.changes[1].Node.Row.Get("title"))
	assert.Equal(t, value.String("first"), out.changes[1].OldNode.Row.Get("title"))
}

func TestSource_FetchReflectsCommittedRows(t *testing.T) {
	s := newTestSource()
	require.NoError(t, s.Push(change.NewSourceAdd(issueRow("2", 2, "b"))))
	require.NoError(t, s.Push(change.NewSourceAdd(issueRow("1", 1, "a"))))

	conn, err := s.Connect(pkAscOrdering(), nil, nil)
	require.NoError(t, err)

	nodes := op.Nodes(conn.Fetch(op.FetchRequest{}))
	require.Len(t, nodes, 2)
	assert.Equal(t, value.String("1"), nodes[0].Row.Get("id"))
	assert.Equal(t, value.String("2"), nodes[1].Row.Get("id"))
}

func TestSource_FetchAppliesConnectionFilter(t *testing.T) {
	s := newTestSource()
	require.NoError(t, s.Push(change.NewSourceAdd(issueRow("1", 1, "low"))))
	require.NoError(t, s.Push(change.NewSourceAdd(issueRow("2", 5, "high"))))

	highPriority := func(r row.Row) bool { return r.Get("priority").Number() >= 5 }
	conn, err := s.Connect(pkAscOrdering(), highPriority, nil)
	require.NoError(t, err)

	nodes := op.Nodes(conn.Fetch(op.FetchRequest{}))
	require.Len(t, nodes, 1)
	assert.Equal(t, value.String("high"), nodes[0].Row.Get("title"))
}

func TestSource_FetchAppliesConstraintAndStartCursor(t *testing.T) {
	s := newTestSource()
	for i, id := range []string{"1", "2", "3", "4"} {
		require.NoError(t, s.Push(change.NewSourceAdd(issueRow(id, float64(i), "t"+id))))
	}
	conn, err := s.Connect(pkAscOrdering(), nil, nil)
	require.NoError(t, err)

	nodes := op.Nodes(conn.Fetch(op.FetchRequest{
		Start: &op.Start{Row: issueRow("2", 0, ""), Basis: op.After},
	}))
	require.Len(t, nodes, 2)
	assert.Equal(t, value.String("3"), nodes[0].Row.Get("id"))
	assert.Equal(t, value.String("4"), nodes[1].Row.Get("id"))

	nodes = op.Nodes(conn.Fetch(op.FetchRequest{
		Start: &op.Start{Row: issueRow("2", 0, ""), Basis: op.At},
	}))
	require.Len(t, nodes, 3)
	assert.Equal(t, value.String("2"), nodes[0].Row.Get("id"))

	nodes = op.Nodes(conn.Fetch(op.FetchRequest{
		Constraint: op.Constraint{"title": value.String("t3")},
	}))
	require.Len(t, nodes, 1)
	assert.Equal(t, value.String("3"), nodes[0].Row.Get("id"))
}

// TestSource_OverlayVisibleOnlyToAlreadyNotifiedConnections exercises the
// overlay rule directly: a connection currently being pushed to (and any
// connection notified earlier in the same push) sees the in-flight change
// on a concurrent Fetch; a connection not yet reached in the push does not.
func TestSource_OverlayVisibleOnlyToAlreadyNotifiedConnections(t *testing.T) {
	s := newTestSource()
	require.NoError(t, s.Push(change.NewSourceAdd(issueRow("1", 1, "seed"))))

	conn0, err := s.Connect(pkAscOrdering(), nil, nil)
	require.NoError(t, err)

	var conn1 *Connection
	var sawDuringPushToConn0, conn1SawDuringPushToConn0 int
	out0 := pushFn(func(c change.Change) {
		sawDuringPushToConn0 = len(op.Nodes(conn0.Fetch(op.FetchRequest{})))
		conn1SawDuringPushToConn0 = len(op.Nodes(conn1.Fetch(op.FetchRequest{})))
	})
	conn0.SetOutput(out0)

	conn1, err = s.Connect(pkAscOrdering(), nil, nil)
	require.NoError(t, err)
	var sawDuringPushToConn1 int
	out1 := pushFn(func(c change.Change) {
		sawDuringPushToConn1 = len(op.Nodes(conn1.Fetch(op.FetchRequest{})))
	})
	conn1.SetOutput(out1)

	require.NoError(t, s.Push(change.NewSourceAdd(issueRow("2", 2, "added"))))

	assert.Equal(t, 2, sawDuringPushToConn0, "conn0 is notified first and its own fetch mid-push must see the new row")
	assert.Equal(t, 1, conn1SawDuringPushToConn0, "conn1 is not yet reached while conn0 is notified, so it must not see the new row")
	assert.Equal(t, 2, sawDuringPushToConn1, "conn1's own fetch mid-push sees the new row through the overlay; it is committed only after all connections")

	assert.Nil(t, s.overlay, "overlay must be cleared once the push completes")
}

// pushFn adapts a function literal to [op.Output].
type pushFn func(change.Change)

func (f pushFn) Push(c change.Change) { f(c) }

func TestSource_SplitEditDeliversRemoveThenAdd(t *testing.T) {
	s := newTestSource()
	require.NoError(t, s.Push(change.NewSourceAdd(issueRow("1", 1, "alpha"))))

	conn, err := s.Connect(pkAscOrdering(), nil, []string{"title"})
	require.NoError(t, err)
	out := &capturingOutput{}
	conn.SetOutput(out)

	require.NoError(t, s.Push(change.NewSourceEdit(issueRow("1", 1, "alpha"), issueRow("1", 1, "beta"))))

	require.Len(t, out.changes, 2)
	assert.Equal(t, change.Remove, out.changes[0].Kind)
	assert.Equal(t, value.String("alpha"), out.changes[0].Node.Row.Get("title"))
	assert.Equal(t, change.Add, out.changes[1].Kind)
	assert.Equal(t, value.String("beta"), out.changes[1].Node.Row.Get("title"))
}

func TestSource_EditNotTouchingSplitKeysStaysWhole(t *testing.T) {
	s := newTestSource()
	require.NoError(t, s.Push(change.NewSourceAdd(issueRow("1", 1, "alpha"))))

	conn, err := s.Connect(pkAscOrdering(), nil, []string{"title"})
	require.NoError(t, err)
	out := &capturingOutput{}
	conn.SetOutput(out)

	require.NoError(t, s.Push(change.NewSourceEdit(issueRow("1", 1, "alpha"), issueRow("1", 9, "alpha"))))

	require.Len(t, out.changes, 1)
	assert.Equal(t, change.Edit, out.changes[0].Kind)
}

func TestSource_GenPushYieldsBetweenConnectionsThenCommits(t *testing.T) {
	s := newTestSource()
	conn1, err := s.Connect(pkAscOrdering(), nil, nil)
	require.NoError(t, err)
	conn2, err := s.Connect(pkAscOrdering(), nil, nil)
	require.NoError(t, err)
	out1, out2 := &capturingOutput{}, &capturingOutput{}
	conn1.SetOutput(out1)
	conn2.SetOutput(out2)

	it := s.GenPush(change.NewSourceAdd(issueRow("1", 1, "a")))

	item, ok := it.Next()
	require.True(t, ok)
	assert.True(t, item.IsYield)
	assert.Len(t, out1.changes, 1)
	assert.Empty(t, out2.changes)

	item, ok = it.Next()
	require.True(t, ok)
	assert.True(t, item.IsYield)
	assert.Len(t, out2.changes, 1)

	_, ok = it.Next()
	assert.False(t, ok, "final Next commits the change and signals exhaustion")

	nodes := op.Nodes(conn1.Fetch(op.FetchRequest{}))
	require.Len(t, nodes, 1)
}

func TestSource_ForkIsIndependentSnapshot(t *testing.T) {
	s := newTestSource()
	require.NoError(t, s.Push(change.NewSourceAdd(issueRow("1", 1, "a"))))

	forked := s.Fork()
	require.NoError(t, s.Push(change.NewSourceAdd(issueRow("2", 2, "b"))))

	assert.Len(t, forked.Snapshot(), 1, "fork must not observe pushes made to the original after forking")
	assert.Len(t, s.Snapshot(), 2)
}

func TestSource_DestroyDropsNonPrimaryIndexWhenUnreferenced(t *testing.T) {
	s := newTestSource()
	byPriority := row.Ordering{{Column: "priority", Direction: row.Asc}, {Column: "id", Direction: row.Asc}}
	conn, err := s.Connect(byPriority, nil, nil)
	require.NoError(t, err)

	sig := signature(byPriority)
	_, ok := s.indices[sig]
	require.True(t, ok)

	conn.Destroy()

	_, ok = s.indices[sig]
	assert.False(t, ok, "destroying the last connection over a non-primary index must drop it")
}
