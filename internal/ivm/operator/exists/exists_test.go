// Copyright (c) 2026 Relsync. All rights reserved.

package exists_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relsync/relsync/internal/ivm/change"
	"github.com/relsync/relsync/internal/ivm/op"
	"github.com/relsync/relsync/internal/ivm/operator/exists"
	"github.com/relsync/relsync/internal/ivm/row"
	"github.com/relsync/relsync/internal/ivm/storage"
	"github.com/relsync/relsync/internal/ivm/value"
)

// stubInput is a fixed, hand-built [op.Input] standing in for a real Join's
// parent level, so tests control each parent's relationship contents
// directly. It never pushes on its own; tests drive the operator under
// test directly via its Push method to simulate upstream deltas.
type stubInput struct {
	nodes  []row.Node
	output op.Output
}

func (s *stubInput) Fetch(op.FetchRequest) op.ItemIterator   { return op.NewItemIterator(s.nodes) }
func (s *stubInput) Cleanup(op.FetchRequest) op.ItemIterator { return op.NewItemIterator(s.nodes) }
func (s *stubInput) SetOutput(out op.Output)                 { s.output = out }
func (s *stubInput) Destroy()                                {}
func (s *stubInput) Schema() *row.SourceSchema               { return &row.SourceSchema{TableName: "parent"} }

func parentRow(id float64) row.Row { return row.Row{"id": value.Number(id)} }

func childStream(n int) row.ChildStream {
	return func() row.NodeIterator {
		nodes := make([]row.Node, n)
		for i := range nodes {
			nodes[i] = row.Node{Row: row.Row{"id": value.Number(float64(i))}}
		}
		return row.NewSliceIterator(nodes)
	}
}

func nodeWithChildren(id float64, n int) row.Node {
	return row.Node{
		Row:           parentRow(id),
		Relationships: map[string]row.ChildStream{"items": childStream(n)},
	}
}

type captureOutput struct{ changes []change.Change }

func (c *captureOutput) Push(ch change.Change) { c.changes = append(c.changes, ch) }

func TestExists_FetchKeepsOnlyParentsWithNonEmptyRelationship(t *testing.T) {
	upstream := &stubInput{nodes: []row.Node{
		nodeWithChildren(1, 2),
		nodeWithChildren(2, 0),
		nodeWithChildren(3, 1),
	}}
	store := storage.NewMemory()
	e := exists.New(upstream, "items", exists.Exists, store)

	nodes := op.Nodes(e.Fetch(op.FetchRequest{}))
	require.Len(t, nodes, 2)
	assert.Equal(t, value.Number(1), nodes[0].Row.Get("id"))
	assert.Equal(t, value.Number(3), nodes[1].Row.Get("id"))
}

func TestNotExists_FetchKeepsOnlyParentsWithEmptyRelationship(t *testing.T) {
	upstream := &stubInput{nodes: []row.Node{
		nodeWithChildren(1, 2),
		nodeWithChildren(2, 0),
	}}
	store := storage.NewMemory()
	e := exists.New(upstream, "items", exists.NotExists, store)

	nodes := op.Nodes(e.Fetch(op.FetchRequest{}))
	require.Len(t, nodes, 1)
	assert.Equal(t, value.Number(2), nodes[0].Row.Get("id"))
}

func TestExists_PushAddForwardsOnlyWhenRelationshipNonEmpty(t *testing.T) {
	upstream := &stubInput{}
	store := storage.NewMemory()
	e := exists.New(upstream, "items", exists.Exists, store)
	out := &captureOutput{}
	e.SetOutput(out)

	e.Push(change.NewAdd(nodeWithChildren(1, 0)))
	assert.Empty(t, out.changes, "a parent with no children must not pass Exists")

	e.Push(change.NewAdd(nodeWithChildren(2, 1)))
	require.Len(t, out.changes, 1)
	assert.Equal(t, change.Add, out.changes[0].Kind)
	assert.Equal(t, value.Number(2), out.changes[0].Node.Row.Get("id"))
}

func TestExists_PushRemoveForwardsOnlyIfCachedAsIncluded(t *testing.T) {
	upstream := &stubInput{}
	store := storage.NewMemory()
	e := exists.New(upstream, "items", exists.Exists, store)
	out := &captureOutput{}
	e.SetOutput(out)

	included := nodeWithChildren(1, 1)
	excluded := nodeWithChildren(2, 0)
	e.Push(change.NewAdd(included))
	e.Push(change.NewAdd(excluded))
	out.changes = nil

	e.Push(change.NewRemove(excluded))
	assert.Empty(t, out.changes, "removing a parent never forwarded as included must stay silent")

	e.Push(change.NewRemove(included))
	require.Len(t, out.changes, 1)
	assert.Equal(t, change.Remove, out.changes[0].Kind)
	assert.Equal(t, value.Number(1), out.changes[0].Node.Row.Get("id"))
}

// TestExists_ChildAddCrossingZeroBoundaryEmitsParentAdd exercises the
// cardinality-crossing case central to this operator: a parent with zero
// children is excluded from Exists output; once its relationship gains its
// first child, the parent itself must be emitted as an Add.
func TestExists_ChildAddCrossingZeroBoundaryEmitsParentAdd(t *testing.T) {
	upstream := &stubInput{}
	store := storage.NewMemory()
	e := exists.New(upstream, "items", exists.Exists, store)
	out := &captureOutput{}
	e.SetOutput(out)

	parent := nodeWithChildren(1, 0)
	e.Push(change.NewAdd(parent))
	assert.Empty(t, out.changes)

	childAdd := change.NewChild(parent, "items", change.NewAdd(row.Node{Row: row.Row{"id": value.Number(0)}}))
	e.Push(childAdd)

	require.Len(t, out.changes, 1)
	assert.Equal(t, change.Add, out.changes[0].Kind)
	assert.Equal(t, value.Number(1), out.changes[0].Node.Row.Get("id"))
}

// TestExists_ChildRemoveCrossingZeroBoundaryEmitsParentRemove is the mirror
// case: a parent with exactly one child loses it and must itself be
// emitted as a Remove from Exists output.
func TestExists_ChildRemoveCrossingZeroBoundaryEmitsParentRemove(t *testing.T) {
	upstream := &stubInput{}
	store := storage.NewMemory()
	e := exists.New(upstream, "items", exists.Exists, store)
	out := &captureOutput{}
	e.SetOutput(out)

	parent := nodeWithChildren(1, 1)
	e.Push(change.NewAdd(parent))
	require.Len(t, out.changes, 1)
	out.changes = nil

	childRemove := change.NewChild(parent, "items", change.NewRemove(row.Node{Row: row.Row{"id": value.Number(0)}}))
	e.Push(childRemove)

	require.Len(t, out.changes, 1)
	assert.Equal(t, change.Remove, out.changes[0].Kind)
	assert.Equal(t, value.Number(1), out.changes[0].Node.Row.Get("id"))
}

// TestExists_ChildChangeStayingIncludedPassesThrough covers a parent that
// remains included on both sides of a child delta (e.g. 2 children -> 1):
// the Child change passes through unchanged rather than being reframed.
func TestExists_ChildChangeStayingIncludedPassesThrough(t *testing.T) {
	upstream := &stubInput{}
	store := storage.NewMemory()
	e := exists.New(upstream, "items", exists.Exists, store)
	out := &captureOutput{}
	e.SetOutput(out)

	parent := nodeWithChildren(1, 2)
	e.Push(change.NewAdd(parent))
	out.changes = nil

	childRemove := change.NewChild(parent, "items", change.NewRemove(row.Node{Row: row.Row{"id": value.Number(0)}}))
	e.Push(childRemove)

	require.Len(t, out.changes, 1)
	assert.Equal(t, change.Child, out.changes[0].Kind)
}

func TestNotExists_ChildAddCrossingZeroBoundaryEmitsParentRemove(t *testing.T) {
	upstream := &stubInput{}
	store := storage.NewMemory()
	e := exists.New(upstream, "items", exists.NotExists, store)
	out := &captureOutput{}
	e.SetOutput(out)

	parent := nodeWithChildren(1, 0)
	e.Push(change.NewAdd(parent))
	require.Len(t, out.changes, 1)
	assert.Equal(t, change.Add, out.changes[0].Kind)
	out.changes = nil

	childAdd := change.NewChild(parent, "items", change.NewAdd(row.Node{Row: row.Row{"id": value.Number(0)}}))
	e.Push(childAdd)

	require.Len(t, out.changes, 1)
	assert.Equal(t, change.Remove, out.changes[0].Kind)
}
