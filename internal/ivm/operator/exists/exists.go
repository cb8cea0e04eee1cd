// Copyright (c) 2026 Relsync. All rights reserved.

/*
Package exists implements the Exists/NotExists relationship-membership
operator.

Core Responsibility:

  - Exists: filters parent rows by whether a named relationship on the
    parent Node is empty or non-empty, caching the observed relationship
    size per parent in caller-supplied [storage.Storage] so an incremental
    push on the relationship can flip the parent's inclusion without a
    re-fetch.
*/
package exists

import (
	"sort"
	"strings"

	"github.com/relsync/relsync/internal/ivm/change"
	"github.com/relsync/relsync/internal/ivm/op"
	"github.com/relsync/relsync/internal/ivm/row"
	"github.com/relsync/relsync/internal/ivm/storage"
)

// Mode selects EXISTS or NOT_EXISTS semantics.
type Mode int

const (
	// Exists keeps parent rows whose relationship is non-empty.
	Exists Mode = iota
	// NotExists keeps parent rows whose relationship is empty.
	NotExists
)

// Operator filters upstream parent Nodes by relationship membership.
type Operator struct {
	upstream     op.Input
	relationship string
	mode         Mode
	store        storage.Storage
	output       op.Output
}

// New wraps upstream, keeping only parent Nodes whose relationship
// membership matches mode.
func New(upstream op.Input, relationship string, mode Mode, store storage.Storage) *Operator {
	e := &Operator{upstream: upstream, relationship: relationship, mode: mode, store: store}
	upstream.SetOutput(e)
	return e
}

func (e *Operator) relationshipSize(n row.Node) int {
	stream, ok := n.Relationships[e.relationship]
	if !ok {
		return 0
	}
	size := 0
	it := stream()
	for {
		_, more := it.Next()
		if !more {
			break
		}
		size++
	}
	return size
}

func (e *Operator) included(size int) bool {
	if e.mode == Exists {
		return size > 0
	}
	return size == 0
}

// parentKey builds a deterministic cache key from every column of n.Row —
// the relationship is keyed by the full parent row since the operator's
// configured join/parent key columns are not visible at this layer.
func parentKey(n row.Node) string {
	cols := make([]string, 0, len(n.Row))
	for col := range n.Row {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	var b strings.Builder
	for _, col := range cols {
		b.WriteString(col)
		b.WriteByte('=')
		b.WriteString(n.Row[col].Key())
		b.WriteByte(';')
	}
	return b.String()
}

// Fetch implements [op.Input]: evaluates and caches each parent's
// relationship size as it streams through.
func (e *Operator) Fetch(req op.FetchRequest) op.ItemIterator {
	upstream := op.Nodes(e.upstream.Fetch(req))
	var kept []row.Node
	for _, n := range upstream {
		size := e.relationshipSize(n)
		e.store.Set(parentKey(n), size)
		if e.included(size) {
			kept = append(kept, n)
		}
	}
	return op.NewItemIterator(kept)
}

// Cleanup implements [op.Input]: like Fetch, but drops the cached sizes
// for the parents streamed, since the downstream consumer is releasing
// its own cache for this subtree.
func (e *Operator) Cleanup(req op.FetchRequest) op.ItemIterator {
	upstream := op.Nodes(e.upstream.Cleanup(req))
	var kept []row.Node
	for _, n := range upstream {
		size := e.relationshipSize(n)
		e.store.Delete(parentKey(n))
		if e.included(size) {
			kept = append(kept, n)
		}
	}
	return op.NewItemIterator(kept)
}

// SetOutput implements [op.Input].
func (e *Operator) SetOutput(out op.Output) { e.output = out }

// Destroy implements [op.Input].
func (e *Operator) Destroy() { e.upstream.Destroy() }

// Schema implements [op.Input].
func (e *Operator) Schema() *row.SourceSchema { return e.upstream.Schema() }

// Push implements [op.Output].
//
//   - add/remove at the parent level: re-evaluate membership and cache it,
//     passing the change through only if the parent qualifies.
//   - edit at the parent level: membership is relationship-driven, not
//     row-content-driven, so an edit passes through iff the parent
//     currently qualifies (its cached size is unaffected by a same-row
//     edit).
//   - child: a relationship-level delta. Update the cached size by the
//     delta's net effect and flip inclusion (emit add/remove) exactly when
//     crossing the zero boundary; otherwise forward the child change
//     unchanged to a currently-included parent.
func (e *Operator) Push(c change.Change) {
	if e.output == nil {
		return
	}

	switch c.Kind {
	case change.Add:
		size := e.relationshipSize(c.Node)
		e.store.Set(parentKey(c.Node), size)
		if e.included(size) {
			e.output.Push(c)
		}

	case change.Remove:
		size, _ := e.store.Get(parentKey(c.Node))
		e.store.Delete(parentKey(c.Node))
		if n, ok := size.(int); ok && e.included(n) {
			e.output.Push(c)
		}

	case change.Edit:
		// The cache is keyed by the full row, so the size moves to the
		// edited row's key.
		oldKey := parentKey(c.OldNode)
		size, _ := e.store.Get(oldKey)
		n, _ := size.(int)
		e.store.Delete(oldKey)
		e.store.Set(parentKey(c.Node), n)
		if e.included(n) {
			e.output.Push(c)
		}

	case change.Child:
		key := parentKey(c.Node)
		prevAny, _ := e.store.Get(key)
		prev, _ := prevAny.(int)
		next := prev + childDelta(c.Child.Change)
		e.store.Set(key, next)

		wasIn, isIn := e.included(prev), e.included(next)
		switch {
		case !wasIn && isIn:
			e.output.Push(change.NewAdd(c.Node))
		case wasIn && !isIn:
			e.output.Push(change.NewRemove(c.Node))
		case wasIn && isIn:
			e.output.Push(c)
		}
	}
}

// childDelta reports the net effect of a relationship-level change on its
// cardinality: +1 for an add crossing in, -1 for a remove crossing out, 0
// for an edit (cardinality-neutral) or a nested child change.
func childDelta(c change.Change) int {
	switch c.Kind {
	case change.Add:
		return 1
	case change.Remove:
		return -1
	default:
		return 0
	}
}
