// Copyright (c) 2026 Relsync. All rights reserved.

/*
Package window implements the Skip and Take windowing operators.

Core Responsibility:

  - Skip: drops rows strictly before a bound according to the current sort;
    transparent to descendants.
  - Take: keeps the first N rows of the upstream's sorted output, tracking
    a `{size, bound}` pair per constraint partition in caller-supplied
    [storage.Storage].
*/
package window

import (
	"sort"
	"strings"

	"github.com/relsync/relsync/internal/ivm/change"
	"github.com/relsync/relsync/internal/ivm/op"
	"github.com/relsync/relsync/internal/ivm/row"
	"github.com/relsync/relsync/internal/ivm/storage"
)

// # Skip

// Bound anchors a Skip/Take window to a row under the operator's sort.
type Bound struct {
	Row       row.Row
	Exclusive bool
}

// Skip drops every upstream row sorting strictly before Bound, and is
// transparent to push-mode changes (it never changes which rows pass once
// established, since Bound is fixed at construction).
type Skip struct {
	upstream op.Input
	bound    Bound
	cmp      row.Comparator
	output   op.Output
}

// NewSkip wraps upstream, dropping every row before bound under upstream's
// own sort.
func NewSkip(upstream op.Input, bound Bound) *Skip {
	s := &Skip{upstream: upstream, bound: bound, cmp: upstream.Schema().Comparator}
	upstream.SetOutput(s)
	return s
}

func (s *Skip) passes(r row.Row) bool {
	c := s.cmp(r, s.bound.Row)
	if s.bound.Exclusive {
		return c > 0
	}
	return c >= 0
}

// Fetch implements [op.Input].
func (s *Skip) Fetch(req op.FetchRequest) op.ItemIterator {
	return &skipIterator{upstream: s.upstream.Fetch(req), passes: s.passes}
}

// Cleanup implements [op.Input].
func (s *Skip) Cleanup(req op.FetchRequest) op.ItemIterator {
	return &skipIterator{upstream: s.upstream.Cleanup(req), passes: s.passes}
}

// SetOutput implements [op.Input].
func (s *Skip) SetOutput(out op.Output) { s.output = out }

// Destroy implements [op.Input].
func (s *Skip) Destroy() { s.upstream.Destroy() }

// Schema implements [op.Input].
func (s *Skip) Schema() *row.SourceSchema { return s.upstream.Schema() }

// Push implements [op.Output]: a row on either side of the bound behaves
// exactly like [filter.Filter] with a "sorts at-or-after bound" predicate.
func (s *Skip) Push(c change.Change) {
	if s.output == nil {
		return
	}
	switch c.Kind {
	case change.Add, change.Remove:
		if s.passes(c.Node.Row) {
			s.output.Push(c)
		}
	case change.Edit:
		wasIn, isIn := s.passes(c.OldNode.Row), s.passes(c.Node.Row)
		switch {
		case !wasIn && isIn:
			s.output.Push(change.NewAdd(c.Node))
		case wasIn && !isIn:
			s.output.Push(change.NewRemove(c.OldNode))
		case wasIn && isIn:
			s.output.Push(c)
		}
	case change.Child:
		s.output.Push(c)
	}
}

type skipIterator struct {
	upstream op.ItemIterator
	passes   func(row.Row) bool
}

func (it *skipIterator) Next() (op.Item, bool) {
	for {
		item, ok := it.upstream.Next()
		if !ok {
			return op.Item{}, false
		}
		if item.IsYield || it.passes(item.Node.Row) {
			return item, true
		}
	}
}

// # Take

// windowState is the per-partition `{size, bound}` pair Take persists in
// [storage.Storage].
type windowState struct {
	Size  int
	Bound row.Row
}

// Take keeps the first Limit rows of upstream's sorted output.
type Take struct {
	upstream op.Input
	limit    int
	store    storage.Storage
	cmp      row.Comparator
	output   op.Output
}

// NewTake wraps upstream, keeping only its first limit rows. store holds
// the `{size, bound}` state per constraint partition (see partitionKey).
func NewTake(upstream op.Input, limit int, store storage.Storage) *Take {
	t := &Take{upstream: upstream, limit: limit, store: store, cmp: upstream.Schema().Comparator}
	upstream.SetOutput(t)
	return t
}

// partitionKey builds a deterministic storage key from a fetch's
// constraint, using each value's own [value.Value.Key] so it distinguishes
// every distinct constraint regardless of column order.
func partitionKey(c op.Constraint) string {
	if len(c) == 0 {
		return ""
	}
	cols := c.Columns()
	sort.Strings(cols)
	var b strings.Builder
	for _, col := range cols {
		b.WriteString(col)
		b.WriteByte('=')
		b.WriteString(c[col].Key())
		b.WriteByte(';')
	}
	return b.String()
}

func (t *Take) loadState(key string) (windowState, bool) {
	v, ok := t.store.Get(key)
	if !ok {
		return windowState{}, false
	}
	ws, ok := v.(windowState)
	return ws, ok
}

// Fetch implements [op.Input]: returns at most Limit rows and records the
// resulting `{size, bound}` under the request's constraint partition.
func (t *Take) Fetch(req op.FetchRequest) op.ItemIterator {
	upstream := op.Nodes(t.upstream.Fetch(req))
	if len(upstream) > t.limit {
		upstream = upstream[:t.limit]
	}

	ws := windowState{Size: len(upstream)}
	if len(upstream) > 0 {
		ws.Bound = upstream[len(upstream)-1].Row
	}
	t.store.Set(partitionKey(req.Constraint), ws)

	return op.NewItemIterator(upstream)
}

// Cleanup implements [op.Input]: like Fetch, but also drops the partition's
// stored window state since the downstream consumer is releasing it.
func (t *Take) Cleanup(req op.FetchRequest) op.ItemIterator {
	it := t.Fetch(req)
	t.store.Delete(partitionKey(req.Constraint))
	return it
}

// SetOutput implements [op.Input].
func (t *Take) SetOutput(out op.Output) { t.output = out }

// Destroy implements [op.Input].
func (t *Take) Destroy() { t.upstream.Destroy() }

// Schema implements [op.Input].
func (t *Take) Schema() *row.SourceSchema { return t.upstream.Schema() }

// Push implements [op.Output], applying spec.md §4.2.2's Take push rules.
// This implementation tracks a single unconstrained partition ("") —
// Take instances embedded under a constrained Join child key track their
// own partition via the constraint the Join supplies on each fetch, and
// push notifications always originate from the unconstrained root
// traversal of this operator's own upstream.
func (t *Take) Push(c change.Change) {
	if t.output == nil {
		return
	}

	key := partitionKey(nil)
	ws, ok := t.loadState(key)
	if !ok {
		// No window established yet for this partition: nothing to
		// maintain incrementally until a Fetch seeds it.
		return
	}

	switch c.Kind {
	case change.Add:
		t.pushAdd(c.Node, &ws, key)
	case change.Remove:
		t.pushRemove(c.Node, &ws, key)
	case change.Edit:
		// The Source splits ordering-affecting edits into remove+add via
		// splitEditKeys; an edit that reaches Take leaves the row's
		// position within the window unchanged, so it passes straight
		// through whenever the row is within the current window.
		if ws.Bound == nil || t.cmp(c.Node.Row, ws.Bound) <= 0 {
			t.output.Push(c)
		}
	case change.Child:
		if ws.Bound == nil || t.cmp(c.Node.Row, ws.Bound) <= 0 {
			t.output.Push(c)
		}
	}
}

func (t *Take) pushAdd(n row.Node, ws *windowState, key string) {
	if ws.Size < t.limit {
		// The window is not full, so it holds every upstream row already.
		ws.Size++
		if ws.Bound == nil || t.cmp(n.Row, ws.Bound) > 0 {
			ws.Bound = n.Row
		}
		t.store.Set(key, *ws)
		t.output.Push(change.NewAdd(n))
		return
	}

	if ws.Bound != nil && t.cmp(n.Row, ws.Bound) > 0 {
		// Past the current window: no effect.
		return
	}

	// Window is full: the new row displaces the current bound row, and the
	// row now at position Limit upstream becomes the bound.
	evicted := ws.Bound
	t.output.Push(change.NewRemove(row.Node{Row: evicted}))
	t.output.Push(change.NewAdd(n))
	if window := op.Nodes(t.upstream.Fetch(op.FetchRequest{})); len(window) >= t.limit {
		ws.Bound = window[t.limit-1].Row
	}
	t.store.Set(key, *ws)
}

func (t *Take) pushRemove(n row.Node, ws *windowState, key string) {
	if ws.Bound != nil && t.cmp(n.Row, ws.Bound) > 0 {
		// Outside the window: no effect.
		return
	}

	t.output.Push(change.NewRemove(n))
	ws.Size--

	refill := op.Nodes(t.upstream.Fetch(op.FetchRequest{
		Start: &op.Start{Row: ws.Bound, Basis: op.After},
	}))
	if len(refill) > 0 {
		next := refill[0]
		t.output.Push(change.NewAdd(next))
		ws.Bound = next.Row
		ws.Size++
	} else {
		// Nothing past the bound: the window is every remaining row.
		window := op.Nodes(t.upstream.Fetch(op.FetchRequest{}))
		ws.Size, ws.Bound = len(window), nil
		if len(window) > 0 {
			ws.Bound = window[len(window)-1].Row
		}
	}
	t.store.Set(key, *ws)
}
