// Copyright (c) 2026 Relsync. All rights reserved.

/*
Package filter implements the stateless predicate operator: Filter.

Core Responsibility:

  - Filter: wraps an upstream [op.Input], exposing only rows matching a
    predicate, translating upstream pushes into the correct add/remove/edit
    framing for the boundary a row crosses.
*/
package filter

import (
	"github.com/relsync/relsync/internal/ivm/change"
	"github.com/relsync/relsync/internal/ivm/op"
	"github.com/relsync/relsync/internal/ivm/row"
)

// Filter is a stateless predicate operator over an upstream [op.Input].
type Filter struct {
	upstream  op.Input
	predicate op.Predicate
	output    op.Output
}

// New wraps upstream, exposing only rows for which predicate returns true.
// If upstream implements [op.FilterPushdown] and reports the predicate is
// already fully applied, callers should elide this operator entirely
// rather than constructing it — New does not make that decision itself, to
// keep the planner's elision logic out of the operator.
func New(upstream op.Input, predicate op.Predicate) *Filter {
	f := &Filter{upstream: upstream, predicate: predicate}
	upstream.SetOutput(f)
	return f
}

// # op.Input

// Fetch implements [op.Input]: delegates to upstream and drops non-matching
// rows. Upstream already applies its own constraint; Filter only adds its
// predicate on top.
func (f *Filter) Fetch(req op.FetchRequest) op.ItemIterator {
	return &filteredIterator{upstream: f.upstream.Fetch(req), predicate: f.predicate}
}

// Cleanup implements [op.Input]. Filter holds no state of its own, so it
// forwards unchanged.
func (f *Filter) Cleanup(req op.FetchRequest) op.ItemIterator {
	return &filteredIterator{upstream: f.upstream.Cleanup(req), predicate: f.predicate}
}

// SetOutput implements [op.Input].
func (f *Filter) SetOutput(out op.Output) { f.output = out }

// Destroy implements [op.Input].
func (f *Filter) Destroy() { f.upstream.Destroy() }

// Schema implements [op.Input]. Filter does not change the row shape.
func (f *Filter) Schema() *row.SourceSchema { return f.upstream.Schema() }

// # op.Output

// Push implements [op.Output]: receives a Change from upstream and
// reframes it at the filter boundary per spec: false→false drops,
// false→true emits add, true→false emits remove, true→true of an edit
// emits edit, and child changes pass through unconditionally since a
// Filter never inspects descendants.
func (f *Filter) Push(c change.Change) {
	if f.output == nil {
		return
	}

	switch c.Kind {
	case change.Add:
		if f.predicate(c.Node.Row) {
			f.output.Push(c)
		}

	case change.Remove:
		if f.predicate(c.Node.Row) {
			f.output.Push(c)
		}

	case change.Edit:
		wasIn := f.predicate(c.OldNode.Row)
		isIn := f.predicate(c.Node.Row)
		switch {
		case !wasIn && isIn:
			f.output.Push(change.NewAdd(c.Node))
		case wasIn && !isIn:
			f.output.Push(change.NewRemove(c.OldNode))
		case wasIn && isIn:
			f.output.Push(c)
		}
		// !wasIn && !isIn: dropped.

	case change.Child:
		f.output.Push(c)
	}
}

// filteredIterator adapts an upstream [op.ItemIterator], skipping Nodes
// that fail predicate and passing Yield items through untouched.
type filteredIterator struct {
	upstream  op.ItemIterator
	predicate op.Predicate
}

func (it *filteredIterator) Next() (op.Item, bool) {
	for {
		item, ok := it.upstream.Next()
		if !ok {
			return op.Item{}, false
		}
		if item.IsYield || it.predicate(item.Node.Row) {
			return item, true
		}
	}
}
