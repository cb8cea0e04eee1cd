// Copyright (c) 2026 Relsync. All rights reserved.

/*
Package view implements ArrayView: an immutable, hierarchical
materialization of an operator graph's current rows, maintained
incrementally from its push stream.

Core Responsibility:

  - Entry: one materialized row plus its relationship children, carrying a
    hidden reference count and a stable identity string.
  - View: the root container. Buffers pushed Changes ([View.Push]) and
    applies them in one batch on [View.Flush], preserving object identity
    on every subtree the batch did not touch.
*/
package view

import (
	"sync"

	"github.com/relsync/relsync/internal/ivm/change"
	"github.com/relsync/relsync/internal/ivm/op"
	"github.com/relsync/relsync/internal/ivm/row"
)

// View maintains a materialized tree mirroring root's current rows.
type View struct {
	mu sync.Mutex

	root   op.Input
	schema *row.SourceSchema
	format *Format

	value     any // *Entry if format.Singular, else []*Entry
	loaded    bool
	pending   []change.Change
	listeners []func()
}

// New wires a View to root. format describes the cardinality (singular vs
// plural) of the root level and of every relationship reachable from it;
// a nil format defaults every level to plural.
func New(root op.Input, format *Format) *View {
	if format == nil {
		format = defaultFormat()
	}
	v := &View{root: root, schema: root.Schema(), format: format}
	root.SetOutput(v)
	return v
}

// Push implements [op.Output]: buffers c rather than applying it
// immediately. Call [View.Flush] to apply the batch and notify listeners
// once.
func (v *View) Push(c change.Change) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pending = append(v.pending, c)
}

// Flush applies every buffered Change in arrival order, then fires every
// registered listener exactly once. A no-op if nothing is pending.
func (v *View) Flush() {
	v.mu.Lock()
	if !v.loaded {
		v.loadLocked()
	}
	pending := v.pending
	v.pending = nil
	if len(pending) == 0 {
		v.mu.Unlock()
		return
	}

	needsReload := false
	for _, c := range pending {
		if !v.applyLocked(c) {
			needsReload = true
		}
	}
	if needsReload {
		v.loadLocked()
	}

	listeners := append([]func(){}, v.listeners...)
	v.mu.Unlock()

	for _, l := range listeners {
		if l != nil {
			l()
		}
	}
}

// Data returns the current materialized value (*Entry for a singular
// format, []*Entry otherwise), flushing any buffered changes first. Calling
// Data without ever having pushed is equivalent to an initial load.
func (v *View) Data() any {
	v.Flush()
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.value
}

// Subscribe registers fn to run after every [View.Flush] that applied at
// least one change. The returned cancel function removes it.
func (v *View) Subscribe(fn func()) (cancel func()) {
	v.mu.Lock()
	idx := len(v.listeners)
	v.listeners = append(v.listeners, fn)
	v.mu.Unlock()

	return func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		if idx < len(v.listeners) {
			v.listeners[idx] = nil
		}
	}
}

// loadLocked fully rebuilds the tree from root.Fetch. Called for the
// initial load and as the fallback when an incremental apply cannot
// express its result (see applyLocked's hidden-level note).
func (v *View) loadLocked() {
	nodes := op.Nodes(v.root.Fetch(op.FetchRequest{}))
	entries := buildLevel(nodes, v.schema, v.format)
	if v.format.Singular {
		if len(entries) > 0 {
			v.value = entries[0]
		} else {
			v.value = (*Entry)(nil)
		}
	} else {
		v.value = entries
	}
	v.loaded = true
}

// buildLevel materializes every Node in nodes under schema/format,
// collapsing any node whose schema is hidden by splicing its own
// relationships' entries directly into the result (spec.md §4.3's
// hidden-level collapse).
func buildLevel(nodes []row.Node, schema *row.SourceSchema, format *Format) []*Entry {
	var out []*Entry
	for _, n := range nodes {
		out = append(out, buildEntry(n, schema, format)...)
	}
	return out
}

func buildEntry(n row.Node, schema *row.SourceSchema, format *Format) []*Entry {
	if schema != nil && schema.IsHidden {
		var merged []*Entry
		for relName, stream := range n.Relationships {
			var childSchema *row.SourceSchema
			if schema.Relationships != nil {
				childSchema = schema.Relationships[relName]
			}
			childFormat := format.child(relName)
			merged = append(merged, buildLevel(drain(stream), childSchema, childFormat)...)
		}
		return merged
	}

	var pk row.PrimaryKey
	if schema != nil {
		pk = schema.PrimaryKey
	}
	e := &Entry{Row: n.Row, RefCount: 1, ID: identity(pk, n.Row), Children: map[string]any{}}
	for relName, stream := range n.Relationships {
		var childSchema *row.SourceSchema
		if schema != nil && schema.Relationships != nil {
			childSchema = schema.Relationships[relName]
		}
		cf := format.child(relName)
		childEntries := buildLevel(drain(stream), childSchema, cf)
		if cf.Singular {
			if len(childEntries) > 0 {
				e.Children[relName] = childEntries[0]
			} else {
				e.Children[relName] = (*Entry)(nil)
			}
		} else {
			e.Children[relName] = childEntries
		}
	}
	return []*Entry{e}
}

func drain(stream row.ChildStream) []row.Node {
	it := stream()
	var out []row.Node
	for {
		n, ok := it.Next()
		if !ok {
			return out
		}
		out = append(out, n)
	}
}

// applyLocked applies one Change to the tree. Returns false when the
// change's path crosses a hidden-schema relationship — incremental
// splicing through a collapsed junction level is not implemented, so the
// caller falls back to a full [View.loadLocked] instead of risking an
// inconsistent patch.
func (v *View) applyLocked(c change.Change) bool {
	var cur []*Entry
	switch val := v.value.(type) {
	case []*Entry:
		cur = val
	case *Entry:
		if val != nil {
			cur = []*Entry{val}
		}
	}

	next, ok := applyAtLevel(cur, v.schema, v.format, c)
	if !ok {
		return false
	}

	if v.format.Singular {
		if len(next) > 0 {
			v.value = next[0]
		} else {
			v.value = (*Entry)(nil)
		}
	} else {
		v.value = next
	}
	return true
}

// applyAtLevel implements spec.md §4.3's applyChange rules for a single
// level of the tree (entries is that level's current ordered rows).
func applyAtLevel(entries []*Entry, schema *row.SourceSchema, format *Format, c change.Change) ([]*Entry, bool) {
	var pk row.PrimaryKey
	var cmp row.Comparator
	if schema != nil {
		pk = schema.PrimaryKey
		cmp = schema.Comparator
	}

	switch c.Kind {
	case change.Add:
		return applyAdd(entries, schema, format, pk, cmp, c), true

	case change.Remove:
		idx := indexOfID(entries, identity(pk, c.Node.Row))
		if idx < 0 {
			return entries, true
		}
		e := entries[idx]
		if e.RefCount <= 1 {
			return removeAt(entries, idx), true
		}
		out := cloneSlice(entries)
		out[idx] = withRefCount(e, e.RefCount-1)
		return out, true

	case change.Edit:
		return applyEdit(entries, pk, cmp, c), true

	case change.Child:
		return applyChild(entries, schema, format, pk, c)
	}
	return entries, true
}

func applyAdd(entries []*Entry, schema *row.SourceSchema, format *Format, pk row.PrimaryKey, cmp row.Comparator, c change.Change) []*Entry {
	id := identity(pk, c.Node.Row)
	if idx := indexOfID(entries, id); idx >= 0 {
		out := cloneSlice(entries)
		out[idx] = withRefCount(out[idx], out[idx].RefCount+1)
		return out
	}
	newEntries := buildEntry(c.Node, schema, format)
	return insertSorted(entries, newEntries, cmp)
}

func applyEdit(entries []*Entry, pk row.PrimaryKey, cmp row.Comparator, c change.Change) []*Entry {
	oldID := identity(pk, c.OldNode.Row)
	idx := indexOfID(entries, oldID)
	if idx < 0 {
		return entries
	}
	e := entries[idx]
	newID := identity(pk, c.Node.Row)

	if e.RefCount <= 1 {
		updated := shallowCopyEntry(e)
		updated.Row = c.Node.Row
		updated.ID = newID
		out := removeAt(entries, idx)
		return insertSorted(out, []*Entry{updated}, cmp)
	}

	// RefCount > 1: this path is one of several references to the same
	// logical row; leave a decremented ghost behind at the old position
	// (a future edit on the other referencing path consumes it) and
	// insert or merge the edited row at its new position.
	out := cloneSlice(entries)
	out[idx] = withRefCount(e, e.RefCount-1)

	if mergeIdx := indexOfID(out, newID); mergeIdx >= 0 {
		out[mergeIdx] = withRefCount(out[mergeIdx], out[mergeIdx].RefCount+1)
		return out
	}
	newEntry := shallowCopyEntry(e)
	newEntry.Row = c.Node.Row
	newEntry.ID = newID
	newEntry.RefCount = 1
	return insertSorted(out, []*Entry{newEntry}, cmp)
}

func applyChild(entries []*Entry, schema *row.SourceSchema, format *Format, pk row.PrimaryKey, c change.Change) ([]*Entry, bool) {
	idx := indexOfID(entries, identity(pk, c.Node.Row))
	if idx < 0 {
		return entries, true
	}
	e := entries[idx]
	relName := c.Child.RelationshipName

	var childSchema *row.SourceSchema
	if schema != nil && schema.Relationships != nil {
		childSchema = schema.Relationships[relName]
	}
	if childSchema != nil && childSchema.IsHidden {
		return nil, false
	}
	cf := format.child(relName)

	var childEntries []*Entry
	wasSingular := false
	switch cv := e.Children[relName].(type) {
	case []*Entry:
		childEntries = cv
	case *Entry:
		wasSingular = true
		if cv != nil {
			childEntries = []*Entry{cv}
		}
	}

	newChildEntries, ok := applyAtLevel(childEntries, childSchema, cf, c.Child.Change)
	if !ok {
		return nil, false
	}
	if sameEntries(childEntries, newChildEntries) {
		return entries, true
	}

	updated := shallowCopyEntry(e)
	if wasSingular || cf.Singular {
		if len(newChildEntries) > 0 {
			updated.Children[relName] = newChildEntries[0]
		} else {
			updated.Children[relName] = (*Entry)(nil)
		}
	} else {
		updated.Children[relName] = newChildEntries
	}

	out := cloneSlice(entries)
	out[idx] = updated
	return out, true
}
