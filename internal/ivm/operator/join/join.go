// Copyright (c) 2026 Relsync. All rights reserved.

/*
Package join implements the hierarchical Join operator: every parent Node
gains a relationship whose value is a lazily-evaluated stream of matching
child Nodes.

Core Responsibility:

  - Join: on fetch, attaches a lazy child stream to every parent row. On a
    parent push, propagates the change with the relationship re-attached.
    On a child push, finds every parent whose key matches and emits a
    Child change carrying an overlay-spliced view of that parent's child
    stream, so a downstream consumer pulling the stream mid-push sees the
    in-flight change at exactly the right position.
  - fetchCache: an optional, fetch-call-scoped cache of child-fetch results
    keyed by parent-key value, abandoned once its hit rate falls below a
    threshold or it grows past a node budget.
*/
package join

import (
	"sort"
	"strings"

	"github.com/relsync/relsync/internal/ivm/change"
	"github.com/relsync/relsync/internal/ivm/op"
	"github.com/relsync/relsync/internal/ivm/row"
	"github.com/relsync/relsync/internal/ivm/value"
)

// Config is a Join's public configuration (spec.md §4.2.3).
type Config struct {
	// ParentKey and ChildKey are compound, nth-to-nth corresponding key
	// column lists: ParentKey[i] joins to ChildKey[i].
	ParentKey []string
	ChildKey  []string
	// RelationshipName is the key under which the child stream is attached
	// to each parent Node's Relationships.
	RelationshipName string
	// Hidden marks a level that exists only to thread a join through a
	// junction relationship; collapsed out of the materialized view.
	Hidden bool
	// System marks rows that must never be synced to a client.
	System bool

	// CacheSampleSize, CacheMinHitRate, and CacheMaxNodes configure the
	// fetch-time child cache (see [fetchCache]); all are sourced from
	// config.Config's JOIN_CACHE_* settings by the caller that wires up
	// this operator.
	CacheSampleSize int
	CacheMinHitRate float64
	CacheMaxNodes   int
}

// Join implements the hierarchical join described by spec.md §4.2.3.
type Join struct {
	parent op.Input
	child  op.Input
	cfg    Config
	output op.Output

	cacheDisabled bool

	// overlay is set only while pushFromChild is splicing an in-progress
	// child change into the lazy streams of parents that match it; nil the
	// rest of the time. Exactly one push is ever in flight at a time in
	// this engine's cooperative single-threaded model (see source.Source's
	// own overlay design), so a single field suffices.
	overlay *childOverlay
}

type childOverlay struct {
	constraintKey string
	change        change.Change
}

// New wires parent and child through cfg, registering Join as the Output
// of both so it can react to pushes on either side.
func New(parent, child op.Input, cfg Config) *Join {
	j := &Join{parent: parent, child: child, cfg: cfg}
	j.cacheDisabled = sameColumnSet(cfg.ParentKey, parent.Schema().PrimaryKey)
	parent.SetOutput(parentSink{j})
	child.SetOutput(childSink{j})
	return j
}

type parentSink struct{ j *Join }

func (s parentSink) Push(c change.Change) { s.j.pushFromParent(c) }

type childSink struct{ j *Join }

func (s childSink) Push(c change.Change) { s.j.pushFromChild(c) }

// # Fetch

// Fetch implements [op.Input]: attaches a lazy child stream to each parent
// row, sharing one [fetchCache] (if enabled) across this whole call.
func (j *Join) Fetch(req op.FetchRequest) op.ItemIterator {
	parents := op.Nodes(j.parent.Fetch(req))
	cache := j.newCache()
	out := make([]row.Node, len(parents))
	for i, p := range parents {
		out[i] = p.WithRelationship(j.cfg.RelationshipName, j.lazyChildStream(p.Row, cache))
	}
	return op.NewItemIterator(out)
}

// Cleanup implements [op.Input]: like Fetch, but also releases the child's
// own per-subtree state for every matched constraint.
func (j *Join) Cleanup(req op.FetchRequest) op.ItemIterator {
	parents := op.Nodes(j.parent.Cleanup(req))
	out := make([]row.Node, len(parents))
	for i, p := range parents {
		if constraint, ok := j.childConstraint(p.Row); ok {
			op.Nodes(j.child.Cleanup(op.FetchRequest{Constraint: constraint}))
		}
		out[i] = p.WithRelationship(j.cfg.RelationshipName, j.lazyChildStream(p.Row, nil))
	}
	return op.NewItemIterator(out)
}

// SetOutput implements [op.Input].
func (j *Join) SetOutput(out op.Output) { j.output = out }

// Destroy implements [op.Input].
func (j *Join) Destroy() {
	j.parent.Destroy()
	j.child.Destroy()
}

// Schema implements [op.Input]: the parent's schema with RelationshipName
// added, pointing at the child's own schema.
func (j *Join) Schema() *row.SourceSchema {
	parentSchema := j.parent.Schema()
	rels := make(map[string]*row.SourceSchema, len(parentSchema.Relationships)+1)
	for k, v := range parentSchema.Relationships {
		rels[k] = v
	}
	rels[j.cfg.RelationshipName] = j.child.Schema()

	return &row.SourceSchema{
		TableName:     parentSchema.TableName,
		PrimaryKey:    parentSchema.PrimaryKey,
		Sort:          parentSchema.Sort,
		Comparator:    parentSchema.Comparator,
		IsHidden:      j.cfg.Hidden,
		System:        j.cfg.System,
		Relationships: rels,
	}
}

// childConstraint maps a parent row's ParentKey values onto ChildKey
// columns. Returns ok=false if any parent-key column is null — nulls do
// not join.
func (j *Join) childConstraint(parentRow row.Row) (op.Constraint, bool) {
	c := make(op.Constraint, len(j.cfg.ChildKey))
	for i, childCol := range j.cfg.ChildKey {
		v := parentRow.Get(j.cfg.ParentKey[i])
		if v.IsNull() {
			return nil, false
		}
		c[childCol] = v
	}
	return c, true
}

// lazyChildStream returns the relationship closure attached to a parent
// row: each call re-fetches (or reuses cache) the child's current matching
// rows, then splices in any in-progress overlay that matches this parent.
func (j *Join) lazyChildStream(parentRow row.Row, cache *fetchCache) row.ChildStream {
	return func() row.NodeIterator {
		constraint, ok := j.childConstraint(parentRow)
		if !ok {
			return row.EmptyChildStream()
		}

		var nodes []row.Node
		if cache != nil {
			if cached, hit := cache.get(constraint); hit {
				nodes = cached
			} else {
				nodes = op.Nodes(j.child.Fetch(op.FetchRequest{Constraint: constraint}))
				cache.put(constraint, nodes)
			}
		} else {
			nodes = op.Nodes(j.child.Fetch(op.FetchRequest{Constraint: constraint}))
		}

		if j.overlay != nil && j.overlay.constraintKey == constraintKey(constraint) {
			nodes = j.applyOverlay(nodes, j.overlay.change)
		}
		return row.NewSliceIterator(nodes)
	}
}

// # Push

// pushFromParent implements spec.md §4.2.3's parent-push contract.
func (j *Join) pushFromParent(c change.Change) {
	if j.output == nil {
		return
	}
	switch c.Kind {
	case change.Add:
		node := c.Node.WithRelationship(j.cfg.RelationshipName, j.lazyChildStream(c.Node.Row, nil))
		j.output.Push(change.NewAdd(node))
	case change.Remove:
		node := c.Node.WithRelationship(j.cfg.RelationshipName, j.lazyChildStream(c.Node.Row, nil))
		j.output.Push(change.NewRemove(node))
	case change.Edit:
		// The planner is responsible for never letting an edit change a
		// parent-key column; both sides carry the same relationship stream
		// shape as a result.
		oldNode := c.OldNode.WithRelationship(j.cfg.RelationshipName, j.lazyChildStream(c.OldNode.Row, nil))
		newNode := c.Node.WithRelationship(j.cfg.RelationshipName, j.lazyChildStream(c.Node.Row, nil))
		j.output.Push(change.NewEdit(oldNode, newNode))
	case change.Child:
		// Already synthesized by an upstream operator; propagate unchanged.
		j.output.Push(c)
	}
}

// pushFromChild implements spec.md §4.2.3's child-push contract: every
// parent matching the child row's key is notified with a Child change
// whose lazy stream is spliced with the in-progress change via the overlay.
func (j *Join) pushFromChild(c change.Change) {
	if j.output == nil {
		return
	}

	childRow := c.Node.Row
	parentConstraint := make(op.Constraint, len(j.cfg.ParentKey))
	for i, parentCol := range j.cfg.ParentKey {
		parentConstraint[parentCol] = childRow.Get(j.cfg.ChildKey[i])
	}

	j.overlay = &childOverlay{constraintKey: constraintKeyFromChild(j.cfg.ChildKey, childRow), change: c}
	defer func() { j.overlay = nil }()

	matchingParents := op.Nodes(j.parent.Fetch(op.FetchRequest{Constraint: parentConstraint}))
	for _, p := range matchingParents {
		node := p.WithRelationship(j.cfg.RelationshipName, j.lazyChildStream(p.Row, nil))
		j.output.Push(change.NewChild(node, j.cfg.RelationshipName, c))
	}
}

// # Overlay splicing (generateWithOverlay)

// applyOverlay splices ov into the base child rows already fetched,
// reproducing the exact sequence a downstream consumer must see per
// spec.md §4.2.3's generateWithOverlay rules.
func (j *Join) applyOverlay(base []row.Node, ov change.Change) []row.Node {
	cmp := j.child.Schema().Comparator

	switch ov.Kind {
	case change.Add:
		for _, n := range base {
			if sameRow(n.Row, ov.Node.Row) {
				return base
			}
		}
		return insertSorted(base, ov.Node, cmp)

	case change.Remove:
		return insertSorted(base, ov.Node, cmp)

	case change.Edit:
		out := make([]row.Node, 0, len(base)+1)
		inserted := false
		for _, n := range base {
			if sameRow(n.Row, ov.Node.Row) {
				// skip the already-applied new row from the base stream
				continue
			}
			if !inserted && cmp(ov.OldNode.Row, n.Row) < 0 {
				out = append(out, ov.OldNode)
				inserted = true
			}
			out = append(out, n)
		}
		if !inserted {
			out = append(out, ov.OldNode)
		}
		return out

	case change.Child:
		return j.spliceNestedChild(base, ov)
	}
	return base
}

// spliceNestedChild recurses one relationship level deeper: the matching
// base node's own relationship stream (named by ov.Child.RelationshipName)
// is replaced with one that applies ov.Child.Change the same way.
func (j *Join) spliceNestedChild(base []row.Node, ov change.Change) []row.Node {
	relName := ov.Child.RelationshipName
	nested := ov.Child.Change
	grandchildSchema := j.child.Schema().Relationships[relName]
	var grandchildCmp row.Comparator
	if grandchildSchema != nil {
		grandchildCmp = grandchildSchema.Comparator
	} else {
		grandchildCmp = func(row.Row, row.Row) int { return 0 }
	}

	out := make([]row.Node, len(base))
	for i, n := range base {
		if !sameRow(n.Row, ov.Node.Row) {
			out[i] = n
			continue
		}
		orig := n.Relationships[relName]
		out[i] = n.WithRelationship(relName, func() row.NodeIterator {
			var grandchildren []row.Node
			if orig != nil {
				it := orig()
				for {
					g, ok := it.Next()
					if !ok {
						break
					}
					grandchildren = append(grandchildren, g)
				}
			}
			sub := &Join{child: j.child, cfg: j.cfg}
			spliced := sub.applyOverlayWithComparator(grandchildren, nested, grandchildCmp)
			return row.NewSliceIterator(spliced)
		})
	}
	return out
}

// applyOverlayWithComparator is [applyOverlay]'s logic parameterized on an
// explicit comparator, used when recursing into a grandchild relationship
// whose schema (and thus comparator) differs from this Join's own child.
func (j *Join) applyOverlayWithComparator(base []row.Node, ov change.Change, cmp row.Comparator) []row.Node {
	saved := j.child
	defer func() { j.child = saved }()
	j.child = comparatorOnlyInput{cmp: cmp}
	return j.applyOverlay(base, ov)
}

// comparatorOnlyInput is a minimal [op.Input] stand-in used solely to carry
// a Schema().Comparator into [Join.applyOverlay] during recursive overlay
// splicing; none of its other methods are ever called.
type comparatorOnlyInput struct{ cmp row.Comparator }

func (comparatorOnlyInput) Fetch(op.FetchRequest) op.ItemIterator   { return op.NewItemIterator(nil) }
func (comparatorOnlyInput) Cleanup(op.FetchRequest) op.ItemIterator { return op.NewItemIterator(nil) }
func (comparatorOnlyInput) SetOutput(op.Output)                     {}
func (comparatorOnlyInput) Destroy()                                {}
func (c comparatorOnlyInput) Schema() *row.SourceSchema {
	return &row.SourceSchema{Comparator: c.cmp}
}

func insertSorted(nodes []row.Node, n row.Node, cmp row.Comparator) []row.Node {
	idx := sort.Search(len(nodes), func(i int) bool { return cmp(nodes[i].Row, n.Row) > 0 })
	out := make([]row.Node, 0, len(nodes)+1)
	out = append(out, nodes[:idx]...)
	out = append(out, n)
	out = append(out, nodes[idx:]...)
	return out
}

func sameRow(a, b row.Row) bool {
	if len(a) != len(b) {
		return false
	}
	for col, v := range a {
		if !value.Equal(v, b.Get(col)) {
			return false
		}
	}
	return true
}

func sameColumnSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	sa, sb := append([]string(nil), a...), append([]string(nil), b...)
	sort.Strings(sa)
	sort.Strings(sb)
	for i := range sa {
		if sa[i] != sb[i] {
			return false
		}
	}
	return true
}

// constraintKey and constraintKeyFromChild build the same deterministic
// string from two different inputs (a realized op.Constraint vs. a child
// row plus its key columns) so the overlay set up in pushFromChild matches
// the constraint recomputed inside lazyChildStream for the exact parents
// the push concerns.
func constraintKey(c op.Constraint) string {
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

func constraintKeyFromChild(childKey []string, childRow row.Row) string {
	c := make(op.Constraint, len(childKey))
	for _, col := range childKey {
		c[col] = childRow.Get(col)
	}
	return constraintKey(c)
}
