// Copyright (c) 2026 Relsync. All rights reserved.

/*
Package op defines the operator-framework contract shared by every pullable
producer in the pipeline: Source and every operator in package operator.

Core Responsibility:

  - Input: the pull-mode contract — fetch, cleanup, setOutput, destroy, schema.
  - Output: the push-mode contract — receive a Change from upstream.
  - FetchRequest / Constraint / Start: the shape of a pull request.
  - Item / ItemIterator: the cooperative stream type carrying Nodes
    interleaved with 'yield' suspension sentinels.

Keeping these types in their own package (rather than in row or source)
avoids an import cycle: both source and every operator subpackage need them,
but neither owns them.
*/
package op

import (
	"github.com/relsync/relsync/internal/ivm/change"
	"github.com/relsync/relsync/internal/ivm/row"
	"github.com/relsync/relsync/internal/ivm/value"
)

// # Fetch requests

// Constraint is a column → Value map; a matching row must agree with every
// entry. An empty Constraint matches every row.
type Constraint map[string]value.Value

// Matches reports whether r satisfies every column/value pair in c.
func (c Constraint) Matches(r row.Row) bool {
	for col, v := range c {
		if !value.Equal(r.Get(col), v) {
			return false
		}
	}
	return true
}

// Columns returns the constrained column names, in no particular order.
func (c Constraint) Columns() []string {
	cols := make([]string, 0, len(c))
	for col := range c {
		cols = append(cols, col)
	}
	return cols
}

// StartBasis describes whether a [Start] cursor is inclusive of its row.
type StartBasis int

const (
	// At includes the cursor row itself in the resulting stream.
	At StartBasis = iota
	// After excludes the cursor row; the stream begins strictly past it.
	After
)

// Start anchors a fetch to resume after (or at) a previously seen row.
type Start struct {
	Row   row.Row
	Basis StartBasis
}

// FetchRequest describes a pull request against an [Input].
type FetchRequest struct {
	// Constraint, if non-empty, restricts the stream to matching rows. A
	// Source applies it as a row predicate while scanning the connection's
	// own sort index; no index is selected by the constrained columns.
	Constraint Constraint
	// Start, if set, resumes the stream from a prior cursor.
	Start *Start
	// Reverse requests the stream in the opposite of the connection's
	// natural sort direction.
	Reverse bool
}

// # Cooperative streaming

// Item is either a Node or a 'yield' scheduler hint. Yield lets a long fetch
// be interleaved with other work without reordering observable events;
// downstream consumers treat a Yield Item as a no-op.
type Item struct {
	Node    row.Node
	IsYield bool
}

// NodeItem wraps a Node as a non-yield Item.
func NodeItem(n row.Node) Item { return Item{Node: n} }

// YieldItem is the 'yield' sentinel.
func YieldItem() Item { return Item{IsYield: true} }

// ItemIterator yields Items one at a time. Next returns (Item{}, false) once
// exhausted. Implementations are not safe for concurrent use — the engine's
// single-threaded push/fetch model never requires it.
type ItemIterator interface {
	Next() (Item, bool)
}

// Nodes drains it, discarding Yield items, and returns the Nodes in order.
// Convenience for tests and for operators that do not need to interleave
// with a UI frame budget.
func Nodes(it ItemIterator) []row.Node {
	var out []row.Node
	for {
		item, ok := it.Next()
		if !ok {
			return out
		}
		if item.IsYield {
			continue
		}
		out = append(out, item.Node)
	}
}

// sliceItemIterator adapts a pre-materialized slice of Nodes to [ItemIterator].
type sliceItemIterator struct {
	nodes []row.Node
	pos   int
}

// NewItemIterator returns an [ItemIterator] over a fixed slice of Nodes,
// with no yield points.
func NewItemIterator(nodes []row.Node) ItemIterator {
	return &sliceItemIterator{nodes: nodes}
}

func (it *sliceItemIterator) Next() (Item, bool) {
	if it.pos >= len(it.nodes) {
		return Item{}, false
	}
	n := it.nodes[it.pos]
	it.pos++
	return NodeItem(n), true
}

// # Predicates

// Predicate is a connection- or Filter-level row test.
type Predicate func(row.Row) bool

// # Input / Output

// Output is the push-mode contract: an operator or sink that receives
// Changes from exactly one upstream Input.
type Output interface {
	// Push delivers a single Change. Implementations may themselves emit
	// zero or more Changes to their own Output before returning.
	Push(c change.Change)
}

// Input is the pull-mode contract shared by Source and every operator.
type Input interface {
	// Fetch returns a stream of the Input's current Nodes matching req.
	Fetch(req FetchRequest) ItemIterator

	// Cleanup behaves like Fetch but additionally signals that the
	// downstream consumer is releasing any cache keyed by req, so the
	// Input may drop its own per-subtree storage for that partition.
	Cleanup(req FetchRequest) ItemIterator

	// SetOutput registers the single Output this Input pushes Changes to.
	SetOutput(out Output)

	// Destroy releases any resources (index refcounts, storage) held on
	// behalf of this Input's connection.
	Destroy()

	// Schema describes the shape of rows this Input produces.
	Schema() *row.SourceSchema
}

// FilterPushdown is implemented by an Input that can report whether the
// filter it was given is already fully enforced at the source, letting a
// downstream Filter operator elide itself.
type FilterPushdown interface {
	FiltersFullyApplied() bool
}
