// Copyright (c) 2026 Relsync. All rights reserved.

package source

import (
	"sort"
	"sync/atomic"

	"github.com/relsync/relsync/internal/ivm/change"
	"github.com/relsync/relsync/internal/ivm/op"
	"github.com/relsync/relsync/internal/ivm/row"
)

// Connection is one caller's pull/push handle onto a Source, satisfying
// [op.Input]. Two connections requesting the same Ordering share the
// underlying index but keep independent output registrations and filters.
type Connection struct {
	source        *Source
	outputIndex   int
	ordering      row.Ordering
	indexSig      string
	filter        op.Predicate
	splitEditKeys map[string]struct{}
	output        op.Output
	// destroyed is read by Push's notify loop without holding source.mu (to
	// avoid serializing that loop on the same lock a reentrant Fetch needs),
	// so it is an atomic.Bool rather than a plain bool.
	destroyed atomic.Bool
}

// SetOutput implements [op.Input].
func (c *Connection) SetOutput(out op.Output) {
	c.source.mu.Lock()
	defer c.source.mu.Unlock()
	c.output = out
}

// Destroy implements [op.Input].
func (c *Connection) Destroy() {
	c.source.destroy(c)
}

// Schema implements [op.Input].
func (c *Connection) Schema() *row.SourceSchema {
	return &row.SourceSchema{
		TableName:  c.source.tableName,
		PrimaryKey: c.source.primaryKey,
		Sort:       c.ordering,
		Comparator: row.NewComparator(c.ordering),
	}
}

// FiltersFullyApplied implements [op.FilterPushdown]: a Connection always
// fully enforces its own filter and constraint before returning rows, so a
// downstream Filter operator over the same predicate is redundant.
func (c *Connection) FiltersFullyApplied() bool { return true }

// needsSplit reports whether an edit from oldRow to newRow touches any of
// c's splitEditKeys, requiring the edit be delivered as remove+add instead
// of a single Edit change.
func (c *Connection) needsSplit(oldRow, newRow row.Row) bool {
	if len(c.splitEditKeys) == 0 {
		return false
	}
	for _, col := range row.ChangedColumns(oldRow, newRow) {
		if _, ok := c.splitEditKeys[col]; ok {
			return true
		}
	}
	return false
}

// deliver pushes ch to c's output, applying c's own filter so the output
// never observes a change outside its subscribed predicate. The source
// mutex is not held while it runs, so the output may Fetch from the Source.
func (c *Connection) deliver(ch change.Change) {
	if c.output == nil {
		return
	}
	if c.filter != nil && !c.passesFilter(ch) {
		return
	}
	c.output.Push(ch)
}

// passesFilter reports whether ch's row(s) satisfy c.filter. An Edit is
// delivered whenever either side passes, letting the downstream consumer
// decide add/remove/edit framing for a row crossing the filter boundary;
// Add/Remove/Child are gated directly.
func (c *Connection) passesFilter(ch change.Change) bool {
	switch ch.Kind {
	case change.Add:
		return c.filter(ch.Node.Row)
	case change.Remove:
		return c.filter(ch.Node.Row)
	case change.Edit:
		return c.filter(ch.OldNode.Row) || c.filter(ch.Node.Row)
	default:
		return true
	}
}

// # Fetch

// Fetch implements [op.Input].
func (c *Connection) Fetch(req op.FetchRequest) op.ItemIterator {
	c.source.mu.Lock()
	defer c.source.mu.Unlock()
	return c.source.fetchLocked(c, req)
}

// Cleanup implements [op.Input]. The Source keeps no per-fetch cache of its
// own, so Cleanup behaves identically to Fetch.
func (c *Connection) Cleanup(req op.FetchRequest) op.ItemIterator {
	return c.Fetch(req)
}

// fetchLocked builds the row stream for conn under req, folding in any
// currently-visible overlay. Caller holds s.mu.
func (s *Source) fetchLocked(conn *Connection, req op.FetchRequest) op.ItemIterator {
	idx := s.indices[conn.indexSig]
	working := make([]row.Row, len(idx.rows))
	copy(working, idx.rows)

	if s.overlay != nil && conn.outputIndex <= s.overlay.outputIndex {
		working = applyOverlay(working, idx.cmp, s.primaryKey, s.overlay)
	}
	if s.splitOverlay != nil && conn.outputIndex <= s.splitOverlay.outputIndex {
		working = applyOverlay(working, idx.cmp, s.primaryKey, s.splitOverlay)
	}

	if req.Reverse {
		reverseRows(working)
	}

	start := 0
	end := len(working)
	if req.Start != nil {
		start = cursorIndex(working, idx.cmp, req.Start, req.Reverse)
	}
	working = working[start:end]

	nodes := make([]row.Node, 0, len(working))
	for _, r := range working {
		if len(req.Constraint) > 0 && !req.Constraint.Matches(r) {
			continue
		}
		if conn.filter != nil && !conn.filter(r) {
			continue
		}
		nodes = append(nodes, row.Node{Row: r})
	}

	return op.NewItemIterator(nodes)
}

// applyOverlay virtually applies ov to rows (sorted by cmp), without
// mutating the Source's committed index.
func applyOverlay(rows []row.Row, cmp row.Comparator, pk row.PrimaryKey, ov *overlayState) []row.Row {
	switch ov.kind {
	case change.SourceAdd:
		return insertSorted(rows, cmp, ov.newRow)
	case change.SourceRemove:
		return removeMatching(rows, cmp, pk, ov.oldRow)
	case change.SourceEdit:
		rows = removeMatching(rows, cmp, pk, ov.oldRow)
		return insertSorted(rows, cmp, ov.newRow)
	default:
		return rows
	}
}

func insertSorted(rows []row.Row, cmp row.Comparator, r row.Row) []row.Row {
	pos := sort.Search(len(rows), func(i int) bool { return cmp(rows[i], r) >= 0 })
	rows = append(rows, row.Row{})
	copy(rows[pos+1:], rows[pos:])
	rows[pos] = r
	return rows
}

func removeMatching(rows []row.Row, cmp row.Comparator, pk row.PrimaryKey, r row.Row) []row.Row {
	lo := sort.Search(len(rows), func(i int) bool { return cmp(rows[i], r) >= 0 })
	for i := lo; i < len(rows) && cmp(rows[i], r) == 0; i++ {
		if samePK(pk, rows[i], r) {
			return append(rows[:i], rows[i+1:]...)
		}
	}
	for i, candidate := range rows {
		if samePK(pk, candidate, r) {
			return append(rows[:i], rows[i+1:]...)
		}
	}
	return rows
}

func reverseRows(rows []row.Row) {
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
}

// cursorIndex returns the offset of the first row, in rows' current
// traversal order, that satisfies start under basis. rows is assumed
// already reversed by the caller when req.Reverse is set, so cmp still
// reflects the index's native ascending order and must be negated to match
// the traversal direction.
func cursorIndex(rows []row.Row, cmp row.Comparator, start *op.Start, reverse bool) int {
	for i, r := range rows {
		c := cmp(r, start.Row)
		if reverse {
			c = -c
		}
		if c > 0 {
			return i
		}
		if c == 0 && start.Basis == op.At {
			return i
		}
	}
	return len(rows)
}
