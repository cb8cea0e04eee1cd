// Copyright (c) 2026 Relsync. All rights reserved.

package source

import (
	"sort"
	"strconv"
	"strings"

	"github.com/relsync/relsync/internal/ivm/row"
	"github.com/relsync/relsync/internal/ivm/value"
)

// index is a sorted container over a Source's full row set, ordered by one
// specific [row.Ordering]. Every Source index holds exactly the same set of
// rows as the primary-key index; only the ordering differs.
type index struct {
	sort     row.Ordering
	cmp      row.Comparator
	rows     []row.Row
	refcount int
}

// newIndex builds an index for sort, seeded by scanning seedRows (typically
// the primary-key index's current contents).
func newIndex(sortOrdering row.Ordering, seedRows []row.Row) *index {
	cmp := row.NewComparator(sortOrdering)
	rows := make([]row.Row, len(seedRows))
	copy(rows, seedRows)
	sort.SliceStable(rows, func(i, j int) bool { return cmp(rows[i], rows[j]) < 0 })
	return &index{sort: sortOrdering, cmp: cmp, rows: rows}
}

// insert places r at its sorted position.
func (idx *index) insert(r row.Row) {
	pos := sort.Search(len(idx.rows), func(i int) bool { return idx.cmp(idx.rows[i], r) >= 0 })
	idx.rows = append(idx.rows, row.Row{})
	copy(idx.rows[pos+1:], idx.rows[pos:])
	idx.rows[pos] = r
}

// delete removes the row matching pk's values in r, failing silently if no
// match is found (callers validate existence before calling delete).
func (idx *index) delete(pk row.PrimaryKey, r row.Row) bool {
	lo := sort.Search(len(idx.rows), func(i int) bool { return idx.cmp(idx.rows[i], r) >= 0 })
	for i := lo; i < len(idx.rows) && idx.cmp(idx.rows[i], r) == 0; i++ {
		if samePK(pk, idx.rows[i], r) {
			idx.rows = append(idx.rows[:i], idx.rows[i+1:]...)
			return true
		}
	}
	// The comparator tie-breaks on the full ordering (which includes the
	// primary key), so a match should always be found in the tie range
	// above. Fall back to a linear scan only to tolerate a caller-supplied
	// ordering that does not fully discriminate — defensive, not expected.
	for i, candidate := range idx.rows {
		if samePK(pk, candidate, r) {
			idx.rows = append(idx.rows[:i], idx.rows[i+1:]...)
			return true
		}
	}
	return false
}

// clone returns a deep copy of idx, used by Source.Fork.
func (idx *index) clone() *index {
	rows := make([]row.Row, len(idx.rows))
	copy(rows, idx.rows)
	return &index{sort: idx.sort, cmp: idx.cmp, rows: rows}
}

func samePK(pk row.PrimaryKey, a, b row.Row) bool {
	for _, col := range pk {
		if !value.Equal(a.Get(col), b.Get(col)) {
			return false
		}
	}
	return true
}

// signature builds a stable map key for an Ordering so connections that
// request the same sort share the same index.
func signature(ordering row.Ordering) string {
	parts := make([]string, len(ordering))
	for i, oc := range ordering {
		dir := "a"
		if oc.Direction == row.Desc {
			dir = "d"
		}
		parts[i] = oc.Column + ":" + dir
	}
	return strconv.Itoa(len(parts)) + "|" + strings.Join(parts, ",")
}
