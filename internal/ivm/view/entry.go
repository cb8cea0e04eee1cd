// Copyright (c) 2026 Relsync. All rights reserved.

package view

import (
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/relsync/relsync/internal/ivm/row"
	"github.com/relsync/relsync/internal/ivm/value"
)

// Entry is one materialized row in a [View]'s tree: its own columns plus
// one Children entry per relationship name, holding either a single
// *Entry (for a Format marked Singular) or an ordered []*Entry.
type Entry struct {
	Row      row.Row
	Children map[string]any
	RefCount int
	ID       string
}

// Format declares, per relationship, whether its materialized value is a
// single Entry or an ordered array — the tree shape is otherwise entirely
// derived from the operator graph's own Relationships, but cardinality
// (singular vs plural) is a property of how the query was authored, not of
// the operator graph itself, so it is supplied by the caller constructing
// the View.
type Format struct {
	Singular      bool
	Relationships map[string]*Format
}

func defaultFormat() *Format { return &Format{Relationships: map[string]*Format{}} }

func (f *Format) child(name string) *Format {
	if f == nil || f.Relationships == nil {
		return defaultFormat()
	}
	if cf, ok := f.Relationships[name]; ok {
		return cf
	}
	return defaultFormat()
}

func shallowCopyEntry(e *Entry) *Entry {
	children := make(map[string]any, len(e.Children))
	for k, v := range e.Children {
		children[k] = v
	}
	return &Entry{Row: e.Row, Children: children, RefCount: e.RefCount, ID: e.ID}
}

func withRefCount(e *Entry, refCount int) *Entry {
	cp := shallowCopyEntry(e)
	cp.RefCount = refCount
	return cp
}

// identity renders pk's values from r as the stable string spec.md §4.3
// describes: a bare JSON value for a single-column key (the
// "single-key-optimized" case), or a JSON array of values for a compound
// key.
func identity(pk row.PrimaryKey, r row.Row) string {
	if len(pk) == 1 {
		b, _ := json.Marshal(jsonValue(r.Get(pk[0])))
		return string(b)
	}
	vals := make([]any, len(pk))
	for i, col := range pk {
		vals[i] = jsonValue(r.Get(col))
	}
	b, _ := json.Marshal(vals)
	return string(b)
}

func jsonValue(v value.Value) any {
	switch v.Kind() {
	case value.KindNull:
		return nil
	case value.KindBool:
		return v.Bool()
	case value.KindNumber:
		return v.Number()
	case value.KindBigInt:
		if v.BigInt() == nil {
			return nil
		}
		return v.BigInt().String()
	case value.KindString:
		return v.String()
	case value.KindBinary:
		return hex.EncodeToString(v.Binary())
	default:
		return nil
	}
}

func indexOfID(entries []*Entry, id string) int {
	for i, e := range entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}

func cloneSlice(entries []*Entry) []*Entry {
	return append([]*Entry(nil), entries...)
}

func removeAt(entries []*Entry, idx int) []*Entry {
	out := make([]*Entry, 0, len(entries)-1)
	out = append(out, entries[:idx]...)
	out = append(out, entries[idx+1:]...)
	return out
}

// insertSorted inserts each of newEntries into entries at the position its
// Row belongs under cmp. A nil cmp (no declared sort at this level) simply
// appends.
func insertSorted(entries []*Entry, newEntries []*Entry, cmp row.Comparator) []*Entry {
	for _, ne := range newEntries {
		if cmp == nil {
			entries = append(entries, ne)
			continue
		}
		idx := sort.Search(len(entries), func(i int) bool { return cmp(entries[i].Row, ne.Row) > 0 })
		out := make([]*Entry, 0, len(entries)+1)
		out = append(out, entries[:idx]...)
		out = append(out, ne)
		out = append(out, entries[idx:]...)
		entries = out
	}
	return entries
}

// sameEntries reports whether a and b are the identical slice contents by
// pointer, used to detect "no observable change" so a Child recursion can
// return the original parent reference unchanged (spec.md §4.3's identity
// preservation requirement).
func sameEntries(a, b []*Entry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
