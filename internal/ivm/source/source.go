// Copyright (c) 2026 Relsync. All rights reserved.

/*
Package source implements Source: an in-memory, multi-indexed, primary-keyed
relation that serves sorted/constrained/filtered row streams to its
connections and propagates changes through an overlay protocol that keeps a
connection's concurrent pull-fetches consistent with an in-flight push.

Core Responsibility:

  - Source: owns the indices and the connection registry; Connect, Push,
    GenPush, Fork.
  - Connection: the per-caller handle satisfying [op.Input] — Fetch,
    Cleanup, SetOutput, Destroy, Schema.
  - index (unexported, index.go): the sorted container backing one Ordering.

The fetch algorithm here deliberately does not implement the "most
selective constraint-prefixed index" optimization spec.md describes as a
performance concern: it always reads through the index keyed by the
connection's own requested Ordering and applies the constraint as a row
predicate. This is behaviorally equivalent — the result set is identical —
at the cost of not short-circuiting a scan early on constraint mismatch. See
DESIGN.md for why this tradeoff was made.
*/
package source

import (
	"log/slog"
	"sync"

	"github.com/relsync/relsync/internal/ivm/change"
	"github.com/relsync/relsync/internal/ivm/ivmerr"
	"github.com/relsync/relsync/internal/ivm/op"
	"github.com/relsync/relsync/internal/ivm/row"
	"github.com/relsync/relsync/internal/ivm/value"
)

// # Source

// Source owns a multi-indexed, primary-keyed in-memory relation.
//
// Two locks cooperate: pushMu serializes whole pushes (the engine's
// single-writer-per-source discipline — Push/GenPush are not meant to be
// called concurrently on the same Source), while mu guards the indices map,
// the connections slice, and the overlay fields for the short bursts each
// is actually read or mutated. mu is deliberately never held while calling
// into a Connection's Output: a downstream consumer's Push commonly turns
// around and calls Fetch synchronously (a join refetching its child), and
// holding mu across that call would deadlock against the very Fetch it
// triggers.
type Source struct {
	pushMu sync.Mutex
	mu     sync.Mutex

	tableName  string
	primaryKey row.PrimaryKey
	pkSig      string

	indices     map[string]*index
	connections []*Connection

	overlay      *overlayState
	splitOverlay *overlayState

	logger *slog.Logger
}

// overlayState is per-push state making an in-flight change visible to a
// specific connection's concurrent pull-fetches without being committed to
// the indices yet. outputIndex names the connection currently being
// notified; connections with index <= outputIndex see the overlay.
type overlayState struct {
	outputIndex int
	kind        change.SourceKind
	newRow      row.Row
	oldRow      row.Row
}

// New constructs an empty Source over tableName, keyed by primaryKey and
// ordered by default on the primary key ascending.
func New(tableName string, primaryKey row.PrimaryKey, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	pkOrdering := make(row.Ordering, len(primaryKey))
	for i, col := range primaryKey {
		pkOrdering[i] = row.OrderColumn{Column: col, Direction: row.Asc}
	}
	pkSig := signature(pkOrdering)

	return &Source{
		tableName:  tableName,
		primaryKey: primaryKey,
		pkSig:      pkSig,
		indices:    map[string]*index{pkSig: newIndex(pkOrdering, nil)},
		logger:     logger,
	}
}

func (s *Source) pkIndex() *index { return s.indices[s.pkSig] }

// lookup returns the stored row matching r's primary-key values, if present.
func (s *Source) lookup(r row.Row) (row.Row, bool) {
	pk := s.primaryKey.Values(r)
	for _, candidate := range s.pkIndex().rows {
		match := true
		for i, col := range s.primaryKey {
			if !value.Equal(candidate.Get(col), pk[i]) {
				match = false
				break
			}
		}
		if match {
			return candidate, true
		}
	}
	return nil, false
}

// # Connect

// Connect registers a new Connection over sort, optionally filtered by
// filter (nil for no filter), optionally splitting edits that touch any of
// splitEditKeys into remove+add for this connection only.
func (s *Source) Connect(sort row.Ordering, filter op.Predicate, splitEditKeys []string) (*Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !sort.IncludesPrimaryKey(s.primaryKey) {
		return nil, ivmerr.Invariant("source %s: ordering does not include primary key", s.tableName)
	}

	sig := signature(sort)
	idx, ok := s.indices[sig]
	if !ok {
		idx = newIndex(sort, s.pkIndex().rows)
		s.indices[sig] = idx
	}
	idx.refcount++

	splitSet := make(map[string]struct{}, len(splitEditKeys))
	for _, col := range splitEditKeys {
		splitSet[col] = struct{}{}
	}

	conn := &Connection{
		source:        s,
		outputIndex:   len(s.connections),
		ordering:      sort,
		indexSig:      sig,
		filter:        filter,
		splitEditKeys: splitSet,
	}
	s.connections = append(s.connections, conn)

	s.logger.Debug("source_connection_opened",
		slog.String("table", s.tableName),
		slog.Int("output_index", conn.outputIndex),
		slog.String("index", sig),
	)

	return conn, nil
}

// destroy releases conn's hold on its index, dropping the index once its
// refcount reaches zero (the primary-key index is never dropped).
func (s *Source) destroy(conn *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conn.destroyed.Load() {
		return
	}
	conn.destroyed.Store(true)

	idx, ok := s.indices[conn.indexSig]
	if !ok {
		return
	}
	idx.refcount--
	if idx.refcount <= 0 && conn.indexSig != s.pkSig {
		delete(s.indices, conn.indexSig)
		s.logger.Debug("source_index_dropped", slog.String("table", s.tableName), slog.String("index", conn.indexSig))
	}
}

// # Push

// Push applies change atomically: resolves Set to Add/Edit, validates
// primary-key invariants, notifies every live connection (in insertion
// order) under the overlay protocol, then commits into every index.
//
// Push serializes against other pushes on the same Source (via pushMu) but
// does not hold that structural lock while a connection's Output runs, so a
// downstream consumer is free to call back into Fetch from within its Push.
func (s *Source) Push(sc change.SourceChange) error {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()

	s.mu.Lock()
	kind, newRow, oldRow, err := s.resolve(sc)
	conns := append([]*Connection(nil), s.connections...)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	for _, conn := range conns {
		if conn.destroyed.Load() {
			continue
		}
		s.notify(conn, kind, newRow, oldRow)
	}

	s.mu.Lock()
	s.commit(kind, newRow, oldRow)
	s.mu.Unlock()
	return nil
}

// notify delivers one connection's view of the change, setting and clearing
// the overlay (or the split-edit overlay pair) around the delivery.
func (s *Source) notify(conn *Connection, kind change.SourceKind, newRow, oldRow row.Row) {
	if kind == change.SourceEdit && conn.needsSplit(oldRow, newRow) {
		s.withOverlay(&s.splitOverlay, &overlayState{
			outputIndex: conn.outputIndex,
			kind:        change.SourceRemove,
			oldRow:      oldRow,
		}, func() {
			conn.deliver(change.NewRemove(row.Node{Row: oldRow}))
		})
		s.withOverlay(&s.overlay, &overlayState{
			outputIndex: conn.outputIndex,
			kind:        change.SourceAdd,
			newRow:      newRow,
		}, func() {
			conn.deliver(change.NewAdd(row.Node{Row: newRow}))
		})
		return
	}

	s.withOverlay(&s.overlay, &overlayState{
		outputIndex: conn.outputIndex,
		kind:        kind,
		newRow:      newRow,
		oldRow:      oldRow,
	}, func() {
		conn.deliver(sourceChangeToChange(kind, newRow, oldRow))
	})
}

// withOverlay sets *slot for the duration of fn, guaranteeing it is cleared
// afterward even if fn panics — an unset overlay is a correctness
// requirement, not just cleanliness. mu is taken only for the set and the
// clear, never while fn runs, so fn is free to call back into Fetch.
func (s *Source) withOverlay(slot **overlayState, ov *overlayState, fn func()) {
	s.mu.Lock()
	*slot = ov
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		*slot = nil
		s.mu.Unlock()
	}()
	fn()
}

func sourceChangeToChange(kind change.SourceKind, newRow, oldRow row.Row) change.Change {
	switch kind {
	case change.SourceAdd:
		return change.NewAdd(row.Node{Row: newRow})
	case change.SourceRemove:
		return change.NewRemove(row.Node{Row: oldRow})
	case change.SourceEdit:
		return change.NewEdit(row.Node{Row: oldRow}, row.Node{Row: newRow})
	default:
		return change.NewAdd(row.Node{Row: newRow})
	}
}

// resolve turns a SourceChange into a concrete (kind, newRow, oldRow),
// resolving Set to Add or Edit, and validates the primary-key invariants
// for the resolved kind.
func (s *Source) resolve(sc change.SourceChange) (change.SourceKind, row.Row, row.Row, error) {
	switch sc.Kind {
	case change.SourceAdd:
		if _, exists := s.lookup(sc.Row); exists {
			return 0, nil, nil, ivmerr.Invariant("source %s: add of existing primary key", s.tableName)
		}
		return change.SourceAdd, sc.Row, nil, nil

	case change.SourceRemove:
		existing, exists := s.lookup(sc.Row)
		if !exists {
			return 0, nil, nil, ivmerr.Invariant("source %s: remove of missing primary key", s.tableName)
		}
		return change.SourceRemove, nil, existing, nil

	case change.SourceEdit:
		existing, exists := s.lookup(sc.Row)
		if !exists {
			return 0, nil, nil, ivmerr.Invariant("source %s: edit of missing primary key", s.tableName)
		}
		return change.SourceEdit, sc.Row, existing, nil

	case change.SourceSet:
		if existing, exists := s.lookup(sc.Row); exists {
			return change.SourceEdit, sc.Row, existing, nil
		}
		return change.SourceAdd, sc.Row, nil, nil

	default:
		return 0, nil, nil, ivmerr.Invariant("source %s: unknown source change kind %d", s.tableName, sc.Kind)
	}
}

// commit applies the resolved change to every index.
func (s *Source) commit(kind change.SourceKind, newRow, oldRow row.Row) {
	for _, idx := range s.indices {
		switch kind {
		case change.SourceAdd:
			idx.insert(newRow)
		case change.SourceRemove:
			idx.delete(s.primaryKey, oldRow)
		case change.SourceEdit:
			idx.delete(s.primaryKey, oldRow)
			idx.insert(newRow)
		}
	}
}

// # GenPush

// genPushIterator drives Push one connection at a time, yielding between
// each — the generator form used to interleave a push with other
// cooperative work.
type genPushIterator struct {
	source  *Source
	sc      change.SourceChange
	kind    change.SourceKind
	newRow  row.Row
	oldRow  row.Row
	pos     int
	err     error
	started bool
	done    bool
}

// GenPush returns the generator form of Push: each call to Next() delivers
// to (at most) one more connection and returns a Yield item; the final call
// commits the change and returns (Item{}, false). GenPush takes pushMu for
// the lifetime of the generator, so callers must drive it to exhaustion
// (or accept that the Source cannot be pushed to again until they do).
func (s *Source) GenPush(sc change.SourceChange) op.ItemIterator {
	s.pushMu.Lock()
	return &genPushIterator{source: s, sc: sc}
}

func (g *genPushIterator) Next() (op.Item, bool) {
	if g.done {
		return op.Item{}, false
	}

	if !g.started {
		g.source.mu.Lock()
		kind, newRow, oldRow, err := g.source.resolve(g.sc)
		g.source.mu.Unlock()
		if err != nil {
			g.err = err
			g.finish()
			return op.Item{}, false
		}
		g.kind, g.newRow, g.oldRow = kind, newRow, oldRow
		g.started = true
	}

	g.source.mu.Lock()
	var conn *Connection
	if g.pos < len(g.source.connections) {
		conn = g.source.connections[g.pos]
		g.pos++
	}
	g.source.mu.Unlock()

	if conn != nil {
		if !conn.destroyed.Load() {
			g.source.notify(conn, g.kind, g.newRow, g.oldRow)
		}
		return op.YieldItem(), true
	}

	g.source.mu.Lock()
	g.source.commit(g.kind, g.newRow, g.oldRow)
	g.source.mu.Unlock()
	g.finish()
	return op.Item{}, false
}

// finish marks the generator exhausted and releases pushMu.
func (g *genPushIterator) finish() {
	g.done = true
	g.source.pushMu.Unlock()
}

// Err returns the error, if any, produced by resolving the pushed change.
// Only meaningful after the iterator is exhausted.
func (g *genPushIterator) Err() error { return g.err }

// # Fork

// Fork creates an independent Source sharing no mutable state, with a
// cloned primary-key index. Connections are not copied. Used for snapshot
// isolation in tests.
func (s *Source) Fork() *Source {
	s.mu.Lock()
	defer s.mu.Unlock()

	forked := &Source{
		tableName:  s.tableName,
		primaryKey: s.primaryKey,
		pkSig:      s.pkSig,
		indices:    map[string]*index{s.pkSig: s.pkIndex().clone()},
		logger:     s.logger,
	}
	return forked
}

// # Introspection

// TableName returns the Source's table name.
func (s *Source) TableName() string { return s.tableName }

// PrimaryKey returns the Source's primary key column sequence.
func (s *Source) PrimaryKey() row.PrimaryKey { return s.primaryKey }

// Snapshot returns every row currently in the Source, in primary-key order.
// Intended for debug/introspection, not for the push hot path.
func (s *Source) Snapshot() []row.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]row.Row, len(s.pkIndex().rows))
	copy(out, s.pkIndex().rows)
	return out
}
