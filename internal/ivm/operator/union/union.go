// Copyright (c) 2026 Relsync. All rights reserved.

/*
Package union implements the Fan-out / Fan-in pair used to split a single
upstream change stream into independent branches and recombine them into a
single deduplicated stream.

Core Responsibility:

  - FanOut: delivers one upstream Change to every branch's own Output,
    then signals registered listeners that this push's fan-out is complete.
  - FanIn: collects at most one Change per unique primary key across all of
    its upstream branches during a push cycle, and emits the collected set
    only once FanOut signals that cycle is done — never mid-transaction.
*/
package union

import (
	"strings"

	"github.com/relsync/relsync/internal/ivm/change"
	"github.com/relsync/relsync/internal/ivm/op"
	"github.com/relsync/relsync/internal/ivm/row"
)

// # Fan-out

// fanOutBranch is one of FanOut's N downstream legs: an [op.Input] that
// delegates Fetch/Cleanup/Schema straight to the shared upstream and holds
// its own Output, which FanOut.Push fans the upstream Change out to.
type fanOutBranch struct {
	fanOut *FanOut
	output op.Output
}

func (b *fanOutBranch) Fetch(req op.FetchRequest) op.ItemIterator   { return b.fanOut.upstream.Fetch(req) }
func (b *fanOutBranch) Cleanup(req op.FetchRequest) op.ItemIterator { return b.fanOut.upstream.Cleanup(req) }
func (b *fanOutBranch) SetOutput(out op.Output)                     { b.output = out }
func (b *fanOutBranch) Schema() *row.SourceSchema                   { return b.fanOut.upstream.Schema() }

// Destroy releases this branch's hold on the shared upstream; the upstream
// itself is destroyed once every branch has released it.
func (b *fanOutBranch) Destroy() { b.fanOut.release() }

// FanOut delivers a single upstream Change to every one of its branches'
// own Outputs, then notifies anything (typically a downstream FanIn)
// waiting for "this push's fan-out is complete".
type FanOut struct {
	upstream  op.Input
	branches  []*fanOutBranch
	live      int
	doneHooks []func()
}

// New wraps upstream, producing n independent branches ([FanOut.Branch]).
func New(upstream op.Input, n int) *FanOut {
	fo := &FanOut{upstream: upstream, live: n}
	fo.branches = make([]*fanOutBranch, n)
	for i := range fo.branches {
		fo.branches[i] = &fanOutBranch{fanOut: fo}
	}
	upstream.SetOutput(fo)
	return fo
}

// Branch returns branch i's [op.Input] view, for wiring into a downstream
// operator chain (typically a Filter per branch).
func (fo *FanOut) Branch(i int) op.Input { return fo.branches[i] }

// AddDoneListener registers fn to run after every push has been delivered
// to all branches. A [FanIn] recombining this FanOut's branches registers
// its own flush here so it never emits mid-transaction.
func (fo *FanOut) AddDoneListener(fn func()) { fo.doneHooks = append(fo.doneHooks, fn) }

func (fo *FanOut) release() {
	fo.live--
	if fo.live <= 0 {
		fo.upstream.Destroy()
	}
}

// Push implements [op.Output]: delivers c to every branch with a
// registered Output, then fires the done hooks.
func (fo *FanOut) Push(c change.Change) {
	for _, b := range fo.branches {
		if b.output != nil {
			b.output.Push(c)
		}
	}
	for _, hook := range fo.doneHooks {
		hook()
	}
}

// # Fan-in

// FanIn merges N upstream branches, deduplicating by primary key: at most
// one Change reaches its own Output per unique row per push cycle. Emission
// is deferred until the paired FanOut signals the cycle is complete.
type FanIn struct {
	pk        row.PrimaryKey
	upstreams []op.Input
	output    op.Output
	pending   map[string]change.Change
	order     []string
}

// NewFanIn wraps upstreams (typically a FanOut's branches, each followed by its
// own Filter), deduplicating their pushes by pk. fanOut is the paired
// [FanOut] whose done signal triggers this FanIn's flush.
func NewFanIn(pk row.PrimaryKey, fanOut *FanOut, upstreams []op.Input) *FanIn {
	fi := &FanIn{pk: pk, upstreams: upstreams, pending: make(map[string]change.Change)}
	for _, u := range upstreams {
		u.SetOutput(fi)
	}
	fanOut.AddDoneListener(fi.flush)
	return fi
}

func (fi *FanIn) rowKey(r row.Row) string {
	var b strings.Builder
	for _, v := range fi.pk.Values(r) {
		b.WriteString(v.Key())
		b.WriteByte('|')
	}
	return b.String()
}

// Push implements [op.Output]: buffers c under its row's primary key rather
// than forwarding immediately, so that two branches pushing about the same
// row within one push cycle collapse into a single downstream Change —
// the most recently buffered one wins, since within a single upstream push
// cycle a later branch's view of a row supersedes an earlier branch's.
func (fi *FanIn) Push(c change.Change) {
	key := fi.rowKey(c.Node.Row)
	if _, seen := fi.pending[key]; !seen {
		fi.order = append(fi.order, key)
	}
	fi.pending[key] = c
}

func (fi *FanIn) flush() {
	if fi.output == nil {
		fi.pending = make(map[string]change.Change)
		fi.order = nil
		return
	}
	for _, key := range fi.order {
		fi.output.Push(fi.pending[key])
	}
	fi.pending = make(map[string]change.Change)
	fi.order = nil
}

// Fetch implements [op.Input]: unions every branch's current rows, keeping
// only the first occurrence of each primary key (branches are expected to
// be disjoint in the common case; an overlap is resolved by branch order).
func (fi *FanIn) Fetch(req op.FetchRequest) op.ItemIterator {
	return op.NewItemIterator(fi.fetchDeduped(req, false))
}

// Cleanup implements [op.Input]: like Fetch, but also releases every
// branch's per-subtree state for req.
func (fi *FanIn) Cleanup(req op.FetchRequest) op.ItemIterator {
	return op.NewItemIterator(fi.fetchDeduped(req, true))
}

func (fi *FanIn) fetchDeduped(req op.FetchRequest, cleanup bool) []row.Node {
	seen := make(map[string]struct{})
	var out []row.Node
	for _, u := range fi.upstreams {
		var nodes []row.Node
		if cleanup {
			nodes = op.Nodes(u.Cleanup(req))
		} else {
			nodes = op.Nodes(u.Fetch(req))
		}
		for _, n := range nodes {
			key := fi.rowKey(n.Row)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, n)
		}
	}
	return out
}

// SetOutput implements [op.Input].
func (fi *FanIn) SetOutput(out op.Output) { fi.output = out }

// Destroy implements [op.Input].
func (fi *FanIn) Destroy() {
	for _, u := range fi.upstreams {
		u.Destroy()
	}
}

// Schema implements [op.Input]: all branches share the same upstream
// schema by construction (they are views of the same FanOut).
func (fi *FanIn) Schema() *row.SourceSchema { return fi.upstreams[0].Schema() }
