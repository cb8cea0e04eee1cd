// Copyright (c) 2026 Relsync. All rights reserved.

/*
Package api, in this file, wires the demo operator graph the debug surface
serves: two in-memory Sources joined and windowed under a single
[view.View], giving the view server something to fetch, mutate, and poke
against without a real CDC replication stream feeding it.
*/
package api

import (
	"fmt"
	"log/slog"

	"github.com/relsync/relsync/internal/ivm/change"
	"github.com/relsync/relsync/internal/ivm/operator/join"
	"github.com/relsync/relsync/internal/ivm/operator/window"
	"github.com/relsync/relsync/internal/ivm/row"
	"github.com/relsync/relsync/internal/ivm/source"
	"github.com/relsync/relsync/internal/ivm/storage"
	"github.com/relsync/relsync/internal/ivm/view"
	"github.com/relsync/relsync/internal/platform/config"
)

// Registry holds the engine-level state the debug surface operates on: the
// named Sources mutations are routed to, and the root View clients read.
type Registry struct {
	Sources map[string]*source.Source
	View    *view.View
}

// NewRegistry builds the demo pipeline: a "lists" Source joined to a
// "list_items" Source under relationship "items", windowed to the first
// demoListTakeLimit lists, materialized into a plural-root,
// plural-relationship [view.View].
//
// This mirrors spec.md §8 scenarios 2 and 3 (a one-level join, a take with
// a limit) as the shape of a real query plan would produce them, not a
// contrived fixture.
func NewRegistry(cfg *config.Config, log *slog.Logger) (*Registry, error) {
	lists := source.New("lists", row.PrimaryKey{"id"}, log)
	items := source.New("list_items", row.PrimaryKey{"id"}, log)

	listsConn, err := lists.Connect(row.Ordering{{Column: "id"}}, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("api: connect lists source: %w", err)
	}
	itemsConn, err := items.Connect(row.Ordering{{Column: "id"}}, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("api: connect list_items source: %w", err)
	}

	joined := join.New(listsConn, itemsConn, join.Config{
		ParentKey:        []string{"id"},
		ChildKey:         []string{"list_id"},
		RelationshipName: "items",
		CacheSampleSize:  cfg.JoinCacheSampleSize,
		CacheMinHitRate:  cfg.JoinCacheMinHitRate,
		CacheMaxNodes:    cfg.JoinCacheMaxNodes,
	})

	root := window.NewTake(joined, demoListTakeLimit, storage.NewMemory())

	format := &view.Format{
		Singular: false,
		Relationships: map[string]*view.Format{
			"items": {Singular: false},
		},
	}

	v := view.New(root, format)

	return &Registry{
		Sources: map[string]*source.Source{
			"lists":      lists,
			"list_items": items,
		},
		View: v,
	}, nil
}

// demoListTakeLimit bounds the root window so /view stays a manageable
// snapshot regardless of how many rows have been pushed via /mutate.
const demoListTakeLimit = 50

// Apply pushes sc to the named source and flushes the view so the next
// /view read observes it. It is the demo/test harness mutation path
// spec.md scopes out of the engine itself (the real path is the
// out-of-scope CDC replication stream).
func (r *Registry) Apply(table string, sc change.SourceChange) error {
	src, ok := r.Sources[table]
	if !ok {
		return fmt.Errorf("api: unknown source %q", table)
	}
	if err := src.Push(sc); err != nil {
		return fmt.Errorf("api: push to %q: %w", table, err)
	}
	r.View.Flush()
	return nil
}
