// Copyright (c) 2026 Relsync. All rights reserved.

package api

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relsync/relsync/internal/ivm/change"
	"github.com/relsync/relsync/internal/ivm/row"
	"github.com/relsync/relsync/internal/ivm/value"
	"github.com/relsync/relsync/internal/ivm/view"
	"github.com/relsync/relsync/internal/platform/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	cfg := &config.Config{
		JoinCacheSampleSize: 64,
		JoinCacheMinHitRate: 0.5,
		JoinCacheMaxNodes:   1024,
	}
	reg, err := NewRegistry(cfg, discardLogger())
	require.NoError(t, err)
	return reg
}

func TestRegistry_ApplyUnknownSourceFails(t *testing.T) {
	reg := newTestRegistry(t)

	err := reg.Apply("not_a_table", change.NewSourceAdd(row.Row{"id": value.String("x")}))
	assert.Error(t, err)
}

func TestRegistry_ApplyJoinsListItemsUnderParentList(t *testing.T) {
	reg := newTestRegistry(t)

	require.NoError(t, reg.Apply("lists", change.NewSourceAdd(row.Row{
		"id": value.String("list-1"),
	})))
	require.NoError(t, reg.Apply("list_items", change.NewSourceAdd(row.Row{
		"id":      value.String("item-1"),
		"list_id": value.String("list-1"),
	})))

	entries, ok := reg.View.Data().([]*view.Entry)
	require.True(t, ok)
	require.Len(t, entries, 1)

	children, ok := entries[0].Children["items"].([]*view.Entry)
	require.True(t, ok)
	require.Len(t, children, 1)
	assert.Equal(t, value.String("item-1"), children[0].Row["id"])
}

func TestRegistry_ApplyRemoveDetachesRow(t *testing.T) {
	reg := newTestRegistry(t)

	listRow := row.Row{"id": value.String("list-1")}
	require.NoError(t, reg.Apply("lists", change.NewSourceAdd(listRow)))
	require.NoError(t, reg.Apply("lists", change.NewSourceRemove(listRow)))

	entries, ok := reg.View.Data().([]*view.Entry)
	require.True(t, ok)
	assert.Empty(t, entries)
}
