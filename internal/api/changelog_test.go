// Copyright (c) 2026 Relsync. All rights reserved.

package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relsync/relsync/internal/ivm/changelog"
	"github.com/relsync/relsync/pkg/query"
)

// toEntryDTOs and the "tables" query-param parsing are the only pieces of
// this handler that don't need a live Postgres connection — ListPage
// itself is exercised the same way the rest of the changelog package's
// SQL-backed behavior is: not in this package's unit tests.

func TestToEntryDTOs_MapsStorageEntryToWireShape(t *testing.T) {
	entries := []changelog.Entry{{
		StateVersion:              "00000000000000001",
		Pos:                       3,
		Table:                     "lists",
		RowKey:                    `{"id":"list-1"}`,
		Op:                        "s",
		BackfillingColumnVersions: map[string]string{"name": "00000000000000001"},
	}}

	dtos := toEntryDTOs(entries)

	require.Len(t, dtos, 1)
	assert.Equal(t, entryDTO{
		StateVersion: "00000000000000001",
		Pos:          3,
		Table:        "lists",
		RowKey:       `{"id":"list-1"}`,
		Op:           "s",
		Backfilling:  map[string]string{"name": "00000000000000001"},
	}, dtos[0])
}

func TestToEntryDTOs_EmptyInputYieldsEmptyOutput(t *testing.T) {
	assert.Empty(t, toEntryDTOs(nil))
}

func TestChangelogQueryParam_TablesSplitsOnComma(t *testing.T) {
	assert.Equal(t, []string{"lists", "list_items"}, query.StringSlice("lists, list_items"))
	assert.Nil(t, query.StringSlice(""))
}
