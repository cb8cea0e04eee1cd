// Copyright (c) 2026 Relsync. All rights reserved.

package changelog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relsync/relsync/internal/ivm/row"
	"github.com/relsync/relsync/internal/ivm/value"
)

// These tests exercise the pure, Postgres-independent pieces of this
// package — canonical row-key rendering and the per-write backfill
// fragment — since the merge/collapse behavior itself lives in SQL
// (`ON CONFLICT ... DO UPDATE`, jsonb `||`) and needs a live database to
// observe end to end; no example in the retrieval pack runs a database in
// its own unit tests either.

func TestCanonicalRowKey_SingleColumnSortsDeterministically(t *testing.T) {
	pk := row.PrimaryKey{"id"}
	key := canonicalRowKey(pk, row.Row{"id": value.Number(8), "name": value.String("x")})
	assert.Equal(t, `{"id":8}`, key)
}

func TestCanonicalRowKey_CompoundKeySortsColumnsAlphabetically(t *testing.T) {
	pk := row.PrimaryKey{"b", "a"}
	key := canonicalRowKey(pk, row.Row{"a": value.Number(1), "b": value.Number(2)})
	assert.Equal(t, `{"a":1,"b":2}`, key, "encoding/json sorts map keys regardless of pk's declared order")
}

// TestWriteSetQuery_NoBackfillUsesEmptyObjectInBothClauses pins the shape of
// the query for a set op that carries no backfilled columns.
func TestWriteSetQuery_NoBackfillUsesEmptyObjectInBothClauses(t *testing.T) {
	query, colsJSON, err := writeSetQuery("123", nil)
	require.NoError(t, err)
	assert.Empty(t, colsJSON, "no $6 argument is needed when there is nothing to backfill")
	assert.Contains(t, query, "VALUES ($1, $2, $3, $4, $5, '{}'::jsonb)")
	assert.Contains(t, query, "backfilling_column_versions = '{}'::jsonb")
}

// TestWriteSetQuery_BackfillUsesBareParamInValuesAndMergeOnConflict pins the
// bug a maintainer caught in review: the target table's own correlation
// name ("changelog") is only in scope inside ON CONFLICT DO UPDATE SET, not
// inside the INSERT's VALUES list. Reusing the COALESCE(...) merge
// expression in the VALUES clause is invalid PostgreSQL and raises
// "missing FROM-clause entry for table changelog" on every backfilled
// insert — the common backfill-catch-up case, spec.md §8 scenario 6. The
// VALUES clause must carry a bare $6::jsonb; only DO UPDATE SET merges
// against the pre-existing row.
func TestWriteSetQuery_BackfillUsesBareParamInValuesAndMergeOnConflict(t *testing.T) {
	query, colsJSON, err := writeSetQuery("123", []string{"c", "b"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"b":"123","c":"123"}`, colsJSON)
	assert.Contains(t, query, "VALUES ($1, $2, $3, $4, $5, $6::jsonb)",
		"the VALUES clause must not reference the changelog correlation name")
	assert.Contains(t, query,
		"backfilling_column_versions = COALESCE(changelog.backfilling_column_versions, '{}'::jsonb) || $6::jsonb",
		"only ON CONFLICT DO UPDATE SET may reference the pre-existing row")
	assert.NotContains(t, query, "VALUES ($1, $2, $3, $4, $5, COALESCE(",
		"COALESCE(changelog...) is not valid inside a VALUES list")
}

// TestBackfillColumnsJSON_Scenario6 pins spec.md §8 scenario 6's sequence
// of per-write fragments; the merge itself (accumulating into
// {"b":"123","c":"2440","d":"2440"}) happens in SQL via jsonb `||`, not in
// this function, but each fragment this produces is exactly what that
// operator merges against the previous state.
func TestBackfillColumnsJSON_Scenario6(t *testing.T) {
	frag1, err := backfillColumnsJSON("123", []string{"c", "b"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"b":"123","c":"123"}`, frag1)

	frag2, err := backfillColumnsJSON("2440", []string{"d", "c"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"c":"2440","d":"2440"}`, frag2)

	frag3, err := backfillColumnsJSON("2560", []string{})
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, frag3, "an empty but non-nil backfilled list still merges a (no-op) fragment, not a clear")

	frag4, err := backfillColumnsJSON("2888", []string{"e", "f"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"e":"2888","f":"2888"}`, frag4)
}
