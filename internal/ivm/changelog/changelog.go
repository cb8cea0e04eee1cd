// Copyright (c) 2026 Relsync. All rights reserved.

/*
Package changelog implements the replica-local, version-ordered record of
which rows changed (spec.md §4.4/§6): a durable Postgres table a view-syncer
replays in `(stateVersion, pos)` order to catch a connection up to the
current state.

Core Responsibility:

  - Store: the changelog and column-metadata tables, with the
    last-op-per-row collapse and set-with-backfill merge semantics applied
    inside a single statement via `INSERT ... ON CONFLICT`.
  - Watermark: the highest stateVersion durably written, read by the debug
    HTTP surface outside the single-threaded write path.

Uses pgx/pgxpool directly rather than an ORM, matching how the teacher's
own `internal/platform/postgres` package is consumed throughout its
domain layer.
*/
package changelog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/atomic"

	"github.com/relsync/relsync/internal/ivm/row"
	"github.com/relsync/relsync/internal/ivm/value"
	"github.com/relsync/relsync/internal/platform/dberr"
)

// Op tags the kind of changelog entry, matching spec.md §4.4's four-letter
// vocabulary exactly.
type Op string

const (
	// OpSet is a row insert or update.
	OpSet Op = "s"
	// OpDelete is a row delete.
	OpDelete Op = "d"
	// OpTruncate clears an entire table.
	OpTruncate Op = "t"
	// OpReset marks a full-replica resync boundary.
	OpReset Op = "r"
)

// Entry is one row of the changelog table.
type Entry struct {
	StateVersion              string
	Pos                       int
	Table                     string
	RowKey                    string
	Op                        Op
	BackfillingColumnVersions map[string]string
}

// Store is the Postgres-backed changelog and column-metadata store.
type Store struct {
	pool      *pgxpool.Pool
	watermark atomic.String
}

// New wraps pool. watermark starts empty; call [Store.LoadWatermark] after
// construction to resume from a previously-written state.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Watermark returns the highest stateVersion durably written so far, safe
// to call concurrently with in-flight writes.
func (s *Store) Watermark() string { return s.watermark.Load() }

// LoadWatermark reads the highest stateVersion currently in the table,
// for resuming after a restart.
func (s *Store) LoadWatermark(ctx context.Context) error {
	var max string
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(state_version), '') FROM changelog`).Scan(&max)
	if err != nil {
		return dberr.Wrap(err, "changelog.load_watermark")
	}
	s.watermark.Store(max)
	return nil
}

// canonicalRowKey renders pk's values from r as a canonical JSON object
// with sorted keys, per spec.md §6's "canonical JSON object (keys sorted)"
// rowKey rule. encoding/json already sorts map[string]any keys on marshal,
// so building from a plain map is sufficient — no separate sort step is
// needed beyond what the standard library already guarantees.
func canonicalRowKey(pk row.PrimaryKey, r row.Row) string {
	obj := make(map[string]any, len(pk))
	for _, col := range pk {
		obj[col] = jsonValue(r.Get(col))
	}
	b, _ := json.Marshal(obj)
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
		return v.Binary()
	default:
		return nil
	}
}

// backfillColumnsJSON renders cols as a JSON object mapping each column
// name to stateVersion, the per-call fragment merged over the existing
// backfillingColumnVersions by WriteSet's `||` jsonb concatenation.
func backfillColumnsJSON(stateVersion string, cols []string) (string, error) {
	obj := make(map[string]string, len(cols))
	for _, c := range cols {
		obj[c] = stateVersion
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("changelog: marshal backfilled columns: %w", err)
	}
	return string(b), nil
}

// WriteSet records a set (insert or update) of table's row identified by
// pk within r, at (stateVersion, pos).
//
// backfilled implements spec.md §4.4's set-with-backfill rule: nil clears
// backfillingColumnVersions entirely (the backfill is complete); a non-nil
// (possibly empty) slice sets each named column's version to stateVersion
// and merges over the existing map via jsonb's `||` concatenation operator,
// which is exactly the shallow top-level merge spec.md names as
// "json_patch" — unnamed columns' prior versions survive the merge
// untouched.
func (s *Store) WriteSet(ctx context.Context, stateVersion string, pos int, table string, pk row.PrimaryKey, r row.Row, backfilled []string) error {
	rowKey := canonicalRowKey(pk, r)

	query, colsJSON, err := writeSetQuery(stateVersion, backfilled)
	if err != nil {
		return err
	}
	args := []any{stateVersion, pos, table, rowKey, string(OpSet)}
	if colsJSON != "" {
		args = append(args, colsJSON)
	}

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return dberr.Wrap(err, "changelog.write_set")
	}
	s.advanceWatermark(stateVersion)
	return nil
}

// writeSetQuery builds the INSERT ... ON CONFLICT DO UPDATE statement for
// WriteSet, returning the $6 argument (colsJSON) separately so the caller
// only appends it when the query actually references it.
//
// insertSQL is the value backfilling_column_versions takes on a brand-new
// (table, row_key) row; updateSQL is the merge applied on conflict, where
// the "changelog" correlation name referring to the pre-existing row is in
// scope. The two differ because that name is not valid inside a VALUES
// list — referencing it there raises "missing FROM-clause entry for table
// changelog".
func writeSetQuery(stateVersion string, backfilled []string) (query string, colsJSON string, err error) {
	insertSQL, updateSQL := `'{}'::jsonb`, `'{}'::jsonb`
	if backfilled != nil {
		colsJSON, err = backfillColumnsJSON(stateVersion, backfilled)
		if err != nil {
			return "", "", err
		}
		insertSQL = `$6::jsonb`
		updateSQL = `COALESCE(changelog.backfilling_column_versions, '{}'::jsonb) || $6::jsonb`
	}

	query = fmt.Sprintf(`
		INSERT INTO changelog (state_version, pos, "table", row_key, op, backfilling_column_versions)
		VALUES ($1, $2, $3, $4, $5, %s)
		ON CONFLICT ("table", row_key) DO UPDATE SET
			state_version = excluded.state_version,
			pos = excluded.pos,
			op = excluded.op,
			backfilling_column_versions = %s
	`, insertSQL, updateSQL)
	return query, colsJSON, nil
}

// WriteDelete records a delete of table's row identified by pk within r.
// backfillingColumnVersions is cleared unconditionally, since a deleted
// row cannot have a pending backfill regardless of which columns it held.
func (s *Store) WriteDelete(ctx context.Context, stateVersion string, pos int, table string, pk row.PrimaryKey, r row.Row) error {
	rowKey := canonicalRowKey(pk, r)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO changelog (state_version, pos, "table", row_key, op, backfilling_column_versions)
		VALUES ($1, $2, $3, $4, $5, '{}'::jsonb)
		ON CONFLICT ("table", row_key) DO UPDATE SET
			state_version = excluded.state_version,
			pos = excluded.pos,
			op = excluded.op,
			backfilling_column_versions = '{}'::jsonb
	`, stateVersion, pos, table, rowKey, string(OpDelete))
	if err != nil {
		return dberr.Wrap(err, "changelog.write_delete")
	}
	s.advanceWatermark(stateVersion)
	return nil
}

// writeTableWideOp implements the shared shape of WriteTruncate/WriteReset:
// pos is fixed at -1 and rowKey equals stateVersion, per spec.md §4.4.
func (s *Store) writeTableWideOp(ctx context.Context, op Op, stateVersion, table string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO changelog (state_version, pos, "table", row_key, op, backfilling_column_versions)
		VALUES ($1, -1, $2, $1, $3, '{}'::jsonb)
		ON CONFLICT ("table", row_key) DO UPDATE SET
			state_version = excluded.state_version,
			pos = excluded.pos,
			op = excluded.op,
			backfilling_column_versions = '{}'::jsonb
	`, stateVersion, table, string(op))
	if err != nil {
		return dberr.Wrap(err, fmt.Sprintf("changelog.write_%s", op))
	}
	s.advanceWatermark(stateVersion)
	return nil
}

// WriteTruncate records a table-wide truncate at stateVersion.
func (s *Store) WriteTruncate(ctx context.Context, stateVersion, table string) error {
	return s.writeTableWideOp(ctx, OpTruncate, stateVersion, table)
}

// WriteReset records a full-replica resync boundary at stateVersion.
func (s *Store) WriteReset(ctx context.Context, stateVersion, table string) error {
	return s.writeTableWideOp(ctx, OpReset, stateVersion, table)
}

// ReadSince returns every entry with (stateVersion, pos) strictly after
// (afterVersion, afterPos), in the canonical replay order: primarily by
// (stateVersion, pos), with op as the tiebreaker at pos = -1 — which sorts
// 'r' before 't' by plain byte comparison, giving resets precedence over
// truncates in the same version exactly as spec.md §4.4 requires, with no
// separate case needed in this query.
func (s *Store) ReadSince(ctx context.Context, afterVersion string, afterPos int, limit int) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT state_version, pos, "table", row_key, op, backfilling_column_versions
		FROM changelog
		WHERE (state_version, pos) > ($1, $2)
		ORDER BY state_version, pos, op
		LIMIT $3
	`, afterVersion, afterPos, limit)
	if err != nil {
		return nil, dberr.Wrap(err, "changelog.read_since")
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var op string
		var backfillJSON []byte
		if err := rows.Scan(&e.StateVersion, &e.Pos, &e.Table, &e.RowKey, &op, &backfillJSON); err != nil {
			return nil, dberr.Wrap(err, "changelog.read_since.scan")
		}
		e.Op = Op(op)
		if len(backfillJSON) > 0 {
			if err := json.Unmarshal(backfillJSON, &e.BackfillingColumnVersions); err != nil {
				return nil, fmt.Errorf("changelog: unmarshal backfilling_column_versions: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, dberr.Wrap(err, "changelog.read_since.rows")
	}
	return out, nil
}

// ListPage returns one page of changelog entries in canonical replay order,
// optionally restricted to a set of tables, plus the total row count for
// building pagination metadata. Unlike [Store.ReadSince], which a
// view-syncer uses to resume a specific cursor, this is the debug
// surface's browse-everything view and is offset-paginated accordingly.
func (s *Store) ListPage(ctx context.Context, tables []string, page, limit int) ([]Entry, int, error) {
	offset := 0
	if page > 1 {
		offset = (page - 1) * limit
	}

	tableFilter := "TRUE"
	countArgs := []any{}
	pageArgs := []any{limit, offset}
	if len(tables) > 0 {
		tableFilter = `"table" = ANY($1)`
		countArgs = []any{tables}
		pageArgs = []any{tables, limit, offset}
	}

	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM changelog WHERE %s`, tableFilter)
	if err := s.pool.QueryRow(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, dberr.Wrap(err, "changelog.list_page.count")
	}

	pageQuery := fmt.Sprintf(`
		SELECT state_version, pos, "table", row_key, op, backfilling_column_versions
		FROM changelog
		WHERE %s
		ORDER BY state_version, pos, op
		LIMIT $%d OFFSET $%d
	`, tableFilter, len(pageArgs)-1, len(pageArgs))
	rows, err := s.pool.Query(ctx, pageQuery, pageArgs...)
	if err != nil {
		return nil, 0, dberr.Wrap(err, "changelog.list_page")
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var op string
		var backfillJSON []byte
		if err := rows.Scan(&e.StateVersion, &e.Pos, &e.Table, &e.RowKey, &op, &backfillJSON); err != nil {
			return nil, 0, dberr.Wrap(err, "changelog.list_page.scan")
		}
		e.Op = Op(op)
		if len(backfillJSON) > 0 {
			if err := json.Unmarshal(backfillJSON, &e.BackfillingColumnVersions); err != nil {
				return nil, 0, fmt.Errorf("changelog: unmarshal backfilling_column_versions: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, dberr.Wrap(err, "changelog.list_page.rows")
	}
	return out, total, nil
}

func (s *Store) advanceWatermark(stateVersion string) {
	for {
		cur := s.watermark.Load()
		if cur >= stateVersion {
			return
		}
		if s.watermark.CompareAndSwap(cur, stateVersion) {
			return
		}
	}
}
