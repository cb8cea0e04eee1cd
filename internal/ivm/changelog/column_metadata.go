// Copyright (c) 2026 Relsync. All rights reserved.

package changelog

import (
	"context"

	"github.com/relsync/relsync/internal/platform/dberr"
)

// ColumnMetadata is one row of the `_zero_column_metadata` table (spec.md
// §6): the upstream schema facts a replica needs to decode a column's
// values without re-querying the source database's catalog on every read.
type ColumnMetadata struct {
	TableName          string
	ColumnName         string
	UpstreamType       string
	IsNotNull          bool
	IsEnum             bool
	IsArray            bool
	CharacterMaxLength *int
}

// UpsertColumnMetadata replaces the metadata row for each entry's
// (TableName, ColumnName), used when the schema-op stream reports a
// create-table/add-column/update-column event.
func (s *Store) UpsertColumnMetadata(ctx context.Context, entries []ColumnMetadata) error {
	for _, e := range entries {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO _zero_column_metadata
				(table_name, column_name, upstream_type, is_not_null, is_enum, is_array, character_max_length)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (table_name, column_name) DO UPDATE SET
				upstream_type = excluded.upstream_type,
				is_not_null = excluded.is_not_null,
				is_enum = excluded.is_enum,
				is_array = excluded.is_array,
				character_max_length = excluded.character_max_length
		`, e.TableName, e.ColumnName, e.UpstreamType, e.IsNotNull, e.IsEnum, e.IsArray, e.CharacterMaxLength)
		if err != nil {
			return dberr.Wrap(err, "changelog.upsert_column_metadata")
		}
	}
	return nil
}

// DropColumnMetadata removes a single column's metadata row, used when the
// schema-op stream reports a drop-column event.
func (s *Store) DropColumnMetadata(ctx context.Context, tableName, columnName string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM _zero_column_metadata WHERE table_name = $1 AND column_name = $2
	`, tableName, columnName)
	if err != nil {
		return dberr.Wrap(err, "changelog.drop_column_metadata")
	}
	return nil
}

// DropTableMetadata removes every column's metadata row for tableName,
// used when the schema-op stream reports a drop-table event.
func (s *Store) DropTableMetadata(ctx context.Context, tableName string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM _zero_column_metadata WHERE table_name = $1`, tableName)
	if err != nil {
		return dberr.Wrap(err, "changelog.drop_table_metadata")
	}
	return nil
}

// ColumnMetadataFor returns every column's metadata for tableName.
func (s *Store) ColumnMetadataFor(ctx context.Context, tableName string) ([]ColumnMetadata, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT table_name, column_name, upstream_type, is_not_null, is_enum, is_array, character_max_length
		FROM _zero_column_metadata
		WHERE table_name = $1
		ORDER BY column_name
	`, tableName)
	if err != nil {
		return nil, dberr.Wrap(err, "changelog.column_metadata_for")
	}
	defer rows.Close()

	var out []ColumnMetadata
	for rows.Next() {
		var cm ColumnMetadata
		if err := rows.Scan(&cm.TableName, &cm.ColumnName, &cm.UpstreamType, &cm.IsNotNull, &cm.IsEnum, &cm.IsArray, &cm.CharacterMaxLength); err != nil {
			return nil, dberr.Wrap(err, "changelog.column_metadata_for.scan")
		}
		out = append(out, cm)
	}
	if err := rows.Err(); err != nil {
		return nil, dberr.Wrap(err, "changelog.column_metadata_for.rows")
	}
	return out, nil
}
