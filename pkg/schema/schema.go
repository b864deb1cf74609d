// Package schema models the table schema, schema version, and the
// per-call-chain schema cache used to resolve column layout for a tablet.
package schema

import "github.com/cockroachdb/errors"

// SchemaVersion is a monotonically increasing version number assigned by
// the catalog manager to each schema revision of a table.
type SchemaVersion uint32

// Column is one column of a Schema.
type Column struct {
	ID         uint32
	Name       string
	PgTypeOID  uint32
	IsKey      bool
	IsHashKey  bool
	IsNullable bool
}

// Schema is an ordered set of columns plus the PostgreSQL-compatible schema
// name the records are stamped with (RowMessage.pgschema_name).
type Schema struct {
	PgSchemaName    string
	TableName       string
	Columns         []Column
	DefaultTTLSec   int64
	NumTablets      int32
	IsCatalogTable  bool
	NewTableNameHint string // non-empty only for a rename DDL
}

// NumColumns returns the total column count.
func (s Schema) NumColumns() int { return len(s.Columns) }

// NumKeyColumns returns the count of columns that form the primary key
// (hash + range columns), in schema order.
func (s Schema) NumKeyColumns() int {
	n := 0
	for _, c := range s.Columns {
		if c.IsKey {
			n++
		}
	}
	return n
}

// IsKeyColumn reports whether columnID belongs to the schema's key columns.
func (s Schema) IsKeyColumn(columnID uint32) bool {
	for _, c := range s.Columns {
		if c.ID == columnID {
			return c.IsKey
		}
	}
	return false
}

// ColumnByID finds the column with the given id.
func (s Schema) ColumnByID(columnID uint32) (Column, error) {
	for _, c := range s.Columns {
		if c.ID == columnID {
			return c, nil
		}
	}
	return Column{}, errors.Newf("schema: no such column id %d", columnID)
}

// ColumnAt returns the schema column at ordinal position i, used when
// projecting a decoded primary key's hashed/range groups onto schema
// columns in order.
func (s Schema) ColumnAt(i int) (Column, error) {
	if i < 0 || i >= len(s.Columns) {
		return Column{}, errors.Newf("schema: column ordinal %d out of range", i)
	}
	return s.Columns[i], nil
}

// Initialized reports whether the schema has been populated (has at least
// one column) vs. being the zero value.
func (s Schema) Initialized() bool {
	return len(s.Columns) > 0
}
