// Package cdcpb holds the wire-level message shapes emitted by the CDC
// producer core. The upstream system frames these as a single oneof-style
// Protocol Buffers envelope (CDCSDKProtoRecordPB / RowMessage); this
// package expresses the same envelope as a tagged Go sum type rather than
// a single god-object record, and carries `json` tags so it can be
// marshalled for tests and local tooling without a protoc toolchain.
package cdcpb

import "github.com/tabletsql/cdcsdk/pkg/opid"

// Op identifies the kind of LogicalRecord.
type Op int

const (
	OpUnknown Op = iota
	OpBegin
	OpCommit
	OpInsert
	OpUpdate
	OpDelete
	OpRead
	OpDDL
	OpTruncate
)

func (o Op) String() string {
	switch o {
	case OpBegin:
		return "BEGIN"
	case OpCommit:
		return "COMMIT"
	case OpInsert:
		return "INSERT"
	case OpUpdate:
		return "UPDATE"
	case OpDelete:
		return "DELETE"
	case OpRead:
		return "READ"
	case OpDDL:
		return "DDL"
	case OpTruncate:
		return "TRUNCATE"
	default:
		return "UNKNOWN"
	}
}

// IsRow reports whether op is one of the row-tuple-carrying variants.
func (o Op) IsRow() bool {
	switch o {
	case OpInsert, OpUpdate, OpDelete, OpRead:
		return true
	default:
		return false
	}
}

// RecordOpId stamps a LogicalRecord with its WAL position plus, for records
// that flow through the intent replayer, the intra-transaction write-id and
// the provisional-write reverse-index key.
type RecordOpId struct {
	Term            int64  `json:"term"`
	Index           int64  `json:"index"`
	WriteID         int32  `json:"write_id"`
	ReverseIndexKey []byte `json:"write_id_key,omitempty"`
}

// FromCheckpointPosition builds a RecordOpId from a plain WAL position with
// no intra-transaction component (the non-transactional WRITE_OP / DDL /
// TRUNCATE / BEGIN / COMMIT case).
func FromCheckpointPosition(id opid.OpId) RecordOpId {
	return RecordOpId{Term: id.Term, Index: id.Index}
}

// Datum is one column value reported in a row tuple. When ColumnType is 0
// (invalid OID) or the underlying value carried no pg_type_oid, only the
// column name/type are reported and Value/Present stay zero, mirroring
// set_value_from_ql_binary's "no data, only name/type" branch.
type Datum struct {
	ColumnName string `json:"column_name"`
	ColumnType uint32 `json:"column_type,omitempty"`
	Present    bool   `json:"-"`
	Value      any    `json:"value,omitempty"`
}

// ColumnInfo describes one column of a DDL record's schema snapshot.
type ColumnInfo struct {
	Name       string `json:"name"`
	OID        uint32 `json:"oid"`
	IsKey      bool   `json:"is_key"`
	IsHashKey  bool   `json:"is_hash_key"`
	IsNullable bool   `json:"is_nullable"`
}

// TableProperties carries the subset of table-level metadata a
// CDCSDKTablePropertiesPB-equivalent message reports.
type TableProperties struct {
	DefaultTTLSeconds  int64 `json:"default_time_to_live"`
	NumTablets         int32 `json:"num_tablets"`
	IsYSQLCatalogTable bool  `json:"is_ysql_catalog_table"`
}

// LogicalRecord is one emitted change record. It is well-formed iff its
// Op and its populated fields agree: DELETE populates OldTuple,
// INSERT/UPDATE/READ populate NewTuple, and the unused side is
// present-but-empty to preserve positional parity with the populated side.
type LogicalRecord struct {
	Op           Op         `json:"op"`
	OpID         RecordOpId `json:"op_id"`
	Table        string     `json:"table"`
	PgSchemaName string     `json:"pgschema_name,omitempty"`

	// Row variants (INSERT/UPDATE/DELETE/READ).
	TransactionID string  `json:"transaction_id,omitempty"`
	NewTuple      []Datum `json:"new_tuple,omitempty"`
	OldTuple      []Datum `json:"old_tuple,omitempty"`
	CommitTime    uint64  `json:"commit_time,omitempty"`

	// DDL variant.
	ColumnInfo      []ColumnInfo     `json:"column_info,omitempty"`
	SchemaVersion   uint32           `json:"schema_version,omitempty"`
	TableProperties *TableProperties `json:"table_properties,omitempty"`
	NewTableName    string           `json:"new_table_name,omitempty"`
}

// WellFormed reports whether the record's tuple population matches its Op.
func (r *LogicalRecord) WellFormed() bool {
	switch r.Op {
	case OpDelete:
		return len(r.OldTuple) > 0 || len(r.NewTuple) == len(r.OldTuple)
	case OpInsert, OpUpdate, OpRead:
		return len(r.NewTuple) >= len(r.OldTuple)
	case OpDDL:
		return r.NewTuple == nil && r.OldTuple == nil
	case OpTruncate, OpBegin, OpCommit:
		return r.NewTuple == nil && r.OldTuple == nil
	default:
		return false
	}
}

// AddTuple appends an empty-paired slot to the record's tuple lists,
// returning a pointer to the slot that should carry data: OldTuple for
// DELETE, NewTuple otherwise. It always grows both slices together so
// tuple positions line up.
func (r *LogicalRecord) AddTuple() *Datum {
	if r.Op == OpDelete {
		r.OldTuple = append(r.OldTuple, Datum{})
		r.NewTuple = append(r.NewTuple, Datum{})
		return &r.OldTuple[len(r.OldTuple)-1]
	}
	r.NewTuple = append(r.NewTuple, Datum{})
	r.OldTuple = append(r.OldTuple, Datum{})
	return &r.NewTuple[len(r.NewTuple)-1]
}
