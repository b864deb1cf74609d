package codec

import (
	"encoding/binary"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/tabletsql/cdcsdk/pkg/cdcpb"
)

// ValueType is the decoded value-type tag of a storage value: Tombstone,
// NullLow, PackedRow, and Primitive.
type ValueType byte

const (
	ValueTombstone ValueType = 1
	ValueNullLow   ValueType = 2
	ValuePackedRow ValueType = 3
	ValuePrimitive ValueType = 4
)

// PrimitiveKind tags the Go-native shape of a decoded primitive payload.
type PrimitiveKind byte

const (
	PrimitiveNull PrimitiveKind = iota
	PrimitiveInt64
	PrimitiveFloat64
	PrimitiveString
	PrimitiveBool
	PrimitiveBytes
)

// PrimitiveValue is a decoded column value prior to PostgreSQL-type-aware
// conversion.
type PrimitiveValue struct {
	Kind  PrimitiveKind
	Int   int64
	Float float64
	Str   string
	Bool  bool
	Bytes []byte
}

// ControlFields carries the value's non-payload metadata (e.g. a TTL
// override): metadata that precedes the value-type tag and must be
// consumed before the payload can be decoded, but otherwise doesn't
// participate in row assembly.
type ControlFields struct {
	TTLSeconds int64
}

// Value is the fully decoded storage value: its type tag, the primitive
// payload (meaningful only when Type == ValuePrimitive), and any control
// fields.
type Value struct {
	Type      ValueType
	Primitive PrimitiveValue
	Control   ControlFields
}

// DecodeValue decodes a storage value into its type, primitive payload,
// and control fields.
//
// Wire shape: [ttl varint][type tag byte][primitive payload, if Primitive]
func DecodeValue(value []byte) (Value, error) {
	ttl, sz := binary.Varint(value)
	if sz <= 0 {
		return Value{}, errors.Mark(errors.New("codec: truncated control fields"), ErrCorruption)
	}
	value = value[sz:]
	if len(value) < 1 {
		return Value{}, errors.Mark(errors.New("codec: missing value type tag"), ErrCorruption)
	}
	vt := ValueType(value[0])
	value = value[1:]

	out := Value{Type: vt, Control: ControlFields{TTLSeconds: ttl}}
	if vt != ValuePrimitive {
		return out, nil
	}
	if len(value) < 1 {
		return Value{}, errors.Mark(errors.New("codec: truncated primitive"), ErrCorruption)
	}
	kind := PrimitiveKind(value[0])
	payload := value[1:]
	switch kind {
	case PrimitiveNull:
		out.Primitive = PrimitiveValue{Kind: PrimitiveNull}
	case PrimitiveInt64:
		if len(payload) < 8 {
			return Value{}, errors.Mark(errors.New("codec: truncated int64"), ErrCorruption)
		}
		out.Primitive = PrimitiveValue{Kind: PrimitiveInt64, Int: int64(binary.BigEndian.Uint64(payload))}
	case PrimitiveFloat64:
		if len(payload) < 8 {
			return Value{}, errors.Mark(errors.New("codec: truncated float64"), ErrCorruption)
		}
		out.Primitive = PrimitiveValue{Kind: PrimitiveFloat64, Float: math.Float64frombits(binary.BigEndian.Uint64(payload))}
	case PrimitiveBool:
		if len(payload) < 1 {
			return Value{}, errors.Mark(errors.New("codec: truncated bool"), ErrCorruption)
		}
		out.Primitive = PrimitiveValue{Kind: PrimitiveBool, Bool: payload[0] != 0}
	case PrimitiveString:
		out.Primitive = PrimitiveValue{Kind: PrimitiveString, Str: string(payload)}
	case PrimitiveBytes:
		out.Primitive = PrimitiveValue{Kind: PrimitiveBytes, Bytes: append([]byte(nil), payload...)}
	default:
		return Value{}, errors.Mark(errors.New("codec: unknown primitive kind"), ErrCorruption)
	}
	return out, nil
}

// EncodeValue is the inverse of DecodeValue, used by tests and fakes that
// synthesize WAL/intent payloads.
func EncodeValue(v Value) []byte {
	var buf []byte
	var varintBuf [binary.MaxVarintLen64]byte
	n := binary.PutVarint(varintBuf[:], v.Control.TTLSeconds)
	buf = append(buf, varintBuf[:n]...)
	buf = append(buf, byte(v.Type))
	if v.Type != ValuePrimitive {
		return buf
	}
	buf = append(buf, byte(v.Primitive.Kind))
	switch v.Primitive.Kind {
	case PrimitiveNull:
	case PrimitiveInt64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v.Primitive.Int))
		buf = append(buf, b[:]...)
	case PrimitiveFloat64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(v.Primitive.Float))
		buf = append(buf, b[:]...)
	case PrimitiveBool:
		if v.Primitive.Bool {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case PrimitiveString:
		buf = append(buf, []byte(v.Primitive.Str)...)
	case PrimitiveBytes:
		buf = append(buf, v.Primitive.Bytes...)
	}
	return buf
}

// SetValueFromQLBinary converts a decoded primitive value into a
// caller-visible column datum for PostgreSQL-compatible types. When
// pgTypeOID is InvalidOID, only the column name/type is reported (no
// data): "if (!IsNull(ql_value) && col_schema.pg_type_oid() != 0) {
// SetValueFromQLBinaryWrapper(...) } else {
// cdc_datum_message->set_column_type(...) }".
func SetValueFromQLBinary(value PrimitiveValue, columnName string, pgTypeOID uint32) cdcpb.Datum {
	datum := cdcpb.Datum{ColumnName: columnName, ColumnType: pgTypeOID}
	if pgTypeOID == 0 || value.Kind == PrimitiveNull {
		return datum
	}
	datum.Present = true
	switch pgTypeOID {
	case pgtype.BoolOID:
		datum.Value = value.Bool
	case pgtype.Int2OID, pgtype.Int4OID, pgtype.Int8OID:
		datum.Value = value.Int
	case pgtype.Float4OID, pgtype.Float8OID, pgtype.NumericOID:
		if value.Kind == PrimitiveFloat64 {
			datum.Value = value.Float
		} else {
			datum.Value = float64(value.Int)
		}
	case pgtype.TextOID, pgtype.VarcharOID, pgtype.BPCharOID, pgtype.NameOID:
		datum.Value = value.Str
	case pgtype.ByteaOID:
		datum.Value = value.Bytes
	case pgtype.TimestampOID, pgtype.TimestamptzOID, pgtype.DateOID:
		datum.Value = value.Int
	default:
		// Unrecognized but valid OID: surface the decoded primitive verbatim
		// rather than dropping it.
		switch value.Kind {
		case PrimitiveInt64:
			datum.Value = value.Int
		case PrimitiveFloat64:
			datum.Value = value.Float
		case PrimitiveBool:
			datum.Value = value.Bool
		case PrimitiveString:
			datum.Value = value.Str
		case PrimitiveBytes:
			datum.Value = value.Bytes
		}
	}
	return datum
}
