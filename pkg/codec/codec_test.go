package codec

import (
	"testing"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/require"
)

func TestKeyRoundTrip(t *testing.T) {
	key := EncodeKey(
		[][]byte{[]byte("h1")},
		[][]byte{[]byte("r1"), []byte("r2")},
		ColumnSelector{Type: KeyEntryColumnID, ColumnID: 7},
		nil,
	)

	size, err := DecodedKeySize(key)
	require.NoError(t, err)
	require.Less(t, size, len(key))

	decoded, err := DecodeSubDocKey(key)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("h1")}, decoded.DocKey.HashedGroup)
	require.Equal(t, [][]byte{[]byte("r1"), []byte("r2")}, decoded.DocKey.RangeGroup)
	require.Equal(t, ColumnSelector{Type: KeyEntryColumnID, ColumnID: 7}, decoded.Selector)
	require.Equal(t, 0, decoded.NumSubkeys())
}

func TestKeyWithoutSubkeysOrSelector(t *testing.T) {
	key := EncodeKey([][]byte{[]byte("h")}, nil, ColumnSelector{Type: KeyEntryNone}, nil)
	decoded, err := DecodeSubDocKey(key)
	require.NoError(t, err)
	require.Equal(t, KeyEntryNone, decoded.Selector.Type)
	require.True(t, decoded.DocKey.RangeGroup == nil)
}

func TestDecodeValueTombstone(t *testing.T) {
	raw := EncodeValue(Value{Type: ValueTombstone})
	v, err := DecodeValue(raw)
	require.NoError(t, err)
	require.Equal(t, ValueTombstone, v.Type)
}

func TestDecodeValuePrimitiveRoundTrip(t *testing.T) {
	raw := EncodeValue(Value{
		Type:      ValuePrimitive,
		Primitive: PrimitiveValue{Kind: PrimitiveInt64, Int: 42},
		Control:   ControlFields{TTLSeconds: 300},
	})
	v, err := DecodeValue(raw)
	require.NoError(t, err)
	require.Equal(t, ValuePrimitive, v.Type)
	require.Equal(t, int64(42), v.Primitive.Int)
	require.Equal(t, int64(300), v.Control.TTLSeconds)
}

func TestDecodeValueCorrupt(t *testing.T) {
	_, err := DecodeValue([]byte{0x01})
	require.Error(t, err)
}

func TestSetValueFromQLBinaryNoOID(t *testing.T) {
	d := SetValueFromQLBinary(PrimitiveValue{Kind: PrimitiveInt64, Int: 9}, "col_a", 0)
	require.Equal(t, "col_a", d.ColumnName)
	require.False(t, d.Present)
	require.Nil(t, d.Value)
}

func TestSetValueFromQLBinaryText(t *testing.T) {
	d := SetValueFromQLBinary(PrimitiveValue{Kind: PrimitiveString, Str: "hi"}, "col_b", pgtype.TextOID)
	require.True(t, d.Present)
	require.Equal(t, "hi", d.Value)
}

func TestSetValueFromQLBinaryNullValue(t *testing.T) {
	d := SetValueFromQLBinary(PrimitiveValue{Kind: PrimitiveNull}, "col_c", pgtype.Int4OID)
	require.False(t, d.Present)
	require.Equal(t, uint32(pgtype.Int4OID), d.ColumnType)
}
