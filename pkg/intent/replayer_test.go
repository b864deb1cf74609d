package intent

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/require"
	"github.com/tabletsql/cdcsdk/pkg/cdcerrors"
	"github.com/tabletsql/cdcsdk/pkg/cdcpb"
	"github.com/tabletsql/cdcsdk/pkg/codec"
	"github.com/tabletsql/cdcsdk/pkg/opid"
	"github.com/tabletsql/cdcsdk/pkg/schema"
)

type fakeStore struct {
	batches []DrainResult
	calls   int
}

func (f *fakeStore) Drain(ctx context.Context, transactionID string, key []byte, writeID int32) (DrainResult, error) {
	r := f.batches[f.calls]
	f.calls++
	return r, nil
}

type fakeRetention struct{ at opid.OpId }

func (f fakeRetention) CurrentRetentionCheckpoint(ctx context.Context) (opid.OpId, error) {
	return f.at, nil
}

func testSchema() schema.Schema {
	return schema.Schema{
		TableName: "orders",
		Columns: []schema.Column{
			{ID: 1, Name: "id", PgTypeOID: pgtype.Int8OID, IsKey: true},
			{ID: 2, Name: "col_a", PgTypeOID: pgtype.TextOID},
			{ID: 3, Name: "col_b", PgTypeOID: pgtype.TextOID},
		},
	}
}

func keyFor(pk []byte, colID uint32) codec.SubDocKey {
	return codec.SubDocKey{
		DocKey:   codec.DocKey{RangeGroup: [][]byte{pk}},
		Selector: codec.ColumnSelector{Type: codec.KeyEntryColumnID, ColumnID: colID},
	}
}

func TestReplaySingleBatchTransaction(t *testing.T) {
	store := &fakeStore{batches: []DrainResult{
		{
			Writes: []ProvisionalWrite{
				{Key: keyFor([]byte("1"), 2), Value: codec.Value{Type: codec.ValuePrimitive, Primitive: codec.PrimitiveValue{Kind: codec.PrimitiveString, Str: "X"}}, WriteID: 5},
				{Key: keyFor([]byte("1"), 3), Value: codec.Value{Type: codec.ValuePrimitive, Primitive: codec.PrimitiveValue{Kind: codec.PrimitiveString, Str: "Y"}}, WriteID: 6},
			},
		},
	}}

	res, err := Replay(context.Background(), "txn-1", opid.Checkpoint{}, opid.OpId{Term: 3, Index: 100}, 999, store, fakeRetention{}, testSchema(), func() bool { return true })
	require.NoError(t, err)
	require.Len(t, res.Records, 3)
	require.Equal(t, cdcpb.OpBegin, res.Records[0].Op)
	require.Equal(t, cdcpb.OpUpdate, res.Records[1].Op)
	require.Equal(t, cdcpb.OpCommit, res.Records[2].Op)
	require.Equal(t, int64(3), res.Next.Term)
	require.Equal(t, int64(100), res.Next.Index)
	require.Equal(t, int32(0), res.Next.WriteID)
	require.Empty(t, res.Next.Key)
}

func TestReplayMidTransactionSuspension(t *testing.T) {
	store := &fakeStore{batches: []DrainResult{
		{
			Writes:      []ProvisionalWrite{{Key: keyFor([]byte("1"), 2), Value: codec.Value{Type: codec.ValuePrimitive, Primitive: codec.PrimitiveValue{Kind: codec.PrimitiveString, Str: "X"}}, WriteID: 5}},
			NextKey:     []byte("k"),
			NextWriteID: 6,
		},
	}}

	res, err := Replay(context.Background(), "txn-1", opid.Checkpoint{}, opid.OpId{Term: 3, Index: 100}, 999, store, fakeRetention{}, testSchema(), func() bool { return true })
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	require.Equal(t, cdcpb.OpBegin, res.Records[0].Op)
	require.Equal(t, cdcpb.OpUpdate, res.Records[1].Op)
	require.Equal(t, int32(6), res.Next.WriteID)
	require.Equal(t, []byte("k"), res.Next.Key)

	// Resume: no BEGIN this time, and the drain continues from (k, 6).
	store2 := &fakeStore{batches: []DrainResult{
		{Writes: []ProvisionalWrite{{Key: keyFor([]byte("1"), 3), Value: codec.Value{Type: codec.ValuePrimitive, Primitive: codec.PrimitiveValue{Kind: codec.PrimitiveString, Str: "Y"}}, WriteID: 6}}},
	}}
	res2, err := Replay(context.Background(), "txn-1", res.Next, opid.OpId{Term: 3, Index: 100}, 999, store2, fakeRetention{}, testSchema(), func() bool { return true })
	require.NoError(t, err)
	require.Len(t, res2.Records, 2)
	require.Equal(t, cdcpb.OpUpdate, res2.Records[0].Op)
	require.Equal(t, cdcpb.OpCommit, res2.Records[1].Op)
}

func TestReplayRetentionGuardFailsOnGCedIntents(t *testing.T) {
	store := &fakeStore{batches: []DrainResult{{}}}
	_, err := Replay(context.Background(), "txn-1", opid.Checkpoint{}, opid.OpId{Term: 1, Index: 5}, 0, store, fakeRetention{at: opid.OpId{Term: 1, Index: 10}}, testSchema(), func() bool { return true })
	require.Error(t, err)
	require.True(t, cdcerrors.Is(err, cdcerrors.InternalError))
}
