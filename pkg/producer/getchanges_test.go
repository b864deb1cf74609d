package producer

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/require"
	"github.com/tabletsql/cdcsdk/pkg/cdcerrors"
	"github.com/tabletsql/cdcsdk/pkg/cdcpb"
	"github.com/tabletsql/cdcsdk/pkg/codec"
	"github.com/tabletsql/cdcsdk/pkg/intent"
	"github.com/tabletsql/cdcsdk/pkg/opid"
	"github.com/tabletsql/cdcsdk/pkg/schema"
	"github.com/tabletsql/cdcsdk/pkg/snapshot"
)

type noopMemTracker struct{}

func (noopMemTracker) Consume(n int64) {}
func (noopMemTracker) Release(n int64) {}

type fakeCatalog struct {
	schema schema.Schema
}

func (f fakeCatalog) GetTableSchemaFromSysCatalog(ctx context.Context, tableID string, hybridTime uint64) (schema.Schema, schema.SchemaVersion, error) {
	return f.schema, 1, nil
}

func (f fakeCatalog) GetColocatedTables(ctx context.Context, tabletID string) ([]string, error) {
	return nil, nil
}

type fakeTabletSchema struct{ s schema.Schema }

func (f fakeTabletSchema) CurrentSchema() (schema.Schema, schema.SchemaVersion) { return f.s, 1 }

func testSchema() schema.Schema {
	return schema.Schema{
		TableName: "orders",
		Columns: []schema.Column{
			{ID: 1, Name: "id", PgTypeOID: pgtype.Int8OID, IsKey: true},
			{ID: 2, Name: "col_a", PgTypeOID: pgtype.TextOID},
		},
	}
}

func baseRequest() Request {
	sch := testSchema()
	var slot schema.CacheSlot
	return Request{
		StreamID:                 "s1",
		TabletID:                 "t1",
		Catalog:                  fakeCatalog{schema: sch},
		TabletSchema:             fakeTabletSchema{s: sch},
		MemTracker:               noopMemTracker{},
		SchemaSlot:               &slot,
		SnapshotBatchSize:        250,
		EnableSingleRecordUpdate: func() bool { return true },
		IntentRetentionMs:        1000,
	}
}

type fakeConsensus struct {
	batches [][]Message
	pos     int
}

func (f *fakeConsensus) ReadReplicatedMessagesForCDC(ctx context.Context, lastSeenOpID opid.OpId, lastReadableIndex int64, deadline time.Time) (Batch, error) {
	if f.pos >= len(f.batches) {
		return Batch{}, nil
	}
	b := f.batches[f.pos]
	f.pos++
	return Batch{Messages: b}, nil
}

func keyFor(pk []byte, colID uint32) codec.SubDocKey {
	return codec.SubDocKey{
		DocKey:   codec.DocKey{RangeGroup: [][]byte{pk}},
		Selector: codec.ColumnSelector{Type: codec.KeyEntryColumnID, ColumnID: colID},
	}
}

func TestGetChangesSingleColumnWriteOutsideTransaction(t *testing.T) {
	req := baseRequest()
	req.LastReadableOpIDIndex = 10
	req.Consensus = &fakeConsensus{batches: [][]Message{
		{
			{
				OpID:       opid.OpId{Term: 3, Index: 10},
				OpType:     OpTypeWrite,
				HybridTime: 100,
				WritePairs: []WritePair{
					{Key: keyFor([]byte("1"), 2), Value: codec.Value{Type: codec.ValuePrimitive, Primitive: codec.PrimitiveValue{Kind: codec.PrimitiveString, Str: "X"}}},
				},
			},
		},
	}}

	resp, err := GetChanges(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resp.Records, 1)
	require.Equal(t, cdcpb.OpUpdate, resp.Records[0].Op)
	require.Equal(t, int64(3), resp.Checkpoint.Term)
	require.Equal(t, int64(10), resp.Checkpoint.Index)
}

func TestGetChangesEmptyBatchReturnsUnchangedCursor(t *testing.T) {
	req := baseRequest()
	req.FromCursor = opid.Checkpoint{Term: 1, Index: 5}
	req.LastReadableOpIDIndex = 10
	req.Consensus = &fakeConsensus{batches: [][]Message{{}}}

	resp, err := GetChanges(context.Background(), req)
	require.NoError(t, err)
	require.Empty(t, resp.Records)
	require.Equal(t, req.FromCursor, resp.Checkpoint)
}

func TestGetChangesIdleBatchProgressRule(t *testing.T) {
	req := baseRequest()
	req.LastReadableOpIDIndex = 10
	req.Consensus = &fakeConsensus{batches: [][]Message{
		{
			{OpID: opid.OpId{Term: 1, Index: 7}, OpType: OpTypeOther},
		},
	}}

	resp, err := GetChanges(context.Background(), req)
	require.NoError(t, err)
	require.Empty(t, resp.Records)
	require.Equal(t, int64(1), resp.Checkpoint.Term)
	require.Equal(t, int64(7), resp.Checkpoint.Index)
}

func TestGetChangesSnapshotStart(t *testing.T) {
	req := baseRequest()
	req.FromCursor = opid.Checkpoint{WriteID: opid.SnapshotWriteID}
	req.Snapshot = &fakeSnapshotRuntime{appliedTime: 42}

	resp, err := GetChanges(context.Background(), req)
	require.NoError(t, err)
	require.Empty(t, resp.Records)
	require.Equal(t, opid.SnapshotWriteID, resp.Checkpoint.WriteID)
	require.Equal(t, uint64(42), resp.Checkpoint.SnapshotTime)
}

type fakeSnapshotRuntime struct {
	appliedTime uint64
}

func (f *fakeSnapshotRuntime) LatestAppliedHybridTime(ctx context.Context) (uint64, error) {
	return f.appliedTime, nil
}
func (f *fakeSnapshotRuntime) RegisterConsumerCheckpoint(ctx context.Context, hybridTime uint64) error {
	return nil
}
func (f *fakeSnapshotRuntime) ExtendIntentRetention(ctx context.Context, retentionMs int64) error {
	return nil
}
func (f *fakeSnapshotRuntime) CreateReadTimePinnedIterator(ctx context.Context, readTime uint64, startKey []byte) (snapshot.Iterator, error) {
	return &emptyIterator{}, nil
}

type emptyIterator struct{}

func (e *emptyIterator) Next(ctx context.Context) (snapshot.Row, bool, error) { return snapshot.Row{}, false, nil }
func (e *emptyIterator) Close() error                                        { return nil }

func TestGetChangesTransactionApplyingRunsIntentReplay(t *testing.T) {
	req := baseRequest()
	req.LastReadableOpIDIndex = 10
	txnID := uuid.New()
	store := &fakeIntentStore{result: intent.DrainResult{
		Writes: []intent.ProvisionalWrite{{Key: keyFor([]byte("1"), 2), Value: codec.Value{Type: codec.ValuePrimitive, Primitive: codec.PrimitiveValue{Kind: codec.PrimitiveString, Str: "X"}}, WriteID: 5}},
	}}
	req.IntentStore = store
	req.Retention = fakeRetention{}
	req.Consensus = &fakeConsensus{batches: [][]Message{
		{
			{
				OpID:              opid.OpId{Term: 3, Index: 100},
				OpType:            OpTypeUpdateTransaction,
				TransactionID:     txnID.String(),
				TransactionStatus: TransactionStatusApplying,
				CommitHybridTime:  999,
			},
		},
	}}

	resp, err := GetChanges(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resp.Records, 3)
	require.Equal(t, cdcpb.OpBegin, resp.Records[0].Op)
	require.Equal(t, cdcpb.OpUpdate, resp.Records[1].Op)
	require.Equal(t, cdcpb.OpCommit, resp.Records[2].Op)
	require.Equal(t, uint64(999), resp.CommitTimestamp)
}

type fakeIntentStore struct{ result intent.DrainResult }

func (f *fakeIntentStore) Drain(ctx context.Context, transactionID string, key []byte, writeID int32) (intent.DrainResult, error) {
	return f.result, nil
}

type fakeRetention struct{}

func (fakeRetention) CurrentRetentionCheckpoint(ctx context.Context) (opid.OpId, error) {
	return opid.Invalid, nil
}

func TestGetChangesSplitFinalisation(t *testing.T) {
	req := baseRequest()
	req.FromCursor = opid.Checkpoint{Term: 3, Index: 99}
	req.LastReadableOpIDIndex = 100
	req.SplitVerifier = fakeSplitVerifier{children: []TabletSplitInfo{
		{TabletID: "child-1", SplitParentTabletID: "t1"},
		{TabletID: "child-2", SplitParentTabletID: "t1"},
	}}
	req.Consensus = &fakeConsensus{batches: [][]Message{
		{{OpID: opid.OpId{Term: 3, Index: 100}, OpType: OpTypeSplit}},
	}}

	resp, err := GetChanges(context.Background(), req)
	require.Error(t, err)
	require.True(t, cdcerrors.Is(err, cdcerrors.TabletSplit))
	require.Empty(t, resp.Records)
	require.Equal(t, int64(100), resp.Checkpoint.Index)
}

type fakeSplitVerifier struct{ children []TabletSplitInfo }

func (f fakeSplitVerifier) ChildTabletsOf(ctx context.Context, parentTabletID string) ([]TabletSplitInfo, error) {
	return f.children, nil
}

func TestGetChangesForcedSnapshotFailure(t *testing.T) {
	req := baseRequest()
	req.FromCursor = opid.Checkpoint{WriteID: opid.SnapshotWriteID}
	req.TestSnapshotFailure = true
	req.Snapshot = &fakeSnapshotRuntime{}

	_, err := GetChanges(context.Background(), req)
	require.Error(t, err)
	require.True(t, cdcerrors.Is(err, cdcerrors.ServiceUnavailable))
}
