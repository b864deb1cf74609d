package snapshot

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

type fakeIterator struct {
	rows []Row
	pos  int
}

func (f *fakeIterator) Next(ctx context.Context) (Row, bool, error) {
	if f.pos >= len(f.rows) {
		return Row{}, false, nil
	}
	r := f.rows[f.pos]
	f.pos++
	return r, true, nil
}

func (f *fakeIterator) Close() error { return nil }

type fakeTablet struct {
	appliedTime     uint64
	registeredAt    uint64
	retentionCalled bool
	rows            []Row
}

func (f *fakeTablet) LatestAppliedHybridTime(ctx context.Context) (uint64, error) {
	return f.appliedTime, nil
}

func (f *fakeTablet) RegisterConsumerCheckpoint(ctx context.Context, hybridTime uint64) error {
	f.registeredAt = hybridTime
	return nil
}

func (f *fakeTablet) ExtendIntentRetention(ctx context.Context, retentionMs int64) error {
	f.retentionCalled = true
	return nil
}

func (f *fakeTablet) CreateReadTimePinnedIterator(ctx context.Context, readTime uint64, startKey []byte) (Iterator, error) {
	return &fakeIterator{rows: f.rows}, nil
}

type fakeCatalog struct {
	colocated []string
}

func (f fakeCatalog) GetTableSchemaFromSysCatalog(ctx context.Context, tableID string, hybridTime uint64) (schema.Schema, schema.SchemaVersion, error) {
	return schema.Schema{TableName: tableID}, 1, nil
}

func (f fakeCatalog) GetColocatedTables(ctx context.Context, tabletID string) ([]string, error) {
	return f.colocated, nil
}

func testSchema() schema.Schema {
	return schema.Schema{
		TableName: "orders",
		Columns: []schema.Column{
			{ID: 1, Name: "id", PgTypeOID: pgtype.Int8OID, IsKey: true},
			{ID: 2, Name: "col_a", PgTypeOID: pgtype.TextOID},
		},
	}
}

func TestScanStartPinsReadTime(t *testing.T) {
	tablet := &fakeTablet{appliedTime: 555}
	res, err := Scan(context.Background(), opid.Checkpoint{WriteID: opid.SnapshotWriteID}, tablet, fakeCatalog{}, "t1", testSchema(), 1000, 250, false)
	require.NoError(t, err)
	require.Empty(t, res.Records)
	require.Equal(t, opid.SnapshotWriteID, res.Next.WriteID)
	require.Equal(t, uint64(555), res.Next.SnapshotTime)
	require.Equal(t, uint64(555), tablet.registeredAt)
	require.True(t, tablet.retentionCalled)
}

func TestScanEmptyTableEmitsDDLOnly(t *testing.T) {
	tablet := &fakeTablet{rows: nil}
	cp := opid.Checkpoint{WriteID: opid.SnapshotWriteID, SnapshotTime: 555}
	res, err := Scan(context.Background(), cp, tablet, fakeCatalog{colocated: []string{"orders"}}, "t1", testSchema(), 1000, 250, false)
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	require.Equal(t, cdcpb.OpDDL, res.Records[0].Op)
	require.Equal(t, int32(0), res.Next.WriteID)
	require.Empty(t, res.Next.Key)
	require.Equal(t, uint64(0), res.Next.SnapshotTime)
}

func TestScanPaginatesAndStops(t *testing.T) {
	rows := []Row{
		{Key: []byte("k1"), Columns: []codec.PrimitiveValue{{Kind: codec.PrimitiveInt64, Int: 1}, {Kind: codec.PrimitiveString, Str: "a"}}},
		{Key: []byte("k2"), Columns: []codec.PrimitiveValue{{Kind: codec.PrimitiveInt64, Int: 2}, {Kind: codec.PrimitiveString, Str: "b"}}},
	}
	tablet := &fakeTablet{rows: rows}
	cp := opid.Checkpoint{WriteID: opid.SnapshotWriteID, SnapshotTime: 555}

	res, err := Scan(context.Background(), cp, tablet, fakeCatalog{}, "t1", testSchema(), 1000, 1, false)
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	require.Equal(t, opid.SnapshotWriteID, res.Next.WriteID)
	require.Equal(t, []byte("k1"), res.Next.Key)
	require.Equal(t, "a", res.Records[0].NewTuple[1].Value)
}

func TestScanForcedFailure(t *testing.T) {
	tablet := &fakeTablet{}
	_, err := Scan(context.Background(), opid.Checkpoint{WriteID: opid.SnapshotWriteID}, tablet, fakeCatalog{}, "t1", testSchema(), 1000, 250, true)
	require.Error(t, err)
	require.True(t, cdcerrors.Is(err, cdcerrors.ServiceUnavailable))
}
