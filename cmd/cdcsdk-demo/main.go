// Command cdcsdk-demo drives independent GetChanges calls against a
// handful of in-memory fake tablets concurrently, the way a real caller
// serves multiple tablets through independent calls. It exists to
// exercise the producer core end to end against the fakes in
// internal/cdctestutils.
package main

import (
	"context"
	"os"

	"github.com/jackc/pgx/v5/pgtype"
	"golang.org/x/sync/errgroup"

	"github.com/tabletsql/cdcsdk/internal/cdclog"
	"github.com/tabletsql/cdcsdk/internal/cdctestutils"
	"github.com/tabletsql/cdcsdk/pkg/cdcpb"
	"github.com/tabletsql/cdcsdk/pkg/codec"
	"github.com/tabletsql/cdcsdk/pkg/opid"
	"github.com/tabletsql/cdcsdk/pkg/producer"
	"github.com/tabletsql/cdcsdk/pkg/schema"
	"github.com/tabletsql/cdcsdk/pkg/settings"
)

func ordersSchema() schema.Schema {
	return schema.Schema{
		TableName: "orders",
		Columns: []schema.Column{
			{ID: 1, Name: "id", PgTypeOID: pgtype.Int8OID, IsKey: true},
			{ID: 2, Name: "customer", PgTypeOID: pgtype.TextOID},
		},
	}
}

func insertKey(pk []byte, selType codec.KeyEntryType, colID uint32) codec.SubDocKey {
	return codec.SubDocKey{
		DocKey:   codec.DocKey{RangeGroup: [][]byte{pk}},
		Selector: codec.ColumnSelector{Type: selType, ColumnID: colID},
	}
}

func tabletMessages(tabletID string, term int64) []producer.Message {
	return []producer.Message{
		{
			OpID:       opid.OpId{Term: term, Index: 1},
			OpType:     producer.OpTypeWrite,
			HybridTime: 1000,
			WritePairs: []producer.WritePair{
				{Key: insertKey([]byte(tabletID+"-1"), codec.KeyEntrySystemColumnID, 0), Value: codec.Value{Type: codec.ValueNullLow}},
				{Key: insertKey([]byte(tabletID+"-1"), codec.KeyEntryColumnID, 2), Value: codec.Value{Type: codec.ValuePrimitive, Primitive: codec.PrimitiveValue{Kind: codec.PrimitiveString, Str: "alice"}}},
			},
		},
	}
}

func runTablet(ctx context.Context, tabletID string, term int64) (producer.Response, error) {
	sch := ordersSchema()
	var slot schema.CacheSlot
	req := producer.Request{
		StreamID: "demo-stream",
		TabletID: tabletID,
		Consensus: &cdctestutils.FakeConsensusLog{
			Messages: tabletMessages(tabletID, term),
		},
		Catalog:                  cdctestutils.FakeCatalog{Schemas: map[string]schema.Schema{tabletID: sch}},
		TabletSchema:             cdctestutils.FakeTabletSchema{Schema: sch, Version: 1},
		MemTracker:               cdctestutils.NoopMemTracker{},
		SchemaSlot:               &slot,
		LastReadableOpIDIndex:    1,
		SnapshotBatchSize:        settings.CDCSnapshotBatchSize.Get(),
		StreamTruncateRecord:     settings.StreamTruncateRecord.Get(),
		EnableSingleRecordUpdate: settings.EnableSingleRecordUpdate.Get,
		IntentRetentionMs:        settings.CDCIntentRetentionMs.Get(),
	}
	return producer.GetChanges(ctx, req)
}

func main() {
	ctx := context.Background()
	tabletIDs := []string{"tablet-a", "tablet-b", "tablet-c"}

	g, gctx := errgroup.WithContext(ctx)
	results := make([]producer.Response, len(tabletIDs))
	for i, id := range tabletIDs {
		i, id := i, id
		g.Go(func() error {
			resp, err := runTablet(gctx, id, int64(i+1))
			if err != nil {
				return err
			}
			results[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		cdclog.Warningf(ctx, "demo run failed: %v", err)
		os.Exit(1)
	}

	for i, id := range tabletIDs {
		for _, rec := range results[i].Records {
			logRecord(ctx, id, rec)
		}
	}
}

func logRecord(ctx context.Context, tabletID string, rec cdcpb.LogicalRecord) {
	cdclog.Infof(ctx, "tablet=%s op=%s table=%s columns=%d", tabletID, rec.Op, rec.Table, len(rec.NewTuple))
}
