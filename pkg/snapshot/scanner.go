// Package snapshot implements the bootstrap-snapshot scanner state
// machine: pinning a read time, emitting DDL records for co-located
// tables, and paginating READ records through a read-time-pinned iterator.
package snapshot

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/tabletsql/cdcsdk/internal/cdclog"
	"github.com/tabletsql/cdcsdk/pkg/cdcerrors"
	"github.com/tabletsql/cdcsdk/pkg/cdcpb"
	"github.com/tabletsql/cdcsdk/pkg/codec"
	"github.com/tabletsql/cdcsdk/pkg/opid"
	"github.com/tabletsql/cdcsdk/pkg/schema"
)

// Row is one fully materialized row read back from the storage iterator:
// its continuation key and its column values in schema order.
type Row struct {
	Key     []byte
	Columns []codec.PrimitiveValue
}

// Iterator is the read-time-pinned storage iterator external collaborator.
type Iterator interface {
	// Next returns the next row in key order, or ok=false once exhausted.
	Next(ctx context.Context) (row Row, ok bool, err error)
	Close() error
}

// TabletRuntime is the subset of tablet-runtime operations the snapshot
// scanner needs: pinning the read time, registering the consumer
// checkpoint, extending intent retention, and opening the iterator itself.
type TabletRuntime interface {
	LatestAppliedHybridTime(ctx context.Context) (uint64, error)
	RegisterConsumerCheckpoint(ctx context.Context, hybridTime uint64) error
	ExtendIntentRetention(ctx context.Context, retentionMs int64) error
	CreateReadTimePinnedIterator(ctx context.Context, readTime uint64, startKey []byte) (Iterator, error)
}

// Result is the outcome of one Scan call: the records to append to the
// response and the checkpoint to report in its place.
type Result struct {
	Records []cdcpb.LogicalRecord
	Next    opid.Checkpoint
}

// Scan implements the bootstrap-snapshot state machine. batchSize,
// testFailure and intentRetentionMs are plain values supplied by the
// caller; Scan does not read the settings package, so a tunable change
// reaches it only through the arguments of a later call.
func Scan(
	ctx context.Context,
	cp opid.Checkpoint,
	tablet TabletRuntime,
	catalog schema.CatalogClient,
	tabletID string,
	sch schema.Schema,
	intentRetentionMs int64,
	batchSize int64,
	testFailure bool,
) (Result, error) {
	if testFailure {
		return Result{}, cdcerrors.Mark(cdcerrors.ServiceUnavailable, "cdcsdk: TEST_cdc_snapshot_failure forced")
	}

	if cp.IsSnapshotStart() {
		return scanStart(ctx, tablet, intentRetentionMs)
	}
	return scanPage(ctx, cp, tablet, catalog, tabletID, sch, batchSize)
}

func scanStart(ctx context.Context, tablet TabletRuntime, intentRetentionMs int64) (Result, error) {
	readTime, err := tablet.LatestAppliedHybridTime(ctx)
	if err != nil {
		return Result{}, errors.Mark(errors.Wrap(err, "cdcsdk: failed to pin snapshot read time"), cdcerrors.Corruption)
	}
	if err := tablet.RegisterConsumerCheckpoint(ctx, readTime); err != nil {
		return Result{}, errors.Mark(errors.Wrap(err, "cdcsdk: failed to register consumer checkpoint"), cdcerrors.Corruption)
	}
	if err := tablet.ExtendIntentRetention(ctx, intentRetentionMs); err != nil {
		return Result{}, errors.Mark(errors.Wrap(err, "cdcsdk: failed to extend intent retention"), cdcerrors.Corruption)
	}
	return Result{Next: opid.Checkpoint{WriteID: opid.SnapshotWriteID, SnapshotTime: readTime}}, nil
}

func scanPage(
	ctx context.Context,
	cp opid.Checkpoint,
	tablet TabletRuntime,
	catalog schema.CatalogClient,
	tabletID string,
	sch schema.Schema,
	batchSize int64,
) (Result, error) {
	var records []cdcpb.LogicalRecord
	if len(cp.Key) == 0 {
		records = append(records, ddlRecordsForColocatedTables(ctx, catalog, tabletID, cp.SnapshotTime, sch)...)
	}

	iter, err := tablet.CreateReadTimePinnedIterator(ctx, cp.SnapshotTime, cp.Key)
	if err != nil {
		return Result{}, errors.Mark(errors.Wrap(err, "cdcsdk: failed to create snapshot iterator"), cdcerrors.Corruption)
	}
	defer iter.Close()

	var lastKey []byte
	var emitted int64
	for emitted < batchSize {
		row, ok, err := iter.Next(ctx)
		if err != nil {
			return Result{}, errors.Mark(errors.Wrap(err, "cdcsdk: snapshot iterator read failed"), cdcerrors.Corruption)
		}
		if !ok {
			return Result{Records: records, Next: opid.Checkpoint{WriteID: 0}}, nil
		}
		records = append(records, buildReadRecord(sch, row, cp.SnapshotTime))
		lastKey = row.Key
		emitted++
	}

	return Result{
		Records: records,
		Next: opid.Checkpoint{
			WriteID:      opid.SnapshotWriteID,
			Key:          lastKey,
			SnapshotTime: cp.SnapshotTime,
		},
	}, nil
}

func buildReadRecord(sch schema.Schema, row Row, commitTime uint64) cdcpb.LogicalRecord {
	rec := cdcpb.LogicalRecord{
		Op:           cdcpb.OpRead,
		Table:        sch.TableName,
		PgSchemaName: sch.PgSchemaName,
		CommitTime:   commitTime,
	}
	for i, col := range sch.Columns {
		var pv codec.PrimitiveValue
		if i < len(row.Columns) {
			pv = row.Columns[i]
		} else {
			pv = codec.PrimitiveValue{Kind: codec.PrimitiveNull}
		}
		*rec.AddTuple() = codec.SetValueFromQLBinary(pv, col.Name, col.PgTypeOID)
	}
	return rec
}

func ddlRecordsForColocatedTables(
	ctx context.Context, catalog schema.CatalogClient, tabletID string, readTime uint64, primary schema.Schema,
) []cdcpb.LogicalRecord {
	tableIDs, err := catalog.GetColocatedTables(ctx, tabletID)
	if err != nil {
		cdclog.Warningf(ctx, "failed to list co-located tables for tablet %s: %v", tabletID, err)
		return nil
	}
	var out []cdcpb.LogicalRecord
	for _, tableID := range tableIDs {
		s, v, err := catalog.GetTableSchemaFromSysCatalog(ctx, tableID, readTime)
		if err != nil {
			cdclog.Warningf(ctx, "failed to load schema for co-located table %s, using primary schema: %v", tableID, err)
			s, v = primary, 0
		}
		out = append(out, buildDDLRecord(s, v))
	}
	return out
}

func buildDDLRecord(s schema.Schema, v schema.SchemaVersion) cdcpb.LogicalRecord {
	cols := make([]cdcpb.ColumnInfo, 0, len(s.Columns))
	for _, c := range s.Columns {
		cols = append(cols, cdcpb.ColumnInfo{
			Name:       c.Name,
			OID:        c.PgTypeOID,
			IsKey:      c.IsKey,
			IsHashKey:  c.IsHashKey,
			IsNullable: c.IsNullable,
		})
	}
	return cdcpb.LogicalRecord{
		Op:            cdcpb.OpDDL,
		Table:         s.TableName,
		PgSchemaName:  s.PgSchemaName,
		ColumnInfo:    cols,
		SchemaVersion: uint32(v),
		TableProperties: &cdcpb.TableProperties{
			DefaultTTLSeconds:  s.DefaultTTLSec,
			NumTablets:         s.NumTablets,
			IsYSQLCatalogTable: s.IsCatalogTable,
		},
	}
}
