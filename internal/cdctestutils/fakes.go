// Package cdctestutils provides in-memory fakes for the producer core's
// external collaborators (consensus log, provisional-write store, catalog
// client, snapshot iterator), modeled on changefeedccl's kvfeed
// TestingKnobs / fake-scanner pattern. They back both package tests that
// want a richer fixture than a single inline stub and the demo harness
// under cmd/cdcsdk-demo.
package cdctestutils

import (
	"context"
	"sort"
	"time"

	"github.com/tabletsql/cdcsdk/pkg/intent"
	"github.com/tabletsql/cdcsdk/pkg/opid"
	"github.com/tabletsql/cdcsdk/pkg/producer"
	"github.com/tabletsql/cdcsdk/pkg/schema"
	"github.com/tabletsql/cdcsdk/pkg/snapshot"
)

var (
	_ producer.ConsensusReader  = (*FakeConsensusLog)(nil)
	_ intent.Store              = (*FakeIntentStore)(nil)
	_ intent.RetentionSource    = FixedRetention{}
	_ schema.CatalogClient      = FakeCatalog{}
	_ schema.TabletSchemaSource = FakeTabletSchema{}
	_ snapshot.TabletRuntime    = (*FakeSnapshotRuntime)(nil)
	_ producer.MemTracker       = NoopMemTracker{}
	_ producer.SplitVerifier    = FixedSplitVerifier{}
)

// FakeConsensusLog is a fixed, in-order sequence of WAL messages replayed
// across ReadReplicatedMessagesForCDC calls, one fixed-size batch at a
// time.
type FakeConsensusLog struct {
	Messages  []producer.Message
	BatchSize int
	pos       int
}

// ReadReplicatedMessagesForCDC implements producer.ConsensusReader.
func (f *FakeConsensusLog) ReadReplicatedMessagesForCDC(
	ctx context.Context, lastSeenOpID opid.OpId, lastReadableIndex int64, deadline time.Time,
) (producer.Batch, error) {
	if f.pos >= len(f.Messages) {
		return producer.Batch{}, nil
	}
	size := f.BatchSize
	if size <= 0 {
		size = len(f.Messages)
	}
	end := f.pos + size
	if end > len(f.Messages) {
		end = len(f.Messages)
	}
	batch := f.Messages[f.pos:end]
	f.pos = end
	return producer.Batch{Messages: append([]producer.Message(nil), batch...)}, nil
}

// FakeIntentStore serves provisional writes for a fixed set of
// transactions, paginating by write_id order.
type FakeIntentStore struct {
	// ByTransaction maps transaction id to its ordered provisional writes.
	ByTransaction map[string][]intent.ProvisionalWrite
	PageSize      int
}

// Drain implements intent.Store.
func (f *FakeIntentStore) Drain(ctx context.Context, transactionID string, key []byte, writeID int32) (intent.DrainResult, error) {
	writes := f.ByTransaction[transactionID]
	startIdx := 0
	for i, w := range writes {
		if w.WriteID == writeID {
			startIdx = i
			break
		}
		if w.WriteID > writeID {
			startIdx = i
			break
		}
	}
	if writeID == 0 && len(key) == 0 {
		startIdx = 0
	}

	size := f.PageSize
	if size <= 0 || startIdx+size >= len(writes) {
		return intent.DrainResult{Writes: writes[startIdx:]}, nil
	}
	end := startIdx + size
	next := writes[end]
	return intent.DrainResult{
		Writes:      writes[startIdx:end],
		NextKey:     next.ReverseIndexKey,
		NextWriteID: next.WriteID,
	}, nil
}

// FixedRetention reports a constant retention checkpoint.
type FixedRetention struct {
	At opid.OpId
}

// CurrentRetentionCheckpoint implements intent.RetentionSource.
func (f FixedRetention) CurrentRetentionCheckpoint(ctx context.Context) (opid.OpId, error) {
	return f.At, nil
}

// FakeCatalog serves a static per-table schema map and a fixed co-located
// table list.
type FakeCatalog struct {
	Schemas   map[string]schema.Schema
	Colocated []string
}

// GetTableSchemaFromSysCatalog implements schema.CatalogClient.
func (f FakeCatalog) GetTableSchemaFromSysCatalog(ctx context.Context, tableID string, hybridTime uint64) (schema.Schema, schema.SchemaVersion, error) {
	s, ok := f.Schemas[tableID]
	if !ok {
		return schema.Schema{}, 0, errNotFound(tableID)
	}
	return s, 1, nil
}

// GetColocatedTables implements schema.CatalogClient.
func (f FakeCatalog) GetColocatedTables(ctx context.Context, tabletID string) ([]string, error) {
	return f.Colocated, nil
}

type errNotFound string

func (e errNotFound) Error() string { return "cdctestutils: no schema for table " + string(e) }

// FakeTabletSchema returns a fixed (schema, version) as the fallback
// source.
type FakeTabletSchema struct {
	Schema  schema.Schema
	Version schema.SchemaVersion
}

// CurrentSchema implements schema.TabletSchemaSource.
func (f FakeTabletSchema) CurrentSchema() (schema.Schema, schema.SchemaVersion) { return f.Schema, f.Version }

// FakeSnapshotRuntime backs the bootstrap-snapshot scan with an in-memory,
// key-sorted row set.
type FakeSnapshotRuntime struct {
	AppliedTime uint64
	Rows        []snapshot.Row
}

// LatestAppliedHybridTime implements snapshot.TabletRuntime.
func (f *FakeSnapshotRuntime) LatestAppliedHybridTime(ctx context.Context) (uint64, error) {
	return f.AppliedTime, nil
}

// RegisterConsumerCheckpoint implements snapshot.TabletRuntime.
func (f *FakeSnapshotRuntime) RegisterConsumerCheckpoint(ctx context.Context, hybridTime uint64) error {
	return nil
}

// ExtendIntentRetention implements snapshot.TabletRuntime.
func (f *FakeSnapshotRuntime) ExtendIntentRetention(ctx context.Context, retentionMs int64) error {
	return nil
}

// CreateReadTimePinnedIterator implements snapshot.TabletRuntime.
func (f *FakeSnapshotRuntime) CreateReadTimePinnedIterator(ctx context.Context, readTime uint64, startKey []byte) (snapshot.Iterator, error) {
	rows := append([]snapshot.Row(nil), f.Rows...)
	sort.Slice(rows, func(i, j int) bool { return string(rows[i].Key) < string(rows[j].Key) })
	start := 0
	if len(startKey) > 0 {
		for i, r := range rows {
			if string(r.Key) > string(startKey) {
				start = i
				break
			}
			start = i + 1
		}
	}
	return &sliceIterator{rows: rows[start:]}, nil
}

type sliceIterator struct {
	rows []snapshot.Row
	pos  int
}

func (s *sliceIterator) Next(ctx context.Context) (snapshot.Row, bool, error) {
	if s.pos >= len(s.rows) {
		return snapshot.Row{}, false, nil
	}
	r := s.rows[s.pos]
	s.pos++
	return r, true, nil
}

func (s *sliceIterator) Close() error { return nil }

// NoopMemTracker discards memory accounting.
type NoopMemTracker struct{}

// Consume implements producer.MemTracker.
func (NoopMemTracker) Consume(n int64) {}

// Release implements producer.MemTracker.
func (NoopMemTracker) Release(n int64) {}

// FixedSplitVerifier reports a static child-tablet list.
type FixedSplitVerifier struct {
	Children []producer.TabletSplitInfo
}

// ChildTabletsOf implements producer.SplitVerifier.
func (f FixedSplitVerifier) ChildTabletsOf(ctx context.Context, parentTabletID string) ([]producer.TabletSplitInfo, error) {
	return f.Children, nil
}
