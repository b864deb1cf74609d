// Package producer implements the top-level GetChanges dispatcher: it
// chooses between the snapshot, intent-resume, and WAL-replay paths based
// on the incoming cursor and assembles the final response.
package producer

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/tabletsql/cdcsdk/internal/cdclog"
	"github.com/tabletsql/cdcsdk/pkg/cdcerrors"
	"github.com/tabletsql/cdcsdk/pkg/cdcpb"
	"github.com/tabletsql/cdcsdk/pkg/codec"
	"github.com/tabletsql/cdcsdk/pkg/intent"
	"github.com/tabletsql/cdcsdk/pkg/opid"
	"github.com/tabletsql/cdcsdk/pkg/rowassembler"
	"github.com/tabletsql/cdcsdk/pkg/schema"
	"github.com/tabletsql/cdcsdk/pkg/snapshot"
)

// OpType identifies the kind of replicated WAL message.
type OpType int

const (
	OpTypeOther OpType = iota
	OpTypeUpdateTransaction
	OpTypeWrite
	OpTypeChangeMetadata
	OpTypeTruncate
	OpTypeSplit
)

// TransactionStatus is the subset of transaction statuses the dispatcher
// distinguishes.
type TransactionStatus int

const (
	TransactionStatusOther TransactionStatus = iota
	TransactionStatusApplying
)

// WritePair is one decoded (key, value) entry of a non-transactional
// WRITE_OP's write batch.
type WritePair struct {
	Key                codec.SubDocKey
	Value              codec.Value
	PhysicalTimeMicros uint64
}

// Message is one replicated WAL entry returned by the consensus reader.
type Message struct {
	OpID              opid.OpId
	OpType            OpType
	HybridTime        uint64
	TransactionID     string
	TransactionStatus TransactionStatus
	CommitHybridTime  uint64
	WritePairs        []WritePair
	MetadataSchema    schema.Schema
	MetadataVersion   schema.SchemaVersion
}

// Batch is one bounded result of a consensus read.
type Batch struct {
	Messages []Message
}

// ConsensusReader is the external collaborator that reads replicated WAL
// entries for CDC consumption.
type ConsensusReader interface {
	ReadReplicatedMessagesForCDC(ctx context.Context, lastSeenOpID opid.OpId, lastReadableIndex int64, deadline time.Time) (Batch, error)
}

// TabletSplitInfo describes one tablet reporting a split-parent relationship.
type TabletSplitInfo struct {
	TabletID            string
	SplitParentTabletID string
}

// SplitVerifier queries the catalog for a tablet's children after a SPLIT_OP.
type SplitVerifier interface {
	ChildTabletsOf(ctx context.Context, parentTabletID string) ([]TabletSplitInfo, error)
}

// MemTracker is the memory-tracking external collaborator. Consume/Release
// calls are expected to always balance across a call's lifetime.
type MemTracker interface {
	Consume(n int64)
	Release(n int64)
}

// Request bundles every input of a GetChanges call.
type Request struct {
	StreamID string
	TabletID string

	FromCursor opid.Checkpoint

	Consensus     ConsensusReader
	IntentStore   intent.Store
	Retention     intent.RetentionSource
	Snapshot      snapshot.TabletRuntime
	Catalog       schema.CatalogClient
	TabletSchema  schema.TabletSchemaSource
	SplitVerifier SplitVerifier
	MemTracker    MemTracker

	SchemaSlot *schema.CacheSlot

	LastReadableOpIDIndex int64
	Deadline              time.Time

	SnapshotBatchSize        int64
	StreamTruncateRecord     bool
	TestSnapshotFailure      bool
	EnableSingleRecordUpdate func() bool
	IntentRetentionMs        int64
}

// Response is the output of one GetChanges call.
type Response struct {
	Records         []cdcpb.LogicalRecord
	Checkpoint      opid.Checkpoint
	CommitTimestamp uint64
}

const estimatedBytesPerRecord = 256

// GetChanges is the producer core's entry point: it dispatches on the
// incoming cursor's mode and returns the next batch of change records.
func GetChanges(ctx context.Context, req Request) (Response, error) {
	ctx = cdclog.WithTags(ctx, "stream", req.StreamID, "tablet", req.TabletID)
	var consumed int64
	defer func() { req.MemTracker.Release(consumed) }()
	track := func(n int) {
		delta := int64(n) * estimatedBytesPerRecord
		req.MemTracker.Consume(delta)
		consumed += delta
	}

	switch {
	case req.FromCursor.IsSnapshotIntent():
		return runSnapshot(ctx, req, track)
	case req.FromCursor.IsIntentMidFlight():
		return runIntentResume(ctx, req, track)
	default:
		return runWALLoop(ctx, req, track)
	}
}

func runSnapshot(ctx context.Context, req Request, track func(int)) (Response, error) {
	hybridTime := req.FromCursor.SnapshotTime
	sch, _ := schema.MaybeLoad(ctx, req.SchemaSlot, req.Catalog, req.TabletID, hybridTime, req.TabletSchema)

	res, err := snapshot.Scan(ctx, req.FromCursor, req.Snapshot, req.Catalog, req.TabletID, sch,
		req.IntentRetentionMs, req.SnapshotBatchSize, req.TestSnapshotFailure)
	if err != nil {
		return Response{}, err
	}
	track(len(res.Records))
	return Response{Records: res.Records, Checkpoint: res.Next}, nil
}

func runIntentResume(ctx context.Context, req Request, track func(int)) (Response, error) {
	txnID, err := decodeTransactionID(req.FromCursor.Key)
	if err != nil {
		return Response{}, err
	}
	applyOpID := req.FromCursor.OpId()
	sch, _ := schema.MaybeLoad(ctx, req.SchemaSlot, req.Catalog, req.TabletID, 0, req.TabletSchema)

	res, err := intent.Replay(ctx, txnID, req.FromCursor, applyOpID, 0, req.IntentStore, req.Retention, sch, req.EnableSingleRecordUpdate)
	if err != nil {
		return Response{}, err
	}
	track(len(res.Records))
	return Response{Records: res.Records, Checkpoint: res.Next}, nil
}

func decodeTransactionID(key []byte) (string, error) {
	if len(key) < 16 {
		return "", cdcerrors.Mark(cdcerrors.Corruption, "cdcsdk: reverse-index key too short to carry a transaction id")
	}
	id, err := uuid.FromBytes(key[:16])
	if err != nil {
		return "", errors.Mark(errors.Wrap(err, "cdcsdk: malformed transaction id"), cdcerrors.Corruption)
	}
	return id.String(), nil
}

func runWALLoop(ctx context.Context, req Request, track func(int)) (Response, error) {
	lastSeen := req.FromCursor.OpId()
	finalCheckpoint := req.FromCursor
	var records []cdcpb.LogicalRecord
	var commitTimestamp uint64
	var checkpointUpdated bool
	lastSeenDefault := opid.Invalid
	splitOpID := opid.Invalid

outer:
	for {
		if !req.Deadline.IsZero() && time.Now().After(req.Deadline) {
			break
		}

		batch, err := req.Consensus.ReadReplicatedMessagesForCDC(ctx, lastSeen, req.LastReadableOpIDIndex, req.Deadline)
		if err != nil {
			return Response{}, errors.Mark(errors.Wrap(err, "cdcsdk: consensus read failed"), cdcerrors.Corruption)
		}
		if len(batch.Messages) == 0 {
			break
		}

		pendingIntents := false
		for _, msg := range batch.Messages {
			lastSeen = msg.OpID
			sch, _ := schema.MaybeLoad(ctx, req.SchemaSlot, req.Catalog, req.TabletID, msg.HybridTime, req.TabletSchema)

			switch msg.OpType {
			case OpTypeUpdateTransaction:
				if msg.TransactionStatus != TransactionStatusApplying {
					break
				}
				commitTimestamp = msg.CommitHybridTime
				res, err := intent.Replay(ctx, msg.TransactionID, opid.Checkpoint{}, msg.OpID, msg.CommitHybridTime,
					req.IntentStore, req.Retention, sch, req.EnableSingleRecordUpdate)
				if err != nil {
					return Response{}, err
				}
				records = append(records, res.Records...)
				finalCheckpoint = res.Next
				checkpointUpdated = true
				if res.Next.WriteID != 0 || len(res.Next.Key) != 0 {
					pendingIntents = true
				}

			case OpTypeWrite:
				if msg.TransactionID != "" {
					break
				}
				asm := rowassembler.New(sch, req.EnableSingleRecordUpdate)
				for _, wp := range msg.WritePairs {
					if err := asm.Feed(ctx, rowassembler.Entry{
						Key:                wp.Key,
						Value:              wp.Value,
						OpID:               msg.OpID,
						CommitTime:         msg.HybridTime,
						PhysicalTimeMicros: wp.PhysicalTimeMicros,
					}); err != nil {
						return Response{}, err
					}
				}
				asm.FlushPending()
				records = append(records, asm.Drain()...)
				finalCheckpoint = opid.Checkpoint{Term: msg.OpID.Term, Index: msg.OpID.Index}
				checkpointUpdated = true

			case OpTypeChangeMetadata:
				newSch, newVer := schema.InstallAndCrossCheck(ctx, req.SchemaSlot, req.Catalog, req.TabletID,
					msg.HybridTime, msg.MetadataSchema, msg.MetadataVersion)
				if !lastRecordIsDDLAtVersion(records, newVer) {
					records = append(records, buildDDLRecord(newSch, newVer))
				}
				finalCheckpoint = opid.Checkpoint{Term: msg.OpID.Term, Index: msg.OpID.Index}
				checkpointUpdated = true

			case OpTypeTruncate:
				if req.StreamTruncateRecord {
					records = append(records, cdcpb.LogicalRecord{
						Op:    cdcpb.OpTruncate,
						Table: sch.TableName,
						OpID:  cdcpb.FromCheckpointPosition(msg.OpID),
					})
				}
				finalCheckpoint = opid.Checkpoint{Term: msg.OpID.Term, Index: msg.OpID.Index}
				checkpointUpdated = true

			case OpTypeSplit:
				verified, err := verifySplit(ctx, req.SplitVerifier, req.TabletID)
				if err != nil {
					return Response{}, err
				}
				if verified && len(records) == 0 {
					splitOpID = msg.OpID
					finalCheckpoint = opid.Checkpoint{Term: msg.OpID.Term, Index: msg.OpID.Index}
					checkpointUpdated = true
				}

			default:
				lastSeenDefault = msg.OpID
			}

			if pendingIntents {
				break
			}
		}

		if pendingIntents {
			break outer
		}
		if checkpointUpdated || lastSeen.Index >= req.LastReadableOpIDIndex {
			break
		}
	}

	if splitOpID.IsValid() && finalCheckpoint.Term == splitOpID.Term && finalCheckpoint.Index == splitOpID.Index {
		track(len(records))
		return Response{Records: records, Checkpoint: finalCheckpoint, CommitTimestamp: commitTimestamp},
			cdcerrors.Mark(cdcerrors.TabletSplit, "cdcsdk: parent tablet closed by verified split")
	}

	if !checkpointUpdated {
		if lastSeenDefault.IsValid() {
			finalCheckpoint = opid.Checkpoint{Term: lastSeenDefault.Term, Index: lastSeenDefault.Index}
		} else {
			finalCheckpoint = req.FromCursor
		}
	}

	track(len(records))
	return Response{Records: records, Checkpoint: finalCheckpoint, CommitTimestamp: commitTimestamp}, nil
}

func lastRecordIsDDLAtVersion(records []cdcpb.LogicalRecord, version schema.SchemaVersion) bool {
	if len(records) == 0 {
		return false
	}
	last := records[len(records)-1]
	return last.Op == cdcpb.OpDDL && last.SchemaVersion == uint32(version)
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

func verifySplit(ctx context.Context, verifier SplitVerifier, parentTabletID string) (bool, error) {
	children, err := verifier.ChildTabletsOf(ctx, parentTabletID)
	if err != nil {
		return false, errors.Mark(errors.Wrap(err, "cdcsdk: failed to verify tablet split"), cdcerrors.Corruption)
	}
	count := 0
	for _, c := range children {
		if c.SplitParentTabletID == parentTabletID {
			count++
		}
	}
	return count == 2, nil
}
