// Package intent implements the intent/provisional-write replayer:
// draining a transaction's provisional writes in order and running them
// through the row assembler, threading (write_id, reverse_index_key)
// across calls via the caller-visible checkpoint.
package intent

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/tabletsql/cdcsdk/pkg/cdcerrors"
	"github.com/tabletsql/cdcsdk/pkg/cdcpb"
	"github.com/tabletsql/cdcsdk/pkg/codec"
	"github.com/tabletsql/cdcsdk/pkg/opid"
	"github.com/tabletsql/cdcsdk/pkg/rowassembler"
	"github.com/tabletsql/cdcsdk/pkg/schema"
)

// ProvisionalWrite is one decoded provisional write returned by the intent
// store, keyed by (transaction_id, reverse_index_key, write_id) at the
// storage layer.
type ProvisionalWrite struct {
	Key                codec.SubDocKey
	Value              codec.Value
	WriteID            int32
	ReverseIndexKey    []byte
	PhysicalTimeMicros uint64
}

// DrainResult is one bounded batch of provisional writes plus the
// continuation stream_state the caller should resume from.
type DrainResult struct {
	Writes      []ProvisionalWrite
	NextKey     []byte
	NextWriteID int32
}

// Store is the external provisional-write collaborator.
type Store interface {
	Drain(ctx context.Context, transactionID string, key []byte, writeID int32) (DrainResult, error)
}

// RetentionSource exposes the tablet's current intent-retention checkpoint,
// used by the retention guard.
type RetentionSource interface {
	CurrentRetentionCheckpoint(ctx context.Context) (opid.OpId, error)
}

// Result is the outcome of one Replay call.
type Result struct {
	Records []cdcpb.LogicalRecord
	Next    opid.Checkpoint
}

// Replay drains and assembles one transaction's provisional writes.
// applyOpID is the apply record's op-id (the UPDATE_TRANSACTION_OP/
// APPLYING message that triggered this replay); commitTime is that
// message's commit hybrid-time.
func Replay(
	ctx context.Context,
	transactionID string,
	cp opid.Checkpoint,
	applyOpID opid.OpId,
	commitTime uint64,
	store Store,
	retention RetentionSource,
	sch schema.Schema,
	singleRecordUpdate func() bool,
) (Result, error) {
	var records []cdcpb.LogicalRecord

	if cp.WriteID == 0 && len(cp.Key) == 0 {
		records = append(records, cdcpb.LogicalRecord{
			Op:            cdcpb.OpBegin,
			TransactionID: transactionID,
			OpID:          cdcpb.FromCheckpointPosition(applyOpID),
		})
	}

	drained, err := store.Drain(ctx, transactionID, cp.Key, cp.WriteID)
	if err != nil {
		return Result{}, errors.Mark(errors.Wrap(err, "cdcsdk: failed to drain provisional writes"), cdcerrors.Corruption)
	}

	if len(drained.Writes) == 0 {
		retainedAt, err := retention.CurrentRetentionCheckpoint(ctx)
		if err != nil {
			return Result{}, errors.Mark(errors.Wrap(err, "cdcsdk: failed to read retention checkpoint"), cdcerrors.Corruption)
		}
		if applyOpID.LessEq(retainedAt) {
			return Result{}, cdcerrors.Mark(cdcerrors.InternalError, "cdcsdk: already-GCed intents")
		}
	}

	asm := rowassembler.New(sch, singleRecordUpdate)
	for _, w := range drained.Writes {
		if err := asm.Feed(ctx, rowassembler.Entry{
			Key:                w.Key,
			Value:              w.Value,
			OpID:               applyOpID,
			WriteID:            w.WriteID,
			ReverseIndexKey:    w.ReverseIndexKey,
			TransactionID:      transactionID,
			CommitTime:         commitTime,
			PhysicalTimeMicros: w.PhysicalTimeMicros,
		}); err != nil {
			return Result{}, err
		}
	}
	asm.FlushPending()
	records = append(records, asm.Drain()...)

	terminal := len(drained.NextKey) == 0 && drained.NextWriteID == 0
	if terminal {
		records = append(records, cdcpb.LogicalRecord{
			Op:            cdcpb.OpCommit,
			TransactionID: transactionID,
			OpID:          cdcpb.FromCheckpointPosition(applyOpID),
		})
		return Result{
			Records: records,
			Next:    opid.Checkpoint{Term: applyOpID.Term, Index: applyOpID.Index},
		}, nil
	}

	return Result{
		Records: records,
		Next: opid.Checkpoint{
			Term:    applyOpID.Term,
			Index:   applyOpID.Index,
			WriteID: drained.NextWriteID,
			Key:     drained.NextKey,
		},
	}, nil
}
