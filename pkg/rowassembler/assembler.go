// Package rowassembler implements the row-record assembler algorithm: it
// folds an ordered sequence of decoded (primary_key, column_selector,
// value) triples into LogicalRecord values, shared by both the
// non-transactional WRITE_OP path and the intent/transactional path.
package rowassembler

import (
	"bytes"
	"context"

	"github.com/cockroachdb/errors"
	"github.com/tabletsql/cdcsdk/internal/cdclog"
	"github.com/tabletsql/cdcsdk/pkg/cdcpb"
	"github.com/tabletsql/cdcsdk/pkg/codec"
	"github.com/tabletsql/cdcsdk/pkg/opid"
	"github.com/tabletsql/cdcsdk/pkg/schema"
)

// Entry is one decoded (primary_key, column_selector, value) triple fed to
// the assembler, plus the intra-transaction and WAL-position metadata it
// should be stamped with if it triggers a flush.
type Entry struct {
	Key   codec.SubDocKey
	Value codec.Value

	OpID            opid.OpId
	WriteID         int32
	ReverseIndexKey []byte

	TransactionID string
	CommitTime    uint64

	// PhysicalTimeMicros is the intent's physical wall-clock component,
	// used only by the single-record-update grouping rule (step 1d).
	PhysicalTimeMicros uint64
}

// Assembler holds the running state of the row-assembly algorithm across
// a sequence of Feed calls. It is not safe for concurrent use; one
// Assembler serves one WAL batch or one intent batch.
type Assembler struct {
	schema             schema.Schema
	singleRecordUpdate func() bool

	out []cdcpb.LogicalRecord

	hasPrev         bool
	prevKey         codec.DocKey
	prevPhysicalTMS uint64

	pending         *cdcpb.LogicalRecord
	pendingOp       cdcpb.Op
	colCount        int
	pendingOpID     opid.OpId
	pendingWriteID  int32
	pendingRevIndex []byte
}

// New builds an Assembler bound to sch. singleRecordUpdate is read at the
// point of use and never cached, so a runtime tunable flip takes effect
// immediately; pass settings.EnableSingleRecordUpdate.Get in production
// callers.
func New(sch schema.Schema, singleRecordUpdate func() bool) *Assembler {
	return &Assembler{schema: sch, singleRecordUpdate: singleRecordUpdate}
}

func docKeyEqual(a, b codec.DocKey) bool {
	if len(a.HashedGroup) != len(b.HashedGroup) || len(a.RangeGroup) != len(b.RangeGroup) {
		return false
	}
	for i := range a.HashedGroup {
		if !bytes.Equal(a.HashedGroup[i], b.HashedGroup[i]) {
			return false
		}
	}
	for i := range a.RangeGroup {
		if !bytes.Equal(a.RangeGroup[i], b.RangeGroup[i]) {
			return false
		}
	}
	return true
}

func isWholeRowTombstone(e Entry) bool {
	return e.Value.Type == codec.ValueTombstone && e.Key.NumSubkeys() == 0
}

// Feed processes one decoded triple, possibly flushing the previously
// pending record and/or appending the newly flushed record(s) to the
// assembler's output. Call Drain to collect emitted records and FlushPending
// at true end-of-batch boundaries.
func (a *Assembler) Feed(ctx context.Context, e Entry) error {
	startNew := a.pending == nil
	if a.hasPrev && !docKeyEqual(a.prevKey, e.Key.DocKey) {
		startNew = true
	}
	if a.pending != nil && a.colCount >= a.schema.NumColumns() {
		startNew = true
	}
	if isWholeRowTombstone(e) {
		startNew = true
	}
	if a.singleRecordUpdate() && a.hasPrev && e.PhysicalTimeMicros != a.prevPhysicalTMS {
		startNew = true
	}

	if startNew {
		a.flushPending()
		a.beginGroup(e)
	}

	a.prevKey = e.Key.DocKey
	a.prevPhysicalTMS = e.PhysicalTimeMicros
	a.hasPrev = true

	a.pendingOpID = e.OpID
	a.pendingWriteID = e.WriteID
	a.pendingRevIndex = e.ReverseIndexKey
	if e.TransactionID != "" {
		a.pending.TransactionID = e.TransactionID
	}
	if e.CommitTime != 0 {
		a.pending.CommitTime = e.CommitTime
	}

	if err := a.projectColumn(ctx, e); err != nil {
		return err
	}

	a.applyFlushPolicy()
	return nil
}

// beginGroup classifies a new logical record (step 2) and projects the
// primary key into it (step 3).
func (a *Assembler) beginGroup(e Entry) {
	var op cdcpb.Op
	switch {
	case isWholeRowTombstone(e):
		op = cdcpb.OpDelete
	case e.Key.Selector.Type == codec.KeyEntrySystemColumnID && e.Value.Type == codec.ValueNullLow:
		op = cdcpb.OpInsert
	default:
		op = cdcpb.OpUpdate
	}

	rec := &cdcpb.LogicalRecord{
		Op:           op,
		Table:        a.schema.TableName,
		PgSchemaName: a.schema.PgSchemaName,
	}
	a.pending = rec
	a.pendingOp = op
	if op == cdcpb.OpInsert {
		a.colCount = a.schema.NumKeyColumns() - 1
	} else {
		a.colCount = 0
	}

	projectPrimaryKey(rec, a.schema, e.Key.DocKey)
}

// projectPrimaryKey appends a tuple slot for every hashed-then-range column
// of the decoded key (step 3). The primary key's raw bytes are carried
// through verbatim: the codec-adapter boundary only decodes the key's
// *shape*, not its typed contents, so there is no pg_type_oid-aware
// conversion to apply here the way there is for column values.
func projectPrimaryKey(rec *cdcpb.LogicalRecord, sch schema.Schema, key codec.DocKey) {
	ordinal := 0
	groups := append(append([][]byte{}, key.HashedGroup...), key.RangeGroup...)
	for _, raw := range groups {
		col, err := sch.ColumnAt(ordinal)
		ordinal++
		slot := rec.AddTuple()
		if err != nil {
			*slot = cdcpb.Datum{ColumnName: "<unknown-key-column>", Present: true, Value: raw}
			continue
		}
		*slot = cdcpb.Datum{ColumnName: col.Name, ColumnType: col.PgTypeOID, Present: true, Value: raw}
	}
}

// projectColumn implements steps 4 and 6: column projection, key-column
// cursor-only handling, and the fatal-inconsistency skip path.
func (a *Assembler) projectColumn(ctx context.Context, e Entry) error {
	sel := e.Key.Selector
	switch sel.Type {
	case codec.KeyEntryNone:
		// Whole-row tombstone or bare-PK write; nothing further to project.
		return nil
	case codec.KeyEntryColumnID:
		if a.schema.IsKeyColumn(sel.ColumnID) {
			// Key-column write: cursor-only, no emission (step 6).
			return nil
		}
		col, err := a.schema.ColumnByID(sel.ColumnID)
		if err != nil {
			return errors.Wrapf(err, "rowassembler: column projection")
		}
		datum := codec.SetValueFromQLBinary(e.Value.Primitive, col.Name, col.PgTypeOID)
		if e.Value.Type != codec.ValuePrimitive {
			datum.Present = false
			datum.Value = nil
		}
		*a.pending.AddTuple() = datum
		a.colCount++
		return nil
	case codec.KeyEntrySystemColumnID:
		// Liveness marker: no data emitted. Counting it raises beginGroup's
		// initial col_count (key columns minus one) to the full key-column
		// count, so an INSERT flushes once every non-key column has arrived.
		a.colCount++
		return nil
	default:
		cdclog.DFatalf(ctx, "rowassembler: unexpected column selector kind %d for %s, skipping entry", sel.Type, cdclog.RedactedKey(e.ReverseIndexKey))
		return nil
	}
}

// applyFlushPolicy implements step 5.
func (a *Assembler) applyFlushPolicy() {
	switch a.pendingOp {
	case cdcpb.OpInsert:
		if a.colCount >= a.schema.NumColumns() {
			a.flushPending()
		}
	case cdcpb.OpDelete:
		a.flushPending()
	case cdcpb.OpUpdate:
		if !a.singleRecordUpdate() {
			a.flushPending()
		}
		// single-record mode: held pending until group boundary or
		// FlushPending.
	}
}

func (a *Assembler) flushPending() {
	if a.pending == nil {
		return
	}
	rec := a.pending
	rec.OpID = cdcpb.RecordOpId{
		Term:            a.pendingOpID.Term,
		Index:           a.pendingOpID.Index,
		WriteID:         a.pendingWriteID,
		ReverseIndexKey: a.pendingRevIndex,
	}
	a.out = append(a.out, *rec)
	a.pending = nil
	a.colCount = 0
}

// FlushPending flushes any record still held pending (a single-record-update
// UPDATE awaiting more columns) at a true end-of-batch boundary.
func (a *Assembler) FlushPending() {
	a.flushPending()
}

// Drain returns every record flushed so far and resets the output buffer.
// It does not flush a pending record; call FlushPending first if the caller
// has reached end-of-batch.
func (a *Assembler) Drain() []cdcpb.LogicalRecord {
	out := a.out
	a.out = nil
	return out
}
