// Package opid defines the WAL position type and the resumable checkpoint
// cursor that the producer core hands back to callers.
package opid

import "fmt"

// OpId identifies a single WAL entry under Raft-like consensus: a (term,
// index) pair, totally ordered lexicographically.
type OpId struct {
	Term  int64
	Index int64
}

// Invalid is the sentinel OpId below all valid values.
var Invalid = OpId{Term: -1, Index: -1}

// IsValid reports whether o is not the Invalid sentinel.
func (o OpId) IsValid() bool {
	return o != Invalid
}

// Compare returns -1, 0, or 1 as o is less than, equal to, or greater than
// other, ordered by (Term, Index).
func (o OpId) Compare(other OpId) int {
	switch {
	case o.Term != other.Term:
		if o.Term < other.Term {
			return -1
		}
		return 1
	case o.Index != other.Index:
		if o.Index < other.Index {
			return -1
		}
		return 1
	default:
		return 0
	}
}

// Less reports whether o sorts strictly before other.
func (o OpId) Less(other OpId) bool { return o.Compare(other) < 0 }

// LessEq reports whether o sorts before or equal to other.
func (o OpId) LessEq(other OpId) bool { return o.Compare(other) <= 0 }

func (o OpId) String() string {
	return fmt.Sprintf("%d.%d", o.Term, o.Index)
}

// SnapshotWriteID is the sentinel Checkpoint.WriteID that indicates the
// cursor is in snapshot mode.
const SnapshotWriteID int32 = -1

// Checkpoint is the opaque, resumable cursor surfaced to callers of
// GetChanges. Its fields jointly classify which mode a call resumes into:
// snapshot, WAL replay, or mid-transaction intent replay.
type Checkpoint struct {
	Term  int64
	Index int64

	// WriteID is the intra-transaction cursor inside provisional writes.
	// SnapshotWriteID (-1) means "snapshot mode"; 0 means "not inside a
	// transaction".
	WriteID int32

	// Key is, for WriteID == SnapshotWriteID, the next snapshot
	// continuation key (empty means snapshot complete); otherwise it is a
	// provisional-write reverse-index key.
	Key []byte

	// SnapshotTime is the read hybrid-time pinned for the snapshot phase;
	// zero outside snapshot mode.
	SnapshotTime uint64
}

// OpId returns the (Term, Index) portion of the checkpoint as an OpId.
func (c Checkpoint) OpId() OpId {
	return OpId{Term: c.Term, Index: c.Index}
}

// IsSnapshotIntent reports whether this checkpoint asks the producer to
// (re)enter or continue the bootstrap snapshot phase.
func (c Checkpoint) IsSnapshotIntent() bool {
	return c.WriteID == SnapshotWriteID
}

// IsSnapshotStart reports whether this checkpoint is the very first
// snapshot call: (0,0,-1,"",0).
func (c Checkpoint) IsSnapshotStart() bool {
	return c.IsSnapshotIntent() && len(c.Key) == 0 && c.SnapshotTime == 0
}

// IsIntentMidFlight reports whether this checkpoint resumes a
// partially-drained transaction's intent replay.
func (c Checkpoint) IsIntentMidFlight() bool {
	return c.WriteID != 0 && c.WriteID != SnapshotWriteID && len(c.Key) > 0
}

// IsWALMode reports whether this checkpoint is a plain, non-snapshot,
// non-intent WAL resumption point: write_id=0, key empty.
func (c Checkpoint) IsWALMode() bool {
	return c.WriteID == 0 && len(c.Key) == 0
}

func (c Checkpoint) String() string {
	return fmt.Sprintf("(%d,%d,wid=%d,key=%q,snap=%d)", c.Term, c.Index, c.WriteID, c.Key, c.SnapshotTime)
}
