// Package settings implements the producer core's runtime-tunable flags
// as atomically-backed values read via Get() at the point of use, the
// same shape changefeedbase gives its settings (e.g.
// changefeedbase.ScanRequestLimit.Get(&p.settings.SV)). Get always returns
// the latest stored value, but the producer core does not hold these
// settings itself: producer.Request carries the snapshot batch size,
// stream-truncate, snapshot-failure and intent-retention flags as plain
// values copied when the request is built, so a change to them takes
// effect on the next GetChanges call, not inside one already running.
// Only EnableSingleRecordUpdate is passed as a func() bool and read at
// each use.
package settings

import "sync/atomic"

// BoolSetting is an atomically-backed boolean tunable.
type BoolSetting struct {
	v atomic.Bool
}

// NewBool returns a BoolSetting initialized to def.
func NewBool(def bool) *BoolSetting {
	s := &BoolSetting{}
	s.v.Store(def)
	return s
}

// Get returns the current value.
func (s *BoolSetting) Get() bool { return s.v.Load() }

// Set overrides the current value.
func (s *BoolSetting) Set(v bool) { s.v.Store(v) }

// IntSetting is an atomically-backed integer tunable.
type IntSetting struct {
	v atomic.Int64
}

// NewInt returns an IntSetting initialized to def.
func NewInt(def int64) *IntSetting {
	s := &IntSetting{}
	s.v.Store(def)
	return s
}

// Get returns the current value.
func (s *IntSetting) Get() int64 { return s.v.Load() }

// Set overrides the current value.
func (s *IntSetting) Set(v int64) { s.v.Store(v) }

// The five runtime tunables of the producer core.
var (
	// CDCSnapshotBatchSize is the max READ records per snapshot call.
	CDCSnapshotBatchSize = NewInt(250)

	// StreamTruncateRecord controls whether TRUNCATE WAL entries are
	// emitted.
	StreamTruncateRecord = NewBool(false)

	// EnableSingleRecordUpdate controls the row assembler's multi-column
	// UPDATE merging policy.
	EnableSingleRecordUpdate = NewBool(true)

	// CDCIntentRetentionMs is the retention lease requested at snapshot
	// start (milliseconds).
	CDCIntentRetentionMs = NewInt(4 * 60 * 60 * 1000)

	// TestCDCSnapshotFailure forces ServiceUnavailable for snapshot calls;
	// test-only.
	TestCDCSnapshotFailure = NewBool(false)
)
