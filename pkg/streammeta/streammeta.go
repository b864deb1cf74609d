// Package streammeta implements the stream metadata cache: a
// single-flight loader guarding the expensive refresh path, a shared
// mutex over the mutable (table_ids, state) pair, atomics for fields read
// far more often than written, and a per-tablet sub-map whose entries
// carry their own mutex.
package streammeta

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tabletsql/cdcsdk/pkg/opid"
)

// State is the stream's lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateActive
	StateDeleting
)

// RefreshOption selects how much of the cache a Refresh call repopulates.
type RefreshOption int

const (
	// RefreshTableIDsOnly reloads only the table id list.
	RefreshTableIDsOnly RefreshOption = iota
	// RefreshAll reloads the table id list and re-evaluates transactional mode.
	RefreshAll
)

// Loader is the external collaborator that fetches a stream's definition
// (its table ids and whether it is a transactional/consistent stream).
type Loader func(ctx context.Context) (tableIDs []string, transactional bool, err error)

// TabletMetadata is the per-tablet sub-map entry: the fields that
// participate in apply-safe-time tracking and metric reporting, guarded by
// their own mutex so readers of one tablet never block on another.
type TabletMetadata struct {
	mu                          sync.Mutex
	applySafeTimeCheckpointOpID opid.OpId
	lastApplySafeTime           uint64
	lastApplySafeTimeUpdateTime time.Time
}

// Get returns the tracked fields.
func (t *TabletMetadata) Get() (checkpointOpID opid.OpId, lastApplySafeTime uint64, updateTime time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.applySafeTimeCheckpointOpID, t.lastApplySafeTime, t.lastApplySafeTimeUpdateTime
}

// Set updates the tracked fields, stamping the update time itself.
func (t *TabletMetadata) Set(checkpointOpID opid.OpId, lastApplySafeTime uint64, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.applySafeTimeCheckpointOpID = checkpointOpID
	t.lastApplySafeTime = lastApplySafeTime
	t.lastApplySafeTimeUpdateTime = now
}

// StreamMetadata is the per-stream metadata cache.
type StreamMetadata struct {
	loadMu sync.Mutex
	loader Loader
	loaded bool

	mu       sync.RWMutex
	tableIDs []string

	state         atomic.Int32
	transactional atomic.Bool

	tabletsMu sync.Mutex
	tablets   map[string]*TabletMetadata
}

// New builds a StreamMetadata that lazily populates itself via loader.
func New(loader Loader) *StreamMetadata {
	return &StreamMetadata{loader: loader, tablets: make(map[string]*TabletMetadata)}
}

// Load populates the cache on first use. Concurrent callers single-flight
// behind loadMu; once loaded, Load is a no-op until Refresh is called.
func (s *StreamMetadata) Load(ctx context.Context) error {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	if s.loaded {
		return nil
	}
	tableIDs, transactional, err := s.loader(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.tableIDs = tableIDs
	s.mu.Unlock()
	s.transactional.Store(transactional)
	s.state.Store(int32(StateActive))
	s.loaded = true
	return nil
}

// Refresh reloads the cache per opt, guarded by the same single-flight
// load mutex as Load.
func (s *StreamMetadata) Refresh(ctx context.Context, opt RefreshOption) error {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	tableIDs, transactional, err := s.loader(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.tableIDs = tableIDs
	s.mu.Unlock()
	if opt == RefreshAll {
		s.transactional.Store(transactional)
	}
	s.loaded = true
	return nil
}

// TableIDs returns the cached table id list.
func (s *StreamMetadata) TableIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.tableIDs))
	copy(out, s.tableIDs)
	return out
}

// State returns the current lifecycle state.
func (s *StreamMetadata) State() State { return State(s.state.Load()) }

// SetState updates the lifecycle state.
func (s *StreamMetadata) SetState(st State) { s.state.Store(int32(st)) }

// Transactional reports whether this is a transactional/consistent stream.
func (s *StreamMetadata) Transactional() bool { return s.transactional.Load() }

// TabletMetadataFor returns (creating if necessary) the per-tablet metadata
// entry for tabletID.
func (s *StreamMetadata) TabletMetadataFor(tabletID string) *TabletMetadata {
	s.tabletsMu.Lock()
	defer s.tabletsMu.Unlock()
	tm, ok := s.tablets[tabletID]
	if !ok {
		tm = &TabletMetadata{}
		s.tablets[tabletID] = tm
	}
	return tm
}
