package metrics

import (
	"errors"
	"sync/atomic"
	"time"
)

// ErrNoSnapshot is returned by Load before the first successful pass.
var ErrNoSnapshot = errors.New("no metrics snapshot published yet")

// Snapshot is an immutable, fully serialised pass. LastError is the error of
// the most recent failed pass, or empty if the latest pass succeeded.
type Snapshot struct {
	Payload   []byte
	Timestamp time.Time
	LastError string
}

// Age reports how old the payload is at now.
func (s *Snapshot) Age(now time.Time) time.Duration {
	if s == nil || s.Timestamp.IsZero() {
		return 0
	}
	return now.Sub(s.Timestamp)
}

// SnapshotStore hands snapshots from the scraper to any number of readers
// without locks.
type SnapshotStore struct {
	current atomic.Pointer[Snapshot]
}

func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{}
}

// Publish atomically replaces the served snapshot.
func (s *SnapshotStore) Publish(payload []byte, at time.Time) *Snapshot {
	snap := &Snapshot{Payload: payload, Timestamp: at}
	s.current.Store(snap)
	return snap
}

// SetError records a failed pass while keeping the previous payload.
func (s *SnapshotStore) SetError(err error) {
	if err == nil {
		return
	}
	for {
		old := s.current.Load()
		next := &Snapshot{LastError: err.Error()}
		if old != nil {
			next.Payload = old.Payload
			next.Timestamp = old.Timestamp
		}
		if s.current.CompareAndSwap(old, next) {
			return
		}
	}
}

// Load returns the latest snapshot with a payload, or ErrNoSnapshot.
func (s *SnapshotStore) Load() (*Snapshot, error) {
	snap := s.current.Load()
	if snap == nil || snap.Payload == nil {
		return snap, ErrNoSnapshot
	}
	return snap, nil
}
