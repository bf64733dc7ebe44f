package state

import (
	"sync"

	"github.com/drivesync/drivesync/internal/tree"
)

// MemoryStore keeps the last snapshot in memory.
type MemoryStore struct {
	mu       sync.Mutex
	snap     tree.Snapshot
	persists int
	failWith error
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Persist(snap *tree.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.snap = copySnapshot(snap)
	s.persists++
	return nil
}

func (s *MemoryStore) Load() (*tree.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := copySnapshot(&s.snap)
	return &snap, nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) String() string { return "memory://" }

// Persists returns how many snapshots were written.
func (s *MemoryStore) Persists() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persists
}

// FailWith makes every Persist return err until it is called with nil.
func (s *MemoryStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

func copySnapshot(snap *tree.Snapshot) tree.Snapshot {
	if snap == nil {
		return tree.Snapshot{}
	}
	return tree.Snapshot{
		Entries: append([]tree.Record(nil), snap.Entries...),
		Cursor:  snap.Cursor,
	}
}
