package tree

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/drivesync/drivesync/internal/syncerr"
)

// Record is the persisted form of one entry.
type Record struct {
	Path        string `json:"path"`
	RemoteID    string `json:"remote_id,omitempty"`
	IsDir       bool   `json:"is_dir,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// Snapshot is the persisted state: every entry in parent-first order plus the
// remote revision cursor.
type Snapshot struct {
	Entries []Record `json:"entries"`
	Cursor  int64    `json:"cursor"`
}

// Snapshot copies the current index under the read lock.
func (idx *Index) Snapshot() *Snapshot {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.snapshotLocked()
}

func (idx *Index) snapshotLocked() *Snapshot {
	snap := &Snapshot{
		Entries: make([]Record, 0, idx.live),
		Cursor:  idx.cursor,
	}
	idx.walkLocked(RootHandle, "", func(p string, e Entry) bool {
		if e.IsRoot() {
			return true
		}
		snap.Entries = append(snap.Entries, Record{
			Path:        p,
			RemoteID:    e.RemoteID,
			IsDir:       e.IsDir,
			Fingerprint: e.Fingerprint,
		})
		return true
	})
	return snap
}

// Restore rebuilds an index from a snapshot without persisting it again.
// A nil snapshot yields an empty index.
func Restore(snap *Snapshot, cfg Config) (*Index, error) {
	idx := New(cfg)
	if snap == nil {
		return idx, nil
	}

	records := make([]Record, len(snap.Entries))
	copy(records, snap.Entries)
	sort.SliceStable(records, func(i, j int) bool {
		return strings.Count(records[i].Path, "/") < strings.Count(records[j].Path, "/")
	})

	for _, r := range records {
		segments, err := SplitPath(r.Path)
		if err != nil || len(segments) == 0 {
			return nil, fmt.Errorf("%w: bad entry path %q", syncerr.ErrStateCorrupt, r.Path)
		}
		meta := Metadata{RemoteID: r.RemoteID, IsDir: r.IsDir, Fingerprint: r.Fingerprint}
		if _, err := idx.upsertLocked(segments, meta); err != nil {
			return nil, fmt.Errorf("%w: %v", syncerr.ErrStateCorrupt, err)
		}
	}
	idx.cursor = snap.Cursor
	return idx, nil
}

// Cursor returns the persisted remote revision cursor. Zero means uninitialized.
func (idx *Index) Cursor() int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.cursor
}

// SetCursor advances the revision cursor and persists it. A value at or below
// the current cursor is ignored, the cursor never regresses.
func (idx *Index) SetCursor(c int64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return syncerr.ErrClosed
	}
	if c <= idx.cursor {
		return nil
	}
	idx.cursor = c
	idx.persistLocked()
	return nil
}

// Unsynced reports whether the last persist attempt failed, meaning stable
// storage is behind the in-memory index.
func (idx *Index) Unsynced() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.unsynced
}

// Flush persists the index now. It returns ErrPersistenceFailure when the
// write fails.
func (idx *Index) Flush() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.flushLocked()
}

// Batch runs fn with persistence deferred and persists once when fn
// returns, whatever fn returned. Mutations made by other goroutines while
// fn runs are deferred too. Batches may nest; the outermost one persists.
func (idx *Index) Batch(fn func() error) error {
	idx.mu.Lock()
	idx.batches++
	idx.mu.Unlock()

	err := fn()

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.batches--
	if idx.batches == 0 && idx.deferred && !idx.closed {
		idx.persistLocked()
	}
	return err
}

// Close flushes the index while holding the write lock and then refuses
// further mutation. Lookups keep working.
func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return nil
	}
	err := idx.flushLocked()
	idx.closed = true
	return err
}

func (idx *Index) flushLocked() error {
	if idx.persister == nil {
		return nil
	}
	if err := idx.persister.Persist(idx.snapshotLocked()); err != nil {
		idx.unsynced = true
		if errors.Is(err, syncerr.ErrPersistenceFailure) {
			return err
		}
		return fmt.Errorf("%w: %v", syncerr.ErrPersistenceFailure, err)
	}
	idx.unsynced = false
	idx.deferred = false
	return nil
}

// persistLocked is called after every structural mutation. Failures do not
// undo the mutation; they flag the index as unsynced until a later persist
// succeeds. Inside a Batch the persist is deferred to its end.
func (idx *Index) persistLocked() {
	if idx.batches > 0 {
		idx.deferred = true
		return
	}
	if err := idx.flushLocked(); err != nil {
		idx.logger.Error("State not persisted, running unsynchronized on disk", zap.Error(err))
	}
}
