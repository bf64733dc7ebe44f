package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/spf13/afero"

	"github.com/drivesync/drivesync/internal/localfs"
	"github.com/drivesync/drivesync/internal/syncerr"
	"github.com/drivesync/drivesync/internal/tree"
)

// FileStore writes the snapshot as one JSON document, replaced atomically on
// every persist.
type FileStore struct {
	mu   sync.Mutex
	fs   afero.Fs
	path string
}

// NewFileStore creates a FileStore at path.
func NewFileStore(fs afero.Fs, path string) *FileStore {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &FileStore{fs: fs, path: path}
}

func (s *FileStore) Persist(snap *tree.Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", syncerr.ErrPersistenceFailure, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := localfs.WriteFileAtomic(s.fs, s.path, bytes.NewReader(data), 0o600); err != nil {
		return fmt.Errorf("%w: %v", syncerr.ErrPersistenceFailure, err)
	}
	return nil
}

func (s *FileStore) Load() (*tree.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := afero.ReadFile(s.fs, s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &tree.Snapshot{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state %s: %w", s.path, err)
	}

	var snap tree.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", syncerr.ErrStateCorrupt, s.path, err)
	}
	return &snap, nil
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) String() string { return "file://" + s.path }
