// Package lockfile keeps a second engine from running against the same
// state directory.
package lockfile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/drivesync/drivesync/internal/syncerr"
)

// Name is the lock file created inside the state directory.
const Name = "drivesync.lock"

// Lock is an exclusive advisory lock held for the life of the process.
type Lock struct {
	path string
	fl   *flock.Flock
}

// Acquire takes the lock in dir, creating dir if needed. It returns an
// error wrapping syncerr.ErrLocked when another holder has it.
func Acquire(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	fl := flock.New(filepath.Join(dir, Name))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", fl.Path(), err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s (is another drivesync running?)", syncerr.ErrLocked, fl.Path())
	}

	return &Lock{path: fl.Path(), fl: fl}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release unlocks the lock file. The file itself is left in place;
// removing it would race with a process that just opened it.
func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	err := l.fl.Unlock()
	l.fl = nil
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}
