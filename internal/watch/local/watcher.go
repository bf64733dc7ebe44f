// Package local captures changes in the tracked directory through fsnotify
// and queues them as local change records.
package local

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/drivesync/drivesync/internal/change"
	"github.com/drivesync/drivesync/internal/localfs"
	"github.com/drivesync/drivesync/internal/logging"
	"github.com/drivesync/drivesync/internal/metrics"
	"github.com/drivesync/drivesync/internal/tree"
)

// EventOp is the kind of filesystem notification.
type EventOp int

const (
	OpCreate EventOp = iota
	OpModify
	OpDelete
)

func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Config configures a Watcher.
type Config struct {
	// Root is the absolute path of the tracked directory.
	Root string

	// Fs is used for stats, walks and hashing (default: OS filesystem).
	// fsnotify always watches the real filesystem.
	Fs afero.Fs

	// Tree supplies the last known type of deleted entries.
	Tree *tree.Index

	// Queue receives the records (default: a new queue).
	Queue *change.Queue[change.LocalPath]

	// IncludeHidden also watches dot files and directories.
	IncludeHidden bool

	Logger *zap.Logger
}

// Watcher watches the tracked directory recursively.
type Watcher struct {
	root          string
	fs            afero.Fs
	tree          *tree.Index
	queue         *change.Queue[change.LocalPath]
	includeHidden bool
	logger        *zap.Logger

	watcher *fsnotify.Watcher
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	running bool
	watched map[string]bool // root-relative directories with an active watch
}

// New creates a Watcher. It must be started with Start before it captures anything.
func New(cfg Config) (*Watcher, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("root directory is required")
	}
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Queue == nil {
		cfg.Queue = change.NewQueue[change.LocalPath](change.QueueConfig{})
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		root:          cfg.Root,
		fs:            cfg.Fs,
		tree:          cfg.Tree,
		queue:         cfg.Queue,
		includeHidden: cfg.IncludeHidden,
		logger:        logging.Named(cfg.Logger, "watch.local"),
		watcher:       fw,
		errors:        make(chan error, 10),
		done:          make(chan struct{}),
		watched:       make(map[string]bool),
	}, nil
}

// Queue returns the pending set filled by the watcher.
func (w *Watcher) Queue() *change.Queue[change.LocalPath] {
	return w.queue
}

// Errors returns watcher errors such as event overflow. The channel is
// closed when the watcher stops.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Start registers a watch on every non-hidden directory under the root and
// begins processing events.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	if _, err := w.addTreeLocked(".", false); err != nil {
		for rel := range w.watched {
			_ = w.watcher.Remove(localfs.Abs(w.root, rel))
		}
		w.watched = make(map[string]bool)
		return err
	}

	w.running = true
	w.wg.Add(1)
	go w.processEvents()

	w.logger.Info("Local capture started", zap.String("root", w.root), zap.Int("watches", len(w.watched)))
	return nil
}

// Stop stops watching and blocks until the event loop has exited.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	w.wg.Wait()
	close(w.errors)
	return nil
}

// IsRunning returns true while the watcher is capturing.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// WatchCount returns the number of directories with an active watch.
func (w *Watcher) WatchCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.watched)
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
			if w.WatchCount() == 0 {
				w.logger.Warn("No watches remain, local capture stopped")
				return
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.logger.Warn("Filesystem event queue overflowed, changes may be missed", zap.Error(err))
			} else {
				w.logger.Warn("Filesystem watch error", zap.Error(err))
			}
			select {
			case w.errors <- err:
			default:
			}
		}
	}
}

// handleEvent converts one fsnotify event into records.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	rel, err := localfs.Rel(w.root, event.Name)
	if err != nil {
		return
	}
	if rel == "." {
		if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
			w.forget(rel)
		}
		return
	}
	if !w.includeHidden && localfs.IsHidden(rel) {
		return
	}

	var op EventOp
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
	case event.Has(fsnotify.Write):
		op = OpModify
	case event.Has(fsnotify.Remove):
		op = OpDelete
	case event.Has(fsnotify.Rename):
		// the new name arrives as a separate create
		op = OpDelete
	default:
		return
	}

	w.capture(rel, op)
}

func (w *Watcher) capture(rel string, op EventOp) {
	if op == OpDelete {
		w.forget(rel)
		w.enqueue(change.LocalRecord{
			ID:    change.LocalPath(rel),
			Title: path.Base(rel),
			IsDir: w.knownDir(rel),
		})
		return
	}

	info, err := w.fs.Stat(localfs.Abs(w.root, rel))
	if err != nil {
		// vanished before it could be inspected; a delete event follows
		w.enqueue(change.LocalRecord{
			ID:       change.LocalPath(rel),
			ParentID: change.LocalPath(localfs.Parent(rel)),
			Title:    path.Base(rel),
			IsDir:    w.knownDir(rel),
		})
		return
	}

	if info.IsDir() {
		if op == OpModify {
			return
		}
		w.mu.Lock()
		found, err := w.addTreeLocked(rel, true)
		w.mu.Unlock()
		if err != nil {
			w.logger.Warn("Failed to watch new directory", zap.String("path", rel), zap.Error(err))
		}
		w.enqueue(change.LocalRecord{
			ID:       change.LocalPath(rel),
			ParentID: change.LocalPath(localfs.Parent(rel)),
			Title:    path.Base(rel),
			IsDir:    true,
		})
		for _, r := range found {
			w.enqueue(r)
		}
		return
	}

	w.enqueue(w.fileRecord(rel))
}

func (w *Watcher) fileRecord(rel string) change.LocalRecord {
	r := change.LocalRecord{
		ID:       change.LocalPath(rel),
		ParentID: change.LocalPath(localfs.Parent(rel)),
		Title:    path.Base(rel),
	}
	fp, err := localfs.Fingerprint(w.fs, localfs.Abs(w.root, rel))
	if err == nil {
		r.Fingerprint = fp
	} else if !os.IsNotExist(err) {
		w.logger.Debug("Failed to fingerprint file", zap.String("path", rel), zap.Error(err))
	}
	return r
}

// addTreeLocked registers watches on rel and every non-hidden directory below
// it. With collect set it also returns a record for every descendant, since
// content created before the watch was registered produces no events.
func (w *Watcher) addTreeLocked(rel string, collect bool) ([]change.LocalRecord, error) {
	var found []change.LocalRecord
	start := localfs.Abs(w.root, rel)

	err := afero.Walk(w.fs, start, func(abs string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		r, relErr := localfs.Rel(w.root, abs)
		if relErr != nil {
			return relErr
		}
		if !w.includeHidden && r != "." && localfs.IsHidden(r) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if info.IsDir() {
			if err := w.watcher.Add(abs); err != nil {
				return fmt.Errorf("failed to watch %s: %w", abs, err)
			}
			w.watched[r] = true
			if collect && r != rel {
				found = append(found, change.LocalRecord{
					ID:       change.LocalPath(r),
					ParentID: change.LocalPath(localfs.Parent(r)),
					Title:    path.Base(r),
					IsDir:    true,
				})
			}
			return nil
		}
		if collect {
			found = append(found, w.fileRecord(r))
		}
		return nil
	})
	return found, err
}

// forget drops watch bookkeeping for rel and everything below it. fsnotify
// removes the kernel watch of a deleted directory on its own.
func (w *Watcher) forget(rel string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for r := range w.watched {
		if rel == "." || r == rel || strings.HasPrefix(r, rel+"/") {
			delete(w.watched, r)
		}
	}
}

func (w *Watcher) knownDir(rel string) bool {
	if w.tree == nil {
		return false
	}
	e, err := w.tree.LookupByPath(rel)
	return err == nil && e.IsDir
}

func (w *Watcher) enqueue(r change.LocalRecord) {
	if w.queue.Append(r) {
		metrics.RecordCaptured(string(change.OriginLocal))
		w.logger.Debug("Captured local change", zap.Stringer("record", r))
		return
	}
	metrics.RecordIgnored(string(change.OriginLocal))
}
