// Package tree implements the Tree Index: the engine's record of what is
// believed to be synchronized between the local directory and the remote drive.
//
// Nodes live in an arena and refer to each other by Handle. Every node except
// the root is reachable from the root by its name chain, and every node with a
// remote id is also reachable in O(1) through the id index. The two views are
// only ever mutated together under a single readers-writer lock, and every
// structural mutation is persisted before the lock is released.
package tree

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/drivesync/drivesync/internal/logging"
	"github.com/drivesync/drivesync/internal/syncerr"
)

// RootID is the well-known remote id of the drive root.
const RootID = "root"

// Handle identifies a node in the arena. Handles are never reused, so a
// handle kept after its node was deleted resolves to ErrNotFound.
type Handle int

const (
	// RootHandle is the handle of the synthetic root node.
	RootHandle Handle = 0
	// NoHandle is the parent of the root.
	NoHandle Handle = -1
)

// Metadata is the synchronized state attached to a node.
type Metadata struct {
	// RemoteID is empty only transiently, for local entries not yet uploaded.
	RemoteID string
	IsDir    bool
	// Fingerprint is the content hash, empty for directories and unsynced files.
	Fingerprint string
}

// Entry is a read-only view of a node taken under the index lock.
type Entry struct {
	Handle Handle
	Parent Handle
	Name   string
	Metadata
}

// IsRoot reports whether the entry is the synthetic root.
func (e Entry) IsRoot() bool {
	return e.Handle == RootHandle
}

type node struct {
	name     string
	meta     Metadata
	parent   Handle
	children map[string]Handle
	live     bool
}

// Persister writes a snapshot of the index to stable storage.
type Persister interface {
	Persist(snap *Snapshot) error
}

// Config configures an Index.
type Config struct {
	// Persister receives a snapshot after every structural mutation.
	// A nil Persister keeps the index memory-only.
	Persister Persister

	// Logger for persistence failures (default: global logger)
	Logger *zap.Logger
}

// Index is the arena-backed tree plus id index.
type Index struct {
	mu     sync.RWMutex
	nodes  []node
	byID   map[string]Handle
	live   int
	cursor int64

	persister Persister
	logger    *zap.Logger
	unsynced  bool
	closed    bool

	// batches > 0 defers persists; deferred records that one was skipped
	batches  int
	deferred bool
}

// New creates an empty index containing only the root.
func New(cfg Config) *Index {
	idx := &Index{
		byID:      make(map[string]Handle),
		persister: cfg.Persister,
		logger:    logging.Named(cfg.Logger, "tree"),
	}
	idx.nodes = append(idx.nodes, node{
		meta:     Metadata{RemoteID: RootID, IsDir: true},
		parent:   NoHandle,
		children: make(map[string]Handle),
		live:     true,
	})
	return idx
}

// SplitPath cleans a slash-separated, root-relative path into segments.
// The empty path, "." and "/" all name the root and yield no segments.
func SplitPath(p string) ([]string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return nil, nil
	}
	cleaned := strings.Trim(path.Clean("/"+p), "/")
	if cleaned == "" {
		return nil, nil
	}
	segments := strings.Split(cleaned, "/")
	for _, s := range segments {
		if s == ".." || s == "." {
			return nil, fmt.Errorf("%w: %q escapes the tracked root", syncerr.ErrInvalidPath, p)
		}
	}
	return segments, nil
}

// LookupByPath walks name segments from the root. The empty path returns the root.
func (idx *Index) LookupByPath(p string) (Entry, error) {
	segments, err := SplitPath(p)
	if err != nil {
		return Entry{}, err
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	h, ok := idx.resolveLocked(segments)
	if !ok {
		return Entry{}, fmt.Errorf("%w: path %q", syncerr.ErrNotFound, p)
	}
	return idx.entryLocked(h), nil
}

// LookupByID resolves a remote id through the id index. RootID always
// resolves to the root.
func (idx *Index) LookupByID(id string) (Entry, error) {
	if id == RootID {
		idx.mu.RLock()
		defer idx.mu.RUnlock()
		return idx.entryLocked(RootHandle), nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	h, ok := idx.byID[id]
	if !ok {
		return Entry{}, fmt.Errorf("%w: id %q", syncerr.ErrNotFound, id)
	}
	return idx.entryLocked(h), nil
}

// Get returns the entry for a handle.
func (idx *Index) Get(h Handle) (Entry, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if !idx.liveLocked(h) {
		return Entry{}, fmt.Errorf("%w: handle %d", syncerr.ErrNotFound, h)
	}
	return idx.entryLocked(h), nil
}

// Upsert creates the leaf of p or updates its metadata when it already exists.
//
// Every intermediate segment must already exist as a directory; missing
// ancestors are not created and yield ErrInvalidPath.
func (idx *Index) Upsert(p string, meta Metadata) (Entry, error) {
	segments, err := SplitPath(p)
	if err != nil {
		return Entry{}, err
	}
	if len(segments) == 0 {
		return Entry{}, fmt.Errorf("%w: cannot upsert the root", syncerr.ErrInvalidPath)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return Entry{}, syncerr.ErrClosed
	}

	h, err := idx.upsertLocked(segments, meta)
	if err != nil {
		return Entry{}, fmt.Errorf("upsert %q: %w", p, err)
	}
	idx.persistLocked()
	return idx.entryLocked(h), nil
}

func (idx *Index) upsertLocked(segments []string, meta Metadata) (Handle, error) {
	parent, ok := idx.resolveLocked(segments[:len(segments)-1])
	if !ok {
		return NoHandle, fmt.Errorf("%w: parent does not exist", syncerr.ErrInvalidPath)
	}
	if !idx.nodes[parent].meta.IsDir {
		return NoHandle, fmt.Errorf("%w: parent is not a directory", syncerr.ErrInvalidPath)
	}

	if meta.RemoteID == RootID {
		return NoHandle, fmt.Errorf("%w: the root id cannot be assigned to a child", syncerr.ErrInvalidPath)
	}

	name := segments[len(segments)-1]
	if h, exists := idx.nodes[parent].children[name]; exists {
		if err := idx.setMetadataLocked(h, meta); err != nil {
			return NoHandle, err
		}
		return h, nil
	}

	if meta.RemoteID != "" {
		if other, taken := idx.byID[meta.RemoteID]; taken {
			return NoHandle, fmt.Errorf("%w: id %s already indexed at %s",
				syncerr.ErrInvalidPath, meta.RemoteID, idx.pathLocked(other))
		}
	}

	h := Handle(len(idx.nodes))
	n := node{
		name:   name,
		meta:   meta,
		parent: parent,
		live:   true,
	}
	if meta.IsDir {
		n.children = make(map[string]Handle)
	}
	idx.nodes = append(idx.nodes, n)
	idx.nodes[parent].children[name] = h
	if meta.RemoteID != "" {
		idx.byID[meta.RemoteID] = h
	}
	idx.live++
	return h, nil
}

// Update replaces the metadata of an existing node, keeping the id index in step.
func (idx *Index) Update(h Handle, meta Metadata) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return syncerr.ErrClosed
	}
	if h == RootHandle {
		return fmt.Errorf("%w: cannot update the root", syncerr.ErrInvalidPath)
	}
	if !idx.liveLocked(h) {
		return fmt.Errorf("%w: handle %d", syncerr.ErrNotFound, h)
	}
	if err := idx.setMetadataLocked(h, meta); err != nil {
		return err
	}
	idx.persistLocked()
	return nil
}

func (idx *Index) setMetadataLocked(h Handle, meta Metadata) error {
	n := &idx.nodes[h]

	if meta.RemoteID != "" && meta.RemoteID != n.meta.RemoteID {
		if other, taken := idx.byID[meta.RemoteID]; taken && other != h {
			return fmt.Errorf("%w: id %s already indexed at %s",
				syncerr.ErrInvalidPath, meta.RemoteID, idx.pathLocked(other))
		}
	}
	if n.meta.IsDir && !meta.IsDir && len(n.children) > 0 {
		return fmt.Errorf("%w: directory %s has children", syncerr.ErrInvalidPath, idx.pathLocked(h))
	}

	if n.meta.RemoteID != "" && n.meta.RemoteID != meta.RemoteID {
		delete(idx.byID, n.meta.RemoteID)
	}
	if meta.RemoteID != "" {
		idx.byID[meta.RemoteID] = h
	}
	if meta.IsDir && n.children == nil {
		n.children = make(map[string]Handle)
	}
	n.meta = meta
	return nil
}

// Delete detaches the subtree at p and removes every descendant from the id
// index. A path that does not resolve is a no-op.
func (idx *Index) Delete(p string) error {
	segments, err := SplitPath(p)
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return fmt.Errorf("%w: cannot delete the root", syncerr.ErrInvalidPath)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return syncerr.ErrClosed
	}

	h, ok := idx.resolveLocked(segments)
	if !ok {
		return nil
	}
	idx.deleteLocked(h)
	idx.persistLocked()
	return nil
}

// DeleteEntry is Delete for a handle. A stale handle is a no-op.
func (idx *Index) DeleteEntry(h Handle) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return syncerr.ErrClosed
	}
	if h == RootHandle {
		return fmt.Errorf("%w: cannot delete the root", syncerr.ErrInvalidPath)
	}
	if !idx.liveLocked(h) {
		return nil
	}
	idx.deleteLocked(h)
	idx.persistLocked()
	return nil
}

func (idx *Index) deleteLocked(h Handle) {
	parent := idx.nodes[h].parent
	delete(idx.nodes[parent].children, idx.nodes[h].name)

	stack := []Handle{h}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		n := &idx.nodes[cur]
		for _, child := range n.children {
			stack = append(stack, child)
		}
		if n.meta.RemoteID != "" && idx.byID[n.meta.RemoteID] == cur {
			delete(idx.byID, n.meta.RemoteID)
		}
		n.children = nil
		n.live = false
		idx.live--
	}
}

// Move re-parents src under dstParent, optionally renaming it. The remote id
// and the id index entry are preserved. An existing sibling with the target
// name is replaced.
func (idx *Index) Move(src, dstParent Handle, newName string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return syncerr.ErrClosed
	}
	if src == RootHandle {
		return fmt.Errorf("%w: cannot move the root", syncerr.ErrInvalidPath)
	}
	if !idx.liveLocked(src) || !idx.liveLocked(dstParent) {
		return fmt.Errorf("%w: move %d -> %d", syncerr.ErrNotFound, src, dstParent)
	}
	if !idx.nodes[dstParent].meta.IsDir {
		return fmt.Errorf("%w: destination is not a directory", syncerr.ErrInvalidPath)
	}
	for cur := dstParent; cur != NoHandle; cur = idx.nodes[cur].parent {
		if cur == src {
			return fmt.Errorf("%w: cannot move a directory into itself", syncerr.ErrInvalidPath)
		}
	}
	if newName == "" {
		newName = idx.nodes[src].name
	}
	if strings.Contains(newName, "/") {
		return fmt.Errorf("%w: name %q contains a separator", syncerr.ErrInvalidPath, newName)
	}

	if existing, ok := idx.nodes[dstParent].children[newName]; ok && existing != src {
		for cur := src; cur != NoHandle; cur = idx.nodes[cur].parent {
			if cur == existing {
				return fmt.Errorf("%w: cannot replace an ancestor of the moved entry", syncerr.ErrInvalidPath)
			}
		}
		idx.deleteLocked(existing)
	}

	oldParent := idx.nodes[src].parent
	delete(idx.nodes[oldParent].children, idx.nodes[src].name)
	idx.nodes[src].name = newName
	idx.nodes[src].parent = dstParent
	idx.nodes[dstParent].children[newName] = src

	idx.persistLocked()
	return nil
}

// FullPath rebuilds the root-relative path of h by walking parent handles.
// It is O(depth) and recomputed on every call.
func (idx *Index) FullPath(h Handle) (string, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if !idx.liveLocked(h) {
		return "", fmt.Errorf("%w: handle %d", syncerr.ErrNotFound, h)
	}
	return idx.pathLocked(h), nil
}

// Children returns the direct children of h sorted by name.
func (idx *Index) Children(h Handle) ([]Entry, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if !idx.liveLocked(h) {
		return nil, fmt.Errorf("%w: handle %d", syncerr.ErrNotFound, h)
	}

	names := make([]string, 0, len(idx.nodes[h].children))
	for name := range idx.nodes[h].children {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Entry, 0, len(names))
	for _, name := range names {
		out = append(out, idx.entryLocked(idx.nodes[h].children[name]))
	}
	return out, nil
}

// Walk visits h and every descendant in pre-order with its root-relative path.
// Siblings are visited in name order. Returning false from fn skips the subtree.
func (idx *Index) Walk(h Handle, fn func(p string, e Entry) bool) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if !idx.liveLocked(h) {
		return fmt.Errorf("%w: handle %d", syncerr.ErrNotFound, h)
	}
	idx.walkLocked(h, idx.pathLocked(h), fn)
	return nil
}

func (idx *Index) walkLocked(h Handle, p string, fn func(string, Entry) bool) {
	if !fn(p, idx.entryLocked(h)) {
		return
	}
	n := idx.nodes[h]
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		idx.walkLocked(n.children[name], path.Join(p, name), fn)
	}
}

// Descendants returns every entry below h with its path, excluding h itself.
func (idx *Index) Descendants(h Handle) (map[string]Entry, error) {
	out := make(map[string]Entry)
	err := idx.Walk(h, func(p string, e Entry) bool {
		if e.Handle != h {
			out[p] = e
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Len returns the number of live entries, not counting the root.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.live
}

func (idx *Index) resolveLocked(segments []string) (Handle, bool) {
	h := RootHandle
	for _, s := range segments {
		n := idx.nodes[h]
		if n.children == nil {
			return NoHandle, false
		}
		child, ok := n.children[s]
		if !ok {
			return NoHandle, false
		}
		h = child
	}
	return h, true
}

func (idx *Index) liveLocked(h Handle) bool {
	return h >= 0 && int(h) < len(idx.nodes) && idx.nodes[h].live
}

func (idx *Index) entryLocked(h Handle) Entry {
	n := idx.nodes[h]
	return Entry{
		Handle:   h,
		Parent:   n.parent,
		Name:     n.name,
		Metadata: n.meta,
	}
}

func (idx *Index) pathLocked(h Handle) string {
	var segments []string
	for cur := h; cur != RootHandle && cur != NoHandle; cur = idx.nodes[cur].parent {
		segments = append(segments, idx.nodes[cur].name)
	}
	for i, j := 0, len(segments)-1; i < j; i, j = i+1, j-1 {
		segments[i], segments[j] = segments[j], segments[i]
	}
	return strings.Join(segments, "/")
}
