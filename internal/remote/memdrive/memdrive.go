// Package memdrive is an in-memory remote drive with a change feed.
//
// It implements remote.Client for tests and for running the engine without
// network access. Every mutation, whether made through the client API or
// through the helpers that simulate another user, is recorded in the feed.
package memdrive

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"

	"github.com/drivesync/drivesync/internal/remote"
	"github.com/drivesync/drivesync/internal/syncerr"
)

// Operation names used by Calls and failure injection.
const (
	OpListChildren    = "ListChildren"
	OpFindChild       = "FindChild"
	OpCreateDirectory = "CreateDirectory"
	OpUpload          = "Upload"
	OpDownload        = "Download"
	OpDelete          = "Delete"
	OpChangesSince    = "ChangesSince"
	OpCurrentCursor   = "CurrentCursor"
)

type item struct {
	meta    remote.Metadata
	content []byte
}

type feedEntry struct {
	seq    int64
	fileID string
}

// Drive is an in-memory remote.Client.
type Drive struct {
	mu       sync.Mutex
	items    map[string]*item
	feed     []feedEntry
	seq      int64
	nextID   int
	pageSize int

	calls    map[string]int
	failNext map[string][]error
	failAll  map[string]error
}

var _ remote.Client = (*Drive)(nil)

// New creates an empty drive.
func New() *Drive {
	return &Drive{
		// the feed head of a fresh drive is never zero, matching real drives
		seq:      1,
		items:    make(map[string]*item),
		pageSize: 100,
		calls:    make(map[string]int),
		failNext: make(map[string][]error),
		failAll:  make(map[string]error),
	}
}

// SetPageSize sets the number of entries per change page.
func (d *Drive) SetPageSize(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n > 0 {
		d.pageSize = n
	}
}

// Calls returns how many times op was invoked through the client API.
func (d *Drive) Calls(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[op]
}

// ResetCalls clears the call counters.
func (d *Drive) ResetCalls() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = make(map[string]int)
}

// FailNext makes the next len(errs) calls of op return errs in order.
func (d *Drive) FailNext(op string, errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext[op] = append(d.failNext[op], errs...)
}

// FailAlways makes every call of op return err. A nil err clears it.
func (d *Drive) FailAlways(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.failAll, op)
		return
	}
	d.failAll[op] = err
}

func (d *Drive) enterLocked(op string) error {
	d.calls[op]++
	if err, ok := d.failAll[op]; ok {
		return err
	}
	if queued := d.failNext[op]; len(queued) > 0 {
		d.failNext[op] = queued[1:]
		return queued[0]
	}
	return nil
}

// Get returns the current metadata of id.
func (d *Drive) Get(id string) (remote.Metadata, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	it, ok := d.items[id]
	if !ok {
		return remote.Metadata{}, false
	}
	return it.meta, true
}

// Content returns the bytes stored for id.
func (d *Drive) Content(id string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	it, ok := d.items[id]
	if !ok || it.meta.IsDir {
		return nil, false
	}
	return append([]byte(nil), it.content...), true
}

// Len returns the number of live items.
func (d *Drive) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

// Fingerprint returns the md5 hex digest used for file fingerprints.
func Fingerprint(content []byte) string {
	sum := md5.Sum(content)
	return hex.EncodeToString(sum[:])
}

// AddFolder creates a folder as if another client did, recording a change.
func (d *Drive) AddFolder(parentID, name string) remote.Metadata {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.createLocked(parentID, name, true, nil)
}

// AddFile creates a file as if another client did, recording a change.
func (d *Drive) AddFile(parentID, name string, content []byte) remote.Metadata {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.createLocked(parentID, name, false, content)
}

// AddShared creates a file with no parent, as a share from another account would appear.
func (d *Drive) AddShared(name string, content []byte) remote.Metadata {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.createLocked(remote.SharedParentID, name, false, content)
}

// Rename changes the title of id, recording a change.
func (d *Drive) Rename(id, title string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	it, ok := d.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", syncerr.ErrNotFound, id)
	}
	it.meta.Title = title
	d.recordLocked(id)
	return nil
}

// MoveItem re-parents id, recording a change.
func (d *Drive) MoveItem(id, parentID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	it, ok := d.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", syncerr.ErrNotFound, id)
	}
	it.meta.ParentID = parentID
	d.recordLocked(id)
	return nil
}

// Write replaces the content of id, recording a change.
func (d *Drive) Write(id string, content []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	it, ok := d.items[id]
	if !ok || it.meta.IsDir {
		return fmt.Errorf("%w: file %s", syncerr.ErrNotFound, id)
	}
	d.writeLocked(it, content)
	d.recordLocked(id)
	return nil
}

// Trash moves id to the trash. It stays in the feed with an empty parent.
func (d *Drive) Trash(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	it, ok := d.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", syncerr.ErrNotFound, id)
	}
	it.meta.ParentID = ""
	d.recordLocked(id)
	return nil
}

// Remove permanently deletes id and its descendants, recording changes.
func (d *Drive) Remove(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.items[id]; !ok {
		return fmt.Errorf("%w: %s", syncerr.ErrNotFound, id)
	}
	d.removeLocked(id)
	return nil
}

func (d *Drive) createLocked(parentID, name string, isDir bool, content []byte) remote.Metadata {
	d.nextID++
	it := &item{meta: remote.Metadata{
		ID:       "f" + strconv.Itoa(d.nextID),
		Title:    name,
		ParentID: parentID,
		IsDir:    isDir,
	}}
	if !isDir {
		d.writeLocked(it, content)
	}
	d.items[it.meta.ID] = it
	d.recordLocked(it.meta.ID)
	return it.meta
}

func (d *Drive) writeLocked(it *item, content []byte) {
	it.content = append([]byte(nil), content...)
	it.meta.Fingerprint = Fingerprint(content)
	it.meta.Size = int64(len(content))
}

func (d *Drive) removeLocked(id string) {
	for childID, child := range d.items {
		if child.meta.ParentID == id {
			d.removeLocked(childID)
		}
	}
	delete(d.items, id)
	d.recordLocked(id)
}

func (d *Drive) recordLocked(id string) {
	d.seq++
	d.feed = append(d.feed, feedEntry{seq: d.seq, fileID: id})
}

func (d *Drive) childLocked(parentID, name string) (*item, bool) {
	var ids []string
	for id, it := range d.items {
		if it.meta.ParentID == parentID && it.meta.Title == name {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, false
	}
	sort.Strings(ids)
	return d.items[ids[0]], true
}

func (d *Drive) requireFolderLocked(id string) error {
	if id == remote.RootID {
		return nil
	}
	it, ok := d.items[id]
	if !ok || !it.meta.IsDir {
		return fmt.Errorf("%w: folder %s", syncerr.ErrNotFound, id)
	}
	return nil
}

// ListChildren implements remote.Client.
func (d *Drive) ListChildren(ctx context.Context, parentID string) ([]remote.Metadata, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enterLocked(OpListChildren); err != nil {
		return nil, err
	}
	if err := d.requireFolderLocked(parentID); err != nil {
		return nil, err
	}

	var out []remote.Metadata
	for _, it := range d.items {
		if it.meta.ParentID == parentID {
			out = append(out, it.meta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out, nil
}

// FindChild implements remote.Client.
func (d *Drive) FindChild(ctx context.Context, parentID, name string) (remote.Metadata, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enterLocked(OpFindChild); err != nil {
		return remote.Metadata{}, err
	}
	it, ok := d.childLocked(parentID, name)
	if !ok {
		return remote.Metadata{}, fmt.Errorf("%w: %s in %s", syncerr.ErrNotFound, name, parentID)
	}
	return it.meta, nil
}

// CreateDirectory implements remote.Client.
func (d *Drive) CreateDirectory(ctx context.Context, parentID, name string) (remote.Metadata, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enterLocked(OpCreateDirectory); err != nil {
		return remote.Metadata{}, err
	}
	if err := d.requireFolderLocked(parentID); err != nil {
		return remote.Metadata{}, err
	}
	return d.createLocked(parentID, name, true, nil), nil
}

// Upload implements remote.Client.
func (d *Drive) Upload(ctx context.Context, parentID, name string, content io.Reader) (remote.Metadata, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return remote.Metadata{}, fmt.Errorf("failed to read upload content: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enterLocked(OpUpload); err != nil {
		return remote.Metadata{}, err
	}
	if err := d.requireFolderLocked(parentID); err != nil {
		return remote.Metadata{}, err
	}

	if it, ok := d.childLocked(parentID, name); ok && !it.meta.IsDir {
		d.writeLocked(it, data)
		d.recordLocked(it.meta.ID)
		return it.meta, nil
	}
	return d.createLocked(parentID, name, false, data), nil
}

// Download implements remote.Client.
func (d *Drive) Download(ctx context.Context, id string, w io.Writer) (remote.Metadata, error) {
	d.mu.Lock()
	if err := d.enterLocked(OpDownload); err != nil {
		d.mu.Unlock()
		return remote.Metadata{}, err
	}
	it, ok := d.items[id]
	if !ok || it.meta.IsDir {
		d.mu.Unlock()
		return remote.Metadata{}, fmt.Errorf("%w: file %s", syncerr.ErrNotFound, id)
	}
	meta := it.meta
	content := append([]byte(nil), it.content...)
	d.mu.Unlock()

	if _, err := io.Copy(w, bytes.NewReader(content)); err != nil {
		return remote.Metadata{}, fmt.Errorf("failed to write download of %s: %w", id, err)
	}
	return meta, nil
}

// Delete implements remote.Client.
func (d *Drive) Delete(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enterLocked(OpDelete); err != nil {
		return err
	}
	if _, ok := d.items[id]; !ok {
		return fmt.Errorf("%w: %s", syncerr.ErrNotFound, id)
	}
	d.removeLocked(id)
	return nil
}

// ChangesSince implements remote.Client. The page token is the offset into
// the entries after cursor.
func (d *Drive) ChangesSince(ctx context.Context, cursor int64, pageToken string) (remote.ChangePage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enterLocked(OpChangesSince); err != nil {
		return remote.ChangePage{}, err
	}

	offset := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil || n < 0 {
			return remote.ChangePage{}, fmt.Errorf("invalid page token %q", pageToken)
		}
		offset = n
	}

	var after []feedEntry
	for _, fe := range d.feed {
		if fe.seq > cursor {
			after = append(after, fe)
		}
	}
	if offset > len(after) {
		offset = len(after)
	}
	end := offset + d.pageSize
	if end > len(after) {
		end = len(after)
	}

	page := remote.ChangePage{LargestChangeID: cursor}
	for _, fe := range after[offset:end] {
		entry := remote.ChangeEntry{ChangeID: fe.seq, FileID: fe.fileID}
		if it, ok := d.items[fe.fileID]; ok {
			entry.File = it.meta
		} else {
			entry.Deleted = true
		}
		page.Entries = append(page.Entries, entry)
		page.LargestChangeID = fe.seq
	}
	if end < len(after) {
		page.NextPageToken = strconv.Itoa(end)
	} else if d.seq > page.LargestChangeID {
		page.LargestChangeID = d.seq
	}
	return page, nil
}

// CurrentCursor implements remote.Client.
func (d *Drive) CurrentCursor(ctx context.Context) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enterLocked(OpCurrentCursor); err != nil {
		return 0, err
	}
	return d.seq, nil
}
