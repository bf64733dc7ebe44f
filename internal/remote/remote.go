// Package remote defines the contract the sync engine consumes from a remote
// drive, plus helpers shared by every implementation.
//
// Implementations must retry transient failures internally and return an
// error wrapping syncerr.ErrRemoteUnavailable once their budget is spent.
// A missing item is reported as syncerr.ErrNotFound.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/drivesync/drivesync/internal/syncerr"
)

const (
	// RootID is the id of the drive root.
	RootID = "root"

	// SharedParentID is the synthetic parent of items that have no parent in
	// the drive, typically items shared with the account. Such items are
	// outside the tracked tree.
	SharedParentID = "shared"
)

// Metadata describes one remote file or folder.
type Metadata struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	// ParentID is RootID for top-level items, SharedParentID for orphans,
	// and empty for trashed items.
	ParentID string `json:"parent_id"`
	IsDir    bool   `json:"is_dir"`
	// Fingerprint is the md5 checksum, or the etag for native documents.
	// Empty for folders.
	Fingerprint string `json:"fingerprint,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// ChangeEntry is one item from the remote change feed.
type ChangeEntry struct {
	// ChangeID is the feed revision of this entry.
	ChangeID int64
	FileID   string
	Deleted  bool
	// File is the current metadata, zero when Deleted.
	File Metadata
}

// ChangePage is one page of the change feed.
type ChangePage struct {
	Entries []ChangeEntry
	// LargestChangeID is the highest revision covered by this page. The
	// cursor may be advanced to it once the page's entries are queued.
	LargestChangeID int64
	// NextPageToken is empty on the last page.
	NextPageToken string
}

// Client is the remote storage contract.
type Client interface {
	// ListChildren returns the direct, non-trashed children of a folder.
	ListChildren(ctx context.Context, parentID string) ([]Metadata, error)

	// FindChild returns the child of parentID named name, or ErrNotFound.
	FindChild(ctx context.Context, parentID, name string) (Metadata, error)

	// CreateDirectory always creates a new folder. Use CreateOrGetDirectory
	// for idempotent creation.
	CreateDirectory(ctx context.Context, parentID, name string) (Metadata, error)

	// Upload writes content as parentID/name, updating an existing child
	// with that name in place.
	Upload(ctx context.Context, parentID, name string, content io.Reader) (Metadata, error)

	// Download streams the content of id into w and returns its metadata.
	Download(ctx context.Context, id string, w io.Writer) (Metadata, error)

	// Delete removes id. Deleting an item that is already gone returns ErrNotFound.
	Delete(ctx context.Context, id string) error

	// ChangesSince returns one page of changes strictly after cursor.
	// pageToken continues a previous page; pass "" for the first page.
	ChangesSince(ctx context.Context, cursor int64, pageToken string) (ChangePage, error)

	// CurrentCursor returns the head of the change feed.
	CurrentCursor(ctx context.Context) (int64, error)
}

// CreateOrGetDirectory returns the folder parentID/name, creating it only
// when FindChild reports it missing. Calling it twice with the same
// arguments issues at most one CreateDirectory call.
func CreateOrGetDirectory(ctx context.Context, c Client, parentID, name string) (Metadata, error) {
	existing, err := c.FindChild(ctx, parentID, name)
	switch {
	case err == nil:
		if !existing.IsDir {
			return Metadata{}, fmt.Errorf("%w: %s exists and is not a folder", syncerr.ErrInvalidPath, name)
		}
		return existing, nil
	case errors.Is(err, syncerr.ErrNotFound):
	default:
		return Metadata{}, fmt.Errorf("failed to look up folder %s: %w", name, err)
	}

	created, err := c.CreateDirectory(ctx, parentID, name)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to create folder %s: %w", name, err)
	}
	return created, nil
}

// AllChanges reads every page after cursor and returns the entries and the
// largest change id seen. It is meant for one-off reads such as bootstrap;
// the poller advances its cursor page by page instead.
func AllChanges(ctx context.Context, c Client, cursor int64) ([]ChangeEntry, int64, error) {
	var (
		entries []ChangeEntry
		largest = cursor
		token   string
	)
	for {
		page, err := c.ChangesSince(ctx, cursor, token)
		if err != nil {
			return nil, cursor, err
		}
		entries = append(entries, page.Entries...)
		if page.LargestChangeID > largest {
			largest = page.LargestChangeID
		}
		if page.NextPageToken == "" {
			return entries, largest, nil
		}
		token = page.NextPageToken
	}
}
