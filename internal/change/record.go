// Package change defines change records and the queue each capture side
// fills and the scheduler drains.
package change

import (
	"fmt"
	"strings"
)

// LocalPath is a slash-separated path relative to the tracked root.
// The tracked root itself is ".".
type LocalPath string

// RemoteID is an opaque remote drive identifier.
type RemoteID string

// LocalRoot is the parent id of entries directly under the tracked root.
const LocalRoot LocalPath = "."

// Origin names the side a record was captured on.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Record describes one detected mutation in the id space of its origin.
// Records are values and are never modified after construction.
type Record[ID ~string] struct {
	ID       ID
	ParentID ID // empty when the entity was removed
	Title    string
	IsDir    bool
	// Fingerprint is the content hash, empty for directories, deletions and
	// files that vanished before they could be hashed.
	Fingerprint string
}

// Removed reports whether the record describes a deletion.
func (r Record[ID]) Removed() bool {
	return r.ParentID == ""
}

func (r Record[ID]) String() string {
	var b strings.Builder
	kind := "file"
	if r.IsDir {
		kind = "dir"
	}
	fmt.Fprintf(&b, "%s %s", kind, r.ID)
	if r.Removed() {
		b.WriteString(" (removed)")
		return b.String()
	}
	fmt.Fprintf(&b, " parent=%s title=%q", r.ParentID, r.Title)
	if r.Fingerprint != "" {
		fmt.Fprintf(&b, " fp=%s", r.Fingerprint)
	}
	return b.String()
}

// LocalRecord is a record captured from the local filesystem.
type LocalRecord = Record[LocalPath]

// RemoteRecord is a record captured from the remote change feed.
type RemoteRecord = Record[RemoteID]
