package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drivesync/drivesync/internal/change"
	"github.com/drivesync/drivesync/internal/localfs"
	"github.com/drivesync/drivesync/internal/remote"
	"github.com/drivesync/drivesync/internal/remote/memdrive"
	"github.com/drivesync/drivesync/internal/syncerr"
	"github.com/drivesync/drivesync/internal/tree"
)

func remoteRecord(m remote.Metadata) change.RemoteRecord {
	return change.RemoteRecord{
		ID:          change.RemoteID(m.ID),
		ParentID:    change.RemoteID(m.ParentID),
		Title:       m.Title,
		IsDir:       m.IsDir,
		Fingerprint: m.Fingerprint,
	}
}

// TestRemoteHandler_NewFolderAndFile verifies local creation under the resolved parent.
func TestRemoteHandler_NewFolderAndFile(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	h := e.remoteHandler()
	dir := e.drive.AddFolder(remote.RootID, "docs")
	file := e.drive.AddFile(dir.ID, "a.txt", []byte("hello"))

	out, err := h.Apply(ctx, remoteRecord(dir))
	require.NoError(t, err)
	assert.Equal(t, ActionCreated, out.Action)
	assert.Equal(t, "docs", out.Path)
	assert.Equal(t, []change.LocalPath{"docs"}, out.IgnoreLocal)

	out, err = h.Apply(ctx, remoteRecord(file))
	require.NoError(t, err)
	assert.Equal(t, ActionDownloaded, out.Action)
	assert.Equal(t, "docs/a.txt", out.Path)
	assert.Equal(t, "hello", e.readLocal(t, "docs/a.txt"))

	entry, err := e.tree.LookupByID(file.ID)
	require.NoError(t, err)
	assert.Equal(t, file.Fingerprint, entry.Fingerprint)
	p, err := e.tree.FullPath(entry.Handle)
	require.NoError(t, err)
	assert.Equal(t, "docs/a.txt", p)
}

// TestRemoteHandler_SharedIsSkipped verifies that items outside the tracked tree are ignored.
func TestRemoteHandler_SharedIsSkipped(t *testing.T) {
	e := newEnv(t)
	s := e.drive.AddShared("shared.txt", []byte("x"))

	out, err := e.remoteHandler().Apply(context.Background(), remoteRecord(s))
	require.NoError(t, err)
	assert.Equal(t, ActionSkipped, out.Action)
	assert.Equal(t, 0, e.drive.Calls(memdrive.OpDownload))
	assert.False(t, localfs.Exists(e.fs, localfs.Abs(testRoot, "shared.txt")))
}

// TestRemoteHandler_UnknownParent verifies that a record under an unsynchronized folder fails.
func TestRemoteHandler_UnknownParent(t *testing.T) {
	e := newEnv(t)
	dir := e.drive.AddFolder(remote.RootID, "docs")
	file := e.drive.AddFile(dir.ID, "a.txt", []byte("x"))

	_, err := e.remoteHandler().Apply(context.Background(), remoteRecord(file))
	assert.True(t, errors.Is(err, syncerr.ErrInvalidPath))
}

// TestRemoteHandler_ContentChange verifies download on fingerprint change only.
func TestRemoteHandler_ContentChange(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	f := e.drive.AddFile(remote.RootID, "a.txt", []byte("one"))
	e.writeLocal(t, "a.txt", "one")
	_, err := e.tree.Upsert("a.txt", tree.Metadata{RemoteID: f.ID, Fingerprint: f.Fingerprint})
	require.NoError(t, err)
	h := e.remoteHandler()

	out, err := h.Apply(ctx, remoteRecord(f))
	require.NoError(t, err)
	assert.Equal(t, ActionNone, out.Action)
	assert.Equal(t, 0, e.drive.Calls(memdrive.OpDownload))

	require.NoError(t, e.drive.Write(f.ID, []byte("two")))
	updated, _ := e.drive.Get(f.ID)
	out, err = h.Apply(ctx, remoteRecord(updated))
	require.NoError(t, err)
	assert.Equal(t, ActionDownloaded, out.Action)
	assert.Equal(t, "two", e.readLocal(t, "a.txt"))

	entry, err := e.tree.LookupByID(f.ID)
	require.NoError(t, err)
	assert.Equal(t, updated.Fingerprint, entry.Fingerprint)
}

// TestRemoteHandler_MoveDirectory verifies a folder move with descendant suppression.
func TestRemoteHandler_MoveDirectory(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	archive := e.drive.AddFolder(remote.RootID, "archive")
	docs := e.drive.AddFolder(remote.RootID, "docs")
	file := e.drive.AddFile(docs.ID, "a.txt", []byte("x"))
	for _, u := range []struct {
		path string
		meta tree.Metadata
	}{
		{"archive", tree.Metadata{RemoteID: archive.ID, IsDir: true}},
		{"docs", tree.Metadata{RemoteID: docs.ID, IsDir: true}},
		{"docs/a.txt", tree.Metadata{RemoteID: file.ID, Fingerprint: file.Fingerprint}},
	} {
		_, err := e.tree.Upsert(u.path, u.meta)
		require.NoError(t, err)
	}
	require.NoError(t, e.fs.MkdirAll(localfs.Abs(testRoot, "archive"), 0o755))
	e.writeLocal(t, "docs/a.txt", "x")

	require.NoError(t, e.drive.MoveItem(docs.ID, archive.ID))
	moved, _ := e.drive.Get(docs.ID)

	out, err := e.remoteHandler().Apply(ctx, remoteRecord(moved))
	require.NoError(t, err)
	assert.Equal(t, ActionMoved, out.Action)
	assert.Equal(t, "archive/docs", out.Path)
	assert.ElementsMatch(t, []change.LocalPath{"docs", "archive/docs", "docs/a.txt", "archive/docs/a.txt"}, out.IgnoreLocal)

	assert.True(t, localfs.Exists(e.fs, localfs.Abs(testRoot, "archive/docs")))
	assert.False(t, localfs.Exists(e.fs, localfs.Abs(testRoot, "docs")))

	entry, err := e.tree.LookupByID(file.ID)
	require.NoError(t, err)
	p, err := e.tree.FullPath(entry.Handle)
	require.NoError(t, err)
	assert.Equal(t, "archive/docs/a.txt", p)
}

// TestRemoteHandler_MoveAndEdit verifies that a moved file with new content is renamed and downloaded.
func TestRemoteHandler_MoveAndEdit(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	f := e.drive.AddFile(remote.RootID, "old.txt", []byte("one"))
	_, err := e.tree.Upsert("old.txt", tree.Metadata{RemoteID: f.ID, Fingerprint: f.Fingerprint})
	require.NoError(t, err)
	e.writeLocal(t, "old.txt", "one")

	require.NoError(t, e.drive.Rename(f.ID, "new.txt"))
	require.NoError(t, e.drive.Write(f.ID, []byte("two")))
	updated, _ := e.drive.Get(f.ID)

	out, err := e.remoteHandler().Apply(ctx, remoteRecord(updated))
	require.NoError(t, err)
	assert.Equal(t, ActionMoved, out.Action)
	assert.Equal(t, "two", e.readLocal(t, "new.txt"))
	assert.False(t, localfs.Exists(e.fs, localfs.Abs(testRoot, "old.txt")))
	assert.ElementsMatch(t, []change.LocalPath{"old.txt", "new.txt"}, out.IgnoreLocal)
}

// TestRemoteHandler_DeleteMissingLocally verifies that the index entry goes even without a local file.
func TestRemoteHandler_DeleteMissingLocally(t *testing.T) {
	e := newEnv(t)
	f := e.drive.AddFile(remote.RootID, "a.txt", []byte("x"))
	_, err := e.tree.Upsert("a.txt", tree.Metadata{RemoteID: f.ID, Fingerprint: f.Fingerprint})
	require.NoError(t, err)

	out, err := e.remoteHandler().Apply(context.Background(), change.RemoteRecord{ID: change.RemoteID(f.ID)})
	require.NoError(t, err)
	assert.Equal(t, ActionDeleted, out.Action)
	_, removes := e.fs.counts()
	assert.Equal(t, 0, removes)
	assert.Equal(t, 0, e.tree.Len())
}

// TestRemoteHandler_DeleteDirectory verifies local removal with descendant suppression.
func TestRemoteHandler_DeleteDirectory(t *testing.T) {
	e := newEnv(t)
	_, err := e.tree.Upsert("docs", tree.Metadata{RemoteID: "d", IsDir: true})
	require.NoError(t, err)
	_, err = e.tree.Upsert("docs/a.txt", tree.Metadata{RemoteID: "a"})
	require.NoError(t, err)
	e.writeLocal(t, "docs/a.txt", "x")

	out, err := e.remoteHandler().Apply(context.Background(), change.RemoteRecord{ID: "d"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []change.LocalPath{"docs", "docs/a.txt"}, out.IgnoreLocal)
	assert.False(t, localfs.Exists(e.fs, localfs.Abs(testRoot, "docs")))
	assert.Equal(t, 0, e.tree.Len())
}

// TestRemoteHandler_DownloadFailureLeavesNoFile verifies that a failed transfer writes nothing.
func TestRemoteHandler_DownloadFailureLeavesNoFile(t *testing.T) {
	e := newEnv(t)
	f := e.drive.AddFile(remote.RootID, "a.txt", []byte("x"))
	e.drive.FailAlways(memdrive.OpDownload, syncerr.ErrRemoteUnavailable)

	_, err := e.remoteHandler().Apply(context.Background(), remoteRecord(f))
	assert.True(t, errors.Is(err, syncerr.ErrRemoteUnavailable))

	entries, err := afero.ReadDir(e.fs, testRoot)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, 0, e.tree.Len())
}
