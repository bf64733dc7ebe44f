// Package bootstrap performs the initial full reconciliation run before
// capture starts: pull the remote tree, follow remote moves and drop what
// was deleted remotely while the engine was down, then push local entries
// the remote does not have.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/drivesync/drivesync/internal/change"
	"github.com/drivesync/drivesync/internal/localfs"
	"github.com/drivesync/drivesync/internal/logging"
	"github.com/drivesync/drivesync/internal/notify"
	"github.com/drivesync/drivesync/internal/remote"
	"github.com/drivesync/drivesync/internal/syncerr"
	"github.com/drivesync/drivesync/internal/tree"
)

// Config configures a Bootstrapper.
type Config struct {
	Root   string
	Fs     afero.Fs
	Tree   *tree.Index
	Client remote.Client

	// LocalQueue and RemoteQueue, when set, receive the ids bootstrap
	// touched as ignored so capture does not report them back.
	LocalQueue  *change.Queue[change.LocalPath]
	RemoteQueue *change.Queue[change.RemoteID]

	// IncludeHidden also pushes dot-files and dot-directories.
	IncludeHidden bool

	Notifier notify.Notifier
	Clock    clockwork.Clock
	Logger   *zap.Logger
}

// Result counts what a checkout did.
type Result struct {
	Directories    int `json:"directories"`
	Downloaded     int `json:"downloaded"`
	Uploaded       int `json:"uploaded"`
	Moved          int `json:"moved"`
	DeletedLocally int `json:"deleted_locally"`
}

// Bootstrapper runs the initial checkout.
type Bootstrapper struct {
	cfg    Config
	logger *zap.Logger

	// handled are local paths the remote pass covered, stale are old local
	// paths of moved items that could not be renamed, listed are the remote
	// ids the remote pass saw
	handled map[string]bool
	stale   map[string]bool
	listed  map[string]bool
	res     Result
}

// New creates a Bootstrapper.
func New(cfg Config) (*Bootstrapper, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("root directory is required")
	}
	if cfg.Tree == nil {
		return nil, fmt.Errorf("tree index is required")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("remote client is required")
	}
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Bootstrapper{
		cfg:    cfg,
		logger: logging.Named(cfg.Logger, "bootstrap"),
	}, nil
}

// Checkout reconciles the whole tree once. Remote content wins for files
// that changed remotely; local entries the remote does not know are uploaded.
// The index is persisted once, when the checkout ends.
func (b *Bootstrapper) Checkout(ctx context.Context) (Result, error) {
	b.handled = make(map[string]bool)
	b.stale = make(map[string]bool)
	b.listed = make(map[string]bool)
	b.res = Result{}
	start := b.cfg.Clock.Now()

	b.notify(notify.Event{Kind: notify.KindBootstrap, Action: "start"})
	b.logger.Info("Initial checkout started", zap.String("root", b.cfg.Root))

	if err := b.cfg.Fs.MkdirAll(b.cfg.Root, 0o755); err != nil {
		return b.res, fmt.Errorf("failed to create %s: %w", b.cfg.Root, err)
	}

	if err := b.cfg.Tree.Batch(func() error { return b.checkout(ctx) }); err != nil {
		return b.res, err
	}

	b.notify(notify.Event{Kind: notify.KindBootstrap, Action: "done"})
	b.logger.Info("Initial checkout complete",
		zap.Int("directories", b.res.Directories),
		zap.Int("downloaded", b.res.Downloaded),
		zap.Int("uploaded", b.res.Uploaded),
		zap.Int("moved", b.res.Moved),
		zap.Int("deleted_locally", b.res.DeletedLocally),
		zap.Duration("duration", b.cfg.Clock.Since(start)))
	return b.res, nil
}

func (b *Bootstrapper) checkout(ctx context.Context) error {
	if err := b.checkoutRemote(ctx, remote.RootID, ""); err != nil {
		return fmt.Errorf("remote checkout: %w", err)
	}

	if cursor := b.cfg.Tree.Cursor(); cursor > 0 {
		if err := b.handleDeletedRemotely(ctx, cursor); err != nil {
			return fmt.Errorf("remote deletions: %w", err)
		}
	}
	// deletions the feed no longer reports, e.g. polled but never applied
	if err := b.dropUnlisted(); err != nil {
		return fmt.Errorf("remote deletions: %w", err)
	}

	if err := b.checkoutLocal(ctx); err != nil {
		return fmt.Errorf("local checkout: %w", err)
	}
	return nil
}

// checkoutRemote mirrors the remote folder id into the local directory rel.
func (b *Bootstrapper) checkoutRemote(ctx context.Context, id, rel string) error {
	children, err := b.cfg.Client.ListChildren(ctx, id)
	if err != nil {
		return err
	}

	for _, child := range children {
		if err := ctx.Err(); err != nil {
			return err
		}
		childRel := path.Join(rel, child.Title)
		if _, err := tree.SplitPath(childRel); err != nil {
			b.logger.Warn("Skipping remote item with an unusable name", zap.String("id", child.ID), zap.String("title", child.Title))
			continue
		}
		b.handled[childRel] = true
		b.listed[child.ID] = true

		if err := b.relocate(child, rel, childRel); err != nil {
			return err
		}

		if child.IsDir {
			if err := b.cfg.Fs.MkdirAll(b.abs(childRel), 0o755); err != nil {
				return err
			}
			if _, err := b.cfg.Tree.Upsert(childRel, tree.Metadata{RemoteID: child.ID, IsDir: true}); err != nil {
				return err
			}
			b.res.Directories++
			b.ignoreLocal(childRel)
			if err := b.checkoutRemote(ctx, child.ID, childRel); err != nil {
				return err
			}
			continue
		}

		if err := b.checkoutFile(ctx, child, childRel); err != nil {
			return err
		}
	}
	return nil
}

// relocate follows a rename or move made remotely while the engine was down:
// when child's id is indexed at another path, the local copy is renamed and
// the entry moved under rel, so the upsert at childRel finds it there.
func (b *Bootstrapper) relocate(child remote.Metadata, rel, childRel string) error {
	e, err := b.cfg.Tree.LookupByID(child.ID)
	if err != nil {
		return nil
	}
	old, err := b.cfg.Tree.FullPath(e.Handle)
	if err != nil || old == childRel {
		return err
	}
	parent, err := b.cfg.Tree.LookupByPath(rel)
	if err != nil {
		return err
	}

	renamed := false
	if localfs.Exists(b.cfg.Fs, b.abs(old)) && !localfs.Exists(b.cfg.Fs, b.abs(childRel)) {
		if err := b.cfg.Fs.Rename(b.abs(old), b.abs(childRel)); err != nil {
			return fmt.Errorf("failed to move %s to %s: %w", old, childRel, err)
		}
		renamed = true
	}
	if err := b.cfg.Tree.Move(e.Handle, parent.Handle, child.Title); err != nil {
		return err
	}

	if !renamed {
		// what is on disk at childRel is not the indexed content
		if err := b.forgetContent(e.Handle); err != nil {
			return err
		}
		if localfs.Exists(b.cfg.Fs, b.abs(old)) {
			b.stale[old] = true
			b.logger.Warn("Old copy of a remotely moved item left in place",
				zap.String("path", old), zap.String("moved_to", childRel))
		}
	}

	b.res.Moved++
	b.ignoreLocal(old)
	b.ignoreLocal(childRel)
	b.notify(notify.Event{Kind: notify.KindApplied, Origin: change.OriginRemote, ID: child.ID, Path: childRel, Action: "moved"})
	return nil
}

// forgetContent clears the fingerprints of h and every file below it, so the
// checkout downloads them again.
func (b *Bootstrapper) forgetContent(h tree.Handle) error {
	entries, err := b.cfg.Tree.Descendants(h)
	if err != nil {
		return err
	}
	if e, err := b.cfg.Tree.Get(h); err == nil {
		entries[""] = e
	}
	for _, e := range entries {
		if e.IsDir || e.Fingerprint == "" {
			continue
		}
		if err := b.cfg.Tree.Update(e.Handle, tree.Metadata{RemoteID: e.RemoteID}); err != nil {
			return err
		}
	}
	return nil
}

// checkoutFile decides the direction for one remote file:
//   - missing locally, or the remote changed since the last sync: download
//   - only the local copy changed: upload
//   - identical: record it
func (b *Bootstrapper) checkoutFile(ctx context.Context, child remote.Metadata, rel string) error {
	var known string
	if e, err := b.cfg.Tree.LookupByPath(rel); err == nil {
		known = e.Fingerprint
	}

	local, err := localfs.Fingerprint(b.cfg.Fs, b.abs(rel))
	switch {
	case errors.Is(err, os.ErrNotExist):
		return b.download(ctx, child, rel)
	case err != nil:
		return err
	}

	switch {
	case local == child.Fingerprint:
	case known == "" || known != child.Fingerprint:
		return b.download(ctx, child, rel)
	default:
		return b.upload(ctx, child.ParentID, rel)
	}

	_, err = b.cfg.Tree.Upsert(rel, tree.Metadata{RemoteID: child.ID, Fingerprint: child.Fingerprint})
	return err
}

func (b *Bootstrapper) download(ctx context.Context, child remote.Metadata, rel string) error {
	var meta remote.Metadata
	err := localfs.WriteAtomic(b.cfg.Fs, b.abs(rel), 0o644, func(w io.Writer) error {
		var err error
		meta, err = b.cfg.Client.Download(ctx, child.ID, w)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", rel, err)
	}
	fp := meta.Fingerprint
	if fp == "" {
		fp = child.Fingerprint
	}
	if _, err := b.cfg.Tree.Upsert(rel, tree.Metadata{RemoteID: child.ID, Fingerprint: fp}); err != nil {
		return err
	}
	b.res.Downloaded++
	b.ignoreLocal(rel)
	b.notify(notify.Event{Kind: notify.KindApplied, Origin: change.OriginRemote, ID: child.ID, Path: rel, Action: "downloaded"})
	return nil
}

func (b *Bootstrapper) upload(ctx context.Context, parentID, rel string) error {
	f, err := b.cfg.Fs.Open(b.abs(rel))
	if err != nil {
		return err
	}
	defer f.Close()

	meta, err := b.cfg.Client.Upload(ctx, parentID, path.Base(rel), f)
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", rel, err)
	}
	if meta.Fingerprint == "" {
		if fp, err := localfs.Fingerprint(b.cfg.Fs, b.abs(rel)); err == nil {
			meta.Fingerprint = fp
		}
	}
	if _, err := b.cfg.Tree.Upsert(rel, tree.Metadata{RemoteID: meta.ID, Fingerprint: meta.Fingerprint}); err != nil {
		return err
	}
	b.res.Uploaded++
	b.ignoreRemote(meta.ID)
	b.notify(notify.Event{Kind: notify.KindApplied, Origin: change.OriginLocal, ID: rel, Path: rel, Action: "uploaded"})
	return nil
}

// handleDeletedRemotely removes local copies of indexed items deleted or
// trashed remotely since cursor. The cursor itself is left to the poller.
func (b *Bootstrapper) handleDeletedRemotely(ctx context.Context, cursor int64) error {
	entries, _, err := remote.AllChanges(ctx, b.cfg.Client, cursor)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if !entry.Deleted && entry.File.ParentID != "" {
			continue
		}
		if err := b.removeDeleted(entry.FileID); err != nil {
			return err
		}
	}
	return nil
}

// dropUnlisted removes indexed entries the remote listing no longer has.
// Anything indexed was on the drive once, so its absence is a deletion.
func (b *Bootstrapper) dropUnlisted() error {
	var gone []string
	err := b.cfg.Tree.Walk(tree.RootHandle, func(p string, e tree.Entry) bool {
		if e.IsRoot() || e.RemoteID == "" || b.listed[e.RemoteID] {
			return true
		}
		gone = append(gone, e.RemoteID)
		// descendants go with it
		return false
	})
	if err != nil {
		return err
	}
	for _, id := range gone {
		if err := b.removeDeleted(id); err != nil {
			return err
		}
	}
	return nil
}

// removeDeleted drops the local copy and the entry of the remotely deleted id.
func (b *Bootstrapper) removeDeleted(id string) error {
	e, err := b.cfg.Tree.LookupByID(id)
	if err != nil || e.IsRoot() {
		return nil
	}
	rel, err := b.cfg.Tree.FullPath(e.Handle)
	if err != nil {
		return nil
	}
	if b.handled[rel] {
		// the path was reused by a live remote item
		return nil
	}

	abs := b.abs(rel)
	if localfs.Exists(b.cfg.Fs, abs) {
		if err := b.cfg.Fs.RemoveAll(abs); err != nil {
			return fmt.Errorf("failed to remove %s: %w", rel, err)
		}
	}
	if err := b.cfg.Tree.DeleteEntry(e.Handle); err != nil {
		return err
	}
	b.res.DeletedLocally++
	b.ignoreLocal(rel)
	b.logger.Debug("Removed local copy of remote deletion", zap.String("path", rel), zap.String("id", id))
	return nil
}

// checkoutLocal pushes local entries the remote checkout did not cover.
func (b *Bootstrapper) checkoutLocal(ctx context.Context) error {
	return afero.Walk(b.cfg.Fs, b.cfg.Root, func(abs string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rel, err := localfs.Rel(b.cfg.Root, abs)
		if err != nil || rel == "." {
			return nil
		}
		if !b.cfg.IncludeHidden && localfs.IsHidden(rel) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if b.handled[rel] {
			return nil
		}
		if b.stale[rel] {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		parentID, err := b.remoteParent(localfs.Parent(rel))
		if err != nil {
			return err
		}

		if info.IsDir() {
			meta, err := remote.CreateOrGetDirectory(ctx, b.cfg.Client, parentID, info.Name())
			if err != nil {
				return err
			}
			if _, err := b.cfg.Tree.Upsert(rel, tree.Metadata{RemoteID: meta.ID, IsDir: true}); err != nil {
				return err
			}
			b.res.Directories++
			b.ignoreRemote(meta.ID)
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return b.upload(ctx, parentID, rel)
	})
}

func (b *Bootstrapper) remoteParent(parent string) (string, error) {
	if parent == "." || parent == "" {
		return remote.RootID, nil
	}
	e, err := b.cfg.Tree.LookupByPath(parent)
	if err != nil {
		return "", fmt.Errorf("%w: parent %s is not synchronized", syncerr.ErrInvalidPath, parent)
	}
	return e.RemoteID, nil
}

func (b *Bootstrapper) abs(rel string) string {
	return localfs.Abs(b.cfg.Root, rel)
}

func (b *Bootstrapper) ignoreLocal(rel string) {
	if b.cfg.LocalQueue != nil {
		b.cfg.LocalQueue.Ignore(change.LocalPath(rel))
	}
}

func (b *Bootstrapper) ignoreRemote(id string) {
	if b.cfg.RemoteQueue != nil {
		b.cfg.RemoteQueue.Ignore(change.RemoteID(id))
	}
}

func (b *Bootstrapper) notify(ev notify.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.cfg.Clock.Now()
	}
	b.cfg.Notifier.Notify(ev)
}
