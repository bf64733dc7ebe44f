package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/drivesync/drivesync/internal/change"
	"github.com/drivesync/drivesync/internal/localfs"
	"github.com/drivesync/drivesync/internal/logging"
	"github.com/drivesync/drivesync/internal/remote"
	"github.com/drivesync/drivesync/internal/syncerr"
	"github.com/drivesync/drivesync/internal/tree"
)

const (
	dirMode  = 0o755
	fileMode = 0o644
)

// RemoteHandler pulls remote changes into the local directory.
type RemoteHandler struct {
	root   string
	fs     afero.Fs
	tree   *tree.Index
	client remote.Client
	logger *zap.Logger
}

// NewRemoteHandler creates a RemoteHandler writing under root.
func NewRemoteHandler(root string, fs afero.Fs, idx *tree.Index, client remote.Client, logger *zap.Logger) *RemoteHandler {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &RemoteHandler{
		root:   root,
		fs:     fs,
		tree:   idx,
		client: client,
		logger: logging.Named(logger, "reconcile.remote"),
	}
}

// Apply reconciles one remote record against the index and the local directory.
func (h *RemoteHandler) Apply(ctx context.Context, r change.RemoteRecord) (Outcome, error) {
	id := string(r.ID)
	if id == remote.RootID {
		return Outcome{Action: ActionNone, RemoteID: id}, nil
	}

	existing, err := h.tree.LookupByID(id)
	exists := err == nil
	if err != nil && !errors.Is(err, syncerr.ErrNotFound) {
		return Outcome{}, err
	}

	if r.Removed() {
		if !exists {
			return Outcome{Action: ActionNone, RemoteID: id}, nil
		}
		return h.delete(existing)
	}

	if r.ParentID == remote.SharedParentID {
		return Outcome{Action: ActionSkipped, RemoteID: id}, nil
	}

	parent, err := h.tree.LookupByID(string(r.ParentID))
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: parent %s of %s is not synchronized", syncerr.ErrInvalidPath, r.ParentID, id)
	}
	parentPath, err := h.tree.FullPath(parent.Handle)
	if err != nil {
		return Outcome{}, err
	}
	rel := path.Join(parentPath, r.Title)

	if !exists {
		return h.create(ctx, r, rel)
	}

	out := Outcome{Action: ActionNone, Path: rel, RemoteID: id}
	if existing.Name != r.Title || existing.Parent != parent.Handle {
		moved, err := h.move(existing, parent, r.Title, rel)
		if err != nil {
			return Outcome{}, err
		}
		out = moved
	}

	if !existing.IsDir && r.Fingerprint != "" && r.Fingerprint != existing.Fingerprint {
		fp, err := h.download(ctx, id, rel)
		if err != nil {
			return Outcome{}, err
		}
		if fp == "" {
			fp = r.Fingerprint
		}
		if err := h.tree.Update(existing.Handle, tree.Metadata{RemoteID: id, Fingerprint: fp}); err != nil {
			return Outcome{}, err
		}
		if out.Action == ActionNone {
			out.Action = ActionDownloaded
		}
		out.IgnoreLocal = appendUnique(out.IgnoreLocal, change.LocalPath(rel))
	}
	return out, nil
}

func (h *RemoteHandler) create(ctx context.Context, r change.RemoteRecord, rel string) (Outcome, error) {
	id := string(r.ID)
	if r.IsDir {
		if err := h.fs.MkdirAll(localfs.Abs(h.root, rel), dirMode); err != nil {
			return Outcome{}, fmt.Errorf("failed to create directory %s: %w", rel, err)
		}
		if _, err := h.tree.Upsert(rel, tree.Metadata{RemoteID: id, IsDir: true}); err != nil {
			return Outcome{}, err
		}
		h.logger.Debug("Created local directory", zap.String("path", rel), zap.String("remote_id", id))
		return Outcome{
			Action:      ActionCreated,
			Path:        rel,
			RemoteID:    id,
			IgnoreLocal: []change.LocalPath{change.LocalPath(rel)},
		}, nil
	}

	fp, err := h.download(ctx, id, rel)
	if err != nil {
		return Outcome{}, err
	}
	if fp == "" {
		fp = r.Fingerprint
	}
	if _, err := h.tree.Upsert(rel, tree.Metadata{RemoteID: id, Fingerprint: fp}); err != nil {
		return Outcome{}, err
	}
	return Outcome{
		Action:      ActionDownloaded,
		Path:        rel,
		RemoteID:    id,
		IgnoreLocal: []change.LocalPath{change.LocalPath(rel)},
	}, nil
}

// download writes the content of id to rel and returns the fingerprint the
// remote reported for it.
func (h *RemoteHandler) download(ctx context.Context, id, rel string) (string, error) {
	var meta remote.Metadata
	err := localfs.WriteAtomic(h.fs, localfs.Abs(h.root, rel), fileMode, func(w io.Writer) error {
		var err error
		meta, err = h.client.Download(ctx, id, w)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to download %s to %s: %w", id, rel, err)
	}
	h.logger.Debug("Downloaded file", zap.String("path", rel), zap.String("remote_id", id))
	return meta.Fingerprint, nil
}

func (h *RemoteHandler) move(existing, parent tree.Entry, title, rel string) (Outcome, error) {
	oldRel, err := h.tree.FullPath(existing.Handle)
	if err != nil {
		return Outcome{}, err
	}

	ignore := []change.LocalPath{change.LocalPath(oldRel), change.LocalPath(rel)}
	if existing.IsDir {
		desc, err := h.tree.Descendants(existing.Handle)
		if err != nil {
			return Outcome{}, err
		}
		for p := range desc {
			ignore = append(ignore, change.LocalPath(p), change.LocalPath(rel+p[len(oldRel):]))
		}
	}

	oldAbs := localfs.Abs(h.root, oldRel)
	newAbs := localfs.Abs(h.root, rel)
	switch {
	case localfs.Exists(h.fs, oldAbs):
		if err := h.fs.MkdirAll(localfs.Abs(h.root, localfs.Parent(rel)), dirMode); err != nil {
			return Outcome{}, err
		}
		if err := h.fs.Rename(oldAbs, newAbs); err != nil {
			return Outcome{}, fmt.Errorf("failed to move %s to %s: %w", oldRel, rel, err)
		}
	case existing.IsDir:
		// nothing to move, recreate the target
		if err := h.fs.MkdirAll(newAbs, dirMode); err != nil {
			return Outcome{}, err
		}
	}

	if err := h.tree.Move(existing.Handle, parent.Handle, title); err != nil {
		return Outcome{}, err
	}
	h.logger.Debug("Moved local entity", zap.String("from", oldRel), zap.String("to", rel))
	return Outcome{
		Action:      ActionMoved,
		Path:        rel,
		RemoteID:    existing.RemoteID,
		IgnoreLocal: ignore,
	}, nil
}

func (h *RemoteHandler) delete(existing tree.Entry) (Outcome, error) {
	rel, err := h.tree.FullPath(existing.Handle)
	if err != nil {
		return Outcome{}, err
	}

	ignore := []change.LocalPath{change.LocalPath(rel)}
	if existing.IsDir {
		desc, err := h.tree.Descendants(existing.Handle)
		if err != nil {
			return Outcome{}, err
		}
		for p := range desc {
			ignore = append(ignore, change.LocalPath(p))
		}
	}

	abs := localfs.Abs(h.root, rel)
	if localfs.Exists(h.fs, abs) {
		if err := h.fs.RemoveAll(abs); err != nil {
			return Outcome{}, fmt.Errorf("failed to remove %s: %w", rel, err)
		}
	}
	if err := h.tree.DeleteEntry(existing.Handle); err != nil {
		return Outcome{}, err
	}
	h.logger.Debug("Deleted local entity", zap.String("path", rel), zap.String("remote_id", existing.RemoteID))
	return Outcome{
		Action:      ActionDeleted,
		Path:        rel,
		RemoteID:    existing.RemoteID,
		IgnoreLocal: ignore,
	}, nil
}

func appendUnique[T comparable](s []T, v T) []T {
	for _, x := range s {
		if x == v {
			return s
		}
	}
	return append(s, v)
}
