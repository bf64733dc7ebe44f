package reconcile

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/drivesync/drivesync/internal/change"
	"github.com/drivesync/drivesync/internal/localfs"
	"github.com/drivesync/drivesync/internal/logging"
	"github.com/drivesync/drivesync/internal/remote"
	"github.com/drivesync/drivesync/internal/syncerr"
	"github.com/drivesync/drivesync/internal/tree"
)

// LocalHandler pushes local changes to the remote drive.
type LocalHandler struct {
	root   string
	fs     afero.Fs
	tree   *tree.Index
	client remote.Client
	logger *zap.Logger
}

// NewLocalHandler creates a LocalHandler for the directory root.
func NewLocalHandler(root string, fs afero.Fs, idx *tree.Index, client remote.Client, logger *zap.Logger) *LocalHandler {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &LocalHandler{
		root:   root,
		fs:     fs,
		tree:   idx,
		client: client,
		logger: logging.Named(logger, "reconcile.local"),
	}
}

// Apply reconciles one local record against the index and the remote drive.
func (h *LocalHandler) Apply(ctx context.Context, r change.LocalRecord) (Outcome, error) {
	rel := string(r.ID)
	existing, err := h.tree.LookupByPath(rel)
	switch {
	case err == nil:
	case errors.Is(err, syncerr.ErrNotFound):
		if r.Removed() {
			// already gone on both sides
			return Outcome{Action: ActionNone, Path: rel}, nil
		}
		return h.create(ctx, r)
	default:
		return Outcome{}, err
	}

	if existing.IsRoot() {
		return Outcome{Action: ActionNone, Path: rel}, nil
	}

	if r.Removed() {
		return h.delete(ctx, rel, existing)
	}

	if existing.IsDir != r.IsDir {
		// replaced by an entity of the other type
		if _, err := h.delete(ctx, rel, existing); err != nil {
			return Outcome{}, err
		}
		return h.create(ctx, r)
	}

	if existing.IsDir {
		return Outcome{Action: ActionNone, Path: rel, RemoteID: existing.RemoteID}, nil
	}
	return h.update(ctx, r, existing)
}

func (h *LocalHandler) create(ctx context.Context, r change.LocalRecord) (Outcome, error) {
	rel := string(r.ID)
	parentID, err := h.remoteParent(r.ParentID)
	if err != nil {
		return Outcome{}, err
	}

	if r.IsDir {
		meta, err := remote.CreateOrGetDirectory(ctx, h.client, parentID, r.Title)
		if err != nil {
			return Outcome{}, err
		}
		if _, err := h.tree.Upsert(rel, tree.Metadata{RemoteID: meta.ID, IsDir: true}); err != nil {
			return Outcome{}, err
		}
		h.logger.Debug("Created remote folder", zap.String("path", rel), zap.String("remote_id", meta.ID))
		return Outcome{
			Action:       ActionCreated,
			Path:         rel,
			RemoteID:     meta.ID,
			IgnoreRemote: []change.RemoteID{change.RemoteID(meta.ID)},
		}, nil
	}

	meta, ok, err := h.upload(ctx, parentID, rel, r.Title)
	if err != nil || !ok {
		return Outcome{Action: ActionNone, Path: rel}, err
	}
	if _, err := h.tree.Upsert(rel, tree.Metadata{RemoteID: meta.ID, Fingerprint: meta.Fingerprint}); err != nil {
		return Outcome{}, err
	}
	return Outcome{
		Action:       ActionUploaded,
		Path:         rel,
		RemoteID:     meta.ID,
		IgnoreRemote: []change.RemoteID{change.RemoteID(meta.ID)},
	}, nil
}

func (h *LocalHandler) update(ctx context.Context, r change.LocalRecord, existing tree.Entry) (Outcome, error) {
	rel := string(r.ID)
	fp := r.Fingerprint
	if fp == "" {
		var err error
		fp, err = localfs.Fingerprint(h.fs, localfs.Abs(h.root, rel))
		if errors.Is(err, os.ErrNotExist) {
			// a later delete record will follow
			return Outcome{Action: ActionNone, Path: rel, RemoteID: existing.RemoteID}, nil
		}
		if err != nil {
			return Outcome{}, err
		}
	}
	if fp == existing.Fingerprint && existing.RemoteID != "" {
		return Outcome{Action: ActionNone, Path: rel, RemoteID: existing.RemoteID}, nil
	}

	parentID, err := h.remoteParent(r.ParentID)
	if err != nil {
		return Outcome{}, err
	}
	meta, ok, err := h.upload(ctx, parentID, rel, existing.Name)
	if err != nil || !ok {
		return Outcome{Action: ActionNone, Path: rel}, err
	}
	if err := h.tree.Update(existing.Handle, tree.Metadata{RemoteID: meta.ID, Fingerprint: meta.Fingerprint}); err != nil {
		return Outcome{}, err
	}
	return Outcome{
		Action:       ActionUploaded,
		Path:         rel,
		RemoteID:     meta.ID,
		IgnoreRemote: []change.RemoteID{change.RemoteID(meta.ID)},
	}, nil
}

// upload sends the file at rel. ok is false when the file vanished before it
// could be opened. The returned fingerprint falls back to the local hash when
// the remote does not report one.
func (h *LocalHandler) upload(ctx context.Context, parentID, rel, name string) (remote.Metadata, bool, error) {
	abs := localfs.Abs(h.root, rel)
	f, err := h.fs.Open(abs)
	if errors.Is(err, os.ErrNotExist) {
		return remote.Metadata{}, false, nil
	}
	if err != nil {
		return remote.Metadata{}, false, err
	}
	defer f.Close()

	meta, err := h.client.Upload(ctx, parentID, name, f)
	if err != nil {
		return remote.Metadata{}, false, fmt.Errorf("failed to upload %s: %w", rel, err)
	}
	if meta.Fingerprint == "" {
		if fp, err := localfs.Fingerprint(h.fs, abs); err == nil {
			meta.Fingerprint = fp
		}
	}
	h.logger.Debug("Uploaded file", zap.String("path", rel), zap.String("remote_id", meta.ID))
	return meta, true, nil
}

func (h *LocalHandler) delete(ctx context.Context, rel string, existing tree.Entry) (Outcome, error) {
	var ignore []change.RemoteID
	if existing.IsDir {
		desc, err := h.tree.Descendants(existing.Handle)
		if err != nil && !errors.Is(err, syncerr.ErrNotFound) {
			return Outcome{}, err
		}
		for _, e := range desc {
			if e.RemoteID != "" {
				ignore = append(ignore, change.RemoteID(e.RemoteID))
			}
		}
	}

	if existing.RemoteID != "" {
		err := h.client.Delete(ctx, existing.RemoteID)
		if err != nil && !errors.Is(err, syncerr.ErrNotFound) {
			return Outcome{}, fmt.Errorf("failed to delete remote %s: %w", existing.RemoteID, err)
		}
		ignore = append(ignore, change.RemoteID(existing.RemoteID))
	}

	if err := h.tree.DeleteEntry(existing.Handle); err != nil {
		return Outcome{}, err
	}
	h.logger.Debug("Deleted remote entity", zap.String("path", rel), zap.String("remote_id", existing.RemoteID))
	return Outcome{
		Action:       ActionDeleted,
		Path:         rel,
		RemoteID:     existing.RemoteID,
		IgnoreRemote: ignore,
	}, nil
}

// remoteParent resolves a local parent path to the remote id of the folder
// it was synchronized to.
func (h *LocalHandler) remoteParent(parent change.LocalPath) (string, error) {
	if parent == change.LocalRoot || parent == "" {
		return remote.RootID, nil
	}
	e, err := h.tree.LookupByPath(string(parent))
	if err != nil {
		return "", fmt.Errorf("%w: parent %s is not synchronized", syncerr.ErrInvalidPath, parent)
	}
	if !e.IsDir || e.RemoteID == "" {
		return "", fmt.Errorf("%w: parent %s has no remote folder", syncerr.ErrInvalidPath, parent)
	}
	return e.RemoteID, nil
}
