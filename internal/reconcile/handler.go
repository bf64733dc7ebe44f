// Package reconcile applies captured change records to the opposite side.
//
// A LocalHandler pushes local records to the remote drive and a
// RemoteHandler pulls remote records into the local directory. Both consult
// the tree index to classify a record as a creation, deletion, move or
// content change, perform the cross-side mutation, and update the index.
// The Scheduler drives both in a single-flight merge pass.
package reconcile

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/drivesync/drivesync/internal/change"
	"github.com/drivesync/drivesync/internal/metrics"
)

// DefaultMaxAttempts bounds how many times a record is applied before it is dropped.
const DefaultMaxAttempts = 3

// Action names what applying a record did.
type Action string

const (
	ActionNone       Action = "none"
	ActionSkipped    Action = "skipped"
	ActionCreated    Action = "created"
	ActionUploaded   Action = "uploaded"
	ActionDownloaded Action = "downloaded"
	ActionMoved      Action = "moved"
	ActionDeleted    Action = "deleted"
)

// Outcome is the result of one successful Apply.
type Outcome struct {
	Action Action
	// Path is the root-relative local path the record resolved to.
	Path string
	// RemoteID is the remote id the record resolved to.
	RemoteID string

	// IgnoreLocal and IgnoreRemote are the ids this apply touched on each
	// side. The scheduler suppresses them so the mutation is not captured
	// back as a new change.
	IgnoreLocal  []change.LocalPath
	IgnoreRemote []change.RemoteID
}

// Handler applies records of one origin. Apply must be idempotent: it may be
// called again with the same record after a partial failure.
type Handler[ID ~string] interface {
	Apply(ctx context.Context, r change.Record[ID]) (Outcome, error)
}

// applyWithRetry calls h.Apply up to maxAttempts times with no other record
// in between. It returns the outcome, the number of attempts made and the
// last error. A cancelled context stops retrying immediately.
func applyWithRetry[ID ~string](ctx context.Context, h Handler[ID], r change.Record[ID], origin change.Origin, maxAttempts int, logger *zap.Logger) (Outcome, int, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		out, err := h.Apply(ctx, r)
		if err == nil {
			return out, attempt, nil
		}
		lastErr = err

		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return Outcome{}, attempt, err
		}

		logger.Warn("Failed to apply change",
			zap.String("origin", string(origin)),
			zap.String("id", string(r.ID)),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt < maxAttempts {
			metrics.RecordRetry(string(origin))
		}
	}
	return Outcome{}, maxAttempts, lastErr
}
