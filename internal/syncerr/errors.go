// Package syncerr defines the error taxonomy shared by the sync engine.
package syncerr

import "errors"

// Errors returned across the engine.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, syncerr.ErrNotFound) {
//	    // nothing to delete, treat as done
//	}
var (
	// ErrNotFound is returned when a path or remote id does not resolve
	// to an entry. Deletes treat it as success.
	ErrNotFound = errors.New("entry not found")

	// ErrInvalidPath is returned when a structural precondition fails,
	// for example an upsert under a parent that is not an indexed directory.
	ErrInvalidPath = errors.New("invalid path")

	// ErrRemoteUnavailable is returned by remote clients once their
	// internal retry budget is exhausted.
	ErrRemoteUnavailable = errors.New("remote unavailable")

	// ErrPersistenceFailure is returned when the tree snapshot could not
	// be written to stable storage.
	ErrPersistenceFailure = errors.New("failed to persist state")

	// ErrClosed is returned by a tree index that has been flushed and
	// closed for shutdown.
	ErrClosed = errors.New("index closed")

	// ErrLocked is returned when another engine instance holds the
	// state directory lock.
	ErrLocked = errors.New("state directory is locked by another process")

	// ErrStateCorrupt is returned when persisted state cannot be decoded.
	ErrStateCorrupt = errors.New("persisted state is corrupt")
)

// IsRetryable returns true if the error is likely to succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Network and timeout failures are transient
	if errors.Is(err, ErrRemoteUnavailable) {
		return true
	}

	// A later persist may succeed, the in-memory state is intact
	if errors.Is(err, ErrPersistenceFailure) {
		return true
	}

	return false
}

// IsFatal returns true if the error must stop engine startup and be
// surfaced to the operator.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrLocked) {
		return true
	}

	if errors.Is(err, ErrStateCorrupt) {
		return true
	}

	return false
}
