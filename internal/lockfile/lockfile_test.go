package lockfile

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drivesync/drivesync/internal/syncerr"
)

// TestAcquire_Exclusive verifies that a held lock rejects a second holder
// until it is released.
func TestAcquire_Exclusive(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")

	first, err := Acquire(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, Name), first.Path())

	_, err = Acquire(dir)
	require.Error(t, err)
	assert.True(t, errors.Is(err, syncerr.ErrLocked))
	assert.True(t, syncerr.IsFatal(err))

	require.NoError(t, first.Release())
	require.NoError(t, first.Release(), "second release is a no-op")

	again, err := Acquire(dir)
	require.NoError(t, err)
	require.NoError(t, again.Release())
}
