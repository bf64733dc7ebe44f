package localfs

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFingerprint verifies the md5 digest of file content.
func TestFingerprint(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/r/a.txt", []byte("hello"), 0o644))

	fp, err := Fingerprint(fs, "/r/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", fp)

	_, err = Fingerprint(fs, "/r/missing")
	assert.Error(t, err)
}

// TestIsHidden verifies the dot-segment rule.
func TestIsHidden(t *testing.T) {
	tests := map[string]bool{
		"a.txt":          false,
		".git":           true,
		"docs/.cache/x":  true,
		"docs/notes.txt": false,
		".":              false,
	}
	for rel, want := range tests {
		assert.Equal(t, want, IsHidden(rel), rel)
	}
}

// TestAbsRel verifies conversions between absolute and root-relative paths.
func TestAbsRel(t *testing.T) {
	assert.Equal(t, "/root/sync", Abs("/root/sync", "."))
	assert.Equal(t, "/root/sync/a/b.txt", Abs("/root/sync", "a/b.txt"))

	rel, err := Rel("/root/sync", "/root/sync/a/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "a/b.txt", rel)

	_, err = Rel("/root/sync", "/etc/passwd")
	assert.Error(t, err)

	assert.Equal(t, ".", Parent("a.txt"))
	assert.Equal(t, "a", Parent("a/b.txt"))
}

// TestWriteFileAtomic verifies content replacement without leftovers.
func TestWriteFileAtomic(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, WriteFileAtomic(fs, "/r/sub/a.txt", strings.NewReader("one"), 0o644))
	require.NoError(t, WriteFileAtomic(fs, "/r/sub/a.txt", strings.NewReader("two"), 0o644))

	data, err := afero.ReadFile(fs, "/r/sub/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	entries, err := afero.ReadDir(fs, "/r/sub")
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files are renamed away")
	assert.True(t, Exists(fs, "/r/sub/a.txt"))
	assert.False(t, Exists(fs, "/r/sub/b.txt"))
}

// TestWriteAtomic_FailureKeepsTarget verifies that a failed producer leaves the old content.
func TestWriteAtomic_FailureKeepsTarget(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/r/a.txt", []byte("old"), 0o644))

	err := WriteAtomic(fs, "/r/a.txt", 0o644, func(w io.Writer) error {
		_, _ = w.Write([]byte("partial"))
		return errors.New("connection reset")
	})
	require.Error(t, err)

	data, err := afero.ReadFile(fs, "/r/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))
	entries, err := afero.ReadDir(fs, "/r")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
