// Package localfs holds the filesystem helpers shared by local capture, the
// handlers, bootstrap and the file state store. Everything goes through an
// afero.Fs so tests can run against memory.
package localfs

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// Fingerprint returns the md5 hex digest of the file at name.
func Fingerprint(fs afero.Fs, name string) (string, error) {
	f, err := fs.Open(name)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", name, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// IsHidden reports whether any segment of a root-relative slash path starts with a dot.
func IsHidden(rel string) bool {
	for _, s := range strings.Split(rel, "/") {
		if len(s) > 1 && s[0] == '.' && s != ".." {
			return true
		}
	}
	return false
}

// Abs joins a root-relative slash path onto the tracked root.
func Abs(root, rel string) string {
	if rel == "" || rel == "." {
		return root
	}
	return filepath.Join(root, filepath.FromSlash(rel))
}

// Rel converts an absolute path under root into a root-relative slash path.
func Rel(root, abs string) (string, error) {
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s is outside %s", abs, root)
	}
	return rel, nil
}

// Parent returns the parent of a root-relative path; "." for top-level entries.
func Parent(rel string) string {
	return path.Dir(rel)
}

// WriteFileAtomic streams r into name through a temporary file in the same
// directory and renames it into place, so readers never see a partial file.
func WriteFileAtomic(fs afero.Fs, name string, r io.Reader, mode os.FileMode) error {
	return WriteAtomic(fs, name, mode, func(w io.Writer) error {
		_, err := io.Copy(w, r)
		return err
	})
}

// WriteAtomic is WriteFileAtomic for producers that write into an io.Writer.
// The target is left untouched when write fails.
func WriteAtomic(fs afero.Fs, name string, mode os.FileMode, write func(io.Writer) error) error {
	dir := filepath.Dir(name)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmp, err := afero.TempFile(fs, dir, "."+filepath.Base(name)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = fs.Remove(tmpName)
		}
	}()

	if err := write(tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := fs.Chmod(tmpName, mode); err != nil {
		return err
	}
	if err := fs.Rename(tmpName, name); err != nil {
		return err
	}
	committed = true
	return nil
}

// Exists reports whether name exists. Errors other than not-exist count as existing.
func Exists(fs afero.Fs, name string) bool {
	_, err := fs.Stat(name)
	return err == nil || !os.IsNotExist(err)
}
