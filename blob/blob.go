// Package blob stores uploaded images on the local filesystem.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ggoodman/screenshots-server/screenshots"
)

var _ screenshots.BlobStore = (*FS)(nil)

// Prefix is the top-level directory of stored screenshots.
const Prefix = "screenshots"

// ErrNotFound is returned by Open for paths that do not name a stored blob,
// including paths that would escape the root.
var ErrNotFound = fmt.Errorf("blob: %w", fs.ErrNotExist)

// FS is a BlobStore rooted at a directory. Blobs are written to
// screenshots/YYYY/MM/DD/<uuid>.<ext> relative to the root.
type FS struct {
	dir string
}

// NewFS creates the root directory if needed and returns a store over it.
func NewFS(dir string) (*FS, error) {
	if dir == "" {
		return nil, errors.New("blob: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blob: failed to create %s: %w", dir, err)
	}
	return &FS{dir: dir}, nil
}

// Dir returns the root directory.
func (s *FS) Dir() string { return s.dir }

// Put implements screenshots.BlobStore.
func (s *FS) Put(ctx context.Context, ext string, at time.Time, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	if ext == "" || strings.ContainsAny(ext, `/\.`) {
		return "", fmt.Errorf("blob: invalid extension %q", ext)
	}

	at = at.UTC()
	dir := path.Join(Prefix, at.Format("2006"), at.Format("01"), at.Format("02"))
	if err := os.MkdirAll(filepath.Join(s.dir, filepath.FromSlash(dir)), 0o755); err != nil {
		return "", fmt.Errorf("blob: failed to create %s: %w", dir, err)
	}

	name := path.Join(dir, uuid.NewString()+"."+ext)
	root, err := os.OpenRoot(s.dir)
	if err != nil {
		return "", fmt.Errorf("blob: failed to open root: %w", err)
	}
	defer root.Close()

	f, err := root.OpenFile(filepath.FromSlash(name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("blob: failed to create %s: %w", name, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		root.Remove(filepath.FromSlash(name))
		return "", fmt.Errorf("blob: failed to write %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("blob: failed to write %s: %w", name, err)
	}
	return name, nil
}

// Open implements screenshots.BlobStore. Paths are slash separated and
// relative to the root; anything resolving outside it is ErrNotFound.
func (s *FS) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	clean := path.Clean("/" + name)[1:]
	if clean == "" || !fs.ValidPath(clean) {
		return nil, ErrNotFound
	}

	root, err := os.OpenRoot(s.dir)
	if err != nil {
		return nil, fmt.Errorf("blob: failed to open root: %w", err)
	}
	defer root.Close()

	f, err := root.Open(filepath.FromSlash(clean))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || escapesRoot(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blob: failed to open %s: %w", clean, err)
	}
	if st, err := f.Stat(); err != nil || st.IsDir() {
		f.Close()
		return nil, ErrNotFound
	}
	return f, nil
}

// Remove implements screenshots.BlobStore. Removing a missing blob is not
// an error.
func (s *FS) Remove(ctx context.Context, name string) error {
	clean := path.Clean("/" + name)[1:]
	if clean == "" || !fs.ValidPath(clean) {
		return ErrNotFound
	}

	root, err := os.OpenRoot(s.dir)
	if err != nil {
		return fmt.Errorf("blob: failed to open root: %w", err)
	}
	defer root.Close()

	if err := root.Remove(filepath.FromSlash(clean)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		if escapesRoot(err) {
			return ErrNotFound
		}
		return fmt.Errorf("blob: failed to remove %s: %w", clean, err)
	}
	return nil
}

// escapesRoot reports whether err is os.Root refusing a path that resolves
// outside the root, such as through a symlink. The os package does not
// export that error, so it is matched by message.
func escapesRoot(err error) bool {
	var pe *fs.PathError
	return errors.As(err, &pe) && strings.Contains(pe.Err.Error(), "path escapes from parent")
}
