// Package fsstore is the durable file substrate: atomic writes, path
// containment, and symlink-safe reads under a declared root. Queue state,
// auto-loop state, and bridge metadata are written through this package so
// that crashes and symlink tricks can never leave a caller observing a
// partial or escaped file. Lock files (internal/lockmgr) are created with
// os.OpenFile directly and do not go through it.
package fsstore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/danshapiro/gyoshu/internal/gerr"
)

// Store roots all file operations at a single absolute directory.
type Store struct {
	root      string
	denyGlobs []string
}

// New returns a Store rooted at root. root must already be an absolute,
// existing directory; callers create it (with the right permissions)
// before constructing a Store.
func New(root string, denyGlobs ...string) (*Store, error) {
	if !filepath.IsAbs(root) {
		return nil, gerr.New(gerr.PathSafety, "fsstore.New", "root must be absolute")
	}
	clean := filepath.Clean(root)
	info, err := os.Lstat(clean)
	if err != nil {
		return nil, gerr.Wrap(gerr.TransientIO, "fsstore.New", "stat root", err)
	}
	if info.Mode()&os.ModeSymlink != 0 || !info.IsDir() {
		return nil, gerr.New(gerr.PathSafety, "fsstore.New", "root must be a real directory")
	}
	return &Store{root: clean, denyGlobs: denyGlobs}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// Resolve validates relative against the store's containment rules and
// returns the absolute path it denotes. It never touches the filesystem;
// use Resolve before Create/Open calls that need the path outside this
// package (e.g. to hand to a subprocess).
func (s *Store) Resolve(relative string) (string, error) {
	return s.resolve(relative)
}

func (s *Store) resolve(relative string) (string, error) {
	if filepath.IsAbs(relative) {
		return "", gerr.New(gerr.PathSafety, "fsstore.resolve", "relative path must not be absolute")
	}
	clean := filepath.Clean(relative)
	for _, part := range strings.Split(clean, string(filepath.Separator)) {
		if part == ".." {
			return "", gerr.New(gerr.PathSafety, "fsstore.resolve", "path traversal rejected")
		}
	}
	full := filepath.Join(s.root, clean)
	prefix := s.root + string(filepath.Separator)
	if full != s.root && !strings.HasPrefix(full, prefix) {
		return "", gerr.New(gerr.PathSafety, "fsstore.resolve", "path escapes root")
	}
	for _, pattern := range s.denyGlobs {
		if ok, _ := doublestar.Match(pattern, clean); ok {
			return "", gerr.New(gerr.PathSafety, "fsstore.resolve", fmt.Sprintf("path matches denied pattern %q", pattern))
		}
	}
	return full, nil
}

// verifyNoSymlinkParents lstats every directory component of path (below
// root) and rejects if any is a symlink or a non-directory. This runs
// before mkdir/create so a malicious intermediate symlink can never be
// traversed.
func (s *Store) verifyNoSymlinkParents(path string) error {
	rel, err := filepath.Rel(s.root, filepath.Dir(path))
	if err != nil {
		return gerr.Wrap(gerr.PathSafety, "fsstore.verifyNoSymlinkParents", "relativize", err)
	}
	if rel == "." {
		return nil
	}
	cur := s.root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		cur = filepath.Join(cur, part)
		info, err := os.Lstat(cur)
		if err != nil {
			if os.IsNotExist(err) {
				return nil // mkdirAll will create it; nothing to traverse yet
			}
			return gerr.Wrap(gerr.TransientIO, "fsstore.verifyNoSymlinkParents", "lstat "+cur, err)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return gerr.New(gerr.PathSafety, "fsstore.verifyNoSymlinkParents", "symlink in parent path: "+cur)
		}
		if !info.IsDir() {
			return gerr.New(gerr.PathSafety, "fsstore.verifyNoSymlinkParents", "non-directory in parent path: "+cur)
		}
	}
	return nil
}

// verifyRealpathContained re-resolves path's real location after creation
// and rejects if a TOCTOU symlink swap moved it outside root.
func (s *Store) verifyRealpathContained(path string) error {
	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		return gerr.Wrap(gerr.TransientIO, "fsstore.verifyRealpathContained", "eval symlinks", err)
	}
	prefix := s.root + string(filepath.Separator)
	if real != s.root && !strings.HasPrefix(real, prefix) {
		return gerr.New(gerr.PathSafety, "fsstore.verifyRealpathContained", "resolved path escapes root")
	}
	return nil
}

// AtomicWrite writes payload at relative under the store root: create
// parents (refusing symlinked parents), write to a sibling temp file,
// fsync it, rename over the target, then fsync the containing directory.
// Either the old content or the new content survives a crash — never a
// truncated mix.
func (s *Store) AtomicWrite(relative string, payload []byte, perm os.FileMode) error {
	target, err := s.resolve(relative)
	if err != nil {
		return err
	}
	dir := filepath.Dir(target)
	if err := s.verifyNoSymlinkParents(target); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return gerr.Wrap(gerr.TransientIO, "fsstore.AtomicWrite", "mkdir "+dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return gerr.Wrap(gerr.TransientIO, "fsstore.AtomicWrite", "create temp", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		cleanup()
		return gerr.Wrap(gerr.TransientIO, "fsstore.AtomicWrite", "write temp", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return gerr.Wrap(gerr.TransientIO, "fsstore.AtomicWrite", "fsync temp", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return gerr.Wrap(gerr.TransientIO, "fsstore.AtomicWrite", "close temp", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		cleanup()
		return gerr.Wrap(gerr.TransientIO, "fsstore.AtomicWrite", "chmod temp", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		cleanup()
		return gerr.Wrap(gerr.TransientIO, "fsstore.AtomicWrite", "rename into place", err)
	}
	if dirHandle, err := os.Open(dir); err == nil {
		_ = dirHandle.Sync()
		_ = dirHandle.Close()
	}
	if err := s.verifyRealpathContained(target); err != nil {
		return err
	}
	return nil
}

// ReadFile opens relative with no-symlink-follow semantics, verifies the
// resulting handle is a regular file, and returns its contents.
func (s *Store) ReadFile(relative string) ([]byte, error) {
	target, err := s.resolve(relative)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(target, os.O_RDONLY|syscallNoFollow, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, gerr.Wrap(gerr.NotFound, "fsstore.ReadFile", target, err)
		}
		return nil, gerr.Wrap(gerr.PathSafety, "fsstore.ReadFile", "open "+target, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, gerr.Wrap(gerr.TransientIO, "fsstore.ReadFile", "stat", err)
	}
	if !info.Mode().IsRegular() {
		return nil, gerr.New(gerr.PathSafety, "fsstore.ReadFile", "not a regular file: "+target)
	}
	b, err := io.ReadAll(f)
	if err != nil {
		return nil, gerr.Wrap(gerr.TransientIO, "fsstore.ReadFile", "read", err)
	}
	return b, nil
}

// Exists reports whether relative names a regular file under the store,
// tolerating ErrNotExist as "false, nil" rather than surfacing it.
func (s *Store) Exists(relative string) (bool, error) {
	target, err := s.resolve(relative)
	if err != nil {
		return false, err
	}
	info, err := os.Lstat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, gerr.Wrap(gerr.TransientIO, "fsstore.Exists", target, err)
	}
	return info.Mode().IsRegular(), nil
}

// List returns the base names of the entries (files and subdirectories)
// directly inside the directory named by relative; symlinked entries are
// skipped. A missing directory yields an empty list, not an error.
func (s *Store) List(relative string) ([]string, error) {
	target, err := s.resolve(relative)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, gerr.Wrap(gerr.TransientIO, "fsstore.List", target, err)
	}
	var names []string
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.Mode()&os.ModeSymlink != 0 {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}
