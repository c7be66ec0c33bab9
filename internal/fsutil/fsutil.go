package fsutil

import (
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Resolution failures, surfaced to the HTTP layer as distinct status codes.
var (
	// ErrMalformedPath means resolution could not complete (NUL bytes,
	// symlink cycles, and similar).
	ErrMalformedPath = errors.New("malformed path")
	// ErrOutsideRoot means the resolved path escapes the served root.
	ErrOutsideRoot = errors.New("path outside root")
	// ErrNotFound means the resolved path does not exist.
	ErrNotFound = errors.New("path not found")
	// ErrHiddenForbidden means a path component starts with the hidden marker
	// while the hidden policy is active.
	ErrHiddenForbidden = errors.New("hidden path forbidden")
)

// CleanRelPath takes a user path like "", ".", "/a/b", "a//b", and returns a
// safe, slash-based, no-leading-slash relative path ("" means root).
func CleanRelPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || p == "." || p == "/" {
		return ""
	}
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p) // force absolute for stable cleaning
	p = strings.TrimPrefix(p, "/")
	if p == "." {
		return ""
	}
	return p
}

// HasHiddenComponent reports whether any component of the slash-based relative
// path starts with a dot.
func HasHiddenComponent(rel string) bool {
	for _, part := range strings.Split(rel, "/") {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}

// Resolve joins a caller-supplied relative path onto the served root and fully
// resolves it, including symlinks introduced by intermediate components. The
// containment check runs on the resolved path: a symlink inside the tree that
// points outside it fails with ErrOutsideRoot even though the literal string
// looked fine. rootAbs must itself be absolute and symlink-free (resolve it
// once at startup).
func Resolve(rootAbs, rel string, showHidden bool) (string, error) {
	rel = CleanRelPath(rel)
	if strings.Contains(rel, "\x00") {
		return "", ErrMalformedPath
	}
	if !showHidden && rel != "" && HasHiddenComponent(rel) {
		return "", ErrHiddenForbidden
	}

	joined := filepath.Join(rootAbs, filepath.FromSlash(rel))
	resolved, err := filepath.EvalSymlinks(joined)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotFound
		}
		// Symlink cycles and other resolution failures.
		return "", ErrMalformedPath
	}

	if resolved == rootAbs {
		// Equality is only the root itself; a symlink elsewhere resolving to
		// the root is still an escape from its own location.
		if rel != "" {
			return "", ErrOutsideRoot
		}
	} else if !strings.HasPrefix(resolved, rootAbs+string(filepath.Separator)) {
		return "", ErrOutsideRoot
	}

	// A symlink may resolve to a hidden entry elsewhere under the root.
	if !showHidden && resolved != rootAbs {
		relResolved, err := filepath.Rel(rootAbs, resolved)
		if err != nil {
			return "", ErrMalformedPath
		}
		if HasHiddenComponent(filepath.ToSlash(relResolved)) {
			return "", ErrHiddenForbidden
		}
	}

	if _, err := os.Lstat(resolved); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", err
	}
	return resolved, nil
}
