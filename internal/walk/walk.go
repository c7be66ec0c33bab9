// Package walk produces an ordered, single-pass traversal of a directory
// tree for the archive composer. Entries at each level come out sorted by
// name so repeated downloads of an unmodified tree are byte-identical.
package walk

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// SkipDir can be returned from a Func for a directory entry to skip its
// contents without aborting the walk.
var SkipDir = fs.SkipDir

// Func is called once per visited entry. rel is the slash-based path relative
// to the walk root ("" never occurs; the root itself is not visited).
type Func func(rel string, d fs.DirEntry) error

// Walker traverses one tree. Zero value walks everything; it carries no
// per-walk state, so one Walker may serve many walks.
type Walker struct {
	// ShowHidden includes dot-entries; when false a hidden directory hides
	// its entire subtree.
	ShowHidden bool

	// OnSkip, if set, is notified when an unreadable directory is skipped.
	// The walk itself continues (trees with mixed permissions are expected).
	OnSkip func(rel string, err error)
}

// Walk visits every entry under dir depth-first in sorted order. Directories
// are visited before their contents. Symlinks are visited as leaves and never
// followed. An unreadable subdirectory is skipped, not fatal.
func (w *Walker) Walk(dir string, fn Func) error {
	return w.walk(dir, "", fn)
}

func (w *Walker) walk(dir, prefix string, fn Func) error {
	ents, err := os.ReadDir(dir)
	if err != nil {
		if prefix == "" {
			return err
		}
		if w.OnSkip != nil {
			w.OnSkip(prefix, err)
		}
		return nil
	}
	// os.ReadDir sorts by name already.
	for _, e := range ents {
		if !w.ShowHidden && strings.HasPrefix(e.Name(), ".") {
			continue
		}
		rel := e.Name()
		if prefix != "" {
			rel = prefix + "/" + e.Name()
		}
		err := fn(rel, e)
		if e.IsDir() {
			if errors.Is(err, SkipDir) {
				continue
			}
			if err != nil {
				return err
			}
			if err := w.walk(filepath.Join(dir, e.Name()), rel, fn); err != nil {
				return err
			}
			continue
		}
		if err != nil && !errors.Is(err, SkipDir) {
			return err
		}
	}
	return nil
}
