package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanRelPath(t *testing.T) {
	cases := map[string]string{
		"":            "",
		".":           "",
		"/":           "",
		"a/b":         "a/b",
		"/a/b":        "a/b",
		"a//b":        "a/b",
		"a/./b":       "a/b",
		"a/../b":      "b",
		"../../etc":   "etc",
		"..":          "",
		"\\a\\b":      "a/b",
		" /a/b ":      "a/b",
		"a/b/":        "a/b",
		"./.hidden":   ".hidden",
		"a/.../b":     "a/.../b",
	}
	for in, want := range cases {
		assert.Equal(t, want, CleanRelPath(in), "input %q", in)
	}
}

func TestHasHiddenComponent(t *testing.T) {
	assert.False(t, HasHiddenComponent("a/b/c"))
	assert.True(t, HasHiddenComponent(".a"))
	assert.True(t, HasHiddenComponent("a/.b/c"))
	assert.True(t, HasHiddenComponent("a/b/.c"))
	assert.False(t, HasHiddenComponent("a.b/c"))
}

// testRoot returns a fully-resolved temp root, the way main resolves the
// configured root before constructing the sandbox.
func testRoot(t *testing.T) string {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return root
}

func TestResolveBasics(t *testing.T) {
	root := testRoot(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "f.txt"), []byte("x"), 0o644))

	got, err := Resolve(root, "sub/f.txt", false)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "sub", "f.txt"), got)

	// The root itself resolves to the root.
	got, err = Resolve(root, "", false)
	require.NoError(t, err)
	assert.Equal(t, root, got)

	// Dot-dot components are neutralized during cleaning, not an escape.
	got, err = Resolve(root, "../../sub/f.txt", false)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "sub", "f.txt"), got)

	_, err = Resolve(root, "missing.txt", false)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = Resolve(root, "a\x00b", false)
	assert.ErrorIs(t, err, ErrMalformedPath)
}

func TestResolveHiddenPolicy(t *testing.T) {
	root := testRoot(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, ".secret"), []byte("x"), 0o644))

	_, err := Resolve(root, ".secret", false)
	assert.ErrorIs(t, err, ErrHiddenForbidden)

	got, err := Resolve(root, ".secret", true)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, ".secret"), got)
}

func TestResolveSymlinkEscape(t *testing.T) {
	root := testRoot(t)
	outside := testRoot(t)
	require.NoError(t, os.WriteFile(filepath.Join(outside, "target.txt"), []byte("x"), 0o644))

	// Direct symlink out of the tree.
	require.NoError(t, os.Symlink(filepath.Join(outside, "target.txt"), filepath.Join(root, "link")))
	_, err := Resolve(root, "link", false)
	assert.ErrorIs(t, err, ErrOutsideRoot)

	// Escape through an intermediate component.
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "dirlink")))
	_, err = Resolve(root, "dirlink/target.txt", false)
	assert.ErrorIs(t, err, ErrOutsideRoot)

	// A symlink resolving to the root itself is not "the root itself".
	require.NoError(t, os.Symlink(root, filepath.Join(root, "self")))
	_, err = Resolve(root, "self", false)
	assert.ErrorIs(t, err, ErrOutsideRoot)
}

func TestResolveSymlinkCycle(t *testing.T) {
	root := testRoot(t)
	require.NoError(t, os.Symlink(filepath.Join(root, "a"), filepath.Join(root, "b")))
	require.NoError(t, os.Symlink(filepath.Join(root, "b"), filepath.Join(root, "a")))

	_, err := Resolve(root, "a", false)
	assert.ErrorIs(t, err, ErrMalformedPath)
}

func TestResolveSymlinkToHidden(t *testing.T) {
	root := testRoot(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, ".secret"), []byte("x"), 0o644))
	require.NoError(t, os.Symlink(filepath.Join(root, ".secret"), filepath.Join(root, "alias")))

	_, err := Resolve(root, "alias", false)
	assert.ErrorIs(t, err, ErrHiddenForbidden)

	got, err := Resolve(root, "alias", true)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, ".secret"), got)
}
