// Package spool is a small content-addressed cache for finished transcode
// output (plus thumbnails). Archive members need their exact encoded size
// before a tar header can be written, so every transcoded member is encoded
// to a file here first; keeping the finished files around means repeat
// downloads of the same tree skip re-encoding entirely.
//
// The cache directory must live outside the served root so spools never show
// up in listings or archives.
package spool

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

type Cache struct {
	dir string
}

// New creates (if needed) a cache rooted at dir.
func New(dir string) (*Cache, error) {
	for _, d := range []string{dir, filepath.Join(dir, "opus"), filepath.Join(dir, "tmp"), filepath.Join(dir, "thumbs")} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, err
		}
	}
	return &Cache{dir: dir}, nil
}

// ThumbDir is where the thumbnailer keeps its renders.
func (c *Cache) ThumbDir() string {
	return filepath.Join(c.dir, "thumbs")
}

// key derives the cache name from the source identity. Size and mtime are in
// the key, so an edited source naturally misses and re-encodes; the stale
// entry just ages out.
func (c *Cache) key(src string, fi os.FileInfo) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%d\x00%d", src, fi.Size(), fi.ModTime().UnixNano())
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Cache) path(src string, fi os.FileInfo) string {
	return filepath.Join(c.dir, "opus", c.key(src, fi))
}

// File is a cached, finished spool opened for one member's emission.
type File struct {
	f    *os.File
	size int64
}

func (f *File) Read(p []byte) (int, error) { return f.f.Read(p) }
func (f *File) Size() int64                { return f.size }
func (f *File) Close() error               { return f.f.Close() }

// Open returns the cached encode of src if present.
func (c *Cache) Open(src string, fi os.FileInfo) (*File, bool) {
	f, err := os.Open(c.path(src, fi))
	if err != nil {
		return nil, false
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, false
	}
	return &File{f: f, size: st.Size()}, true
}

// TempFile allocates a spool destination on the cache's filesystem so Commit
// can rename instead of copy. The caller removes it on every failure path.
func (c *Cache) TempFile() (string, error) {
	f, err := os.CreateTemp(filepath.Join(c.dir, "tmp"), "spool-*")
	if err != nil {
		return "", err
	}
	name := f.Name()
	_ = f.Close()
	return name, nil
}

// Commit moves a finished spool into the cache and opens it for reading.
func (c *Cache) Commit(src string, fi os.FileInfo, tmpPath string) (*File, error) {
	dst := c.path(src, fi)
	if err := os.Rename(tmpPath, dst); err != nil {
		_ = os.Remove(tmpPath)
		return nil, err
	}
	f, ok := c.Open(src, fi)
	if !ok {
		return nil, fmt.Errorf("spool: committed entry vanished: %s", dst)
	}
	return f, nil
}

// Sweep drops leftover temp spools from interrupted runs. Called at startup.
func (c *Cache) Sweep() error {
	ents, err := os.ReadDir(filepath.Join(c.dir, "tmp"))
	if err != nil {
		return err
	}
	for _, e := range ents {
		_ = os.Remove(filepath.Join(c.dir, "tmp", e.Name()))
	}
	return nil
}

var _ io.ReadCloser = (*File)(nil)
