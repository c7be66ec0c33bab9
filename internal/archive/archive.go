// Package archive composes a directory tree into one streamed tar, splicing
// in transcoded renditions of eligible audio when asked. One Compose call is
// one encoder session: depth-first, sorted names, nothing precomputed, the
// HTTP response writer's demand for bytes is the only scheduler.
package archive

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"dirserve/internal/fsutil"
	"dirserve/internal/spool"
	"dirserve/internal/tarstream"
	"dirserve/internal/transcode"
	"dirserve/internal/walk"
)

const (
	TarMIME  = "application/x-tar"
	GzipMIME = "application/gzip"
)

// Options selects one archive flavor.
type Options struct {
	// Prefix is the archive-internal top-level directory name. Empty means
	// the tree's entries sit at the archive root (whole-tree export).
	Prefix string
	// Transcode swaps eligible lossless audio members for spooled opus
	// renditions, substituting the .opus extension.
	Transcode bool
	// Gzip compresses the whole stream.
	Gzip bool
	// ShowHidden includes dot-entries (normally filtered at both the walker
	// and the member filter).
	ShowHidden bool
}

type Composer struct {
	Encoder *transcode.Encoder
	Cache   *spool.Cache
	Log     *zap.Logger
}

// Compose streams one complete archive of root (a directory or a single
// file) to w. Unreadable subtrees and unopenable files are skipped with a
// warning; everything else still arrives. Mid-stream failures stop emission
// and surface as an error — sent bytes cannot be unsent, the transport
// reports the truncation.
func (c *Composer) Compose(ctx context.Context, w io.Writer, root string, opts Options) error {
	if opts.Gzip {
		gw := gzip.NewWriter(w)
		if err := c.compose(ctx, gw, root, opts); err != nil {
			return err
		}
		return gw.Close()
	}
	return c.compose(ctx, w, root, opts)
}

func (c *Composer) compose(ctx context.Context, w io.Writer, root string, opts Options) error {
	var filter tarstream.Filter
	if !opts.ShowHidden {
		filter = func(name string) bool { return !fsutil.HasHiddenComponent(name) }
	}
	tw := tarstream.NewWriter(w, filter)

	fi, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		name := opts.Prefix
		if name == "" {
			name = fi.Name()
		}
		if err := c.writeFile(ctx, tw, root, name, fi, opts.Transcode); err != nil {
			return err
		}
		return tw.Close()
	}

	if opts.Prefix != "" {
		if err := tw.WriteDir(member(opts.Prefix, fi)); err != nil {
			return err
		}
	}

	walker := walk.Walker{
		ShowHidden: opts.ShowHidden,
		OnSkip: func(rel string, err error) {
			c.Log.Warn("skipping unreadable subtree", zap.String("path", rel), zap.Error(err))
		},
	}
	err = walker.Walk(root, func(rel string, d fs.DirEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := rel
		if opts.Prefix != "" {
			name = opts.Prefix + "/" + rel
		}
		info, err := d.Info()
		if err != nil {
			c.Log.Warn("skipping unstatable entry", zap.String("path", rel), zap.Error(err))
			if d.IsDir() {
				return walk.SkipDir
			}
			return nil
		}
		switch {
		case d.IsDir():
			return tw.WriteDir(member(name, info))
		case d.Type()&fs.ModeSymlink != 0:
			target, err := os.Readlink(filepath.Join(root, filepath.FromSlash(rel)))
			if err != nil {
				c.Log.Warn("skipping unreadable symlink", zap.String("path", rel), zap.Error(err))
				return nil
			}
			return tw.WriteSymlink(member(name, info), target)
		case info.Mode().IsRegular():
			return c.writeFile(ctx, tw, filepath.Join(root, filepath.FromSlash(rel)), name, info, opts.Transcode)
		default:
			// Sockets, fifos, devices: not representable here, not wanted.
			return nil
		}
	})
	if err != nil {
		return err
	}
	return tw.Close()
}

// writeFile emits one regular-file member, transcoded when eligible. The
// spool runs to completion before the header so the declared size is exact.
func (c *Composer) writeFile(ctx context.Context, tw *tarstream.Writer, abs, name string, fi os.FileInfo, transcoded bool) error {
	if transcoded {
		format, err := transcode.SniffFile(abs)
		if err != nil {
			c.Log.Warn("skipping unreadable file", zap.String("path", name), zap.Error(err))
			return nil
		}
		if format.Encodable() {
			src, err := c.spooled(ctx, abs, fi)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				// Nothing for this member has been emitted yet, so skipping
				// is safe and the rest of the tree still arrives.
				c.Log.Warn("transcode failed, omitting member", zap.String("path", name), zap.Error(err))
				return nil
			}
			defer src.Close()
			m := member(opusName(name), fi)
			m.Size = src.Size()
			return tw.WriteFile(m, src)
		}
	}

	f, err := os.Open(abs)
	if err != nil {
		c.Log.Warn("skipping unopenable file", zap.String("path", name), zap.Error(err))
		return nil
	}
	defer f.Close()
	m := member(name, fi)
	m.Size = fi.Size()
	return tw.WriteFile(m, f)
}

// spooled returns the finished opus rendition of abs, encoding it first on a
// cache miss. The temp spool is removed on every failure path.
func (c *Composer) spooled(ctx context.Context, abs string, fi os.FileInfo) (*spool.File, error) {
	if f, ok := c.Cache.Open(abs, fi); ok {
		return f, nil
	}
	tmp, err := c.Cache.TempFile()
	if err != nil {
		return nil, err
	}
	if err := c.Encoder.Encode(ctx, abs, tmp); err != nil {
		_ = os.Remove(tmp)
		return nil, err
	}
	return c.Cache.Commit(abs, fi, tmp)
}

func member(name string, fi os.FileInfo) tarstream.Member {
	return tarstream.Member{
		Name:    name,
		Mode:    fi.Mode(),
		ModTime: fi.ModTime(),
	}
}

// opusName substitutes the .opus extension, replacing an existing one.
func opusName(name string) string {
	ext := path.Ext(name)
	return strings.TrimSuffix(name, ext) + ".opus"
}

// OpusName is opusName for callers outside the package (listing links, the
// standalone transcode endpoint's disposition filename).
func OpusName(name string) string { return opusName(name) }
