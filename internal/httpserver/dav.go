package httpserver

import (
	"context"
	"net/http"
	"os"
	"strings"

	"golang.org/x/net/webdav"

	"dirserve/internal/fsutil"
)

// davHandler exposes the tree over WebDAV, read-only. Write methods are
// rejected up front and the filesystem refuses them anyway; the hidden policy
// applies the same as everywhere else.
func (s *Server) davHandler() http.Handler {
	h := &webdav.Handler{
		Prefix:     "/dav",
		FileSystem: roFS{dir: webdav.Dir(s.cfg.Root), showHidden: s.cfg.ShowHidden},
		LockSystem: webdav.NewMemLS(),
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case "GET", "HEAD", "OPTIONS", "PROPFIND":
			h.ServeHTTP(w, r)
		default:
			http.Error(w, "read-only", http.StatusMethodNotAllowed)
		}
	})
}

// roFS is a webdav.FileSystem that never mutates and honors the hidden
// policy.
type roFS struct {
	dir        webdav.Dir
	showHidden bool
}

func (f roFS) hidden(name string) bool {
	return !f.showHidden && fsutil.HasHiddenComponent(strings.TrimPrefix(name, "/"))
}

func (f roFS) Mkdir(ctx context.Context, name string, perm os.FileMode) error {
	return os.ErrPermission
}

func (f roFS) RemoveAll(ctx context.Context, name string) error {
	return os.ErrPermission
}

func (f roFS) Rename(ctx context.Context, oldName, newName string) error {
	return os.ErrPermission
}

func (f roFS) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0 {
		return nil, os.ErrPermission
	}
	if f.hidden(name) {
		return nil, os.ErrNotExist
	}
	file, err := f.dir.OpenFile(ctx, name, flag, perm)
	if err != nil {
		return nil, err
	}
	return roFile{File: file, showHidden: f.showHidden}, nil
}

// roFile filters hidden entries out of directory reads (PROPFIND listings).
type roFile struct {
	webdav.File
	showHidden bool
}

func (f roFile) Readdir(count int) ([]os.FileInfo, error) {
	fis, err := f.File.Readdir(count)
	if f.showHidden {
		return fis, err
	}
	kept := fis[:0]
	for _, fi := range fis {
		if !strings.HasPrefix(fi.Name(), ".") {
			kept = append(kept, fi)
		}
	}
	return kept, err
}

func (f roFS) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	if f.hidden(name) {
		return nil, os.ErrNotExist
	}
	return f.dir.Stat(ctx, name)
}
