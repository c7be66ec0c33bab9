package httpserver

import (
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"dirserve/internal/transcode"
)

type listItem struct {
	Name      string // display name, trailing "/" for directories
	Href      string
	IsDir     bool
	IsSymlink bool
	Size      int64
	Modified  time.Time
	OpusHref  string // set when the file is eligible for transcoding
}

type crumb struct {
	Href string
	Text string
}

type listPage struct {
	Path        string
	Items       []listItem
	NumFiles    int
	NumDirs     int
	Sort        string
	Order       string
	Breadcrumbs []crumb
	IsRoot      bool
	TarLink     string
	TarGzLink   string
	TarOpusLink string
}

func (s *Server) renderListing(w http.ResponseWriter, r *http.Request, rel, abs string) {
	ents, err := os.ReadDir(abs)
	if err != nil {
		http.Error(w, "read failed", http.StatusInternalServerError)
		return
	}

	page := listPage{
		Path:        r.URL.Path,
		Sort:        r.URL.Query().Get("sort"),
		Order:       r.URL.Query().Get("order"),
		Breadcrumbs: breadcrumbs(rel),
		IsRoot:      rel == "",
	}
	if page.Sort == "" {
		page.Sort = "namedirfirst"
	}

	for _, e := range ents {
		name := e.Name()
		if !s.cfg.ShowHidden && strings.HasPrefix(name, ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		it := listItem{
			Name:      name,
			Href:      url.PathEscape(name),
			IsDir:     e.IsDir(),
			IsSymlink: info.Mode()&os.ModeSymlink != 0,
			Size:      info.Size(),
			Modified:  info.ModTime(),
		}
		if it.IsDir {
			it.Name += "/"
			it.Href += "/"
			page.NumDirs++
		} else if info.Mode().IsRegular() {
			page.NumFiles++
			if format, err := transcode.SniffFile(abs + string(os.PathSeparator) + name); err == nil && format.Encodable() {
				it.OpusHref = "._opus/" + url.PathEscape(name)
			}
		}
		page.Items = append(page.Items, it)
	}

	sortItems(page.Items, page.Sort, page.Order)

	if page.IsRoot {
		page.TarLink = "/._tar/root.tar"
		page.TarGzLink = "/._tar/root.tar.gz"
		page.TarOpusLink = "/._tar/root.opus.tar"
	} else {
		base := url.PathEscape(lastSegment(rel))
		page.TarLink = "._tar/" + base + ".tar"
		page.TarGzLink = "._tar/" + base + ".tar.gz"
		page.TarOpusLink = "._tar/" + base + ".opus.tar"
	}

	var buf bytes.Buffer
	if err := s.tmpl.Execute(&buf, page); err != nil {
		s.log.Error("listing template failed", zap.String("path", rel), zap.Error(err))
		http.Error(w, "render failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func sortItems(items []listItem, key, order string) {
	var less func(a, b listItem) bool
	byName := func(a, b listItem) bool {
		return strings.ToLower(a.Name) < strings.ToLower(b.Name)
	}
	dirFirst := func(a, b listItem, tie func(a, b listItem) bool) bool {
		if a.IsDir != b.IsDir {
			return a.IsDir
		}
		return tie(a, b)
	}
	switch key {
	case "name":
		less = byName
	case "time":
		less = func(a, b listItem) bool { return a.Modified.Before(b.Modified) }
	case "size":
		less = func(a, b listItem) bool {
			return dirFirst(a, b, func(a, b listItem) bool {
				if a.IsDir {
					return byName(a, b)
				}
				return a.Size < b.Size
			})
		}
	default: // namedirfirst
		less = func(a, b listItem) bool { return dirFirst(a, b, byName) }
	}
	sort.SliceStable(items, func(i, j int) bool {
		if order == "desc" {
			return less(items[j], items[i])
		}
		return less(items[i], items[j])
	})
}

func breadcrumbs(rel string) []crumb {
	if rel == "" {
		return nil
	}
	parts := strings.Split(rel, "/")
	crumbs := make([]crumb, 0, len(parts))
	href := "/"
	for _, p := range parts {
		href += url.PathEscape(p) + "/"
		crumbs = append(crumbs, crumb{Href: href, Text: p})
	}
	return crumbs
}

func lastSegment(rel string) string {
	if i := strings.LastIndexByte(rel, '/'); i >= 0 {
		return rel[i+1:]
	}
	return rel
}

// naturalSize renders byte counts for humans, base 1000.
func naturalSize(n int64) string {
	const base = 1000.0
	v := float64(n)
	if v < base {
		return fmt.Sprintf("%d B", n)
	}
	for _, unit := range []string{"KB", "MB", "GB", "TB", "PB", "EB", "ZB"} {
		v /= base
		if v < base {
			return fmt.Sprintf("%.1f %s", v, unit)
		}
	}
	return fmt.Sprintf("%.1f YB", v/base)
}
