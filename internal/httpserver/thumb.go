package httpserver

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	// decoders
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"dirserve/internal/fsutil"
)

const thumbMax = 256

func (s *Server) handleThumb(w http.ResponseWriter, r *http.Request) {
	rel := fsutil.CleanRelPath(r.URL.Query().Get("path"))
	abs, ok := s.resolve(w, rel)
	if !ok {
		return
	}
	st, err := os.Stat(abs)
	if err != nil || st.IsDir() || !isImageExt(strings.ToLower(filepath.Ext(abs))) {
		http.NotFound(w, r)
		return
	}

	// Renders are cached next to the transcode spools, keyed by path+mtime so
	// an edited image re-renders.
	key := fmt.Sprintf("%s-%d.jpg", safeKey(rel), st.ModTime().Unix())
	cached := filepath.Join(s.cache.ThumbDir(), key)
	if b, err := os.ReadFile(cached); err == nil {
		serveThumb(w, b)
		return
	}
	b, err := renderThumb(abs, thumbMax)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	_ = os.WriteFile(cached, b, 0o644)
	serveThumb(w, b)
}

func serveThumb(w http.ResponseWriter, b []byte) {
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write(b)
}

func isImageExt(ext string) bool {
	switch ext {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return true
	}
	return false
}

func safeKey(rel string) string {
	rel = strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(rel)
	if rel == "" {
		return "root"
	}
	return rel
}

func renderThumb(absPath string, max int) ([]byte, error) {
	f, err := os.Open(absPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= 0 || h <= 0 {
		return nil, os.ErrInvalid
	}

	nw, nh := fitWithin(w, h, max)
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: 82}); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// fitWithin scales (w, h) down proportionally so the longer side is at most
// max; never scales up, never returns a zero dimension.
func fitWithin(w, h, max int) (int, int) {
	long, short := w, h
	if h > w {
		long, short = h, w
	}
	if long <= max {
		return w, h
	}
	scaled := short * max / long
	if scaled < 1 {
		scaled = 1
	}
	if w >= h {
		return max, scaled
	}
	return scaled, max
}
