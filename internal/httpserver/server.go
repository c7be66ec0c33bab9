package httpserver

import (
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"dirserve/internal/archive"
	"dirserve/internal/auth"
	"dirserve/internal/config"
	"dirserve/internal/fsutil"
	"dirserve/internal/spool"
	"dirserve/internal/transcode"
)

type Options struct {
	Config config.Config
	Cache  *spool.Cache
	Log    *zap.Logger
}

type Server struct {
	cfg      config.Config
	log      *zap.Logger
	cache    *spool.Cache
	encoder  *transcode.Encoder
	composer *archive.Composer
	tmpl     *template.Template
}

//go:embed web/list.html
var embeddedWeb embed.FS

func New(opts Options) (*Server, error) {
	tmpl, err := template.New("list.html").Funcs(template.FuncMap{
		"naturalSize": naturalSize,
	}).ParseFS(embeddedWeb, "web/list.html")
	if err != nil {
		return nil, err
	}
	enc := &transcode.Encoder{
		Path:    opts.Config.Opusenc.Path,
		Bitrate: opts.Config.Opusenc.Bitrate,
	}
	return &Server{
		cfg:     opts.Config,
		log:     opts.Log,
		cache:   opts.Cache,
		encoder: enc,
		composer: &archive.Composer{
			Encoder: enc,
			Cache:   opts.Cache,
			Log:     opts.Log,
		},
		tmpl: tmpl,
	}, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// health
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok\n")
	})

	// read-only WebDAV
	mux.Handle("/dav/", s.davHandler())

	// thumbnails
	mux.HandleFunc("/._thumb", s.handleThumb)

	// everything else: listings, downloads, archives, transcodes
	mux.HandleFunc("/", s.dispatch)

	return auth.RequireAuth(s.cfg, mux)
}

// dispatch routes by path shape. Archive and transcode endpoints live under
// reserved "._tar" / "._opus" segments inside any directory, the way the
// listing links them:
//
//	/music/._tar/music.tar        whole-subtree archive
//	/music/._tar/music.tar.gz     same, gzip'd
//	/music/._tar/music.opus.tar   same, lossless audio transcoded
//	/music/._opus/track.flac      standalone transcode
//	/._tar/root.tar               whole-tree archive
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	dir, marker, name := splitMarker(r.URL.Path)
	switch marker {
	case "._tar":
		s.handleTar(w, r, dir, name)
	case "._opus":
		s.handleOpus(w, r, dir, name)
	default:
		s.handleBrowse(w, r)
	}
}

// splitMarker picks apart "/<dir>/<marker>/<name>" for the reserved markers.
// The marker must be the second-to-last segment.
func splitMarker(p string) (dir, marker, name string) {
	rest, name := path.Split(path.Clean("/" + p))
	rest = strings.TrimSuffix(rest, "/")
	parent, seg := path.Split(rest)
	if seg == "._tar" || seg == "._opus" {
		return strings.Trim(parent, "/"), seg, name
	}
	return "", "", ""
}

func (s *Server) resolve(w http.ResponseWriter, rel string) (string, bool) {
	abs, err := fsutil.Resolve(s.cfg.Root, rel, s.cfg.ShowHidden)
	if err == nil {
		return abs, true
	}
	switch {
	case errors.Is(err, fsutil.ErrMalformedPath):
		http.Error(w, "bad path", http.StatusBadRequest)
	case errors.Is(err, fsutil.ErrOutsideRoot), errors.Is(err, fsutil.ErrHiddenForbidden):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, fsutil.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	default:
		http.Error(w, "lookup failed", http.StatusInternalServerError)
	}
	return "", false
}

func (s *Server) handleBrowse(w http.ResponseWriter, r *http.Request) {
	rel := fsutil.CleanRelPath(r.URL.Path)
	abs, ok := s.resolve(w, rel)
	if !ok {
		return
	}
	st, err := os.Stat(abs)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if st.IsDir() {
		if !strings.HasSuffix(r.URL.Path, "/") {
			http.Redirect(w, r, r.URL.Path+"/", http.StatusMovedPermanently)
			return
		}
		s.renderListing(w, r, rel, abs)
		return
	}
	s.serveFile(w, r, abs, st)
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, abs string, st os.FileInfo) {
	f, err := os.Open(abs)
	if err != nil {
		http.Error(w, "open failed", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	if ct := contentTypeForName(st.Name()); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("Content-Disposition", contentDisposition("inline", st.Name()))
	http.ServeContent(w, r, st.Name(), st.ModTime(), f)
}

func (s *Server) handleTar(w http.ResponseWriter, r *http.Request, dirRel, fileName string) {
	var opts archive.Options
	var base string
	switch {
	case strings.HasSuffix(fileName, ".opus.tar"):
		opts.Transcode = true
		base = strings.TrimSuffix(fileName, ".opus.tar")
	case strings.HasSuffix(fileName, ".tar.gz"):
		opts.Gzip = true
		base = strings.TrimSuffix(fileName, ".tar.gz")
	case strings.HasSuffix(fileName, ".tar"):
		base = strings.TrimSuffix(fileName, ".tar")
	default:
		http.NotFound(w, r)
		return
	}
	if base == "" {
		http.NotFound(w, r)
		return
	}
	abs, ok := s.resolve(w, dirRel)
	if !ok {
		return
	}
	opts.ShowHidden = s.cfg.ShowHidden
	// A whole-tree export keeps entries at the archive root; any subtree is
	// wrapped in one named top-level directory.
	if dirRel != "" {
		opts.Prefix = base
	}

	if opts.Gzip {
		w.Header().Set("Content-Type", archive.GzipMIME)
	} else {
		w.Header().Set("Content-Type", archive.TarMIME)
	}
	w.Header().Set("Content-Disposition", contentDisposition("attachment", fileName))

	if err := s.composer.Compose(r.Context(), w, abs, opts); err != nil {
		// Bytes are already on the wire; the aborted chunked body is the
		// client's truncation signal.
		if r.Context().Err() != nil {
			s.log.Debug("archive aborted by client", zap.String("path", r.URL.Path))
			return
		}
		s.log.Error("archive failed mid-stream", zap.String("path", r.URL.Path), zap.Error(err))
	}
}

func (s *Server) handleOpus(w http.ResponseWriter, r *http.Request, dirRel, fileName string) {
	rel := path.Join(dirRel, fileName)
	abs, ok := s.resolve(w, rel)
	if !ok {
		return
	}
	st, err := os.Stat(abs)
	if err != nil || st.IsDir() {
		http.NotFound(w, r)
		return
	}
	format, err := transcode.SniffFile(abs)
	if err != nil {
		http.Error(w, "open failed", http.StatusInternalServerError)
		return
	}
	if !format.Encodable() {
		// Already opus, or not audio we can encode: serve it as is.
		s.serveFile(w, r, abs, st)
		return
	}

	stream, err := s.encoder.Stream(r.Context(), abs)
	if err != nil {
		s.log.Error("encoder launch failed", zap.String("path", rel), zap.Error(err))
		http.Error(w, "encoder unavailable", http.StatusInternalServerError)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "audio/ogg")
	w.Header().Set("Content-Disposition", contentDisposition("inline", archive.OpusName(fileName)))
	if _, err := io.Copy(newFlushWriter(w), stream); err != nil {
		if r.Context().Err() != nil {
			s.log.Debug("transcode aborted by client", zap.String("path", rel))
			return
		}
		s.log.Error("transcode failed mid-stream", zap.String("path", rel), zap.Error(err))
	}
}

// flushWriter pushes encoder output out as it arrives so playback can start
// before the encode finishes.
type flushWriter struct {
	w  io.Writer
	rc *http.ResponseController
}

func newFlushWriter(w http.ResponseWriter) *flushWriter {
	return &flushWriter{w: w, rc: http.NewResponseController(w)}
}

func (f *flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if n > 0 {
		_ = f.rc.Flush()
	}
	return n, err
}

// --- helpers ---

func contentTypeForName(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return ""
	}
	switch ext {
	// audio the transcoder cares about; registered explicitly so sparse
	// system mime tables cannot misreport them
	case ".flac":
		return "audio/flac"
	case ".opus", ".ogg":
		return "audio/ogg"
	case ".wav":
		return "audio/wav"
	case ".aiff", ".aif":
		return "audio/x-aiff"
	case ".mp3":
		return "audio/mpeg"
	case ".m4a":
		return "audio/mp4"
	// archives
	case ".tar":
		return "application/x-tar"
	case ".gz":
		return "application/gzip"
	case ".zip":
		return "application/zip"
	// source and text render inline
	case ".txt", ".log", ".md", ".json", ".yaml", ".yml", ".toml", ".ini", ".cfg", ".conf",
		".go", ".py", ".rs", ".c", ".h", ".cc", ".cpp", ".hh", ".sh", ".bash", ".awk",
		".sql", ".pl", ".pm", ".tcl", ".tk", ".js", ".ts", ".css", ".html":
		return "text/plain; charset=utf-8"
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return ""
}

// contentDisposition builds the header with the extended filename parameter
// (RFC 5987 filename*), so non-ASCII names survive.
func contentDisposition(disposition, filename string) string {
	return fmt.Sprintf("%s; filename*=utf-8''%s", disposition, pctEncode(filename))
}

// pctEncode percent-encodes everything outside RFC 5987 attr-char.
func pctEncode(s string) string {
	const hexdigit = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteByte(c)
		case strings.IndexByte("!#$&+-.^_`|~", c) >= 0:
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(hexdigit[c>>4])
			b.WriteByte(hexdigit[c&0xf])
		}
	}
	return b.String()
}
