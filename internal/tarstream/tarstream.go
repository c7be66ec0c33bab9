// Package tarstream writes a streaming POSIX tar to an io.Writer, one member
// at a time, without seeking or buffering whole members. The format needs no
// preamble; a stream is just headers, 512-byte-aligned content, and a
// two-block zero trailer, so the total length is always a multiple of 512.
//
// Member sizes must be exact before a header is written. Content whose length
// is only known after production (transcoder output) has to be spooled by the
// caller first; tar has no trailing size correction in the variant used here.
// Names longer than the classic 100-byte field are carried in PAX records
// rather than silently truncated.
package tarstream

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"
	"time"
)

// ErrBadName rejects member names that are absolute, empty, or escape the
// archive root after cleaning.
var ErrBadName = errors.New("tarstream: bad member name")

// Member describes one archive entry before its content is written.
type Member struct {
	// Name is the slash-based relative path of the entry inside the archive.
	Name    string
	Size    int64
	Mode    fs.FileMode
	ModTime time.Time
}

// Filter reports whether a member name should be included. A nil Filter
// includes everything. Excluded members are skipped entirely: no header, no
// content, never a zeroed-out placeholder.
type Filter func(name string) bool

// Writer is a stateful, single-use encoder. Create with NewWriter, add
// members, then Close to emit the trailer. It is not safe for concurrent use;
// members must not interleave.
type Writer struct {
	tw     *tar.Writer
	filter Filter
}

func NewWriter(w io.Writer, filter Filter) *Writer {
	return &Writer{tw: tar.NewWriter(w), filter: filter}
}

func cleanName(name string) (string, error) {
	name = strings.TrimPrefix(path.Clean("/"+name), "/")
	if name == "" || name == "." {
		return "", ErrBadName
	}
	return name, nil
}

func (w *Writer) header(m Member, typeflag byte) (*tar.Header, bool, error) {
	name, err := cleanName(m.Name)
	if err != nil {
		return nil, false, err
	}
	if w.filter != nil && !w.filter(name) {
		return nil, false, nil
	}
	return &tar.Header{
		Typeflag: typeflag,
		Name:     name,
		Size:     m.Size,
		Mode:     int64(m.Mode.Perm()),
		ModTime:  m.ModTime,
		Format:   tar.FormatPAX,
	}, true, nil
}

// WriteFile emits one header block and exactly m.Size bytes of content from
// r, padded to the next block boundary. A short or long read is an error: the
// header has already been committed to the stream, so a mismatch would
// corrupt every member after it.
func (w *Writer) WriteFile(m Member, r io.Reader) error {
	hdr, ok, err := w.header(m, tar.TypeReg)
	if err != nil || !ok {
		return err
	}
	if err := w.tw.WriteHeader(hdr); err != nil {
		return err
	}
	n, err := io.Copy(w.tw, io.LimitReader(r, m.Size))
	if err != nil {
		return err
	}
	if n != m.Size {
		return fmt.Errorf("tarstream: %s: wrote %d of %d bytes", hdr.Name, n, m.Size)
	}
	return nil
}

// WriteDir emits a directory member: a single header block, no content.
func (w *Writer) WriteDir(m Member) error {
	m.Size = 0
	hdr, ok, err := w.header(m, tar.TypeDir)
	if err != nil || !ok {
		return err
	}
	hdr.Name += "/"
	return w.tw.WriteHeader(hdr)
}

// WriteSymlink emits a symlink member pointing at target. The target is
// recorded verbatim; it is the reader's business whether to trust it.
func (w *Writer) WriteSymlink(m Member, target string) error {
	m.Size = 0
	hdr, ok, err := w.header(m, tar.TypeSymlink)
	if err != nil || !ok {
		return err
	}
	hdr.Linkname = target
	return w.tw.WriteHeader(hdr)
}

// Close flushes the final member's padding and writes the terminating two
// all-zero blocks. Nothing may be written after Close.
func (w *Writer) Close() error {
	return w.tw.Close()
}
