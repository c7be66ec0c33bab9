package transcode

import (
	"bytes"
	"io"
	"os"
)

// SniffLen is how many leading bytes eligibility detection needs.
const SniffLen = 12

// Format is the sniffed audio container of a source file. Detection goes by
// content, never by extension (extensions are whatever the uploader felt like).
type Format int

const (
	Unknown Format = iota
	FLAC
	WAV
	AIFF
	// Ogg covers anything already in an ogg container (opus included); such
	// input is passed through untouched instead of re-encoded.
	Ogg
)

// MIME returns the media type for a sniffed format, or "" for Unknown.
func (f Format) MIME() string {
	switch f {
	case FLAC:
		return "audio/flac"
	case WAV:
		return "audio/basic"
	case AIFF:
		return "audio/x-aiff"
	case Ogg:
		return "audio/ogg"
	}
	return ""
}

// Encodable reports whether a format is a lossless source worth feeding to
// the encoder.
func (f Format) Encodable() bool {
	switch f {
	case FLAC, WAV, AIFF:
		return true
	}
	return false
}

// Sniff classifies the first bytes of a file. b may be shorter than SniffLen.
func Sniff(b []byte) Format {
	switch {
	case bytes.HasPrefix(b, []byte("fLaC")):
		return FLAC
	case bytes.HasPrefix(b, []byte("RIFF")) && len(b) >= 12 && bytes.Equal(b[8:12], []byte("WAVE")):
		return WAV
	case bytes.HasPrefix(b, []byte("FORM")) && len(b) >= 12 && bytes.Equal(b[8:12], []byte("AIFF")):
		return AIFF
	case bytes.HasPrefix(b, []byte("OggS")):
		return Ogg
	}
	return Unknown
}

// SniffFile reads the signature bytes of path and classifies them.
func SniffFile(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return Unknown, err
	}
	defer f.Close()

	buf := make([]byte, SniffLen)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return Unknown, err
	}
	return Sniff(buf[:n]), nil
}
