package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dirserve/internal/spool"
	"dirserve/internal/transcode"
)

// stubEncoder mimics the opusenc CLI: --padding 0 --bitrate N src dst.
func stubEncoder(t *testing.T) *transcode.Encoder {
	t.Helper()
	p := filepath.Join(t.TempDir(), "opusenc")
	script := `#!/bin/sh
shift 4
{ printf 'OggS'; cat "$1"; } > "$2"
`
	require.NoError(t, os.WriteFile(p, []byte(script), 0o755))
	return &transcode.Encoder{Path: p, Bitrate: 160}
}

func newComposer(t *testing.T) *Composer {
	t.Helper()
	cache, err := spool.New(filepath.Join(t.TempDir(), "cache"))
	require.NoError(t, err)
	return &Composer{
		Encoder: stubEncoder(t),
		Cache:   cache,
		Log:     zap.NewNop(),
	}
}

// scenarioTree builds: a.txt (10 bytes), sub/b.flac (sniffs as flac),
// .secret (hidden).
func scenarioTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("0123456789"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "b.flac"), []byte("fLaC-audio-bytes"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".secret"), []byte("shh"), 0o644))
	return root
}

type entry struct {
	typeflag byte
	linkname string
	content  string
}

func parseTar(t *testing.T, b []byte) map[string]entry {
	t.Helper()
	out := map[string]entry{}
	tr := tar.NewReader(bytes.NewReader(b))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		content, err := io.ReadAll(tr)
		require.NoError(t, err)
		out[hdr.Name] = entry{typeflag: hdr.Typeflag, linkname: hdr.Linkname, content: string(content)}
	}
}

func TestComposePlain(t *testing.T) {
	c := newComposer(t)
	root := scenarioTree(t)

	var buf bytes.Buffer
	require.NoError(t, c.Compose(context.Background(), &buf, root, Options{}))

	b := buf.Bytes()
	assert.Zero(t, len(b)%512)
	assert.Equal(t, make([]byte, 1024), b[len(b)-1024:])

	got := parseTar(t, b)
	require.Len(t, got, 3)
	assert.Equal(t, "0123456789", got["a.txt"].content)
	assert.Equal(t, byte(tar.TypeDir), got["sub/"].typeflag)
	assert.Equal(t, "fLaC-audio-bytes", got["sub/b.flac"].content)
	assert.NotContains(t, got, ".secret")
}

func TestComposeTranscoded(t *testing.T) {
	c := newComposer(t)
	root := scenarioTree(t)

	var buf bytes.Buffer
	require.NoError(t, c.Compose(context.Background(), &buf, root, Options{Transcode: true}))

	got := parseTar(t, buf.Bytes())
	require.Len(t, got, 3)
	assert.Equal(t, "0123456789", got["a.txt"].content, "non-audio passes through verbatim")
	assert.Equal(t, "OggS"+"fLaC-audio-bytes", got["sub/b.opus"].content,
		"member size must equal the drained encoder output")
	assert.NotContains(t, got, "sub/b.flac")
	assert.NotContains(t, got, ".secret")
}

func TestComposeHiddenIncludedOnRequest(t *testing.T) {
	c := newComposer(t)
	root := scenarioTree(t)

	var buf bytes.Buffer
	require.NoError(t, c.Compose(context.Background(), &buf, root, Options{ShowHidden: true}))
	got := parseTar(t, buf.Bytes())
	assert.Contains(t, got, ".secret")
}

func TestComposeHiddenDirFullySkipped(t *testing.T) {
	c := newComposer(t)
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".private"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".private", "visible.txt"), []byte("v"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "ok.txt"), []byte("ok"), 0o644))

	var buf bytes.Buffer
	require.NoError(t, c.Compose(context.Background(), &buf, root, Options{}))
	got := parseTar(t, buf.Bytes())
	require.Len(t, got, 1)
	assert.Contains(t, got, "ok.txt")
}

func TestComposePrefix(t *testing.T) {
	c := newComposer(t)
	root := scenarioTree(t)

	var buf bytes.Buffer
	require.NoError(t, c.Compose(context.Background(), &buf, root, Options{Prefix: "top"}))
	got := parseTar(t, buf.Bytes())
	assert.Equal(t, byte(tar.TypeDir), got["top/"].typeflag)
	assert.Equal(t, "0123456789", got["top/a.txt"].content)
	assert.Equal(t, "fLaC-audio-bytes", got["top/sub/b.flac"].content)
}

func TestComposeIdempotent(t *testing.T) {
	c := newComposer(t)
	root := scenarioTree(t)

	build := func(opts Options) []byte {
		var buf bytes.Buffer
		require.NoError(t, c.Compose(context.Background(), &buf, root, opts))
		return buf.Bytes()
	}
	assert.Equal(t, build(Options{}), build(Options{}))
	// The second transcoded pass reads the spool cache; output stays
	// byte-identical.
	assert.Equal(t, build(Options{Transcode: true}), build(Options{Transcode: true}))
}

func TestComposeGzip(t *testing.T) {
	c := newComposer(t)
	root := scenarioTree(t)

	var buf bytes.Buffer
	require.NoError(t, c.Compose(context.Background(), &buf, root, Options{Gzip: true}))

	gr, err := gzip.NewReader(&buf)
	require.NoError(t, err)
	raw, err := io.ReadAll(gr)
	require.NoError(t, err)
	require.NoError(t, gr.Close())

	assert.Zero(t, len(raw)%512)
	got := parseTar(t, raw)
	assert.Equal(t, "0123456789", got["a.txt"].content)
}

func TestComposeSymlinkMember(t *testing.T) {
	c := newComposer(t)
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "real.txt"), []byte("r"), 0o644))
	require.NoError(t, os.Symlink("real.txt", filepath.Join(root, "alias")))

	var buf bytes.Buffer
	require.NoError(t, c.Compose(context.Background(), &buf, root, Options{}))
	got := parseTar(t, buf.Bytes())
	require.Contains(t, got, "alias")
	assert.Equal(t, byte(tar.TypeSymlink), got["alias"].typeflag)
	assert.Equal(t, "real.txt", got["alias"].linkname)
	// Symlinks are leaves: the target's content appears once, under its own
	// name only.
	assert.Equal(t, "r", got["real.txt"].content)
	assert.Empty(t, got["alias"].content)
}

func TestComposeSingleFile(t *testing.T) {
	c := newComposer(t)
	root := t.TempDir()
	src := filepath.Join(root, "song.flac")
	require.NoError(t, os.WriteFile(src, []byte("fLaC-solo"), 0o644))

	var buf bytes.Buffer
	require.NoError(t, c.Compose(context.Background(), &buf, src, Options{Transcode: true}))
	got := parseTar(t, buf.Bytes())
	require.Len(t, got, 1)
	assert.Equal(t, "OggS"+"fLaC-solo", got["song.opus"].content)
}

func TestComposeCancelled(t *testing.T) {
	c := newComposer(t)
	root := scenarioTree(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var buf bytes.Buffer
	err := c.Compose(ctx, &buf, root, Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestComposeEncoderFailureOmitsMember(t *testing.T) {
	cacheDir := filepath.Join(t.TempDir(), "cache")
	cache, err := spool.New(cacheDir)
	require.NoError(t, err)
	bad := filepath.Join(t.TempDir(), "opusenc")
	require.NoError(t, os.WriteFile(bad, []byte("#!/bin/sh\nexit 1\n"), 0o755))
	c := &Composer{
		Encoder: &transcode.Encoder{Path: bad, Bitrate: 160},
		Cache:   cache,
		Log:     zap.NewNop(),
	}
	root := scenarioTree(t)

	var buf bytes.Buffer
	require.NoError(t, c.Compose(context.Background(), &buf, root, Options{Transcode: true}))
	got := parseTar(t, buf.Bytes())
	// The failed member is omitted whole, never emitted truncated.
	assert.NotContains(t, got, "sub/b.opus")
	assert.NotContains(t, got, "sub/b.flac")
	assert.Equal(t, "0123456789", got["a.txt"].content)

	// No abandoned temp spools either.
	temps, err := os.ReadDir(filepath.Join(cacheDir, "tmp"))
	require.NoError(t, err)
	assert.Empty(t, temps)
}
