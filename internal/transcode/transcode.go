// Package transcode runs an external opus encoder over lossless audio
// sources, exposing its output either as a live stream (standalone HTTP
// bodies) or encoded to a file (spooled archive members, whose exact size
// must be known before their tar header is written).
package transcode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
)

var (
	// ErrEncoderNotFound means the encoder binary could not be launched.
	ErrEncoderNotFound = errors.New("transcode: encoder not found")
	// ErrIncomplete means the encoder exited nonzero after its output was
	// already (partially) consumed. Not safe to retry mid-stream: the bytes
	// are gone, the transport has to surface the truncation.
	ErrIncomplete = errors.New("transcode: incomplete output")
)

// Encoder invokes the external opus encoder. The zero value is not usable;
// fill Path and Bitrate (config supplies defaults).
type Encoder struct {
	// Path is the encoder binary.
	Path string
	// Bitrate in kbit/s.
	Bitrate int
}

func (e *Encoder) args(src, dst string) []string {
	return []string{"--padding", "0", "--bitrate", strconv.Itoa(e.Bitrate), src, dst}
}

// Stream starts one encoder subprocess for src and returns its stdout as a
// stream. Stdin is closed, stderr discarded. The exit status is checked only
// once the output is fully drained; a failure at that point surfaces as
// ErrIncomplete from Read. Close kills the subprocess if it is still running
// and always reaps it, so an abandoned stream never leaks a process.
// Cancelling ctx kills the subprocess too.
func (e *Encoder) Stream(ctx context.Context, src string) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, e.Path, e.args(src, "-")...)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoderNotFound, err)
	}
	return &job{cmd: cmd, out: out}, nil
}

// Encode runs the encoder to completion, writing to dst. Used for spooling:
// the caller learns the exact output size from the finished file before any
// header bytes are emitted. dst cleanup on failure is the caller's job.
func (e *Encoder) Encode(ctx context.Context, src, dst string) error {
	cmd := exec.CommandContext(ctx, e.Path, e.args(src, dst)...)
	err := cmd.Run()
	if err == nil {
		return nil
	}
	var exit *exec.ExitError
	if errors.As(err, &exit) {
		return fmt.Errorf("transcode: encoder exited: %w", err)
	}
	return fmt.Errorf("%w: %v", ErrEncoderNotFound, err)
}

// job is one running encoder subprocess viewed as a content source.
type job struct {
	cmd  *exec.Cmd
	out  io.ReadCloser
	once sync.Once
	werr error
}

func (j *job) wait() error {
	j.once.Do(func() { j.werr = j.cmd.Wait() })
	return j.werr
}

func (j *job) Read(p []byte) (int, error) {
	n, err := j.out.Read(p)
	if err == io.EOF {
		if werr := j.wait(); werr != nil {
			return n, fmt.Errorf("%w: %v", ErrIncomplete, werr)
		}
	}
	return n, err
}

// Close releases the subprocess on every exit path: normal completion is a
// no-op kill, early abandonment kills the encoder within bounded time, and
// the process is always reaped.
func (j *job) Close() error {
	_ = j.out.Close()
	if j.cmd.Process != nil {
		_ = j.cmd.Process.Kill()
	}
	_ = j.wait()
	return nil
}
