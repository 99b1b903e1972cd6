// Package capture wraps the ffmpeg subprocess that records selected sources into
// rolling, fixed-length segment files, plus the post-processing ffmpeg jobs
// (concatenation, duration probing, enhancement) that operate on those files.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sjawhar/ghost-minutes/internal/storage"
)

const (
	defaultStartupGrace = 500 * time.Millisecond
	stderrTailBytes     = 4096

	defaultSampleRate = 16000
	pcmChannels       = 1
	pcmBitDepth       = 16
)

// ErrUnavailable means the encoder binary could not be found or launched.
var ErrUnavailable = errors.New("capture backend unavailable")

type StartRequest struct {
	Sources      []storage.Source
	ChunkSeconds int
	StartIndex   int
	SegmentsDir  string
}

// Handle is a running capture. Stop may be called after the process already exited.
type Handle interface {
	Stop(timeout time.Duration) error
	Done() <-chan struct{}
}

type Capturer interface {
	Start(ctx context.Context, req StartRequest) (Handle, error)
}

// FFmpeg records sources with the ffmpeg segment muxer.
type FFmpeg struct {
	Binary     string
	Probe      string
	SampleRate int
	// StartupGrace is how long Start watches for an immediate exit, which is
	// how ffmpeg reports a bad device or input format.
	StartupGrace time.Duration

	command func(name string, args ...string) *exec.Cmd
}

func NewFFmpeg(binary, probe string) *FFmpeg {
	if strings.TrimSpace(binary) == "" {
		binary = "ffmpeg"
	}
	if strings.TrimSpace(probe) == "" {
		probe = "ffprobe"
	}
	return &FFmpeg{
		Binary:       binary,
		Probe:        probe,
		SampleRate:   defaultSampleRate,
		StartupGrace: defaultStartupGrace,
		command:      exec.Command,
	}
}

func (f *FFmpeg) Start(_ context.Context, req StartRequest) (Handle, error) {
	if len(req.Sources) == 0 {
		return nil, errors.New("capture: at least one source is required")
	}
	if req.ChunkSeconds <= 0 {
		return nil, fmt.Errorf("capture: invalid chunk length %d", req.ChunkSeconds)
	}
	if _, err := exec.LookPath(f.Binary); err != nil {
		return nil, fmt.Errorf("%w: %s not found in PATH (install ffmpeg or set ffmpeg_path)", ErrUnavailable, f.Binary)
	}
	if err := os.MkdirAll(req.SegmentsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create segments directory: %w", err)
	}

	cmd := f.command(f.Binary, f.recordArgs(req)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("capture stdin pipe: %w", err)
	}
	stderr := &tailBuffer{limit: stderrTailBytes}
	cmd.Stdout = io.Discard
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", ErrUnavailable, f.Binary, err)
	}
	h := newProcessHandle(cmd, stdin, stderr)

	if f.StartupGrace > 0 {
		grace := time.NewTimer(f.StartupGrace)
		defer grace.Stop()
		select {
		case <-h.Done():
			return nil, fmt.Errorf("%w: %s exited during startup: %s", ErrUnavailable, f.Binary, stderr.Tail())
		case <-grace.C:
		}
	}

	slog.Info("capture started", "sources", len(req.Sources), "start_index", req.StartIndex, "dir", req.SegmentsDir)
	return h, nil
}

func (f *FFmpeg) recordArgs(req StartRequest) []string {
	sampleRate := f.SampleRate
	if sampleRate <= 0 {
		sampleRate = defaultSampleRate
	}

	args := []string{"-hide_banner", "-nostats", "-loglevel", "error", "-y"}
	for _, src := range req.Sources {
		args = append(args, "-f", src.Format, "-i", src.Device)
	}

	if n := len(req.Sources); n > 1 {
		var inputs strings.Builder
		for i := 0; i < n; i++ {
			fmt.Fprintf(&inputs, "[%d:a]", i)
		}
		args = append(args,
			"-filter_complex", fmt.Sprintf("%samix=inputs=%d:duration=longest:dropout_transition=0[aout]", inputs.String(), n),
			"-map", "[aout]",
		)
	}

	args = append(args,
		"-ac", strconv.Itoa(pcmChannels),
		"-ar", strconv.Itoa(sampleRate),
		"-c:a", "pcm_s16le",
		"-f", "segment",
		"-segment_time", strconv.Itoa(req.ChunkSeconds),
		"-segment_start_number", strconv.Itoa(req.StartIndex),
		"-reset_timestamps", "1",
		filepath.Join(req.SegmentsDir, segmentPattern),
	)
	return args
}

type processHandle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *tailBuffer
	done   chan struct{}

	mu      sync.Mutex
	stopped bool
}

func newProcessHandle(cmd *exec.Cmd, stdin io.WriteCloser, stderr *tailBuffer) *processHandle {
	h := &processHandle{cmd: cmd, stdin: stdin, stderr: stderr, done: make(chan struct{})}
	go func() {
		if err := cmd.Wait(); err != nil {
			slog.Debug("capture process exited", "error", err, "stderr", h.stderrTail())
		}
		close(h.done)
	}()
	return h
}

func (h *processHandle) Done() <-chan struct{} {
	return h.done
}

func (h *processHandle) stderrTail() string {
	if h.stderr == nil {
		return ""
	}
	return h.stderr.Tail()
}

// Stop asks ffmpeg to finish the current segment ("q" on stdin), waits up to
// timeout, then kills the process.
func (h *processHandle) Stop(timeout time.Duration) error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		<-h.done
		return nil
	}
	h.stopped = true
	h.mu.Unlock()

	select {
	case <-h.done:
		return nil
	default:
	}

	if h.stdin != nil {
		_, _ = io.WriteString(h.stdin, "q\n")
		_ = h.stdin.Close()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-h.done:
		return nil
	case <-timer.C:
	}

	slog.Warn("capture did not exit in time, killing", "timeout", timeout)
	if h.cmd.Process != nil {
		if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("kill capture process: %w", err)
		}
	}

	select {
	case <-h.done:
		return nil
	case <-time.After(5 * time.Second):
		return errors.New("capture process did not exit after kill")
	}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

// Tail returns the buffered output, trimmed, or "no output" when empty.
func (b *tailBuffer) Tail() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := strings.TrimSpace(string(b.buf))
	if out == "" {
		return "no output"
	}
	return out
}
