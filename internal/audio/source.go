package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/oszuidwest/zwfm-dbmeter/internal/types"
	"github.com/oszuidwest/zwfm-dbmeter/internal/util"
)

// Sentinel errors for capture sources.
var (
	ErrSourceClosed       = errors.New("audio source closed")
	ErrBackendUnavailable = errors.New("audio backend not compiled in")
)

// Source delivers interleaved stereo 16-bit samples (left first).
// Read blocks for at most one hardware buffer period and returns the number
// of valid samples written to buf. Close unblocks a pending Read.
type Source interface {
	Read(buf []int16) (int, error)
	Close() error
}

// SourceConfig selects and parameterizes a capture backend.
type SourceConfig struct {
	Backend         Backend
	Device          string
	FFmpegPath      string
	SampleRate      int
	FramesPerBuffer int
}

// OpenSource acquires the capture device described by cfg.
func OpenSource(ctx context.Context, cfg SourceConfig) (Source, error) {
	switch cfg.Backend {
	case BackendProcess, "":
		name, args, err := BuildCaptureCommand(cfg.Device, cfg.FFmpegPath, cfg.SampleRate)
		if err != nil {
			return nil, err
		}
		return StartProcessSource(ctx, name, args...)
	case BackendPortAudio:
		return openPortAudio(cfg)
	default:
		return nil, fmt.Errorf("unknown audio backend %q", cfg.Backend)
	}
}

// ReaderSource decodes raw s16le PCM from an io.Reader.
type ReaderSource struct {
	r      io.Reader
	raw    []byte
	closed atomic.Bool
}

// NewReaderSource returns a Source reading little-endian PCM from r.
func NewReaderSource(r io.Reader) *ReaderSource {
	return &ReaderSource{r: r}
}

// Read fills buf with whole samples. A short final read is returned with io.EOF.
func (s *ReaderSource) Read(buf []int16) (int, error) {
	if s.closed.Load() {
		return 0, ErrSourceClosed
	}

	need := len(buf) * 2
	if cap(s.raw) < need {
		s.raw = make([]byte, need)
	}
	raw := s.raw[:need]

	n, err := io.ReadFull(s.r, raw)
	samples := n / 2
	for i := range samples {
		buf[i] = int16(binary.LittleEndian.Uint16(raw[2*i:])) //nolint:gosec // two's complement reinterpretation
	}

	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	if err != nil && s.closed.Load() {
		err = ErrSourceClosed
	}
	return samples, err
}

// Close marks the source closed. Pending reads end once the reader does.
func (s *ReaderSource) Close() error {
	s.closed.Store(true)
	if c, ok := s.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// ProcessSource captures PCM from the stdout of a child process such as arecord or FFmpeg.
type ProcessSource struct {
	*ReaderSource
	cmd       *exec.Cmd
	cancel    context.CancelFunc
	stderr    bytes.Buffer
	closeOnce sync.Once
	closeErr  error
}

// StartProcessSource starts name with args and reads PCM from its stdout.
func StartProcessSource(ctx context.Context, name string, args ...string) (*ProcessSource, error) {
	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, name, args...)

	// Signal first, kill after WaitDelay.
	cmd.Cancel = func() error {
		return util.GracefulSignal(cmd.Process)
	}
	cmd.WaitDelay = types.ShutdownTimeout

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, util.WrapError("open capture stdout", err)
	}

	p := &ProcessSource{
		ReaderSource: NewReaderSource(stdout),
		cmd:          cmd,
		cancel:       cancel,
	}
	cmd.Stderr = &p.stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, util.WrapError("start capture process", err)
	}

	slog.Info("audio capture process started", "command", name, "pid", cmd.Process.Pid)
	return p, nil
}

// Close stops the capture process and waits for it to exit.
func (p *ProcessSource) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.cancel()
		err := p.cmd.Wait()
		// Exit caused by our own signal is not an error.
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			p.closeErr = err
		}
		if msg := util.ExtractLastError(p.stderr.String()); msg != "" {
			slog.Debug("capture process stderr", "message", msg)
		}
	})
	return p.closeErr
}
