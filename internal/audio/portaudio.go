//go:build portaudio

package audio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// PortAudioSource captures interleaved stereo int16 samples through PortAudio.
type PortAudioSource struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	buf    []int16
	closed bool
}

func openPortAudio(cfg SourceConfig) (Source, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}

	frames := max(cfg.FramesPerBuffer, 1)
	buf := make([]int16, frames*Channels)

	stream, err := openPortAudioStream(cfg, frames, buf)
	if err != nil {
		_ = portaudio.Terminate() //nolint:errcheck // already failing
		return nil, err
	}

	if err := stream.Start(); err != nil {
		_ = stream.Close()        //nolint:errcheck // already failing
		_ = portaudio.Terminate() //nolint:errcheck // already failing
		return nil, fmt.Errorf("start portaudio stream: %w", err)
	}

	return &PortAudioSource{stream: stream, buf: buf}, nil
}

// openPortAudioStream opens the named input device, or the default one when no name is set.
func openPortAudioStream(cfg SourceConfig, frames int, buf []int16) (*portaudio.Stream, error) {
	if cfg.Device == "" {
		stream, err := portaudio.OpenDefaultStream(Channels, 0, float64(cfg.SampleRate), frames, buf)
		if err != nil {
			return nil, fmt.Errorf("open default portaudio stream: %w", err)
		}
		return stream, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list portaudio devices: %w", err)
	}
	for _, info := range devices {
		if info.Name != cfg.Device || info.MaxInputChannels < Channels {
			continue
		}
		p := portaudio.HighLatencyParameters(info, nil)
		p.Input.Channels = Channels
		p.SampleRate = float64(cfg.SampleRate)
		p.FramesPerBuffer = frames
		stream, err := portaudio.OpenStream(p, buf)
		if err != nil {
			return nil, fmt.Errorf("open portaudio stream on %q: %w", cfg.Device, err)
		}
		return stream, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrNoAudioDevice, cfg.Device)
}

// Read blocks for one PortAudio buffer and copies it into dst.
func (s *PortAudioSource) Read(dst []int16) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrSourceClosed
	}
	if err := s.stream.Read(); err != nil {
		return 0, err
	}
	return copy(dst, s.buf), nil
}

// Close stops the stream. It waits for an in-flight Read to finish first.
func (s *PortAudioSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return errors.Join(s.stream.Stop(), s.stream.Close(), portaudio.Terminate())
}
