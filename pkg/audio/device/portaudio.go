package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// PortAudio is a [Backend] backed by the system's default PortAudio devices.
// The library is initialised when the first stream opens and terminated when
// the last one closes.
type PortAudio struct {
	mu   sync.Mutex
	refs int
}

var _ Backend = (*PortAudio)(nil)

// NewPortAudio creates a PortAudio backend. No device is touched until a
// stream is opened.
func NewPortAudio() *PortAudio { return &PortAudio{} }

func (p *PortAudio) acquire() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refs == 0 {
		if err := portaudio.Initialize(); err != nil {
			return fmt.Errorf("device: portaudio initialize: %w", err)
		}
	}
	p.refs++
	return nil
}

func (p *PortAudio) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refs == 0 {
		return
	}
	p.refs--
	if p.refs == 0 {
		_ = portaudio.Terminate()
	}
}

// OpenCapture opens the default input device as a mono float32 callback
// stream. The stream is returned stopped.
func (p *PortAudio) OpenCapture(ctx context.Context, cfg CaptureConfig, sink func([]float32)) (Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("device: open capture: %w", err)
	}
	if err := p.acquire(); err != nil {
		return nil, err
	}
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(cfg.SampleRate), cfg.FramesPerBuffer, func(in []float32) {
		sink(in)
	})
	if err != nil {
		p.release()
		return nil, fmt.Errorf("device: open capture: %w", err)
	}
	return &paStream{stream: stream, owner: p}, nil
}

// OpenOutput opens the default output device as a mono float32 callback
// stream and starts it.
func (p *PortAudio) OpenOutput(ctx context.Context, cfg OutputConfig, src func([]float32)) (Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("device: open output: %w", err)
	}
	if err := p.acquire(); err != nil {
		return nil, err
	}
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(cfg.SampleRate), cfg.FramesPerBuffer, func(out []float32) {
		src(out)
	})
	if err != nil {
		p.release()
		return nil, fmt.Errorf("device: open output: %w", err)
	}
	s := &paStream{stream: stream, owner: p}
	if err := s.Start(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// paStream wraps one PortAudio callback stream.
type paStream struct {
	mu      sync.Mutex
	stream  *portaudio.Stream
	owner   *PortAudio
	running bool
	closed  bool
}

func (s *paStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.running {
		return nil
	}
	if err := s.stream.Start(); err != nil {
		return fmt.Errorf("device: start stream: %w", err)
	}
	s.running = true
	return nil
}

func (s *paStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.running {
		return nil
	}
	s.running = false
	if err := s.stream.Stop(); err != nil {
		return fmt.Errorf("device: stop stream: %w", err)
	}
	return nil
}

func (s *paStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var stopErr error
	if s.running {
		s.running = false
		stopErr = s.stream.Stop()
	}
	closeErr := s.stream.Close()
	s.owner.release()
	if stopErr != nil {
		return fmt.Errorf("device: stop stream: %w", stopErr)
	}
	if closeErr != nil {
		return fmt.Errorf("device: close stream: %w", closeErr)
	}
	return nil
}
