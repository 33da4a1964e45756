package device

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// defaultSilentFrames is used when a config leaves FramesPerBuffer at zero.
const defaultSilentFrames = 320

// Silent is a [Backend] without hardware. Capture streams deliver silence
// (or whatever the optional generator writes) and output streams pull and
// discard audio, both paced by the wall clock at the configured rate.
type Silent struct {
	// Generator, if set, fills each capture buffer before it reaches the sink.
	// It runs on the stream's goroutine.
	Generator func(buf []float32)
}

var _ Backend = (*Silent)(nil)

// NewSilent creates a Silent backend that captures pure silence.
func NewSilent() *Silent { return &Silent{} }

// OpenCapture implements [Backend]. The stream is returned stopped.
func (s *Silent) OpenCapture(ctx context.Context, cfg CaptureConfig, sink func([]float32)) (Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("device: open capture: %w", err)
	}
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("device: open capture: invalid sample rate %d", cfg.SampleRate)
	}
	gen := s.Generator
	st := newTickStream(cfg.SampleRate, cfg.FramesPerBuffer, func(buf []float32) {
		clear(buf)
		if gen != nil {
			gen(buf)
		}
		sink(buf)
	})
	return st, nil
}

// OpenOutput implements [Backend]. The stream is started immediately.
func (s *Silent) OpenOutput(ctx context.Context, cfg OutputConfig, src func([]float32)) (Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("device: open output: %w", err)
	}
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("device: open output: invalid sample rate %d", cfg.SampleRate)
	}
	st := newTickStream(cfg.SampleRate, cfg.FramesPerBuffer, src)
	if err := st.Start(); err != nil {
		return nil, err
	}
	return st, nil
}

// tickStream invokes cb with a fixed-size buffer once per buffer period.
type tickStream struct {
	period time.Duration
	buf    []float32
	cb     func([]float32)

	mu     sync.Mutex
	stop   chan struct{}
	done   chan struct{}
	closed bool
}

func newTickStream(rate, frames int, cb func([]float32)) *tickStream {
	if frames <= 0 {
		frames = defaultSilentFrames
	}
	return &tickStream{
		period: time.Duration(frames) * time.Second / time.Duration(rate),
		buf:    make([]float32, frames),
		cb:     cb,
	}
}

func (t *tickStream) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.stop != nil {
		return nil
	}
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	go t.loop(t.stop, t.done)
	return nil
}

func (t *tickStream) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.cb(t.buf)
		}
	}
}

func (t *tickStream) Stop() error {
	t.mu.Lock()
	stop, done := t.stop, t.done
	t.stop, t.done = nil, nil
	t.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}

func (t *tickStream) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return t.Stop()
}
