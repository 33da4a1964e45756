// Package mock provides in-memory implementations of the [device.Backend],
// [device.Capture] and [device.Output] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts, and they expose exported fields that the
// test can set to control return values. Instead of a hardware clock, the test
// drives the callbacks directly:
//
//	b := &mock.Backend{}
//	// ... code under test opens devices through b ...
//	b.Capture().Push(make([]float32, 800)) // deliver one capture callback
//	out := b.Output().Pull(480)            // run one output cycle
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/raksha/pkg/audio/device"
)

// ─── Backend ──────────────────────────────────────────────────────────────────

// Backend is a mock implementation of [device.Backend].
type Backend struct {
	mu sync.Mutex

	// OpenCaptureErr is returned by [Backend.OpenCapture] when non-nil.
	OpenCaptureErr error

	// OpenOutputErr is returned by [Backend.OpenOutput] when non-nil.
	OpenOutputErr error

	// CallCountOpenCapture records how many times OpenCapture was called.
	CallCountOpenCapture int

	// CallCountOpenOutput records how many times OpenOutput was called.
	CallCountOpenOutput int

	// CaptureConfigs and OutputConfigs record the configs passed to each open.
	CaptureConfigs []device.CaptureConfig
	OutputConfigs  []device.OutputConfig

	capture *Capture
	output  *Output
}

var _ device.Backend = (*Backend)(nil)

// OpenCapture implements [device.Backend].
func (b *Backend) OpenCapture(_ context.Context, cfg device.CaptureConfig, sink func([]float32)) (device.Capture, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CallCountOpenCapture++
	b.CaptureConfigs = append(b.CaptureConfigs, cfg)
	if b.OpenCaptureErr != nil {
		return nil, b.OpenCaptureErr
	}
	b.capture = &Capture{sink: sink}
	return b.capture, nil
}

// OpenOutput implements [device.Backend].
func (b *Backend) OpenOutput(_ context.Context, cfg device.OutputConfig, src func([]float32)) (device.Output, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CallCountOpenOutput++
	b.OutputConfigs = append(b.OutputConfigs, cfg)
	if b.OpenOutputErr != nil {
		return nil, b.OpenOutputErr
	}
	b.output = &Output{src: src}
	return b.output, nil
}

// Capture returns the most recently opened capture stream, or nil.
func (b *Backend) Capture() *Capture {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capture
}

// Output returns the most recently opened output stream, or nil.
func (b *Backend) Output() *Output {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.output
}

// ─── Capture ──────────────────────────────────────────────────────────────────

// Capture is a mock implementation of [device.Capture].
type Capture struct {
	mu      sync.Mutex
	sink    func([]float32)
	running bool
	closed  bool

	// StartErr is returned by [Capture.Start] when non-nil.
	StartErr error

	// CallCountStart, CallCountStop and CallCountClose record method calls.
	CallCountStart int
	CallCountStop  int
	CallCountClose int
}

// Start implements [device.Capture].
func (c *Capture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountStart++
	if c.StartErr != nil {
		return c.StartErr
	}
	if !c.closed {
		c.running = true
	}
	return nil
}

// Stop implements [device.Capture].
func (c *Capture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountStop++
	c.running = false
	return nil
}

// Close implements [device.Capture].
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountClose++
	c.running = false
	c.closed = true
	return nil
}

// Running reports whether the stream is started and not closed.
func (c *Capture) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Closed reports whether Close has been called.
func (c *Capture) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Push delivers samples to the sink as one hardware callback would. It is a
// no-op unless the stream is running. It reports whether the sink was called.
func (c *Capture) Push(samples []float32) bool {
	c.mu.Lock()
	running, sink := c.running, c.sink
	c.mu.Unlock()
	if !running {
		return false
	}
	sink(samples)
	return true
}

// ─── Output ───────────────────────────────────────────────────────────────────

// Output is a mock implementation of [device.Output].
type Output struct {
	mu     sync.Mutex
	src    func([]float32)
	closed bool

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Close implements [device.Output].
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountClose++
	o.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (o *Output) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// Pull runs one output cycle of n samples and returns what the source wrote.
// A closed output returns silence without calling the source.
func (o *Output) Pull(n int) []float32 {
	buf := make([]float32, n)
	o.mu.Lock()
	closed, src := o.closed, o.src
	o.mu.Unlock()
	if !closed {
		src(buf)
	}
	return buf
}
