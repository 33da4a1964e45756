// Package jitter implements the playback jitter buffer: a FIFO of sample
// blocks drained one sample at a time by the audio output callback.
//
// The buffer absorbs the arrival-time variance between network delivery and
// the fixed hardware output rate. When it runs dry it plays silence and counts
// an underrun, at most once per processing cycle. [Buffer.Clear] is a hard
// cut used for interruptions: everything queued is dropped at once, with no
// fade.
//
// A Buffer is not safe for concurrent use. It lives inside the audio callback
// domain and is fed through [playback.Engine].
package jitter

// DefaultReportInterval is the number of output samples between stats
// reports (50 ms at 24 kHz).
const DefaultReportInterval = 1200

// DefaultCapacity is the number of blocks the ring holds before it grows.
const DefaultCapacity = 64

// Stats is a point-in-time view of the buffer.
type Stats struct {
	// BufferedSamples is the number of samples queued and not yet played.
	// Never negative; zero right after a clear.
	BufferedSamples int

	// UnderrunCount is the cumulative number of processing cycles that ran
	// out of audio. Monotonically increasing.
	UnderrunCount uint64
}

// Buffer is the playback FIFO. Blocks live in a ring allocated up front, so
// steady-state playback does not allocate; the ring only grows when more
// blocks are queued than it can hold.
type Buffer struct {
	ring      [][]float32
	first     int // ring index of the head block
	count     int
	head      int // read index into the head block
	buffered  int
	underruns uint64

	reportInterval int
	sinceReport    int
	reporter       func(Stats)
}

// Option is a functional option for [New].
type Option func(*Buffer)

// WithReportInterval sets how many output samples elapse between stats
// reports. Values <= 0 are ignored.
func WithReportInterval(n int) Option {
	return func(b *Buffer) {
		if n > 0 {
			b.reportInterval = n
		}
	}
}

// WithCapacity sets the initial ring size in blocks. Values <= 0 are
// ignored.
func WithCapacity(n int) Option {
	return func(b *Buffer) {
		if n > 0 {
			b.ring = make([][]float32, n)
		}
	}
}

// WithReporter registers fn to receive periodic stats. fn runs on the audio
// callback and must not block.
func WithReporter(fn func(Stats)) Option {
	return func(b *Buffer) {
		b.reporter = fn
	}
}

// New creates an empty Buffer.
func New(opts ...Option) *Buffer {
	b := &Buffer{reportInterval: DefaultReportInterval}
	for _, o := range opts {
		o(b)
	}
	if b.ring == nil {
		b.ring = make([][]float32, DefaultCapacity)
	}
	return b
}

// Enqueue appends block to the FIFO and takes ownership of it. Zero-length
// blocks are ignored.
func (b *Buffer) Enqueue(block []float32) {
	if len(block) == 0 {
		return
	}
	if b.count == len(b.ring) {
		b.grow()
	}
	b.ring[(b.first+b.count)%len(b.ring)] = block
	b.count++
	b.buffered += len(block)
}

// PullSample runs a one-sample output cycle: it returns the next queued
// sample, or silence and one counted underrun when the buffer is empty.
// Pulling past the end never fails.
func (b *Buffer) PullSample() float32 {
	s, ok := b.next()
	if !ok {
		b.underruns++
	}
	b.advanceReport(1)
	return s
}

// Process fills out with the next len(out) samples, padding with silence
// when the queue runs dry. At most one underrun is counted per call.
func (b *Buffer) Process(out []float32) {
	underrun := false
	for i := range out {
		s, ok := b.next()
		if !ok {
			underrun = true
		}
		out[i] = s
	}
	if underrun {
		b.underruns++
	}
	b.advanceReport(len(out))
}

// Clear drops every queued block. The buffered count is recomputed from
// the (now empty) queue rather than adjusted. Clearing an empty buffer is a
// no-op.
func (b *Buffer) Clear() {
	for i := range b.count {
		b.ring[(b.first+i)%len(b.ring)] = nil
	}
	b.first, b.count, b.head = 0, 0, 0
	b.buffered = b.recount()
}

// Stats returns the current depth and underrun count.
func (b *Buffer) Stats() Stats {
	return Stats{BufferedSamples: b.buffered, UnderrunCount: b.underruns}
}

// Blocks returns the number of queued blocks, including a partially played
// head block.
func (b *Buffer) Blocks() int { return b.count }

// Capacity returns the current ring size in blocks.
func (b *Buffer) Capacity() int { return len(b.ring) }

func (b *Buffer) next() (float32, bool) {
	if b.count == 0 {
		return 0, false
	}
	head := b.ring[b.first]
	s := head[b.head]
	b.head++
	b.buffered--
	if b.head >= len(head) {
		b.ring[b.first] = nil
		b.first = (b.first + 1) % len(b.ring)
		b.count--
		b.head = 0
	}
	return s, true
}

// grow doubles the ring, keeping queue order.
func (b *Buffer) grow() {
	ring := make([][]float32, max(2*len(b.ring), 1))
	for i := range b.count {
		ring[i] = b.ring[(b.first+i)%len(b.ring)]
	}
	b.ring = ring
	b.first = 0
}

func (b *Buffer) recount() int {
	if b.count == 0 {
		return 0
	}
	n := -b.head
	for i := range b.count {
		n += len(b.ring[(b.first+i)%len(b.ring)])
	}
	return n
}

func (b *Buffer) advanceReport(n int) {
	if b.reporter == nil {
		return
	}
	b.sinceReport += n
	if b.sinceReport >= b.reportInterval {
		b.sinceReport = 0
		b.reporter(b.Stats())
	}
}
