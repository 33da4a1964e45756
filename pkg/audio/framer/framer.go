// Package framer cuts a continuous stream of microphone samples into fixed
// size PCM16 frames for the outbound transport.
//
// Hardware capture callbacks deliver samples in whatever block size the
// driver chooses. The [Framer] converts them to signed 16-bit PCM, carries
// any remainder across calls, and emits frames of exactly FrameSamples
// samples. When capture pauses, [Framer.Flush] emits the remainder as one
// shorter tail frame so that no captured speech is lost at the end of a turn.
//
// A Framer is not safe for concurrent use; it belongs to the session that
// drains the capture queue.
package framer

import (
	"github.com/MrWong99/raksha/pkg/audio"
)

// Framer buffers PCM16 samples and emits fixed-length [audio.AudioFrame]s.
type Framer struct {
	frameSamples int
	sampleRate   int
	tail         []int16
}

// Option is a functional option for [New].
type Option func(*Framer)

// WithSampleRate sets the rate stamped on emitted frames. Defaults to
// [audio.DefaultCaptureRate].
func WithSampleRate(rate int) Option {
	return func(f *Framer) {
		if rate > 0 {
			f.sampleRate = rate
		}
	}
}

// New creates a Framer that emits frames of frameSamples samples. A
// non-positive frameSamples falls back to [audio.DefaultFrameSamples].
func New(frameSamples int, opts ...Option) *Framer {
	if frameSamples <= 0 {
		frameSamples = audio.DefaultFrameSamples
	}
	f := &Framer{
		frameSamples: frameSamples,
		sampleRate:   audio.DefaultCaptureRate,
		tail:         make([]int16, 0, frameSamples*2),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// FrameSamples returns the target frame length.
func (f *Framer) FrameSamples() int { return f.frameSamples }

// Submit converts float samples in [-1, 1] to PCM16, appends them to the
// pending tail and returns every complete frame, in order. Values outside the
// range are clamped. A zero-length input returns nil.
func (f *Framer) Submit(samples []float32) []audio.AudioFrame {
	if len(samples) == 0 {
		return nil
	}
	for _, s := range samples {
		f.tail = append(f.tail, audio.FloatToPCM16(s))
	}
	return f.cut()
}

// SubmitPCM is like [Framer.Submit] for samples that are already PCM16.
func (f *Framer) SubmitPCM(samples []int16) []audio.AudioFrame {
	if len(samples) == 0 {
		return nil
	}
	f.tail = append(f.tail, samples...)
	return f.cut()
}

// Flush emits whatever remains in the tail as a single frame, which may be
// shorter than the target length, and empties the tail. It reports false when
// nothing is pending.
func (f *Framer) Flush() (audio.AudioFrame, bool) {
	if len(f.tail) == 0 {
		return audio.AudioFrame{}, false
	}
	frame := audio.AudioFrame{
		Samples:    append([]int16(nil), f.tail...),
		SampleRate: f.sampleRate,
	}
	f.tail = f.tail[:0]
	return frame, true
}

// Reset drops the pending tail without emitting it.
func (f *Framer) Reset() {
	f.tail = f.tail[:0]
}

// Pending returns the number of samples waiting for a full frame.
func (f *Framer) Pending() int { return len(f.tail) }

// cut slices every full frame off the front of the tail. Emitted frames own
// their samples so later appends never alias them.
func (f *Framer) cut() []audio.AudioFrame {
	n := len(f.tail) / f.frameSamples
	if n == 0 {
		return nil
	}
	frames := make([]audio.AudioFrame, 0, n)
	off := 0
	for range n {
		frames = append(frames, audio.AudioFrame{
			Samples:    append([]int16(nil), f.tail[off:off+f.frameSamples]...),
			SampleRate: f.sampleRate,
		})
		off += f.frameSamples
	}
	rest := copy(f.tail, f.tail[off:])
	f.tail = f.tail[:rest]
	return frames
}
