package audio

import "time"

// Default rates used by the voice client. Capture runs at 16 kHz so that one
// 800-sample frame covers 50 ms; the playback engine runs at a fixed 24 kHz,
// which is also the assistant's rate until the peer announces otherwise.
const (
	DefaultCaptureRate   = 16000
	DefaultPlaybackRate  = 24000
	DefaultAssistantRate = 24000
	DefaultFrameSamples  = 800
)

// AudioFrame is a block of mono 16-bit PCM captured from the microphone.
// Frames are the unit of outbound transport. They are produced by the framer, observed
// by the voice activity gate, and written to the wire as little-endian PCM.
//
// Frames are treated as immutable once emitted; holders must not modify
// Samples.
type AudioFrame struct {
	// Samples holds signed 16-bit PCM, one entry per sample.
	Samples []int16

	// SampleRate in Hz (16000 for microphone capture).
	SampleRate int
}

// Len returns the number of samples in the frame.
func (f AudioFrame) Len() int { return len(f.Samples) }

// Duration returns the playback duration of the frame. Returns zero when the
// sample rate is unknown.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// SampleBlock is a variable-length run of floating-point samples in [-1, 1]
// tagged with the rate they were produced at. Inbound assistant audio is
// decoded into SampleBlocks, normalised to the playback rate, and then handed
// over to the playback engine, which owns them until they are played or
// cleared.
type SampleBlock struct {
	Samples    []float32
	SampleRate int
}

// Len returns the number of samples in the block.
func (b SampleBlock) Len() int { return len(b.Samples) }
