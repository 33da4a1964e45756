package audio

import (
	"encoding/binary"
	"log/slog"
	"math"
	"sync"
)

// Full-scale values used when converting between float and int16 PCM. The
// asymmetric scaling matches the capture side: negative samples use 0x8000 so
// that -1.0 maps to math.MinInt16 exactly.
const (
	pcmPositiveScale = 0x7fff
	pcmNegativeScale = 0x8000
)

// FloatToPCM16 clamps s to [-1, 1] and converts it to a signed 16-bit sample.
func FloatToPCM16(s float32) int16 {
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	if s < 0 {
		return int16(s * pcmNegativeScale)
	}
	return int16(s * pcmPositiveScale)
}

// PCM16ToFloat normalises a signed 16-bit sample to roughly [-1, 1].
func PCM16ToFloat(s int16) float32 {
	return float32(s) / pcmPositiveScale
}

// EncodePCM16 serialises frame samples as little-endian int16 bytes, the
// layout used for outbound binary messages.
func EncodePCM16(frame AudioFrame) []byte {
	out := make([]byte, len(frame.Samples)*2)
	for i, s := range frame.Samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// warnedOddPCM guards the one-time warning for malformed inbound payloads.
var warnedOddPCM sync.Once

// DecodePCM16 converts little-endian int16 PCM into a [SampleBlock] tagged
// with rate. A trailing odd byte cannot form a sample and is ignored; the
// first occurrence is logged.
func DecodePCM16(pcm []byte, rate int) SampleBlock {
	if len(pcm)%2 != 0 {
		warnedOddPCM.Do(func() {
			slog.Warn("audio: odd byte count in PCM payload, dropping trailing byte",
				"bytes", len(pcm),
				"sampleRate", rate,
			)
		})
	}
	n := len(pcm) / 2
	samples := make([]float32, n)
	for i := range n {
		samples[i] = PCM16ToFloat(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return SampleBlock{Samples: samples, SampleRate: rate}
}

// Resample converts block to targetRate using linear interpolation. When the
// block is empty, either rate is non-positive, or the rates already match,
// block is returned unchanged and shares its backing array with the input.
func Resample(block SampleBlock, targetRate int) SampleBlock {
	if block.SampleRate == targetRate || block.SampleRate <= 0 || targetRate <= 0 || len(block.Samples) == 0 {
		return block
	}
	return SampleBlock{
		Samples:    ResampleFloat(block.Samples, block.SampleRate, targetRate),
		SampleRate: targetRate,
	}
}

// ResampleFloat resamples mono float samples from srcRate to dstRate using
// linear interpolation without an anti-aliasing filter. The output holds
// round(len(in)/ratio) samples, never fewer than one. Neighbouring source
// samples are clamped to the input bounds. If srcRate == dstRate the input is
// returned unchanged.
func ResampleFloat(in []float32, srcRate, dstRate int) []float32 {
	if len(in) == 0 || srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return in
	}
	ratio := float64(srcRate) / float64(dstRate)
	outLen := max(1, int(math.Round(float64(len(in))/ratio)))
	last := len(in) - 1

	out := make([]float32, outLen)
	for i := range outLen {
		pos := float64(i) * ratio
		left := min(int(pos), last)
		right := min(left+1, last)
		frac := float32(pos - float64(left))
		out[i] = in[left]*(1-frac) + in[right]*frac
	}
	return out
}

// FormatConverter normalises inbound sample blocks to a fixed target rate. It
// logs a warning the first time it sees a block at a different rate, so format
// renegotiations show up once in the logs rather than per chunk.
// Create one per stream; not designed for shared use across goroutines.
type FormatConverter struct {
	TargetRate     int
	warnedMismatch sync.Once
}

// Convert returns block at c.TargetRate. Blocks that already match are
// returned unchanged (zero allocation).
func (c *FormatConverter) Convert(block SampleBlock) SampleBlock {
	if block.SampleRate == c.TargetRate {
		return block
	}
	c.warnedMismatch.Do(func() {
		slog.Info("audio: assistant rate differs from playback rate, resampling",
			"from", block.SampleRate,
			"to", c.TargetRate,
		)
	})
	return Resample(block, c.TargetRate)
}
