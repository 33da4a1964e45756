// Package playback bridges the session timeline and the audio output
// callback.
//
// The [Engine] owns a [jitter.Buffer] that only the output callback touches.
// The session side talks to it exclusively through messages: sample blocks go
// over a bounded command queue and clears go over a coalescing signal channel.
// No counters are shared between the two domains; stats flow back as
// [Report] values through the function registered with [WithStatsFunc].
//
// Every block is stamped with the owner's clear epoch. [Engine.Clear] bumps
// the epoch, so blocks that were queued before the clear are discarded by the
// audio domain even if they are still in flight when the clear signal lands.
//
// Enqueue, Clear, Observe and Stats must be called from a single owner
// goroutine. Process must be called from the output callback.
package playback

import (
	"sync/atomic"

	"github.com/MrWong99/raksha/pkg/audio"
	"github.com/MrWong99/raksha/pkg/audio/jitter"
)

// DefaultQueueSize is the capacity of the command queue. At 24 kHz with
// 100 ms chunks this holds well over ten seconds of speech.
const DefaultQueueSize = 256

// Report is a stats snapshot produced by the audio domain together with the
// clear epoch it had applied when the snapshot was taken.
type Report struct {
	jitter.Stats
	Epoch uint64
}

type command struct {
	samples []float32
	epoch   uint64
}

// Engine is the playback side of a session.
type Engine struct {
	cmds   chan command
	clearC chan uint64

	// Owner domain.
	epoch   uint64
	last    jitter.Stats
	dropped atomic.Uint64

	// Audio domain.
	buf     *jitter.Buffer
	applied uint64

	statsFn        func(Report)
	reportInterval int
	queueSize      int
}

// Option is a functional option for [New].
type Option func(*Engine)

// WithQueueSize sets the command queue capacity. Values <= 0 are ignored.
func WithQueueSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.queueSize = n
		}
	}
}

// WithReportInterval sets how many output samples elapse between reports.
func WithReportInterval(n int) Option {
	return func(e *Engine) {
		e.reportInterval = n
	}
}

// WithStatsFunc registers fn to receive periodic reports. fn is invoked from
// the audio callback and must not block; hand the report to the owner with a
// non-blocking send and feed it back through [Engine.Observe].
func WithStatsFunc(fn func(Report)) Option {
	return func(e *Engine) {
		e.statsFn = fn
	}
}

// New creates an Engine with an empty buffer.
func New(opts ...Option) *Engine {
	e := &Engine{
		queueSize:      DefaultQueueSize,
		reportInterval: jitter.DefaultReportInterval,
	}
	for _, o := range opts {
		o(e)
	}
	e.cmds = make(chan command, e.queueSize)
	e.clearC = make(chan uint64, 1)
	e.buf = jitter.New(
		jitter.WithCapacity(e.queueSize),
		jitter.WithReportInterval(e.reportInterval),
		jitter.WithReporter(e.report),
	)
	return e
}

// ── Owner domain ─────────────────────────────────────────────────────────────

// Enqueue hands block to the audio domain. It never blocks: when the queue is
// full the block is dropped, counted, and false is returned. Empty blocks are
// accepted and ignored.
func (e *Engine) Enqueue(block audio.SampleBlock) bool {
	if len(block.Samples) == 0 {
		return true
	}
	select {
	case e.cmds <- command{samples: block.Samples, epoch: e.epoch}:
		e.last.BufferedSamples += len(block.Samples)
		return true
	default:
		e.dropped.Add(1)
		return false
	}
}

// Clear silences playback. Everything enqueued before the call is discarded
// by the audio domain no later than its next processing cycle. Clear never
// blocks and repeated calls coalesce.
func (e *Engine) Clear() {
	e.epoch++
	e.last.BufferedSamples = 0
	for {
		select {
		case e.clearC <- e.epoch:
			return
		default:
		}
		// Replace a stale pending signal with the newer epoch.
		select {
		case <-e.clearC:
		default:
		}
	}
}

// Observe folds a report from the audio domain into the owner's view.
// Depth reported for an epoch older than the latest clear is ignored.
func (e *Engine) Observe(r Report) {
	if r.UnderrunCount > e.last.UnderrunCount {
		e.last.UnderrunCount = r.UnderrunCount
	}
	if r.Epoch < e.epoch {
		e.last.BufferedSamples = 0
		return
	}
	e.last.BufferedSamples = r.BufferedSamples
}

// Stats returns the owner's latest view of the buffer.
func (e *Engine) Stats() jitter.Stats { return e.last }

// Epoch returns the current clear epoch.
func (e *Engine) Epoch() uint64 { return e.epoch }

// Dropped returns the number of blocks rejected because the queue was full.
// Safe to call from any goroutine.
func (e *Engine) Dropped() uint64 { return e.dropped.Load() }

// BufferCapacity returns the jitter ring size in blocks. Call it from the
// audio domain or once the callback has stopped.
func (e *Engine) BufferCapacity() int { return e.buf.Capacity() }

// ── Audio domain ─────────────────────────────────────────────────────────────

// Process fills out with the next hardware cycle of audio. It applies any
// pending clear, moves queued blocks into the buffer and then drains it.
func (e *Engine) Process(out []float32) {
	e.applyClear()
	for drained := false; !drained; {
		select {
		case c := <-e.cmds:
			if c.epoch < e.applied {
				continue
			}
			if c.epoch > e.applied {
				// The clear signal for this epoch has not been seen yet.
				e.applied = c.epoch
				e.buf.Clear()
			}
			e.buf.Enqueue(c.samples)
		default:
			drained = true
		}
	}
	e.applyClear()
	e.buf.Process(out)
}

func (e *Engine) applyClear() {
	select {
	case ep := <-e.clearC:
		if ep > e.applied {
			e.applied = ep
			e.buf.Clear()
		}
	default:
	}
}

func (e *Engine) report(s jitter.Stats) {
	if e.statsFn != nil {
		e.statsFn(Report{Stats: s, Epoch: e.applied})
	}
}
