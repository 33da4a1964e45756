// Package observe provides the voice client's observability primitives:
// OpenTelemetry metrics, tracing helpers, trace-aware structured logging, and
// HTTP middleware for the ops endpoints.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [Setup] bridges
// them into a Prometheus registry so that the same instruments can be scraped
// from /metrics. A package-level [DefaultMetrics] instance is
// available; tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
//
// Nothing in this package is called from the real-time audio callbacks.
// Audio-domain counters reach these instruments through the session, which
// receives them as periodic reports.
package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Raksha metrics.
const meterName = "github.com/MrWong99/raksha"

// Metrics holds all OpenTelemetry instruments of the client. All fields are
// safe for concurrent use.
type Metrics struct {
	// --- Session ---

	// ConnectDuration tracks the time from connect request to ready,
	// including device and socket setup.
	ConnectDuration metric.Float64Histogram

	// ActiveSessions is 1 while a session is connected.
	ActiveSessions metric.Int64UpDownCounter

	// StateTransitions counts turn state changes. Attributes: from, to.
	StateTransitions metric.Int64Counter

	// Turns counts push-to-talk turns opened by the user.
	Turns metric.Int64Counter

	// Interrupts counts hard playback cuts. Attribute: reason.
	Interrupts metric.Int64Counter

	// --- Capture ---

	// FramesSent counts PCM frames written to the socket. Attribute: kind
	// ("full" or "tail").
	FramesSent metric.Int64Counter

	// CaptureDropped counts capture callbacks dropped because the session
	// queue was full.
	CaptureDropped metric.Int64Counter

	// --- Playback ---

	// PlaybackDropped counts assistant audio blocks rejected by a full
	// playback queue.
	PlaybackDropped metric.Int64Counter

	// PlaybackUnderruns counts output cycles that ran out of audio.
	PlaybackUnderruns metric.Int64Counter

	// PlaybackBuffered reports the last known playback depth in samples.
	PlaybackBuffered metric.Int64Gauge

	// --- Transport ---

	// InboundEvents counts decoded control messages. Attribute: type.
	InboundEvents metric.Int64Counter

	// InboundAudioBytes counts binary audio payload bytes received.
	InboundAudioBytes metric.Int64Counter

	// TransportErrors counts socket failures. Attribute: op
	// ("dial", "read", "write", "decode").
	TransportErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks ops endpoint latency. Attributes: method,
	// path, status.
	HTTPRequestDuration metric.Float64Histogram
}

// connectBuckets are histogram boundaries in seconds for session setup,
// which includes opening audio devices and the websocket handshake.
var connectBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// instruments creates instruments on one meter and remembers every failure,
// so that [NewMetrics] can report them together.
type instruments struct {
	meter metric.Meter
	errs  []error
}

func (in *instruments) counter(name, desc string, opts ...metric.Int64CounterOption) metric.Int64Counter {
	c, err := in.meter.Int64Counter(name, append(opts, metric.WithDescription(desc))...)
	in.note(name, err)
	return c
}

func (in *instruments) upDown(name, desc string) metric.Int64UpDownCounter {
	c, err := in.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	in.note(name, err)
	return c
}

func (in *instruments) gauge(name, desc string) metric.Int64Gauge {
	g, err := in.meter.Int64Gauge(name, metric.WithDescription(desc))
	in.note(name, err)
	return g
}

func (in *instruments) seconds(name, desc string, buckets ...float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if len(buckets) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := in.meter.Float64Histogram(name, opts...)
	in.note(name, err)
	return h
}

func (in *instruments) note(name string, err error) {
	if err != nil {
		in.errs = append(in.errs, fmt.Errorf("%s: %w", name, err))
	}
}

// NewMetrics creates every instrument on mp. Instrument errors are joined
// into the returned error.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	in := &instruments{meter: mp.Meter(meterName)}

	met := &Metrics{
		ConnectDuration: in.seconds("raksha.session.connect.duration",
			"Time from connect request until the session is ready.", connectBuckets...),
		ActiveSessions:   in.upDown("raksha.session.active", "Number of connected voice sessions."),
		StateTransitions: in.counter("raksha.session.transitions", "Turn state transitions by source and target state."),
		Turns:            in.counter("raksha.session.turns", "Push-to-talk turns opened by the user."),
		Interrupts:       in.counter("raksha.session.interrupts", "Hard playback interruptions by reason."),

		FramesSent:     in.counter("raksha.capture.frames_sent", "PCM frames sent to the assistant by kind."),
		CaptureDropped: in.counter("raksha.capture.dropped", "Capture callbacks dropped on a full session queue."),

		PlaybackDropped:   in.counter("raksha.playback.dropped", "Assistant audio blocks dropped on a full playback queue."),
		PlaybackUnderruns: in.counter("raksha.playback.underruns", "Output cycles padded with silence."),
		PlaybackBuffered:  in.gauge("raksha.playback.buffered_samples", "Samples queued for playback at the last report."),

		InboundEvents: in.counter("raksha.transport.events", "Inbound control messages by type."),
		InboundAudioBytes: in.counter("raksha.transport.audio_bytes",
			"Inbound assistant audio payload bytes.", metric.WithUnit("By")),
		TransportErrors: in.counter("raksha.transport.errors", "Socket failures by operation."),

		HTTPRequestDuration: in.seconds("raksha.http.request.duration", "Ops request latency by method, path and status."),
	}
	if len(in.errs) > 0 {
		return nil, fmt.Errorf("observe: create instruments: %w", errors.Join(in.errs...))
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a shared [Metrics] built on the global meter
// provider. It panics if the instruments cannot be created.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic(err)
		}
	})
	return defaultMetrics
}

// RecordTransition records a turn state change.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordInterrupt records a hard playback cut.
func (m *Metrics) RecordInterrupt(ctx context.Context, reason string) {
	m.Interrupts.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordFrameSent records one outbound PCM frame.
func (m *Metrics) RecordFrameSent(ctx context.Context, tail bool) {
	kind := "full"
	if tail {
		kind = "tail"
	}
	m.FramesSent.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordInboundEvent records a decoded control message.
func (m *Metrics) RecordInboundEvent(ctx context.Context, typ string) {
	m.InboundEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("type", typ)))
}

// RecordTransportError records a socket failure.
func (m *Metrics) RecordTransportError(ctx context.Context, op string) {
	m.TransportErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}
