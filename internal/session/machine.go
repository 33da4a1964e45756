package session

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/raksha/internal/deferred"
	"github.com/MrWong99/raksha/internal/observe"
	"github.com/MrWong99/raksha/internal/protocol"
	"github.com/MrWong99/raksha/internal/transport"
	"github.com/MrWong99/raksha/pkg/audio"
	"github.com/MrWong99/raksha/pkg/audio/device"
	"github.com/MrWong99/raksha/pkg/audio/framer"
	"github.com/MrWong99/raksha/pkg/audio/jitter"
	"github.com/MrWong99/raksha/pkg/audio/playback"
	"github.com/MrWong99/raksha/pkg/vad"
)

// Default timings.
const (
	DefaultFlushDelay      = 24 * time.Millisecond
	DefaultSpeakingTail    = 380 * time.Millisecond
	DefaultFramesPerBuffer = 1024
)

// Transport is the duplex channel the machine drives. It is satisfied by
// [transport.Transport].
type Transport interface {
	Open(ctx context.Context, address string, h transport.Handlers) error
	SendEvent(ev protocol.Outbound) error
	SendAudio(frame audio.AudioFrame) error
	Close()
}

var _ Transport = (*transport.Transport)(nil)

// Speaker identifies who a transcript line belongs to.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// Transcript is a line of text surfaced by the backend.
type Transcript struct {
	Speaker Speaker
	Text    string
}

// Observer receives notifications from the session timeline. Callbacks run on
// the timeline and must not block. Nil fields are skipped.
type Observer struct {
	// OnState is called after every change to the observable state.
	OnState func(Snapshot)

	// OnTranscript receives assistant_text and partial_transcript events.
	OnTranscript func(Transcript)

	// OnDomainEvent receives domain events verbatim.
	OnDomainEvent func(protocol.Domain)

	// OnBargeIn is called when local speech cut the assistant off.
	OnBargeIn func()
}

// Config holds the tunables of a [Machine].
type Config struct {
	// URL is the full websocket address including query parameters.
	URL string

	CaptureRate     int
	FrameSamples    int
	FramesPerBuffer int
	PlaybackRate    int

	// AssistantRate is assumed for inbound audio until the peer sends
	// assistant_audio_format.
	AssistantRate int

	// FlushDelay is how long capture keeps streaming after the talk control
	// is released before the tail frame and ptt_end go out.
	FlushDelay time.Duration

	// SpeakingTail is how long after the last assistant chunk the session
	// falls back from speaking to ready.
	SpeakingTail time.Duration

	// StatsInterval is the number of output samples between playback reports.
	StatsInterval int
	PlaybackQueue int

	// BargeIn enables local interruption by the voice activity gate.
	BargeIn bool
	Gate    vad.Config
}

// DefaultConfig returns the configuration used when fields are left zero.
func DefaultConfig() Config {
	return Config{
		CaptureRate:     audio.DefaultCaptureRate,
		FrameSamples:    audio.DefaultFrameSamples,
		FramesPerBuffer: DefaultFramesPerBuffer,
		PlaybackRate:    audio.DefaultPlaybackRate,
		AssistantRate:   audio.DefaultAssistantRate,
		FlushDelay:      DefaultFlushDelay,
		SpeakingTail:    DefaultSpeakingTail,
		StatsInterval:   jitter.DefaultReportInterval,
		PlaybackQueue:   playback.DefaultQueueSize,
		BargeIn:         true,
		Gate:            vad.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CaptureRate <= 0 {
		c.CaptureRate = d.CaptureRate
	}
	if c.FrameSamples <= 0 {
		c.FrameSamples = d.FrameSamples
	}
	if c.FramesPerBuffer <= 0 {
		c.FramesPerBuffer = d.FramesPerBuffer
	}
	if c.PlaybackRate <= 0 {
		c.PlaybackRate = d.PlaybackRate
	}
	if c.AssistantRate <= 0 {
		c.AssistantRate = d.AssistantRate
	}
	if c.FlushDelay <= 0 {
		c.FlushDelay = d.FlushDelay
	}
	if c.SpeakingTail <= 0 {
		c.SpeakingTail = d.SpeakingTail
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = d.StatsInterval
	}
	if c.PlaybackQueue <= 0 {
		c.PlaybackQueue = d.PlaybackQueue
	}
	if c.Gate == (vad.Config{}) {
		c.Gate = d.Gate
	}
	return c
}

// Deps are the collaborators of a [Machine].
type Deps struct {
	Transport Transport
	Backend   device.Backend

	// Clock schedules the flush and trailing timers. Defaults to real time.
	Clock deferred.Clock

	// Post runs a function on the session timeline. It is called from
	// transport and timer goroutines and may block until there is room.
	Post func(func())

	// Spawn runs blocking work, such as the websocket dial, off the
	// timeline. Defaults to a new goroutine.
	Spawn func(func())

	// OfferCapture and OfferStats hand work from the audio callbacks to the
	// timeline. They must never block and report whether fn was accepted.
	OfferCapture func(fn func()) bool
	OfferStats   func(fn func()) bool

	Observer Observer
	Metrics  *observe.Metrics
}

// Machine is the turn-taking protocol of one client. All methods must be
// called from the session timeline; see [Session] for the actor that provides
// one.
type Machine struct {
	cfg     Config
	deps    Deps
	metrics *observe.Metrics
	log     *slog.Logger

	state         TurnState
	sessionID     string
	connID        string
	warning       string
	advisory      string
	lastFallback  string
	profile       *protocol.ProfileStatus
	turnSeq       uint64
	assistantRate int

	// gen identifies the live connection. Callbacks from devices and the
	// transport carry the gen they were created for and are ignored once it
	// moves on.
	gen       uint64
	connected bool

	// While a dial is in flight, dialCancel aborts it and held collects
	// transport callbacks that arrive before the session is ready.
	// settled is closed once the connect attempt has an outcome.
	dialCancel context.CancelFunc
	held       []func()
	settled    chan struct{}

	framer *framer.Framer
	gate   *vad.Gate
	conv   *audio.FormatConverter

	engine        *playback.Engine
	lastStats     jitter.Stats
	lastUnderruns uint64

	capture device.Capture
	output  device.Output

	streaming bool
	draining  bool

	trailing *deferred.Slot
	flush    *deferred.Slot
}

// NewMachine creates a Machine in the idle state. It returns an error if the
// gate configuration is invalid.
func NewMachine(cfg Config, deps Deps) (*Machine, error) {
	cfg = cfg.withDefaults()
	gate, err := vad.NewGate(cfg.Gate)
	if err != nil {
		return nil, err
	}
	if deps.Post == nil {
		deps.Post = func(fn func()) { fn() }
	}
	if deps.Spawn == nil {
		deps.Spawn = func(fn func()) { go fn() }
	}
	if deps.OfferCapture == nil {
		deps.OfferCapture = func(fn func()) bool { deps.Post(fn); return true }
	}
	if deps.OfferStats == nil {
		deps.OfferStats = func(fn func()) bool { deps.Post(fn); return true }
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	return &Machine{
		cfg:           cfg,
		deps:          deps,
		metrics:       deps.Metrics,
		log:           slog.Default(),
		assistantRate: cfg.AssistantRate,
		framer:        framer.New(cfg.FrameSamples, framer.WithSampleRate(cfg.CaptureRate)),
		gate:          gate,
		trailing:      deferred.New(deps.Clock, deps.Post),
		flush:         deferred.New(deps.Clock, deps.Post),
	}, nil
}

// State returns the current turn state.
func (m *Machine) State() TurnState { return m.state }

// Snapshot returns a copy of the observable state.
func (m *Machine) Snapshot() Snapshot {
	stats := m.lastStats
	if m.engine != nil {
		stats = m.engine.Stats()
	}
	var profile *protocol.ProfileStatus
	if m.profile != nil {
		p := *m.profile
		profile = &p
	}
	return Snapshot{
		State:               m.state,
		Visual:              m.state.Visual(),
		SessionID:           m.sessionID,
		ConnID:              m.connID,
		Warning:             m.warning,
		Advisory:            m.advisory,
		TurnSeq:             m.turnSeq,
		AssistantSampleRate: m.assistantRate,
		Playback:            stats,
		Profile:             profile,
		LastFallback:        m.lastFallback,
	}
}

// ── Commands ─────────────────────────────────────────────────────────────────

// Connect opens the speaker, dials the transport and opens the microphone,
// in that order. The dial runs off the timeline, so the session stays
// responsive while connecting and a [Machine.Disconnect] abandons it.
//
// The returned channel is closed once the attempt has an outcome: ready,
// failed or abandoned. Connect is a no-op unless the session is idle or
// failed. Failures leave the session in the error state with a warning;
// nothing is retried.
func (m *Machine) Connect(ctx context.Context) <-chan struct{} {
	settled := make(chan struct{})
	if m.state != Idle && m.state != Error {
		m.log.Debug("session: connect ignored", "state", m.state)
		close(settled)
		return settled
	}

	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "session.connect")

	m.gen++
	gen := m.gen
	m.connID = uuid.NewString()
	m.log = observe.Logger(ctx, "conn_id", m.connID)
	m.sessionID = ""
	m.warning = ""
	m.advisory = ""
	m.lastFallback = ""
	m.profile = nil
	m.assistantRate = m.cfg.AssistantRate
	m.lastStats = jitter.Stats{}
	m.lastUnderruns = 0
	m.settled = settled
	m.setState(Connecting)

	m.conv = &audio.FormatConverter{TargetRate: m.cfg.PlaybackRate}
	m.engine = playback.New(
		playback.WithQueueSize(m.cfg.PlaybackQueue),
		playback.WithReportInterval(m.cfg.StatsInterval),
		playback.WithStatsFunc(func(r playback.Report) {
			m.deps.OfferStats(func() {
				if gen == m.gen {
					m.onStats(r)
				}
			})
		}),
	)

	out, err := m.deps.Backend.OpenOutput(ctx, device.OutputConfig{
		SampleRate:      m.cfg.PlaybackRate,
		FramesPerBuffer: m.cfg.FramesPerBuffer,
	}, m.engine.Process)
	if err != nil {
		observe.FailSpan(span, "open output", err)
		span.End()
		m.fail(WarnSpeaker, "open output", err)
		return settled
	}
	m.output = out

	dialCtx, cancel := context.WithCancel(ctx)
	m.dialCancel = cancel
	m.held = []func(){}
	url, h := m.cfg.URL, m.handlers(gen)
	m.deps.Spawn(func() {
		err := m.deps.Transport.Open(dialCtx, url, h)
		m.deps.Post(func() {
			defer span.End()
			if gen != m.gen {
				// Abandoned; teardown already closed the transport.
				return
			}
			m.dialed(ctx, gen, start, span, err)
		})
	})
	return settled
}

// dialed finishes a connect attempt once the transport dial has returned.
func (m *Machine) dialed(ctx context.Context, gen uint64, start time.Time, span trace.Span, err error) {
	m.dialCancel()
	m.dialCancel = nil
	if err != nil {
		observe.FailSpan(span, "open transport", err)
		m.fail(WarnConnection, "open transport", err)
		return
	}

	capture, err := m.deps.Backend.OpenCapture(ctx, device.CaptureConfig{
		SampleRate:      m.cfg.CaptureRate,
		FramesPerBuffer: m.cfg.FramesPerBuffer,
	}, m.captureSink(gen))
	if err != nil {
		observe.FailSpan(span, "open capture", err)
		m.fail(WarnMicrophone, "open capture", err)
		return
	}
	m.capture = capture
	if err := capture.Start(); err != nil {
		observe.FailSpan(span, "start capture", err)
		m.fail(WarnMicrophone, "start capture", err)
		return
	}

	m.framer.Reset()
	m.gate.Reset()
	m.streaming = false
	m.draining = false
	m.connected = true
	m.metrics.ActiveSessions.Add(ctx, 1)
	m.metrics.ConnectDuration.Record(ctx, time.Since(start).Seconds())
	m.log.Info("session: connected", "url", m.cfg.URL, "duration", time.Since(start))
	m.setState(Ready)

	held := m.held
	m.held = nil
	for _, fn := range held {
		if gen != m.gen {
			return
		}
		fn()
	}
}

// Disconnect ends the session from any state. An active hold is ended first
// and its tail frame and ptt_end are sent before the transport closes.
func (m *Machine) Disconnect() {
	if m.state == Holding {
		m.EndHold()
	}
	m.flush.Fire()
	if m.state == Idle && !m.connected && m.engine == nil {
		return
	}
	m.teardown()
	m.log.Info("session: disconnected")
	m.setState(Idle)
}

// BeginHold opens a push-to-talk turn. It is accepted while the session is
// ready, speaking or awaiting a response and ignored otherwise. Assistant
// playback stops immediately.
func (m *Machine) BeginHold() {
	switch m.state {
	case Ready, Speaking, AwaitingResponse:
	default:
		m.log.Debug("session: begin hold ignored", "state", m.state)
		return
	}
	// A release that is still draining finishes before the next turn starts.
	m.flush.Fire()

	ctx := context.Background()
	wasSpeaking := m.state == Speaking
	m.turnSeq++
	m.metrics.Turns.Add(ctx, 1)
	m.silence()
	if wasSpeaking {
		m.metrics.RecordInterrupt(ctx, audio.PushToTalk.String())
	}
	m.setState(Holding)

	m.framer.Reset()
	m.streaming = true
	m.send(protocol.PTTStart{})
}

// EndHold releases the push-to-talk control. Capture keeps streaming for the
// flush delay, then the tail frame and ptt_end are sent. It is a no-op unless
// holding.
func (m *Machine) EndHold() {
	if m.state != Holding {
		m.log.Debug("session: end hold ignored", "state", m.state)
		return
	}
	m.streaming = false
	m.draining = true
	m.flush.Arm(m.cfg.FlushDelay, m.finishTurn)
	m.setState(AwaitingResponse)
}

// UpdateGate replaces the voice activity gate settings.
func (m *Machine) UpdateGate(cfg vad.Config) error {
	if err := m.gate.SetConfig(cfg); err != nil {
		return err
	}
	m.cfg.Gate = cfg
	return nil
}

// SetBargeIn enables or disables local interruption.
func (m *Machine) SetBargeIn(enabled bool) {
	m.cfg.BargeIn = enabled
	m.gate.Reset()
}

// ── Inbound ──────────────────────────────────────────────────────────────────

func (m *Machine) handlers(gen uint64) transport.Handlers {
	onGen := func(fn func()) {
		m.deps.Post(func() {
			switch {
			case gen != m.gen:
			case m.held != nil:
				m.held = append(m.held, fn)
			default:
				fn()
			}
		})
	}
	return transport.Handlers{
		OnEvent: func(ev protocol.Event) { onGen(func() { m.handleEvent(ev) }) },
		OnAudio: func(pcm []byte) { onGen(func() { m.handleAudio(pcm) }) },
		OnError: func(err error) { onGen(func() { m.onTransportError(err) }) },
		OnClose: func(err error) { onGen(func() { m.onTransportClosed(err) }) },
	}
}

func (m *Machine) handleEvent(ev protocol.Event) {
	switch ev := ev.(type) {
	case protocol.SessionReady:
		m.sessionID = ev.SessionID
		m.log.Info("session: ready", "session_id", ev.SessionID)
		if m.state == Holding || !m.setState(Ready) {
			m.notify()
		}
	case protocol.AssistantAudioFormat:
		if ev.SampleRate > 0 {
			m.assistantRate = ev.SampleRate
			m.notify()
		}
	case protocol.AssistantInterrupted:
		m.interrupt(audio.ServerInterrupt)
	case protocol.Warning:
		m.warning = ev.Message
		m.log.Warn("session: server warning", "message", ev.Message)
		m.notify()
	case protocol.Error:
		m.warning = ev.Message
		m.log.Warn("session: server error", "message", ev.Message)
		m.notify()
	case protocol.FallbackStarted:
		m.log.Info("session: fallback started", "reason", ev.Reason, "turn_id", ev.TurnID)
		m.advise(AdvisoryFallback)
	case protocol.SessionRecovering:
		m.log.Info("session: backend recovering", "mode", ev.Mode)
		m.advise(AdvisoryRecovering)
	case protocol.FallbackCompleted:
		m.lastFallback = ev.Result
		m.advisory = ""
		if !ev.OK() {
			m.advisory = AdvisoryFallbackFailed
		}
		m.log.Info("session: fallback completed", "turn_id", ev.TurnID, "result", ev.Result)
		m.notify()
	case protocol.ProfileStatus:
		m.profile = &ev
		m.notify()
	case protocol.AssistantText:
		m.transcript(SpeakerAssistant, ev.Text)
	case protocol.PartialTranscript:
		m.transcript(SpeakerUser, ev.Text)
	case protocol.Domain:
		if fn := m.deps.Observer.OnDomainEvent; fn != nil {
			fn(ev)
		}
	default:
		m.log.Debug("session: unhandled event", "type", protocol.TypeOf(ev))
	}
}

func (m *Machine) handleAudio(pcm []byte) {
	if m.engine == nil || !m.state.Connected() {
		return
	}
	ctx := context.Background()
	m.metrics.InboundAudioBytes.Add(ctx, int64(len(pcm)))

	block := m.conv.Convert(audio.DecodePCM16(pcm, m.assistantRate))
	if !m.engine.Enqueue(block) {
		m.metrics.PlaybackDropped.Add(ctx, 1)
	}
	if m.state != Holding {
		m.setState(Speaking)
	}
	m.trailing.Arm(m.cfg.SpeakingTail, func() {
		if m.state == Speaking {
			m.setState(Ready)
		}
	})
}

func (m *Machine) onTransportError(err error) {
	m.log.Warn("session: transport failed", "err", err)
	m.warning = WarnConnection
	m.teardown()
	m.setState(Error)
}

func (m *Machine) onTransportClosed(err error) {
	if err != nil {
		m.onTransportError(err)
		return
	}
	m.log.Info("session: closed by peer")
	m.teardown()
	m.setState(Idle)
}

// captureSink returns the device callback. The device reuses its buffer, so
// each block is copied before it crosses to the timeline.
func (m *Machine) captureSink(gen uint64) func([]float32) {
	return func(samples []float32) {
		block := slices.Clone(samples)
		m.deps.OfferCapture(func() {
			if gen == m.gen {
				m.onCapture(block)
			}
		})
	}
}

func (m *Machine) onCapture(samples []float32) {
	for _, frame := range m.framer.Submit(samples) {
		if m.cfg.BargeIn && m.gate.Observe(frame) && m.state == Speaking {
			m.log.Info("session: barge-in", "rms", vad.RMS(frame))
			m.interrupt(audio.UserBargeIn)
			m.gate.Reset()
			if fn := m.deps.Observer.OnBargeIn; fn != nil {
				fn()
			}
		}
		if m.streaming || m.draining {
			m.sendFrame(frame, false)
		}
	}
}

func (m *Machine) onStats(r playback.Report) {
	if m.engine == nil {
		return
	}
	ctx := context.Background()
	m.engine.Observe(r)
	s := m.engine.Stats()
	if s.UnderrunCount > m.lastUnderruns {
		m.metrics.PlaybackUnderruns.Add(ctx, int64(s.UnderrunCount-m.lastUnderruns))
		m.lastUnderruns = s.UnderrunCount
	}
	m.metrics.PlaybackBuffered.Record(ctx, int64(s.BufferedSamples))
}

// ── Internals ────────────────────────────────────────────────────────────────

// interrupt cuts assistant playback and yields the floor back to the user.
func (m *Machine) interrupt(reason audio.InterruptReason) {
	m.silence()
	m.metrics.RecordInterrupt(context.Background(), reason.String())
	m.log.Debug("session: playback interrupted", "reason", reason)
	if m.state.Connected() && m.state != Holding {
		m.setState(AwaitingResponse)
	}
}

func (m *Machine) silence() {
	if m.engine != nil {
		m.engine.Clear()
	}
	m.trailing.Cancel()
}

func (m *Machine) advise(text string) {
	m.advisory = text
	if m.state.Connected() && m.state != Holding {
		m.trailing.Cancel()
		if m.setState(AwaitingResponse) {
			return
		}
	}
	m.notify()
}

func (m *Machine) transcript(who Speaker, text string) {
	if fn := m.deps.Observer.OnTranscript; fn != nil {
		fn(Transcript{Speaker: who, Text: text})
	}
}

func (m *Machine) finishTurn() {
	m.draining = false
	if frame, ok := m.framer.Flush(); ok {
		m.sendFrame(frame, true)
	}
	m.send(protocol.PTTEnd{})
}

func (m *Machine) sendFrame(frame audio.AudioFrame, tail bool) {
	if err := m.deps.Transport.SendAudio(frame); err != nil {
		m.log.Debug("session: audio frame not sent", "err", err)
		return
	}
	m.metrics.RecordFrameSent(context.Background(), tail)
}

func (m *Machine) send(ev protocol.Outbound) {
	if err := m.deps.Transport.SendEvent(ev); err != nil {
		m.log.Debug("session: event not sent", "type", protocol.OutboundType(ev), "err", err)
	}
}

func (m *Machine) fail(warning, op string, err error) {
	m.log.Warn("session: connect failed", "op", op, "err", err)
	m.warning = warning
	m.teardown()
	m.setState(Error)
}

// teardown releases devices, the connection and timers, leaving playback
// silent. It does not change the turn state.
func (m *Machine) teardown() {
	ctx := context.Background()
	m.trailing.Cancel()
	m.flush.Cancel()
	m.streaming = false
	m.draining = false
	m.gen++
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	m.held = nil

	if m.capture != nil {
		if err := m.capture.Stop(); err != nil {
			m.log.Debug("session: stop capture", "err", err)
		}
		if err := m.capture.Close(); err != nil {
			m.log.Debug("session: close capture", "err", err)
		}
		m.capture = nil
	}

	m.deps.Transport.Close()

	if m.engine != nil {
		if m.engine.Stats().BufferedSamples > 0 {
			m.metrics.RecordInterrupt(ctx, audio.Teardown.String())
		}
		m.engine.Clear()
		m.lastStats = m.engine.Stats()
		m.engine = nil
	}
	if m.output != nil {
		if err := m.output.Close(); err != nil {
			m.log.Debug("session: close output", "err", err)
		}
		m.output = nil
	}

	m.framer.Reset()
	m.gate.Reset()
	if m.connected {
		m.connected = false
		m.metrics.ActiveSessions.Add(ctx, -1)
	}
}

// settle releases whoever waits on the current connect attempt.
func (m *Machine) settle() {
	if m.settled != nil {
		close(m.settled)
		m.settled = nil
	}
}

// setState moves to a new state and notifies the observer. It reports
// whether the state changed.
func (m *Machine) setState(to TurnState) bool {
	if to != Connecting {
		defer m.settle()
	}
	if m.state == to {
		return false
	}
	from := m.state
	m.state = to
	m.metrics.RecordTransition(context.Background(), from.String(), to.String())
	m.log.Debug("session: state changed", "from", from, "to", to)
	m.notify()
	return true
}

func (m *Machine) notify() {
	if fn := m.deps.Observer.OnState; fn != nil {
		fn(m.Snapshot())
	}
}
