package session

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/MrWong99/raksha/internal/deferred"
	"github.com/MrWong99/raksha/internal/observe"
	"github.com/MrWong99/raksha/pkg/audio/device"
	"github.com/MrWong99/raksha/pkg/vad"
)

// ErrNotRunning is returned by [Session] commands when [Session.Run] has
// returned.
var ErrNotRunning = errors.New("session: not running")

// ErrAlreadyRunning is returned by a second concurrent call to [Session.Run].
var ErrAlreadyRunning = errors.New("session: already running")

// Queue sizes.
const (
	DefaultInboxSize    = 256
	DefaultCaptureQueue = 64
	statsQueueSize      = 8
)

// Session is the single actor of a voice client. It owns a [Machine] and
// serialises every command, transport callback, timer expiry and audio
// hand-off onto one goroutine, the one running [Session.Run].
//
// Capture callbacks reach the actor through a bounded queue. When the queue
// is full the block is dropped and counted instead of blocking the audio
// thread.
type Session struct {
	m       *Machine
	metrics *observe.Metrics

	inbox    chan func()
	captureQ chan func()
	statsQ   chan func()
	done     chan struct{}

	running        atomic.Bool
	captureDropped atomic.Uint64
	reportedDrops  uint64

	last atomic.Pointer[Snapshot]

	// construction-time settings
	clock     deferred.Clock
	observer  Observer
	inboxSize int
	captureN  int
}

// Option is a functional option for [New].
type Option func(*Session)

// WithClock replaces the timer source. Tests pass a [deferred.ManualClock].
func WithClock(c deferred.Clock) Option {
	return func(s *Session) {
		s.clock = c
	}
}

// WithObserver registers callbacks for state changes and forwarded events.
func WithObserver(o Observer) Option {
	return func(s *Session) {
		s.observer = o
	}
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// WithCaptureQueue sets how many capture blocks may wait for the actor.
func WithCaptureQueue(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.captureN = n
		}
	}
}

// WithInboxSize sets the capacity of the command and event inbox.
func WithInboxSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.inboxSize = n
		}
	}
}

// New creates a Session. Nothing is opened until [Session.Connect].
func New(cfg Config, t Transport, backend device.Backend, opts ...Option) (*Session, error) {
	s := &Session{
		inboxSize: DefaultInboxSize,
		captureN:  DefaultCaptureQueue,
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.inbox = make(chan func(), s.inboxSize)
	s.captureQ = make(chan func(), s.captureN)
	s.statsQ = make(chan func(), statsQueueSize)

	obs := s.observer
	userOnState := obs.OnState
	obs.OnState = func(snap Snapshot) {
		s.last.Store(&snap)
		if userOnState != nil {
			userOnState(snap)
		}
	}

	m, err := NewMachine(cfg, Deps{
		Transport:    t,
		Backend:      backend,
		Clock:        s.clock,
		Post:         s.post,
		OfferCapture: s.offerCapture,
		OfferStats:   s.offerStats,
		Observer:     obs,
		Metrics:      s.metrics,
	})
	if err != nil {
		return nil, err
	}
	s.m = m
	snap := m.Snapshot()
	s.last.Store(&snap)
	return s, nil
}

// Run processes the session timeline until ctx is cancelled. On return the
// session is disconnected and every further command fails with
// [ErrNotRunning].
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			s.m.Disconnect()
			s.reportDrops()
			return nil
		case fn := <-s.inbox:
			fn()
		case fn := <-s.captureQ:
			fn()
		case fn := <-s.statsQ:
			fn()
			s.reportDrops()
		}
	}
}

// Connect opens the session and waits until it is ready, has failed or was
// abandoned by [Session.Disconnect]. The actor keeps serving other commands
// while the dial is in flight. The outcome is reported through the state;
// the error only covers delivery of the command and ctx.
func (s *Session) Connect(ctx context.Context) error {
	var settled <-chan struct{}
	if err := s.call(ctx, func() { settled = s.m.Connect(ctx) }); err != nil {
		return err
	}
	select {
	case <-settled:
		return nil
	case <-s.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect ends the session.
func (s *Session) Disconnect() error {
	return s.call(context.Background(), s.m.Disconnect)
}

// BeginHold presses the push-to-talk control.
func (s *Session) BeginHold() error {
	return s.call(context.Background(), s.m.BeginHold)
}

// EndHold releases the push-to-talk control.
func (s *Session) EndHold() error {
	return s.call(context.Background(), s.m.EndHold)
}

// UpdateGate applies new voice activity gate settings.
func (s *Session) UpdateGate(cfg vad.Config) error {
	var err error
	if cerr := s.call(context.Background(), func() { err = s.m.UpdateGate(cfg) }); cerr != nil {
		return cerr
	}
	return err
}

// SetBargeIn enables or disables local interruption.
func (s *Session) SetBargeIn(enabled bool) error {
	return s.call(context.Background(), func() { s.m.SetBargeIn(enabled) })
}

// Snapshot returns the current observable state. When the actor is not
// running it returns the last state it published.
func (s *Session) Snapshot() Snapshot {
	if !s.running.Load() {
		return *s.last.Load()
	}
	var snap Snapshot
	if err := s.call(context.Background(), func() { snap = s.m.Snapshot() }); err != nil {
		return *s.last.Load()
	}
	return snap
}

// Connected reports whether the last published state belongs to a live
// session. Safe to call from any goroutine without touching the actor.
func (s *Session) Connected() bool {
	return s.last.Load().State.Connected()
}

// CaptureDropped returns how many capture blocks were dropped so far.
func (s *Session) CaptureDropped() uint64 { return s.captureDropped.Load() }

func (s *Session) call(ctx context.Context, fn func()) error {
	select {
	case <-s.done:
		return ErrNotRunning
	default:
	}
	finished := make(chan struct{})
	select {
	case s.inbox <- func() { fn(); close(finished) }:
	case <-s.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-s.done:
		return ErrNotRunning
	}
}

func (s *Session) post(fn func()) {
	select {
	case s.inbox <- fn:
	case <-s.done:
	}
}

func (s *Session) offerCapture(fn func()) bool {
	select {
	case s.captureQ <- fn:
		return true
	default:
		s.captureDropped.Add(1)
		return false
	}
}

func (s *Session) offerStats(fn func()) bool {
	select {
	case s.statsQ <- fn:
		return true
	default:
		return false
	}
}

// reportDrops moves capture drops counted on the audio thread into metrics.
func (s *Session) reportDrops() {
	n := s.captureDropped.Load()
	if n > s.reportedDrops {
		s.metrics.CaptureDropped.Add(context.Background(), int64(n-s.reportedDrops))
		s.reportedDrops = n
	}
}
