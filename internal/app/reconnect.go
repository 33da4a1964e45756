package app

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// Connector is the part of a voice session the [Reconnector] drives.
// Connect reports only delivery failures; success is read back through
// Connected.
type Connector interface {
	Connect(ctx context.Context) error
	Connected() bool
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Session is reconnected after a transport fault.
	Session Connector

	// MaxRetries is the number of attempts per fault before giving up.
	// Defaults to 10 if zero.
	MaxRetries int

	// Backoff is the wait after the first failed attempt. It doubles each
	// attempt up to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff caps the wait between attempts. Defaults to 30s if zero.
	MaxBackoff time.Duration

	// OnReconnect is called after a successful attempt. May be nil.
	OnReconnect func(attempt int)
}

// Reconnector brings a session back after a transport fault. The session
// never retries on its own; it only lands in the error state, and whoever
// watches that state calls [Reconnector.NotifyDisconnect].
//
// A user disconnect calls [Reconnector.Cancel] so that a running cycle ends.
type Reconnector struct {
	cfg ReconnectorConfig

	signal chan struct{}

	mu   sync.Mutex
	stop context.CancelFunc
}

// NewReconnector applies defaults to cfg.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	return &Reconnector{cfg: cfg, signal: make(chan struct{}, 1)}
}

// NotifyDisconnect schedules a cycle. Signals raised while one is pending
// collapse. Never blocks.
func (r *Reconnector) NotifyDisconnect() {
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

// Cancel ends the running cycle, if any, and forgets a pending signal.
func (r *Reconnector) Cancel() {
	r.mu.Lock()
	if r.stop != nil {
		r.stop()
	}
	r.mu.Unlock()
	r.clearSignal()
}

// Run serves signals until ctx is cancelled. It always returns nil.
func (r *Reconnector) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.signal:
		}

		attempts, ok := r.cycle(ctx)
		switch {
		case ok:
			slog.Info("reconnect: session restored", "attempts", attempts)
			if r.cfg.OnReconnect != nil {
				r.cfg.OnReconnect(attempts)
			}
		case attempts == r.cfg.MaxRetries:
			slog.Error("reconnect: giving up", "attempts", attempts)
		}
	}
}

// cycle tries up to MaxRetries times and reports how many attempts it made
// and whether the last one connected. A session found connected before an
// attempt, or a cancelled cycle, ends it without success.
func (r *Reconnector) cycle(parent context.Context) (int, bool) {
	ctx, cancel := context.WithCancel(parent)
	r.mu.Lock()
	r.stop = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.stop = nil
		r.mu.Unlock()
		cancel()
		// Failed attempts signal again; those belong to this cycle.
		r.clearSignal()
	}()

	delay := r.cfg.Backoff
	attempt := 0
	for attempt < r.cfg.MaxRetries && ctx.Err() == nil && !r.cfg.Session.Connected() {
		attempt++
		err := r.cfg.Session.Connect(ctx)
		if err == nil && r.cfg.Session.Connected() {
			return attempt, true
		}
		slog.Warn("reconnect: attempt failed", "attempt", attempt, "of", r.cfg.MaxRetries, "retry_in", delay, "err", err)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
		}
		delay = min(2*delay, r.cfg.MaxBackoff)
	}
	return attempt, false
}

func (r *Reconnector) clearSignal() {
	select {
	case <-r.signal:
	default:
	}
}
