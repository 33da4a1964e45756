// Package deferred provides a single-slot cancellable deferred action.
//
// A [Slot] holds at most one pending action. Arming it replaces whatever was
// pending, and a generation counter guarantees that a cancelled or superseded
// action never runs, even when its timer has already fired and the callback
// is on its way back to the owner.
//
// Slots are owned by one goroutine. Timer expiry is routed back onto that
// goroutine through the post function given to [New], so every method and
// every action runs on the owner's timeline.
package deferred

import (
	"cmp"
	"slices"
	"sync"
	"time"
)

// Stopper cancels a scheduled callback. It mirrors [time.Timer.Stop].
type Stopper interface {
	Stop() bool
}

// Clock schedules callbacks.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Stopper
}

// RealClock schedules with [time.AfterFunc].
type RealClock struct{}

// AfterFunc implements [Clock].
func (RealClock) AfterFunc(d time.Duration, f func()) Stopper {
	return time.AfterFunc(d, f)
}

// Slot is a single-slot deferred action. Not safe for concurrent use; see
// the package documentation.
type Slot struct {
	clock Clock
	post  func(func())

	gen     uint64
	pending func()
	timer   Stopper
}

// New creates a Slot that schedules on clock and delivers expiries through
// post. post must eventually run the function on the owner's goroutine; a nil
// post runs it directly on the clock's goroutine, which is only appropriate
// for single-goroutine tests.
func New(clock Clock, post func(func())) *Slot {
	if clock == nil {
		clock = RealClock{}
	}
	if post == nil {
		post = func(f func()) { f() }
	}
	return &Slot{clock: clock, post: post}
}

// Arm schedules fn to run after d, cancelling any pending action first.
func (s *Slot) Arm(d time.Duration, fn func()) {
	s.Cancel()
	s.gen++
	gen := s.gen
	s.pending = fn
	s.timer = s.clock.AfterFunc(d, func() {
		s.post(func() { s.expire(gen) })
	})
}

// Cancel drops the pending action. It reports whether one was pending.
func (s *Slot) Cancel() bool {
	if s.pending == nil {
		return false
	}
	s.gen++
	s.pending = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	return true
}

// Fire runs the pending action now instead of waiting for its timer. It
// reports whether an action ran.
func (s *Slot) Fire() bool {
	fn := s.pending
	if fn == nil {
		return false
	}
	s.Cancel()
	fn()
	return true
}

// Pending reports whether an action is armed.
func (s *Slot) Pending() bool { return s.pending != nil }

func (s *Slot) expire(gen uint64) {
	if gen != s.gen || s.pending == nil {
		return
	}
	fn := s.pending
	s.pending = nil
	s.timer = nil
	s.gen++
	fn()
}

// ── Manual clock ─────────────────────────────────────────────────────────────

// ManualClock is a [Clock] driven by [ManualClock.Advance]. It is safe for
// concurrent use and intended for tests.
type ManualClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*manualTimer
}

type manualTimer struct {
	c       *ManualClock
	at      time.Duration
	f       func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

// NewManualClock returns a clock at time zero.
func NewManualClock() *ManualClock { return &ManualClock{} }

// AfterFunc implements [Clock].
func (c *ManualClock) AfterFunc(d time.Duration, f func()) Stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{c: c, at: c.now + d, f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward by d and runs every timer that came due,
// in deadline order, on the calling goroutine.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	var due, rest []*manualTimer
	for _, t := range c.timers {
		switch {
		case t.stopped:
		case t.at <= c.now:
			t.stopped = true
			due = append(due, t)
		default:
			rest = append(rest, t)
		}
	}
	c.timers = rest
	c.mu.Unlock()

	slices.SortStableFunc(due, func(a, b *manualTimer) int { return cmp.Compare(a.at, b.at) })
	for _, t := range due {
		t.f()
	}
}

// Pending returns the number of timers that have neither fired nor stopped.
func (c *ManualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}
