package deferred_test

import (
	"testing"
	"time"

	"github.com/MrWong99/raksha/internal/deferred"
)

func TestSlot_FiresAfterDelay(t *testing.T) {
	t.Parallel()

	clock := deferred.NewManualClock()
	s := deferred.New(clock, nil)

	fired := 0
	s.Arm(380*time.Millisecond, func() { fired++ })
	clock.Advance(379 * time.Millisecond)
	if fired != 0 {
		t.Fatal("fired early")
	}
	clock.Advance(time.Millisecond)
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
	if s.Pending() {
		t.Error("still pending after firing")
	}
}

func TestSlot_ArmReplacesPending(t *testing.T) {
	t.Parallel()

	clock := deferred.NewManualClock()
	s := deferred.New(clock, nil)

	var got []string
	s.Arm(100*time.Millisecond, func() { got = append(got, "first") })
	clock.Advance(50 * time.Millisecond)
	s.Arm(100*time.Millisecond, func() { got = append(got, "second") })
	clock.Advance(60 * time.Millisecond)
	if len(got) != 0 {
		t.Fatalf("superseded action ran: %v", got)
	}
	clock.Advance(50 * time.Millisecond)
	if len(got) != 1 || got[0] != "second" {
		t.Errorf("got %v, want [second]", got)
	}
	if clock.Pending() != 0 {
		t.Errorf("clock has %d live timers", clock.Pending())
	}
}

func TestSlot_Cancel(t *testing.T) {
	t.Parallel()

	clock := deferred.NewManualClock()
	s := deferred.New(clock, nil)

	if s.Cancel() {
		t.Error("Cancel on empty slot reported true")
	}
	ran := false
	s.Arm(10*time.Millisecond, func() { ran = true })
	if !s.Cancel() {
		t.Error("Cancel reported nothing pending")
	}
	clock.Advance(time.Second)
	if ran {
		t.Error("cancelled action ran")
	}
}

func TestSlot_FireRunsNow(t *testing.T) {
	t.Parallel()

	clock := deferred.NewManualClock()
	s := deferred.New(clock, nil)

	runs := 0
	s.Arm(time.Hour, func() { runs++ })
	if !s.Fire() {
		t.Fatal("Fire reported nothing pending")
	}
	if runs != 1 {
		t.Fatalf("runs = %d, want 1", runs)
	}
	clock.Advance(2 * time.Hour)
	if runs != 1 {
		t.Errorf("action ran again from its timer")
	}
	if s.Fire() {
		t.Error("second Fire ran something")
	}
}

// A timer that already expired but whose callback is still queued for the
// owner must not run once the slot was cancelled.
func TestSlot_StaleExpiryIgnored(t *testing.T) {
	t.Parallel()

	clock := deferred.NewManualClock()
	var queued []func()
	s := deferred.New(clock, func(f func()) { queued = append(queued, f) })

	ran := false
	s.Arm(10*time.Millisecond, func() { ran = true })
	clock.Advance(10 * time.Millisecond)
	if len(queued) != 1 {
		t.Fatalf("queued = %d, want 1", len(queued))
	}
	s.Cancel()
	queued[0]()
	if ran {
		t.Error("stale expiry ran a cancelled action")
	}
}

func TestSlot_StaleExpiryAfterRearm(t *testing.T) {
	t.Parallel()

	clock := deferred.NewManualClock()
	var queued []func()
	s := deferred.New(clock, func(f func()) { queued = append(queued, f) })

	var got []int
	s.Arm(10*time.Millisecond, func() { got = append(got, 1) })
	clock.Advance(10 * time.Millisecond)
	s.Arm(10*time.Millisecond, func() { got = append(got, 2) })
	queued[0]() // stale expiry of the first arm
	if len(got) != 0 {
		t.Fatalf("stale expiry ran %v", got)
	}
	clock.Advance(10 * time.Millisecond)
	queued[1]()
	if len(got) != 1 || got[0] != 2 {
		t.Errorf("got %v, want [2]", got)
	}
}

func TestRealClock(t *testing.T) {
	t.Parallel()

	inbox := make(chan func(), 1)
	s := deferred.New(deferred.RealClock{}, func(f func()) { inbox <- f })
	ran := false
	s.Arm(time.Millisecond, func() { ran = true })
	select {
	case f := <-inbox:
		f()
	case <-time.After(2 * time.Second):
		t.Fatal("real clock never fired")
	}
	if !ran || s.Pending() {
		t.Errorf("ran=%v pending=%v, want true/false", ran, s.Pending())
	}
}
