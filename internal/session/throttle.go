package session

import (
	"sync"
	"time"
)

// DefaultScrollInterval is how often the renderer is asked to scroll while a
// reply streams in.
const DefaultScrollInterval = 300 * time.Millisecond

// Throttle coalesces bursts of triggers into at most one call per interval.
// The call happens on the trailing edge: the first trigger arms a timer and
// every trigger until it fires is folded into that single call.
type Throttle struct {
	mu       sync.Mutex
	interval time.Duration
	fn       func()
	timer    *time.Timer
	stopped  bool
}

// NewThrottle returns a Throttle calling fn. A non-positive interval uses
// DefaultScrollInterval.
func NewThrottle(interval time.Duration, fn func()) *Throttle {
	if interval <= 0 {
		interval = DefaultScrollInterval
	}
	return &Throttle{interval: interval, fn: fn}
}

// Trigger schedules fn unless a call is already pending.
func (t *Throttle) Trigger() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.timer != nil {
		return
	}
	t.timer = time.AfterFunc(t.interval, t.fire)
}

func (t *Throttle) fire() {
	t.mu.Lock()
	t.timer = nil
	stopped := t.stopped
	t.mu.Unlock()
	if !stopped {
		t.fn()
	}
}

// Stop drops any pending call. Later triggers are ignored.
func (t *Throttle) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
