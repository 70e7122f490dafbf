package llm

import (
	"sync"
	"time"
)

const (
	// RateWindowSize is the number of recent request timestamps kept.
	RateWindowSize = 5
	// RateWindowSpan is the span under which consecutive requests count as a burst.
	RateWindowSpan = 15 * time.Second
	// RateLimitThreshold is the burst count at which keyless requests are rejected.
	RateLimitThreshold = 5
)

// RateWindow is a coarse, process-wide sliding-window abuse guard. It keeps
// the timestamps of the last RateWindowSize requests in a ring and a burst
// counter.
//
// The window is global, not per client.
type RateWindow struct {
	mu    sync.Mutex
	buf   [RateWindowSize]time.Time
	head  int // index of the oldest timestamp
	n     int
	count int
}

// NewRateWindow returns an empty window.
func NewRateWindow() *RateWindow {
	return &RateWindow{}
}

// Observe records a request at now and returns the updated burst counter.
//
// The elapsed time is measured against the oldest timestamp in the ring (the
// 5th most recent request once the ring is full). Under RateWindowSpan the
// counter increments, otherwise it resets to 1.
func (w *RateWindow) Observe(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.n > 0 && now.Sub(w.buf[w.head]) < RateWindowSpan {
		w.count++
	} else {
		w.count = 1
	}

	if w.n < len(w.buf) {
		w.buf[(w.head+w.n)%len(w.buf)] = now
		w.n++
	} else {
		w.buf[w.head] = now
		w.head = (w.head + 1) % len(w.buf)
	}
	return w.count
}

// Count returns the current burst counter.
func (w *RateWindow) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Len returns the number of timestamps held.
func (w *RateWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.n
}

// Exceeded reports whether a burst counter is over the limit.
func Exceeded(count int) bool {
	return count >= RateLimitThreshold
}
