package resilience

import (
	"sync"
	"time"
)

// SlidingWindow admits at most Limit events in any trailing Window. It is
// shared by every call in the process.
type SlidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	stamps []time.Time
	now    func() time.Time
}

func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	if limit <= 0 {
		limit = 50
	}
	if window <= 0 {
		window = time.Minute
	}
	return &SlidingWindow{limit: limit, window: window, now: time.Now}
}

// Allow evicts expired timestamps and records an admission if budget remains.
func (w *SlidingWindow) Allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	cutoff := now.Add(-w.window)
	keep := 0
	for keep < len(w.stamps) && !w.stamps[keep].After(cutoff) {
		keep++
	}
	if keep > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[keep:]...)
	}
	if len(w.stamps) >= w.limit {
		return false
	}
	w.stamps = append(w.stamps, now)
	return true
}

// InFlight returns the admissions still inside the window.
func (w *SlidingWindow) InFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.stamps)
}
