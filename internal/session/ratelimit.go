// ABOUTME: Per-connection sliding-window rate limiter for message sends.
// ABOUTME: Excess sends get a non-fatal error; the connection stays up.

package session

import (
	"sync"
	"time"
)

// slidingWindow allows at most max events per window. Timestamps older than
// the window are pruned on every check.
type slidingWindow struct {
	mu     sync.Mutex
	window time.Duration
	max    int
	hits   []time.Time
}

func newSlidingWindow(window time.Duration, max int) *slidingWindow {
	return &slidingWindow{window: window, max: max}
}

// Allow records an event if under the limit and reports whether it fit.
func (w *slidingWindow) Allow(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-w.window)
	kept := w.hits[:0]
	for _, t := range w.hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.hits = kept

	if len(w.hits) >= w.max {
		return false
	}
	w.hits = append(w.hits, now)
	return true
}
