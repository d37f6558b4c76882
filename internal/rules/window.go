package rules

import (
	"sync"
	"time"
)

// window is a per-rule sliding log of alert creation times.
type window struct {
	mu     sync.Mutex
	events map[string][]time.Time
}

func newWindow() *window {
	return &window{events: make(map[string][]time.Time)}
}

// acquire records an event at now when fewer than max events fall inside
// the trailing span. max <= 0 or span <= 0 means unlimited.
func (w *window) acquire(key string, max int, span time.Duration, now time.Time) bool {
	if max <= 0 || span <= 0 {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := now.Add(-span)
	kept := w.events[key][:0]
	for _, t := range w.events[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= max {
		w.events[key] = kept
		return false
	}
	w.events[key] = append(kept, now)
	return true
}

// release drops the most recent event recorded at at.
func (w *window) release(key string, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ev := w.events[key]
	for i := len(ev) - 1; i >= 0; i-- {
		if ev[i].Equal(at) {
			w.events[key] = append(ev[:i], ev[i+1:]...)
			return
		}
	}
}
