// Package ratelimit implements sliding-window admission control for a
// single connection.
package ratelimit

import (
	"sync"
	"time"
)

// SlidingWindow admits at most limit events per rolling window. Zero or
// negative limits admit everything.
//
// Safe for concurrent use, though each connection typically owns one
// instance and calls it from a single goroutine.
type SlidingWindow struct {
	limit  int
	window time.Duration

	mu         sync.Mutex
	admissions []time.Time
}

// NewSlidingWindow creates a limiter admitting limit events per window.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		limit:  limit,
		window: window,
	}
}

// Allow reports whether an event arriving at now is admitted, and records
// it if so. Denied events are not recorded and do not extend the window.
func (s *SlidingWindow) Allow(now time.Time) bool {
	if s.limit <= 0 {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-s.window)
	kept := s.admissions[:0]
	for _, t := range s.admissions {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.admissions = kept

	if len(s.admissions) >= s.limit {
		return false
	}
	s.admissions = append(s.admissions, now)
	return true
}
