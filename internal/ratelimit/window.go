package ratelimit

import (
	"math"
	"time"
)

// Window models a sliding-window limit: at most Limit reservations within any
// trailing Window. A Limit <= 0 disables the window.
//
// Window is not safe for concurrent use; it is owned by a single scheduler.
type Window struct {
	Limit  int
	Window time.Duration

	stamps []time.Time
}

// NewWindow returns a window admitting limit reservations per window.
func NewWindow(limit int, window time.Duration) *Window {
	return &Window{Limit: limit, Window: window}
}

func (w *Window) prune(now time.Time) {
	cutoff := now.Add(-w.Window)
	idx := 0
	for _, at := range w.stamps {
		if at.After(cutoff) {
			w.stamps[idx] = at
			idx++
		}
	}
	clear(w.stamps[idx:])
	w.stamps = w.stamps[:idx]
}

// TryReserve records a dispatch at now if the window has room and reports
// whether it did. Reservations are only made for work about to start.
func (w *Window) TryReserve(now time.Time) bool {
	if w.Limit <= 0 {
		return true
	}
	w.prune(now)
	if len(w.stamps) >= w.Limit {
		return false
	}
	w.stamps = append(w.stamps, now)
	return true
}

// Remaining reports how many reservations would succeed at now.
func (w *Window) Remaining(now time.Time) int {
	if w.Limit <= 0 {
		return math.MaxInt
	}
	w.prune(now)
	remaining := w.Limit - len(w.stamps)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// Used reports the number of live reservations at now.
func (w *Window) Used(now time.Time) int {
	w.prune(now)
	return len(w.stamps)
}

// NextAvailable returns the earliest time a new reservation can succeed.
func (w *Window) NextAvailable(now time.Time) time.Time {
	if w.Limit <= 0 {
		return now
	}
	w.prune(now)
	if len(w.stamps) < w.Limit {
		return now
	}
	return w.stamps[len(w.stamps)-w.Limit].Add(w.Window)
}
