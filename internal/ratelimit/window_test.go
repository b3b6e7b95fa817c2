package ratelimit

import (
	"testing"
	"time"
)

func TestWindowTryReserve(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		limit   int
		window  time.Duration
		stamps  []time.Duration // offsets relative to now
		want    bool
		wantLen int
	}{
		{
			name:    "empty window admits",
			limit:   2,
			window:  time.Minute,
			want:    true,
			wantLen: 1,
		},
		{
			name:    "full window refuses",
			limit:   2,
			window:  time.Minute,
			stamps:  []time.Duration{-10 * time.Second, -5 * time.Second},
			want:    false,
			wantLen: 2,
		},
		{
			name:    "expired entries are pruned",
			limit:   2,
			window:  time.Minute,
			stamps:  []time.Duration{-2 * time.Minute, -5 * time.Second},
			want:    true,
			wantLen: 2,
		},
		{
			name:    "entry exactly one window old is expired",
			limit:   1,
			window:  time.Minute,
			stamps:  []time.Duration{-time.Minute},
			want:    true,
			wantLen: 1,
		},
		{
			name:    "zero limit is unlimited",
			limit:   0,
			window:  time.Minute,
			want:    true,
			wantLen: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewWindow(tt.limit, tt.window)
			for _, off := range tt.stamps {
				w.stamps = append(w.stamps, now.Add(off))
			}

			if got := w.TryReserve(now); got != tt.want {
				t.Fatalf("TryReserve() = %v, want %v", got, tt.want)
			}
			if got := len(w.stamps); got != tt.wantLen {
				t.Fatalf("len(stamps) = %d, want %d", got, tt.wantLen)
			}
		})
	}
}

func TestWindowNeverExceedsLimit(t *testing.T) {
	start := time.Unix(0, 0)
	w := NewWindow(18, time.Minute)

	granted := 0
	for i := range 600 {
		now := start.Add(time.Duration(i) * 500 * time.Millisecond)
		for range 3 {
			if w.TryReserve(now) {
				granted++
			}
			if used := w.Used(now); used > w.Limit {
				t.Fatalf("at %s used = %d, limit %d", now.Sub(start), used, w.Limit)
			}
		}
	}

	// 300s of traffic can admit at most 18 per minute.
	if granted > 18*5 {
		t.Fatalf("granted %d reservations, want at most %d", granted, 18*5)
	}
}

func TestWindowRemainingAndNextAvailable(t *testing.T) {
	now := time.Unix(1000, 0)
	w := NewWindow(2, 10*time.Second)

	if got := w.Remaining(now); got != 2 {
		t.Fatalf("Remaining() = %d, want 2", got)
	}
	w.TryReserve(now)
	w.TryReserve(now.Add(3 * time.Second))

	later := now.Add(4 * time.Second)
	if got := w.Remaining(later); got != 0 {
		t.Fatalf("Remaining() = %d, want 0", got)
	}
	if got, want := w.NextAvailable(later), now.Add(10*time.Second); !got.Equal(want) {
		t.Fatalf("NextAvailable() = %v, want %v", got, want)
	}

	if got := w.Remaining(now.Add(10 * time.Second)); got != 1 {
		t.Fatalf("Remaining() after first expiry = %d, want 1", got)
	}
}
