package ratelimit

import "testing"

func TestGate(t *testing.T) {
	g := NewGate(2)

	if !g.Acquire() || !g.Acquire() {
		t.Fatal("Acquire() failed below capacity")
	}
	if g.Acquire() {
		t.Fatal("Acquire() succeeded at capacity")
	}
	if got := g.Remaining(); got != 0 {
		t.Fatalf("Remaining() = %d, want 0", got)
	}

	g.Release()
	if got := g.Remaining(); got != 1 {
		t.Fatalf("Remaining() after release = %d, want 1", got)
	}

	g.Release()
	g.Release()
	if got := g.Active(); got != 0 {
		t.Fatalf("Active() after extra release = %d, want 0", got)
	}
}

func TestBudget(t *testing.T) {
	tests := []struct {
		name          string
		cap           int
		attempts      int
		wantConsumed  int
		wantExhausted bool
	}{
		{name: "bounded budget stops at cap", cap: 5, attempts: 10, wantConsumed: 5, wantExhausted: true},
		{name: "below cap", cap: 5, attempts: 3, wantConsumed: 3, wantExhausted: false},
		{name: "unbounded budget", cap: 0, attempts: 1000, wantConsumed: 1000, wantExhausted: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBudget(tt.cap)
			for range tt.attempts {
				b.Consume()
				if tt.cap > 0 && b.Consumed() > tt.cap {
					t.Fatalf("Consumed() = %d exceeds cap %d", b.Consumed(), tt.cap)
				}
			}
			if got := b.Consumed(); got != tt.wantConsumed {
				t.Errorf("Consumed() = %d, want %d", got, tt.wantConsumed)
			}
			if got := b.Exhausted(); got != tt.wantExhausted {
				t.Errorf("Exhausted() = %v, want %v", got, tt.wantExhausted)
			}

			b.Reset()
			if b.Exhausted() || b.Consumed() != 0 {
				t.Errorf("after Reset: consumed=%d exhausted=%v", b.Consumed(), b.Exhausted())
			}
		})
	}
}
