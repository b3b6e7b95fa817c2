package ratelimit

import "math"

// Gate caps the number of simultaneously active operations.
// Every successful Acquire must be paired with exactly one Release.
type Gate struct {
	cap    int
	active int
}

// NewGate returns a gate admitting up to capacity holders. A capacity <= 0
// admits nothing.
func NewGate(capacity int) *Gate {
	if capacity < 0 {
		capacity = 0
	}
	return &Gate{cap: capacity}
}

// Acquire takes one slot and reports whether one was free.
func (g *Gate) Acquire() bool {
	if g.active >= g.cap {
		return false
	}
	g.active++
	return true
}

// Release returns one slot. Releasing an idle gate is a no-op.
func (g *Gate) Release() {
	if g.active > 0 {
		g.active--
	}
}

func (g *Gate) Remaining() int { return g.cap - g.active }

func (g *Gate) Active() int { return g.active }

func (g *Gate) Cap() int { return g.cap }

// Budget is a hard ceiling on the number of attempts made over a session.
// A cap <= 0 is unbounded.
type Budget struct {
	cap      int
	consumed int
}

func NewBudget(capacity int) *Budget {
	return &Budget{cap: capacity}
}

// Consume spends one unit and reports whether the budget allowed it.
func (b *Budget) Consume() bool {
	if b.cap > 0 && b.consumed >= b.cap {
		return false
	}
	b.consumed++
	return true
}

func (b *Budget) Remaining() int {
	if b.cap <= 0 {
		return math.MaxInt
	}
	return b.cap - b.consumed
}

// Exhausted reports whether no further attempts are allowed until Reset.
func (b *Budget) Exhausted() bool {
	return b.cap > 0 && b.consumed >= b.cap
}

func (b *Budget) Consumed() int { return b.consumed }

func (b *Budget) Cap() int { return b.cap }

// Reset returns all consumed units.
func (b *Budget) Reset() {
	b.consumed = 0
}
