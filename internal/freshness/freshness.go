// Package freshness decides whether a previously fetched result may be reused.
package freshness

import (
	"time"

	"k8s.io/utils/clock"
)

// DefaultTTL is how long supplementary metadata stays valid.
const DefaultTTL = 30 * 24 * time.Hour

// IsFresh reports whether a result last checked at lastCheckedAt is still
// usable at now. A missing check (ok == false) is never fresh.
func IsFresh(lastCheckedAt time.Time, ok bool, ttl time.Duration, now time.Time) bool {
	return ok && now.Sub(lastCheckedAt) < ttl
}

// Oracle binds a TTL and a clock.
type Oracle struct {
	TTL   time.Duration
	Clock clock.PassiveClock
}

// New returns an oracle using the real clock. A ttl <= 0 selects DefaultTTL.
func New(ttl time.Duration) Oracle {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return Oracle{TTL: ttl, Clock: clock.RealClock{}}
}

func (o Oracle) Fresh(lastCheckedAt time.Time, ok bool) bool {
	c := o.Clock
	if c == nil {
		c = clock.RealClock{}
	}
	return IsFresh(lastCheckedAt, ok, o.TTL, c.Now())
}
