// Package scheduler coordinates fetches against rate-limited providers.
//
// Two shapes share one queue model. A Dispatcher wakes on a ticker and starts
// as many items as the rate window, concurrency gate and session budget
// allow. A Pool runs a fixed set of paced workers that each fetch one item at
// a time. Both pause globally when a provider throttles, requeue the
// throttled item at the front, and discard results from aborted generations.
package scheduler

import (
	"errors"
	"time"
)

var (
	// ErrClosed is returned by operations on a closed Dispatcher or a
	// finished or aborted Pool.
	ErrClosed = errors.New("scheduler closed")
	// ErrDraining is returned when items are enqueued after Drain.
	ErrDraining = errors.New("scheduler draining")
)

// Outcome is how an active item left the active set.
type Outcome uint8

const (
	// OutcomeCompleted: the value reached the sink. The item joins the done set.
	OutcomeCompleted Outcome = iota
	// OutcomeDropped: the fetch failed for good. The item joins the done set
	// and is not retried in this generation.
	OutcomeDropped
	// OutcomeThrottled: the provider refused the call. The item goes back to
	// the front of the pending queue.
	OutcomeThrottled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeDropped:
		return "dropped"
	case OutcomeThrottled:
		return "throttled"
	default:
		return "unknown"
	}
}

// State is the coarse scheduler state reported in Status.
type State uint8

const (
	// StateIdle: nothing pending or active, or the run has finished.
	StateIdle State = iota
	// StateRunning: items are pending or in flight.
	StateRunning
	// StatePaused: a throttle cooldown is in effect.
	StatePaused
	// StateDraining: Drain was called and intake is closed.
	StateDraining
	// StateExhausted: the session budget is spent with items still pending.
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateDraining:
		return "draining"
	case StateExhausted:
		return "budget_exhausted"
	default:
		return "unknown"
	}
}

// MetricsSink receives scheduler observations. Implementations must be safe
// for concurrent use.
type MetricsSink interface {
	ObserveDispatch(scheduler string)
	ObserveOutcome(scheduler string, outcome string)
	ObserveQueue(scheduler string, pending, active int)
	ObserveBudget(scheduler string, remaining int)
	ObserveCooldown(scheduler string, d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) ObserveDispatch(string)                {}
func (noopMetrics) ObserveOutcome(string, string)         {}
func (noopMetrics) ObserveQueue(string, int, int)         {}
func (noopMetrics) ObserveBudget(string, int)             {}
func (noopMetrics) ObserveCooldown(string, time.Duration) {}

// Sink receives successful results. Write must not block.
type Sink[K comparable, V any] interface {
	Write(id K, provider string, value V)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc[K comparable, V any] func(id K, provider string, value V)

func (f SinkFunc[K, V]) Write(id K, provider string, value V) { f(id, provider, value) }

// Stats counts item outcomes within one generation.
type Stats struct {
	Completed int
	Dropped   int
	Throttled int
}

// cooldown tracks the global pause armed by provider throttling.
type cooldown struct {
	until time.Time
}

func (c *cooldown) active(now time.Time) bool {
	return now.Before(c.until)
}

// arm pauses until now+d unless a pause is already in effect, and reports
// whether it armed a new one.
func (c *cooldown) arm(now time.Time, d time.Duration) bool {
	if c.active(now) {
		return false
	}
	c.until = now.Add(d)
	return true
}

func budgetGauge(remaining, capacity int) int {
	if capacity <= 0 {
		return -1
	}
	return remaining
}
