package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/renja-g/CrateSync/internal/fetch"
	"github.com/renja-g/CrateSync/internal/ratelimit"
)

type PoolConfig[K comparable, V any] struct {
	Name  string
	Fetch func(ctx context.Context, id K) (V, error)
	Sink  func(id K, value V)
	// OnError receives failures that drop an item. Optional.
	OnError func(id K, err error)

	Workers      int
	Pacing       time.Duration
	PauseRecheck time.Duration
	Cooldown     time.Duration
	Budget       int

	Clock   clock.WithTicker
	Logger  *slog.Logger
	Metrics MetricsSink
}

// Result summarizes a finished pool run.
type Result struct {
	Completed int
	Dropped   int
	Throttled int
	// Remaining counts items left pending when the budget ran out.
	Remaining int
	Err       error
	Aborted   bool
}

// Partial reports a run that finished but dropped some items.
func (r Result) Partial() bool {
	return !r.Aborted && r.Err == nil && r.Dropped > 0
}

// Pool is the worker-pool scheduler. A Pool runs once: items are enqueued,
// Start launches the workers, and Done is closed when the last worker exits.
type Pool[K comparable, V any] struct {
	cfg PoolConfig[K, V]
	log *slog.Logger

	mu       sync.Mutex
	gen      *Generation
	queue    *Queue[K]
	budget   *ratelimit.Budget
	pause    cooldown
	running  int
	started  bool
	finished bool
	aborted  bool
	stats    Stats
	err      error

	done chan struct{}
}

func NewPool[K comparable, V any](cfg PoolConfig[K, V]) (*Pool[K, V], error) {
	if cfg.Fetch == nil {
		return nil, fmt.Errorf("Fetch is required")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("Sink is required")
	}
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("Workers must be > 0")
	}
	if cfg.Pacing < 0 {
		return nil, fmt.Errorf("Pacing must be >= 0")
	}
	if cfg.Name == "" {
		cfg.Name = "pool"
	}
	if cfg.PauseRecheck <= 0 {
		cfg.PauseRecheck = time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	return &Pool[K, V]{
		cfg:    cfg,
		log:    cfg.Logger.With("scheduler", cfg.Name),
		queue:  NewQueue[K](),
		budget: ratelimit.NewBudget(cfg.Budget),
		done:   make(chan struct{}),
	}, nil
}

// Enqueue appends ids that are not already known to the pool and reports how
// many were added.
func (p *Pool[K, V]) Enqueue(ids ...K) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.finished || p.aborted {
		return 0, ErrClosed
	}
	now := p.cfg.Clock.Now()
	added := 0
	for _, id := range ids {
		if p.queue.EnqueueIfEligible(WorkItem[K]{ID: id, EnqueuedAt: now}) {
			added++
		}
	}
	p.observeQueue()
	return added, nil
}

// Start launches the workers. Fetches run under a context derived from ctx.
func (p *Pool[K, V]) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	p.started = true
	p.gen = newGeneration(ctx, 1)

	if p.aborted {
		p.gen.Abort()
		p.finish()
		return nil
	}

	n := min(p.cfg.Workers, max(p.queue.Len(), 1))
	p.running = n
	for range n {
		go p.worker(p.gen)
	}
	p.log.Info("pool_started", "session", p.gen.ID, "workers", n, "pending", p.queue.Len())
	return nil
}

// Done is closed when every worker has exited.
func (p *Pool[K, V]) Done() <-chan struct{} { return p.done }

// Wait blocks until the pool finishes or ctx ends.
func (p *Pool[K, V]) Wait(ctx context.Context) (Result, error) {
	select {
	case <-p.done:
		return p.Result(), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Result reports the counts so far.
func (p *Pool[K, V]) Result() Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Result{
		Completed: p.stats.Completed,
		Dropped:   p.stats.Dropped,
		Throttled: p.stats.Throttled,
		Remaining: p.queue.Len(),
		Err:       p.err,
		Aborted:   p.aborted,
	}
}

// Abort cancels every in-flight fetch and clears the queue. Results arriving
// afterwards are discarded. reason may be nil.
func (p *Pool[K, V]) Abort(reason error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.abortLocked(reason)
}

func (p *Pool[K, V]) abortLocked(reason error) {
	if p.aborted || p.finished {
		return
	}
	p.aborted = true
	p.err = reason
	p.queue.Reset()
	p.observeQueue()
	if p.gen == nil {
		return
	}
	p.gen.Abort()
	p.log.Info("session_aborted", "session", p.gen.ID, "reason", reason)
}

func (p *Pool[K, V]) Status() Status[K] {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.cfg.Clock.Now()
	st := Status[K]{
		State:           p.stateLocked(now),
		Pending:         p.queue.Pending(),
		Active:          p.queue.ActiveLen(),
		Done:            p.queue.DoneLen(),
		Stats:           p.stats,
		BudgetRemaining: budgetGauge(p.budget.Remaining(), p.budget.Cap()),
		Err:             p.err,
	}
	if p.gen != nil {
		st.Epoch = p.gen.Epoch
		st.SessionID = p.gen.ID
	}
	if p.pause.active(now) {
		st.PausedUntil = p.pause.until
	}
	return st
}

func (p *Pool[K, V]) stateLocked(now time.Time) State {
	switch {
	case !p.started || p.finished || p.aborted:
		return StateIdle
	case p.pause.active(now):
		return StatePaused
	case p.budget.Exhausted():
		return StateExhausted
	default:
		return StateRunning
	}
}

func (p *Pool[K, V]) worker(gen *Generation) {
	defer p.workerExit()

	ctx := gen.Context()
	for {
		if !p.waitWhilePaused(ctx) {
			return
		}
		if !p.sleep(ctx, p.cfg.Pacing) {
			return
		}

		item, ok := p.take(gen)
		if !ok {
			return
		}
		if item == nil {
			// Paused while pacing.
			continue
		}

		v, err := p.safeFetch(ctx, item.ID)
		p.settle(gen, *item, v, err)
	}
}

// waitWhilePaused sleeps in PauseRecheck steps until the cooldown lapses.
func (p *Pool[K, V]) waitWhilePaused(ctx context.Context) bool {
	for {
		p.mu.Lock()
		paused := p.pause.active(p.cfg.Clock.Now())
		p.mu.Unlock()
		if !paused {
			return true
		}
		if !p.sleep(ctx, p.cfg.PauseRecheck) {
			return false
		}
	}
}

func (p *Pool[K, V]) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := p.cfg.Clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C():
		return true
	case <-ctx.Done():
		return false
	}
}

// take pops the next item. It returns ok=false when the worker should exit
// and a nil item when it should loop again.
func (p *Pool[K, V]) take(gen *Generation) (*WorkItem[K], bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if gen.Aborted() {
		return nil, false
	}
	if p.pause.active(p.cfg.Clock.Now()) {
		return nil, true
	}
	if p.budget.Exhausted() {
		return nil, false
	}
	items := p.queue.TakeUpTo(1)
	if len(items) == 0 {
		return nil, false
	}
	p.budget.Consume()
	p.cfg.Metrics.ObserveDispatch(p.cfg.Name)
	p.observeQueue()
	p.cfg.Metrics.ObserveBudget(p.cfg.Name, budgetGauge(p.budget.Remaining(), p.budget.Cap()))
	return &items[0], true
}

func (p *Pool[K, V]) safeFetch(ctx context.Context, id K) (_ V, err error) {
	defer func() {
		if x := recover(); x != nil {
			err = fmt.Errorf("panic in fetch: %v\n%s", x, string(debug.Stack()))
		}
	}()
	return p.cfg.Fetch(ctx, id)
}

// settle retires item under mu, then hands the value or error to the
// callbacks with mu released. A generation aborted in between drops the value.
func (p *Pool[K, V]) settle(gen *Generation, item WorkItem[K], v V, err error) {
	outcome, ok := p.transition(gen, item, err)
	if !ok {
		return
	}
	switch outcome {
	case OutcomeCompleted:
		if !gen.Aborted() {
			p.cfg.Sink(item.ID, v)
		}
	case OutcomeDropped:
		if p.cfg.OnError != nil {
			p.cfg.OnError(item.ID, err)
		}
	}
}

// transition applies the queue and stats change for a finished fetch. It
// reports false when the result must be discarded.
func (p *Pool[K, V]) transition(gen *Generation, item WorkItem[K], err error) (Outcome, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if gen.Aborted() {
		return 0, false
	}

	outcome := OutcomeCompleted
	switch kind := fetch.Classify(err); kind {
	case fetch.KindOK:
		p.stats.Completed++
	case fetch.KindRateLimited:
		outcome = OutcomeThrottled
		p.stats.Throttled++
		wait := max(p.cfg.Cooldown, fetch.RetryAfter(err))
		if p.pause.arm(p.cfg.Clock.Now(), wait) {
			p.cfg.Metrics.ObserveCooldown(p.cfg.Name, wait)
			p.log.Info("provider_throttled", "session", gen.ID, "item", item.ID, "cooldown", wait)
		}
	case fetch.KindAuth:
		p.log.Error("session_auth_failed", "session", gen.ID, "item", item.ID, "error", err)
		p.cfg.Metrics.ObserveOutcome(p.cfg.Name, OutcomeDropped.String())
		p.abortLocked(err)
		return 0, false
	default:
		// Includes cancellation errors from a fetch whose generation is
		// still live.
		outcome = OutcomeDropped
		p.stats.Dropped++
		p.log.Warn("fetch_failed", "session", gen.ID, "item", item.ID, "kind", kind.String(), "error", err)
	}

	p.queue.Retire(item, outcome)
	p.cfg.Metrics.ObserveOutcome(p.cfg.Name, outcome.String())
	p.observeQueue()
	return outcome, true
}

func (p *Pool[K, V]) workerExit() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.running--
	if p.running > 0 {
		return
	}
	p.finish()
}

// finish closes done exactly once. Caller holds mu.
func (p *Pool[K, V]) finish() {
	if p.finished {
		return
	}
	p.finished = true
	if !p.aborted && p.gen.Aborted() {
		// Parent context ended.
		p.aborted = true
		p.err = context.Cause(p.gen.Context())
	}
	p.observeQueue()
	p.log.Info("pool_finished",
		"session", p.gen.ID,
		"completed", p.stats.Completed,
		"dropped", p.stats.Dropped,
		"throttled", p.stats.Throttled,
		"remaining", p.queue.Len(),
		"aborted", p.aborted,
	)
	close(p.done)
}

func (p *Pool[K, V]) observeQueue() {
	p.cfg.Metrics.ObserveQueue(p.cfg.Name, p.queue.Len(), p.queue.ActiveLen())
}
