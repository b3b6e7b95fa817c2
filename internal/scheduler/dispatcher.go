package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/renja-g/CrateSync/internal/fetch"
	"github.com/renja-g/CrateSync/internal/ratelimit"
)

// FetchFunc fetches one provider's data for id. It must honour ctx.
type FetchFunc[K comparable, V any] func(ctx context.Context, id K, provider string) (V, error)

type DispatcherConfig[K comparable, V any] struct {
	Name  string
	Fetch FetchFunc[K, V]
	Sink  Sink[K, V]

	Concurrency  int
	RateLimit    int
	RateWindow   time.Duration
	TickInterval time.Duration
	Budget       int
	Cooldown     time.Duration

	Clock   clock.WithTicker
	Logger  *slog.Logger
	Metrics MetricsSink
}

// Status is a point-in-time view of a scheduler.
type Status[K comparable] struct {
	State           State
	Epoch           uint64
	SessionID       uuid.UUID
	Pending         []K
	Active          int
	Done            int
	Stats           Stats
	BudgetRemaining int // -1 when unbounded
	PausedUntil     time.Time
	Err             error
}

type enqueueRequest[K comparable] struct {
	items []WorkItem[K]
	resp  chan enqueueResponse
}

type enqueueResponse struct {
	added int
	err   error
}

type controlKind uint8

const (
	controlStatus controlKind = iota
	controlTick
	controlAbort
	controlReset
	controlResetBudget
	controlDrain
)

type controlRequest[K comparable] struct {
	kind controlKind
	resp chan Status[K]
}

type subResult[V any] struct {
	provider string
	value    V
	err      error
}

type completion[K comparable, V any] struct {
	epoch   uint64
	item    WorkItem[K]
	results []subResult[V]
}

// Dispatcher is the tick-driven scheduler. All queue and gate state is owned
// by a single loop goroutine; callers and fetches reach it through channels.
type Dispatcher[K comparable, V any] struct {
	cfg    DispatcherConfig[K, V]
	log    *slog.Logger
	parent context.Context

	enqueueCh  chan enqueueRequest[K]
	completeCh chan completion[K, V]
	controlCh  chan controlRequest[K]
	closeCh    chan chan struct{}
	stopped    chan struct{}
	inflight   sync.WaitGroup

	// Owned by loop.
	gen      *Generation
	queue    *Queue[K]
	window   *ratelimit.Window
	gate     *ratelimit.Gate
	budget   *ratelimit.Budget
	pause    cooldown
	ticker   clock.Ticker
	draining bool
	stats    Stats
	lastErr  error
}

// NewDispatcher starts a dispatcher loop. Close must be called to stop it.
func NewDispatcher[K comparable, V any](cfg DispatcherConfig[K, V]) (*Dispatcher[K, V], error) {
	if cfg.Fetch == nil {
		return nil, fmt.Errorf("Fetch is required")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("Sink is required")
	}
	if cfg.Concurrency <= 0 {
		return nil, fmt.Errorf("Concurrency must be > 0")
	}
	if cfg.TickInterval <= 0 {
		return nil, fmt.Errorf("TickInterval must be > 0")
	}
	if cfg.RateLimit > 0 && cfg.RateWindow <= 0 {
		return nil, fmt.Errorf("RateWindow must be > 0 when RateLimit is set")
	}
	if cfg.Name == "" {
		cfg.Name = "dispatcher"
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

	d := &Dispatcher[K, V]{
		cfg:        cfg,
		log:        cfg.Logger.With("scheduler", cfg.Name),
		parent:     context.Background(),
		enqueueCh:  make(chan enqueueRequest[K]),
		completeCh: make(chan completion[K, V], cfg.Concurrency),
		controlCh:  make(chan controlRequest[K]),
		closeCh:    make(chan chan struct{}),
		stopped:    make(chan struct{}),
		queue:      NewQueue[K](),
		window:     ratelimit.NewWindow(cfg.RateLimit, cfg.RateWindow),
		gate:       ratelimit.NewGate(cfg.Concurrency),
		budget:     ratelimit.NewBudget(cfg.Budget),
	}
	d.gen = newGeneration(d.parent, 1)
	go d.loop()
	return d, nil
}

// Enqueue adds id for the given providers unless it is already queued, active
// or done in the current generation. It reports whether the item was added.
func (d *Dispatcher[K, V]) Enqueue(ctx context.Context, id K, providers ...string) (bool, error) {
	n, err := d.EnqueueItems(ctx, WorkItem[K]{ID: id, Providers: providers})
	return n == 1, err
}

// EnqueueItems adds several items in order and reports how many were added.
func (d *Dispatcher[K, V]) EnqueueItems(ctx context.Context, items ...WorkItem[K]) (int, error) {
	req := enqueueRequest[K]{items: items, resp: make(chan enqueueResponse, 1)}
	select {
	case d.enqueueCh <- req:
	case <-d.stopped:
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	out := <-req.resp
	return out.added, out.err
}

// Status returns a snapshot of the dispatcher.
func (d *Dispatcher[K, V]) Status() Status[K] { return d.control(controlStatus) }

// Abort ends the current generation: pending and active work is forgotten,
// in-flight fetches are cancelled and their results discarded. The session
// budget and any cooldown carry over.
func (d *Dispatcher[K, V]) Abort() Status[K] { return d.control(controlAbort) }

// Reset aborts the current generation and also refunds the session budget,
// as when settings affecting eligibility change.
func (d *Dispatcher[K, V]) Reset() Status[K] { return d.control(controlReset) }

// ResetBudget refunds the session budget and resumes dispatch.
func (d *Dispatcher[K, V]) ResetBudget() Status[K] { return d.control(controlResetBudget) }

// Drain stops accepting new items; queued work still runs to completion.
func (d *Dispatcher[K, V]) Drain() Status[K] { return d.control(controlDrain) }

func (d *Dispatcher[K, V]) tickNow() Status[K] { return d.control(controlTick) }

func (d *Dispatcher[K, V]) control(kind controlKind) Status[K] {
	req := controlRequest[K]{kind: kind, resp: make(chan Status[K], 1)}
	select {
	case d.controlCh <- req:
		return <-req.resp
	case <-d.stopped:
		return Status[K]{Err: ErrClosed}
	}
}

// Close aborts in-flight work, stops the loop and waits for every fetch
// goroutine to return.
func (d *Dispatcher[K, V]) Close() error {
	done := make(chan struct{})
	select {
	case d.closeCh <- done:
		<-done
	case <-d.stopped:
	}
	d.inflight.Wait()
	return nil
}

func (d *Dispatcher[K, V]) loop() {
	defer close(d.stopped)

	for {
		select {
		case req := <-d.enqueueCh:
			req.resp <- d.handleEnqueue(req.items)
		case c := <-d.completeCh:
			d.handleCompletion(c)
		case req := <-d.controlCh:
			d.handleControl(req.kind)
			req.resp <- d.status()
		case <-d.tickC():
			d.tick()
		case done := <-d.closeCh:
			d.gen.Abort()
			d.queue.Reset()
			d.stopTicker()
			close(done)
			return
		}
	}
}

func (d *Dispatcher[K, V]) tickC() <-chan time.Time {
	if d.ticker == nil {
		return nil
	}
	return d.ticker.C()
}

func (d *Dispatcher[K, V]) startTicker() {
	if d.ticker != nil || d.budget.Exhausted() {
		return
	}
	d.ticker = d.cfg.Clock.NewTicker(d.cfg.TickInterval)
}

func (d *Dispatcher[K, V]) stopTicker() {
	if d.ticker == nil {
		return
	}
	d.ticker.Stop()
	d.ticker = nil
}

func (d *Dispatcher[K, V]) handleEnqueue(items []WorkItem[K]) enqueueResponse {
	if d.draining {
		return enqueueResponse{err: ErrDraining}
	}
	now := d.cfg.Clock.Now()
	added := 0
	for _, item := range items {
		item.EnqueuedAt = now
		if d.queue.EnqueueIfEligible(item) {
			added++
		}
	}
	if added > 0 {
		d.startTicker()
		d.observeQueue()
	}
	return enqueueResponse{added: added}
}

func (d *Dispatcher[K, V]) handleControl(kind controlKind) {
	switch kind {
	case controlTick:
		d.tick()
	case controlAbort:
		d.abort(nil)
	case controlReset:
		d.abort(nil)
		d.budget.Reset()
		d.observeBudget()
		d.log.Info("session_reset", "session", d.gen.ID, "epoch", d.gen.Epoch)
	case controlResetBudget:
		d.budget.Reset()
		d.observeBudget()
		if !d.queue.Idle() {
			d.startTicker()
		}
	case controlDrain:
		if !d.queue.Idle() {
			d.draining = true
		}
	}
}

// tick runs one dispatch decision.
func (d *Dispatcher[K, V]) tick() {
	if d.queue.Idle() {
		d.stopTicker()
		d.draining = false
		return
	}

	now := d.cfg.Clock.Now()
	if d.pause.active(now) {
		return
	}
	if d.budget.Exhausted() {
		d.stopTicker()
		return
	}

	slots := min(
		d.queue.Len(),
		d.window.Remaining(now),
		d.gate.Remaining(),
		d.budget.Remaining(),
	)
	if slots <= 0 {
		return
	}

	items := d.queue.TakeUpTo(slots)
	for i, item := range items {
		if !admit(now, d.window, d.gate, d.budget) {
			d.log.Error("dispatch_slot_unavailable", "session", d.gen.ID, "item", item.ID, "slots", slots, "started", i)
			for j := len(items) - 1; j >= i; j-- {
				d.queue.RequeueFront(items[j])
			}
			break
		}
		d.start(d.gen, item)
		d.cfg.Metrics.ObserveDispatch(d.cfg.Name)
	}
	d.observeQueue()
	d.observeBudget()

	if d.budget.Exhausted() {
		d.log.Warn("session_budget_exhausted", "session", d.gen.ID, "budget", d.budget.Cap(), "pending", d.queue.Len())
		d.stopTicker()
	}
}

// admit takes one window slot, one gate slot and one budget unit for a single
// item. On false the gate and budget are left untouched; a window slot may
// already be spent.
func admit(now time.Time, w *ratelimit.Window, g *ratelimit.Gate, b *ratelimit.Budget) bool {
	if !w.TryReserve(now) {
		return false
	}
	if !g.Acquire() {
		return false
	}
	if !b.Consume() {
		g.Release()
		return false
	}
	return true
}

// start runs every sub-fetch of item concurrently and reports one completion
// once all of them have settled.
func (d *Dispatcher[K, V]) start(gen *Generation, item WorkItem[K]) {
	providers := item.Providers
	if len(providers) == 0 {
		providers = []string{""}
	}

	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()

		results := make([]subResult[V], len(providers))
		var wg sync.WaitGroup
		for i, provider := range providers {
			wg.Go(func() {
				v, err := d.safeFetch(gen.Context(), item.ID, provider)
				results[i] = subResult[V]{provider: provider, value: v, err: err}
			})
		}
		wg.Wait()

		select {
		case d.completeCh <- completion[K, V]{epoch: gen.Epoch, item: item, results: results}:
		case <-d.stopped:
		}
	}()
}

func (d *Dispatcher[K, V]) safeFetch(ctx context.Context, id K, provider string) (_ V, err error) {
	defer func() {
		if x := recover(); x != nil {
			err = fmt.Errorf("panic in fetch: %v\n%s", x, string(debug.Stack()))
		}
	}()
	return d.cfg.Fetch(ctx, id, provider)
}

func (d *Dispatcher[K, V]) handleCompletion(c completion[K, V]) {
	if c.epoch != d.gen.Epoch {
		return
	}
	d.gate.Release()

	var (
		throttled  []string
		retryAfter time.Duration
		authErr    error
		succeeded  int
		failed     int
	)
	for _, r := range c.results {
		switch fetch.Classify(r.err) {
		case fetch.KindOK:
			d.cfg.Sink.Write(c.item.ID, r.provider, r.value)
			succeeded++
		case fetch.KindRateLimited:
			throttled = append(throttled, r.provider)
			retryAfter = max(retryAfter, fetch.RetryAfter(r.err))
		case fetch.KindAuth:
			authErr = r.err
		default:
			// A cancellation error here came from the fetch itself: the
			// epoch is still current.
			d.log.Warn("fetch_failed", "session", d.gen.ID, "item", c.item.ID, "provider", r.provider, "kind", fetch.Classify(r.err).String(), "error", r.err)
			failed++
		}
	}

	if authErr != nil {
		d.log.Error("session_auth_failed", "session", d.gen.ID, "item", c.item.ID, "error", authErr)
		d.abort(authErr)
		return
	}

	if len(throttled) > 0 {
		item := c.item
		if len(c.item.Providers) > 0 {
			item.Providers = throttled
		}
		d.queue.Retire(item, OutcomeThrottled)
		d.stats.Throttled++
		d.cfg.Metrics.ObserveOutcome(d.cfg.Name, OutcomeThrottled.String())
		d.throttle(retryAfter)
		d.observeQueue()
		return
	}

	outcome := OutcomeCompleted
	if succeeded == 0 && failed > 0 {
		outcome = OutcomeDropped
		d.stats.Dropped++
	} else {
		d.stats.Completed++
	}
	d.queue.Retire(c.item, outcome)
	d.cfg.Metrics.ObserveOutcome(d.cfg.Name, outcome.String())
	d.observeQueue()

	if d.queue.Idle() {
		d.stopTicker()
		d.draining = false
	}
}

// throttle arms the global cooldown unless one is already running.
func (d *Dispatcher[K, V]) throttle(retryAfter time.Duration) {
	now := d.cfg.Clock.Now()
	wait := max(d.cfg.Cooldown, retryAfter)
	if !d.pause.arm(now, wait) {
		return
	}
	d.cfg.Metrics.ObserveCooldown(d.cfg.Name, wait)
	d.log.Info("provider_throttled", "session", d.gen.ID, "cooldown", wait, "resume_at", d.pause.until)
}

// abort replaces the current generation. In-flight fetches are cancelled and
// their completions will not match the new epoch.
func (d *Dispatcher[K, V]) abort(reason error) {
	prev := d.gen
	d.gen = prev.next(d.parent)
	d.queue.Reset()
	d.gate = ratelimit.NewGate(d.cfg.Concurrency)
	d.stopTicker()
	d.draining = false
	d.stats = Stats{}
	d.lastErr = reason
	d.observeQueue()
	d.log.Info("session_aborted", "session", prev.ID, "epoch", prev.Epoch, "reason", reason)
}

func (d *Dispatcher[K, V]) observeQueue() {
	d.cfg.Metrics.ObserveQueue(d.cfg.Name, d.queue.Len(), d.queue.ActiveLen())
}

func (d *Dispatcher[K, V]) observeBudget() {
	d.cfg.Metrics.ObserveBudget(d.cfg.Name, budgetGauge(d.budget.Remaining(), d.budget.Cap()))
}

func (d *Dispatcher[K, V]) state(now time.Time) State {
	switch {
	case d.queue.Idle():
		return StateIdle
	case d.pause.active(now):
		return StatePaused
	case d.budget.Exhausted():
		return StateExhausted
	case d.draining:
		return StateDraining
	default:
		return StateRunning
	}
}

func (d *Dispatcher[K, V]) status() Status[K] {
	now := d.cfg.Clock.Now()
	st := Status[K]{
		State:           d.state(now),
		Epoch:           d.gen.Epoch,
		SessionID:       d.gen.ID,
		Pending:         d.queue.Pending(),
		Active:          d.queue.ActiveLen(),
		Done:            d.queue.DoneLen(),
		Stats:           d.stats,
		BudgetRemaining: budgetGauge(d.budget.Remaining(), d.budget.Cap()),
		Err:             d.lastErr,
	}
	if d.pause.active(now) {
		st.PausedUntil = d.pause.until
	}
	return st
}
