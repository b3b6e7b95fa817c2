package library

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/renja-g/CrateSync/internal/fetch"
	"github.com/renja-g/CrateSync/internal/provider"
	"github.com/renja-g/CrateSync/internal/scheduler"
)

const (
	SyncIdle      = "idle"
	SyncRunning   = "running"
	SyncCompleted = "completed"
	SyncPartial   = "completed_with_errors"
	SyncExhausted = "budget_exhausted"
	SyncAborted   = "aborted"
	SyncFailed    = "failed"
)

type SyncStatus struct {
	SessionID    uuid.UUID  `json:"session_id"`
	State        string     `json:"state"`
	PagesTotal   int        `json:"pages_total"`
	PagesDone    int        `json:"pages_done"`
	PagesFailed  int        `json:"pages_failed"`
	PagesLeft    int        `json:"pages_left"`
	Throttled    int        `json:"throttled"`
	Releases     int        `json:"releases"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	PausedUntil  *time.Time `json:"paused_until,omitempty"`
	Error        string     `json:"error,omitempty"`
	AuthRequired bool       `json:"auth_required,omitempty"`
}

// syncSession is one pass over the collection. Page 1 is fetched inline to
// learn the page count; the rest go through a Pool.
type syncSession struct {
	id        uuid.UUID
	ctx       context.Context
	cancel    context.CancelCauseFunc
	startedAt time.Time
	done      chan struct{}

	mu          sync.Mutex
	pool        *scheduler.Pool[int, provider.Page]
	total       int
	pagesDone   int
	pagesFailed int
	releases    int
	throttled   int
	remaining   int
	state       string
	err         error
	finishedAt  time.Time
}

func newSyncSession(parent context.Context, now time.Time) *syncSession {
	ctx, cancel := context.WithCancelCause(parent)
	return &syncSession{
		id:        uuid.New(),
		ctx:       ctx,
		cancel:    cancel,
		startedAt: now,
		done:      make(chan struct{}),
		state:     SyncRunning,
	}
}

func (ss *syncSession) finished() bool {
	select {
	case <-ss.done:
		return true
	default:
		return false
	}
}

// abort cancels the session context; the pool derives its generation from
// it, so in-flight pages are cancelled and their results discarded.
func (ss *syncSession) abort(reason error) {
	ss.cancel(reason)
}

func (ss *syncSession) pageWritten(releases int) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.pagesDone++
	ss.releases += releases
}

func (ss *syncSession) pageFailed(_ int, err error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.pagesFailed++
	if ss.err == nil {
		ss.err = err
	}
}

func (ss *syncSession) finish(now time.Time, res scheduler.Result) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	ss.throttled = res.Throttled
	ss.remaining = res.Remaining
	switch {
	case res.Aborted && errors.Is(res.Err, fetch.ErrAuth):
		ss.state = SyncFailed
		ss.err = res.Err
	case res.Aborted && cancelled(res.Err):
		ss.state = SyncAborted
		ss.err = res.Err
	case res.Aborted:
		ss.state = SyncFailed
		ss.err = res.Err
	case res.Remaining > 0:
		ss.state = SyncExhausted
	case ss.pagesFailed > 0 || res.Dropped > 0:
		ss.state = SyncPartial
	default:
		ss.state = SyncCompleted
	}
	ss.finishedAt = now
	ss.cancel(nil)
	close(ss.done)
}

func cancelled(err error) bool {
	return err == nil ||
		errors.Is(err, ErrSyncAborted) ||
		errors.Is(err, ErrClosed) ||
		errors.Is(err, context.Canceled)
}

func (ss *syncSession) status() SyncStatus {
	ss.mu.Lock()
	st := SyncStatus{
		SessionID:   ss.id,
		State:       ss.state,
		PagesTotal:  ss.total,
		PagesDone:   ss.pagesDone,
		PagesFailed: ss.pagesFailed,
		PagesLeft:   ss.remaining,
		Throttled:   ss.throttled,
		Releases:    ss.releases,
		StartedAt:   ss.startedAt,
	}
	if !ss.finishedAt.IsZero() {
		t := ss.finishedAt
		st.FinishedAt = &t
	}
	if ss.err != nil {
		st.Error = ss.err.Error()
		st.AuthRequired = errors.Is(ss.err, fetch.ErrAuth)
	}
	pool := ss.pool
	running := ss.state == SyncRunning
	ss.mu.Unlock()

	// Pool locks are never taken while holding ss.mu.
	if pool != nil && running {
		ps := pool.Status()
		st.Throttled = ps.Stats.Throttled
		st.PagesLeft = len(ps.Pending) + ps.Active
		if !ps.PausedUntil.IsZero() {
			t := ps.PausedUntil
			st.PausedUntil = &t
		}
	}
	return st
}

// StartSync begins a collection sync. The first page is fetched before
// returning so that credential and throttle failures reach the caller.
func (s *Service) StartSync(ctx context.Context) (SyncStatus, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return SyncStatus{State: SyncIdle}, ErrClosed
	}
	if cur := s.session; cur != nil && !cur.finished() {
		s.mu.Unlock()
		return cur.status(), ErrSyncRunning
	}
	sess := newSyncSession(s.ctx, s.clock.Now())
	s.session = sess
	s.mu.Unlock()

	log := s.log.With("sync", sess.id)
	log.Info("sync_started")

	first, err := s.fetchFirstPage(ctx, sess)
	if err != nil {
		res := scheduler.Result{Aborted: true, Err: err}
		if fetch.Classify(err) == fetch.KindAborted && sess.ctx.Err() != nil {
			res.Err = context.Cause(sess.ctx)
		}
		sess.finish(s.clock.Now(), res)
		log.Warn("sync_failed", "page", 1, "error", err)
		return sess.status(), fmt.Errorf("fetch first page: %w", err)
	}

	sess.mu.Lock()
	sess.total = max(first.TotalPages, 1)
	sess.mu.Unlock()
	s.writePage(sess, first)

	if first.TotalPages <= 1 {
		sess.finish(s.clock.Now(), scheduler.Result{})
		log.Info("sync_finished", "pages", 1)
		return sess.status(), nil
	}

	pool, err := scheduler.NewPool(scheduler.PoolConfig[int, provider.Page]{
		Name:     syncScheduler,
		Fetch:    s.collection.FetchPage,
		Sink:     func(_ int, p provider.Page) { s.writePage(sess, p) },
		OnError:  sess.pageFailed,
		Workers:  s.opts.Collection.Workers,
		Pacing:   s.opts.Collection.Pacing,
		Cooldown: s.opts.Collection.Cooldown,
		Budget:   s.opts.Collection.Budget,
		Clock:    s.clock,
		Logger:   log,
		Metrics:  s.opts.Metrics,
	})
	if err != nil {
		sess.finish(s.clock.Now(), scheduler.Result{Aborted: true, Err: err})
		return sess.status(), fmt.Errorf("sync pool: %w", err)
	}

	pages := make([]int, 0, first.TotalPages-1)
	for n := 2; n <= first.TotalPages; n++ {
		pages = append(pages, n)
	}
	if _, err := pool.Enqueue(pages...); err != nil {
		sess.finish(s.clock.Now(), scheduler.Result{Aborted: true, Err: err})
		return sess.status(), fmt.Errorf("sync pool: %w", err)
	}

	sess.mu.Lock()
	sess.pool = pool
	sess.mu.Unlock()
	if err := pool.Start(sess.ctx); err != nil {
		sess.finish(s.clock.Now(), scheduler.Result{Aborted: true, Err: err})
		return sess.status(), fmt.Errorf("sync pool: %w", err)
	}

	go func() {
		<-pool.Done()
		res := pool.Result()
		sess.finish(s.clock.Now(), res)
		st := sess.status()
		log.Info("sync_finished",
			"state", st.State,
			"pages", st.PagesDone,
			"failed", st.PagesFailed,
			"releases", st.Releases,
		)
	}()
	return sess.status(), nil
}

// fetchFirstPage fetches page 1 under the session context, also giving up if
// the caller's ctx ends first.
func (s *Service) fetchFirstPage(ctx context.Context, sess *syncSession) (provider.Page, error) {
	fctx, cancel := context.WithCancel(sess.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return s.collection.FetchPage(fctx, 1)
}

func (s *Service) writePage(sess *syncSession, page provider.Page) {
	ctx, cancel := context.WithTimeout(sess.ctx, writeTimeout)
	defer cancel()

	if err := s.store.PutReleases(ctx, page.Releases); err != nil {
		s.log.Error("sync_page_write_failed", "sync", sess.id, "page", page.Number, "error", err)
		sess.pageFailed(page.Number, fmt.Errorf("write page %d: %w", page.Number, err))
		return
	}
	sess.pageWritten(len(page.Releases))

	queued, err := s.enqueueStale(ctx, page.Releases)
	if err != nil {
		s.log.Warn("enrichment_enqueue_failed", "sync", sess.id, "page", page.Number, "error", err)
		return
	}
	s.log.Debug("sync_page_written", "sync", sess.id, "page", page.Number, "releases", len(page.Releases), "queued", queued)
}

func (s *Service) SyncStatus() SyncStatus {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	if sess == nil {
		return SyncStatus{State: SyncIdle}
	}
	return sess.status()
}

// AbortSync cancels the running sync and waits for its workers to exit.
func (s *Service) AbortSync(ctx context.Context) (SyncStatus, error) {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	if sess == nil || sess.finished() {
		return s.SyncStatus(), ErrNoSync
	}

	sess.abort(ErrSyncAborted)
	select {
	case <-sess.done:
	case <-ctx.Done():
		return sess.status(), ctx.Err()
	}
	s.log.Info("sync_aborted", "sync", sess.id)
	return sess.status(), nil
}
