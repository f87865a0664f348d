package sonic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/always-cache/sonic/diff"
)

var (
	// ErrSessionNotIdle is returned by Start on a session that already
	// finished. Reset it first.
	ErrSessionNotIdle = errors.New("session is not idle")
	// ErrSessionRunning is returned by Reset while an exchange is in flight.
	ErrSessionRunning = errors.New("session is running")
	ErrEngineClosed   = errors.New("engine is closed")

	// errAbandoned cancels an exchange nobody waits for anymore.
	errAbandoned = fmt.Errorf("%w: no callers left", context.Canceled)
)

type Status int

const (
	Idle Status = iota
	Running
	Completed
	Cancelled
	Failed
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether the status ends an exchange.
func (s Status) Terminal() bool {
	return s == Completed || s == Cancelled || s == Failed
}

// Result is delivered to every caller attached to an exchange.
type Result struct {
	URL       string
	SessionID string
	Status    Status
	Outcome   Outcome
	Directive Directive
	// Document to show. Set on success, and on failures where the server
	// still sent a usable page.
	HTML   []byte
	Header http.Header
	// Slots that changed, for data updates. Empty for every other outcome.
	Diff *diff.Map
	// Sonic is off for the page; the document came from a plain request.
	Bypassed bool
	// The cached item was served without asking the server.
	Local bool
	// The response was written to the cache.
	Stored           bool
	LocalRefreshTime time.Time
	Err              error
	Duration         time.Duration
}

// Session is the lifecycle of one page URL.
// Status moves Idle -> Running -> Completed, Cancelled or Failed.
type Session struct {
	engine *Engine
	url    string
	target *url.URL
	id     string
	opts   Options
	log    zerolog.Logger

	mu        sync.Mutex
	status    Status
	outcome   Outcome
	firstLoad bool
	diff      *diff.Map
	waiters   []*waiter
	cancel    context.CancelCauseFunc

	exchanges atomic.Int64
}

// waiter is a caller attached to the running exchange.
type waiter struct {
	ch   chan Result
	stop func() bool
}

func (s *Session) URL() string {
	return s.url
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Outcome of the last finished exchange.
func (s *Session) Outcome() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

func (s *Session) IsFirstLoad() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstLoad
}

// Diff of the last finished exchange.
func (s *Session) Diff() *diff.Map {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.diff.Clone()
}

// Exchanges returns the number of exchanges started so far.
func (s *Session) Exchanges() int64 {
	return s.exchanges.Load()
}

// Start runs an exchange and returns the channel its result is delivered on.
// While an exchange is running, the caller is attached to it instead of
// starting another. The exchange itself is bound to the engine, not to ctx:
// when ctx ends the caller alone is detached and receives a Cancelled result.
// The exchange is cancelled once no caller is attached anymore.
func (s *Session) Start(ctx context.Context) <-chan Result {
	ch := make(chan Result, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.status {
	case Running:
		s.log.Trace().Msg("Attaching to running session")
		s.attach(ctx, ch)
		return ch
	case Idle:
	default:
		ch <- Result{URL: s.url, SessionID: s.id, Status: s.status, Err: ErrSessionNotIdle}
		return ch
	}
	if !s.engine.track() {
		ch <- Result{URL: s.url, SessionID: s.id, Status: Failed, Err: ErrEngineClosed}
		return ch
	}
	exchangeCtx, cancel := context.WithCancelCause(s.engine.ctx)
	s.status = Running
	s.cancel = cancel
	s.attach(ctx, ch)
	s.exchanges.Add(1)
	go func() {
		defer s.engine.untrack()
		defer cancel(nil)
		res, raw := s.exchange(exchangeCtx)
		s.finish(res)
		s.engine.publish(res, raw)
	}()
	return ch
}

// attach registers ch for the running exchange until ctx ends.
// Must be called with s.mu held.
func (s *Session) attach(ctx context.Context, ch chan Result) {
	w := &waiter{ch: ch}
	s.waiters = append(s.waiters, w)
	w.stop = context.AfterFunc(ctx, func() {
		s.detach(ch, ctx.Err())
	})
}

// detach removes the caller waiting on ch and hands it a Cancelled result
// carrying cause. It reports false if the result was already delivered.
func (s *Session) detach(ch <-chan Result, cause error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := slices.IndexFunc(s.waiters, func(w *waiter) bool { return w.ch == ch })
	if i < 0 {
		return false
	}
	w := s.waiters[i]
	s.waiters = slices.Delete(s.waiters, i, i+1)
	w.stop()
	if len(s.waiters) == 0 && s.status == Running && s.cancel != nil {
		s.log.Debug().Msg("Last caller left, cancelling exchange")
		s.cancel(errAbandoned)
	}
	w.ch <- Result{URL: s.url, SessionID: s.id, Status: Cancelled, Err: cause}
	return true
}

// Cancel aborts the running exchange, if any.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == Running && s.cancel != nil {
		s.cancel(nil)
	}
}

// Reset returns a finished session to Idle.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == Running {
		return ErrSessionRunning
	}
	s.status = Idle
	s.cancel = nil
	return nil
}

func (s *Session) finish(res Result) {
	s.mu.Lock()
	s.status = res.Status
	if res.Status == Completed {
		s.outcome = res.Outcome
		s.firstLoad = res.Outcome == FirstLoad
		s.diff = res.Diff
	}
	s.cancel = nil
	waiters := s.waiters
	s.waiters = nil
	s.mu.Unlock()

	for _, w := range waiters {
		w.stop()
		w.ch <- res
	}
}
