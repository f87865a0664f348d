// Package sonic speeds up repeated loads of dynamic pages. The static
// skeleton (template) of a page is cached apart from its dynamic slots
// (data); later visits ask the server only for what changed.
package sonic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/always-cache/sonic/cache"
	"github.com/always-cache/sonic/resource"
	"github.com/always-cache/sonic/telemetry"
	hashutil "github.com/always-cache/sonic/pkg/hash-util"
	sonicerr "github.com/always-cache/sonic/pkg/sonic-error"
)

type Engine struct {
	cfg        Config
	log        zerolog.Logger
	store      *cache.Store
	resources  *resource.Cache
	ownsStore  bool
	ownsRes    bool
	transports *Transports
	slots      *semaphore.Weighted
	metrics    *telemetry.Metrics

	mu       sync.Mutex
	sessions map[string]*Session

	raw   *feed[RawEvent]
	pages *feed[PageEvent]

	ctx    context.Context
	cancel context.CancelFunc
	// held shared while registering work, exclusively by Close
	lifeMu sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// CreateEngine initializes the engine.
// It opens the stores not given in the config
// and starts the background trim loop.
func CreateEngine(config Config) (*Engine, error) {
	cfg := config.withDefaults()

	// use console logger if not specified in config
	var logger zerolog.Logger
	if cfg.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *cfg.Logger
	}

	e := &Engine{
		cfg:        cfg,
		log:        logger.With().Str("component", "sonic").Logger(),
		store:      cfg.Store,
		resources:  cfg.Resources,
		transports: cfg.Transports,
		slots:      semaphore.NewWeighted(int64(cfg.MaxConcurrentSessions)),
		metrics:    cfg.Metrics,
		sessions:   make(map[string]*Session),
	}

	if e.store == nil {
		if cfg.Root == "" {
			return nil, fmt.Errorf("either a cache store or a root directory is needed")
		}
		storeCfg := cfg.Cache
		storeCfg.Root = filepath.Join(cfg.Root, "cache")
		if storeCfg.Logger == nil {
			storeCfg.Logger = &logger
		}
		if storeCfg.Clock == nil {
			storeCfg.Clock = cfg.Clock
		}
		store, err := cache.Open(storeCfg)
		if err != nil {
			return nil, fmt.Errorf("could not open cache store: %w", err)
		}
		e.store = store
		e.ownsStore = true
	}
	if e.resources == nil && cfg.Root != "" {
		resCfg := cfg.Resource
		resCfg.Root = filepath.Join(cfg.Root, "resources")
		if resCfg.Logger == nil {
			resCfg.Logger = &logger
		}
		if resCfg.Clock == nil {
			resCfg.Clock = cfg.Clock
		}
		resources, err := resource.Open(resCfg)
		if err != nil {
			if e.ownsStore {
				e.store.Close()
			}
			return nil, fmt.Errorf("could not open resource cache: %w", err)
		}
		e.resources = resources
		e.ownsRes = true
	}
	if e.transports == nil {
		e.transports = NewTransports(nil)
	}
	if e.transports.fallback == nil {
		e.transports.fallback = NewHTTPTransport(cfg.ConnectTimeout)
	}

	e.raw = newFeed[RawEvent]("raw", cfg.FeedBuffer, e.log)
	e.pages = newFeed[PageEvent]("pages", cfg.FeedBuffer, e.log)
	e.ctx, e.cancel = context.WithCancel(context.Background())

	// start a goroutine to keep the stores within their size
	if !cfg.DisableTrim && e.track() {
		go e.trimLoop()
	}
	return e, nil
}

func (e *Engine) now() time.Time {
	return e.cfg.Clock()
}

// track registers background work. It fails once the engine is closing.
func (e *Engine) track() bool {
	e.lifeMu.RLock()
	defer e.lifeMu.RUnlock()
	if e.closed {
		return false
	}
	e.wg.Add(1)
	return true
}

func (e *Engine) untrack() {
	e.wg.Done()
}

// Session returns the session of the page, creating it on first use.
func (e *Engine) Session(rawURL string) (*Session, error) {
	return e.SessionWith(rawURL, Options{})
}

// SessionWith is Session with per-session options. Options only apply when
// the session is created.
func (e *Engine) SessionWith(rawURL string, opts Options) (*Session, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid page url: %w", err)
	}
	if (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, fmt.Errorf("invalid page url %q: need an absolute http(s) url", rawURL)
	}
	id := sessionID(rawURL, opts)

	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.sessions[id]; ok {
		return s, nil
	}
	s := &Session{
		engine: e,
		url:    rawURL,
		target: target,
		id:     id,
		opts:   opts,
		log:    e.log.With().Str("session", id).Str("url", rawURL).Logger(),
	}
	e.sessions[id] = s
	return s, nil
}

// sessionID keys the page's session and cache entry. Pages loaded for an
// account are kept apart from anonymous ones.
func sessionID(rawURL string, opts Options) string {
	if opts.Account != "" {
		return hashutil.AccountSessionID(opts.Account, rawURL)
	}
	return hashutil.SessionID(rawURL)
}

// Remove cancels and forgets the page's session. The cached item stays.
func (e *Engine) Remove(rawURL string) {
	e.RemoveWith(rawURL, Options{})
}

// RemoveWith is Remove for the session created with opts.
func (e *Engine) RemoveWith(rawURL string, opts Options) {
	id := sessionID(rawURL, opts)
	e.mu.Lock()
	s, ok := e.sessions[id]
	delete(e.sessions, id)
	e.mu.Unlock()
	if ok {
		s.Cancel()
	}
}

// Run starts a fresh exchange for the page, or joins the running one, and
// waits for its result.
func (e *Engine) Run(ctx context.Context, rawURL string) Result {
	return e.RunWith(ctx, rawURL, Options{})
}

// RunWith is Run for the session created with opts.
func (e *Engine) RunWith(ctx context.Context, rawURL string, opts Options) Result {
	s, err := e.SessionWith(rawURL, opts)
	if err != nil {
		return Result{URL: rawURL, Status: Failed, Err: err}
	}
	return s.Run(ctx)
}

// Run resets a finished session, starts it and waits for the result.
// It returns as soon as ctx ends, leaving the exchange to other callers.
func (s *Session) Run(ctx context.Context) Result {
	for {
		if s.Status().Terminal() {
			s.Reset()
		}
		ch := s.Start(ctx)
		var res Result
		select {
		case res = <-ch:
		case <-ctx.Done():
			s.detach(ch, ctx.Err())
			res = <-ch
		}
		switch {
		case errors.Is(res.Err, ErrSessionNotIdle):
		case errors.Is(res.Err, errAbandoned) && ctx.Err() == nil:
			// joined an exchange its last caller had just left
		default:
			return res
		}
	}
}

// CachedPage is a document served straight from the cache.
type CachedPage struct {
	HTML             []byte
	Header           http.Header
	ETag             string
	LocalRefreshTime time.Time
	Expired          bool
}

// Cached returns the cached document of the page without contacting the
// server, or nil if there is none.
func (e *Engine) Cached(rawURL string) (*CachedPage, error) {
	return e.CachedWith(rawURL, Options{})
}

// CachedWith is Cached for the session created with opts.
func (e *Engine) CachedWith(rawURL string, opts Options) (*CachedPage, error) {
	id := sessionID(rawURL, opts)
	if e.store.IsSonicDisabled(id) {
		return nil, nil
	}
	item, err := e.store.Get(id)
	if err != nil || item == nil {
		return nil, err
	}
	return &CachedPage{
		HTML:             item.HTML,
		Header:           item.ResponseHeader(),
		ETag:             item.ETag,
		LocalRefreshTime: item.LocalRefreshTime,
		Expired:          item.Expired(e.now()),
	}, nil
}

// ClearCache removes the page's cached item.
func (e *Engine) ClearCache(rawURL string) error {
	return e.ClearCacheWith(rawURL, Options{})
}

// ClearCacheWith is ClearCache for the session created with opts.
func (e *Engine) ClearCacheWith(rawURL string, opts Options) error {
	return e.store.Remove(sessionID(rawURL, opts))
}

// Intercept returns a sub-resource for the page, from the resource cache
// or the network.
func (e *Engine) Intercept(ctx context.Context, rawURL string) (*resource.Entry, error) {
	id := hashutil.ResourceID(rawURL)
	if e.resources == nil {
		return nil, sonicerr.New(sonicerr.InterceptionFailed, "intercept", "no resource cache")
	}
	entry, err := e.resources.Fetch(ctx, rawURL, e.fetchResource)
	if err != nil {
		return nil, sonicerr.Wrap(sonicerr.InterceptionFailed, "intercept", id, err)
	}
	return entry, nil
}

func (e *Engine) fetchResource(ctx context.Context, rawURL string) ([]byte, http.Header, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, err
	}
	req := &Request{URL: target, Header: http.Header{}}
	copyHeadersTo(req.Header, e.cfg.Headers)
	res, err := e.transports.For(req).RoundTrip(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	if res.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("resource answered with status %d", res.StatusCode)
	}
	return res.Body, res.Header, nil
}

// prefetchLinks loads the sub-resources listed in the `sonic-link` header
// in the background.
func (e *Engine) prefetchLinks(s *Session, header http.Header) {
	links := resource.ParseLinks(header.Get("sonic-link"))
	if e.resources == nil || len(links) == 0 {
		return
	}
	for i, link := range links {
		if ref, err := url.Parse(link); err == nil {
			links[i] = s.target.ResolveReference(ref).String()
		}
	}
	if !e.track() {
		return
	}
	go func() {
		defer e.untrack()
		if err := e.resources.Prefetch(e.ctx, links, e.fetchResource); err != nil {
			s.log.Debug().Err(err).Msg("Some resources could not be preloaded")
		}
	}()
}

// Raw subscribes to every finished exchange. Call the returned function to
// unsubscribe.
func (e *Engine) Raw() (<-chan RawEvent, func()) {
	return e.raw.subscribe()
}

// Pages subscribes to refresh events for pages.
func (e *Engine) Pages() (<-chan PageEvent, func()) {
	return e.pages.subscribe()
}

func (e *Engine) publish(res Result, raw *Response) {
	event := RawEvent{Result: res}
	if raw != nil {
		event.StatusCode = raw.StatusCode
		event.Header = raw.Header
		event.Body = raw.Body
	}
	// page subscribers see the refresh no later than raw subscribers
	if res.Status == Completed && res.Directive.Refresh && !res.Bypassed {
		e.pages.publish(PageEvent{
			URL:              res.URL,
			SessionID:        res.SessionID,
			Outcome:          res.Outcome,
			Diff:             res.Diff,
			LocalRefreshTime: res.LocalRefreshTime,
		})
	}
	e.raw.publish(event)
}

func (e *Engine) record(res Result) {
	ctx := context.Background()
	e.metrics.Exchange(ctx, res.Duration)
	switch res.Status {
	case Completed:
		e.metrics.Outcome(ctx, res.Outcome.String(), res.Directive.String(), res.Bypassed)
	case Failed:
		e.metrics.Failure(ctx, sonicerr.KindOf(res.Err).String())
	}
}

func (e *Engine) Store() *cache.Store {
	return e.store
}

// Resources returns the resource cache, which may be nil.
func (e *Engine) Resources() *resource.Cache {
	return e.resources
}

// Close cancels running exchanges, waits for them and closes the stores the
// engine opened.
func (e *Engine) Close() error {
	e.lifeMu.Lock()
	if e.closed {
		e.lifeMu.Unlock()
		return nil
	}
	e.closed = true
	e.lifeMu.Unlock()

	e.cancel()
	e.mu.Lock()
	for _, s := range e.sessions {
		s.Cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()

	e.raw.close()
	e.pages.close()

	var errs []error
	if e.ownsRes {
		errs = append(errs, e.resources.Close())
	}
	if e.ownsStore {
		errs = append(errs, e.store.Close())
	}
	return errors.Join(errs...)
}
