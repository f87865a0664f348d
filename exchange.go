package sonic

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/always-cache/sonic/cache"
	"github.com/always-cache/sonic/diff"
	sonicerr "github.com/always-cache/sonic/pkg/sonic-error"
)

// exchange runs one request for the session and applies the response to
// the cache. It returns the result and the raw response, if one arrived.
func (s *Session) exchange(ctx context.Context) (res Result, raw *Response) {
	e := s.engine
	start := time.Now()
	res = Result{URL: s.url, SessionID: s.id, Diff: diff.NewMap()}
	defer func() {
		res.Duration = time.Since(start)
		e.record(res)
	}()

	if err := e.slots.Acquire(ctx, 1); err != nil {
		return s.interrupted(ctx, res, err), nil
	}
	defer e.slots.Release(1)

	if e.store.IsSonicDisabled(s.id) {
		return s.bypass(ctx, res)
	}

	prior, err := e.store.Get(s.id)
	if err != nil {
		// the store already dropped the item
		s.log.Warn().Err(err).Msg("Discarded cached item, loading as first visit")
		prior = nil
	}
	if prior != nil && e.cfg.SupportCacheControl && !prior.Expired(e.now()) {
		return s.serveLocal(prior, res), nil
	}

	req := s.request(prior)
	sentETag := req.Header.Get("If-None-Match")
	raw, err = s.roundTrip(ctx, req)
	if err != nil {
		return s.interrupted(ctx, res, err), nil
	}
	if ctx.Err() != nil {
		return s.interrupted(ctx, res, ctx.Err()), raw
	}
	if e.cfg.Rules.Apply(s.target, raw.StatusCode, raw.Header) {
		s.log.Trace().Msg("Applied header rule to response")
	}

	directive := ParseDirective(raw.Header, e.cfg.SupportCacheControl, e.cfg.UnavailableTime)
	res.Directive = directive
	outcome, classifyErr := classify(raw, prior, sentETag)
	s.log.Debug().
		Int("status", raw.StatusCode).
		Str("outcome", outcome.String()).
		Str("directive", directive.String()).
		Msg("Received response")

	if directive.Disable && (raw.StatusCode == http.StatusOK || raw.StatusCode == http.StatusNotModified) {
		return s.disable(res, raw, prior, outcome, classifyErr), raw
	}
	if classifyErr != nil {
		if prior != nil && raw.StatusCode == http.StatusOK {
			s.removeItem()
		}
		return s.fail(res, classifyErr), raw
	}
	res.Outcome = outcome
	res = s.apply(res, raw, prior)
	if res.Status == Completed {
		e.prefetchLinks(s, raw.Header)
	}
	return res, raw
}

func (s *Session) roundTrip(ctx context.Context, req *Request) (*Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, s.engine.cfg.RequestTimeout)
	defer cancel()
	return s.engine.transports.For(req).RoundTrip(reqCtx, req)
}

// request builds the conditional page request for the cached item.
func (s *Session) request(prior *cache.Item) *Request {
	req := s.plainRequest()
	req.Header.Set("accept-diff", "true")
	req.Header.Set("sonic-sdk-version", SDKVersion)
	req.Header.Set("sonic-delegate-id", uuid.NewString())
	if prior != nil {
		if prior.ETag != "" {
			req.Header.Set("If-None-Match", prior.ETag)
		}
		req.Header.Set("template-tag", prior.TemplateTag)
	}
	return req
}

func (s *Session) plainRequest() *Request {
	target := *s.target
	header := http.Header{}
	copyHeadersTo(header, s.engine.cfg.Headers)
	copyHeadersTo(header, s.opts.Headers)
	return &Request{URL: &target, Header: header, IPOverride: s.opts.IPOverride}
}

// apply stores the response according to outcome and directive.
func (s *Session) apply(res Result, raw *Response, prior *cache.Item) Result {
	store := s.engine.store
	now := s.engine.now()
	res.LocalRefreshTime = now

	switch res.Outcome {
	case FirstLoad, TemplateUpdate:
		res.HTML = raw.Body
		res.Header = raw.Header
		if !res.Directive.Store {
			if res.Outcome == TemplateUpdate {
				// the cached template is outdated
				s.removeItem()
			}
			break
		}
		put := store.PutFirstLoad
		if res.Outcome == TemplateUpdate {
			put = store.PutTemplateChange
		}
		item, err := put(s.id, raw.Body, raw.Header)
		if err != nil {
			return s.fail(res, err)
		}
		res.Stored = true
		res.LocalRefreshTime = item.LocalRefreshTime

	case DataUpdate:
		update, err := diff.ParseUpdate(raw.Body)
		if err != nil {
			s.removeItem()
			return s.fail(res, err)
		}
		if update.TemplateTag != "" && update.TemplateTag != prior.TemplateTag {
			s.removeItem()
			return s.fail(res, sonicerr.New(sonicerr.ServerDataInvalid, "update", "data for template %s, cached %s", update.TemplateTag, prior.TemplateTag))
		}
		if res.Directive.Store {
			item, changed, err := store.PutUpdate(s.id, update, raw.Header)
			if err != nil {
				return s.fail(res, err)
			}
			res.HTML = item.HTML
			res.Header = item.ResponseHeader()
			res.Diff = changed
			res.Stored = true
			res.LocalRefreshTime = item.LocalRefreshTime
			break
		}
		rebuilt, err := s.rebuild(prior, update)
		if err != nil {
			s.removeItem()
			return s.fail(res, err)
		}
		res.HTML = rebuilt.HTML
		res.Header = prior.ResponseHeader()
		res.Diff = rebuilt.Changed

	case AllCached:
		item, err := store.Touch(s.id, raw.Header)
		if err != nil || item == nil {
			s.log.Warn().Err(err).Msg("Could not touch cached item")
			item = prior
		}
		res.HTML = item.HTML
		res.Header = item.ResponseHeader()
		res.Diff = diff.NewMap()
		res.LocalRefreshTime = item.LocalRefreshTime
	}
	res.Status = Completed
	return res
}

// serveLocal answers from an unexpired cached item without a request.
func (s *Session) serveLocal(prior *cache.Item, res Result) Result {
	item, err := s.engine.store.Touch(s.id, nil)
	if err != nil || item == nil {
		item = prior
	}
	s.log.Trace().Time("expires", item.CacheExpireTime).Msg("Serving unexpired item without request")
	res.Status = Completed
	res.Outcome = AllCached
	res.Directive = StoreAndRefresh
	res.HTML = item.HTML
	res.Header = item.ResponseHeader()
	res.Diff = diff.NewMap()
	res.Local = true
	res.LocalRefreshTime = item.LocalRefreshTime
	return res
}

// bypass loads the page with a plain request while Sonic is disabled for it.
func (s *Session) bypass(ctx context.Context, res Result) (Result, *Response) {
	s.log.Debug().Msg("Sonic disabled for page, sending plain request")
	res.Bypassed = true
	raw, err := s.roundTrip(ctx, s.plainRequest())
	if err != nil {
		return s.interrupted(ctx, res, err), nil
	}
	if raw.StatusCode != http.StatusOK {
		return s.fail(res, sonicerr.New(sonicerr.ServerDataInvalid, "bypass", "unexpected status %d", raw.StatusCode)), raw
	}
	res.Status = Completed
	res.HTML = raw.Body
	res.Header = raw.Header
	res.LocalRefreshTime = s.engine.now()
	return res, raw
}

// disable drops the cached item and keeps Sonic off for the page.
func (s *Session) disable(res Result, raw *Response, prior *cache.Item, outcome Outcome, classifyErr error) Result {
	store := s.engine.store
	until := s.engine.now().Add(res.Directive.DisableFor)
	s.removeItem()
	if err := store.MarkSonicDisabled(s.id, until); err != nil {
		s.log.Error().Err(err).Msg("Could not mark page as disabled")
	}
	s.log.Info().Time("until", until).Msg("Server disabled Sonic for page")
	res.Bypassed = true
	res.Outcome = outcome
	switch {
	case raw.StatusCode == http.StatusNotModified:
		if prior == nil {
			return s.fail(res, classifyErr)
		}
		res.HTML = prior.HTML
		res.Header = prior.ResponseHeader()
	case outcome == DataUpdate:
		update, err := diff.ParseUpdate(raw.Body)
		if err != nil {
			return s.fail(res, err)
		}
		rebuilt, err := s.rebuild(prior, update)
		if err != nil {
			return s.fail(res, err)
		}
		res.HTML = rebuilt.HTML
		res.Header = prior.ResponseHeader()
		res.Diff = rebuilt.Changed
	default:
		res.HTML = raw.Body
		res.Header = raw.Header
	}
	res.Status = Completed
	res.LocalRefreshTime = s.engine.now()
	return res
}

// rebuild renders a data update over the cached item without storing it.
func (s *Session) rebuild(prior *cache.Item, update diff.Update) (cache.Rebuilt, error) {
	rebuilt, err := cache.BuildUpdate(prior, update)
	if err == nil && len(rebuilt.Ignored) > 0 {
		s.log.Warn().Strs("slots", rebuilt.Ignored).Msg("Ignoring update keys missing from template")
	}
	return rebuilt, err
}

// interrupted ends an exchange whose request did not complete.
// Cancellation by the caller is not a failure.
func (s *Session) interrupted(ctx context.Context, res Result, err error) Result {
	if errors.Is(ctx.Err(), context.Canceled) {
		s.log.Debug().Msg("Session cancelled")
		res.Status = Cancelled
		res.Err = context.Cause(ctx)
		return res
	}
	return s.fail(res, sonicerr.FromTransport("request", s.id, err))
}

func (s *Session) fail(res Result, err error) Result {
	res.Status = Failed
	res.Err = err
	res.Stored = false
	s.log.Warn().Err(err).Int("code", sonicerr.KindOf(err).Code()).Msg("Session failed")
	return res
}

func (s *Session) removeItem() {
	if err := s.engine.store.Remove(s.id); err != nil {
		s.log.Error().Err(err).Msg("Could not remove cached item")
	}
}

// copyHeadersTo copies the headers from one http.Header to another.
func copyHeadersTo(dst, src http.Header) {
	for name, values := range src {
		for i, value := range values {
			if i == 0 {
				dst.Set(name, value)
			} else {
				dst.Add(name, value)
			}
		}
	}
}
