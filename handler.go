package sonic

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/sjson"

	"github.com/always-cache/sonic/diff"
	cachestatus "github.com/always-cache/sonic/pkg/cache-status"
	sonicerr "github.com/always-cache/sonic/pkg/sonic-error"
)

// Handler exposes the engine to a host over HTTP:
//
//	GET    /page?url=     run a session and serve the document
//	GET    /diff?url=     run a session and report outcome and diff as JSON
//	GET    /resource?url= serve a sub-resource
//	DELETE /cache[?url=]  drop one cached page, or all of them
//	POST   /trim[?force=] trim the stores
//
// /page, /diff and /cache take an optional account= to address the pages
// loaded for that account.
func (e *Engine) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/page", e.servePage)
	r.Get("/diff", e.serveDiff)
	r.Get("/resource", e.serveResource)
	r.Delete("/cache", e.serveClear)
	r.Post("/trim", e.serveTrim)
	return r
}

func requestOptions(r *http.Request) Options {
	return Options{Account: r.URL.Query().Get("account")}
}

func (e *Engine) servePage(w http.ResponseWriter, r *http.Request) {
	pageURL := r.URL.Query().Get("url")
	res := e.RunWith(r.Context(), pageURL, requestOptions(r))
	cs := resultCacheStatus(res)
	if len(res.HTML) == 0 {
		e.logRequest(r, pageURL, cs)
		writeError(w, res.Err, cs)
		return
	}
	copyHeadersTo(w.Header(), res.Header)
	w.Header().Del("Content-Length")
	w.Header().Set("Cache-Status", cs.String())
	w.Header().Set("Sonic-Outcome", strconv.Itoa(int(res.Outcome)))
	if res.Err != nil {
		w.Header().Set("Sonic-Error", strconv.Itoa(sonicerr.KindOf(res.Err).Code()))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(res.HTML); err != nil {
		e.log.Error().Err(err).Msg("Could not write response body to client")
	}
	e.logRequest(r, pageURL, cs)
}

func (e *Engine) serveDiff(w http.ResponseWriter, r *http.Request) {
	pageURL := r.URL.Query().Get("url")
	res := e.RunWith(r.Context(), pageURL, requestOptions(r))
	cs := resultCacheStatus(res)
	body := newJSONBody()
	body.set("url", res.URL)
	body.set("status", res.Status.String())
	body.set("outcome", int(res.Outcome))
	body.set("directive", res.Directive.String())
	body.set("bypassed", res.Bypassed)
	if res.Diff != nil {
		raw, err := diff.WrapKeys(res.Diff).MarshalJSON()
		body.fail(err)
		body.setRaw("diff", raw)
	}
	if res.Err != nil {
		body.set("error.code", sonicerr.KindOf(res.Err).Code())
		body.set("error.message", res.Err.Error())
	}
	w.Header().Set("Cache-Status", cs.String())
	e.writeJSON(w, statusFor(res), body)
	e.logRequest(r, pageURL, cs)
}

func (e *Engine) serveResource(w http.ResponseWriter, r *http.Request) {
	resourceURL := r.URL.Query().Get("url")
	wasCached := e.resources != nil && e.resources.Has(resourceURL)
	entry, err := e.Intercept(r.Context(), resourceURL)
	cs := cachestatus.CacheStatus{}
	if err != nil {
		cs.Forward(cachestatus.FwdMiss)
		writeError(w, err, cs)
		return
	}
	if wasCached {
		cs.Hit()
	} else {
		cs.Forward(cachestatus.FwdUriMiss)
		cs.Stored()
	}
	copyHeadersTo(w.Header(), entry.Header)
	w.Header().Del("Content-Length")
	w.Header().Set("Cache-Status", cs.String())
	w.WriteHeader(http.StatusOK)
	w.Write(entry.Body)
}

func (e *Engine) serveClear(w http.ResponseWriter, r *http.Request) {
	var err error
	if pageURL := r.URL.Query().Get("url"); pageURL != "" {
		err = e.ClearCacheWith(pageURL, requestOptions(r))
	} else {
		err = e.store.ClearAll()
	}
	if err != nil {
		e.log.Error().Err(err).Msg("Could not clear cache")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (e *Engine) serveTrim(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	report, err := e.Trim(force)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	body := newJSONBody()
	body.set("sessions.skipped", report.Sessions.Skipped)
	body.set("sessions.freed", report.Sessions.Freed())
	body.set("sessions.removed", len(report.Sessions.Removed))
	body.set("resources.skipped", report.Resources.Skipped)
	body.set("resources.freed", report.Resources.Freed())
	body.set("resources.removed", len(report.Resources.Removed))
	e.writeJSON(w, http.StatusOK, body)
}

// jsonBody builds a JSON document path by path and keeps the first error.
type jsonBody struct {
	raw []byte
	err error
}

func newJSONBody() *jsonBody {
	return &jsonBody{raw: []byte(`{}`)}
}

func (b *jsonBody) set(path string, value any) {
	if b.err != nil {
		return
	}
	b.raw, b.err = sjson.SetBytes(b.raw, path, value)
}

func (b *jsonBody) setRaw(path string, value []byte) {
	if b.err != nil {
		return
	}
	b.raw, b.err = sjson.SetRawBytes(b.raw, path, value)
}

func (b *jsonBody) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

func (b *jsonBody) bytes() ([]byte, error) {
	return b.raw, b.err
}

// writeJSON sends body with status, or a 500 if it could not be built.
func (e *Engine) writeJSON(w http.ResponseWriter, status int, body *jsonBody) {
	raw, err := body.bytes()
	if err != nil {
		e.log.Error().Err(err).Msg("Could not encode response body")
		http.Error(w, "could not encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(raw); err != nil {
		e.log.Error().Err(err).Msg("Could not write response body to client")
	}
}

func resultCacheStatus(res Result) cachestatus.CacheStatus {
	cs := cachestatus.CacheStatus{}
	switch {
	case res.Bypassed:
		cs.Forward(cachestatus.FwdBypass)
	case res.Status != Completed:
		cs.Forward(cachestatus.FwdMiss)
	case res.Outcome == AllCached:
		cs.Hit()
		if res.Local {
			cs.Detail("local")
		}
	case res.Outcome == FirstLoad:
		cs.Forward(cachestatus.FwdUriMiss)
	default:
		cs.Forward(cachestatus.FwdStale)
		cs.Detail(res.Outcome.String())
	}
	if res.Stored {
		cs.Stored()
	}
	return cs
}

func statusFor(res Result) int {
	switch res.Status {
	case Completed:
		return http.StatusOK
	case Cancelled:
		return http.StatusServiceUnavailable
	}
	if sonicerr.KindOf(res.Err) == sonicerr.Unknown {
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}

func writeError(w http.ResponseWriter, err error, cs cachestatus.CacheStatus) {
	w.Header().Set("Cache-Status", cs.String())
	status := http.StatusBadGateway
	msg := "exchange failed"
	if err != nil {
		msg = err.Error()
		if sonicerr.KindOf(err) == sonicerr.Unknown {
			status = http.StatusBadRequest
		} else {
			w.Header().Set("Sonic-Error", strconv.Itoa(sonicerr.KindOf(err).Code()))
		}
	}
	http.Error(w, msg, status)
}

func (e *Engine) logRequest(r *http.Request, pageURL string, cs cachestatus.CacheStatus) {
	isHit := 0
	if cs.IsHit() {
		isHit = 1
	}
	e.log.Debug().
		Str("method", r.Method).
		Str("url", pageURL).
		Str("sourceIp", getRequestSourceIp(r)).
		Str("status", cs.String()).
		Int("hit", isHit).
		Msg("Sending response to host")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}
