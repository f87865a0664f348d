package sonic

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	hashutil "github.com/always-cache/sonic/pkg/hash-util"
	sonicerr "github.com/always-cache/sonic/pkg/sonic-error"
)

func get(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestHandlerPage(t *testing.T) {
	o := newOrigin(nil)
	o.respond(response(200, pageA, "Content-Type", "text/html; charset=utf-8"))
	e := newTestEngine(t, o)
	h := e.Handler()
	target := "/page?url=" + url.QueryEscape(pageURL)

	rec := get(t, h, http.MethodGet, target)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, pageA, rec.Body.String())
	assert.Equal(t, "Sonic; fwd=uri-miss; stored", rec.Header().Get("Cache-Status"))
	assert.Equal(t, "1000", rec.Header().Get("Sonic-Outcome"))
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))

	o.respond(response(304, ""))
	rec = get(t, h, http.MethodGet, target)
	assert.Equal(t, "Sonic; hit", rec.Header().Get("Cache-Status"))
	assert.Equal(t, pageA, rec.Body.String())

	o.respond(response(200, dataUpdate("9:05", pageB), "template-change", "false"))
	rec = get(t, h, http.MethodGet, target)
	assert.Equal(t, "Sonic; fwd=stale; stored; detail=data-update", rec.Header().Get("Cache-Status"))
	assert.Equal(t, pageB, rec.Body.String())
}

func TestHandlerPageErrors(t *testing.T) {
	o := newOrigin(nil)
	o.respond(response(502, "bad gateway"))
	e := newTestEngine(t, o)
	h := e.Handler()

	rec := get(t, h, http.MethodGet, "/page?url="+url.QueryEscape(pageURL))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "-1007", rec.Header().Get("Sonic-Error"))

	rec = get(t, h, http.MethodGet, "/page?url=relative")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerDiff(t *testing.T) {
	o := newOrigin(nil)
	o.respond(response(200, pageA))
	e := newTestEngine(t, o)
	h := e.Handler()
	target := "/diff?url=" + url.QueryEscape(pageURL)

	rec := get(t, h, http.MethodGet, target)
	require.Equal(t, http.StatusOK, rec.Code)
	body := gjson.Parse(rec.Body.String())
	assert.Equal(t, int64(1000), body.Get("outcome").Int())
	assert.Equal(t, "completed", body.Get("status").String())
	assert.Equal(t, "store+refresh", body.Get("directive").String())
	assert.True(t, body.Get("diff").IsObject())
	assert.Empty(t, body.Get("diff").Map())

	o.respond(response(200, `{"data":{"{t}":"9:05"}}`, "template-change", "false", "cache-offline", "false"))
	rec = get(t, h, http.MethodGet, target)
	body = gjson.Parse(rec.Body.String())
	assert.Equal(t, int64(200), body.Get("outcome").Int())
	assert.Equal(t, "refresh", body.Get("directive").String())
	assert.Equal(t, "9:05", body.Get("diff").Map()["{t}"].String())

	o.respond(response(200, "<html></html>", "template-change", "true"))
	rec = get(t, h, http.MethodGet, target)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	body = gjson.Parse(rec.Body.String())
	assert.Equal(t, int64(-1005), body.Get("error.code").Int())
}

func TestHandlerAccount(t *testing.T) {
	o := newOrigin(nil)
	o.respond(response(200, pageA))
	e := newTestEngine(t, o)
	h := e.Handler()
	query := "url=" + url.QueryEscape(pageURL) + "&account=alice"

	rec := get(t, h, http.MethodGet, "/page?"+query)
	require.Equal(t, http.StatusOK, rec.Code)
	item, err := e.Store().Get(hashutil.AccountSessionID("alice", pageURL))
	require.NoError(t, err)
	require.NotNil(t, item)
	item, err = e.Store().Get(hashutil.SessionID(pageURL))
	require.NoError(t, err)
	assert.Nil(t, item)

	o.respond(response(304, ""))
	rec = get(t, h, http.MethodGet, "/diff?"+query)
	assert.Equal(t, int64(304), gjson.Get(rec.Body.String(), "outcome").Int())

	rec = get(t, h, http.MethodDelete, "/cache?"+query)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	item, err = e.Store().Get(hashutil.AccountSessionID("alice", pageURL))
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestWriteJSONFailure(t *testing.T) {
	e := newTestEngine(t, newOrigin(nil))
	body := newJSONBody()
	body.set("ok", 1)
	body.set("", 2)
	body.set("later", 3)
	_, err := body.bytes()
	require.Error(t, err)

	rec := httptest.NewRecorder()
	e.writeJSON(rec, http.StatusOK, body)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), `"ok"`)
}

func TestHandlerClearAndTrim(t *testing.T) {
	o := newOrigin(nil)
	o.respond(response(200, pageA))
	e := newTestEngine(t, o)
	h := e.Handler()
	run(t, e)
	id := hashutil.SessionID(pageURL)

	rec := get(t, h, http.MethodDelete, "/cache?url="+url.QueryEscape(pageURL))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	item, err := e.Store().Get(id)
	require.NoError(t, err)
	assert.Nil(t, item)

	run(t, e)
	rec = get(t, h, http.MethodDelete, "/cache")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	item, err = e.Store().Get(id)
	require.NoError(t, err)
	assert.Nil(t, item)

	rec = get(t, h, http.MethodPost, "/trim?force=true")
	require.Equal(t, http.StatusOK, rec.Code)
	body := gjson.Parse(rec.Body.String())
	assert.False(t, body.Get("sessions.skipped").Bool())
	assert.Equal(t, int64(0), body.Get("sessions.removed").Int())
}

func resourceOrigin(calls *atomic.Int32) *origin {
	return newOrigin(func(ctx context.Context, req *Request) (*Response, error) {
		switch {
		case strings.HasSuffix(req.URL.Path, ".css"), strings.HasSuffix(req.URL.Path, ".js"):
			calls.Add(1)
			return response(200, "body{}", "Content-Type", "text/css", "Cache-Control", "max-age=3600"), nil
		case req.URL.Path == "/page":
			return response(200, pageA, "sonic-link", "/app.css; https://cdn.example.test/lib.js"), nil
		}
		return response(404, "not found"), nil
	})
}

func TestIntercept(t *testing.T) {
	var calls atomic.Int32
	e := newTestEngine(t, resourceOrigin(&calls))
	ctx := context.Background()

	entry, err := e.Intercept(ctx, "https://example.test/app.css")
	require.NoError(t, err)
	assert.Equal(t, "body{}", string(entry.Body))
	_, err = e.Intercept(ctx, "https://example.test/app.css")
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	_, err = e.Intercept(ctx, "https://example.test/missing.png")
	assert.True(t, sonicerr.Is(err, sonicerr.InterceptionFailed), err)
	assert.Equal(t, -1009, sonicerr.KindOf(err).Code())
}

func TestHandlerResource(t *testing.T) {
	var calls atomic.Int32
	e := newTestEngine(t, resourceOrigin(&calls))
	h := e.Handler()
	target := "/resource?url=" + url.QueryEscape("https://example.test/app.css")

	rec := get(t, h, http.MethodGet, target)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Sonic; fwd=uri-miss; stored", rec.Header().Get("Cache-Status"))
	assert.Equal(t, "text/css", rec.Header().Get("Content-Type"))

	rec = get(t, h, http.MethodGet, target)
	assert.Equal(t, "Sonic; hit", rec.Header().Get("Cache-Status"))
	assert.Equal(t, "body{}", rec.Body.String())

	rec = get(t, h, http.MethodGet, "/resource?url="+url.QueryEscape("https://example.test/x.png"))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "-1009", rec.Header().Get("Sonic-Error"))
}

func TestSonicLinkPrefetch(t *testing.T) {
	var calls atomic.Int32
	e := newTestEngine(t, resourceOrigin(&calls))
	res := run(t, e)
	require.NoError(t, res.Err)

	assert.Eventually(t, func() bool {
		return e.Resources().Has("https://example.test/app.css") &&
			e.Resources().Has("https://cdn.example.test/lib.js")
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}
