package cache

import (
	"net/http"
	"strings"
	"time"

	"github.com/always-cache/sonic/configstore"
	"github.com/always-cache/sonic/diff"
)

// Item is the cached content of one session.
// HTML always equals diff.Render(Template, Data).
type Item struct {
	SessionID string
	Template  []byte
	Data      *diff.Map
	HTML      []byte
	// Response headers of the exchange that produced the item, without cookies.
	Header      http.Header
	ContentHash string
	TemplateTag string
	ETag        string
	CSP         string
	// Content-Security-Policy-Report-Only
	CSPReportOnly      string
	HitCount           int64
	LocalRefreshTime   time.Time
	CacheExpireTime    time.Time
	TemplateUpdateTime time.Time
}

// Clone returns a deep copy.
func (i *Item) Clone() *Item {
	if i == nil {
		return nil
	}
	c := *i
	c.Template = append([]byte(nil), i.Template...)
	c.HTML = append([]byte(nil), i.HTML...)
	c.Data = i.Data.Clone()
	c.Header = i.Header.Clone()
	return &c
}

// Expired reports whether the item may no longer be served without asking
// the server.
func (i *Item) Expired(now time.Time) bool {
	return !now.Before(i.CacheExpireTime)
}

// ResponseHeader returns the headers to serve the cached document with.
// Validators and freshness headers of the original exchange are dropped.
func (i *Item) ResponseHeader() http.Header {
	h := i.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	for _, name := range servedHeaderFilter {
		h.Del(name)
	}
	if i.CSP != "" {
		h.Set("Content-Security-Policy", i.CSP)
	}
	if i.CSPReportOnly != "" {
		h.Set("Content-Security-Policy-Report-Only", i.CSPReportOnly)
	}
	return h
}

var servedHeaderFilter = []string{
	"Cache-Control", "Expires", "Etag", "Pragma", "Content-Length", "Template-Tag", "Template-Change",
}

// headers never persisted
var storedHeaderFilter = []string{
	"Set-Cookie", "Set-Cookie2", "Content-Length", "Transfer-Encoding", "Connection",
}

func storedHeader(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		return http.Header{}
	}
	for _, name := range storedHeaderFilter {
		out.Del(name)
	}
	return out
}

// NormalizeETag strips the weak prefix and quotes from an ETag.
func NormalizeETag(etag string) string {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	etag = strings.TrimPrefix(etag, "w/")
	return strings.Trim(etag, "\"")
}

func (i *Item) entry() configstore.Entry {
	e := configstore.Entry{
		configstore.KeyETag:          i.ETag,
		configstore.KeyTemplateTag:   i.TemplateTag,
		configstore.KeyHTMLSha1:      i.ContentHash,
		configstore.KeyCSP:           i.CSP,
		configstore.KeyCSPReportOnly: i.CSPReportOnly,
	}
	e.SetInt64(configstore.KeyHTMLSize, int64(len(i.HTML)))
	e.SetInt64(configstore.KeyHitCount, i.HitCount)
	e.SetTime(configstore.KeyLocalRefreshTime, i.LocalRefreshTime)
	e.SetTime(configstore.KeyExpireTime, i.CacheExpireTime)
	e.SetTime(configstore.KeyTemplateUpdateTime, i.TemplateUpdateTime)
	return e
}

func (i *Item) applyEntry(e configstore.Entry) {
	i.ETag = e[configstore.KeyETag]
	i.TemplateTag = e[configstore.KeyTemplateTag]
	i.ContentHash = e[configstore.KeyHTMLSha1]
	i.CSP = e[configstore.KeyCSP]
	i.CSPReportOnly = e[configstore.KeyCSPReportOnly]
	i.HitCount = e.Int64(configstore.KeyHitCount)
	i.LocalRefreshTime = e.Time(configstore.KeyLocalRefreshTime)
	i.CacheExpireTime = e.Time(configstore.KeyExpireTime)
	i.TemplateUpdateTime = e.Time(configstore.KeyTemplateUpdateTime)
}
