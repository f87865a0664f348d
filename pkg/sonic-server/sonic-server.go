// Package sonicserver is the server side of the Sonic protocol: a
// middleware that turns the HTML pages of a handler into first loads,
// data updates, template updates or 304s depending on what the client
// has cached.
package sonicserver

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tidwall/sjson"

	"github.com/always-cache/sonic/diff"
	hashutil "github.com/always-cache/sonic/pkg/hash-util"
)

type Options struct {
	// Value of the `cache-offline` header. "true" if empty.
	Directive string
	// Resources clients should preload, sent as `sonic-link`.
	Links []string
	// Logger to use. A disabled logger is used if nil.
	Logger *zerolog.Logger
}

// Middleware answers Sonic clients (requests with `accept-diff: true`) with
// the smallest response that brings their cache up to date. Other requests
// and non-200 responses pass through unchanged.
func Middleware(opts Options) func(http.Handler) http.Handler {
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	directive := opts.Directive
	if directive == "" {
		directive = "true"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet || !strings.EqualFold(r.Header.Get("accept-diff"), "true") {
				next.ServeHTTP(w, r)
				return
			}
			rec := newRecorder()
			next.ServeHTTP(rec, r)
			if rec.StatusCode() != http.StatusOK {
				rec.flush(w)
				return
			}

			html := rec.body.Bytes()
			etag := hashutil.ContentHash(html)
			header := w.Header()
			copyHeader(header, rec.header)
			header.Del("Content-Length")
			header.Set("Etag", strconv.Quote(etag))
			header.Set("cache-offline", directive)
			if len(opts.Links) > 0 {
				header.Set("sonic-link", strings.Join(opts.Links, ";"))
			}

			doc, err := diff.Split(html)
			if err != nil {
				// the page cannot be split, so clients must not store it
				log.Debug().Err(err).Str("path", r.URL.Path).Msg("Serving page without template")
				header.Set("cache-offline", "false")
				header.Set("template-change", "true")
				w.WriteHeader(http.StatusOK)
				w.Write(html)
				return
			}
			tag := diff.TemplateTag(doc.Template)
			header.Set("template-tag", tag)

			if normalizeETag(r.Header.Get("If-None-Match")) == etag {
				log.Trace().Str("path", r.URL.Path).Msg("Page unchanged")
				w.WriteHeader(http.StatusNotModified)
				return
			}
			if r.Header.Get("template-tag") == tag {
				body, err := updateBody(doc, etag, tag)
				if err == nil {
					log.Trace().Str("path", r.URL.Path).Int("slots", doc.Data.Len()).Msg("Sending data update")
					header.Set("template-change", "false")
					header.Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusOK)
					w.Write(body)
					return
				}
				log.Error().Err(err).Msg("Could not encode data update")
			}
			header.Set("template-change", "true")
			w.WriteHeader(http.StatusOK)
			w.Write(html)
		})
	}
}

// updateBody builds the data update envelope.
func updateBody(doc diff.Document, etag, tag string) ([]byte, error) {
	data, err := diff.WrapKeys(doc.Data).MarshalJSON()
	if err != nil {
		return nil, err
	}
	body, err := sjson.SetRawBytes([]byte(`{}`), "data", data)
	if err != nil {
		return nil, err
	}
	if body, err = sjson.SetBytes(body, "html-sha1", etag); err != nil {
		return nil, err
	}
	return sjson.SetBytes(body, "template-tag", tag)
}

func normalizeETag(etag string) string {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	return strings.Trim(etag, "\"")
}
