package cachecontrol

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type CacheControl struct {
	directives map[string]string
}

func (c CacheControl) Get(directive string) (string, bool) {
	val, ok := c.directives[directive]
	return val, ok
}

func (c CacheControl) HasDirective(directive string) bool {
	_, ok := c.Get(directive)
	return ok
}

// MaxAge returns the max-age directive, if present and valid.
func (c CacheControl) MaxAge() (time.Duration, bool) {
	val, ok := c.Get("max-age")
	if !ok {
		return 0, false
	}
	seconds, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}

// Parse takes Cache-Control headers as a slice of strings
// and returns an instance of `CacheControl`.
func Parse(headers []string) CacheControl {
	m := make(map[string]string)
	// note setting map values like this means last defined directive wins
	for _, header := range headers {
		for _, directive := range strings.Split(header, ",") {
			directive = strings.TrimSpace(directive)
			if directive == "" {
				continue
			}
			parts := strings.SplitN(directive, "=", 2)
			name := strings.ToLower(strings.TrimSpace(parts[0]))
			var arg string
			if len(parts) > 1 {
				arg = strings.Trim(strings.TrimSpace(parts[1]), "\"")
			}
			m[name] = arg
		}
	}
	return CacheControl{m}
}

// ForbidsStore reports whether the response headers ask caches not to keep
// (or not to reuse without revalidation) the response.
func ForbidsStore(header http.Header) bool {
	cc := Parse(header.Values("Cache-Control"))
	if cc.HasDirective("no-store") || cc.HasDirective("no-cache") || cc.HasDirective("must-revalidate") {
		return true
	}
	return strings.Contains(strings.ToLower(header.Get("Pragma")), "no-cache")
}

// Expiry returns the time until which a stored page may be served without
// asking the server. The lifetime comes from max-age, a bare public/private
// directive (which means maxAge) or the Expires header, and is capped at maxAge.
// A zero time means the page is stale immediately.
func Expiry(header http.Header, now time.Time, maxAge time.Duration) time.Time {
	var expires time.Time
	cc := Parse(header.Values("Cache-Control"))
	if ttl, ok := cc.MaxAge(); ok {
		if ttl > 0 {
			expires = now.Add(ttl)
		}
	} else if cc.HasDirective("private") || cc.HasDirective("public") {
		expires = now.Add(maxAge)
	} else if date, err := HttpDate(header.Get("Expires")); err == nil {
		expires = date
	}
	if limit := now.Add(maxAge); expires.After(limit) {
		expires = limit
	}
	return expires
}

const imfDateLayout = "Mon, 02 Jan 2006 15:04:05 MST"

// HttpDate parses an HTTP date, accepting the obsolete RFC 850 and asctime
// formats as well.
func HttpDate(dateStr string) (time.Time, error) {
	str := strings.TrimSpace(dateStr)
	if date, err := time.Parse(imfDateLayout, str); err == nil {
		return date, nil
	}
	if date, err := time.Parse(time.RFC850, str); err == nil {
		return date, nil
	}
	return time.Parse(time.ANSIC, str)
}

var durationParam = regexp.MustCompile(`(?i)\b(duration|max-age|delay)=(\d+)`)

// Token returns the first (";"-separated) element of a header value,
// lower-cased and trimmed.
func Token(value string) string {
	token, _, _ := strings.Cut(value, ";")
	return strings.ToLower(strings.TrimSpace(token))
}

// Duration returns the `duration=N` (or `max-age=N`, `delay=N`) parameter of
// a header value in seconds. If none is found, it returns 0.
func Duration(value string) time.Duration {
	if matches := durationParam.FindStringSubmatch(value); matches != nil {
		if seconds, err := strconv.Atoi(matches[2]); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return 0
}
