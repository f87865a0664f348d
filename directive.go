package sonic

import (
	"net/http"
	"strconv"
	"time"

	cachecontrol "github.com/always-cache/sonic/pkg/cache-control"
)

// Directive is what the server asks the client to do with a response,
// as sent in the `cache-offline` header.
type Directive struct {
	// Keep the response in the cache.
	Store bool
	// Show the response to the page now.
	Refresh bool
	// Turn Sonic off for the page for DisableFor.
	Disable    bool
	DisableFor time.Duration
}

var (
	StoreAndRefresh = Directive{Store: true, Refresh: true}
	StoreOnly       = Directive{Store: true}
	RefreshOnly     = Directive{Refresh: true}
)

// ParseDirective reads the `cache-offline` header. A missing or unknown value
// means store and refresh. With supportCacheControl, the standard no-store
// family of headers clears Store.
func ParseDirective(header http.Header, supportCacheControl bool, unavailable time.Duration) Directive {
	value := header.Get("cache-offline")
	var d Directive
	switch cachecontrol.Token(value) {
	case "store":
		d = StoreOnly
	case "false", "refresh":
		d = RefreshOnly
	case "http", "disable":
		d = Directive{Disable: true, DisableFor: unavailable}
		if duration := cachecontrol.Duration(value); duration > 0 {
			d.DisableFor = duration
		}
		return d
	default:
		d = StoreAndRefresh
	}
	if supportCacheControl && cachecontrol.ForbidsStore(header) {
		d.Store = false
	}
	return d
}

func (d Directive) String() string {
	switch {
	case d.Disable:
		return "disable"
	case d.Store && d.Refresh:
		return "store+refresh"
	case d.Store:
		return "store"
	case d.Refresh:
		return "refresh"
	}
	return "none"
}

// Value returns the `cache-offline` header value for d.
func (d Directive) Value() string {
	switch {
	case d.Disable:
		if d.DisableFor > 0 {
			return "http; duration=" + formatSeconds(d.DisableFor)
		}
		return "http"
	case d.Store && d.Refresh:
		return "true"
	case d.Store:
		return "store"
	}
	return "false"
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatInt(int64(d/time.Second), 10)
}
