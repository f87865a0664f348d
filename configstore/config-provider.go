// Package configstore keeps the small per-session and per-resource scalar
// fields (etag, template tag, hashes, timestamps) in a flat key/value table.
package configstore

import (
	"strconv"
	"time"
)

// Namespaces used by the caches.
const (
	Sessions  = "session"
	Resources = "resource"
	Disabled  = "disable"
	Global    = "global"
)

// Keys of a session or resource entry.
const (
	KeyETag               = "etag"
	KeyTemplateTag        = "template-tag"
	KeyHTMLSha1           = "html-sha1"
	KeyHTMLSize           = "html-size"
	KeyTemplateUpdateTime = "template-update-time"
	KeyExpireTime         = "expire-time"
	KeyLocalRefreshTime   = "local-refresh-time"
	KeyHitCount           = "cache-hit-count"
	KeyCSP                = "csp"
	KeyCSPReportOnly      = "csp-report-only"
	KeyDisableUntil       = "sonic-disable-until"
	KeyURL                = "url"
	KeyLastUpdateTime     = "last-update-time"
	KeyLastTrimTime       = "last-trim-time"
	KeySHA1               = "sha1"
	KeySize               = "size"
)

// Provider is a string key/value table where rows are grouped by
// namespace and id.
//
// Implementations must be thread-safe!
type Provider interface {
	// Get returns all keys stored for the id.
	// A missing id returns an empty entry and no error.
	Get(namespace, id string) (Entry, error)
	// Put replaces all keys of the id with the given entry, atomically.
	Put(namespace, id string, entry Entry) error
	// Set updates the given keys of the id, keeping the others.
	Set(namespace, id string, values Entry) error
	// Delete removes the id with all its keys.
	Delete(namespace, id string) error
	// Clear removes every id of the namespace.
	Clear(namespace string) error
	// IDs returns the ids of the namespace ordered ascending by the numeric
	// value stored under orderKey. Ids without that key come first.
	IDs(namespace, orderKey string) ([]string, error)
	Close() error
}

// Entry holds the keys of one id.
type Entry map[string]string

// Empty reports whether the entry has no keys.
func (e Entry) Empty() bool {
	return len(e) == 0
}

func (e Entry) Int64(key string) int64 {
	n, _ := strconv.ParseInt(e[key], 10, 64)
	return n
}

func (e Entry) SetInt64(key string, n int64) {
	e[key] = strconv.FormatInt(n, 10)
}

// Time reads a timestamp stored in unix milliseconds.
// Missing or zero values return the zero time.
func (e Entry) Time(key string) time.Time {
	ms := e.Int64(key)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// SetTime stores a timestamp in unix milliseconds. The zero time is stored as 0.
func (e Entry) SetTime(key string, t time.Time) {
	if t.IsZero() {
		e[key] = "0"
		return
	}
	e.SetInt64(key, t.UnixMilli())
}

func (e Entry) Clone() Entry {
	c := make(Entry, len(e))
	for k, v := range e {
		c[k] = v
	}
	return c
}
