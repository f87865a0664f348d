package hashutil

import (
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

const (
	// Query parameters with this prefix take part in the session id.
	sessionParamPrefix = "sonic_"
	// Query parameter listing further (";"-separated) parameters to keep.
	remainParamsName = "sonic_remain_params"
	remainSeparator  = ";"
	accountSeparator = "_"
)

// ContentHash returns the hex encoded SHA-1 digest of the given bytes.
// Servers send the same digest in the `html-sha1` header and the `etag`.
func ContentHash(b []byte) string {
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}

// Digest returns the hex encoded MD5 digest of a string.
// It is used for identifiers, not for integrity checks.
func Digest(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// ResourceID returns the identifier of a sub-resource URL.
func ResourceID(rawURL string) string {
	return Digest(rawURL)
}

// SessionID returns the identifier of a page URL.
// Only the authority, the path and the session-relevant query parameters
// contribute, so tracking parameters do not split the cache.
func SessionID(rawURL string) string {
	return Digest(NormalizeURL(rawURL))
}

// AccountSessionID returns a session id scoped to the given account.
func AccountSessionID(account, rawURL string) string {
	if account == "" {
		return SessionID(rawURL)
	}
	return account + accountSeparator + SessionID(rawURL)
}

// NormalizeURL returns the string that session ids are derived from.
// Unparseable URLs are used as-is.
func NormalizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	var b strings.Builder
	b.WriteString(strings.ToLower(u.Host))
	b.WriteString(u.EscapedPath())

	query := u.Query()
	remain := make(map[string]bool)
	for _, name := range strings.Split(query.Get(remainParamsName), remainSeparator) {
		if name != "" {
			remain[name] = true
		}
	}
	names := make([]string, 0, len(query))
	for name := range query {
		if name != "" && (strings.HasPrefix(name, sessionParamPrefix) || remain[name]) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		b.WriteString(name)
		b.WriteString("=")
		b.WriteString(query.Get(name))
	}
	return b.String()
}
