// Package cachestatus formats the Cache-Status response header
// (RFC 9211) for documents served by the host surface.
package cachestatus

import "fmt"

const Name = "Sonic"

type Status string

const (
	StatusHit Status = "hit"
	StatusFwd Status = "fwd"
)

type FwdReason string

const (
	// Sonic is disabled for the page, or the server turned it off.
	FwdBypass FwdReason = "bypass"

	// No cached item existed for the page.
	FwdUriMiss FwdReason = "uri-miss"

	// A cached item existed but the server sent new data or a new template.
	FwdStale FwdReason = "stale"

	// The exchange failed; whatever was served did not come from the cache.
	FwdMiss FwdReason = "miss"
)

type CacheStatus struct {
	status    Status
	detail    string
	fwdReason FwdReason
	stored    bool
}

func (cs *CacheStatus) Hit() {
	cs.status = StatusHit
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.status = StatusFwd
	cs.fwdReason = reason
}

// Stored marks that the response was written to the cache.
func (cs *CacheStatus) Stored() {
	cs.stored = true
}

func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

func (cs *CacheStatus) IsHit() bool {
	return cs.status == StatusHit
}

func (cs *CacheStatus) String() string {
	status := fmt.Sprintf("%s; %s", Name, cs.status)
	if cs.status == StatusFwd && cs.fwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.fwdReason)
	}
	if cs.stored {
		status = status + "; stored"
	}
	if cs.detail != "" {
		status = status + "; detail=" + cs.detail
	}
	return status
}
