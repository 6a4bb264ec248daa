package swcache

import "fmt"

type CacheStatusStatus string

const (
	CacheStatusHit = "hit"
	CacheStatusFwd = "fwd"
)

type CacheStatusFwdReason string

const (
	// The engine does not handle this request.
	CacheStatusFwdBypass = "bypass"

	// The store did not contain a response for the request URI.
	CacheStatusFwdUriMiss = "uri-miss"

	// The strategy goes to the network before looking at the store.
	CacheStatusFwdRequest = "request"
)

// CacheStatus renders the Cache-Status response header.
type CacheStatus struct {
	status    CacheStatusStatus
	detail    string
	fwdReason CacheStatusFwdReason
	stored    bool
}

func (cs *CacheStatus) Hit() {
	cs.status = CacheStatusHit
}

func (cs *CacheStatus) Forward(reason CacheStatusFwdReason) {
	cs.status = CacheStatusFwd
	cs.fwdReason = reason
}

func (cs *CacheStatus) Stored() {
	cs.stored = true
}

func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

func (cs *CacheStatus) IsHit() bool {
	return cs.status == CacheStatusHit
}

func (cs *CacheStatus) String() string {
	status := fmt.Sprintf("swcache; %s", cs.status)
	if cs.status == CacheStatusFwd && cs.fwdReason != "" {
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
