// Package cachestatus reads the hit/forward claims that proxies attach to responses,
// either as an RFC 9211 `Cache-Status` field or as Squid's `X-Cache` field.
package cachestatus

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type Status string

const (
	StatusHit Status = "hit"
	StatusFwd Status = "fwd"
)

type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdBypass FwdReason = "bypass"
	// The request method's semantics require the request to be forwarded.
	FwdMethod FwdReason = "method"
	// The cache did not contain any responses that matched the request URI.
	FwdUriMiss FwdReason = "uri-miss"
	// The cache contained a response for the URI but could not select it
	// based on the request's header fields and stored Vary header fields.
	FwdVaryMiss FwdReason = "vary-miss"
	// The cache did not contain any usable response.
	FwdMiss FwdReason = "miss"
	// A fresh response was available but the request did not allow its use.
	FwdRequest FwdReason = "request"
	// The selected response was stale.
	FwdStale FwdReason = "stale"
	// The selected response did not contain all requested ranges.
	FwdPartial FwdReason = "partial"
)

// CacheStatus is one cache's entry in the response's cache status list.
type CacheStatus struct {
	Cache     string
	Status    Status
	FwdReason FwdReason
	Stored    bool
	Detail    string
}

func (cs CacheStatus) Hit() bool {
	return cs.Status == StatusHit
}

func (cs CacheStatus) String() string {
	status := fmt.Sprintf("%s; %s", cs.Cache, cs.Status)
	if cs.Status == StatusFwd && cs.FwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.FwdReason)
	}
	if cs.Stored {
		status += "; stored"
	}
	if cs.Detail != "" {
		status += "; detail=" + cs.Detail
	}
	return status
}

// Parse returns the cache statuses from Cache-Status, falling back to X-Cache.
// Entries are ordered from the origin-most cache to the client-most cache.
func Parse(header http.Header) []CacheStatus {
	if values := header.Values("Cache-Status"); len(values) > 0 {
		return parseCacheStatus(values)
	}
	return parseXCache(header.Values("X-Cache"))
}

// Served returns the client-most cache that claims a hit, if any.
func Served(statuses []CacheStatus) (CacheStatus, bool) {
	for i := len(statuses) - 1; i >= 0; i-- {
		if statuses[i].Hit() {
			return statuses[i], true
		}
	}
	return CacheStatus{}, false
}

// Age returns the Age field of a response. Its presence means the response
// was not generated by the origin for this request. Only the first member of
// a list is used; an invalid value is ignored.
func Age(header http.Header) (time.Duration, bool) {
	value := header.Get("Age")
	if value == "" {
		return 0, false
	}
	first, _, _ := strings.Cut(value, ",")
	seconds, err := strconv.ParseUint(strings.TrimSpace(first), 10, 31)
	if err != nil {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}

func parseCacheStatus(values []string) []CacheStatus {
	statuses := make([]CacheStatus, 0)
	for _, value := range values {
		for _, member := range strings.Split(value, ",") {
			params := strings.Split(member, ";")
			name := strings.Trim(strings.TrimSpace(params[0]), `"`)
			if name == "" {
				continue
			}
			cs := CacheStatus{Cache: name, Status: StatusFwd}
			for _, p := range params[1:] {
				key, val, _ := strings.Cut(strings.TrimSpace(p), "=")
				val = strings.Trim(val, `"`)
				switch strings.ToLower(key) {
				case "hit":
					cs.Status = StatusHit
				case "fwd":
					cs.Status = StatusFwd
					cs.FwdReason = FwdReason(val)
				case "stored":
					cs.Stored = true
				case "detail":
					cs.Detail = val
				}
			}
			statuses = append(statuses, cs)
		}
	}
	return statuses
}

// parseXCache reads values like "HIT from cache1" or "MISS from cache2".
// Each Squid appends its own field after those of its upstream caches.
func parseXCache(values []string) []CacheStatus {
	statuses := make([]CacheStatus, 0, len(values))
	for _, value := range values {
		fields := strings.Fields(value)
		if len(fields) == 0 {
			continue
		}
		cs := CacheStatus{Status: StatusFwd, FwdReason: FwdMiss}
		if len(fields) >= 3 && strings.EqualFold(fields[1], "from") {
			cs.Cache = fields[2]
		}
		if strings.Contains(strings.ToUpper(fields[0]), "HIT") {
			cs.Status = StatusHit
			cs.FwdReason = ""
		}
		statuses = append(statuses, cs)
	}
	return statuses
}
