package rfc9211

import (
	"strconv"
	"strings"
)

// §  2.  The Cache-Status HTTP Response Header Field
// §
// §     The Cache-Status HTTP response header field indicates caches' handling
// §     of the request corresponding to the response it occurs within.
// §
// §     Its value is a List:
// §
// §     Cache-Status   = sf-list
// §
// §     Each member of the list represents a cache that has handled the
// §     request.  The first member of the list represents the cache closest
// §     to the origin server, and the last member of the list represents the
// §     cache closest to the user

const HeaderName = "Cache-Status"

type Status string

const (
	StatusHit Status = "hit"
	StatusFwd Status = "fwd"
)

// §  2.2.  The fwd Parameter
// §
// §     "fwd" indicates that the request went forward towards the origin, and
// §     why.
type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdReasonBypass FwdReason = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	FwdReasonMethod FwdReason = "method"

	// The cache did not contain any responses that matched the
	// request URI.
	FwdReasonUriMiss FwdReason = "uri-miss"

	// The cache contained a response that matched the request
	// URI, but it could not select a response based upon this request's
	// header fields and stored Vary header fields.
	FwdReasonVaryMiss FwdReason = "vary-miss"

	// The cache did not contain any responses that could be used to
	// satisfy this request (to be used when an implementation cannot
	// distinguish between uri-miss and vary-miss).
	FwdReasonMiss FwdReason = "miss"
)

// CacheStatus is a single member of the Cache-Status list.
type CacheStatus struct {
	// Identifier of the cache, usually the bucket name.
	Cache     string
	Status    Status
	FwdReason FwdReason
	// §  2.5.  The stored Parameter
	Stored bool
	// §  2.8.  The detail Parameter
	Detail string
}

func (cs *CacheStatus) Hit() {
	cs.Status = StatusHit
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = StatusFwd
	cs.FwdReason = reason
}

// IsHit reports whether the response was served from the cache.
func (cs CacheStatus) IsHit() bool {
	return cs.Status == StatusHit
}

// String serializes the member, e.g. `bubble-repl-cache; fwd=uri-miss`.
func (cs CacheStatus) String() string {
	var b strings.Builder
	b.WriteString(item(cs.Cache))
	switch cs.Status {
	case StatusHit:
		b.WriteString("; hit")
	case StatusFwd:
		b.WriteString("; fwd=")
		if cs.FwdReason == "" {
			b.WriteString(string(FwdReasonMiss))
		} else {
			b.WriteString(string(cs.FwdReason))
		}
	}
	if cs.Stored {
		b.WriteString("; stored")
	}
	if cs.Detail != "" {
		b.WriteString("; detail=")
		b.WriteString(item(cs.Detail))
	}
	return b.String()
}

// item returns s as a token when it is one, otherwise as a quoted sf-string.
func item(s string) string {
	if isToken(s) {
		return s
	}
	return strconv.Quote(s)
}

// §     sf-token = ( ALPHA / "*" ) *( tchar / ":" / "/" )
func isToken(s string) bool {
	if s == "" {
		return false
	}
	first := s[0]
	if !(first >= 'a' && first <= 'z' || first >= 'A' && first <= 'Z' || first == '*') {
		return false
	}
	for i := 1; i < len(s); i++ {
		if !strings.ContainsRune(tchars, rune(s[i])) {
			return false
		}
	}
	return true
}

const tchars = "!#$%&'*+-.^_`|~:/" +
	"0123456789" +
	"abcdefghijklmnopqrstuvwxyz" +
	"ABCDEFGHIJKLMNOPQRSTUVWXYZ"
