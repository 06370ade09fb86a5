// Package headerfilter classifies HTTP and WebSocket header names that must
// be stripped when copying a message across the proxy boundary.
package headerfilter

import "net/textproto"

// Protocol selects which forbidden-header set applies to a transaction.
type Protocol int

const (
	// HTTP is the base forbidden-header set for plain HTTP(S) requests and
	// responses.
	HTTP Protocol = iota
	// WebSocket is the HTTP set plus the headers that belong to the
	// upgrade handshake and must never be forwarded verbatim.
	WebSocket
)

// httpForbidden is the base set shared by both protocols.
var httpForbidden = map[string]struct{}{
	"X-Sdhc":                         {},
	"Avail-Dictionary":               {},
	"Content-Length":                 {},
	"Content-Encoding":               {},
	"Alternate-Protocol":             {},
	"Alt-Svc":                        {},
	"Public-Key-Pins":                {},
	"Public-Key-Pins-Report-Only":    {},
	"Get-Dictionary":                 {},
	"Accept-Encoding":                {},
	"Transfer-Encoding":              {},
}

// websocketExtra is added on top of httpForbidden for WebSocket upgrades.
var websocketExtra = map[string]struct{}{
	"Sec-Websocket-Extensions": {},
	"Sec-Websocket-Key":        {},
	"Sec-Websocket-Version":    {},
	"Sec-Websocket-Accept":     {},
	"Cookie":                   {},
	"Connection":               {},
	"Upgrade":                  {},
}

// canon normalizes a header name the same way net/http does, so lookups
// match regardless of how the caller capitalized the name.
func canon(name string) string {
	return textproto.CanonicalMIMEHeaderKey(name)
}

// Forbidden reports whether name must be stripped for the given protocol,
// unless it is present in the transaction's exempted set.
func Forbidden(proto Protocol, name string) bool {
	n := canon(name)
	if _, ok := httpForbidden[n]; ok {
		return true
	}
	if proto == WebSocket {
		if _, ok := websocketExtra[n]; ok {
			return true
		}
	}
	return false
}

// ExemptedSet is a case-insensitive set of header names that bypass the
// forbidden-header filter for a single transaction.
type ExemptedSet map[string]struct{}

// NewExemptedSet builds an ExemptedSet from a list of header names.
func NewExemptedSet(names ...string) ExemptedSet {
	s := make(ExemptedSet, len(names))
	for _, n := range names {
		s[canon(n)] = struct{}{}
	}
	return s
}

// Contains reports whether name is present in the exempted set.
func (s ExemptedSet) Contains(name string) bool {
	if s == nil {
		return false
	}
	_, ok := s[canon(name)]
	return ok
}

// Allowed reports whether a header named name may be copied across the
// proxy for the given protocol and per-transaction exemptions. Host is
// always allowed here — the caller is responsible for setting it from the
// original request's Host value rather than blindly copying it, per the
// Host-handling rule in the design.
func Allowed(proto Protocol, name string, exempted ExemptedSet) bool {
	if !Forbidden(proto, name) {
		return true
	}
	return exempted.Contains(name)
}
