// Package message defines MessageInfo, the canonical per-transaction record
// shared across every host inspection callback, plus the ProxyNextAction
// instruction set that drives the HTTP and WebSocket state machines.
package message

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/siphon-proxy/siphon/internal/headerfilter"
)

// Protocol identifies which wire protocol a transaction belongs to.
type Protocol int

const (
	ProtocolHTTP Protocol = iota
	ProtocolWebSocket
)

func (p Protocol) String() string {
	if p == ProtocolWebSocket {
		return "websocket"
	}
	return "http"
}

// Direction identifies which half of a transaction a MessageInfo describes.
type Direction int

const (
	DirectionRequest Direction = iota
	DirectionResponse
)

func (d Direction) String() string {
	if d == DirectionResponse {
		return "response"
	}
	return "request"
}

// NextAction is the seven-valued instruction a host callback returns to
// drive the transaction state machine. See design doc section 4.6.
type NextAction int

const (
	// AllowAndIgnoreContent forwards the stream unmodified, skipping the
	// content callback, but still invokes the begin-callback on the other
	// side of the transaction.
	AllowAndIgnoreContent NextAction = iota
	// AllowAndIgnoreContentAndResponse forwards the stream unmodified and
	// suppresses every further callback, including the opposite side's
	// begin-callback.
	AllowAndIgnoreContentAndResponse
	// AllowButRequestContentInspection buffers the body entirely (bounded)
	// then invokes the whole-body inspection callback before continuing.
	AllowButRequestContentInspection
	// AllowButRequestStreamedContentInspection forwards the body through an
	// inspection stream that fires a callback on every read/write/close.
	AllowButRequestStreamedContentInspection
	// AllowButRequestResponseReplay duplicates a response body into a
	// ResponseReplay while still streaming it to the original client.
	// Valid only on the response side.
	AllowButRequestResponseReplay
	// AllowButDelegateHandler transfers the transaction to a host-supplied
	// external handler; the core performs no further work.
	AllowButDelegateHandler
	// DropConnection terminates the transaction immediately.
	DropConnection
)

func (a NextAction) String() string {
	switch a {
	case AllowAndIgnoreContent:
		return "allow-ignore-content"
	case AllowAndIgnoreContentAndResponse:
		return "allow-ignore-content-and-response"
	case AllowButRequestContentInspection:
		return "allow-content-inspection"
	case AllowButRequestStreamedContentInspection:
		return "allow-streamed-inspection"
	case AllowButRequestResponseReplay:
		return "allow-response-replay"
	case AllowButDelegateHandler:
		return "allow-delegate-handler"
	case DropConnection:
		return "drop-connection"
	default:
		return "unknown"
	}
}

// idCounter is the process-wide monotonically increasing, wrapping message
// id generator. A request and its associated response share one id.
var idCounter uint32

// NextID returns the next process-unique message id. It wraps on overflow,
// matching the 32-bit wrapping semantics of the source design.
func NextID() uint32 {
	return atomic.AddUint32(&idCounter, 1)
}

// FulfillmentClient lets a host callback replace the default upstream
// client for a single transaction (e.g. to route through a different
// transport, add mTLS, or short-circuit entirely with a fake client).
type FulfillmentClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Info is the canonical per-transaction record. One Info describes either
// the request half or the response half of a transaction; the two halves
// share MessageID and the response half holds a non-owning back-reference
// to the request half via Originating.
type Info struct {
	mu sync.Mutex

	MessageID uint32
	URL       string
	Method    string
	Status    int
	// HTTPVersion is the client's protocol version ("HTTP/1.0" or
	// "HTTP/1.1"); the upstream request matches it, capped at HTTP/1.1.
	HTTPVersion string

	Headers           http.Header
	ExemptedHeaders   headerfilter.ExemptedSet
	Body              []byte
	bodyIsUserCreated bool
	BodyContentType   string

	Protocol    Protocol
	Direction   Direction
	IsEncrypted bool

	LocalAddress  string
	LocalPort     int
	RemoteAddress string
	RemotePort    int

	NextAction NextAction

	FulfillmentClient FulfillmentClient

	// Originating is non-nil only for a response Info; it points at the
	// request Info of the same transaction. It must not outlive the
	// transaction's own goroutine — the cycle this would otherwise create
	// is avoided by scoping the response to the request's lifetime.
	Originating *Info

	CreatedAt time.Time
}

// NewRequest builds a fresh request-side Info with a newly minted message
// id and sane defaults (status 200, HTTP direction, empty headers).
func NewRequest(protocol Protocol) *Info {
	return &Info{
		MessageID: NextID(),
		Status:    200,
		Headers:   make(http.Header),
		Protocol:  protocol,
		Direction: DirectionRequest,
		CreatedAt: time.Now(),
	}
}

// NewResponse builds the response-side Info for req, sharing its message
// id and linking Originating back to it, per the invariant that every
// response has an originating request.
func NewResponse(req *Info) *Info {
	return &Info{
		MessageID:   req.MessageID,
		Status:      200,
		Headers:     make(http.Header),
		Protocol:    req.Protocol,
		Direction:   DirectionResponse,
		Originating: req,
		CreatedAt:   time.Now(),
	}
}

// SetBodyInternal replaces the body without marking it user-created. This
// is what the proxy pipeline itself uses when it rebuilds a body from the
// wire; it must never be confused with a host-driven mutation.
func (m *Info) SetBodyInternal(body []byte, contentType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Body = body
	m.bodyIsUserCreated = false
	m.BodyContentType = contentType
}

// CopyAndSetBody copies count bytes starting at offset from src into a
// freshly owned buffer, marks the body user-created, and records the
// content type. This is the only body setter exposed to host callbacks.
func (m *Info) CopyAndSetBody(src []byte, offset, count int, contentType string) {
	buf := make([]byte, count)
	copy(buf, src[offset:offset+count])

	m.mu.Lock()
	defer m.mu.Unlock()
	m.Body = buf
	m.bodyIsUserCreated = true
	m.BodyContentType = contentType
}

// BodyIsUserCreated reports whether the current body was set through
// CopyAndSetBody rather than the internal pipeline.
func (m *Info) BodyIsUserCreated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bodyIsUserCreated
}

// GetBody returns a copy of the current body bytes and content type.
func (m *Info) GetBody() (body []byte, contentType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Body == nil {
		return nil, m.BodyContentType
	}
	out := make([]byte, len(m.Body))
	copy(out, m.Body)
	return out, m.BodyContentType
}

// Make204NoContent turns this Info into a synthetic 204 No Content
// response: headers cleared, body emptied, Expires set to the Unix epoch.
func (m *Info) Make204NoContent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Headers = make(http.Header)
	m.Status = 204
	m.Direction = DirectionResponse
	m.Body = nil
	m.bodyIsUserCreated = false
	m.Headers.Set("Expires", epochRFC1123())
}

// MakeTemporaryRedirect turns this Info into a synthetic 302 response
// pointing at location.
func (m *Info) MakeTemporaryRedirect(location string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Headers = make(http.Header)
	m.Status = 302
	m.Direction = DirectionResponse
	m.Body = nil
	m.bodyIsUserCreated = false
	m.Headers.Set("Location", location)
	m.Headers.Set("Expires", epochRFC1123())
}

func epochRFC1123() string {
	return time.Unix(0, 0).UTC().Format(http.TimeFormat)
}
