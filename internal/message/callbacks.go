package message

import "net/http"

// NewHTTPMessageFunc is invoked once per request-begin and once per
// response-begin (and once per WebSocket upgrade request). It inspects or
// mutates info in place and returns the action that drives the rest of the
// transaction.
type NewHTTPMessageFunc func(info *Info) NextAction

// WholeBodyInspectionFunc is invoked once a body (HTTP message or single
// WebSocket frame) has been fully buffered into info.Body.
type WholeBodyInspectionFunc func(info *Info) NextAction

// StreamHooks are the chunk/close callbacks a host supplies for
// AllowButRequestStreamedContentInspection. OnChunk is called with each
// chunk read from the stream; returning drop=true tears the stream down.
// OnClose fires exactly once.
type StreamHooks struct {
	OnChunk func(info *Info, chunk []byte) (drop bool)
	OnClose func(info *Info)
}

// StreamedInspectionFunc returns the hooks to attach to a given
// transaction's body stream.
type StreamedInspectionFunc func(info *Info) StreamHooks

// ReplayInspectionFunc is invoked once a response has been placed into
// AllowButRequestResponseReplay, handing the host the URL it can fetch the
// duplicate stream from.
type ReplayInspectionFunc func(info *Info, replayURL string)

// ExternalRequestHandlerFunc takes full ownership of a transaction tagged
// AllowButDelegateHandler. The core performs no further work once this
// returns.
type ExternalRequestHandlerFunc func(w http.ResponseWriter, r *http.Request, info *Info)

// Callbacks bundles every host-supplied inspection point. All fields are
// required by the core's constructor; see siphon.New.
type Callbacks struct {
	NewHTTPMessage         NewHTTPMessageFunc
	WholeBodyInspection    WholeBodyInspectionFunc
	StreamedInspection     StreamedInspectionFunc
	ReplayInspection       ReplayInspectionFunc
	ExternalRequestHandler ExternalRequestHandlerFunc
}
