// Package dispatch routes an accepted, TLS-resolved connection's HTTP
// requests to either the plain HTTP transaction handler or the WebSocket
// bridge, based on the Upgrade header.
package dispatch

import (
	"net/http"
	"strings"

	"github.com/siphon-proxy/siphon/internal/httptxn"
	"github.com/siphon-proxy/siphon/internal/wsbridge"
)

// Dispatcher implements http.Handler for a single accepted connection,
// sending each request down the HTTP or WebSocket path.
type Dispatcher struct {
	HTTP *httptxn.Handler
	WS   *wsbridge.Bridge
}

// New builds a Dispatcher wired to the given per-connection handlers.
func New(h *httptxn.Handler, ws *wsbridge.Bridge) *Dispatcher {
	return &Dispatcher{HTTP: h, WS: ws}
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if isWebSocketUpgrade(r) {
		d.WS.Serve(w, r)
		return
	}
	d.HTTP.Serve(w, r)
}

func isWebSocketUpgrade(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}
	for _, token := range strings.Split(r.Header.Get("Connection"), ",") {
		if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
			return true
		}
	}
	return false
}
