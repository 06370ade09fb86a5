// Package wsbridge proxies a single WebSocket connection end to end:
// upgrade handshake with the client, connect a matching handshake to
// upstream, then pump frames in both directions with optional per-frame
// inspection.
package wsbridge

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/siphon-proxy/siphon/internal/headerfilter"
	"github.com/siphon-proxy/siphon/internal/message"
)

// closeWriteWait bounds how long a best-effort close control frame write
// may block when a pump is tearing a connection down.
const closeWriteWait = 2 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Bridge proxies one WebSocket upgrade request.
type Bridge struct {
	Callbacks   message.Callbacks
	Dialer      *websocket.Dialer
	IsEncrypted bool
	Log         *slog.Logger
}

// NewBridge builds a Bridge with a default dialer if none is supplied.
func NewBridge(cb message.Callbacks, dialer *websocket.Dialer, isEncrypted bool, log *slog.Logger) *Bridge {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{Callbacks: cb, Dialer: dialer, IsEncrypted: isEncrypted, Log: log}
}

// Serve performs the upgrade handshake and, unless dropped, pumps frames
// until either side closes.
func (b *Bridge) Serve(w http.ResponseWriter, req *http.Request) {
	info := message.NewRequest(message.ProtocolWebSocket)
	info.IsEncrypted = b.IsEncrypted
	info.Method = req.Method
	info.URL = upstreamWSURL(req, b.IsEncrypted)
	copyWSHeaders(info.Headers, req.Header, nil)

	action := b.Callbacks.NewHTTPMessage(info)
	info.NextAction = action
	if action == message.DropConnection {
		http.Error(w, "connection refused", http.StatusForbidden)
		return
	}

	upHeader := make(http.Header)
	copyWSHeaders(upHeader, info.Headers, info.ExemptedHeaders)
	// info.Headers was filtered before the callback could set exemptions,
	// so exempted headers are taken from the client request.
	for name := range info.ExemptedHeaders {
		if _, ok := info.Headers[name]; !ok && !strings.EqualFold(name, "Host") {
			for _, v := range req.Header[name] {
				upHeader.Add(name, v)
			}
		}
	}
	if cookie := req.Header.Get("Cookie"); cookie != "" {
		upHeader.Set("Cookie", cookie)
	}

	upConn, upResp, err := b.Dialer.Dial(info.URL, upHeader)
	if err != nil {
		b.Log.Warn("upstream websocket dial failed", "url", info.URL, "error", err)
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}
	defer upConn.Close()

	var subprotocol string
	if upResp != nil {
		subprotocol = upResp.Header.Get("Sec-WebSocket-Protocol")
	}

	upgraderCopy := upgrader
	if subprotocol != "" {
		upgraderCopy.Subprotocols = []string{subprotocol}
	}
	downConn, err := upgraderCopy.Upgrade(w, req, nil)
	if err != nil {
		b.Log.Warn("client websocket upgrade failed", "error", err)
		return
	}
	defer downConn.Close()

	inspectEnabled := action != message.AllowAndIgnoreContent && action != message.AllowAndIgnoreContentAndResponse

	done := make(chan struct{}, 2)
	go b.pump(downConn, upConn, message.DirectionRequest, info, inspectEnabled, done)
	go b.pump(upConn, downConn, message.DirectionResponse, info, inspectEnabled, done)
	<-done
	<-done
}

// pump reads frames from src and forwards them to dst, applying whole-frame
// inspection when enabled. It runs until src or dst errors, then attempts a
// best-effort close of dst.
func (b *Bridge) pump(src, dst *websocket.Conn, direction message.Direction, txn *message.Info, inspect bool, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()

	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			closeCode := websocket.CloseNormalClosure
			reason := ""
			if ce, ok := err.(*websocket.CloseError); ok {
				closeCode = ce.Code
				reason = ce.Text
			}
			_ = dst.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(closeCode, reason), time.Now().Add(closeWriteWait))
			return
		}

		if inspect {
			frame := message.NewRequest(message.ProtocolWebSocket)
			frame.MessageID = txn.MessageID
			frame.Direction = direction
			frame.Originating = txn
			if msgType == websocket.BinaryMessage {
				frame.SetBodyInternal(data, "application/octet-stream")
			} else {
				frame.SetBodyInternal(data, "text/plain")
			}

			frameAction := b.Callbacks.WholeBodyInspection(frame)
			if frameAction == message.DropConnection {
				_ = dst.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(closeWriteWait))
				return
			}
			data, _ = frame.GetBody()
		}

		if err := dst.WriteMessage(msgType, data); err != nil {
			return
		}
	}
}

// upstreamWSURL rewrites the client's request into the absolute ws/wss URL
// the upstream dial should target.
func upstreamWSURL(req *http.Request, isEncrypted bool) string {
	scheme := "ws"
	if isEncrypted {
		scheme = "wss"
	}
	host := req.Host
	uri := req.RequestURI
	if uri == "" {
		uri = req.URL.RequestURI()
	}
	return fmt.Sprintf("%s://%s%s", scheme, host, uri)
}

func copyWSHeaders(dst, src http.Header, exempted headerfilter.ExemptedSet) {
	for name, values := range src {
		if strings.EqualFold(name, "Host") {
			continue
		}
		if !headerfilter.Allowed(headerfilter.WebSocket, name, exempted) {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}
