// Package httptxn drives a single HTTP/1.x transaction end to end: parse
// the client request, run it through the host's new_http_message callback,
// forward to upstream, run the response through the same machinery, and
// stream the result back to the client.
package httptxn

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/siphon-proxy/siphon/internal/headerfilter"
	"github.com/siphon-proxy/siphon/internal/inspect"
	"github.com/siphon-proxy/siphon/internal/message"
	"github.com/siphon-proxy/siphon/internal/replay"
)

// maxBufferedBody caps in-memory buffering per direction, per §5.
const maxBufferedBody = 128 << 20

// ReplayRegistrar is satisfied by *replay.Server; it's narrowed to an
// interface here so this package doesn't otherwise depend on replay's
// server internals.
type ReplayRegistrar interface {
	Register(info *message.Info) *replay.Replay
}

// Handler runs transactions for a single accepted (and, if needed,
// TLS-terminated) connection's requests.
type Handler struct {
	Callbacks message.Callbacks
	Client    *http.Client
	Replays   ReplayRegistrar
	Log       *slog.Logger

	// IsEncrypted and conn metadata are stamped onto every MessageInfo this
	// handler builds.
	IsEncrypted                    bool
	LocalAddress, RemoteAddress    string
	LocalPort, RemotePort          int
}

// Serve handles req, writing the transaction's outcome to w. It is meant to
// be used as the handler behind an http.Server bound to the TLS-terminated
// (or plaintext) per-connection listener the dispatcher hands it.
func (h *Handler) Serve(w http.ResponseWriter, req *http.Request) {
	log := h.Log
	if log == nil {
		log = slog.Default()
	}

	reqInfo := h.buildRequestInfo(req)
	log = log.With("message_id", reqInfo.MessageID, "direction", "request")

	action := h.Callbacks.NewHTTPMessage(reqInfo)
	reqInfo.NextAction = action

	if action == message.DropConnection {
		writeDropped(w, reqInfo)
		return
	}
	if action == message.AllowButDelegateHandler {
		h.Callbacks.ExternalRequestHandler(w, req, reqInfo)
		return
	}

	upReq, err := h.buildUpstreamRequest(req, reqInfo)
	if err != nil {
		log.Error("failed to build upstream request", "error", err)
		return
	}

	switch action {
	case message.AllowButRequestContentInspection:
		if err := h.applyWholeBodyInspection(reqInfo, upReq); err != nil {
			log.Error("request body inspection failed", "error", err)
			return
		}
		if reqInfo.NextAction == message.DropConnection {
			writeDropped(w, reqInfo)
			return
		}
	case message.AllowButRequestStreamedContentInspection:
		h.wrapStreamedBody(reqInfo, upReq)
	}

	client := message.FulfillmentClient(h.Client)
	if reqInfo.FulfillmentClient != nil {
		client = reqInfo.FulfillmentClient
	}
	resp, err := client.Do(upReq)
	if err != nil {
		log.Error("upstream request failed", "error", fmt.Errorf("%w: %v", message.ErrUpstreamSendFailed, err))
		return
	}
	defer resp.Body.Close()

	respInfo := message.NewResponse(reqInfo)
	respInfo.Status = resp.StatusCode
	respInfo.HTTPVersion = reqInfo.HTTPVersion
	respInfo.IsEncrypted = h.IsEncrypted
	copyForwardableHeaders(respInfo.Headers, resp.Header, headerfilter.HTTP, reqInfo.ExemptedHeaders)

	if action == message.AllowAndIgnoreContentAndResponse {
		h.streamResponseVerbatim(w, req, respInfo, resp)
		return
	}

	respAction := h.Callbacks.NewHTTPMessage(respInfo)
	respInfo.NextAction = respAction

	if respAction == message.DropConnection {
		writeDropped(w, respInfo)
		return
	}

	switch respAction {
	case message.AllowButRequestContentInspection:
		h.serveBufferedInspectedResponse(w, respInfo, resp)
	case message.AllowButRequestStreamedContentInspection:
		h.serveStreamedInspectedResponse(w, req, respInfo, resp)
	case message.AllowButRequestResponseReplay:
		h.serveReplayedResponse(w, req, respInfo, resp)
	default:
		h.streamResponseVerbatim(w, req, respInfo, resp)
	}
}

func (h *Handler) buildRequestInfo(req *http.Request) *message.Info {
	info := message.NewRequest(message.ProtocolHTTP)
	info.Method = req.Method
	info.HTTPVersion = httpVersionOf(req)
	info.IsEncrypted = h.IsEncrypted
	info.LocalAddress, info.LocalPort = h.LocalAddress, h.LocalPort
	info.RemoteAddress, info.RemotePort = h.RemoteAddress, h.RemotePort

	target := req.RequestURI
	if target == "" {
		target = req.URL.RequestURI()
	}
	if !strings.Contains(target, "://") {
		scheme := "http"
		if h.IsEncrypted {
			scheme = "https"
		}
		target = scheme + "://" + req.Host + target
	}
	info.URL = target

	copyForwardableHeaders(info.Headers, req.Header, headerfilter.HTTP, nil)
	return info
}

// httpVersionOf caps the reported client version at HTTP/1.1, per the
// upstream request's "mirror but cap at 1.1" rule.
func httpVersionOf(req *http.Request) string {
	if req.ProtoMajor == 1 && req.ProtoMinor == 0 {
		return "HTTP/1.0"
	}
	return "HTTP/1.1"
}

func (h *Handler) buildUpstreamRequest(req *http.Request, info *message.Info) (*http.Request, error) {
	target := *req.URL
	if !target.IsAbs() {
		scheme := "http"
		if h.IsEncrypted {
			scheme = "https"
		}
		target.Scheme = scheme
		target.Host = req.Host
	}

	upReq, err := http.NewRequestWithContext(req.Context(), req.Method, target.String(), req.Body)
	if err != nil {
		return nil, err
	}
	upReq.Host = req.Host
	upReq.ContentLength = req.ContentLength

	copyForwardableHeaders(upReq.Header, info.Headers, headerfilter.HTTP, info.ExemptedHeaders)
	// info.Headers was filtered before the request-begin callback could set
	// exemptions, so exempted headers are taken from the client request.
	for name := range info.ExemptedHeaders {
		if _, ok := info.Headers[name]; !ok {
			for _, v := range req.Header[name] {
				upReq.Header.Add(name, v)
			}
		}
	}
	if req.ContentLength == 0 {
		upReq.Header.Set("Content-Length", "0")
	}
	if req.ContentLength <= 0 && req.Body == nil {
		upReq.Body = nil
	}
	return upReq, nil
}

// copyForwardableHeaders copies every header from src to dst that isn't
// forbidden for proto unless exempted, per §4.1. Host is deliberately not
// copied here — callers set it explicitly from the original Host value.
func copyForwardableHeaders(dst, src http.Header, proto headerfilter.Protocol, exempted headerfilter.ExemptedSet) {
	for name, values := range src {
		if !headerfilter.Allowed(proto, name, exempted) {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// applyWholeBodyInspection buffers the request body (bounded), hands it to
// the host, and rebuilds upReq's body/Content-Length from whatever the host
// left in info after inspection.
func (h *Handler) applyWholeBodyInspection(info *message.Info, upReq *http.Request) error {
	if upReq.Body == nil {
		info.SetBodyInternal(nil, info.Headers.Get("Content-Type"))
	} else {
		limited := io.LimitReader(upReq.Body, maxBufferedBody+1)
		buf, err := io.ReadAll(limited)
		upReq.Body.Close()
		if err != nil {
			return err
		}
		if len(buf) > maxBufferedBody {
			return message.ErrBufferLimitExceeded
		}
		info.SetBodyInternal(buf, info.Headers.Get("Content-Type"))
	}

	action := h.Callbacks.WholeBodyInspection(info)
	info.NextAction = action
	if action == message.DropConnection {
		return nil
	}

	body, contentType := info.GetBody()
	upReq.Body = io.NopCloser(bytes.NewReader(body))
	upReq.ContentLength = int64(len(body))
	upReq.Header.Set("Content-Length", strconv.Itoa(len(body)))
	if contentType != "" {
		upReq.Header.Set("Content-Type", contentType)
	}
	return nil
}

// wrapStreamedBody wraps upReq's body in an inspection stream that invokes
// the host's per-chunk hooks, per AllowButRequestStreamedContentInspection.
func (h *Handler) wrapStreamedBody(info *message.Info, upReq *http.Request) {
	if upReq.Body == nil {
		return
	}
	hooks := h.Callbacks.StreamedInspection(info)
	upReq.Body = inspect.WrapReader(upReq.Body,
		func(chunk []byte) bool {
			if hooks.OnChunk == nil {
				return false
			}
			return hooks.OnChunk(info, chunk)
		},
		func() {
			if hooks.OnClose != nil {
				hooks.OnClose(info)
			}
		})
}

func writeDropped(w http.ResponseWriter, info *message.Info) {
	body, _ := info.GetBody()
	if len(body) == 0 {
		info.Make204NoContent()
	}
	for name, values := range info.Headers {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(info.Status)
	if len(body) > 0 {
		w.Write(body)
	}
}

func applyResponseHeaders(w http.ResponseWriter, info *message.Info) {
	for name, values := range info.Headers {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	status := info.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
}

// streamResponseVerbatim forwards resp.Body to w unmodified, handling the
// HTTP/1.0 "fully buffer and set Content-Length" vs HTTP/1.1 chunked rule
// when the upstream omitted Content-Length.
func (h *Handler) streamResponseVerbatim(w http.ResponseWriter, req *http.Request, info *message.Info, resp *http.Response) {
	if resp.ContentLength < 0 && info.HTTPVersion == "HTTP/1.0" {
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBufferedBody+1))
		if err != nil {
			return
		}
		info.Headers.Set("Content-Length", strconv.Itoa(len(body)))
		applyResponseHeaders(w, info)
		w.Write(body)
		return
	}
	applyResponseHeaders(w, info)
	io.Copy(w, resp.Body)
}

func (h *Handler) serveBufferedInspectedResponse(w http.ResponseWriter, info *message.Info, resp *http.Response) {
	buf, err := io.ReadAll(io.LimitReader(resp.Body, maxBufferedBody+1))
	if err != nil {
		return
	}
	if len(buf) > maxBufferedBody {
		buf = buf[:maxBufferedBody]
	}
	info.SetBodyInternal(buf, resp.Header.Get("Content-Type"))

	action := h.Callbacks.WholeBodyInspection(info)
	info.NextAction = action
	if action == message.DropConnection {
		writeDropped(w, info)
		return
	}

	body, contentType := info.GetBody()
	if contentType != "" {
		info.Headers.Set("Content-Type", contentType)
	}
	info.Headers.Set("Content-Length", strconv.Itoa(len(body)))
	applyResponseHeaders(w, info)
	w.Write(body)
}

func (h *Handler) serveStreamedInspectedResponse(w http.ResponseWriter, req *http.Request, info *message.Info, resp *http.Response) {
	hooks := h.Callbacks.StreamedInspection(info)
	wrapped := inspect.WrapReader(resp.Body,
		func(chunk []byte) bool {
			if hooks.OnChunk == nil {
				return false
			}
			return hooks.OnChunk(info, chunk)
		},
		func() {
			if hooks.OnClose != nil {
				hooks.OnClose(info)
			}
		})
	defer wrapped.Close()

	applyResponseHeaders(w, info)
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := wrapped.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

func (h *Handler) serveReplayedResponse(w http.ResponseWriter, req *http.Request, info *message.Info, resp *http.Response) {
	if h.Replays == nil {
		h.streamResponseVerbatim(w, req, info, resp)
		return
	}
	r := h.Replays.Register(info)
	h.Callbacks.ReplayInspection(info, r.ReplayURL)

	producer := replay.WrapProducer(resp.Body, r)
	defer producer.Close()

	applyResponseHeaders(w, info)
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := producer.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				r.AbortSource()
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.AbortSource()
			}
			return
		}
	}
}
