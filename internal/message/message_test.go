package message

import (
	"math"
	"sync/atomic"
	"testing"
)

func TestNewResponseSharesIDAndLinksOriginating(t *testing.T) {
	req := NewRequest(ProtocolHTTP)
	resp := NewResponse(req)

	if resp.MessageID != req.MessageID {
		t.Fatalf("response message id %d != request message id %d", resp.MessageID, req.MessageID)
	}
	if resp.Originating != req {
		t.Fatal("response must back-reference its originating request")
	}
	if resp.Direction != DirectionResponse {
		t.Fatal("response Info must have DirectionResponse")
	}
	if req.Originating != nil {
		t.Fatal("a request Info must never have an Originating back-reference")
	}
}

func TestNextIDWrapsAndIsMonotonic(t *testing.T) {
	a := NextID()
	b := NextID()
	if b != a+1 {
		t.Fatalf("expected monotonic increase, got %d then %d", a, b)
	}

	atomic.StoreUint32(&idCounter, math.MaxUint32)
	if got := NextID(); got != 0 {
		t.Fatalf("expected NextID to wrap to 0 after MaxUint32, got %d", got)
	}
}

func TestCopyAndSetBodyMarksUserCreated(t *testing.T) {
	m := NewRequest(ProtocolHTTP)
	src := []byte("0123456789")
	m.CopyAndSetBody(src, 2, 5, "text/plain")

	body, ct := m.GetBody()
	if string(body) != "23456" {
		t.Fatalf("got body %q, want %q", body, "23456")
	}
	if ct != "text/plain" {
		t.Fatalf("got content type %q", ct)
	}
	if !m.BodyIsUserCreated() {
		t.Fatal("CopyAndSetBody must mark body as user created")
	}

	m.SetBodyInternal([]byte("internal"), "application/octet-stream")
	if m.BodyIsUserCreated() {
		t.Fatal("SetBodyInternal must not mark body as user created")
	}
}

func TestMake204NoContent(t *testing.T) {
	m := NewRequest(ProtocolHTTP)
	m.Headers.Set("X-Custom", "value")
	m.Body = []byte("payload")

	m.Make204NoContent()

	if m.Status != 204 {
		t.Fatalf("status = %d, want 204", m.Status)
	}
	if m.Direction != DirectionResponse {
		t.Fatal("Make204NoContent must flip direction to response")
	}
	if len(m.Body) != 0 {
		t.Fatal("Make204NoContent must empty the body")
	}
	if m.Headers.Get("X-Custom") != "" {
		t.Fatal("Make204NoContent must clear prior headers")
	}
	if m.Headers.Get("Expires") == "" {
		t.Fatal("Make204NoContent must set Expires")
	}
}

func TestMakeTemporaryRedirect(t *testing.T) {
	m := NewRequest(ProtocolHTTP)
	m.MakeTemporaryRedirect("https://example.test/new")

	if m.Status != 302 {
		t.Fatalf("status = %d, want 302", m.Status)
	}
	if m.Headers.Get("Location") != "https://example.test/new" {
		t.Fatalf("Location = %q", m.Headers.Get("Location"))
	}
}
