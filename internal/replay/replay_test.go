package replay

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/siphon-proxy/siphon/internal/message"
)

func testInfo() *message.Info {
	info := message.NewRequest(message.ProtocolHTTP)
	info.Headers.Set("Content-Type", "text/plain")
	info.Status = 200
	return info
}

func TestWriteBodyBytesRejectsOverCap(t *testing.T) {
	r := newReplay(testInfo())
	big := bytes.Repeat([]byte("a"), MaxBufferBytes)
	if !r.WriteBodyBytes(big) {
		t.Fatal("writing exactly MaxBufferBytes should succeed")
	}
	if r.WriteBodyBytes([]byte("x")) {
		t.Fatal("writing past MaxBufferBytes should fail")
	}
}

func TestDequeueIsFIFO(t *testing.T) {
	r := newReplay(testInfo())
	r.WriteBodyBytes([]byte("one"))
	r.WriteBodyBytes([]byte("two"))

	c1, ok := r.dequeue()
	if !ok || string(c1) != "one" {
		t.Fatalf("first dequeue = %q, %v", c1, ok)
	}
	c2, ok := r.dequeue()
	if !ok || string(c2) != "two" {
		t.Fatalf("second dequeue = %q, %v", c2, ok)
	}
	if _, ok := r.dequeue(); ok {
		t.Fatal("dequeue on empty queue should report ok=false")
	}
}

func TestDoneRequiresTerminalAndDrained(t *testing.T) {
	r := newReplay(testInfo())
	r.WriteBodyBytes([]byte("pending"))
	r.MarkBodyComplete()
	if r.done() {
		t.Fatal("done() must be false while queue is non-empty")
	}
	r.dequeue()
	if !r.done() {
		t.Fatal("done() must be true once terminal and drained")
	}
}

func TestServerRegisterAndServeReplay(t *testing.T) {
	s := NewServer(nil)
	port, err := s.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	info := testInfo()
	r := s.Register(info)
	r.WriteBodyBytes([]byte("hello "))
	r.WriteBodyBytes([]byte("world"))
	r.MarkBodyComplete()

	url := fmt.Sprintf("http://127.0.0.1:%d/replay/%d", port, info.MessageID)
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET replay: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != "hello world" {
		t.Fatalf("body = %q, want %q", body, "hello world")
	}
	if resp.Header.Get("Content-Type") != "text/plain" {
		t.Fatalf("Content-Type = %q, want text/plain", resp.Header.Get("Content-Type"))
	}
}

func TestServerSecondRequestForSameIDIs404(t *testing.T) {
	s := NewServer(nil)
	port, err := s.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	info := testInfo()
	r := s.Register(info)
	r.WriteBodyBytes([]byte("x"))
	r.MarkBodyComplete()

	url := fmt.Sprintf("http://127.0.0.1:%d/replay/%d", port, info.MessageID)
	resp1, err := http.Get(url)
	if err != nil {
		t.Fatalf("first GET: %v", err)
	}
	io.Copy(io.Discard, resp1.Body)
	resp1.Body.Close()

	resp2, err := http.Get(url)
	if err != nil {
		t.Fatalf("second GET: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("second GET status = %d, want 404 (replay must be removed atomically on first take)", resp2.StatusCode)
	}
}

func TestPruneOnceRemovesOnlyTerminalReplays(t *testing.T) {
	s := NewServer(nil)
	live := s.Register(testInfo())
	_ = live

	done := s.Register(testInfo())
	done.MarkBodyComplete()

	s.pruneOnce()

	if _, ok := s.replays[live.MessageID]; !ok {
		t.Fatal("in-flight replay must not be pruned")
	}
	if _, ok := s.replays[done.MessageID]; ok {
		t.Fatal("completed, drained replay should have been pruned")
	}
}

type fakeUpstreamBody struct {
	r      *bytes.Reader
	closed bool
}

func (f *fakeUpstreamBody) Read(p []byte) (int, error) { return f.r.Read(p) }
func (f *fakeUpstreamBody) Close() error                { f.closed = true; return nil }

func TestWrapProducerEnqueuesAndMarksComplete(t *testing.T) {
	r := newReplay(testInfo())
	src := &fakeUpstreamBody{r: bytes.NewReader([]byte("streamed-body"))}
	wrapped := WrapProducer(src, r)

	out, err := io.ReadAll(wrapped)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(out) != "streamed-body" {
		t.Fatalf("forwarded body = %q, want streamed-body", out)
	}

	deadline := time.After(time.Second)
	for {
		var chunks []byte
		for {
			c, ok := r.dequeue()
			if !ok {
				break
			}
			chunks = append(chunks, c...)
		}
		if string(chunks) == "streamed-body" {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("replay queue never accumulated the full body, got %q", chunks)
		default:
		}
	}

	if err := wrapped.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !r.done() {
		t.Fatal("closing the producer must mark the replay body complete")
	}
}
