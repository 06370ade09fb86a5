// Package replay implements the response-replay subsystem: a duplicate of
// a live upstream response body, buffered in memory and served back out
// over a private loopback listener at a URL the host can hand to a second
// consumer while the original response still streams to the real client.
package replay

import (
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/siphon-proxy/siphon/internal/message"
)

// MaxBufferBytes bounds how much of a response body a single Replay will
// hold before WriteBodyBytes starts refusing writes.
const MaxBufferBytes = 65_535_000

// Replay is a duplicate response body accumulating independently of the
// original response it was cloned from.
type Replay struct {
	mu sync.Mutex

	MessageID uint32
	Info      *message.Info

	queue    [][]byte
	queueLen int

	bodyComplete  bool
	replayAborted bool
	sourceAborted bool

	// ReplayURL is the absolute URL the host can hand out; it's filled in
	// by the Server once it knows its own bound address.
	ReplayURL string
}

// newReplay clones info (headers/status only, no body) into a fresh Replay
// keyed by info.MessageID.
func newReplay(info *message.Info) *Replay {
	clone := &message.Info{
		MessageID:   info.MessageID,
		URL:         info.URL,
		Method:      info.Method,
		Status:      info.Status,
		HTTPVersion: info.HTTPVersion,
		Headers:     info.Headers.Clone(),
		Protocol:    info.Protocol,
		Direction:   info.Direction,
	}
	return &Replay{MessageID: info.MessageID, Info: clone}
}

// WriteBodyBytes appends a copy of p to the replay queue. It returns false
// once the buffered total would exceed MaxBufferBytes, at which point the
// caller should abandon the replay.
func (r *Replay) WriteBodyBytes(p []byte) bool {
	if len(p) == 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.queueLen+len(p) > MaxBufferBytes {
		return false
	}
	chunk := make([]byte, len(p))
	copy(chunk, p)
	r.queue = append(r.queue, chunk)
	r.queueLen += len(chunk)
	return true
}

// dequeue pops the oldest chunk, or returns ok=false if the queue is
// currently empty.
func (r *Replay) dequeue() (chunk []byte, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return nil, false
	}
	chunk = r.queue[0]
	r.queue = r.queue[1:]
	r.queueLen -= len(chunk)
	return chunk, true
}

func (r *Replay) empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue) == 0
}

// MarkBodyComplete records that the source stream reached EOF.
func (r *Replay) MarkBodyComplete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bodyComplete = true
}

// Abort flips replay_aborted, the host-initiated cancellation independent
// of the source.
func (r *Replay) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replayAborted = true
}

// AbortSource flips source_aborted, set when the originating client
// request's own cancellation signal fires.
func (r *Replay) AbortSource() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sourceAborted = true
}

// done reports whether the replay is ready for removal by the pruner:
// terminal and fully drained.
func (r *Replay) done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return (r.bodyComplete || r.replayAborted || r.sourceAborted) && len(r.queue) == 0
}

// terminal reports whether the replay's serving loop should stop, without
// requiring the queue to be drained first (replayAborted/sourceAborted cut
// the serve loop short even with bytes still queued).
func (r *Replay) terminal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.replayAborted || r.sourceAborted {
		return true
	}
	return r.bodyComplete && len(r.queue) == 0
}

func (r *Replay) bufferedSize() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return uint64(r.queueLen)
}

// humanSize is a small diagnostic helper used by the server's logging; it
// exists mainly so go-humanize earns its keep here the way it does in
// buffer-heavy logging elsewhere in this codebase.
func humanSize(n uint64) string {
	return humanize.Bytes(n)
}
