package replay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/siphon-proxy/siphon/internal/inspect"
	"github.com/siphon-proxy/siphon/internal/message"
)

// drainPoll is how long the serving handler sleeps when it finds the
// replay's queue empty but the replay isn't yet terminal.
const drainPoll = 10 * time.Millisecond

// prunePeriod is how often the orphan pruner sweeps the registry.
const prunePeriod = time.Minute

// Server hosts the private loopback listener that serves replayed
// response bodies at GET /replay/<message_id>.
type Server struct {
	log *slog.Logger

	mu       sync.Mutex
	replays  map[uint32]*Replay
	listener net.Listener
	httpSrv  *http.Server

	stopPrune chan struct{}
}

// NewServer builds a Server. It does not bind a listener until Start is
// called.
func NewServer(log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:     log,
		replays: make(map[uint32]*Replay),
	}
}

// Start binds the loopback listener on an ephemeral port, begins serving,
// and launches the orphan pruner. It returns the bound port.
func (s *Server) Start() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("%w: %v", message.ErrBindFailed, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/replay/", s.handleReplay)

	s.mu.Lock()
	s.listener = ln
	s.httpSrv = &http.Server{Handler: mux}
	s.stopPrune = make(chan struct{})
	s.mu.Unlock()

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("replay server stopped", "error", err)
		}
	}()
	go s.pruneLoop()

	port := ln.Addr().(*net.TCPAddr).Port
	s.log.Info("replay server listening", "port", port)
	return port, nil
}

// Stop shuts the loopback listener and pruner down.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.httpSrv
	stopPrune := s.stopPrune
	s.mu.Unlock()

	if stopPrune != nil {
		close(stopPrune)
	}
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// Register clones info into a new Replay, files it under info.MessageID,
// stamps its ReplayURL from the server's own bound port, and returns it
// for the producer side to start feeding with WriteBodyBytes.
func (s *Server) Register(info *message.Info) *Replay {
	r := newReplay(info)

	s.mu.Lock()
	port := 0
	if s.listener != nil {
		port = s.listener.Addr().(*net.TCPAddr).Port
	}
	s.replays[r.MessageID] = r
	s.mu.Unlock()

	r.ReplayURL = fmt.Sprintf("http://127.0.0.1:%d/replay/%d", port, r.MessageID)
	return r
}

// take atomically removes and returns the replay for id, if present.
func (s *Server) take(id uint32) (*Replay, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.replays[id]
	if ok {
		delete(s.replays, id)
	}
	return r, ok
}

func (s *Server) handleReplay(w http.ResponseWriter, req *http.Request) {
	idStr := strings.TrimPrefix(req.URL.Path, "/replay/")
	id64, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil {
		http.NotFound(w, req)
		return
	}

	r, ok := s.take(uint32(id64))
	if !ok {
		http.NotFound(w, req)
		return
	}

	for key, values := range r.Info.Headers {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	status := r.Info.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)

	flusher, _ := w.(http.Flusher)

	for {
		if chunk, ok := r.dequeue(); ok {
			if _, err := w.Write(chunk); err != nil {
				s.log.Warn("replay client disconnected", "message_id", r.MessageID, "error", err)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			continue
		}
		if r.terminal() {
			return
		}
		time.Sleep(drainPoll)
	}
}

// pruneLoop removes terminal, fully-drained replays every prunePeriod so a
// replay nobody ever requested does not leak forever.
func (s *Server) pruneLoop() {
	ticker := time.NewTicker(prunePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopPrune:
			return
		case <-ticker.C:
			s.pruneOnce()
		}
	}
}

func (s *Server) pruneOnce() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.replays {
		if r.done() {
			delete(s.replays, id)
			s.log.Debug("pruned orphaned replay", "message_id", id, "buffered", humanSize(r.bufferedSize()))
		}
	}
}

// WrapProducer wraps src (the live upstream response body) so every chunk
// read is also enqueued onto r, and r's body_complete flag is set when the
// returned reader is closed (reaching EOF alone does not set it). The
// returned reader streams
// identically to src for the caller still forwarding to the real client.
func WrapProducer(src interface {
	Read([]byte) (int, error)
	Close() error
}, r *Replay) *inspect.Reader {
	return inspect.WrapReader(src,
		func(chunk []byte) bool {
			if !r.WriteBodyBytes(chunk) {
				r.Abort()
			}
			return false
		},
		r.MarkBodyComplete,
	)
}
