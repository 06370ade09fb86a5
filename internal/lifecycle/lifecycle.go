// Package lifecycle owns siphon's listener sockets and start/stop
// transitions: it binds the public v4/v6 dual HTTP/HTTPS listeners, the
// private loopback replay listener, wires the diverter, and tears
// everything down idempotently.
package lifecycle

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/siphon-proxy/siphon/internal/certstore"
	"github.com/siphon-proxy/siphon/internal/diverter"
	"github.com/siphon-proxy/siphon/internal/dispatch"
	"github.com/siphon-proxy/siphon/internal/httptxn"
	"github.com/siphon-proxy/siphon/internal/message"
	"github.com/siphon-proxy/siphon/internal/replay"
	"github.com/siphon-proxy/siphon/internal/tlsfront"
	"github.com/siphon-proxy/siphon/internal/wsbridge"
)

// Options bundles everything the controller needs to bind listeners and
// serve transactions.
type Options struct {
	Certs     *certstore.Store
	Diverter  diverter.Diverter
	Callbacks message.Callbacks
	Client    *http.Client
	NumThreads int
	Log       *slog.Logger
}

// Controller binds and serves siphon's listeners, and drives the
// configured Diverter's lifecycle alongside them.
type Controller struct {
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	running bool

	v4 net.Listener
	v6 net.Listener

	replaySrv *replay.Server

	sessionID string
}

// New builds a Controller. It does not bind anything until Start.
func New(opts Options) *Controller {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Controller{opts: opts, log: opts.Log}
}

// Start binds all three listeners, publishes the ports to the diverter,
// and begins serving. Calling it while already running is a no-op.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	c.sessionID = uuid.NewString()
	c.log.Info("starting siphon", "session_id", c.sessionID)

	v4, err := net.Listen("tcp4", ":0")
	if err != nil {
		return fmt.Errorf("%w: %v", message.ErrBindFailed, err)
	}
	v6, err := net.Listen("tcp6", ":0")
	if err != nil {
		v4.Close()
		return fmt.Errorf("%w: %v", message.ErrBindFailed, err)
	}

	c.replaySrv = replay.NewServer(c.log.With("component", "replay"))
	if _, err := c.replaySrv.Start(); err != nil {
		v4.Close()
		v6.Close()
		return err
	}

	v4Port := v4.Addr().(*net.TCPAddr).Port
	v6Port := v6.Addr().(*net.TCPAddr).Port

	// A single bound socket serves both HTTP and HTTPS on each address
	// family: the TLS front adapter peeks each accepted connection and
	// branches internally, so the same port number is published for both
	// the HTTP and HTTPS slots the Diverter interface expects.
	if err := c.opts.Diverter.CreateDiverter(v4Port, v4Port, v6Port, v6Port); err != nil {
		v4.Close()
		v6.Close()
		c.replaySrv.Stop()
		return fmt.Errorf("publishing ports to diverter: %w", err)
	}

	c.v4, c.v6 = v4, v6
	c.running = true

	go c.acceptLoop(v4, false)
	go c.acceptLoop(v6, true)

	if err := c.opts.Diverter.Start(c.opts.NumThreads); err != nil {
		return fmt.Errorf("starting diverter: %w", err)
	}

	c.log.Info("siphon listening", "v4_port", v4Port, "v6_port", v6Port)
	return nil
}

// Stop halts the diverter and closes every listener. Idempotent.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil
	}

	var firstErr error
	if err := c.opts.Diverter.Stop(); err != nil {
		firstErr = err
	}
	if c.v4 != nil {
		c.v4.Close()
	}
	if c.v6 != nil {
		c.v6.Close()
	}
	if c.replaySrv != nil {
		c.replaySrv.Stop()
	}
	c.running = false
	c.log.Info("siphon stopped", "session_id", c.sessionID)
	return firstErr
}

func (c *Controller) acceptLoop(ln net.Listener, isV6 bool) {
	sniAdapter := tlsfront.New(c.opts.Certs, c.log)
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go c.handleConn(conn, sniAdapter)
	}
}

func (c *Controller) handleConn(conn net.Conn, sniAdapter *tlsfront.Adapter) {
	result, err := sniAdapter.Accept(conn)
	if err != nil {
		c.log.Debug("dropping connection", "remote", conn.RemoteAddr(), "error", err)
		return
	}

	localAddr, localPort := splitHostPort(conn.LocalAddr())
	remoteAddr, remotePort := splitHostPort(conn.RemoteAddr())

	httpHandler := &httptxn.Handler{
		Callbacks:     c.opts.Callbacks,
		Client:        c.opts.Client,
		Replays:       c.replaySrv,
		Log:           c.log,
		IsEncrypted:   result.IsEncrypted,
		LocalAddress:  localAddr,
		LocalPort:     localPort,
		RemoteAddress: remoteAddr,
		RemotePort:    remotePort,
	}
	wsHandler := wsbridge.NewBridge(c.opts.Callbacks, nil, result.IsEncrypted, c.log)

	srv := &http.Server{
		Handler: dispatch.New(httpHandler, wsHandler),
	}
	_ = srv.Serve(&singleConnListener{conn: result.Conn})
}

func splitHostPort(addr net.Addr) (string, int) {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return addr.String(), 0
	}
	return tcpAddr.IP.String(), tcpAddr.Port
}

// singleConnListener adapts a single already-accepted net.Conn into a
// net.Listener that yields it exactly once, so http.Server's Serve loop
// (designed around a listener) can drive one connection's keep-alive
// request stream. The second Accept call returns a permanent error,
// which makes Serve return as soon as that one connection is done,
// instead of leaving a goroutine parked waiting for a Close that will
// never come.
type singleConnListener struct {
	conn   net.Conn
	served bool
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	if l.served {
		return nil, errListenerExhausted
	}
	l.served = true
	return l.conn, nil
}

func (l *singleConnListener) Close() error { return l.conn.Close() }

func (l *singleConnListener) Addr() net.Addr { return l.conn.LocalAddr() }

var errListenerExhausted = fmt.Errorf("singleConnListener: connection already served")
