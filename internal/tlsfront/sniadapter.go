// Package tlsfront peeks the TLS ClientHello from a freshly accepted
// connection, obtains a spoofed leaf certificate keyed by the requested
// SNI, and completes the server-side TLS handshake — or, if the
// connection doesn't carry a ClientHello at all, hands the buffered bytes
// back for plain-HTTP handling.
package tlsfront

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/siphon-proxy/siphon/internal/message"
)

// tlsRecordTypeHandshake is the first byte of a TLS record carrying a
// handshake message (including ClientHello). Any other leading byte means
// the connection is not a TLS stream at all.
const tlsRecordTypeHandshake = 0x16

// LeafSource mints or returns a cached leaf certificate for host. It is
// satisfied by *certstore.Store.
type LeafSource interface {
	LeafFor(host string) (*tls.Certificate, error)
}

// Result is what Accept hands back to the dispatcher: either a completed
// TLS connection plus the negotiated SNI, or the original plaintext
// connection (with any peeked bytes already replayed onto it) for the
// plain-HTTP path.
type Result struct {
	Conn        net.Conn
	IsEncrypted bool
	ServerName  string
	PeerCert    *x509.Certificate // non-nil only if the client presented one
}

// Adapter performs the peek-then-handshake dance for each accepted
// connection.
type Adapter struct {
	Leaves LeafSource
	Log    *slog.Logger
}

// New builds an Adapter over the given leaf source.
func New(leaves LeafSource, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{Leaves: leaves, Log: log}
}

// Accept classifies conn as TLS or plain HTTP and, for TLS, completes the
// server handshake using a spoofed leaf certificate selected by SNI. The
// returned Result.Conn is always safe to read/write as if it were the
// original accepted connection — no bytes are lost either way.
func (a *Adapter) Accept(conn net.Conn) (*Result, error) {
	pc := newPeekConn(conn)

	_ = conn.SetReadDeadline(time.Now().Add(peekDeadline))
	first, err := pc.Peek(1)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", message.ErrHandshakePeekFailed, err)
	}

	if first[0] != tlsRecordTypeHandshake {
		// Not a TLS record — hand back the buffered connection so the
		// already-peeked bytes are still readable by the plain-HTTP path.
		return &Result{Conn: pc, IsEncrypted: false}, nil
	}

	var serverName string
	var peerCert *x509.Certificate

	tlsConn := tls.Server(pc, &tls.Config{
		MinVersion: tls.VersionTLS10,
		MaxVersion: tls.VersionTLS12,
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			if hello.ServerName == "" {
				return nil, message.ErrSNIMissing
			}
			serverName = hello.ServerName
			return a.Leaves.LeafFor(hello.ServerName)
		},
	})

	if err := tlsConn.Handshake(); err != nil {
		tlsConn.Close()
		if errors.Is(err, message.ErrSNIMissing) {
			a.Log.Warn("rejecting TLS connection with empty SNI", "remote", conn.RemoteAddr())
			return nil, message.ErrSNIMissing
		}
		a.Log.Warn("TLS handshake failed", "remote", conn.RemoteAddr(), "error", err)
		return nil, fmt.Errorf("%w: %v", message.ErrHandshakeFailed, err)
	}

	if state := tlsConn.ConnectionState(); len(state.PeerCertificates) > 0 {
		peerCert = state.PeerCertificates[0]
	}

	return &Result{
		Conn:        tlsConn,
		IsEncrypted: true,
		ServerName:  serverName,
		PeerCert:    peerCert,
	}, nil
}
