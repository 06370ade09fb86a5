// Package siphon is the public embedding API: configure a Config and a
// Callbacks set, call New, then Start/Stop the returned Proxy around your
// process's own lifecycle.
package siphon

import (
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/siphon-proxy/siphon/internal/certstore"
	"github.com/siphon-proxy/siphon/internal/diverter"
	"github.com/siphon-proxy/siphon/internal/lifecycle"
	"github.com/siphon-proxy/siphon/internal/message"
	"github.com/siphon-proxy/siphon/internal/trust"
	"github.com/siphon-proxy/siphon/internal/upstream"
)

// Callbacks re-exports the inspection callback bundle every host must
// supply, plus the firewall check the diverter consults before a
// connection is ever handed to siphon.
type Callbacks struct {
	FirewallCheck          diverter.FirewallCallback
	NewHTTPMessage         message.NewHTTPMessageFunc
	WholeBodyInspection    message.WholeBodyInspectionFunc
	StreamedInspection     message.StreamedInspectionFunc
	ReplayInspection       message.ReplayInspectionFunc
	ExternalRequestHandler message.ExternalRequestHandlerFunc
}

func (c Callbacks) toMessageCallbacks() message.Callbacks {
	return message.Callbacks{
		NewHTTPMessage:         c.NewHTTPMessage,
		WholeBodyInspection:    c.WholeBodyInspection,
		StreamedInspection:     c.StreamedInspection,
		ReplayInspection:       c.ReplayInspection,
		ExternalRequestHandler: c.ExternalRequestHandler,
	}
}

// Config is the host configuration consumed by New, per the design's
// "Host configuration" external interface.
type Config struct {
	// AuthorityName is the CN for the minted CA. Defaults to "CitadelCore".
	AuthorityName string
	// BlockExternalProxies tells the default LoopbackDiverter to ignore
	// any proxy the client process configured itself. Defaults to true.
	BlockExternalProxies bool
	// CustomProxyHandler overrides the default upstream HTTP client. If
	// nil, the core builds its own per internal/upstream.
	CustomProxyHandler *http.Client
	// UpstreamProxyURL is passed to the default upstream client when
	// CustomProxyHandler is nil; empty means no upstream proxy.
	UpstreamProxyURL string
	// Diverter overrides the default reference LoopbackDiverter. Most
	// production embedders supply their own OS-level diverter here.
	Diverter diverter.Diverter
	// TrustInstaller overrides the default OS trust-store installer.
	TrustInstaller trust.Installer
	// NumThreads is passed to the diverter's Start; <=0 means one thread
	// per logical core.
	NumThreads int
	Log        *slog.Logger
}

// Proxy wraps the lifecycle controller siphon's listeners run on.
type Proxy struct {
	ctrl  *lifecycle.Controller
	certs *certstore.Store
	div   diverter.Diverter
}

// New validates cfg and callbacks and constructs a Proxy ready to Start.
// All Callbacks fields are required.
func New(cfg Config, callbacks Callbacks) (*Proxy, error) {
	if err := validateCallbacks(callbacks); err != nil {
		return nil, fmt.Errorf("%w: %v", message.ErrConfigurationInvalid, err)
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	authorityName := cfg.AuthorityName
	if authorityName == "" {
		authorityName = "CitadelCore"
	}
	installer := cfg.TrustInstaller
	if installer == nil {
		installer = trust.OSInstaller{}
	}

	certs, err := certstore.New(authorityName, installer, log)
	if err != nil {
		return nil, err
	}

	client := cfg.CustomProxyHandler
	if client == nil {
		client, err = upstream.New(upstream.Options{ProxyURL: cfg.UpstreamProxyURL})
		if err != nil {
			certs.Close()
			return nil, err
		}
	}

	div := cfg.Diverter
	if div == nil {
		div = diverter.NewLoopbackDiverter(callbacks.FirewallCheck, cfg.BlockExternalProxies, log)
	}

	ctrl := lifecycle.New(lifecycle.Options{
		Certs:      certs,
		Diverter:   div,
		Callbacks:  callbacks.toMessageCallbacks(),
		Client:     client,
		NumThreads: cfg.NumThreads,
		Log:        log,
	})

	return &Proxy{ctrl: ctrl, certs: certs, div: div}, nil
}

func validateCallbacks(c Callbacks) error {
	switch {
	case c.FirewallCheck == nil:
		return fmt.Errorf("firewall_check callback is required")
	case c.NewHTTPMessage == nil:
		return fmt.Errorf("new_http_message callback is required")
	case c.WholeBodyInspection == nil:
		return fmt.Errorf("whole_body_inspection callback is required")
	case c.StreamedInspection == nil:
		return fmt.Errorf("streamed_inspection callback is required")
	case c.ReplayInspection == nil:
		return fmt.Errorf("replay_inspection callback is required")
	case c.ExternalRequestHandler == nil:
		return fmt.Errorf("external_request_handler callback is required")
	}
	return nil
}

// Start binds siphon's listeners and begins intercepting traffic.
func (p *Proxy) Start() error { return p.ctrl.Start() }

// Stop halts interception and releases the bound listeners.
func (p *Proxy) Stop() error { return p.ctrl.Stop() }

// CACertificate returns the process's minted root CA certificate, for
// display or manual distribution to clients that don't share the host's
// OS trust store.
func (p *Proxy) CACertificate() *x509.Certificate {
	return p.certs.CACertificate()
}

// LoopbackProxyURL returns the address a client can be pointed at
// explicitly when Config.Diverter was left unset (the default
// diverter.LoopbackDiverter). It returns "" once a custom Diverter is
// supplied, since that diverter owns its own redirection story.
func (p *Proxy) LoopbackProxyURL() string {
	if lb, ok := p.div.(*diverter.LoopbackDiverter); ok {
		return lb.ProxyURL()
	}
	return ""
}
