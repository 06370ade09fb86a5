// Package diverter defines the contract between siphon and the external,
// platform-specific packet-redirection component that sends local-process
// traffic to siphon's listening ports. The real redirection mechanism is
// always an external collaborator (see design doc section 1); this package
// only pins down the interface siphon's lifecycle controller drives, plus
// FirewallRequest/FirewallResponse, and a reference LoopbackDiverter for
// local testing without any OS-level redirection.
package diverter

import (
	"fmt"
	"log/slog"
)

// FirewallAction is the host's verdict on whether a process may have its
// traffic intercepted at all.
type FirewallAction int

const (
	DontFilterApplication FirewallAction = iota
	FilterApplication
	BlockInternetForApplication
)

// FirewallRequest describes the process whose connection the diverter is
// asking the host about.
type FirewallRequest struct {
	// BinaryPath is the originating process's absolute path, or the
	// literal "SYSTEM" when the OS cannot attribute the connection to a
	// user-mode binary.
	BinaryPath string
	ProcessID  int
	LocalPort  int
	RemotePort int
}

// FirewallResponse is the host's verdict plus an optional hint used when
// the flow is on a non-standard port and the diverter cannot otherwise
// guess whether to expect TLS.
type FirewallResponse struct {
	Action        FirewallAction
	EncryptedHint *bool
}

// Diverter is the external packet-redirection component. siphon's
// lifecycle controller publishes its bound ports to it, wires the
// firewall callback, and drives Start/Stop.
type Diverter interface {
	// ConfirmDenyFirewallAccess asks the host whether a given process's
	// connection should be diverted at all.
	ConfirmDenyFirewallAccess(req FirewallRequest) FirewallResponse
	// CreateDiverter publishes the four bound ports the diverter must
	// redirect traffic to. Each slot takes the port actually bound for it;
	// siphon's lifecycle controller binds one port per address family
	// that serves both HTTP and HTTPS, and passes it in both of that
	// family's slots.
	CreateDiverter(v4HTTPPort, v4HTTPSPort, v6HTTPPort, v6HTTPSPort int) error
	// Start begins redirecting traffic. numThreads <= 0 means one thread
	// per logical core.
	Start(numThreads int) error
	// Stop halts redirection. Must be safe to call even if Start was
	// never called.
	Stop() error
	// DropExternalProxies reports whether the diverter should bypass any
	// upstream proxy the client process itself configured, forcing all
	// traffic through siphon instead.
	DropExternalProxies() bool
}

// FirewallCallback matches the signature the lifecycle controller hooks
// into a Diverter.
type FirewallCallback func(FirewallRequest) FirewallResponse

// LoopbackDiverter is a reference Diverter for single-host manual testing:
// it does not redirect any OS-level traffic. An operator instead points a
// client explicitly at the published ports (e.g. `curl --proxy
// 127.0.0.1:<port>` or an explicit HTTPS_PROXY). It exists so siphon is
// runnable end to end without a real platform diverter.
type LoopbackDiverter struct {
	OnFirewallCheck FirewallCallback
	DropExternal    bool

	log             *slog.Logger
	v4HTTP, v4HTTPS int
	v6HTTP, v6HTTPS int
	running         bool
}

// NewLoopbackDiverter builds a LoopbackDiverter. onFirewallCheck may be nil,
// in which case every connection is allowed through unfiltered.
func NewLoopbackDiverter(onFirewallCheck FirewallCallback, dropExternal bool, log *slog.Logger) *LoopbackDiverter {
	if log == nil {
		log = slog.Default()
	}
	return &LoopbackDiverter{OnFirewallCheck: onFirewallCheck, DropExternal: dropExternal, log: log}
}

func (d *LoopbackDiverter) ConfirmDenyFirewallAccess(req FirewallRequest) FirewallResponse {
	if d.OnFirewallCheck == nil {
		return FirewallResponse{Action: DontFilterApplication}
	}
	return d.OnFirewallCheck(req)
}

func (d *LoopbackDiverter) CreateDiverter(v4HTTPPort, v4HTTPSPort, v6HTTPPort, v6HTTPSPort int) error {
	d.v4HTTP, d.v4HTTPS, d.v6HTTP, d.v6HTTPS = v4HTTPPort, v4HTTPSPort, v6HTTPPort, v6HTTPSPort
	d.log.Info("loopback diverter published ports",
		"v4_http", v4HTTPPort, "v4_https", v4HTTPSPort,
		"v6_http", v6HTTPPort, "v6_https", v6HTTPSPort)
	return nil
}

func (d *LoopbackDiverter) Start(numThreads int) error {
	if numThreads <= 0 {
		d.log.Info("loopback diverter starting", "threads", "per-core")
	} else {
		d.log.Info("loopback diverter starting", "threads", numThreads)
	}
	d.running = true
	return nil
}

func (d *LoopbackDiverter) Stop() error {
	d.running = false
	return nil
}

func (d *LoopbackDiverter) DropExternalProxies() bool { return d.DropExternal }

// ProxyURL returns the address an operator should point a client's
// explicit proxy configuration at, for manual testing against the
// LoopbackDiverter.
func (d *LoopbackDiverter) ProxyURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", d.v4HTTP)
}
