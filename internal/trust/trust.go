// Package trust abstracts installing and removing the proxy's spoofed
// certificate authority from the operating system's trusted-root store.
// The OS trust-store mechanism itself is an external collaborator (see
// design doc section 1) — this package only defines the seam the core
// certificate store talks through, plus the production adapter.
package trust

import (
	"crypto/x509"
	"fmt"
	"os"

	"github.com/smallstep/truststore"
)

// Installer installs and removes a DER-encoded CA certificate from the
// operating system's trusted-root store. Implementations must be
// idempotent: installing twice must not create duplicate entries.
type Installer interface {
	Install(cert *x509.Certificate) error
	Remove(cert *x509.Certificate) error
}

// OSInstaller is the default Installer, backed by smallstep/truststore —
// the same library Caddy uses to install its own internal CA into the
// platform trust store. It writes the certificate to a temp PEM file
// because truststore's install/uninstall calls operate on a certificate
// file path rather than raw DER bytes.
type OSInstaller struct{}

// Install adds cert to the current user's trusted-root store. Any
// existing certificate with the same subject is removed first so repeated
// calls across process restarts stay idempotent.
func (OSInstaller) Install(cert *x509.Certificate) error {
	path, cleanup, err := writeTempCert(cert)
	if err != nil {
		return fmt.Errorf("trust: %w", err)
	}
	defer cleanup()

	// Best-effort idempotence: drop any prior certificate with the same
	// subject before installing the current one.
	_ = truststore.Uninstall(path)

	if err := truststore.Install(path); err != nil {
		return fmt.Errorf("trust: install CA into OS trust store: %w", err)
	}
	return nil
}

// Remove deletes cert from the trusted-root store, if present.
func (OSInstaller) Remove(cert *x509.Certificate) error {
	path, cleanup, err := writeTempCert(cert)
	if err != nil {
		return fmt.Errorf("trust: %w", err)
	}
	defer cleanup()

	if err := truststore.Uninstall(path); err != nil {
		return fmt.Errorf("trust: remove CA from OS trust store: %w", err)
	}
	return nil
}

func writeTempCert(cert *x509.Certificate) (path string, cleanup func(), err error) {
	f, err := os.CreateTemp("", "siphon-ca-*.pem")
	if err != nil {
		return "", nil, err
	}
	if err := pemEncodeCert(f, cert); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", nil, err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", nil, err
	}
	return f.Name(), func() { os.Remove(f.Name()) }, nil
}

// NullInstaller is a no-op Installer used in tests and in embeddings that
// manage OS trust themselves.
type NullInstaller struct{}

func (NullInstaller) Install(*x509.Certificate) error { return nil }
func (NullInstaller) Remove(*x509.Certificate) error  { return nil }
