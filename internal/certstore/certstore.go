// Package certstore mints and caches the spoofed TLS certificates the
// proxy presents to clients: one self-signed root authority generated once
// per process, and one leaf per intercepted hostname, signed by that
// authority and issued on demand.
package certstore

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // SKI/AKI chaining, not a security boundary
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/siphon-proxy/siphon/internal/message"
	"github.com/siphon-proxy/siphon/internal/trust"
)

const (
	leafValidityPast   = -365 * 24 * time.Hour
	leafValidityFuture = 2 * 365 * 24 * time.Hour
)

// Store generates a root CA at construction, installs it into the OS trust
// store, and mints/caches leaf certificates on demand, one per hostname.
// Leaves are never regenerated once cached: cache lookups and generation
// are both serialized behind mu so concurrent handshakes for the same new
// host issue exactly one leaf.
type Store struct {
	mu sync.Mutex

	caKey  *ecdsa.PrivateKey
	caCert *x509.Certificate
	caTLS  tls.Certificate // pre-built chain root for leaf Certificate.Certificate[1]

	cache map[string]*tls.Certificate // lower-cased, Unicode-folded hostname -> leaf

	installer trust.Installer
	log       *slog.Logger
}

// New generates a fresh EC P-256 self-signed CA with the given subject
// common name, installs it into the OS trust store via installer, and
// returns a ready-to-use Store. installer.Install must be idempotent; New
// fails with message.ErrTrustInstallFailed wrapped if it isn't satisfied.
func New(authorityCN string, installer trust.Installer, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if installer == nil {
		installer = trust.NullInstaller{}
	}

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("certstore: generating CA key: %w", err)
	}

	now := time.Now()
	serial, err := randSerial()
	if err != nil {
		return nil, fmt.Errorf("certstore: generating CA serial: %w", err)
	}

	ski, err := subjectKeyID(&caKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("certstore: computing CA SKI: %w", err)
	}

	caTemplate := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: authorityCN},
		NotBefore:    now.Add(leafValidityPast),
		NotAfter:     now.Add(leafValidityFuture),
		KeyUsage:     x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          ski,
		SignatureAlgorithm:    x509.ECDSAWithSHA256,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("certstore: self-signing CA: %w", err)
	}
	caCert, err := x509.ParseCertificate(derBytes)
	if err != nil {
		return nil, fmt.Errorf("certstore: parsing freshly minted CA: %w", err)
	}

	if err := installer.Install(caCert); err != nil {
		return nil, fmt.Errorf("%w: %v", message.ErrTrustInstallFailed, err)
	}

	s := &Store{
		caKey:  caKey,
		caCert: caCert,
		caTLS: tls.Certificate{
			Certificate: [][]byte{derBytes},
			PrivateKey:  caKey,
			Leaf:        caCert,
		},
		cache:     make(map[string]*tls.Certificate),
		installer: installer,
		log:       log,
	}

	log.Info("spoofed CA minted and installed", "cn", authorityCN, "serial", serial.String())
	return s, nil
}

// CACertificate returns the process's root CA certificate.
func (s *Store) CACertificate() *x509.Certificate {
	return s.caCert
}

// Close removes the CA from the OS trust store. It is safe to skip calling
// Close — the spec treats the installed CA as ephemeral but does not
// require removal on every shutdown.
func (s *Store) Close() error {
	return s.installer.Remove(s.caCert)
}

// LeafFor returns the cached leaf certificate for host, minting and
// caching a fresh one on first use. Hostname comparisons are Unicode-aware
// case folding so "ÉCHO.test" and "écho.test" share one cache entry.
func (s *Store) LeafFor(host string) (*tls.Certificate, error) {
	key := strings.ToLower(host)

	s.mu.Lock()
	defer s.mu.Unlock()

	if leaf, ok := s.cache[key]; ok {
		return leaf, nil
	}

	leaf, err := s.issueLeaf(host)
	if err != nil {
		return nil, err
	}
	s.cache[key] = leaf
	s.log.Debug("issued spoofed leaf certificate", "host", host)
	return leaf, nil
}

// issueLeaf must be called with mu held.
func (s *Store) issueLeaf(host string) (*tls.Certificate, error) {
	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("certstore: generating leaf key for %s: %w", host, err)
	}

	serial, err := randSerial()
	if err != nil {
		return nil, fmt.Errorf("certstore: generating leaf serial for %s: %w", host, err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: host},
		DNSNames:              []string{host},
		NotBefore:             now.Add(leafValidityPast),
		NotAfter:              now.Add(leafValidityFuture),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		AuthorityKeyId:        s.caCert.SubjectKeyId,
		SignatureAlgorithm:    x509.ECDSAWithSHA256,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, template, s.caCert, &leafKey.PublicKey, s.caKey)
	if err != nil {
		return nil, fmt.Errorf("certstore: signing leaf for %s: %w", host, err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{derBytes, s.caTLS.Certificate[0]},
		PrivateKey:  leafKey,
	}, nil
}

func randSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, limit)
}

func subjectKeyID(pub *ecdsa.PublicKey) ([]byte, error) {
	encoded, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	sum := sha1.Sum(encoded) //nolint:gosec // SKI is an identifier, not a security property
	return sum[:], nil
}
