package certstore

import (
	"crypto/x509"
	"testing"

	"github.com/siphon-proxy/siphon/internal/trust"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New("siphon-test-ca", trust.NullInstaller{}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLeafForReusesCachedCertificate(t *testing.T) {
	s := newTestStore(t)

	first, err := s.LeafFor("a.test")
	if err != nil {
		t.Fatalf("LeafFor(a.test) error = %v", err)
	}
	second, err := s.LeafFor("a.test")
	if err != nil {
		t.Fatalf("LeafFor(a.test) second call error = %v", err)
	}

	leaf1, err := x509.ParseCertificate(first.Certificate[0])
	if err != nil {
		t.Fatalf("parsing first leaf: %v", err)
	}
	leaf2, err := x509.ParseCertificate(second.Certificate[0])
	if err != nil {
		t.Fatalf("parsing second leaf: %v", err)
	}
	if leaf1.SerialNumber.Cmp(leaf2.SerialNumber) != 0 {
		t.Fatal("LeafFor must return the identical cached certificate across repeated calls")
	}
}

func TestLeafForDistinctHostsDiffer(t *testing.T) {
	s := newTestStore(t)

	a, err := s.LeafFor("a.test")
	if err != nil {
		t.Fatalf("LeafFor(a.test): %v", err)
	}
	b, err := s.LeafFor("b.test")
	if err != nil {
		t.Fatalf("LeafFor(b.test): %v", err)
	}

	leafA, _ := x509.ParseCertificate(a.Certificate[0])
	leafB, _ := x509.ParseCertificate(b.Certificate[0])
	if leafA.SerialNumber.Cmp(leafB.SerialNumber) == 0 {
		t.Fatal("distinct hosts must receive distinct leaf certificates")
	}
}

func TestLeafChainsToCA(t *testing.T) {
	s := newTestStore(t)

	cert, err := s.LeafFor("chain.test")
	if err != nil {
		t.Fatalf("LeafFor: %v", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("parsing leaf: %v", err)
	}

	if leaf.Subject.CommonName != "chain.test" {
		t.Fatalf("leaf CN = %q, want chain.test", leaf.Subject.CommonName)
	}
	found := false
	for _, san := range leaf.DNSNames {
		if san == "chain.test" {
			found = true
		}
	}
	if !found {
		t.Fatal("leaf SAN must include the requested hostname")
	}

	pool := x509.NewCertPool()
	pool.AddCert(s.CACertificate())
	if _, err := leaf.Verify(x509.VerifyOptions{
		DNSName:   "chain.test",
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}); err != nil {
		t.Fatalf("leaf did not verify against minted CA: %v", err)
	}
}

func TestHostnameCaseFoldingSharesCacheEntry(t *testing.T) {
	s := newTestStore(t)

	lower, err := s.LeafFor("mixed.test")
	if err != nil {
		t.Fatalf("LeafFor(mixed.test): %v", err)
	}
	upper, err := s.LeafFor("MIXED.TEST")
	if err != nil {
		t.Fatalf("LeafFor(MIXED.TEST): %v", err)
	}

	l1, _ := x509.ParseCertificate(lower.Certificate[0])
	l2, _ := x509.ParseCertificate(upper.Certificate[0])
	if l1.SerialNumber.Cmp(l2.SerialNumber) != 0 {
		t.Fatal("case-folded hostnames must share one cached leaf")
	}
}
