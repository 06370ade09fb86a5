package main

import "testing"

func TestIsLoopbackAcceptsLocalAddresses(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:54321": true,
		"127.5.6.7:1":     true,
		"[::1]:54321":     true,
		"10.0.0.5:443":    false,
		"example.test:80": false,
	}
	for addr, want := range cases {
		if got := isLoopback(addr); got != want {
			t.Errorf("isLoopback(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestControlAddrUsesControlPort(t *testing.T) {
	want := "http://127.0.0.1:47890"
	if got := controlAddr(); got != want {
		t.Errorf("controlAddr() = %q, want %q", got, want)
	}
}

func TestCACachePathIsUnderConfigDir(t *testing.T) {
	old := configDir
	defer func() { configDir = old }()

	configDir = "/tmp/siphon-test-config"
	want := "/tmp/siphon-test-config/ca.pem"
	if got := caCachePath(); got != want {
		t.Errorf("caCachePath() = %q, want %q", got, want)
	}
}
