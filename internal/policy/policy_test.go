package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/siphon-proxy/siphon/internal/message"
)

func writeRules(t *testing.T, yaml string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFileMissingLeavesAllowAll(t *testing.T) {
	e := New()
	if err := e.LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	action, _ := e.Test("anything.test", "https://anything.test/")
	if action != ActionAllow {
		t.Fatalf("action = %q, want allow", action)
	}
}

func TestFirstMatchWins(t *testing.T) {
	path := writeRules(t, `
rules:
  - name: block-secret
    host: "*.secret.test"
    action: block
  - name: allow-all
    host: "*"
    action: allow
`)
	e := New()
	if err := e.LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	action, rule := e.Test("api.secret.test", "https://api.secret.test/x")
	if action != ActionBlock || rule != "block-secret" {
		t.Fatalf("action=%q rule=%q, want block/block-secret", action, rule)
	}

	action2, _ := e.Test("other.test", "https://other.test/x")
	if action2 != ActionAllow {
		t.Fatalf("action2 = %q, want allow", action2)
	}
}

func TestURLRegexNarrowsHostMatch(t *testing.T) {
	path := writeRules(t, `
rules:
  - name: block-admin
    host: "api.test"
    urlRegex: "^https://api\\.test/admin"
    action: block
`)
	e := New()
	if err := e.LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	blocked, _ := e.Test("api.test", "https://api.test/admin/users")
	if blocked != ActionBlock {
		t.Fatalf("expected admin path to be blocked, got %q", blocked)
	}
	allowed, _ := e.Test("api.test", "https://api.test/public")
	if allowed != ActionAllow {
		t.Fatalf("expected non-admin path to be allowed, got %q", allowed)
	}
}

func TestNewHTTPMessageDropsBlockedHost(t *testing.T) {
	path := writeRules(t, `
rules:
  - name: block-secret
    host: "secret.test"
    action: block
`)
	e := New()
	if err := e.LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	info := message.NewRequest(message.ProtocolHTTP)
	info.URL = "https://secret.test/data"
	if got := e.NewHTTPMessage(info); got != message.DropConnection {
		t.Fatalf("NewHTTPMessage = %v, want DropConnection", got)
	}

	info2 := message.NewRequest(message.ProtocolHTTP)
	info2.URL = "https://open.test/data"
	if got := e.NewHTTPMessage(info2); got != message.AllowAndIgnoreContent {
		t.Fatalf("NewHTTPMessage = %v, want AllowAndIgnoreContent", got)
	}
}

func TestAddRuleThenRemoveRulePersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	e := New()

	if err := e.AddRule(path, Rule{Name: "r1", HostGlob: "*.test", Action: ActionBlock}); err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	if len(e.Rules()) != 1 {
		t.Fatalf("Rules() length = %d, want 1", len(e.Rules()))
	}

	reloaded := New()
	if err := reloaded.LoadFile(path); err != nil {
		t.Fatalf("LoadFile after AddRule: %v", err)
	}
	if len(reloaded.Rules()) != 1 {
		t.Fatal("AddRule must persist to disk")
	}

	if err := e.RemoveRule(path, "r1"); err != nil {
		t.Fatalf("RemoveRule: %v", err)
	}
	if len(e.Rules()) != 0 {
		t.Fatalf("Rules() length after remove = %d, want 0", len(e.Rules()))
	}
}

func TestHostOfStripsSchemeAndPort(t *testing.T) {
	cases := map[string]string{
		"https://example.test:443/path": "example.test",
		"http://example.test/path":      "example.test",
		"example.test":                  "example.test",
	}
	for in, want := range cases {
		if got := hostOf(in); got != want {
			t.Errorf("hostOf(%q) = %q, want %q", in, got, want)
		}
	}
}
