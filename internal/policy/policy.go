// Package policy is a reference, YAML-driven implementation of siphon's
// host callbacks: a first-match-wins rule list matching on a glob host
// pattern and an optional URL regex. It is not part of the core inspection
// pipeline — a real embedder supplies its own Callbacks and can ignore
// this package entirely. It exists so the CLI is runnable out of the box.
package policy

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"

	"github.com/siphon-proxy/siphon/internal/message"
)

// Action is the outcome a matching Rule applies to a transaction.
type Action string

const (
	ActionAllow Action = "allow"
	ActionBlock Action = "block"
)

// Rule is one entry in the policy file: a host glob and optional URL
// regex, first-match-wins against the evaluation order in the file.
type Rule struct {
	Name       string `yaml:"name"`
	HostGlob   string `yaml:"host"`
	URLRegex   string `yaml:"urlRegex,omitempty"`
	Action     Action `yaml:"action"`

	compiledHost glob.Glob
	compiledURL  *regexp.Regexp
}

// compile pre-compiles the rule's glob/regex patterns.
func (r *Rule) compile() error {
	if r.HostGlob == "" {
		return fmt.Errorf("rule %q: host pattern is required", r.Name)
	}
	g, err := glob.Compile(r.HostGlob)
	if err != nil {
		return fmt.Errorf("rule %q: invalid host glob %q: %w", r.Name, r.HostGlob, err)
	}
	r.compiledHost = g

	if r.URLRegex != "" {
		re, err := regexp.Compile(r.URLRegex)
		if err != nil {
			return fmt.Errorf("rule %q: invalid urlRegex %q: %w", r.Name, r.URLRegex, err)
		}
		r.compiledURL = re
	}
	return nil
}

func (r *Rule) matches(host, url string) bool {
	if !r.compiledHost.Match(host) {
		return false
	}
	if r.compiledURL != nil && !r.compiledURL.MatchString(url) {
		return false
	}
	return true
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// Engine evaluates transactions against a hot-reloadable rule set.
type Engine struct {
	mu    sync.RWMutex
	rules []Rule
}

// New builds an empty Engine that allows everything until rules are
// loaded.
func New() *Engine {
	return &Engine{}
}

// LoadFile parses path and replaces the engine's rule set atomically. A
// missing path is not an error — it leaves the engine with no rules
// (allow everything).
func (e *Engine) LoadFile(path string) error {
	if path == "" {
		e.mu.Lock()
		e.rules = nil
		e.mu.Unlock()
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			e.mu.Lock()
			e.rules = nil
			e.mu.Unlock()
			return nil
		}
		return fmt.Errorf("reading policy file %s: %w", path, err)
	}

	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing policy file %s: %w", path, err)
	}
	for i := range file.Rules {
		if err := file.Rules[i].compile(); err != nil {
			return err
		}
	}

	e.mu.Lock()
	e.rules = file.Rules
	e.mu.Unlock()
	return nil
}

// Rules returns a snapshot of the currently loaded rules, for `siphon
// policy list`.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// AddRule appends r (compiled) to the in-memory rule set and persists the
// full set back to path.
func (e *Engine) AddRule(path string, r Rule) error {
	if err := r.compile(); err != nil {
		return err
	}
	e.mu.Lock()
	e.rules = append(e.rules, r)
	snapshot := make([]Rule, len(e.rules))
	copy(snapshot, e.rules)
	e.mu.Unlock()
	return save(path, snapshot)
}

// RemoveRule deletes the rule named name and persists the result.
func (e *Engine) RemoveRule(path, name string) error {
	e.mu.Lock()
	kept := e.rules[:0:0]
	for _, r := range e.rules {
		if r.Name != name {
			kept = append(kept, r)
		}
	}
	e.rules = kept
	snapshot := make([]Rule, len(e.rules))
	copy(snapshot, e.rules)
	e.mu.Unlock()
	return save(path, snapshot)
}

func save(path string, rules []Rule) error {
	if path == "" {
		return nil
	}
	data, err := yaml.Marshal(ruleFile{Rules: rules})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// evaluate finds the first matching rule for host/url and returns its
// action, or ActionAllow if nothing matches.
func (e *Engine) evaluate(host, url string) (Action, string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, r := range e.rules {
		if r.matches(host, url) {
			return r.Action, r.Name
		}
	}
	return ActionAllow, ""
}

// Test evaluates a single host/url pair against the loaded rules, for
// `siphon policy test`.
func (e *Engine) Test(host, url string) (Action, string) {
	return e.evaluate(host, url)
}

// NewHTTPMessage implements message.NewHTTPMessageFunc: block transactions
// whose host matches a "block" rule, allow everything else unmodified.
func (e *Engine) NewHTTPMessage(info *message.Info) message.NextAction {
	host := hostOf(info.URL)
	action, _ := e.evaluate(host, info.URL)
	if action == ActionBlock {
		return message.DropConnection
	}
	return message.AllowAndIgnoreContent
}

// WholeBodyInspection is the no-op default: bodies pass through unmodified
// once a request has already been allowed past NewHTTPMessage.
func (e *Engine) WholeBodyInspection(info *message.Info) message.NextAction {
	return message.AllowAndIgnoreContent
}

func hostOf(rawURL string) string {
	u := rawURL
	if idx := strings.Index(u, "://"); idx >= 0 {
		u = u[idx+3:]
	}
	if idx := strings.IndexAny(u, "/?"); idx >= 0 {
		u = u[:idx]
	}
	if idx := strings.LastIndex(u, "@"); idx >= 0 {
		u = u[idx+1:]
	}
	if idx := strings.LastIndex(u, ":"); idx >= 0 && !strings.Contains(u[idx:], "]") {
		u = u[:idx]
	}
	return u
}
