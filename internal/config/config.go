// Package config handles loading, validating, and writing siphon's
// configuration from ~/.siphon/config.yaml.
//
// The config defines:
//   - The minted CA's subject name and whether to auto-install it
//   - Whether the diverter should drop a client's own proxy configuration
//   - An optional single upstream proxy override
//   - Per-transaction header exemptions and the path to a host-policy file
//     (both hot-reloadable; see Watcher)
package config

import (
	"fmt"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

func parseProxyURL(raw string) (*url.URL, error) {
	return url.Parse(raw)
}

// Config is the top-level siphon configuration.
type Config struct {
	Authority AuthorityConfig `yaml:"authority"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Policy    PolicyConfig    `yaml:"policy"`
}

// AuthorityConfig controls the minted certificate authority.
type AuthorityConfig struct {
	// Name is the CN used for the minted CA (default "CitadelCore").
	Name string `yaml:"name"`
	// AutoInstall controls whether the CA is installed into the OS trust
	// store unconditionally at start, per the "installs unconditionally"
	// process-wide-state rule.
	AutoInstall bool `yaml:"autoInstall"`
}

// ProxyConfig controls upstream connection behavior.
type ProxyConfig struct {
	// BlockExternalProxies tells the diverter to bypass any proxy the
	// client process itself configured. Default true.
	BlockExternalProxies bool `yaml:"blockExternalProxies"`
	// UpstreamProxyURL is the single optional override; empty means no
	// upstream proxy.
	UpstreamProxyURL string `yaml:"upstreamProxyUrl"`
}

// PolicyConfig points at the hot-reloadable files that drive the CLI's
// default (non-core) host callbacks.
type PolicyConfig struct {
	// RulesFile is the YAML host-policy rule file consumed by
	// internal/policy.
	RulesFile string `yaml:"rulesFile"`
	// ExemptedHeaders lists header names exempt from the forbidden-header
	// filter for every transaction.
	ExemptedHeaders []string `yaml:"exemptedHeaders"`
}

// Load reads and parses config.yaml from path. A missing file yields
// defaults, not an error.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// WriteDefault writes a default config.yaml with a comment header,
// mirroring the teacher's first-run setup story.
func WriteDefault(path string) error {
	cfg := Defaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# siphon proxy configuration
#
# authority:
#   name: CN for the minted certificate authority
#   autoInstall: install the CA into the OS trust store at start
#
# proxy:
#   blockExternalProxies: force traffic through siphon even if the client
#     process configured its own proxy
#   upstreamProxyUrl: single optional upstream proxy override, empty = none
#
# policy:
#   rulesFile: path to the host-policy rule file (hot-reloaded)
#   exemptedHeaders: header names exempt from the forbidden-header filter

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// Defaults returns a Config with every field set to its default value.
func Defaults() *Config {
	return &Config{
		Authority: AuthorityConfig{
			Name:        "CitadelCore",
			AutoInstall: true,
		},
		Proxy: ProxyConfig{
			BlockExternalProxies: true,
		},
		Policy: PolicyConfig{
			RulesFile: "",
		},
	}
}

func validate(cfg *Config) error {
	if cfg.Authority.Name == "" {
		return fmt.Errorf("authority.name must not be empty")
	}
	if cfg.Proxy.UpstreamProxyURL != "" {
		if _, err := parseProxyURL(cfg.Proxy.UpstreamProxyURL); err != nil {
			return fmt.Errorf("proxy.upstreamProxyUrl: %w", err)
		}
	}
	return nil
}
