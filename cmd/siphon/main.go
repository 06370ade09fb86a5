// Package main is the CLI entry point for siphon, a transparent
// TLS-intercepting proxy for HTTP/1.x, HTTPS, and WebSocket traffic.
//
// siphon has no data-plane host process of its own to redirect client
// connections at it — that's the job of an external, platform-specific
// diverter (see internal/diverter). Out of the box this CLI drives the
// reference LoopbackDiverter, so `siphon start` is runnable end to end on
// a single host by pointing a client's proxy settings explicitly at the
// address it prints.
//
// CLI commands (cobra):
//
//	siphon start [-d]         - Start the proxy (foreground or daemon)
//	siphon stop                - Stop the proxy
//	siphon status              - Show proxy status
//	siphon ca show|install|uninstall - Inspect/manage the minted CA
//	siphon policy list|add|remove|test - Manage host-policy rules
//	siphon config show|generate - View/write configuration
package main

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/siphon-proxy/siphon"
	"github.com/siphon-proxy/siphon/internal/config"
	"github.com/siphon-proxy/siphon/internal/diverter"
	"github.com/siphon-proxy/siphon/internal/headerfilter"
	"github.com/siphon-proxy/siphon/internal/message"
	"github.com/siphon-proxy/siphon/internal/policy"
	"github.com/siphon-proxy/siphon/internal/trust"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// controlPort is the fixed loopback port the CLI's own control plane
// listens on: /health, /shutdown. It is independent of the OS-chosen
// data-plane ports siphon publishes to its Diverter.
const controlPort = 47890

func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".siphon"
	}
	return filepath.Join(home, ".siphon")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var configDir string

var rootCmd = &cobra.Command{
	Use:   "siphon",
	Short: "siphon — transparent TLS-intercepting proxy",
	Long: `siphon transparently intercepts HTTP/1.x, HTTPS, and WebSocket traffic,
minting spoofed leaf certificates from an in-memory CA so it can inspect
and optionally rewrite plaintext content on both sides of the TLS boundary.

Run 'siphon start' to start the proxy.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", defaultConfigDir(), "Path to siphon config and state directory")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(caCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(configCmd)
}

// ============================================================================
// siphon start
// ============================================================================

var daemonMode bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the siphon proxy",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStart(cmd, args)
	},
}

func init() {
	startCmd.Flags().BoolVarP(&daemonMode, "daemon", "d", false, "Run in daemon/background mode")
}

func runStart(cmd *cobra.Command, args []string) error {
	if daemonMode && os.Getenv("SIPHON_DAEMONIZED") != "1" {
		return spawnDaemon()
	}

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	cfgPath := filepath.Join(configDir, "config.yaml")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	rulesPath := cfg.Policy.RulesFile
	if rulesPath == "" {
		rulesPath = filepath.Join(configDir, "rules.yaml")
	}
	engine := policy.New()
	if err := engine.LoadFile(rulesPath); err != nil {
		return fmt.Errorf("failed to load policy rules: %w", err)
	}
	fmt.Printf("[siphon] Loaded %d policy rules from %s\n", len(engine.Rules()), rulesPath)

	exempted := headerfilter.NewExemptedSet(cfg.Policy.ExemptedHeaders...)

	installer := trust.Installer(trust.NullInstaller{})
	if cfg.Authority.AutoInstall {
		installer = trust.OSInstaller{}
	}

	proxy, err := siphon.New(siphon.Config{
		AuthorityName:        cfg.Authority.Name,
		BlockExternalProxies: cfg.Proxy.BlockExternalProxies,
		UpstreamProxyURL:     cfg.Proxy.UpstreamProxyURL,
		TrustInstaller:       installer,
	}, siphon.Callbacks{
		FirewallCheck: func(diverter.FirewallRequest) diverter.FirewallResponse {
			return diverter.FirewallResponse{Action: diverter.DontFilterApplication}
		},
		NewHTTPMessage: func(info *message.Info) message.NextAction {
			info.ExemptedHeaders = exempted
			return engine.NewHTTPMessage(info)
		},
		WholeBodyInspection: engine.WholeBodyInspection,
		StreamedInspection: func(info *message.Info) message.StreamHooks {
			return message.StreamHooks{}
		},
		ReplayInspection:       func(info *message.Info, replayURL string) {},
		ExternalRequestHandler: func(w http.ResponseWriter, r *http.Request, info *message.Info) {},
	})
	if err != nil {
		return fmt.Errorf("failed to construct proxy: %w", err)
	}

	watcher, err := config.NewWatcher(configDir, "config.yaml", filepath.Base(rulesPath), config.WatchTargets{
		OnPolicyChange: func() {
			if reloadErr := engine.LoadFile(rulesPath); reloadErr != nil {
				fmt.Fprintf(os.Stderr, "[siphon] Warning: failed to reload policy: %v\n", reloadErr)
			} else {
				fmt.Println("[siphon] Policy rules reloaded")
			}
		},
		OnConfigChange: func() {
			if reloaded, reloadErr := config.Load(cfgPath); reloadErr == nil {
				exempted = headerfilter.NewExemptedSet(reloaded.Policy.ExemptedHeaders...)
				fmt.Println("[siphon] Config reloaded")
			}
		},
	})
	if err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}
	defer watcher.Close()

	if err := proxy.Start(); err != nil {
		return fmt.Errorf("failed to start proxy: %w", err)
	}
	defer proxy.Stop()

	// Cache the freshly minted CA to disk purely as a convenience artifact
	// for `siphon ca show/install/uninstall` to operate on between runs —
	// the running proxy itself never reads this file back.
	if err := writeCACache(proxy.CACertificate()); err != nil {
		fmt.Fprintf(os.Stderr, "[siphon] Warning: failed to cache CA certificate: %v\n", err)
	}

	if url := proxy.LoopbackProxyURL(); url != "" {
		fmt.Printf("[siphon] Point a client's proxy settings at: %s\n", url)
	}

	pidFile := filepath.Join(configDir, "siphon.pid")
	if err := writePIDFile(pidFile); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer removePIDFile(pidFile)

	shutdownCh := make(chan struct{}, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","version":"%s"}`, version)
	})
	mux.HandleFunc("/shutdown", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		if !isLoopback(r.RemoteAddr) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"status":"shutting_down"}`)
		select {
		case shutdownCh <- struct{}{}:
		default:
		}
	})

	controlSrv := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", controlPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("[siphon] Control endpoint on http://127.0.0.1:%d\n", controlPort)
		if !daemonMode {
			fmt.Println("[siphon] Press Ctrl+C to stop")
		}
		errCh <- controlSrv.ListenAndServe()
	}()

	select {
	case <-sigCh:
		fmt.Println("\n[siphon] Shutting down (signal received)...")
	case <-shutdownCh:
		fmt.Println("[siphon] Shutting down (stop command received)...")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("control server error: %w", err)
		}
	}

	controlSrv.Close()
	fmt.Println("[siphon] Stopped")
	return nil
}

func spawnDaemon() error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to find executable path: %w", err)
	}

	logPath := filepath.Join(configDir, "siphon.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}

	daemonArgs := []string{"start"}
	if configDir != defaultConfigDir() {
		daemonArgs = append(daemonArgs, "--config-dir", configDir)
	}

	child := exec.Command(exePath, daemonArgs...)
	child.Stdout = logFile
	child.Stderr = logFile
	child.Env = append(os.Environ(), "SIPHON_DAEMONIZED=1")

	if err := child.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	fmt.Printf("[siphon] Started in background (PID %d)\n", child.Process.Pid)
	fmt.Printf("[siphon] Log file: %s\n", logPath)

	if err := child.Process.Release(); err != nil {
		fmt.Fprintf(os.Stderr, "[siphon] Warning: failed to release child process: %v\n", err)
	}
	logFile.Close()
	return nil
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func removePIDFile(path string) { os.Remove(path) }

func isLoopback(remoteAddr string) bool {
	host := remoteAddr
	if idx := strings.LastIndex(remoteAddr, ":"); idx != -1 {
		host = remoteAddr[:idx]
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return host == "127.0.0.1" || host == "::1" || strings.HasPrefix(host, "127.")
}

func controlAddr() string {
	return fmt.Sprintf("http://127.0.0.1:%d", controlPort)
}

// ============================================================================
// siphon stop / status
// ============================================================================

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running siphon proxy",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStop(cmd, args)
	},
}

func runStop(cmd *cobra.Command, args []string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(controlAddr()+"/shutdown", "application/json", nil)
	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			fmt.Println("[siphon] Stop signal sent")
			os.Remove(filepath.Join(configDir, "siphon.pid"))
			return nil
		}
	}

	if runtime.GOOS == "windows" {
		return fmt.Errorf("proxy is not responding at %s — cannot stop", controlAddr())
	}

	pidFile := filepath.Join(configDir, "siphon.pid")
	pidBytes, err := os.ReadFile(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("proxy is not running (no PID file and control endpoint unreachable)")
		}
		return fmt.Errorf("failed to read PID file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(pidBytes)))
	if err != nil {
		return fmt.Errorf("invalid PID in %s: %w", pidFile, err)
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		os.Remove(pidFile)
		return fmt.Errorf("failed to stop proxy (PID %d): %w", pid, err)
	}
	os.Remove(pidFile)
	fmt.Printf("[siphon] Sent stop signal (PID %d)\n", pid)
	return nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show proxy status",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := &http.Client{Timeout: 2 * time.Second}
		resp, err := client.Get(controlAddr() + "/health")
		if err != nil {
			fmt.Println("[siphon] Status: NOT RUNNING")
			return nil
		}
		resp.Body.Close()
		fmt.Println("[siphon] Status: RUNNING")
		fmt.Printf("[siphon] Control endpoint: %s\n", controlAddr())
		return nil
	},
}

// ============================================================================
// siphon ca
// ============================================================================

var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Inspect or manage the minted certificate authority",
	Long: `siphon mints a fresh CA in memory on every start; it is never required
to function across restarts. 'siphon start' caches the minted CA's PEM to
the config directory purely so these subcommands can inspect or re-trigger
its OS trust-store install independently of whether the proxy is currently
running — that cache is a convenience artifact, not state the proxy reads
back.`,
}

func init() {
	caCmd.AddCommand(caShowCmd)
	caCmd.AddCommand(caInstallCmd)
	caCmd.AddCommand(caUninstallCmd)
}

func caCachePath() string {
	return filepath.Join(configDir, "ca.pem")
}

func writeCACache(cert *x509.Certificate) error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(caCachePath(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return pem.Encode(f, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

func readCACache() (*x509.Certificate, error) {
	data, err := os.ReadFile(caCachePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no cached CA at %s — run 'siphon start' at least once first", caCachePath())
		}
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s contains no PEM block", caCachePath())
	}
	return x509.ParseCertificate(block.Bytes)
}

var caShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the most recently minted CA certificate in PEM form",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(caCachePath())
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("no cached CA at %s — run 'siphon start' at least once first", caCachePath())
			}
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

var caInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the cached CA into this host's OS trust store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cert, err := readCACache()
		if err != nil {
			return err
		}
		if err := (trust.OSInstaller{}).Install(cert); err != nil {
			return fmt.Errorf("failed to install CA: %w", err)
		}
		fmt.Println("[siphon] CA installed into OS trust store")
		return nil
	},
}

var caUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the cached CA from this host's OS trust store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cert, err := readCACache()
		if err != nil {
			return err
		}
		if err := (trust.OSInstaller{}).Remove(cert); err != nil {
			return fmt.Errorf("failed to remove CA: %w", err)
		}
		fmt.Println("[siphon] CA removed from OS trust store")
		return nil
	},
}

// ============================================================================
// siphon policy
// ============================================================================

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage host-policy rules",
	Long: `View, add, remove, and test the host-policy rules the default CLI
callbacks evaluate. Each rule matches a host glob and optional URL regex
and resolves to allow or block, first match wins.`,
}

func init() {
	policyCmd.AddCommand(policyListCmd)
	policyCmd.AddCommand(policyAddCmd)
	policyCmd.AddCommand(policyRemoveCmd)
	policyCmd.AddCommand(policyTestCmd)
}

func policyRulesPath() (string, error) {
	cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return "", err
	}
	if cfg.Policy.RulesFile != "" {
		return cfg.Policy.RulesFile, nil
	}
	return filepath.Join(configDir, "rules.yaml"), nil
}

var policyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all policy rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := policyRulesPath()
		if err != nil {
			return err
		}
		e := policy.New()
		if err := e.LoadFile(path); err != nil {
			return fmt.Errorf("failed to load rules: %w", err)
		}
		rules := e.Rules()
		if len(rules) == 0 {
			fmt.Println("No rules configured.")
			return nil
		}
		fmt.Printf("%-25s %-25s %-30s %s\n", "NAME", "HOST", "URL REGEX", "ACTION")
		for _, r := range rules {
			fmt.Printf("%-25s %-25s %-30s %s\n", r.Name, r.HostGlob, r.URLRegex, r.Action)
		}
		return nil
	},
}

var (
	policyAddHost     string
	policyAddURLRegex string
	policyAddAction   string
)

var policyAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a policy rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := policyRulesPath()
		if err != nil {
			return err
		}
		e := policy.New()
		if err := e.LoadFile(path); err != nil {
			return fmt.Errorf("failed to load rules: %w", err)
		}
		rule := policy.Rule{
			Name:     args[0],
			HostGlob: policyAddHost,
			URLRegex: policyAddURLRegex,
			Action:   policy.Action(policyAddAction),
		}
		if err := e.AddRule(path, rule); err != nil {
			return fmt.Errorf("failed to add rule: %w", err)
		}
		fmt.Printf("[siphon] Rule %q added\n", args[0])
		return nil
	},
}

func init() {
	policyAddCmd.Flags().StringVar(&policyAddHost, "host", "*", "Host glob pattern")
	policyAddCmd.Flags().StringVar(&policyAddURLRegex, "url-regex", "", "Optional URL regex")
	policyAddCmd.Flags().StringVar(&policyAddAction, "action", "allow", "allow or block")
}

var policyRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a policy rule by name",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := policyRulesPath()
		if err != nil {
			return err
		}
		e := policy.New()
		if err := e.LoadFile(path); err != nil {
			return fmt.Errorf("failed to load rules: %w", err)
		}
		if err := e.RemoveRule(path, args[0]); err != nil {
			return fmt.Errorf("failed to remove rule: %w", err)
		}
		fmt.Printf("[siphon] Rule %q removed\n", args[0])
		return nil
	},
}

var policyTestCmd = &cobra.Command{
	Use:   "test <url>",
	Short: "Test a URL against the current policy rules",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := policyRulesPath()
		if err != nil {
			return err
		}
		e := policy.New()
		if err := e.LoadFile(path); err != nil {
			return fmt.Errorf("failed to load rules: %w", err)
		}
		host := args[0]
		if idx := strings.Index(host, "://"); idx >= 0 {
			host = host[idx+3:]
		}
		if idx := strings.IndexAny(host, "/?"); idx >= 0 {
			host = host[:idx]
		}
		action, rule := e.Test(host, args[0])
		if rule == "" {
			fmt.Printf("[siphon] %s (no rule matched, default allow)\n", action)
			return nil
		}
		fmt.Printf("[siphon] %s by rule %q\n", action, rule)
		return nil
	},
}

// ============================================================================
// siphon config
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View and edit siphon configuration",
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGenerateCmd)
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := filepath.Join(configDir, "config.yaml")
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Printf("No config file found at %s\n", path)
				fmt.Println("Run 'siphon config generate' to write a default one.")
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
		fmt.Println(string(data))
		return nil
	},
}

var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Write a default config.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(configDir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
		path := filepath.Join(configDir, "config.yaml")
		if err := config.WriteDefault(path); err != nil {
			return fmt.Errorf("failed to write default config: %w", err)
		}
		fmt.Printf("[siphon] Wrote default config to %s\n", path)
		return nil
	},
}
