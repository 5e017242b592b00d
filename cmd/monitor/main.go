// Command monitor is the operator-facing front end over internal/core.Core:
// it starts the real sensor stack, runs a REPL against it, drives synthetic
// test events through the real Decision Core, or reports host metrics, via
// "monitor {start,test,interactive,metrics}". Flag parsing and signal
// handling follow the teacher's cmd/agent/main.go shape (flag.String,
// signal.Notify, graceful Stop() on SIGINT/SIGTERM).
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/threatflux/edrcore/internal/config"
	"github.com/threatflux/edrcore/internal/core"
	"github.com/threatflux/edrcore/internal/event"
	"github.com/threatflux/edrcore/internal/pattern"
	"github.com/threatflux/edrcore/internal/policy"
)

// Exit codes for the monitor CLI.
const (
	exitSuccess             = 0
	exitRuntimeFailure      = 1
	exitInsufficientPriv    = 2
	exitMalformedInvocation = 3
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitMalformedInvocation)
	}

	var code int
	switch os.Args[1] {
	case "start":
		code = runStart(os.Args[2:])
	case "test":
		code = runTest(os.Args[2:])
	case "interactive":
		code = runInteractive(os.Args[2:])
	case "metrics":
		code = runMetrics(os.Args[2:])
	default:
		usage()
		code = exitMalformedInvocation
	}
	os.Exit(code)
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: monitor {start|test|interactive|metrics} [flags]")
}

func newLogger(level string, w *os.File) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: l}))
}

// hasPrivilege reports whether the process holds effective root, the
// minimum this monitor requires in lieu of checking the specific
// admin-network/admin-system Linux capabilities (which require a cgo or
// libcap dependency this module does not carry).
func hasPrivilege() bool {
	return os.Geteuid() == 0
}

func buildCore(logger *slog.Logger, cfg *config.Config) (*core.Core, error) {
	store := policy.NewStore()
	if err := cfg.ApplyPolicy(store); err != nil {
		return nil, fmt.Errorf("monitor: applying policy from config: %w", err)
	}
	lib := pattern.NewLibrary()

	var opts []core.Option
	coreCfg := core.Config{}
	if cfg.Security.PacketCaptureInterface != "" {
		opts = append(opts, core.WithPacketCapture(cfg.Security.PacketCaptureInterface))
	}

	c, err := core.New(logger, store, lib, coreCfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("monitor: building core: %w", err)
	}
	return c, nil
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "/etc/edrcore/config.yaml", "path to the edrcore YAML configuration file")
	whitelistDir := fs.String("whitelist-dir", "", "directory holding the scanner's whitelist manifest (optional)")
	logFile := fs.String("log-file", "", "path to write structured logs to (default stderr)")
	if err := fs.Parse(args); err != nil {
		return exitMalformedInvocation
	}
	_ = whitelistDir // accepted for CLI-contract parity; nothing reads the manifest

	if !hasPrivilege() {
		fmt.Fprintln(os.Stderr, "monitor: refusing to start without root (admin-network/admin-system capabilities required)")
		return exitInsufficientPriv
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "monitor: %v\n", err)
		return exitRuntimeFailure
	}

	logOut := os.Stderr
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "monitor: cannot open log file: %v\n", err)
			return exitRuntimeFailure
		}
		defer f.Close()
		logOut = f
	}
	logger := newLogger(cfg.LogLevel, logOut)
	slog.SetDefault(logger)

	c, err := buildCore(logger, cfg)
	if err != nil {
		logger.Error("failed to build core", slog.Any("error", err))
		return exitRuntimeFailure
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Start(ctx); err != nil {
		logger.Error("failed to start core", slog.Any("error", err))
		return exitRuntimeFailure
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	c.Stop()
	logger.Info("monitor exited cleanly")
	return exitSuccess
}

// runTest drives the real Decision Core against a fixed set of synthetic
// end-to-end scenarios, printing each verdict. This replaces the original
// populate_mock_data path with real, not mocked, evaluation.
func runTest(args []string) int {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return exitMalformedInvocation
	}

	logger := newLogger("warn", os.Stderr)
	store := policy.NewStore()
	lib := pattern.NewLibrary()
	c, err := core.New(logger, store, lib, core.Config{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "monitor test: %v\n", err)
		return exitRuntimeFailure
	}

	fmt.Println("scenario 1: passive allow-all")
	store.SetMode(policy.ModePassive)
	allow, _, reason := c.Decide(context.Background(), 1, "/usr/bin/ls")
	fmt.Printf("  verdict=%s reason=%q\n", verdictString(allow), reason)

	fmt.Println("scenario 2: enforcing deny by hash")
	store.SetMode(policy.ModeEnforce)
	_ = store.DenyHash("e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855")
	allow, _, reason = c.Decide(context.Background(), 2, "/tmp/a")
	fmt.Printf("  verdict=%s reason=%q\n", verdictString(allow), reason)

	fmt.Println("scenario 3: pattern match (crypto miner)")
	allow, _, reason = c.Decide(context.Background(), 3, "/usr/bin/xmrig")
	fmt.Printf("  verdict=%s reason=%q\n", verdictString(allow), reason)

	return exitSuccess
}

func verdictString(allow bool) string {
	if allow {
		return "allow"
	}
	return "deny"
}

// runInteractive implements a REPL over the core: exec PATH,
// net IP PORT [DOMAIN], stats, quit.
func runInteractive(args []string) int {
	fs := flag.NewFlagSet("interactive", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return exitMalformedInvocation
	}

	logger := newLogger("warn", os.Stderr)
	store := policy.NewStore()
	lib := pattern.NewLibrary()
	c, err := core.New(logger, store, lib, core.Config{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "monitor interactive: %v\n", err)
		return exitRuntimeFailure
	}

	sub := c.Bus.Subscribe(nil)
	defer sub.Close()
	go func() {
		for se := range sub.Events() {
			fmt.Printf("[event] kind=%s verdict=%v severity=%s reason=%q\n", se.Kind, se.Verdict, se.Severity, se.Description)
		}
	}()

	fmt.Println("edrcore interactive console. Commands: exec PATH | net IP PORT [DOMAIN] | stats | quit")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "quit", "exit":
			return exitSuccess
		case "stats":
			printStats(c)
		case "exec":
			if len(fields) < 2 {
				fmt.Println("usage: exec PATH")
				continue
			}
			allow, _, reason := c.Decide(context.Background(), int32(os.Getpid()), fields[1])
			fmt.Printf("verdict=%s reason=%q\n", verdictString(allow), reason)
		case "net":
			if len(fields) < 3 {
				fmt.Println("usage: net IP PORT [DOMAIN]")
				continue
			}
			port, err := strconv.ParseUint(fields[2], 10, 16)
			if err != nil {
				fmt.Println("invalid port:", fields[2])
				continue
			}
			domain := ""
			if len(fields) > 3 {
				domain = fields[3]
			}
			simulateNetEvent(c, fields[1], uint16(port), domain)
			fmt.Println("network event injected")
		default:
			fmt.Println("unknown command:", fields[0])
		}
	}
	return exitSuccess
}

func simulateNetEvent(c *core.Core, ip string, port uint16, domain string) {
	c.InjectRaw(event.RawEvent{
		Kind:       event.KindNetConnect,
		Timestamp:  time.Now(),
		PID:        int32(os.Getpid()),
		RemoteAddr: ip,
		RemotePort: port,
		QueryName:  domain,
		Protocol:   "tcp",
	})
}

func printStats(c *core.Core) {
	counts := c.Policy.Counts()
	fmt.Printf("policy: allowed_hashes=%d denied_hashes=%d allowed_paths=%d denied_paths=%d allowed_net=%d denied_net=%d allowed_ports=%d denied_ports=%d\n",
		counts[0], counts[1], counts[2], counts[3], counts[4], counts[5], counts[6], counts[7])
	fmt.Printf("patterns loaded: %d\n", c.Patterns.Len())
	fmt.Printf("chains tracked: %d\n", c.Chains.Len())
	fmt.Printf("ledger processes: %d\n", c.Ledger.Len())
	fmt.Printf("bus subscribers: %d\n", c.Bus.SubscriberCount())
}

// metricsSnapshot is the JSON shape emitted by `monitor metrics --json`.
type metricsSnapshot struct {
	Timestamp       time.Time `json:"timestamp"`
	LedgerProcesses int       `json:"ledger_processes"`
	ChainsTracked   int       `json:"chains_tracked"`
	PatternsLoaded  int       `json:"patterns_loaded"`
	BusSubscribers  int       `json:"bus_subscribers"`
	PolicyCounts    [8]int    `json:"policy_counts"`
}

func runMetrics(args []string) int {
	fs := flag.NewFlagSet("metrics", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "emit metrics as JSON")
	once := fs.Bool("once", false, "emit one snapshot and exit")
	interval := fs.Int("interval", 5, "seconds between snapshots when not --once")
	if err := fs.Parse(args); err != nil {
		return exitMalformedInvocation
	}

	logger := newLogger("warn", os.Stderr)
	store := policy.NewStore()
	lib := pattern.NewLibrary()
	c, err := core.New(logger, store, lib, core.Config{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "monitor metrics: %v\n", err)
		return exitRuntimeFailure
	}

	emit := func() {
		snap := metricsSnapshot{
			Timestamp:       time.Now().UTC(),
			LedgerProcesses: c.Ledger.Len(),
			ChainsTracked:   c.Chains.Len(),
			PatternsLoaded:  c.Patterns.Len(),
			BusSubscribers:  c.Bus.SubscriberCount(),
			PolicyCounts:    c.Policy.Counts(),
		}
		if *asJSON {
			enc := json.NewEncoder(os.Stdout)
			_ = enc.Encode(snap)
		} else {
			fmt.Printf("%s ledger=%d chains=%d patterns=%d subscribers=%d\n",
				snap.Timestamp.Format(time.RFC3339), snap.LedgerProcesses, snap.ChainsTracked, snap.PatternsLoaded, snap.BusSubscribers)
		}
	}

	emit()
	if *once {
		return exitSuccess
	}
	ticker := time.NewTicker(time.Duration(*interval) * time.Second)
	defer ticker.Stop()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	for {
		select {
		case <-ticker.C:
			emit()
		case <-sigCh:
			return exitSuccess
		}
	}
}
