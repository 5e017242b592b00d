// Package core is the orchestrator that wires every sensor-and-decision
// component — the Process Ledger, Filesystem Sensor, Socket/Packet Sensor,
// Hash & Metadata Cache, Pattern Matcher, Policy Store, Decision Core,
// Process-Chain Tracker, Event Correlator, Enforcement Adapter, and Event
// Bus — into one running agent. It is adapted from the teacher's
// internal/agent.Agent: the same functional-options construction, the same
// mutex-guarded running bool (not sync.Once) for idempotent Stop, and the
// same wg.Add(1)/goroutine-per-pipeline shape.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/threatflux/edrcore/internal/agent"
	"github.com/threatflux/edrcore/internal/audit"
	"github.com/threatflux/edrcore/internal/bus"
	"github.com/threatflux/edrcore/internal/chain"
	"github.com/threatflux/edrcore/internal/correlator"
	"github.com/threatflux/edrcore/internal/decision"
	"github.com/threatflux/edrcore/internal/enforcement"
	"github.com/threatflux/edrcore/internal/event"
	"github.com/threatflux/edrcore/internal/hashcache"
	"github.com/threatflux/edrcore/internal/ledger"
	"github.com/threatflux/edrcore/internal/pattern"
	"github.com/threatflux/edrcore/internal/policy"
	"github.com/threatflux/edrcore/internal/sensor/dnsinspect"
	"github.com/threatflux/edrcore/internal/sensor/fanotify"
	"github.com/threatflux/edrcore/internal/sensor/netflow"
)

// Config tunes the timers and buffer sizes the core's background loops use.
// Zero values select the package defaults of the wrapped component.
type Config struct {
	// LedgerRescanInterval is how often the Process Ledger re-walks /proc.
	LedgerRescanInterval time.Duration
	// DecisionDeadline bounds how long the Decision Core may take to answer
	// a fanotify permission event before the sensor fails open.
	DecisionDeadline time.Duration
	// NetworkPollInterval is how often the socket-diagnostic enumerator is
	// polled.
	NetworkPollInterval time.Duration
	// PacketCaptureIface, if non-empty, enables the promiscuous
	// packet-capture path on the named interface.
	PacketCaptureIface string
	// BusBufferSize is the per-subscriber Event Bus channel depth.
	BusBufferSize int
}

func (c Config) withDefaults() Config {
	if c.LedgerRescanInterval <= 0 {
		c.LedgerRescanInterval = 5 * time.Second
	}
	if c.DecisionDeadline <= 0 {
		c.DecisionDeadline = decision.DefaultDeadline
	}
	if c.NetworkPollInterval <= 0 {
		c.NetworkPollInterval = netflow.DefaultInterval
	}
	return c
}

// Core is the central orchestrator of the EDR agent. It owns every
// sensor-and-decision component and the three-plus-one long-running
// goroutines: the Filesystem Sensor read loop, the Socket/Packet Sensor poll
// loop, the Process Ledger refresh loop, and the Event Bus → Correlator
// pipeline.
type Core struct {
	logger *slog.Logger
	cfg    Config

	Ledger      *ledger.Ledger
	Policy      *policy.Store
	Patterns    *pattern.Library
	Hashes      *hashcache.Cache
	Decision    *decision.Core
	Chains      *chain.Tracker
	Correlator  *correlator.Correlator
	Bus         *bus.Bus
	Enforcement *enforcement.Adapter
	Audit       *audit.Logger

	fsSensor  fanotify.Sensor
	netPoller *netflow.Poller
	capture   *netflow.Capture

	dashboardQueue DashboardQueue
	dashboardXport agent.Transport

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Core at construction time.
type Option func(*Core)

// WithAuditLogger attaches a hash-chained audit log; every SecurityEvent
// published on the bus is also appended there as its JSON payload.
func WithAuditLogger(l *audit.Logger) Option {
	return func(c *Core) { c.Audit = l }
}

// WithPacketCapture enables the promiscuous packet-capture path on iface in
// addition to the always-on socket-diagnostic poller.
func WithPacketCapture(iface string) Option {
	return func(c *Core) { c.cfg.PacketCaptureIface = iface }
}

// New builds a Core over the given Policy Store and Pattern Library — both
// are mutable at runtime by design, so callers retain direct references to
// reconfigure them without restarting the core. logger must not be nil.
func New(logger *slog.Logger, policyStore *policy.Store, patterns *pattern.Library, cfg Config, opts ...Option) (*Core, error) {
	if logger == nil {
		return nil, fmt.Errorf("core: logger must not be nil")
	}
	if policyStore == nil {
		return nil, fmt.Errorf("core: policy store must not be nil")
	}
	if patterns == nil {
		return nil, fmt.Errorf("core: pattern library must not be nil")
	}
	cfg = cfg.withDefaults()

	c := &Core{
		logger:      logger,
		cfg:         cfg,
		Ledger:      ledger.New(logger),
		Policy:      policyStore,
		Patterns:    patterns,
		Hashes:      hashcache.New(0, 0),
		Chains:      chain.NewTracker(0, 0),
		Correlator:  correlator.New(),
		Bus:         bus.New(logger, cfg.BusBufferSize),
		Enforcement: enforcement.New(logger),
	}
	c.Decision = decision.New(c.Policy, c.Patterns, c.Hashes)

	for _, opt := range opts {
		opt(c)
	}

	fsSensor, err := fanotify.New(logger, c, cfg.DecisionDeadline)
	if err != nil {
		logger.Warn("filesystem sensor unavailable on this platform", slog.Any("error", err))
	} else {
		c.fsSensor = fsSensor
	}

	c.netPoller = netflow.NewPoller(netflow.NewSockDiagEnumerator(), c.Ledger, 256)

	if c.cfg.PacketCaptureIface != "" {
		capture, err := netflow.NewCapture(logger, c.cfg.PacketCaptureIface)
		if err != nil {
			logger.Warn("packet capture unavailable", slog.String("iface", c.cfg.PacketCaptureIface), slog.Any("error", err))
		} else {
			c.capture = capture
		}
	}

	return c, nil
}

// Start launches every background loop and returns once they are all
// running. It is an error to call Start twice without an intervening Stop.
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("core: already running")
	}
	c.running = true
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	done := doneFromContext(ctx)

	c.Ledger.Snapshot()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.Ledger.Run(done, c.cfg.LedgerRescanInterval)
	}()

	if err := c.Enforcement.Init(ctx); err != nil {
		c.logger.Warn("enforcement adapter init failed, continuing without kernel enforcement", slog.Any("error", err))
	}

	if c.fsSensor != nil {
		if err := c.fsSensor.Start(ctx); err != nil {
			cancel()
			c.mu.Lock()
			c.running = false
			c.mu.Unlock()
			return fmt.Errorf("core: filesystem sensor failed to start: %w", err)
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.drainRaw(ctx, c.fsSensor.Events())
		}()
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.netPoller.Run(done, c.cfg.NetworkPollInterval)
	}()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.drainRaw(ctx, c.netPoller.Events())
	}()

	if c.capture != nil {
		c.capture.Start()
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.drainRaw(ctx, c.capture.Events())
		}()
	}

	// Event Bus -> Correlator pipeline: the fourth long-running thread. It
	// never touches sensor goroutines directly — only the bus hands it
	// events, keeping the data flow two directed channels rather than a
	// cycle in the ownership graph.
	sub := c.Bus.Subscribe(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runCorrelator(sub)
	}()

	c.logger.Info("edrcore started",
		slog.Bool("filesystem_sensor", c.fsSensor != nil),
		slog.Bool("packet_capture", c.capture != nil),
		slog.Duration("ledger_rescan_interval", c.cfg.LedgerRescanInterval),
	)
	return nil
}

// Stop signals every background loop to exit and blocks until they have.
// Safe to call more than once.
func (c *Core) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	if c.fsSensor != nil {
		c.fsSensor.Stop()
	}
	if c.capture != nil {
		c.capture.Stop()
	}
	c.wg.Wait()

	teardownCtx, teardownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer teardownCancel()
	if err := c.Enforcement.Teardown(teardownCtx); err != nil {
		c.logger.Warn("enforcement adapter teardown failed", slog.Any("error", err))
	}

	c.Bus.Close()
	c.logger.Info("edrcore stopped")
}

// doneFromContext adapts a context.Context to the done-channel shape the
// Ledger and Poller Run methods expect (grounded on the teacher's own
// Run(done <-chan struct{}, interval) signature).
func doneFromContext(ctx context.Context) <-chan struct{} {
	return ctx.Done()
}

// drainRaw consumes a sensor's non-permission RawEvent channel until ctx is
// cancelled or the channel closes, enriching and publishing each one.
func (c *Core) drainRaw(ctx context.Context, events <-chan event.RawEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-events:
			if !ok {
				return
			}
			c.handleRaw(raw)
		}
	}
}

// Decide implements fanotify.Decider. It is invoked synchronously inside the
// Filesystem Sensor's permission-event handler with the sensor's own
// deadline already running on ctx: the sensor owns the response and calls
// the decision core synchronously.
func (c *Core) Decide(ctx context.Context, pid int32, path string) (allow bool, auditKind event.Kind, reason string) {
	proc, _ := c.Ledger.Get(pid)
	cmdline := ""
	if proc != nil {
		cmdline = proc.CommandLine()
	}

	req := decision.Request{PID: pid, Path: path, CommandLine: cmdline, Chain: c.Chains}
	res, err := c.Decision.Decide(ctx, req)
	if err != nil {
		c.logger.Warn("decision: fail-open on timeout",
			slog.Int("pid", int(pid)), slog.String("path", path))
	}

	se := decision.BuildSecurityEvent(uuid.NewString(), req, res, proc)
	c.publish(se)

	return res.Verdict != event.VerdictDeny, event.KindFileOpenExec, res.Reason
}

// InjectRaw feeds a synthetic or externally-observed RawEvent through the
// same enrichment/pattern-match/publish path a real sensor's events take.
// Used by cmd/monitor's "test" and "interactive" subcommands to drive the
// real pipeline without a live fanotify/netlink source.
func (c *Core) InjectRaw(raw event.RawEvent) {
	c.handleRaw(raw)
}

// handleRaw enriches a non-permission RawEvent with process/chain context,
// runs it through the Pattern Matcher, and publishes the resulting
// SecurityEvent. Permission events never reach here — they are resolved
// synchronously via Decide.
func (c *Core) handleRaw(raw event.RawEvent) {
	proc, _ := c.Ledger.Get(raw.PID)

	if raw.Kind == event.KindProcessExec && raw.PPID != 0 {
		cmdline := raw.Path
		if proc != nil {
			cmdline = proc.CommandLine()
		}
		c.Chains.RecordSpawn(raw.PPID, raw.PID, cmdline)
	}
	if nk, ok := chain.FromRaw(raw.Kind); ok {
		c.Chains.RecordEvent(raw.PID, chain.NodeEvent{
			Kind: nk, At: raw.Timestamp, Path: raw.Path,
			RemoteIP: raw.RemoteAddr, RemotePort: raw.RemotePort,
			OldUID: raw.OldUID, NewUID: raw.NewUID,
		})
	}

	cmdline := ""
	if proc != nil {
		cmdline = proc.CommandLine()
	}
	ctx := pattern.Context{
		PID: raw.PID, PPID: raw.PPID, CommandLine: cmdline, Path: raw.Path,
		RemoteIP: raw.RemoteAddr, RemotePort: raw.RemotePort, Domain: raw.QueryName,
		Chain: c.Chains,
	}

	severity := event.SeverityInfo
	verdict := event.VerdictAllow
	reason := ""
	patternID := ""

	if raw.Kind == event.KindDNSQuery && raw.QueryName != "" && dnsinspect.IsDGADomain(raw.QueryName) {
		severity = event.SeverityMedium
		verdict = event.VerdictLog
		reason = "dga-like domain name: " + raw.QueryName
	}

	policyDecided := false
	if raw.Kind == event.KindNetConnect {
		if raw.RemoteAddr != "" {
			if allow, ok := c.Policy.NetworkVerdict(raw.RemoteAddr); ok {
				policyDecided = true
				if !allow {
					severity, verdict, reason = event.SeverityHigh, event.VerdictDeny, "remote address explicitly denied: "+raw.RemoteAddr
				} else {
					severity, verdict, reason = event.SeverityInfo, event.VerdictAllow, "remote address explicitly allowed: "+raw.RemoteAddr
				}
			}
		}
		if !policyDecided && raw.RemotePort != 0 {
			if allow, ok := c.Policy.PortVerdict(int(raw.RemotePort)); ok {
				policyDecided = true
				if !allow {
					severity, verdict, reason = event.SeverityHigh, event.VerdictDeny, fmt.Sprintf("remote port explicitly denied: %d", raw.RemotePort)
				} else {
					severity, verdict, reason = event.SeverityInfo, event.VerdictAllow, fmt.Sprintf("remote port explicitly allowed: %d", raw.RemotePort)
				}
			}
		}
		if verdict == event.VerdictDeny && c.Policy.Mode() != policy.ModeEnforce {
			verdict = event.VerdictLog
		}
	}

	if !policyDecided {
		if hits := c.Patterns.Match(ctx); len(hits) > 0 {
			worst := hits[0]
			for _, h := range hits[1:] {
				if patternSeverityRank(h.Severity) > patternSeverityRank(worst.Severity) {
					worst = h
				}
			}
			patternID = worst.ID
			reason = "pattern matched: " + worst.Name
			severity = mapPatternSeverity(worst.Severity)
			if patternSeverityRank(worst.Severity) >= patternSeverityRank(pattern.SeverityHigh) && c.Policy.Mode() == policy.ModeEnforce {
				verdict = event.VerdictDeny
			} else {
				verdict = event.VerdictLog
			}
		}
	}

	se := event.SecurityEvent{
		ID:          uuid.NewString(),
		Kind:        raw.Kind,
		Timestamp:   raw.Timestamp,
		Severity:    severity,
		Verdict:     verdict,
		Process:     proc,
		Path:        raw.Path,
		RemoteAddr:  raw.RemoteAddr,
		RemotePort:  raw.RemotePort,
		QueryName:   raw.QueryName,
		PatternID:   patternID,
		Description: reason,
	}
	c.publish(se)

	if verdict == event.VerdictDeny && raw.RemoteAddr != "" {
		if _, err := c.Enforcement.BlockIP(context.Background(), raw.RemoteAddr); err != nil {
			c.logger.Error("enforcement: failed to block remote address",
				slog.String("remote_addr", raw.RemoteAddr), slog.Any("error", err))
		}
	}
}

// publish delivers se to the Event Bus and, if an audit logger is attached,
// appends it to the tamper-evident hash chain.
func (c *Core) publish(se event.SecurityEvent) {
	c.Bus.Publish(se)
	c.forwardToDashboard(se)
	if c.Audit != nil {
		payload, err := auditPayload(se)
		if err != nil {
			c.logger.Warn("audit: failed to encode security event", slog.Any("error", err))
			return
		}
		if _, err := c.Audit.Append(payload); err != nil {
			c.logger.Warn("audit: failed to append security event", slog.Any("error", err))
		}
	}
}

// runCorrelator drains sub, feeding each SecurityEvent into the Correlator
// and republishing any completed correlation back onto the bus as a
// KindCorrelated SecurityEvent.
func (c *Core) runCorrelator(sub *bus.Subscription) {
	defer sub.Close()
	for se := range sub.Events() {
		correlated := c.Correlator.Process(se)
		if correlated == nil {
			continue
		}
		c.logger.Warn("correlated event detected",
			slog.String("rule_id", correlated.RuleID),
			slog.String("rule_name", correlated.RuleName),
			slog.String("severity", string(correlated.Severity)),
			slog.Int("constituent_events", len(correlated.Events)),
		)
		out := event.SecurityEvent{
			ID:          correlated.ID,
			Kind:        event.KindCorrelated,
			Timestamp:   correlated.DetectedAt,
			Severity:    correlated.Severity,
			Verdict:     event.VerdictLog,
			RuleID:      correlated.RuleID,
			Description: correlated.Description,
		}
		if len(correlated.Events) > 0 {
			out.Process = correlated.Events[0].Process
		}
		c.publish(out)
	}
}

func patternSeverityRank(s pattern.Severity) int {
	switch s {
	case pattern.SeverityCritical:
		return 4
	case pattern.SeverityHigh:
		return 3
	case pattern.SeverityMedium:
		return 2
	default:
		return 1
	}
}

// auditPayload encodes a SecurityEvent into the JSON form stored as one
// audit-log entry's payload.
func auditPayload(se event.SecurityEvent) (json.RawMessage, error) {
	return json.Marshal(se)
}

func mapPatternSeverity(s pattern.Severity) event.Severity {
	switch s {
	case pattern.SeverityCritical:
		return event.SeverityCritical
	case pattern.SeverityHigh:
		return event.SeverityHigh
	case pattern.SeverityMedium:
		return event.SeverityMedium
	default:
		return event.SeverityLow
	}
}
