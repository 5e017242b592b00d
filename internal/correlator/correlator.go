// Package correlator implements the sliding-window rule engine that looks
// for relationships across multiple already-decided SecurityEvents — attack
// stages no single event reveals on its own, such as reconnaissance
// followed by exploitation or a burst of file access consistent with
// ransomware. It is grounded directly in the original event correlation
// engine's rule taxonomy, rebuilt as small matcher structs instead of a
// single recursive pattern enum.
package correlator

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/threatflux/edrcore/internal/event"
)

// EventTypePattern constrains which event.Kind an EventMatcher accepts.
type EventTypePattern string

const (
	EventTypeFileExecution      EventTypePattern = "file_execution"
	EventTypeFileAccess         EventTypePattern = "file_access"
	EventTypeNetworkConnection  EventTypePattern = "network_connection"
	EventTypeProcessSpawn       EventTypePattern = "process_spawn"
	EventTypePrivilegeEscalation EventTypePattern = "privilege_escalation"
	EventTypeAny                EventTypePattern = "any"
)

// NetworkMatcher narrows an EventMatcher by destination port/protocol.
type NetworkMatcher struct {
	Port     uint16 // 0 means "any"
	Protocol string // "" means "any"
}

// EventMatcher is one predicate within a CorrelationPattern's event sequence.
type EventMatcher struct {
	EventType   EventTypePattern
	PathPattern string // substring match against the event's Path, if set
	Network     *NetworkMatcher
}

func (m EventMatcher) matches(ev event.SecurityEvent) bool {
	if m.EventType != EventTypeAny && !eventKindMatches(m.EventType, ev.Kind) {
		return false
	}
	if m.PathPattern != "" && !strings.Contains(ev.Path, m.PathPattern) {
		return false
	}
	if m.Network != nil {
		if m.Network.Port != 0 && ev.RemotePort != m.Network.Port {
			return false
		}
	}
	return true
}

func eventKindMatches(pat EventTypePattern, k event.Kind) bool {
	switch pat {
	case EventTypeFileExecution:
		return k == event.KindFileOpenExec || k == event.KindProcessExec
	case EventTypeFileAccess:
		return k == event.KindFileAccess
	case EventTypeNetworkConnection:
		return k == event.KindNetConnect
	case EventTypeProcessSpawn:
		return k == event.KindProcessExec
	case EventTypePrivilegeEscalation:
		return k == event.KindPrivChange
	default:
		return false
	}
}

// KillChainStage is one named step of a KillChain pattern; all of Events
// must be observed (from the same pid) within TimeLimit of the stage
// starting for the stage to complete.
type KillChainStage struct {
	Name      string
	Events    []EventMatcher
	TimeLimit time.Duration
}

// Pattern is the sealed set of correlation pattern kinds. Exactly one of
// the typed fields is populated, selected by Kind — mirroring the
// recursive-enum shape of the original with a Go-idiomatic discriminated
// struct instead of an interface, since these are pure data with no
// per-variant behavior beyond what Correlator already implements.
type PatternKind string

const (
	PatternProcessSequence PatternKind = "process_sequence"
	PatternEventCluster    PatternKind = "event_cluster"
	PatternNetworkSweep    PatternKind = "network_sweep"
	PatternMassFileAccess  PatternKind = "mass_file_access"
	PatternKillChain       PatternKind = "kill_chain"
)

type Pattern struct {
	Kind PatternKind

	// ProcessSequence
	Sequence        []EventMatcher
	MaxTimeBetween  time.Duration

	// EventCluster
	ClusterMatcher EventMatcher
	MinCount       int

	// NetworkSweep
	MinTargets int

	// MassFileAccess
	PathPattern string
	MinFiles    int

	// KillChain
	Stages []KillChainStage
}

// Rule is one named correlation rule.
type Rule struct {
	ID          string
	Name        string
	Description string
	Pattern     Pattern
	TimeWindow  time.Duration
	Severity    event.Severity
	Enabled     bool
}

// Correlated is a detected multi-event pattern, ready for publication.
type Correlated struct {
	ID          string
	RuleID      string
	RuleName    string
	Events      []event.SecurityEvent
	DetectedAt  time.Time
	Severity    event.Severity
	Description string
}

type bufferedEvent struct {
	at time.Time
	ev event.SecurityEvent
}

// activeSequence tracks in-progress ProcessSequence/KillChain matching for
// one (rule, pid) pair.
type activeSequence struct {
	matched   []event.SecurityEvent
	startedAt time.Time
	stage     int
}

// Correlator evaluates each incoming SecurityEvent against the active rule
// set and a bounded sliding window of recent history.
type Correlator struct {
	mu      sync.Mutex
	rules   []*Rule
	buffer  []bufferedEvent
	maxAge  time.Duration
	maxSize int

	active map[string]*activeSequence // "<ruleID>:<pid>" -> state

	limiter *RateLimiter
}

// DefaultMaxAge bounds how long an event is retained in the sliding window.
const DefaultMaxAge = 10 * time.Minute

// DefaultMaxSize bounds the number of events retained in the sliding window.
const DefaultMaxSize = 10000

// New creates a Correlator pre-loaded with DefaultRules.
func New() *Correlator {
	return &Correlator{
		rules:   DefaultRules(),
		maxAge:  DefaultMaxAge,
		maxSize: DefaultMaxSize,
		active:  make(map[string]*activeSequence),
		limiter: NewRateLimiter(DefaultRateLimiterConfig),
	}
}

// AddRule appends a custom rule to the active set.
func (c *Correlator) AddRule(r *Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = append(c.rules, r)
}

// Process ingests ev, buffers it, and evaluates every enabled rule. It
// returns the first Correlated match found, or nil if no rule fired. A
// per-(pid,kind) token bucket bounds how often the same process can trigger
// rule evaluation, preventing a single noisy source from dominating CPU
// time.
func (c *Correlator) Process(ev event.SecurityEvent) *Correlated {
	now := time.Now()

	c.mu.Lock()
	c.buffer = append(c.buffer, bufferedEvent{at: now, ev: ev})
	c.evictLocked(now)
	c.mu.Unlock()

	pid := int32(0)
	if ev.Process != nil {
		pid = ev.Process.PID
	}
	key := fmt.Sprintf("%d:%s", pid, ev.Kind)
	if !c.limiter.Allow(key) {
		return nil
	}

	c.mu.Lock()
	rules := append([]*Rule(nil), c.rules...)
	c.mu.Unlock()

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if correlated := c.checkRule(rule, ev, now); correlated != nil {
			return correlated
		}
	}
	return nil
}

// evictLocked must be called with c.mu held.
func (c *Correlator) evictLocked(now time.Time) {
	cut := 0
	for cut < len(c.buffer) && now.Sub(c.buffer[cut].at) > c.maxAge {
		cut++
	}
	if cut > 0 {
		c.buffer = append([]bufferedEvent(nil), c.buffer[cut:]...)
	}
	if len(c.buffer) > c.maxSize {
		c.buffer = append([]bufferedEvent(nil), c.buffer[len(c.buffer)-c.maxSize:]...)
	}
}

func (c *Correlator) snapshotBuffer() []bufferedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]bufferedEvent, len(c.buffer))
	copy(out, c.buffer)
	return out
}

func (c *Correlator) checkRule(rule *Rule, ev event.SecurityEvent, now time.Time) *Correlated {
	switch rule.Pattern.Kind {
	case PatternProcessSequence:
		return c.checkProcessSequence(rule, ev, now)
	case PatternEventCluster:
		return c.checkEventCluster(rule, ev, now)
	case PatternNetworkSweep:
		return c.checkNetworkSweep(rule, ev, now)
	case PatternMassFileAccess:
		return c.checkMassFileAccess(rule, ev, now)
	case PatternKillChain:
		return c.checkKillChain(rule, ev, now)
	default:
		return nil
	}
}

func pidOf(ev event.SecurityEvent) int32 {
	if ev.Process == nil {
		return 0
	}
	return ev.Process.PID
}

func (c *Correlator) checkProcessSequence(rule *Rule, ev event.SecurityEvent, now time.Time) *Correlated {
	expected := rule.Pattern.Sequence
	key := fmt.Sprintf("%s:%d", rule.ID, pidOf(ev))

	c.mu.Lock()
	defer c.mu.Unlock()

	active, ok := c.active[key]
	if !ok {
		if len(expected) > 0 && expected[0].matches(ev) {
			c.active[key] = &activeSequence{matched: []event.SecurityEvent{ev}, startedAt: now, stage: 1}
			if len(expected) == 1 {
				delete(c.active, key)
				return c.finish(rule, []event.SecurityEvent{ev}, now)
			}
		}
		return nil
	}

	if now.Sub(active.startedAt) > rule.Pattern.MaxTimeBetween {
		delete(c.active, key)
		return nil
	}
	if active.stage >= len(expected) || !expected[active.stage].matches(ev) {
		return nil
	}
	active.matched = append(active.matched, ev)
	active.stage++
	active.startedAt = now
	if active.stage >= len(expected) {
		delete(c.active, key)
		return c.finish(rule, active.matched, now)
	}
	return nil
}

func (c *Correlator) checkEventCluster(rule *Rule, ev event.SecurityEvent, now time.Time) *Correlated {
	if !rule.Pattern.ClusterMatcher.matches(ev) {
		return nil
	}
	buf := c.snapshotBuffer()

	var matched []event.SecurityEvent
	for _, be := range buf {
		if now.Sub(be.at) > rule.TimeWindow {
			continue
		}
		if rule.Pattern.ClusterMatcher.matches(be.ev) {
			matched = append(matched, be.ev)
		}
	}
	if len(matched) >= rule.Pattern.MinCount {
		return c.finish(rule, matched, now)
	}
	return nil
}

func (c *Correlator) checkNetworkSweep(rule *Rule, ev event.SecurityEvent, now time.Time) *Correlated {
	if ev.Kind != event.KindNetConnect {
		return nil
	}
	pid := pidOf(ev)
	buf := c.snapshotBuffer()

	targets := make(map[string]struct{})
	var matched []event.SecurityEvent
	for _, be := range buf {
		if now.Sub(be.at) > rule.TimeWindow {
			continue
		}
		if be.ev.Kind != event.KindNetConnect || pidOf(be.ev) != pid {
			continue
		}
		targets[be.ev.RemoteAddr] = struct{}{}
		matched = append(matched, be.ev)
	}
	if len(targets) >= rule.Pattern.MinTargets {
		return c.finish(rule, matched, now)
	}
	return nil
}

func (c *Correlator) checkMassFileAccess(rule *Rule, ev event.SecurityEvent, now time.Time) *Correlated {
	if ev.Kind != event.KindFileAccess {
		return nil
	}
	if !strings.Contains(ev.Path, rule.Pattern.PathPattern) {
		return nil
	}
	buf := c.snapshotBuffer()

	seen := make(map[string]struct{})
	var matched []event.SecurityEvent
	for _, be := range buf {
		if now.Sub(be.at) > rule.TimeWindow {
			continue
		}
		if be.ev.Kind != event.KindFileAccess || !strings.Contains(be.ev.Path, rule.Pattern.PathPattern) {
			continue
		}
		if _, dup := seen[be.ev.Path]; dup {
			continue
		}
		seen[be.ev.Path] = struct{}{}
		matched = append(matched, be.ev)
	}
	if len(seen) >= rule.Pattern.MinFiles {
		return c.finish(rule, matched, now)
	}
	return nil
}

func (c *Correlator) checkKillChain(rule *Rule, ev event.SecurityEvent, now time.Time) *Correlated {
	stages := rule.Pattern.Stages
	key := fmt.Sprintf("%s:%d", rule.ID, pidOf(ev))

	c.mu.Lock()
	defer c.mu.Unlock()

	active, ok := c.active[key]
	if !ok {
		active = &activeSequence{startedAt: now}
		c.active[key] = active
	}
	if now.Sub(active.startedAt) > rule.TimeWindow {
		delete(c.active, key)
		return nil
	}
	if active.stage >= len(stages) {
		return nil
	}

	stage := stages[active.stage]
	if stage.TimeLimit > 0 && now.Sub(active.startedAt) > stage.TimeLimit {
		delete(c.active, key)
		return nil
	}
	for _, m := range stage.Events {
		if m.matches(ev) {
			active.matched = append(active.matched, ev)
			break
		}
	}

	// A stage completes once at least one event matching each of its
	// matchers has been observed since the stage (and thus the chain)
	// started.
	if stageComplete(stage, active.matched) {
		active.stage++
		active.startedAt = now
	}

	if active.stage >= len(stages) {
		delete(c.active, key)
		return c.finish(rule, active.matched, now)
	}
	return nil
}

func stageComplete(stage KillChainStage, matched []event.SecurityEvent) bool {
	for _, m := range stage.Events {
		found := false
		for _, ev := range matched {
			if m.matches(ev) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (c *Correlator) finish(rule *Rule, matched []event.SecurityEvent, now time.Time) *Correlated {
	return &Correlated{
		ID:          uuid.NewString(),
		RuleID:      rule.ID,
		RuleName:    rule.Name,
		Events:      matched,
		DetectedAt:  now,
		Severity:    rule.Severity,
		Description: rule.Description,
	}
}
