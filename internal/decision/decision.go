// Package decision implements the synchronous verdict pipeline consulted by
// the Filesystem Sensor before it answers a fanotify permission event. The
// pipeline must complete within the deadline carried on the supplied
// context — the fanotify sensor owns that deadline and starts it before
// calling Decide, so a slow hash computation or pattern sweep degrades to a
// fail-open Allow rather than stalling the kernel indefinitely.
package decision

import (
	"context"
	"errors"
	"time"

	"github.com/threatflux/edrcore/internal/event"
	"github.com/threatflux/edrcore/internal/hashcache"
	"github.com/threatflux/edrcore/internal/ledger"
	"github.com/threatflux/edrcore/internal/pattern"
	"github.com/threatflux/edrcore/internal/policy"
)

// DefaultDeadline is the maximum time the Decision Core is allotted to
// answer one fanotify permission event before the kernel's own patience
// runs out.
const DefaultDeadline = 200 * time.Millisecond

// ErrDecisionTimeout is returned when ctx is cancelled before a verdict can
// be reached. Callers on the permission-gate path should treat this as
// fail-open (Allow) rather than blocking the subject process indefinitely.
var ErrDecisionTimeout = errors.New("decision: verdict not reached before deadline")

// Request describes one action awaiting a verdict.
type Request struct {
	PID         int32
	Path        string // executable path being opened/exec'd, if applicable
	CommandLine string
	Chain       pattern.ChainLookup
}

// Result is the Decision Core's answer, along with enough context to build
// a SecurityEvent for auditing.
type Result struct {
	Verdict    event.Verdict
	Severity   event.Severity
	PatternID  string
	Reason     string
	Digest     string
}

// Core wires the Policy Store, Pattern Matcher, and Hash & Metadata Cache
// into the five-step algorithm documented on Decide: passive short-circuit,
// path policy, hash policy, pattern matching, then a mode-dependent default.
type Core struct {
	policy  *policy.Store
	library *pattern.Library
	hashes  *hashcache.Cache
}

// New creates a Core over the given Policy Store, pattern Library, and hash
// Cache. None of the three may be nil.
func New(p *policy.Store, lib *pattern.Library, hashes *hashcache.Cache) *Core {
	return &Core{policy: p, library: lib, hashes: hashes}
}

// Decide evaluates req against the five-step algorithm of spec §4.7:
// (1) Passive mode returns Log unconditionally; (2) the Policy Store's path
// verdict, if any, short-circuits; (3) for exec-carrying requests, the Hash
// Cache's digest is re-consulted against the Policy Store; (4) the Pattern
// Matcher runs, denying on a >=High severity hit only in Enforce mode;
// (5) absent any of the above, Allow in Permissive, Deny otherwise.
//
// Decide respects ctx's deadline throughout: if the deadline expires before
// every step completes, Decide returns a fail-open Allow verdict alongside
// ErrDecisionTimeout so the caller can still log the near-miss.
func (c *Core) Decide(ctx context.Context, req Request) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{Verdict: event.VerdictAllow, Reason: "deadline exceeded before evaluation"}, ErrDecisionTimeout
	default:
	}

	mode := c.policy.Mode()
	if mode == policy.ModePassive {
		return Result{Verdict: event.VerdictLog, Reason: "passive"}, nil
	}

	if req.Path != "" {
		if allow, ok := c.policy.PathVerdict(req.Path); ok {
			if !allow {
				return Result{Verdict: event.VerdictDeny, Severity: event.SeverityHigh, Reason: "path explicitly denied"}, nil
			}
			return Result{Verdict: event.VerdictAllow, Reason: "path explicitly allowed"}, nil
		}
	}

	var digest string
	if req.Path != "" {
		d, err := c.hashes.Digest(ctx, req.Path)
		if err == nil {
			digest = d
		}
		// A hash failure (e.g. file removed between exec and lookup) falls
		// through to pattern evaluation without a digest rather than
		// aborting the whole decision.
	}
	if digest != "" {
		if allow, ok := c.policy.HashVerdict(digest); ok {
			if !allow {
				return Result{Verdict: event.VerdictDeny, Severity: event.SeverityHigh, Reason: "hash explicitly denied", Digest: digest}, nil
			}
			return Result{Verdict: event.VerdictAllow, Reason: "hash explicitly allowed", Digest: digest}, nil
		}
	}

	select {
	case <-ctx.Done():
		return Result{Verdict: event.VerdictAllow, Reason: "deadline exceeded before pattern match", Digest: digest}, ErrDecisionTimeout
	default:
	}

	hits := c.library.Match(pattern.Context{
		PID:         req.PID,
		CommandLine: req.CommandLine,
		Path:        req.Path,
		Chain:       req.Chain,
	})
	if len(hits) == 0 {
		if mode == policy.ModePermissive {
			return Result{Verdict: event.VerdictAllow, Reason: "no policy or pattern match", Digest: digest}, nil
		}
		return Result{Verdict: event.VerdictDeny, Severity: event.SeverityLow, Reason: "no allow decision in enforce mode", Digest: digest}, nil
	}

	worst := hits[0]
	for _, h := range hits[1:] {
		if severityRank(h.Severity) > severityRank(worst.Severity) {
			worst = h
		}
	}

	if severityRank(worst.Severity) >= severityRank(pattern.SeverityHigh) && mode == policy.ModeEnforce {
		return Result{
			Verdict:   event.VerdictDeny,
			Severity:  mapSeverity(worst.Severity),
			PatternID: worst.ID,
			Reason:    "pattern matched: " + worst.Name,
			Digest:    digest,
		}, nil
	}

	return Result{
		Verdict:   event.VerdictLog,
		Severity:  mapSeverity(worst.Severity),
		PatternID: worst.ID,
		Reason:    "pattern matched (logged, not denied): " + worst.Name,
		Digest:    digest,
	}, nil
}

func severityRank(s pattern.Severity) int {
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

func mapSeverity(s pattern.Severity) event.Severity {
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

// BuildSecurityEvent assembles a full event.SecurityEvent from a decided
// Request/Result pair and the subject process's ledger entry, ready for
// publication on the Event Bus.
func BuildSecurityEvent(id string, req Request, res Result, proc *ledger.Process) event.SecurityEvent {
	return event.SecurityEvent{
		ID:          id,
		Kind:        event.KindFileOpenExec,
		Timestamp:   time.Now(),
		Severity:    res.Severity,
		Verdict:     res.Verdict,
		Process:     proc,
		Path:        req.Path,
		PatternID:   res.PatternID,
		Description: res.Reason,
	}
}
