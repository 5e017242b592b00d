// Package event defines the shared vocabulary passed between sensors, the
// Decision Core, the Process-Chain Tracker, the Event Correlator, and the
// Event Bus. It imports only the ledger package (for the Process record), so
// every sensor and engine package can depend on it without an import cycle.
package event

import (
	"time"

	"github.com/threatflux/edrcore/internal/ledger"
)

// Kind identifies the category of a RawEvent emitted by a sensor.
type Kind string

const (
	KindProcessExec Kind = "process_exec"
	KindProcessExit Kind = "process_exit"
	KindFileAccess  Kind = "file_access"
	KindFileOpenExec Kind = "file_open_exec" // fanotify permission event
	KindNetConnect  Kind = "net_connect"
	KindDNSQuery    Kind = "dns_query"
	KindPrivChange  Kind = "privilege_change"
	// KindCorrelated tags a SecurityEvent synthesized by the Event
	// Correlator from a completed rule match, republished on the bus
	// alongside the raw events that triggered it.
	KindCorrelated Kind = "correlated"
)

// Verdict is the Decision Core's outcome for a gated action.
type Verdict int

const (
	// VerdictAllow permits the action to proceed unmodified.
	VerdictAllow Verdict = iota
	// VerdictDeny blocks the action outright.
	VerdictDeny
	// VerdictLog permits the action but records a SecurityEvent for it.
	VerdictLog
)

func (v Verdict) String() string {
	switch v {
	case VerdictAllow:
		return "allow"
	case VerdictDeny:
		return "deny"
	case VerdictLog:
		return "log"
	default:
		return "unknown"
	}
}

// Severity ranks a SecurityEvent's importance, mirroring the five-level scale
// used throughout the original pattern and correlation rule libraries.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// RawEvent is the normalized shape every sensor emits onto its output
// channel, regardless of which syscall or netlink family produced it. Only
// the fields relevant to Kind are populated; the rest are left at zero
// value, matching the permissiveness of the original tagged-union design
// without requiring a Go sum type.
type RawEvent struct {
	Kind      Kind
	Timestamp time.Time

	// Process identifies the subject process. Populated for every Kind.
	PID  int32
	PPID int32

	// Filesystem fields. Populated for KindFileAccess/KindFileOpenExec.
	Path string

	// Permission-gate fields. Populated for KindFileOpenExec only; Respond
	// must be called exactly once by the Decision Core (or whatever consumes
	// this event) to unblock the kernel.
	Respond func(allow bool) error

	// Network fields. Populated for KindNetConnect.
	LocalAddr  string
	RemoteAddr string
	RemotePort uint16
	Protocol   string // "tcp" or "udp"

	// DNS fields. Populated for KindDNSQuery.
	QueryName string

	// Privilege-change fields. Populated for KindPrivChange.
	OldUID int32
	NewUID int32
}

// SecurityEvent is a decided, enriched event suitable for correlation,
// auditing, and dashboard delivery. Unlike RawEvent it always carries the
// full process context resolved from the ledger.
type SecurityEvent struct {
	ID        string
	Kind      Kind
	Timestamp time.Time
	Severity  Severity
	Verdict   Verdict

	Process *ledger.Process

	Path       string
	RemoteAddr string
	RemotePort uint16
	QueryName  string

	// RuleID/PatternID identify what produced this event, when applicable.
	PatternID string
	RuleID    string

	Description string
}
