package core

import (
	"context"
	"log/slog"

	"github.com/threatflux/edrcore/internal/agent"
	"github.com/threatflux/edrcore/internal/event"
)

// DashboardQueue is the durable local staging point for events bound for the
// dashboard transport. internal/queue.SQLiteQueue satisfies this directly on
// event.SecurityEvent, so the core never has to downgrade an event to the
// flatter agent.AlertEvent shape just to persist it.
type DashboardQueue interface {
	Enqueue(ctx context.Context, evt event.SecurityEvent) error
}

// WithDashboardForwarding attaches the dashboard's local queue and gRPC
// transport to a Core. Every SecurityEvent published on the bus is
// enqueued verbatim for durability and, separately, converted to an
// agent.AlertEvent and passed to t. Either argument may be nil to disable
// just that leg (e.g. transport-only during an integration test).
func WithDashboardForwarding(q DashboardQueue, t agent.Transport) Option {
	return func(c *Core) {
		c.dashboardQueue = q
		c.dashboardXport = t
	}
}

// forwardToDashboard mirrors se onto the legacy alert pipeline so the
// existing dashboard (gRPC ingestion, Postgres storage, WebSocket broadcast)
// keeps working unmodified against the new sensor-and-decision core. It is a
// best-effort side channel: failures are logged, never fatal to the event
// that triggered them.
func (c *Core) forwardToDashboard(se event.SecurityEvent) {
	if c.dashboardQueue == nil && c.dashboardXport == nil {
		return
	}

	if c.dashboardQueue != nil {
		if err := c.dashboardQueue.Enqueue(context.Background(), se); err != nil {
			c.logger.Warn("dashboard: failed to enqueue security event", slog.Any("error", err))
		}
	}
	if c.dashboardXport != nil {
		if err := c.dashboardXport.Send(context.Background(), toAlertEvent(se)); err != nil {
			c.logger.Warn("dashboard: failed to send security event", slog.Any("error", err))
		}
	}
}

// toAlertEvent maps a SecurityEvent onto the dashboard's generic
// TripwireType/RuleName/Severity/Detail shape, keeping the process, network,
// and pattern/rule context in Detail rather than widening AlertEvent itself.
func toAlertEvent(se event.SecurityEvent) agent.AlertEvent {
	detail := map[string]any{
		"verdict":     se.Verdict.String(),
		"path":        se.Path,
		"remote_addr": se.RemoteAddr,
		"remote_port": se.RemotePort,
		"query_name":  se.QueryName,
		"pattern_id":  se.PatternID,
		"rule_id":     se.RuleID,
	}
	if se.Process != nil {
		detail["pid"] = se.Process.PID
		detail["command_line"] = se.Process.CommandLine()
	}

	ruleName := se.Description
	if ruleName == "" {
		ruleName = string(se.Kind)
	}

	return agent.AlertEvent{
		TripwireType: alertTripwireType(se.Kind),
		RuleName:     ruleName,
		Severity:     alertSeverity(se.Severity),
		Timestamp:    se.Timestamp,
		Detail:       detail,
	}
}

func alertTripwireType(k event.Kind) string {
	switch k {
	case event.KindNetConnect, event.KindDNSQuery:
		return "NETWORK"
	case event.KindFileAccess, event.KindFileOpenExec:
		return "FILE"
	default:
		return "PROCESS"
	}
}

func alertSeverity(s event.Severity) string {
	switch s {
	case event.SeverityCritical, event.SeverityHigh:
		return "CRITICAL"
	case event.SeverityMedium:
		return "WARN"
	default:
		return "INFO"
	}
}
