// Package agent holds the wire-level types shared between the dashboard's
// durable local queue, its gRPC transport client, and internal/core's
// dashboard-forwarding leg: AlertEvent is the flat, generic shape the
// dashboard's gRPC/REST/WebSocket stack was built against, and Transport is
// the interface internal/transport.GRPCClient implements against it.
//
// internal/core.Core never enqueues or sends an AlertEvent of its own
// making — it builds the richer event.SecurityEvent and converts it to
// AlertEvent only at the forwarding boundary (internal/core/dashboard.go),
// so the dashboard's existing ingestion path keeps working unmodified
// against the new sensor-and-decision core.
package agent

import (
	"context"
	"time"
)

// AlertEvent is a generic event emitted toward the dashboard's ingestion
// pipeline (gRPC transport, local queue).
type AlertEvent struct {
	// TripwireType is one of "FILE", "NETWORK", or "PROCESS".
	TripwireType string
	// RuleName is the name of the rule or pattern that triggered this event.
	RuleName string
	// Severity is one of "INFO", "WARN", or "CRITICAL".
	Severity string
	// Timestamp is when the event occurred on the agent host.
	Timestamp time.Time
	// Detail holds type-specific metadata (file path, port, pid, etc.).
	Detail map[string]any
}

// Transport is the interface for the gRPC transport client that streams
// events to the dashboard server. internal/transport.GRPCClient implements
// this; internal/core.Core holds one behind WithDashboardForwarding.
type Transport interface {
	// Start dials the dashboard and begins the bidirectional stream.
	Start(ctx context.Context) error
	// Send forwards an event to the dashboard. It may block if the stream
	// is congested or reconnecting.
	Send(ctx context.Context, evt AlertEvent) error
	// Stop gracefully closes the stream and underlying connection.
	Stop()
}
