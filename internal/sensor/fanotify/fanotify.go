// Package fanotify implements the Filesystem Sensor: a synchronous
// permission gate over every executable file open on the host, backed by
// the Linux fanotify(7) API in FAN_CLASS_PRE_CONTENT mode. Non-Linux builds
// get a stub returning ErrNotSupported, matching the teacher's
// ebpf/process.go + process_stub.go split.
package fanotify

import (
	"context"
	"errors"

	"github.com/threatflux/edrcore/internal/event"
)

// ErrNotSupported is returned by New on platforms without fanotify.
var ErrNotSupported = errors.New("fanotify: not supported on this platform")

// Decider evaluates a gated file-open/exec request and returns whether it
// should be allowed. The Filesystem Sensor calls Decide synchronously,
// inside the permission-event handler, supplying ctx with the sensor's own
// deadline — Decide must respect ctx and fail open (return true) if it
// cannot finish before the deadline.
type Decider interface {
	Decide(ctx context.Context, pid int32, path string) (allow bool, auditKind event.Kind, reason string)
}

// Sensor is the platform-independent surface of the Filesystem Sensor. The
// linux build provides the real fanotify-backed implementation; the stub
// build's New always returns ErrNotSupported.
type Sensor interface {
	// Start begins monitoring in a background goroutine and returns
	// immediately.
	Start(ctx context.Context) error
	// Stop halts monitoring and blocks until the background goroutine has
	// exited and all resources are released.
	Stop()
	// Events returns a channel of non-permission file-open events for
	// audit/correlation purposes. Permission decisions are not
	// delivered here; they are resolved synchronously via Decider.
	Events() <-chan event.RawEvent
}
