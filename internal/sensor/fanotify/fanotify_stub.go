//go:build !linux

package fanotify

import (
	"log/slog"
	"time"
)

// New always fails on non-Linux platforms: fanotify is a Linux-only kernel
// facility.
func New(logger *slog.Logger, decider Decider, deadline time.Duration) (Sensor, error) {
	return nil, ErrNotSupported
}
