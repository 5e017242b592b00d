//go:build !linux

package netflow

import (
	"log/slog"

	"github.com/threatflux/edrcore/internal/event"
)

// Capture is unavailable on non-Linux platforms: AF_PACKET is Linux-only.
type Capture struct {
	events chan event.RawEvent
}

// NewCapture always fails on non-Linux platforms.
func NewCapture(logger *slog.Logger, iface string) (*Capture, error) {
	return nil, ErrNotSupported
}

func (c *Capture) Events() <-chan event.RawEvent { return c.events }
func (c *Capture) Start()                        {}
func (c *Capture) Stop()                         {}
