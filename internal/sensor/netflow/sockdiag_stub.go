//go:build !linux

package netflow

import "errors"

// ErrNotSupported is returned on non-Linux platforms by the stub
// enumerator's Enumerate and by NewCapture: NETLINK_SOCK_DIAG and AF_PACKET
// are Linux-only kernel facilities.
var ErrNotSupported = errors.New("netflow: not supported on this platform")

type unsupportedEnumerator struct{}

// NewSockDiagEnumerator returns an Enumerator whose Enumerate always fails
// on non-Linux platforms.
func NewSockDiagEnumerator() *unsupportedEnumerator { return &unsupportedEnumerator{} }

func (e *unsupportedEnumerator) Enumerate() ([]Connection, error) {
	return nil, ErrNotSupported
}
