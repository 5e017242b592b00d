// Package policy holds the eight allow/deny sets consulted by the Decision
// Core and the agent's enforcement mode. It mirrors the teacher's config
// validation style (explicit Validate methods returning errors.Join) while
// adding runtime mutability, since policy must be editable without an agent
// restart.
package policy

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// Mode controls how the Decision Core's evaluation result is allowed to
// affect the subject action — the three-value enforcement mode of spec §3.
type Mode int32

const (
	// ModePassive returns Log unconditionally; the Decision Core never
	// consults the Policy Store or Pattern Matcher and never emits Deny.
	ModePassive Mode = iota
	// ModePermissive evaluates policy and patterns as normal but defaults to
	// Allow when nothing decides, and never escalates a pattern match past
	// Log.
	ModePermissive
	// ModeEnforce evaluates policy and patterns and defaults to Deny when
	// nothing decides; a high-or-above severity pattern match is denied.
	ModeEnforce
)

func (m Mode) String() string {
	switch m {
	case ModePassive:
		return "passive"
	case ModePermissive:
		return "permissive"
	default:
		return "enforce"
	}
}

// ParseMode converts a config/CLI string into a Mode. Accepts the literal
// spec names plus "monitor" as an alias for "permissive" (the name used
// before this Store grew a true three-value mode).
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "passive":
		return ModePassive, nil
	case "permissive", "monitor":
		return ModePermissive, nil
	case "enforce", "enforcing":
		return ModeEnforce, nil
	default:
		return ModeEnforce, fmt.Errorf("policy: unknown mode %q", s)
	}
}

// ErrPolicyConflict is returned when a hash or path is added to both an
// allow set and its corresponding deny set.
var ErrPolicyConflict = errors.New("policy: entry present in both allow and deny sets")

// Store holds eight sets: allowed/denied executable hashes, allowed/denied
// paths, allowed/denied network destinations (host:port or CIDR
// strings, compared as exact strings — CIDR matching is left to the
// caller), and allowed/denied remote ports.
type Store struct {
	mu sync.RWMutex

	allowedHashes map[string]struct{}
	deniedHashes  map[string]struct{}
	allowedPaths  map[string]struct{}
	deniedPaths   map[string]struct{}
	allowedNet    map[string]struct{}
	deniedNet     map[string]struct{}
	allowedPorts  map[int]struct{}
	deniedPorts   map[int]struct{}

	mode atomic.Int32
}

// NewStore creates an empty Store in ModeEnforce.
func NewStore() *Store {
	s := &Store{
		allowedHashes: make(map[string]struct{}),
		deniedHashes:  make(map[string]struct{}),
		allowedPaths:  make(map[string]struct{}),
		deniedPaths:   make(map[string]struct{}),
		allowedNet:    make(map[string]struct{}),
		deniedNet:     make(map[string]struct{}),
		allowedPorts:  make(map[int]struct{}),
		deniedPorts:   make(map[int]struct{}),
	}
	s.mode.Store(int32(ModeEnforce))
	return s
}

// Mode returns the current enforcement mode.
func (s *Store) Mode() Mode {
	return Mode(s.mode.Load())
}

// SetMode switches among passive, permissive and enforce mode. Safe to call
// concurrently with any lookup.
func (s *Store) SetMode(m Mode) {
	s.mode.Store(int32(m))
}

// AllowHash adds digest to the allow set. Returns ErrPolicyConflict if digest
// is already denied.
func (s *Store) AllowHash(digest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, denied := s.deniedHashes[digest]; denied {
		return fmt.Errorf("%w: hash %s", ErrPolicyConflict, digest)
	}
	s.allowedHashes[digest] = struct{}{}
	return nil
}

// DenyHash adds digest to the deny set. Returns ErrPolicyConflict if digest
// is already allowed.
func (s *Store) DenyHash(digest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, allowed := s.allowedHashes[digest]; allowed {
		return fmt.Errorf("%w: hash %s", ErrPolicyConflict, digest)
	}
	s.deniedHashes[digest] = struct{}{}
	return nil
}

// HashVerdict reports whether digest is explicitly allowed, explicitly
// denied, or neither (ok=false).
func (s *Store) HashVerdict(digest string) (allow, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, denied := s.deniedHashes[digest]; denied {
		return false, true
	}
	if _, allowed := s.allowedHashes[digest]; allowed {
		return true, true
	}
	return false, false
}

// AllowPath adds path to the allow set. Returns ErrPolicyConflict if path is
// already denied.
func (s *Store) AllowPath(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, denied := s.deniedPaths[path]; denied {
		return fmt.Errorf("%w: path %s", ErrPolicyConflict, path)
	}
	s.allowedPaths[path] = struct{}{}
	return nil
}

// DenyPath adds path to the deny set. Returns ErrPolicyConflict if path is
// already allowed.
func (s *Store) DenyPath(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, allowed := s.allowedPaths[path]; allowed {
		return fmt.Errorf("%w: path %s", ErrPolicyConflict, path)
	}
	s.deniedPaths[path] = struct{}{}
	return nil
}

// PathVerdict reports whether path starts with a denied or allowed prefix,
// or neither. Per spec §4.6, matching is starts-with against every entry in
// both sets — an exact-path entry is simply a prefix that happens to be the
// whole path — and the deny set is consulted first so deny wins on overlap.
func (s *Store) PathVerdict(path string) (allow, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for prefix := range s.deniedPaths {
		if strings.HasPrefix(path, prefix) {
			return false, true
		}
	}
	for prefix := range s.allowedPaths {
		if strings.HasPrefix(path, prefix) {
			return true, true
		}
	}
	return false, false
}

// AllowNetwork adds a destination (host:port string) to the allow set.
// Returns ErrPolicyConflict if it is already denied.
func (s *Store) AllowNetwork(dest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, denied := s.deniedNet[dest]; denied {
		return fmt.Errorf("%w: network destination %s", ErrPolicyConflict, dest)
	}
	s.allowedNet[dest] = struct{}{}
	return nil
}

// DenyNetwork adds a destination to the deny set. Returns ErrPolicyConflict
// if it is already allowed.
func (s *Store) DenyNetwork(dest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, allowed := s.allowedNet[dest]; allowed {
		return fmt.Errorf("%w: network destination %s", ErrPolicyConflict, dest)
	}
	s.deniedNet[dest] = struct{}{}
	return nil
}

// NetworkVerdict reports whether dest is explicitly allowed, explicitly
// denied, or neither.
func (s *Store) NetworkVerdict(dest string) (allow, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, denied := s.deniedNet[dest]; denied {
		return false, true
	}
	if _, allowed := s.allowedNet[dest]; allowed {
		return true, true
	}
	return false, false
}

// AllowPort adds port to the allow set. Returns ErrPolicyConflict if port is
// already denied.
func (s *Store) AllowPort(port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, denied := s.deniedPorts[port]; denied {
		return fmt.Errorf("%w: port %d", ErrPolicyConflict, port)
	}
	s.allowedPorts[port] = struct{}{}
	return nil
}

// DenyPort adds port to the deny set. Returns ErrPolicyConflict if port is
// already allowed.
func (s *Store) DenyPort(port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, allowed := s.allowedPorts[port]; allowed {
		return fmt.Errorf("%w: port %d", ErrPolicyConflict, port)
	}
	s.deniedPorts[port] = struct{}{}
	return nil
}

// PortVerdict reports whether port is explicitly allowed, explicitly
// denied, or neither.
func (s *Store) PortVerdict(port int) (allow, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, denied := s.deniedPorts[port]; denied {
		return false, true
	}
	if _, allowed := s.allowedPorts[port]; allowed {
		return true, true
	}
	return false, false
}

// Counts returns the size of each allow/deny set, in the fixed order
// allowedHashes, deniedHashes, allowedPaths, deniedPaths, allowedNet,
// deniedNet, allowedPorts, deniedPorts. Intended for health/status
// reporting.
func (s *Store) Counts() [8]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return [8]int{
		len(s.allowedHashes), len(s.deniedHashes),
		len(s.allowedPaths), len(s.deniedPaths),
		len(s.allowedNet), len(s.deniedNet),
		len(s.allowedPorts), len(s.deniedPorts),
	}
}
