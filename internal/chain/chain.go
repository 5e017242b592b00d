// Package chain tracks process execution lineage as an arena of Chain
// records rather than pointer-aliased trees, so that a child process can
// belong to exactly one arena slot while still being looked up by pid in
// O(1). This sidesteps the shared-mutable-ownership pattern the original
// Rust implementation used Arc<RwLock<>> for.
package chain

import (
	"strings"
	"sync"
	"time"

	"github.com/threatflux/edrcore/internal/event"
)

// NodeEventKind tags one entry in a Node's event history.
type NodeEventKind string

const (
	NodeEventSpawn     NodeEventKind = "spawn"
	NodeEventFileAccess NodeEventKind = "file_access"
	NodeEventNetwork    NodeEventKind = "network"
	NodeEventPrivChange NodeEventKind = "priv_change"
)

// NodeEvent is one observation recorded against a process within a chain.
type NodeEvent struct {
	Kind       NodeEventKind
	At         time.Time
	Path       string
	RemoteIP   string
	RemotePort uint16
	OldUID     int32
	NewUID     int32
}

// Node is one process within a Chain.
type Node struct {
	PID         int32
	PPID        int32
	CommandLine string
	Events      []NodeEvent
}

// Chain is a root process and every descendant observed spawning from it.
type Chain struct {
	RootPID         int32
	Nodes           []*Node
	CreatedAt       time.Time
	SuspicionScore  int
}

// byPID returns the Node for pid within this chain, if present.
func (c *Chain) byPID(pid int32) (*Node, bool) {
	for _, n := range c.Nodes {
		if n.PID == pid {
			return n, true
		}
	}
	return nil, false
}

// Tracker is the Process-Chain Tracker. Chains are stored in a slice arena;
// a map from pid to arena index gives O(1) lookup without requiring any
// node to hold a pointer back into another chain.
type Tracker struct {
	mu      sync.RWMutex
	arena   []*Chain
	index   map[int32]int // pid -> index into arena
	maxAge  time.Duration
	maxSize int
}

// DefaultMaxAge bounds how long a chain is retained after its creation
// before eviction removes it.
const DefaultMaxAge = time.Hour

// DefaultMaxSize bounds the number of chains retained simultaneously.
const DefaultMaxSize = 10000

// NewTracker creates an empty Tracker. maxAge <= 0 selects DefaultMaxAge;
// maxSize <= 0 selects DefaultMaxSize.
func NewTracker(maxAge time.Duration, maxSize int) *Tracker {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Tracker{
		index:   make(map[int32]int),
		maxAge:  maxAge,
		maxSize: maxSize,
	}
}

// StartChain begins tracking a new root process. If rootPID is already
// tracked, StartChain is a no-op.
func (t *Tracker) StartChain(rootPID int32, commandLine string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.index[rootPID]; exists {
		return
	}
	c := &Chain{
		RootPID:   rootPID,
		CreatedAt: time.Now(),
		Nodes:     []*Node{{PID: rootPID, CommandLine: commandLine}},
	}
	t.arena = append(t.arena, c)
	t.index[rootPID] = len(t.arena) - 1
	t.evictLocked()
}

// RecordSpawn adds childPID as a new Node within the same chain as parentPID,
// if parentPID is tracked. If parentPID is not tracked, RecordSpawn starts a
// new chain rooted at childPID instead, treating it as an unobserved root.
func (t *Tracker) RecordSpawn(parentPID, childPID int32, childCommandLine string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.index[parentPID]
	if !ok {
		c := &Chain{
			RootPID:   childPID,
			CreatedAt: time.Now(),
			Nodes:     []*Node{{PID: childPID, PPID: parentPID, CommandLine: childCommandLine}},
		}
		t.arena = append(t.arena, c)
		t.index[childPID] = len(t.arena) - 1
		t.evictLocked()
		return
	}

	c := t.arena[idx]
	c.Nodes = append(c.Nodes, &Node{PID: childPID, PPID: parentPID, CommandLine: childCommandLine})
	t.index[childPID] = idx

	if parent, ok := c.byPID(parentPID); ok {
		parent.Events = append(parent.Events, NodeEvent{Kind: NodeEventSpawn, At: time.Now()})
	}
	t.evictLocked()
}

// RecordEvent appends an observation against pid's node, and bumps the
// chain's suspicion score for network/file events matching known-sensitive
// indicators, mirroring the original's heuristic scoring.
func (t *Tracker) RecordEvent(pid int32, ev NodeEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.index[pid]
	if !ok {
		return
	}
	c := t.arena[idx]
	node, ok := c.byPID(pid)
	if !ok {
		return
	}
	node.Events = append(node.Events, ev)
	c.SuspicionScore += suspicionDelta(ev)
	t.evictLocked()
}

// sensitiveFilePaths are the file paths whose access raises suspicion,
// per spec §4.8.
var sensitiveFilePaths = []string{"/etc/passwd", "/etc/shadow"}

// suspiciousPorts are the remote ports conventionally used by reverse
// shells and C2 listeners, per spec §4.8.
var suspiciousPorts = map[uint16]bool{
	4444: true, 5555: true, 6666: true, 7777: true, 8888: true, 9999: true,
}

// suspicionDelta scores ev against spec §4.8's conditional table: a file
// access only counts if it touches a sensitive path, a network event only
// counts if it targets a known-suspicious port, and a privilege change
// only counts if it is a genuine escalation to uid 0.
func suspicionDelta(ev NodeEvent) int {
	switch ev.Kind {
	case NodeEventFileAccess:
		for _, p := range sensitiveFilePaths {
			if strings.Contains(ev.Path, p) {
				return 10
			}
		}
	case NodeEventNetwork:
		if suspiciousPorts[ev.RemotePort] {
			return 20
		}
	case NodeEventPrivChange:
		if ev.OldUID != 0 && ev.NewUID == 0 {
			return 30
		}
	}
	return 0
}

// ParentCommandLine implements pattern.ChainLookup: it returns the command
// line of pid's parent process within whatever chain pid belongs to.
func (t *Tracker) ParentCommandLine(pid int32) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	idx, ok := t.index[pid]
	if !ok {
		return "", false
	}
	c := t.arena[idx]
	node, ok := c.byPID(pid)
	if !ok {
		return "", false
	}
	parent, ok := c.byPID(node.PPID)
	if !ok {
		return "", false
	}
	return parent.CommandLine, true
}

// Chain returns a copy of the chain containing pid, if tracked.
func (t *Tracker) Chain(pid int32) (*Chain, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, ok := t.index[pid]
	if !ok {
		return nil, false
	}
	return t.arena[idx], true
}

// SuspicionScore returns the suspicion score of the chain containing pid.
func (t *Tracker) SuspicionScore(pid int32) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, ok := t.index[pid]
	if !ok {
		return 0, false
	}
	return t.arena[idx].SuspicionScore, true
}

// Len returns the number of chains currently tracked.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.arena)
}

// evictLocked removes chains older than maxAge and, if the arena still
// exceeds maxSize, the oldest remaining chains by CreatedAt. Eviction is
// keyed purely on chain creation time, not last-activity time — a known
// limitation carried over deliberately rather than "fixed", since a
// long-lived chain that is still active will eventually be evicted and
// re-started as a fresh root on its next observed event.
//
// Must be called with t.mu held for writing.
func (t *Tracker) evictLocked() {
	now := time.Now()
	kept := t.arena[:0]
	for _, c := range t.arena {
		if now.Sub(c.CreatedAt) > t.maxAge {
			for _, n := range c.Nodes {
				delete(t.index, n.PID)
			}
			continue
		}
		kept = append(kept, c)
	}
	t.arena = kept
	t.reindex()

	for len(t.arena) > t.maxSize {
		oldest := 0
		for i, c := range t.arena {
			if c.CreatedAt.Before(t.arena[oldest].CreatedAt) {
				oldest = i
			}
		}
		victim := t.arena[oldest]
		for _, n := range victim.Nodes {
			delete(t.index, n.PID)
		}
		t.arena = append(t.arena[:oldest], t.arena[oldest+1:]...)
		t.reindex()
	}
}

// reindex must be called with t.mu held; it rebuilds the pid->index map
// after a slice compaction shifts every surviving chain's position.
func (t *Tracker) reindex() {
	t.index = make(map[int32]int, len(t.index))
	for i, c := range t.arena {
		for _, n := range c.Nodes {
			t.index[n.PID] = i
		}
	}
}

// FromRaw maps an event.Kind to the NodeEventKind recorded against a chain
// node, returning ok=false for kinds that are not chain-relevant.
func FromRaw(k event.Kind) (NodeEventKind, bool) {
	switch k {
	case event.KindFileAccess, event.KindFileOpenExec:
		return NodeEventFileAccess, true
	case event.KindNetConnect:
		return NodeEventNetwork, true
	case event.KindPrivChange:
		return NodeEventPrivChange, true
	default:
		return "", false
	}
}
