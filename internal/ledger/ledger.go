// Package ledger maintains the authoritative process-to-context map consulted
// by every sensor and the Decision Core. It enumerates /proc, resolves socket
// inodes to their owning process, and tracks parent/child relationships.
//
// Usage:
//
//	l := ledger.New(logger)
//	l.Snapshot()
//	go l.Run(ctx.Done(), 5*time.Second) // periodic rescan
//	if p, ok := l.Get(1234); ok {
//	    fmt.Println(p.ExecutablePath)
//	}
package ledger

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Process is a point-in-time record of one observed process.
type Process struct {
	PID            int32
	PPID           int32
	Argv           []string
	ExecutablePath string
	Digest         string // filled lazily by callers that consult the hash cache
	UID            int32
	GID            int32
	StartedAt      time.Time // best-effort; derived from boot time + clock ticks
	SocketInodes   map[uint64]struct{}
}

// CommandLine joins Argv with single spaces, matching the teacher's
// process-watcher cmdline rendering.
func (p *Process) CommandLine() string {
	return strings.Join(p.Argv, " ")
}

// Ledger is the process table. It is safe for concurrent use.
type Ledger struct {
	logger *slog.Logger

	mu        sync.RWMutex
	processes map[int32]*Process

	bootTime time.Time
}

// New creates an empty Ledger. Call Snapshot before the first Get/OwnerOf
// call to populate it from the live kernel process table.
func New(logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		logger:    logger,
		processes: make(map[int32]*Process),
		bootTime:  readBootTime(),
	}
}

// Get returns the tracked process for pid, if any. The returned Process must
// not be mutated by the caller; it is the ledger's own copy.
func (l *Ledger) Get(pid int32) (*Process, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.processes[pid]
	return p, ok
}

// Len returns the number of tracked processes.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.processes)
}

// Snapshot rescans /proc, inserting newly observed pids and removing ones the
// kernel no longer exposes. Parse failures on individual processes are
// logged at debug and otherwise ignored — a process that exits mid-scan is
// not an error.
func (l *Ledger) Snapshot() {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		l.logger.Warn("ledger: cannot read /proc", slog.Any("error", err))
		return
	}

	seen := make(map[int32]struct{}, len(entries))
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || !e.IsDir() {
			continue // not a pid directory
		}
		p, ok := l.readProcess(int32(pid))
		if !ok {
			l.logger.Debug("ledger: process vanished during snapshot", slog.Int("pid", pid))
			continue
		}
		seen[int32(pid)] = struct{}{}

		l.mu.Lock()
		l.processes[int32(pid)] = p
		l.mu.Unlock()
	}

	l.mu.Lock()
	for pid := range l.processes {
		if _, ok := seen[pid]; !ok {
			delete(l.processes, pid)
		}
	}
	l.mu.Unlock()
}

// Refresh re-reads one process's metadata. If the process has exited it is
// removed from the ledger.
func (l *Ledger) Refresh(pid int32) {
	p, ok := l.readProcess(pid)
	l.mu.Lock()
	defer l.mu.Unlock()
	if !ok {
		delete(l.processes, pid)
		return
	}
	l.processes[pid] = p
}

// Run calls Snapshot on a timer until done is closed. It is intended to be
// launched as one of the agent's long-running background goroutines.
func (l *Ledger) Run(done <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	l.Snapshot()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			l.Snapshot()
		}
	}
}

// OwnerOf resolves a socket inode to its owning process by scanning each
// tracked process's open file descriptors for a "socket:[<inode>]" link.
// This is linear in the number of (process, fd) pairs; callers should cache
// results when possible, per the coarse-resolution contract.
func (l *Ledger) OwnerOf(inode uint64) (*Process, bool) {
	want := fmt.Sprintf("socket:[%d]", inode)

	l.mu.RLock()
	pids := make([]int32, 0, len(l.processes))
	for pid := range l.processes {
		pids = append(pids, pid)
	}
	l.mu.RUnlock()

	for _, pid := range pids {
		fdDir := fmt.Sprintf("/proc/%d/fd", pid)
		entries, err := os.ReadDir(fdDir)
		if err != nil {
			continue // process likely exited; not an error
		}
		for _, e := range entries {
			link, err := os.Readlink(fdDir + "/" + e.Name())
			if err != nil {
				continue
			}
			if link == want {
				l.mu.RLock()
				p, ok := l.processes[pid]
				l.mu.RUnlock()
				if ok {
					return p, true
				}
			}
		}
	}
	return nil, false
}

// OwnerPID adapts OwnerOf to the netflow package's OwnerResolver interface,
// returning just the pid rather than the full Process record.
func (l *Ledger) OwnerPID(inode uint64) (int32, bool) {
	p, ok := l.OwnerOf(inode)
	if !ok {
		return 0, false
	}
	return p.PID, true
}

// readProcess parses /proc/<pid>/{stat,cmdline,exe,status} into a Process.
// It returns ok=false if the process cannot be read at all (already exited).
func (l *Ledger) readProcess(pid int32) (*Process, bool) {
	base := fmt.Sprintf("/proc/%d", pid)

	statBytes, err := os.ReadFile(base + "/stat")
	if err != nil {
		return nil, false
	}
	ppid, startTicks, ok := parseStat(string(statBytes))
	if !ok {
		l.logger.Debug("ledger: malformed stat entry", slog.Int("pid", int(pid)))
	}

	p := &Process{
		PID:          pid,
		PPID:         ppid,
		SocketInodes: make(map[uint64]struct{}),
		StartedAt:    l.bootTime.Add(ticksToDuration(startTicks)),
	}

	if exe, err := os.Readlink(base + "/exe"); err == nil {
		p.ExecutablePath = exe
	}

	if cmdline, err := os.ReadFile(base + "/cmdline"); err == nil {
		p.Argv = splitNulArgs(cmdline)
	}

	if uid, gid, ok := parseStatus(base + "/status"); ok {
		p.UID, p.GID = uid, gid
	}

	l.collectSocketInodes(base+"/fd", p)

	return p, true
}

func (l *Ledger) collectSocketInodes(fdDir string, p *Process) {
	entries, err := os.ReadDir(fdDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		link, err := os.Readlink(fdDir + "/" + e.Name())
		if err != nil {
			continue
		}
		var inode uint64
		if n, _ := fmt.Sscanf(link, "socket:[%d]", &inode); n == 1 {
			p.SocketInodes[inode] = struct{}{}
		}
	}
}

// parseStat extracts ppid (field 4) and start-time-in-clock-ticks (field 22)
// from a /proc/<pid>/stat line. The comm field (field 2) is parenthesized and
// may itself contain spaces/parens, so fields are counted from the last ')'.
func parseStat(line string) (ppid int32, startTicks uint64, ok bool) {
	close := strings.LastIndexByte(line, ')')
	if close < 0 {
		return 0, 0, false
	}
	rest := strings.Fields(line[close+1:])
	// rest[0] = state (field 3); ppid is field 4 => rest[1].
	if len(rest) < 20 {
		return 0, 0, false
	}
	p, err1 := strconv.Atoi(rest[1])
	// starttime is field 22 => rest[19] (22-3=19, 0-indexed after state).
	st, err2 := strconv.ParseUint(rest[19], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return int32(p), st, true
}

func parseStatus(path string) (uid, gid int32, ok bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, false
	}
	defer f.Close()

	var gotUID, gotGID bool
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "Uid:"):
			if v, ok := firstField(line); ok {
				uid = v
				gotUID = true
			}
		case strings.HasPrefix(line, "Gid:"):
			if v, ok := firstField(line); ok {
				gid = v
				gotGID = true
			}
		}
		if gotUID && gotGID {
			break
		}
	}
	return uid, gid, gotUID && gotGID
}

func firstField(line string) (int32, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, false
	}
	v, err := strconv.ParseInt(fields[1], 10, 32)
	if err != nil {
		return 0, false
	}
	return int32(v), true
}

func splitNulArgs(b []byte) []string {
	raw := strings.Split(strings.TrimRight(string(b), "\x00"), "\x00")
	args := make([]string, 0, len(raw))
	for _, a := range raw {
		if a != "" {
			args = append(args, a)
		}
	}
	return args
}

// clockTicksPerSec is the kernel's USER_HZ value on every mainstream Linux
// distribution; it is not exposed as a syscall constant so we hardcode the
// universal default, matching sysconf(_SC_CLK_TCK) in practice.
const clockTicksPerSec = 100

func ticksToDuration(ticks uint64) time.Duration {
	return time.Duration(ticks) * time.Second / clockTicksPerSec
}

func readBootTime() time.Time {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return time.Now()
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "btime ") {
			fields := strings.Fields(line)
			if len(fields) == 2 {
				if secs, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
					return time.Unix(secs, 0)
				}
			}
		}
	}
	return time.Now()
}
