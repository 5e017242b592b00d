// Package pattern implements the behavioral signature library consulted by
// the Decision Core for every exec and file-access event. Detection logic is
// modeled as a small Matcher interface rather than a tagged union, so a
// Combined pattern is just a slice of Matchers evaluated with OR semantics —
// the Go idiom for what the original expressed as a recursive enum.
package pattern

import (
	"regexp"
	"strings"
	"sync"
	"time"
)

// Category classifies a Pattern's intent, matching the original taxonomy.
type Category string

const (
	CategoryCryptoMiner         Category = "crypto_miner"
	CategoryReverseShell        Category = "reverse_shell"
	CategoryPrivilegeEscalation Category = "privilege_escalation"
	CategoryMemoryInjection     Category = "memory_injection"
	CategoryDataExfiltration    Category = "data_exfiltration"
	CategoryPersistence         Category = "persistence"
	CategoryEvasion             Category = "evasion"
	CategoryReconnaissance      Category = "reconnaissance"
	CategoryLateralMovement     Category = "lateral_movement"
	CategoryResourceAbuse       Category = "resource_abuse"
)

// Severity ranks how dangerous a confirmed match is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Context carries everything a Matcher needs to evaluate one candidate
// event. Only the fields relevant to the concrete event are populated.
type Context struct {
	PID         int32
	PPID        int32
	CommandLine string
	Path        string // file accessed, for file-access/exec events

	RemoteIP   string
	RemotePort uint16
	Domain     string

	CPUPercent    float64
	MemoryBytes   uint64
	ResourceSince time.Time

	Chain ChainLookup
}

// ChainLookup decouples ProcessChainPattern from the concrete chain tracker
// implementation, mirroring the local Store/Broadcaster interface pattern
// used elsewhere in this codebase, so pattern does not import chain
// (pattern needs only chain lineage, which *chain.Tracker supplies).
type ChainLookup interface {
	// ParentCommandLine returns the command line of pid's parent process, if
	// known.
	ParentCommandLine(pid int32) (string, bool)
}

// Matcher evaluates one piece of detection logic against a Context.
type Matcher interface {
	Match(ctx Context) bool
}

// CommandLinePattern matches if any keyword appears in ctx.CommandLine,
// ctx.Path, or the process name taken from ctx.Path, bounded by non-alphanumeric characters or the string edges so that, e.g.,
// "id" does not match inside "valid".
type CommandLinePattern struct {
	Keywords []string

	mu     sync.Mutex
	cached []*regexp.Regexp // lazily compiled, parallel to Keywords
}

func (p *CommandLinePattern) Match(ctx Context) bool {
	res := p.compiled()
	for _, re := range res {
		if re.MatchString(ctx.CommandLine) || re.MatchString(ctx.Path) || re.MatchString(processName(ctx.Path)) {
			return true
		}
	}
	return false
}

// processName returns the final path element of path, or "" if path is
// empty — used so a keyword like "xmrig" matches an exec of
// "/usr/bin/xmrig" even when the caller has no argv to join into
// CommandLine (e.g. a bare fanotify open event).
func processName(path string) string {
	if path == "" {
		return ""
	}
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

func (p *CommandLinePattern) compiled() []*regexp.Regexp {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached != nil {
		return p.cached
	}
	p.cached = make([]*regexp.Regexp, 0, len(p.Keywords))
	for _, kw := range p.Keywords {
		re, err := regexp.Compile(`(?i)(?:^|[^a-zA-Z0-9])` + regexp.QuoteMeta(kw) + `(?:[^a-zA-Z0-9]|$)`)
		if err != nil {
			continue
		}
		p.cached = append(p.cached, re)
	}
	return p.cached
}

// FileAccessPattern matches ctx.Path against each of Paths using one of
// three rules, chosen per entry: a trailing "/" means prefix match (e.g.
// "/etc/" matches anything under /etc), a "*" anywhere in the entry is
// compiled into an anchored glob regex (e.g. "/proc/*/mem" matches
// "/proc/1234/mem" but not "/proc/1234/mem/extra"), and anything else is a
// case-insensitive substring match.
type FileAccessPattern struct {
	Paths []string

	mu     sync.Mutex
	cached []fileMatcher // lazily compiled, parallel to Paths
}

// fileMatcher is one compiled path rule.
type fileMatcher func(path string) bool

func (p *FileAccessPattern) Match(ctx Context) bool {
	if ctx.Path == "" {
		return false
	}
	for _, m := range p.compiled() {
		if m(ctx.Path) {
			return true
		}
	}
	return false
}

func (p *FileAccessPattern) compiled() []fileMatcher {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached != nil {
		return p.cached
	}
	p.cached = make([]fileMatcher, 0, len(p.Paths))
	for _, want := range p.Paths {
		p.cached = append(p.cached, compileFileMatcher(want))
	}
	return p.cached
}

// compileFileMatcher turns one configured path entry into a fileMatcher per
// FileAccessPattern's doc comment.
func compileFileMatcher(want string) fileMatcher {
	switch {
	case strings.HasSuffix(want, "/"):
		prefix := want
		return func(path string) bool { return strings.HasPrefix(path, prefix) }
	case strings.Contains(want, "*"):
		re := globToRegexp(want)
		return func(path string) bool { return re.MatchString(path) }
	default:
		lower := strings.ToLower(want)
		return func(path string) bool { return strings.Contains(strings.ToLower(path), lower) }
	}
}

// globToRegexp compiles a "*"-wildcard glob into an anchored regular
// expression; every non-"*" segment is escaped literally so characters like
// "." in a path do not accidentally match anything.
func globToRegexp(glob string) *regexp.Regexp {
	segments := strings.Split(glob, "*")
	quoted := make([]string, len(segments))
	for i, seg := range segments {
		quoted[i] = regexp.QuoteMeta(seg)
	}
	return regexp.MustCompile("^" + strings.Join(quoted, ".*") + "$")
}

// NetworkPattern matches on remote port, remote IP, or DNS domain suffix.
type NetworkPattern struct {
	Ports   []uint16
	IPs     []string
	Domains []string
}

func (p *NetworkPattern) Match(ctx Context) bool {
	for _, port := range p.Ports {
		if ctx.RemotePort != 0 && port == ctx.RemotePort {
			return true
		}
	}
	for _, ip := range p.IPs {
		if ctx.RemoteIP != "" && ip == ctx.RemoteIP {
			return true
		}
	}
	for _, dom := range p.Domains {
		if ctx.Domain != "" && strings.HasSuffix(ctx.Domain, dom) {
			return true
		}
	}
	return false
}

// ProcessChainPattern matches if the current process's command line matches
// childPattern and its parent's (resolved via ctx.Chain) matches
// parentPattern. Both patterns are treated as case-insensitive substrings.
type ProcessChainPattern struct {
	ParentPattern string
	ChildPattern  string
}

func (p *ProcessChainPattern) Match(ctx Context) bool {
	if ctx.Chain == nil {
		return false
	}
	if !strings.Contains(strings.ToLower(ctx.CommandLine), strings.ToLower(p.ChildPattern)) {
		return false
	}
	parentCmd, ok := ctx.Chain.ParentCommandLine(ctx.PID)
	if !ok {
		return false
	}
	return strings.Contains(strings.ToLower(parentCmd), strings.ToLower(p.ParentPattern))
}

// ResourceUsagePattern matches if the process has sustained CPU or memory
// usage above threshold for at least Duration. The Decision Core is
// synchronous and does not sample resource usage itself, so this matcher
// trusts whatever ctx.CPUPercent/MemoryBytes/ResourceSince the caller
// supplies (typically populated by a periodic sampler feeding the ledger).
type ResourceUsagePattern struct {
	CPUThreshold    float64
	MemoryThreshold uint64
	Duration        time.Duration
}

func (p *ResourceUsagePattern) Match(ctx Context) bool {
	if ctx.ResourceSince.IsZero() {
		return false
	}
	sustained := time.Since(ctx.ResourceSince) >= p.Duration
	if !sustained {
		return false
	}
	return ctx.CPUPercent >= p.CPUThreshold || ctx.MemoryBytes >= p.MemoryThreshold
}

// Combined matches if any of its constituent Matchers match (logical OR),
// the same semantics the original's Combined(Vec<DetectionLogic>) variant
// used for its PrivilegeEscalation and Evasion patterns.
type Combined struct {
	Matchers []Matcher
}

func (c *Combined) Match(ctx Context) bool {
	for _, m := range c.Matchers {
		if m.Match(ctx) {
			return true
		}
	}
	return false
}

// Pattern is one named behavioral signature.
type Pattern struct {
	ID          string
	Name        string
	Description string
	Category    Category
	Severity    Severity
	Enabled     bool
	Logic       Matcher
}

// Library holds the active set of Patterns and evaluates a Context against
// all enabled ones.
type Library struct {
	mu       sync.RWMutex
	patterns []*Pattern
}

// NewLibrary creates a Library pre-populated with DefaultPatterns.
func NewLibrary() *Library {
	return &Library{patterns: DefaultPatterns()}
}

// Add appends p to the library.
func (l *Library) Add(p *Pattern) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.patterns = append(l.patterns, p)
}

// SetEnabled toggles a pattern by ID. Reports whether the ID was found.
func (l *Library) SetEnabled(id string, enabled bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range l.patterns {
		if p.ID == id {
			p.Enabled = enabled
			return true
		}
	}
	return false
}

// Match evaluates ctx against every enabled pattern and returns all matches,
// in library order.
func (l *Library) Match(ctx Context) []*Pattern {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var hits []*Pattern
	for _, p := range l.patterns {
		if !p.Enabled {
			continue
		}
		if p.Logic.Match(ctx) {
			hits = append(hits, p)
		}
	}
	return hits
}

// Len returns the number of patterns currently loaded, enabled or not.
func (l *Library) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.patterns)
}
