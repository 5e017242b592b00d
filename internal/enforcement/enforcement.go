// Package enforcement translates Decision Core verdicts and correlator
// detections into live nftables rules. No Go nftables client library exists
// in the ecosystem this module was built against, so — exactly like the
// original fluxdefense implementation — every rule is emitted as an nft(8)
// ruleset fragment piped through "nft -f -", rather than spoken over
// NETLINK_NETFILTER directly.
package enforcement

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
)

// TableName is the dedicated inet table this agent owns. All managed rules
// live inside it so a full teardown never touches unrelated host firewall
// state.
const TableName = "edrcore"

// Adapter manages the agent's nftables table and the rules inserted into it.
type Adapter struct {
	logger *slog.Logger
	run    func(ctx context.Context, stdin string) (string, error)

	mu        sync.Mutex
	nextRuleID int
	rules      map[int]string // ruleID -> human-readable rule description, reported by Rules
	initialized bool
}

// New creates an Adapter that shells out to the real nft binary. logger may
// be nil.
func New(logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{logger: logger, rules: make(map[int]string)}
	a.run = a.execNft
	return a
}

// Init creates the agent's table and its input/output/forward base chains,
// each with an accept policy. It is idempotent: nft's "add table"/"add
// chain" are themselves idempotent operations.
func (a *Adapter) Init(ctx context.Context) error {
	script := fmt.Sprintf(`
add table inet %[1]s
add chain inet %[1]s input { type filter hook input priority 0; policy accept; }
add chain inet %[1]s output { type filter hook output priority 0; policy accept; }
add chain inet %[1]s forward { type filter hook forward priority 0; policy accept; }
`, TableName)

	if _, err := a.run(ctx, script); err != nil {
		return fmt.Errorf("enforcement: init table: %w", err)
	}

	a.mu.Lock()
	a.initialized = true
	a.mu.Unlock()
	return nil
}

// Teardown deletes the agent's entire table, removing every rule it ever
// inserted in one atomic operation.
func (a *Adapter) Teardown(ctx context.Context) error {
	script := fmt.Sprintf("delete table inet %s\n", TableName)
	if _, err := a.run(ctx, script); err != nil {
		return fmt.Errorf("enforcement: teardown: %w", err)
	}
	a.mu.Lock()
	a.initialized = false
	a.rules = make(map[int]string)
	a.mu.Unlock()
	return nil
}

// BlockIP drops every packet to or from ip in both the input and output
// chains. It returns the rule ID under which Rules lists it. The adapter
// has no per-rule removal; Teardown, which deletes the whole table, is the
// only way to remove the rule.
func (a *Adapter) BlockIP(ctx context.Context, ip string) (int, error) {
	body := fmt.Sprintf("ip daddr %s drop", ip)
	bodyIn := fmt.Sprintf("ip saddr %s drop", ip)
	script := fmt.Sprintf("add rule inet %[1]s output %[2]s\nadd rule inet %[1]s input %[3]s\n",
		TableName, body, bodyIn)
	if _, err := a.run(ctx, script); err != nil {
		return 0, fmt.Errorf("enforcement: block ip %s: %w", ip, err)
	}
	return a.track(fmt.Sprintf("ip %s blocked (in+out)", ip)), nil
}

// BlockPort drops inbound traffic on proto/port (e.g. "tcp", 4444).
func (a *Adapter) BlockPort(ctx context.Context, proto string, port uint16) (int, error) {
	body := fmt.Sprintf("%s dport %d drop", proto, port)
	script := fmt.Sprintf("add rule inet %s input %s\n", TableName, body)
	if _, err := a.run(ctx, script); err != nil {
		return 0, fmt.Errorf("enforcement: block port %s/%d: %w", proto, port, err)
	}
	return a.track(fmt.Sprintf("%s/%d blocked", proto, port)), nil
}

// RateLimitPort applies an nft "limit rate" expression to inbound traffic on
// proto/port, dropping anything above rate/second once burst is exhausted.
func (a *Adapter) RateLimitPort(ctx context.Context, proto string, port uint16, rate, burst uint32) (int, error) {
	body := fmt.Sprintf("%s dport %d limit rate over %d/second burst %d packets drop", proto, port, rate, burst)
	script := fmt.Sprintf("add rule inet %s input %s\n", TableName, body)
	if _, err := a.run(ctx, script); err != nil {
		return 0, fmt.Errorf("enforcement: rate limit %s/%d: %w", proto, port, err)
	}
	return a.track(fmt.Sprintf("%s/%d rate limited to %d/s burst %d", proto, port, rate, burst)), nil
}

// AllowEstablished inserts a ct-state accept rule in both input and output
// chains, typically installed first so return traffic for connections the
// agent itself allowed is never dropped by a later, broader rule.
func (a *Adapter) AllowEstablished(ctx context.Context) (int, error) {
	script := fmt.Sprintf(
		"add rule inet %[1]s input ct state established,related accept\nadd rule inet %[1]s output ct state established,related accept\n",
		TableName)
	if _, err := a.run(ctx, script); err != nil {
		return 0, fmt.Errorf("enforcement: allow established: %w", err)
	}
	return a.track("ct state established,related accepted (in+out)"), nil
}

// LogAndDropInvalid logs (with prefix) and drops packets nftables'
// connection tracker considers invalid.
func (a *Adapter) LogAndDropInvalid(ctx context.Context, prefix string) (int, error) {
	body := fmt.Sprintf(`ct state invalid log prefix "%s" drop`, strings.ReplaceAll(prefix, `"`, `'`))
	script := fmt.Sprintf("add rule inet %s input %s\n", TableName, body)
	if _, err := a.run(ctx, script); err != nil {
		return 0, fmt.Errorf("enforcement: log+drop invalid: %w", err)
	}
	return a.track("invalid connections logged and dropped"), nil
}

func (a *Adapter) track(desc string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextRuleID++
	a.rules[a.nextRuleID] = desc
	return a.nextRuleID
}

// Rules returns a snapshot of ruleID -> description for every rule this
// Adapter instance has installed since the last Teardown.
func (a *Adapter) Rules() map[int]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[int]string, len(a.rules))
	for k, v := range a.rules {
		out[k] = v
	}
	return out
}

// execNft pipes stdin to "nft -f -" and returns combined stdout, or an
// error wrapping stderr on failure.
func (a *Adapter) execNft(ctx context.Context, stdin string) (string, error) {
	cmd := exec.CommandContext(ctx, "nft", "-f", "-")
	cmd.Stdin = strings.NewReader(stdin)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	a.logger.Debug("enforcement: executing nft script", slog.String("script", stdin))

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("nft: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
