package pattern

import "testing"

func TestCommandLinePattern_WordBoundary(t *testing.T) {
	p := &CommandLinePattern{Keywords: []string{"id"}}

	if p.Match(Context{CommandLine: "valid input"}) {
		t.Error("expected no match for 'id' inside 'valid'")
	}
	if !p.Match(Context{CommandLine: "id -u"}) {
		t.Error("expected match for standalone 'id' command")
	}
}

func TestCommandLinePattern_XMRig(t *testing.T) {
	lib := NewLibrary()
	hits := lib.Match(Context{CommandLine: "/usr/bin/xmrig --coin monero --pool stratum+tcp://pool.example:3333"})

	var found bool
	for _, h := range hits {
		if h.ID == "crypto_miner_xmrig" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected crypto_miner_xmrig to match xmrig command line")
	}
}

func TestFileAccessPattern_GlobMatchesRealPaths(t *testing.T) {
	p := &FileAccessPattern{Paths: []string{"/proc/*/mem", "/proc/*/maps"}}
	if !p.Match(Context{Path: "/proc/1234/mem"}) {
		t.Error("expected glob to match a real /proc/<pid>/mem path")
	}
	if !p.Match(Context{Path: "/proc/1/maps"}) {
		t.Error("expected glob to match a real /proc/<pid>/maps path")
	}
	if p.Match(Context{Path: "/proc/1234/mem/extra"}) {
		t.Error("expected glob to be anchored, not matching trailing extra segments")
	}
	if p.Match(Context{Path: "/etc/passwd"}) {
		t.Error("expected no match for unrelated path")
	}
}

func TestFileAccessPattern_TrailingSlashIsPrefixMatch(t *testing.T) {
	p := &FileAccessPattern{Paths: []string{"/etc/cron.d/"}}
	if !p.Match(Context{Path: "/etc/cron.d/custom-job"}) {
		t.Error("expected prefix match under /etc/cron.d/")
	}
	if p.Match(Context{Path: "/etc/cron.daily/custom-job"}) {
		t.Error("expected no match for a sibling directory not under /etc/cron.d/")
	}
}

func TestFileAccessPattern_PlainEntryIsCaseInsensitiveSubstring(t *testing.T) {
	p := &FileAccessPattern{Paths: []string{".bash_history"}}
	if !p.Match(Context{Path: "/home/user/.BASH_HISTORY"}) {
		t.Error("expected case-insensitive substring match")
	}
	if p.Match(Context{Path: "/etc/passwd"}) {
		t.Error("expected no match for unrelated path")
	}
}

func TestCombined_MatchesOnAnyBranch(t *testing.T) {
	c := &Combined{Matchers: []Matcher{
		&CommandLinePattern{Keywords: []string{"sudo -i"}},
		&FileAccessPattern{Paths: []string{"/etc/sudoers"}},
	}}

	if !c.Match(Context{CommandLine: "sudo -i"}) {
		t.Error("expected match via command-line branch")
	}
	if !c.Match(Context{Path: "/etc/sudoers.d/custom"}) {
		t.Error("expected match via file-access branch")
	}
	if c.Match(Context{CommandLine: "ls -la", Path: "/tmp/file"}) {
		t.Error("expected no match when neither branch matches")
	}
}

type fakeChain struct {
	parents map[int32]string
}

func (f *fakeChain) ParentCommandLine(pid int32) (string, bool) {
	cmd, ok := f.parents[pid]
	return cmd, ok
}

func TestProcessChainPattern(t *testing.T) {
	chain := &fakeChain{parents: map[int32]string{42: "/usr/sbin/sshd"}}
	p := &ProcessChainPattern{ParentPattern: "sshd", ChildPattern: "bash -i"}

	ctx := Context{PID: 42, CommandLine: "bash -i", Chain: chain}
	if !p.Match(ctx) {
		t.Error("expected match when parent and child both satisfy their patterns")
	}

	ctx.CommandLine = "ls -la"
	if p.Match(ctx) {
		t.Error("expected no match when child pattern fails")
	}
}

func TestNetworkPattern(t *testing.T) {
	p := &NetworkPattern{Ports: []uint16{4444}, Domains: []string{".evil.example"}}

	if !p.Match(Context{RemotePort: 4444}) {
		t.Error("expected port match")
	}
	if !p.Match(Context{Domain: "c2.evil.example"}) {
		t.Error("expected domain suffix match")
	}
	if p.Match(Context{RemotePort: 80, Domain: "benign.example"}) {
		t.Error("expected no match")
	}
}

func TestLibrary_DisabledPatternIsSkipped(t *testing.T) {
	lib := NewLibrary()
	if !lib.SetEnabled("crypto_miner_xmrig", false) {
		t.Fatal("expected crypto_miner_xmrig to exist in default library")
	}

	hits := lib.Match(Context{CommandLine: "xmrig --pool x"})
	for _, h := range hits {
		if h.ID == "crypto_miner_xmrig" {
			t.Fatal("disabled pattern must not match")
		}
	}
}
