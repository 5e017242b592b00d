package pattern

// DefaultPatterns returns the built-in behavior pattern library. The
// keyword lists and thresholds are carried over verbatim from the original
// fluxdefense signature set.
func DefaultPatterns() []*Pattern {
	return []*Pattern{
		{
			ID:          "crypto_miner_xmrig",
			Name:        "XMRig Cryptocurrency Miner",
			Description: "Detects XMRig and similar cryptocurrency miners",
			Category:    CategoryCryptoMiner,
			Severity:    SeverityHigh,
			Enabled:     true,
			Logic: &CommandLinePattern{Keywords: []string{
				"xmrig", "minerd", "ethminer", "cpuminer",
				"--coin", "--pool", "stratum+tcp://", "stratum+ssl://",
				"--donate-level", "--nicehash",
			}},
		},
		{
			ID:          "reverse_shell_bash",
			Name:        "Bash Reverse Shell",
			Description: "Detects common bash reverse shell patterns",
			Category:    CategoryReverseShell,
			Severity:    SeverityCritical,
			Enabled:     true,
			Logic: &CommandLinePattern{Keywords: []string{
				"bash -i", "/dev/tcp/", "nc -e", "nc.traditional -e", "ncat -e",
				"0<&196", "0<&1", "1>&0", "2>&0", "exec 196<>", "sh -i",
			}},
		},
		{
			ID:          "reverse_shell_python",
			Name:        "Python Reverse Shell",
			Description: "Detects Python-based reverse shells",
			Category:    CategoryReverseShell,
			Severity:    SeverityCritical,
			Enabled:     true,
			Logic: &CommandLinePattern{Keywords: []string{
				"python -c", "python3 -c", "socket.socket",
				"subprocess.call", "os.dup2", "pty.spawn",
			}},
		},
		{
			ID:          "priv_esc_sudo",
			Name:        "Sudo Privilege Escalation",
			Description: "Detects potential sudo abuse for privilege escalation",
			Category:    CategoryPrivilegeEscalation,
			Severity:    SeverityHigh,
			Enabled:     true,
			Logic: &Combined{Matchers: []Matcher{
				&CommandLinePattern{Keywords: []string{
					"sudo -l", "sudo -i", "sudo su", "sudo bash", "sudo sh",
					"!root", "ALL=(ALL)",
				}},
				&FileAccessPattern{Paths: []string{
					"/etc/sudoers", "/etc/sudoers.d/",
				}},
			}},
		},
		{
			ID:          "priv_esc_suid",
			Name:        "SUID Binary Exploitation",
			Description: "Detects attempts to find and exploit SUID binaries",
			Category:    CategoryPrivilegeEscalation,
			Severity:    SeverityHigh,
			Enabled:     true,
			Logic: &CommandLinePattern{Keywords: []string{
				"find / -perm -4000", "find / -perm -u=s", "find / -perm /4000",
				"-perm +4000", "gtfobins",
			}},
		},
		{
			ID:          "mem_injection_ptrace",
			Name:        "Process Memory Injection via ptrace",
			Description: "Detects process injection using ptrace",
			Category:    CategoryMemoryInjection,
			Severity:    SeverityCritical,
			Enabled:     true,
			Logic: &FileAccessPattern{Paths: []string{
				"/proc/*/mem", "/proc/*/maps", "/proc/*/environ",
			}},
		},
		{
			ID:          "data_exfil_compression",
			Name:        "Data Compression for Exfiltration",
			Description: "Detects large-scale data compression that might indicate exfiltration",
			Category:    CategoryDataExfiltration,
			Severity:    SeverityMedium,
			Enabled:     true,
			Logic: &CommandLinePattern{Keywords: []string{
				"tar -czf", "tar -cjf", "zip -r", "7z a", "rar a",
				"/home/", "/etc/", "/var/",
			}},
		},
		{
			ID:          "persistence_cron",
			Name:        "Cron-based Persistence",
			Description: "Detects attempts to establish persistence via cron",
			Category:    CategoryPersistence,
			Severity:    SeverityHigh,
			Enabled:     true,
			Logic: &FileAccessPattern{Paths: []string{
				"/etc/crontab", "/etc/cron.d/", "/var/spool/cron/",
				"/etc/cron.hourly/", "/etc/cron.daily/",
			}},
		},
		{
			ID:          "persistence_systemd",
			Name:        "Systemd Service Persistence",
			Description: "Detects creation of systemd services for persistence",
			Category:    CategoryPersistence,
			Severity:    SeverityHigh,
			Enabled:     true,
			Logic: &FileAccessPattern{Paths: []string{
				"/etc/systemd/system/", "/lib/systemd/system/",
				"/usr/lib/systemd/system/", ".service",
			}},
		},
		{
			ID:          "evasion_history",
			Name:        "Command History Evasion",
			Description: "Detects attempts to hide command history",
			Category:    CategoryEvasion,
			Severity:    SeverityMedium,
			Enabled:     true,
			Logic: &Combined{Matchers: []Matcher{
				&CommandLinePattern{Keywords: []string{
					"unset HISTFILE", "export HISTFILESIZE=0", "history -c",
					"rm ~/.bash_history", "> ~/.bash_history",
				}},
				&FileAccessPattern{Paths: []string{
					".bash_history", ".zsh_history",
				}},
			}},
		},
		{
			ID:          "recon_network_scan",
			Name:        "Network Reconnaissance",
			Description: "Detects network scanning and enumeration",
			Category:    CategoryReconnaissance,
			Severity:    SeverityMedium,
			Enabled:     true,
			Logic: &CommandLinePattern{Keywords: []string{
				"nmap", "masscan", "zmap", "nc -zv", "ping -c",
				"/24", "-sS", "-sV", "-Pn",
			}},
		},
		{
			ID:          "recon_system_enum",
			Name:        "System Enumeration",
			Description: "Detects system information gathering",
			Category:    CategoryReconnaissance,
			Severity:    SeverityLow,
			Enabled:     true,
			Logic: &CommandLinePattern{Keywords: []string{
				"uname -a", "id", "whoami", "cat /etc/passwd", "cat /etc/shadow",
				"getent passwd", "ls -la /home",
			}},
		},
	}
}
