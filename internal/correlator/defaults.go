package correlator

import "time"

// DefaultRules returns the built-in correlation rule set, carried over from
// the original event correlation engine's default library.
func DefaultRules() []*Rule {
	return []*Rule{
		{
			ID:          "recon_exploit",
			Name:        "Reconnaissance to Exploitation",
			Description: "Detects reconnaissance followed by exploitation attempts",
			Severity:    "critical",
			Enabled:     true,
			TimeWindow:  900 * time.Second,
			Pattern: Pattern{
				Kind: PatternKillChain,
				Stages: []KillChainStage{
					{
						Name: "reconnaissance",
						Events: []EventMatcher{
							{EventType: EventTypeFileExecution, PathPattern: "nmap"},
							{EventType: EventTypeFileAccess, PathPattern: "/etc/passwd"},
						},
						TimeLimit: 300 * time.Second,
					},
					{
						Name: "exploitation",
						Events: []EventMatcher{
							{EventType: EventTypeNetworkConnection, Network: &NetworkMatcher{Port: 4444, Protocol: "tcp"}},
						},
						TimeLimit: 600 * time.Second,
					},
				},
			},
		},
		{
			ID:          "ransomware_pattern",
			Name:        "Ransomware File Access Pattern",
			Description: "Detects rapid file access patterns typical of ransomware",
			Severity:    "critical",
			Enabled:     true,
			TimeWindow:  60 * time.Second,
			Pattern: Pattern{
				Kind:        PatternMassFileAccess,
				PathPattern: "/home/",
				MinFiles:    100,
			},
		},
		{
			ID:          "port_scan",
			Name:        "Port Scanning Activity",
			Description: "Detects port scanning behavior",
			Severity:    "high",
			Enabled:     true,
			TimeWindow:  30 * time.Second,
			Pattern: Pattern{
				Kind:       PatternNetworkSweep,
				MinTargets: 10,
			},
		},
		{
			ID:          "process_injection",
			Name:        "Process Injection Chain",
			Description: "Detects process injection attempts",
			Severity:    "high",
			Enabled:     true,
			TimeWindow:  60 * time.Second,
			Pattern: Pattern{
				Kind: PatternProcessSequence,
				Sequence: []EventMatcher{
					{EventType: EventTypeFileAccess, PathPattern: "/proc/"},
					{EventType: EventTypeProcessSpawn},
				},
				MaxTimeBetween: 5 * time.Second,
			},
		},
		{
			ID:          "brute_force",
			Name:        "Brute Force Attack",
			Description: "Detects repeated connection attempts against an authentication service",
			Severity:    "high",
			Enabled:     true,
			TimeWindow:  60 * time.Second,
			Pattern: Pattern{
				Kind: PatternEventCluster,
				ClusterMatcher: EventMatcher{
					EventType: EventTypeNetworkConnection,
					Network:   &NetworkMatcher{Port: 22, Protocol: "tcp"},
				},
				MinCount: 10,
			},
		},
	}
}
