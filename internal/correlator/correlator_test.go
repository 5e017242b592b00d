package correlator

import (
	"testing"
	"time"

	"github.com/threatflux/edrcore/internal/event"
	"github.com/threatflux/edrcore/internal/ledger"
)

func procEvent(kind event.Kind, pid int32) event.SecurityEvent {
	return event.SecurityEvent{Kind: kind, Timestamp: time.Now(), Process: &ledger.Process{PID: pid}}
}

func TestEventCluster_FiresAtMinCount(t *testing.T) {
	c := New()
	c.rules = []*Rule{{
		ID: "test_cluster", Name: "test", Enabled: true, TimeWindow: time.Minute,
		Pattern: Pattern{Kind: PatternEventCluster, MinCount: 3, ClusterMatcher: EventMatcher{
			EventType: EventTypeNetworkConnection, Network: &NetworkMatcher{Port: 22},
		}},
	}}
	c.limiter = NewRateLimiter(RateLimiterConfig{DefaultRate: 1000, DefaultBurst: 1000})

	var last *Correlated
	for i := 0; i < 3; i++ {
		ev := procEvent(event.KindNetConnect, 1)
		ev.RemotePort = 22
		last = c.Process(ev)
	}
	if last == nil {
		t.Fatal("expected correlation to fire on the 3rd matching event")
	}
	if last.RuleID != "test_cluster" {
		t.Errorf("expected rule id test_cluster, got %q", last.RuleID)
	}
}

func TestMassFileAccess_FiresAtMinFiles(t *testing.T) {
	c := New()
	c.rules = []*Rule{{
		ID: "test_mfa", Name: "test", Enabled: true, TimeWindow: time.Minute,
		Pattern: Pattern{Kind: PatternMassFileAccess, PathPattern: "/home/", MinFiles: 2},
	}}
	c.limiter = NewRateLimiter(RateLimiterConfig{DefaultRate: 1000, DefaultBurst: 1000})

	ev1 := procEvent(event.KindFileAccess, 1)
	ev1.Path = "/home/user/a.txt"
	c.Process(ev1)

	ev2 := procEvent(event.KindFileAccess, 1)
	ev2.Path = "/home/user/b.txt"
	corr := c.Process(ev2)

	if corr == nil {
		t.Fatal("expected correlation to fire after 2 distinct files under /home/")
	}
}

func TestNetworkSweep_FiresAtMinTargets(t *testing.T) {
	c := New()
	c.rules = []*Rule{{
		ID: "test_sweep", Name: "test", Enabled: true, TimeWindow: time.Minute,
		Pattern: Pattern{Kind: PatternNetworkSweep, MinTargets: 2},
	}}
	c.limiter = NewRateLimiter(RateLimiterConfig{DefaultRate: 1000, DefaultBurst: 1000})

	ev1 := procEvent(event.KindNetConnect, 7)
	ev1.RemoteAddr = "10.0.0.1"
	c.Process(ev1)

	ev2 := procEvent(event.KindNetConnect, 7)
	ev2.RemoteAddr = "10.0.0.2"
	corr := c.Process(ev2)

	if corr == nil {
		t.Fatal("expected correlation to fire after connecting to 2 distinct targets")
	}
}

func TestProcessSequence_RequiresOrderAndTiming(t *testing.T) {
	c := New()
	c.rules = []*Rule{{
		ID: "test_seq", Name: "test", Enabled: true, TimeWindow: time.Minute,
		Pattern: Pattern{
			Kind: PatternProcessSequence,
			Sequence: []EventMatcher{
				{EventType: EventTypeFileAccess, PathPattern: "/proc/"},
				{EventType: EventTypeProcessSpawn},
			},
			MaxTimeBetween: time.Second,
		},
	}}
	c.limiter = NewRateLimiter(RateLimiterConfig{DefaultRate: 1000, DefaultBurst: 1000})

	ev1 := procEvent(event.KindFileAccess, 5)
	ev1.Path = "/proc/5/mem"
	if corr := c.Process(ev1); corr != nil {
		t.Fatal("sequence must not fire on first event alone")
	}

	ev2 := procEvent(event.KindProcessExec, 5)
	corr := c.Process(ev2)
	if corr == nil {
		t.Fatal("expected sequence to fire once both stages are observed in order")
	}
}

func TestRateLimiter_BlocksBurst(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{DefaultRate: 1, DefaultBurst: 1})
	if !rl.Allow("k") {
		t.Fatal("expected first call to be allowed")
	}
	if rl.Allow("k") {
		t.Fatal("expected immediate second call to be rate limited")
	}
}
