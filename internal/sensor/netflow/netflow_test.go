package netflow

import (
	"testing"
	"time"
)

type fakeEnumerator struct {
	conns []Connection
	err   error
}

func (f *fakeEnumerator) Enumerate() ([]Connection, error) { return f.conns, f.err }

type fakeResolver struct {
	owners map[uint64]int32
}

func (f *fakeResolver) OwnerPID(inode uint64) (int32, bool) {
	pid, ok := f.owners[inode]
	return pid, ok
}

func TestPoller_EmitsOnlyNewConnections(t *testing.T) {
	enum := &fakeEnumerator{conns: []Connection{
		{Family: "inet", Protocol: "tcp", LocalAddr: "10.0.0.1", RemoteAddr: "93.184.216.34", Inode: 42},
	}}
	resolver := &fakeResolver{owners: map[uint64]int32{42: 1234}}

	p := NewPoller(enum, resolver, 0)
	p.poll()

	select {
	case ev := <-p.Events():
		if ev.PID != 1234 {
			t.Fatalf("expected pid 1234, got %d", ev.PID)
		}
	default:
		t.Fatal("expected an event on first poll")
	}

	// Second poll with the same connection set should not re-emit.
	p.poll()
	select {
	case ev := <-p.Events():
		t.Fatalf("expected no event on repeat poll, got %+v", ev)
	default:
	}
}

func TestPoller_EmitsAgainAfterConnectionDisappearsAndReturns(t *testing.T) {
	conn := Connection{Family: "inet", Protocol: "tcp", LocalAddr: "10.0.0.1", RemoteAddr: "1.1.1.1", Inode: 7}
	enum := &fakeEnumerator{conns: []Connection{conn}}
	p := NewPoller(enum, &fakeResolver{owners: map[uint64]int32{}}, 0)

	p.poll()
	<-p.Events()

	enum.conns = nil
	p.poll()

	enum.conns = []Connection{conn}
	p.poll()

	select {
	case <-p.Events():
	default:
		t.Fatal("expected event to re-fire once the connection reappears")
	}
}

func TestPoller_EnumerateErrorIsNonFatal(t *testing.T) {
	enum := &fakeEnumerator{err: errTest}
	p := NewPoller(enum, nil, 0)
	p.poll() // must not panic

	select {
	case ev := <-p.Events():
		t.Fatalf("expected no event when Enumerate fails, got %+v", ev)
	default:
	}
}

func TestPoller_Run_StopsOnDone(t *testing.T) {
	p := NewPoller(&fakeEnumerator{}, nil, 0)
	done := make(chan struct{})
	finished := make(chan struct{})

	go func() {
		p.Run(done, 10*time.Millisecond)
		close(finished)
	}()

	close(done)
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after done was closed")
	}
}

var errTest = &testError{"enumerate failed"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
