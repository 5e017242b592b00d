package agent_test

import (
	"context"
	"testing"
	"time"

	"github.com/threatflux/edrcore/internal/agent"
)

// fakeTransport is a minimal agent.Transport used only to pin the interface
// shape at compile time.
type fakeTransport struct{ sent []agent.AlertEvent }

func (f *fakeTransport) Start(context.Context) error { return nil }
func (f *fakeTransport) Send(_ context.Context, evt agent.AlertEvent) error {
	f.sent = append(f.sent, evt)
	return nil
}
func (f *fakeTransport) Stop() {}

var _ agent.Transport = (*fakeTransport)(nil)

func TestAlertEventCarriesDetail(t *testing.T) {
	evt := agent.AlertEvent{
		TripwireType: "NETWORK",
		RuleName:     "network-sweep",
		Severity:     "CRITICAL",
		Timestamp:    time.Unix(0, 0).UTC(),
		Detail:       map[string]any{"remote_addr": "203.0.113.5"},
	}

	tr := &fakeTransport{}
	if err := tr.Send(context.Background(), evt); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(tr.sent) != 1 || tr.sent[0].Detail["remote_addr"] != "203.0.113.5" {
		t.Fatalf("Send() did not deliver the event verbatim: %+v", tr.sent)
	}
}
