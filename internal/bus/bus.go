// Package bus implements the in-process Event Bus that fans decided
// SecurityEvents out to every interested internal consumer — the Event
// Correlator, the audit logger, and the dashboard-facing gRPC/WebSocket
// adapters. Its design is lifted directly from the dashboard server's own
// WebSocket broadcaster: per-subscriber buffered channels, non-blocking
// sends, and drop-with-counter on a full buffer so one slow subscriber can
// never back-pressure a sensor goroutine.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/threatflux/edrcore/internal/event"
)

// Subscription is a handle returned by Subscribe. Call Close to release it.
type Subscription struct {
	id      uint64
	ch      chan event.SecurityEvent
	Dropped atomic.Int64
	bus     *Bus
}

// Events returns the receive-only channel on which SecurityEvents are
// delivered. The channel is closed when the subscription is closed or the
// bus itself is closed.
func (s *Subscription) Events() <-chan event.SecurityEvent { return s.ch }

// Close releases the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.id)
}

// Bus fans out SecurityEvents to any number of subscribers.
type Bus struct {
	logger *slog.Logger

	subs    sync.Map // map[uint64]*Subscription
	nextID  atomic.Uint64
	bufSize int

	closed    atomic.Bool
	closeOnce sync.Once
}

// DefaultBufSize is the per-subscriber channel depth.
const DefaultBufSize = 256

// New creates a Bus. bufSize <= 0 selects DefaultBufSize.
func New(logger *slog.Logger, bufSize int) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if bufSize <= 0 {
		bufSize = DefaultBufSize
	}
	return &Bus{logger: logger, bufSize: bufSize}
}

// Subscribe registers a new subscriber. If ctx is non-nil, the subscription
// is automatically closed when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context) *Subscription {
	id := b.nextID.Add(1)
	sub := &Subscription{id: id, ch: make(chan event.SecurityEvent, b.bufSize), bus: b}

	if b.closed.Load() {
		close(sub.ch)
		return sub
	}
	b.subs.Store(id, sub)

	if ctx != nil {
		go func() {
			<-ctx.Done()
			b.unsubscribe(id)
		}()
	}
	return sub
}

func (b *Bus) unsubscribe(id uint64) {
	if v, loaded := b.subs.LoadAndDelete(id); loaded {
		close(v.(*Subscription).ch)
	}
}

// Publish delivers ev to every current subscriber using a non-blocking
// send. A subscriber whose buffer is full has its oldest queued event
// dropped to make room for ev and its Dropped counter incremented; Publish
// itself never blocks.
func (b *Bus) Publish(ev event.SecurityEvent) {
	if b.closed.Load() {
		return
	}
	b.subs.Range(func(_, v any) bool {
		sub := v.(*Subscription)
		select {
		case sub.ch <- ev:
		default:
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- ev:
			default:
			}
			sub.Dropped.Add(1)
			b.logger.Warn("bus: subscriber buffer full, dropping oldest event",
				slog.Uint64("subscription_id", sub.id),
				slog.String("event_kind", string(ev.Kind)),
			)
		}
		return true
	})
}

// SubscriberCount returns the number of currently registered subscribers.
func (b *Bus) SubscriberCount() int {
	n := 0
	b.subs.Range(func(_, _ any) bool { n++; return true })
	return n
}

// Close releases all subscriptions. After Close, Publish is a no-op and
// Subscribe returns an already-closed subscription.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.subs.Range(func(k, v any) bool {
			b.subs.Delete(k)
			close(v.(*Subscription).ch)
			return true
		})
	})
}
