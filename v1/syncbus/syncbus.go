// Package syncbus propagates lock lifecycle events between workers.
//
// Events carry no payload: a subscriber learns that a unit was locked,
// unlocked or reclaimed and goes back to the score store for the truth. Every
// event is published twice, once on the unit topic and once on the kind
// topic, so a scheduler can wake on any release without one subscription per
// unit.
package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// EventKind names a lock transition.
type EventKind string

const (
	EventLocked    EventKind = "lock"
	EventUnlocked  EventKind = "unlock"
	EventReclaimed EventKind = "reclaim"
)

// Topic returns the topic for kind on unit id.
func Topic(kind EventKind, id string) string {
	return string(kind) + ":" + id
}

// KindTopic returns the topic receiving every event of kind.
func KindTopic(kind EventKind) string {
	return string(kind)
}

// Bus provides a simple pub/sub mechanism.
type Bus interface {
	Publish(ctx context.Context, topic string) error
	Subscribe(ctx context.Context, topic string) (chan struct{}, error)
	Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error
}

// Announce publishes kind for id on both the unit and the kind topics.
func Announce(ctx context.Context, b Bus, kind EventKind, id string) error {
	if b == nil {
		return nil
	}
	if err := b.Publish(ctx, Topic(kind, id)); err != nil {
		return err
	}
	return b.Publish(ctx, KindTopic(kind))
}

// InMemoryBus is a local implementation of Bus, used when every manager
// lives in one process and in tests.
type InMemoryBus struct {
	mu        sync.Mutex
	subs      map[string][]chan struct{}
	published uint64
	delivered uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string][]chan struct{})}
}

// Publish implements Bus.Publish. Slow subscribers that already have a
// pending notification are skipped.
func (b *InMemoryBus) Publish(ctx context.Context, topic string) error {
	atomic.AddUint64(&b.published, 1)
	// Sends never block, so they run under the lock that Unsubscribe takes
	// before closing a channel.
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[topic] {
		select {
		case ch <- struct{}{}:
			atomic.AddUint64(&b.delivered, 1)
		default:
		}
	}
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[topic]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			b.subs[topic] = subs
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, topic)
	}
	return nil
}

// Metrics counts published and delivered notifications.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
	}
}
