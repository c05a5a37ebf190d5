// Package watch streams lock transitions from a syncbus.Bus to HTTP
// clients, for dashboards and operators following a unit.
package watch

import (
	"context"
	"sync"

	"github.com/mirkobrombin/go-sortlock/v1/syncbus"
)

var kinds = []syncbus.EventKind{syncbus.EventLocked, syncbus.EventUnlocked, syncbus.EventReclaimed}

// Event is one lock transition. Unit is empty when watching every unit,
// since kind topics carry no unit id.
type Event struct {
	Kind syncbus.EventKind `json:"kind"`
	Unit string            `json:"unit,omitempty"`
}

// Subscribe merges the lock, unlock and reclaim topics of unit, or of every
// unit when unit is empty, into one channel. The channel is closed once ctx
// ends and every topic has been unsubscribed.
func Subscribe(ctx context.Context, bus syncbus.Bus, unit string) (<-chan Event, error) {
	out := make(chan Event, len(kinds))
	type sub struct {
		topic string
		kind  syncbus.EventKind
		ch    chan struct{}
	}
	subs := make([]sub, 0, len(kinds))
	for _, k := range kinds {
		topic := syncbus.KindTopic(k)
		if unit != "" {
			topic = syncbus.Topic(k, unit)
		}
		ch, err := bus.Subscribe(ctx, topic)
		if err != nil {
			for _, s := range subs {
				_ = bus.Unsubscribe(context.Background(), s.topic, s.ch)
			}
			return nil, err
		}
		subs = append(subs, sub{topic: topic, kind: k, ch: ch})
	}

	var wg sync.WaitGroup
	for _, s := range subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { _ = bus.Unsubscribe(context.Background(), s.topic, s.ch) }()
			for {
				select {
				case <-ctx.Done():
					return
				case _, ok := <-s.ch:
					if !ok {
						return
					}
					select {
					case out <- Event{Kind: s.kind, Unit: unit}:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}
