package syncbus

import (
	"context"
	"testing"
	"time"
)

func TestPublishSubscribeFlowAndMetrics(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, "unlock:a")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := bus.Publish(context.Background(), "unlock:a"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for publish")
	}

	metrics := bus.Metrics()
	if metrics.Published != 1 {
		t.Fatalf("expected published 1 got %d", metrics.Published)
	}
	if metrics.Delivered != 1 {
		t.Fatalf("expected delivered 1 got %d", metrics.Delivered)
	}
}

func TestContextBasedUnsubscribe(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(ctx, "lock:a")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for unsubscribe")
	}

	bus.mu.Lock()
	defer bus.mu.Unlock()
	if _, ok := bus.subs["lock:a"]; ok {
		t.Fatal("subscription still present after context cancel")
	}
}

func TestAnnouncePublishesUnitAndKindTopics(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	unit, _ := bus.Subscribe(ctx, Topic(EventReclaimed, "a"))
	kind, _ := bus.Subscribe(ctx, KindTopic(EventReclaimed))
	other, _ := bus.Subscribe(ctx, Topic(EventReclaimed, "b"))

	if err := Announce(ctx, bus, EventReclaimed, "a"); err != nil {
		t.Fatalf("announce: %v", err)
	}
	for name, ch := range map[string]chan struct{}{"unit": unit, "kind": kind} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s topic", name)
		}
	}
	select {
	case <-other:
		t.Fatal("unrelated unit notified")
	default:
	}
}

func TestAnnounceNilBus(t *testing.T) {
	if err := Announce(context.Background(), nil, EventLocked, "a"); err != nil {
		t.Fatalf("nil bus should be a no-op, got %v", err)
	}
}
