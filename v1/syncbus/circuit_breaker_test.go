package syncbus

import (
	"context"
	"errors"
	"testing"
	"time"
)

type mockBus struct {
	publishFunc func(ctx context.Context, topic string) error
	*InMemoryBus
}

func (m *mockBus) Publish(ctx context.Context, topic string) error {
	if m.publishFunc != nil {
		return m.publishFunc(ctx, topic)
	}
	return m.InMemoryBus.Publish(ctx, topic)
}

func TestCircuitBreaker_StateTransitions(t *testing.T) {
	mb := &mockBus{InMemoryBus: NewInMemoryBus()}
	timeout := 50 * time.Millisecond
	cb := NewCircuitBreaker(mb, 2, timeout)

	ctx := context.Background()
	failErr := errors.New("fail")

	if !cb.IsHealthy() {
		t.Fatal("expected healthy initially")
	}

	mb.publishFunc = func(ctx context.Context, topic string) error { return failErr }
	if err := cb.Publish(ctx, "unlock"); err != failErr {
		t.Fatalf("expected failErr, got %v", err)
	}
	if !cb.IsHealthy() {
		t.Fatal("expected healthy after 1 failure (threshold 2)")
	}

	if err := cb.Publish(ctx, "unlock"); err != failErr {
		t.Fatalf("expected failErr, got %v", err)
	}
	if cb.IsHealthy() {
		t.Fatal("expected open after threshold reached")
	}
	if err := cb.Publish(ctx, "unlock"); err != ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}

	time.Sleep(timeout + 10*time.Millisecond)

	mb.publishFunc = nil
	if err := cb.Publish(ctx, "unlock"); err != nil {
		t.Fatalf("half-open probe: %v", err)
	}
	if cb.failures != 0 {
		t.Fatalf("expected failures=0, got %d", cb.failures)
	}

	mb.publishFunc = func(ctx context.Context, topic string) error { return failErr }
	_ = cb.Publish(ctx, "unlock")
	_ = cb.Publish(ctx, "unlock")
	time.Sleep(timeout + 10*time.Millisecond)
	if err := cb.Publish(ctx, "unlock"); err != failErr {
		t.Fatalf("expected failErr from probe, got %v", err)
	}
	if err := cb.Publish(ctx, "unlock"); err != ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen after failed probe, got %v", err)
	}
}

func TestCircuitBreaker_Passthrough(t *testing.T) {
	mb := &mockBus{InMemoryBus: NewInMemoryBus()}
	cb := NewCircuitBreaker(mb, 5, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := cb.Subscribe(ctx, "lock:a")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := Announce(ctx, cb, EventLocked, "a"); err != nil {
		t.Fatalf("announce: %v", err)
	}
	select {
	case <-sub:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message on underlying bus")
	}
}
