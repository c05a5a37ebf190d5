package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	sortlockerrors "github.com/mirkobrombin/go-sortlock/v1/errors"
	"github.com/mirkobrombin/go-sortlock/v1/store"
	"github.com/mirkobrombin/go-sortlock/v1/store/storetest"
)

func newRedisStore(t *testing.T, opts ...Option) (*Store, *miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return New(client, opts...), mr, client
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, _, _ := newRedisStore(t)
		return s
	})
}

func TestNamespaceKeys(t *testing.T) {
	s, mr, _ := newRedisStore(t, WithNamespace("agents"))
	ctx := context.Background()
	if _, err := s.Add(ctx, "a", 10); err != nil {
		t.Fatalf("add: %v", err)
	}
	if !mr.Exists("{agents}:waiting") {
		t.Fatal("expected waiting key under namespace")
	}
	if _, err := s.ConditionalSetScore(ctx, "a", store.Waiting, 10, store.Held, 20); err != nil {
		t.Fatalf("swap: %v", err)
	}
	if !mr.Exists("{agents}:held") {
		t.Fatal("expected held key under namespace")
	}
}

func TestNowUsesServerClock(t *testing.T) {
	s, mr, _ := newRedisStore(t)
	fixed := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	mr.SetTime(fixed)
	now, err := s.Now(context.Background())
	if err != nil {
		t.Fatalf("now: %v", err)
	}
	if !now.Time().Equal(fixed) {
		t.Fatalf("expected %v got %v", fixed, now.Time())
	}
}

func TestBothPoolsIsInvariantViolation(t *testing.T) {
	s, _, client := newRedisStore(t)
	ctx := context.Background()
	client.ZAdd(ctx, waitingKey(defaultNamespace), goredis.Z{Score: 1, Member: "a"})
	client.ZAdd(ctx, heldKey(defaultNamespace), goredis.Z{Score: 2, Member: "a"})

	if _, _, err := s.CurrentScore(ctx, "a"); !errors.Is(err, sortlockerrors.ErrInvariantViolation) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
	if _, err := s.ConditionalSetScore(ctx, "a", store.Waiting, 1, store.Held, 3); !errors.Is(err, sortlockerrors.ErrInvariantViolation) {
		t.Fatalf("expected invariant violation from swap, got %v", err)
	}
}

func TestClosedClientIsStoreUnavailable(t *testing.T) {
	s, _, client := newRedisStore(t)
	_ = client.Close()
	_, _, err := s.CurrentScore(context.Background(), "a")
	if !errors.Is(err, sortlockerrors.ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
}

func TestServerDownIsStoreUnavailable(t *testing.T) {
	s, mr, _ := newRedisStore(t, WithTimeout(100*time.Millisecond))
	mr.Close()
	if _, err := s.Now(context.Background()); !errors.Is(err, sortlockerrors.ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
}
