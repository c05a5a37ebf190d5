package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	sortlockerrors "github.com/mirkobrombin/go-sortlock/v1/errors"
	"github.com/mirkobrombin/go-sortlock/v1/score"
	"github.com/mirkobrombin/go-sortlock/v1/store"
	storeredis "github.com/mirkobrombin/go-sortlock/v1/store/redis"
)

func newRedisManagers(t *testing.T, n int) ([]*Manager, *storeredis.Store, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	mr.SetTime(time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	s := storeredis.New(client)
	managers := make([]*Manager, n)
	for i := range managers {
		managers[i] = newTestManager(t, s, WithScoreGenerator(score.Jittered(time.Millisecond)))
	}
	return managers, s, mr, client
}

func TestRedisTwoWorkersOneWinner(t *testing.T) {
	ms, s, _, _ := newRedisManagers(t, 2)
	ctx := context.Background()
	if _, err := s.Add(ctx, "A", 0); err != nil {
		t.Fatalf("add: %v", err)
	}

	type result struct {
		h   Handle[ScoreToken]
		ok  bool
		err error
	}
	results := make([]result, len(ms))
	var wg sync.WaitGroup
	for i, m := range ms {
		wg.Add(1)
		go func(i int, m *Manager) {
			defer wg.Done()
			h, ok, err := m.TryLock(ctx, "A")
			results[i] = result{h, ok, err}
		}(i, m)
	}
	wg.Wait()

	winners := 0
	var won Handle[ScoreToken]
	for _, r := range results {
		if r.err != nil {
			t.Fatalf("trylock: %v", r.err)
		}
		if r.ok {
			winners++
			won = r.h
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
	e, ok, err := s.CurrentScore(ctx, "A")
	if err != nil || !ok {
		t.Fatalf("current score: %v", err)
	}
	if e.Pool != store.Held || e.Score != won.Token.AcquireScore {
		t.Fatalf("store shows %v@%d, handle has %d", e.Pool, e.Score, won.Token.AcquireScore)
	}
}

func TestRedisReclaimThenStaleRelease(t *testing.T) {
	ms, s, mr, _ := newRedisManagers(t, 2)
	worker, reaper := ms[0], ms[1]
	ctx := context.Background()
	if _, err := worker.Schedule(ctx, "A"); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	h, ok, err := worker.TryLock(ctx, "A")
	if err != nil || !ok {
		t.Fatalf("trylock: %v ok %v", err, ok)
	}

	mr.SetTime(h.Token.Deadline().Add(time.Second))
	n, err := reaper.ReclaimExpired(ctx)
	if err != nil || n != 1 {
		t.Fatalf("reclaim: n %d err %v", n, err)
	}
	after, _, _ := s.CurrentScore(ctx, "A")
	if after.Score == h.Token.AcquireScore {
		t.Fatal("reclaim must assign a new score")
	}

	if err := worker.Release(ctx, h); !errors.Is(err, sortlockerrors.ErrReleaseConflict) {
		t.Fatalf("expected release conflict, got %v", err)
	}
	e, _, _ := s.CurrentScore(ctx, "A")
	if e != after {
		t.Fatalf("stale release changed the store: %+v -> %+v", after, e)
	}
}

func TestRedisInvariantViolationSurfaces(t *testing.T) {
	ms, _, _, client := newRedisManagers(t, 1)
	ctx := context.Background()
	client.ZAdd(ctx, "{sortlock}:waiting", redis.Z{Score: 0, Member: "A"})
	client.ZAdd(ctx, "{sortlock}:held", redis.Z{Score: 0, Member: "A"})

	_, ok, err := ms[0].TryLock(ctx, "A")
	if ok || !errors.Is(err, sortlockerrors.ErrInvariantViolation) {
		t.Fatalf("expected invariant violation, ok %v err %v", ok, err)
	}
}

func TestRedisUnavailable(t *testing.T) {
	ms, _, mr, _ := newRedisManagers(t, 1)
	mr.Close()
	_, ok, err := ms[0].TryLock(context.Background(), "A")
	if ok || !errors.Is(err, sortlockerrors.ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, ok %v err %v", ok, err)
	}
}
