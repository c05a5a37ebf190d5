// Package storetest holds a conformance suite every store.Store
// implementation must pass.
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mirkobrombin/go-sortlock/v1/score"
	"github.com/mirkobrombin/go-sortlock/v1/store"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("AddIsNoopWhenTracked", func(t *testing.T) { testAdd(t, newStore(t)) })
	t.Run("ConditionalSetScore", func(t *testing.T) { testConditional(t, newStore(t)) })
	t.Run("ListEligibleOrdered", func(t *testing.T) { testListEligible(t, newStore(t)) })
	t.Run("Remove", func(t *testing.T) { testRemove(t, newStore(t)) })
	t.Run("SingleWinner", func(t *testing.T) { testSingleWinner(t, newStore(t)) })
	t.Run("Now", func(t *testing.T) { testNow(t, newStore(t)) })
}

func testAdd(t *testing.T, s store.Store) {
	ctx := context.Background()
	ok, err := s.Add(ctx, "a", 10)
	if err != nil || !ok {
		t.Fatalf("add: %v ok %v", err, ok)
	}
	if ok, err := s.Add(ctx, "a", 20); err != nil || ok {
		t.Fatalf("second add should be a no-op, ok %v err %v", ok, err)
	}
	if _, err := s.ConditionalSetScore(ctx, "a", store.Waiting, 10, store.Held, 30); err != nil {
		t.Fatalf("swap: %v", err)
	}
	if ok, err := s.Add(ctx, "a", 40); err != nil || ok {
		t.Fatalf("add of held unit should be a no-op, ok %v err %v", ok, err)
	}
	e, ok, err := s.CurrentScore(ctx, "a")
	if err != nil || !ok {
		t.Fatalf("current: %v ok %v", err, ok)
	}
	if e.Pool != store.Held || e.Score != 30 {
		t.Fatalf("expected held@30 got %v@%d", e.Pool, e.Score)
	}
}

func testConditional(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, _ = s.Add(ctx, "a", 10)

	if ok, err := s.ConditionalSetScore(ctx, "a", store.Waiting, 11, store.Held, 50); err != nil || ok {
		t.Fatalf("mismatched expected score must fail, ok %v err %v", ok, err)
	}
	if ok, err := s.ConditionalSetScore(ctx, "a", store.Held, 10, store.Waiting, 50); err != nil || ok {
		t.Fatalf("wrong source pool must fail, ok %v err %v", ok, err)
	}
	if ok, err := s.ConditionalSetScore(ctx, "missing", store.Waiting, 0, store.Held, 50); err != nil || ok {
		t.Fatalf("missing unit must fail, ok %v err %v", ok, err)
	}
	e, _, _ := s.CurrentScore(ctx, "a")
	if e.Pool != store.Waiting || e.Score != 10 {
		t.Fatalf("failed swaps mutated the store: %v@%d", e.Pool, e.Score)
	}

	if ok, err := s.ConditionalSetScore(ctx, "a", store.Waiting, 10, store.Held, 50); err != nil || !ok {
		t.Fatalf("swap: %v ok %v", err, ok)
	}
	if ok, err := s.ConditionalSetScore(ctx, "a", store.Held, 50, store.Held, 70); err != nil || !ok {
		t.Fatalf("same pool rescore: %v ok %v", err, ok)
	}
	e, _, _ = s.CurrentScore(ctx, "a")
	if e.Pool != store.Held || e.Score != 70 {
		t.Fatalf("expected held@70 got %v@%d", e.Pool, e.Score)
	}
}

func testListEligible(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, _ = s.Add(ctx, "c", 30)
	_, _ = s.Add(ctx, "a", 10)
	_, _ = s.Add(ctx, "b", 20)
	_, _ = s.Add(ctx, "late", 100)
	_, _ = s.Add(ctx, "held", 5)
	_, _ = s.ConditionalSetScore(ctx, "held", store.Waiting, 5, store.Held, 15)

	got, err := s.ListEligible(ctx, store.Waiting, 30)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("expected %v got %v", want, got)
	}
	for i, e := range got {
		if e.ID != want[i] || e.Pool != store.Waiting {
			t.Fatalf("expected %v got %v", want, got)
		}
	}

	held, err := s.ListEligible(ctx, store.Held, 15)
	if err != nil {
		t.Fatalf("list held: %v", err)
	}
	if len(held) != 1 || held[0].ID != "held" || held[0].Score != 15 {
		t.Fatalf("unexpected held list %v", held)
	}
}

func testRemove(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, _ = s.Add(ctx, "a", 1)
	_, _ = s.ConditionalSetScore(ctx, "a", store.Waiting, 1, store.Held, 2)
	if err := s.Remove(ctx, "a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok, err := s.CurrentScore(ctx, "a"); err != nil || ok {
		t.Fatalf("expected unit gone, ok %v err %v", ok, err)
	}
	if err := s.Remove(ctx, "a"); err != nil {
		t.Fatalf("remove of missing unit: %v", err)
	}
}

func testSingleWinner(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, _ = s.Add(ctx, "a", 0)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.ConditionalSetScore(ctx, "a", store.Waiting, 0, store.Held, score.Score(100+i))
			if err != nil {
				t.Errorf("swap: %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
}

func testNow(t *testing.T, s store.Store) {
	now, err := s.Now(context.Background())
	if err != nil {
		t.Fatalf("now: %v", err)
	}
	if d := time.Since(now.Time()); d > time.Minute || d < -time.Minute {
		t.Fatalf("store clock too far from local clock: %v", d)
	}
}
