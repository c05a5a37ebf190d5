// Package memory provides an in-process Store for single-node deployments
// and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mirkobrombin/go-sortlock/v1/score"
	"github.com/mirkobrombin/go-sortlock/v1/store"
)

// Store implements store.Store with a mutex-guarded map.
type Store struct {
	mu      sync.Mutex
	entries map[string]store.Entry
	clock   func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock returned by Now.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{entries: make(map[string]store.Entry), clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CurrentScore implements store.Store.
func (s *Store) CurrentScore(_ context.Context, id string) (store.Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return e, ok, nil
}

// ConditionalSetScore implements store.Store.
func (s *Store) ConditionalSetScore(_ context.Context, id string, from store.Pool, expected score.Score, to store.Pool, next score.Score) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.Pool != from || e.Score != expected {
		return false, nil
	}
	s.entries[id] = store.Entry{ID: id, Pool: to, Score: next}
	return true, nil
}

// ListEligible implements store.Store.
func (s *Store) ListEligible(_ context.Context, pool store.Pool, threshold score.Score) ([]store.Entry, error) {
	s.mu.Lock()
	out := make([]store.Entry, 0)
	for _, e := range s.entries {
		if e.Pool == pool && e.Score <= threshold {
			out = append(out, e)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].ID < out[j].ID
		}
		return out[i].Score < out[j].Score
	})
	return out, nil
}

// Add implements store.Store.
func (s *Store) Add(_ context.Context, id string, sc score.Score) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; ok {
		return false, nil
	}
	s.entries[id] = store.Entry{ID: id, Pool: store.Waiting, Score: sc}
	return true, nil
}

// Remove implements store.Store.
func (s *Store) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
	return nil
}

// Now implements store.Store.
func (s *Store) Now(_ context.Context) (score.Score, error) {
	return score.FromTime(s.clock()), nil
}
