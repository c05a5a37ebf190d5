// Package redis implements store.Store on two Redis sorted sets.
//
// Every conditional mutation runs as a Lua script so the check and the write
// happen in one server-side step. Scores are taken from the Redis TIME
// command so all workers share one clock.
package redis

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	sortlockerrors "github.com/mirkobrombin/go-sortlock/v1/errors"
	"github.com/mirkobrombin/go-sortlock/v1/score"
	"github.com/mirkobrombin/go-sortlock/v1/store"
)

const defaultRedisOpTimeout = 5 * time.Second

// Store implements store.Store using a Redis backend.
type Store struct {
	client  goredis.UniversalClient
	timeout time.Duration
	waiting string
	held    string
}

// Option configures a Store.
type Option func(*storeOptions)

type storeOptions struct {
	timeout   time.Duration
	namespace string
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) Option {
	return func(o *storeOptions) {
		o.timeout = d
	}
}

// WithNamespace sets the key prefix shared by the two pools.
func WithNamespace(ns string) Option {
	return func(o *storeOptions) {
		o.namespace = ns
	}
}

// New returns a Store using the provided client.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	o := storeOptions{timeout: defaultRedisOpTimeout, namespace: defaultNamespace}
	for _, opt := range opts {
		opt(&o)
	}
	return &Store{
		client:  client,
		timeout: o.timeout,
		waiting: waitingKey(o.namespace),
		held:    heldKey(o.namespace),
	}
}

func (s *Store) key(p store.Pool) string {
	if p == store.Held {
		return s.held
	}
	return s.waiting
}

func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "INVARIANT") {
		return fmt.Errorf("%w: %s", sortlockerrors.ErrInvariantViolation, err.Error())
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", sortlockerrors.ErrStoreUnavailable, sortlockerrors.ErrTimeout)
	}
	if stdErrors.Is(err, goredis.ErrClosed) {
		return fmt.Errorf("%w: %w", sortlockerrors.ErrStoreUnavailable, sortlockerrors.ErrConnectionClosed)
	}
	return fmt.Errorf("%w: %w", sortlockerrors.ErrStoreUnavailable, err)
}

// CurrentScore implements store.Store.
func (s *Store) CurrentScore(ctx context.Context, id string) (store.Entry, bool, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := currentScript.Run(cctx, s.client, []string{s.waiting, s.held}, id).StringSlice()
	if err != nil {
		return store.Entry{}, false, wrapErr(err)
	}
	if len(res) != 2 {
		return store.Entry{}, false, fmt.Errorf("%w: unexpected reply %v", sortlockerrors.ErrStoreUnavailable, res)
	}
	w, h := res[0], res[1]
	switch {
	case w != "" && h != "":
		return store.Entry{}, false, fmt.Errorf("%w: %s present in both pools", sortlockerrors.ErrInvariantViolation, id)
	case w != "":
		sc, err := score.Parse(w)
		if err != nil {
			return store.Entry{}, false, err
		}
		return store.Entry{ID: id, Pool: store.Waiting, Score: sc}, true, nil
	case h != "":
		sc, err := score.Parse(h)
		if err != nil {
			return store.Entry{}, false, err
		}
		return store.Entry{ID: id, Pool: store.Held, Score: sc}, true, nil
	}
	return store.Entry{}, false, nil
}

// ConditionalSetScore implements store.Store.
func (s *Store) ConditionalSetScore(ctx context.Context, id string, from store.Pool, expected score.Score, to store.Pool, next score.Score) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	n, err := swapScript.Run(cctx, s.client, []string{s.key(from), s.key(to)}, id, expected.String(), next.String()).Int()
	if err != nil {
		return false, wrapErr(err)
	}
	return n == 1, nil
}

// ListEligible implements store.Store.
func (s *Store) ListEligible(ctx context.Context, pool store.Pool, threshold score.Score) ([]store.Entry, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	zs, err := s.client.ZRangeByScoreWithScores(cctx, s.key(pool), &goredis.ZRangeBy{
		Min: "-inf",
		Max: threshold.String(),
	}).Result()
	if err != nil {
		return nil, wrapErr(err)
	}
	out := make([]store.Entry, 0, len(zs))
	for _, z := range zs {
		id, ok := z.Member.(string)
		if !ok {
			continue
		}
		out = append(out, store.Entry{ID: id, Pool: pool, Score: score.FromFloat(z.Score)})
	}
	return out, nil
}

// Add implements store.Store.
func (s *Store) Add(ctx context.Context, id string, sc score.Score) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	n, err := addScript.Run(cctx, s.client, []string{s.waiting, s.held}, id, sc.String()).Int()
	if err != nil {
		return false, wrapErr(err)
	}
	return n == 1, nil
}

// Remove implements store.Store.
func (s *Store) Remove(ctx context.Context, id string) error {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return wrapErr(removeScript.Run(cctx, s.client, []string{s.waiting, s.held}, id).Err())
}

// Now implements store.Store.
func (s *Store) Now(ctx context.Context) (score.Score, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	t, err := s.client.Time(cctx).Result()
	if err != nil {
		return 0, wrapErr(err)
	}
	return score.FromTime(t), nil
}
