package lock

import (
	"context"
	"time"

	"github.com/mirkobrombin/go-sortlock/v1/score"
)

// Handle is proof that its owner held unit ID when it was issued. The token
// type depends on the backing protocol. Handles are values: copy them, never
// mutate them, and hand each one back exactly once.
type Handle[T any] struct {
	ID    string
	Owner string
	Token T
}

// ScoreToken is the ownership token of the sorted-set protocol.
type ScoreToken struct {
	// AcquireScore is the held-pool score written on acquisition. It doubles
	// as the holder's liveness deadline.
	AcquireScore score.Score
	// ReleaseScore is the waiting-pool score restored on a successful release.
	ReleaseScore score.Score
}

// Deadline is the instant after which the hold may be reclaimed.
func (t ScoreToken) Deadline() time.Time {
	return t.AcquireScore.Time()
}

// Locker is the acquisition surface a host scheduler depends on.
type Locker[T any] interface {
	TryLock(ctx context.Context, candidates ...string) (Handle[T], bool, error)
	Release(ctx context.Context, h Handle[T]) error
	ReleaseAfter(ctx context.Context, h Handle[T], d time.Duration) error
	Valid(ctx context.Context, h Handle[T]) (bool, error)
}

// Interval is the per-unit timing policy.
type Interval struct {
	// Interval is how long a unit rests after a successful run.
	Interval time.Duration
	// ErrorInterval is how long a unit rests after a failed run.
	ErrorInterval time.Duration
	// Timeout is the liveness threshold of a hold.
	Timeout time.Duration
}

// IntervalFunc resolves the timing policy of a unit.
type IntervalFunc func(id string) Interval

// StaticInterval returns the same policy for every unit.
func StaticInterval(iv Interval) IntervalFunc {
	return func(string) Interval { return iv }
}
