// Package store defines the ScoreStore contract the lock protocol runs on.
//
// Every work unit lives in exactly one of two pools of a shared ranked set.
// In the Waiting pool its score is the instant it becomes eligible; in the
// Held pool its score is the holder's liveness deadline. Implementations must
// make each operation atomic for a single unit and must never overwrite a
// score without checking the expected one first.
package store

import (
	"context"

	"github.com/mirkobrombin/go-sortlock/v1/score"
)

// Pool identifies one half of the ranked set.
type Pool int

const (
	// Waiting holds units that are not running.
	Waiting Pool = iota
	// Held holds units a worker currently owns.
	Held
)

func (p Pool) String() string {
	switch p {
	case Waiting:
		return "waiting"
	case Held:
		return "held"
	}
	return "unknown"
}

// Entry is the stored state of one unit.
type Entry struct {
	ID    string
	Pool  Pool
	Score score.Score
}

// Store is the shared ranked set.
type Store interface {
	// CurrentScore returns the unit's entry, or false when it is not tracked.
	CurrentScore(ctx context.Context, id string) (Entry, bool, error)
	// ConditionalSetScore moves the unit from pool `from` to pool `to` with
	// score next, but only if it currently sits in `from` with score expected.
	ConditionalSetScore(ctx context.Context, id string, from Pool, expected score.Score, to Pool, next score.Score) (bool, error)
	// ListEligible returns the entries of pool with score <= threshold,
	// lowest score first.
	ListEligible(ctx context.Context, pool Pool, threshold score.Score) ([]Entry, error)
	// Add inserts the unit into Waiting unless it is already in either pool.
	Add(ctx context.Context, id string, s score.Score) (bool, error)
	// Remove drops the unit from both pools.
	Remove(ctx context.Context, id string) error
	// Now returns the store's clock. All workers share it.
	Now(ctx context.Context) (score.Score, error)
}
