// Package score defines the ordered value used both to rank units in the
// shared set and to prove ownership of a held unit.
//
// A Score counts microseconds since the Unix epoch as seen by the store's
// clock. Generators decide how acquisition scores are derived from that
// clock so concurrent contenders end up with distinct tokens.
package score

import (
	"math"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"
)

// Score is an opaque, totally ordered ranking key.
type Score int64

// Max is the largest score a float64 sorted-set backend stores exactly.
const Max Score = 1 << 53

// FromTime converts t to a Score.
func FromTime(t time.Time) Score {
	return Score(t.UnixMicro())
}

// Time returns the instant s represents.
func (s Score) Time() time.Time {
	return time.UnixMicro(int64(s))
}

// Add shifts s by d, truncated to microseconds.
func (s Score) Add(d time.Duration) Score {
	return s + Score(d/time.Microsecond)
}

// Float returns s as a sorted-set score.
func (s Score) Float() float64 {
	return float64(s)
}

func (s Score) String() string {
	return strconv.FormatInt(int64(s), 10)
}

// FromFloat converts a sorted-set score back to a Score.
func FromFloat(f float64) Score {
	return Score(math.Round(f))
}

// Parse reads a score as formatted by Redis (integer or float notation).
func Parse(v string) (Score, error) {
	if i, err := strconv.ParseInt(v, 10, 64); err == nil {
		return Score(i), nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, err
	}
	return FromFloat(f), nil
}

// Generator derives a new score from the store clock.
type Generator interface {
	// Next returns a score for now shifted by offset.
	Next(now Score, offset time.Duration) Score
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(now Score, offset time.Duration) Score

// Next implements Generator.
func (f GeneratorFunc) Next(now Score, offset time.Duration) Score {
	return f(now, offset)
}

// Exact returns now+offset with no disambiguation.
func Exact() Generator {
	return GeneratorFunc(func(now Score, offset time.Duration) Score {
		return now.Add(offset)
	})
}

// Jittered adds a random component in [0, window) so two workers reading the
// same clock tick still produce different tokens.
func Jittered(window time.Duration) Generator {
	span := int64(window / time.Microsecond)
	return GeneratorFunc(func(now Score, offset time.Duration) Score {
		s := now.Add(offset)
		if span > 0 {
			s += Score(rand.Int64N(span)) //nolint:gosec // tie-breaking, not security
		}
		return s
	})
}

// Monotonic never hands out the same score twice within one process.
type Monotonic struct {
	mu   sync.Mutex
	last Score
}

// Next implements Generator.
func (m *Monotonic) Next(now Score, offset time.Duration) Score {
	s := now.Add(offset)
	m.mu.Lock()
	defer m.mu.Unlock()
	if s <= m.last {
		s = m.last + 1
	}
	m.last = s
	return s
}

// Default is the generator used when none is configured: one millisecond of jitter.
func Default() Generator {
	return Jittered(time.Millisecond)
}
