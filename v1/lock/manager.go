package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sortlockerrors "github.com/mirkobrombin/go-sortlock/v1/errors"
	"github.com/mirkobrombin/go-sortlock/v1/metrics"
	"github.com/mirkobrombin/go-sortlock/v1/score"
	"github.com/mirkobrombin/go-sortlock/v1/store"
	"github.com/mirkobrombin/go-sortlock/v1/syncbus"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-sortlock/v1/lock")

// DefaultInterval is used when no IntervalFunc is configured.
var DefaultInterval = Interval{
	Interval:      time.Minute,
	ErrorInterval: time.Minute,
	Timeout:       5 * time.Minute,
}

type handleKey struct {
	id  string
	acq score.Score
}

// Manager issues and verifies handles for one worker process. Managers in
// different processes coordinate only through the store.
type Manager struct {
	store     store.Store
	owner     string
	gen       score.Generator
	intervals IntervalFunc
	bus       syncbus.Bus
	logger    *slog.Logger

	mu sync.Mutex
	// outstanding maps issued handles to whether a release is in flight.
	outstanding map[handleKey]bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithOwner sets the owner id stamped on issued handles. Defaults to a uuid.
func WithOwner(owner string) Option {
	return func(m *Manager) { m.owner = owner }
}

// WithScoreGenerator overrides how acquire and release scores are derived.
func WithScoreGenerator(g score.Generator) Option {
	return func(m *Manager) { m.gen = g }
}

// WithIntervals sets the per-unit timing policy.
func WithIntervals(f IntervalFunc) Option {
	return func(m *Manager) { m.intervals = f }
}

// WithTimeout sets the liveness threshold for every unit, keeping the
// default rest intervals.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		iv := DefaultInterval
		iv.Timeout = d
		m.intervals = StaticInterval(iv)
	}
}

// WithBus publishes lock transitions on bus.
func WithBus(bus syncbus.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager returns a Manager contending on s.
func NewManager(s store.Store, opts ...Option) *Manager {
	m := &Manager{
		store:       s,
		owner:       uuid.NewString(),
		gen:         score.Default(),
		intervals:   StaticInterval(DefaultInterval),
		logger:      slog.Default(),
		outstanding: make(map[handleKey]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Owner returns the id stamped on handles issued by m.
func (m *Manager) Owner() string {
	return m.owner
}

// Outstanding returns the number of issued handles not yet released.
func (m *Manager) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.outstanding)
}

// TryLock examines candidates in order and takes the first one that is
// waiting and due. It returns false with a nil error when every candidate is
// held, not yet due, unknown, or was taken by another worker in between.
func (m *Manager) TryLock(ctx context.Context, candidates ...string) (Handle[ScoreToken], bool, error) {
	ctx, span := tracer.Start(ctx, "Manager.TryLock", trace.WithAttributes(attribute.Int("sortlock.candidates", len(candidates))))
	defer span.End()

	var zero Handle[ScoreToken]
	now, err := m.store.Now(ctx)
	if err != nil {
		return zero, false, m.fail(span, "now", "", err)
	}
	for _, id := range candidates {
		if err := ctx.Err(); err != nil {
			return zero, false, err
		}
		e, ok, err := m.store.CurrentScore(ctx, id)
		if err != nil {
			metrics.AcquireCounter.WithLabelValues("error").Inc()
			return zero, false, m.fail(span, "current score", id, err)
		}
		if !ok || e.Pool != store.Waiting || e.Score > now {
			metrics.AcquireCounter.WithLabelValues("contended").Inc()
			continue
		}
		iv := m.intervals(id)
		acq := m.gen.Next(now, iv.Timeout)
		won, err := m.store.ConditionalSetScore(ctx, id, store.Waiting, e.Score, store.Held, acq)
		if err != nil {
			metrics.AcquireCounter.WithLabelValues("error").Inc()
			return zero, false, m.fail(span, "acquire", id, err)
		}
		if !won {
			metrics.AcquireCounter.WithLabelValues("contended").Inc()
			continue
		}
		h := Handle[ScoreToken]{
			ID:    id,
			Owner: m.owner,
			Token: ScoreToken{AcquireScore: acq, ReleaseScore: m.gen.Next(now, iv.Interval)},
		}
		m.track(h)
		metrics.AcquireCounter.WithLabelValues("acquired").Inc()
		span.SetAttributes(attribute.String("sortlock.unit", id))
		m.announce(ctx, syncbus.EventLocked, id)
		return h, true, nil
	}
	return zero, false, nil
}

// Acquire blocks until one of candidates is taken or ctx ends. Between
// attempts it waits for poll or for an unlock or reclaim event on the bus.
func (m *Manager) Acquire(ctx context.Context, poll time.Duration, candidates ...string) (Handle[ScoreToken], error) {
	var unlocked, reclaimed chan struct{}
	if m.bus != nil {
		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		unlocked = m.subscribe(subCtx, syncbus.EventUnlocked)
		reclaimed = m.subscribe(subCtx, syncbus.EventReclaimed)
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	var lastErr error
	for {
		if ctx.Err() != nil {
			return Handle[ScoreToken]{}, errors.Join(sortlockerrors.ErrContended, ctx.Err(), lastErr)
		}
		h, ok, err := m.TryLock(ctx, candidates...)
		switch {
		case ok:
			return h, nil
		case errors.Is(err, sortlockerrors.ErrStoreUnavailable):
			lastErr = err
		case err != nil && ctx.Err() == nil:
			return h, err
		}
		select {
		case <-ctx.Done():
		case <-ticker.C:
		case <-unlocked:
		case <-reclaimed:
		}
	}
}

// Release returns the unit to the waiting pool at h's ReleaseScore. If the
// store no longer shows h's acquire score the store is left untouched and
// ErrReleaseConflict is returned; the handle is consumed either way. On
// ErrStoreUnavailable the handle stays live and the call may be retried.
func (m *Manager) Release(ctx context.Context, h Handle[ScoreToken]) error {
	return m.release(ctx, h, func(context.Context) (score.Score, error) {
		return h.Token.ReleaseScore, nil
	})
}

// ReleaseAfter is Release with the unit becoming due d after now instead of
// at the handle's ReleaseScore.
func (m *Manager) ReleaseAfter(ctx context.Context, h Handle[ScoreToken], d time.Duration) error {
	return m.release(ctx, h, func(ctx context.Context) (score.Score, error) {
		now, err := m.store.Now(ctx)
		if err != nil {
			return 0, err
		}
		return m.gen.Next(now, d), nil
	})
}

func (m *Manager) release(ctx context.Context, h Handle[ScoreToken], next func(context.Context) (score.Score, error)) error {
	ctx, span := tracer.Start(ctx, "Manager.Release", trace.WithAttributes(attribute.String("sortlock.unit", h.ID)))
	defer span.End()

	if h.Owner != m.owner {
		m.logger.Error("sortlock: handle presented to foreign manager", "unit", h.ID, "owner", h.Owner, "manager", m.owner)
		return fmt.Errorf("%w: %s", sortlockerrors.ErrForeignHandle, h.ID)
	}
	key := handleKey{id: h.ID, acq: h.Token.AcquireScore}
	m.mu.Lock()
	inflight, ok := m.outstanding[key]
	if !ok || inflight {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", sortlockerrors.ErrHandleConsumed, h.ID)
	}
	m.outstanding[key] = true
	m.mu.Unlock()

	target, err := next(ctx)
	if err != nil {
		m.retain(key)
		metrics.ReleaseCounter.WithLabelValues("error").Inc()
		return m.fail(span, "release score", h.ID, err)
	}
	won, err := m.store.ConditionalSetScore(ctx, h.ID, store.Held, h.Token.AcquireScore, store.Waiting, target)
	if err != nil {
		m.retain(key)
		metrics.ReleaseCounter.WithLabelValues("error").Inc()
		return m.fail(span, "release", h.ID, err)
	}
	m.forget(key)
	if !won {
		metrics.ReleaseCounter.WithLabelValues("conflict").Inc()
		m.logger.Warn("sortlock: release conflict, unit was reclaimed", "unit", h.ID, "acquire_score", h.Token.AcquireScore)
		span.SetStatus(codes.Error, "release conflict")
		return fmt.Errorf("%w: %s", sortlockerrors.ErrReleaseConflict, h.ID)
	}
	metrics.ReleaseCounter.WithLabelValues("released").Inc()
	m.announce(ctx, syncbus.EventUnlocked, h.ID)
	return nil
}

// Valid reports whether the store still shows h as the current holder.
func (m *Manager) Valid(ctx context.Context, h Handle[ScoreToken]) (bool, error) {
	e, ok, err := m.store.CurrentScore(ctx, h.ID)
	if err != nil {
		return false, m.fail(trace.SpanFromContext(ctx), "valid", h.ID, err)
	}
	return ok && e.Pool == store.Held && e.Score == h.Token.AcquireScore, nil
}

// ReclaimExpired moves every held unit whose deadline is strictly in the
// past back to the waiting pool, due immediately. Units released or
// reclaimed by someone else in the meantime are skipped.
func (m *Manager) ReclaimExpired(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "Manager.ReclaimExpired")
	defer span.End()

	now, err := m.store.Now(ctx)
	if err != nil {
		return 0, m.fail(span, "now", "", err)
	}
	expired, err := m.store.ListEligible(ctx, store.Held, now-1)
	if err != nil {
		return 0, m.fail(span, "list held", "", err)
	}
	var (
		count int
		errs  []error
	)
	for _, e := range expired {
		won, err := m.store.ConditionalSetScore(ctx, e.ID, store.Held, e.Score, store.Waiting, m.gen.Next(now, 0))
		if err != nil {
			err = m.fail(span, "reclaim", e.ID, err)
			if errors.Is(err, sortlockerrors.ErrStoreUnavailable) {
				return count, err
			}
			errs = append(errs, err)
			continue
		}
		if !won {
			continue
		}
		count++
		metrics.ReclaimCounter.Inc()
		m.logger.Info("sortlock: reclaimed expired unit", "unit", e.ID, "deadline", e.Score.Time())
		m.announce(ctx, syncbus.EventReclaimed, e.ID)
	}
	span.SetAttributes(attribute.Int("sortlock.reclaimed", count))
	return count, errors.Join(errs...)
}

// Eligible lists the waiting units that are due now, earliest first.
func (m *Manager) Eligible(ctx context.Context) ([]string, error) {
	now, err := m.store.Now(ctx)
	if err != nil {
		return nil, m.fail(trace.SpanFromContext(ctx), "now", "", err)
	}
	entries, err := m.store.ListEligible(ctx, store.Waiting, now)
	if err != nil {
		return nil, m.fail(trace.SpanFromContext(ctx), "list waiting", "", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	return ids, nil
}

// Schedule enters id into the waiting pool, due now. Units already tracked
// in either pool keep their current state.
func (m *Manager) Schedule(ctx context.Context, id string) (bool, error) {
	now, err := m.store.Now(ctx)
	if err != nil {
		return false, m.fail(trace.SpanFromContext(ctx), "now", id, err)
	}
	added, err := m.store.Add(ctx, id, now)
	if err != nil {
		return false, m.fail(trace.SpanFromContext(ctx), "schedule", id, err)
	}
	return added, nil
}

// Unschedule removes id from both pools. A live handle on id will fail its
// release with ErrReleaseConflict.
func (m *Manager) Unschedule(ctx context.Context, id string) error {
	if err := m.store.Remove(ctx, id); err != nil {
		return m.fail(trace.SpanFromContext(ctx), "unschedule", id, err)
	}
	return nil
}

// Abandon forgets h without touching the store, for callers that gave up
// releasing it. The unit stays held until ReclaimExpired returns it.
func (m *Manager) Abandon(h Handle[ScoreToken]) {
	if h.Owner != m.owner {
		return
	}
	if m.forget(handleKey{id: h.ID, acq: h.Token.AcquireScore}) {
		m.logger.Warn("sortlock: handle abandoned, unit left for reclaim", "unit", h.ID, "deadline", h.Token.Deadline())
	}
}

func (m *Manager) track(h Handle[ScoreToken]) {
	key := handleKey{id: h.ID, acq: h.Token.AcquireScore}
	m.mu.Lock()
	_, dup := m.outstanding[key]
	m.outstanding[key] = false
	m.mu.Unlock()
	if !dup {
		metrics.HeldGauge.Inc()
	}
}

func (m *Manager) retain(key handleKey) {
	m.mu.Lock()
	if _, ok := m.outstanding[key]; ok {
		m.outstanding[key] = false
	}
	m.mu.Unlock()
}

func (m *Manager) forget(key handleKey) bool {
	m.mu.Lock()
	_, ok := m.outstanding[key]
	delete(m.outstanding, key)
	m.mu.Unlock()
	if ok {
		metrics.HeldGauge.Dec()
	}
	return ok
}

func (m *Manager) subscribe(ctx context.Context, kind syncbus.EventKind) chan struct{} {
	ch, err := m.bus.Subscribe(ctx, syncbus.KindTopic(kind))
	if err != nil {
		m.logger.Warn("sortlock: event subscribe failed, falling back to polling", "event", kind, "error", err)
		return nil
	}
	return ch
}

func (m *Manager) announce(ctx context.Context, kind syncbus.EventKind, id string) {
	if err := syncbus.Announce(ctx, m.bus, kind, id); err != nil {
		m.logger.Warn("sortlock: event publish failed", "event", kind, "unit", id, "error", err)
	}
}

// fail classifies a store error, records it and returns it. Errors that are
// neither invariant violations nor already classified are reported as
// ErrStoreUnavailable.
func (m *Manager) fail(span trace.Span, op, id string, err error) error {
	switch {
	case errors.Is(err, sortlockerrors.ErrInvariantViolation):
		metrics.InvariantCounter.Inc()
		m.logger.Error("sortlock: invariant violation", "op", op, "unit", id, "error", err)
	case errors.Is(err, sortlockerrors.ErrStoreUnavailable):
		metrics.StoreErrorCounter.Inc()
	default:
		metrics.StoreErrorCounter.Inc()
		err = fmt.Errorf("%w: %w", sortlockerrors.ErrStoreUnavailable, err)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, op)
	return err
}
