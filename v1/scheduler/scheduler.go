// Package scheduler runs agents across a cluster of workers, at most one
// worker per agent at a time, using the lock package for exclusion.
//
// Every pass the scheduler reclaims expired holds, lists the agents that are
// due, and locks as many of the locally known ones as its parallelism
// allows. Each locked agent runs on its own goroutine and is released with
// the success interval or the error interval depending on the outcome.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mirkobrombin/go-sortlock/v1/backoff"
	sortlockerrors "github.com/mirkobrombin/go-sortlock/v1/errors"
	"github.com/mirkobrombin/go-sortlock/v1/lock"
	"github.com/mirkobrombin/go-sortlock/v1/metrics"
	"github.com/mirkobrombin/go-sortlock/v1/syncbus"
)

const (
	defaultPollInterval  = time.Second
	defaultRefreshPeriod = 30
	defaultRetryAttempts = 5
	releaseTimeout       = 30 * time.Second
)

// ErrInvalidParallelism is returned for a parallelism of zero or below -1.
var ErrInvalidParallelism = errors.New("scheduler: parallelism must be positive, or -1 for unlimited")

// Locker is what the scheduler needs from a lock manager.
type Locker interface {
	lock.Locker[lock.ScoreToken]
	Schedule(ctx context.Context, id string) (bool, error)
	Unschedule(ctx context.Context, id string) error
	ReclaimExpired(ctx context.Context) (int, error)
	Eligible(ctx context.Context) ([]string, error)
	Abandon(h lock.Handle[lock.ScoreToken])
}

type worker struct {
	agent Agent
	exec  Execution
}

// Scheduler drives agent execution on one node.
type Scheduler struct {
	locker        Locker
	intervals     lock.IntervalFunc
	bus           syncbus.Bus
	logger        *slog.Logger
	poll          time.Duration
	refreshPeriod int
	parallelism   int
	sem           *semaphore.Weighted
	nodeEnabled   func() bool
	retry         backoff.Strategy
	retryAttempts int

	mu     sync.Mutex
	agents map[string]worker
	runs   int
	wg     sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithParallelism bounds concurrent agent runs on this node. -1 means
// unlimited, which is the default.
func WithParallelism(n int) Option {
	return func(s *Scheduler) { s.parallelism = n }
}

// WithPollInterval sets how often a pass runs.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.poll = d }
}

// WithRefreshPeriod sets every how many passes the known agents are
// re-entered into the store, which repopulates it after a data loss.
func WithRefreshPeriod(n int) Option {
	return func(s *Scheduler) { s.refreshPeriod = n }
}

// WithNodeStatus skips passes while enabled returns false.
func WithNodeStatus(enabled func() bool) Option {
	return func(s *Scheduler) { s.nodeEnabled = enabled }
}

// WithIntervals sets the policy used to pick the error interval.
func WithIntervals(f lock.IntervalFunc) Option {
	return func(s *Scheduler) { s.intervals = f }
}

// WithBus wakes the scheduler early on unlock and reclaim events.
func WithBus(bus syncbus.Bus) Option {
	return func(s *Scheduler) { s.bus = bus }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithRetry sets the backoff for releases that hit an unavailable store.
func WithRetry(strategy backoff.Strategy, attempts int) Option {
	return func(s *Scheduler) {
		s.retry = strategy
		s.retryAttempts = attempts
	}
}

// New returns a Scheduler using l.
func New(l Locker, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		locker:        l,
		intervals:     lock.StaticInterval(lock.DefaultInterval),
		logger:        slog.Default(),
		poll:          defaultPollInterval,
		refreshPeriod: defaultRefreshPeriod,
		parallelism:   -1,
		nodeEnabled:   func() bool { return true },
		retry:         backoff.DefaultStrategy(),
		retryAttempts: defaultRetryAttempts,
		agents:        make(map[string]worker),
	}
	for _, opt := range opts {
		opt(s)
	}
	switch {
	case s.parallelism == 0 || s.parallelism < -1:
		return nil, fmt.Errorf("%w: got %d", ErrInvalidParallelism, s.parallelism)
	case s.parallelism > 0:
		s.sem = semaphore.NewWeighted(int64(s.parallelism))
	}
	if s.refreshPeriod < 1 {
		s.refreshPeriod = 1
	}
	return s, nil
}

// Schedule registers a with this node and enters it into the store.
func (s *Scheduler) Schedule(ctx context.Context, a Agent, exec Execution) error {
	s.mu.Lock()
	s.agents[a.Type()] = worker{agent: a, exec: exec}
	s.mu.Unlock()
	_, err := s.locker.Schedule(ctx, a.Type())
	return err
}

// Unschedule forgets a locally and removes it from the store.
func (s *Scheduler) Unschedule(ctx context.Context, a Agent) error {
	s.mu.Lock()
	delete(s.agents, a.Type())
	s.mu.Unlock()
	return s.locker.Unschedule(ctx, a.Type())
}

// Run performs a pass every poll interval until ctx ends, then waits for
// running agents to finish.
func (s *Scheduler) Run(ctx context.Context) {
	defer s.wg.Wait()

	var unlocked, reclaimed chan struct{}
	if s.bus != nil {
		unlocked = s.subscribe(ctx, syncbus.EventUnlocked)
		reclaimed = s.subscribe(ctx, syncbus.EventReclaimed)
	}
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for ctx.Err() == nil {
		if err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("scheduler: pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-unlocked:
		case <-reclaimed:
		}
	}
}

func (s *Scheduler) subscribe(ctx context.Context, kind syncbus.EventKind) chan struct{} {
	ch, err := s.bus.Subscribe(ctx, syncbus.KindTopic(kind))
	if err != nil {
		s.logger.Warn("scheduler: event subscribe failed, falling back to polling", "event", kind, "error", err)
		return nil
	}
	return ch
}

// RunOnce performs a single pass and returns once the locked agents have
// been started.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if !s.nodeEnabled() {
		return nil
	}
	s.mu.Lock()
	refresh := s.runs%s.refreshPeriod == 0
	s.runs++
	known := make([]string, 0, len(s.agents))
	if refresh {
		for id := range s.agents {
			known = append(known, id)
		}
	}
	s.mu.Unlock()

	for _, id := range known {
		if _, err := s.locker.Schedule(ctx, id); err != nil {
			return err
		}
	}

	if _, err := s.locker.ReclaimExpired(ctx); err != nil {
		if errors.Is(err, sortlockerrors.ErrStoreUnavailable) {
			return err
		}
		s.logger.Error("scheduler: reclaim failed", "error", err)
	}

	due, err := s.locker.Eligible(ctx)
	if err != nil {
		return err
	}
	for _, id := range due {
		s.mu.Lock()
		w, ok := s.agents[id]
		s.mu.Unlock()
		if !ok {
			continue
		}
		if s.sem != nil && !s.sem.TryAcquire(1) {
			return nil
		}
		h, ok, err := s.locker.TryLock(ctx, id)
		if err != nil || !ok {
			if s.sem != nil {
				s.sem.Release(1)
			}
			if err != nil {
				return err
			}
			continue
		}
		s.wg.Add(1)
		go s.run(ctx, w, h)
	}
	return nil
}

// Wait blocks until every agent started so far has been released.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, w worker, h lock.Handle[lock.ScoreToken]) {
	defer s.wg.Done()

	start := time.Now()
	result, err := s.execute(ctx, w)
	status := "success"
	if err != nil {
		status = "failure"
		s.logger.Warn("scheduler: agent failed", "agent", h.ID, "error", err)
	}
	metrics.RunHistogram.WithLabelValues(status).Observe(time.Since(start).Seconds())
	if s.sem != nil {
		s.sem.Release(1)
	}

	// The hold must be given back even when the node is shutting down.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	// The next run is due a full interval after this one finished.
	iv := s.intervals(h.ID)
	rest := iv.Interval
	if err != nil {
		rest = iv.ErrorInterval
	}
	relErr := backoff.Retry(rctx, s.retry, s.retryAttempts, func(ctx context.Context) error {
		return s.locker.ReleaseAfter(ctx, h, rest)
	})
	switch {
	case errors.Is(relErr, sortlockerrors.ErrReleaseConflict):
		s.logger.Warn("scheduler: agent lost its lock, result discarded", "agent", h.ID)
		return
	case relErr != nil:
		s.logger.Error("scheduler: release failed", "agent", h.ID, "error", relErr)
		s.locker.Abandon(h)
		return
	}
	if err != nil || result == nil {
		return
	}
	if err := w.exec.Store(rctx, w.agent, result); err != nil {
		s.logger.Error("scheduler: storing result failed", "agent", h.ID, "error", err)
	}
}

func (s *Scheduler) execute(ctx context.Context, w worker) (r Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("scheduler: agent panicked: %v", p)
		}
	}()
	return w.exec.Execute(ctx, w.agent)
}
