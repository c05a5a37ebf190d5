package validator

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	sortlockerrors "github.com/mirkobrombin/go-sortlock/v1/errors"
	"github.com/mirkobrombin/go-sortlock/v1/metrics"
	"github.com/mirkobrombin/go-sortlock/v1/score"
	"github.com/mirkobrombin/go-sortlock/v1/store"
)

// Mode defines validator behaviour.
type Mode int

const (
	// ModeNoop only counts findings.
	ModeNoop Mode = iota
	// ModeAlert counts and logs findings at error level.
	ModeAlert
)

// Report is the outcome of one scan.
type Report struct {
	// Duplicated lists units found in both pools at once.
	Duplicated []string
	// Overdue lists held units whose deadline passed more than the grace
	// period ago, i.e. holders that died and were never reclaimed.
	Overdue []string
}

// Validator periodically audits the score store. It never writes to it.
type Validator struct {
	store      store.Store
	mode       Mode
	interval   time.Duration
	grace      time.Duration
	logger     *slog.Logger
	violations uint64
	overdue    uint64
}

// New creates a new Validator. Held units are reported as overdue once
// their deadline is older than grace.
func New(s store.Store, mode Mode, interval, grace time.Duration) *Validator {
	return &Validator{store: s, mode: mode, interval: interval, grace: grace, logger: slog.Default()}
}

// WithLogger replaces the logger used in ModeAlert.
func (v *Validator) WithLogger(l *slog.Logger) *Validator {
	v.logger = l
	return v
}

// Run starts the validation loop.
func (v *Validator) Run(ctx context.Context) {
	if v.store == nil {
		return
	}
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := v.Scan(ctx); err != nil && ctx.Err() == nil {
				v.logger.Warn("validator: scan failed", "error", err)
			}
		}
	}
}

// Scan lists both pools once and records what it finds.
func (v *Validator) Scan(ctx context.Context) (Report, error) {
	var r Report
	now, err := v.store.Now(ctx)
	if err != nil {
		return r, err
	}
	waiting, err := v.store.ListEligible(ctx, store.Waiting, score.Max)
	if err != nil {
		return r, err
	}
	held, err := v.store.ListEligible(ctx, store.Held, score.Max)
	if err != nil {
		return r, err
	}

	inWaiting := make(map[string]struct{}, len(waiting))
	for _, e := range waiting {
		inWaiting[e.ID] = struct{}{}
	}
	cutoff := now.Add(-v.grace)
	for _, e := range held {
		if _, dup := inWaiting[e.ID]; dup {
			// The two listings are not atomic, so a unit acquired in
			// between shows up in both. Only a point read confirms it.
			if _, _, err := v.store.CurrentScore(ctx, e.ID); !errors.Is(err, sortlockerrors.ErrInvariantViolation) {
				continue
			}
			r.Duplicated = append(r.Duplicated, e.ID)
			atomic.AddUint64(&v.violations, 1)
			metrics.InvariantCounter.Inc()
			if v.mode == ModeAlert {
				v.logger.Error("validator: unit present in both pools", "unit", e.ID)
			}
			continue
		}
		if e.Score < cutoff {
			r.Overdue = append(r.Overdue, e.ID)
			atomic.AddUint64(&v.overdue, 1)
			if v.mode == ModeAlert {
				v.logger.Error("validator: held unit overdue", "unit", e.ID, "deadline", e.Score.Time())
			}
		}
	}
	return r, nil
}

// Metrics returns the number of invariant violations detected.
func (v *Validator) Metrics() uint64 {
	return atomic.LoadUint64(&v.violations)
}

// Overdue returns the number of overdue holds detected.
func (v *Validator) Overdue() uint64 {
	return atomic.LoadUint64(&v.overdue)
}
