// Package postgres implements store.Store on a single Postgres table.
//
// Each unit is one row carrying its pool and score, so a unit can never sit
// in both pools. Conditional moves are a single UPDATE guarded on the
// expected pool and score.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	// Registers the "postgres" driver for callers using Open.
	_ "github.com/lib/pq"

	sortlockerrors "github.com/mirkobrombin/go-sortlock/v1/errors"
	"github.com/mirkobrombin/go-sortlock/v1/score"
	"github.com/mirkobrombin/go-sortlock/v1/store"
)

const (
	defaultTable   = "sortlock_units"
	defaultTimeout = 5 * time.Second
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// Store implements store.Store using a Postgres backend.
type Store struct {
	db      *sql.DB
	table   string
	timeout time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithTable sets the table name. Defaults to sortlock_units.
func WithTable(name string) Option {
	return func(s *Store) { s.table = name }
}

// WithTimeout sets the per-statement timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) { s.timeout = d }
}

// Open connects to dsn with the lib/pq driver.
func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	return New(db, opts...)
}

// New returns a Store on db.
func New(db *sql.DB, opts ...Option) (*Store, error) {
	s := &Store{db: db, table: defaultTable, timeout: defaultTimeout}
	for _, opt := range opts {
		opt(s)
	}
	if !tableName.MatchString(s.table) {
		return nil, fmt.Errorf("postgres: invalid table name %q", s.table)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the table and its pool index if missing.
func (s *Store) Migrate(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (id TEXT PRIMARY KEY, pool SMALLINT NOT NULL, score BIGINT NOT NULL)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_pool_score ON %s (pool, score)`, indexPrefix(s.table), s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(cctx, stmt); err != nil {
			return wrapErr(err)
		}
	}
	return nil
}

func indexPrefix(table string) string {
	b := []byte(table)
	for i, c := range b {
		if c == '.' {
			b[i] = '_'
		}
	}
	return string(b)
}

func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", sortlockerrors.ErrStoreUnavailable, sortlockerrors.ErrTimeout)
	}
	if errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %w", sortlockerrors.ErrStoreUnavailable, sortlockerrors.ErrConnectionClosed)
	}
	return fmt.Errorf("%w: %w", sortlockerrors.ErrStoreUnavailable, err)
}

// CurrentScore implements store.Store.
func (s *Store) CurrentScore(ctx context.Context, id string) (store.Entry, bool, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var (
		pool int
		sc   int64
	)
	err := s.db.QueryRowContext(cctx, fmt.Sprintf(`SELECT pool, score FROM %s WHERE id = $1`, s.table), id).Scan(&pool, &sc)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Entry{}, false, nil
	}
	if err != nil {
		return store.Entry{}, false, wrapErr(err)
	}
	return store.Entry{ID: id, Pool: store.Pool(pool), Score: score.Score(sc)}, true, nil
}

// ConditionalSetScore implements store.Store.
func (s *Store) ConditionalSetScore(ctx context.Context, id string, from store.Pool, expected score.Score, to store.Pool, next score.Score) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.db.ExecContext(cctx,
		fmt.Sprintf(`UPDATE %s SET pool = $4, score = $5 WHERE id = $1 AND pool = $2 AND score = $3`, s.table),
		id, int(from), int64(expected), int(to), int64(next))
	if err != nil {
		return false, wrapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr(err)
	}
	return n == 1, nil
}

// ListEligible implements store.Store.
func (s *Store) ListEligible(ctx context.Context, pool store.Pool, threshold score.Score) ([]store.Entry, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	rows, err := s.db.QueryContext(cctx,
		fmt.Sprintf(`SELECT id, score FROM %s WHERE pool = $1 AND score <= $2 ORDER BY score, id`, s.table),
		int(pool), int64(threshold))
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	var out []store.Entry
	for rows.Next() {
		var (
			id string
			sc int64
		)
		if err := rows.Scan(&id, &sc); err != nil {
			return nil, wrapErr(err)
		}
		out = append(out, store.Entry{ID: id, Pool: pool, Score: score.Score(sc)})
	}
	return out, wrapErr(rows.Err())
}

// Add implements store.Store.
func (s *Store) Add(ctx context.Context, id string, sc score.Score) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.db.ExecContext(cctx,
		fmt.Sprintf(`INSERT INTO %s (id, pool, score) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`, s.table),
		id, int(store.Waiting), int64(sc))
	if err != nil {
		return false, wrapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr(err)
	}
	return n == 1, nil
}

// Remove implements store.Store.
func (s *Store) Remove(ctx context.Context, id string) error {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.db.ExecContext(cctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table), id)
	return wrapErr(err)
}

// Now implements store.Store using the database clock.
func (s *Store) Now(ctx context.Context) (score.Score, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var us int64
	err := s.db.QueryRowContext(cctx, `SELECT (EXTRACT(EPOCH FROM clock_timestamp()) * 1000000)::BIGINT`).Scan(&us)
	if err != nil {
		return 0, wrapErr(err)
	}
	return score.Score(us), nil
}
