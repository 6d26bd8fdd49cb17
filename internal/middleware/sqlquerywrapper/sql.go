package sqlquerywrapper

import (
	"context"
	"database/sql"
	"time"

	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
)

type Opt func(*DB)

// DB wraps sql.DB with query logging, a default per-query timeout and a
// slow-query log line. All repositories go through this wrapper.
type DB struct {
	*sql.DB

	since              func(time.Time) time.Duration
	logger             logger.Logger
	statsFactory       stats.Stats
	queryTimeout       time.Duration
	slowQueryThreshold time.Duration
}

type Tx struct {
	*sql.Tx
	db *DB
}

func WithLogger(log logger.Logger) Opt {
	return func(s *DB) {
		s.logger = log
	}
}

func WithStats(statsFactory stats.Stats) Opt {
	return func(s *DB) {
		s.statsFactory = statsFactory
	}
}

func WithQueryTimeout(queryTimeout time.Duration) Opt {
	return func(s *DB) {
		s.queryTimeout = queryTimeout
	}
}

func WithSlowQueryThreshold(slowQueryThreshold time.Duration) Opt {
	return func(s *DB) {
		s.slowQueryThreshold = slowQueryThreshold
	}
}

func New(db *sql.DB, opts ...Opt) *DB {
	s := &DB{
		DB:                 db,
		since:              time.Since,
		logger:             logger.NOP,
		statsFactory:       stats.NOP,
		slowQueryThreshold: 300 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// withTimeout applies the default query timeout, if one is configured and the
// caller hasn't set a deadline already.
func (db *DB) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if db.queryTimeout <= 0 {
		return ctx, func() {}
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, db.queryTimeout)
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()
	startedAt := time.Now()
	result, err := db.DB.ExecContext(ctx, query, args...)
	db.logQuery(query, db.since(startedAt))
	return result, err
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()
	startedAt := time.Now()
	rows, err := db.DB.QueryContext(ctx, query, args...)
	db.logQuery(query, db.since(startedAt))
	return rows, err
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()
	startedAt := time.Now()
	row := db.DB.QueryRowContext(ctx, query, args...)
	db.logQuery(query, db.since(startedAt))
	return row
}

func (db *DB) logQuery(query string, elapsed time.Duration) {
	if elapsed < db.slowQueryThreshold {
		return
	}
	db.statsFactory.NewStat("docqueue_slow_query", stats.CountType).Increment()
	db.logger.Warnw("executing query",
		"query", query,
		"executionTime", elapsed,
	)
}

func (db *DB) Begin() (*Tx, error) {
	tx, err := db.DB.Begin()
	if err != nil {
		return nil, err
	}
	return &Tx{tx, db}, nil
}

func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	tx, err := db.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{tx, db}, nil
}

// WithTx runs fn inside a transaction, committing on success and rolling back
// on error.
func (db *DB) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (tx *Tx) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	startedAt := time.Now()
	result, err := tx.Tx.ExecContext(ctx, query, args...)
	tx.db.logQuery(query, tx.db.since(startedAt))
	return result, err
}

func (tx *Tx) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	startedAt := time.Now()
	rows, err := tx.Tx.QueryContext(ctx, query, args...)
	tx.db.logQuery(query, tx.db.since(startedAt))
	return rows, err
}

func (tx *Tx) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	startedAt := time.Now()
	row := tx.Tx.QueryRowContext(ctx, query, args...)
	tx.db.logQuery(query, tx.db.since(startedAt))
	return row
}
