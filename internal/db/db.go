// Package db owns the Postgres connection pool and the embedded schema and
// stored-procedure definitions that back the DAG scheduler. Modeled on the
// swarmguard store packages' pgxpool-plus-embedded-DDL pattern: there is no
// external migration tool, Init() just applies idempotent SQL on startup.
package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/swarmguard/workflows/internal/workflowerr"
)

//go:embed sql/schema.sql
var schemaSQL string

//go:embed sql/procedures.sql
var proceduresSQL string

// DefaultStatementTimeout bounds every scheduler transaction so a stuck
// worker can never hold row locks forever.
const DefaultStatementTimeout = 15 * time.Second

// DB wraps a pgxpool.Pool with the statement-timeout and error-classification
// conventions the scheduler and queue packages share.
type DB struct {
	Pool *pgxpool.Pool
}

// Open parses dsn and establishes the pool. It does not apply schema; call
// Init for that.
func Open(ctx context.Context, dsn string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, workflowerr.Validation("invalid database dsn: %v", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, workflowerr.Transient(err, "connect to database")
	}
	return &DB{Pool: pool}, nil
}

// Init applies the schema and stored-procedure definitions. Safe to run on
// every process startup: every DDL statement is IF NOT EXISTS, and every
// function definition is CREATE OR REPLACE.
func (d *DB) Init(ctx context.Context) error {
	if _, err := d.Pool.Exec(ctx, schemaSQL); err != nil {
		return workflowerr.Transient(err, "apply schema")
	}
	if _, err := d.Pool.Exec(ctx, proceduresSQL); err != nil {
		return workflowerr.Transient(err, "apply stored procedures")
	}
	return nil
}

// Close releases the pool.
func (d *DB) Close() { d.Pool.Close() }

// WithStatementTimeout runs fn inside a transaction with SET LOCAL
// statement_timeout applied, committing on success and rolling back on any
// error including one returned by fn itself.
func WithStatementTimeout(ctx context.Context, pool *pgxpool.Pool, timeout time.Duration, fn func(tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return ClassifyError(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", timeout.Milliseconds())); err != nil {
		return ClassifyError(err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return ClassifyError(err)
	}
	return nil
}

// ClassifyError maps a pgx/Postgres error to the workflowerr taxonomy.
// A context deadline becomes Timeout and pgx.ErrNoRows is returned
// unchanged so callers can test for it; every other error, including
// connection failures, serialization failures, and statement-timeout
// cancellations, is wrapped as TransientBackend.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return workflowerr.Timeout()
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "57014", "08006", "08003", "08001":
			// serialization_failure, deadlock_detected, query_canceled,
			// connection_failure family.
			return workflowerr.Transient(err, "database operation")
		}
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	return workflowerr.Transient(err, "database operation")
}
