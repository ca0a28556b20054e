// Package postgres holds the PostgreSQL-backed repositories: accounts, ban
// and trust entries, and the single server settings row.
package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxPool is the slice of the pgx pool API the repositories actually touch.
// Satisfied by *pgxpool.Pool in the daemon and by pgxmock.PgxPoolIface in
// tests, so no repository test needs a live database.
type PgxPool interface {
	// Exec runs a statement and returns its command tag.
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	// Query runs a SELECT returning any number of rows.
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	// QueryRow runs a SELECT expected to return at most one row.
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	// Close releases the pool.
	Close()
}

// DB carries the shared pool into the repository constructors.
type DB struct{ Pool PgxPool }

// New opens a connection pool against the DSN. Connectivity is verified
// lazily on first use.
func New(ctx context.Context, dsn string) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &DB{Pool: pool}, nil
}

// Close shuts the pool down.
func (db *DB) Close() { db.Pool.Close() }

// isUniqueViolation matches Postgres error 23505 so unique-index conflicts
// surface as errs.ErrAlreadyExists.
func isUniqueViolation(err error) bool {
	var pg *pgconn.PgError
	return errors.As(err, &pg) && pg.Code == "23505"
}
