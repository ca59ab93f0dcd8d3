// Package db opens SQL Server connections and exposes the narrow transaction
// surface the import pipeline needs.
//
// The seams (Stmt, Tx, Conn, Connector) let the schema reconciler and bulk
// loader run against go-sqlmock or light fakes, while production code wraps a
// real *sql.DB opened through go-mssqldb.
package db

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"
	_ "github.com/microsoft/go-mssqldb" // registers the "sqlserver" driver
	"github.com/microsoft/go-mssqldb/msdsn"
)

// DriverName is the database/sql driver used for SQL Server.
const DriverName = "sqlserver"

// ErrStorage marks failures that come from the database rather than the
// input, such as an unreachable server or a failed begin.
var ErrStorage = errors.New("storage failure")

// Stmt is the minimal subset of *sql.Stmt we use.
type Stmt interface {
	ExecContext(ctx context.Context, args ...any) (sql.Result, error)
	Close() error
}

// Tx is the subset of a transaction used by the reconciler and loader.
type Tx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	PrepareContext(ctx context.Context, query string) (Stmt, error)
	Commit() error
	Rollback() error
}

// Conn is one open database handle, used for a single import attempt.
type Conn interface {
	BeginTx(ctx context.Context) (Tx, error)
	Close() error
}

// Connector mints a fresh Conn. The importer asks for a new one on every
// attempt so a broken session never leaks into a retry.
type Connector interface {
	Connect(ctx context.Context) (Conn, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context) (Conn, error)

// Connect calls f.
func (f ConnectorFunc) Connect(ctx context.Context) (Conn, error) { return f(ctx) }

// realTx adapts *sql.Tx so PrepareContext returns the Stmt seam.
type realTx struct{ tx *sql.Tx }

// WrapTx adapts a *sql.Tx to Tx.
func WrapTx(tx *sql.Tx) Tx { return realTx{tx: tx} }

func (r realTx) ExecContext(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return r.tx.ExecContext(ctx, q, args...)
}
func (r realTx) QueryContext(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return r.tx.QueryContext(ctx, q, args...)
}
func (r realTx) PrepareContext(ctx context.Context, q string) (Stmt, error) {
	st, err := r.tx.PrepareContext(ctx, q)
	if err != nil {
		return nil, err
	}
	return st, nil
}
func (r realTx) Commit() error   { return r.tx.Commit() }
func (r realTx) Rollback() error { return r.tx.Rollback() }

// DB is a Conn backed by *sql.DB.
type DB struct{ db *sql.DB }

// New wraps an already-open pool.
func New(d *sql.DB) *DB { return &DB{db: d} }

// Open validates dsn, opens a pool with driver and pings it. For the SQL
// Server driver the DSN is parsed first so obvious mistakes fail before any
// network activity.
func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	if driver == "" {
		driver = DriverName
	}
	if driver == DriverName {
		if _, err := msdsn.Parse(dsn); err != nil {
			return nil, errors.Mark(errors.Wrap(err, "mssql dsn"), ErrStorage)
		}
	}
	d, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "sql.Open"), ErrStorage)
	}
	if err := d.PingContext(ctx); err != nil {
		_ = d.Close()
		return nil, errors.Mark(errors.Wrap(err, "ping"), ErrStorage)
	}
	return &DB{db: d}, nil
}

// BeginTx starts a read-committed transaction.
func (d *DB) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "begin tx"), ErrStorage)
	}
	return WrapTx(tx), nil
}

// Close closes the pool.
func (d *DB) Close() error { return d.db.Close() }

// Raw exposes the underlying pool.
func (d *DB) Raw() *sql.DB { return d.db }

// DSNConnector opens a new pool for every Connect call.
type DSNConnector struct {
	Driver string // defaults to DriverName
	DSN    string
}

// Connect implements Connector.
func (c DSNConnector) Connect(ctx context.Context) (Conn, error) {
	return Open(ctx, c.Driver, c.DSN)
}
