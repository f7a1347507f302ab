package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/roach88/entityctx/internal/querysql"
)

// Config selects and tunes the store connection.
type Config struct {
	// Driver is the database/sql driver name: sqlite3, sqlite, mysql or postgres.
	Driver string

	// DSN is passed to sql.Open unchanged.
	DSN string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// QueryTimeout bounds every statement. Zero leaves deadlines to the
	// caller's context.
	QueryTimeout time.Duration
}

// Store executes statements against one database.
type Store struct {
	db        *sql.DB
	dialect   querysql.Dialect
	timeout   time.Duration
	observers []Observer
}

// Option configures a Store.
type Option func(*Store)

// WithObserver registers a statement observer.
func WithObserver(o Observer) Option {
	return func(s *Store) {
		s.observers = append(s.observers, o)
	}
}

// Open connects to the store described by cfg.
//
// SQLite databases are limited to one open connection and get the pragmas
// listed in the package documentation.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	dialect, err := querysql.DialectFor(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if isSQLite(dialect) {
		// SQLite only supports one writer at a time
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, Classify(fmt.Errorf("failed to connect to database: %w", err))
	}

	if isSQLite(dialect) {
		if err := applyPragmas(ctx, db); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply pragmas: %w", err)
		}
	}

	return New(db, dialect, cfg.QueryTimeout, opts...), nil
}

// New wraps an existing database handle.
func New(db *sql.DB, dialect querysql.Dialect, timeout time.Duration, opts ...Option) *Store {
	s := &Store{db: db, dialect: dialect, timeout: timeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect returns the SQL dialect of the store.
func (s *Store) Dialect() querysql.Dialect {
	return s.dialect
}

// Exec runs a statement outside any transaction.
func (s *Store) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.exec(ctx, s.db, query, args)
}

// Query runs a query outside any transaction. Callers must close the rows.
func (s *Store) Query(ctx context.Context, query string, args ...any) (*Rows, error) {
	return s.query(ctx, s.db, query, args)
}

// Script runs a semicolon-separated list of statements, such as DDL. Empty
// statements are skipped; semicolons inside string literals are not
// supported.
func (s *Store) Script(ctx context.Context, script string) error {
	for _, stmt := range strings.Split(script, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Begin starts a transaction.
func (s *Store) Begin(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, Classify(fmt.Errorf("begin transaction: %w", err))
	}
	return &Tx{tx: tx, store: s}, nil
}

// Tx is a store transaction.
type Tx struct {
	tx    *sql.Tx
	store *Store
}

// Exec runs a statement in the transaction.
func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.store.exec(ctx, t.tx, query, args)
}

// Query runs a query in the transaction. Callers must close the rows.
func (t *Tx) Query(ctx context.Context, query string, args ...any) (*Rows, error) {
	return t.store.query(ctx, t.tx, query, args)
}

// Dialect returns the SQL dialect of the store.
func (t *Tx) Dialect() querysql.Dialect {
	return t.store.dialect
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return Classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// Rollback aborts the transaction. Rolling back a finished transaction is a
// no-op.
func (t *Tx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return Classify(fmt.Errorf("rollback: %w", err))
	}
	return nil
}

// Conn is implemented by Store and Tx.
type Conn interface {
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	Query(ctx context.Context, query string, args ...any) (*Rows, error)
	Dialect() querysql.Dialect
}

var (
	_ Conn = (*Store)(nil)
	_ Conn = (*Tx)(nil)
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Rows is sql.Rows that also releases the statement timeout on Close.
type Rows struct {
	*sql.Rows
	cancel context.CancelFunc
}

// Close closes the rows.
func (r *Rows) Close() error {
	err := r.Rows.Close()
	r.cancel()
	return err
}

// Err returns the classified iteration error, if any.
func (r *Rows) Err() error {
	return Classify(r.Rows.Err())
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return ctx, func() {}
}

func (s *Store) exec(ctx context.Context, e execer, query string, args []any) (sql.Result, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	res, err := e.ExecContext(ctx, query, args...)
	err = classifyContext(ctx, err)
	s.observe(Event{SQL: query, Args: len(args), Elapsed: time.Since(start), Err: err})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Store) query(ctx context.Context, e execer, query string, args []any) (*Rows, error) {
	ctx, cancel := s.withTimeout(ctx)

	start := time.Now()
	rows, err := e.QueryContext(ctx, query, args...)
	err = classifyContext(ctx, err)
	s.observe(Event{SQL: query, Args: len(args), Elapsed: time.Since(start), Err: err})
	if err != nil {
		cancel()
		return nil, err
	}
	return &Rows{Rows: rows, cancel: cancel}, nil
}

// classifyContext prefers the context's own error: drivers report a
// cancelled statement in driver-specific ways.
func classifyContext(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Classify(fmt.Errorf("%w: %w", ctxErr, err))
	}
	return Classify(err)
}

func isSQLite(d querysql.Dialect) bool {
	return d.Name == querysql.SQLite.Name || d.Name == querysql.SQLitePure.Name
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}
