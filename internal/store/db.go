package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sethvargo/go-retry"
	"modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// timeLayout is fixed-width so stored timestamps order lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// Options configures Open.
type Options struct {
	Driver string
	// DSN is a file path for sqlite or a connection string for postgres.
	DSN          string
	MaxOpenConns int
	RetryBase    time.Duration
	RetryCap     time.Duration
	RetryMax     uint64
}

// SQLStore implements Store over database/sql. Queries are written with
// '?' placeholders and rebound for the postgres driver.
type SQLStore struct {
	db      *sql.DB
	dialect string
	opts    Options
}

var _ Store = (*SQLStore)(nil)

// Open connects to the configured database and applies migrations.
func Open(opts Options) (*SQLStore, error) {
	if opts.RetryBase <= 0 {
		opts.RetryBase = 25 * time.Millisecond
	}
	if opts.RetryCap <= 0 {
		opts.RetryCap = time.Second
	}
	if opts.RetryMax == 0 {
		opts.RetryMax = 4
	}

	var (
		db  *sql.DB
		err error
	)
	switch opts.Driver {
	case "", DriverSQLite:
		opts.Driver = DriverSQLite
		db, err = openSQLite(opts.DSN)
	case DriverPostgres:
		db, err = sql.Open("pgx", opts.DSN)
		if err == nil && opts.MaxOpenConns > 0 {
			db.SetMaxOpenConns(opts.MaxOpenConns)
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := RunMigrations(db, opts.Driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLStore{db: db, dialect: opts.Driver, opts: opts}, nil
}

// NewSQLiteStore opens a sqlite database at dbPath with default options.
func NewSQLiteStore(dbPath string) (*SQLStore, error) {
	return Open(Options{Driver: DriverSQLite, DSN: dbPath})
}

func openSQLite(dbPath string) (*sql.DB, error) {
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection serializes writers and keeps :memory: databases alive.
	db.SetMaxOpenConns(1)

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}
	return db, nil
}

// enablePragmas sets SQLite pragmas for optimal performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// DB exposes the underlying handle for the migrate command.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Dialect returns the goose dialect of the store.
func (s *SQLStore) Dialect() string {
	return s.dialect
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping checks connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.run(ctx, func(ctx context.Context) error {
		return s.db.PingContext(ctx)
	})
}

// rebind rewrites '?' placeholders to '$n' for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) backoff() retry.Backoff {
	b := retry.NewExponential(s.opts.RetryBase)
	b = retry.WithJitterPercent(20, b)
	b = retry.WithCappedDuration(s.opts.RetryCap, b)
	return retry.WithMaxRetries(s.opts.RetryMax, b)
}

// run executes fn, retrying transient failures with bounded backoff.
// Transient failures that outlast the budget surface as ErrUnavailable.
func (s *SQLStore) run(ctx context.Context, fn func(ctx context.Context) error) error {
	err := retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			if isTransient(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if err != nil && isTransient(err) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

// isTransient reports whether err is worth retrying.
func isTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case 5, 6: // SQLITE_BUSY, SQLITE_LOCKED
			return true
		}
		return false
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		return pe.Code == "40001" || pe.Code == "40P01" || strings.HasPrefix(pe.Code, "08")
	}
	return pgconn.SafeToRetry(err)
}

// exec runs a write statement with retries and returns rows affected.
func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (int64, error) {
	var n int64
	err := s.run(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// inTx runs fn in a transaction, retrying the whole transaction on
// transient failures.
func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.run(ctx, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer tx.Rollback()

		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// scanner is implemented by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func limitOr(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return limit
}
