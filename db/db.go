package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"

	"github.com/deemkeen/fedletic/logging"
)

// ErrNotFound is returned by the Read* methods when no row matches.
var ErrNotFound = errors.New("not found")

const maxBusyRetries = 5

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB is the database struct. Inside RunInTx the callback receives a DB bound to the transaction.
type DB struct {
	db  *sql.DB
	q   querier
	tx  bool
	log *zap.Logger
}

// Open opens (and migrates) the sqlite database at path. ":memory:" gives a private
// in-memory database on a single connection.
func Open(path string) (*DB, error) {
	memory := path == ":memory:"

	dsn := path
	if !memory {
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)", path)
	} else {
		dsn = "file::memory:?_pragma=foreign_keys(1)"
	}

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if memory {
		// every new connection would be a fresh empty database
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	db := &DB{db: sqlDB, q: sqlDB, log: logging.WithComponent("db")}
	if err := db.RunMigrations(context.Background()); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	db.log.Info("Database initialized", zap.String("path", path))
	return db, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// RunInTx runs f within a transaction, retrying the whole transaction while sqlite reports SQLITE_BUSY.
// Nested calls reuse the outer transaction.
func (db *DB) RunInTx(ctx context.Context, f func(tx *DB) error) error {
	if db.tx {
		return f(db)
	}

	var err error
	for attempt := 0; attempt < maxBusyRetries; attempt++ {
		err = db.runOnce(ctx, f)
		if !isBusy(err) {
			return err
		}
		db.log.Debug("Database busy, retrying transaction", zap.Int("attempt", attempt+1))
		time.Sleep(time.Duration(attempt+1) * 20 * time.Millisecond)
	}
	return err
}

func (db *DB) runOnce(ctx context.Context, f func(tx *DB) error) error {
	sqlTx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}

	txDB := &DB{db: db.db, q: sqlTx, tx: true, log: db.log}
	if err := f(txDB); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			db.log.Warn("Rollback failed", zap.Error(rbErr))
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}
	return nil
}

func isBusy(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		return serr.Code() == sqlitelib.SQLITE_BUSY || serr.Code() == sqlitelib.SQLITE_LOCKED
	}
	return false
}

// isUniqueViolation reports a UNIQUE or PRIMARY KEY constraint failure.
func isUniqueViolation(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		return serr.Code() == sqlitelib.SQLITE_CONSTRAINT_UNIQUE || serr.Code() == sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}
