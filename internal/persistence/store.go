// Package persistence provides the key/value record store that run state is
// persisted through.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("record not found")

// Record is one stored value.
type Record struct {
	Key       string
	Value     []byte
	UpdatedAt time.Time
}

// RecordStore is a flat key/value store with prefix listing.
type RecordStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// List returns every record whose key starts with prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]Record, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// SQLiteStore implements RecordStore using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	retry   func() backoff.BackOff
	now     func() time.Time
	onRetry func(err error, wait time.Duration)
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(2)

	return open(ctx, db)
}

// NewMemoryStore creates an in-memory SQLite store for testing. Each call gets
// its own database.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}
	// The database lives as long as one connection stays open.
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(0)

	return open(ctx, db)
}

func open(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	store := &SQLiteStore{
		db:    db,
		retry: defaultRetry,
		now:   time.Now,
	}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func defaultRetry() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second
	return b
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// withBusyRetry runs op, retrying while SQLite reports the database as busy
// or locked. Any other error is returned immediately.
func (s *SQLiteStore) withBusyRetry(ctx context.Context, op func() error) error {
	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		err := op()
		if err != nil && !isBusy(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		if s.onRetry != nil {
			s.onRetry(err, wait)
		}
	}
	return backoff.RetryNotify(operation, backoff.WithContext(s.retry(), ctx), notify)
}

func isBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}
