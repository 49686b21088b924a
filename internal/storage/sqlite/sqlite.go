package sqlite

import (
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// Store is the durable coordination store. The SQLite file is the sole
// synchronization point across processes: every mutation is a single
// statement or a single IMMEDIATE transaction, so the row a loser observes
// is always the winner's.
type Store struct {
	db      dbHandle
	nowFunc func() time.Time
}

// Option configures a Store at construction.
type Option func(*Store)

// WithNowFunc replaces the time source used for all expiry math. Tests use
// this to advance time deterministically.
func WithNowFunc(now func() time.Time) Option {
	return func(s *Store) { s.nowFunc = now }
}

func New(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("db path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	// IMMEDIATE transactions take the write lock up front, so concurrent
	// claim transactions from other processes queue on busy_timeout instead
	// of failing mid-upgrade.
	db, err := sql.Open("sqlite", "file:"+path+"?_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite is single-writer; one connection avoids SQLITE_BUSY inside a
	// process and keeps the PRAGMAs pinned to the connection that uses them.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("wal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("busy timeout: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return newStore(db, opts...), nil
}

func NewInMemory(opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return newStore(db, opts...), nil
}

func newStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: &queryLogger{inner: db}, nowFunc: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// now returns the current time in UTC truncated to the store's millisecond
// resolution, so values read back compare equal to values written.
func (s *Store) now() time.Time {
	return s.nowFunc().UTC().Truncate(time.Millisecond)
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

type scanner interface {
	Scan(dest ...any) error
}
