// Package store persists pipeline state in a single SQLite database: runs,
// items, and per-source HTTP cache validators. Concurrent collector tasks
// share one connection, so their transactions queue instead of racing for
// the write lock; each source's bulk upsert is one transaction so a failing
// source rolls back alone.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite handle.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path, switches it to WAL
// with a busy timeout, and applies any pending migrations.
//
// Transactions start with an immediate lock and the pool is capped at one
// connection: upsert transactions read the current content hash before
// writing, and a deferred read-then-write transaction that loses the lock
// race fails with SQLITE_BUSY without ever waiting out busy_timeout.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw handle for migration tooling and tests.
func (s *Store) DB() *sql.DB { return s.db }
