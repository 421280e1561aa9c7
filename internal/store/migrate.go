package store

import (
	"database/sql"
	"fmt"
	"log"
	"time"
)

// Migration is one ordered schema step with its inverse.
type Migration struct {
	Version     int
	Description string
	UpSQL       string
	DownSQL     string
}

// Migrations is the full ordered schema history. Append only; never edit an
// applied entry.
var Migrations = []Migration{
	{
		Version:     1,
		Description: "runs table",
		UpSQL: `CREATE TABLE runs (
			run_id        TEXT PRIMARY KEY,
			started_at    TEXT NOT NULL,
			finished_at   TEXT,
			success       INTEGER,
			error_summary TEXT NOT NULL DEFAULT ''
		)`,
		DownSQL: `DROP TABLE runs`,
	},
	{
		Version:     2,
		Description: "items table with delta-query indices",
		UpSQL: `CREATE TABLE items (
			url             TEXT PRIMARY KEY,
			source_id       TEXT NOT NULL,
			tier            INTEGER NOT NULL,
			kind            TEXT NOT NULL,
			title           TEXT NOT NULL,
			published_at    TEXT,
			date_confidence TEXT NOT NULL,
			content_hash    TEXT NOT NULL,
			raw_json        TEXT NOT NULL,
			first_seen_at   TEXT NOT NULL,
			last_seen_at    TEXT NOT NULL
		);
		CREATE INDEX idx_items_source_id ON items(source_id);
		CREATE INDEX idx_items_content_hash ON items(content_hash);
		CREATE INDEX idx_items_first_seen_at ON items(first_seen_at);
		CREATE INDEX idx_items_last_seen_at ON items(last_seen_at)`,
		DownSQL: `DROP TABLE items`,
	},
	{
		Version:     3,
		Description: "http_cache table",
		UpSQL: `CREATE TABLE http_cache (
			source_id     TEXT PRIMARY KEY,
			etag          TEXT NOT NULL DEFAULT '',
			last_modified TEXT NOT NULL DEFAULT '',
			last_status   INTEGER NOT NULL DEFAULT 0,
			last_fetch_at TEXT
		)`,
		DownSQL: `DROP TABLE http_cache`,
	},
}

// Migrate applies all pending migrations. Idempotent: applied versions are
// recorded in schema_version and skipped on re-run.
func (s *Store) Migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version     INTEGER PRIMARY KEY,
		applied_at  TEXT NOT NULL,
		description TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("store: create schema_version: %w", err)
	}
	applied, err := s.appliedVersions()
	if err != nil {
		return err
	}
	for _, m := range Migrations {
		if applied[m.Version] {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("store: begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.UpSQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO schema_version (version, applied_at, description) VALUES (?, ?, ?)`,
			m.Version, time.Now().UTC().Format(time.RFC3339), m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("store: commit migration %d: %w", m.Version, err)
		}
		log.Printf("store: applied migration %d: %s", m.Version, m.Description)
	}
	return nil
}

// RollbackTo executes down-SQL for every applied version greater than target,
// newest first.
func (s *Store) RollbackTo(target int) error {
	applied, err := s.appliedVersions()
	if err != nil {
		return err
	}
	for i := len(Migrations) - 1; i >= 0; i-- {
		m := Migrations[i]
		if m.Version <= target || !applied[m.Version] {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("store: begin rollback %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.DownSQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: rollback %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.Exec(`DELETE FROM schema_version WHERE version = ?`, m.Version); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: unrecord migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("store: commit rollback %d: %w", m.Version, err)
		}
		log.Printf("store: rolled back migration %d: %s", m.Version, m.Description)
	}
	return nil
}

// SchemaVersion returns the highest applied version, 0 when none.
func (s *Store) SchemaVersion() (int, error) {
	var v sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("store: schema version: %w", err)
	}
	return int(v.Int64), nil
}

func (s *Store) appliedVersions() (map[int]bool, error) {
	rows, err := s.db.Query(`SELECT version FROM schema_version`)
	if err != nil {
		return nil, fmt.Errorf("store: read schema_version: %w", err)
	}
	defer rows.Close()
	out := map[int]bool{}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out[v] = true
	}
	return out, rows.Err()
}
