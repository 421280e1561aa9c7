package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CacheEntry holds the conditional-request validators for one source.
type CacheEntry struct {
	SourceID     string
	ETag         string
	LastModified string
	LastStatus   int
	LastFetchAt  *time.Time
}

// GetCacheEntry loads the cache entry for a source; (nil, nil) when absent.
func (s *Store) GetCacheEntry(ctx context.Context, sourceID string) (*CacheEntry, error) {
	var e CacheEntry
	var fetchAt sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT source_id, etag, last_modified, last_status, last_fetch_at
		 FROM http_cache WHERE source_id = ?`, sourceID).
		Scan(&e.SourceID, &e.ETag, &e.LastModified, &e.LastStatus, &fetchAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: cache entry %s: %w", sourceID, err)
	}
	if fetchAt.Valid && fetchAt.String != "" {
		t, err := time.Parse(time.RFC3339, fetchAt.String)
		if err != nil {
			return nil, err
		}
		e.LastFetchAt = &t
	}
	return &e, nil
}

// UpdateCacheSuccess replaces the validators after a 2xx fetch.
func (s *Store) UpdateCacheSuccess(ctx context.Context, sourceID, etag, lastModified string, status int, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO http_cache
		(source_id, etag, last_modified, last_status, last_fetch_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(source_id) DO UPDATE SET
			etag = excluded.etag,
			last_modified = excluded.last_modified,
			last_status = excluded.last_status,
			last_fetch_at = excluded.last_fetch_at`,
		sourceID, etag, lastModified, status, at.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("store: cache update %s: %w", sourceID, err)
	}
	return nil
}

// TouchCacheStatus records only status and timestamp, preserving the stored
// validators. Used on 304 (validators still current) and on fetch errors.
func (s *Store) TouchCacheStatus(ctx context.Context, sourceID string, status int, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO http_cache
		(source_id, etag, last_modified, last_status, last_fetch_at)
		VALUES (?, '', '', ?, ?)
		ON CONFLICT(source_id) DO UPDATE SET
			last_status = excluded.last_status,
			last_fetch_at = excluded.last_fetch_at`,
		sourceID, status, at.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("store: cache touch %s: %w", sourceID, err)
	}
	return nil
}
