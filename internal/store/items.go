package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/siftfeed/sift/internal/model"
)

// UpsertResult counts what one source's batch changed.
type UpsertResult struct {
	New     int // rows inserted
	Updated int // rows whose content hash changed
}

// UpsertItems writes one source's batch in a single transaction. An item
// whose canonical URL already exists keeps its first_seen_at; its content
// hash, title, raw payload and last_seen_at are refreshed. A reappearing
// item with an unchanged hash only touches last_seen_at, so a repeat run
// with identical fixtures reports zero new and zero updated.
func (s *Store) UpsertItems(ctx context.Context, items []model.Item, now time.Time) (UpsertResult, error) {
	var res UpsertResult
	if len(items) == 0 {
		return res, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("store: begin upsert: %w", err)
	}
	defer tx.Rollback()

	nowStr := now.UTC().Format(time.RFC3339)
	for _, it := range items {
		raw, err := json.Marshal(it.Raw)
		if err != nil {
			return res, fmt.Errorf("store: marshal raw for %s: %w", it.URL, err)
		}
		var existingHash string
		err = tx.QueryRowContext(ctx, `SELECT content_hash FROM items WHERE url = ?`, it.URL).Scan(&existingHash)
		switch {
		case err == sql.ErrNoRows:
			_, err = tx.ExecContext(ctx, `INSERT INTO items
				(url, source_id, tier, kind, title, published_at, date_confidence,
				 content_hash, raw_json, first_seen_at, last_seen_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				it.URL, it.SourceID, it.Tier, string(it.Kind), it.Title,
				nullableTime(it.PublishedAt), string(it.DateConfidence),
				it.ContentHash, string(raw), nowStr, nowStr)
			if err != nil {
				return res, fmt.Errorf("store: insert %s: %w", it.URL, err)
			}
			res.New++
		case err != nil:
			return res, fmt.Errorf("store: lookup %s: %w", it.URL, err)
		case existingHash != it.ContentHash:
			_, err = tx.ExecContext(ctx, `UPDATE items SET
				source_id = ?, tier = ?, kind = ?, title = ?, published_at = ?,
				date_confidence = ?, content_hash = ?, raw_json = ?, last_seen_at = ?
				WHERE url = ?`,
				it.SourceID, it.Tier, string(it.Kind), it.Title,
				nullableTime(it.PublishedAt), string(it.DateConfidence),
				it.ContentHash, string(raw), nowStr, it.URL)
			if err != nil {
				return res, fmt.Errorf("store: update %s: %w", it.URL, err)
			}
			res.Updated++
		default:
			if _, err = tx.ExecContext(ctx, `UPDATE items SET last_seen_at = ? WHERE url = ?`,
				nowStr, it.URL); err != nil {
				return res, fmt.Errorf("store: touch %s: %w", it.URL, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("store: commit upsert: %w", err)
	}
	return res, nil
}

// GetItem loads one item by canonical URL; (nil, nil) when absent.
func (s *Store) GetItem(ctx context.Context, url string) (*model.Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT url, source_id, tier, kind, title,
		published_at, date_confidence, content_hash, raw_json, first_seen_at, last_seen_at
		FROM items WHERE url = ?`, url)
	it, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return it, err
}

// ItemsFirstSeenAfter returns items first seen strictly after t, ordered by
// (source_id, first_seen_at, url) for deterministic downstream grouping.
func (s *Store) ItemsFirstSeenAfter(ctx context.Context, t time.Time) ([]model.Item, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT url, source_id, tier, kind, title,
		published_at, date_confidence, content_hash, raw_json, first_seen_at, last_seen_at
		FROM items WHERE first_seen_at > ?
		ORDER BY source_id, first_seen_at, url`, t.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("store: delta query: %w", err)
	}
	defer rows.Close()
	return collectItems(rows)
}

// ItemsBySource returns all items for one source.
func (s *Store) ItemsBySource(ctx context.Context, sourceID string) ([]model.Item, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT url, source_id, tier, kind, title,
		published_at, date_confidence, content_hash, raw_json, first_seen_at, last_seen_at
		FROM items WHERE source_id = ?
		ORDER BY first_seen_at, url`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("store: items by source: %w", err)
	}
	defer rows.Close()
	return collectItems(rows)
}

type rowScanner interface{ Scan(dest ...any) error }

func scanItem(r rowScanner) (*model.Item, error) {
	var it model.Item
	var kind, conf, raw, firstSeen, lastSeen string
	var published sql.NullString
	if err := r.Scan(&it.URL, &it.SourceID, &it.Tier, &kind, &it.Title,
		&published, &conf, &it.ContentHash, &raw, &firstSeen, &lastSeen); err != nil {
		return nil, err
	}
	it.Kind = model.Kind(kind)
	it.DateConfidence = model.DateConfidence(conf)
	if published.Valid && published.String != "" {
		t, err := time.Parse(time.RFC3339, published.String)
		if err == nil {
			it.PublishedAt = &t
		}
	}
	if err := json.Unmarshal([]byte(raw), &it.Raw); err != nil {
		return nil, fmt.Errorf("store: raw payload for %s: %w", it.URL, err)
	}
	var err error
	if it.FirstSeenAt, err = time.Parse(time.RFC3339, firstSeen); err != nil {
		return nil, err
	}
	if it.LastSeenAt, err = time.Parse(time.RFC3339, lastSeen); err != nil {
		return nil, err
	}
	return &it, nil
}

func collectItems(rows *sql.Rows) ([]model.Item, error) {
	var out []model.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
