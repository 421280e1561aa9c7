package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RunRecord tracks one pipeline execution. Success is tri-state: nil while
// the run is in flight.
type RunRecord struct {
	RunID        string
	StartedAt    time.Time
	FinishedAt   *time.Time
	Success      *bool
	ErrorSummary string
}

// BeginRun records a new run.
func (s *Store) BeginRun(ctx context.Context, runID string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, started_at) VALUES (?, ?)`,
		runID, startedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("store: begin run %s: %w", runID, err)
	}
	return nil
}

// FinishRun finalizes a run with its outcome.
func (s *Store) FinishRun(ctx context.Context, runID string, finishedAt time.Time, success bool, errSummary string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, success = ?, error_summary = ? WHERE run_id = ?`,
		finishedAt.UTC().Format(time.RFC3339), boolInt(success), errSummary, runID)
	if err != nil {
		return fmt.Errorf("store: finish run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: finish run %s: no such run", runID)
	}
	return nil
}

// RecentRuns returns up to n runs, newest first. Feeds the status page.
func (s *Store) RecentRuns(ctx context.Context, n int) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, started_at, finished_at, success, error_summary
		 FROM runs ORDER BY started_at DESC, run_id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("store: recent runs: %w", err)
	}
	defer rows.Close()
	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		var started string
		var finished sql.NullString
		var success sql.NullInt64
		if err := rows.Scan(&r.RunID, &started, &finished, &success, &r.ErrorSummary); err != nil {
			return nil, err
		}
		if r.StartedAt, err = time.Parse(time.RFC3339, started); err != nil {
			return nil, err
		}
		if finished.Valid {
			t, err := time.Parse(time.RFC3339, finished.String)
			if err != nil {
				return nil, err
			}
			r.FinishedAt = &t
		}
		if success.Valid {
			b := success.Int64 != 0
			r.Success = &b
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LastSuccessfulRunStart returns the started_at of the most recent
// successful run, or the zero time when there is none. Drives the "first
// seen since last good run" delta query.
func (s *Store) LastSuccessfulRunStart(ctx context.Context) (time.Time, error) {
	var started sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(started_at) FROM runs WHERE success = 1`).Scan(&started)
	if err != nil {
		return time.Time{}, fmt.Errorf("store: last successful run: %w", err)
	}
	if !started.Valid || started.String == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, started.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
