package persistence

import (
	"context"
	"fmt"
	"time"
)

// JobRun is one row of the run ledger.
type JobRun struct {
	RunID      string    `json:"run_id"`
	Job        string    `json:"job"`
	Session    string    `json:"session"`
	Trigger    string    `json:"trigger"`
	Status     string    `json:"status"`
	Suppressed bool      `json:"suppressed"`
	Response   string    `json:"response,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
}

// RecordRun appends a run to the ledger.
func (s *Store) RecordRun(ctx context.Context, run JobRun) error {
	if run.Trigger == "" {
		run.Trigger = "schedule"
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO job_runs (run_id, job, session, trigger, status, suppressed, response, error, started_at, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, run.RunID, run.Job, run.Session, run.Trigger, run.Status, run.Suppressed,
			run.Response, run.Error, run.StartedAt.UTC(), run.DurationMS)
		if err != nil {
			return fmt.Errorf("insert job run: %w", err)
		}
		return nil
	})
}

// ListRuns returns the most recent runs, newest first. An empty job lists
// runs of every job.
func (s *Store) ListRuns(ctx context.Context, job string, limit int) ([]JobRun, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT run_id, job, session, trigger, status, suppressed, response, error, started_at, duration_ms
		FROM job_runs`
	args := []any{}
	if job != "" {
		q += ` WHERE job = ?`
		args = append(args, job)
	}
	q += ` ORDER BY started_at DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list job runs: %w", err)
	}
	defer rows.Close()

	var out []JobRun
	for rows.Next() {
		var r JobRun
		if err := rows.Scan(&r.RunID, &r.Job, &r.Session, &r.Trigger, &r.Status, &r.Suppressed,
			&r.Response, &r.Error, &r.StartedAt, &r.DurationMS); err != nil {
			return nil, fmt.Errorf("scan job run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneRuns deletes runs started before cutoff.
func (s *Store) PruneRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_runs WHERE started_at < ?;`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge job_runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
