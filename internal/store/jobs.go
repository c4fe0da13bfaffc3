package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/iammorganparry/clive/apps/engram/internal/models"
)

// JobStore persists scheduler state: one row per background pass, claimed
// with a single conditional UPDATE so only one process runs a pass at once.
type JobStore struct {
	db *DB
}

func NewJobStore(db *DB) *JobStore {
	return &JobStore{db: db}
}

// Acquire claims the lease for name until now+lease. It returns false when
// another run holds an unexpired lease.
func (s *JobStore) Acquire(ctx context.Context, name string, lease time.Duration) (bool, error) {
	now := time.Now()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO job_state (name) VALUES (?) ON CONFLICT(name) DO NOTHING
	`, name); err != nil {
		return false, fmt.Errorf("ensure job row: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE job_state
		SET in_flight = 1, lease_until = ?, last_started_at = ?
		WHERE name = ? AND (in_flight = 0 OR lease_until < ?)
	`, now.Add(lease).Unix(), now.Unix(), name, now.Unix())
	if err != nil {
		return false, fmt.Errorf("acquire job lease: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// Release clears the lease and records the outcome of the run.
func (s *JobStore) Release(ctx context.Context, name string, runErr error) error {
	var lastErr any
	if runErr != nil {
		lastErr = runErr.Error()
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE job_state
		SET in_flight = 0, lease_until = 0, last_finished_at = ?, last_error = ?, runs = runs + 1
		WHERE name = ?
	`, time.Now().Unix(), lastErr, name)
	if err != nil {
		return fmt.Errorf("release job lease: %w", err)
	}
	return nil
}

// Get returns the state row for name, or nil if the job never ran.
func (s *JobStore) Get(ctx context.Context, name string) (*models.JobState, error) {
	var j models.JobState
	var lastErr sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT name, in_flight, lease_until, last_started_at, last_finished_at, last_error, runs
		FROM job_state WHERE name = ?
	`, name).Scan(&j.Name, &j.InFlight, &j.LeaseUntil, &j.LastStartedAt, &j.LastFinishedAt, &lastErr, &j.Runs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job state: %w", err)
	}
	j.LastError = lastErr.String
	return &j, nil
}

// List returns all job rows ordered by name.
func (s *JobStore) List(ctx context.Context) ([]models.JobState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, in_flight, lease_until, last_started_at, last_finished_at, last_error, runs
		FROM job_state ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list job state: %w", err)
	}
	defer rows.Close()

	var jobs []models.JobState
	for rows.Next() {
		var j models.JobState
		var lastErr sql.NullString
		if err := rows.Scan(&j.Name, &j.InFlight, &j.LeaseUntil, &j.LastStartedAt, &j.LastFinishedAt, &lastErr, &j.Runs); err != nil {
			return nil, fmt.Errorf("scan job state: %w", err)
		}
		j.LastError = lastErr.String
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
