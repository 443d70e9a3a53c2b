package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobIndexDocument chunks, embeds and stores one document.
const JobIndexDocument = "kb_index"

const (
	jobPending   = "pending"
	jobRunning   = "running"
	jobCompleted = "completed"
	jobFailed    = "failed"
)

const defaultMaxAttempts = 3

// retryDelay doubles per attempt: 2s, 4s, 8s...
func retryDelay(attempt int) time.Duration {
	return time.Second << min(attempt, 16)
}

func (s *Store) EnqueueJob(ctx context.Context, job Job) error {
	now := s.now().UTC()
	runAfter := job.RunAfter
	if runAfter.IsZero() {
		runAfter = now
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = defaultMaxAttempts
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, type, payload_json, status, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, jobPending, job.MaxAttempts,
		runAfter.UTC().Format(time.RFC3339), now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("enqueueing job %s: %w", job.ID, err)
	}
	return nil
}

// ClaimNextJob marks the oldest runnable pending job of one of types as
// running and returns it, or nil when none is due. The select and the
// status change are one statement, so two workers never claim the same job.
func (s *Store) ClaimNextJob(ctx context.Context, types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}
	now := s.timestamp()

	args := []any{jobRunning, now, jobPending, now}
	for _, t := range types {
		args = append(args, t)
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs SET status = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = ? AND run_after <= ? AND type IN (?`+strings.Repeat(",?", len(types)-1)+`)
			ORDER BY run_after, created_at
			LIMIT 1
		)
		RETURNING id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error`,
		args...)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	return j, nil
}

func scanJob(row *sql.Row) (*Job, error) {
	var (
		j                          Job
		runAfter, created, updated string
		lastError                  sql.NullString
	)
	if err := row.Scan(&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &created, &updated, &lastError); err != nil {
		return nil, err
	}
	j.LastError = lastError.String

	var err error
	if j.RunAfter, err = parseTime(runAfter); err != nil {
		return nil, err
	}
	if j.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *Store) CompleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
		jobCompleted, s.timestamp(), id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// FailJob records a failed attempt. The job goes back to pending after
// retryDelay until it has used max_attempts, then stays failed.
func (s *Store) FailJob(ctx context.Context, id string, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := s.now().UTC()
	var attempts, maxAttempts int
	err = tx.QueryRowContext(ctx, `
		UPDATE jobs SET attempts = attempts + 1, last_error = ?, updated_at = ?
		WHERE id = ?
		RETURNING attempts, max_attempts`,
		errMsg, now.Format(time.RFC3339), id).Scan(&attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("recording failure of job %s: %w", id, err)
	}

	status, runAfter := jobFailed, now
	if attempts < maxAttempts {
		status, runAfter = jobPending, now.Add(retryDelay(attempts))
	}
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status = ?, run_after = ? WHERE id = ?`,
		status, runAfter.Format(time.RFC3339), id); err != nil {
		return err
	}
	return tx.Commit()
}
