package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// JobStatus is a BackgroundJob's lifecycle state, per spec.md §4.5.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobTimedOut  JobStatus = "timed_out"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether a status is one of the three terminal
// states spec.md §4.5 defines (succeeded, failed, timed_out) plus
// cancelled — no further transition is valid from any of them.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobTimedOut, JobCancelled:
		return true
	}
	return false
}

// BackgroundJob mirrors spec.md §3's BackgroundJob entity.
type BackgroundJob struct {
	ID              string
	Group           string
	ChatID          string
	Prompt          string
	ContextMode     string
	Status          JobStatus
	TimeoutMs       sql.NullInt64
	MaxToolSteps    sql.NullInt64
	ToolPolicyJSON  sql.NullString
	ModelOverride   sql.NullString
	Priority        int
	Tags            sql.NullString
	ParentTraceID   sql.NullString
	CreatedAt       int64
	UpdatedAt       int64
	StartedAt       sql.NullInt64
	FinishedAt      sql.NullInt64
	LeaseExpiresAt  sql.NullInt64
	LastError       sql.NullString
	ResultSummary   sql.NullString
	OutputPath      sql.NullString
	OutputTruncated bool
}

// BackgroundJobEvent mirrors spec.md §3's job event/progress log.
type BackgroundJobEvent struct {
	ID        string
	JobID     string
	Level     string
	Message   string
	CreatedAt int64
}

// JobStore persists BackgroundJob and BackgroundJobEvent rows for C6.
type JobStore struct {
	db *sql.DB
}

// Enqueue inserts a new job in the "queued" state.
func (s *JobStore) Enqueue(ctx context.Context, j *BackgroundJob) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	j.Status = JobQueued
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO background_jobs (
			id, "group", chat_id, prompt, context_mode, status, timeout_ms, max_tool_steps,
			tool_policy_json, model_override, priority, tags, parent_trace_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, j.ID, j.Group, j.ChatID, j.Prompt, j.ContextMode, string(j.Status), j.TimeoutMs, j.MaxToolSteps,
		j.ToolPolicyJSON, j.ModelOverride, j.Priority, j.Tags, j.ParentTraceID, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// ClaimNext atomically claims the oldest, highest-priority queued job
// whose lease has not been taken by another worker, implementing
// spec.md §4.5 step 2's "atomic claim": an UPDATE ... WHERE status =
// 'queued' guarded by the claim condition, followed by a SELECT of the
// row it touched. SQLite's single-writer-connection discipline (see
// Open in db.go) makes this race-free without needing SELECT ... FOR
// UPDATE.
func (s *JobStore) ClaimNext(ctx context.Context, nowMs, leaseMs int64) (*BackgroundJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM background_jobs
		WHERE status = 'queued'
		ORDER BY priority DESC, created_at ASC
		LIMIT 1
	`).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select claimable job: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE background_jobs
		SET status = 'running', started_at = ?, updated_at = ?, lease_expires_at = ?
		WHERE id = ? AND status = 'queued'
	`, nowMs, nowMs, nowMs+leaseMs, id)
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Claimed by another worker between the SELECT and UPDATE.
		return nil, tx.Commit()
	}

	job, err := scanJob(tx.QueryRowContext(ctx, jobSelectColumns+` FROM background_jobs WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	return job, tx.Commit()
}

// RenewLease extends a running job's lease, called from the progress-
// ping path so a still-alive job is never reclaimed as abandoned.
func (s *JobStore) RenewLease(ctx context.Context, id string, nowMs, leaseMs int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE background_jobs SET lease_expires_at = ?, updated_at = ? WHERE id = ? AND status = 'running'
	`, nowMs+leaseMs, nowMs, id)
	if err != nil {
		return fmt.Errorf("renew job lease: %w", err)
	}
	return nil
}

// ReclaimExpired resets jobs whose lease expired while still "running"
// back to "queued" so another worker can retry them, per spec.md
// §4.5's abandoned-worker recovery rule.
func (s *JobStore) ReclaimExpired(ctx context.Context, nowMs int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE background_jobs
		SET status = 'queued', lease_expires_at = NULL, updated_at = ?
		WHERE status = 'running' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?
	`, nowMs, nowMs)
	if err != nil {
		return 0, fmt.Errorf("reclaim expired jobs: %w", err)
	}
	return res.RowsAffected()
}

// ExpireStale marks running jobs whose lease has expired as
// timed_out, implementing spec.md §4.5 poll-loop step 1 directly
// (distinct from ReclaimExpired's requeue-for-retry strategy, which
// callers may use instead when a job should get another attempt
// rather than terminate).
func (s *JobStore) ExpireStale(ctx context.Context, nowMs int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE background_jobs
		SET status = 'timed_out', finished_at = ?, updated_at = ?, lease_expires_at = NULL,
		    last_error = 'lease expired'
		WHERE status = 'running' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?
	`, nowMs, nowMs, nowMs)
	if err != nil {
		return 0, fmt.Errorf("expire stale jobs: %w", err)
	}
	return res.RowsAffected()
}

// Finish transitions a running job to a terminal state, recording its
// summary/output path or error.
func (s *JobStore) Finish(ctx context.Context, id string, status JobStatus, resultSummary, outputPath string, truncated bool, lastError string, nowMs int64) error {
	if !status.Terminal() {
		return fmt.Errorf("finish job: %q is not a terminal status", status)
	}
	truncInt := 0
	if truncated {
		truncInt = 1
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE background_jobs
		SET status = ?, result_summary = ?, output_path = ?, output_truncated = ?,
		    last_error = ?, finished_at = ?, updated_at = ?
		WHERE id = ?
	`, string(status), nullIfEmpty(resultSummary), nullIfEmpty(outputPath), truncInt, nullIfEmpty(lastError), nowMs, nowMs, id)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	return nil
}

// Cancel marks a queued or running job cancelled; it is a no-op
// (returns false) if the job is already in a terminal state.
func (s *JobStore) Cancel(ctx context.Context, id string, nowMs int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE background_jobs SET status = 'cancelled', finished_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('queued', 'running')
	`, nowMs, nowMs, id)
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Get returns a single job by id.
func (s *JobStore) Get(ctx context.Context, id string) (*BackgroundJob, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, jobSelectColumns+` FROM background_jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

// ListByGroup returns jobs for a group, most recent first, for status
// surfaces (e.g. "list my background jobs").
func (s *JobStore) ListByGroup(ctx context.Context, group string, limit int) ([]BackgroundJob, error) {
	rows, err := s.db.QueryContext(ctx, jobSelectColumns+`
		FROM background_jobs WHERE "group" = ? ORDER BY created_at DESC LIMIT ?
	`, group, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs by group: %w", err)
	}
	defer rows.Close()
	var out []BackgroundJob
	for rows.Next() {
		j, err := scanJobRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// AppendEvent records a progress/log event for a job.
func (s *JobStore) AppendEvent(ctx context.Context, e BackgroundJobEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO background_job_events (id, job_id, level, message, created_at) VALUES (?, ?, ?, ?, ?)
	`, e.ID, e.JobID, e.Level, e.Message, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append job event: %w", err)
	}
	return nil
}

// Events returns a job's events in chronological order.
func (s *JobStore) Events(ctx context.Context, jobID string) ([]BackgroundJobEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, level, message, created_at FROM background_job_events
		WHERE job_id = ? ORDER BY created_at ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query job events: %w", err)
	}
	defer rows.Close()
	var out []BackgroundJobEvent
	for rows.Next() {
		var e BackgroundJobEvent
		if err := rows.Scan(&e.ID, &e.JobID, &e.Level, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PurgeOlderThan deletes terminal jobs (and their cascaded events)
// older than cutoffMs, for C11.
func (s *JobStore) PurgeOlderThan(ctx context.Context, cutoffMs int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM background_jobs
		WHERE finished_at IS NOT NULL AND finished_at < ?
	`, cutoffMs)
	if err != nil {
		return 0, fmt.Errorf("purge background jobs: %w", err)
	}
	return res.RowsAffected()
}

const jobSelectColumns = `
	SELECT id, "group", chat_id, prompt, context_mode, status, timeout_ms, max_tool_steps,
	       tool_policy_json, model_override, priority, tags, parent_trace_id, created_at, updated_at,
	       started_at, finished_at, lease_expires_at, last_error, result_summary, output_path, output_truncated`

func scanJob(row rowScanner) (*BackgroundJob, error) {
	var j BackgroundJob
	var status string
	var truncInt int
	if err := row.Scan(&j.ID, &j.Group, &j.ChatID, &j.Prompt, &j.ContextMode, &status, &j.TimeoutMs, &j.MaxToolSteps,
		&j.ToolPolicyJSON, &j.ModelOverride, &j.Priority, &j.Tags, &j.ParentTraceID, &j.CreatedAt, &j.UpdatedAt,
		&j.StartedAt, &j.FinishedAt, &j.LeaseExpiresAt, &j.LastError, &j.ResultSummary, &j.OutputPath, &truncInt); err != nil {
		return nil, err
	}
	j.Status = JobStatus(status)
	j.OutputTruncated = truncInt != 0
	return &j, nil
}

func scanJobRows(rows *sql.Rows) (*BackgroundJob, error) {
	j, err := scanJob(rows)
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return j, nil
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
