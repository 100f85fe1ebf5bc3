package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// WorkflowStatus is a WorkflowRun's lifecycle state, modeled off
// BackgroundJob's status machine per SPEC_FULL.md §5.
type WorkflowStatus string

const (
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowSucceeded WorkflowStatus = "succeeded"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// WorkflowStepStatus mirrors BackgroundJob's status vocabulary, since
// each step runs as one background job.
type WorkflowStepStatus string

const (
	StepQueued    WorkflowStepStatus = "queued"
	StepRunning   WorkflowStepStatus = "running"
	StepSucceeded WorkflowStepStatus = "succeeded"
	StepFailed    WorkflowStepStatus = "failed"
)

// WorkflowRun is a fan-out/fan-in orchestration run (C7).
type WorkflowRun struct {
	ID               string
	Group            string
	ChatID           sql.NullString
	Status           WorkflowStatus
	CreatedAt        int64
	UpdatedAt        int64
	FinishedAt       sql.NullInt64
	AggregatedResult sql.NullString
	LastError        sql.NullString
}

// WorkflowStepResult is one fan-out step's outcome within a run.
type WorkflowStepResult struct {
	ID            string
	RunID         string
	Name          string
	Status        WorkflowStepStatus
	ResultSummary sql.NullString
	LastError     sql.NullString
	JobID         sql.NullString
}

// WorkflowStore persists WorkflowRun and WorkflowStepResult rows.
type WorkflowStore struct {
	db *sql.DB
}

// CreateRun inserts a new running workflow with its step placeholders,
// in one transaction — mirroring ChatStore.InsertMessages's batch
// discipline.
func (s *WorkflowStore) CreateRun(ctx context.Context, run *WorkflowRun, steps []WorkflowStepResult) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	run.Status = WorkflowRunning

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_runs (id, "group", chat_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.ID, run.Group, run.ChatID, string(run.Status), run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create workflow run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO workflow_step_results (id, run_id, name, status, job_id) VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare step insert: %w", err)
	}
	defer stmt.Close()

	for i := range steps {
		if steps[i].ID == "" {
			steps[i].ID = uuid.NewString()
		}
		steps[i].RunID = run.ID
		if steps[i].Status == "" {
			steps[i].Status = StepQueued
		}
		if _, err := stmt.ExecContext(ctx, steps[i].ID, run.ID, steps[i].Name, string(steps[i].Status), steps[i].JobID); err != nil {
			return fmt.Errorf("insert workflow step: %w", err)
		}
	}
	return tx.Commit()
}

// UpdateStep records a step's outcome.
func (s *WorkflowStore) UpdateStep(ctx context.Context, stepID string, status WorkflowStepStatus, resultSummary, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workflow_step_results SET status = ?, result_summary = ?, last_error = ? WHERE id = ?
	`, string(status), nullIfEmpty(resultSummary), nullIfEmpty(lastError), stepID)
	if err != nil {
		return fmt.Errorf("update workflow step: %w", err)
	}
	return nil
}

// Steps returns every step of a run, in insertion order.
func (s *WorkflowStore) Steps(ctx context.Context, runID string) ([]WorkflowStepResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, name, status, result_summary, last_error, job_id
		FROM workflow_step_results WHERE run_id = ? ORDER BY rowid
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query workflow steps: %w", err)
	}
	defer rows.Close()

	var out []WorkflowStepResult
	for rows.Next() {
		var st WorkflowStepResult
		var status string
		if err := rows.Scan(&st.ID, &st.RunID, &st.Name, &status, &st.ResultSummary, &st.LastError, &st.JobID); err != nil {
			return nil, fmt.Errorf("scan workflow step: %w", err)
		}
		st.Status = WorkflowStepStatus(status)
		out = append(out, st)
	}
	return out, rows.Err()
}

// FinishRun transitions a run to a terminal state with its aggregated
// result, called once every step has reached a terminal status.
func (s *WorkflowStore) FinishRun(ctx context.Context, runID string, status WorkflowStatus, aggregatedResult, lastError string, nowMs int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs
		SET status = ?, aggregated_result = ?, last_error = ?, finished_at = ?, updated_at = ?
		WHERE id = ?
	`, string(status), nullIfEmpty(aggregatedResult), nullIfEmpty(lastError), nowMs, nowMs, runID)
	if err != nil {
		return fmt.Errorf("finish workflow run: %w", err)
	}
	return nil
}

// Get returns a single run by id.
func (s *WorkflowStore) Get(ctx context.Context, runID string) (*WorkflowRun, error) {
	var r WorkflowRun
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, "group", chat_id, status, created_at, updated_at, finished_at, aggregated_result, last_error
		FROM workflow_runs WHERE id = ?
	`, runID).Scan(&r.ID, &r.Group, &r.ChatID, &status, &r.CreatedAt, &r.UpdatedAt, &r.FinishedAt, &r.AggregatedResult, &r.LastError)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow run: %w", err)
	}
	r.Status = WorkflowStatus(status)
	return &r, nil
}

// PurgeOlderThan deletes terminal runs (and their cascaded steps)
// older than cutoffMs, for C11.
func (s *WorkflowStore) PurgeOlderThan(ctx context.Context, cutoffMs int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM workflow_runs WHERE finished_at IS NOT NULL AND finished_at < ?
	`, cutoffMs)
	if err != nil {
		return 0, fmt.Errorf("purge workflow runs: %w", err)
	}
	return res.RowsAffected()
}
