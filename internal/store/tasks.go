package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// ScheduleKind is the kind of schedule a ScheduledTask follows.
type ScheduleKind string

const (
	ScheduleCron     ScheduleKind = "cron"
	ScheduleOnce     ScheduleKind = "once"
	ScheduleInterval ScheduleKind = "interval"
)

// TaskStatus is a ScheduledTask's lifecycle state.
type TaskStatus string

const (
	TaskActive    TaskStatus = "active"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
)

// ScheduledTask mirrors spec.md §3's ScheduledTask entity.
type ScheduledTask struct {
	ID               string
	Group            string
	ChatID           string
	Prompt           string
	ScheduleKind     ScheduleKind
	ScheduleValue    string
	ScheduleTimezone string
	ContextMode      string // "group" | "isolated"
	NextRun          sql.NullInt64
	LastRun          sql.NullInt64
	LastResult       sql.NullString
	State            sql.NullString
	RetryCount       int
	LastError        sql.NullString
	Status           TaskStatus
}

// TaskRunLog mirrors spec.md §3's task run-log rows.
type TaskRunLog struct {
	ID     string
	TaskID string
	RunAt  int64
	OK     bool
	Result string
	Error  string
}

// TaskStore persists ScheduledTask and TaskRunLog rows for C10.
type TaskStore struct {
	db *sql.DB
}

// Create inserts a new scheduled task, generating an id if none was
// supplied.
func (s *TaskStore) Create(ctx context.Context, t *ScheduledTask) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = TaskActive
	}
	if t.ContextMode == "" {
		t.ContextMode = "group"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (
			id, "group", chat_id, prompt, schedule_kind, schedule_value, schedule_timezone,
			context_mode, next_run, status, retry_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	`, t.ID, t.Group, t.ChatID, t.Prompt, string(t.ScheduleKind), t.ScheduleValue, t.ScheduleTimezone,
		t.ContextMode, t.NextRun, string(t.Status))
	if err != nil {
		return fmt.Errorf("create scheduled task: %w", err)
	}
	return nil
}

// DueTasks returns active tasks whose next_run has arrived, ordered
// by next_run, matching spec.md §4.9 step 1.
func (s *TaskStore) DueTasks(ctx context.Context, nowMs int64, limit int) ([]ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, "group", chat_id, prompt, schedule_kind, schedule_value, schedule_timezone,
		       context_mode, next_run, last_run, last_result, state, retry_count, last_error, status
		FROM scheduled_tasks
		WHERE status = 'active' AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY next_run
		LIMIT ?
	`, nowMs, limit)
	if err != nil {
		return nil, fmt.Errorf("query due tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// Get returns a single task by id.
func (s *TaskStore) Get(ctx context.Context, id string) (*ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, "group", chat_id, prompt, schedule_kind, schedule_value, schedule_timezone,
		       context_mode, next_run, last_run, last_result, state, retry_count, last_error, status
		FROM scheduled_tasks WHERE id = ?
	`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// RecordSuccess updates a task after a successful run, setting
// last_run/last_result, resetting retry_count, and installing the
// caller-computed next_run (nil means the schedule has no further
// fires, e.g. a "once" task).
func (s *TaskStore) RecordSuccess(ctx context.Context, id, result string, nextRun sql.NullInt64, nowMs int64) error {
	status := TaskActive
	if !nextRun.Valid {
		status = TaskCompleted
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET last_run = ?, last_result = ?, retry_count = 0, last_error = NULL,
		    next_run = ?, status = ?
		WHERE id = ?
	`, nowMs, result, nextRun, string(status), id)
	if err != nil {
		return fmt.Errorf("record task success: %w", err)
	}
	return nil
}

// RecordFailure applies spec.md §4.9 step 3's exponential backoff: on
// failure, nextRun = now + min(maxRetryMs, baseMs*2^retryCount); once
// retryCount exceeds taskMaxRetries the task moves to "completed"
// with last_error set instead of retrying further.
func (s *TaskStore) RecordFailure(ctx context.Context, id, errMsg string, nextRun sql.NullInt64, nowMs int64, exceededRetries bool) error {
	status := TaskActive
	if exceededRetries {
		status = TaskCompleted
		nextRun = sql.NullInt64{}
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET last_run = ?, last_error = ?, retry_count = retry_count + 1,
		    next_run = ?, status = ?
		WHERE id = ?
	`, nowMs, errMsg, nextRun, string(status), id)
	if err != nil {
		return fmt.Errorf("record task failure: %w", err)
	}
	return nil
}

// SetStatus flips a task's status, used for pause/resume.
func (s *TaskStore) SetStatus(ctx context.Context, id string, status TaskStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE scheduled_tasks SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("set task status: %w", err)
	}
	return nil
}

// Delete removes a task and its run-logs first, honoring the FK
// ordering spec.md §4.9 calls out ("deleting a task deletes child
// run-logs first").
func (s *TaskStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_run_logs WHERE task_id = ?`, id); err != nil {
		return fmt.Errorf("delete task run logs: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return tx.Commit()
}

// AppendRunLog records one execution attempt.
func (s *TaskStore) AppendRunLog(ctx context.Context, log TaskRunLog) error {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	ok := 0
	if log.OK {
		ok = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_run_logs (id, task_id, run_at, ok, result, error) VALUES (?, ?, ?, ?, ?, ?)
	`, log.ID, log.TaskID, log.RunAt, ok, log.Result, log.Error)
	if err != nil {
		return fmt.Errorf("append task run log: %w", err)
	}
	return nil
}

// PurgeRunLogsOlderThan deletes run-log rows older than cutoffMs, for C11.
func (s *TaskStore) PurgeRunLogsOlderThan(ctx context.Context, cutoffMs int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM task_run_logs WHERE run_at < ?`, cutoffMs)
	if err != nil {
		return 0, fmt.Errorf("purge task run logs: %w", err)
	}
	return res.RowsAffected()
}

func scanTasks(rows *sql.Rows) ([]ScheduledTask, error) {
	var out []ScheduledTask
	for rows.Next() {
		var t ScheduledTask
		var kind, status string
		if err := rows.Scan(&t.ID, &t.Group, &t.ChatID, &t.Prompt, &kind, &t.ScheduleValue, &t.ScheduleTimezone,
			&t.ContextMode, &t.NextRun, &t.LastRun, &t.LastResult, &t.State, &t.RetryCount, &t.LastError, &status); err != nil {
			return nil, fmt.Errorf("scan scheduled task: %w", err)
		}
		t.ScheduleKind = ScheduleKind(kind)
		t.Status = TaskStatus(status)
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*ScheduledTask, error) {
	var t ScheduledTask
	var kind, status string
	if err := row.Scan(&t.ID, &t.Group, &t.ChatID, &t.Prompt, &kind, &t.ScheduleValue, &t.ScheduleTimezone,
		&t.ContextMode, &t.NextRun, &t.LastRun, &t.LastResult, &t.State, &t.RetryCount, &t.LastError, &status); err != nil {
		return nil, err
	}
	t.ScheduleKind = ScheduleKind(kind)
	t.Status = TaskStatus(status)
	return &t, nil
}
