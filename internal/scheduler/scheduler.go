// Package scheduler implements C10: the due-task poll loop that
// drives cron/interval/once ScheduledTask rows to execution, with
// exponential-backoff retry and pause/resume. Grounded on the
// teacher's internal/scheduler/scheduler.go poll-loop shape (ticker
// select loop, due-row fetch, per-row execute-then-record), adapted
// from the teacher's fixed single-purpose reminder schedule to
// spec.md §4.9's three schedule kinds and retry/backoff policy.
// Cron next-fire computation uses github.com/adhocore/gronx, the
// corpus's cron-expression library, in place of the teacher's
// hand-rolled fixed-interval-only scheduling.
package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/adhocore/gronx"

	"github.com/dotclaw/dotclaw/internal/store"
	"github.com/dotclaw/dotclaw/internal/timeutil"
)

// Runner executes one due task's prompt as an agent run on the
// "scheduled" lane, per spec.md §4.9 step 2. The actual agent/container
// dispatch is a non-goal external surface modeled as a collaborator.
type Runner interface {
	RunScheduledTask(ctx context.Context, task *store.ScheduledTask) (resultSummary string, err error)
}

// Options configures a scheduler.
type Options struct {
	PollInterval  time.Duration
	BatchLimit    int
	BaseRetryMs   int64
	MaxRetryMs    int64
	TaskMaxRetries int
}

// Scheduler polls store.TaskStore for due tasks and drives them
// through a Runner.
type Scheduler struct {
	tasks  *store.TaskStore
	run    Runner
	opts   Options
}

// New constructs a Scheduler.
func New(tasks *store.TaskStore, run Runner, opts Options) *Scheduler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 60 * time.Second
	}
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = 50
	}
	if opts.BaseRetryMs <= 0 {
		opts.BaseRetryMs = 60_000
	}
	if opts.MaxRetryMs <= 0 {
		opts.MaxRetryMs = 6 * 60 * 60 * 1000
	}
	if opts.TaskMaxRetries <= 0 {
		opts.TaskMaxRetries = 5
	}
	return &Scheduler{tasks: tasks, run: run, opts: opts}
}

// Run drives the poll loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UnixMilli()
	due, err := s.tasks.DueTasks(ctx, now, s.opts.BatchLimit)
	if err != nil {
		slog.Warn("scheduler: due-task query failed", "error", err)
		return
	}
	for i := range due {
		s.execute(ctx, &due[i])
	}
}

func (s *Scheduler) execute(ctx context.Context, task *store.ScheduledTask) {
	nowMs := time.Now().UnixMilli()
	summary, err := s.run.RunScheduledTask(ctx, task)

	logErr := ""
	if err != nil {
		logErr = err.Error()
	}
	_ = s.tasks.AppendRunLog(ctx, store.TaskRunLog{
		TaskID: task.ID, RunAt: nowMs, OK: err == nil, Result: summary, Error: logErr,
	})

	if err != nil {
		s.recordFailure(ctx, task, err)
		return
	}

	next, nextErr := s.computeNextRun(task, nowMs)
	if nextErr != nil {
		slog.Warn("scheduler: compute next run failed", "task", task.ID, "error", nextErr)
	}
	if uErr := s.tasks.RecordSuccess(ctx, task.ID, summary, next, nowMs); uErr != nil {
		slog.Warn("scheduler: record success failed", "task", task.ID, "error", uErr)
	}
}

func (s *Scheduler) recordFailure(ctx context.Context, task *store.ScheduledTask, runErr error) {
	nowMs := time.Now().UnixMilli()
	retryCount := task.RetryCount + 1
	exceeded := retryCount > s.opts.TaskMaxRetries

	var next sql.NullInt64
	if !exceeded {
		backoff := int64(float64(s.opts.BaseRetryMs) * math.Pow(2, float64(task.RetryCount)))
		if backoff > s.opts.MaxRetryMs {
			backoff = s.opts.MaxRetryMs
		}
		next = sql.NullInt64{Int64: nowMs + backoff, Valid: true}
	}

	if err := s.tasks.RecordFailure(ctx, task.ID, runErr.Error(), next, nowMs, exceeded); err != nil {
		slog.Warn("scheduler: record failure failed", "task", task.ID, "error", err)
	}
}

// computeNextRun implements spec.md §4.9 step 4: cron schedules derive
// their next fire from the cron expression evaluated in the task's
// timezone; interval schedules add the interval to lastRun; once
// schedules clear next_run (the caller sets the task completed).
func (s *Scheduler) computeNextRun(task *store.ScheduledTask, nowMs int64) (sql.NullInt64, error) {
	switch task.ScheduleKind {
	case store.ScheduleOnce:
		return sql.NullInt64{}, nil

	case store.ScheduleInterval:
		intervalMs, err := parseIntervalMs(task.ScheduleValue)
		if err != nil {
			return sql.NullInt64{}, err
		}
		return sql.NullInt64{Int64: nowMs + intervalMs, Valid: true}, nil

	case store.ScheduleCron:
		loc, err := timeutil.LoadLocationOrUTC(task.ScheduleTimezone)
		if err != nil {
			return sql.NullInt64{}, err
		}
		ref := time.UnixMilli(nowMs).In(loc)
		next, err := gronx.NextTickAfter(task.ScheduleValue, ref, false)
		if err != nil {
			return sql.NullInt64{}, fmt.Errorf("compute cron next tick: %w", err)
		}
		return sql.NullInt64{Int64: next.UnixMilli(), Valid: true}, nil

	default:
		return sql.NullInt64{}, fmt.Errorf("unknown schedule kind %q", task.ScheduleKind)
	}
}

func parseIntervalMs(value string) (int64, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse interval %q: %w", value, err)
	}
	return d.Milliseconds(), nil
}

// Pause and Resume flip a task's status, per spec.md §4.9's
// pause/resume rule.
func (s *Scheduler) Pause(ctx context.Context, id string) error {
	return s.tasks.SetStatus(ctx, id, store.TaskPaused)
}

func (s *Scheduler) Resume(ctx context.Context, id string) error {
	return s.tasks.SetStatus(ctx, id, store.TaskActive)
}

// Delete removes a task (and its run-logs, per TaskStore.Delete's FK
// ordering).
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	return s.tasks.Delete(ctx, id)
}
