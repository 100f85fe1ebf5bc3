package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotclaw/dotclaw/internal/store"
)

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "dotclaw.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type fakeRunner struct {
	fn func(ctx context.Context, task *store.ScheduledTask) (string, error)
}

func (f *fakeRunner) RunScheduledTask(ctx context.Context, task *store.ScheduledTask) (string, error) {
	return f.fn(ctx, task)
}

func TestScheduler_OnceTaskCompletesAfterSuccess(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	task := &store.ScheduledTask{Group: "g1", ChatID: "c1", Prompt: "remind", ScheduleKind: store.ScheduleOnce,
		NextRun: sqlValid(time.Now().Add(-time.Minute).UnixMilli())}
	require.NoError(t, db.Tasks.Create(ctx, task))

	sched := New(db.Tasks, &fakeRunner{fn: func(ctx context.Context, task *store.ScheduledTask) (string, error) {
		return "ok", nil
	}}, Options{})
	sched.tick(ctx)

	got, err := db.Tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, got.Status)
	assert.False(t, got.NextRun.Valid)
}

func TestScheduler_IntervalTaskReschedules(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	task := &store.ScheduledTask{Group: "g1", ChatID: "c1", Prompt: "poll", ScheduleKind: store.ScheduleInterval,
		ScheduleValue: "1h", NextRun: sqlValid(time.Now().Add(-time.Minute).UnixMilli())}
	require.NoError(t, db.Tasks.Create(ctx, task))

	sched := New(db.Tasks, &fakeRunner{fn: func(ctx context.Context, task *store.ScheduledTask) (string, error) {
		return "ok", nil
	}}, Options{})
	before := time.Now().UnixMilli()
	sched.tick(ctx)

	got, err := db.Tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskActive, got.Status)
	require.True(t, got.NextRun.Valid)
	assert.InDelta(t, before+3600_000, got.NextRun.Int64, 5000)
}

func TestScheduler_FailureBacksOffThenCompletesAfterMaxRetries(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	task := &store.ScheduledTask{Group: "g1", ChatID: "c1", Prompt: "flaky", ScheduleKind: store.ScheduleInterval,
		ScheduleValue: "1h", NextRun: sqlValid(time.Now().Add(-time.Minute).UnixMilli())}
	require.NoError(t, db.Tasks.Create(ctx, task))

	sched := New(db.Tasks, &fakeRunner{fn: func(ctx context.Context, task *store.ScheduledTask) (string, error) {
		return "", errors.New("boom")
	}}, Options{TaskMaxRetries: 1, BaseRetryMs: 1000})

	sched.tick(ctx)
	got, err := db.Tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskActive, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.True(t, got.NextRun.Valid)
	assert.Greater(t, got.NextRun.Int64, time.Now().UnixMilli())

	sched.recordFailure(ctx, got, errors.New("boom again"))

	final, err := db.Tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, final.Status)
	assert.False(t, final.NextRun.Valid)
}

func TestScheduler_PauseResumeDelete(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	task := &store.ScheduledTask{Group: "g1", ChatID: "c1", Prompt: "x", ScheduleKind: store.ScheduleOnce}
	require.NoError(t, db.Tasks.Create(ctx, task))

	sched := New(db.Tasks, &fakeRunner{fn: func(ctx context.Context, task *store.ScheduledTask) (string, error) { return "", nil }}, Options{})
	require.NoError(t, sched.Pause(ctx, task.ID))
	got, err := db.Tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskPaused, got.Status)

	require.NoError(t, sched.Resume(ctx, task.ID))
	got, err = db.Tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskActive, got.Status)

	require.NoError(t, sched.Delete(ctx, task.ID))
	got, err = db.Tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func sqlValid(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: true}
}
