package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dotclaw.db")
	db, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestChatStore_InsertMessagesIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.Chats.UpsertChat(ctx, "c1", "Room", 100))

	msg := Message{MsgID: "1", ChatID: "c1", Body: "hi", TS: 100}
	require.NoError(t, db.Chats.InsertMessages(ctx, []Message{msg}))
	require.NoError(t, db.Chats.InsertMessages(ctx, []Message{msg}))

	got, err := db.Chats.MessagesSince(ctx, "c1", 0, "0", 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestChatStore_CursorMonotonicity(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.Chats.AdvanceCursor(ctx, "c1", 100, "5"))
	require.NoError(t, db.Chats.AdvanceCursor(ctx, "c1", 50, "1"))

	cur, err := db.Chats.GetCursor(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), cur.LastSeenTS)
	assert.Equal(t, "5", cur.LastSeenMsgID)
}

func TestChatStore_MessagesSinceExcludesFromSelfAndTiesBreakByID(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	msgs := []Message{
		{MsgID: "2", ChatID: "c1", Body: "b", TS: 100},
		{MsgID: "10", ChatID: "c1", Body: "c", TS: 100},
		{MsgID: "99", ChatID: "c1", Body: "bot", TS: 100, FromSelf: true},
	}
	require.NoError(t, db.Chats.InsertMessages(ctx, msgs))

	got, err := db.Chats.MessagesSince(ctx, "c1", 100, "2", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "10", got[0].MsgID)
}

func TestJobStore_ClaimNextIsExclusive(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	job := &BackgroundJob{Group: "g1", ChatID: "c1", Prompt: "do it", ContextMode: "isolated", CreatedAt: 1, UpdatedAt: 1}
	require.NoError(t, db.Jobs.Enqueue(ctx, job))

	claimed, err := db.Jobs.ClaimNext(ctx, 1, 30_000)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, JobRunning, claimed.Status)

	none, err := db.Jobs.ClaimNext(ctx, 2, 30_000)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestJobStore_ReclaimExpiredRequeuesStaleLeases(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	job := &BackgroundJob{Group: "g1", ChatID: "c1", Prompt: "do it", ContextMode: "isolated", CreatedAt: 1, UpdatedAt: 1}
	require.NoError(t, db.Jobs.Enqueue(ctx, job))
	_, err := db.Jobs.ClaimNext(ctx, 1, 10)
	require.NoError(t, err)

	n, err := db.Jobs.ReclaimExpired(ctx, 1_000)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	reclaimed, err := db.Jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobQueued, reclaimed.Status)
}

func TestJobStore_FinishRejectsNonTerminalStatus(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	job := &BackgroundJob{Group: "g1", ChatID: "c1", Prompt: "do it", ContextMode: "isolated", CreatedAt: 1, UpdatedAt: 1}
	require.NoError(t, db.Jobs.Enqueue(ctx, job))

	err := db.Jobs.Finish(ctx, job.ID, JobRunning, "", "", false, "", 1)
	assert.Error(t, err)
}

func TestTaskStore_DueTasksOnlyReturnsActiveAndArrived(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	due := &ScheduledTask{Group: "g1", ChatID: "c1", Prompt: "p", ScheduleKind: ScheduleOnce, ScheduleValue: "100", NextRun: sql.NullInt64{Int64: 100, Valid: true}}
	notYet := &ScheduledTask{Group: "g1", ChatID: "c1", Prompt: "p", ScheduleKind: ScheduleOnce, ScheduleValue: "999", NextRun: sql.NullInt64{Int64: 999, Valid: true}}
	require.NoError(t, db.Tasks.Create(ctx, due))
	require.NoError(t, db.Tasks.Create(ctx, notYet))

	got, err := db.Tasks.DueTasks(ctx, 100, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, due.ID, got[0].ID)
}

func TestTaskStore_RecordFailureCompletesAfterRetriesExceeded(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	task := &ScheduledTask{Group: "g1", ChatID: "c1", Prompt: "p", ScheduleKind: ScheduleOnce, ScheduleValue: "100"}
	require.NoError(t, db.Tasks.Create(ctx, task))

	require.NoError(t, db.Tasks.RecordFailure(ctx, task.ID, "boom", sql.NullInt64{}, 200, true))

	got, err := db.Tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, got.Status)
	assert.False(t, got.NextRun.Valid)
}

func TestAuditStore_ToolReliabilityComputesSuccessRate(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	for i, ok := range []bool{true, true, false, true} {
		require.NoError(t, db.Audit.Insert(ctx, ToolAudit{
			TraceID: "t1", Group: "g1", ToolName: "search", OK: ok, DurationMs: 10, CreatedAt: int64(i),
		}))
	}

	rate, n, err := db.Audit.ToolReliability(ctx, "g1", "search", 0)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.InDelta(t, 0.75, rate, 0.0001)
}

func TestAuditStore_ToolReliabilityDefaultsToFullConfidenceWithNoHistory(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	rate, n, err := db.Audit.ToolReliability(ctx, "g1", "unknown", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1.0, rate)
}

func TestWorkflowStore_CreateRunAndFinish(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	run := &WorkflowRun{Group: "g1", CreatedAt: 1, UpdatedAt: 1}
	steps := []WorkflowStepResult{{Name: "step-a"}, {Name: "step-b"}}
	require.NoError(t, db.Workflows.CreateRun(ctx, run, steps))

	got, err := db.Workflows.Steps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, StepQueued, got[0].Status)

	require.NoError(t, db.Workflows.UpdateStep(ctx, got[0].ID, StepSucceeded, "ok", ""))
	require.NoError(t, db.Workflows.FinishRun(ctx, run.ID, WorkflowSucceeded, "all done", "", 2))

	finished, err := db.Workflows.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, WorkflowSucceeded, finished.Status)
}

func TestGroupSessionStore_UpsertAndStaleBefore(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.Groups.Upsert(ctx, "g1", "sess-1", 100))
	require.NoError(t, db.Groups.Upsert(ctx, "g1", "sess-2", 200))

	got, err := db.Groups.Get(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "sess-2", got.SessionID)

	stale, err := db.Groups.StaleBefore(ctx, 1000)
	require.NoError(t, err)
	require.Len(t, stale, 1)
}
