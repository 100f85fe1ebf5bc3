package maintenance

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotclaw/dotclaw/internal/memory"
	"github.com/dotclaw/dotclaw/internal/paths"
	"github.com/dotclaw/dotclaw/internal/store"
)

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "dotclaw.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func touchWithAge(t *testing.T, path string, age time.Duration) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	old := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, old, old))
}

func TestMaintenance_PurgesOldTraceFilesButKeepsFresh(t *testing.T) {
	db := openTestDB(t)
	dir := t.TempDir()
	layout := &paths.Layout{TracesDir: filepath.Join(dir, "traces"), IPCDir: filepath.Join(dir, "ipc"), SessionDir: filepath.Join(dir, "sessions")}
	require.NoError(t, os.MkdirAll(layout.TracesDir, 0o755))
	require.NoError(t, os.MkdirAll(layout.IPCDir, 0o755))
	require.NoError(t, os.MkdirAll(layout.SessionDir, 0o755))

	oldFile := filepath.Join(layout.TracesDir, "old.trace")
	freshFile := filepath.Join(layout.TracesDir, "fresh.trace")
	touchWithAge(t, oldFile, 40*24*time.Hour)
	touchWithAge(t, freshFile, time.Hour)

	mem := memory.New(db.Raw(), "default")
	loop := New(db, mem, layout, Options{TraceRetention: 30 * 24 * time.Hour})
	loop.RunOnce(context.Background())

	_, err := os.Stat(oldFile)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(freshFile)
	assert.NoError(t, err)
}

func TestMaintenance_IPCErrorFilesGetLongerGrace(t *testing.T) {
	db := openTestDB(t)
	dir := t.TempDir()
	layout := &paths.Layout{TracesDir: filepath.Join(dir, "traces"), IPCDir: filepath.Join(dir, "ipc"), SessionDir: filepath.Join(dir, "sessions")}
	require.NoError(t, os.MkdirAll(layout.TracesDir, 0o755))
	require.NoError(t, os.MkdirAll(layout.IPCDir, 0o755))
	require.NoError(t, os.MkdirAll(layout.SessionDir, 0o755))

	orphan := filepath.Join(layout.IPCDir, "req-1.json")
	errFile := filepath.Join(layout.IPCDir, "req-2.error")
	touchWithAge(t, orphan, 10*time.Minute)
	touchWithAge(t, errFile, 10*time.Minute)

	mem := memory.New(db.Raw(), "default")
	loop := New(db, mem, layout, Options{IPCOrphanRetention: 5 * time.Minute, IPCErrorRetention: 24 * time.Hour})
	loop.RunOnce(context.Background())

	_, err := os.Stat(orphan)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(errFile)
	assert.NoError(t, err)
}

func TestMaintenance_PurgesCompletedJobs(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	dir := t.TempDir()
	layout := &paths.Layout{TracesDir: filepath.Join(dir, "traces"), IPCDir: filepath.Join(dir, "ipc"), SessionDir: filepath.Join(dir, "sessions")}
	require.NoError(t, os.MkdirAll(layout.TracesDir, 0o755))
	require.NoError(t, os.MkdirAll(layout.IPCDir, 0o755))
	require.NoError(t, os.MkdirAll(layout.SessionDir, 0o755))

	job := &store.BackgroundJob{Group: "g1", ChatID: "c1", Prompt: "x", CreatedAt: 1, UpdatedAt: 1}
	require.NoError(t, db.Jobs.Enqueue(ctx, job))
	old := time.Now().Add(-48 * time.Hour).UnixMilli()
	require.NoError(t, db.Jobs.Finish(ctx, job.ID, store.JobSucceeded, "done", "", false, "", old))

	mem := memory.New(db.Raw(), "default")
	loop := New(db, mem, layout, Options{JobRetention: 24 * time.Hour})
	loop.RunOnce(ctx)

	got, err := db.Jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}
