// Package maintenance implements C11: the host-level periodic
// retention loop that sweeps every durable subsystem for expired or
// orphaned state. Grounded on the teacher's internal/store/file's
// periodic cleanup goroutine pattern — generalized from its single
// trace-file-pruning concern into spec.md §4.10's full multi-step
// sweep, with each step isolated the way the teacher isolates its
// cleanup steps: log-and-continue, never abort the whole pass.
package maintenance

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dotclaw/dotclaw/internal/memory"
	"github.com/dotclaw/dotclaw/internal/paths"
	"github.com/dotclaw/dotclaw/internal/store"
)

// Options configures the maintenance loop's interval and retention
// windows, per spec.md §4.10's defaults.
type Options struct {
	Interval                 time.Duration
	MemoryMaxItems           int
	MemoryPruneImportance    float64
	MemoryVacuum             bool
	MemoryAnalyze            bool
	TraceRetention           time.Duration
	IPCOrphanRetention       time.Duration
	IPCErrorRetention        time.Duration
	JobRetention             time.Duration
	TaskLogRetention         time.Duration
	ToolAuditRetention       time.Duration
	WorkflowRetention        time.Duration
	CIDTempRetention         time.Duration
	SessionSnapshotRetention time.Duration
}

func withDefaults(o Options) Options {
	if o.Interval <= 0 {
		o.Interval = 6 * time.Hour
	}
	if o.MemoryMaxItems <= 0 {
		o.MemoryMaxItems = 5000
	}
	if o.MemoryPruneImportance <= 0 {
		o.MemoryPruneImportance = 0.2
	}
	if o.TraceRetention <= 0 {
		o.TraceRetention = 30 * 24 * time.Hour
	}
	if o.IPCOrphanRetention <= 0 {
		o.IPCOrphanRetention = 5 * time.Minute
	}
	if o.IPCErrorRetention <= 0 {
		o.IPCErrorRetention = 24 * time.Hour
	}
	if o.JobRetention <= 0 {
		o.JobRetention = 24 * time.Hour
	}
	if o.TaskLogRetention <= 0 {
		o.TaskLogRetention = 24 * time.Hour
	}
	if o.ToolAuditRetention <= 0 {
		o.ToolAuditRetention = 30 * 24 * time.Hour
	}
	if o.WorkflowRetention <= 0 {
		o.WorkflowRetention = 90 * 24 * time.Hour
	}
	if o.CIDTempRetention <= 0 {
		o.CIDTempRetention = time.Hour
	}
	if o.SessionSnapshotRetention <= 0 {
		o.SessionSnapshotRetention = 7 * 24 * time.Hour
	}
	return o
}

// Loop drives the periodic sweep against every durable subsystem.
type Loop struct {
	db     *store.DB
	memory *memory.Store
	layout *paths.Layout
	opts   Options
}

// New constructs a maintenance Loop.
func New(db *store.DB, mem *memory.Store, layout *paths.Layout, opts Options) *Loop {
	return &Loop{db: db, memory: mem, layout: layout, opts: withDefaults(opts)}
}

// Run drives the maintenance loop until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.RunOnce(ctx)
		}
	}
}

// step wraps one sweep in a recover-and-continue block, matching
// spec.md §4.10's "each cleanup step is isolated in a try/catch" rule.
func step(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("maintenance: step panicked", "step", name, "recover", r)
		}
	}()
	if err := fn(); err != nil {
		slog.Warn("maintenance: step failed", "step", name, "error", err)
	}
}

// RunOnce executes every retention step exactly once, in the order
// spec.md §4.10 lists them.
func (l *Loop) RunOnce(ctx context.Context) {
	now := time.Now()
	nowMs := now.UnixMilli()

	if l.memory != nil {
		step("memory-maintenance", func() error {
			res, err := l.memory.Maintenance(ctx, nowMs, l.opts.MemoryMaxItems, l.opts.MemoryPruneImportance, l.opts.MemoryVacuum, l.opts.MemoryAnalyze)
			if err == nil {
				slog.Info("maintenance: memory swept", "expired", res.ExpiredDeleted, "pruned", res.LowValueDropped)
			}
			return err
		})
	}

	if l.layout != nil {
		step("trace-files", func() error {
			return purgeFilesOlderThan(l.layout.TracesDir, now.Add(-l.opts.TraceRetention))
		})
		step("orphaned-ipc-files", func() error {
			return purgeIPCFiles(l.layout.IPCDir, now.Add(-l.opts.IPCOrphanRetention), now.Add(-l.opts.IPCErrorRetention))
		})
		step("stale-cid-files", func() error {
			return purgeMatchingOlderThan(l.layout.IPCDir, "*.cid", now.Add(-l.opts.CIDTempRetention))
		})
		step("session-snapshots", func() error {
			return purgeFilesOlderThan(l.layout.SessionDir, now.Add(-l.opts.SessionSnapshotRetention))
		})
	}

	if l.db != nil {
		step("completed-jobs", func() error {
			_, err := l.db.Jobs.PurgeOlderThan(ctx, now.Add(-l.opts.JobRetention).UnixMilli())
			return err
		})
		step("task-run-logs", func() error {
			_, err := l.db.Tasks.PurgeRunLogsOlderThan(ctx, now.Add(-l.opts.TaskLogRetention).UnixMilli())
			return err
		})
		step("tool-audit", func() error {
			_, err := l.db.Audit.PurgeOlderThan(ctx, now.Add(-l.opts.ToolAuditRetention).UnixMilli())
			return err
		})
		step("workflow-runs", func() error {
			_, err := l.db.Workflows.PurgeOlderThan(ctx, now.Add(-l.opts.WorkflowRetention).UnixMilli())
			return err
		})
	}
}

func purgeFilesOlderThan(dir string, cutoff time.Time) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(dir, e.Name()))
		}
	}
	return nil
}

func purgeMatchingOlderThan(dir, pattern string, cutoff time.Time) error {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return err
	}
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(m)
		}
	}
	return nil
}

// purgeIPCFiles applies separate retention windows for ordinary
// orphaned IPC files versus ".error" files, per spec.md §4.10.
func purgeIPCFiles(dir string, orphanCutoff, errorCutoff time.Time) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		cutoff := orphanCutoff
		if filepath.Ext(e.Name()) == ".error" {
			cutoff = errorCutoff
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(dir, e.Name()))
		}
	}
	return nil
}
