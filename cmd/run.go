package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dotclaw/dotclaw/internal/agentctx"
	"github.com/dotclaw/dotclaw/internal/config"
	"github.com/dotclaw/dotclaw/internal/jobs"
	"github.com/dotclaw/dotclaw/internal/maintenance"
	"github.com/dotclaw/dotclaw/internal/memory"
	"github.com/dotclaw/dotclaw/internal/orchestration"
	"github.com/dotclaw/dotclaw/internal/paths"
	"github.com/dotclaw/dotclaw/internal/scheduler"
	"github.com/dotclaw/dotclaw/internal/semaphore"
	"github.com/dotclaw/dotclaw/internal/store"
)

// stubDispatch is the seam where the sandboxed container runtime (a
// non-goal external collaborator per spec.md §1) would be invoked. It
// exists so the engines built against internal/jobs, internal/scheduler,
// and internal/orchestration can be wired end-to-end without a real
// container runtime present.
type stubDispatch struct{}

func (stubDispatch) SendToChat(ctx context.Context, chatID, text string) error {
	slog.Info("chat send (no messaging provider wired)", "chat", chatID, "text", text)
	return nil
}

func (stubDispatch) Aggregate(ctx context.Context, prompt string) (string, error) {
	return "", fmt.Errorf("aggregation requires an LLM provider, which is a non-goal external collaborator")
}

func runDispatch(ctx context.Context, job *store.BackgroundJob) (string, error) {
	return "", fmt.Errorf("background job dispatch requires the sandboxed container runtime, which is a non-goal external collaborator")
}

func runScheduledTask(ctx context.Context, task *store.ScheduledTask) (string, error) {
	return "", fmt.Errorf("scheduled task dispatch requires the sandboxed container runtime, which is a non-goal external collaborator")
}

// ContextBuilder is populated by runHost and is the seam a messaging
// adapter (a non-goal external collaborator per spec.md §1) calls
// into per inbound message to assemble an AgentContext before
// dispatching to the container runtime.
var ContextBuilder *agentctx.Builder

// Orchestrator is populated by runHost and is the seam a tool
// invocation (e.g. a "run_workflow" builtin, dispatched by the
// sandboxed container runtime) calls into to fan out sub-tasks; unlike
// the other engines it has no standing background loop of its own.
var Orchestrator *orchestration.Engine

// Admission is populated by runHost and bounds concurrent interactive
// agent runs; a messaging adapter acquires a handle on it before
// dispatching each inbound message to the container runtime.
var Admission *semaphore.Semaphore

// runHost wires the C3 context builder and the C5, C6, C7, C10 and
// C11 engines (C8 failover and C9 streaming are not wired here),
// matching the teacher's runGateway() shape: load config, open the store, start
// each background loop in its own goroutine, and block on a signal.
func runHost() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	layout, err := paths.Resolve()
	if err != nil {
		slog.Error("failed to resolve layout", "error", err)
		os.Exit(1)
	}
	if err := layout.EnsureDirs(); err != nil {
		slog.Error("failed to create layout dirs", "error", err)
		os.Exit(1)
	}

	db, err := store.Open(filepath.Join(layout.StoreDir, "dotclaw.db"))
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	snap := cfg.Snapshot()
	mem := memory.New(db.Raw(), snap.Memory.PrimaryGroup)
	ContextBuilder = agentctx.New(cfg, mem, db.Audit, 5*time.Minute)
	slog.Info("context builder ready", "default_model", snap.DefaultModel)

	Admission = semaphore.New(semaphore.Options{
		Capacity:                  snap.Concurrency.MaxAgents,
		LaneStarvationMs:          15_000,
		MaxConsecutiveInteractive: 4,
	})
	slog.Info("semaphore ready", "available", Admission.Stats().Available)

	dispatch := stubDispatch{}

	jobsEngine := jobs.New(db.Jobs, layout, runDispatch, dispatch, jobs.Options{
		PollInterval:    time.Duration(snap.BackgroundJobs.PollIntervalMs) * time.Millisecond,
		MaxConcurrent:   snap.BackgroundJobs.MaxConcurrent,
		DefaultTimeout:  time.Duration(snap.BackgroundJobs.MaxRuntimeMs) * time.Millisecond,
		InlineMaxChars:  snap.BackgroundJobs.InlineMaxChars,
		ModelAllowlist:  snap.BackgroundJobs.ModelAllowlist,
		ProgressEnabled: snap.Progress.Enabled,
		ProgressStart:   time.Duration(snap.Progress.StartDelayMs) * time.Millisecond,
		ProgressEvery:   time.Duration(snap.Progress.IntervalMs) * time.Millisecond,
		ProgressMax:     snap.Progress.MaxUpdates,
	})

	Orchestrator = orchestration.New(jobsEngine, db.Workflows, dispatch)

	sched := scheduler.New(db.Tasks, schedulerRunnerFunc(runScheduledTask), scheduler.Options{
		PollInterval:   time.Duration(snap.Scheduler.PollIntervalMs) * time.Millisecond,
		BaseRetryMs:    int64(snap.Scheduler.TaskRetryBaseMs),
		MaxRetryMs:     int64(snap.Scheduler.TaskRetryMaxMs),
		TaskMaxRetries: snap.Scheduler.TaskMaxRetries,
	})

	maint := maintenance.New(db, mem, layout, maintenance.Options{
		Interval:              time.Duration(snap.Maintenance.IntervalMs) * time.Millisecond,
		MemoryMaxItems:        snap.Memory.Maintenance.MaxItems,
		MemoryPruneImportance: snap.Memory.Maintenance.PruneImportanceThreshold,
		MemoryVacuum:          snap.Memory.Maintenance.VacuumEnabled,
		TraceRetention:        time.Duration(snap.Maintenance.TraceRetentionDays) * 24 * time.Hour,
		IPCOrphanRetention:    time.Duration(snap.Maintenance.IPCOrphanRetentionMs) * time.Millisecond,
		IPCErrorRetention:     time.Duration(snap.Maintenance.IPCErrorRetentionMs) * time.Millisecond,
		JobRetention:          time.Duration(snap.Maintenance.JobRetentionMs) * time.Millisecond,
		TaskLogRetention:      time.Duration(snap.Maintenance.TaskLogRetentionMs) * time.Millisecond,
		ToolAuditRetention:    time.Duration(snap.Maintenance.ToolAuditRetentionDays) * 24 * time.Hour,
		WorkflowRetention:     time.Duration(snap.Maintenance.WorkflowRetentionDays) * 24 * time.Hour,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if snap.BackgroundJobs.Enabled {
		go jobsEngine.Run(ctx)
	}
	go sched.Run(ctx)
	go maint.Run(ctx)

	slog.Info("dotclaw host started", "config", cfgPath, "home", layout.Home)
	<-ctx.Done()
	slog.Info("dotclaw host shutting down")
}

// schedulerRunnerFunc adapts a plain function to scheduler.Runner.
type schedulerRunnerFunc func(ctx context.Context, task *store.ScheduledTask) (string, error)

func (f schedulerRunnerFunc) RunScheduledTask(ctx context.Context, task *store.ScheduledTask) (string, error) {
	return f(ctx, task)
}
