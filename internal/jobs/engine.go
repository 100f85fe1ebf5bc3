// Package jobs implements C6: the background-job engine's poll loop,
// lease claim, runner lifecycle, and completion delivery on top of
// internal/store's BackgroundJob persistence. Grounded on the
// teacher's internal/tools/delegate.go DelegateManager — generalized
// from in-memory sync.Map delegation bookkeeping (active sync.Map,
// per-task context.CancelFunc, goroutine-per-task execution with
// deferred cleanup) to a persisted claim-lease loop against
// internal/store. Progress-ping scheduling is grounded on the same
// file's delegate_state.go event-emission helpers.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/dotclaw/dotclaw/internal/paths"
	"github.com/dotclaw/dotclaw/internal/store"
)

// RunFunc executes a claimed job against the (non-goal, external)
// container dispatch path and returns its result text. The engine
// calls it with useSemaphore=false/useGroupLock=false semantics per
// spec.md §4.5: the engine enforces its own concurrency via
// maxConcurrent, so RunFunc must not additionally acquire C5.
type RunFunc func(ctx context.Context, job *store.BackgroundJob) (resultText string, err error)

// Notifier is the minimal chat-send surface the engine needs for
// progress pings and completion delivery.
type Notifier interface {
	SendToChat(ctx context.Context, chatID, text string) error
}

// Options configures an Engine.
type Options struct {
	PollInterval    time.Duration
	MaxConcurrent   int
	DefaultLeaseMs  int64
	DefaultTimeout  time.Duration
	InlineMaxChars  int
	ModelAllowlist  []string // empty means unrestricted
	ProgressEnabled bool
	ProgressStart   time.Duration
	ProgressEvery   time.Duration
	ProgressMax     int
}

// Engine is C6's runtime: it polls store.JobStore for claimable work
// and drives each claimed job through RunFunc.
type Engine struct {
	db     *store.JobStore
	layout *paths.Layout
	run    RunFunc
	notify Notifier
	opts   Options

	active sync.Map // job id -> context.CancelFunc
}

// New constructs an Engine.
func New(db *store.JobStore, layout *paths.Layout, run RunFunc, notify Notifier, opts Options) *Engine {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.DefaultLeaseMs <= 0 {
		opts.DefaultLeaseMs = 60_000
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Minute
	}
	if opts.InlineMaxChars <= 0 {
		opts.InlineMaxChars = 8000
	}
	return &Engine{db: db, layout: layout, run: run, notify: notify, opts: opts}
}

var errModelNotAllowed = fmt.Errorf("model override not in allowlist")

// Enqueue validates a model override against the allowlist and
// persists a new queued job plus its initial event.
func (e *Engine) Enqueue(ctx context.Context, job *store.BackgroundJob) error {
	if job.ModelOverride.Valid && len(e.opts.ModelAllowlist) > 0 {
		if !contains(e.opts.ModelAllowlist, job.ModelOverride.String) {
			return errModelNotAllowed
		}
	}
	if err := e.db.Enqueue(ctx, job); err != nil {
		return err
	}
	return e.db.AppendEvent(ctx, store.BackgroundJobEvent{
		JobID: job.ID, Level: "info", Message: "queued", CreatedAt: job.CreatedAt,
	})
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// Run drives the poll loop until ctx is cancelled, matching spec.md
// §4.5's three-step sequence: expire stale leases, claim up to
// maxConcurrent new jobs, spawn a runner per claim.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	now := nowMs()
	if n, err := e.db.ExpireStale(ctx, now); err != nil {
		slog.Warn("jobs: expire stale failed", "error", err)
	} else if n > 0 {
		slog.Info("jobs: expired stale leases", "count", n)
	}

	inFlight := 0
	e.active.Range(func(_, _ any) bool { inFlight++; return true })

	for inFlight < e.opts.MaxConcurrent {
		job, err := e.db.ClaimNext(ctx, nowMs(), e.opts.DefaultLeaseMs)
		if err != nil {
			slog.Warn("jobs: claim failed", "error", err)
			return
		}
		if job == nil {
			return
		}
		inFlight++
		go e.runJob(job)
	}
}

func (e *Engine) runJob(job *store.BackgroundJob) {
	timeout := e.opts.DefaultTimeout
	if job.TimeoutMs.Valid {
		timeout = time.Duration(job.TimeoutMs.Int64) * time.Millisecond
	}
	runCtx, cancel := context.WithTimeout(context.Background(), timeout)
	e.active.Store(job.ID, cancel)
	defer func() {
		e.active.Delete(job.ID)
		cancel()
	}()

	var progressDone chan struct{}
	if e.opts.ProgressEnabled {
		progressDone = make(chan struct{})
		go e.progressLoop(runCtx, job, progressDone)
	}

	started := time.Now()
	resultText, runErr := e.run(runCtx, job)
	if progressDone != nil {
		close(progressDone)
	}

	e.finish(job, resultText, runErr, runCtx.Err(), started)
}

var etaTagPattern = regexp.MustCompile(`^eta:(\d+(\.\d+)?)$`)

func (e *Engine) progressLoop(ctx context.Context, job *store.BackgroundJob, done <-chan struct{}) {
	start := e.opts.ProgressStart
	if start <= 0 {
		start = 15 * time.Second
	}
	interval := e.opts.ProgressEvery
	if interval <= 0 {
		interval = 20 * time.Second
	}
	maxUpdates := e.opts.ProgressMax
	if maxUpdates <= 0 {
		maxUpdates = 4
	}

	eta := ""
	if job.Tags.Valid {
		for _, tag := range strings.Split(job.Tags.String, ",") {
			if m := etaTagPattern.FindStringSubmatch(strings.TrimSpace(tag)); m != nil {
				eta = m[1]
				break
			}
		}
	}

	select {
	case <-done:
		return
	case <-ctx.Done():
		return
	case <-time.After(start):
	}

	for i := 0; i < maxUpdates; i++ {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		default:
		}

		msg := fmt.Sprintf("Background job %s is still running.", job.ID)
		if eta != "" {
			msg += fmt.Sprintf(" ETA: %ss.", eta)
		}
		if e.notify != nil {
			if err := e.notify.SendToChat(ctx, job.ChatID, msg); err != nil {
				slog.Warn("jobs: progress ping failed", "job", job.ID, "error", err)
			}
		}
		_ = e.db.RenewLease(context.Background(), job.ID, nowMs(), e.opts.DefaultLeaseMs)
		_ = e.db.AppendEvent(context.Background(), store.BackgroundJobEvent{
			JobID: job.ID, Level: "progress", Message: msg, CreatedAt: nowMs(),
		})

		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func (e *Engine) finish(job *store.BackgroundJob, resultText string, runErr, ctxErr error, started time.Time) {
	ctx := context.Background()

	row, _ := e.db.Get(ctx, job.ID)
	status := store.JobSucceeded
	lastError := ""

	switch {
	case row != nil && row.Status == store.JobCancelled:
		status = store.JobCancelled
	case ctxErr == context.Canceled:
		status = store.JobCancelled
	case ctxErr == context.DeadlineExceeded:
		status = store.JobTimedOut
		lastError = "run timed out"
	case runErr != nil && regexp.MustCompile(`(?i)timed out|timeout`).MatchString(runErr.Error()):
		status = store.JobTimedOut
		lastError = runErr.Error()
	case runErr != nil:
		status = store.JobFailed
		lastError = runErr.Error()
	}

	inlineMax := e.opts.InlineMaxChars
	summary := resultText
	outputPath := ""
	truncated := false
	if len(resultText) > inlineMax {
		truncated = true
		if e.layout != nil {
			dir := e.layout.JobOutputDir(job.Group, job.ID)
			if err := os.MkdirAll(dir, 0o755); err == nil {
				full := filepath.Join(dir, "output.md")
				if err := os.WriteFile(full, []byte(resultText), 0o644); err == nil {
					outputPath = filepath.Join(job.Group, "jobs", job.ID, "output.md")
				}
			}
		}
		capAt := inlineMax
		if capAt > 1000 {
			capAt = 1000
		}
		if len(resultText) > capAt {
			summary = resultText[:capAt]
		}
	}

	if err := e.db.Finish(ctx, job.ID, status, summary, outputPath, truncated, lastError, nowMs()); err != nil {
		slog.Warn("jobs: finish failed", "job", job.ID, "error", err)
	}
	_ = e.db.AppendEvent(ctx, store.BackgroundJobEvent{
		JobID: job.ID, Level: eventLevel(status), Message: string(status), CreatedAt: nowMs(),
	})
	slog.Info("jobs: job finished", "job", job.ID, "status", status, "duration_ms", time.Since(started).Milliseconds())

	if e.notify != nil {
		text := completionMessage(job.ID, status, time.Since(started), outputPath, summary)
		if err := e.notify.SendToChat(ctx, job.ChatID, text); err != nil {
			slog.Warn("jobs: completion send failed", "job", job.ID, "error", err)
		}
	}
}

func eventLevel(status store.JobStatus) string {
	switch status {
	case store.JobSucceeded:
		return "info"
	default:
		return "error"
	}
}

// completionMessage implements spec.md §4.5's exact template, omitting
// empty lines.
func completionMessage(id string, status store.JobStatus, dur time.Duration, outputPath, summary string) string {
	lines := []string{fmt.Sprintf("Background job %s %s.", id, status)}
	lines = append(lines, "", fmt.Sprintf("Duration: %ds.", int(math.Round(dur.Seconds()))))
	if outputPath != "" {
		lines = append(lines, "", fmt.Sprintf("Output saved to: %s", outputPath))
	}
	if summary != "" {
		lines = append(lines, "", fmt.Sprintf("Summary:\n%s", summary))
	}
	var out []string
	for _, l := range lines {
		if l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n\n")
}

// Get returns a job's current row, for callers (e.g. C7 orchestration)
// polling job status directly.
func (e *Engine) Get(ctx context.Context, id string) (*store.BackgroundJob, error) {
	return e.db.Get(ctx, id)
}

// Cancel marks a job cancelled and aborts its live controller if one
// is running, per spec.md §4.5's cancel semantics.
func (e *Engine) Cancel(ctx context.Context, id string) (bool, error) {
	ok, err := e.db.Cancel(ctx, id, nowMs())
	if err != nil {
		return false, err
	}
	if cancelFn, found := e.active.Load(id); found {
		cancelFn.(context.CancelFunc)()
	}
	if ok {
		_ = e.db.AppendEvent(ctx, store.BackgroundJobEvent{
			JobID: id, Level: "warn", Message: "cancelled", CreatedAt: nowMs(),
		})
	}
	return ok, nil
}

func nowMs() int64 { return time.Now().UnixMilli() }
