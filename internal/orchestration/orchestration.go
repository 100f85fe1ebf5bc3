// Package orchestration implements C7: fan-out/fan-in coordination
// that spawns N sub-jobs through internal/jobs's engine, polls them to
// completion under a deadline, and optionally runs a single
// non-streaming aggregation pass. Grounded on the teacher's
// internal/tools/delegate.go DelegateManager.RunAll — generalized from
// its in-memory fan-out-and-wait loop (spawn goroutines into a
// WaitGroup, collect per-task results into a fixed-order slice) to a
// poll-the-store loop since each sub-task here is a durable
// store.BackgroundJob rather than an in-process goroutine result.
package orchestration

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dotclaw/dotclaw/internal/jobs"
	"github.com/dotclaw/dotclaw/internal/store"
)

// SubTask is one fan-out unit, per spec.md §4.6's input shape.
type SubTask struct {
	Name          string
	Prompt        string
	ModelOverride string
	TimeoutMs     int64
	ToolAllow     []string
	ToolDeny      []string
}

// Options configures a Run.
type Options struct {
	MaxConcurrent     int
	TimeoutMs         int64
	PollInterval      time.Duration
	AggregationPrompt string
}

// StepOutcome is one sub-task's final state, preserving spawn order
// per spec.md §4.6.
type StepOutcome struct {
	Name          string
	Status        store.WorkflowStepStatus
	ResultSummary string
	LastError     string
}

// Result is the orchestration run's overall outcome.
type Result struct {
	RunID           string
	OK              bool
	Results         []StepOutcome
	AggregatedResult string
}

// Aggregator runs a single non-streaming agent call over the composed
// per-task result dump, per spec.md §4.6. It is a collaborator rather
// than a concrete type because the underlying agent/container
// dispatch is a non-goal external surface.
type Aggregator interface {
	Aggregate(ctx context.Context, prompt string) (string, error)
}

// Engine coordinates sub-task fan-out via jobs.Engine and persists run
// bookkeeping via store.WorkflowStore.
type Engine struct {
	jobs       *jobs.Engine
	workflows  *store.WorkflowStore
	aggregator Aggregator
}

// New constructs an orchestration Engine.
func New(jobsEngine *jobs.Engine, workflows *store.WorkflowStore, aggregator Aggregator) *Engine {
	return &Engine{jobs: jobsEngine, workflows: workflows, aggregator: aggregator}
}

// Run executes spec.md §4.6's fan-out/poll/aggregate algorithm: spawn
// sub-tasks (bounded by MaxConcurrent) as background jobs, poll every
// PollInterval until every spawned job is terminal or the deadline
// expires (cancelling whatever remains active), then run aggregation.
func (e *Engine) Run(ctx context.Context, group, chatID string, tasks []SubTask, opts Options) (*Result, error) {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = len(tasks)
	}
	if opts.TimeoutMs <= 0 {
		opts.TimeoutMs = 600_000
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}

	now := time.Now().UnixMilli()
	run := &store.WorkflowRun{Group: group, ChatID: nullIfEmpty(chatID), CreatedAt: now, UpdatedAt: now}
	steps := make([]store.WorkflowStepResult, len(tasks))
	for i, t := range tasks {
		steps[i] = store.WorkflowStepResult{Name: t.Name, Status: store.StepQueued}
	}
	if err := e.workflows.CreateRun(ctx, run, steps); err != nil {
		return nil, fmt.Errorf("create workflow run: %w", err)
	}
	storedSteps, err := e.workflows.Steps(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("load workflow steps: %w", err)
	}

	type pendingJob struct {
		stepID string
		name   string
		jobID  string
	}
	var pending []int // indices into tasks not yet spawned
	active := map[string]pendingJob{}
	results := make([]StepOutcome, len(tasks))
	for i, t := range tasks {
		results[i] = StepOutcome{Name: t.Name, Status: store.StepQueued}
		pending = append(pending, i)
	}

	deadline := time.Now().Add(time.Duration(opts.TimeoutMs) * time.Millisecond)
	spawn := func(i int) {
		t := tasks[i]
		job := &store.BackgroundJob{
			Group:     group,
			ChatID:    chatID,
			Prompt:    t.Prompt,
			CreatedAt: time.Now().UnixMilli(),
			UpdatedAt: time.Now().UnixMilli(),
		}
		if t.ModelOverride != "" {
			job.ModelOverride = nullIfEmpty(t.ModelOverride)
		}
		if t.TimeoutMs > 0 {
			job.TimeoutMs.Int64, job.TimeoutMs.Valid = t.TimeoutMs, true
		}
		if len(t.ToolAllow) > 0 || len(t.ToolDeny) > 0 {
			if b, err := json.Marshal(struct {
				Allow []string `json:"allow,omitempty"`
				Deny  []string `json:"deny,omitempty"`
			}{t.ToolAllow, t.ToolDeny}); err == nil {
				job.ToolPolicyJSON = nullIfEmpty(string(b))
			}
		}
		if err := e.jobs.Enqueue(ctx, job); err != nil {
			results[i].Status = store.StepFailed
			results[i].LastError = err.Error()
			_ = e.workflows.UpdateStep(ctx, storedSteps[i].ID, store.StepFailed, "", err.Error())
			return
		}
		active[job.ID] = pendingJob{stepID: storedSteps[i].ID, name: t.Name, jobID: job.ID}
		results[i].Status = store.StepRunning
	}

	drain := func() {
		for len(active) < opts.MaxConcurrent && len(pending) > 0 {
			i := pending[0]
			pending = pending[1:]
			spawn(i)
		}
	}
	drain()

	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

pollLoop:
	for len(active) > 0 || len(pending) > 0 {
		if time.Now().After(deadline) {
			for id := range active {
				_, _ = e.jobs.Cancel(ctx, id)
			}
			slog.Warn("orchestration: deadline expired, cancelling active jobs", "run", run.ID, "active", len(active))
			break pollLoop
		}
		select {
		case <-ctx.Done():
			for id := range active {
				_, _ = e.jobs.Cancel(ctx, id)
			}
			break pollLoop
		case <-ticker.C:
		}

		for id, pj := range active {
			job, err := e.jobs.Get(ctx, id)
			if err != nil || job == nil {
				continue
			}
			if !job.Status.Terminal() {
				continue
			}
			idx := indexByName(results, pj.name)
			results[idx].Status = jobToStepStatus(job.Status)
			if job.ResultSummary.Valid {
				results[idx].ResultSummary = job.ResultSummary.String
			}
			if job.LastError.Valid {
				results[idx].LastError = job.LastError.String
			}
			_ = e.workflows.UpdateStep(ctx, pj.stepID, results[idx].Status, results[idx].ResultSummary, results[idx].LastError)
			delete(active, id)
		}
		drain()
	}

	aggregated := ""
	if opts.AggregationPrompt != "" && anyResult(results) && e.aggregator != nil {
		prompt := composeAggregationPrompt(opts.AggregationPrompt, results)
		out, err := e.aggregator.Aggregate(ctx, prompt)
		if err != nil {
			slog.Warn("orchestration: aggregation failed", "run", run.ID, "error", err)
		} else {
			aggregated = out
		}
	}

	finalStatus := store.WorkflowSucceeded
	for _, r := range results {
		if r.Status == store.StepFailed {
			finalStatus = store.WorkflowFailed
			break
		}
	}
	_ = e.workflows.FinishRun(ctx, run.ID, finalStatus, aggregated, "", time.Now().UnixMilli())

	return &Result{RunID: run.ID, OK: true, Results: results, AggregatedResult: aggregated}, nil
}

func anyResult(results []StepOutcome) bool {
	for _, r := range results {
		if r.ResultSummary != "" {
			return true
		}
	}
	return false
}

func indexByName(results []StepOutcome, name string) int {
	for i, r := range results {
		if r.Name == name {
			return i
		}
	}
	return -1
}

func jobToStepStatus(s store.JobStatus) store.WorkflowStepStatus {
	if s == store.JobSucceeded {
		return store.StepSucceeded
	}
	return store.StepFailed
}

func composeAggregationPrompt(base string, results []StepOutcome) string {
	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\n")
	for _, r := range results {
		fmt.Fprintf(&b, "## %s (%s)\n", r.Name, r.Status)
		if r.ResultSummary != "" {
			b.WriteString(r.ResultSummary)
			b.WriteString("\n")
		}
		if r.LastError != "" {
			fmt.Fprintf(&b, "error: %s\n", r.LastError)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
