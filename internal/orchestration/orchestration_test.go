package orchestration

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotclaw/dotclaw/internal/jobs"
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

type fakeAggregator struct {
	called bool
	prompt string
}

func (f *fakeAggregator) Aggregate(ctx context.Context, prompt string) (string, error) {
	f.called = true
	f.prompt = prompt
	return "aggregated summary", nil
}

func TestOrchestration_FanOutJoinsAndAggregates(t *testing.T) {
	db := openTestDB(t)
	dir := t.TempDir()
	layout := &paths.Layout{DataDir: dir, GroupsDir: filepath.Join(dir, "groups")}

	jobsEngine := jobs.New(db.Jobs, layout, func(ctx context.Context, job *store.BackgroundJob) (string, error) {
		if job.Prompt == "fails" {
			return "", assertErr
		}
		return "result for " + job.Prompt, nil
	}, nil, jobs.Options{PollInterval: 10 * time.Millisecond, MaxConcurrent: 4})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go jobsEngine.Run(ctx)

	agg := &fakeAggregator{}
	orc := New(jobsEngine, db.Workflows, agg)

	tasks := []SubTask{
		{Name: "a", Prompt: "one"},
		{Name: "b", Prompt: "fails"},
		{Name: "c", Prompt: "three"},
	}
	res, err := orc.Run(context.Background(), "g1", "c1", tasks, Options{
		MaxConcurrent:     2,
		TimeoutMs:         2000,
		PollInterval:      10 * time.Millisecond,
		AggregationPrompt: "Summarize:",
	})
	require.NoError(t, err)
	assert.True(t, res.OK)
	require.Len(t, res.Results, 3)
	assert.Equal(t, "a", res.Results[0].Name)
	assert.Equal(t, "b", res.Results[1].Name)
	assert.Equal(t, "c", res.Results[2].Name)
	assert.Equal(t, store.StepSucceeded, res.Results[0].Status)
	assert.Equal(t, store.StepFailed, res.Results[1].Status)
	assert.Equal(t, store.StepSucceeded, res.Results[2].Status)
	assert.True(t, agg.called)
	assert.Equal(t, "aggregated summary", res.AggregatedResult)
}

type assertError struct{ msg string }

func (e *assertError) Error() string { return e.msg }

var assertErr = &assertError{msg: "boom"}
