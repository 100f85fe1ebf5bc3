package agentctx

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotclaw/dotclaw/internal/config"
	"github.com/dotclaw/dotclaw/internal/memory"
	"github.com/dotclaw/dotclaw/internal/store"
)

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "dotclaw.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestBuilder_ResolvesModelPrecedenceAndCapabilities(t *testing.T) {
	db := openTestDB(t)
	mem := memory.New(db.Raw(), "default")
	cfg := config.Default()
	cfg.DefaultModel = "fallback-model"
	cfg.Models = map[string]config.ModelInfo{
		"group-model": {ContextLength: 100_000, MaxCompletionTokens: 4096},
		"user-model":  {ContextLength: 50_000, MaxCompletionTokens: 2048},
	}
	cfg.Routing.Groups = map[string]string{"g1": "group-model"}
	cfg.Routing.Users = map[string]string{"u1": "user-model"}

	b := New(cfg, mem, db.Audit, time.Minute)

	ac, err := b.Build(context.Background(), Request{Group: "g1", UserID: "u1", RecallEnabled: false})
	require.NoError(t, err)
	assert.Equal(t, "user-model", ac.Model)
	assert.Equal(t, 50_000, ac.ContextLength)

	ac2, err := b.Build(context.Background(), Request{Group: "g1", RecallEnabled: false})
	require.NoError(t, err)
	assert.Equal(t, "group-model", ac2.Model)

	ac3, err := b.Build(context.Background(), Request{Group: "other", RecallEnabled: false})
	require.NoError(t, err)
	assert.Equal(t, "fallback-model", ac3.Model)
	assert.Equal(t, defaultCapabilities.ContextLength, ac3.ContextLength)
}

func TestBuilder_ComputesDynamicMemoryBudgetClamped(t *testing.T) {
	db := openTestDB(t)
	mem := memory.New(db.Raw(), "default")
	cfg := config.Default()
	b := New(cfg, mem, db.Audit, time.Minute)

	small := b.computeBudget(config.ModelInfo{ContextLength: 1000}, 0)
	assert.Equal(t, minDynamicBudget, small)

	large := b.computeBudget(config.ModelInfo{ContextLength: 1_000_000}, 0)
	assert.Equal(t, maxDynamicBudget, large)

	capped := b.computeBudget(config.ModelInfo{ContextLength: 1_000_000}, 900)
	assert.Equal(t, 900, capped)
}

func TestBuilder_RecallAndProfileLines(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	mem := memory.New(db.Raw(), "default")
	cfg := config.Default()
	b := New(cfg, mem, db.Audit, time.Minute)

	_, err := mem.Upsert(ctx, time.Now().UnixMilli(), []memory.UpsertInput{
		{Group: "g1", Scope: memory.ScopeUser, SubjectID: "u1", Type: memory.TypeIdentity,
			Content: "works as a backend engineer", Importance: 0.9, Confidence: 0.9},
		{Group: "g1", Scope: memory.ScopeGroup, Type: memory.TypeFact,
			Content: "deploys run on Fridays", Importance: 0.4, Confidence: 0.8},
	})
	require.NoError(t, err)

	ac, err := b.Build(ctx, Request{Group: "g1", UserID: "u1", RecallQuery: "backend engineer", RecallEnabled: true})
	require.NoError(t, err)
	assert.NotEmpty(t, ac.RecallLines)
	assert.NotEmpty(t, ac.UserProfile)
	assert.Equal(t, 2, ac.MemoryStats.Total)
}

func TestBuilder_LoadsLayeredBehaviorConfig(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	mem := memory.New(db.Raw(), "default")
	cfg := config.Default()
	b := New(cfg, mem, db.Audit, time.Minute)

	_, err := mem.Upsert(ctx, time.Now().UnixMilli(), []memory.UpsertInput{
		{Group: "g1", Scope: memory.ScopeGroup, Type: memory.TypePreference, ConflictKey: behaviorConflictKey,
			Content: `{"response_style":"concise","tool_calling_bias":0.2}`, Importance: 0.5, Confidence: 0.9},
		{Group: "g1", Scope: memory.ScopeUser, SubjectID: "u1", Type: memory.TypePreference, ConflictKey: behaviorConflictKey,
			Content: `{"caution_bias":1.7}`, Importance: 0.5, Confidence: 0.9},
	})
	require.NoError(t, err)

	ac, err := b.Build(ctx, Request{Group: "g1", UserID: "u1", RecallEnabled: false})
	require.NoError(t, err)
	assert.Equal(t, "concise", ac.Behavior.ResponseStyle)
	assert.Equal(t, 0.2, ac.Behavior.ToolCallingBias)
	assert.Equal(t, 1.0, ac.Behavior.CautionBias) // clamped from 1.7
}

func TestBuilder_EffectiveToolPolicyLayersAndReliability(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	mem := memory.New(db.Raw(), "default")
	cfg := config.Default()
	cfg.Tools.Default.Allow = []string{"memory_search", "run_shell"}
	b := New(cfg, mem, db.Audit, time.Minute)

	require.NoError(t, db.Audit.Insert(ctx, store.ToolAudit{TraceID: "t1", Group: "g1", ToolName: "run_shell", OK: true, CreatedAt: 1}))
	require.NoError(t, db.Audit.Insert(ctx, store.ToolAudit{TraceID: "t1", Group: "g1", ToolName: "run_shell", OK: false, CreatedAt: 2}))

	ac, err := b.Build(ctx, Request{Group: "g1", ToolDeny: []string{"run_shell"}, RecallEnabled: false})
	require.NoError(t, err)
	assert.False(t, ac.ToolPolicy.Allowed("run_shell"))
	assert.True(t, ac.ToolPolicy.Allowed("memory_search"))

	rel, ok := ac.ToolReliability["run_shell"]
	require.True(t, ok)
	assert.Equal(t, 2, rel.SampleSize)
	assert.InDelta(t, 0.5, rel.SuccessRate, 0.0001)
}
