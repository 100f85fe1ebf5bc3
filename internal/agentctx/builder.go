// Package agentctx implements C3: the per-request context-assembly
// pipeline that resolves a model, computes a dynamic memory budget,
// runs hybrid recall, builds a user profile, loads personalized
// behavior, resolves the effective tool policy, and summarizes tool
// reliability — all timed and returned as a single AgentContext.
// Grounded on spec.md §4.3's ten-step sequence; the time.Since(start)
// phase-timing idiom is grounded on nevindra-oasis/store/sqlite/sqlite.go's
// pervasive use of the same pattern around query execution. The build
// span is grounded on nevindra-oasis/observer/tracer.go's direct
// otel.Tracer(...).Start/End/RecordError usage, generalized here to
// wrap the whole ten-step pipeline as one span instead of one span per
// provider/tool call.
package agentctx

import (
	"context"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dotclaw/dotclaw/internal/config"
	"github.com/dotclaw/dotclaw/internal/memory"
	"github.com/dotclaw/dotclaw/internal/policy"
	"github.com/dotclaw/dotclaw/internal/store"
)

var tracer = otel.Tracer("github.com/dotclaw/dotclaw/internal/agentctx")

// Request carries C3's inputs, per spec.md §4.3's opening parameter
// list.
type Request struct {
	Group            string
	UserID           string
	RecallQuery      string
	RecallMaxResults int
	RecallMaxTokens  int
	ToolAllow        []string
	ToolDeny         []string
	RecallEnabled    bool
	MessageText      string
}

// ToolReliability summarizes one tool's recent recorded success rate.
type ToolReliability struct {
	SuccessRate float64
	SampleSize  int
}

// AgentContext is spec.md §3's derived, per-request, not-persisted
// AgentContext entity.
type AgentContext struct {
	Model               string
	ContextLength       int
	MaxCompletionTokens int

	DynamicMemoryBudget int

	RecallLines []string
	UserProfile []string

	MemoryStats memory.Stats

	Behavior BehaviorConfig

	ToolPolicy policy.Policy

	ToolReliability map[string]ToolReliability

	ContextBuildMs  int64
	MemoryRecallMs  int64
}

// defaultCapabilities is used when a resolved model has no entry in
// config.Models, per spec.md §4.3 step 2's "on failure, defaults."
var defaultCapabilities = config.ModelInfo{ContextLength: 200_000, MaxCompletionTokens: 8_192}

const (
	outputReserveTokens   = 4_096
	minDynamicBudget      = 800
	maxDynamicBudget      = 4_000
	userProfileTopK       = 8
	toolReliabilityWindow = 200
)

// Builder assembles AgentContext values against a shared config,
// memory store, and audit store.
type Builder struct {
	cfg   *config.RuntimeConfig
	mem   *memory.Store
	audit *store.AuditStore

	behaviorCache *behaviorCache
}

// New constructs a Builder. behaviorCacheTTL<=0 defaults to 5 minutes
// per spec.md §4.3 step 7.
func New(cfg *config.RuntimeConfig, mem *memory.Store, audit *store.AuditStore, behaviorCacheTTL time.Duration) *Builder {
	return &Builder{
		cfg:           cfg,
		mem:           mem,
		audit:         audit,
		behaviorCache: newBehaviorCache(behaviorCacheTTL),
	}
}

// Build runs the full ten-step sequence of spec.md §4.3.
func (b *Builder) Build(ctx context.Context, req Request) (*AgentContext, error) {
	ctx, span := tracer.Start(ctx, "agentctx.Build", trace.WithAttributes(
		attribute.String("group", req.Group),
		attribute.String("user_id", req.UserID),
	))
	defer span.End()

	ac, err := b.build(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("model", ac.Model),
		attribute.Int("dynamic_memory_budget", ac.DynamicMemoryBudget),
		attribute.Int64("context_build_ms", ac.ContextBuildMs),
	)
	return ac, nil
}

// build runs the ten-step sequence itself, split out from Build so the
// tracing/error-recording wrapper above stays a thin, single-purpose
// layer.
func (b *Builder) build(ctx context.Context, req Request) (*AgentContext, error) {
	start := time.Now()
	snap := b.cfg.Snapshot()

	model, caps := b.resolveModel(&snap, req.Group, req.UserID)

	budget := b.computeBudget(caps, req.RecallMaxTokens)

	recallStart := time.Now()
	recallLines, profileLines, err := b.recall(ctx, &snap, req, budget)
	if err != nil {
		return nil, err
	}
	memoryRecallMs := time.Since(recallStart).Milliseconds()

	stats, err := b.memoryStats(ctx, req.Group)
	if err != nil {
		return nil, err
	}

	behavior, err := b.loadBehavior(ctx, req.Group, req.UserID)
	if err != nil {
		return nil, err
	}

	toolPolicy := b.effectiveToolPolicy(&snap, req)

	reliability, err := b.toolReliability(ctx, req.Group)
	if err != nil {
		return nil, err
	}

	return &AgentContext{
		Model:               model,
		ContextLength:       caps.ContextLength,
		MaxCompletionTokens: caps.MaxCompletionTokens,
		DynamicMemoryBudget: budget,
		RecallLines:         recallLines,
		UserProfile:         profileLines,
		MemoryStats:         stats,
		Behavior:            behavior,
		ToolPolicy:          toolPolicy,
		ToolReliability:     reliability,
		ContextBuildMs:      time.Since(start).Milliseconds(),
		MemoryRecallMs:      memoryRecallMs,
	}, nil
}

// resolveModel implements step 1 (defaultModel = routing.model ??
// host.defaultModel) and step 2 (per-user → per-group → default
// precedence, with capability lookup defaulting on a miss).
func (b *Builder) resolveModel(cfg *config.RuntimeConfig, group, userID string) (string, config.ModelInfo) {
	defaultModel := cfg.Routing.Model
	if defaultModel == "" {
		defaultModel = cfg.DefaultModel
	}

	model := defaultModel
	if userID != "" {
		if m, ok := cfg.Routing.Users[userID]; ok && m != "" {
			model = m
		} else if m, ok := cfg.Routing.Groups[group]; ok && m != "" {
			model = m
		}
	} else if m, ok := cfg.Routing.Groups[group]; ok && m != "" {
		model = m
	}

	caps, ok := cfg.Models[model]
	if !ok || caps.ContextLength == 0 {
		return model, defaultCapabilities
	}
	return model, caps
}

// computeBudget implements step 3: clamp(floor((contextLength -
// outputReserve) * 0.15), 800, 4000), then min with the caller's
// recallMaxTokens when positive.
func (b *Builder) computeBudget(caps config.ModelInfo, callerMaxTokens int) int {
	raw := float64(caps.ContextLength-outputReserveTokens) * 0.15
	budget := int(math.Floor(raw))
	if budget < minDynamicBudget {
		budget = minDynamicBudget
	}
	if budget > maxDynamicBudget {
		budget = maxDynamicBudget
	}
	if callerMaxTokens > 0 && callerMaxTokens < budget {
		budget = callerMaxTokens
	}
	return budget
}

// recall implements steps 4-5: hybrid recall (when enabled and budget
// allows) assembled into recall lines, plus the top-K profile lines
// drawn from the same result set.
func (b *Builder) recall(ctx context.Context, cfg *config.RuntimeConfig, req Request, budget int) (recallLines, profileLines []string, err error) {
	if !req.RecallEnabled || budget <= 0 {
		return nil, nil, nil
	}

	limit := req.RecallMaxResults
	if limit <= 0 {
		limit = cfg.Memory.Recall.MaxResults
	}

	opts := memory.SearchOptions{
		Group:          req.Group,
		RequestingUser: req.UserID,
		Limit:          limit,
		NowMs:          time.Now().UnixMilli(),
	}

	query := req.RecallQuery
	if query == "" {
		query = req.MessageText
	}

	items, err := b.mem.HybridRecall(ctx, query, nil, cfg.Memory.Embeddings.Weight, cfg.Memory.Embeddings.MaxCandidates, opts)
	if err != nil {
		return nil, nil, err
	}

	recallLines = memory.RecallLines(items, budget)
	profileLines = memory.UserProfileLines(items, userProfileTopK)
	return recallLines, profileLines, nil
}

// memoryStats implements step 6.
func (b *Builder) memoryStats(ctx context.Context, group string) (memory.Stats, error) {
	return b.mem.GroupStats(ctx, group)
}

// effectiveToolPolicy implements step 8 by delegating to C4's layered
// resolver. It does not apply per-run budgets; those are tracked
// outside Build, by a caller holding a policy.NewRunBudget for the run.
func (b *Builder) effectiveToolPolicy(cfg *config.RuntimeConfig, req Request) policy.Policy {
	return policy.Resolve(cfg.Tools, req.Group, req.UserID, policy.Request{
		ToolAllow: req.ToolAllow,
		ToolDeny:  req.ToolDeny,
	})
}

// toolReliability implements step 9: success rate over the last <=200
// audit rows for the group, grouped per tool name.
func (b *Builder) toolReliability(ctx context.Context, group string) (map[string]ToolReliability, error) {
	rows, err := b.audit.RecentByGroup(ctx, group, toolReliabilityWindow)
	if err != nil {
		return nil, err
	}
	agg := map[string]*ToolReliability{}
	for _, r := range rows {
		rel, ok := agg[r.ToolName]
		if !ok {
			rel = &ToolReliability{}
			agg[r.ToolName] = rel
		}
		rel.SampleSize++
		if r.OK {
			rel.SuccessRate += 1
		}
	}
	out := make(map[string]ToolReliability, len(agg))
	for name, rel := range agg {
		if rel.SampleSize > 0 {
			rel.SuccessRate = rel.SuccessRate / float64(rel.SampleSize)
		} else {
			rel.SuccessRate = 1.0
		}
		out[name] = *rel
	}
	return out, nil
}
