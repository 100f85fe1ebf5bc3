package agentctx

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/dotclaw/dotclaw/internal/memory"
)

// BehaviorConfig is the typed schema spec.md's REDESIGN FLAGS section
// assigns to the formerly free-form behaviorConfig bag: unknown keys
// in stored preference JSON are ignored, and the three numeric fields
// are clamped to [0,1].
type BehaviorConfig struct {
	ToolCallingBias           float64 `json:"tool_calling_bias"`
	MemoryImportanceThreshold float64 `json:"memory_importance_threshold"`
	ResponseStyle             string  `json:"response_style"` // concise|balanced|detailed
	CautionBias               float64 `json:"caution_bias"`
	LastUpdated               int64   `json:"last_updated"`
	Notes                     string  `json:"notes,omitempty"`
}

// defaultBehavior is the "base" layer of step 7's base←group←user
// merge, used whenever no preference row exists at a given layer.
func defaultBehavior() BehaviorConfig {
	return BehaviorConfig{
		ToolCallingBias:           0.5,
		MemoryImportanceThreshold: 0.3,
		ResponseStyle:             "balanced",
		CautionBias:               0.5,
	}
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// mergeBehavior overlays a partial JSON preference row onto base,
// ignoring unknown keys (the row is decoded into a map and only the
// known keys are read from it) and clamping the numeric fields
// afterward.
func mergeBehavior(base BehaviorConfig, content string) BehaviorConfig {
	if content == "" {
		return base
	}
	var patch map[string]any
	if err := json.Unmarshal([]byte(content), &patch); err != nil {
		return base
	}
	out := base
	if v, ok := patch["tool_calling_bias"].(float64); ok {
		out.ToolCallingBias = v
	}
	if v, ok := patch["memory_importance_threshold"].(float64); ok {
		out.MemoryImportanceThreshold = v
	}
	if v, ok := patch["response_style"].(string); ok {
		switch v {
		case "concise", "balanced", "detailed":
			out.ResponseStyle = v
		}
	}
	if v, ok := patch["caution_bias"].(float64); ok {
		out.CautionBias = v
	}
	if v, ok := patch["last_updated"].(float64); ok {
		out.LastUpdated = int64(v)
	}
	if v, ok := patch["notes"].(string); ok {
		out.Notes = v
	}
	out.ToolCallingBias = clamp01(out.ToolCallingBias)
	out.MemoryImportanceThreshold = clamp01(out.MemoryImportanceThreshold)
	out.CautionBias = clamp01(out.CautionBias)
	return out
}

const (
	behaviorConflictKey = "behavior_config"
)

type behaviorCacheEntry struct {
	value    BehaviorConfig
	cachedAt time.Time
}

// behaviorCache TTL-caches the resolved base←group←user merge per
// (group, user) pair, matching spec.md §4.3 step 7's "cached TTL
// (default 5 min)" requirement — the conflict-keyed memory lookups
// would otherwise run on every single request.
type behaviorCache struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[string]behaviorCacheEntry
}

func newBehaviorCache(ttl time.Duration) *behaviorCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &behaviorCache{ttl: ttl, m: map[string]behaviorCacheEntry{}}
}

func (c *behaviorCache) get(key string) (BehaviorConfig, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	if !ok || time.Since(e.cachedAt) > c.ttl {
		return BehaviorConfig{}, false
	}
	return e.value, true
}

func (c *behaviorCache) set(key string, v BehaviorConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = behaviorCacheEntry{value: v, cachedAt: time.Now()}
}

// loadBehavior implements spec.md §4.3 step 7: base ← group
// preference ← user preference, each layer read from a conflict-keyed
// memory item when present, results cached by (group, user).
func (b *Builder) loadBehavior(ctx context.Context, group, userID string) (BehaviorConfig, error) {
	cacheKey := group + "\x00" + userID
	if cached, ok := b.behaviorCache.get(cacheKey); ok {
		return cached, nil
	}

	cfg := defaultBehavior()

	groupItem, err := b.mem.ByConflictKey(ctx, group, memory.ScopeGroup, "", behaviorConflictKey)
	if err != nil {
		return cfg, err
	}
	if groupItem != nil {
		cfg = mergeBehavior(cfg, groupItem.Content)
	}

	if userID != "" {
		userItem, err := b.mem.ByConflictKey(ctx, group, memory.ScopeUser, userID, behaviorConflictKey)
		if err != nil {
			return cfg, err
		}
		if userItem != nil {
			cfg = mergeBehavior(cfg, userItem.Content)
		}
	}

	b.behaviorCache.set(cacheKey, cfg)
	return cfg, nil
}
