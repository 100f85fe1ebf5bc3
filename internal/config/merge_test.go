package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeepMerge_RecursesOnPlainObjects(t *testing.T) {
	base := map[string]any{
		"memory": map[string]any{
			"recall": map[string]any{"maxResults": float64(12), "maxTokens": float64(4000)},
		},
	}
	override := map[string]any{
		"memory": map[string]any{
			"recall": map[string]any{"maxResults": float64(20)},
		},
	}

	merged := DeepMerge(base, override)
	recall := merged["memory"].(map[string]any)["recall"].(map[string]any)
	assert.Equal(t, float64(20), recall["maxResults"])
	assert.Equal(t, float64(4000), recall["maxTokens"])
}

func TestDeepMerge_ArraysOverrideWholesale(t *testing.T) {
	base := map[string]any{"toolAllow": []any{"a", "b"}}
	override := map[string]any{"toolAllow": []any{"c"}}
	merged := DeepMerge(base, override)
	assert.Equal(t, []any{"c"}, merged["toolAllow"])
}

func TestDeepMerge_IgnoresTypeMismatchedScalar(t *testing.T) {
	base := map[string]any{"maxAgents": float64(8)}
	override := map[string]any{"maxAgents": "eight"}
	merged := DeepMerge(base, override)
	assert.Equal(t, float64(8), merged["maxAgents"])
}

func TestLoad_MissingFileReturnsDefaultsWithComputedFields(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Concurrency.MaxAgents)
	assert.GreaterOrEqual(t, cfg.Telegram.HandlerTimeoutMs, 120_000)
}

func TestLoad_MergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"concurrency": {"maxAgents": 16},
		"memory": {"recall": {"maxResults": 30}}
	}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Concurrency.MaxAgents)
	assert.Equal(t, 30, cfg.Memory.Recall.MaxResults)
	assert.Equal(t, 4000, cfg.Memory.Recall.MaxTokens, "unset sibling keeps default")
}

func TestApplyComputedDefaults_HandlerTimeoutExceedsContainerTimeout(t *testing.T) {
	cfg := Default()
	cfg.Container.TimeoutMs = 500_000
	applyComputedDefaults(cfg)
	assert.Greater(t, cfg.Telegram.HandlerTimeoutMs, cfg.Container.TimeoutMs)
}
