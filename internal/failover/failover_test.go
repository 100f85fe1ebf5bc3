package failover

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_SetAndInCooldown(t *testing.T) {
	r := NewRegistry("", true)
	r.Set("gpt", 1000, 5000*time.Millisecond)
	assert.True(t, r.InCooldown("gpt", 2000))
	assert.False(t, r.InCooldown("gpt", 6001))
}

func TestRegistry_NextChainSkipsCooldownAndAttempted(t *testing.T) {
	r := NewRegistry("", true)
	r.Set("model-a", 1000, 5000*time.Millisecond)
	chain := r.NextChain([]string{"model-a", "model-b", "model-c", "model-b"}, map[string]bool{"model-c": true}, 2000)
	require.NotNil(t, chain)
	assert.Equal(t, "model-b", chain.Model)
	assert.Empty(t, chain.Fallbacks)
}

func TestRegistry_NextChainReturnsNilWhenExhausted(t *testing.T) {
	r := NewRegistry("", true)
	r.Set("only-model", 1000, 5000*time.Millisecond)
	chain := r.NextChain([]string{"only-model"}, nil, 2000)
	assert.Nil(t, chain)
}

func TestRegistry_PersistsOnlyAboveRealClockFloorAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cooldowns.json")
	r := NewRegistry(path, false)
	r.Set("fake-clock-model", 1000, 5000*time.Millisecond) // nowMs=1000 is far below the floor
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "fake-clock cooldowns should not hit disk")

	r.Set("real-model", realClockFloorMs+1000, 60_000*time.Millisecond)
	_, err = os.Stat(path)
	require.NoError(t, err)

	r2 := NewRegistry(path, false)
	assert.True(t, r2.InCooldown("real-model", realClockFloorMs+2000))
}

func TestDowngrade_StepsEffortDownAndShrinksToolBudget(t *testing.T) {
	effort, steps := Downgrade("high", 40)
	assert.Equal(t, "medium", effort)
	assert.Equal(t, 28, steps)

	effort, steps = Downgrade("low", 10)
	assert.Equal(t, "off", effort)
	assert.Equal(t, 8, steps)
}

func TestBuildEnvelope_CompactsMessageAndClassifies(t *testing.T) {
	env := BuildEnvelope(errors.New("429 too many requests"), "provider", "gpt", 2, 429, 5000)
	assert.Equal(t, Category("rate_limit"), env.Category)
	assert.True(t, env.Retryable)
	assert.Equal(t, 2, env.Attempt)
}
