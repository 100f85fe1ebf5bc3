package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dotclaw/dotclaw/internal/config"
)

func TestResolve_DefaultUnrestrictedWhenNoLayerSetsAllow(t *testing.T) {
	cfg := config.ToolsPolicyConfig{}
	p := Resolve(cfg, "g1", "u1", Request{})
	assert.True(t, p.Allowed("anything"))
}

func TestResolve_GroupNarrowsThenUserNarrowsFurther(t *testing.T) {
	cfg := config.ToolsPolicyConfig{
		Groups: map[string]config.ToolPolicySpec{
			"g1": {Allow: []string{"group:fs", "run_shell"}},
		},
		Users: map[string]config.ToolPolicySpec{
			"u1": {Allow: []string{"read_file", "run_shell"}},
		},
	}
	p := Resolve(cfg, "g1", "u1", Request{})
	assert.True(t, p.Allowed("read_file"))
	assert.True(t, p.Allowed("run_shell"))
	assert.False(t, p.Allowed("write_file"))
	assert.False(t, p.Allowed("memory_search"))
}

func TestResolve_RequestDenyAlwaysWins(t *testing.T) {
	cfg := config.ToolsPolicyConfig{
		Default: config.ToolPolicySpec{Allow: []string{"read_file", "write_file"}},
	}
	p := Resolve(cfg, "g1", "u1", Request{ToolDeny: []string{"write_file"}})
	assert.True(t, p.Allowed("read_file"))
	assert.False(t, p.Allowed("write_file"))
}

func TestResolve_RequestAllowIntersectsExistingLayer(t *testing.T) {
	cfg := config.ToolsPolicyConfig{
		Default: config.ToolPolicySpec{Allow: []string{"read_file", "write_file", "run_shell"}},
	}
	p := Resolve(cfg, "g1", "u1", Request{ToolAllow: []string{"read_file", "run_shell"}})
	assert.True(t, p.Allowed("read_file"))
	assert.True(t, p.Allowed("run_shell"))
	assert.False(t, p.Allowed("write_file"))
}

func TestResolve_RequestAllowSetsWhenNoPriorLayerRestricted(t *testing.T) {
	cfg := config.ToolsPolicyConfig{}
	p := Resolve(cfg, "g1", "u1", Request{ToolAllow: []string{"read_file"}})
	assert.True(t, p.Allowed("read_file"))
	assert.False(t, p.Allowed("write_file"))
}

func TestRunBudget_ConsumeEnforcesLimitAndLeavesUnboundedToolsUnlimited(t *testing.T) {
	b := NewRunBudget(map[string]int{"run_shell": 2})
	assert.True(t, b.Consume("run_shell"))
	assert.True(t, b.Consume("run_shell"))
	assert.False(t, b.Consume("run_shell"))
	for i := 0; i < 50; i++ {
		assert.True(t, b.Consume("read_file"))
	}
	assert.Equal(t, 2, b.Used("run_shell"))
}
